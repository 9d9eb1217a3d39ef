package compiler

import (
	"fmt"

	"github.com/dukex/convoflow/pkg/models"
)

// Compile derives the state machine of a graph. The result depends only on
// the graph, so compiling the same graph twice yields equal machines. Only a
// missing graph or node list is an error; other defects are reported by Validate.
func (c *Compiler) Compile(graph *models.Graph, workflowID string) (*models.StateMachine, error) {
	if graph == nil || graph.Nodes == nil {
		return nil, fmt.Errorf("%w: workflow %s has no nodes", ErrMalformedGraph, workflowID)
	}

	machine := &models.StateMachine{
		ID:      workflowID,
		Initial: models.StateIdle,
		States:  make(map[string]*models.MachineState, len(graph.Nodes)+3),
	}

	known := make(map[string]bool, len(graph.Nodes))
	for _, node := range graph.Nodes {
		if node != nil && node.ID != "" {
			known[node.ID] = true
		}
	}

	idle := &models.MachineState{Name: models.StateIdle, Kind: models.StateKindIdle}
	labels := make(map[string]bool)

	for _, node := range graph.Nodes {
		if node == nil || node.ID == "" || node.Kind != models.NodeKindTrigger {
			continue
		}

		label, _ := models.ResolveTriggerType(node.Type)
		if labels[label] {
			label = label + ":" + node.ID
		}

		labels[label] = true
		idle.Branches = append(idle.Branches, models.Branch{Label: label, Target: node.ID})
	}

	machine.States[models.StateIdle] = idle

	for _, node := range graph.Nodes {
		if node == nil || node.ID == "" {
			continue
		}

		if _, exists := machine.States[node.ID]; exists {
			continue
		}

		machine.States[node.ID] = compileNode(graph, node, known)
	}

	machine.States[models.StateCompleted] = &models.MachineState{Name: models.StateCompleted, Kind: models.StateKindFinal, Final: true}
	machine.States[models.StateFailed] = &models.MachineState{Name: models.StateFailed, Kind: models.StateKindFinal, Final: true}

	c.logger.Debug("Compiled workflow", "workflow_id", workflowID, "states", len(machine.States))

	return machine, nil
}

func compileNode(graph *models.Graph, node *models.Node, known map[string]bool) *models.MachineState {
	onError := &models.Transition{
		Target:  models.StateFailed,
		Actions: []string{models.TransitionActionAppendError},
	}

	outgoing := make([]*models.Edge, 0)

	for _, edge := range graph.Outgoing(node.ID) {
		if known[edge.Target] {
			outgoing = append(outgoing, edge)
		}
	}

	switch node.Kind {
	case models.NodeKindCondition:
		state := &models.MachineState{
			Name:    node.ID,
			NodeID:  node.ID,
			Kind:    models.StateKindCondition,
			OnError: onError,
			Default: models.StateCompleted,
		}

		for i, edge := range outgoing {
			label := edge.BranchLabel()
			if label == "" {
				label = fmt.Sprintf("branch_%d", i+1)
			}

			state.Branches = append(state.Branches, models.Branch{Label: label, Target: edge.Target})
		}

		return state
	default:
		kind := models.StateKindAction
		if node.Kind == models.NodeKindTrigger {
			kind = models.StateKindTrigger
		}

		next := models.StateCompleted
		if len(outgoing) > 0 {
			next = outgoing[0].Target
		}

		return &models.MachineState{
			Name:      node.ID,
			NodeID:    node.ID,
			Kind:      kind,
			OnSuccess: &models.Transition{Target: next},
			OnError:   onError,
		}
	}
}
