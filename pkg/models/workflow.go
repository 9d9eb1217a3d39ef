// Package models defines the core domain models for conversational workflow automation
package models

import "time"

// Workflow is an operator-authored automation: a graph of trigger, action and
// condition nodes plus the state machine compiled from it.
type Workflow struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"                    validate:"required,min=3"`
	Description  string        `json:"description"`
	ChatbotID    string        `json:"chatbot_id,omitempty"`
	OwnerID      string        `json:"owner_id,omitempty"`
	Graph        *Graph        `json:"graph"                   validate:"required"`
	IsActive     bool          `json:"is_active"`
	StateMachine *StateMachine `json:"state_machine,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Graph is the node/edge representation produced by the workflow editor.
type Graph struct {
	Nodes []*Node `json:"nodes"`
	Edges []*Edge `json:"edges"`
}

// NodeByID returns the node with the given id, or nil.
func (g *Graph) NodeByID(id string) *Node {
	if g == nil {
		return nil
	}

	for _, n := range g.Nodes {
		if n != nil && n.ID == id {
			return n
		}
	}

	return nil
}

// NodesOfKind returns the nodes of a kind in document order.
func (g *Graph) NodesOfKind(kind NodeKind) []*Node {
	if g == nil {
		return nil
	}

	var out []*Node

	for _, n := range g.Nodes {
		if n != nil && n.Kind == kind {
			out = append(out, n)
		}
	}

	return out
}

// Outgoing returns the edges leaving a node in document order.
func (g *Graph) Outgoing(nodeID string) []*Edge {
	if g == nil {
		return nil
	}

	var out []*Edge

	for _, e := range g.Edges {
		if e != nil && e.Source == nodeID {
			out = append(out, e)
		}
	}

	return out
}

// TriggerNodes is a shorthand for NodesOfKind(NodeKindTrigger).
func (w *Workflow) TriggerNodes() []*Node {
	if w == nil {
		return nil
	}

	return w.Graph.NodesOfKind(NodeKindTrigger)
}

// ActionNodes is a shorthand for NodesOfKind(NodeKindAction).
func (w *Workflow) ActionNodes() []*Node {
	if w == nil {
		return nil
	}

	return w.Graph.NodesOfKind(NodeKindAction)
}
