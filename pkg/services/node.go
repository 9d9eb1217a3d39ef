// Package services provides node management functionality for workflows.
package services

import (
	"context"
	"fmt"
	"slices"

	"github.com/dukex/convoflow/pkg/models"
	"github.com/google/uuid"
)

// CreateNodeRequest represents the request to add a node to a workflow graph.
// When ConnectFrom is set an edge from that node is added as well.
type CreateNodeRequest struct {
	Kind        models.NodeKind `json:"kind"         validate:"required,oneof=trigger action condition"`
	Type        string          `json:"type"         validate:"required"`
	Name        string          `json:"name"`
	Config      map[string]any  `json:"config"`
	ConnectFrom string          `json:"connect_from"`
	Label       string          `json:"label"`
}

// UpdateNodeRequest represents the request to update an existing node.
type UpdateNodeRequest struct {
	Name   string         `json:"name"`
	Config map[string]any `json:"config"`
}

// Node edits single nodes of a workflow graph. Every edit goes through the
// workflow service, so the graph is validated and recompiled each time.
type Node struct {
	workflows *Workflow
}

// NewNode creates a new node service.
func NewNode(workflows *Workflow) *Node {
	return &Node{workflows: workflows}
}

// editable loads a workflow whose graph may be changed.
func (n *Node) editable(ctx context.Context, workflowID string) (*models.Workflow, error) {
	workflow, err := n.workflows.FetchByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	// Only allow modifications on inactive workflows
	if workflow.IsActive {
		return nil, &ServiceError{Op: "EditNode", Code: "WORKFLOW_ACTIVE", Err: ErrCannotModifyActive}
	}

	if workflow.Graph == nil {
		workflow.Graph = &models.Graph{}
	}

	return workflow, nil
}

// CreateNode adds a node with a generated ID.
func (n *Node) CreateNode(ctx context.Context, workflowID string, req CreateNodeRequest) (*models.Node, error) {
	workflow, err := n.editable(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	node := &models.Node{
		ID:     uuid.New().String(),
		Kind:   req.Kind,
		Type:   req.Type,
		Name:   req.Name,
		Config: req.Config,
	}

	// Initialize config if nil
	if node.Config == nil {
		node.Config = make(map[string]any)
	}

	workflow.Graph.Nodes = append(workflow.Graph.Nodes, node)

	if req.ConnectFrom != "" {
		if findNode(workflow.Graph, req.ConnectFrom) == nil {
			return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, req.ConnectFrom)
		}

		workflow.Graph.Edges = append(workflow.Graph.Edges, &models.Edge{
			ID:     uuid.New().String(),
			Source: req.ConnectFrom,
			Target: node.ID,
			Label:  req.Label,
		})
	}

	if _, err := n.workflows.Update(ctx, workflowID, workflow); err != nil {
		return nil, err
	}

	return node, nil
}

// GetNode retrieves a specific node from the specified workflow.
func (n *Node) GetNode(ctx context.Context, workflowID, nodeID string) (*models.Node, error) {
	workflow, err := n.workflows.FetchByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	node := findNode(workflow.Graph, nodeID)
	if node == nil {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}

	return node, nil
}

// UpdateNode replaces the name and config of a node. Kind and type are kept.
func (n *Node) UpdateNode(ctx context.Context, workflowID, nodeID string, req UpdateNodeRequest) (*models.Node, error) {
	workflow, err := n.editable(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	node := findNode(workflow.Graph, nodeID)
	if node == nil {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}

	node.Name = req.Name
	node.Config = req.Config

	if node.Config == nil {
		node.Config = make(map[string]any)
	}

	if _, err := n.workflows.Update(ctx, workflowID, workflow); err != nil {
		return nil, err
	}

	return node, nil
}

// DeleteNode deletes a node and every edge touching it.
func (n *Node) DeleteNode(ctx context.Context, workflowID, nodeID string) error {
	workflow, err := n.editable(ctx, workflowID)
	if err != nil {
		return err
	}

	if findNode(workflow.Graph, nodeID) == nil {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}

	workflow.Graph.Nodes = slices.DeleteFunc(workflow.Graph.Nodes, func(node *models.Node) bool {
		return node.ID == nodeID
	})
	workflow.Graph.Edges = slices.DeleteFunc(workflow.Graph.Edges, func(edge *models.Edge) bool {
		return edge.Source == nodeID || edge.Target == nodeID
	})

	_, err = n.workflows.Update(ctx, workflowID, workflow)

	return err
}

func findNode(graph *models.Graph, nodeID string) *models.Node {
	if graph == nil {
		return nil
	}

	for _, node := range graph.Nodes {
		if node != nil && node.ID == nodeID {
			return node
		}
	}

	return nil
}
