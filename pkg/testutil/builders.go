// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"fmt"

	"github.com/dukex/convoflow/pkg/models"
)

// TriggerNode creates a trigger node. A nil config becomes an empty one.
func TriggerNode(id, triggerType string, config map[string]any) *models.Node {
	if config == nil {
		config = map[string]any{}
	}

	return &models.Node{ID: id, Kind: models.NodeKindTrigger, Type: triggerType, Config: config}
}

// ActionNode creates an action node. A nil config becomes an empty one.
func ActionNode(id, actionType string, config map[string]any) *models.Node {
	if config == nil {
		config = map[string]any{}
	}

	return &models.Node{ID: id, Kind: models.NodeKindAction, Type: actionType, Config: config}
}

// LinearGraph chains nodes in order: n0 -> n1 -> ... with edges e1, e2, ...
func LinearGraph(nodes ...*models.Node) *models.Graph {
	graph := &models.Graph{Nodes: nodes, Edges: []*models.Edge{}}

	for i := 1; i < len(nodes); i++ {
		graph.Edges = append(graph.Edges, &models.Edge{
			ID:     fmt.Sprintf("e%d", i),
			Source: nodes[i-1].ID,
			Target: nodes[i].ID,
		})
	}

	return graph
}

// CreateTestWorkflow creates an active workflow for chatbot "bot-1" that can be overridden.
func CreateTestWorkflow(id string, graph *models.Graph, overrides ...func(*models.Workflow)) *models.Workflow {
	workflow := &models.Workflow{
		ID:        id,
		Name:      "Workflow " + id,
		ChatbotID: "bot-1",
		IsActive:  true,
		Graph:     graph,
	}

	for _, override := range overrides {
		override(workflow)
	}

	return workflow
}

// WithChatbot scopes the workflow to another chatbot.
func WithChatbot(chatbotID string) func(*models.Workflow) {
	return func(w *models.Workflow) {
		w.ChatbotID = chatbotID
	}
}

// Inactive marks the workflow as inactive.
func Inactive() func(*models.Workflow) {
	return func(w *models.Workflow) {
		w.IsActive = false
	}
}
