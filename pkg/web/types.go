// Package web provides HTTP request and response types for the operator API.
package web

import (
	"time"

	"github.com/dukex/convoflow/pkg/engine"
	"github.com/dukex/convoflow/pkg/events"
	"github.com/dukex/convoflow/pkg/models"
)

// CreateWorkflowRequest represents the request body for creating a new workflow.
type CreateWorkflowRequest struct {
	ID          string        `json:"id,omitempty"`
	Name        string        `json:"name"         validate:"required,min=3"`
	Description string        `json:"description"`
	ChatbotID   string        `json:"chatbot_id"`
	OwnerID     string        `json:"owner_id"`
	IsActive    bool          `json:"is_active"`
	Graph       *models.Graph `json:"graph"        validate:"required"`
}

// UpdateWorkflowRequest represents the request body for updating an existing workflow.
// All fields are optional to support partial updates.
type UpdateWorkflowRequest struct {
	Name        *string       `json:"name,omitempty"        validate:"omitempty,min=3"`
	Description *string       `json:"description,omitempty"`
	ChatbotID   *string       `json:"chatbot_id,omitempty"`
	IsActive    *bool         `json:"is_active,omitempty"`
	Graph       *models.Graph `json:"graph,omitempty"`
}

// ValidateWorkflowRequest carries a graph to check without storing it.
type ValidateWorkflowRequest struct {
	Graph *models.Graph `json:"graph" validate:"required"`
}

// CreateNodeRequest represents the request body for adding a node to a workflow.
type CreateNodeRequest struct {
	Kind        string         `json:"kind"         validate:"required,oneof=trigger action condition"`
	Type        string         `json:"type"         validate:"required"`
	Name        string         `json:"name"`
	Config      map[string]any `json:"config"`
	ConnectFrom string         `json:"connect_from"`
	Label       string         `json:"label"`
}

// UpdateNodeRequest represents the request body for updating a node.
// Kind and type cannot be changed.
type UpdateNodeRequest struct {
	Name   string         `json:"name"`
	Config map[string]any `json:"config"`
}

// EventRequest is an ingress envelope posted by the conversation platform.
type EventRequest struct {
	Name      string         `json:"name"      validate:"required"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

func (r EventRequest) Envelope() events.Envelope {
	return events.Envelope{Name: r.Name, Payload: r.Payload, Timestamp: r.Timestamp}
}

// DispatchResponse lists what an event triggered.
type DispatchResponse struct {
	Event   models.TriggerEvent     `json:"event"`
	Matched int                     `json:"matched"`
	Results []engine.DispatchResult `json:"results"`
}

// ExecutionResponse is an execution record plus, while it runs, its live log.
type ExecutionResponse struct {
	*models.ExecutionRecord

	Running bool `json:"running"`
}
