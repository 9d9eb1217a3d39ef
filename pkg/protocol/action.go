// Package protocol defines the contracts for pluggable action handlers.
package protocol

import (
	"context"

	"github.com/dukex/convoflow/pkg/models"
)

// ActionHandler executes one action node type.
type ActionHandler interface {
	// ID returns the node type tag this handler serves
	ID() string

	// Name returns the human-readable name for this action
	Name() string

	// Description returns a description of what this action does
	Description() string

	// Schema returns the JSON schema for configuring this action
	Schema() map[string]any

	// ValidateConfig checks a node config beyond what the schema expresses
	ValidateConfig(config map[string]any) models.ValidationResult

	// Execute runs the action. A non-nil error is classified for retry by the engine.
	Execute(ctx context.Context, config map[string]any, actx models.ActionContext) (models.ActionResult, error)
}

// HealthChecker is implemented by handlers that depend on an external system.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}
