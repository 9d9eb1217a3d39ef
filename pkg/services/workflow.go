package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/persistence"
	"github.com/google/uuid"
)

// GraphCompiler validates and compiles workflow graphs.
type GraphCompiler interface {
	Validate(graph *models.Graph) models.ValidationResult
	Compile(graph *models.Graph, workflowID string) (*models.StateMachine, error)
}

type Workflow struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	compiler    GraphCompiler
	now         func() time.Time
}

// NewWorkflow creates a new workflow service.
func NewWorkflow(log *slog.Logger, persistence persistence.Persistence, compiler GraphCompiler) *Workflow {
	return &Workflow{
		logger:      log.With("module", "workflow_service"),
		persistence: persistence,
		compiler:    compiler,
		now:         time.Now,
	}
}

// HealthCheck checks the health of the persistence layer.
func (w *Workflow) HealthCheck(ctx context.Context) (string, bool) {
	if w.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := w.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// ListWorkflowsRequest filters a workflow listing. Zero values do not filter.
type ListWorkflowsRequest struct {
	ChatbotID  string
	OwnerID    string
	ActiveOnly bool
}

func (w *Workflow) List(ctx context.Context, req ListWorkflowsRequest) ([]*models.Workflow, error) {
	workflows, err := w.persistence.WorkflowRepository().List(ctx, persistence.ListWorkflowsOptions{
		ChatbotID:  strings.TrimSpace(req.ChatbotID),
		OwnerID:    strings.TrimSpace(req.OwnerID),
		ActiveOnly: req.ActiveOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}

	return workflows, nil
}

// FetchByID retrieves a workflow by its ID.
func (w *Workflow) FetchByID(ctx context.Context, id string) (*models.Workflow, error) {
	workflow, err := w.persistence.WorkflowRepository().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if workflow == nil {
		return nil, ErrWorkflowNotFound
	}

	return workflow, nil
}

// Validate reports every issue of graph without storing anything.
func (w *Workflow) Validate(graph *models.Graph) models.ValidationResult {
	return w.compiler.Validate(graph)
}

// prepare validates the workflow and compiles its state machine.
func (w *Workflow) prepare(op string, workflow *models.Workflow) error {
	if workflow == nil {
		return ErrWorkflowNil
	}

	workflow.Name = strings.TrimSpace(workflow.Name)
	if workflow.Name == "" {
		return NewValidationError(op, "NAME_REQUIRED", "workflow name is required", ErrWorkflowNameRequired)
	}

	result := w.compiler.Validate(workflow.Graph)
	if !result.IsValid {
		return &ValidationFailedError{Op: op, Result: result}
	}

	for _, warning := range result.Warnings {
		w.logger.Warn("Workflow graph warning", "workflow_id", workflow.ID, "code", warning.Code, "message", warning.Message)
	}

	machine, err := w.compiler.Compile(workflow.Graph, workflow.ID)
	if err != nil {
		return NewValidationError(op, "COMPILE_FAILED", err.Error(), ErrInvalidGraph)
	}

	workflow.StateMachine = machine

	return nil
}

// Create validates, compiles and stores a new workflow. A missing ID is generated.
func (w *Workflow) Create(ctx context.Context, workflow *models.Workflow) (*models.Workflow, error) {
	if workflow != nil && workflow.ID == "" {
		workflow.ID = uuid.New().String()
	}

	if err := w.prepare("Create", workflow); err != nil {
		return nil, err
	}

	now := w.now().UTC()
	workflow.CreatedAt = now
	workflow.UpdatedAt = now

	if err := w.persistence.WorkflowRepository().Create(ctx, workflow); err != nil {
		if IsConflictError(err) || IsValidationError(err) {
			return nil, err
		}

		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}

	w.logger.Info("Workflow created", "workflow_id", workflow.ID, "nodes", len(workflow.Graph.Nodes))

	return workflow, nil
}

// Update replaces an existing workflow, recompiling its graph.
func (w *Workflow) Update(ctx context.Context, workflowID string, workflow *models.Workflow) (*models.Workflow, error) {
	existing, err := w.FetchByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if workflow == nil {
		return nil, ErrWorkflowNil
	}

	workflow.ID = workflowID

	if err := w.prepare("Update", workflow); err != nil {
		return nil, err
	}

	workflow.CreatedAt = existing.CreatedAt
	workflow.UpdatedAt = w.now().UTC()

	if err := w.persistence.WorkflowRepository().Update(ctx, workflow); err != nil {
		if IsNotFound(err) {
			return nil, err
		}

		return nil, fmt.Errorf("failed to update workflow: %w", err)
	}

	return workflow, nil
}

// SetActive toggles whether the workflow receives events. Activation
// re-validates the stored graph.
func (w *Workflow) SetActive(ctx context.Context, workflowID string, active bool) (*models.Workflow, error) {
	workflow, err := w.FetchByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if workflow.IsActive == active {
		return workflow, nil
	}

	workflow.IsActive = active

	updated, err := w.Update(ctx, workflowID, workflow)
	if err != nil {
		return nil, err
	}

	w.logger.Info("Workflow activation changed", "workflow_id", workflowID, "active", active)

	return updated, nil
}

// Delete removes a workflow by its ID.
func (w *Workflow) Delete(ctx context.Context, workflowID string) error {
	if _, err := w.FetchByID(ctx, workflowID); err != nil {
		return err
	}

	if err := w.persistence.WorkflowRepository().Delete(ctx, workflowID); err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}

	return nil
}
