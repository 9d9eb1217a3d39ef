// Package persistence provides the storage abstraction for workflows, execution records,
// dead letters and operator notifications.
package persistence

import (
	"context"

	"github.com/dukex/convoflow/pkg/models"
)

type Persistence interface {
	WorkflowRepository() WorkflowRepository
	ExecutionRepository() ExecutionRepository
	DeadLetterRepository() DeadLetterRepository
	NotificationRepository() NotificationRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// ListWorkflowsOptions filters workflow listings. Zero values do not filter.
type ListWorkflowsOptions struct {
	ChatbotID  string
	OwnerID    string
	ActiveOnly bool
}

type WorkflowRepository interface {
	// Create fails with ErrWorkflowAlreadyExists when the id is taken.
	Create(ctx context.Context, workflow *models.Workflow) error
	// Update fails with ErrWorkflowNotFound when the id is unknown.
	Update(ctx context.Context, workflow *models.Workflow) error
	GetByID(ctx context.Context, id string) (*models.Workflow, error)
	List(ctx context.Context, opts ListWorkflowsOptions) ([]*models.Workflow, error)
	Delete(ctx context.Context, id string) error
}

// ListExecutionsOptions filters execution listings, newest first.
type ListExecutionsOptions struct {
	WorkflowID string
	Status     models.ExecutionStatus
	Limit      int
}

type ExecutionRepository interface {
	// Save inserts or replaces the record.
	Save(ctx context.Context, record *models.ExecutionRecord) error
	GetByID(ctx context.Context, id string) (*models.ExecutionRecord, error)
	List(ctx context.Context, opts ListExecutionsOptions) ([]*models.ExecutionRecord, error)
	Delete(ctx context.Context, id string) error
}

// DeadLetterRepository is insert-only. Rows are an audit trail and survive
// retries and removals from the live queue.
type DeadLetterRepository interface {
	Insert(ctx context.Context, record *models.DeadLetterRecord) error
	List(ctx context.Context, workflowID string) ([]*models.DeadLetterRecord, error)
}

type NotificationRepository interface {
	Insert(ctx context.Context, notification *models.Notification) error
	List(ctx context.Context, limit int) ([]*models.Notification, error)
}
