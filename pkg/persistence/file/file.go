// Package file provides file-based persistence. Every entity is a JSON document
// under the configured root directory.
package file

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/dukex/convoflow/pkg/persistence"
)

// Persistence implements the persistence.Persistence interface using the file system.
type Persistence struct {
	root          string
	workflowRepo  *WorkflowRepository
	executionRepo *ExecutionRepository
	deadLetters   *DeadLetterRepository
	notifications *NotificationRepository
}

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	return &Persistence{
		root:          cleanRoot,
		workflowRepo:  NewWorkflowRepository(cleanRoot),
		executionRepo: NewExecutionRepository(cleanRoot),
		deadLetters:   NewDeadLetterRepository(cleanRoot),
		notifications: NewNotificationRepository(cleanRoot),
	}
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck verifies the root directory exists or can be created.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if err := os.MkdirAll(fp.root, 0o750); err != nil {
		return fmt.Errorf("file persistence root %s unavailable: %w", fp.root, err)
	}

	return nil
}

func (fp *Persistence) WorkflowRepository() persistence.WorkflowRepository {
	return fp.workflowRepo
}

func (fp *Persistence) ExecutionRepository() persistence.ExecutionRepository {
	return fp.executionRepo
}

func (fp *Persistence) DeadLetterRepository() persistence.DeadLetterRepository {
	return fp.deadLetters
}

func (fp *Persistence) NotificationRepository() persistence.NotificationRepository {
	return fp.notifications
}
