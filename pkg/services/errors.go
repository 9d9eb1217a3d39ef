// Package services provides standardized error types for service layer operations.
package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/persistence"
)

// Business Logic Errors - These indicate client errors (4xx responses).
var (
	// Validation Errors (400 Bad Request).
	ErrInvalidRequest       = errors.New("invalid request")
	ErrWorkflowNil          = errors.New("workflow cannot be nil")
	ErrWorkflowNameRequired = errors.New("workflow name is required")
	ErrInvalidGraph         = errors.New("workflow graph is invalid")

	// Not Found Errors (404).
	ErrWorkflowNotFound = persistence.ErrWorkflowNotFound
	ErrNodeNotFound     = errors.New("node not found")

	// Business Logic Conflicts (409 Conflict).
	ErrWorkflowAlreadyExists = persistence.ErrWorkflowAlreadyExists
	ErrNodeAlreadyExists     = errors.New("node already exists")
	ErrCannotModifyActive    = errors.New("cannot modify nodes of an active workflow")
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// ValidationFailedError carries every issue of a rejected graph.
type ValidationFailedError struct {
	Op     string
	Result models.ValidationResult
}

func (e *ValidationFailedError) Error() string {
	messages := make([]string, 0, len(e.Result.Errors))
	for _, issue := range e.Result.Errors {
		messages = append(messages, issue.Message)
	}

	return fmt.Sprintf("%s: %v: %s", e.Op, ErrInvalidGraph, strings.Join(messages, "; "))
}

func (e *ValidationFailedError) Unwrap() error {
	return ErrInvalidGraph
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrWorkflowNil) ||
		errors.Is(err, ErrWorkflowNameRequired) ||
		errors.Is(err, ErrInvalidGraph) ||
		errors.Is(err, persistence.ErrInvalidID)
}

// IsNotFound checks if an error should return HTTP 404.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound) ||
		errors.Is(err, ErrNodeNotFound) ||
		errors.Is(err, persistence.ErrExecutionNotFound)
}

// IsConflictError checks if an error is a business logic conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrWorkflowAlreadyExists) ||
		errors.Is(err, ErrNodeAlreadyExists) ||
		errors.Is(err, ErrCannotModifyActive)
}
