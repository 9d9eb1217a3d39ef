package engine

import (
	"errors"
	"fmt"

	"github.com/dukex/convoflow/pkg/models"
)

var (
	// ErrStopped is the cancellation cause of executions stopped by an operator.
	ErrStopped = errors.New("stopped by user")
	// ErrTimeout replaces the context error of executions that ran out of time.
	ErrTimeout = errors.New("execution timed out")
	// ErrInvalidGraph marks a missing or malformed workflow graph.
	ErrInvalidGraph = errors.New("invalid workflow graph")
	// ErrTriggerFailed aborts an execution whose trigger node cannot run.
	ErrTriggerFailed = errors.New("trigger node failed")
	// ErrActionFailed wraps an action handler error once retries are exhausted.
	ErrActionFailed = errors.New("action node failed")
)

// RateLimitError is returned when the actor's window is full. It is reported
// apart from execution failures and never retried or dead-lettered.
type RateLimitError struct {
	Key    string
	Result models.RateLimitResult
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %ds", e.Key, e.Result.RetryAfter)
}

// ExecutionError describes a FAILED execution.
type ExecutionError struct {
	ExecutionID string
	NodeID      string
	Err         error
}

func (e *ExecutionError) Error() string {
	if e.NodeID == "" {
		return fmt.Sprintf("execution %s failed: %v", e.ExecutionID, e.Err)
	}

	return fmt.Sprintf("execution %s failed at node %s: %v", e.ExecutionID, e.NodeID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsRateLimited reports whether err is a rate-limit rejection.
func IsRateLimited(err error) bool {
	var rl *RateLimitError

	return errors.As(err, &rl)
}
