package executionlog

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/dukex/convoflow/pkg/models"
)

// Retryable is implemented by errors that know their own retry class.
type Retryable interface {
	Retryable() bool
}

type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string   { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error   { return e.err }
func (e *nonRetryableError) Retryable() bool { return false }

// NonRetryable marks err so IsRetryable always reports false for it.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}

	return &nonRetryableError{err: err}
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string   { return e.err.Error() }
func (e *retryableError) Unwrap() error   { return e.err }
func (e *retryableError) Retryable() bool { return true }

// MarkRetryable forces err into the retryable class.
func MarkRetryable(err error) error {
	if err == nil {
		return nil
	}

	return &retryableError{err: err}
}

var retryablePatterns = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection refused",
	"connection reset",
	"broken pipe",
	"network",
	"econnreset",
	"econnrefused",
	"etimedout",
	"rate limit",
	"ratelimit",
	"too many requests",
	"service unavailable",
	"temporarily unavailable",
	"bad gateway",
	"gateway timeout",
}

// IsRetryable classifies err. An explicit marker wins; otherwise transient
// network, timeout, rate-limit and availability failures are retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var marked Retryable
	if errors.As(err, &marked) {
		return marked.Retryable()
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	haystack := strings.ToLower(fmt.Sprintf("%T %s", err, err.Error()))
	for _, pattern := range retryablePatterns {
		if strings.Contains(haystack, pattern) {
			return true
		}
	}

	return false
}

// Detail converts err into its serialisable form. Name is the type of the
// innermost wrapped error.
func Detail(err error) *models.ErrorDetail {
	if err == nil {
		return nil
	}

	root := err
	for next := errors.Unwrap(root); next != nil; next = errors.Unwrap(root) {
		root = next
	}

	name := strings.TrimPrefix(fmt.Sprintf("%T", root), "*")
	if name == "errors.errorString" {
		name = "Error"
	}

	return &models.ErrorDetail{Name: name, Message: err.Error()}
}
