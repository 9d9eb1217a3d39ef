// Package registry maps action node types to their handlers.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/protocol"
)

var ErrHandlerNotFound = errors.New("action handler not registered")

// Registry is an explicit, injectable handler table. The engine and the
// compiler receive the same instance.
type Registry struct {
	logger   *slog.Logger
	mu       sync.RWMutex
	handlers map[string]protocol.ActionHandler
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		logger:   log.With("module", "registry"),
		handlers: make(map[string]protocol.ActionHandler),
	}
}

// Register adds or replaces the handler for its ID.
func (r *Registry) Register(handler protocol.ActionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[handler.ID()]; exists {
		r.logger.Warn("Replacing registered action handler", "type", handler.ID())
	}

	r.handlers[handler.ID()] = handler
}

// Resolve returns the handler registered for actionType.
func (r *Registry) Resolve(actionType string) (protocol.ActionHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, ok := r.handlers[actionType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHandlerNotFound, actionType)
	}

	return handler, nil
}

// Has reports whether actionType is registered.
func (r *Registry) Has(actionType string) bool {
	_, err := r.Resolve(actionType)

	return err == nil
}

// Types returns the registered type tags sorted alphabetically.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}

	sort.Strings(types)

	return types
}

// Schema returns the JSON schema of actionType, if registered.
func (r *Registry) Schema(actionType string) (map[string]any, bool) {
	handler, err := r.Resolve(actionType)
	if err != nil {
		return nil, false
	}

	return handler.Schema(), true
}

// ValidateConfig delegates to the handler of actionType.
func (r *Registry) ValidateConfig(actionType string, config map[string]any) (models.ValidationResult, bool) {
	handler, err := r.Resolve(actionType)
	if err != nil {
		return models.ValidationResult{IsValid: true}, false
	}

	return handler.ValidateConfig(config), true
}

// HealthCheck runs every handler's health check and returns the failures by type.
func (r *Registry) HealthCheck(ctx context.Context) map[string]error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	failures := map[string]error{}

	for id, handler := range r.handlers {
		checker, ok := handler.(protocol.HealthChecker)
		if !ok {
			continue
		}

		if err := checker.HealthCheck(ctx); err != nil {
			failures[id] = err
		}
	}

	return failures
}
