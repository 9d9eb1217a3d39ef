package registry

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/dukex/convoflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubHandler struct {
	id        string
	healthErr error
}

func (s *stubHandler) ID() string             { return s.id }
func (s *stubHandler) Name() string           { return s.id }
func (s *stubHandler) Description() string    { return "" }
func (s *stubHandler) Schema() map[string]any { return map[string]any{"type": "object"} }

func (s *stubHandler) ValidateConfig(config map[string]any) models.ValidationResult {
	result := models.ValidationResult{IsValid: true}
	if _, ok := config["required"]; !ok {
		result.AddError(models.ValidationIssue{Code: models.IssueInvalidConfig, Message: "required is missing"})
	}

	return result
}

func (s *stubHandler) Execute(context.Context, map[string]any, models.ActionContext) (models.ActionResult, error) {
	return models.ActionResult{Success: true}, nil
}

type checkedHandler struct {
	stubHandler
}

func (c *checkedHandler) HealthCheck(context.Context) error { return c.healthErr }

func TestRegistry_RegisterResolve(t *testing.T) {
	r := NewRegistry(slog.New(slog.DiscardHandler))

	r.Register(&stubHandler{id: "webhook"})
	r.Register(&stubHandler{id: "log"})
	r.Register(&stubHandler{id: "log"})

	handler, err := r.Resolve("log")
	require.NoError(t, err)
	assert.Equal(t, "log", handler.ID())

	_, err = r.Resolve("send_email")
	assert.ErrorIs(t, err, ErrHandlerNotFound)

	assert.True(t, r.Has("webhook"))
	assert.False(t, r.Has("send_email"))
	assert.Equal(t, []string{"log", "webhook"}, r.Types())
}

func TestRegistry_SchemaAndValidation(t *testing.T) {
	r := NewRegistry(slog.New(slog.DiscardHandler))
	r.Register(&stubHandler{id: "log"})

	schema, ok := r.Schema("log")
	require.True(t, ok)
	assert.Equal(t, "object", schema["type"])

	_, ok = r.Schema("missing")
	assert.False(t, ok)

	result, ok := r.ValidateConfig("log", map[string]any{})
	require.True(t, ok)
	assert.False(t, result.IsValid)

	result, ok = r.ValidateConfig("missing", nil)
	assert.False(t, ok)
	assert.True(t, result.IsValid)
}

func TestRegistry_HealthCheck(t *testing.T) {
	r := NewRegistry(slog.New(slog.DiscardHandler))
	down := errors.New("crm unreachable")

	r.Register(&stubHandler{id: "log"})
	r.Register(&checkedHandler{stubHandler{id: "crm", healthErr: down}})
	r.Register(&checkedHandler{stubHandler{id: "mail"}})

	failures := r.HealthCheck(t.Context())

	assert.Equal(t, map[string]error{"crm": down}, failures)
}
