package transform

import (
	"log/slog"
	"testing"

	"github.com/dukex/convoflow/pkg/executionlog"
	"github.com/dukex/convoflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func actionContext() models.ActionContext {
	return models.ActionContext{
		ExecutionID: "exec-1",
		WorkflowID:  "wf-1",
		NodeID:      "shape",
		Event:       models.TriggerEvent{UserID: "u-1", ConversationID: "conv-1"},
		Results: map[string]any{
			"fetch_order": map[string]any{
				"customer": map[string]any{"name": "Ada"},
				"total":    120.5,
				"items":    []any{map[string]any{"sku": "A1"}, map[string]any{"sku": "B2"}},
			},
		},
	}
}

func TestAction_ValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		config map[string]any
		valid  bool
	}{
		{name: "nil config", config: nil, valid: false},
		{name: "blank expression", config: map[string]any{"expression": " "}, valid: false},
		{name: "expression only", config: map[string]any{"expression": "{{ .event.user_id }}"}, valid: true},
		{name: "non string input", config: map[string]any{"expression": "x", "input": 3}, valid: false},
	}

	action := NewAction(slog.New(slog.DiscardHandler))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, action.ValidateConfig(tt.config).IsValid)
		})
	}
}

func TestAction_Execute(t *testing.T) {
	tests := []struct {
		name   string
		config map[string]any
		key    string
		want   any
	}{
		{
			name:   "whole template data",
			config: map[string]any{"expression": "{{ .event.user_id }}"},
			key:    "result",
			want:   "u-1",
		},
		{
			name:   "dotted input",
			config: map[string]any{"input": "results.fetch_order", "expression": "{{ .total }}", "output": "total"},
			key:    "total",
			want:   120.5,
		},
		{
			name:   "jsonpath input",
			config: map[string]any{"input": "$.results.fetch_order.items[1]", "expression": "{{ .sku }}"},
			key:    "result",
			want:   "B2",
		},
		{
			name: "json output",
			config: map[string]any{
				"input":      "results.fetch_order",
				"expression": `{"customer": "{{ .customer.name }}", "vip": {{ gt .total 100.0 }}}`,
			},
			key:  "result",
			want: map[string]any{"customer": "Ada", "vip": true},
		},
	}

	action := NewAction(slog.New(slog.DiscardHandler))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := action.Execute(t.Context(), tt.config, actionContext())
			require.NoError(t, err)

			assert.True(t, result.Success)
			assert.Equal(t, tt.want, result.Data[tt.key])
		})
	}
}

func TestAction_ExecuteErrorsAreNotRetryable(t *testing.T) {
	action := NewAction(slog.New(slog.DiscardHandler))

	_, err := action.Execute(t.Context(), map[string]any{"input": "results.missing", "expression": "x"}, actionContext())
	require.Error(t, err)
	assert.False(t, executionlog.IsRetryable(err))

	_, err = action.Execute(t.Context(), map[string]any{"expression": "{{ .broken"}, actionContext())
	require.Error(t, err)
	assert.False(t, executionlog.IsRetryable(err))
}
