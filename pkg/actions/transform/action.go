// Package transform provides the transform action, which reshapes upstream
// results with a template so later nodes can consume them.
package transform

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/convoflow/pkg/condition"
	"github.com/dukex/convoflow/pkg/executionlog"
	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/template"
)

const defaultOutput = "result"

// Action implements protocol.ActionHandler for "transform" nodes.
type Action struct {
	logger *slog.Logger
}

func NewAction(log *slog.Logger) *Action {
	return &Action{logger: log.With("module", "transform_action")}
}

func (*Action) ID() string { return "transform" }

func (*Action) Name() string { return "Transform" }

func (*Action) Description() string {
	return "Transforms input data using a template expression. The input is selected from the event, trigger and results with a dotted path or JSONPath."
}

func (*Action) Schema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"expression"},
		"properties": map[string]any{
			"input": map[string]any{
				"type":        "string",
				"description": "Path of the input data. If empty, the whole template data is used.",
				"examples": []string{
					"",
					"results.fetch_order",
					"$.results.fetch_order.items[0]",
					"trigger.intent",
				},
			},
			"expression": map[string]any{
				"type":        "string",
				"minLength":   1,
				"format":      "code",
				"description": "Template rendered against the input. JSON, numeric and boolean output is decoded.",
				"examples": []string{
					"{{ .name }}",
					`{"customer": "{{ .customer.name }}", "total": {{ .total }}}`,
				},
			},
			"output": map[string]any{
				"type":        "string",
				"default":     defaultOutput,
				"description": "Key under which the transformed value is stored in the node result.",
			},
		},
	}
}

func (*Action) ValidateConfig(config map[string]any) models.ValidationResult {
	result := models.ValidationResult{IsValid: true}

	expression, _ := config["expression"].(string)
	if strings.TrimSpace(expression) == "" {
		result.AddError(models.ValidationIssue{Code: models.IssueInvalidConfig, Message: "transform action requires an expression"})
	}

	if input, ok := config["input"]; ok {
		if _, isString := input.(string); !isString {
			result.AddError(models.ValidationIssue{Code: models.IssueInvalidConfig, Message: "transform input must be a path string"})
		}
	}

	return result
}

func (a *Action) Execute(ctx context.Context, config map[string]any, actx models.ActionContext) (models.ActionResult, error) {
	expression, _ := config["expression"].(string)
	inputPath, _ := config["input"].(string)

	output, _ := config["output"].(string)
	if output == "" {
		output = defaultOutput
	}

	data, err := a.extract(actx, inputPath)
	if err != nil {
		return models.ActionResult{Error: err.Error()}, err
	}

	value, err := template.Render(expression, data)
	if err != nil {
		err = executionlog.NonRetryable(fmt.Errorf("transformation failed: %w", err))

		return models.ActionResult{Error: err.Error()}, err
	}

	a.logger.DebugContext(ctx, "Transform completed",
		"execution_id", actx.ExecutionID,
		"node_id", actx.NodeID,
		"output", output)

	return models.ActionResult{Success: true, Data: map[string]any{output: value}}, nil
}

func (a *Action) extract(actx models.ActionContext, path string) (any, error) {
	data := template.Data(actx)
	if path == "" {
		return data, nil
	}

	value, ok := condition.Lookup(data, path)
	if !ok {
		return nil, executionlog.NonRetryable(fmt.Errorf("transform input %q not found", path))
	}

	return value, nil
}
