// Package logaction provides the log action, which writes a templated
// message to the service logger.
package logaction

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/template"
)

var levels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// Action implements protocol.ActionHandler for "log" nodes.
type Action struct {
	logger *slog.Logger
}

func NewAction(log *slog.Logger) *Action {
	return &Action{logger: log.With("module", "log_action")}
}

func (*Action) ID() string { return "log" }

func (*Action) Name() string { return "Log" }

func (*Action) Description() string {
	return "Writes a message to the service log. The message supports templating with the event, trigger and results."
}

func (*Action) Schema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"message"},
		"properties": map[string]any{
			"message": map[string]any{
				"type":        "string",
				"minLength":   1,
				"description": "Message to log",
				"examples": []string{
					"conversation {{ .event.conversation_id }} escalated",
				},
			},
			"level": map[string]any{
				"type":    "string",
				"default": "info",
				"enum":    []string{"debug", "info", "warn", "error"},
			},
		},
	}
}

func (*Action) ValidateConfig(config map[string]any) models.ValidationResult {
	result := models.ValidationResult{IsValid: true}

	message, _ := config["message"].(string)
	if strings.TrimSpace(message) == "" {
		result.AddError(models.ValidationIssue{Code: models.IssueInvalidConfig, Message: "log action requires a message"})
	}

	if level, ok := config["level"].(string); ok {
		if _, known := levels[strings.ToLower(level)]; !known {
			result.AddError(models.ValidationIssue{
				Code:    models.IssueInvalidConfig,
				Message: fmt.Sprintf("unknown log level %q", level),
			})
		}
	}

	return result
}

func (a *Action) Execute(ctx context.Context, config map[string]any, actx models.ActionContext) (models.ActionResult, error) {
	raw, _ := config["message"].(string)

	message, err := template.RenderString(raw, template.Data(actx))
	if err != nil {
		return models.ActionResult{Error: err.Error()}, err
	}

	levelName, _ := config["level"].(string)

	level, ok := levels[strings.ToLower(levelName)]
	if !ok {
		level = slog.LevelInfo
	}

	a.logger.Log(ctx, level, message,
		"execution_id", actx.ExecutionID,
		"workflow_id", actx.WorkflowID,
		"node_id", actx.NodeID)

	return models.ActionResult{
		Success: true,
		Data: map[string]any{
			"message": message,
			"level":   level.String(),
		},
	}, nil
}
