// Package template renders action node configuration against the running
// execution, using text/template syntax ("{{ .event.user_id }}").
package template

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/dukex/convoflow/pkg/models"
)

// Data exposes an action context to templates.
func Data(actx models.ActionContext) map[string]any {
	return map[string]any{
		"event": map[string]any{
			"type":            actx.Event.Type,
			"data":            actx.Event.Data,
			"conversation_id": actx.Event.ConversationID,
			"message_id":      actx.Event.MessageID,
			"user_id":         actx.Event.UserID,
			"chatbot_id":      actx.Event.ChatbotID,
		},
		"trigger": actx.Trigger,
		"results": actx.Results,
		"execution": map[string]any{
			"id":          actx.ExecutionID,
			"workflow_id": actx.WorkflowID,
			"node_id":     actx.NodeID,
		},
	}
}

// NeedsTemplating reports whether s contains a template action.
func NeedsTemplating(s string) bool {
	return strings.Contains(s, "{{")
}

// RenderString renders the template text and returns the raw output.
func RenderString(templateStr string, data any) (string, error) {
	if !NeedsTemplating(templateStr) {
		return templateStr, nil
	}

	tmpl, err := template.
		New("config").
		Option("missingkey=zero").
		Funcs(template.FuncMap{
			"now": func() string {
				return time.Now().UTC().Format(time.RFC3339)
			},
			"json": func(v any) (string, error) {
				raw, err := json.Marshal(v)

				return string(raw), err
			},
		}).Parse(templateStr)
	if err != nil {
		return "", fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	var buf strings.Builder

	err = tmpl.Execute(&buf, data)
	if err != nil {
		return "", fmt.Errorf("failed to execute template '%s': %w", templateStr, err)
	}

	return strings.ReplaceAll(buf.String(), "<no value>", ""), nil
}

// Render renders the template and converts JSON, numeric and boolean output
// to the matching Go value.
func Render(templateStr string, data any) (any, error) {
	rendered, err := RenderString(templateStr, data)
	if err != nil {
		return nil, err
	}

	result := strings.TrimSpace(rendered)
	if (strings.HasPrefix(result, "{") && strings.HasSuffix(result, "}")) ||
		(strings.HasPrefix(result, "[") && strings.HasSuffix(result, "]")) {
		var jsonResult any

		err := json.Unmarshal([]byte(result), &jsonResult)
		if err != nil {
			return nil, fmt.Errorf("failed to parse json '%s': %w", templateStr, err)
		}

		return jsonResult, nil
	}

	if num, err := strconv.ParseFloat(result, 64); err == nil {
		return num, nil
	}

	if b, err := strconv.ParseBool(result); err == nil {
		return b, nil
	}

	return result, nil
}
