// Package webhook provides the webhook action, which POSTs the execution
// context (or a templated body) to an HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dukex/convoflow/pkg/executionlog"
	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/template"
)

const (
	defaultTimeout = 30 * time.Second
	maxBodyBytes   = 1 << 20
)

var (
	// ErrServerError is returned for 5xx and 429 responses.
	ErrServerError = errors.New("webhook endpoint unavailable")
	// ErrClientError is returned for the remaining 4xx responses.
	ErrClientError = errors.New("webhook request rejected")
)

var methods = []string{http.MethodPost, http.MethodPut, http.MethodPatch}

type Option func(*Action)

// WithClient replaces the HTTP client used for every request.
func WithClient(client *http.Client) Option {
	return func(a *Action) {
		a.client = client
	}
}

// Action implements protocol.ActionHandler for "webhook" nodes.
type Action struct {
	logger *slog.Logger
	client *http.Client
}

func NewAction(log *slog.Logger, opts ...Option) *Action {
	a := &Action{
		logger: log.With("module", "webhook_action"),
		client: &http.Client{},
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

func (*Action) ID() string { return "webhook" }

func (*Action) Name() string { return "Webhook" }

func (*Action) Description() string {
	return "Sends the execution context to an HTTP endpoint. Server errors and throttling are retried."
}

func (*Action) Schema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"url"},
		"properties": map[string]any{
			"url": map[string]any{
				"title":       "URL",
				"type":        "string",
				"minLength":   1,
				"description": "Endpoint to call. Supports templating.",
				"examples": []string{
					"https://hooks.example.com/convoflow",
					"https://crm.example.com/users/{{ .event.user_id }}/notes",
				},
			},
			"method": map[string]any{
				"type":    "string",
				"default": http.MethodPost,
				"enum":    methods,
			},
			"headers": map[string]any{
				"type": "object",
				"additionalProperties": map[string]any{
					"type": "string",
				},
			},
			"body": map[string]any{
				"type":        "string",
				"format":      "code",
				"description": "Request body template. Defaults to the JSON encoded execution context.",
			},
			"timeout_seconds": map[string]any{
				"type":    "number",
				"minimum": 1,
				"maximum": 300,
				"default": defaultTimeout.Seconds(),
			},
		},
	}
}

func (*Action) ValidateConfig(config map[string]any) models.ValidationResult {
	result := models.ValidationResult{IsValid: true}
	invalid := func(format string, args ...any) {
		result.AddError(models.ValidationIssue{Code: models.IssueInvalidConfig, Message: fmt.Sprintf(format, args...)})
	}

	rawURL, _ := config["url"].(string)

	switch {
	case strings.TrimSpace(rawURL) == "":
		invalid("webhook action requires a url")
	case !template.NeedsTemplating(rawURL):
		u, err := url.Parse(rawURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			invalid("webhook url %q must be an absolute http(s) url", rawURL)
		}
	}

	if method, ok := config["method"].(string); ok && !validMethod(method) {
		invalid("unsupported webhook method %q", method)
	}

	if headers, ok := config["headers"]; ok {
		if _, isMap := headers.(map[string]any); !isMap {
			invalid("webhook headers must be an object")
		}
	}

	if timeout, ok := config["timeout_seconds"]; ok {
		seconds, isNum := timeout.(float64)
		if !isNum || seconds < 1 || seconds > 300 {
			invalid("webhook timeout_seconds must be between 1 and 300")
		}
	}

	return result
}

func validMethod(method string) bool {
	for _, m := range methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}

	return false
}

func (a *Action) Execute(ctx context.Context, config map[string]any, actx models.ActionContext) (models.ActionResult, error) {
	fail := func(err error) (models.ActionResult, error) {
		return models.ActionResult{Error: err.Error()}, err
	}

	data := template.Data(actx)

	target, err := template.RenderString(stringOf(config["url"]), data)
	if err != nil {
		return fail(executionlog.NonRetryable(fmt.Errorf("render url: %w", err)))
	}

	body, err := a.body(config, actx, data)
	if err != nil {
		return fail(executionlog.NonRetryable(err))
	}

	method := strings.ToUpper(stringOf(config["method"]))
	if method == "" {
		method = http.MethodPost
	}

	timeout := defaultTimeout
	if seconds, ok := config["timeout_seconds"].(float64); ok && seconds > 0 {
		timeout = time.Duration(seconds * float64(time.Second))
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, target, bytes.NewReader(body))
	if err != nil {
		return fail(executionlog.NonRetryable(fmt.Errorf("failed to create webhook request: %w", err)))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Convoflow-Execution", actx.ExecutionID)

	if headers, ok := config["headers"].(map[string]any); ok {
		for key, value := range headers {
			rendered, err := template.RenderString(stringOf(value), data)
			if err != nil {
				return fail(executionlog.NonRetryable(fmt.Errorf("render header '%s': %w", key, err)))
			}

			req.Header.Set(key, rendered)
		}
	}

	logger := a.logger.With("execution_id", actx.ExecutionID, "node_id", actx.NodeID)
	logger.DebugContext(ctx, "Sending webhook", "method", method, "url", target)

	resp, err := a.client.Do(req)
	if err != nil {
		// transport errors are classified by message (timeouts, refused connections)
		return fail(fmt.Errorf("webhook request failed: %w", err))
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	respBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fail(fmt.Errorf("failed to read webhook response: %w", err))
	}

	if err := classify(resp.StatusCode); err != nil {
		logger.WarnContext(ctx, "Webhook returned an error status", "status_code", resp.StatusCode)

		return fail(err)
	}

	var parsed any
	if err := json.Unmarshal(respBytes, &parsed); err != nil {
		parsed = string(respBytes)
	}

	logger.InfoContext(ctx, "Webhook delivered", "status_code", resp.StatusCode, "body_length", len(respBytes))

	return models.ActionResult{
		Success: true,
		Data: map[string]any{
			"status_code": resp.StatusCode,
			"body":        parsed,
		},
	}, nil
}

func (a *Action) body(config map[string]any, actx models.ActionContext, data map[string]any) ([]byte, error) {
	tmpl := stringOf(config["body"])
	if tmpl == "" {
		payload, err := json.Marshal(actx)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal execution context: %w", err)
		}

		return payload, nil
	}

	rendered, err := template.RenderString(tmpl, data)
	if err != nil {
		return nil, fmt.Errorf("render body: %w", err)
	}

	return []byte(rendered), nil
}

func classify(status int) error {
	switch {
	case status == http.StatusTooManyRequests, status >= 500:
		return executionlog.MarkRetryable(fmt.Errorf("status %d: %w", status, ErrServerError))
	case status >= 400:
		return executionlog.NonRetryable(fmt.Errorf("status %d: %w", status, ErrClientError))
	default:
		return nil
	}
}

func stringOf(v any) string {
	s, _ := v.(string)

	return s
}
