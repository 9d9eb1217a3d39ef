package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	logaction "github.com/dukex/convoflow/pkg/actions/log"
	"github.com/dukex/convoflow/pkg/compiler"
	"github.com/dukex/convoflow/pkg/engine"
	"github.com/dukex/convoflow/pkg/eventbus"
	"github.com/dukex/convoflow/pkg/events"
	"github.com/dukex/convoflow/pkg/executionlog"
	"github.com/dukex/convoflow/pkg/matcher"
	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/mocks"
	"github.com/dukex/convoflow/pkg/monitor"
	"github.com/dukex/convoflow/pkg/persistence"
	"github.com/dukex/convoflow/pkg/persistence/file"
	"github.com/dukex/convoflow/pkg/registry"
	"github.com/dukex/convoflow/pkg/services"
	"github.com/dukex/convoflow/pkg/testutil"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type failingAction struct{}

func (failingAction) ID() string                  { return "always_fail" }
func (failingAction) Name() string                { return "Always fail" }
func (failingAction) Description() string         { return "" }
func (failingAction) Schema() map[string]any      { return map[string]any{"type": "object"} }
func (failingAction) ValidateConfig(map[string]any) models.ValidationResult {
	return models.ValidationResult{IsValid: true}
}

func (failingAction) Execute(context.Context, map[string]any, models.ActionContext) (models.ActionResult, error) {
	return models.ActionResult{}, errors.New("service unavailable")
}

type testServer struct {
	app       *fiber.App
	engine    *engine.Engine
	publisher *mocks.MockEventBus
}

func setupTestApp(t *testing.T) *testServer {
	t.Helper()

	return setupTestAppWith(t, file.NewPersistence(t.TempDir()))
}

func setupTestAppWith(t *testing.T, store persistence.Persistence) *testServer {
	t.Helper()

	log := slog.New(slog.DiscardHandler)

	reg := registry.NewRegistry(log)
	reg.Register(logaction.NewAction(log))
	reg.Register(failingAction{})

	promRegistry := prometheus.NewRegistry()
	mon, err := monitor.New(log, monitor.WithRegisterer(promRegistry), monitor.WithRules(nil))
	require.NoError(t, err)

	matchers := matcher.NewDispatcher(log)
	eng := engine.New(log, reg, matchers,
		engine.WithPersistence(store),
		engine.WithMonitor(mon),
		engine.WithPolicies(executionlog.Policies{
			Default: executionlog.RetryPolicy{Strategy: executionlog.StrategyFixed, BaseDelay: time.Millisecond},
		}),
	)

	workflows := services.NewWorkflow(log, store, compiler.New(log, reg))
	publisher := &mocks.MockEventBus{}
	publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	handlers := NewAPIHandlers(log, validator.New(validator.WithRequiredStructEnabled()), Dependencies{
		Workflows:   workflows,
		Nodes:       services.NewNode(workflows),
		Actions:     reg,
		Engine:      eng,
		Dispatcher:  engine.NewDispatcher(log, eng, store.WorkflowRepository(), matchers, 2),
		Monitor:     mon,
		Persistence: store,
		Publisher:   publisher,
	})

	return &testServer{app: App(handlers, promRegistry), engine: eng, publisher: publisher}
}

func graph(actionType string, config map[string]any) *models.Graph {
	return testutil.LinearGraph(
		testutil.TriggerNode("start", models.TriggerConversationStart, nil),
		testutil.ActionNode("act", actionType, config),
	)
}

func logGraph() *models.Graph {
	return graph("log", map[string]any{"message": "hello {{ .event.conversation_id }}"})
}

func (s *testServer) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader

	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.app.Test(req)
	require.NoError(t, err)

	defer func() {
		if err := resp.Body.Close(); err != nil {
			t.Logf("Failed to close response body: %v", err)
		}
	}()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, data
}

func (s *testServer) createWorkflow(t *testing.T, id string, g *models.Graph, active bool) {
	t.Helper()

	resp, body := s.do(t, http.MethodPost, "/workflows", CreateWorkflowRequest{
		ID: id, Name: "Workflow " + id, ChatbotID: "bot-1", IsActive: active, Graph: g,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
}

func startEvent() EventRequest {
	return EventRequest{
		Name: "conversation.started",
		Payload: map[string]any{
			"conversation_id": "conv-1",
			"user_id":         "user-1",
			"chatbot_id":      "bot-1",
		},
	}
}

func TestAPI_RootAndLiveness(t *testing.T) {
	s := setupTestApp(t)

	resp, body := s.do(t, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Convoflow API", string(body))

	resp, _ = s.do(t, http.MethodGet, "/livez", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPI_HealthCheck(t *testing.T) {
	s := setupTestApp(t)

	resp, body := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health map[string]any
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "healthy", health["status"])
}

func TestAPI_Actions(t *testing.T) {
	s := setupTestApp(t)

	resp, body := s.do(t, http.MethodGet, "/actions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Actions []string `json:"actions"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.ElementsMatch(t, []string{"log", "always_fail"}, out.Actions)
}

func TestAPI_WorkflowLifecycle(t *testing.T) {
	s := setupTestApp(t)

	s.createWorkflow(t, "wf-1", logGraph(), false)

	resp, body := s.do(t, http.MethodGet, "/workflows/wf-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var workflow models.Workflow
	require.NoError(t, json.Unmarshal(body, &workflow))
	assert.Equal(t, "Workflow wf-1", workflow.Name)
	assert.NotNil(t, workflow.StateMachine)

	name := "Renamed workflow"
	resp, body = s.do(t, http.MethodPatch, "/workflows/wf-1", UpdateWorkflowRequest{Name: &name})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &workflow))
	assert.Equal(t, name, workflow.Name)

	resp, _ = s.do(t, http.MethodPost, "/workflows/wf-1/activate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = s.do(t, http.MethodGet, "/workflows?active=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list struct {
		TotalCount int `json:"total_count"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, 1, list.TotalCount)

	resp, _ = s.do(t, http.MethodDelete, "/workflows/wf-1", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = s.do(t, http.MethodGet, "/workflows/wf-1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_CreateWorkflowErrors(t *testing.T) {
	s := setupTestApp(t)

	tests := []struct {
		name   string
		body   any
		status int
	}{
		{"short name", CreateWorkflowRequest{Name: "ab", Graph: logGraph()}, http.StatusBadRequest},
		{"missing graph", CreateWorkflowRequest{Name: "No graph"}, http.StatusBadRequest},
		{"invalid graph", CreateWorkflowRequest{Name: "Empty message", Graph: graph("log", map[string]any{})}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := s.do(t, http.MethodPost, "/workflows", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}

	s.createWorkflow(t, "dup", logGraph(), false)

	resp, _ := s.do(t, http.MethodPost, "/workflows", CreateWorkflowRequest{ID: "dup", Name: "Duplicate", Graph: logGraph()})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAPI_ValidateWorkflow(t *testing.T) {
	s := setupTestApp(t)

	resp, body := s.do(t, http.MethodPost, "/workflows/validate", ValidateWorkflowRequest{
		Graph: &models.Graph{Nodes: []*models.Node{{ID: "a", Kind: models.NodeKindAction, Type: "log", Config: map[string]any{"message": "x"}}}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result models.ValidationResult
	require.NoError(t, json.Unmarshal(body, &result))
	assert.False(t, result.IsValid)
	assert.NotEmpty(t, result.Errors)
}

func TestAPI_Nodes(t *testing.T) {
	s := setupTestApp(t)

	s.createWorkflow(t, "wf-1", logGraph(), false)

	resp, body := s.do(t, http.MethodPost, "/workflows/wf-1/nodes", CreateNodeRequest{
		Kind: "action", Type: "log", Name: "Second", Config: map[string]any{"message": "again"}, ConnectFrom: "act",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var node models.Node
	require.NoError(t, json.Unmarshal(body, &node))
	require.NotEmpty(t, node.ID)

	resp, _ = s.do(t, http.MethodGet, "/workflows/wf-1/nodes/"+node.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/workflows/wf-1/nodes", CreateNodeRequest{Kind: "bogus", Type: "log"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = s.do(t, http.MethodDelete, "/workflows/wf-1/nodes/"+node.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = s.do(t, http.MethodGet, "/workflows/wf-1/nodes/"+node.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	s.do(t, http.MethodPost, "/workflows/wf-1/activate", nil)

	resp, _ = s.do(t, http.MethodDelete, "/workflows/wf-1/nodes/act", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAPI_PostEventRunsMatchingWorkflows(t *testing.T) {
	s := setupTestApp(t)

	s.createWorkflow(t, "wf-1", logGraph(), true)
	s.createWorkflow(t, "wf-off", logGraph(), false)

	resp, body := s.do(t, http.MethodPost, "/events", startEvent())
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var out DispatchResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, models.TriggerConversationStart, out.Event.Type)
	require.Equal(t, 1, out.Matched)
	assert.Equal(t, "wf-1", out.Results[0].WorkflowID)
	assert.Equal(t, models.ExecutionStatusCompleted, out.Results[0].Status)

	resp, body = s.do(t, http.MethodGet, "/executions/"+out.Results[0].ExecutionID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var exec ExecutionResponse
	require.NoError(t, json.Unmarshal(body, &exec))
	assert.False(t, exec.Running)
	assert.Equal(t, models.ExecutionStatusCompleted, exec.Status)

	resp, body = s.do(t, http.MethodGet, "/executions?workflow_id=wf-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list struct {
		TotalCount int `json:"total_count"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, 1, list.TotalCount)

	resp, body = s.do(t, http.MethodGet, "/workflows/wf-1/analytics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var analytics models.WorkflowAnalytics
	require.NoError(t, json.Unmarshal(body, &analytics))
	assert.Equal(t, 1, analytics.TotalExecutions)
}

func TestAPI_PostEventAsync(t *testing.T) {
	s := setupTestApp(t)

	resp, _ := s.do(t, http.MethodPost, "/events?async=true", startEvent())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	s.publisher.AssertCalled(t, "Publish", mock.Anything, mock.Anything, mock.MatchedBy(func(event eventbus.Event) bool {
		return event.GetType() == events.EventReceivedEvent
	}))

	resp, _ = s.do(t, http.MethodPost, "/events", EventRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_DeadLetters(t *testing.T) {
	s := setupTestApp(t)

	s.createWorkflow(t, "wf-fail", graph("always_fail", map[string]any{}), true)

	resp, body := s.do(t, http.MethodPost, "/events", startEvent())
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var out DispatchResponse
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out.Results, 1)
	assert.Equal(t, models.ExecutionStatusFailed, out.Results[0].Status)

	executionID := out.Results[0].ExecutionID

	resp, body = s.do(t, http.MethodGet, "/dead-letters", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list struct {
		DeadLetters []models.DeadLetterRecord `json:"dead_letters"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.DeadLetters, 1)
	assert.Equal(t, executionID, list.DeadLetters[0].ExecutionID)

	resp, body = s.do(t, http.MethodPost, "/dead-letters/"+executionID+"/retry", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var replayed models.ExecutionRecord
	require.NoError(t, json.Unmarshal(body, &replayed))
	assert.NotEqual(t, executionID, replayed.ID)
	assert.Equal(t, models.ExecutionStatusFailed, replayed.Status)

	resp, _ = s.do(t, http.MethodPost, "/dead-letters/"+executionID+"/retry", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = s.do(t, http.MethodDelete, "/dead-letters/"+replayed.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = s.do(t, http.MethodGet, "/dead-letters/"+replayed.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_StopUnknownExecution(t *testing.T) {
	s := setupTestApp(t)

	resp, _ := s.do(t, http.MethodPost, "/executions/nope/stop", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = s.do(t, http.MethodGet, "/executions/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_Monitor(t *testing.T) {
	s := setupTestApp(t)

	rule := models.AlertRule{
		Name: "Any retry", Metric: monitor.MetricRetryCount, Operator: "gt", Threshold: 0,
		Severity: models.SeverityLow, Enabled: true,
	}

	resp, body := s.do(t, http.MethodPut, "/monitor/rules/any_retry", rule)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, _ = s.do(t, http.MethodPut, "/monitor/rules/broken", models.AlertRule{Name: "Broken", Metric: "cpu"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	s.createWorkflow(t, "wf-fail", graph("always_fail", map[string]any{}), true)
	s.do(t, http.MethodPost, "/events", startEvent())

	resp, body = s.do(t, http.MethodGet, "/monitor/alerts", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var alerts struct {
		Alerts []models.Alert `json:"alerts"`
	}
	require.NoError(t, json.Unmarshal(body, &alerts))
	require.Len(t, alerts.Alerts, 1)
	assert.Equal(t, "any_retry", alerts.Alerts[0].RuleID)

	resp, body = s.do(t, http.MethodGet, "/monitor/system", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sys models.SystemMetrics
	require.NoError(t, json.Unmarshal(body, &sys))
	assert.Equal(t, int64(1), sys.TotalExecutions)

	resp, _ = s.do(t, http.MethodDelete, "/monitor/rules/any_retry", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = s.do(t, http.MethodDelete, "/monitor/rules/any_retry", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = s.do(t, http.MethodGet, "/monitor/notifications", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), string(models.NotificationDeadLetter))
}

func TestAPI_Metrics(t *testing.T) {
	s := setupTestApp(t)

	s.createWorkflow(t, "wf-1", logGraph(), true)
	s.do(t, http.MethodPost, "/events", startEvent())

	resp, body := s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "convoflow_executions_total")
}

func TestAPI_StorageFailures(t *testing.T) {
	store := mocks.NewMockPersistence()
	store.On("HealthCheck", mock.Anything).Return(errors.New("connection refused"))
	store.Workflows.On("List", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused"))

	s := setupTestAppWith(t, store)

	resp, body := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, string(body), "unhealthy")

	resp, _ = s.do(t, http.MethodGet, "/workflows", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/events", startEvent())
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}
