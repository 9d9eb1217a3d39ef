package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/convoflow/pkg/eventbus"
	"github.com/dukex/convoflow/pkg/events"
	"github.com/dukex/convoflow/pkg/executionlog"
	"github.com/dukex/convoflow/pkg/matcher"
	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/monitor"
	"github.com/dukex/convoflow/pkg/persistence/file"
	"github.com/dukex/convoflow/pkg/ratelimit"
	"github.com/dukex/convoflow/pkg/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type funcHandler struct {
	id      string
	execute func(ctx context.Context, actx models.ActionContext) (models.ActionResult, error)
}

func (h *funcHandler) ID() string             { return h.id }
func (h *funcHandler) Name() string           { return h.id }
func (h *funcHandler) Description() string    { return "" }
func (h *funcHandler) Schema() map[string]any { return map[string]any{"type": "object"} }

func (h *funcHandler) ValidateConfig(map[string]any) models.ValidationResult {
	return models.ValidationResult{IsValid: true}
}

func (h *funcHandler) Execute(ctx context.Context, _ map[string]any, actx models.ActionContext) (models.ActionResult, error) {
	return h.execute(ctx, actx)
}

func succeed(data map[string]any) func(context.Context, models.ActionContext) (models.ActionResult, error) {
	return func(context.Context, models.ActionContext) (models.ActionResult, error) {
		return models.ActionResult{Success: true, Data: data}, nil
	}
}

type recordingPublisher struct {
	mu    sync.Mutex
	types []events.EventType
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, event eventbus.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.types = append(p.types, event.GetType())

	return nil
}

func (p *recordingPublisher) Types() []events.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]events.EventType(nil), p.types...)
}

type invalidValidator struct{}

func (invalidValidator) ValidateNode(node *models.Node) models.ValidationResult {
	result := models.ValidationResult{IsValid: true}
	result.AddError(models.ValidationIssue{Code: models.IssueInvalidConfig, Message: "bad trigger config", NodeID: node.ID})

	return result
}

func fastPolicies() executionlog.Policies {
	return executionlog.Policies{
		Default: executionlog.RetryPolicy{Strategy: executionlog.StrategyFixed, BaseDelay: time.Millisecond},
	}
}

func testWorkflow(id string, actionTypes ...string) *models.Workflow {
	nodes := []*models.Node{{ID: "trigger", Kind: models.NodeKindTrigger, Type: models.TriggerConversationStart}}
	edges := []*models.Edge{}
	previous := "trigger"

	for i, actionType := range actionTypes {
		nodeID := actionType + "-" + string(rune('a'+i))
		nodes = append(nodes, &models.Node{ID: nodeID, Kind: models.NodeKindAction, Type: actionType})
		edges = append(edges, &models.Edge{ID: previous + "->" + nodeID, Source: previous, Target: nodeID})
		previous = nodeID
	}

	return &models.Workflow{
		ID:        id,
		Name:      id,
		ChatbotID: "bot-1",
		IsActive:  true,
		Graph:     &models.Graph{Nodes: nodes, Edges: edges},
	}
}

func startEvent() models.TriggerEvent {
	return models.TriggerEvent{
		Type:           models.TriggerConversationStart,
		Data:           map[string]any{"text": "hello"},
		ConversationID: "conv-1",
		UserID:         "user-1",
		ChatbotID:      "bot-1",
	}
}

type harness struct {
	engine      *Engine
	registry    *registry.Registry
	monitor     *monitor.Monitor
	publisher   *recordingPublisher
	persistence *file.Persistence
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()

	log := slog.New(slog.DiscardHandler)

	mon, err := monitor.New(log, monitor.WithRegisterer(prometheus.NewRegistry()), monitor.WithRules(nil))
	require.NoError(t, err)

	h := &harness{
		registry:    registry.NewRegistry(log),
		monitor:     mon,
		publisher:   &recordingPublisher{},
		persistence: file.NewPersistence(t.TempDir()),
	}

	opts = append([]Option{
		WithPolicies(fastPolicies()),
		WithMonitor(mon),
		WithPublisher(h.publisher),
		WithPersistence(h.persistence),
	}, opts...)

	h.engine = New(log, h.registry, matcher.NewDispatcher(log), opts...)

	return h
}

func countMessages(logs []models.LogEntry, message string) int {
	n := 0

	for _, entry := range logs {
		if entry.Message == message {
			n++
		}
	}

	return n
}

func TestExecuteWorkflow_PassesResultsDownstream(t *testing.T) {
	h := newHarness(t)

	h.registry.Register(&funcHandler{id: "first", execute: succeed(map[string]any{"greeting": "hi"})})
	h.registry.Register(&funcHandler{id: "second", execute: func(_ context.Context, actx models.ActionContext) (models.ActionResult, error) {
		first, ok := actx.Results["first-a"].(map[string]any)
		if !ok || first["greeting"] != "hi" {
			return models.ActionResult{}, executionlog.NonRetryable(errors.New("missing upstream result"))
		}

		return models.ActionResult{Success: true, Data: map[string]any{"trigger": actx.Trigger["conversation_id"]}}, nil
	}})

	record, err := h.engine.ExecuteWorkflow(t.Context(), testWorkflow("wf-1", "first", "second"), startEvent())
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusCompleted, record.Status)
	assert.Equal(t, "bot-1", record.ChatbotID)
	assert.NotNil(t, record.CompletedAt)
	assert.Zero(t, record.RetryCount)
	assert.Empty(t, h.engine.Active())

	stored, err := h.persistence.ExecutionRepository().GetByID(t.Context(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, stored.Status)

	assert.Equal(t, []events.EventType{events.ExecutionStartedEvent, events.ExecutionCompletedEvent}, h.publisher.Types())
}

func TestExecuteWorkflow_RetriesThenSucceeds(t *testing.T) {
	h := newHarness(t)

	var calls atomic.Int32

	h.registry.Register(&funcHandler{id: "flaky", execute: func(context.Context, models.ActionContext) (models.ActionResult, error) {
		if calls.Add(1) <= 2 {
			return models.ActionResult{}, executionlog.MarkRetryable(errors.New("upstream busy"))
		}

		return models.ActionResult{Success: true}, nil
	}})

	record, err := h.engine.ExecuteWorkflow(t.Context(), testWorkflow("wf-1", "flaky"), startEvent())
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusCompleted, record.Status)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 2, countMessages(record.Logs, "Retrying node"))
	assert.Equal(t, 2, record.RetryCount)
	assert.Zero(t, h.engine.DeadLetters().Len())
}

func TestExecuteWorkflow_ExhaustedRetriesDeadLetter(t *testing.T) {
	h := newHarness(t)

	var calls atomic.Int32

	h.registry.Register(&funcHandler{id: "down", execute: func(context.Context, models.ActionContext) (models.ActionResult, error) {
		calls.Add(1)

		return models.ActionResult{}, executionlog.MarkRetryable(errors.New("upstream down"))
	}})

	record, err := h.engine.ExecuteWorkflow(t.Context(), testWorkflow("wf-1", "down"), startEvent())
	require.Error(t, err)

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "down-a", execErr.NodeID)
	assert.ErrorIs(t, err, ErrActionFailed)

	assert.Equal(t, models.ExecutionStatusFailed, record.Status)
	assert.Equal(t, int32(DefaultMaxRetries+1), calls.Load())
	assert.Equal(t, DefaultMaxRetries, record.RetryCount)
	assert.Contains(t, record.Error, "upstream down")

	require.Equal(t, 1, h.engine.DeadLetters().Len())

	entry, ok := h.engine.DeadLetters().Get(record.ID)
	require.True(t, ok)
	assert.Equal(t, "wf-1", entry.WorkflowID)
	assert.Equal(t, "conv-1", entry.Event.ConversationID)

	notifications, err := h.persistence.NotificationRepository().List(t.Context(), 10)
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	assert.Equal(t, models.SeverityCritical, notifications[0].Severity)
	assert.Equal(t, record.ID, notifications[0].ExecutionID)

	assert.Contains(t, h.publisher.Types(), events.ExecutionDeadLetteredEvent)
}

func TestExecuteWorkflow_NonRetryableSkipsDeadLetter(t *testing.T) {
	h := newHarness(t)

	var calls atomic.Int32

	h.registry.Register(&funcHandler{id: "reject", execute: func(context.Context, models.ActionContext) (models.ActionResult, error) {
		calls.Add(1)

		return models.ActionResult{}, executionlog.NonRetryable(errors.New("bad request"))
	}})

	record, err := h.engine.ExecuteWorkflow(t.Context(), testWorkflow("wf-1", "reject"), startEvent())
	require.Error(t, err)

	assert.Equal(t, models.ExecutionStatusFailed, record.Status)
	assert.Equal(t, int32(1), calls.Load())
	assert.Zero(t, record.RetryCount)
	assert.Zero(t, h.engine.DeadLetters().Len())
	assert.Equal(t, []events.EventType{events.ExecutionStartedEvent, events.ExecutionFailedEvent}, h.publisher.Types())
}

func TestExecuteWorkflow_UnsuccessfulResultIsAnError(t *testing.T) {
	h := newHarness(t, WithConfig(Config{MaxRetries: 0, DeadLetterThreshold: 1, Timeout: time.Minute}))

	h.registry.Register(&funcHandler{id: "soft", execute: func(context.Context, models.ActionContext) (models.ActionResult, error) {
		return models.ActionResult{Success: false, Error: "template failed"}, nil
	}})

	record, err := h.engine.ExecuteWorkflow(t.Context(), testWorkflow("wf-1", "soft"), startEvent())
	require.Error(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, record.Status)
	assert.Contains(t, record.Error, "template failed")
}

func TestExecuteWorkflow_InvalidGraph(t *testing.T) {
	tests := []struct {
		name  string
		graph *models.Graph
	}{
		{"nil graph", nil},
		{"no nodes", &models.Graph{}},
		{"no trigger", &models.Graph{Nodes: []*models.Node{{ID: "a", Kind: models.NodeKindAction, Type: "log"}}}},
		{"duplicate ids", &models.Graph{Nodes: []*models.Node{
			{ID: "a", Kind: models.NodeKindTrigger, Type: models.TriggerConversationStart},
			{ID: "a", Kind: models.NodeKindAction, Type: "log"},
		}}},
		{"dangling edge", &models.Graph{
			Nodes: []*models.Node{{ID: "a", Kind: models.NodeKindTrigger, Type: models.TriggerConversationStart}},
			Edges: []*models.Edge{{ID: "e", Source: "a", Target: "missing"}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)

			record, err := h.engine.ExecuteWorkflow(t.Context(), &models.Workflow{ID: "wf", Graph: tt.graph}, startEvent())
			require.ErrorIs(t, err, ErrInvalidGraph)
			assert.Equal(t, models.ExecutionStatusFailed, record.Status)
			assert.Zero(t, h.engine.DeadLetters().Len())
		})
	}
}

func TestExecuteWorkflow_InvalidTriggerConfig(t *testing.T) {
	h := newHarness(t, WithValidator(invalidValidator{}))

	var calls atomic.Int32

	h.registry.Register(&funcHandler{id: "never", execute: func(context.Context, models.ActionContext) (models.ActionResult, error) {
		calls.Add(1)

		return models.ActionResult{Success: true}, nil
	}})

	record, err := h.engine.ExecuteWorkflow(t.Context(), testWorkflow("wf-1", "never"), startEvent())
	require.ErrorIs(t, err, ErrTriggerFailed)
	assert.Equal(t, models.ExecutionStatusFailed, record.Status)
	assert.Zero(t, calls.Load())
}

func TestExecuteWorkflow_UnknownActionType(t *testing.T) {
	h := newHarness(t)

	record, err := h.engine.ExecuteWorkflow(t.Context(), testWorkflow("wf-1", "missing"), startEvent())
	require.ErrorIs(t, err, registry.ErrHandlerNotFound)
	assert.Equal(t, models.ExecutionStatusFailed, record.Status)
	assert.Zero(t, record.RetryCount)
}

func TestExecuteWorkflow_RateLimited(t *testing.T) {
	limiter, err := ratelimit.NewLimiter(slog.New(slog.DiscardHandler), ratelimit.Config{MaxRequests: 2, Window: time.Minute})
	require.NoError(t, err)

	h := newHarness(t, WithRateLimiter(limiter))
	h.registry.Register(&funcHandler{id: "ok", execute: succeed(nil)})

	workflow := testWorkflow("wf-1", "ok")

	for range 2 {
		_, err := h.engine.ExecuteWorkflow(t.Context(), workflow, startEvent())
		require.NoError(t, err)
	}

	record, err := h.engine.ExecuteWorkflow(t.Context(), workflow, startEvent())
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))

	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.False(t, rl.Result.Allowed)
	assert.Positive(t, rl.Result.RetryAfter)

	assert.Equal(t, models.ExecutionStatusFailed, record.Status)
	assert.Equal(t, 1, countMessages(record.Logs, "Rate limit exceeded"))
	assert.Equal(t, int64(1), h.monitor.SystemMetrics().RateLimitRejections)
	assert.Zero(t, h.engine.DeadLetters().Len())
}

func TestExecuteWorkflow_TieredRateLimit(t *testing.T) {
	tiered, err := ratelimit.NewTiered(slog.New(slog.DiscardHandler), map[string]ratelimit.Config{
		"free": {MaxRequests: 1, Window: time.Minute},
		"pro":  {MaxRequests: 2, Window: time.Minute},
	})
	require.NoError(t, err)

	h := newHarness(t, WithRateLimiter(tiered), WithTierField("account.plan"))
	h.registry.Register(&funcHandler{id: "ok", execute: succeed(nil)})

	workflow := testWorkflow("wf-1", "ok")

	eventFor := func(userID, plan string) models.TriggerEvent {
		event := startEvent()
		event.UserID = userID
		event.Data = map[string]any{"account": map[string]any{"plan": plan}}

		return event
	}

	tests := []struct {
		name   string
		event  models.TriggerEvent
		wantOK bool
	}{
		{"pro first", eventFor("pro-user", "pro"), true},
		{"pro second", eventFor("pro-user", "pro"), true},
		{"pro third", eventFor("pro-user", "pro"), false},
		{"free first", eventFor("free-user", "free"), true},
		{"free second", eventFor("free-user", "free"), false},
		{"no plan uses the restrictive tier", startEvent(), true},
		{"no plan again", startEvent(), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.ExecuteWorkflow(t.Context(), workflow, tt.event)
			if tt.wantOK {
				require.NoError(t, err)

				return
			}

			assert.True(t, IsRateLimited(err))
		})
	}
}

func TestExecuteWorkflow_Timeout(t *testing.T) {
	h := newHarness(t, WithConfig(Config{MaxRetries: 3, DeadLetterThreshold: 3, Timeout: 50 * time.Millisecond}))

	h.registry.Register(&funcHandler{id: "slow", execute: func(ctx context.Context, _ models.ActionContext) (models.ActionResult, error) {
		<-ctx.Done()

		return models.ActionResult{}, ctx.Err()
	}})

	record, err := h.engine.ExecuteWorkflow(t.Context(), testWorkflow("wf-1", "slow"), startEvent())
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, models.ExecutionStatusFailed, record.Status)
	assert.Equal(t, ErrTimeout.Error(), record.Error)
	assert.Zero(t, record.RetryCount)
}

func TestStop(t *testing.T) {
	h := newHarness(t, WithPolicies(executionlog.Policies{
		Default: executionlog.RetryPolicy{Strategy: executionlog.StrategyFixed, BaseDelay: time.Hour},
	}))

	assert.False(t, h.engine.Stop("unknown"))

	attempted := make(chan struct{}, 1)

	h.registry.Register(&funcHandler{id: "stuck", execute: func(context.Context, models.ActionContext) (models.ActionResult, error) {
		select {
		case attempted <- struct{}{}:
		default:
		}

		return models.ActionResult{}, executionlog.MarkRetryable(errors.New("try later"))
	}})

	type outcome struct {
		record *models.ExecutionRecord
		err    error
	}

	done := make(chan outcome, 1)

	go func() {
		record, err := h.engine.ExecuteWorkflow(context.Background(), testWorkflow("wf-1", "stuck"), startEvent())
		done <- outcome{record, err}
	}()

	<-attempted

	require.Eventually(t, func() bool { return len(h.engine.Active()) == 1 }, time.Second, time.Millisecond)

	executionID := h.engine.Active()[0]
	assert.True(t, h.engine.Stop(executionID))
	assert.False(t, h.engine.Stop(executionID))

	select {
	case got := <-done:
		require.ErrorIs(t, got.err, ErrStopped)
		assert.Equal(t, models.ExecutionStatusFailed, got.record.Status)
		assert.Equal(t, "stopped by user", got.record.Error)
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not stop")
	}

	stored, err := h.persistence.ExecutionRepository().GetByID(t.Context(), executionID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, stored.Status)
}

func TestReplayDeadLetter(t *testing.T) {
	h := newHarness(t)

	var healthy atomic.Bool

	h.registry.Register(&funcHandler{id: "recovering", execute: func(context.Context, models.ActionContext) (models.ActionResult, error) {
		if !healthy.Load() {
			return models.ActionResult{}, executionlog.MarkRetryable(errors.New("upstream down"))
		}

		return models.ActionResult{Success: true}, nil
	}})

	workflow := testWorkflow("wf-1", "recovering")
	require.NoError(t, h.persistence.WorkflowRepository().Create(t.Context(), workflow))

	failed, err := h.engine.ExecuteWorkflow(t.Context(), workflow, startEvent())
	require.Error(t, err)
	require.Equal(t, 1, h.engine.DeadLetters().Len())

	_, err = h.engine.ReplayDeadLetter(t.Context(), "unknown")
	require.Error(t, err)

	healthy.Store(true)

	replayed, err := h.engine.ReplayDeadLetter(t.Context(), failed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, replayed.Status)
	assert.NotEqual(t, failed.ID, replayed.ID)
	assert.Zero(t, h.engine.DeadLetters().Len())

	audit, err := h.persistence.DeadLetterRepository().List(t.Context(), "wf-1")
	require.NoError(t, err)
	assert.Len(t, audit, 1)
}

func TestDispatcher_FanOut(t *testing.T) {
	h := newHarness(t)

	h.registry.Register(&funcHandler{id: "ok", execute: succeed(nil)})
	h.registry.Register(&funcHandler{id: "broken", execute: func(context.Context, models.ActionContext) (models.ActionResult, error) {
		return models.ActionResult{}, executionlog.NonRetryable(errors.New("broken"))
	}})

	repo := h.persistence.WorkflowRepository()
	require.NoError(t, repo.Create(t.Context(), testWorkflow("wf-bad", "broken")))
	require.NoError(t, repo.Create(t.Context(), testWorkflow("wf-good", "ok")))

	inactive := testWorkflow("wf-off", "ok")
	inactive.IsActive = false
	require.NoError(t, repo.Create(t.Context(), inactive))

	other := testWorkflow("wf-other", "ok")
	other.ChatbotID = "bot-2"
	require.NoError(t, repo.Create(t.Context(), other))

	log := slog.New(slog.DiscardHandler)
	dispatcher := NewDispatcher(log, h.engine, repo, matcher.NewDispatcher(log), 1)

	results, err := dispatcher.Dispatch(t.Context(), startEvent())
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "wf-bad", results[0].WorkflowID)
	assert.Equal(t, models.ExecutionStatusFailed, results[0].Status)
	assert.Contains(t, results[0].Error, "broken")

	assert.Equal(t, "wf-good", results[1].WorkflowID)
	assert.Equal(t, models.ExecutionStatusCompleted, results[1].Status)
	assert.Empty(t, results[1].Error)
	assert.NotEmpty(t, results[1].ExecutionID)
}

func TestDispatcher_BoundsConcurrentExecutions(t *testing.T) {
	const (
		bound     = 2
		workflows = 6
	)

	h := newHarness(t)

	var inFlight, peak atomic.Int32

	h.registry.Register(&funcHandler{id: "slow", execute: func(ctx context.Context, _ models.ActionContext) (models.ActionResult, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)

		for {
			current := peak.Load()
			if n <= current || peak.CompareAndSwap(current, n) {
				break
			}
		}

		select {
		case <-time.After(30 * time.Millisecond):
		case <-ctx.Done():
			return models.ActionResult{}, ctx.Err()
		}

		return models.ActionResult{Success: true}, nil
	}})

	repo := h.persistence.WorkflowRepository()
	for i := range workflows {
		require.NoError(t, repo.Create(t.Context(), testWorkflow("wf-"+string(rune('a'+i)), "slow")))
	}

	log := slog.New(slog.DiscardHandler)
	dispatcher := NewDispatcher(log, h.engine, repo, matcher.NewDispatcher(log), bound)

	results, err := dispatcher.Dispatch(t.Context(), startEvent())
	require.NoError(t, err)
	require.Len(t, results, workflows)

	for _, result := range results {
		assert.Equal(t, models.ExecutionStatusCompleted, result.Status, result.WorkflowID)
	}

	assert.LessOrEqual(t, peak.Load(), int32(bound))
	assert.Equal(t, int32(bound), peak.Load(), "queued executions run once a slot frees up")
	assert.Equal(t, int32(0), inFlight.Load())
}

func TestDispatcher_DispatchEnvelope(t *testing.T) {
	h := newHarness(t)
	h.registry.Register(&funcHandler{id: "ok", execute: succeed(nil)})
	require.NoError(t, h.persistence.WorkflowRepository().Create(t.Context(), testWorkflow("wf-1", "ok")))

	log := slog.New(slog.DiscardHandler)
	dispatcher := NewDispatcher(log, h.engine, h.persistence.WorkflowRepository(), matcher.NewDispatcher(log), 0)

	results, err := dispatcher.DispatchEnvelope(t.Context(), events.Envelope{
		Name:    "conversation.started",
		Payload: map[string]any{"conversation_id": "conv-9", "chatbot_id": "bot-1"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.ExecutionStatusCompleted, results[0].Status)

	none, err := dispatcher.DispatchEnvelope(t.Context(), events.Envelope{
		Name:    "message.received",
		Payload: map[string]any{"text": "later", "chatbot_id": "bot-1"},
	})
	require.NoError(t, err)
	assert.Empty(t, none)
}
