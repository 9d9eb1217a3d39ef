package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/dukex/convoflow/pkg/condition"
	"github.com/dukex/convoflow/pkg/deadletter"
	"github.com/dukex/convoflow/pkg/eventbus"
	"github.com/dukex/convoflow/pkg/events"
	"github.com/dukex/convoflow/pkg/executionlog"
	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/monitor"
	"github.com/dukex/convoflow/pkg/otelhelper"
	"github.com/dukex/convoflow/pkg/ratelimit"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// run is the mutable state of one in-flight execution.
type run struct {
	mu       sync.Mutex
	record   *models.ExecutionRecord
	event    models.TriggerEvent
	actor    ratelimit.Actor
	cancel   context.CancelCauseFunc
	finished bool
}

func (e *Engine) tierOf(event models.TriggerEvent) string {
	if e.tierField == "" {
		return ""
	}

	value, ok := condition.Lookup(event.Data, e.tierField)
	if !ok {
		return ""
	}

	tier, _ := value.(string)

	return tier
}

// ExecuteWorkflow runs workflow for event and returns the terminal record.
// A FAILED execution returns both the record and an *ExecutionError; a
// rate-limited one returns a *RateLimitError.
func (e *Engine) ExecuteWorkflow(ctx context.Context, workflow *models.Workflow, event models.TriggerEvent) (*models.ExecutionRecord, error) {
	if workflow == nil {
		return nil, fmt.Errorf("%w: workflow is nil", ErrInvalidGraph)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = e.now().UTC()
	}

	executionID := uuid.New().String()

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.execute_workflow",
		attribute.String(otelhelper.WorkflowIDKey, workflow.ID),
		attribute.String(otelhelper.ExecutionIDKey, executionID),
		attribute.String(otelhelper.TriggerTypeKey, event.Type),
	)
	defer span.End()

	chatbotID := event.ChatbotID
	if chatbotID == "" {
		chatbotID = workflow.ChatbotID
	}

	r := &run{
		record: &models.ExecutionRecord{
			ID:          executionID,
			WorkflowID:  workflow.ID,
			ChatbotID:   chatbotID,
			TriggerID:   event.MessageID,
			TriggerData: event.Data,
			Status:      models.ExecutionStatusPending,
			StartedAt:   e.now().UTC(),
		},
		event: event,
		actor: ratelimit.Actor{UserID: event.UserID, ChatbotID: chatbotID, Tier: e.tierOf(event)},
	}

	if e.limiter != nil {
		result, err := e.limiter.Check(ctx, r.actor)
		if err != nil {
			e.logger.WarnContext(ctx, "Rate limiter unavailable, allowing execution", "execution_id", executionID, "error", err)
		} else if !result.Allowed {
			record, rlErr := e.reject(ctx, r, result)
			otelhelper.SetError(span, rlErr)

			return record, rlErr
		}
	}

	e.execLog.Start(executionID, workflow.ID)

	if e.monitor != nil {
		nodeCount := 0
		if workflow.Graph != nil {
			nodeCount = len(workflow.Graph.Nodes)
		}

		e.monitor.StartExecution(executionID, workflow.ID, nodeCount)
	}

	e.save(ctx, r.snapshot())

	runCtx, cancel := context.WithCancelCause(ctx)
	r.cancel = cancel

	defer cancel(nil)

	runCtx, cancelTimeout := context.WithTimeoutCause(runCtx, e.config.Timeout, ErrTimeout)
	defer cancelTimeout()

	e.mu.Lock()
	e.active[executionID] = r
	e.mu.Unlock()

	r.mu.Lock()
	r.record.Status = models.ExecutionStatusRunning
	r.mu.Unlock()

	e.execLog.Log(executionID, models.LogLevelInfo, "Execution started", "", map[string]any{
		"trigger_type": event.Type,
		"user_id":      event.UserID,
	}, nil)
	e.save(ctx, r.snapshot())
	e.publish(ctx, workflow.ID, events.ExecutionStarted{
		BaseEvent:   events.NewBaseEvent(events.ExecutionStartedEvent, workflow.ID),
		ExecutionID: executionID,
		ChatbotID:   chatbotID,
		TriggerType: event.Type,
		TriggerData: event.Data,
	})

	nodeID, err := e.run(runCtx, r, workflow)
	if err != nil {
		if runCtx.Err() != nil {
			if cause := context.Cause(runCtx); errors.Is(cause, ErrTimeout) || errors.Is(cause, ErrStopped) {
				err = cause
			}
		}

		record := e.finalize(ctx, r, models.ExecutionStatusFailed, err, nodeID)
		otelhelper.SetError(span, err)

		return record, &ExecutionError{ExecutionID: executionID, NodeID: nodeID, Err: err}
	}

	return e.finalize(ctx, r, models.ExecutionStatusCompleted, nil, ""), nil
}

// run validates the graph, evaluates triggers and runs action nodes in
// document order. It returns the failing node id, if any.
func (e *Engine) run(ctx context.Context, r *run, workflow *models.Workflow) (string, error) {
	if err := validateGraph(workflow.Graph); err != nil {
		return "", err
	}

	triggerContext, nodeID, err := e.runTriggers(ctx, r, workflow.Graph)
	if err != nil {
		return nodeID, err
	}

	results := map[string]any{}

	for _, node := range workflow.Graph.Nodes {
		if ctx.Err() != nil {
			return node.ID, context.Cause(ctx)
		}

		if node.Kind != models.NodeKindAction {
			continue
		}

		actx := models.ActionContext{
			ExecutionID: r.record.ID,
			WorkflowID:  workflow.ID,
			NodeID:      node.ID,
			Event:       r.event,
			Trigger:     triggerContext,
			Results:     maps.Clone(results),
		}

		result, err := e.runAction(ctx, r.record.ID, node, actx)
		if err != nil {
			return node.ID, err
		}

		results[node.ID] = result.Data
	}

	return "", nil
}

func validateGraph(graph *models.Graph) error {
	if graph == nil || len(graph.Nodes) == 0 {
		return executionlog.NonRetryable(fmt.Errorf("%w: graph has no nodes", ErrInvalidGraph))
	}

	seen := make(map[string]bool, len(graph.Nodes))
	triggers := 0

	for i, node := range graph.Nodes {
		if node == nil || node.ID == "" {
			return executionlog.NonRetryable(fmt.Errorf("%w: node %d has no id", ErrInvalidGraph, i))
		}

		if seen[node.ID] {
			return executionlog.NonRetryable(fmt.Errorf("%w: duplicate node id %s", ErrInvalidGraph, node.ID))
		}

		seen[node.ID] = true

		switch node.Kind {
		case models.NodeKindTrigger:
			triggers++
		case models.NodeKindAction, models.NodeKindCondition:
		default:
			return executionlog.NonRetryable(fmt.Errorf("%w: node %s has unknown kind %q", ErrInvalidGraph, node.ID, node.Kind))
		}
	}

	if triggers == 0 {
		return executionlog.NonRetryable(fmt.Errorf("%w: no trigger node", ErrInvalidGraph))
	}

	for _, edge := range graph.Edges {
		if edge == nil || !seen[edge.Source] || !seen[edge.Target] {
			return executionlog.NonRetryable(fmt.Errorf("%w: edge references an unknown node", ErrInvalidGraph))
		}
	}

	return nil
}

// runTriggers evaluates every trigger node once and merges the context of the
// matching ones. An unmatched trigger is logged, not fatal.
func (e *Engine) runTriggers(ctx context.Context, r *run, graph *models.Graph) (map[string]any, string, error) {
	executionID := r.record.ID
	merged := map[string]any{}

	for _, node := range graph.Nodes {
		if node.Kind != models.NodeKindTrigger {
			continue
		}

		if ctx.Err() != nil {
			return nil, node.ID, context.Cause(ctx)
		}

		e.execLog.NodeStart(executionID, node.ID, node.Type)
		start := e.now()

		if e.validator != nil {
			if result := e.validator.ValidateNode(node); !result.IsValid {
				err := executionlog.NonRetryable(fmt.Errorf("%w: %s: %s", ErrTriggerFailed, node.ID, result.Errors[0].Message))
				e.execLog.NodeFailure(executionID, node.ID, 1, err)
				e.recordNode(executionID, node.ID, monitor.NodeFailed)

				return nil, node.ID, err
			}
		}

		result := e.matchers.EvaluateNode(r.event, node)

		e.execLog.NodeSuccess(executionID, node.ID, e.now().Sub(start), map[string]any{
			"matched":            result.Matched,
			"confidence":         result.Confidence,
			"matched_conditions": result.MatchedConditions,
			"context":            result.Context,
		})
		e.recordNode(executionID, node.ID, monitor.NodeCompleted)

		if result.Matched {
			maps.Copy(merged, result.Context)
		}
	}

	return merged, "", nil
}

func (e *Engine) reject(ctx context.Context, r *run, result models.RateLimitResult) (*models.ExecutionRecord, error) {
	rlErr := &RateLimitError{Key: r.actor.Key(), Result: result}
	executionID := r.record.ID

	e.execLog.Start(executionID, r.record.WorkflowID)
	e.execLog.Log(executionID, models.LogLevelError, "Rate limit exceeded", "", map[string]any{
		"retry_after": result.RetryAfter,
		"reset_time":  result.ResetTime,
	}, rlErr)

	logResult, _ := e.execLog.Complete(executionID, models.ExecutionStatusFailed, rlErr)

	if e.monitor != nil {
		e.monitor.RecordRateLimitRejection()
	}

	completedAt := e.now().UTC()

	r.mu.Lock()
	r.finished = true
	r.record.Status = models.ExecutionStatusFailed
	r.record.Error = rlErr.Error()
	r.record.Logs = logResult.Logs
	r.record.CompletedAt = &completedAt
	r.mu.Unlock()

	record := r.snapshot()
	e.save(ctx, record)

	return record, rlErr
}

// finalize moves the execution to its terminal status exactly once. Later
// calls return the already terminal record.
func (e *Engine) finalize(ctx context.Context, r *run, status models.ExecutionStatus, cause error, nodeID string) *models.ExecutionRecord {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()

		return r.snapshot()
	}

	r.finished = true
	executionID := r.record.ID
	workflowID := r.record.WorkflowID
	r.mu.Unlock()

	e.mu.Lock()
	delete(e.active, executionID)
	e.mu.Unlock()

	if cause != nil {
		e.execLog.Log(executionID, models.LogLevelError, "Execution failed", nodeID, nil, cause)
	} else {
		e.execLog.Log(executionID, models.LogLevelInfo, "Execution completed", "", nil, nil)
	}

	result, err := e.execLog.Complete(executionID, status, cause)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to complete execution log", "execution_id", executionID, "error", err)
	}

	completedAt := e.now().UTC()

	r.mu.Lock()
	r.record.Status = status
	r.record.Logs = result.Logs
	r.record.RetryCount = result.Metrics.Retries
	r.record.CompletedAt = &completedAt

	if cause != nil {
		r.record.Error = cause.Error()
	}
	r.mu.Unlock()

	record := r.snapshot()
	bg := context.WithoutCancel(ctx)

	if e.monitor != nil {
		e.monitor.CompleteExecution(bg, executionID, status, cause)
	}

	if e.limiter != nil {
		if err := e.limiter.Record(bg, r.actor, status == models.ExecutionStatusCompleted); err != nil {
			e.logger.WarnContext(ctx, "Failed to record rate limit outcome", "execution_id", executionID, "error", err)
		}
	}

	e.save(bg, record)

	durationMs := completedAt.Sub(record.StartedAt).Milliseconds()

	if status == models.ExecutionStatusCompleted {
		e.publish(bg, workflowID, events.ExecutionCompleted{
			BaseEvent:     events.NewBaseEvent(events.ExecutionCompletedEvent, workflowID),
			ExecutionID:   executionID,
			DurationMs:    durationMs,
			NodesExecuted: result.Metrics.NodesExecuted,
			RetryCount:    record.RetryCount,
		})

		return record
	}

	e.publish(bg, workflowID, events.ExecutionFailed{
		BaseEvent:     events.NewBaseEvent(events.ExecutionFailedEvent, workflowID),
		ExecutionID:   executionID,
		DurationMs:    durationMs,
		Error:         record.Error,
		NodeID:        nodeID,
		NodesExecuted: result.Metrics.NodesExecuted,
		RetryCount:    record.RetryCount,
	})

	if record.RetryCount >= e.config.DeadLetterThreshold {
		e.deadLetter(bg, r, record, cause)
	}

	return record
}

func (e *Engine) deadLetter(ctx context.Context, r *run, record *models.ExecutionRecord, cause error) {
	detail := executionlog.Detail(cause)
	if detail == nil {
		detail = &models.ErrorDetail{Name: "Error", Message: record.Error}
	}

	added := e.deadLetters.Enqueue(ctx, models.DeadLetterRecord{
		ExecutionID: record.ID,
		WorkflowID:  record.WorkflowID,
		Event:       r.event,
		Error:       *detail,
		RetryCount:  record.RetryCount,
	})
	if !added {
		return
	}

	e.logger.ErrorContext(ctx, "Execution moved to dead-letter queue",
		"execution_id", record.ID,
		"workflow_id", record.WorkflowID,
		"retry_count", record.RetryCount)

	notification := &models.Notification{
		ID:          uuid.New().String(),
		Kind:        models.NotificationDeadLetter,
		Severity:    models.SeverityCritical,
		Title:       "Execution moved to dead-letter queue",
		Message:     fmt.Sprintf("Execution %s of workflow %s failed after %d retries: %s", record.ID, record.WorkflowID, record.RetryCount, record.Error),
		WorkflowID:  record.WorkflowID,
		ExecutionID: record.ID,
		Data:        map[string]any{"retry_count": record.RetryCount, "error": detail},
		CreatedAt:   e.now().UTC(),
	}

	if e.persistence != nil {
		if err := e.persistence.NotificationRepository().Insert(ctx, notification); err != nil {
			e.logger.ErrorContext(ctx, "Failed to store dead-letter notification", "execution_id", record.ID, "error", err)
		}
	}

	e.publish(ctx, record.WorkflowID, events.ExecutionDeadLettered{
		BaseEvent:   events.NewBaseEvent(events.ExecutionDeadLetteredEvent, record.WorkflowID),
		ExecutionID: record.ID,
		Error:       record.Error,
		RetryCount:  record.RetryCount,
	})
}

// Stop cancels a running execution and records it as FAILED. Unknown or
// already finished executions return false.
func (e *Engine) Stop(executionID string) bool {
	e.mu.Lock()
	r, ok := e.active[executionID]
	e.mu.Unlock()

	if !ok {
		return false
	}

	r.cancel(ErrStopped)
	e.finalize(context.Background(), r, models.ExecutionStatusFailed, ErrStopped, "")

	e.logger.Info("Execution stopped", "execution_id", executionID)

	return true
}

// ReplayDeadLetter re-executes a dead-lettered execution with its original
// event. The entry leaves the live queue only once its workflow loads.
func (e *Engine) ReplayDeadLetter(ctx context.Context, executionID string) (*models.ExecutionRecord, error) {
	entry, ok := e.deadLetters.Get(executionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", deadletter.ErrNotFound, executionID)
	}

	if e.persistence == nil {
		return nil, errors.New("replaying dead letters requires persistence")
	}

	workflow, err := e.persistence.WorkflowRepository().GetByID(ctx, entry.WorkflowID)
	if err != nil {
		return nil, err
	}

	taken, err := e.deadLetters.TakeForRetry(executionID)
	if err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "Replaying dead-lettered execution",
		"execution_id", executionID,
		"workflow_id", workflow.ID,
		"retry_count", taken.RetryCount)

	return e.ExecuteWorkflow(ctx, workflow, taken.Event)
}

func (r *run) snapshot() *models.ExecutionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.record.Clone()
}

func (e *Engine) recordNode(executionID, nodeID string, outcome monitor.NodeOutcome) {
	if e.monitor != nil {
		e.monitor.RecordNode(executionID, nodeID, outcome)
	}
}

func (e *Engine) save(ctx context.Context, record *models.ExecutionRecord) {
	if e.persistence == nil {
		return
	}

	err := e.persistence.ExecutionRepository().Save(context.WithoutCancel(ctx), record)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to persist execution record",
			"execution_id", record.ID,
			"status", record.Status,
			"error", err)
	}
}

func (e *Engine) publish(ctx context.Context, key string, event eventbus.Event) {
	if e.publisher == nil {
		return
	}

	err := e.publisher.Publish(context.WithoutCancel(ctx), key, event)
	if err != nil {
		e.logger.WarnContext(ctx, "Failed to publish lifecycle event", "event_type", event.GetType(), "error", err)
	}
}
