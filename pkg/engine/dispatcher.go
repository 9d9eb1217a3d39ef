package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dukex/convoflow/pkg/events"
	"github.com/dukex/convoflow/pkg/matcher"
	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/persistence"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const DefaultMaxConcurrent = 8

// WorkflowLister lists candidate workflows for an event.
type WorkflowLister interface {
	List(ctx context.Context, opts persistence.ListWorkflowsOptions) ([]*models.Workflow, error)
}

// DispatchResult is the outcome of one matched workflow.
type DispatchResult struct {
	WorkflowID  string                 `json:"workflow_id"`
	ExecutionID string                 `json:"execution_id,omitempty"`
	Status      models.ExecutionStatus `json:"status,omitempty"`
	Confidence  float64                `json:"confidence"`
	Error       string                 `json:"error,omitempty"`
}

// Dispatcher matches an incoming event against the active workflows and
// executes every match concurrently, at most maxConcurrent at a time.
type Dispatcher struct {
	logger    *slog.Logger
	engine    *Engine
	workflows WorkflowLister
	matchers  *matcher.Dispatcher
	sem       *semaphore.Weighted
}

func NewDispatcher(log *slog.Logger, engine *Engine, workflows WorkflowLister, matchers *matcher.Dispatcher, maxConcurrent int) *Dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}

	return &Dispatcher{
		logger:    log.With("module", "dispatcher"),
		engine:    engine,
		workflows: workflows,
		matchers:  matchers,
		sem:       semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

// Dispatch runs every workflow matching event. One failing execution does
// not cancel the others; results keep the match order.
func (d *Dispatcher) Dispatch(ctx context.Context, event models.TriggerEvent) ([]DispatchResult, error) {
	candidates, err := d.workflows.List(ctx, persistence.ListWorkflowsOptions{
		ChatbotID:  event.ChatbotID,
		ActiveOnly: true,
	})
	if err != nil {
		return nil, err
	}

	matches := d.matchers.MatchWorkflows(event, candidates)
	if len(matches) == 0 {
		d.logger.DebugContext(ctx, "No workflow matched event", "event_type", event.Type, "candidates", len(candidates))

		return []DispatchResult{}, nil
	}

	results := make([]DispatchResult, len(matches))

	var g errgroup.Group

	for i, match := range matches {
		results[i] = DispatchResult{WorkflowID: match.Workflow.ID, Confidence: match.Result.Confidence}

		if err := d.sem.Acquire(ctx, 1); err != nil {
			results[i].Error = err.Error()

			continue
		}

		g.Go(func() error {
			defer d.sem.Release(1)

			d.logger.InfoContext(ctx, "Executing matched workflow", "match", matcher.Describe(match))

			record, err := d.engine.ExecuteWorkflow(ctx, match.Workflow, event)
			if record != nil {
				results[i].ExecutionID = record.ID
				results[i].Status = record.Status
			}

			if err != nil {
				results[i].Error = err.Error()

				var rateLimited *RateLimitError
				if errors.As(err, &rateLimited) {
					d.logger.WarnContext(ctx, "Execution rate limited", "workflow_id", match.Workflow.ID, "key", rateLimited.Key)
				}
			}

			return nil
		})
	}

	_ = g.Wait()

	return results, nil
}

// DispatchEnvelope classifies a raw envelope and dispatches it.
func (d *Dispatcher) DispatchEnvelope(ctx context.Context, envelope events.Envelope) ([]DispatchResult, error) {
	return d.Dispatch(ctx, events.ToTriggerEvent(envelope))
}
