package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dukex/convoflow/pkg/executionlog"
	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/monitor"
	"github.com/dukex/convoflow/pkg/otelhelper"
	"go.opentelemetry.io/otel/attribute"
)

// runAction executes one action node, retrying retryable failures with the
// delay of the node type's policy. Cancellation of ctx interrupts the wait.
func (e *Engine) runAction(ctx context.Context, executionID string, node *models.Node, actx models.ActionContext) (models.ActionResult, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.execute_node",
		attribute.String(otelhelper.ExecutionIDKey, executionID),
		attribute.String(otelhelper.NodeIDKey, node.ID),
		attribute.String(otelhelper.NodeTypeKey, node.Type),
	)
	defer span.End()

	handler, err := e.actions.Resolve(node.Type)
	if err != nil {
		err = executionlog.NonRetryable(err)
		e.execLog.NodeFailure(executionID, node.ID, 0, err)
		e.recordNode(executionID, node.ID, monitor.NodeFailed)
		otelhelper.SetError(span, err)

		return models.ActionResult{}, fmt.Errorf("%w: %s: %w", ErrActionFailed, node.ID, err)
	}

	var (
		attempt int
		result  models.ActionResult
	)

	operation := func() error {
		attempt++
		span.SetAttributes(attribute.Int(otelhelper.AttemptKey, attempt))

		e.execLog.NodeStart(executionID, node.ID, node.Type)
		start := e.now()

		res, err := handler.Execute(ctx, node.Config, actx)
		if err == nil && !res.Success {
			err = errors.New(res.Error)
			if res.Error == "" {
				err = errors.New("action reported failure")
			}
		}

		if err != nil {
			if ctx.Err() != nil || !executionlog.IsRetryable(err) {
				return backoff.Permanent(err)
			}

			return err
		}

		result = res
		e.execLog.NodeSuccess(executionID, node.ID, e.now().Sub(start), res.Data)
		e.recordNode(executionID, node.ID, monitor.NodeCompleted)

		return nil
	}

	notify := func(err error, delay time.Duration) {
		e.execLog.NodeRetry(executionID, node.ID, attempt, delay, err)
		e.recordNode(executionID, node.ID, monitor.NodeRetried)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(e.policies.For(node.Type).BackOff(), uint64(max(e.config.MaxRetries, 0))),
		ctx,
	)

	err = backoff.RetryNotify(operation, policy, notify)
	if err != nil {
		e.execLog.NodeFailure(executionID, node.ID, attempt, err)
		e.recordNode(executionID, node.ID, monitor.NodeFailed)
		otelhelper.SetError(span, err)

		return result, fmt.Errorf("%w: %s: %w", ErrActionFailed, node.ID, err)
	}

	return result, nil
}
