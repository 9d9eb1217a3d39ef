package web

import (
	"errors"
	"slices"
	"strconv"

	"github.com/dukex/convoflow/pkg/engine"
	"github.com/dukex/convoflow/pkg/events"
	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/persistence"
	"github.com/gofiber/fiber/v3"
)

const defaultListLimit = 50

// PostEvent dispatches a conversation event to every matching workflow.
// With ?async=true and a publisher configured, the event is queued on the
// ingress topic and 202 is returned.
func (h *APIHandlers) PostEvent(c fiber.Ctx) error {
	var req EventRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	envelope := req.Envelope()

	async, _ := strconv.ParseBool(c.Query("async"))
	if async && h.publisher != nil {
		event := events.NewEventReceived(envelope)
		if err := h.publisher.Publish(c.Context(), event.ID, event); err != nil {
			h.logger.Error("failed to queue event", "event", req.Name, "error", err)

			return internalError(c, err)
		}

		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"id": event.ID, "queued": true})
	}

	results, err := h.dispatcher.DispatchEnvelope(c.Context(), envelope)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(DispatchResponse{
		Event:   events.ToTriggerEvent(envelope),
		Matched: len(results),
		Results: results,
	})
}

func (h *APIHandlers) GetExecutions(c fiber.Ctx) error {
	limit, err := queryInt(c, "limit", defaultListLimit)
	if err != nil || limit < 0 {
		return badRequest(c, "limit must be a non-negative integer")
	}

	executions, err := h.persistence.ExecutionRepository().List(c.Context(), persistence.ListExecutionsOptions{
		WorkflowID: c.Query("workflow_id"),
		Status:     models.ExecutionStatus(c.Query("status")),
		Limit:      limit,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"executions":  executions,
		"total_count": len(executions),
		"active":      h.engine.Active(),
	})
}

// GetExecution returns the stored record. While the execution is still
// running its log is read from the live execution logger.
func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	id := c.Params("id")

	record, err := h.persistence.ExecutionRepository().GetByID(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	running := slices.Contains(h.engine.Active(), id)
	if running {
		if entries, ok := h.engine.ExecutionLogger().Entries(id); ok {
			record.Logs = entries
		}
	}

	return c.JSON(ExecutionResponse{ExecutionRecord: record, Running: running})
}

func (h *APIHandlers) StopExecution(c fiber.Ctx) error {
	id := c.Params("id")

	if !h.engine.Stop(id) {
		return notFound(c, "execution "+id+" is not running")
	}

	h.logger.Info("execution stopped by operator", "execution_id", id)

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) GetDeadLetters(c fiber.Ctx) error {
	records := h.engine.DeadLetters().List(c.Query("workflow_id"))

	return c.JSON(fiber.Map{
		"dead_letters": records,
		"total_count":  len(records),
	})
}

func (h *APIHandlers) GetDeadLetter(c fiber.Ctx) error {
	id := c.Params("id")

	record, ok := h.engine.DeadLetters().Get(id)
	if !ok {
		return notFound(c, "dead letter "+id+" not found")
	}

	return c.JSON(record)
}

// RetryDeadLetter replays a dead-lettered execution. The response carries
// the new execution record whatever its outcome.
func (h *APIHandlers) RetryDeadLetter(c fiber.Ctx) error {
	record, err := h.engine.ReplayDeadLetter(c.Context(), c.Params("id"))

	var rateLimitErr *engine.RateLimitError
	if errors.As(err, &rateLimitErr) {
		return rateLimited(c, rateLimitErr)
	}

	var execErr *engine.ExecutionError
	if err != nil && !errors.As(err, &execErr) {
		return handleServiceError(c, err)
	}

	return c.JSON(record)
}

func (h *APIHandlers) DeleteDeadLetter(c fiber.Ctx) error {
	id := c.Params("id")

	if !h.engine.DeadLetters().Remove(id) {
		return notFound(c, "dead letter "+id+" not found")
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) GetWorkflowAnalytics(c fiber.Ctx) error {
	id := c.Params("id")

	if _, err := h.workflowService.FetchByID(c.Context(), id); err != nil {
		return handleServiceError(c, err)
	}

	analytics, ok := h.monitor.WorkflowAnalytics(id)
	if !ok {
		return c.JSON(models.WorkflowAnalytics{WorkflowID: id, Trend: models.TrendStable})
	}

	return c.JSON(analytics)
}

func (h *APIHandlers) GetSystemMetrics(c fiber.Ctx) error {
	return c.JSON(h.monitor.SystemMetrics())
}

func (h *APIHandlers) GetAlerts(c fiber.Ctx) error {
	limit, err := queryInt(c, "limit", defaultListLimit)
	if err != nil {
		return badRequest(c, "limit must be an integer")
	}

	return c.JSON(fiber.Map{"alerts": h.monitor.Alerts(limit)})
}

func (h *APIHandlers) GetAlertRules(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"rules": h.monitor.Rules()})
}

func (h *APIHandlers) PutAlertRule(c fiber.Ctx) error {
	var rule models.AlertRule
	if err := c.Bind().JSON(&rule); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	rule.ID = c.Params("ruleId")

	if err := h.monitor.AddRule(rule); err != nil {
		return badRequest(c, err.Error())
	}

	return c.JSON(rule)
}

func (h *APIHandlers) DeleteAlertRule(c fiber.Ctx) error {
	id := c.Params("ruleId")

	if !h.monitor.RemoveRule(id) {
		return notFound(c, "alert rule "+id+" not found")
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) GetNotifications(c fiber.Ctx) error {
	limit, err := queryInt(c, "limit", defaultListLimit)
	if err != nil {
		return badRequest(c, "limit must be an integer")
	}

	notifications, err := h.persistence.NotificationRepository().List(c.Context(), limit)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{"notifications": notifications})
}
