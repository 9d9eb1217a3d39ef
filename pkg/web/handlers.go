// Package web provides HTTP handlers and REST API endpoints for workflow management.
package web

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dukex/convoflow/pkg/engine"
	"github.com/dukex/convoflow/pkg/eventbus"
	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/monitor"
	"github.com/dukex/convoflow/pkg/persistence"
	"github.com/dukex/convoflow/pkg/services"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

// ActionCatalog lists registered action types and checks their health.
type ActionCatalog interface {
	Types() []string
	HealthCheck(ctx context.Context) map[string]error
}

type APIHandlers struct {
	logger          *slog.Logger
	workflowService *services.Workflow
	nodeService     *services.Node
	validator       *validator.Validate
	actions         ActionCatalog
	engine          *engine.Engine
	dispatcher      *engine.Dispatcher
	monitor         *monitor.Monitor
	persistence     persistence.Persistence
	publisher       eventbus.EventPublisher
}

// Dependencies groups the collaborators of the API. Publisher is optional;
// without it events are always dispatched inline.
type Dependencies struct {
	Workflows   *services.Workflow
	Nodes       *services.Node
	Actions     ActionCatalog
	Engine      *engine.Engine
	Dispatcher  *engine.Dispatcher
	Monitor     *monitor.Monitor
	Persistence persistence.Persistence
	Publisher   eventbus.EventPublisher
}

func NewAPIHandlers(log *slog.Logger, validate *validator.Validate, deps Dependencies) *APIHandlers {
	return &APIHandlers{
		logger:          log.With("module", "api"),
		workflowService: deps.Workflows,
		nodeService:     deps.Nodes,
		validator:       validate,
		actions:         deps.Actions,
		engine:          deps.Engine,
		dispatcher:      deps.Dispatcher,
		monitor:         deps.Monitor,
		persistence:     deps.Persistence,
		publisher:       deps.Publisher,
	}
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repositoryCheck, repOk := h.workflowService.HealthCheck(c.Context())

	actionChecks := fiber.Map{}
	actionsOk := true

	for actionType, err := range h.actions.HealthCheck(c.Context()) {
		if err != nil {
			actionsOk = false
			actionChecks[actionType] = err.Error()

			continue
		}

		actionChecks[actionType] = "ok"
	}

	status := "unhealthy"
	message := "Convoflow API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if actionsOk && repOk {
		status = "healthy"
		message = "Convoflow API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"actions":    actionChecks,
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) GetActions(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"actions": h.actions.Types()})
}

func (h *APIHandlers) GetWorkflows(c fiber.Ctx) error {
	req := services.ListWorkflowsRequest{
		ChatbotID: c.Query("chatbot_id"),
		OwnerID:   c.Query("owner_id"),
	}

	if activeStr := c.Query("active"); activeStr != "" {
		active, err := strconv.ParseBool(activeStr)
		if err != nil {
			return badRequest(c, "Invalid query parameters: "+err.Error())
		}

		req.ActiveOnly = active
	}

	workflows, err := h.workflowService.List(c.Context(), req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"workflows":   workflows,
		"total_count": len(workflows),
	})
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	workflow, err := h.workflowService.FetchByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) CreateWorkflow(c fiber.Ctx) error {
	var req CreateWorkflowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	created, err := h.workflowService.Create(c.Context(), &models.Workflow{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		ChatbotID:   req.ChatbotID,
		OwnerID:     req.OwnerID,
		IsActive:    req.IsActive,
		Graph:       req.Graph,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) UpdateWorkflow(c fiber.Ctx) error {
	id := c.Params("id")

	var req UpdateWorkflowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	existing, err := h.workflowService.FetchByID(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	if req.Name != nil {
		existing.Name = *req.Name
	}

	if req.Description != nil {
		existing.Description = *req.Description
	}

	if req.ChatbotID != nil {
		existing.ChatbotID = *req.ChatbotID
	}

	if req.IsActive != nil {
		existing.IsActive = *req.IsActive
	}

	if req.Graph != nil {
		existing.Graph = req.Graph
	}

	updated, err := h.workflowService.Update(c.Context(), id, existing)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(updated)
}

func (h *APIHandlers) DeleteWorkflow(c fiber.Ctx) error {
	if err := h.workflowService.Delete(c.Context(), c.Params("id")); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) ActivateWorkflow(c fiber.Ctx) error {
	return h.setActive(c, true)
}

func (h *APIHandlers) DeactivateWorkflow(c fiber.Ctx) error {
	return h.setActive(c, false)
}

func (h *APIHandlers) setActive(c fiber.Ctx, active bool) error {
	workflow, err := h.workflowService.SetActive(c.Context(), c.Params("id"), active)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(workflow)
}

// ValidateWorkflow reports validation issues and, for a valid graph, the
// compiled state machine.
func (h *APIHandlers) ValidateWorkflow(c fiber.Ctx) error {
	var req ValidateWorkflowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	return c.JSON(h.workflowService.Validate(req.Graph))
}

func (h *APIHandlers) CreateWorkflowNode(c fiber.Ctx) error {
	var req CreateNodeRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	node, err := h.nodeService.CreateNode(c.Context(), c.Params("id"), services.CreateNodeRequest{
		Kind:        models.NodeKind(req.Kind),
		Type:        req.Type,
		Name:        req.Name,
		Config:      req.Config,
		ConnectFrom: req.ConnectFrom,
		Label:       req.Label,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(node)
}

func (h *APIHandlers) GetWorkflowNode(c fiber.Ctx) error {
	node, err := h.nodeService.GetNode(c.Context(), c.Params("id"), c.Params("nodeId"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(node)
}

func (h *APIHandlers) UpdateWorkflowNode(c fiber.Ctx) error {
	var req UpdateNodeRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	node, err := h.nodeService.UpdateNode(c.Context(), c.Params("id"), c.Params("nodeId"), services.UpdateNodeRequest{
		Name:   req.Name,
		Config: req.Config,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(node)
}

func (h *APIHandlers) DeleteWorkflowNode(c fiber.Ctx) error {
	if err := h.nodeService.DeleteNode(c.Context(), c.Params("id"), c.Params("nodeId")); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func queryInt(c fiber.Ctx, key string, fallback int) (int, error) {
	value := c.Query(key)
	if value == "" {
		return fallback, nil
	}

	return strconv.Atoi(value)
}
