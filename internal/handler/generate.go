package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/liyuwei007036/yunjin-sd-api/internal/model"
	"github.com/liyuwei007036/yunjin-sd-api/internal/service"
	ws "github.com/liyuwei007036/yunjin-sd-api/internal/websocket"
	"github.com/liyuwei007036/yunjin-sd-api/pkg/response"
)

type GenerateHandler struct {
	service   *service.GenerateService
	validator *validator.Validate
	hub       *ws.Hub
}

func NewGenerateHandler(svc *service.GenerateService, v *validator.Validate, hub *ws.Hub) *GenerateHandler {
	return &GenerateHandler{
		service:   svc,
		validator: v,
		hub:       hub,
	}
}

// Generate handles POST /api/v1/generate
func (h *GenerateHandler) Generate(c *fiber.Ctx) error {
	var req model.GenerateRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.Submit(c.UserContext(), &req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrPromptRequired):
			return response.ValidationError(c, "Either prompt or natural_language must be provided", nil)
		case errors.Is(err, service.ErrInvalidCallbackURL):
			return response.ValidationError(c, err.Error(), nil)
		case errors.Is(err, service.ErrLLMNotConfigured):
			return response.ServiceUnavailable(c, "Natural language translation is not configured")
		case errors.Is(err, service.ErrPromptTranslation):
			return response.AIError(c, err.Error())
		case errors.Is(err, service.ErrScheduleFailed):
			return response.ServiceUnavailable(c, err.Error())
		default:
			log.Printf("Failed to submit generation task: %v", err)
			return response.ServiceError(c, "Failed to create task")
		}
	}

	return response.Accepted(c, result)
}

// GetTask handles GET /api/v1/tasks/:taskId
func (h *GenerateHandler) GetTask(c *fiber.Ctx) error {
	taskID := c.Params("taskId")
	if taskID == "" {
		return response.ValidationError(c, "Task ID is required", nil)
	}

	task, err := h.service.GetTask(c.UserContext(), taskID)
	if err != nil {
		if errors.Is(err, model.ErrTaskNotFound) {
			return response.NotFound(c, "Task not found")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, model.NewTaskStatusResponse(task))
}

// ListTasks handles GET /api/v1/tasks?status=
func (h *GenerateHandler) ListTasks(c *fiber.Ctx) error {
	var filter *model.TaskStatus
	if raw := c.Query("status"); strings.TrimSpace(raw) != "" {
		status, ok := model.ParseTaskStatus(raw)
		if !ok {
			return response.ValidationError(c, "Unknown task status", fiber.Map{"status": raw})
		}
		filter = &status
	}

	tasks, err := h.service.ListTasks(c.UserContext(), filter)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}

	out := model.TaskListResponse{
		Tasks: make([]model.TaskStatusResponse, 0, len(tasks)),
		Total: len(tasks),
	}
	for i := range tasks {
		out.Tasks = append(out.Tasks, model.NewTaskStatusResponse(&tasks[i]))
	}
	return response.OK(c, out)
}

// TaskEvents serves GET /ws/tasks/:taskId. The task's current state is sent
// first, followed by live events from the hub.
func (h *GenerateHandler) TaskEvents(c *websocket.Conn) {
	taskID := c.Params("taskId")

	if _, err := h.service.GetTask(context.Background(), taskID); err != nil {
		c.WriteMessage(websocket.TextMessage, lookupErrorEvent(taskID, err))
		c.WriteMessage(websocket.CloseMessage, []byte{})
		return
	}

	h.hub.HandleConnection(c, taskID, h.taskSnapshot(taskID))
}

// taskSnapshot re-reads the task once the subscriber is registered
func (h *GenerateHandler) taskSnapshot(taskID string) ws.Snapshot {
	return func() ([]byte, bool) {
		task, err := h.service.GetTask(context.Background(), taskID)
		if err != nil {
			return lookupErrorEvent(taskID, err), true
		}
		return snapshotEvent(task), task.Status.IsTerminal()
	}
}

func lookupErrorEvent(taskID string, err error) []byte {
	code := response.CodeServiceError
	if errors.Is(err, model.ErrTaskNotFound) {
		code = response.CodeNotFound
	}
	data, _ := json.Marshal(model.WSErrorMessage{
		Type:   model.WSMessageTypeError,
		TaskID: taskID,
		Error:  model.WSError{Code: code, Message: err.Error()},
	})
	return data
}

// snapshotEvent encodes a task's current state as the event a live
// subscriber would have seen last
func snapshotEvent(task *model.Task) []byte {
	var msg interface{}
	switch task.Status {
	case model.TaskStatusCompleted:
		msg = model.WSCompleteMessage{
			Type:       model.WSMessageTypeComplete,
			TaskID:     task.TaskID,
			ResultURL:  model.Deref(task.ResultURL),
			ResultURLs: task.ResultURLs,
		}
	case model.TaskStatusFailed:
		msg = model.WSErrorMessage{
			Type:   model.WSMessageTypeError,
			TaskID: task.TaskID,
			Error:  model.WSError{Code: model.WSErrorGenerationFailed, Message: model.Deref(task.ErrorMessage)},
		}
	default:
		msg = model.WSStatusMessage{
			Type:   model.WSMessageTypeStatus,
			TaskID: task.TaskID,
			Status: task.Status,
		}
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil
	}
	return data
}

func formatValidationErrors(err error) interface{} {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		details := make(map[string]string)
		for _, e := range validationErrors {
			details[e.Field()] = e.Tag()
		}
		return details
	}
	return nil
}
