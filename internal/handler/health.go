package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/liyuwei007036/yunjin-sd-api/internal/model"
	"github.com/liyuwei007036/yunjin-sd-api/pkg/response"
)

// ModelStatus reports whether the engine has a model loaded
type ModelStatus interface {
	ModelLoaded() bool
}

type HealthHandler struct {
	models ModelStatus
}

func NewHealthHandler(models ModelStatus) *HealthHandler {
	return &HealthHandler{models: models}
}

// Health handles GET /health and GET /api/health. It never builds the engine.
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	return response.OK(c, model.HealthResponse{
		Status:      "ok",
		ModelLoaded: h.models != nil && h.models.ModelLoaded(),
	})
}
