package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/liyuwei007036/yunjin-sd-api/internal/client"
	"github.com/liyuwei007036/yunjin-sd-api/pkg/response"
)

// ObjectReader reads back an uploaded object
type ObjectReader interface {
	Object(key string) (client.StoredObject, bool)
}

// ImageHandler serves images held by the in-process store when no object
// store is configured
type ImageHandler struct {
	objects ObjectReader
}

func NewImageHandler(objects ObjectReader) *ImageHandler {
	return &ImageHandler{objects: objects}
}

// Serve handles GET /img/*
func (h *ImageHandler) Serve(c *fiber.Ctx) error {
	obj, ok := h.objects.Object(c.Params("*"))
	if !ok {
		return response.NotFound(c, "Image not found")
	}
	c.Set(fiber.HeaderContentType, obj.ContentType)
	c.Set(fiber.HeaderCacheControl, "public, max-age=86400")
	return c.Send(obj.Data)
}
