package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/liyuwei007036/yunjin-sd-api/internal/middleware"
)

// AuthHandler answers ForwardAuth checks from a gateway in front of other services
type AuthHandler struct{}

func NewAuthHandler() *AuthHandler {
	return &AuthHandler{}
}

// Verify handles GET /auth/verify. It runs behind the auth middleware, so
// reaching it means the credentials were accepted; the caller identity is
// returned in X-User-* headers.
func (h *AuthHandler) Verify(c *fiber.Ctx) error {
	c.Set(middleware.HeaderUserID, middleware.GetUserID(c))
	if email := middleware.GetUserEmail(c); email != "" {
		c.Set(middleware.HeaderUserEmail, email)
	}
	return c.SendStatus(fiber.StatusOK)
}
