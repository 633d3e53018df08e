package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/liyuwei007036/yunjin-sd-api/pkg/response"
)

// Identity headers set by a ForwardAuth proxy in front of the API
const (
	HeaderUserID    = "X-User-Id"
	HeaderUserEmail = "X-User-Email"
	HeaderUserName  = "X-User-Name"
)

// GatewayAuthMiddleware trusts the caller identity forwarded by the gateway.
// Only enable it when the API is not reachable except through that gateway.
func GatewayAuthMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := c.Get(HeaderUserID)
		if userID == "" {
			return response.Unauthorized(c, "Missing user identity headers")
		}

		c.Locals(localsUserID, userID)
		c.Locals(localsEmail, c.Get(HeaderUserEmail))
		c.Locals(localsName, c.Get(HeaderUserName))
		c.Locals(localsAuthKind, "gateway")

		return c.Next()
	}
}
