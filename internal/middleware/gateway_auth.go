package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/reelforge/jobwatch/pkg/response"
)

// GatewayAuth trusts the X-User-* headers set by a ForwardAuth gateway
// in front of the service.
func GatewayAuth() fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := c.Get("X-User-Id")
		if userID == "" {
			return response.Unauthorized(c, "Missing user identity headers")
		}

		setIdentity(c, userID, c.Get("X-User-Email"), c.Get("X-User-Name"))
		return c.Next()
	}
}
