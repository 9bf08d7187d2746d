package middleware

import (
	"github.com/geotask/api/internal/auth"
	"github.com/geotask/api/pkg/response"
	"github.com/gofiber/fiber/v2"
)

// ForwardAuthMiddleware trusts the X-User-* headers set by a ForwardAuth proxy
// that already called /auth/verify
func ForwardAuthMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := c.Get("X-User-Id")
		if userID == "" {
			return response.Unauthorized(c, "Missing user identity headers")
		}

		setIdentity(c, &auth.Identity{
			UserID: userID,
			Email:  c.Get("X-User-Email"),
			Name:   c.Get("X-User-Name"),
			Roles:  auth.ParseRoles(c.Get("X-User-Roles")),
		})
		return c.Next()
	}
}
