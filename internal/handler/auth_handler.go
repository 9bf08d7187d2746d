package handler

import (
	"github.com/geotask/api/internal/auth"
	"github.com/gofiber/fiber/v2"
)

// AuthHandler answers ForwardAuth checks from the API gateway
type AuthHandler struct {
	authenticator *auth.Authenticator
}

// NewAuthHandler creates a new auth handler for ForwardAuth verification
func NewAuthHandler(authenticator *auth.Authenticator) *AuthHandler {
	return &AuthHandler{authenticator: authenticator}
}

// Verify handles GET /auth/verify for a ForwardAuth proxy.
// Returns 200 with X-User-* headers on success, 401 on failure.
func (h *AuthHandler) Verify(c *fiber.Ctx) error {
	id, err := h.authenticator.Authenticate(c.Get("Authorization"))
	if err != nil {
		return c.SendStatus(fiber.StatusUnauthorized)
	}

	c.Set("X-User-Id", id.UserID)
	c.Set("X-User-Email", id.Email)
	if id.Name != "" {
		c.Set("X-User-Name", id.Name)
	}
	if len(id.Roles) > 0 {
		c.Set("X-User-Roles", auth.FormatRoles(id.Roles))
	}
	return c.SendStatus(fiber.StatusOK)
}
