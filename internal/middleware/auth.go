package middleware

import (
	"errors"

	"github.com/geotask/api/internal/auth"
	"github.com/geotask/api/pkg/response"
	"github.com/gofiber/fiber/v2"
)

// AuthMiddleware handles bearer token authentication
type AuthMiddleware struct {
	authenticator *auth.Authenticator
}

// NewAuthMiddleware creates auth middleware backed by the OIDC verifier and,
// when jwtSecret is set, legacy HMAC tokens
func NewAuthMiddleware(verifier auth.TokenVerifier, jwtSecret string) *AuthMiddleware {
	return &AuthMiddleware{authenticator: auth.NewAuthenticator(verifier, jwtSecret)}
}

// Authenticator exposes the underlying token checker for the ForwardAuth endpoint
func (m *AuthMiddleware) Authenticator() *auth.Authenticator {
	return m.authenticator
}

// Authenticate validates the JWT from the Authorization header
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := m.authenticator.Authenticate(c.Get("Authorization"))
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrMissingToken):
				return response.Unauthorized(c, "Missing authorization header")
			case errors.Is(err, auth.ErrMalformed):
				return response.Unauthorized(c, "Invalid authorization header format")
			case errors.Is(err, auth.ErrNotConfigured):
				return response.Unauthorized(c, "Authentication not configured")
			}
			return response.Unauthorized(c, "Invalid or expired token")
		}

		setIdentity(c, id)
		return c.Next()
	}
}

// RequireRole rejects callers whose token names roles but not role
func RequireRole(role auth.Role) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, ok := c.Locals("identity").(*auth.Identity)
		if !ok {
			return response.Unauthorized(c, "Missing identity")
		}
		if !id.Allows(role) {
			return response.Forbidden(c, "Requires the "+string(role)+" role")
		}
		return c.Next()
	}
}

func setIdentity(c *fiber.Ctx, id *auth.Identity) {
	c.Locals("identity", id)
	c.Locals("userId", id.UserID)
	c.Locals("email", id.Email)
	c.Locals("name", id.Name)
}

// GetUserID extracts user ID from context
func GetUserID(c *fiber.Ctx) string {
	if userID, ok := c.Locals("userId").(string); ok {
		return userID
	}
	return ""
}

// GetUserEmail extracts user email from context
func GetUserEmail(c *fiber.Ctx) string {
	if email, ok := c.Locals("email").(string); ok {
		return email
	}
	return ""
}
