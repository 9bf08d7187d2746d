package auth

import (
	"errors"
	"strings"
)

var (
	ErrMissingToken  = errors.New("missing authorization header")
	ErrMalformed     = errors.New("invalid authorization header format")
	ErrInvalidToken  = errors.New("invalid or expired token")
	ErrNotConfigured = errors.New("authentication not configured")
)

// Identity is the authenticated caller. Businesses and workers are both
// identified by UserID. Roles is empty for legacy tokens, which carry no role.
type Identity struct {
	UserID string
	Email  string
	Name   string
	Roles  []Role
}

// Allows reports whether the caller may act as role. Callers without any
// role are limited by per-job ownership checks only.
func (id *Identity) Allows(role Role) bool {
	if len(id.Roles) == 0 {
		return true
	}
	for _, r := range id.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// ParseRoles reads a comma separated role list, as forwarded in X-User-Roles
func ParseRoles(s string) []Role {
	var roles []Role
	for _, part := range strings.Split(s, ",") {
		switch r := Role(strings.TrimSpace(part)); r {
		case RoleBusiness, RoleWorker:
			roles = append(roles, r)
		}
	}
	return roles
}

// FormatRoles is the inverse of ParseRoles
func FormatRoles(roles []Role) string {
	parts := make([]string, len(roles))
	for i, r := range roles {
		parts[i] = string(r)
	}
	return strings.Join(parts, ",")
}

// Authenticator checks bearer tokens against the OIDC verifier and falls back
// to legacy HMAC tokens when a secret is set
type Authenticator struct {
	verifier  TokenVerifier
	jwtSecret string
}

// NewAuthenticator creates an authenticator. Either argument may be empty.
func NewAuthenticator(verifier TokenVerifier, jwtSecret string) *Authenticator {
	return &Authenticator{verifier: verifier, jwtSecret: jwtSecret}
}

// Configured reports whether any token source is available
func (a *Authenticator) Configured() bool {
	return a.verifier != nil || a.jwtSecret != ""
}

// Authenticate validates the value of an Authorization header
func (a *Authenticator) Authenticate(authHeader string) (*Identity, error) {
	if authHeader == "" {
		return nil, ErrMissingToken
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return nil, ErrMalformed
	}
	tokenString := parts[1]

	if !a.Configured() {
		return nil, ErrNotConfigured
	}

	if a.verifier != nil {
		claims, err := a.verifier.Validate(tokenString)
		if err == nil {
			return &Identity{UserID: claims.UserID, Email: claims.Email, Name: claims.Name, Roles: claims.Roles}, nil
		}
		if a.jwtSecret == "" {
			return nil, ErrInvalidToken
		}
	}

	claims, err := ValidateLegacyToken(tokenString, a.jwtSecret)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return &Identity{UserID: claims.UserID, Email: claims.Email}, nil
}
