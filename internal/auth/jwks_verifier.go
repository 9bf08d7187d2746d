package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/geotask/api/internal/config"
)

const discoveryTimeout = 30 * time.Second

// Role is what a caller may do on the job board
type Role string

const (
	RoleBusiness Role = "business"
	RoleWorker   Role = "worker"
)

// TokenVerifier defines the interface for JWT token verification
type TokenVerifier interface {
	Validate(tokenString string) (*Claims, error)
	Close() error
}

// Claims is the subset of an access token the API acts on
type Claims struct {
	UserID string
	Email  string
	Name   string
	Roles  []Role
}

// JWKSVerifier checks RS/ES-signed access tokens against the issuer's JWKS
// and maps the issuer's role names onto business and worker.
type JWKSVerifier struct {
	jwks   keyfunc.Keyfunc
	parser *jwt.Parser
	cancel context.CancelFunc

	roleClaim string
	roles     map[string]Role
}

// NewJWKSVerifier discovers the issuer's JWKS and keeps it refreshed until Close
func NewJWKSVerifier(cfg *config.OIDCConfig) (*JWKSVerifier, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("oidc issuer is required")
	}

	discoverCtx, cancelDiscover := context.WithTimeout(context.Background(), discoveryTimeout)
	defer cancelDiscover()

	jwksURL, err := discoverJWKSURL(discoverCtx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover JWKS URL: %w", err)
	}

	// the refresh goroutine lives as long as the verifier
	ctx, cancel := context.WithCancel(context.Background())
	jwks, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create JWKS keyfunc: %w", err)
	}

	opts := []jwt.ParserOption{
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}),
	}
	if cfg.ClientID != "" {
		opts = append(opts, jwt.WithAudience(cfg.ClientID))
	}

	roleClaim := cfg.RoleClaim
	if roleClaim == "" {
		roleClaim = "roles"
	}
	roles := map[string]Role{}
	if cfg.BusinessRole != "" {
		roles[cfg.BusinessRole] = RoleBusiness
	}
	if cfg.WorkerRole != "" {
		roles[cfg.WorkerRole] = RoleWorker
	}

	return &JWKSVerifier{
		jwks:      jwks,
		parser:    jwt.NewParser(opts...),
		cancel:    cancel,
		roleClaim: roleClaim,
		roles:     roles,
	}, nil
}

// discoverJWKSURL fetches the OIDC discovery document and extracts the jwks_uri.
func discoverJWKSURL(ctx context.Context, issuer string) (string, error) {
	discoveryURL := strings.TrimSuffix(issuer, "/") + "/.well-known/openid-configuration"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create discovery request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch discovery document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("discovery endpoint returned status %d", resp.StatusCode)
	}

	var doc struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("failed to decode discovery document: %w", err)
	}
	if doc.JWKSURI == "" {
		return "", fmt.Errorf("jwks_uri not found in discovery document")
	}
	return doc.JWKSURI, nil
}

// Validate checks the signature, issuer, expiry and audience of a token
func (v *JWKSVerifier) Validate(tokenString string) (*Claims, error) {
	mc := jwt.MapClaims{}
	if _, err := v.parser.ParseWithClaims(tokenString, mc, v.jwks.Keyfunc); err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	sub, _ := mc.GetSubject()
	if sub == "" {
		return nil, fmt.Errorf("token has no subject")
	}

	claims := &Claims{UserID: sub}
	claims.Email, _ = mc["email"].(string)
	claims.Name, _ = mc["name"].(string)
	if claims.Name == "" {
		claims.Name, _ = mc["preferred_username"].(string)
	}
	claims.Roles = v.mapRoles(mc[v.roleClaim])
	return claims, nil
}

// mapRoles accepts a single role, a list of roles, or an object keyed by role
// name. Unknown role names are ignored.
func (v *JWKSVerifier) mapRoles(raw interface{}) []Role {
	var names []string
	switch r := raw.(type) {
	case string:
		names = []string{r}
	case []interface{}:
		for _, n := range r {
			if s, ok := n.(string); ok {
				names = append(names, s)
			}
		}
	case map[string]interface{}:
		for n := range r {
			names = append(names, n)
		}
	}

	var out []Role
	seen := map[Role]bool{}
	for _, n := range names {
		role, ok := v.roles[n]
		if !ok || seen[role] {
			continue
		}
		seen[role] = true
		out = append(out, role)
	}
	return out
}

// Close stops the background JWKS refresh
func (v *JWKSVerifier) Close() error {
	v.cancel()
	return nil
}
