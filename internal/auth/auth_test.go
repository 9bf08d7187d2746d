package auth

import (
	"errors"
	"testing"
	"time"
)

type stubVerifier struct {
	claims *Claims
}

func (s *stubVerifier) Validate(tokenString string) (*Claims, error) {
	if s.claims == nil || tokenString != "oidc-token" {
		return nil, errors.New("bad token")
	}
	return s.claims, nil
}

func (s *stubVerifier) Close() error { return nil }

func TestLegacyTokenRoundTrip(t *testing.T) {
	token, err := GenerateLegacyToken("biz-1", "biz@example.com", "secret", time.Hour)
	if err != nil {
		t.Fatalf("GenerateLegacyToken: %v", err)
	}

	claims, err := ValidateLegacyToken(token, "secret")
	if err != nil {
		t.Fatalf("ValidateLegacyToken: %v", err)
	}
	if claims.UserID != "biz-1" || claims.Issuer != legacyIssuer {
		t.Errorf("unexpected claims %+v", claims)
	}

	if _, err := ValidateLegacyToken(token, "other"); err == nil {
		t.Error("expected wrong secret to fail")
	}
}

func TestLegacyTokenWithoutExpiry(t *testing.T) {
	token, err := GenerateLegacyToken("biz-1", "", "secret", 0)
	if err != nil {
		t.Fatalf("GenerateLegacyToken: %v", err)
	}
	if _, err := ValidateLegacyToken(token, "secret"); err != nil {
		t.Errorf("expected token without expiry to validate, got %v", err)
	}
	if _, err := GenerateLegacyToken("biz-1", "", "", 0); err == nil {
		t.Error("expected an empty secret to be refused")
	}
}

func TestAuthenticator(t *testing.T) {
	legacy, _ := GenerateLegacyToken("worker-1", "w@example.com", "secret", time.Hour)
	oidc := &stubVerifier{claims: &Claims{UserID: "biz-1", Name: "Acme"}}

	tests := []struct {
		name    string
		auth    *Authenticator
		header  string
		wantID  string
		wantErr error
	}{
		{"missing header", NewAuthenticator(nil, "secret"), "", "", ErrMissingToken},
		{"wrong scheme", NewAuthenticator(nil, "secret"), "Basic abc", "", ErrMalformed},
		{"not configured", NewAuthenticator(nil, ""), "Bearer x", "", ErrNotConfigured},
		{"legacy", NewAuthenticator(nil, "secret"), "Bearer " + legacy, "worker-1", nil},
		{"legacy invalid", NewAuthenticator(nil, "secret"), "Bearer nope", "", ErrInvalidToken},
		{"oidc", NewAuthenticator(oidc, ""), "Bearer oidc-token", "biz-1", nil},
		{"oidc only rejects legacy", NewAuthenticator(oidc, ""), "Bearer " + legacy, "", ErrInvalidToken},
		{"oidc falls back to legacy", NewAuthenticator(oidc, "secret"), "bearer " + legacy, "worker-1", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := tt.auth.Authenticate(tt.header)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if id.UserID != tt.wantID {
				t.Errorf("expected user %s, got %s", tt.wantID, id.UserID)
			}
		})
	}
}
