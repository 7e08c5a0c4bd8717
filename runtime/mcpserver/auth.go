package mcpserver

import (
	"fmt"
	"slices"

	"github.com/golang-jwt/jwt/v5"

	"github.com/goadesign/research-orchestrator/runtime/apperr"
)

// errMissingBearer is returned by the HTTP and WebSocket transports when a
// request carries no Authorization header at all, distinct from a header
// present but rejected by Authenticate.
var errMissingBearer = apperr.New(apperr.KindUnauthorized, "missing bearer token")

// Claims is the JWT payload an MCP bearer token carries when it is not the
// static shared secret. Grounded on the token-service pattern the example
// pack's auth package uses for its own bearer tokens (RegisteredClaims plus
// an application-specific authorization list).
type Claims struct {
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

// Authenticator verifies MCP bearer tokens: either an exact match against a
// static shared secret (full access, no scope checking) or a JWT signed with
// that same secret via HS256, whose "scopes" claim must contain whatever
// scope the called tool requires.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator builds an Authenticator around secret. An empty secret
// means authentication is disabled (every request is accepted) — used for
// local development, never for a production MCP_AUTH_SECRET.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Enabled reports whether a secret was configured.
func (a *Authenticator) Enabled() bool { return len(a.secret) > 0 }

// Authenticate validates token and, if requireScope is non-empty, checks it
// is granted. It returns apperr.KindUnauthorized for a missing/invalid
// token and apperr.KindForbidden for a valid token lacking the scope, so
// callers can map them to the distinct wire-level responses spec.md §4.15
// requires (401/4401 vs. -32001/4403).
func (a *Authenticator) Authenticate(token, requireScope string) (*Claims, error) {
	if !a.Enabled() {
		return &Claims{}, nil
	}
	if token == "" {
		return nil, apperr.New(apperr.KindUnauthorized, "missing bearer token")
	}
	if token == string(a.secret) {
		return &Claims{}, nil // static key: full access, no scope restriction
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, apperr.Wrap(apperr.KindUnauthorized, "invalid bearer token", err)
	}
	if requireScope != "" && !slices.Contains(claims.Scopes, requireScope) {
		return nil, apperr.Newf(apperr.KindForbidden, "token missing required scope %q", requireScope)
	}
	return claims, nil
}
