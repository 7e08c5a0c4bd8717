package mcpserver

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goadesign/research-orchestrator/runtime/apperr"
)

func TestAuthenticator_DisabledAcceptsAnything(t *testing.T) {
	a := NewAuthenticator("")
	assert.False(t, a.Enabled())
	claims, err := a.Authenticate("", "research:write")
	require.NoError(t, err)
	assert.NotNil(t, claims)
}

func TestAuthenticator_StaticSecretGrantsFullAccess(t *testing.T) {
	a := NewAuthenticator("topsecret")
	claims, err := a.Authenticate("topsecret", "research:write")
	require.NoError(t, err)
	assert.Empty(t, claims.Scopes)
}

func TestAuthenticator_MissingTokenIsUnauthorized(t *testing.T) {
	a := NewAuthenticator("topsecret")
	_, err := a.Authenticate("", "research:write")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindUnauthorized))
}

func TestAuthenticator_JWTMissingScopeIsForbidden(t *testing.T) {
	secret := "topsecret"
	a := NewAuthenticator(secret)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Scopes:           []string{"reports:read"},
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)

	_, err = a.Authenticate(signed, "research:write")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindForbidden))
}

func TestAuthenticator_JWTWithScopeSucceeds(t *testing.T) {
	secret := "topsecret"
	a := NewAuthenticator(secret)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Scopes:           []string{"research:write"},
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)

	claims, err := a.Authenticate(signed, "research:write")
	require.NoError(t, err)
	assert.Contains(t, claims.Scopes, "research:write")
}
