package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, secret []byte, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString(secret)
	require.NoError(t, err)
	return s
}

func TestJWTProviderVerifiesValidToken(t *testing.T) {
	secret := []byte("test-secret")
	provider := NewJWTProvider(secret, "", "")

	claims := Claims{
		UserID:      "user-1",
		DisplayName: "Ada",
		Email:       "ada@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	tokenString := signToken(t, secret, claims)

	identity, err := provider.Verify(context.Background(), tokenString)
	require.NoError(t, err)
	assert.Equal(t, "user-1", identity.UserID)
	assert.Equal(t, "Ada", identity.DisplayName)
}

func TestJWTProviderRejectsExpiredToken(t *testing.T) {
	secret := []byte("test-secret")
	provider := NewJWTProvider(secret, "", "")

	claims := Claims{
		UserID: "user-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	tokenString := signToken(t, secret, claims)

	_, err := provider.Verify(context.Background(), tokenString)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestJWTProviderRejectsWrongSecret(t *testing.T) {
	provider := NewJWTProvider([]byte("real-secret"), "", "")
	tokenString := signToken(t, []byte("wrong-secret"), Claims{UserID: "user-1"})

	_, err := provider.Verify(context.Background(), tokenString)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTProviderRejectsMissingUserID(t *testing.T) {
	secret := []byte("test-secret")
	provider := NewJWTProvider(secret, "", "")
	tokenString := signToken(t, secret, Claims{})

	_, err := provider.Verify(context.Background(), tokenString)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTProviderChecksIssuerAndAudience(t *testing.T) {
	secret := []byte("test-secret")
	provider := NewJWTProvider(secret, "collabedit", "clients")

	claims := Claims{
		UserID: "user-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			Audience:  jwt.ClaimStrings{"clients"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	tokenString := signToken(t, secret, claims)

	_, err := provider.Verify(context.Background(), tokenString)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestStaticProvider(t *testing.T) {
	provider := NewStaticProvider(map[string]Identity{
		"tok-1": {UserID: "user-1", DisplayName: "Grace"},
	})

	identity, err := provider.Verify(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", identity.UserID)

	_, err = provider.Verify(context.Background(), "unknown")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
