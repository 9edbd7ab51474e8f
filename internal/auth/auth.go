// Package auth resolves bearer tokens carried on websocket and REST
// requests into an authenticated user identity. Token issuance and
// account storage live outside this module; auth only verifies.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned for malformed, unsigned, or wrong-algorithm tokens.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrExpiredToken is returned once a token's exp claim has passed.
	ErrExpiredToken = errors.New("auth: token expired")
)

// Identity is the resolved subject of a bearer token.
type Identity struct {
	UserID      string
	DisplayName string
	Email       string
}

// Provider verifies a bearer token and resolves it to an Identity. The
// session and REST layers depend only on this interface; kolabpad's
// connection handshake depended directly on a shared-secret OTP instead,
// which this interface generalizes.
type Provider interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// Claims is the JWT payload this module expects issuers to produce.
type Claims struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	jwt.RegisteredClaims
}

// JWTProvider verifies HS256 tokens signed with a shared secret.
type JWTProvider struct {
	secret   []byte
	issuer   string
	audience string
}

// NewJWTProvider builds a Provider around a shared signing secret. issuer
// and audience are checked against the token's registered claims when
// non-empty.
func NewJWTProvider(secret []byte, issuer, audience string) *JWTProvider {
	return &JWTProvider{secret: secret, issuer: issuer, audience: audience}
}

// Verify parses and validates tokenString, returning the identity it names.
func (p *JWTProvider) Verify(_ context.Context, tokenString string) (Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method %v", ErrInvalidToken, t.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return Identity{}, ErrInvalidToken
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		return Identity{}, ErrExpiredToken
	}
	if p.issuer != "" && claims.Issuer != p.issuer {
		return Identity{}, fmt.Errorf("%w: unexpected issuer %q", ErrInvalidToken, claims.Issuer)
	}
	if p.audience != "" && !containsAudience(claims.Audience, p.audience) {
		return Identity{}, fmt.Errorf("%w: unexpected audience", ErrInvalidToken)
	}
	if claims.UserID == "" {
		return Identity{}, fmt.Errorf("%w: missing user_id claim", ErrInvalidToken)
	}

	return Identity{
		UserID:      claims.UserID,
		DisplayName: claims.DisplayName,
		Email:       claims.Email,
	}, nil
}

func containsAudience(aud jwt.ClaimStrings, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}

// StaticProvider resolves every token via a fixed lookup table. Useful for
// tests and for local development without a real token issuer.
type StaticProvider struct {
	tokens map[string]Identity
}

// NewStaticProvider builds a StaticProvider from a token->identity map.
func NewStaticProvider(tokens map[string]Identity) *StaticProvider {
	return &StaticProvider{tokens: tokens}
}

// Verify looks up tokenString in the static table.
func (p *StaticProvider) Verify(_ context.Context, tokenString string) (Identity, error) {
	id, ok := p.tokens[tokenString]
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	return id, nil
}
