// Package auth provides optional JWT authentication for the document server.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DocumentPermissions represents document-level permissions
type DocumentPermissions struct {
	CanRead  []string `json:"canRead"`  // Document IDs user can read
	CanWrite []string `json:"canWrite"` // Document IDs user can write
	IsAdmin  bool     `json:"isAdmin"`  // Admin has access to all documents
}

// TokenPayload represents JWT token claims
type TokenPayload struct {
	UserID      string              `json:"userId"`
	Email       string              `json:"email,omitempty"`
	Permissions DocumentPermissions `json:"permissions"`
	jwt.RegisteredClaims
}

// Errors for JWT validation
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingToken = errors.New("missing token")
	ErrShortSecret  = errors.New("JWT secret must be at least 32 characters")
)

// VerifyToken checks the signature and expiry of tokenString and returns its
// claims. Only HMAC-signed tokens are accepted.
func VerifyToken(tokenString, secret string) (*TokenPayload, error) {
	if len(secret) < 32 {
		return nil, ErrShortSecret
	}

	token, err := jwt.ParseWithClaims(tokenString, &TokenPayload{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*TokenPayload); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidToken
}

// GenerateAccessToken generates a JWT access token.
func GenerateAccessToken(userID string, email string, permissions DocumentPermissions, secret string, expiresIn time.Duration) (string, error) {
	if len(secret) < 32 {
		return "", ErrShortSecret
	}

	now := time.Now()
	claims := &TokenPayload{
		UserID:      userID,
		Email:       email,
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// TokenFromRequest returns the bearer token of r, falling back to the token
// query parameter that browsers use for WebSocket upgrades.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

// Authenticator resolves the caller of a request. With an empty secret every
// request is treated as an anonymous user with full access.
type Authenticator struct {
	Secret string
}

// Enabled reports whether requests must carry a token.
func (a Authenticator) Enabled() bool { return a.Secret != "" }

// Authenticate returns the verified payload for r.
func (a Authenticator) Authenticate(r *http.Request) (*TokenPayload, error) {
	if !a.Enabled() {
		return &TokenPayload{UserID: "anonymous", Permissions: CreateUserPermissions([]string{"*"}, []string{"*"})}, nil
	}
	token := TokenFromRequest(r)
	if token == "" {
		return nil, ErrMissingToken
	}
	return VerifyToken(token, a.Secret)
}
