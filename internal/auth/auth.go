// Package auth validates the two credentials the API accepts: user JWTs on
// chat and billing routes, and the shared service key on worker and pipeline
// callback routes.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Common errors returned by credential validation.
var (
	// ErrMissingToken is returned when no bearer token is present.
	ErrMissingToken = errors.New("missing bearer token")
	// ErrInvalidToken is returned when a token fails validation.
	ErrInvalidToken = errors.New("invalid token")
)

// Claims are the JWT claims the API cares about. The subject is the user id.
type Claims struct {
	jwt.RegisteredClaims
}

// Validator verifies user JWTs and the service key.
type Validator struct {
	secret     []byte
	serviceKey string
}

// NewValidator creates a validator from the shared HMAC secret and service key.
func NewValidator(jwtSecret, serviceKey string) *Validator {
	return &Validator{secret: []byte(jwtSecret), serviceKey: serviceKey}
}

// ValidateToken parses and verifies a user JWT, returning the user id from
// the subject claim. Only HMAC signatures are accepted.
func (v *Validator) ValidateToken(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// ValidateServiceKey reports whether the presented key matches the
// configured service key. Constant-time comparison.
func (v *Validator) ValidateServiceKey(key string) bool {
	if v.serviceKey == "" || key == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(v.serviceKey), []byte(key)) == 1
}

// ExtractBearerToken pulls the bearer token from the Authorization header.
func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingToken
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", ErrMissingToken
	}
	return parts[1], nil
}
