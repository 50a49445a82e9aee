package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/appforge/orchestrator/internal/auth"
)

// Context keys for authenticated identity.
type contextKey string

// UserIDKey is the context key for the authenticated user ID.
const UserIDKey contextKey = "user_id"

// ServiceKeyHeader carries the service key on worker and callback routes.
const ServiceKeyHeader = "X-Service-Key"

// GetUserID extracts the user ID from the request context.
func GetUserID(ctx context.Context) string {
	if v := ctx.Value(UserIDKey); v != nil {
		return v.(string)
	}
	return ""
}

// AuthMiddleware validates user JWTs and the shared service key.
type AuthMiddleware struct {
	validator *auth.Validator
	logger    *slog.Logger
}

// NewAuthMiddleware creates a new authentication middleware.
func NewAuthMiddleware(validator *auth.Validator, logger *slog.Logger) *AuthMiddleware {
	return &AuthMiddleware{validator: validator, logger: logger}
}

// RequireUser validates the bearer JWT and puts the user id in the context.
func (m *AuthMiddleware) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.ExtractBearerToken(r)
		if err != nil {
			writeUnauthorized(w, "Missing authentication")
			return
		}

		userID, err := m.validator.ValidateToken(token)
		if err != nil {
			m.logger.Debug("JWT validation failed", "error", err)
			writeUnauthorized(w, "Invalid token")
			return
		}

		SetLogUserID(r.Context(), userID)
		ctx := context.WithValue(r.Context(), UserIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireService validates the service key header. Workers and the pipeline
// authenticate with it instead of user tokens.
func (m *AuthMiddleware) RequireService(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.validator.ValidateServiceKey(r.Header.Get(ServiceKeyHeader)) {
			writeUnauthorized(w, "Invalid service key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"code":"unauthorized","message":"` + message + `"}`))
}
