// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// requestAttrs collects identity established by middleware that runs after
// the logger, so the completion line can include it.
type requestAttrs struct {
	userID string
}

const requestAttrsKey contextKey = "request_attrs"

// SetLogUserID records the authenticated user on the request's log line.
// Everything in this API is keyed by user, so the completion log carries it
// whenever a route authenticated one.
func SetLogUserID(ctx context.Context, userID string) {
	if attrs, ok := ctx.Value(requestAttrsKey).(*requestAttrs); ok {
		attrs.userID = userID
	}
}

// RequestLogger returns a middleware that logs HTTP requests.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			attrs := &requestAttrs{}
			r = r.WithContext(context.WithValue(r.Context(), requestAttrsKey, attrs))

			defer func() {
				fields := []any{
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start).String(),
					"request_id", middleware.GetReqID(r.Context()),
					"remote_addr", r.RemoteAddr,
				}
				if attrs.userID != "" {
					fields = append(fields, "user_id", attrs.userID)
				}
				logger.Info("request completed", fields...)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
