package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Logicbevers/AI-Voice/internal/orchestrator"
)

const (
	headerRequestID = "X-Request-ID"
	headerTenant    = "X-Tenant-ID"
	defaultTenant   = "default"
)

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// requestLogger attaches a request-scoped logger carrying the request id and writes one
// access line per request.
func requestLogger(l zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqID := r.Header.Get(headerRequestID)
			if reqID == "" {
				reqID = uuid.NewString()
			}
			w.Header().Set(headerRequestID, reqID)

			logger := l.With().Str("request_id", reqID).Logger()
			r = r.WithContext(logger.WithContext(r.Context()))

			rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)

			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rw.status).
				Dur("duration", time.Since(start)).
				Msg("http request")
		})
	}
}

// authMiddleware validates Bearer token authentication. An empty key disables it.
func authMiddleware(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "bearer token required", Code: "unauthorized"})
				return
			}
			if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(apiKey)) != 1 {
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid API key", Code: "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// tenantScope scopes every downstream lookup to the caller's tenant.
func tenantScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := orchestrator.WithTenant(r.Context(), tenantFromRequest(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func tenantFromRequest(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(headerTenant)); v != "" {
		return v
	}
	return defaultTenant
}
