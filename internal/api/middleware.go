package api

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"swiss-sandbox/internal/admission"
	"swiss-sandbox/internal/monitor"
)

type contextKey string

const (
	contextKeyRequestID  contextKey = "request_id"
	contextKeyAPIKey     contextKey = "api_key"
	contextKeyConnection contextKey = "connection"
)

func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(contextKeyRequestID).(string); ok {
		return id
	}
	return ""
}

// connAdmission is attached to every connection's context before its first
// request is read.
type connAdmission struct {
	id       string
	source   string
	accepted bool
	reason   string
}

func withConnection(ctx context.Context, c *connAdmission) context.Context {
	return context.WithValue(ctx, contextKeyConnection, c)
}

func connectionFromContext(ctx context.Context) *connAdmission {
	c, _ := ctx.Value(contextKeyConnection).(*connAdmission)
	return c
}

// ConnectionIDFromContext returns the admission id of the connection that
// carried the request.
func ConnectionIDFromContext(ctx context.Context) string {
	if c := connectionFromContext(ctx); c != nil {
		return c.id
	}
	return ""
}

func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), contextKeyRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusRecorder{ResponseWriter: w, status: 200}

		next.ServeHTTP(wrapped, r)

		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.status).
			Dur("duration", time.Since(start)).
			Str("request_id", RequestIDFromContext(r.Context())).
			Str("connection", ConnectionIDFromContext(r.Context())).
			Str("remote_addr", r.RemoteAddr).
			Msg("request completed")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// AuthMiddleware accepts requests carrying one of allowedKeys in header or
// as a bearer token. With no keys configured every request is rejected
// unless allowUnauthenticated is set.
func AuthMiddleware(header string, allowedKeys []string, allowUnauthenticated bool) func(http.Handler) http.Handler {
	if header == "" {
		header = "X-API-Key"
	}
	keySet := make(map[string]struct{}, len(allowedKeys))
	for _, k := range allowedKeys {
		if k == "" {
			continue
		}
		keySet[k] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(keySet) == 0 {
				if allowUnauthenticated {
					next.ServeHTTP(w, r)
					return
				}
				writeError(w, "unauthorized", "AUTH_REQUIRED", http.StatusUnauthorized, r)
				return
			}

			key := r.Header.Get(header)
			if key == "" {
				key = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			}
			if _, ok := keySet[key]; key == "" || !ok {
				writeError(w, "unauthorized", "AUTH_REQUIRED", http.StatusUnauthorized, r)
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyAPIKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdmissionMiddleware enforces the connection admission decision and the
// per-connection request rate. Requests on a rejected connection get 503;
// requests over the rate get 429 with Retry-After.
func AdmissionMiddleware(adm *admission.Manager, metrics *monitor.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c := connectionFromContext(r.Context())
			if c == nil {
				writeError(w, "connection not admitted", "CONNECTION_REJECTED", http.StatusServiceUnavailable, r)
				return
			}
			if !c.accepted {
				w.Header().Set("Connection", "close")
				writeError(w, c.reason, "CONNECTION_REJECTED", http.StatusServiceUnavailable, r)
				return
			}

			// an expired connection is re-admitted on its next request
			if !adm.UpdateActivity(c.id) {
				if ok, reason := adm.AddConnection(c.id, c.source); !ok {
					metrics.RecordConnectionRejected(reason)
					w.Header().Set("Connection", "close")
					writeError(w, reason, "CONNECTION_REJECTED", http.StatusServiceUnavailable, r)
					return
				}
				metrics.SetConnections(adm.ConnectionStats().Total)
			}

			allowed, retryAfter := adm.CheckRateLimit(c.id)
			if !allowed {
				metrics.RecordRateLimited()
				w.Header().Set("Retry-After", strconv.Itoa(retrySeconds(retryAfter)))
				writeError(w, "rate limit exceeded", "RATE_LIMITED", http.StatusTooManyRequests, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func retrySeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

func MetricsMiddleware(metrics *monitor.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			metrics.RequestStarted()
			defer metrics.RequestFinished()
			next.ServeHTTP(w, r)
		})
	}
}

func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Cache-Control", "no-store")
		h.Set("Content-Security-Policy", "default-src 'none'")
		next.ServeHTTP(w, r)
	})
}

func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().
					Interface("panic", rec).
					Str("path", r.URL.Path).
					Str("request_id", RequestIDFromContext(r.Context())).
					Msg("panic recovered")
				writeError(w, "internal server error", "INTERNAL", http.StatusInternalServerError, r)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func MaxBodyMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
