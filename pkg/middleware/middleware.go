package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/diagnosis/pixelvault/pkg/auth"
	"github.com/diagnosis/pixelvault/pkg/logger"
	"github.com/diagnosis/pixelvault/pkg/response"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
)

// RequestID adds a unique request ID to each request
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		ctx := context.WithValue(r.Context(), logger.RequestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Logging logs HTTP requests with structured logging
func Logging(next http.Handler) http.Handler {
	return middleware.RequestLogger(&StructuredLogger{})(next)
}

type StructuredLogger struct{}

func (l *StructuredLogger) NewLogEntry(r *http.Request) middleware.LogEntry {
	return &StructuredLogEntry{request: r}
}

type StructuredLogEntry struct {
	request *http.Request
}

func (l *StructuredLogEntry) Write(status, bytes int, header http.Header, elapsed time.Duration, extra interface{}) {
	logger.InfoContext(l.request.Context(), "HTTP request completed",
		"method", l.request.Method,
		"path", l.request.URL.Path,
		"status", status,
		"bytes", bytes,
		"elapsed_ms", elapsed.Milliseconds(),
		"remote_addr", l.request.RemoteAddr,
	)
}

func (l *StructuredLogEntry) Panic(v interface{}, stack []byte) {
	logger.ErrorContext(l.request.Context(), "HTTP request panic",
		"panic", v,
		"stack", string(stack),
		"method", l.request.Method,
		"path", l.request.URL.Path,
	)
}

// CORS restricts browser access to the storefront origins.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	})
}

// ServiceName adds service name to context for logging
func ServiceName(name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), logger.ServiceKey, name)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Health provides health check endpoint
func Health(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok","timestamp":"` + time.Now().Format(time.RFC3339) + `"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type IdempotencyStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Reserve stores value only if key is absent and reports whether it did.
	Reserve(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
}

// inFlight marks a key whose first request has not finished yet.
const inFlight = "in_flight"

type storedResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// Idempotency replays the first 2xx response for a repeated Idempotency-Key.
// A repeat that arrives while the first request is still running gets 409.
// Keys are scoped to the authenticated caller when claims are present.
func Idempotency(store IdempotencyStore, ttl time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("Idempotency-Key")
			if store == nil || r.Method != http.MethodPost || key == "" {
				next.ServeHTTP(w, r)
				return
			}

			var owner int64
			if c := auth.FromContext(r.Context()); c != nil {
				owner = c.Sub
			}
			sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%s:%s", owner, r.URL.Path, key)))
			hashedKey := fmt.Sprintf("idempotency:%x", sum)

			if replayStored(r.Context(), w, store, hashedKey) {
				return
			}

			reserved, err := store.Reserve(r.Context(), hashedKey, inFlight, ttl)
			if err != nil {
				logger.WarnContext(r.Context(), "Idempotency reservation failed", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !reserved {
				// Lost the race to another request with the same key.
				if !replayStored(r.Context(), w, store, hashedKey) {
					response.Conflict(w, "A request with this Idempotency-Key is already in progress")
				}
				return
			}

			stored := false
			defer func() {
				if stored {
					return
				}
				if err := store.Delete(context.WithoutCancel(r.Context()), hashedKey); err != nil {
					logger.WarnContext(r.Context(), "Idempotency release failed", "error", err)
				}
			}()

			recorder := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(recorder, r)

			if recorder.statusCode >= 200 && recorder.statusCode < 300 && json.Valid(recorder.body) {
				payload, _ := json.Marshal(storedResponse{Status: recorder.statusCode, Body: recorder.body})
				if err := store.Set(context.WithoutCancel(r.Context()), hashedKey, string(payload), ttl); err != nil {
					logger.WarnContext(r.Context(), "Idempotency store failed", "error", err)
					return
				}
				stored = true
			}
		})
	}
}

// replayStored writes the cached response for key, or a 409 while the first
// request is still running. It reports whether anything was written.
func replayStored(ctx context.Context, w http.ResponseWriter, store IdempotencyStore, key string) bool {
	existing, err := store.Get(ctx, key)
	if err != nil {
		logger.WarnContext(ctx, "Idempotency lookup failed", "error", err)
		return false
	}
	switch existing {
	case "":
		return false
	case inFlight:
		response.Conflict(w, "A request with this Idempotency-Key is already in progress")
		return true
	}

	var cached storedResponse
	if err := json.Unmarshal([]byte(existing), &cached); err != nil {
		logger.WarnContext(ctx, "Discarding unreadable idempotency entry", "error", err)
		return false
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Idempotent-Replayed", "true")
	w.WriteHeader(cached.Status)
	w.Write(cached.Body)
	return true
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *responseRecorder) Write(body []byte) (int, error) {
	r.body = append(r.body, body...)
	return r.ResponseWriter.Write(body)
}
