package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/diagnosis/pixelvault/pkg/auth"
	"github.com/diagnosis/pixelvault/pkg/config"
	"github.com/diagnosis/pixelvault/pkg/logger"
	mw "github.com/diagnosis/pixelvault/pkg/middleware"
	"github.com/diagnosis/pixelvault/pkg/response"
	"github.com/diagnosis/pixelvault/services/store/internal/service"
	"github.com/go-chi/chi/v5"
)

type Handlers struct {
	orderService     service.OrderService
	reconcileService service.ReconcileService
	tokenService     service.TokenService
	authService      service.AuthService
	config           *config.Config

	idempotency    mw.IdempotencyStore
	idempotencyTTL time.Duration
	authLimiter    *mw.RateLimiter
}

type Option func(*Handlers)

// WithIdempotency enables Idempotency-Key replay on checkout.
func WithIdempotency(store mw.IdempotencyStore, ttl time.Duration) Option {
	return func(h *Handlers) {
		h.idempotency = store
		h.idempotencyTTL = ttl
	}
}

// WithAuthLimiter throttles the unauthenticated /auth endpoints per client IP.
func WithAuthLimiter(l *mw.RateLimiter) Option {
	return func(h *Handlers) { h.authLimiter = l }
}

func New(
	orderService service.OrderService,
	reconcileService service.ReconcileService,
	tokenService service.TokenService,
	authService service.AuthService,
	cfg *config.Config,
	opts ...Option,
) *Handlers {
	h := &Handlers{
		orderService:     orderService,
		reconcileService: reconcileService,
		tokenService:     tokenService,
		authService:      authService,
		config:           cfg,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes mounts the store API on r.
func (h *Handlers) Routes(r chi.Router) {
	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/razorpay", h.RazorpayWebhook)
		r.Post("/stripe", h.StripeWebhook)
	})

	r.Route("/orders", func(r chi.Router) {
		r.Use(h.RequireJWT)
		r.With(mw.Idempotency(h.idempotency, h.idempotencyTTL)).Post("/", h.CreateOrder)
		r.Get("/", h.ListOrders)
		r.Get("/refresh/{id}", h.RefreshOrder)
	})

	r.Route("/auth", func(r chi.Router) {
		if h.authLimiter != nil {
			r.Use(h.authLimiter.Limit)
		}
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)
		r.Put("/change-password", h.ChangePassword)
		r.Post("/request-verify", h.RequestVerify)
		r.Put("/verify/{token}", h.Verify)
	})
}

// RequireJWT rejects requests without a valid bearer token.
func (h *Handlers) RequireJWT(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			response.Unauthorized(w, "Missing or invalid authorization header")
			return
		}

		claims, err := auth.Parse(strings.TrimPrefix(authHeader, "Bearer "), h.config.Auth.JWTSecret)
		if err != nil {
			response.Unauthorized(w, "Invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), logger.UserIDKey, claims.Sub)
		ctx = auth.WithClaims(ctx, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(dst)
}

func parsePagination(r *http.Request) (limit, offset int) {
	limit = 20

	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
