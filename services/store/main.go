package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/diagnosis/pixelvault/pkg/cache"
	"github.com/diagnosis/pixelvault/pkg/config"
	"github.com/diagnosis/pixelvault/pkg/database"
	"github.com/diagnosis/pixelvault/pkg/events"
	"github.com/diagnosis/pixelvault/pkg/logger"
	mw "github.com/diagnosis/pixelvault/pkg/middleware"
	"github.com/diagnosis/pixelvault/services/store/internal/gateway"
	"github.com/diagnosis/pixelvault/services/store/internal/handlers"
	"github.com/diagnosis/pixelvault/services/store/internal/mailer"
	"github.com/diagnosis/pixelvault/services/store/internal/repository"
	"github.com/diagnosis/pixelvault/services/store/internal/service"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

func main() {
	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file loaded", "error", err)
	}
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error("Store service exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.NATS.URL != "" {
		bus, err := events.NewNATSEventBus(cfg.NATS.URL)
		if err != nil {
			return err
		}
		defer bus.Close()
		publisher = bus
	} else {
		logger.Info("NATS_URL not set, domain events disabled")
	}

	var opts []handlers.Option
	if cfg.Redis.URL != "" {
		store, err := cache.NewRedisStore(ctx, cfg.Redis.URL)
		if err != nil {
			logger.Warn("Redis unavailable, idempotency keys disabled", "error", err)
		} else {
			defer store.Close()
			opts = append(opts, handlers.WithIdempotency(store, cfg.Redis.IdempotencyTTL))
		}
	}

	mail := mailer.New(cfg.Email)
	verifyCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = mail.Verify(verifyCtx)
	cancel()
	if err != nil {
		return err
	}

	gw, err := gateway.New(cfg.Gateway)
	if err != nil {
		return err
	}

	orderRepo := repository.NewOrderRepository(pool)
	userRepo := repository.NewUserRepository(pool)
	productRepo := repository.NewProductRepository(pool)
	verifyRepo := repository.NewVerifyRepository(pool)
	rateLimitRepo := repository.NewRateLimitRepository(pool)

	orderService := service.NewOrderService(orderRepo, userRepo, productRepo, gw, publisher, cfg)
	reconcileService := service.NewReconcileService(orderRepo, userRepo, gw, mail, publisher)
	tokenService := service.NewTokenService(verifyRepo, userRepo, rateLimitRepo, mail, cfg)
	authService := service.NewAuthService(userRepo, cfg)
	janitor := service.NewJanitor(tokenService, rateLimitRepo, cfg.Auth.TokenCleanupInterval)

	trusted, err := mw.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return err
	}
	limit := rate.Limit(float64(cfg.Auth.IPRequestsPerMinute) / 60)
	opts = append(opts, handlers.WithAuthLimiter(mw.NewRateLimiter(ctx, limit, cfg.Auth.IPBurst, trusted)))
	h := handlers.New(orderService, reconcileService, tokenService, authService, cfg, opts...)

	r := chi.NewRouter()
	r.Use(mw.RequestID)
	r.Use(mw.ServiceName("store"))
	r.Use(mw.Logging)
	r.Use(chimw.Recoverer)
	r.Use(mw.Health)
	r.Use(mw.CORS(cfg.App.AllowedOrigins))
	h.Routes(r)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting store service", "port", cfg.Server.Port, "gateway", gw.Name())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return janitor.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down store service...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
