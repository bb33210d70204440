// Package app wires the application: configuration, logging, storage,
// rate limiting, services, and the HTTP server with graceful shutdown.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"licensegate/internal/config"
	"licensegate/internal/infrastructure"
	custommw "licensegate/internal/middleware"
	"licensegate/internal/ratelimit"
	"licensegate/internal/services"
	"licensegate/internal/store"
	handlers "licensegate/internal/transport/http"
)

// Application is the dependency container. All collaborators are
// explicitly constructed and injected; there are no hidden process-wide
// singletons beyond the Prometheus default registry.
type Application struct {
	Config   *config.Config
	Logger   *slog.Logger
	DB       *gorm.DB
	Limiter  *ratelimit.Limiter
	Router   *chi.Mux
	Server   *http.Server
	redis    *ratelimit.RedisStore
}

// New builds the application from configuration.
func New() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	logger, err := infrastructure.NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	slog.SetDefault(logger)

	logger.Info("application starting",
		slog.String("name", "licensegate"),
		slog.String("api_version", custommw.APIVersion),
		slog.Int("port", cfg.Server.Port),
	)

	db, err := store.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open license store: %w", err)
	}
	if err := store.Migrate(db); err != nil {
		return nil, fmt.Errorf("migrate license store: %w", err)
	}

	app := &Application{Config: cfg, Logger: logger, DB: db}
	app.Limiter = app.buildLimiter()
	app.Router = app.buildRouter()
	app.Server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      app.Router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return app, nil
}

// buildLimiter connects the Redis counter store when configured. Any
// failure here degrades to fail-open limiting rather than refusing to
// start: availability of the license API wins over strict throttling.
func (a *Application) buildLimiter() *ratelimit.Limiter {
	var limiterStore ratelimit.Store
	if a.Config.Redis.Addr != "" {
		redisStore, err := ratelimit.NewRedisStore(context.Background(), a.Config.Redis)
		if err != nil {
			a.Logger.Warn("redis unavailable, rate limiting degrades to fail-open",
				slog.String("addr", a.Config.Redis.Addr),
				slog.String("error", err.Error()),
			)
		} else {
			a.redis = redisStore
			limiterStore = redisStore
		}
	} else {
		a.Logger.Warn("no redis address configured, using in-memory rate limit store",
			slog.String("hint", "per-identifier limits will not be shared across replicas"),
		)
		limiterStore = ratelimit.NewMemoryStore()
	}
	return ratelimit.New(limiterStore, a.Config.RateLimit, a.Logger)
}

func (a *Application) buildRouter() *chi.Mux {
	repo := store.NewLicenseRepository(a.DB)
	licenseService := services.NewLicenseService(repo, a.Limiter, a.Logger)
	licenseHandler := handlers.NewLicenseHandler(licenseService, a.Limiter, a.Logger)
	healthHandler := handlers.NewHealthHandler(a.DB)

	r := chi.NewRouter()
	r.Use(custommw.RequestID)
	r.Use(custommw.RealIP)
	r.Use(custommw.StructuredLogger(a.Logger))
	r.Use(custommw.Recoverer(a.Logger))
	r.Use(custommw.SecurityHeaders)
	r.Use(custommw.Compress(5))

	global := custommw.NewGlobalRateLimiter(a.Config.Server.GlobalRPS, a.Config.Server.GlobalBurst, a.Logger)

	r.Get("/healthz", healthHandler.Healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v2/licenses", func(r chi.Router) {
		r.Use(global.Handler)
		r.Use(custommw.APIHeaders)
		r.Mount("/", licenseHandler.Routes())
	})

	return r
}

// Run starts the HTTP server and blocks until SIGINT/SIGTERM, then shuts
// down gracefully within the configured timeout.
func (a *Application) Run() error {
	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("http server listening", slog.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-stop:
		a.Logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer cancel()

	if err := a.Server.Shutdown(ctx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	a.close()
	a.Logger.Info("shutdown complete")
	return nil
}

func (a *Application) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.Logger.Warn("closing redis", slog.String("error", err.Error()))
		}
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			a.Logger.Warn("closing database", slog.String("error", err.Error()))
		}
	}
}
