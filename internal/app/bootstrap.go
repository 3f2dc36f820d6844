package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"portal/internal/account"
	"portal/internal/auth"
	"portal/internal/config"
	"portal/internal/db"
	"portal/internal/maintenance"
	"portal/internal/observability"
	"portal/internal/portal"
	"portal/internal/token"
)

// Version is overridden at build time with -ldflags "-X portal/internal/app.Version=...".
var Version = "dev"

var stdout io.Writer = os.Stdout

type Options struct {
	LoadDotEnv bool
	// RunMigrations forces migrations on startup regardless of config.
	RunMigrations bool
	// Generator replaces the default story generator.
	Generator portal.Generator
}

type Runtime struct {
	Handler http.Handler
	Config  *config.Config
	Logger  *observability.Logger
	Close   func() error
}

type pinger interface {
	Ping(ctx context.Context) error
}

func Build(ctx context.Context, options Options) (*Runtime, error) {
	cfg, err := config.Load(options.LoadDotEnv)
	if err != nil {
		return nil, err
	}

	logger := observability.NewLoggerTo(stdout, parseLevel(cfg.App.LogLevel))

	proxies, err := observability.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("load config: TRUSTED_PROXIES: %w", err)
	}

	if err := observability.InitSentry(cfg.App.SentryDSN, cfg.App.Environment, Version); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	var closers []func() error
	closeAll := func() error {
		observability.FlushSentry()
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}

	checks := map[string]pinger{}

	var store account.Store
	switch cfg.Store.Backend {
	case "postgres":
		database, err := OpenDatabase(ctx, cfg.Store)
		if err != nil {
			return nil, err
		}
		closers = append(closers, database.Close)
		checks["database"] = sqlPinger{database}

		if options.RunMigrations || cfg.Store.RunMigrations {
			applied, err := db.RunMigrations(ctx, database)
			if err != nil {
				_ = closeAll()
				return nil, fmt.Errorf("run migrations: %w", err)
			}
			logger.Info("migrations_applied", map[string]any{"versions": applied})
		}
		store = account.NewPostgresStore(database)
	default:
		store = account.NewMemoryStore()
	}

	var revocations auth.Revocations
	switch cfg.Revocation.Backend {
	case "redis":
		redisRevocations, err := auth.NewRedisRevocations(ctx, auth.RedisRevocationsConfig{
			Addr:      cfg.Redis.Address(),
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			_ = closeAll()
			return nil, fmt.Errorf("connect revocation store: %w", err)
		}
		closers = append(closers, redisRevocations.Close)
		checks["redis"] = redisRevocations
		revocations = redisRevocations
	default:
		revocations = auth.NewMemoryRevocations()
	}

	accounts := account.NewService(store)
	if err := accounts.BootstrapAdmin(ctx, cfg.Admin.Username, cfg.Admin.Email, cfg.Admin.Password); err != nil {
		_ = closeAll()
		return nil, err
	}

	metrics := observability.NewMetrics()
	signer := token.NewSigner(cfg.Auth.JWTSecret)
	authz := auth.NewAuthorizer(signer, store, revocations, logger, metrics)
	authHandler := auth.NewHandler(accounts, signer, revocations, auth.HandlerConfig{
		AccessTokenTTL:      cfg.Auth.AccessTokenTTL,
		RefreshTolerance:    cfg.Auth.RefreshTolerance,
		SecureCookies:       cfg.Auth.SecureCookies,
		OAuthCallbackSecret: cfg.Auth.OAuthCallbackSecret,
	}, logger, metrics)
	loginLimiter := auth.NewLoginRateLimiter(cfg.Auth.LoginRateMax, cfg.Auth.LoginRateWindow)
	portalHandler := portal.NewHandler(accounts, options.Generator, logger)
	cleanupHandler := maintenance.NewCleanupHandler(revocations, loginLimiter, logger, cfg.App.CronSecret)

	r := chi.NewRouter()
	r.Use(observability.RequestIDMiddleware)
	r.Use(proxies.Middleware)
	r.Use(func(next http.Handler) http.Handler { return observability.RecoverMiddleware(logger, next) })
	r.Use(func(next http.Handler) http.Handler { return observability.RequestLoggingMiddleware(logger, metrics, next) })
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", observability.RequestIDHeader, token.GuestHeader},
		ExposedHeaders:   []string{observability.RequestIDHeader, "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(authz.Gate)

	r.Get("/health", healthHandler(checks))
	r.With(maintenance.RequireSecret(cfg.App.CronSecret)).Handle("/metrics", metrics.Handler())
	r.Get("/internal/maintenance/cleanup", cleanupHandler.Handle)
	r.Post("/internal/maintenance/cleanup", cleanupHandler.Handle)
	authHandler.Mount(r, loginLimiter)
	portalHandler.Mount(r, authz)

	logger.Info("runtime_ready", map[string]any{
		"account_store":      cfg.Store.Backend,
		"revocation_backend": cfg.Revocation.Backend,
		"environment":        cfg.App.Environment,
		"version":            Version,
	})

	return &Runtime{
		Handler: r,
		Config:  cfg,
		Logger:  logger,
		Close:   closeAll,
	}, nil
}

type sqlPinger struct {
	db *sql.DB
}

func (p sqlPinger) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func healthHandler(checks map[string]pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		for name, check := range checks {
			if err := check.Ping(ctx); err != nil {
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
				body[name] = "unreachable"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func parseLevel(raw string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return slog.LevelInfo
	}
	return level
}
