package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/vendrman/api/internal/auth"
	"github.com/vendrman/api/internal/config"
	"github.com/vendrman/api/internal/health"
	"github.com/vendrman/api/internal/logger"
	"github.com/vendrman/api/internal/metrics"
	"github.com/vendrman/api/internal/middleware"
	"github.com/vendrman/api/internal/ratelimit"
	"github.com/vendrman/api/internal/repository"
)

// Version is set at build time
var Version = "dev"

func main() {
	cfg := config.Load()

	log := logger.New(logger.DefaultConfig())
	slog.SetDefault(log)

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Database
	dbPool, err := setupDatabase(cfg)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	auditDB, err := sqlx.Connect("pgx", cfg.Database.DSN())
	if err != nil {
		log.Error("failed to open audit database connection", "error", err)
		os.Exit(1)
	}
	defer auditDB.Close()

	dbStats := metrics.NewDBStatsCollector(dbPool, auditDB.DB, log)
	dbStats.Start(15 * time.Second)
	defer dbStats.Stop()

	// Redis is optional outside production; the limiter falls back to a
	// process-local window without it.
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}

	limiter, err := ratelimit.New(ratelimit.Config{
		Redis:              redisClient,
		RequireDistributed: cfg.Auth.RequireDistributedLimit,
		Logger:             log,
	})
	if err != nil {
		log.Error("failed to initialize rate limiter", "error", err)
		os.Exit(1)
	}

	// Repositories
	userRepo := repository.NewUserRepository(dbPool)
	auditRepo := repository.NewAuditRepository(auditDB)

	// Services
	tokenService := auth.NewTokenService(auth.TokenServiceConfig{
		Secret: cfg.Auth.TokenSecret,
		Expiry: cfg.Auth.TokenExpiry,
	})
	auditLogger := auth.NewAuditLogger(auditRepo, log)

	authService, err := auth.NewAuthService(auth.ServiceConfig{
		Users:   userRepo,
		Tokens:  tokenService,
		Audit:   auditLogger,
		Limiter: limiter,
		Auth:    cfg.Auth,
		Google:  cfg.Google,
		Logger:  log,
	})
	if err != nil {
		log.Error("failed to initialize auth service", "error", err)
		os.Exit(1)
	}

	// Handlers and middleware
	authHandler := auth.NewAuthHandler(authService, cfg.Cookie, cfg.WebOrigin)
	authMiddleware := middleware.NewAuthMiddleware(tokenService, userRepo, cfg.Cookie.AuthName)
	csrfMiddleware := middleware.NewCSRFMiddleware(cfg.Cookie.AuthName, cfg.Cookie.CSRFName)

	healthHandler := health.NewHandler(health.Config{
		DBPool:      dbPool,
		RedisClient: redisClient,
		Version:     Version,
	})

	// Router
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger(log))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(metrics.Middleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.WebOrigin},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Readiness)
	r.Get("/live", healthHandler.Liveness)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(csrfMiddleware.Protect)
		auth.RegisterRoutes(r, authHandler, authMiddleware.Authenticate)
	})

	addr := cfg.Server.Host + ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("starting server", "addr", addr, "environment", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown: stop advertising readiness, then drain.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")
	healthHandler.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	log.Info("server exited")
}

// setupDatabase creates and configures the database connection pool
func setupDatabase(cfg *config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 5 * time.Minute
	poolConfig.MaxConnIdleTime = 1 * time.Minute
	poolConfig.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}
