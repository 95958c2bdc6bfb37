// Package main is the entrypoint for the formflow extraction gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tmorrisey/formflow/internal/api"
	"github.com/tmorrisey/formflow/internal/api/handler"
	mw "github.com/tmorrisey/formflow/internal/api/middleware"
	"github.com/tmorrisey/formflow/internal/api/response"
	"github.com/tmorrisey/formflow/internal/cache"
	"github.com/tmorrisey/formflow/internal/config"
	"github.com/tmorrisey/formflow/internal/history"
	"github.com/tmorrisey/formflow/internal/metrics"
	"github.com/tmorrisey/formflow/internal/poller"
	"github.com/tmorrisey/formflow/internal/store"
	"github.com/tmorrisey/formflow/internal/tracker"
	"github.com/tmorrisey/formflow/internal/upstream"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "upstream", cfg.Upstream.BaseURL, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Create upstream backend client
	backend := upstream.NewHTTPClient(cfg.Upstream.BaseURL, cfg.Upstream.Timeout,
		cfg.Upstream.RequestsPerSec, cfg.Upstream.Burst)

	// 6. Create core services
	pgStore := store.NewPostgresStore(pool)
	watcher := poller.New(backend, poller.Config{
		Interval:    cfg.Poller.Interval,
		MaxAttempts: cfg.Poller.MaxAttempts,
	})
	histSvc := history.NewService(pgStore, redisCache, backend, watcher)
	batches := tracker.New(backend, cfg.Tracker.Concurrency)

	// 7. Build router with dependencies
	m := metrics.New("formflow")
	rateLimit := mw.NewRateLimit(redisCache, 60)

	deps := api.Dependencies{
		RateLimit: rateLimit,
		Metrics:   m,

		HealthHandler: healthHandler(pgStore, redisCache, backend),

		BulkExtractHandler: handler.NewBulkExtractHandler(backend, histSvc, m),
		JobStatusHandler:   handler.NewJobStatusHandler(backend, redisCache, m),
		JobResultsHandler:  handler.NewJobResultsHandler(backend),
		JobFilesHandler:    handler.NewJobFilesHandler(backend),

		FormExtractHandler:  handler.NewFormExtractHandler(batches, m),
		FormDeselectHandler: handler.NewFormDeselectHandler(batches),

		HistoryListHandler:  handler.NewHistoryListHandler(histSvc),
		HistoryItemHandler:  handler.NewHistoryItemHandler(histSvc),
		HistorySaveHandler:  handler.NewHistorySaveHandler(histSvc),
		HistoryClearHandler: handler.NewHistoryClearHandler(histSvc),
	}

	router := api.NewRouter(deps)

	// 8. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// healthHandler checks database, cache, and extraction backend connectivity.
func healthHandler(s store.Store, c cache.Cache, backend upstream.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
			"upstream": "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}
		if err := backend.Ready(r.Context()); err != nil {
			checks["upstream"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok" || checks["upstream"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
