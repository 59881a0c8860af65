// Package main is the entrypoint for the coursegen API server. One process serves
// the HTTP API and runs the dispatcher and the recovery sweeper in the background.
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

	"github.com/kiranshivaraju/coursegen/internal/api"
	"github.com/kiranshivaraju/coursegen/internal/api/handler"
	mw "github.com/kiranshivaraju/coursegen/internal/api/middleware"
	"github.com/kiranshivaraju/coursegen/internal/app"
	"github.com/kiranshivaraju/coursegen/internal/config"
	"github.com/kiranshivaraju/coursegen/internal/observability"
	"github.com/kiranshivaraju/coursegen/internal/store"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
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
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "generation_provider", cfg.Generation.Provider, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, cfg.Server.Env)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Warn("tracing shutdown failed", "error", err)
		}
	}()

	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	a, closeApp, err := app.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeApp()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      otelhttp.NewHandler(newRouter(a), "coursegen"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.Dispatcher.Run(gctx)
	})
	g.Go(func() error {
		return a.Sweeper.Run(gctx, cfg.Jobs.SweepInterval, cfg.Jobs.SweepStaleness)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, draining connections...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("server stopped gracefully")
	return nil
}

// newRouter maps the wired services onto HTTP routes.
func newRouter(a *app.App) http.Handler {
	return api.NewRouter(api.Dependencies{
		Auth:       mw.NewAuth(a.Store),
		RateLimit:  mw.NewRateLimit(a.Cache, a.Config.Server.RateLimitPerMinute),
		AdminToken: a.Config.Server.AdminToken,

		HealthHandler:    handler.NewHealthHandler(a.Store, a.Cache),
		SubmitJobHandler: handler.NewSubmitJobHandler(a.Submitter),
		GetJobHandler:    handler.NewGetJobHandler(a.Reporter),
		GetCourseHandler: handler.NewGetCourseHandler(a.Reporter),
		SweepHandler:     handler.NewSweepHandler(a.Sweeper, a.Config.Jobs.SweepStaleness),
		ReprocessHandler: handler.NewReprocessHandler(a.Reprocessor),
	})
}
