// Package app wires configuration, infrastructure and the job lifecycle services.
// cmd/server and cmd/coursegenctl both build on it.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kiranshivaraju/coursegen/internal/cache"
	"github.com/kiranshivaraju/coursegen/internal/config"
	"github.com/kiranshivaraju/coursegen/internal/generation"
	"github.com/kiranshivaraju/coursegen/internal/jobs"
	"github.com/kiranshivaraju/coursegen/internal/quota"
	"github.com/kiranshivaraju/coursegen/internal/store"
	"github.com/kiranshivaraju/coursegen/pkg/models"
)

type App struct {
	Config *config.Config
	Store  store.Store
	Cache  cache.Cache
	Engine models.GenerationEngine

	Quota       *quota.Service
	Processor   *jobs.Processor
	Dispatcher  *jobs.Dispatcher
	Submitter   *jobs.Submitter
	Reporter    *jobs.Reporter
	Sweeper     *jobs.Sweeper
	Reprocessor *jobs.Reprocessor
}

// New builds the services on top of already-open infrastructure.
func New(cfg *config.Config, st store.Store, c cache.Cache, engine models.GenerationEngine) *App {
	q := quota.NewService(st, cfg.Quota.FreeTierGenerations)
	processor := jobs.NewProcessor(st, engine, q, jobs.ProcessorConfig{
		Timeout:           cfg.Generation.Timeout,
		PersistTimeout:    cfg.Jobs.PersistTimeout,
		HeartbeatInterval: cfg.Jobs.HeartbeatInterval,
	})
	dispatcher := jobs.NewDispatcher(st, processor, cfg.Jobs.DispatchInterval, cfg.Jobs.DispatchConcurrency)
	sweeper := jobs.NewSweeper(st, cfg.Jobs.MaxAttempts)

	return &App{
		Config:     cfg,
		Store:      st,
		Cache:      c,
		Engine:     engine,
		Quota:      q,
		Processor:  processor,
		Dispatcher: dispatcher,
		Submitter:  jobs.NewSubmitter(st, q, dispatcher),
		Reporter: jobs.NewReporter(st, c, jobs.EstimateConfig{
			Pending:    cfg.Jobs.EstimatePending,
			Processing: cfg.Jobs.EstimateProcessing,
		}),
		Sweeper:     sweeper,
		Reprocessor: jobs.NewReprocessor(st, sweeper, processor, cfg.Jobs.SweepStaleness, cfg.Jobs.ReprocessDelay),
	}
}

// Open connects to Postgres and Redis, builds the generation engine and returns the
// wired App with a close function that releases the connections.
func Open(ctx context.Context, cfg *config.Config) (*App, func(), error) {
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	slog.Info("database connected")

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("create redis cache: %w", err)
	}
	if err := redisCache.Ping(ctx); err != nil {
		redisCache.Close()
		pool.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	engine, err := generation.NewEngine(cfg.Generation)
	if err != nil {
		redisCache.Close()
		pool.Close()
		return nil, nil, fmt.Errorf("create generation engine: %w", err)
	}
	slog.Info("generation engine initialized", "engine", engine.Name())

	closeFn := func() {
		if err := redisCache.Close(); err != nil {
			slog.Warn("failed to close redis", "error", err)
		}
		pool.Close()
	}
	return New(cfg, store.NewPostgresStore(pool), redisCache, engine), closeFn, nil
}
