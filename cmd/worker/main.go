package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"atelier/internal/adapter/repo"
	"atelier/internal/backend"
	"atelier/internal/db"
	"atelier/internal/graph"
	"atelier/internal/infra"
	"atelier/internal/lifecycle"
	"atelier/internal/modelcache"
	"atelier/internal/orchestrator"
	"atelier/internal/poller"
	"atelier/internal/retrieval"
	"atelier/internal/storage"
)

// The worker runs the periodic maintenance that must not depend on API
// request lifetimes: the idle-shutdown check for the remote backend, the
// model catalog refresh, the failed-retrieval sweep, and the stale-step
// cleanup.
func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer dbpool.Close()

	if err := db.EnsureSchema(ctx, dbpool); err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to ensure schema")
	}

	fileStore, err := storage.NewFileStore(cfg.StoragePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure storage")
	}

	client := backend.NewClient(backend.Options{
		Endpoint:        cfg.LocalBackendURL,
		MetadataTimeout: cfg.MetadataTimeout,
		BinaryTimeout:   cfg.BinaryTimeout,
	})

	provisioner := lifecycle.NewHTTPProvisioner(lifecycle.HTTPProvisionerOptions{
		BaseURL:  cfg.ProvisionerBaseURL,
		APIKey:   cfg.ProvisionerAPIKey,
		Template: cfg.ProvisionerTemplate,
	})
	life := lifecycle.NewManager(provisioner, client, lifecycle.Config{
		LocalEndpoint: cfg.LocalBackendURL,
		IdleThreshold: time.Duration(cfg.IdleTimeoutMinutes) * time.Minute,
		HourlyRate:    cfg.RemoteHourlyRate,
	}, logger)

	steps := repo.NewStepRepository(dbpool)
	artifacts := repo.NewArtifactRepository(dbpool)
	models := modelcache.New(client, cfg.ModelCacheTTL, logger)

	engine := retrieval.NewEngine(client, artifacts, fileStore, retrieval.EngineConfig{
		MaxConcurrency:    cfg.RetrievalConcurrency,
		MaxAttempts:       cfg.RetrievalMaxAttempts,
		RequestsPerSecond: cfg.RetrievalRPS,
	}, logger)
	correlator := retrieval.NewCorrelator(client, retrieval.Strategy(cfg.CorrelationStrategy), logger)
	batchPoller := poller.New(client, poller.Config{
		InitialInterval: cfg.PollInitialInterval,
		MaxInterval:     cfg.PollMaxInterval,
		Deadline:        cfg.PollDeadline,
	}, logger)

	orch := orchestrator.New(graph.NewBuilder(), client, batchPoller, correlator, engine, life, steps, artifacts, models, logger)
	defer orch.Close()

	if err := models.Refresh(ctx); err != nil {
		logger.Warn().Err(err).Msg("worker: initial model refresh failed")
	}

	logger.Info().Msg("worker: started")
	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			logger.Info().Msgf("worker: %s loop stopped", name)
		}()
	}

	run("idle-check", func(ctx context.Context) { life.RunIdleLoop(ctx, time.Minute) })
	run("model-refresh", func(ctx context.Context) { models.RunRefreshLoop(ctx, cfg.ModelRefreshInterval) })
	run("retry-sweep", func(ctx context.Context) { orch.RunRetrySweep(ctx, cfg.RetrySweepInterval, 20) })
	run("stuck-cleanup", func(ctx context.Context) {
		orch.RunStuckStepCleanup(ctx, 10*time.Minute, cfg.StuckStepCleanupMaxAge)
	})

	<-ctx.Done()
	wg.Wait()
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker: stopped with error")
	}
	logger.Info().Msg("worker: stopped")
}
