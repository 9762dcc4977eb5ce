package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"atelier/internal/adapter/repo"
	"atelier/internal/backend"
	"atelier/internal/db"
	"atelier/internal/graph"
	"atelier/internal/http/handlers"
	httpapi "atelier/internal/http"
	"atelier/internal/infra"
	"atelier/internal/lifecycle"
	"atelier/internal/modelcache"
	"atelier/internal/orchestrator"
	"atelier/internal/poller"
	"atelier/internal/retrieval"
	"atelier/internal/storage"
)

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
		logger.Fatal().Err(err).Msg("api: failed to connect database")
	}
	defer dbpool.Close()

	if err := db.EnsureSchema(ctx, dbpool); err != nil {
		logger.Fatal().Err(err).Msg("api: failed to ensure schema")
	}

	fileStore, err := storage.NewFileStore(cfg.StoragePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: failed to configure storage")
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

	app := handlers.NewApp(orch, fileStore, dbpool, logger)
	router := httpapi.NewRouter(app, logger)
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
