package retrieval

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"atelier/internal/domain"
	"atelier/internal/storage"
)

// FetchClient is the slice of the generation client retrieval needs.
type FetchClient interface {
	FetchArtifact(ctx context.Context, artifactID string) ([]byte, error)
	FetchThumbnail(ctx context.Context, artifactID string) ([]byte, error)
	FetchMetadata(ctx context.Context, artifactID string) (map[string]any, error)
}

// EngineConfig bounds retrieval fan-out and retry behavior.
type EngineConfig struct {
	MaxConcurrency int
	MaxAttempts    int
	// RequestsPerSecond throttles fetches against the backend across all
	// concurrent workers. Zero disables throttling.
	RequestsPerSecond float64
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 3
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	return c
}

// BatchResult summarizes one retrieval fan-out.
type BatchResult struct {
	Retrieved int
	Failed    int
}

// Engine runs the per-artifact retrieval pipeline. It is the sole owner of
// artifact status transitions.
type Engine struct {
	client    FetchClient
	artifacts domain.ArtifactRepository
	files     domain.FileStore
	cfg       EngineConfig
	limiter   *rate.Limiter
	logger    zerolog.Logger
}

func NewEngine(client FetchClient, artifacts domain.ArtifactRepository, files domain.FileStore, cfg EngineConfig, logger zerolog.Logger) *Engine {
	cfg = cfg.withDefaults()
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.MaxConcurrency)
	}
	return &Engine{
		client:    client,
		artifacts: artifacts,
		files:     files,
		cfg:       cfg,
		limiter:   limiter,
		logger:    logger,
	}
}

// RetrieveBatch creates pending records for the given backend artifact ids and
// fans out retrieval with bounded concurrency. A failed sibling never blocks
// the others.
func (e *Engine) RetrieveBatch(ctx context.Context, backendIDs []string, step *domain.StepRecord) (BatchResult, error) {
	records := make([]*domain.ArtifactRecord, 0, len(backendIDs))
	for _, backendID := range backendIDs {
		rec := &domain.ArtifactRecord{
			ID:        uuid.NewString(),
			StepID:    step.ID,
			BackendID: backendID,
			Status:    domain.ArtifactStatusPending,
		}
		if err := e.artifacts.Create(ctx, rec); err != nil {
			return BatchResult{}, err
		}
		records = append(records, rec)
	}

	var mu sync.Mutex
	result := BatchResult{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxConcurrency)
	for _, rec := range records {
		rec := rec
		g.Go(func() error {
			err := e.RetrieveOne(gctx, rec, step)
			mu.Lock()
			if err != nil {
				result.Failed++
			} else {
				result.Retrieved++
			}
			mu.Unlock()
			// Per-artifact failures are recorded, not propagated, so the
			// group keeps draining.
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}
	return result, nil
}

// RegisterMissing records count artifacts the backend should have produced
// but that correlation could not identify. They are created already failed so
// the shortfall is visible instead of silently dropped.
func (e *Engine) RegisterMissing(ctx context.Context, stepID string, count int) error {
	for i := 0; i < count; i++ {
		rec := &domain.ArtifactRecord{
			ID:        uuid.NewString(),
			StepID:    stepID,
			BackendID: "",
			Status:    domain.ArtifactStatusPending,
		}
		if err := e.artifacts.Create(ctx, rec); err != nil {
			return err
		}
		if err := e.artifacts.UpdateStatus(ctx, rec.ID, domain.ArtifactStatusFailed, "", "", "artifact not produced by backend"); err != nil {
			return err
		}
	}
	return nil
}

// RetrieveOne fetches bytes, thumbnail and metadata for a single artifact and
// persists them. Calling it on an already completed artifact is a no-op. On
// failure the record is marked failed with the attempt counted, leaving it
// eligible for retry.
func (e *Engine) RetrieveOne(ctx context.Context, rec *domain.ArtifactRecord, step *domain.StepRecord) error {
	if rec.Status == domain.ArtifactStatusCompleted {
		return nil
	}
	if !rec.Status.CanTransition(domain.ArtifactStatusProcessing) {
		return domain.NewRetrievalError("illegal transition to processing from "+string(rec.Status), nil)
	}
	if err := e.artifacts.UpdateStatus(ctx, rec.ID, domain.ArtifactStatusProcessing, "", "", ""); err != nil {
		return err
	}
	rec.Status = domain.ArtifactStatusProcessing

	path, thumbPath, err := e.fetchAndStore(ctx, rec, step)
	if err != nil {
		if incErr := e.artifacts.IncrementAttempts(ctx, rec.ID); incErr != nil {
			e.logger.Error().Err(incErr).Str("artifact_id", rec.ID).Msg("retrieval: attempt increment failed")
		}
		rec.Attempts++
		if updErr := e.artifacts.UpdateStatus(ctx, rec.ID, domain.ArtifactStatusFailed, path, thumbPath, err.Error()); updErr != nil {
			e.logger.Error().Err(updErr).Str("artifact_id", rec.ID).Msg("retrieval: status update failed")
		}
		rec.Status = domain.ArtifactStatusFailed
		rec.LastError = err.Error()
		e.logger.Warn().Err(err).
			Str("artifact_id", rec.ID).
			Str("step_id", step.ID).
			Int("attempts", rec.Attempts).
			Msg("retrieval: artifact failed")
		return err
	}

	if err := e.artifacts.UpdateStatus(ctx, rec.ID, domain.ArtifactStatusCompleted, path, thumbPath, ""); err != nil {
		return err
	}
	rec.Status = domain.ArtifactStatusCompleted
	rec.Path = path
	rec.ThumbnailPath = thumbPath
	e.logger.Info().Str("artifact_id", rec.ID).Str("step_id", step.ID).Msg("retrieval: artifact stored")
	return nil
}

// fetchAndStore runs the three fetches independently so a thumbnail hiccup
// does not discard already-downloaded image bytes; whatever succeeded is
// persisted before the combined error is returned.
func (e *Engine) fetchAndStore(ctx context.Context, rec *domain.ArtifactRecord, step *domain.StepRecord) (path, thumbPath string, err error) {
	var errs []error

	data, fetchErr := e.fetch(ctx, rec.BackendID, e.client.FetchArtifact)
	if fetchErr != nil {
		errs = append(errs, domain.NewRetrievalError("fetch artifact", fetchErr))
	}
	thumb, thumbErr := e.fetch(ctx, rec.BackendID, e.client.FetchThumbnail)
	if thumbErr != nil {
		errs = append(errs, domain.NewRetrievalError("fetch thumbnail", thumbErr))
	}
	meta, metaErr := e.fetchMeta(ctx, rec.BackendID)
	if metaErr != nil {
		errs = append(errs, domain.NewRetrievalError("fetch metadata", metaErr))
	}

	ext := extensionFromMetadata(meta)
	key := storage.VariantKey(step.SessionID, step.ID, rec.ID, ext)
	if fetchErr == nil {
		saved, saveErr := e.files.Write(ctx, key, data)
		if saveErr != nil {
			errs = append(errs, domain.NewRetrievalError("store artifact", saveErr))
		} else {
			path = saved
		}
	}
	if thumbErr == nil {
		saved, saveErr := e.files.Write(ctx, storage.ThumbnailKey(key), thumb)
		if saveErr != nil {
			errs = append(errs, domain.NewRetrievalError("store thumbnail", saveErr))
		} else {
			thumbPath = saved
		}
	}

	return path, thumbPath, errors.Join(errs...)
}

type fetchFunc func(ctx context.Context, artifactID string) ([]byte, error)

func (e *Engine) fetch(ctx context.Context, backendID string, fn fetchFunc) ([]byte, error) {
	if err := e.waitLimiter(ctx); err != nil {
		return nil, err
	}
	return fn(ctx, backendID)
}

func (e *Engine) fetchMeta(ctx context.Context, backendID string) (map[string]any, error) {
	if err := e.waitLimiter(ctx); err != nil {
		return nil, err
	}
	return e.client.FetchMetadata(ctx, backendID)
}

func (e *Engine) waitLimiter(ctx context.Context) error {
	if e.limiter == nil {
		return nil
	}
	return e.limiter.Wait(ctx)
}

// RetryResult summarizes one retry pass over a step's failed artifacts.
type RetryResult struct {
	Retried   int
	Succeeded int
	Failed    int
}

// RetryFailed re-runs retrieval for the step's failed artifacts. Artifacts at
// or past the attempt cap are skipped unless force is set: automatic retry is
// bounded, manual retry is always available.
func (e *Engine) RetryFailed(ctx context.Context, step *domain.StepRecord, force bool) (RetryResult, error) {
	maxAttempts := e.cfg.MaxAttempts
	if force {
		maxAttempts = 0
	}
	failed, err := e.listRetryable(ctx, step.ID, maxAttempts)
	if err != nil {
		return RetryResult{}, err
	}

	var mu sync.Mutex
	result := RetryResult{Retried: len(failed)}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxConcurrency)
	for i := range failed {
		rec := &failed[i]
		g.Go(func() error {
			err := e.RetrieveOne(gctx, rec, step)
			mu.Lock()
			if err != nil {
				result.Failed++
			} else {
				result.Succeeded++
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}
	return result, nil
}

func (e *Engine) listRetryable(ctx context.Context, stepID string, maxAttempts int) ([]domain.ArtifactRecord, error) {
	if maxAttempts > 0 {
		return e.artifacts.ListFailedByStep(ctx, stepID, maxAttempts)
	}
	all, err := e.artifacts.ListByStep(ctx, stepID)
	if err != nil {
		return nil, err
	}
	failed := all[:0:0]
	for _, rec := range all {
		if rec.Status == domain.ArtifactStatusFailed && rec.BackendID != "" {
			failed = append(failed, rec)
		}
	}
	return failed, nil
}

func extensionFromMetadata(meta map[string]any) string {
	format, _ := meta["format"].(string)
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "jpeg", "jpg", "image/jpeg":
		return ".jpg"
	case "webp", "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}
