package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"atelier/internal/backend"
	"atelier/internal/domain"
	"atelier/internal/graph"
	"atelier/internal/lifecycle"
	"atelier/internal/poller"
	"atelier/internal/retrieval"
)

// SubmitClient is the slice of the generation client submission needs.
type SubmitClient interface {
	Submit(ctx context.Context, job *graph.JobDescription) (string, error)
}

// Orchestrator composes the graph builder, transport, poller, correlator,
// retrieval engine and lifecycle manager into the per-step pipeline exposed
// to the API layer.
type Orchestrator struct {
	builder    *graph.Builder
	client     SubmitClient
	poller     *poller.Poller
	correlator *retrieval.Correlator
	engine     *retrieval.Engine
	life       *lifecycle.Manager
	steps      domain.StepRepository
	artifacts  domain.ArtifactRepository
	models     domain.ModelCache
	logger     zerolog.Logger

	mu       sync.Mutex
	active   map[string]context.CancelFunc
	progress map[string]float64
}

func New(
	builder *graph.Builder,
	client SubmitClient,
	p *poller.Poller,
	correlator *retrieval.Correlator,
	engine *retrieval.Engine,
	life *lifecycle.Manager,
	steps domain.StepRepository,
	artifacts domain.ArtifactRepository,
	models domain.ModelCache,
	logger zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		builder:    builder,
		client:     client,
		poller:     p,
		correlator: correlator,
		engine:     engine,
		life:       life,
		steps:      steps,
		artifacts:  artifacts,
		models:     models,
		logger:     logger,
		active:     make(map[string]context.CancelFunc),
		progress:   make(map[string]float64),
	}
}

// SubmitResult is returned to the caller immediately after submission; the
// pipeline continues in the background.
type SubmitResult struct {
	StepID  string            `json:"step_id"`
	BatchID string            `json:"batch_id"`
	Status  domain.StepStatus `json:"status"`
}

// SubmitStep validates the request, builds and submits the job graph, records
// the step, and starts the background poll-and-retrieve pipeline.
func (o *Orchestrator) SubmitStep(ctx context.Context, sessionID string, params domain.GenerationParameters, parentID string) (*SubmitResult, error) {
	model, err := o.models.GetModel(ctx, params.ModelKey)
	if err != nil {
		return nil, domain.NewValidationError(fmt.Sprintf("unknown model %q", params.ModelKey))
	}
	vae, err := o.models.GetDefaultVae(ctx, params.ModelKey)
	if err != nil {
		return nil, domain.NewValidationError(fmt.Sprintf("no vae available for model %q", params.ModelKey))
	}

	job, err := o.builder.Build(params, model, vae)
	if err != nil {
		return nil, err
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	step := &domain.StepRecord{
		ID:               uuid.NewString(),
		SessionID:        sessionID,
		ParentID:         parentID,
		Prompt:           params.Prompt,
		ParamsJSON:       paramsJSON,
		CorrelationToken: job.CorrelationToken,
		Status:           domain.StepStatusPending,
		ImagesRequested:  params.BatchSize,
	}
	if err := o.steps.Create(ctx, step); err != nil {
		return nil, err
	}

	o.life.Touch()
	batchID, err := o.client.Submit(ctx, job)
	if err != nil {
		if updErr := o.steps.UpdateStatus(ctx, step.ID, domain.StepStatusFailed, err.Error()); updErr != nil {
			o.logger.Error().Err(updErr).Str("step_id", step.ID).Msg("orchestrator: mark failed after submit error")
		}
		return nil, err
	}

	now := time.Now()
	if err := o.steps.SetBatch(ctx, step.ID, batchID, now); err != nil {
		return nil, err
	}
	if err := o.steps.UpdateStatus(ctx, step.ID, domain.StepStatusProcessing, ""); err != nil {
		return nil, err
	}
	step.BatchID = batchID
	step.SubmittedAt = now
	step.Status = domain.StepStatusProcessing

	if err := o.startPipeline(step); err != nil {
		return nil, err
	}

	o.logger.Info().
		Str("step_id", step.ID).
		Str("batch_id", batchID).
		Int("requested", step.ImagesRequested).
		Msg("orchestrator: step submitted")
	return &SubmitResult{StepID: step.ID, BatchID: batchID, Status: step.Status}, nil
}

// startPipeline registers the step as active and launches the background
// poll-and-retrieve loop. A step already running is rejected: at most one
// pipeline per step.
func (o *Orchestrator) startPipeline(step *domain.StepRecord) error {
	o.mu.Lock()
	if _, ok := o.active[step.ID]; ok {
		o.mu.Unlock()
		return fmt.Errorf("step %s: %w", step.ID, domain.ErrDuplicateOperation)
	}
	// The pipeline outlives the submitting request, so it runs on its own
	// context; CancelStep is the only way to stop it early.
	ctx, cancel := context.WithCancel(context.Background())
	o.active[step.ID] = cancel
	o.mu.Unlock()

	go func() {
		defer o.finishPipeline(step.ID)
		o.runPipeline(ctx, step)
	}()
	return nil
}

func (o *Orchestrator) finishPipeline(stepID string) {
	o.mu.Lock()
	if cancel, ok := o.active[stepID]; ok {
		cancel()
		delete(o.active, stepID)
	}
	delete(o.progress, stepID)
	o.mu.Unlock()
}

// CancelStep stops a step's poll-and-retrieve pipeline. Artifacts already
// retrieved stay in place.
func (o *Orchestrator) CancelStep(stepID string) bool {
	o.mu.Lock()
	cancel, ok := o.active[stepID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (o *Orchestrator) runPipeline(ctx context.Context, step *domain.StepRecord) {
	result, err := o.poller.Poll(ctx, step.BatchID, func(completed, failed, total int, fraction float64) {
		o.life.Touch()
		o.mu.Lock()
		o.progress[step.ID] = fraction
		o.mu.Unlock()
	})
	if err != nil {
		o.failStep(step, fmt.Sprintf("polling aborted: %v", err))
		return
	}

	switch result.Outcome {
	case poller.OutcomeSucceeded:
	case poller.OutcomeTimedOut:
		o.failStep(step, "batch timed out")
		return
	default:
		msg := "batch failed"
		if result.Err != nil {
			msg = fmt.Sprintf("batch failed: %v", result.Err)
		}
		o.failStep(step, msg)
		return
	}

	// Persistence below must finish even when the step was cancelled
	// mid-poll; use a fresh bounded context.
	finCtx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	ids, missing, err := o.correlator.Correlate(finCtx, step, result.Status)
	if err != nil {
		o.failStep(step, fmt.Sprintf("correlation failed: %v", err))
		return
	}
	if missing > 0 {
		if err := o.engine.RegisterMissing(finCtx, step.ID, missing); err != nil {
			o.logger.Error().Err(err).Str("step_id", step.ID).Msg("orchestrator: register missing artifacts")
		}
	}

	o.life.Touch()
	batchResult, err := o.engine.RetrieveBatch(ctx, ids, step)
	if err != nil {
		o.failStep(step, fmt.Sprintf("retrieval aborted: %v", err))
		return
	}

	retrieved := batchResult.Retrieved
	failed := batchResult.Failed + missing
	if err := o.steps.UpdateCounts(finCtx, step.ID, retrieved, failed); err != nil {
		o.logger.Error().Err(err).Str("step_id", step.ID).Msg("orchestrator: update counts")
	}
	if err := o.steps.UpdateStatus(finCtx, step.ID, domain.StepStatusCompleted, ""); err != nil {
		o.logger.Error().Err(err).Str("step_id", step.ID).Msg("orchestrator: mark completed")
	}
	o.logger.Info().
		Str("step_id", step.ID).
		Int("retrieved", retrieved).
		Int("failed", failed).
		Msg("orchestrator: step completed")
}

func (o *Orchestrator) failStep(step *domain.StepRecord, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := o.steps.UpdateStatus(ctx, step.ID, domain.StepStatusFailed, msg); err != nil {
		o.logger.Error().Err(err).Str("step_id", step.ID).Msg("orchestrator: mark failed")
	}
	o.logger.Warn().Str("step_id", step.ID).Str("reason", msg).Msg("orchestrator: step failed")
}

// RetrievalSummary aggregates per-artifact states for a step.
type RetrievalSummary struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Pending   int `json:"pending"`
	Failed    int `json:"failed"`
}

// StepStatusReport is the caller-facing view of a step.
type StepStatusReport struct {
	StepID    string            `json:"step_id"`
	Status    domain.StepStatus `json:"status"`
	Progress  float64           `json:"progress"`
	Error     string            `json:"error,omitempty"`
	Retrieval RetrievalSummary  `json:"retrieval"`
}

// GetStepStatus reports step status, poll progress and retrieval counts.
func (o *Orchestrator) GetStepStatus(ctx context.Context, stepID string) (*StepStatusReport, error) {
	step, err := o.steps.GetByID(ctx, stepID)
	if err != nil {
		return nil, err
	}
	artifacts, err := o.artifacts.ListByStep(ctx, stepID)
	if err != nil {
		return nil, err
	}

	report := &StepStatusReport{
		StepID: step.ID,
		Status: step.Status,
		Error:  step.ErrorMessage,
	}
	for _, a := range artifacts {
		report.Retrieval.Total++
		switch a.Status {
		case domain.ArtifactStatusCompleted:
			report.Retrieval.Completed++
		case domain.ArtifactStatusFailed:
			report.Retrieval.Failed++
		default:
			report.Retrieval.Pending++
		}
	}

	switch step.Status {
	case domain.StepStatusCompleted:
		report.Progress = 1
	case domain.StepStatusProcessing:
		o.mu.Lock()
		report.Progress = o.progress[stepID]
		o.mu.Unlock()
	}
	return report, nil
}

// ListArtifacts returns the step's artifact records.
func (o *Orchestrator) ListArtifacts(ctx context.Context, stepID string) ([]domain.ArtifactRecord, error) {
	if _, err := o.steps.GetByID(ctx, stepID); err != nil {
		return nil, err
	}
	return o.artifacts.ListByStep(ctx, stepID)
}

// RetryFailedRetrievals re-runs failed retrievals for a step and refreshes
// its counts. Both the user-facing endpoint and the background sweep enter
// here.
func (o *Orchestrator) RetryFailedRetrievals(ctx context.Context, stepID string, force bool) (retrieval.RetryResult, error) {
	step, err := o.steps.GetByID(ctx, stepID)
	if err != nil {
		return retrieval.RetryResult{}, err
	}
	o.life.Touch()
	result, err := o.engine.RetryFailed(ctx, step, force)
	if err != nil {
		return result, err
	}
	if result.Retried > 0 {
		if err := o.refreshCounts(ctx, stepID); err != nil {
			o.logger.Error().Err(err).Str("step_id", stepID).Msg("orchestrator: refresh counts after retry")
		}
	}
	return result, nil
}

func (o *Orchestrator) refreshCounts(ctx context.Context, stepID string) error {
	artifacts, err := o.artifacts.ListByStep(ctx, stepID)
	if err != nil {
		return err
	}
	var retrieved, failed int
	for _, a := range artifacts {
		switch a.Status {
		case domain.ArtifactStatusCompleted:
			retrieved++
		case domain.ArtifactStatusFailed:
			failed++
		}
	}
	return o.steps.UpdateCounts(ctx, stepID, retrieved, failed)
}

// BackendStatusReport is the caller-facing view of the backend session.
type BackendStatusReport struct {
	Mode        domain.BackendMode `json:"mode"`
	Connected   bool               `json:"connected"`
	IdleMinutes float64            `json:"idle_minutes"`
	CurrentCost float64            `json:"current_cost"`
}

// GetBackendStatus reports backend mode, connectivity, idle time and cost.
func (o *Orchestrator) GetBackendStatus(ctx context.Context) BackendStatusReport {
	st := o.life.Status(ctx)
	return BackendStatusReport{
		Mode:        st.Mode,
		Connected:   st.Connected,
		IdleMinutes: st.IdleMinutes,
		CurrentCost: st.CurrentCost,
	}
}

// SetBackendMode switches between the local and remote backend.
func (o *Orchestrator) SetBackendMode(ctx context.Context, remote bool) (BackendStatusReport, error) {
	_, err := o.life.SwitchMode(ctx, remote)
	return o.GetBackendStatus(ctx), err
}

// RunRetrySweep periodically retries failed retrievals for recent steps.
// This is the scheduled twin of the user-triggered retry endpoint.
func (o *Orchestrator) RunRetrySweep(ctx context.Context, interval time.Duration, batch int) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if batch <= 0 {
		batch = 20
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			steps, err := o.steps.ListWithFailedRetrievals(ctx, batch)
			if err != nil {
				o.logger.Error().Err(err).Msg("orchestrator: retry sweep listing failed")
				continue
			}
			for _, step := range steps {
				if _, err := o.RetryFailedRetrievals(ctx, step.ID, false); err != nil {
					o.logger.Warn().Err(err).Str("step_id", step.ID).Msg("orchestrator: sweep retry failed")
				}
			}
		}
	}
}

// RunStuckStepCleanup periodically fails steps stuck in processing past the
// deadline, so a crashed poller cannot leave steps dangling forever.
func (o *Orchestrator) RunStuckStepCleanup(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-maxAge)
			steps, err := o.steps.ListStuckProcessing(ctx, cutoff)
			if err != nil {
				o.logger.Error().Err(err).Msg("orchestrator: stuck step listing failed")
				continue
			}
			for _, step := range steps {
				o.mu.Lock()
				_, active := o.active[step.ID]
				o.mu.Unlock()
				if active {
					continue
				}
				if err := o.steps.UpdateStatus(ctx, step.ID, domain.StepStatusFailed, "abandoned: no active poller"); err != nil {
					o.logger.Error().Err(err).Str("step_id", step.ID).Msg("orchestrator: cleanup update failed")
					continue
				}
				o.logger.Warn().Str("step_id", step.ID).Msg("orchestrator: stale step marked failed")
			}
		}
	}
}

// Close cancels every active pipeline.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	for _, cancel := range o.active {
		cancel()
	}
	o.mu.Unlock()
}

// compile-time check that the production client satisfies the submit slice.
var _ SubmitClient = (*backend.Client)(nil)
