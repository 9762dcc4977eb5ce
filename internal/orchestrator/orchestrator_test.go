package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"atelier/internal/backend"
	"atelier/internal/domain"
	"atelier/internal/graph"
	"atelier/internal/lifecycle"
	"atelier/internal/poller"
	"atelier/internal/retrieval"
)

type memStepRepo struct {
	mu    sync.Mutex
	steps map[string]*domain.StepRecord
}

func newMemStepRepo() *memStepRepo {
	return &memStepRepo{steps: make(map[string]*domain.StepRecord)}
}

func (r *memStepRepo) Create(ctx context.Context, step *domain.StepRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *step
	r.steps[step.ID] = &cp
	return nil
}

func (r *memStepRepo) GetByID(ctx context.Context, stepID string) (*domain.StepRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	step, ok := r.steps[stepID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *step
	return &cp, nil
}

func (r *memStepRepo) UpdateStatus(ctx context.Context, stepID string, status domain.StepStatus, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	step, ok := r.steps[stepID]
	if !ok {
		return domain.ErrNotFound
	}
	step.Status = status
	step.ErrorMessage = errMsg
	return nil
}

func (r *memStepRepo) SetBatch(ctx context.Context, stepID, batchID string, submittedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	step, ok := r.steps[stepID]
	if !ok {
		return domain.ErrNotFound
	}
	step.BatchID = batchID
	step.SubmittedAt = submittedAt
	return nil
}

func (r *memStepRepo) UpdateCounts(ctx context.Context, stepID string, retrieved, failed int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	step, ok := r.steps[stepID]
	if !ok {
		return domain.ErrNotFound
	}
	step.ImagesRetrieved = retrieved
	step.ImagesFailed = failed
	return nil
}

func (r *memStepRepo) ListStuckProcessing(ctx context.Context, olderThan time.Time) ([]domain.StepRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.StepRecord
	for _, step := range r.steps {
		if step.Status == domain.StepStatusProcessing && !step.SubmittedAt.IsZero() && step.SubmittedAt.Before(olderThan) {
			out = append(out, *step)
		}
	}
	return out, nil
}

func (r *memStepRepo) ListWithFailedRetrievals(ctx context.Context, limit int) ([]domain.StepRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.StepRecord
	for _, step := range r.steps {
		if step.Status == domain.StepStatusCompleted && step.ImagesFailed > 0 {
			out = append(out, *step)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (r *memStepRepo) only(t *testing.T) *domain.StepRecord {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.steps) != 1 {
		t.Fatalf("expected exactly one step, got %d", len(r.steps))
	}
	for _, step := range r.steps {
		cp := *step
		return &cp
	}
	return nil
}

type memArtifactRepo struct {
	mu   sync.Mutex
	recs map[string]*domain.ArtifactRecord
}

func newMemArtifactRepo() *memArtifactRepo {
	return &memArtifactRepo{recs: make(map[string]*domain.ArtifactRecord)}
}

func (r *memArtifactRepo) Create(ctx context.Context, artifact *domain.ArtifactRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *artifact
	r.recs[artifact.ID] = &cp
	return nil
}

func (r *memArtifactRepo) GetByID(ctx context.Context, artifactID string) (*domain.ArtifactRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.recs[artifactID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *memArtifactRepo) UpdateStatus(ctx context.Context, artifactID string, status domain.ArtifactStatus, path, thumbnailPath, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.recs[artifactID]
	if !ok {
		return domain.ErrNotFound
	}
	rec.Status = status
	if path != "" {
		rec.Path = path
	}
	if thumbnailPath != "" {
		rec.ThumbnailPath = thumbnailPath
	}
	rec.LastError = errMsg
	return nil
}

func (r *memArtifactRepo) IncrementAttempts(ctx context.Context, artifactID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.recs[artifactID]
	if !ok {
		return domain.ErrNotFound
	}
	rec.Attempts++
	return nil
}

func (r *memArtifactRepo) ListByStep(ctx context.Context, stepID string) ([]domain.ArtifactRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ArtifactRecord
	for _, rec := range r.recs {
		if rec.StepID == stepID {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (r *memArtifactRepo) ListFailedByStep(ctx context.Context, stepID string, maxAttempts int) ([]domain.ArtifactRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ArtifactRecord
	for _, rec := range r.recs {
		if rec.StepID == stepID && rec.Status == domain.ArtifactStatusFailed && rec.Attempts < maxAttempts && rec.BackendID != "" {
			out = append(out, *rec)
		}
	}
	return out, nil
}

type memFileStore struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newMemFileStore() *memFileStore {
	return &memFileStore{files: make(map[string][]byte)}
}

func (s *memFileStore) Write(ctx context.Context, key string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[key] = data
	return key, nil
}

func (s *memFileStore) Read(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return data, nil
}

func (s *memFileStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.files[key]
	return ok, nil
}

// fakeBackend scripts submission, polling and artifact fetches for one batch.
type fakeBackend struct {
	mu          sync.Mutex
	submitErr   error
	total       int
	settleAfter int
	neverSettle bool
	artifactIDs []string
	failFetch   map[string]int
	polls       int
}

func (b *fakeBackend) Submit(ctx context.Context, job *graph.JobDescription) (string, error) {
	if b.submitErr != nil {
		return "", b.submitErr
	}
	return "batch-1", nil
}

func (b *fakeBackend) Status(ctx context.Context, batchID string) (backend.BatchStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.polls++
	if b.neverSettle || b.polls < b.settleAfter {
		return backend.BatchStatus{BatchID: batchID, Total: b.total}, nil
	}
	return backend.BatchStatus{
		BatchID:     batchID,
		Total:       b.total,
		Completed:   len(b.artifactIDs),
		Failed:      b.total - len(b.artifactIDs),
		ArtifactIDs: b.artifactIDs,
	}, nil
}

func (b *fakeBackend) FetchArtifact(ctx context.Context, artifactID string) ([]byte, error) {
	b.mu.Lock()
	fail := b.failFetch[artifactID] > 0
	if fail {
		b.failFetch[artifactID]--
	}
	b.mu.Unlock()
	if fail {
		return nil, domain.NewConnectionError("fetch "+artifactID, errors.New("connection reset"))
	}
	return []byte("image-" + artifactID), nil
}

func (b *fakeBackend) FetchThumbnail(ctx context.Context, artifactID string) ([]byte, error) {
	return []byte("thumb-" + artifactID), nil
}

func (b *fakeBackend) FetchMetadata(ctx context.Context, artifactID string) (map[string]any, error) {
	return map[string]any{"format": "png"}, nil
}

func (b *fakeBackend) ListRecent(ctx context.Context, limit int, since time.Time) ([]backend.ArtifactInfo, error) {
	return nil, nil
}

type stubModels struct{}

func (stubModels) GetModel(ctx context.Context, key string) (*domain.ModelInfo, error) {
	if key != "dreamshaper" {
		return nil, domain.ErrNotFound
	}
	return &domain.ModelInfo{Key: key, Filename: "dreamshaper_8.safetensors"}, nil
}

func (stubModels) GetDefaultVae(ctx context.Context, modelKey string) (*domain.VaeInfo, error) {
	return &domain.VaeInfo{Key: "vae", Filename: "vae-ft-mse.safetensors"}, nil
}

type noopProvisioner struct{}

func (noopProvisioner) Start(ctx context.Context) (string, string, error) {
	return "res-1", "http://remote:8188", nil
}
func (noopProvisioner) Stop(ctx context.Context, resourceID string) error { return nil }

type noopHealth struct{}

func (noopHealth) SetEndpoint(endpoint string)      {}
func (noopHealth) Health(ctx context.Context) error { return nil }

type fixture struct {
	orch  *Orchestrator
	steps *memStepRepo
	arts  *memArtifactRepo
	files *memFileStore
	be    *fakeBackend
	life  *lifecycle.Manager
}

func newFixture(t *testing.T, be *fakeBackend) *fixture {
	t.Helper()
	steps := newMemStepRepo()
	arts := newMemArtifactRepo()
	files := newMemFileStore()
	nop := zerolog.Nop()

	p := poller.New(be, poller.Config{
		InitialInterval: 2 * time.Millisecond,
		MaxInterval:     10 * time.Millisecond,
		Multiplier:      1.5,
		Deadline:        2 * time.Second,
	}, nop)
	correlator := retrieval.NewCorrelator(be, retrieval.StrategyDirect, nop)
	engine := retrieval.NewEngine(be, arts, files, retrieval.EngineConfig{MaxConcurrency: 2, MaxAttempts: 3}, nop)
	life := lifecycle.NewManager(noopProvisioner{}, noopHealth{}, lifecycle.Config{
		LocalEndpoint: "http://127.0.0.1:8188",
	}, nop)

	orch := New(graph.NewBuilder(), be, p, correlator, engine, life, steps, arts, stubModels{}, nop)
	t.Cleanup(orch.Close)
	return &fixture{orch: orch, steps: steps, arts: arts, files: files, be: be, life: life}
}

func submitParams(batch int) domain.GenerationParameters {
	return domain.GenerationParameters{
		Prompt:        "a lighthouse at dusk",
		ModelKey:      "dreamshaper",
		Width:         512,
		Height:        512,
		Steps:         20,
		GuidanceScale: 7,
		BatchSize:     batch,
	}
}

func waitForTerminal(t *testing.T, f *fixture, stepID string) *StepStatusReport {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		report, err := f.orch.GetStepStatus(context.Background(), stepID)
		if err != nil {
			t.Fatalf("GetStepStatus error: %v", err)
		}
		if report.Status.Terminal() {
			return report
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("step %s never reached a terminal state", stepID)
	return nil
}

func TestSubmitStepPipelineCompletes(t *testing.T) {
	be := &fakeBackend{total: 4, settleAfter: 3, artifactIDs: []string{"a", "b", "c", "d"}}
	f := newFixture(t, be)

	result, err := f.orch.SubmitStep(context.Background(), "sess-1", submitParams(4), "")
	if err != nil {
		t.Fatalf("SubmitStep error: %v", err)
	}
	if result.BatchID != "batch-1" || result.Status != domain.StepStatusProcessing {
		t.Fatalf("unexpected submit result: %+v", result)
	}

	report := waitForTerminal(t, f, result.StepID)
	if report.Status != domain.StepStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", report.Status, report.Error)
	}
	if report.Progress != 1 {
		t.Fatalf("expected progress 1, got %f", report.Progress)
	}
	if report.Retrieval.Completed != 4 || report.Retrieval.Failed != 0 {
		t.Fatalf("unexpected retrieval summary: %+v", report.Retrieval)
	}

	step, err := f.steps.GetByID(context.Background(), result.StepID)
	if err != nil {
		t.Fatalf("GetByID error: %v", err)
	}
	if step.ImagesRetrieved != 4 || step.ImagesFailed != 0 {
		t.Fatalf("counts not persisted: %d/%d", step.ImagesRetrieved, step.ImagesFailed)
	}
	if len(f.files.files) != 8 {
		t.Fatalf("expected 4 images and 4 thumbnails stored, got %d", len(f.files.files))
	}
}

func TestSubmitStepUnknownModel(t *testing.T) {
	f := newFixture(t, &fakeBackend{total: 1})
	params := submitParams(1)
	params.ModelKey = "missing"

	_, err := f.orch.SubmitStep(context.Background(), "sess-1", params, "")
	if err == nil || domain.KindOf(err) != domain.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSubmitStepBackendRejection(t *testing.T) {
	be := &fakeBackend{submitErr: domain.NewResourceError("submit job", errors.New("queue full"))}
	f := newFixture(t, be)

	_, err := f.orch.SubmitStep(context.Background(), "sess-1", submitParams(1), "")
	if err == nil {
		t.Fatalf("expected submit error")
	}
	step := f.steps.only(t)
	if step.Status != domain.StepStatusFailed {
		t.Fatalf("rejected step not marked failed: %s", step.Status)
	}
}

func TestPipelineRegistersMissingArtifacts(t *testing.T) {
	// Backend settles with only 2 of 4 items producing artifacts.
	be := &fakeBackend{total: 4, settleAfter: 2, artifactIDs: []string{"a", "b"}}
	f := newFixture(t, be)

	result, err := f.orch.SubmitStep(context.Background(), "sess-1", submitParams(4), "")
	if err != nil {
		t.Fatalf("SubmitStep error: %v", err)
	}
	report := waitForTerminal(t, f, result.StepID)
	if report.Status != domain.StepStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", report.Status, report.Error)
	}
	if report.Retrieval.Total != 4 || report.Retrieval.Completed != 2 || report.Retrieval.Failed != 2 {
		t.Fatalf("unexpected retrieval summary: %+v", report.Retrieval)
	}

	step, _ := f.steps.GetByID(context.Background(), result.StepID)
	if step.ImagesRetrieved != 2 || step.ImagesFailed != 2 {
		t.Fatalf("counts not persisted: %d/%d", step.ImagesRetrieved, step.ImagesFailed)
	}
}

func TestPipelinePartialFetchFailureThenRetry(t *testing.T) {
	be := &fakeBackend{
		total:       4,
		settleAfter: 1,
		artifactIDs: []string{"a", "b", "c", "d"},
		failFetch:   map[string]int{"b": 1, "d": 1},
	}
	f := newFixture(t, be)

	result, err := f.orch.SubmitStep(context.Background(), "sess-1", submitParams(4), "")
	if err != nil {
		t.Fatalf("SubmitStep error: %v", err)
	}
	report := waitForTerminal(t, f, result.StepID)
	if report.Status != domain.StepStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", report.Status, report.Error)
	}
	if report.Retrieval.Completed != 2 || report.Retrieval.Failed != 2 {
		t.Fatalf("unexpected retrieval summary before retry: %+v", report.Retrieval)
	}

	retry, err := f.orch.RetryFailedRetrievals(context.Background(), result.StepID, false)
	if err != nil {
		t.Fatalf("RetryFailedRetrievals error: %v", err)
	}
	if retry.Retried != 2 || retry.Succeeded != 2 {
		t.Fatalf("unexpected retry result: %+v", retry)
	}

	step, _ := f.steps.GetByID(context.Background(), result.StepID)
	if step.ImagesRetrieved != 4 || step.ImagesFailed != 0 {
		t.Fatalf("counts not refreshed after retry: %d/%d", step.ImagesRetrieved, step.ImagesFailed)
	}
}

func TestCancelStepStopsPipeline(t *testing.T) {
	be := &fakeBackend{total: 1, neverSettle: true}
	f := newFixture(t, be)

	result, err := f.orch.SubmitStep(context.Background(), "sess-1", submitParams(1), "")
	if err != nil {
		t.Fatalf("SubmitStep error: %v", err)
	}
	if !f.orch.CancelStep(result.StepID) {
		t.Fatalf("expected active pipeline to cancel")
	}

	report := waitForTerminal(t, f, result.StepID)
	if report.Status != domain.StepStatusFailed {
		t.Fatalf("expected failed after cancel, got %s", report.Status)
	}

	// Once the pipeline is gone a second cancel has nothing to do.
	deadline := time.Now().Add(time.Second)
	for f.orch.CancelStep(result.StepID) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if f.orch.CancelStep(result.StepID) {
		t.Fatalf("cancel still reports an active pipeline")
	}
}

func TestGetStepStatusUnknownStep(t *testing.T) {
	f := newFixture(t, &fakeBackend{total: 1})
	if _, err := f.orch.GetStepStatus(context.Background(), "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListArtifactsAfterCompletion(t *testing.T) {
	be := &fakeBackend{total: 2, settleAfter: 1, artifactIDs: []string{"a", "b"}}
	f := newFixture(t, be)

	result, err := f.orch.SubmitStep(context.Background(), "sess-1", submitParams(2), "")
	if err != nil {
		t.Fatalf("SubmitStep error: %v", err)
	}
	waitForTerminal(t, f, result.StepID)

	arts, err := f.orch.ListArtifacts(context.Background(), result.StepID)
	if err != nil {
		t.Fatalf("ListArtifacts error: %v", err)
	}
	if len(arts) != 2 {
		t.Fatalf("expected 2 artifacts, got %d", len(arts))
	}
	for _, a := range arts {
		if a.Status != domain.ArtifactStatusCompleted || a.Path == "" {
			t.Fatalf("artifact not stored: %+v", a)
		}
	}
}

func TestSetBackendModeRoundTrip(t *testing.T) {
	f := newFixture(t, &fakeBackend{total: 1})

	st := f.orch.GetBackendStatus(context.Background())
	if st.Mode != domain.BackendModeLocal {
		t.Fatalf("expected local mode, got %s", st.Mode)
	}

	st, err := f.orch.SetBackendMode(context.Background(), true)
	if err != nil {
		t.Fatalf("SetBackendMode(remote) error: %v", err)
	}
	if st.Mode != domain.BackendModeRemote {
		t.Fatalf("expected remote mode, got %s", st.Mode)
	}

	st, err = f.orch.SetBackendMode(context.Background(), false)
	if err != nil {
		t.Fatalf("SetBackendMode(local) error: %v", err)
	}
	if st.Mode != domain.BackendModeLocal {
		t.Fatalf("expected local mode, got %s", st.Mode)
	}
}
