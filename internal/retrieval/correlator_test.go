package retrieval

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"atelier/internal/backend"
	"atelier/internal/domain"
	"atelier/internal/graph"
)

type fakeListClient struct {
	infos []backend.ArtifactInfo
	meta  map[string]map[string]any

	listCalls int
	lastLimit int
	lastSince time.Time
}

func (f *fakeListClient) ListRecent(ctx context.Context, limit int, since time.Time) ([]backend.ArtifactInfo, error) {
	f.listCalls++
	f.lastLimit = limit
	f.lastSince = since
	return f.infos, nil
}

func (f *fakeListClient) FetchMetadata(ctx context.Context, artifactID string) (map[string]any, error) {
	m, ok := f.meta[artifactID]
	if !ok {
		return nil, domain.NewConnectionError("metadata", nil)
	}
	return m, nil
}

func testStep(requested int) *domain.StepRecord {
	return &domain.StepRecord{
		ID:               "step-1",
		SessionID:        "sess-1",
		CorrelationToken: "123e4567-e89b-12d3-a456-426614174000",
		ImagesRequested:  requested,
		SubmittedAt:      time.Now().Add(-time.Minute),
	}
}

func TestCorrelateDirectUsesReportedIDs(t *testing.T) {
	client := &fakeListClient{}
	c := NewCorrelator(client, StrategyDirect, zerolog.Nop())

	ids, missing, err := c.Correlate(context.Background(), testStep(3), backend.BatchStatus{
		Total: 3, Completed: 3, ArtifactIDs: []string{"a", "b", "c"},
	})
	if err != nil {
		t.Fatalf("Correlate error: %v", err)
	}
	if len(ids) != 3 || missing != 0 {
		t.Fatalf("expected 3 ids no missing, got %v missing=%d", ids, missing)
	}
	if client.listCalls != 0 {
		t.Fatalf("direct strategy should never list recent artifacts")
	}
}

func TestCorrelateDirectTruncatesOverReport(t *testing.T) {
	c := NewCorrelator(&fakeListClient{}, StrategyDirect, zerolog.Nop())

	ids, missing, err := c.Correlate(context.Background(), testStep(2), backend.BatchStatus{
		Total: 2, Completed: 2, ArtifactIDs: []string{"a", "b", "c", "d"},
	})
	if err != nil {
		t.Fatalf("Correlate error: %v", err)
	}
	if len(ids) != 2 || missing != 0 {
		t.Fatalf("expected truncation to 2, got %v missing=%d", ids, missing)
	}
}

func TestCorrelateDirectReportsShortfall(t *testing.T) {
	c := NewCorrelator(&fakeListClient{}, StrategyDirect, zerolog.Nop())

	ids, missing, err := c.Correlate(context.Background(), testStep(4), backend.BatchStatus{
		Total: 4, Completed: 2, Failed: 2, ArtifactIDs: []string{"a", "b"},
	})
	if err != nil {
		t.Fatalf("Correlate error: %v", err)
	}
	if len(ids) != 2 || missing != 2 {
		t.Fatalf("expected 2 ids and 2 missing, got %v missing=%d", ids, missing)
	}
}

func TestCorrelateHeuristicVerifiesToken(t *testing.T) {
	step := testStep(2)
	other := "ffffffff-ffff-ffff-ffff-ffffffffffff"
	client := &fakeListClient{
		infos: []backend.ArtifactInfo{{ID: "mine-1"}, {ID: "other-1"}},
		meta: map[string]map[string]any{
			"mine-1":  {"correlation_token": step.CorrelationToken},
			"other-1": {"correlation_token": other},
		},
	}
	c := NewCorrelator(client, StrategyHeuristic, zerolog.Nop())

	ids, missing, err := c.Correlate(context.Background(), step, backend.BatchStatus{Total: 2, Completed: 2})
	if err != nil {
		t.Fatalf("Correlate error: %v", err)
	}
	if len(ids) != 1 || ids[0] != "mine-1" {
		t.Fatalf("expected only the verified artifact, got %v", ids)
	}
	if missing != 1 {
		t.Fatalf("expected shortfall of 1, got %d", missing)
	}
	if client.lastLimit != 2 {
		t.Fatalf("expected listing limited to requested count, got %d", client.lastLimit)
	}
	if !client.lastSince.Equal(step.SubmittedAt) {
		t.Fatalf("expected listing windowed at submission time")
	}
}

func TestCorrelateHeuristicPrefersReportedIDs(t *testing.T) {
	client := &fakeListClient{}
	c := NewCorrelator(client, StrategyHeuristic, zerolog.Nop())

	ids, missing, err := c.Correlate(context.Background(), testStep(1), backend.BatchStatus{
		Total: 1, Completed: 1, ArtifactIDs: []string{"a"},
	})
	if err != nil {
		t.Fatalf("Correlate error: %v", err)
	}
	if len(ids) != 1 || missing != 0 || client.listCalls != 0 {
		t.Fatalf("reported ids should short-circuit the heuristic")
	}
}

func TestCorrelateHeuristicSkipsUnreadableMetadata(t *testing.T) {
	step := testStep(1)
	client := &fakeListClient{
		infos: []backend.ArtifactInfo{{ID: "broken"}, {ID: "good"}},
		meta: map[string]map[string]any{
			"good": {"correlation_token": step.CorrelationToken},
		},
	}
	c := NewCorrelator(client, StrategyHeuristic, zerolog.Nop())

	ids, missing, err := c.Correlate(context.Background(), step, backend.BatchStatus{Total: 1, Completed: 1})
	if err != nil {
		t.Fatalf("Correlate error: %v", err)
	}
	if len(ids) != 1 || ids[0] != "good" || missing != 0 {
		t.Fatalf("expected the readable candidate, got %v missing=%d", ids, missing)
	}
}

func TestMetadataTokenFallsBackToMarkerScan(t *testing.T) {
	token := "123e4567-e89b-12d3-a456-426614174000"
	meta := map[string]any{
		"workflow": map[string]any{
			"nodes": []any{
				map[string]any{"text": "a lighthouse\n" + graph.TokenMarker(token)},
			},
		},
	}
	if got := MetadataToken(meta); got != token {
		t.Fatalf("expected %q from nested scan, got %q", token, got)
	}
	if got := MetadataToken(map[string]any{"format": "png"}); got != "" {
		t.Fatalf("expected empty token, got %q", got)
	}
}
