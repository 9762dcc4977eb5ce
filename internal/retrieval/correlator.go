package retrieval

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"atelier/internal/backend"
	"atelier/internal/domain"
	"atelier/internal/graph"
)

// Strategy selects how terminal batches are mapped back to artifact ids.
type Strategy string

const (
	// StrategyDirect uses the per-item result ids in the batch status. O(1),
	// unambiguous, preferred whenever the backend supplies them.
	StrategyDirect Strategy = "direct"
	// StrategyHeuristic lists recent artifacts around the batch start time and
	// verifies each candidate via the embedded correlation token. Fallback for
	// backends that do not report per-item ids.
	StrategyHeuristic Strategy = "heuristic"
)

// ListClient is the slice of the generation client correlation needs.
type ListClient interface {
	ListRecent(ctx context.Context, limit int, since time.Time) ([]backend.ArtifactInfo, error)
	FetchMetadata(ctx context.Context, artifactID string) (map[string]any, error)
}

// Correlator maps a terminal successful batch to the backend artifact ids
// belonging to the originating step.
type Correlator struct {
	client   ListClient
	strategy Strategy
	logger   zerolog.Logger
}

func NewCorrelator(client ListClient, strategy Strategy, logger zerolog.Logger) *Correlator {
	if strategy != StrategyHeuristic {
		strategy = StrategyDirect
	}
	return &Correlator{client: client, strategy: strategy, logger: logger}
}

// Correlate returns the artifact ids for the step, never more than requested.
// missing is the shortfall count: artifacts the backend should have produced
// but that could not be identified. The caller records those as failed rather
// than dropping them.
func (c *Correlator) Correlate(ctx context.Context, step *domain.StepRecord, status backend.BatchStatus) (ids []string, missing int, err error) {
	requested := step.ImagesRequested

	if c.strategy == StrategyDirect || len(status.ArtifactIDs) > 0 {
		ids = status.ArtifactIDs
		if len(ids) > requested {
			c.logger.Warn().
				Str("step_id", step.ID).
				Int("requested", requested).
				Int("reported", len(ids)).
				Msg("correlator: backend reported more artifacts than requested, truncating")
			ids = ids[:requested]
		}
		return ids, requested - len(ids), nil
	}

	return c.heuristic(ctx, step, requested)
}

// heuristic lists the newest artifacts created at or after batch submission
// and keeps only those whose metadata carries the step's correlation token.
// Timestamp windows race under concurrent submissions, so token verification
// is mandatory, not best-effort.
func (c *Correlator) heuristic(ctx context.Context, step *domain.StepRecord, requested int) ([]string, int, error) {
	infos, err := c.client.ListRecent(ctx, requested, step.SubmittedAt)
	if err != nil {
		return nil, 0, err
	}

	ids := make([]string, 0, requested)
	for _, info := range infos {
		if len(ids) >= requested {
			break
		}
		meta, err := c.client.FetchMetadata(ctx, info.ID)
		if err != nil {
			c.logger.Warn().Err(err).Str("artifact_id", info.ID).Msg("correlator: metadata fetch failed, skipping candidate")
			continue
		}
		if MetadataToken(meta) != step.CorrelationToken {
			c.logger.Debug().Str("artifact_id", info.ID).Msg("correlator: token mismatch, discarding candidate")
			continue
		}
		ids = append(ids, info.ID)
	}
	return ids, requested - len(ids), nil
}

// MetadataToken extracts the correlation token from an artifact metadata
// document. The token is embedded redundantly at build time, so both the
// explicit field and markers inside free-text values are checked.
func MetadataToken(meta map[string]any) string {
	if tok, ok := meta["correlation_token"].(string); ok && tok != "" {
		return tok
	}
	return scanForToken(meta)
}

func scanForToken(v any) string {
	switch val := v.(type) {
	case string:
		return graph.ExtractToken(val)
	case map[string]any:
		for _, nested := range val {
			if tok := scanForToken(nested); tok != "" {
				return tok
			}
		}
	case []any:
		for _, nested := range val {
			if tok := scanForToken(nested); tok != "" {
				return tok
			}
		}
	}
	return ""
}
