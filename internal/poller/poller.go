package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"atelier/internal/backend"
	"atelier/internal/domain"
)

// Outcome is the terminal result of polling one batch.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimedOut  Outcome = "timed_out"
)

// Result carries the terminal outcome and the last observed batch status,
// including any per-item artifact ids the backend reported.
type Result struct {
	Outcome Outcome
	Status  backend.BatchStatus
	Err     error
}

// ProgressFunc receives the settled fraction on every poll.
type ProgressFunc func(completed, failed, total int, fraction float64)

// StatusClient is the slice of the generation client the poller needs.
type StatusClient interface {
	Status(ctx context.Context, batchID string) (backend.BatchStatus, error)
}

// Config bounds the polling schedule. The wall-clock deadline is independent
// of the per-request HTTP timeouts configured on the client.
type Config struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Deadline        time.Duration
}

func (c Config) withDefaults() Config {
	if c.InitialInterval <= 0 {
		c.InitialInterval = time.Second
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 10 * time.Second
	}
	if c.Multiplier <= 1 {
		c.Multiplier = 1.5
	}
	if c.Deadline <= 0 {
		c.Deadline = 10 * time.Minute
	}
	return c
}

// Poller drives submitted batches to a terminal state. At most one poll loop
// may run per batch handle; a second Poll for the same handle is rejected.
type Poller struct {
	client StatusClient
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

func New(client StatusClient, cfg Config, logger zerolog.Logger) *Poller {
	return &Poller{
		client:   client,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Poll waits out the initial interval, then polls status with multiplicative
// backoff capped at MaxInterval until the batch settles, the deadline
// elapses, or a non-retryable error occurs. Transient errors keep the loop
// alive; the deadline is the only bound on them.
func (p *Poller) Poll(ctx context.Context, batchID string, onProgress ProgressFunc) (Result, error) {
	if err := p.acquire(batchID); err != nil {
		return Result{}, err
	}
	defer p.release(batchID)

	deadline := time.Now().Add(p.cfg.Deadline)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.InitialInterval
	bo.Multiplier = p.cfg.Multiplier
	bo.MaxInterval = p.cfg.MaxInterval
	// Intervals must be non-decreasing; jitter would violate that.
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	var last backend.BatchStatus
	wait := p.cfg.InitialInterval
	for {
		if err := sleepCtx(ctx, wait); err != nil {
			return Result{Outcome: OutcomeFailed, Status: last, Err: err}, err
		}
		if time.Now().After(deadline) {
			p.logger.Warn().Str("batch_id", batchID).Msg("poller: deadline elapsed")
			return Result{Outcome: OutcomeTimedOut, Status: last}, nil
		}

		status, err := p.client.Status(ctx, batchID)
		if err != nil {
			if !domain.IsRetryable(err) {
				p.logger.Error().Err(err).Str("batch_id", batchID).Msg("poller: non-retryable status error")
				return Result{Outcome: OutcomeFailed, Status: last, Err: err}, nil
			}
			p.logger.Debug().Err(err).Str("batch_id", batchID).Msg("poller: transient status error")
		} else {
			last = status
			if onProgress != nil {
				onProgress(status.Completed, status.Failed, status.Total, status.Progress())
			}
			if status.Settled() {
				outcome := OutcomeFailed
				if status.Completed > 0 {
					outcome = OutcomeSucceeded
				}
				p.logger.Info().
					Str("batch_id", batchID).
					Int("completed", status.Completed).
					Int("failed", status.Failed).
					Str("outcome", string(outcome)).
					Msg("poller: batch settled")
				return Result{Outcome: outcome, Status: status}, nil
			}
		}

		wait = bo.NextBackOff()
	}
}

func (p *Poller) acquire(batchID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inflight[batchID]; ok {
		return fmt.Errorf("poll batch %s: %w", batchID, domain.ErrDuplicateOperation)
	}
	p.inflight[batchID] = struct{}{}
	return nil
}

func (p *Poller) release(batchID string) {
	p.mu.Lock()
	delete(p.inflight, batchID)
	p.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
