package repo

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"atelier/internal/domain"
)

// StepRepositoryPG implements domain.StepRepository.
type StepRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewStepRepository creates a new step repository backed by PostgreSQL.
func NewStepRepository(pool *pgxpool.Pool) *StepRepositoryPG {
	return &StepRepositoryPG{pool: pool}
}

// Create inserts a new step record.
func (r *StepRepositoryPG) Create(ctx context.Context, step *domain.StepRecord) error {
	query := `
INSERT INTO steps (id, session_id, parent_id, prompt, params_json, batch_id, correlation_token, status, images_requested, images_retrieved, images_failed, error_message)
VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11, $12);
`
	_, err := r.pool.Exec(ctx, query,
		step.ID,
		step.SessionID,
		step.ParentID,
		step.Prompt,
		step.ParamsJSON,
		step.BatchID,
		step.CorrelationToken,
		step.Status,
		step.ImagesRequested,
		step.ImagesRetrieved,
		step.ImagesFailed,
		step.ErrorMessage,
	)
	return err
}

// GetByID fetches a step by its identifier.
func (r *StepRepositoryPG) GetByID(ctx context.Context, stepID string) (*domain.StepRecord, error) {
	query := `
SELECT id, session_id, COALESCE(parent_id, ''), prompt, params_json, batch_id, correlation_token, status,
       images_requested, images_retrieved, images_failed, error_message,
       COALESCE(submitted_at, 'epoch'::timestamptz), created_at, updated_at
FROM steps
WHERE id = $1;
`
	row := r.pool.QueryRow(ctx, query, stepID)
	step, err := scanStep(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return step, nil
}

// UpdateStatus moves a step to the given status, refusing illegal
// transitions at the SQL level: the WHERE clause only matches rows whose
// current status may legally precede the new one.
func (r *StepRepositoryPG) UpdateStatus(ctx context.Context, stepID string, status domain.StepStatus, errMsg string) error {
	query := `
UPDATE steps
SET status = $2,
    error_message = $3,
    updated_at = NOW()
WHERE id = $1
  AND status = ANY(CASE $2::text
        WHEN 'processing' THEN ARRAY['pending']
        WHEN 'completed'  THEN ARRAY['processing']
        WHEN 'failed'     THEN ARRAY['pending', 'processing']
        ELSE ARRAY[]::text[] END);
`
	tag, err := r.pool.Exec(ctx, query, stepID, status, errMsg)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetBatch records the backend batch handle and submission time.
func (r *StepRepositoryPG) SetBatch(ctx context.Context, stepID, batchID string, submittedAt time.Time) error {
	query := `
UPDATE steps
SET batch_id = $2,
    submitted_at = $3,
    updated_at = NOW()
WHERE id = $1;
`
	tag, err := r.pool.Exec(ctx, query, stepID, batchID, submittedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// UpdateCounts stores the retrieval tallies.
func (r *StepRepositoryPG) UpdateCounts(ctx context.Context, stepID string, retrieved, failed int) error {
	query := `
UPDATE steps
SET images_retrieved = $2,
    images_failed = $3,
    updated_at = NOW()
WHERE id = $1;
`
	tag, err := r.pool.Exec(ctx, query, stepID, retrieved, failed)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListStuckProcessing returns steps still in processing older than the cutoff.
func (r *StepRepositoryPG) ListStuckProcessing(ctx context.Context, olderThan time.Time) ([]domain.StepRecord, error) {
	query := `
SELECT id, session_id, COALESCE(parent_id, ''), prompt, params_json, batch_id, correlation_token, status,
       images_requested, images_retrieved, images_failed, error_message,
       COALESCE(submitted_at, 'epoch'::timestamptz), created_at, updated_at
FROM steps
WHERE status = 'processing' AND updated_at < $1
ORDER BY updated_at ASC;
`
	rows, err := r.pool.Query(ctx, query, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSteps(rows)
}

// ListWithFailedRetrievals returns completed steps that still have failed
// artifacts, oldest first, up to limit.
func (r *StepRepositoryPG) ListWithFailedRetrievals(ctx context.Context, limit int) ([]domain.StepRecord, error) {
	query := `
SELECT id, session_id, COALESCE(parent_id, ''), prompt, params_json, batch_id, correlation_token, status,
       images_requested, images_retrieved, images_failed, error_message,
       COALESCE(submitted_at, 'epoch'::timestamptz), created_at, updated_at
FROM steps
WHERE status = 'completed' AND images_failed > 0
ORDER BY updated_at ASC
LIMIT $1;
`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSteps(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStep(row rowScanner) (*domain.StepRecord, error) {
	var step domain.StepRecord
	if err := row.Scan(
		&step.ID,
		&step.SessionID,
		&step.ParentID,
		&step.Prompt,
		&step.ParamsJSON,
		&step.BatchID,
		&step.CorrelationToken,
		&step.Status,
		&step.ImagesRequested,
		&step.ImagesRetrieved,
		&step.ImagesFailed,
		&step.ErrorMessage,
		&step.SubmittedAt,
		&step.CreatedAt,
		&step.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &step, nil
}

func scanSteps(rows pgx.Rows) ([]domain.StepRecord, error) {
	var steps []domain.StepRecord
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, *step)
	}
	return steps, rows.Err()
}

var _ domain.StepRepository = (*StepRepositoryPG)(nil)
