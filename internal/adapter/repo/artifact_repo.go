package repo

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"atelier/internal/domain"
)

// ArtifactRepositoryPG implements domain.ArtifactRepository.
type ArtifactRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewArtifactRepository creates a new artifact repository backed by PostgreSQL.
func NewArtifactRepository(pool *pgxpool.Pool) *ArtifactRepositoryPG {
	return &ArtifactRepositoryPG{pool: pool}
}

// Create inserts a new artifact record.
func (r *ArtifactRepositoryPG) Create(ctx context.Context, artifact *domain.ArtifactRecord) error {
	query := `
INSERT INTO artifacts (id, step_id, backend_id, status, path, thumbnail_path, attempts, last_error)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
`
	_, err := r.pool.Exec(ctx, query,
		artifact.ID,
		artifact.StepID,
		artifact.BackendID,
		artifact.Status,
		artifact.Path,
		artifact.ThumbnailPath,
		artifact.Attempts,
		artifact.LastError,
	)
	return err
}

// GetByID fetches an artifact by its identifier.
func (r *ArtifactRepositoryPG) GetByID(ctx context.Context, artifactID string) (*domain.ArtifactRecord, error) {
	query := `
SELECT id, step_id, backend_id, status, path, thumbnail_path, attempts, last_error, created_at, updated_at
FROM artifacts
WHERE id = $1;
`
	row := r.pool.QueryRow(ctx, query, artifactID)
	artifact, err := scanArtifact(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return artifact, nil
}

// UpdateStatus moves an artifact to the given retrieval status. Paths are
// only overwritten when non-empty so a failed retry never wipes a previously
// stored file.
func (r *ArtifactRepositoryPG) UpdateStatus(ctx context.Context, artifactID string, status domain.ArtifactStatus, path, thumbnailPath, errMsg string) error {
	query := `
UPDATE artifacts
SET status = $2,
    path = COALESCE(NULLIF($3, ''), path),
    thumbnail_path = COALESCE(NULLIF($4, ''), thumbnail_path),
    last_error = $5,
    updated_at = NOW()
WHERE id = $1
  AND status = ANY(CASE $2::text
        WHEN 'processing' THEN ARRAY['pending', 'failed']
        WHEN 'completed'  THEN ARRAY['processing']
        WHEN 'failed'     THEN ARRAY['pending', 'processing']
        ELSE ARRAY[]::text[] END);
`
	tag, err := r.pool.Exec(ctx, query, artifactID, status, path, thumbnailPath, errMsg)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// IncrementAttempts bumps the retrieval attempt counter.
func (r *ArtifactRepositoryPG) IncrementAttempts(ctx context.Context, artifactID string) error {
	query := `
UPDATE artifacts
SET attempts = attempts + 1,
    updated_at = NOW()
WHERE id = $1;
`
	tag, err := r.pool.Exec(ctx, query, artifactID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListByStep fetches all artifacts of a step, oldest first.
func (r *ArtifactRepositoryPG) ListByStep(ctx context.Context, stepID string) ([]domain.ArtifactRecord, error) {
	query := `
SELECT id, step_id, backend_id, status, path, thumbnail_path, attempts, last_error, created_at, updated_at
FROM artifacts
WHERE step_id = $1
ORDER BY created_at ASC;
`
	rows, err := r.pool.Query(ctx, query, stepID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanArtifacts(rows)
}

// ListFailedByStep fetches failed artifacts still below the attempt cap and
// still addressable on the backend.
func (r *ArtifactRepositoryPG) ListFailedByStep(ctx context.Context, stepID string, maxAttempts int) ([]domain.ArtifactRecord, error) {
	query := `
SELECT id, step_id, backend_id, status, path, thumbnail_path, attempts, last_error, created_at, updated_at
FROM artifacts
WHERE step_id = $1 AND status = 'failed' AND attempts < $2 AND backend_id <> ''
ORDER BY created_at ASC;
`
	rows, err := r.pool.Query(ctx, query, stepID, maxAttempts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanArtifacts(rows)
}

func scanArtifact(row rowScanner) (*domain.ArtifactRecord, error) {
	var a domain.ArtifactRecord
	if err := row.Scan(
		&a.ID,
		&a.StepID,
		&a.BackendID,
		&a.Status,
		&a.Path,
		&a.ThumbnailPath,
		&a.Attempts,
		&a.LastError,
		&a.CreatedAt,
		&a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &a, nil
}

func scanArtifacts(rows pgx.Rows) ([]domain.ArtifactRecord, error) {
	var artifacts []domain.ArtifactRecord
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, *a)
	}
	return artifacts, rows.Err()
}

var _ domain.ArtifactRepository = (*ArtifactRepositoryPG)(nil)
