package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is the full DDL for the service. Statements are idempotent so running
// them at every startup is safe; there is no separate migration step.
const schema = `
CREATE TABLE IF NOT EXISTS steps (
    id                TEXT PRIMARY KEY,
    session_id        TEXT NOT NULL,
    parent_id         TEXT REFERENCES steps(id),
    prompt            TEXT NOT NULL DEFAULT '',
    params_json       JSONB NOT NULL DEFAULT '{}'::jsonb,
    batch_id          TEXT NOT NULL DEFAULT '',
    correlation_token TEXT NOT NULL,
    status            TEXT NOT NULL DEFAULT 'pending',
    images_requested  INT  NOT NULL DEFAULT 0,
    images_retrieved  INT  NOT NULL DEFAULT 0,
    images_failed     INT  NOT NULL DEFAULT 0,
    error_message     TEXT NOT NULL DEFAULT '',
    submitted_at      TIMESTAMPTZ,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_steps_session ON steps (session_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_steps_status_updated ON steps (status, updated_at);
CREATE INDEX IF NOT EXISTS idx_steps_failed_retrievals ON steps (updated_at) WHERE status = 'completed' AND images_failed > 0;

CREATE TABLE IF NOT EXISTS artifacts (
    id             TEXT PRIMARY KEY,
    step_id        TEXT NOT NULL REFERENCES steps(id) ON DELETE CASCADE,
    backend_id     TEXT NOT NULL DEFAULT '',
    status         TEXT NOT NULL DEFAULT 'pending',
    path           TEXT NOT NULL DEFAULT '',
    thumbnail_path TEXT NOT NULL DEFAULT '',
    attempts       INT  NOT NULL DEFAULT 0,
    last_error     TEXT NOT NULL DEFAULT '',
    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_artifacts_step ON artifacts (step_id);
CREATE INDEX IF NOT EXISTS idx_artifacts_failed ON artifacts (step_id, attempts) WHERE status = 'failed';
`

// EnsureSchema applies the DDL. Called once at process start.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
