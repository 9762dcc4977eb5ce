package domain

import (
	"context"
	"time"
)

// StepRepository defines persistence for step records.
type StepRepository interface {
	Create(ctx context.Context, step *StepRecord) error
	GetByID(ctx context.Context, stepID string) (*StepRecord, error)
	UpdateStatus(ctx context.Context, stepID string, status StepStatus, errMsg string) error
	SetBatch(ctx context.Context, stepID, batchID string, submittedAt time.Time) error
	UpdateCounts(ctx context.Context, stepID string, retrieved, failed int) error
	ListStuckProcessing(ctx context.Context, olderThan time.Time) ([]StepRecord, error)
	ListWithFailedRetrievals(ctx context.Context, limit int) ([]StepRecord, error)
}

// ArtifactRepository defines persistence for artifact retrieval records.
type ArtifactRepository interface {
	Create(ctx context.Context, artifact *ArtifactRecord) error
	GetByID(ctx context.Context, artifactID string) (*ArtifactRecord, error)
	UpdateStatus(ctx context.Context, artifactID string, status ArtifactStatus, path, thumbnailPath, errMsg string) error
	IncrementAttempts(ctx context.Context, artifactID string) error
	ListByStep(ctx context.Context, stepID string) ([]ArtifactRecord, error)
	ListFailedByStep(ctx context.Context, stepID string, maxAttempts int) ([]ArtifactRecord, error)
}

// FileStore persists artifact binaries outside the database.
type FileStore interface {
	Write(ctx context.Context, key string, data []byte) (string, error)
	Read(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// ModelInfo describes a checkpoint known to the backend.
type ModelInfo struct {
	Key       string
	Filename  string
	Hash      string
	RefreshAt time.Time
}

// VaeInfo describes a VAE known to the backend.
type VaeInfo struct {
	Key      string
	Filename string
	Hash     string
}

// ModelCache resolves model and VAE descriptors. Read-only from the
// orchestrator's perspective; a background task refreshes it.
type ModelCache interface {
	GetModel(ctx context.Context, key string) (*ModelInfo, error)
	GetDefaultVae(ctx context.Context, modelKey string) (*VaeInfo, error)
}
