package domain

import "time"

// ArtifactStatus enumerates per-artifact retrieval states.
type ArtifactStatus string

const (
	ArtifactStatusPending    ArtifactStatus = "pending"
	ArtifactStatusProcessing ArtifactStatus = "processing"
	ArtifactStatusCompleted  ArtifactStatus = "completed"
	ArtifactStatusFailed     ArtifactStatus = "failed"
)

// CanTransition reports whether moving to next is a legal retrieval
// transition. Unlike steps, a failed artifact may re-enter processing: failed
// retrievals stay eligible for retry until the attempt cap is reached.
func (s ArtifactStatus) CanTransition(next ArtifactStatus) bool {
	switch s {
	case ArtifactStatusPending:
		return next == ArtifactStatusProcessing || next == ArtifactStatusFailed
	case ArtifactStatusProcessing:
		return next == ArtifactStatusCompleted || next == ArtifactStatusFailed
	case ArtifactStatusFailed:
		return next == ArtifactStatusProcessing
	default:
		return false
	}
}

// ArtifactRecord tracks retrieval of a single backend-generated image.
type ArtifactRecord struct {
	ID            string
	StepID        string
	BackendID     string
	Status        ArtifactStatus
	Path          string
	ThumbnailPath string
	Attempts      int
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
