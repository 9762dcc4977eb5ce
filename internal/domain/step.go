package domain

import "time"

// StepStatus enumerates step lifecycle states.
type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusProcessing StepStatus = "processing"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusFailed     StepStatus = "failed"
)

// CanTransition reports whether moving to next is a legal step transition.
// Transitions are monotonic: a step never returns to pending and terminal
// states are final.
func (s StepStatus) CanTransition(next StepStatus) bool {
	switch s {
	case StepStatusPending:
		return next == StepStatusProcessing || next == StepStatusFailed
	case StepStatusProcessing:
		return next == StepStatusCompleted || next == StepStatusFailed
	default:
		return false
	}
}

// Terminal reports whether the status admits no further transitions.
func (s StepStatus) Terminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed
}

// StepRecord is one generation request within a session. Steps form a tree:
// ParentID points at the step this one refines, empty for roots.
type StepRecord struct {
	ID               string
	SessionID        string
	ParentID         string
	Prompt           string
	ParamsJSON       []byte
	BatchID          string
	CorrelationToken string
	Status           StepStatus
	ImagesRequested  int
	ImagesRetrieved  int
	ImagesFailed     int
	ErrorMessage     string
	SubmittedAt      time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
