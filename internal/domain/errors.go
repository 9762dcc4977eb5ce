package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrDuplicateOperation = errors.New("duplicate operation")
)

// ErrorKind classifies failures so callers can decide between retrying,
// backing off, and surfacing immediately.
type ErrorKind string

const (
	KindConnection ErrorKind = "connection"
	KindValidation ErrorKind = "validation"
	KindResource   ErrorKind = "resource"
	KindRetrieval  ErrorKind = "retrieval"
	KindLifecycle  ErrorKind = "lifecycle"
	KindUnknown    ErrorKind = "unknown"
)

// Error is the typed failure carried across component boundaries. Kind drives
// retry policy; Err preserves the underlying cause for logging.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure class is worth retrying. Validation
// errors are permanent; connection, resource and retrieval failures are
// transient.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindConnection, KindResource, KindRetrieval:
		return true
	default:
		return false
	}
}

func NewConnectionError(msg string, err error) *Error {
	return &Error{Kind: KindConnection, Message: msg, Err: err}
}

func NewValidationError(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg}
}

func NewResourceError(msg string, err error) *Error {
	return &Error{Kind: KindResource, Message: msg, Err: err}
}

func NewRetrievalError(msg string, err error) *Error {
	return &Error{Kind: KindRetrieval, Message: msg, Err: err}
}

func NewLifecycleError(msg string, err error) *Error {
	return &Error{Kind: KindLifecycle, Message: msg, Err: err}
}

// KindOf extracts the error kind, defaulting to unknown for untyped errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err should be retried. Untyped errors are
// treated as non-retryable so unexpected failures surface instead of looping.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}
