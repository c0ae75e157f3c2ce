package model

import (
	"context"
	"errors"
)

// Error kinds used across the pipeline. Components wrap these with
// fmt.Errorf("...: %w", kind) and callers classify with errors.Is.
var (
	// ErrValidation marks malformed input: bad uploads, unusable extraction
	// candidates. Never retried.
	ErrValidation = errors.New("validation failed")
	// ErrNotAuthorized marks a caller that does not own the resource.
	// Responses built from it must not reveal whether the resource exists.
	ErrNotAuthorized = errors.New("not authorized")
	// ErrNotFound marks an absent record or blob handle.
	ErrNotFound = errors.New("not found")
	// ErrTransient marks network/timeout/rate-limit failures from external
	// services. Only the orchestrator retries these.
	ErrTransient = errors.New("transient failure")
	// ErrSchema marks agent output that does not match the expected
	// structure. Terminal, never retried.
	ErrSchema = errors.New("schema mismatch")
)

// IsTransient reports whether err qualifies for the orchestrator's retry
// policy. Step deadline overruns count as transient; explicit cancellation
// does not.
func IsTransient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}
