// Package apperr defines the error-kind taxonomy from spec.md §7.
// Kinds are checked with errors.As, never by string comparison.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is one of the six error kinds spec.md §7 names.
type Kind string

const (
	// KindInput is a malformed upload or request; surfaced as 4xx, no Batch created.
	KindInput Kind = "input_error"
	// KindStageTransient is a retryable provider error; does not fail the Record.
	KindStageTransient Kind = "stage_transient"
	// KindStagePermanent is non-retryable; the Record's stage terminates failed.
	KindStagePermanent Kind = "stage_permanent"
	// KindCoordination is a BJS CAS conflict; retried once, else downgraded to transient.
	KindCoordination Kind = "coordination_error"
	// KindIntegrity is a duplicate event_id or duplicate submission; ignored, no side effects.
	KindIntegrity Kind = "integrity_error"
	// KindSystemUnavailable is a BJS/external hard outage; callers see 503.
	KindSystemUnavailable Kind = "system_unavailable"
)

// Error wraps an underlying cause with a taxonomy Kind and an optional
// stage/component label used in Record.ErrorReason strings.
type Error struct {
	Kind      Kind
	Component string
	Err       error
}

func (e *Error) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("%s[%s]: %v", e.Kind, e.Component, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind wrapping err.
func New(kind Kind, component string, err error) *Error {
	return &Error{Kind: kind, Component: component, Err: err}
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var ae *Error
	if !errors.As(err, &ae) {
		return false
	}
	return ae.Kind == kind
}

// Transient is shorthand for New(KindStageTransient, ...).
func Transient(component string, err error) *Error { return New(KindStageTransient, component, err) }

// Permanent is shorthand for New(KindStagePermanent, ...).
func Permanent(component string, err error) *Error { return New(KindStagePermanent, component, err) }

// Input is shorthand for New(KindInput, ...).
func Input(component string, err error) *Error { return New(KindInput, component, err) }

// Unavailable is shorthand for New(KindSystemUnavailable, ...).
func Unavailable(component string, err error) *Error { return New(KindSystemUnavailable, component, err) }

// Integrity is shorthand for New(KindIntegrity, ...).
func Integrity(component string, err error) *Error { return New(KindIntegrity, component, err) }

// Coordination is shorthand for New(KindCoordination, ...).
func Coordination(component string, err error) *Error { return New(KindCoordination, component, err) }
