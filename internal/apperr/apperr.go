// Package apperr defines the typed error kinds shared by every hyphamind
// package. Boundary packages (internal/api, internal/mcpserver) map a Kind
// to a status code; core packages never format HTTP/JSON directly.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for boundary-layer status mapping.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindStaleState Kind = "stale_state"
	KindQueueFull  Kind = "queue_full"
	KindAuthFailed Kind = "auth_failed"
)

// Error is a typed application error carrying a Kind and a reason.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a typed Error.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Wrap constructs a typed Error wrapping an underlying cause.
func Wrap(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == kind
	}
	return false
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, fmt.Sprintf(format, args...))
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, fmt.Sprintf(format, args...))
}

func Conflict(format string, args ...any) *Error {
	return New(KindConflict, fmt.Sprintf(format, args...))
}

func StaleState(format string, args ...any) *Error {
	return New(KindStaleState, fmt.Sprintf(format, args...))
}

func QueueFull(format string, args ...any) *Error {
	return New(KindQueueFull, fmt.Sprintf(format, args...))
}

func AuthFailed(format string, args ...any) *Error {
	return New(KindAuthFailed, fmt.Sprintf(format, args...))
}
