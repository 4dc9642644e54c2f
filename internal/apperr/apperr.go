// Copyright 2025 James Ross
// Package apperr is the closed error taxonomy the job engine propagates
// on. Every dependency failure the Worker and API see is classified
// into one of these kinds; nothing else is allowed to leak past the
// Worker loop or the API's error mapping.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the propagation class from the error taxonomy.
type Kind string

const (
	InvalidInput        Kind = "invalid_input"
	AuthFailed           Kind = "auth_failed"
	PermissionDenied     Kind = "permission_denied"
	NotFound             Kind = "not_found"
	DuplicateJob         Kind = "duplicate_job"
	Conflict             Kind = "conflict"
	MediaMissing         Kind = "media_missing"
	MediaUnavailable     Kind = "media_unavailable"
	MalformedImage       Kind = "malformed_image"
	ModelTransient       Kind = "model_transient"
	VectorSinkUnavailable Kind = "vector_sink_unavailable"
	Internal             Kind = "internal"
)

// retryable holds the §7 classification of which kinds are worth a
// Worker soft-retry. Kinds absent from this map are non-retryable.
var retryable = map[Kind]bool{
	MediaUnavailable:      true,
	ModelTransient:        true,
	VectorSinkUnavailable: true,
}

// Error wraps an underlying cause with a Kind and an optional message
// safe to surface to a caller.
type Error struct {
	Kind    Kind
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

// New constructs a Kind-classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies an existing error under kind, preserving it for
// errors.Unwrap/errors.Is chains.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// As extracts the *Error from err, if present.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Is reports whether err is classified under kind.
func Is(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}

// IsRetryable reports whether the Worker should soft-retry a failure
// of this kind rather than terminal-failing the job.
func IsRetryable(err error) bool {
	e, ok := As(err)
	if !ok {
		return false
	}
	return retryable[e.Kind]
}
