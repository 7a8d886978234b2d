package model

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of failure categories surfaced by the store,
// the collectors and the orchestrator. API handlers map kinds to HTTP codes.
type ErrorKind string

const (
	ErrNotFound           ErrorKind = "not_found"
	ErrConflict           ErrorKind = "conflict"
	ErrPreconditionFailed ErrorKind = "precondition_failed"
	ErrRemoteUnavailable  ErrorKind = "remote_unavailable"
	ErrRemoteMalformed    ErrorKind = "remote_malformed"
	ErrTimeout            ErrorKind = "timeout"
	ErrCancelled          ErrorKind = "cancelled"
	ErrInternal           ErrorKind = "internal"
)

// Error carries an ErrorKind alongside a human-readable message and an
// optional wrapped cause.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds a typed error without a cause.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a kind and message to an underlying error.
func WrapError(kind ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the ErrorKind from err, walking the wrap chain.
// Unrecognised errors report ErrInternal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return ErrInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool { return KindOf(err) == kind }
