// Package apperr defines the error kinds surfaced to callers of the
// execution orchestrator. Backend errors are always wrapped; raw driver or
// store strings never reach the API layer.
package apperr

import (
	"errors"
	"fmt"
)

// Kind identifies a caller-visible error class.
type Kind string

const (
	KindForbidden           Kind = "Forbidden"
	KindNotFound            Kind = "NotFound"
	KindUnsupportedLanguage Kind = "UnsupportedLanguage"
	KindTooManyConcurrent   Kind = "TooManyConcurrent"
	KindRateLimited         Kind = "RateLimited"
	KindQuotaExceeded       Kind = "QuotaExceeded"
	KindSandboxUnavailable  Kind = "SandboxUnavailable"
	KindSetupFailed         Kind = "SetupFailed"
	KindInvalidRequest      Kind = "InvalidRequest"
	KindGitAuthRequired     Kind = "GitAuthRequired"
	KindGitRemoteMissing    Kind = "GitRemoteMissing"
	KindGitConflict         Kind = "GitConflict"
	KindGitInternal         Kind = "GitInternal"
	KindInternal            Kind = "Internal"
)

// Error carries a kind, a user-safe message, and an optional wrapped cause.
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

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the kind from err, defaulting to Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf extracts the user-safe message from err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
