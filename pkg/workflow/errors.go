package workflow

import (
	"errors"
	"fmt"
)

// Kind classifies workflow errors so callers can decide whether to retry,
// fix input, or stop. Kinds are stable; the HTTP layer maps them to
// status codes and problem type URIs.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindForbidden        Kind = "forbidden"
	KindNotFound         Kind = "not_found"
	KindStateConflict    Kind = "state_conflict"
	KindAlreadyProcessed Kind = "already_processed"
	KindSigningProvider  Kind = "signing_provider"
	KindCredential       Kind = "credential"
)

// Error is a classified workflow error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Errf builds a classified error with a formatted message.
func Errf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind of err, or "" if err is not a workflow error.
func KindOf(err error) Kind {
	var we *Error
	if errors.As(err, &we) {
		return we.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
