// Package apperr defines the error taxonomy shared by every store and the
// HTTP/WebSocket layers. Handlers never construct ad-hoc HTTP status codes —
// they return a *apperr.Error (or a sentinel wrapped in one) and let the
// transport layer translate Kind into a status code and response body.
package apperr

import (
	"errors"
	"fmt"
)

// Kind discriminates the class of failure. The zero value is never used —
// every Error is constructed with an explicit Kind via the New helpers below.
type Kind string

const (
	InvalidInput   Kind = "invalid_input"
	InvalidPatch   Kind = "invalid_patch"
	InvalidCursor  Kind = "invalid_cursor"
	InvalidToken   Kind = "invalid_token"
	NotAuthorized  Kind = "not_authorized"
	NotFound       Kind = "not_found"
	Conflict       Kind = "conflict"
	Internal       Kind = "internal"
)

// Error is the concrete error type returned by store and service methods.
// Msg is safe to show to a caller; Err (if set) is the underlying cause and
// is logged but never serialized into an HTTP response body.
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

// New builds an Error of the given kind with a caller-facing message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an Error of the given kind that carries an internal cause.
// The cause is never included in Msg — callers that need it use errors.As
// and read Err directly (e.g. for logging).
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to Internal for unrecognized
// errors so the HTTP layer always has a status code to map.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}
