// Package raveerr defines the error taxonomy shared by every RAVE component.
//
// Every public operation in this module returns one of these kinds, wrapped
// with context via fmt.Errorf("...: %w", err) so callers can still use
// errors.Is/errors.As while the transport layers (CLI, HTTP, chat replies)
// map a taxonomy kind to a one-line user-facing message without leaking
// internals.
package raveerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the taxonomy buckets from the design
// document. KindInternal is the default for anything that does not fit a
// more specific bucket and is never surfaced verbatim to remote callers.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindAuth         Kind = "authentication"
	KindAuthz        Kind = "authorization"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindResource     Kind = "resource"
	KindTransient    Kind = "transient"
	KindCircuitOpen  Kind = "circuit_open"
	KindIntegrity    Kind = "integrity"
	KindInternal     Kind = "internal"
)

// Error is a taxonomy-tagged error. Build one with New, or with Wrap to
// carry a lower-level cause, so transport layers can branch on Kind without
// string matching.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a taxonomy error with a message and no cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a taxonomy error that carries a lower-level cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Of returns the Kind of err if it is (or wraps) a *Error, else KindInternal.
func Of(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err is (or wraps) a *Error of the given kind.
func Is(err error, kind Kind) bool {
	return Of(err) == kind
}
