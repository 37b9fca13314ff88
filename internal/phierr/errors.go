// Package phierr defines the error taxonomy surfaced by the engine. Every
// error carries its kind and the offending field so callers can log and
// display it without re-scanning.
package phierr

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error.
type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindValidation    Kind = "validation"
	KindKeyManagement Kind = "key_management"
	KindPersistence   Kind = "persistence"
	KindAuthorization Kind = "authorization"
	KindConflict      Kind = "conflict"
	KindNotFound      Kind = "not_found"
)

// Sentinels usable with errors.Is to test the kind of any wrapped *Error.
var (
	ErrConfiguration = &Error{Kind: KindConfiguration}
	ErrValidation    = &Error{Kind: KindValidation}
	ErrKeyManagement = &Error{Kind: KindKeyManagement}
	ErrPersistence   = &Error{Kind: KindPersistence}
	ErrAuthorization = &Error{Kind: KindAuthorization}
	ErrConflict      = &Error{Kind: KindConflict}
	ErrNotFound      = &Error{Kind: KindNotFound}
)

// Error is a classified engine failure.
type Error struct {
	Kind  Kind
	Op    string
	Field string
	Err   error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Field != "" {
		msg += " (" + e.Field + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrValidation)
// works regardless of op and field.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op) && (t.Field == "" || t.Field == e.Field)
}

// Retryable reports whether the caller may retry the same request.
func (e *Error) Retryable() bool {
	return e.Kind == KindKeyManagement || e.Kind == KindPersistence || e.Kind == KindConflict
}

func newError(kind Kind, op, field string, err error) *Error {
	return &Error{Kind: kind, Op: op, Field: field, Err: err}
}

func Configuration(op, field string, err error) error {
	return newError(KindConfiguration, op, field, err)
}

func Validation(op, field string, err error) error {
	return newError(KindValidation, op, field, err)
}

func KeyManagement(op, field string, err error) error {
	return newError(KindKeyManagement, op, field, err)
}

func Persistence(op, field string, err error) error {
	return newError(KindPersistence, op, field, err)
}

func Authorization(op, field string, err error) error {
	return newError(KindAuthorization, op, field, err)
}

func Conflict(op, field string, err error) error {
	return newError(KindConflict, op, field, err)
}

func NotFound(op, field string, err error) error {
	return newError(KindNotFound, op, field, err)
}

// Validationf is a shorthand for validation errors with a formatted cause.
func Validationf(op, field, format string, args ...any) error {
	return Validation(op, field, fmt.Errorf(format, args...))
}

// Configurationf is a shorthand for configuration errors with a formatted cause.
func Configurationf(op, field, format string, args ...any) error {
	return Configuration(op, field, fmt.Errorf(format, args...))
}

// KindOf returns the kind of the first *Error in err's chain, or "" when
// err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// FieldOf returns the offending field of the first *Error in err's chain.
func FieldOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Field
	}
	return ""
}

// IsRetryable reports whether err is classified and retryable.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable()
}
