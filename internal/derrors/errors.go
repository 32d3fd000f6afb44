// Package derrors defines the typed error-kind scheme shared by every
// datamgr component. Components never return bare errors.New for
// domain failures; they return *Error so callers can branch on Kind
// with errors.As instead of string matching.
package derrors

import (
	"errors"
	"fmt"
)

// Kind categorizes a domain failure (spec §7).
type Kind string

const (
	SchemaMismatch        Kind = "SCHEMA_MISMATCH"
	DataExceedsCanon      Kind = "DATA_EXCEEDS_CANON"
	IdentityConflict      Kind = "IDENTITY_CONFLICT"
	InvalidKeyValue       Kind = "INVALID_KEY_VALUE"
	ContentHashMismatch   Kind = "CONTENT_HASH_MISMATCH"
	Busy                  Kind = "BUSY"
	IOFault               Kind = "IO_FAULT"
	LeaseDenied           Kind = "LEASE_DENIED"
	MergeInvariantViolated Kind = "MERGE_INVARIANT_VIOLATED"
	NotFound              Kind = "NOT_FOUND"
)

// Error is the concrete error type returned by every datamgr package.
// Context carries structured fields (dataset_uuid, subset_uuid, part_uuid,
// bid, ...) for logging; it is never interpolated into Message alone so
// that slog call sites can log fields independently of the message text.
type Error struct {
	Kind    Kind
	Message string
	Context map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// WithContext returns a copy of e with the given key merged into Context.
func (e *Error) WithContext(key string, value any) *Error {
	cp := *e
	cp.Context = make(map[string]any, len(e.Context)+1)
	for k, v := range e.Context {
		cp.Context[k] = v
	}
	cp.Context[key] = value
	return &cp
}

// New constructs an *Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an *Error of the given kind around a lower-level cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the Kind of err, or "" if err is not a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
