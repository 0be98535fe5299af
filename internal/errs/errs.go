// Package errs defines the error taxonomy shared by every plexmem layer.
//
// Errors carry a Kind so callers can decide between retrying, surfacing a
// partial result, or failing the request, without string matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation policy.
type Kind int

const (
	// KindUnknown is the zero value; treated as non-retryable.
	KindUnknown Kind = iota
	// KindInvalid is malformed input: oversized content, dimension
	// mismatch, unknown module id. Never retried.
	KindInvalid
	// KindNotFound means the caller has no such memory. Rows owned by
	// other users are reported as NotFound, never as forbidden.
	KindNotFound
	// KindTransient is a timeout or 5xx; retried within the request budget.
	KindTransient
	// KindDegraded marks a partial federation result.
	KindDegraded
	// KindFatal is unrecoverable and refuses startup or module load.
	KindFatal
	// KindReconcile means step two of a two-step mutation failed; the
	// first step persists and a reconciliation task converges later.
	KindReconcile
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	case KindDegraded:
		return "degraded"
	case KindFatal:
		return "fatal"
	case KindReconcile:
		return "reconcile"
	default:
		return "unknown"
	}
}

// Error is a classified error.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error from a format string.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies an existing error. Returns nil for a nil cause.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the Kind from an error chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var me *ModuleError
	if errors.As(err, &me) {
		return me.Kind
	}
	var ce *CMIError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// IsNotFound reports whether err is a NotFound error.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsInvalid reports whether err is an Invalid error.
func IsInvalid(err error) bool { return KindOf(err) == KindInvalid }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// IsReconcile reports whether err left a two-step mutation half done.
func IsReconcile(err error) bool { return KindOf(err) == KindReconcile }

// ModuleError wraps an error that crossed the module boundary.
type ModuleError struct {
	ModuleID string
	Kind     Kind
	Err      error
}

func (e *ModuleError) Error() string {
	return fmt.Sprintf("module %s: %s: %v", e.ModuleID, e.Kind, e.Err)
}

func (e *ModuleError) Unwrap() error { return e.Err }

// Module wraps err with the module id, preserving an existing Kind.
func Module(moduleID string, err error) error {
	if err == nil {
		return nil
	}
	return &ModuleError{ModuleID: moduleID, Kind: KindOf(err), Err: err}
}

// CMIError wraps an error from the central memory index.
type CMIError struct {
	Kind Kind
	Err  error
}

func (e *CMIError) Error() string {
	return fmt.Sprintf("cmi: %s: %v", e.Kind, e.Err)
}

func (e *CMIError) Unwrap() error { return e.Err }

// CMI wraps err as a CMI-layer error, preserving an existing Kind.
func CMI(err error) error {
	if err == nil {
		return nil
	}
	return &CMIError{Kind: KindOf(err), Err: err}
}
