// Package adserr defines the error taxonomy shared by the tree engine, the
// ledger stores and the batch coordinator.
package adserr

import (
	"errors"
	"fmt"
)

// Code classifies an error for callers and for logging.
type Code string

const (
	// CodeValidation marks malformed caller input. Not retryable.
	CodeValidation Code = "VALIDATION"

	// CodeConflict marks a competing batch formation. Retry with backoff.
	CodeConflict Code = "CONCURRENCY_CONFLICT"

	// CodeInvariant marks structural corruption of the tree: a failed
	// low-nullifier search, a broken sort order, or a root self-check
	// mismatch. Fatal without operator intervention.
	CodeInvariant Code = "TREE_INVARIANT_VIOLATION"

	// CodePersistence marks a storage failure inside the atomic unit.
	// Fully retryable, nothing partial was committed.
	CodePersistence Code = "PERSISTENCE"

	// CodeCapacity marks a tree with no free leaf slots.
	CodeCapacity Code = "CAPACITY_EXCEEDED"

	// CodeNotFound marks a missing record on a read path.
	CodeNotFound Code = "NOT_FOUND"
)

// Error carries a code plus an optional wrapped cause.
type Error struct {
	Code Code
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.msg)
}

func (e *Error) Unwrap() error { return e.err }

// Retryable reports whether the operation may be safely re-attempted
// from scratch.
func (e *Error) Retryable() bool {
	return e.Code == CodeConflict || e.Code == CodePersistence
}

func newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, msg: fmt.Sprintf(format, args...)}
}

func Validationf(format string, args ...any) *Error {
	return newf(CodeValidation, format, args...)
}

func Conflictf(format string, args ...any) *Error {
	return newf(CodeConflict, format, args...)
}

func Invariantf(format string, args ...any) *Error {
	return newf(CodeInvariant, format, args...)
}

func Capacityf(format string, args ...any) *Error {
	return newf(CodeCapacity, format, args...)
}

func NotFoundf(format string, args ...any) *Error {
	return newf(CodeNotFound, format, args...)
}

// Persistence wraps a storage error. The message names the operation
// that failed.
func Persistence(err error, format string, args ...any) *Error {
	e := newf(CodePersistence, format, args...)
	e.err = err
	return e
}

// Wrap attaches a cause to a freshly built error of the given code.
func Wrap(code Code, err error, format string, args ...any) *Error {
	e := newf(code, format, args...)
	e.err = err
	return e
}

// CodeOf extracts the taxonomy code from err, or "" if err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether err is a typed error that permits retry.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}
