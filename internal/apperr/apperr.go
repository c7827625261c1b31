package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and HTTP mapping. Validation,
// conflict and fatal compute errors are never retried; transient compute
// errors are retried by the dispatcher's backoff policy.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindNotFound         Kind = "not_found"
	KindConflict         Kind = "conflict"
	KindComputeTransient Kind = "compute_transient"
	KindComputeFatal     Kind = "compute_fatal"
	KindLedger           Kind = "ledger"
	KindStorage          Kind = "storage"
)

var (
	// ErrNotFound is a generic sentinel for missing resources.
	ErrNotFound = errors.New("not found")
	// ErrConflict is a generic sentinel for duplicate or already-terminal writes.
	ErrConflict = errors.New("conflict")
)

type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func Validation(format string, args ...interface{}) *Error {
	return New(KindValidation, format, args...)
}

func NotFound(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...), Err: ErrNotFound}
}

func Conflict(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, Msg: fmt.Sprintf(format, args...), Err: ErrConflict}
}

func ComputeTransient(err error, msg string) *Error {
	return Wrap(KindComputeTransient, err, msg)
}

func ComputeFatal(err error, msg string) *Error {
	return Wrap(KindComputeFatal, err, msg)
}

func Ledger(format string, args ...interface{}) *Error {
	return New(KindLedger, format, args...)
}

func Storage(err error, msg string) *Error {
	return Wrap(KindStorage, err, msg)
}

// KindOf returns the taxonomy kind of err, or "" when err carries none.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// IsRetryable reports whether the dispatcher should re-attempt the work.
// Only transient compute failures and storage hiccups qualify.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindComputeTransient, KindStorage:
		return true
	}
	return false
}
