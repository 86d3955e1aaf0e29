// Package fault defines the typed errors surfaced by the analysis engine.
package fault

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error for callers of the engine.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindStorageUnavailable Kind = "storage_unavailable"
	KindStageFailure       Kind = "stage_failure"
	KindIntegrityViolation Kind = "integrity_violation"
	KindCapacityExceeded   Kind = "capacity_exceeded"
	KindNotReady           Kind = "not_ready"
	KindNotFound           Kind = "not_found"
	KindCancelled          Kind = "cancelled"
	KindInternal           Kind = "internal"
)

// Error is the structured error returned by every exposed operation.
type Error struct {
	Kind    Kind
	Op      string
	Subject string
	Message string
	Err     error
}

// Sentinels for errors.Is matching by kind.
var (
	ErrValidation         = &Error{Kind: KindValidation}
	ErrStorageUnavailable = &Error{Kind: KindStorageUnavailable}
	ErrStageFailure       = &Error{Kind: KindStageFailure}
	ErrIntegrityViolation = &Error{Kind: KindIntegrityViolation}
	ErrCapacityExceeded   = &Error{Kind: KindCapacityExceeded}
	ErrNotReady           = &Error{Kind: KindNotReady}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrCancelled          = &Error{Kind: KindCancelled}
)

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Subject != "" {
		b.WriteString(" [")
		b.WriteString(e.Subject)
		b.WriteString("]")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so that errors.Is(err, fault.ErrNotFound) works
// regardless of operation or subject.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Subject == "" || t.Subject == e.Subject)
}

func newf(kind Kind, op, subject, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Subject: subject, Message: fmt.Sprintf(format, args...)}
}

func Validation(op, format string, args ...any) *Error {
	return newf(KindValidation, op, "", format, args...)
}

func NotFound(op, subject string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Subject: subject}
}

func NotReady(op, subject, format string, args ...any) *Error {
	return newf(KindNotReady, op, subject, format, args...)
}

func CapacityExceeded(op string, pending, limit int) *Error {
	return newf(KindCapacityExceeded, op, "", "pending queue depth %d exceeds limit %d", pending, limit)
}

func Integrity(op, subject, format string, args ...any) *Error {
	return newf(KindIntegrityViolation, op, subject, format, args...)
}

func StorageUnavailable(op string, err error) *Error {
	return &Error{Kind: KindStorageUnavailable, Op: op, Err: err}
}

func Stage(op, subject string, err error) *Error {
	return &Error{Kind: KindStageFailure, Op: op, Subject: subject, Err: err}
}

// KindOf classifies an arbitrary error. Unstructured errors are mapped the
// same way a worker classifies transport failures.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindStageFailure
	}
	msg := err.Error()
	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "temporary failure") {
		return KindStorageUnavailable
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
