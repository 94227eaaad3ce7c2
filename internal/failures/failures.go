// Package failures defines the error kinds shared by the worker, the capture
// client and the supervisor. Every failure that crosses a component boundary
// is classified into exactly one Kind.
package failures

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure by who caused it and how it should be handled.
type Kind int

const (
	// Unknown is returned by KindOf for errors that were never classified.
	Unknown Kind = iota
	// InputError is a malformed request, unknown model or undecodable image.
	// Surfaced to the caller, never retried.
	InputError
	// TransientWorkerError is a timeout or refused connection while calling
	// the worker. Counted by the capture client.
	TransientWorkerError
	// WorkerInternalError is an inference exception inside the worker.
	WorkerInternalError
	// ProcessFailure is a crash, a failed startup or a failed probe streak.
	ProcessFailure
	// SupervisionExhausted is raised once the restart budget is used up.
	SupervisionExhausted
)

func (k Kind) String() string {
	switch k {
	case InputError:
		return "input_error"
	case TransientWorkerError:
		return "transient_worker_error"
	case WorkerInternalError:
		return "worker_internal_error"
	case ProcessFailure:
		return "process_failure"
	case SupervisionExhausted:
		return "supervision_exhausted"
	default:
		return "unknown"
	}
}

// Error carries a Kind alongside the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E wraps err with a kind and the name of the failed operation.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TransientWorkerError
	}
	return Unknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
