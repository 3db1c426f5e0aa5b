// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package guard

import (
	"errors"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/AleutianAI/guardrail/services/guardrail/policy"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrPreconditionFailed is returned when input validation rejects an operation.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrRecursionExceeded is returned when nesting would exceed MaxRecursionDepth.
	ErrRecursionExceeded = errors.New("recursion depth exceeded")

	// ErrConcurrencyExceeded is returned when no concurrency slot is available.
	ErrConcurrencyExceeded = errors.New("concurrency limit exceeded")

	// ErrDurationExceeded marks an operation or session that ran past its budget.
	ErrDurationExceeded = errors.New("duration limit exceeded")

	// ErrMemoryExceeded marks an operation or session that used too much memory.
	ErrMemoryExceeded = errors.New("memory limit exceeded")

	// ErrOperationCountExceeded is returned when a session admitted its maximum operations.
	ErrOperationCountExceeded = errors.New("operation count exceeded")

	// ErrCancelled marks work that stopped because its session was cancelled.
	ErrCancelled = errors.New("operation cancelled")

	// ErrUnhandledFault wraps a panic or undeclared error raised by a guarded action.
	ErrUnhandledFault = errors.New("unhandled fault in guarded operation")

	// ErrConfigurationInvalid is returned for invalid policies.
	ErrConfigurationInvalid = policy.ErrConfigurationInvalid

	// ErrSessionFinished is returned by Enter after Finish.
	ErrSessionFinished = errors.New("session finished")

	// ErrNilSession is returned when a nil session is passed to the error boundary.
	ErrNilSession = errors.New("session must not be nil")

	// ErrNilContext is returned when a nil context is provided.
	ErrNilContext = errors.New("context must not be nil")

	// ErrNilAction is returned when the error boundary is given a nil action.
	ErrNilAction = errors.New("action must not be nil")
)

// -----------------------------------------------------------------------------
// Kind
// -----------------------------------------------------------------------------

// Kind classifies guardrail failures and violations.
type Kind int

const (
	// KindPreconditionFailed indicates rejected inputs.
	KindPreconditionFailed Kind = iota + 1

	// KindRecursionExceeded indicates nesting beyond MaxRecursionDepth.
	KindRecursionExceeded

	// KindConcurrencyExceeded indicates no admission slot.
	KindConcurrencyExceeded

	// KindDurationExceeded indicates a wall-clock budget breach.
	KindDurationExceeded

	// KindMemoryExceeded indicates a memory budget breach.
	KindMemoryExceeded

	// KindOperationCountExceeded indicates too many operations in one session.
	KindOperationCountExceeded

	// KindCancelled indicates cooperative cancellation.
	KindCancelled

	// KindUnhandledFault indicates a panic or undeclared error in an action.
	KindUnhandledFault

	// KindConfigurationInvalid indicates an invalid policy.
	KindConfigurationInvalid

	// KindSessionFinished indicates use of a finished session.
	KindSessionFinished
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindPreconditionFailed:
		return "precondition_failed"
	case KindRecursionExceeded:
		return "recursion_exceeded"
	case KindConcurrencyExceeded:
		return "concurrency_exceeded"
	case KindDurationExceeded:
		return "duration_exceeded"
	case KindMemoryExceeded:
		return "memory_exceeded"
	case KindOperationCountExceeded:
		return "operation_count_exceeded"
	case KindCancelled:
		return "cancelled"
	case KindUnhandledFault:
		return "unhandled_fault"
	case KindConfigurationInvalid:
		return "configuration_invalid"
	case KindSessionFinished:
		return "session_finished"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	for c := KindPreconditionFailed; c <= KindSessionFinished; c++ {
		if c.String() == string(text) {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("unknown violation kind %q", text)
}

// IsResourceLimit reports whether the kind is one of the policy-dependent
// resource threshold kinds.
func (k Kind) IsResourceLimit() bool {
	switch k {
	case KindRecursionExceeded, KindConcurrencyExceeded, KindDurationExceeded,
		KindMemoryExceeded, KindOperationCountExceeded:
		return true
	}
	return false
}

// Sentinel returns the sentinel error for the kind.
func (k Kind) Sentinel() error {
	switch k {
	case KindPreconditionFailed:
		return ErrPreconditionFailed
	case KindRecursionExceeded:
		return ErrRecursionExceeded
	case KindConcurrencyExceeded:
		return ErrConcurrencyExceeded
	case KindDurationExceeded:
		return ErrDurationExceeded
	case KindMemoryExceeded:
		return ErrMemoryExceeded
	case KindOperationCountExceeded:
		return ErrOperationCountExceeded
	case KindCancelled:
		return ErrCancelled
	case KindUnhandledFault:
		return ErrUnhandledFault
	case KindConfigurationInvalid:
		return ErrConfigurationInvalid
	case KindSessionFinished:
		return ErrSessionFinished
	default:
		return nil
	}
}

// -----------------------------------------------------------------------------
// GuardrailError
// -----------------------------------------------------------------------------

// GuardrailError is the error type returned by sessions and the error boundary.
//
// Description:
//
//	GuardrailError unwraps to both the sentinel for its Kind and the
//	underlying Cause, so callers can match either:
//
//	  errors.Is(err, guard.ErrRecursionExceeded)
//	  errors.Is(err, io.ErrUnexpectedEOF) // the action's own error
//
//	Measured and Threshold are in the unit of the kind: nanoseconds for
//	durations, bytes for memory, and plain counts otherwise.
type GuardrailError struct {
	Kind      Kind
	Operation string
	SessionID string
	Measured  int64
	Threshold int64
	Cause     error
}

// Error implements the error interface.
func (e *GuardrailError) Error() string {
	var b strings.Builder
	b.WriteString("guardrail: ")
	if s := e.Kind.Sentinel(); s != nil {
		b.WriteString(s.Error())
	} else {
		b.WriteString(e.Kind.String())
	}
	if e.Operation != "" {
		fmt.Fprintf(&b, ": operation %q", e.Operation)
	}
	if e.Threshold != 0 || e.Measured != 0 {
		fmt.Fprintf(&b, ": measured %s, threshold %s",
			formatQuantity(e.Kind, e.Measured), formatQuantity(e.Kind, e.Threshold))
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap returns the kind sentinel and the cause.
func (e *GuardrailError) Unwrap() []error {
	out := make([]error, 0, 2)
	if s := e.Kind.Sentinel(); s != nil {
		out = append(out, s)
	}
	if e.Cause != nil {
		out = append(out, e.Cause)
	}
	return out
}

// KindOf returns the Kind of the first GuardrailError in err's chain, or
// zero if there is none.
func KindOf(err error) Kind {
	var ge *GuardrailError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return 0
}

// -----------------------------------------------------------------------------
// Faults
// -----------------------------------------------------------------------------

// PanicError carries a value recovered from a panicking action.
type PanicError struct {
	Value any
	Stack []byte
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap returns the panic value when it is an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

func newPanicError(v any) *PanicError {
	return &PanicError{Value: v, Stack: debug.Stack()}
}

// recoverableError marks an error as a declared, expected failure.
type recoverableError struct {
	err error
}

func (e *recoverableError) Error() string { return e.err.Error() }
func (e *recoverableError) Unwrap() error { return e.err }

// Recoverable marks err as a declared recoverable fault. The error boundary
// returns such errors to the caller as ordinary results regardless of
// which recoverable kinds the call site declared. Nil stays nil.
func Recoverable(err error) error {
	if err == nil {
		return nil
	}
	return &recoverableError{err: err}
}

// IsRecoverable reports whether err was marked with Recoverable.
func IsRecoverable(err error) bool {
	var re *recoverableError
	return errors.As(err, &re)
}

func formatQuantity(k Kind, v int64) string {
	switch k {
	case KindDurationExceeded:
		return durationString(v)
	case KindMemoryExceeded:
		return fmt.Sprintf("%dB", v)
	default:
		return fmt.Sprintf("%d", v)
	}
}
