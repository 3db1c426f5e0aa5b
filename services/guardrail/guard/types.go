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
	"fmt"
	"time"
)

// SessionOperation is the operation name used for session-wide violations.
const SessionOperation = "<session>"

// -----------------------------------------------------------------------------
// Enums
// -----------------------------------------------------------------------------

// State is the lifecycle state of a Session.
type State int32

const (
	// StateActive accepts new operations.
	StateActive State = iota

	// StateCancelling rejects new operations; in-flight ones should stop at
	// their next checkpoint.
	StateCancelling

	// StateFinished is terminal. The final report has been produced.
	StateFinished
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCancelling:
		return "cancelling"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	for c := StateActive; c <= StateFinished; c++ {
		if c.String() == string(text) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", text)
}

// Outcome is the final disposition of an operation handle.
type Outcome int32

const (
	// OutcomePending means the handle has not been released.
	OutcomePending Outcome = iota

	// OutcomeSuccess means the action completed without error.
	OutcomeSuccess

	// OutcomeFailed means the action returned an error, panicked, or had its
	// result replaced by a guardrail fault.
	OutcomeFailed

	// OutcomeCancelled means the action stopped because of cancellation.
	// Cancelled operations never count as failures.
	OutcomeCancelled
)

// String returns the string representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeSuccess:
		return "success"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Outcome) UnmarshalText(text []byte) error {
	for c := OutcomePending; c <= OutcomeCancelled; c++ {
		if c.String() == string(text) {
			*o = c
			return nil
		}
	}
	return fmt.Errorf("unknown outcome %q", text)
}

// -----------------------------------------------------------------------------
// Records
// -----------------------------------------------------------------------------

// Violation is an immutable record of one breached constraint.
//
// Measured and Threshold are in the unit of Type: nanoseconds for
// durations, bytes for memory, and counts otherwise.
type Violation struct {
	Type      Kind      `json:"type"`
	Operation string    `json:"operation"`
	Measured  int64     `json:"measured"`
	Threshold int64     `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	Detail    string    `json:"detail,omitempty"`
}

// String formats the violation for logs.
func (v Violation) String() string {
	s := fmt.Sprintf("%s %s: measured %s, threshold %s",
		v.Type, v.Operation, formatQuantity(v.Type, v.Measured), formatQuantity(v.Type, v.Threshold))
	if v.Detail != "" {
		s += " (" + v.Detail + ")"
	}
	return s
}

// Err returns the violation as a *GuardrailError.
func (v Violation) Err(cause error) *GuardrailError {
	return &GuardrailError{
		Kind:      v.Type,
		Operation: v.Operation,
		SessionID: v.SessionID,
		Measured:  v.Measured,
		Threshold: v.Threshold,
		Cause:     cause,
	}
}

// OperationRecord is the finalized accounting of one released handle.
//
// Records are handed to observers after the handle's bookkeeping has
// completed and are never modified afterwards.
type OperationRecord struct {
	SessionID   string        `json:"session_id"`
	Name        string        `json:"name"`
	Depth       int32         `json:"depth"`
	Started     time.Time     `json:"started"`
	Elapsed     time.Duration `json:"elapsed"`
	MemoryDelta int64         `json:"memory_delta"`
	Outcome     Outcome       `json:"outcome"`
	Violations  []Kind        `json:"violations,omitempty"`

	// Budgets in force for the operation, for relative reporting.
	DurationBudget   time.Duration `json:"duration_budget"`
	AllocationBudget int64         `json:"allocation_budget"`
}

func durationString(ns int64) string {
	return time.Duration(ns).String()
}
