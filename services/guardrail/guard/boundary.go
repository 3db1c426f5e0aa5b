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
	"context"
	"errors"

	"github.com/AleutianAI/guardrail/services/guardrail/policy"
	"github.com/AleutianAI/guardrail/services/guardrail/precondition"
)

// -----------------------------------------------------------------------------
// Call options
// -----------------------------------------------------------------------------

// CallOption configures a single Enter or Execute call.
type CallOption func(*callConfig)

type callConfig struct {
	constraints precondition.Constraints
	inputs      precondition.Inputs
	recoverable []error
	declared    bool
}

func newCallConfig(opts []CallOption) callConfig {
	var cfg callConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithPreconditions validates inputs against constraints before admission.
func WithPreconditions(constraints precondition.Constraints, inputs precondition.Inputs) CallOption {
	return func(c *callConfig) {
		c.constraints = constraints
		c.inputs = inputs
	}
}

// RecoverOn declares the errors the action is expected to return.
//
// Without RecoverOn every returned error is treated as an expected
// failure and only panics are unhandled faults. With RecoverOn, returned
// errors that match none of targets (by errors.Is) are unhandled faults
// too. Errors wrapped with Recoverable always count as expected.
func RecoverOn(targets ...error) CallOption {
	return func(c *callConfig) {
		c.recoverable = append(c.recoverable, targets...)
		c.declared = true
	}
}

func (c callConfig) expected(err error) bool {
	if IsRecoverable(err) {
		return true
	}
	var pe *PanicError
	if errors.As(err, &pe) {
		return false
	}
	if !c.declared {
		return true
	}
	for _, target := range c.recoverable {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// -----------------------------------------------------------------------------
// Error boundary
// -----------------------------------------------------------------------------

// Action is a unit of guarded work. ctx is the handle's context.
type Action[T any] func(ctx context.Context, h *Handle) (T, error)

type boundaryResult[T any] struct {
	value T
	err   error // what Execute returns
	fault error // any failure, including swallowed ones
}

// Execute runs fn inside a handle and contains its faults.
//
// Description:
//
//	Execute enters name on s, runs fn, and releases the handle on every
//	path. Panics are recovered into *PanicError. Expected errors (see
//	RecoverOn) are returned as ordinary results after budget evaluation.
//	Unexpected faults are recorded as KindUnhandledFault violations and
//	then follow the session policy: ActionThrow returns them,
//	ActionAbort returns them and cancels the session, and
//	ActionLogAndContinue swallows them and returns the zero value with
//	a nil error. A cancelled action yields a KindCancelled error.
//
// Inputs:
//   - ctx: Caller context. Pass a handle's context to nest.
//   - s: Session. Must not be nil.
//   - name: Operation name.
//   - fn: The action.
//   - opts: WithPreconditions and RecoverOn.
//
// Outputs:
//   - T: The action's value.
//   - error: A *GuardrailError, the action's own error, or nil.
//
// Example:
//
//	score, err := guard.Execute(ctx, s, "score", func(ctx context.Context, h *guard.Handle) (float64, error) {
//	    return scoreMove(ctx, move)
//	}, guard.RecoverOn(ErrIllegalMove))
func Execute[T any](ctx context.Context, s *Session, name string, fn Action[T], opts ...CallOption) (T, error) {
	o := guarded(ctx, s, name, fn, opts)
	return o.value, o.err
}

// Run is Execute for actions without a value.
func Run(ctx context.Context, s *Session, name string, fn func(ctx context.Context, h *Handle) error, opts ...CallOption) error {
	var action Action[struct{}]
	if fn != nil {
		action = func(ctx context.Context, h *Handle) (struct{}, error) {
			return struct{}{}, fn(ctx, h)
		}
	}
	_, err := Execute(ctx, s, name, action, opts...)
	return err
}

// TryExecute runs fn like Run but never propagates a failure.
//
// It reports whether the action completed without any failure, including
// faults the policy would otherwise swallow, along with that failure.
func TryExecute(ctx context.Context, s *Session, name string, fn func(ctx context.Context, h *Handle) error, opts ...CallOption) (bool, error) {
	var action Action[struct{}]
	if fn != nil {
		action = func(ctx context.Context, h *Handle) (struct{}, error) {
			return struct{}{}, fn(ctx, h)
		}
	}
	o := guarded(ctx, s, name, action, opts)
	return o.fault == nil, o.fault
}

func guarded[T any](ctx context.Context, s *Session, name string, fn Action[T], opts []CallOption) boundaryResult[T] {
	if s == nil {
		return boundaryResult[T]{err: ErrNilSession, fault: ErrNilSession}
	}
	if fn == nil {
		return boundaryResult[T]{err: ErrNilAction, fault: ErrNilAction}
	}

	h, err := s.Enter(ctx, name, opts...)
	if err != nil {
		return boundaryResult[T]{err: err, fault: err}
	}

	value, actErr := invoke(h, fn)
	result := h.Release(actErr)
	if actErr == nil {
		return boundaryResult[T]{value: value, err: result, fault: result}
	}

	if h.Outcome() == OutcomeCancelled {
		if KindOf(actErr) != KindCancelled {
			actErr = &GuardrailError{Kind: KindCancelled, Operation: name, SessionID: s.id, Cause: actErr}
		}
		return boundaryResult[T]{value: value, err: actErr, fault: actErr}
	}

	cfg := newCallConfig(opts)
	if cfg.expected(actErr) {
		return boundaryResult[T]{value: value, err: result, fault: result}
	}

	fault := s.recordFault(h, actErr)
	switch s.policy.OnViolation {
	case policy.ActionLogAndContinue:
		var zero T
		return boundaryResult[T]{value: zero, fault: fault}
	case policy.ActionAbort:
		s.Cancel("aborted after unhandled fault in " + name)
	}
	return boundaryResult[T]{value: value, err: fault, fault: fault}
}

func invoke[T any](h *Handle, fn Action[T]) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newPanicError(r)
		}
	}()
	return fn(h.Context(), h)
}
