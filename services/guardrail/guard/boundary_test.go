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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/guardrail/services/guardrail/policy"
)

var errIllegalMove = errors.New("illegal move")

func TestExecute_ReturnsValue(t *testing.T) {
	s := beginSession(t, testPolicy(t))

	v, err := Execute(context.Background(), s, "sum", func(ctx context.Context, h *Handle) (int, error) {
		return 1 + 2, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, v)
	assert.Empty(t, s.Violations())
}

func TestExecute_NilArguments(t *testing.T) {
	_, err := Execute[int](context.Background(), nil, "x", func(context.Context, *Handle) (int, error) { return 0, nil })
	assert.ErrorIs(t, err, ErrNilSession)

	s := beginSession(t, testPolicy(t))
	_, err = Execute[int](context.Background(), s, "x", nil)
	assert.ErrorIs(t, err, ErrNilAction)
}

func TestExecute_ExpectedErrorIsReturned(t *testing.T) {
	s := beginSession(t, testPolicy(t))

	_, err := Execute(context.Background(), s, "move", func(context.Context, *Handle) (int, error) {
		return 0, errIllegalMove
	})
	assert.Same(t, errIllegalMove, err)
	assert.Empty(t, s.Violations())
	assert.Equal(t, int64(1), s.Snapshot().Failed)
}

func TestExecute_PanicIsUnhandledFault(t *testing.T) {
	s := beginSession(t, testPolicy(t, policy.WithOnViolation(policy.ActionThrow)))

	_, err := Execute(context.Background(), s, "explode", func(context.Context, *Handle) (int, error) {
		panic("boom")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnhandledFault)
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "boom", pe.Value)
	assert.NotEmpty(t, pe.Stack)

	require.Len(t, s.Violations(), 1)
	assert.Equal(t, KindUnhandledFault, s.Violations()[0].Type)
	assert.Equal(t, StateActive, s.State())
}

func TestExecute_DepthRestoredAfterNestedPanic(t *testing.T) {
	s := beginSession(t, testPolicy(t))

	err := Run(context.Background(), s, "outer", func(ctx context.Context, h *Handle) error {
		return Run(ctx, s, "inner", func(ctx context.Context, h *Handle) error {
			assert.Equal(t, int32(2), h.Depth())
			panic(errors.New("inner failure"))
		})
	})
	assert.ErrorIs(t, err, ErrUnhandledFault)

	snap := s.Snapshot()
	assert.Zero(t, snap.InFlight)
	assert.Zero(t, snap.ActiveConcurrent)
	assert.Equal(t, int64(2), snap.OperationCount)
	assert.Equal(t, int32(2), snap.PeakDepth)
}

func TestExecute_UndeclaredErrorIsFault(t *testing.T) {
	s := beginSession(t, testPolicy(t))

	unexpected := errors.New("disk on fire")
	_, err := Execute(context.Background(), s, "move", func(context.Context, *Handle) (int, error) {
		return 0, unexpected
	}, RecoverOn(errIllegalMove))

	assert.ErrorIs(t, err, ErrUnhandledFault)
	assert.ErrorIs(t, err, unexpected)

	_, err = Execute(context.Background(), s, "move", func(context.Context, *Handle) (int, error) {
		return 0, errIllegalMove
	}, RecoverOn(errIllegalMove))
	assert.Same(t, errIllegalMove, err)

	_, err = Execute(context.Background(), s, "move", func(context.Context, *Handle) (int, error) {
		return 0, Recoverable(unexpected)
	}, RecoverOn(errIllegalMove))
	assert.ErrorIs(t, err, unexpected)
	assert.NotErrorIs(t, err, ErrUnhandledFault)

	assert.Len(t, s.Violations(), 1)
}

func TestExecute_LogAndContinueSwallowsFault(t *testing.T) {
	s := beginSession(t, testPolicy(t, policy.WithOnViolation(policy.ActionLogAndContinue)))

	v, err := Execute(context.Background(), s, "explode", func(context.Context, *Handle) (int, error) {
		panic("boom")
	})
	assert.NoError(t, err)
	assert.Zero(t, v)
	require.Len(t, s.Violations(), 1)
	assert.Equal(t, KindUnhandledFault, s.Violations()[0].Type)
}

func TestExecute_AbortCancelsOnFault(t *testing.T) {
	s := beginSession(t, testPolicy(t, policy.WithOnViolation(policy.ActionAbort)))

	err := Run(context.Background(), s, "explode", func(context.Context, *Handle) error {
		panic("boom")
	})
	assert.ErrorIs(t, err, ErrUnhandledFault)
	assert.Equal(t, StateCancelling, s.State())
}

func TestExecute_CancellationIsNotAFault(t *testing.T) {
	s := beginSession(t, testPolicy(t))

	err := Run(context.Background(), s, "long", func(ctx context.Context, h *Handle) error {
		s.Cancel("user")
		<-ctx.Done()
		return ctx.Err()
	}, RecoverOn(errIllegalMove))

	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, KindCancelled, KindOf(err))
	assert.Empty(t, s.Violations())
	assert.Equal(t, int64(1), s.Snapshot().Cancelled)
}

func TestExecute_AdmissionErrorsPropagate(t *testing.T) {
	s := beginSession(t, testPolicy(t))
	s.Finish()

	called := false
	err := Run(context.Background(), s, "late", func(context.Context, *Handle) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrSessionFinished)
	assert.False(t, called)
}

func TestTryExecute_ReportsWithoutPropagating(t *testing.T) {
	s := beginSession(t, testPolicy(t, policy.WithOnViolation(policy.ActionLogAndContinue)))

	ok, err := TryExecute(context.Background(), s, "fine", func(context.Context, *Handle) error { return nil })
	assert.True(t, ok)
	assert.NoError(t, err)

	ok, err = TryExecute(context.Background(), s, "explode", func(context.Context, *Handle) error {
		panic("boom")
	})
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrUnhandledFault)

	ok, err = TryExecute(context.Background(), s, "move", func(context.Context, *Handle) error {
		return errIllegalMove
	})
	assert.False(t, ok)
	assert.ErrorIs(t, err, errIllegalMove)
}
