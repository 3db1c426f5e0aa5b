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
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/guardrail/services/guardrail/policy"
)

func TestBucket_Stats(t *testing.T) {
	b := NewBucket("solve", 16)
	for i := 1; i <= 10; i++ {
		b.Add(OperationRecord{
			Name:           "solve",
			Elapsed:        time.Duration(i) * time.Millisecond,
			MemoryDelta:    int64(i * 100),
			Outcome:        OutcomeSuccess,
			DurationBudget: 10 * time.Millisecond,
		})
	}
	b.Add(OperationRecord{Name: "solve", Outcome: OutcomeFailed, DurationBudget: 10 * time.Millisecond})
	b.Add(OperationRecord{Name: "solve", Outcome: OutcomeCancelled, DurationBudget: 10 * time.Millisecond})

	st := b.Stats(0.8)
	assert.Equal(t, "solve", st.Name)
	assert.Equal(t, int64(12), st.Count)
	assert.Equal(t, int64(1), st.Failures)
	assert.Equal(t, int64(1), st.Cancellations)
	assert.InDelta(t, 1.0/11.0, st.FailureRate, 1e-9)
	assert.Equal(t, 12, st.Duration.Count)
	assert.Equal(t, float64(10*time.Millisecond), st.Duration.Max)
	// 9ms and 10ms exceed 8ms.
	assert.InDelta(t, 2.0/12.0, st.OverBudgetShare, 1e-9)
}

func TestRecommendations_SlowOperation(t *testing.T) {
	p := policy.Default()
	ops := []OperationStats{
		{
			Name:            "solve",
			Count:           10,
			DurationBudget:  p.MaxOperationDuration,
			OverBudgetShare: 0.5,
		},
		{
			Name:           "tiny",
			Count:          2,
			DurationBudget: p.MaxOperationDuration,
			FailureRate:    1,
		},
	}
	ops[0].Duration.Count = 10
	ops[1].Duration.Count = 2

	recs := Recommendations(ops, p, Advice{})
	require.Len(t, recs, 1)
	assert.Contains(t, recs[0], `operation "solve" exceeds 80% of its 100ms budget in 50% of calls`)
}

func TestRecommendations_FailuresAndMemory(t *testing.T) {
	p := policy.Default()
	op := OperationStats{Name: "load", Count: 20, FailureRate: 0.25}
	op.Duration.Count = 20
	op.Memory.P90 = float64(p.MaxAllocationBytes)

	recs := Recommendations([]OperationStats{op}, p, DefaultAdvice())
	require.Len(t, recs, 2)
	assert.Contains(t, recs[0], "max_allocation_bytes")
	assert.Contains(t, recs[1], "fails in 25% of completed calls")
}

func TestRecommendations_Deterministic(t *testing.T) {
	p := policy.Default()
	mk := func(name string) OperationStats {
		op := OperationStats{Name: name, FailureRate: 1}
		op.Duration.Count = 10
		return op
	}
	a := Recommendations([]OperationStats{mk("b"), mk("a")}, p, DefaultAdvice())
	b := Recommendations([]OperationStats{mk("a"), mk("b")}, p, DefaultAdvice())
	assert.Equal(t, a, b)
	assert.NotNil(t, Recommendations(nil, p, DefaultAdvice()))
}

func TestPerformanceReport_JSON(t *testing.T) {
	s := beginSession(t, testPolicy(t, policy.WithMaxRecursionDepth(1)))
	root, err := s.Enter(context.Background(), "root")
	require.NoError(t, err)
	_, _ = s.Enter(root.Context(), "child")
	root.Release(nil)

	data, err := json.Marshal(s.Finish())
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "session", decoded["scope"])
	assert.Equal(t, "default", decoded["policy"])
	violations := decoded["violations"].([]any)
	require.Len(t, violations, 1)
	assert.Equal(t, "recursion_exceeded", violations[0].(map[string]any)["type"])
}

func TestAdmission_TryAcquireRespectsLimit(t *testing.T) {
	a := newAdmission(2)
	assert.True(t, a.tryAcquire())
	assert.True(t, a.tryAcquire())
	assert.False(t, a.tryAcquire())
	a.release()
	assert.True(t, a.tryAcquire())
	assert.Equal(t, int32(2), a.peak.Load())
}

func TestAdmission_AcquireTimesOut(t *testing.T) {
	a := newAdmission(1)
	require.True(t, a.tryAcquire())

	err := a.acquire(context.Background(), 5*time.Millisecond, nil)
	assert.ErrorIs(t, err, errAdmissionTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = a.acquire(ctx, time.Second, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestViolation_String(t *testing.T) {
	v := Violation{
		Type:      KindDurationExceeded,
		Operation: "solve",
		Measured:  int64(50 * time.Millisecond),
		Threshold: int64(10 * time.Millisecond),
	}
	assert.Equal(t, "duration_exceeded solve: measured 50ms, threshold 10ms", v.String())

	err := v.Err(nil)
	assert.Equal(t, `guardrail: duration limit exceeded: operation "solve": measured 50ms, threshold 10ms`, err.Error())
}

func TestEnums_TextRoundTrip(t *testing.T) {
	for k := KindPreconditionFailed; k <= KindSessionFinished; k++ {
		text, err := k.MarshalText()
		require.NoError(t, err)
		var got Kind
		require.NoError(t, got.UnmarshalText(text))
		assert.Equal(t, k, got)
	}

	var st State
	require.NoError(t, st.UnmarshalText([]byte("cancelling")))
	assert.Equal(t, StateCancelling, st)

	var o Outcome
	require.NoError(t, o.UnmarshalText([]byte("cancelled")))
	assert.Equal(t, OutcomeCancelled, o)

	var k Kind
	assert.Error(t, k.UnmarshalText([]byte("bogus")))
}
