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
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/guardrail/services/guardrail/policy"
)

// gaugeProbe is a MemoryProbe the test moves by hand.
type gaugeProbe struct {
	v atomic.Int64
}

func (g *gaugeProbe) Bytes() int64 { return g.v.Load() }

const mib = 1 << 20

func memoryPolicy(t *testing.T) *policy.Policy {
	t.Helper()
	return testPolicy(t,
		policy.WithMaxOperationDuration(time.Minute),
		policy.WithMaxEvaluationDuration(time.Minute),
		policy.WithMaxMemoryBytes(512*mib),
		policy.WithMaxAllocationBytes(16*mib),
		policy.WithMaxConcurrentOperations(16),
		policy.WithOnViolation(policy.ActionLogAndContinue),
	)
}

func TestMemory_OverlappingOperationsAreNotChargedForEachOther(t *testing.T) {
	probe := &gaugeProbe{}
	s := beginSession(t, memoryPolicy(t), WithMemoryProbe(probe))

	var idle []*Handle
	for i := 0; i < 8; i++ {
		h, err := s.Enter(context.Background(), "idle")
		require.NoError(t, err)
		idle = append(idle, h)
	}
	alloc, err := s.Enter(context.Background(), "alloc")
	require.NoError(t, err)

	probe.v.Add(17 * mib)
	require.NoError(t, alloc.Release(nil))
	for _, h := range idle {
		require.NoError(t, h.Release(nil))
		assert.Zero(t, h.MemoryDelta())
	}

	assert.Empty(t, s.Violations())
	snap := s.Snapshot()
	assert.Equal(t, int64(17*mib), snap.TotalMemoryDelta)
	assert.Zero(t, snap.InFlight)
}

func TestMemory_ExclusiveChainIsChargedProbedGrowth(t *testing.T) {
	probe := &gaugeProbe{}
	s := beginSession(t, memoryPolicy(t), WithMemoryProbe(probe))

	root, err := s.Enter(context.Background(), "root")
	require.NoError(t, err)
	child, err := s.Enter(root.Context(), "child")
	require.NoError(t, err)

	probe.v.Add(mib)
	child.Release(nil)
	probe.v.Add(mib)
	root.Release(nil)

	assert.Equal(t, int64(mib), child.MemoryDelta())
	assert.Equal(t, int64(2*mib), root.MemoryDelta())
	// The session counts process growth once, not per handle.
	assert.Equal(t, int64(2*mib), s.Snapshot().TotalMemoryDelta)
}

func TestMemory_SiblingDuringLifetimeFallsBackToTracked(t *testing.T) {
	probe := &gaugeProbe{}
	s := beginSession(t, memoryPolicy(t), WithMemoryProbe(probe))

	first, err := s.Enter(context.Background(), "first")
	require.NoError(t, err)
	second, err := s.Enter(context.Background(), "second")
	require.NoError(t, err)
	second.TrackResourceAllocation("texture", 4096)
	second.Release(nil)

	// first is alone again, but second overlapped part of its lifetime.
	probe.v.Add(mib)
	first.Release(nil)

	assert.Zero(t, first.MemoryDelta())
	assert.Equal(t, int64(4096), second.MemoryDelta())
	assert.Equal(t, int64(mib+4096), s.Snapshot().TotalMemoryDelta)

	// A later operation running alone is charged again.
	third, err := s.Enter(context.Background(), "third")
	require.NoError(t, err)
	probe.v.Add(mib)
	third.Release(nil)
	assert.Equal(t, int64(mib), third.MemoryDelta())
}

func TestMemory_RuntimeProbeWithConcurrentHandles(t *testing.T) {
	s := beginSession(t, memoryPolicy(t), WithMemoryProbe(RuntimeProbe{}))

	const idleOps = 8
	var entered, allocated, done sync.WaitGroup
	entered.Add(idleOps + 1)
	allocated.Add(1)

	deltas := make([]int64, idleOps)
	for i := 0; i < idleOps; i++ {
		done.Add(1)
		go func() {
			defer done.Done()
			h, err := s.Enter(context.Background(), "idle")
			entered.Done()
			if !assert.NoError(t, err) {
				return
			}
			allocated.Wait()
			h.Release(nil)
			deltas[i] = h.MemoryDelta()
		}()
	}

	var buf []byte
	done.Add(1)
	go func() {
		defer done.Done()
		h, err := s.Enter(context.Background(), "alloc")
		entered.Done()
		if !assert.NoError(t, err) {
			allocated.Done()
			return
		}
		entered.Wait()
		buf = make([]byte, 16*mib)
		for i := range buf {
			buf[i] = byte(i)
		}
		allocated.Done()
		h.Release(nil)
	}()
	done.Wait()
	runtime.KeepAlive(buf)

	for i, d := range deltas {
		assert.Zero(t, d, "idle op %d", i)
	}
	for _, v := range s.Violations() {
		assert.NotEqual(t, "idle", v.Operation, "unexpected %s", v)
	}
	assert.Less(t, s.Snapshot().TotalMemoryDelta, int64(2*16*mib))
}

func TestSnapshot_InFlightCountsAllChains(t *testing.T) {
	s := beginSession(t, memoryPolicy(t))

	var handles []*Handle
	for i := 0; i < 3; i++ {
		h, err := s.Enter(context.Background(), "root")
		require.NoError(t, err)
		handles = append(handles, h)
	}
	nested, err := s.Enter(handles[0].Context(), "nested")
	require.NoError(t, err)

	snap := s.Snapshot()
	assert.Equal(t, int32(4), snap.InFlight)
	assert.Equal(t, int32(2), snap.PeakDepth)
	assert.Equal(t, int32(3), snap.ActiveConcurrent)

	nested.Release(nil)
	for _, h := range handles {
		h.Release(nil)
	}
	snap = s.Snapshot()
	assert.Zero(t, snap.InFlight)
	assert.Equal(t, int32(2), snap.PeakDepth)
}

func TestViolationLog_AppendIsLinear(t *testing.T) {
	l := newViolationLog(1_000_000)

	early := l.snapshot()
	start := time.Now()
	for i := 0; i < 100_000; i++ {
		require.True(t, l.append(Violation{Type: KindDurationExceeded, Measured: int64(i)}))
	}
	elapsed := time.Since(start)

	got := l.snapshot()
	require.Len(t, got, 100_000)
	assert.Equal(t, int64(99_999), got[99_999].Measured)
	assert.Empty(t, early)
	assert.Equal(t, cap(got), len(got))
	assert.Less(t, elapsed, 5*time.Second)
}

func TestViolationLog_SnapshotsAreStable(t *testing.T) {
	l := newViolationLog(3)

	l.append(Violation{Measured: 1})
	first := l.snapshot()
	l.append(Violation{Measured: 2})
	l.append(Violation{Measured: 3})
	assert.False(t, l.append(Violation{Measured: 4}))

	require.Len(t, first, 1)
	assert.Equal(t, int64(1), first[0].Measured)
	assert.Len(t, l.snapshot(), 3)
	assert.Equal(t, int64(4), l.total.Load())
	assert.Equal(t, int64(1), l.dropped.Load())
}
