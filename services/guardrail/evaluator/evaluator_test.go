// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package evaluator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/guardrail/services/guardrail/guard"
	"github.com/AleutianAI/guardrail/services/guardrail/policy"
	"github.com/AleutianAI/guardrail/services/guardrail/precondition"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEvaluator(t *testing.T, p *policy.Policy, observers ...guard.Observer) *Evaluator {
	t.Helper()
	return New(&Options{
		Policy:    func() *policy.Policy { return p },
		Logger:    quietLogger(),
		Probe:     guard.NoopProbe{},
		Observers: observers,
	})
}

func mustPolicy(t *testing.T, opts ...policy.Option) *policy.Policy {
	t.Helper()
	p, err := policy.Default().With(opts...)
	require.NoError(t, err)
	return p
}

func constant(name string, v any, deps ...string) *FuncNode {
	return NewFuncNode(name, deps, func(context.Context, *guard.Handle, precondition.Inputs) (any, error) {
		return v, nil
	})
}

// sum adds the int outputs of its dependencies.
func sum(name string, calls *atomic.Int32, deps ...string) *FuncNode {
	return NewFuncNode(name, deps, func(_ context.Context, _ *guard.Handle, in precondition.Inputs) (any, error) {
		if calls != nil {
			calls.Add(1)
		}
		total := 0
		for _, d := range deps {
			total += in[d].(int)
		}
		return total, nil
	})
}

// =============================================================================
// Builder Tests
// =============================================================================

func TestBuilder_Levels(t *testing.T) {
	g, err := NewBuilder("frame").
		AddNode(constant("a", 1)).
		AddNode(constant("b", 2)).
		AddNode(sum("c", nil, "a", "b")).
		AddNode(sum("d", nil, "c")).
		AddNode(sum("e", nil, "a")).
		Build()
	require.NoError(t, err)

	assert.Equal(t, "frame", g.Name())
	assert.Equal(t, 5, g.Len())
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "e"}, {"d"}}, g.Levels())
	assert.ElementsMatch(t, []string{"c", "e"}, g.Dependents("a"))

	desc, err := g.Descendants("a")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"a": true, "c": true, "d": true, "e": true}, desc)
}

func TestBuilder_Errors(t *testing.T) {
	_, err := NewBuilder("empty").Build()
	assert.ErrorIs(t, err, ErrEmptyGraph)

	_, err = NewBuilder("nil").AddNode(nil).Build()
	assert.ErrorIs(t, err, ErrNilNode)

	_, err = NewBuilder("dup").AddNode(constant("a", 1)).AddNode(constant("a", 2)).Build()
	assert.ErrorIs(t, err, ErrDuplicateNode)

	_, err = NewBuilder("missing").AddNode(sum("b", nil, "ghost")).Build()
	assert.ErrorIs(t, err, ErrNodeNotFound)
	var nodeErr *NodeError
	require.ErrorAs(t, err, &nodeErr)
	assert.Equal(t, "b", nodeErr.Node)
}

func TestBuilder_DetectsCycle(t *testing.T) {
	_, err := NewBuilder("cycle").
		AddNode(sum("a", nil, "c")).
		AddNode(sum("b", nil, "a")).
		AddNode(sum("c", nil, "b")).
		Build()

	var cycle *CycleError
	require.ErrorAs(t, err, &cycle)
	assert.Len(t, cycle.Path, 4)
	assert.Equal(t, cycle.Path[0], cycle.Path[len(cycle.Path)-1])
}

// =============================================================================
// Evaluate Tests
// =============================================================================

func TestEvaluate_ComputesOutputs(t *testing.T) {
	g, err := NewBuilder("frame").
		AddNode(constant("a", 1)).
		AddNode(constant("b", 2)).
		AddNode(sum("c", nil, "a", "b")).
		AddNode(NewFuncNode("scaled", []string{"c"}, func(_ context.Context, _ *guard.Handle, in precondition.Inputs) (any, error) {
			return in["c"].(int) * in[InputKey].(int), nil
		})).
		Build()
	require.NoError(t, err)

	res, err := newEvaluator(t, policy.Default()).Evaluate(context.Background(), g, 10)
	require.NoError(t, err)

	assert.True(t, res.Succeeded())
	assert.NoError(t, res.Err())
	assert.Equal(t, 3, res.Outputs["c"])
	assert.Equal(t, 30, res.Outputs["scaled"])
	assert.Equal(t, []string{"a", "b", "c", "scaled"}, res.Evaluated)
	require.NotNil(t, res.Report)
	assert.Equal(t, res.PassID, res.Report.SessionID)
	assert.Equal(t, int64(4), res.Report.OperationCount)
}

func TestEvaluate_NilArguments(t *testing.T) {
	e := newEvaluator(t, policy.Default())

	//nolint:staticcheck // nil context is the case under test
	_, err := e.Evaluate(nil, nil, nil)
	assert.ErrorIs(t, err, ErrNilContext)

	_, err = e.Evaluate(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrNilGraph)
}

func TestEvaluate_ConcurrencyBoundedByPolicy(t *testing.T) {
	var active, peak atomic.Int32
	b := NewBuilder("wide")
	for _, name := range []string{"n1", "n2", "n3", "n4", "n5", "n6"} {
		b.AddNode(NewFuncNode(name, nil, func(context.Context, *guard.Handle, precondition.Inputs) (any, error) {
			cur := active.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			active.Add(-1)
			return nil, nil
		}))
	}
	g, err := b.Build()
	require.NoError(t, err)

	p := mustPolicy(t,
		policy.WithMaxConcurrentOperations(2),
		policy.WithAdmissionMode(policy.AdmissionReject),
	)
	res, err := newEvaluator(t, p).Evaluate(context.Background(), g, nil)
	require.NoError(t, err)

	assert.True(t, res.Succeeded(), "errors: %v", res.Err())
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(2), res.Report.PeakConcurrent)
	assert.Zero(t, res.Report.Rejected)
}

func TestEvaluate_FailureSkipsDescendants(t *testing.T) {
	boom := errors.New("boom")
	g, err := NewBuilder("frame").
		AddNode(constant("a", 1)).
		AddNode(NewFuncNode("b", []string{"a"}, func(context.Context, *guard.Handle, precondition.Inputs) (any, error) {
			return nil, boom
		})).
		AddNode(sum("c", nil, "b")).
		AddNode(sum("d", nil, "c")).
		AddNode(sum("e", nil, "a")).
		Build()
	require.NoError(t, err)

	res, err := newEvaluator(t, policy.Default()).Evaluate(context.Background(), g, nil)
	require.NoError(t, err)

	assert.False(t, res.Succeeded())
	assert.ErrorIs(t, res.Errors["b"], boom)
	assert.ErrorIs(t, res.Errors["c"], ErrDependencyFailed)
	assert.ErrorIs(t, res.Errors["d"], ErrDependencyFailed)
	assert.Equal(t, []string{"c", "d"}, res.Skipped)
	assert.Equal(t, 1, res.Outputs["e"])
	assert.ErrorIs(t, res.Err(), boom)
	assert.Equal(t, int64(1), res.Report.Failed)
}

func TestEvaluate_PreconditionFailure(t *testing.T) {
	g, err := NewBuilder("frame").
		AddNode(constant("a", nil)).
		AddNode(sum("b", nil, "a").WithPreconditions(precondition.Constraints{
			"a_present": precondition.For("a", precondition.NotNil()),
		})).
		Build()
	require.NoError(t, err)

	res, err := newEvaluator(t, policy.Default()).Evaluate(context.Background(), g, nil)
	require.NoError(t, err)

	assert.Equal(t, guard.KindPreconditionFailed, guard.KindOf(res.Errors["b"]))
	assert.Equal(t, int64(1), res.Report.FailedAttempts)
}

func TestEvaluate_PanicIsContained(t *testing.T) {
	g, err := NewBuilder("frame").
		AddNode(NewFuncNode("bad", nil, func(context.Context, *guard.Handle, precondition.Inputs) (any, error) {
			panic("index out of range")
		})).
		AddNode(constant("good", 7)).
		Build()
	require.NoError(t, err)

	res, err := newEvaluator(t, policy.Default()).Evaluate(context.Background(), g, nil)
	require.NoError(t, err)

	var pe *guard.PanicError
	assert.ErrorAs(t, res.Errors["bad"], &pe)
	assert.Equal(t, 7, res.Outputs["good"])
}

func TestEvaluate_AbortSkipsRemainingLevels(t *testing.T) {
	g, err := NewBuilder("frame").
		AddNode(NewFuncNode("slow", nil, func(context.Context, *guard.Handle, precondition.Inputs) (any, error) {
			time.Sleep(20 * time.Millisecond)
			return 1, nil
		})).
		AddNode(sum("next", nil, "slow")).
		Build()
	require.NoError(t, err)

	p := mustPolicy(t,
		policy.WithMaxOperationDuration(5*time.Millisecond),
		policy.WithOnViolation(policy.ActionAbort),
	)
	res, err := newEvaluator(t, p).Evaluate(context.Background(), g, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, res.Errors["next"], ErrPassCancelled)
	assert.Contains(t, res.Skipped, "next")
	assert.NotEmpty(t, res.Report.CancelReason)
}

func TestEvaluate_ContextCancelled(t *testing.T) {
	g, err := NewBuilder("frame").AddNode(constant("a", 1)).Build()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := newEvaluator(t, policy.Default()).Evaluate(ctx, g, nil)
	require.NoError(t, err)
	assert.Error(t, res.Errors["a"])
	assert.Empty(t, res.Outputs)
}

func TestEvaluate_NestedOperationsShareNodeSlot(t *testing.T) {
	g, err := NewBuilder("frame").
		AddNode(NewFuncNode("outer", nil, func(ctx context.Context, h *guard.Handle, _ precondition.Inputs) (any, error) {
			return guard.Execute(h.Context(), h.Session(), "inner", func(ctx context.Context, inner *guard.Handle) (int32, error) {
				return inner.Depth(), nil
			})
		})).
		Build()
	require.NoError(t, err)

	p := mustPolicy(t, policy.WithMaxConcurrentOperations(1))
	res, err := newEvaluator(t, p).Evaluate(context.Background(), g, nil)
	require.NoError(t, err)

	assert.Equal(t, int32(2), res.Outputs["outer"])
	_, ok := res.Report.Operation("inner")
	assert.True(t, ok)
	assert.Equal(t, int32(2), res.Report.PeakDepth)
}

type reportCollector struct {
	mu      sync.Mutex
	reports []*guard.PerformanceReport
}

func (c *reportCollector) ObserveOperation(guard.OperationRecord) {}

func (c *reportCollector) ObserveSession(r *guard.PerformanceReport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports = append(c.reports, r)
}

func TestEvaluate_NotifiesObserversAndSessionHook(t *testing.T) {
	g, err := NewBuilder("frame").AddNode(constant("a", 1)).Build()
	require.NoError(t, err)

	collector := &reportCollector{}
	var seen []string
	e := New(&Options{
		Logger:    quietLogger(),
		Probe:     guard.NoopProbe{},
		Observers: []guard.Observer{collector},
		OnSession: func(s *guard.Session) { seen = append(seen, s.ID()) },
	})

	res, err := e.Evaluate(context.Background(), g, nil)
	require.NoError(t, err)

	require.Len(t, collector.reports, 1)
	assert.Equal(t, res.PassID, collector.reports[0].SessionID)
	assert.Equal(t, []string{res.PassID}, seen)
}

// =============================================================================
// Incremental Tests
// =============================================================================

func TestEvaluateIncremental_ReusesCleanNodes(t *testing.T) {
	var aCalls, bCalls, cCalls, dCalls atomic.Int32
	count := func(name string, calls *atomic.Int32, v int) *FuncNode {
		return NewFuncNode(name, nil, func(context.Context, *guard.Handle, precondition.Inputs) (any, error) {
			calls.Add(1)
			return v, nil
		})
	}
	g, err := NewBuilder("frame").
		AddNode(count("a", &aCalls, 1)).
		AddNode(count("b", &bCalls, 2)).
		AddNode(sum("c", &cCalls, "a", "b")).
		AddNode(sum("d", &dCalls, "a")).
		Build()
	require.NoError(t, err)

	e := newEvaluator(t, policy.Default())
	first, err := e.Evaluate(context.Background(), g, nil)
	require.NoError(t, err)

	second, err := e.EvaluateIncremental(context.Background(), g, []string{"b"}, first)
	require.NoError(t, err)

	assert.Equal(t, []string{"b", "c"}, second.Evaluated)
	assert.Equal(t, []string{"a", "d"}, second.Reused)
	assert.Equal(t, int32(1), aCalls.Load())
	assert.Equal(t, int32(2), bCalls.Load())
	assert.Equal(t, int32(2), cCalls.Load())
	assert.Equal(t, int32(1), dCalls.Load())
	assert.Equal(t, 3, second.Outputs["c"])
	assert.Equal(t, 1, second.Outputs["d"])
	assert.NotEqual(t, first.PassID, second.PassID)
	assert.Equal(t, int64(2), second.Report.OperationCount)
}

func TestEvaluateIncremental_RetriesFailedNodes(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	g, err := NewBuilder("frame").
		AddNode(constant("a", 1)).
		AddNode(NewFuncNode("flaky", []string{"a"}, func(context.Context, *guard.Handle, precondition.Inputs) (any, error) {
			if fail.Load() {
				return nil, errors.New("transient")
			}
			return 5, nil
		})).
		Build()
	require.NoError(t, err)

	e := newEvaluator(t, policy.Default())
	first, err := e.Evaluate(context.Background(), g, nil)
	require.NoError(t, err)
	require.False(t, first.Succeeded())

	fail.Store(false)
	second, err := e.EvaluateIncremental(context.Background(), g, nil, first)
	require.NoError(t, err)

	assert.True(t, second.Succeeded())
	assert.Equal(t, []string{"flaky"}, second.Evaluated)
	assert.Equal(t, 5, second.Outputs["flaky"])
}

func TestEvaluateIncremental_UnknownNode(t *testing.T) {
	g, err := NewBuilder("frame").AddNode(constant("a", 1)).Build()
	require.NoError(t, err)

	e := newEvaluator(t, policy.Default())
	first, err := e.Evaluate(context.Background(), g, nil)
	require.NoError(t, err)

	_, err = e.EvaluateIncremental(context.Background(), g, []string{"ghost"}, first)
	assert.ErrorIs(t, err, ErrNodeNotFound)
}
