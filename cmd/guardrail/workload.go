// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/guardrail/services/guardrail/evaluator"
	"github.com/AleutianAI/guardrail/services/guardrail/guard"
	"github.com/AleutianAI/guardrail/services/guardrail/precondition"
)

// errSyntheticFailure marks the failures injected by --fail-every.
var errSyntheticFailure = errors.New("synthetic failure")

// workloadConfig shapes the synthetic graph.
type workloadConfig struct {
	// Nodes is the number of graph nodes.
	Nodes int

	// Work is the simulated busy time of each node.
	Work time.Duration

	// Alloc is the buffer each node allocates and reports.
	Alloc int64

	// Nested is the depth of the nested operation chain run by every
	// fourth node. Zero disables nesting.
	Nested int

	// FailEvery makes each node fail on every FailEvery-th invocation.
	// Zero disables failures.
	FailEvery int
}

func defaultWorkloadConfig() workloadConfig {
	return workloadConfig{
		Nodes:  16,
		Work:   500 * time.Microsecond,
		Alloc:  64 << 10,
		Nested: 2,
	}
}

func (c workloadConfig) validate() error {
	switch {
	case c.Nodes <= 0:
		return fmt.Errorf("nodes must be positive, got %d", c.Nodes)
	case c.Work < 0:
		return fmt.Errorf("work must not be negative, got %s", c.Work)
	case c.Alloc < 0:
		return fmt.Errorf("alloc must not be negative, got %d", c.Alloc)
	case c.Nested < 0:
		return fmt.Errorf("nested must not be negative, got %d", c.Nested)
	case c.FailEvery < 0:
		return fmt.Errorf("fail-every must not be negative, got %d", c.FailEvery)
	}
	return nil
}

// nodeName returns the name of the i-th synthetic node.
func nodeName(i int) string { return fmt.Sprintf("stage-%03d", i) }

// buildWorkload builds a layered DAG of synthetic nodes.
//
// Description:
//
//	Node i depends on node i-1 and node i/2 when those differ, which gives
//	a graph with both chains and fan-in. Every node requires its
//	dependencies to be non-nil. Nodes simulate work in checkpointed slices
//	so cancellation is observed promptly.
//
// Outputs:
//
//	*evaluator.Graph - The graph.
//	error - Non-nil if cfg is invalid.
func buildWorkload(cfg workloadConfig) (*evaluator.Graph, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	b := evaluator.NewBuilder("synthetic")
	for i := 0; i < cfg.Nodes; i++ {
		var deps []string
		if i > 0 {
			deps = append(deps, nodeName(i-1))
			if half := i / 2; half != i-1 {
				deps = append(deps, nodeName(half))
			}
		}

		constraints := precondition.Constraints{}
		for _, d := range deps {
			constraints[d] = precondition.For(d, precondition.NotNil())
		}

		b.AddNode(evaluator.NewFuncNode(nodeName(i), deps, syntheticBody(cfg, i)).
			WithPreconditions(constraints))
	}
	return b.Build()
}

// syntheticBody returns the evaluation function of node i.
func syntheticBody(cfg workloadConfig, i int) evaluator.EvaluateFunc {
	var calls atomic.Int64
	name := nodeName(i)
	return func(ctx context.Context, h *guard.Handle, inputs precondition.Inputs) (any, error) {
		n := calls.Add(1)

		if err := simulateWork(h, cfg.Work); err != nil {
			return nil, err
		}

		buf := make([]byte, cfg.Alloc)
		h.TrackResourceAllocation("buffer", int64(len(buf)))

		if cfg.Nested > 0 && i%4 == 0 {
			if err := nested(h.Context(), h.Session(), name, cfg.Nested, cfg.Work/4); err != nil {
				return nil, err
			}
		}

		if cfg.FailEvery > 0 && n%int64(cfg.FailEvery) == 0 {
			return nil, fmt.Errorf("%s call %d: %w", name, n, errSyntheticFailure)
		}

		sum := int64(len(buf))
		for k, v := range inputs {
			if k == evaluator.InputKey {
				continue
			}
			if size, ok := v.(int64); ok {
				sum += size
			}
		}
		return sum, nil
	}
}

// nested runs a chain of depth guarded operations below ctx.
func nested(ctx context.Context, s *guard.Session, name string, depth int, work time.Duration) error {
	if depth == 0 {
		return nil
	}
	return guard.Run(ctx, s, name+"/nested", func(ctx context.Context, h *guard.Handle) error {
		if err := simulateWork(h, work); err != nil {
			return err
		}
		return nested(ctx, s, name, depth-1, work)
	})
}

// simulateWork sleeps for d in slices, checking the handle between them.
func simulateWork(h *guard.Handle, d time.Duration) error {
	const slice = 250 * time.Microsecond
	deadline := time.Now().Add(d)
	for {
		if err := h.Checkpoint(); err != nil {
			return err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		time.Sleep(min(remaining, slice))
	}
}

// changedNodes returns the k nodes touched by frame, rotating through
// the graph so every node is eventually re-evaluated.
func changedNodes(nodes, k, frame int) []string {
	if k <= 0 || nodes <= 0 {
		return nil
	}
	if k > nodes {
		k = nodes
	}
	out := make([]string, 0, k)
	for j := 0; j < k; j++ {
		out = append(out, nodeName((frame*k+j)%nodes))
	}
	return out
}
