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
	"fmt"
	"strings"

	"github.com/AleutianAI/guardrail/services/guardrail/guard"
	"github.com/AleutianAI/guardrail/services/guardrail/precondition"
)

// InputKey is the input name under which a node receives the pass input.
const InputKey = "input"

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrNilContext is returned when a nil context is provided.
	ErrNilContext = errors.New("context must not be nil")

	// ErrNilGraph is returned when a nil graph is provided.
	ErrNilGraph = errors.New("graph must not be nil")

	// ErrNilNode is returned when adding a nil node.
	ErrNilNode = errors.New("node must not be nil")

	// ErrEmptyGraph is returned when building a graph without nodes.
	ErrEmptyGraph = errors.New("graph has no nodes")

	// ErrDuplicateNode is returned when two nodes share a name.
	ErrDuplicateNode = errors.New("duplicate node name")

	// ErrNodeNotFound is returned for references to unknown nodes.
	ErrNodeNotFound = errors.New("node not found")

	// ErrDependencyFailed marks nodes skipped because an upstream node
	// failed or was skipped.
	ErrDependencyFailed = errors.New("dependency failed")

	// ErrPassCancelled marks nodes skipped because the pass was cancelled.
	ErrPassCancelled = errors.New("pass cancelled")
)

// NodeError wraps an error with the node it concerns.
type NodeError struct {
	Node string
	Err  error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %q: %v", e.Node, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }

// CycleError reports a dependency cycle.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Path, " -> ")
}

// -----------------------------------------------------------------------------
// Node
// -----------------------------------------------------------------------------

// Node is one unit of work in an evaluation graph.
//
// Evaluate receives the outputs of its dependencies keyed by dependency
// name, plus the pass input under InputKey. The handle is the node's
// guarded operation: long-running nodes should call h.Checkpoint, and
// nodes that allocate large buffers should report them with
// h.TrackResourceAllocation. Nested work goes through guard.Execute with
// h.Context() so it is counted against the node's recursion depth.
type Node interface {
	Name() string
	Dependencies() []string
	Preconditions() precondition.Constraints
	Evaluate(ctx context.Context, h *guard.Handle, inputs precondition.Inputs) (any, error)
}

// EvaluateFunc is the signature of a FuncNode body.
type EvaluateFunc func(ctx context.Context, h *guard.Handle, inputs precondition.Inputs) (any, error)

// FuncNode wraps a function as a Node.
//
// Example:
//
//	blur := evaluator.NewFuncNode("blur", []string{"load"}, func(ctx context.Context, h *guard.Handle, in precondition.Inputs) (any, error) {
//	    return applyBlur(in["load"].(*Image)), nil
//	}).WithPreconditions(precondition.Constraints{"image": precondition.For("load", precondition.NotNil())})
type FuncNode struct {
	name        string
	deps        []string
	constraints precondition.Constraints
	fn          EvaluateFunc
}

// NewFuncNode creates a node from a function.
func NewFuncNode(name string, deps []string, fn EvaluateFunc) *FuncNode {
	return &FuncNode{name: name, deps: deps, fn: fn}
}

// WithPreconditions sets the constraints checked before each evaluation.
func (n *FuncNode) WithPreconditions(c precondition.Constraints) *FuncNode {
	n.constraints = c
	return n
}

// Name returns the node's unique identifier.
func (n *FuncNode) Name() string { return n.name }

// Dependencies returns the names of nodes that must complete first.
func (n *FuncNode) Dependencies() []string {
	if n.deps == nil {
		return []string{}
	}
	return n.deps
}

// Preconditions returns the node's input constraints.
func (n *FuncNode) Preconditions() precondition.Constraints { return n.constraints }

// Evaluate runs the wrapped function.
func (n *FuncNode) Evaluate(ctx context.Context, h *guard.Handle, inputs precondition.Inputs) (any, error) {
	if n.fn == nil {
		return nil, fmt.Errorf("%w: %s has no body", ErrNilNode, n.name)
	}
	return n.fn(ctx, h, inputs)
}
