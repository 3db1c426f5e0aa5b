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
	"sort"
)

// Builder constructs a Graph with validation.
//
// Description:
//
//	Builder validates that all dependencies exist and that no cycles are
//	present. Errors are accumulated and the first is returned by Build.
//
// Thread Safety:
//
//	Builder is NOT safe for concurrent use. Build the graph in a single goroutine.
//
// Example:
//
//	g, err := evaluator.NewBuilder("frame").
//	    AddNode(load).
//	    AddNode(blur).
//	    Build()
type Builder struct {
	name   string
	nodes  map[string]Node
	errors []error
}

// NewBuilder creates a new graph builder.
func NewBuilder(name string) *Builder {
	return &Builder{
		name:  name,
		nodes: make(map[string]Node),
	}
}

// AddNode adds a node to the graph. A nil node or duplicate name is
// recorded as an error reported by Build.
func (b *Builder) AddNode(node Node) *Builder {
	if node == nil {
		b.errors = append(b.errors, ErrNilNode)
		return b
	}
	name := node.Name()
	if _, exists := b.nodes[name]; exists {
		b.errors = append(b.errors, &NodeError{Node: name, Err: ErrDuplicateNode})
		return b
	}
	b.nodes[name] = node
	return b
}

// Build validates and constructs the graph.
//
// Outputs:
//
//	*Graph - The immutable graph.
//	error - The first accumulated error, ErrEmptyGraph, a *NodeError
//	        wrapping ErrNodeNotFound for an unknown dependency, or a
//	        *CycleError.
func (b *Builder) Build() (*Graph, error) {
	if len(b.errors) > 0 {
		return nil, b.errors[0]
	}
	if len(b.nodes) == 0 {
		return nil, ErrEmptyGraph
	}

	names := make([]string, 0, len(b.nodes))
	for name := range b.nodes {
		names = append(names, name)
	}
	sort.Strings(names)

	deps := make(map[string][]string, len(b.nodes))
	dependents := make(map[string][]string, len(b.nodes))
	for _, name := range names {
		for _, dep := range b.nodes[name].Dependencies() {
			if _, ok := b.nodes[dep]; !ok {
				return nil, &NodeError{Node: name, Err: ErrNodeNotFound}
			}
			deps[name] = append(deps[name], dep)
			dependents[dep] = append(dependents[dep], name)
		}
	}

	if err := detectCycles(names, deps); err != nil {
		return nil, err
	}

	return &Graph{
		name:       b.name,
		nodes:      b.nodes,
		names:      names,
		deps:       deps,
		dependents: dependents,
		levels:     levelize(names, deps),
	}, nil
}

// detectCycles uses DFS to find a dependency cycle.
func detectCycles(names []string, deps map[string][]string) error {
	visited := make(map[string]bool)
	onPath := make(map[string]bool)
	path := make([]string, 0)

	var dfs func(node string) error
	dfs = func(node string) error {
		visited[node] = true
		onPath[node] = true
		path = append(path, node)

		for _, dep := range deps[node] {
			if !visited[dep] {
				if err := dfs(dep); err != nil {
					return err
				}
			} else if onPath[dep] {
				start := 0
				for i, n := range path {
					if n == dep {
						start = i
						break
					}
				}
				cycle := append(append([]string{}, path[start:]...), dep)
				return &CycleError{Path: cycle}
			}
		}

		path = path[:len(path)-1]
		onPath[node] = false
		return nil
	}

	for _, name := range names {
		if !visited[name] {
			if err := dfs(name); err != nil {
				return err
			}
		}
	}
	return nil
}

// levelize groups nodes so every node's dependencies sit in earlier
// levels. Names within a level are sorted.
func levelize(names []string, deps map[string][]string) [][]string {
	level := make(map[string]int, len(names))
	var depth func(name string) int
	depth = func(name string) int {
		if l, ok := level[name]; ok {
			return l
		}
		l := 0
		for _, dep := range deps[name] {
			if d := depth(dep) + 1; d > l {
				l = d
			}
		}
		level[name] = l
		return l
	}

	var out [][]string
	for _, name := range names {
		l := depth(name)
		for len(out) <= l {
			out = append(out, nil)
		}
		out[l] = append(out[l], name)
	}
	return out
}

// Graph is an immutable, validated dependency graph of nodes.
//
// Thread Safety: Safe for concurrent use.
type Graph struct {
	name       string
	nodes      map[string]Node
	names      []string
	deps       map[string][]string
	dependents map[string][]string
	levels     [][]string
}

// Name returns the graph name.
func (g *Graph) Name() string { return g.name }

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Names returns node names in sorted order.
func (g *Graph) Names() []string { return append([]string(nil), g.names...) }

// Node returns the named node.
func (g *Graph) Node(name string) (Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// Levels returns nodes grouped into dependency levels. Nodes in one level
// are independent of each other.
func (g *Graph) Levels() [][]string {
	out := make([][]string, len(g.levels))
	for i, l := range g.levels {
		out[i] = append([]string(nil), l...)
	}
	return out
}

// Dependents returns the nodes that depend directly on name.
func (g *Graph) Dependents(name string) []string {
	return append([]string(nil), g.dependents[name]...)
}

// Descendants returns roots together with every node that transitively
// depends on any of them.
//
// Outputs:
//
//	map[string]bool - The closed set.
//	error - A *NodeError wrapping ErrNodeNotFound for an unknown root.
func (g *Graph) Descendants(roots ...string) (map[string]bool, error) {
	out := make(map[string]bool, len(roots))
	queue := make([]string, 0, len(roots))
	for _, r := range roots {
		if _, ok := g.nodes[r]; !ok {
			return nil, &NodeError{Node: r, Err: ErrNodeNotFound}
		}
		if !out[r] {
			out[r] = true
			queue = append(queue, r)
		}
	}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, d := range g.dependents[n] {
			if !out[d] {
				out[d] = true
				queue = append(queue, d)
			}
		}
	}
	return out, nil
}
