// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package precondition

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// DefaultTraversalBudget bounds how many values Acyclic visits per input.
const DefaultTraversalBudget = 100_000

// Graph is implemented by inputs that expose an explicit adjacency list,
// such as node connection tables.
type Graph interface {
	Adjacency() map[string][]string
}

type acyclicRule struct {
	budget int
}

// Acyclic fails for every input that contains a reference cycle.
//
// Description:
//
//	Adjacency lists (map[string][]string or Graph) are checked for
//	directed cycles between their keys. Any other value is walked by
//	reflection following pointers, maps, slices, interfaces and struct
//	fields; revisiting a pointer or map already on the current path is
//	a cycle. Shared, non-cyclic references are not reported.
//
//	At most budget values are visited per input. An input that exhausts
//	the budget fails, because it could not be proven acyclic within the
//	allotted time. Non-positive budget means DefaultTraversalBudget.
func Acyclic(budget int) Constraint {
	if budget <= 0 {
		budget = DefaultTraversalBudget
	}
	return acyclicRule{budget: budget}
}

func (r acyclicRule) Check(name string, inputs Inputs) []Violation {
	var out []Violation
	for _, key := range sortedKeys(inputs) {
		v := inputs[key]

		var (
			path []string
			err  error
		)
		switch g := v.(type) {
		case Graph:
			path, err = adjacencyCycle(g.Adjacency(), r.budget)
		case map[string][]string:
			path, err = adjacencyCycle(g, r.budget)
		default:
			w := &walker{budget: r.budget, onPath: make(map[uintptr]bool), done: make(map[uintptr]bool)}
			var found bool
			found, err = w.walk(reflect.ValueOf(v))
			if found {
				path = []string{w.cycleAt}
			}
		}

		switch {
		case err != nil:
			out = append(out, Violation{Constraint: name, Input: key, Message: err.Error()})
		case path != nil:
			out = append(out, Violation{
				Constraint: name, Input: key,
				Message: "cyclic reference: " + strings.Join(path, " -> "),
			})
		}
	}
	return out
}

// adjacencyCycle returns the first cycle found, as a path of node names.
func adjacencyCycle(adj map[string][]string, budget int) ([]string, error) {
	const (
		white = iota
		grey
		black
	)

	color := make(map[string]int, len(adj))
	nodes := make([]string, 0, len(adj))
	for k := range adj {
		nodes = append(nodes, k)
	}
	sort.Strings(nodes)

	visited := 0
	var stack []string
	var cycle []string

	var visit func(n string) error
	visit = func(n string) error {
		visited++
		if visited > budget {
			return fmt.Errorf("graph exceeds traversal budget of %d nodes", budget)
		}
		color[n] = grey
		stack = append(stack, n)
		for _, next := range adj[n] {
			switch color[next] {
			case grey:
				start := 0
				for i, s := range stack {
					if s == next {
						start = i
						break
					}
				}
				cycle = append(append([]string(nil), stack[start:]...), next)
				return nil
			case white:
				if err := visit(next); err != nil {
					return err
				}
				if cycle != nil {
					return nil
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return nil
	}

	for _, n := range nodes {
		if color[n] != white {
			continue
		}
		if err := visit(n); err != nil {
			return nil, err
		}
		if cycle != nil {
			return cycle, nil
		}
	}
	return nil, nil
}

// walker performs a depth-first reflective walk looking for back edges.
type walker struct {
	budget  int
	visited int
	onPath  map[uintptr]bool
	done    map[uintptr]bool
	cycleAt string
}

func (w *walker) walk(v reflect.Value) (bool, error) {
	if !v.IsValid() {
		return false, nil
	}
	w.visited++
	if w.visited > w.budget {
		return false, fmt.Errorf("value exceeds traversal budget of %d elements", w.budget)
	}

	switch v.Kind() {
	case reflect.Pointer, reflect.Map:
		if v.IsNil() {
			return false, nil
		}
		id := v.Pointer()
		if w.onPath[id] {
			w.cycleAt = v.Type().String()
			return true, nil
		}
		if w.done[id] {
			return false, nil
		}
		w.onPath[id] = true
		defer func() {
			delete(w.onPath, id)
			w.done[id] = true
		}()

		if v.Kind() == reflect.Pointer {
			return w.walk(v.Elem())
		}
		iter := v.MapRange()
		for iter.Next() {
			if found, err := w.walk(iter.Value()); found || err != nil {
				return found, err
			}
		}
	case reflect.Interface:
		return w.walk(v.Elem())
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			return false, nil
		}
		if !containsReferences(v.Type().Elem()) {
			return false, nil
		}
		for i := 0; i < v.Len(); i++ {
			if found, err := w.walk(v.Index(i)); found || err != nil {
				return found, err
			}
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if found, err := w.walk(v.Field(i)); found || err != nil {
				return found, err
			}
		}
	}
	return false, nil
}

// containsReferences reports whether values of t can hold pointers to
// other walkable values. Flat element types such as []byte are skipped.
func containsReferences(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Interface, reflect.Slice, reflect.Struct, reflect.Array:
		return true
	}
	return false
}
