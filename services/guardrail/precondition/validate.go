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
	"sort"
)

// Validate runs every constraint against inputs.
//
// Description:
//
//	Constraints run in name order and each rule visits inputs in key
//	order, so the same arguments always produce the same violations in
//	the same order. Validate has no side effects.
//
// Inputs:
//   - constraints: Rules keyed by name. Nil or empty always passes.
//   - inputs: Values to validate. May be nil.
//
// Outputs:
//   - Result: OK when no rule reported a violation.
//
// Example:
//
//	res := precondition.Validate(
//	    precondition.Constraints{"maxSize": precondition.MaxSize(1_000_000)},
//	    precondition.Inputs{"data": 2_000_000},
//	)
//	// res.OK == false, res.Violations[0].Constraint == "maxSize"
func Validate(constraints Constraints, inputs Inputs) Result {
	if len(constraints) == 0 {
		return Result{OK: true}
	}
	if inputs == nil {
		inputs = Inputs{}
	}

	names := make([]string, 0, len(constraints))
	for name := range constraints {
		names = append(names, name)
	}
	sort.Strings(names)

	var violations []Violation
	for _, name := range names {
		rule := constraints[name]
		if rule == nil {
			continue
		}
		violations = append(violations, rule.Check(name, inputs)...)
	}

	return Result{OK: len(violations) == 0, Violations: violations}
}

// FromMap builds constraints from a shorthand map.
//
// Description:
//
//	Recognized keys and parameter shapes:
//
//	  maxSize    number          MaxSize
//	  minSize    number          MinSize
//	  range      [min, max]      Range
//	  required   []string        Required
//	  notNil     bool            NotNil (false omits it)
//	  forbidden  bool | []string Forbidden with the default table, or only
//	                             the named default signatures
//	  acyclic    bool | number   Acyclic with the default or given budget
//
//	The constraint keeps the key as its name, so violations report e.g.
//	"maxSize".
//
// Outputs:
//   - Constraints: The built rules.
//   - error: ErrUnknownConstraint or ErrInvalidConstraint on bad input.
func FromMap(m map[string]any) (Constraints, error) {
	out := make(Constraints, len(m))
	for key, param := range m {
		c, err := fromMapEntry(key, param)
		if err != nil {
			return nil, err
		}
		if c != nil {
			out[key] = c
		}
	}
	return out, nil
}

// MustFromMap is FromMap that panics on error, for static tables.
func MustFromMap(m map[string]any) Constraints {
	c, err := FromMap(m)
	if err != nil {
		panic(err)
	}
	return c
}

func fromMapEntry(key string, param any) (Constraint, error) {
	switch key {
	case "maxSize", "minSize":
		n, ok := toFloat(param)
		if !ok {
			return nil, invalidParam(key, param)
		}
		if key == "maxSize" {
			return MaxSize(int64(n)), nil
		}
		return MinSize(int64(n)), nil

	case "range":
		bounds, ok := floats(param)
		if !ok || len(bounds) != 2 || bounds[0] > bounds[1] {
			return nil, invalidParam(key, param)
		}
		return Range(bounds[0], bounds[1]), nil

	case "required":
		keys, ok := strs(param)
		if !ok {
			return nil, invalidParam(key, param)
		}
		return Required(keys...), nil

	case "notNil":
		on, ok := param.(bool)
		if !ok {
			return nil, invalidParam(key, param)
		}
		if !on {
			return nil, nil
		}
		return NotNil(), nil

	case "forbidden":
		if on, ok := param.(bool); ok {
			if !on {
				return nil, nil
			}
			return Forbidden(), nil
		}
		names, ok := strs(param)
		if !ok {
			return nil, invalidParam(key, param)
		}
		byName := make(map[string]Signature)
		for _, s := range DefaultSignatures() {
			byName[s.Name] = s
		}
		sigs := make([]Signature, 0, len(names))
		for _, n := range names {
			s, ok := byName[n]
			if !ok {
				return nil, fmt.Errorf("%w: forbidden: unknown signature %q", ErrInvalidConstraint, n)
			}
			sigs = append(sigs, s)
		}
		return Forbidden(sigs...), nil

	case "acyclic":
		if on, ok := param.(bool); ok {
			if !on {
				return nil, nil
			}
			return Acyclic(0), nil
		}
		n, ok := toFloat(param)
		if !ok || n <= 0 {
			return nil, invalidParam(key, param)
		}
		return Acyclic(int(n)), nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownConstraint, key)
}

func invalidParam(key string, param any) error {
	return fmt.Errorf("%w: %s: %v (%T)", ErrInvalidConstraint, key, param, param)
}

func floats(v any) ([]float64, bool) {
	switch t := v.(type) {
	case []float64:
		return t, true
	case []int:
		out := make([]float64, len(t))
		for i, n := range t {
			out[i] = float64(n)
		}
		return out, true
	case []any:
		out := make([]float64, len(t))
		for i, e := range t {
			f, ok := toFloat(e)
			if !ok {
				return nil, false
			}
			out[i] = f
		}
		return out, true
	}
	return nil, false
}

func strs(v any) ([]string, bool) {
	switch t := v.(type) {
	case []string:
		return t, true
	case string:
		return []string{t}, true
	case []any:
		out := make([]string, len(t))
		for i, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			out[i] = s
		}
		return out, true
	}
	return nil, false
}
