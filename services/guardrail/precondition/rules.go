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
)

// Sizer lets structured inputs report their own size to MaxSize/MinSize.
type Sizer interface {
	Size() int64
}

// -----------------------------------------------------------------------------
// Presence
// -----------------------------------------------------------------------------

type requiredRule struct {
	keys []string
}

// Required fails for every listed key that is absent or nil.
func Required(keys ...string) Constraint {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	return requiredRule{keys: sorted}
}

func (r requiredRule) Check(name string, inputs Inputs) []Violation {
	var out []Violation
	for _, key := range r.keys {
		v, ok := inputs[key]
		switch {
		case !ok:
			out = append(out, Violation{Constraint: name, Input: key, Message: "required input is missing"})
		case isNil(v):
			out = append(out, Violation{Constraint: name, Input: key, Message: "required input is nil"})
		}
	}
	return out
}

type notNilRule struct{}

// NotNil fails for every input whose value is nil, including typed nils.
func NotNil() Constraint { return notNilRule{} }

func (notNilRule) Check(name string, inputs Inputs) []Violation {
	var out []Violation
	for _, key := range sortedKeys(inputs) {
		if isNil(inputs[key]) {
			out = append(out, Violation{Constraint: name, Input: key, Message: "value is nil"})
		}
	}
	return out
}

// -----------------------------------------------------------------------------
// Bounds
// -----------------------------------------------------------------------------

type sizeRule struct {
	limit float64
	max   bool
}

// MaxSize fails for every input whose size exceeds n.
//
// Size is the value itself for numbers, the length for strings, byte
// slices, slices, arrays and maps, and Size() for Sizer values. Inputs
// without a size are ignored.
func MaxSize(n int64) Constraint { return sizeRule{limit: float64(n), max: true} }

// MinSize fails for every input whose size is below n.
func MinSize(n int64) Constraint { return sizeRule{limit: float64(n)} }

func (r sizeRule) Check(name string, inputs Inputs) []Violation {
	var out []Violation
	for _, key := range sortedKeys(inputs) {
		size, ok := sizeOf(inputs[key])
		if !ok {
			continue
		}
		if r.max && !(size <= r.limit) {
			out = append(out, Violation{
				Constraint: name, Input: key,
				Message:  fmt.Sprintf("size %.0f exceeds maximum %.0f", size, r.limit),
				Measured: size, Limit: r.limit,
			})
		}
		if !r.max && !(size >= r.limit) {
			out = append(out, Violation{
				Constraint: name, Input: key,
				Message:  fmt.Sprintf("size %.0f is below minimum %.0f", size, r.limit),
				Measured: size, Limit: r.limit,
			})
		}
	}
	return out
}

type rangeRule struct {
	min, max float64
}

// Range fails for every numeric input outside [min, max], including NaN.
// Non-numeric inputs are ignored.
func Range(min, max float64) Constraint { return rangeRule{min: min, max: max} }

func (r rangeRule) Check(name string, inputs Inputs) []Violation {
	var out []Violation
	for _, key := range sortedKeys(inputs) {
		f, ok := toFloat(inputs[key])
		if !ok {
			continue
		}
		if !(f >= r.min && f <= r.max) {
			limit := r.max
			if f < r.min {
				limit = r.min
			}
			out = append(out, Violation{
				Constraint: name, Input: key,
				Message:  fmt.Sprintf("value %g outside [%g, %g]", f, r.min, r.max),
				Measured: f, Limit: limit,
			})
		}
	}
	return out
}

// -----------------------------------------------------------------------------
// Scoping
// -----------------------------------------------------------------------------

type scopedRule struct {
	key  string
	rule Constraint
}

// For applies c to a single input key. A missing key passes; combine with
// Required to demand presence.
func For(key string, c Constraint) Constraint { return scopedRule{key: key, rule: c} }

func (r scopedRule) Check(name string, inputs Inputs) []Violation {
	v, ok := inputs[r.key]
	if !ok {
		return nil
	}
	return r.rule.Check(name, Inputs{r.key: v})
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func sortedKeys(inputs Inputs) []string {
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

func toFloat(v any) (float64, bool) {
	if v == nil {
		return 0, false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}

func sizeOf(v any) (float64, bool) {
	if s, ok := v.(Sizer); ok {
		return float64(s.Size()), true
	}
	if f, ok := toFloat(v); ok {
		return f, true
	}
	if v == nil {
		return 0, false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String, reflect.Slice, reflect.Array, reflect.Map, reflect.Chan:
		return float64(rv.Len()), true
	}
	return 0, false
}
