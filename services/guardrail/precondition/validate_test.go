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
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_MaxSizeShorthand(t *testing.T) {
	constraints := MustFromMap(map[string]any{"maxSize": 1_000_000})

	res := Validate(constraints, Inputs{"data": 2_000_000})
	require.False(t, res.OK)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, "maxSize", res.Violations[0].Constraint)
	assert.Equal(t, "data", res.Violations[0].Input)
	assert.Equal(t, float64(2_000_000), res.Violations[0].Measured)
	assert.Equal(t, float64(1_000_000), res.Violations[0].Limit)

	res = Validate(constraints, Inputs{"data": 500_000})
	assert.True(t, res.OK)
	assert.Empty(t, res.Violations)
	assert.NoError(t, res.Err())
}

func TestValidate_EmptyConstraintsPass(t *testing.T) {
	assert.True(t, Validate(nil, Inputs{"x": nil}).OK)
	assert.True(t, Validate(Constraints{}, nil).OK)
}

func TestValidate_Deterministic(t *testing.T) {
	constraints := Constraints{
		"b_max":  MaxSize(1),
		"a_req":  Required("z", "y"),
		"c_null": NotNil(),
	}
	inputs := Inputs{"k2": "long", "k1": "long", "n": nil}

	first := Validate(constraints, inputs)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, Validate(constraints, inputs))
	}

	require.False(t, first.OK)
	assert.Equal(t, "a_req", first.Violations[0].Constraint)
	assert.Equal(t, "y", first.Violations[0].Input)
	assert.Equal(t, "z", first.Violations[1].Input)
	assert.Equal(t, "b_max", first.Violations[2].Constraint)
	assert.Equal(t, "k1", first.Violations[2].Input)
}

func TestValidate_ErrUnwraps(t *testing.T) {
	res := Validate(Constraints{"required": Required("mesh")}, Inputs{})
	err := res.Err()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidationFailed))

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Violations, 1)
	assert.Contains(t, err.Error(), "required[mesh]")
}

func TestRequiredAndNotNil(t *testing.T) {
	var typedNil *int
	inputs := Inputs{"present": 1, "typed_nil": typedNil, "plain_nil": nil}

	res := Validate(Constraints{"required": Required("present", "typed_nil", "absent")}, inputs)
	require.Len(t, res.Violations, 2)
	assert.Equal(t, "absent", res.Violations[0].Input)
	assert.Equal(t, "typed_nil", res.Violations[1].Input)

	res = Validate(Constraints{"notNil": NotNil()}, inputs)
	require.Len(t, res.Violations, 2)
	assert.Equal(t, "plain_nil", res.Violations[0].Input)
	assert.Equal(t, "typed_nil", res.Violations[1].Input)
}

type blob struct{ n int64 }

func (b blob) Size() int64 { return b.n }

func TestSizeOf(t *testing.T) {
	tests := []struct {
		name  string
		value any
		size  float64
		ok    bool
	}{
		{"int", 42, 42, true},
		{"uint8", uint8(7), 7, true},
		{"float", 1.5, 1.5, true},
		{"string", "abcd", 4, true},
		{"bytes", []byte{1, 2, 3}, 3, true},
		{"slice", []int{1, 2}, 2, true},
		{"map", map[string]int{"a": 1}, 1, true},
		{"sizer", blob{n: 99}, 99, true},
		{"struct", struct{}{}, 0, false},
		{"nil", nil, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			size, ok := sizeOf(tt.value)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.size, size)
		})
	}
}

func TestMinSizeAndRange(t *testing.T) {
	res := Validate(Constraints{"min": MinSize(3)}, Inputs{"short": "ab", "ok": "abc"})
	require.Len(t, res.Violations, 1)
	assert.Equal(t, "short", res.Violations[0].Input)

	res = Validate(Constraints{"range": Range(0, 1)}, Inputs{"lo": -0.5, "mid": 0.5, "hi": 2, "text": "x"})
	require.Len(t, res.Violations, 2)
	assert.Equal(t, "hi", res.Violations[0].Input)
	assert.Equal(t, float64(1), res.Violations[0].Limit)
	assert.Equal(t, "lo", res.Violations[1].Input)
	assert.Equal(t, float64(0), res.Violations[1].Limit)
}

func TestRangeAndSize_RejectNaN(t *testing.T) {
	res := Validate(Constraints{"range": Range(0, 1)}, Inputs{"x": math.NaN()})
	assert.False(t, res.OK)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, "x", res.Violations[0].Input)

	res = Validate(Constraints{"max": MaxSize(10), "min": MinSize(1)}, Inputs{"x": math.NaN()})
	assert.False(t, res.OK)
	assert.Len(t, res.Violations, 2)
}

func TestFor_ScopesToOneInput(t *testing.T) {
	c := Constraints{"frameSize": For("frame", MaxSize(10))}

	res := Validate(c, Inputs{"frame": 11, "other": 1000})
	require.Len(t, res.Violations, 1)
	assert.Equal(t, "frame", res.Violations[0].Input)

	assert.True(t, Validate(c, Inputs{"other": 1000}).OK)
}

func TestForbidden(t *testing.T) {
	c := Constraints{"forbidden": Forbidden()}

	tests := []struct {
		name  string
		value any
		hit   string
	}{
		{"traversal", "assets/../../etc/passwd", "path_traversal"},
		{"script", "<SCRIPT>alert(1)</script>", "script_tag"},
		{"bytes", []byte("echo $(id)"), "shell_subst"},
		{"slice", []string{"fine", "x; DROP TABLE users"}, "sql_drop"},
		{"map", map[string]any{"path": "..\\win"}, "path_traversal_windows"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Validate(c, Inputs{"in": tt.value})
			require.False(t, res.OK)
			assert.Contains(t, res.Violations[0].Message, tt.hit)
		})
	}

	assert.True(t, Validate(c, Inputs{"in": "plain shader source", "n": 3}).OK)
}

func TestForbidden_CustomSignatures(t *testing.T) {
	c := Constraints{"deny": Forbidden(Signature{Name: "gpu_reset", Pattern: "RESET_DEVICE", Message: "device reset"})}

	res := Validate(c, Inputs{"cmd": "please reset_device now"})
	require.Len(t, res.Violations, 1)
	assert.Contains(t, res.Violations[0].Message, "gpu_reset")

	assert.True(t, Validate(c, Inputs{"cmd": "../ is fine here"}).OK)
}

type linked struct {
	Name string
	Next *linked
}

type adjacency map[string][]string

func (a adjacency) Adjacency() map[string][]string { return a }

func TestAcyclic(t *testing.T) {
	c := Constraints{"acyclic": Acyclic(0)}

	t.Run("pointer cycle", func(t *testing.T) {
		a := &linked{Name: "a"}
		b := &linked{Name: "b", Next: a}
		a.Next = b

		res := Validate(c, Inputs{"list": a})
		require.False(t, res.OK)
		assert.Contains(t, res.Violations[0].Message, "cyclic reference")
	})

	t.Run("self referencing map", func(t *testing.T) {
		m := map[string]any{}
		m["self"] = m
		assert.False(t, Validate(c, Inputs{"m": m}).OK)
	})

	t.Run("shared but acyclic", func(t *testing.T) {
		shared := &linked{Name: "leaf"}
		in := []*linked{{Name: "x", Next: shared}, {Name: "y", Next: shared}}
		assert.True(t, Validate(c, Inputs{"in": in}).OK)
	})

	t.Run("adjacency cycle", func(t *testing.T) {
		res := Validate(c, Inputs{"graph": map[string][]string{
			"blur":   {"output"},
			"output": {"noise"},
			"noise":  {"blur"},
		}})
		require.False(t, res.OK)
		assert.Equal(t, "cyclic reference: blur -> output -> noise -> blur", res.Violations[0].Message)
	})

	t.Run("graph interface acyclic", func(t *testing.T) {
		g := adjacency{"a": {"b", "c"}, "b": {"c"}, "c": nil}
		assert.True(t, Validate(c, Inputs{"graph": g}).OK)
	})

	t.Run("budget exhausted", func(t *testing.T) {
		long := make([]*linked, 50)
		for i := range long {
			long[i] = &linked{}
		}
		res := Validate(Constraints{"acyclic": Acyclic(10)}, Inputs{"long": long})
		require.False(t, res.OK)
		assert.True(t, strings.Contains(res.Violations[0].Message, "traversal budget"))
	})
}

func TestFromMap(t *testing.T) {
	c, err := FromMap(map[string]any{
		"maxSize":   100,
		"minSize":   1.0,
		"range":     []any{0, 10},
		"required":  []any{"a"},
		"notNil":    true,
		"forbidden": []string{"null_byte"},
		"acyclic":   500,
	})
	require.NoError(t, err)
	assert.Len(t, c, 7)

	c, err = FromMap(map[string]any{"notNil": false, "forbidden": false, "acyclic": false})
	require.NoError(t, err)
	assert.Empty(t, c)
}

func TestFromMap_Errors(t *testing.T) {
	_, err := FromMap(map[string]any{"maxFoo": 1})
	assert.ErrorIs(t, err, ErrUnknownConstraint)

	_, err = FromMap(map[string]any{"maxSize": "big"})
	assert.ErrorIs(t, err, ErrInvalidConstraint)

	_, err = FromMap(map[string]any{"range": []int{5, 1}})
	assert.ErrorIs(t, err, ErrInvalidConstraint)

	_, err = FromMap(map[string]any{"forbidden": []string{"nope"}})
	assert.ErrorIs(t, err, ErrInvalidConstraint)

	assert.Panics(t, func() { MustFromMap(map[string]any{"bogus": true}) })
}
