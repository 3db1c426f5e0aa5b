// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stats

import (
	"math"
	"sync"
	"testing"
)

// -----------------------------------------------------------------------------
// Ring Tests
// -----------------------------------------------------------------------------

func TestRing_FillsBeforeWrapping(t *testing.T) {
	r := NewRing(4)
	r.Add(1)
	r.Add(2)

	got := r.Values()
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("Values() = %v, want [1 2]", got)
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}
}

func TestRing_EvictsOldest(t *testing.T) {
	r := NewRing(3)
	for i := 1; i <= 5; i++ {
		r.Add(float64(i))
	}

	got := r.Values()
	want := []float64{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("Values() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Values()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if r.Total() != 5 {
		t.Errorf("Total() = %d, want 5", r.Total())
	}
	if r.Len() != 3 {
		t.Errorf("Len() = %d, want 3", r.Len())
	}
}

func TestRing_DefaultCapacity(t *testing.T) {
	r := NewRing(0)
	if r.Capacity() != DefaultCapacity {
		t.Errorf("Capacity() = %d, want %d", r.Capacity(), DefaultCapacity)
	}
}

func TestRing_ConcurrentAdd(t *testing.T) {
	r := NewRing(64)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				r.Add(float64(i))
			}
		}()
	}
	wg.Wait()

	if r.Total() != 800 {
		t.Errorf("Total() = %d, want 800", r.Total())
	}
	if r.Len() != 64 {
		t.Errorf("Len() = %d, want 64", r.Len())
	}
}

// -----------------------------------------------------------------------------
// Summary Tests
// -----------------------------------------------------------------------------

func TestSummarize(t *testing.T) {
	samples := []float64{5, 1, 4, 2, 3}
	s := Summarize(samples)

	if s.Count != 5 {
		t.Errorf("Count = %d, want 5", s.Count)
	}
	if s.Min != 1 || s.Max != 5 {
		t.Errorf("Min/Max = %v/%v, want 1/5", s.Min, s.Max)
	}
	if s.Mean != 3 {
		t.Errorf("Mean = %v, want 3", s.Mean)
	}
	if s.P50 != 3 {
		t.Errorf("P50 = %v, want 3", s.P50)
	}
	if math.Abs(s.StdDev-math.Sqrt2) > 1e-9 {
		t.Errorf("StdDev = %v, want %v", s.StdDev, math.Sqrt2)
	}
	if samples[0] != 5 {
		t.Error("Summarize must not reorder its input")
	}
}

func TestSummarize_Empty(t *testing.T) {
	if s := Summarize(nil); s != (Summary{}) {
		t.Errorf("Summarize(nil) = %+v, want zero", s)
	}
}

func TestPercentile(t *testing.T) {
	sorted := []float64{10, 20, 30, 40, 50}

	tests := []struct {
		name string
		p    float64
		want float64
	}{
		{"min", 0, 10},
		{"median", 0.5, 30},
		{"interpolated", 0.9, 46},
		{"max", 1, 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Percentile(sorted, tt.p)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Percentile(%v) = %v, want %v", tt.p, got, tt.want)
			}
		})
	}
}

func TestFractionAbove(t *testing.T) {
	samples := []float64{1, 2, 3, 8, 9, 10, 1, 1, 1, 1}
	if got := FractionAbove(samples, 5); got != 0.3 {
		t.Errorf("FractionAbove() = %v, want 0.3", got)
	}
	if got := FractionAbove(nil, 5); got != 0 {
		t.Errorf("FractionAbove(nil) = %v, want 0", got)
	}
}
