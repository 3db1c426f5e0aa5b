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

import "sync"

// DefaultCapacity is the ring size used when a non-positive capacity is given.
const DefaultCapacity = 256

// Ring is a fixed-capacity ring buffer of float64 samples.
//
// Description:
//
//	Ring keeps the most recent Capacity samples. Once full, each Add
//	overwrites the oldest sample, so memory use never grows past the
//	capacity chosen at construction. Total counts every sample ever
//	added, including those that have since been overwritten.
//
// Thread Safety: Safe for concurrent use.
type Ring struct {
	mu    sync.Mutex
	buf   []float64
	next  int
	full  bool
	total int64
}

// NewRing creates a ring holding at most capacity samples.
//
// Inputs:
//   - capacity: Maximum retained samples. Non-positive means DefaultCapacity.
//
// Outputs:
//   - *Ring: The new ring. Never nil.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{buf: make([]float64, capacity)}
}

// Add records a sample, evicting the oldest one when full.
func (r *Ring) Add(v float64) {
	r.mu.Lock()
	r.buf[r.next] = v
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
	r.total++
	r.mu.Unlock()
}

// Values returns a copy of the retained samples, oldest first.
func (r *Ring) Values() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]float64, r.next)
		copy(out, r.buf[:r.next])
		return out
	}

	out := make([]float64, len(r.buf))
	n := copy(out, r.buf[r.next:])
	copy(out[n:], r.buf[:r.next])
	return out
}

// Len returns the number of retained samples.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// Total returns the number of samples ever added.
func (r *Ring) Total() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// Capacity returns the maximum number of retained samples.
func (r *Ring) Capacity() int {
	return len(r.buf)
}
