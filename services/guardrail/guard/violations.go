// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package guard

import (
	"sync"
	"sync/atomic"
)

// violationLog is a bounded, append-only log.
//
// Writers serialize on mu and write each entry into spare capacity of buf,
// growing it geometrically up to limit. After the write they publish
// buf[:n:n], so readers load a slice whose elements are never written
// again, without locking. Once the log holds limit entries further
// violations are counted but dropped.
type violationLog struct {
	mu      sync.Mutex
	limit   int
	buf     []Violation
	entries atomic.Pointer[[]Violation]
	total   atomic.Int64
	dropped atomic.Int64
}

// initialViolationCap bounds the first allocation for large limits.
const initialViolationCap = 16

func newViolationLog(limit int) *violationLog {
	l := &violationLog{limit: limit}
	l.buf = make([]Violation, 0, min(limit, initialViolationCap))
	empty := l.buf[:0:0]
	l.entries.Store(&empty)
	return l
}

// append records v and reports whether it was retained.
func (l *violationLog) append(v Violation) bool {
	l.total.Add(1)

	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.buf)
	if n >= l.limit {
		l.dropped.Add(1)
		return false
	}
	if n == cap(l.buf) {
		grown := make([]Violation, n, min(max(2*n, initialViolationCap), l.limit))
		copy(grown, l.buf)
		l.buf = grown
	}
	l.buf = append(l.buf, v)
	published := l.buf[: n+1 : n+1]
	l.entries.Store(&published)
	return true
}

// snapshot returns the retained violations. The slice must not be modified.
func (l *violationLog) snapshot() []Violation {
	return *l.entries.Load()
}
