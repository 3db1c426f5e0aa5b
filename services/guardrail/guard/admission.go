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
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var errAdmissionTimeout = errors.New("timed out waiting for a concurrency slot")

// admission is a lock-free counting semaphore with an optional bounded wait.
//
// tryAcquire and release are pure atomics. Only waiters in queue mode touch
// mu, and release takes it only when someone is waiting.
type admission struct {
	limit   int32
	active  atomic.Int32
	peak    atomic.Int32
	waiters atomic.Int32

	mu    sync.Mutex
	freed chan struct{}
}

func newAdmission(limit int32) *admission {
	return &admission{limit: limit, freed: make(chan struct{})}
}

// tryAcquire takes a slot if one is free.
func (a *admission) tryAcquire() bool {
	for {
		cur := a.active.Load()
		if cur >= a.limit {
			return false
		}
		if a.active.CompareAndSwap(cur, cur+1) {
			raisePeak(&a.peak, cur+1)
			return true
		}
	}
}

// acquire waits up to timeout for a slot.
func (a *admission) acquire(ctx context.Context, timeout time.Duration, done <-chan struct{}) error {
	if a.tryAcquire() {
		return nil
	}

	a.waiters.Add(1)
	defer a.waiters.Add(-1)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		// Fetch the signal before retrying so a release between the two
		// cannot be missed.
		signal := a.signal()
		if a.tryAcquire() {
			return nil
		}
		select {
		case <-signal:
		case <-timer.C:
			return errAdmissionTimeout
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			return ErrCancelled
		}
	}
}

// release returns a slot and wakes waiters, if any.
func (a *admission) release() {
	a.active.Add(-1)
	if a.waiters.Load() == 0 {
		return
	}
	a.mu.Lock()
	close(a.freed)
	a.freed = make(chan struct{})
	a.mu.Unlock()
}

func (a *admission) signal() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freed
}

// raisePeak stores v in peak if it is larger than the current value.
func raisePeak(peak *atomic.Int32, v int32) {
	for {
		cur := peak.Load()
		if v <= cur || peak.CompareAndSwap(cur, v) {
			return
		}
	}
}
