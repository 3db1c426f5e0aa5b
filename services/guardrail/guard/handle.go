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
	"sync"
	"sync/atomic"
	"time"
)

type handleKey struct{}

// HandleFromContext returns the handle stored in ctx by Enter, or nil.
func HandleFromContext(ctx context.Context) *Handle {
	if ctx == nil {
		return nil
	}
	h, _ := ctx.Value(handleKey{}).(*Handle)
	return h
}

// Handle is the scoped token for one admitted operation.
//
// Description:
//
//	A Handle is created by Session.Enter and finalized by Release. The
//	first Release records the operation's duration and memory, restores
//	depth and concurrency counters, evaluates budgets and returns the
//	result. Later calls return the same result and change nothing, so
//	Release is safe to defer and also call explicitly.
//
//	Context returns a context carrying the handle. It is cancelled when
//	the session is cancelled or finished, when the caller's context is
//	cancelled, and after Release.
//
// Thread Safety: Release, Checkpoint, TrackResourceAllocation and the
// accessors are safe for concurrent use.
type Handle struct {
	session   *Session
	parent    *Handle
	name      string
	depth     int32
	root      bool
	start     time.Time
	baseline  int64
	parentCtx context.Context

	// entrySeq and entryInFlight are the session occupancy at entry;
	// subtree counts released descendants.
	entrySeq      uint32
	entryInFlight uint32
	subtree       atomic.Uint32

	ctx    context.Context
	cancel context.CancelCauseFunc
	stop   func() bool

	tracked     atomic.Int64
	allocMu     sync.Mutex
	allocations map[string]int64

	once    sync.Once
	result  error
	outcome atomic.Int32
	elapsed atomic.Int64
	memory  atomic.Int64
}

func newHandle(ctx context.Context, s *Session, name string, parent *Handle, depth int32, root bool) *Handle {
	occ := s.occupancy.Add(1<<32 | 1)
	h := &Handle{
		session:       s,
		parent:        parent,
		name:          name,
		depth:         depth,
		root:          root,
		parentCtx:     ctx,
		baseline:      s.probe.Bytes(),
		entrySeq:      uint32(occ >> 32),
		entryInFlight: uint32(occ),
	}
	hctx, cancel := context.WithCancelCause(ctx)
	h.cancel = cancel
	h.stop = context.AfterFunc(s.ctx, func() {
		cancel(context.Cause(s.ctx))
	})
	h.ctx = context.WithValue(hctx, handleKey{}, h)
	h.start = time.Now()
	return h
}

// exclusive reports whether every handle that overlapped h was one of its
// ancestors or descendants, so the probed memory delta belongs to h's
// call chain alone. Call before h leaves the session occupancy.
func (h *Handle) exclusive() bool {
	if h.entryInFlight != uint32(h.depth) {
		return false
	}
	entered := uint32(h.session.occupancy.Load()>>32) - h.entrySeq
	return entered == h.subtree.Load()
}

// Name returns the operation name.
func (h *Handle) Name() string { return h.name }

// Depth returns the handle's position in its call chain, starting at 1.
func (h *Handle) Depth() int32 { return h.depth }

// Session returns the owning session.
func (h *Handle) Session() *Session { return h.session }

// Context returns the handle's context. Pass it to nested Enter calls.
func (h *Handle) Context() context.Context { return h.ctx }

// Outcome returns OutcomePending until Release, then the final outcome.
func (h *Handle) Outcome() Outcome { return Outcome(h.outcome.Load()) }

// Elapsed returns the running time, frozen at Release.
func (h *Handle) Elapsed() time.Duration {
	if h.Outcome() != OutcomePending {
		return time.Duration(h.elapsed.Load())
	}
	return time.Since(h.start)
}

// MemoryDelta returns the memory attributed to the operation at Release.
// Before Release it returns the tracked allocations only.
func (h *Handle) MemoryDelta() int64 {
	if h.Outcome() != OutcomePending {
		return h.memory.Load()
	}
	return h.tracked.Load()
}

// Cancelled reports whether the operation should stop.
func (h *Handle) Cancelled() bool {
	return h.session.State() != StateActive || h.ctx.Err() != nil
}

// Checkpoint returns a KindCancelled error if the operation should stop.
//
// Description:
//
//	Long-running actions call Checkpoint between steps and return its
//	error unchanged. The error is classified as a cancellation, not a
//	failure.
func (h *Handle) Checkpoint() error {
	if h.session.State() != StateActive {
		return h.session.cancelledError(h.name, nil)
	}
	if h.ctx.Err() != nil {
		return h.session.cancelledError(h.name, context.Cause(h.ctx))
	}
	return nil
}

// TrackResourceAllocation attributes bytes of memory to this operation
// under label. Negative values record a release within the operation.
// Calls after Release are ignored.
func (h *Handle) TrackResourceAllocation(label string, bytes int64) {
	if h.Outcome() != OutcomePending {
		return
	}
	h.tracked.Add(bytes)
	h.allocMu.Lock()
	if h.allocations == nil {
		h.allocations = make(map[string]int64)
	}
	h.allocations[label] += bytes
	h.allocMu.Unlock()
}

// Allocations returns a copy of the tracked allocations by label.
func (h *Handle) Allocations() map[string]int64 {
	h.allocMu.Lock()
	defer h.allocMu.Unlock()
	out := make(map[string]int64, len(h.allocations))
	for k, v := range h.allocations {
		out[k] = v
	}
	return out
}

// Release finalizes the operation with the action's result and returns
// the result to propagate.
//
// Description:
//
//	Under ActionThrow a budget breach replaces err with a *GuardrailError
//	whose Cause is err. Under ActionLogAndContinue err is returned
//	unchanged. Under ActionAbort the breach cancels the session and err
//	is returned unchanged. Only the first call has effect.
//
// Inputs:
//   - err: The action's error, or nil on success.
//
// Outputs:
//   - error: The result to propagate.
func (h *Handle) Release(err error) error {
	h.once.Do(func() {
		h.result = h.session.release(h, err)
	})
	return h.result
}

// finish tears down the handle's context.
func (h *Handle) finish() {
	h.stop()
	h.cancel(context.Canceled)
}
