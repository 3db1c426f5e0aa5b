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
	"fmt"
	"log/slog"
)

// Sink receives the violation event stream.
//
// Emit is called on the releasing goroutine for every violation regardless
// of the policy's violation action. Implementations must not block; slow
// backends should buffer and drop.
type Sink interface {
	Emit(ctx context.Context, v Violation)
}

// Observer receives finalized operation records and session reports.
//
// Like Sink, implementations must return quickly.
type Observer interface {
	ObserveOperation(rec OperationRecord)
	ObserveSession(report *PerformanceReport)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, v Violation)

// Emit calls f.
func (f SinkFunc) Emit(ctx context.Context, v Violation) { f(ctx, v) }

// dispatcher fans events out to sinks and observers, isolating panics so a
// broken backend cannot take down the evaluation pass.
type dispatcher struct {
	sinks     []Sink
	observers []Observer
	logger    *slog.Logger
}

func (d *dispatcher) emit(ctx context.Context, v Violation) {
	for _, s := range d.sinks {
		d.safely("sink", func() { s.Emit(ctx, v) })
	}
}

func (d *dispatcher) observeOperation(rec OperationRecord) {
	for _, o := range d.observers {
		d.safely("observer", func() { o.ObserveOperation(rec) })
	}
}

func (d *dispatcher) observeSession(r *PerformanceReport) {
	for _, o := range d.observers {
		d.safely("observer", func() { o.ObserveSession(r) })
	}
}

func (d *dispatcher) safely(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("guardrail "+kind+" panicked",
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	fn()
}
