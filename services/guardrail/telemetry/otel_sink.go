// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/guardrail/services/guardrail/guard"
)

// InstrumentationName is the tracer and meter name used by guardrail components.
const InstrumentationName = "github.com/AleutianAI/guardrail"

// OTelSink reports violations, operations and sessions through OpenTelemetry.
//
// Description:
//
//	A violation becomes an event on the span active in the violating
//	operation's context and increments guardrail.violations. When no span
//	is recording, a short "guardrail.violation" span is started so the
//	violation is still visible in traces. Operation records feed duration
//	and memory histograms; session reports feed a session counter and
//	duration histogram.
//
// Thread Safety: Safe for concurrent use.
type OTelSink struct {
	tracer trace.Tracer

	violations      metric.Int64Counter
	operations      metric.Int64Counter
	opDuration      metric.Float64Histogram
	opMemory        metric.Int64Histogram
	sessions        metric.Int64Counter
	sessionDuration metric.Float64Histogram
}

// NewOTelSink creates a sink from the given providers.
//
// Inputs:
//   - tp: Tracer provider. Nil uses otel.GetTracerProvider().
//   - mp: Meter provider. Nil uses otel.GetMeterProvider().
//
// Outputs:
//   - *OTelSink: The sink.
//   - error: Non-nil if an instrument cannot be created.
func NewOTelSink(tp trace.TracerProvider, mp metric.MeterProvider) (*OTelSink, error) {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(InstrumentationName)

	s := &OTelSink{tracer: tp.Tracer(InstrumentationName)}
	var err error

	if s.violations, err = meter.Int64Counter("guardrail.violations",
		metric.WithDescription("Guardrail violations by type"),
	); err != nil {
		return nil, fmt.Errorf("create violations counter: %w", err)
	}
	if s.operations, err = meter.Int64Counter("guardrail.operations",
		metric.WithDescription("Released guarded operations by outcome"),
	); err != nil {
		return nil, fmt.Errorf("create operations counter: %w", err)
	}
	if s.opDuration, err = meter.Float64Histogram("guardrail.operation.duration",
		metric.WithDescription("Guarded operation duration"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}
	if s.opMemory, err = meter.Int64Histogram("guardrail.operation.memory",
		metric.WithDescription("Memory attributed to a guarded operation"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, fmt.Errorf("create memory histogram: %w", err)
	}
	if s.sessions, err = meter.Int64Counter("guardrail.sessions",
		metric.WithDescription("Finished evaluation sessions"),
	); err != nil {
		return nil, fmt.Errorf("create sessions counter: %w", err)
	}
	if s.sessionDuration, err = meter.Float64Histogram("guardrail.session.duration",
		metric.WithDescription("Evaluation session duration"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("create session histogram: %w", err)
	}

	return s, nil
}

// Emit implements guard.Sink.
func (s *OTelSink) Emit(ctx context.Context, v guard.Violation) {
	if ctx == nil {
		ctx = context.Background()
	}
	attrs := []attribute.KeyValue{
		attribute.String("guardrail.violation.type", v.Type.String()),
		attribute.String("guardrail.operation", v.Operation),
		attribute.String("guardrail.session_id", v.SessionID),
		attribute.Int64("guardrail.measured", v.Measured),
		attribute.Int64("guardrail.threshold", v.Threshold),
	}
	if v.Detail != "" {
		attrs = append(attrs, attribute.String("guardrail.detail", v.Detail))
	}

	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent("guardrail.violation", trace.WithAttributes(attrs...))
	} else {
		_, span = s.tracer.Start(ctx, "guardrail.violation",
			trace.WithAttributes(attrs...),
			trace.WithTimestamp(v.Timestamp),
		)
		span.SetStatus(codes.Error, v.Type.String())
		span.End()
	}

	s.violations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", v.Type.String()),
		attribute.String("operation", v.Operation),
	))
}

// ObserveOperation implements guard.Observer.
func (s *OTelSink) ObserveOperation(rec guard.OperationRecord) {
	ctx := context.Background()
	opts := metric.WithAttributes(
		attribute.String("operation", rec.Name),
		attribute.String("outcome", rec.Outcome.String()),
	)
	s.operations.Add(ctx, 1, opts)
	s.opDuration.Record(ctx, rec.Elapsed.Seconds(), opts)
	s.opMemory.Record(ctx, rec.MemoryDelta, opts)
}

// ObserveSession implements guard.Observer.
func (s *OTelSink) ObserveSession(r *guard.PerformanceReport) {
	if r == nil {
		return
	}
	ctx := context.Background()
	cancelled := r.CancelReason != ""
	opts := metric.WithAttributes(
		attribute.String("policy", r.Policy),
		attribute.Bool("cancelled", cancelled),
	)
	s.sessions.Add(ctx, 1, opts)
	s.sessionDuration.Record(ctx, r.Elapsed.Seconds(), opts)
}
