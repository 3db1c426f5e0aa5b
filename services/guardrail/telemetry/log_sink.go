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
	"log/slog"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/guardrail/services/guardrail/guard"
)

// LogSink writes violations as structured Warn records, throttled so a
// violation storm cannot flood the log.
//
// Description:
//
//	Up to burst records are written immediately; afterwards at most
//	perSecond records per second. Suppressed violations are counted and the
//	count is attached to the next record that gets through as "suppressed".
//
// Thread Safety: Safe for concurrent use.
type LogSink struct {
	logger     *slog.Logger
	limiter    *rate.Limiter
	suppressed atomic.Int64
}

// NewLogSink creates a throttled log sink.
//
// Inputs:
//   - logger: Destination. Nil uses slog.Default().
//   - perSecond: Sustained record rate. Values <= 0 disable throttling.
//   - burst: Records allowed before throttling starts. Minimum 1.
func NewLogSink(logger *slog.Logger, perSecond float64, burst int) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &LogSink{
		logger:  logger.With(slog.String("component", "guardrail_violations")),
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Emit implements guard.Sink.
func (s *LogSink) Emit(ctx context.Context, v guard.Violation) {
	if !s.limiter.Allow() {
		s.suppressed.Add(1)
		return
	}
	attrs := []slog.Attr{
		slog.String("type", v.Type.String()),
		slog.String("operation", v.Operation),
		slog.String("session_id", v.SessionID),
		slog.Int64("measured", v.Measured),
		slog.Int64("threshold", v.Threshold),
	}
	if v.Detail != "" {
		attrs = append(attrs, slog.String("detail", v.Detail))
	}
	if n := s.suppressed.Swap(0); n > 0 {
		attrs = append(attrs, slog.Int64("suppressed", n))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.logger.LogAttrs(ctx, slog.LevelWarn, "guardrail violation", attrs...)
}

// Suppressed returns the number of violations not yet reported.
func (s *LogSink) Suppressed() int64 { return s.suppressed.Load() }
