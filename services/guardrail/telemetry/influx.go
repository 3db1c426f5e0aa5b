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
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/AleutianAI/guardrail/services/guardrail/guard"
)

// InfluxConfig configures the InfluxDB sink.
type InfluxConfig struct {
	// URL of the InfluxDB server. Empty disables the sink.
	URL string `json:"url"`

	// Token is the API token.
	Token string `json:"-"`

	// Org is the InfluxDB organization.
	Org string `json:"org"`

	// Bucket receives the points.
	Bucket string `json:"bucket"`
}

// Enabled reports whether a URL is configured.
func (c InfluxConfig) Enabled() bool { return c.URL != "" }

// Validate checks that the configuration is usable.
func (c InfluxConfig) Validate() error {
	if c.URL == "" {
		return errors.New("influx url is required")
	}
	if c.Org == "" {
		return errors.New("influx org is required")
	}
	if c.Bucket == "" {
		return errors.New("influx bucket is required")
	}
	return nil
}

// Measurement names written by InfluxSink.
const (
	MeasurementViolations = "guardrail_violations"
	MeasurementOperations = "guardrail_operations"
	MeasurementSessions   = "guardrail_sessions"
)

const (
	influxQueueSize     = 4096
	influxBatchSize     = 256
	influxFlushInterval = time.Second
	influxWriteTimeout  = 5 * time.Second
)

// pointWriter is the subset of api.WriteAPIBlocking used by the sink.
type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxSink persists violations, operation records and session summaries
// as InfluxDB points.
//
// Description:
//
//	Emit and the observer callbacks never block: points are queued and a
//	single writer goroutine batches them through the blocking write API.
//	When the queue is full the point is dropped and counted. Flush waits
//	until everything queued so far has been written.
//
// Thread Safety: Safe for concurrent use.
type InfluxSink struct {
	client influxdb2.Client
	writer pointWriter
	logger *slog.Logger

	queue    chan *write.Point
	flushReq chan chan error
	done     chan struct{}
	stopped  chan struct{}

	closeOnce sync.Once
	dropped   atomic.Int64
	written   atomic.Int64
	lastErr   atomic.Pointer[error]
}

// NewInfluxSink connects to InfluxDB and starts the writer goroutine.
//
// Inputs:
//   - cfg: Connection settings. Must pass Validate.
//   - logger: Logger for write failures. Nil uses slog.Default().
//
// Outputs:
//   - *InfluxSink: The sink. Call Close when done.
//   - error: Non-nil if cfg is invalid.
func NewInfluxSink(cfg InfluxConfig, logger *slog.Logger) (*InfluxSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Join(ErrInvalidConfig, err)
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return newInfluxSink(client, client.WriteAPIBlocking(cfg.Org, cfg.Bucket), logger), nil
}

func newInfluxSink(client influxdb2.Client, w pointWriter, logger *slog.Logger) *InfluxSink {
	if logger == nil {
		logger = slog.Default()
	}
	s := &InfluxSink{
		client:   client,
		writer:   w,
		logger:   logger.With(slog.String("component", "guardrail_influx_sink")),
		queue:    make(chan *write.Point, influxQueueSize),
		flushReq: make(chan chan error),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go s.run()
	return s
}

// Emit implements guard.Sink.
func (s *InfluxSink) Emit(_ context.Context, v guard.Violation) {
	p := influxdb2.NewPointWithMeasurement(MeasurementViolations).
		AddTag("type", v.Type.String()).
		AddTag("operation", v.Operation).
		AddTag("session_id", v.SessionID).
		AddField("measured", v.Measured).
		AddField("threshold", v.Threshold).
		SetTime(v.Timestamp)
	if v.Detail != "" {
		p.AddField("detail", v.Detail)
	}
	s.enqueue(p)
}

// ObserveOperation implements guard.Observer.
func (s *InfluxSink) ObserveOperation(rec guard.OperationRecord) {
	p := influxdb2.NewPointWithMeasurement(MeasurementOperations).
		AddTag("operation", rec.Name).
		AddTag("outcome", rec.Outcome.String()).
		AddTag("session_id", rec.SessionID).
		AddField("elapsed_ns", rec.Elapsed.Nanoseconds()).
		AddField("memory_delta", rec.MemoryDelta).
		AddField("depth", int64(rec.Depth)).
		AddField("violations", int64(len(rec.Violations))).
		SetTime(rec.Started)
	s.enqueue(p)
}

// ObserveSession implements guard.Observer.
func (s *InfluxSink) ObserveSession(r *guard.PerformanceReport) {
	if r == nil {
		return
	}
	p := influxdb2.NewPointWithMeasurement(MeasurementSessions).
		AddTag("policy", r.Policy).
		AddTag("session_id", r.SessionID).
		AddTag("cancelled", boolTag(r.CancelReason != "")).
		AddField("elapsed_ns", r.Elapsed.Nanoseconds()).
		AddField("operations", r.OperationCount).
		AddField("failed", r.Failed).
		AddField("rejected", r.Rejected).
		AddField("violations", r.ViolationCount).
		AddField("memory_usage_percent", r.MemoryUsagePercent).
		AddField("peak_depth", int64(r.PeakDepth)).
		AddField("peak_concurrent", int64(r.PeakConcurrent)).
		SetTime(r.GeneratedAt)
	s.enqueue(p)
}

// Dropped returns the number of points discarded because the queue was full.
func (s *InfluxSink) Dropped() int64 { return s.dropped.Load() }

// Written returns the number of points successfully written.
func (s *InfluxSink) Written() int64 { return s.written.Load() }

// Flush writes all points queued before the call.
//
// Outputs:
//   - error: ErrSinkClosed after Close, ctx.Err() on cancellation, or the
//     write error of the flushed batch.
func (s *InfluxSink) Flush(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case s.flushReq <- reply:
	case <-s.done:
		return ErrSinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close writes pending points, stops the writer and closes the client.
func (s *InfluxSink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		<-s.stopped
		if p := s.lastErr.Load(); p != nil {
			err = *p
		}
		if s.client != nil {
			s.client.Close()
		}
	})
	return err
}

func (s *InfluxSink) enqueue(p *write.Point) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.queue <- p:
	default:
		if n := s.dropped.Add(1); n == 1 || n%1000 == 0 {
			s.logger.Warn("influx queue full, dropping points", slog.Int64("dropped", n))
		}
	}
}

func (s *InfluxSink) run() {
	defer close(s.stopped)

	ticker := time.NewTicker(influxFlushInterval)
	defer ticker.Stop()

	batch := make([]*write.Point, 0, influxBatchSize)
	for {
		select {
		case p := <-s.queue:
			batch = append(batch, p)
			if len(batch) >= influxBatchSize {
				_ = s.write(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			_ = s.write(batch)
			batch = batch[:0]
		case reply := <-s.flushReq:
			batch = s.drain(batch)
			reply <- s.write(batch)
			batch = batch[:0]
		case <-s.done:
			_ = s.write(s.drain(batch))
			return
		}
	}
}

// drain moves every queued point into batch without blocking.
func (s *InfluxSink) drain(batch []*write.Point) []*write.Point {
	for {
		select {
		case p := <-s.queue:
			batch = append(batch, p)
		default:
			return batch
		}
	}
}

func (s *InfluxSink) write(batch []*write.Point) error {
	if len(batch) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), influxWriteTimeout)
	defer cancel()

	if err := s.writer.WritePoint(ctx, batch...); err != nil {
		s.lastErr.Store(&err)
		s.logger.Error("influx write failed",
			slog.Int("points", len(batch)),
			slog.String("error", err.Error()),
		)
		return err
	}
	s.written.Add(int64(len(batch)))
	return nil
}

func boolTag(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
