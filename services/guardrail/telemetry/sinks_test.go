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
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/guardrail/services/guardrail/guard"
)

func testViolation(op string) guard.Violation {
	return guard.Violation{
		Type:      guard.KindDurationExceeded,
		Operation: op,
		Measured:  int64(50 * time.Millisecond),
		Threshold: int64(10 * time.Millisecond),
		Timestamp: time.Now(),
		SessionID: "s-1",
	}
}

func testRecord(op string) guard.OperationRecord {
	return guard.OperationRecord{
		SessionID:   "s-1",
		Name:        op,
		Depth:       1,
		Started:     time.Now(),
		Elapsed:     3 * time.Millisecond,
		MemoryDelta: 4096,
		Outcome:     guard.OutcomeSuccess,
	}
}

func testReport() *guard.PerformanceReport {
	return &guard.PerformanceReport{
		Scope:              guard.ScopeSession,
		SessionID:          "s-1",
		Policy:             "default",
		GeneratedAt:        time.Now(),
		Elapsed:            20 * time.Millisecond,
		OperationCount:     7,
		MemoryUsagePercent: 12.5,
		PeakDepth:          3,
	}
}

// -----------------------------------------------------------------------------
// PrometheusSink Tests
// -----------------------------------------------------------------------------

func newTestPrometheusSink(t *testing.T, maxCard int) (*PrometheusSink, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	cfg := DefaultPrometheusConfig()
	cfg.Registry = reg
	cfg.MaxLabelCardinality = maxCard
	sink, err := NewPrometheusSink(cfg)
	if err != nil {
		t.Fatalf("NewPrometheusSink error = %v", err)
	}
	t.Cleanup(func() { _ = sink.Close() })
	return sink, reg
}

func TestPrometheusConfig_Validate(t *testing.T) {
	cfg := DefaultPrometheusConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}

	cfg.Namespace = ""
	if _, err := NewPrometheusSink(cfg); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("NewPrometheusSink error = %v, want ErrInvalidConfig", err)
	}
	if _, err := NewPrometheusSink(nil); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("NewPrometheusSink(nil) error = %v, want ErrInvalidConfig", err)
	}
}

func TestPrometheusSink_RecordsActivity(t *testing.T) {
	sink, _ := newTestPrometheusSink(t, 0)

	sink.Emit(context.Background(), testViolation("solve"))
	sink.Emit(context.Background(), testViolation("solve"))
	sink.ObserveOperation(testRecord("solve"))
	sink.ObserveSession(testReport())

	if got := testutil.ToFloat64(sink.violationsTotal.WithLabelValues("duration_exceeded", "solve")); got != 2 {
		t.Errorf("violations_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(sink.operationsTotal.WithLabelValues("solve", "success")); got != 1 {
		t.Errorf("operations_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(sink.sessionMemoryPct.WithLabelValues("default")); got != 12.5 {
		t.Errorf("memory_usage_percent = %v, want 12.5", got)
	}
	if got := testutil.ToFloat64(sink.sessionsTotal.WithLabelValues("default", "false")); got != 1 {
		t.Errorf("finished_total = %v, want 1", got)
	}
}

func TestPrometheusSink_LabelCardinality(t *testing.T) {
	sink, _ := newTestPrometheusSink(t, 2)

	for _, op := range []string{"a", "b", "c", "d"} {
		sink.ObserveOperation(testRecord(op))
	}

	if got := testutil.ToFloat64(sink.operationsTotal.WithLabelValues("_other", "success")); got != 2 {
		t.Errorf("_other operations = %v, want 2", got)
	}
	if got := testutil.ToFloat64(sink.operationsTotal.WithLabelValues("a", "success")); got != 1 {
		t.Errorf("a operations = %v, want 1", got)
	}
}

func TestPrometheusSink_CloseUnregisters(t *testing.T) {
	sink, reg := newTestPrometheusSink(t, 0)
	sink.Emit(context.Background(), testViolation("solve"))

	if err := sink.Close(); err != nil {
		t.Fatalf("Close error = %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather error = %v", err)
	}
	if len(families) != 0 {
		t.Errorf("expected no families after Close, got %d", len(families))
	}

	// Ignored after close.
	sink.Emit(context.Background(), testViolation("solve"))
	if err := sink.Close(); err != nil {
		t.Errorf("second Close error = %v", err)
	}
}

func TestPrometheusSink_ToleratesDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := DefaultPrometheusConfig()
	cfg.Registry = reg

	first, err := NewPrometheusSink(cfg)
	if err != nil {
		t.Fatalf("first sink error = %v", err)
	}
	defer first.Close()

	second, err := NewPrometheusSink(cfg)
	if err != nil {
		t.Fatalf("second sink error = %v", err)
	}
	defer second.Close()
}

// -----------------------------------------------------------------------------
// OTelSink Tests
// -----------------------------------------------------------------------------

func sumValue(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s has data type %T", name, m.Data)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestOTelSink_ViolationWithoutSpanStartsOne(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(recorder))
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	defer tp.Shutdown(context.Background())
	defer mp.Shutdown(context.Background())

	sink, err := NewOTelSink(tp, mp)
	if err != nil {
		t.Fatalf("NewOTelSink error = %v", err)
	}

	sink.Emit(context.Background(), testViolation("solve"))

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != "guardrail.violation" {
		t.Errorf("span name = %s, want guardrail.violation", spans[0].Name())
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect error = %v", err)
	}
	if got := sumValue(t, rm, "guardrail.violations"); got != 1 {
		t.Errorf("guardrail.violations = %d, want 1", got)
	}
}

func TestOTelSink_ViolationAddsEventToActiveSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(recorder))
	defer tp.Shutdown(context.Background())

	sink, err := NewOTelSink(tp, metric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewOTelSink error = %v", err)
	}

	ctx, span := tp.Tracer("test").Start(context.Background(), "frame")
	sink.Emit(ctx, testViolation("solve"))
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	events := spans[0].Events()
	if len(events) != 1 || events[0].Name != "guardrail.violation" {
		t.Errorf("events = %+v, want one guardrail.violation event", events)
	}
}

func TestOTelSink_ObservesOperationsAndSessions(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	sink, err := NewOTelSink(nil, mp)
	if err != nil {
		t.Fatalf("NewOTelSink error = %v", err)
	}

	sink.ObserveOperation(testRecord("a"))
	sink.ObserveOperation(testRecord("b"))
	sink.ObserveSession(testReport())
	sink.ObserveSession(nil)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect error = %v", err)
	}
	if got := sumValue(t, rm, "guardrail.operations"); got != 2 {
		t.Errorf("guardrail.operations = %d, want 2", got)
	}
	if got := sumValue(t, rm, "guardrail.sessions"); got != 1 {
		t.Errorf("guardrail.sessions = %d, want 1", got)
	}
}

// -----------------------------------------------------------------------------
// InfluxSink Tests
// -----------------------------------------------------------------------------

type fakeWriter struct {
	mu     sync.Mutex
	points []*write.Point
	err    error
}

func (f *fakeWriter) WritePoint(_ context.Context, points ...*write.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.points = append(f.points, points...)
	return nil
}

func (f *fakeWriter) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.points))
	for i, p := range f.points {
		out[i] = p.Name()
	}
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestInfluxSink_FlushWritesQueuedPoints(t *testing.T) {
	fw := &fakeWriter{}
	sink := newInfluxSink(nil, fw, quietLogger())
	defer sink.Close()

	sink.Emit(context.Background(), testViolation("solve"))
	sink.ObserveOperation(testRecord("solve"))
	sink.ObserveSession(testReport())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sink.Flush(ctx); err != nil {
		t.Fatalf("Flush error = %v", err)
	}

	got := strings.Join(fw.names(), ",")
	want := MeasurementViolations + "," + MeasurementOperations + "," + MeasurementSessions
	if got != want {
		t.Errorf("points = %s, want %s", got, want)
	}
	if sink.Written() != 3 {
		t.Errorf("Written = %d, want 3", sink.Written())
	}
}

func TestInfluxSink_WriteErrorSurfaces(t *testing.T) {
	boom := errors.New("influx down")
	fw := &fakeWriter{err: boom}
	var buf bytes.Buffer
	sink := newInfluxSink(nil, fw, slog.New(slog.NewJSONHandler(&buf, nil)))

	sink.Emit(context.Background(), testViolation("solve"))
	if err := sink.Flush(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Flush error = %v, want %v", err, boom)
	}
	if err := sink.Close(); !errors.Is(err, boom) {
		t.Errorf("Close error = %v, want %v", err, boom)
	}

	out := buf.String()
	for _, want := range []string{
		`"component":"guardrail_influx_sink"`,
		`"points":1`,
		`"error":"influx down"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s: %s", want, out)
		}
	}
}

func TestInfluxSink_CloseWritesPendingAndRejectsFlush(t *testing.T) {
	fw := &fakeWriter{}
	sink := newInfluxSink(nil, fw, quietLogger())

	for i := 0; i < 10; i++ {
		sink.ObserveOperation(testRecord("solve"))
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close error = %v", err)
	}
	if n := len(fw.names()); n != 10 {
		t.Errorf("written points = %d, want 10", n)
	}
	if err := sink.Flush(context.Background()); !errors.Is(err, ErrSinkClosed) {
		t.Errorf("Flush after Close = %v, want ErrSinkClosed", err)
	}

	// Dropped silently after close.
	sink.Emit(context.Background(), testViolation("late"))
	if sink.Dropped() != 0 {
		t.Errorf("Dropped = %d, want 0", sink.Dropped())
	}
}

// -----------------------------------------------------------------------------
// LogSink Tests
// -----------------------------------------------------------------------------

func TestLogSink_ThrottlesAndReportsSuppressed(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	sink := NewLogSink(logger, 1e-9, 2)

	for i := 0; i < 5; i++ {
		sink.Emit(context.Background(), testViolation("solve"))
	}
	lines := strings.Count(buf.String(), "\n")
	if lines != 2 {
		t.Errorf("logged %d lines, want 2", lines)
	}
	if sink.Suppressed() != 3 {
		t.Errorf("Suppressed = %d, want 3", sink.Suppressed())
	}

	sink.limiter.SetLimit(rate.Inf)
	sink.Emit(context.Background(), testViolation("solve"))
	if !strings.Contains(buf.String(), `"suppressed":3`) {
		t.Errorf("expected suppressed count in output, got %s", buf.String())
	}
	if sink.Suppressed() != 0 {
		t.Errorf("Suppressed = %d, want 0 after report", sink.Suppressed())
	}
}

func TestLogSink_Unthrottled(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewJSONHandler(&buf, nil)), 0, 0)

	for i := 0; i < 50; i++ {
		sink.Emit(context.Background(), testViolation("solve"))
	}
	if lines := strings.Count(buf.String(), "\n"); lines != 50 {
		t.Errorf("logged %d lines, want 50", lines)
	}
	if !strings.Contains(buf.String(), `"level":"WARN"`) {
		t.Error("violations should log at WARN")
	}
	if !strings.Contains(buf.String(), `"component":"guardrail_violations"`) {
		t.Error("violations should carry the component attribute")
	}
}
