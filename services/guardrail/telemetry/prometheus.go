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
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AleutianAI/guardrail/services/guardrail/guard"
)

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// PrometheusConfig configures the Prometheus sink.
//
// Thread Safety: Immutable after creation; safe for concurrent read access.
type PrometheusConfig struct {
	// Namespace is the metrics namespace. Required.
	Namespace string

	// Subsystem is the metrics subsystem. Required.
	Subsystem string

	// Registry is the Prometheus registry to use.
	// If nil, uses prometheus.DefaultRegisterer.
	Registry prometheus.Registerer

	// LatencyBuckets defines histogram buckets for durations (seconds).
	LatencyBuckets []float64

	// MemoryBuckets defines histogram buckets for memory deltas (bytes).
	MemoryBuckets []float64

	// MaxLabelCardinality bounds distinct operation names.
	// Further names are reported as "_other". Default: 1000
	MaxLabelCardinality int
}

// DefaultPrometheusConfig returns a configuration with sensible defaults.
//
// Latency buckets are centred on frame-scale budgets, from 50µs to 5s.
func DefaultPrometheusConfig() *PrometheusConfig {
	return &PrometheusConfig{
		Namespace: "guardrail",
		Subsystem: "session",
		LatencyBuckets: []float64{
			0.00005, 0.0001, 0.0005, 0.001, 0.002, 0.004, 0.008, 0.016, 0.033, 0.1, 0.5, 1, 5,
		},
		MemoryBuckets: []float64{
			1024, 16384, 262144, 1048576, 16777216, 134217728, 1073741824,
		},
		MaxLabelCardinality: 1000,
	}
}

// Validate checks that the configuration is valid.
func (c *PrometheusConfig) Validate() error {
	if c.Namespace == "" {
		return errors.New("namespace is required")
	}
	if c.Subsystem == "" {
		return errors.New("subsystem is required")
	}
	return nil
}

// -----------------------------------------------------------------------------
// Prometheus Sink
// -----------------------------------------------------------------------------

// PrometheusSink exports guardrail activity as Prometheus metrics.
//
// Description:
//
//	PrometheusSink implements guard.Sink and guard.Observer. Violations,
//	operation outcomes, durations and memory deltas are labelled by
//	operation name; session reports update per-policy gauges. Metrics are
//	registered on creation and unregistered on Close.
//
// Thread Safety: Safe for concurrent use.
//
// Example:
//
//	sink, err := telemetry.NewPrometheusSink(telemetry.DefaultPrometheusConfig())
//	if err != nil {
//	    return fmt.Errorf("create prometheus sink: %w", err)
//	}
//	defer sink.Close()
//	s, err := guard.Begin(ctx, pol, guard.WithSinks(sink), guard.WithObservers(sink))
type PrometheusSink struct {
	config   *PrometheusConfig
	registry prometheus.Registerer

	violationsTotal   *prometheus.CounterVec
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	operationMemory   *prometheus.HistogramVec
	sessionsTotal     *prometheus.CounterVec
	sessionDuration   *prometheus.HistogramVec
	sessionMemoryPct  *prometheus.GaugeVec
	sessionPeakDepth  *prometheus.GaugeVec

	mu     sync.RWMutex
	closed bool

	collectors []prometheus.Collector

	labelMu        sync.RWMutex
	seenLabels     map[string]map[string]struct{}
	maxCardinality int
}

// NewPrometheusSink creates and registers the guardrail collectors.
//
// Inputs:
//   - config: Prometheus configuration. Must not be nil.
//
// Outputs:
//   - *PrometheusSink: The created sink. Never nil on success.
//   - error: Non-nil if configuration is invalid or registration fails.
//
// Assumptions:
//   - A collector already registered under the same name is tolerated.
func NewPrometheusSink(config *PrometheusConfig) (*PrometheusSink, error) {
	if config == nil {
		return nil, ErrInvalidConfig
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Join(ErrInvalidConfig, err)
	}

	cfg := *config
	defaults := DefaultPrometheusConfig()
	if cfg.LatencyBuckets == nil {
		cfg.LatencyBuckets = defaults.LatencyBuckets
	}
	if cfg.MemoryBuckets == nil {
		cfg.MemoryBuckets = defaults.MemoryBuckets
	}

	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	maxCard := cfg.MaxLabelCardinality
	if maxCard <= 0 {
		maxCard = 1000
	}

	s := &PrometheusSink{
		config:         &cfg,
		registry:       registry,
		seenLabels:     make(map[string]map[string]struct{}),
		maxCardinality: maxCard,
	}

	s.violationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "violations_total",
		Help:      "Guardrail violations by type and operation",
	}, []string{"type", "operation"})

	s.operationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "operations_total",
		Help:      "Released guarded operations by outcome",
	}, []string{"operation", "outcome"})

	s.operationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "operation_duration_seconds",
		Help:      "Guarded operation duration in seconds",
		Buckets:   cfg.LatencyBuckets,
	}, []string{"operation"})

	s.operationMemory = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "operation_memory_bytes",
		Help:      "Memory attributed to a guarded operation in bytes",
		Buckets:   cfg.MemoryBuckets,
	}, []string{"operation"})

	s.sessionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "finished_total",
		Help:      "Finished evaluation sessions",
	}, []string{"policy", "cancelled"})

	s.sessionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "duration_seconds",
		Help:      "Evaluation session duration in seconds",
		Buckets:   cfg.LatencyBuckets,
	}, []string{"policy"})

	s.sessionMemoryPct = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "memory_usage_percent",
		Help:      "Aggregate memory of the last finished session as a percentage of max_memory_bytes",
	}, []string{"policy"})

	s.sessionPeakDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "peak_depth",
		Help:      "Peak recursion depth of the last finished session",
	}, []string{"policy"})

	s.collectors = []prometheus.Collector{
		s.violationsTotal,
		s.operationsTotal,
		s.operationDuration,
		s.operationMemory,
		s.sessionsTotal,
		s.sessionDuration,
		s.sessionMemoryPct,
		s.sessionPeakDepth,
	}

	for _, c := range s.collectors {
		if err := registry.Register(c); err != nil {
			var alreadyErr prometheus.AlreadyRegisteredError
			if !errors.As(err, &alreadyErr) {
				return nil, errors.Join(ErrRegistrationFailed, err)
			}
		}
	}

	return s, nil
}

// Emit implements guard.Sink.
func (s *PrometheusSink) Emit(_ context.Context, v guard.Violation) {
	if s.isClosed() {
		return
	}
	op := s.sanitizeLabel("operation", orUnknown(v.Operation))
	s.violationsTotal.WithLabelValues(v.Type.String(), op).Inc()
}

// ObserveOperation implements guard.Observer.
func (s *PrometheusSink) ObserveOperation(rec guard.OperationRecord) {
	if s.isClosed() {
		return
	}
	op := s.sanitizeLabel("operation", orUnknown(rec.Name))
	s.operationsTotal.WithLabelValues(op, rec.Outcome.String()).Inc()
	s.operationDuration.WithLabelValues(op).Observe(rec.Elapsed.Seconds())
	s.operationMemory.WithLabelValues(op).Observe(float64(rec.MemoryDelta))
}

// ObserveSession implements guard.Observer.
func (s *PrometheusSink) ObserveSession(r *guard.PerformanceReport) {
	if r == nil || s.isClosed() {
		return
	}
	pol := s.sanitizeLabel("policy", orUnknown(r.Policy))
	cancelled := "false"
	if r.CancelReason != "" {
		cancelled = "true"
	}
	s.sessionsTotal.WithLabelValues(pol, cancelled).Inc()
	s.sessionDuration.WithLabelValues(pol).Observe(r.Elapsed.Seconds())
	s.sessionMemoryPct.WithLabelValues(pol).Set(r.MemoryUsagePercent)
	s.sessionPeakDepth.WithLabelValues(pol).Set(float64(r.PeakDepth))
}

// Close unregisters the collectors from a *prometheus.Registry. Later
// observations are ignored.
func (s *PrometheusSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if reg, ok := s.registry.(*prometheus.Registry); ok {
		for _, c := range s.collectors {
			reg.Unregister(c)
		}
	}
	return nil
}

func (s *PrometheusSink) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// sanitizeLabel maps values beyond the cardinality limit to "_other".
func (s *PrometheusSink) sanitizeLabel(labelName, labelValue string) string {
	s.labelMu.RLock()
	seen := s.seenLabels[labelName]
	if seen != nil {
		if _, exists := seen[labelValue]; exists {
			s.labelMu.RUnlock()
			return labelValue
		}
		if len(seen) >= s.maxCardinality {
			s.labelMu.RUnlock()
			return "_other"
		}
	}
	s.labelMu.RUnlock()

	s.labelMu.Lock()
	defer s.labelMu.Unlock()

	if s.seenLabels[labelName] == nil {
		s.seenLabels[labelName] = make(map[string]struct{})
	}
	if _, exists := s.seenLabels[labelName][labelValue]; exists {
		return labelValue
	}
	if len(s.seenLabels[labelName]) >= s.maxCardinality {
		return "_other"
	}
	s.seenLabels[labelName][labelValue] = struct{}{}
	return labelValue
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
