// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/guardrail/services/guardrail/guard"
	"github.com/AleutianAI/guardrail/services/guardrail/policy"
	"github.com/AleutianAI/guardrail/services/guardrail/stats"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrAlreadyStarted is returned by Start on a running monitor.
	ErrAlreadyStarted = errors.New("monitor already started")

	// ErrStopped is returned by Flush after Stop.
	ErrStopped = errors.New("monitor stopped")
)

// -----------------------------------------------------------------------------
// Options
// -----------------------------------------------------------------------------

// PolicyFunc returns the policy recommendations are measured against.
// Monitors fed by a policy.Store pass store.Load.
type PolicyFunc func() *policy.Policy

// Options configures a Monitor.
type Options struct {
	// Capacity is the sample window per operation name.
	Capacity int

	// QueueSize bounds records awaiting ingestion. Records beyond it are dropped.
	QueueSize int

	// HistorySize bounds retained session reports.
	HistorySize int

	// Advice tunes recommendations.
	Advice guard.Advice

	// Policy supplies budgets for recommendations. Nil uses policy.Default.
	Policy PolicyFunc

	// Logger for drop and lifecycle messages. Nil uses slog.Default.
	Logger *slog.Logger
}

// DefaultOptions returns the default monitor options.
func DefaultOptions() Options {
	return Options{
		Capacity:    stats.DefaultCapacity,
		QueueSize:   4096,
		HistorySize: 32,
		Advice:      guard.DefaultAdvice(),
		Policy:      policy.Default,
	}
}

// -----------------------------------------------------------------------------
// Monitor
// -----------------------------------------------------------------------------

// Status describes the monitor's ingest pipeline.
type Status struct {
	Running    bool   `json:"running"`
	Ingested   int64  `json:"ingested"`
	Dropped    int64  `json:"dropped"`
	Queued     int    `json:"queued"`
	Sessions   int64  `json:"sessions"`
	Operations int    `json:"operations"`
	Generation uint64 `json:"generation"`
}

type item struct {
	rec guard.OperationRecord
	ack chan struct{}
}

type cachedReport struct {
	generation uint64
	report     *guard.PerformanceReport
}

// Monitor aggregates completed operations across sessions.
//
// Description:
//
//	Monitor implements guard.Observer. ObserveOperation never blocks: it
//	hands the record to a bounded queue drained by a background
//	goroutine, and drops it (counting the drop) when the queue is full.
//	The drain goroutine folds records into fixed-capacity per-name
//	buckets. GetReport builds an immutable rolling report at most once
//	per ingest generation and serves it from an atomic pointer, so
//	readers never contend with ingestion.
//
// Thread Safety: Safe for concurrent use.
type Monitor struct {
	opts   Options
	logger *slog.Logger

	queue   chan item
	started time.Time

	mu      sync.RWMutex
	buckets map[string]*guard.Bucket

	succeeded    atomic.Int64
	failed       atomic.Int64
	cancelled    atomic.Int64
	violations   atomic.Int64
	totalElapsed atomic.Int64
	totalMemory  atomic.Int64
	peakDepth    atomic.Int32
	ingested     atomic.Int64
	dropped      atomic.Int64
	sessions     atomic.Int64

	generation atomic.Uint64
	cached     atomic.Pointer[cachedReport]
	rebuild    singleflight.Group

	historyMu sync.Mutex
	history   atomic.Pointer[[]*guard.PerformanceReport]

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a monitor. Call Start to begin ingestion.
//
// Inputs:
//   - opts: Optional configuration. Nil or zero fields use DefaultOptions.
//
// Outputs:
//   - *Monitor: A stopped monitor.
func New(opts *Options) *Monitor {
	o := DefaultOptions()
	if opts != nil {
		if opts.Capacity > 0 {
			o.Capacity = opts.Capacity
		}
		if opts.QueueSize > 0 {
			o.QueueSize = opts.QueueSize
		}
		if opts.HistorySize > 0 {
			o.HistorySize = opts.HistorySize
		}
		if opts.Advice != (guard.Advice{}) {
			o.Advice = opts.Advice
		}
		if opts.Policy != nil {
			o.Policy = opts.Policy
		}
		o.Logger = opts.Logger
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	m := &Monitor{
		opts:    o,
		logger:  o.Logger.With(slog.String("component", "guardrail_monitor")),
		queue:   make(chan item, o.QueueSize),
		started: time.Now(),
		buckets: make(map[string]*guard.Bucket),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	empty := make([]*guard.PerformanceReport, 0)
	m.history.Store(&empty)
	return m
}

// Start launches the drain goroutine. It stops when ctx is done or Stop
// is called.
func (m *Monitor) Start(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	go m.drain(ctx)
	m.logger.Debug("monitor started",
		slog.Int("capacity", m.opts.Capacity),
		slog.Int("queue_size", m.opts.QueueSize),
	)
	return nil
}

// Stop ends ingestion and waits for the drain goroutine to exit.
// Records still queued are processed first.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	if m.running.Load() {
		<-m.doneCh
	}
}

func (m *Monitor) drain(ctx context.Context) {
	defer close(m.doneCh)
	for {
		select {
		case it := <-m.queue:
			m.ingest(it)
		case <-ctx.Done():
			m.drainPending()
			return
		case <-m.stopCh:
			m.drainPending()
			return
		}
	}
}

func (m *Monitor) drainPending() {
	for {
		select {
		case it := <-m.queue:
			m.ingest(it)
		default:
			return
		}
	}
}

func (m *Monitor) ingest(it item) {
	if it.ack != nil {
		close(it.ack)
		return
	}
	rec := it.rec

	m.bucket(rec.Name).Add(rec)
	switch rec.Outcome {
	case guard.OutcomeSuccess:
		m.succeeded.Add(1)
	case guard.OutcomeFailed:
		m.failed.Add(1)
	case guard.OutcomeCancelled:
		m.cancelled.Add(1)
	}
	m.violations.Add(int64(len(rec.Violations)))
	m.totalElapsed.Add(int64(rec.Elapsed))
	m.totalMemory.Add(rec.MemoryDelta)
	for {
		cur := m.peakDepth.Load()
		if rec.Depth <= cur || m.peakDepth.CompareAndSwap(cur, rec.Depth) {
			break
		}
	}
	m.ingested.Add(1)
	m.generation.Add(1)
}

func (m *Monitor) bucket(name string) *guard.Bucket {
	m.mu.RLock()
	b, ok := m.buckets[name]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.buckets[name]; !ok {
		b = guard.NewBucket(name, m.opts.Capacity)
		m.buckets[name] = b
	}
	return b
}

// ObserveOperation queues rec for ingestion without blocking.
func (m *Monitor) ObserveOperation(rec guard.OperationRecord) {
	select {
	case m.queue <- item{rec: rec}:
	default:
		if n := m.dropped.Add(1); n == 1 || n%1000 == 0 {
			m.logger.Warn("monitor queue full, dropping operation records",
				slog.Int64("dropped_total", n),
			)
		}
	}
}

// ObserveSession appends a finished session's report to the bounded history.
func (m *Monitor) ObserveSession(r *guard.PerformanceReport) {
	if r == nil {
		return
	}
	m.sessions.Add(1)

	m.historyMu.Lock()
	defer m.historyMu.Unlock()

	cur := *m.history.Load()
	start := 0
	if len(cur) >= m.opts.HistorySize {
		start = len(cur) - m.opts.HistorySize + 1
	}
	next := make([]*guard.PerformanceReport, 0, len(cur)-start+1)
	next = append(next, cur[start:]...)
	next = append(next, r)
	m.history.Store(&next)
	m.generation.Add(1)
}

// Flush blocks until every record queued before the call is ingested.
func (m *Monitor) Flush(ctx context.Context) error {
	if !m.running.Load() {
		return fmt.Errorf("flush: %w", ErrStopped)
	}
	ack := make(chan struct{})
	select {
	case m.queue <- item{ack: ack}:
	case <-m.doneCh:
		return fmt.Errorf("flush: %w", ErrStopped)
	case <-ctx.Done():
		return fmt.Errorf("flush: %w", ctx.Err())
	}
	select {
	case <-ack:
		return nil
	case <-m.doneCh:
		return fmt.Errorf("flush: %w", ErrStopped)
	case <-ctx.Done():
		return fmt.Errorf("flush: %w", ctx.Err())
	}
}

// History returns retained session reports, oldest first. The slice must
// not be modified.
func (m *Monitor) History() []*guard.PerformanceReport {
	return *m.history.Load()
}

// Status returns pipeline counters.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	ops := len(m.buckets)
	m.mu.RUnlock()
	return Status{
		Running:    m.running.Load() && !isClosed(m.doneCh),
		Ingested:   m.ingested.Load(),
		Dropped:    m.dropped.Load(),
		Queued:     len(m.queue),
		Sessions:   m.sessions.Load(),
		Operations: ops,
		Generation: m.generation.Load(),
	}
}

// GetReport returns the rolling report for everything ingested so far.
//
// Description:
//
//	The report is immutable and shared between callers. It is rebuilt
//	only when new records or session reports have arrived since the last
//	build; concurrent callers share one rebuild.
//
// Thread Safety: Safe for concurrent use; never blocks ingestion.
func (m *Monitor) GetReport() *guard.PerformanceReport {
	gen := m.generation.Load()
	if c := m.cached.Load(); c != nil && c.generation == gen {
		return c.report
	}
	v, _, _ := m.rebuild.Do("report", func() (any, error) {
		gen := m.generation.Load()
		if c := m.cached.Load(); c != nil && c.generation == gen {
			return c.report, nil
		}
		r := m.build()
		m.cached.Store(&cachedReport{generation: gen, report: r})
		return r, nil
	})
	return v.(*guard.PerformanceReport)
}

func (m *Monitor) build() *guard.PerformanceReport {
	p := m.opts.Policy()
	if p == nil {
		p = policy.Default()
	}

	m.mu.RLock()
	ops := make([]guard.OperationStats, 0, len(m.buckets))
	for _, b := range m.buckets {
		ops = append(ops, b.Stats(m.opts.Advice.BudgetFraction))
	}
	m.mu.RUnlock()
	sort.Slice(ops, func(i, j int) bool { return ops[i].Name < ops[j].Name })

	succeeded := m.succeeded.Load()
	failed := m.failed.Load()
	cancelled := m.cancelled.Load()
	total := m.totalMemory.Load()

	warnings := make([]string, 0)
	if dropped := m.dropped.Load(); dropped > 0 {
		warnings = append(warnings, fmt.Sprintf("%d operation records were dropped because the monitor queue was full", dropped))
	}

	var rejected, failedAttempts int64
	var peakConcurrent int32
	for _, r := range m.History() {
		rejected += r.Rejected
		failedAttempts += r.FailedAttempts
		if r.PeakConcurrent > peakConcurrent {
			peakConcurrent = r.PeakConcurrent
		}
	}

	var usage float64
	if p.MaxMemoryBytes > 0 {
		usage = float64(total) / float64(p.MaxMemoryBytes) * 100
	}

	now := time.Now()
	return &guard.PerformanceReport{
		Scope:              guard.ScopeRolling,
		Policy:             p.Name,
		GeneratedAt:        now,
		StartedAt:          m.started,
		Elapsed:            now.Sub(m.started),
		OperationCount:     succeeded + failed + cancelled,
		Succeeded:          succeeded,
		Failed:             failed,
		Cancelled:          cancelled,
		FailedAttempts:     failedAttempts,
		Rejected:           rejected,
		TotalOperationTime: time.Duration(m.totalElapsed.Load()),
		TotalMemoryDelta:   total,
		MemoryUsagePercent: usage,
		PeakDepth:          m.peakDepth.Load(),
		PeakConcurrent:     peakConcurrent,
		ViolationCount:     m.violations.Load(),
		Warnings:           warnings,
		Recommendations:    guard.Recommendations(ops, p, m.opts.Advice),
		Operations:         ops,
	}
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
