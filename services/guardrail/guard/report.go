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
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/guardrail/services/guardrail/policy"
	"github.com/AleutianAI/guardrail/services/guardrail/stats"
)

// -----------------------------------------------------------------------------
// Report types
// -----------------------------------------------------------------------------

// Report scopes.
const (
	ScopeSession = "session"
	ScopeRolling = "rolling"
)

// MetricsSnapshot is a point-in-time view of a session's counters.
//
// A snapshot taken while operations are in flight may undercount, but a
// released handle's contribution is never counted twice.
//
// InFlight counts handles entered but not released across all call
// chains; it returns to its prior value after any nested sequence.
// PeakDepth is the deepest call chain reached, bounded by
// MaxRecursionDepth. TotalMemoryDelta is the tracked allocations plus the
// probed growth since Begin.
type MetricsSnapshot struct {
	SessionID          string        `json:"session_id"`
	Policy             string        `json:"policy"`
	State              State         `json:"state"`
	Elapsed            time.Duration `json:"elapsed"`
	InFlight           int32         `json:"in_flight"`
	PeakDepth          int32         `json:"peak_depth"`
	ActiveConcurrent   int32         `json:"active_concurrent"`
	PeakConcurrent     int32         `json:"peak_concurrent"`
	OperationCount     int64         `json:"operation_count"`
	Succeeded          int64         `json:"succeeded"`
	Failed             int64         `json:"failed"`
	Cancelled          int64         `json:"cancelled"`
	FailedAttempts     int64         `json:"failed_attempts"`
	Rejected           int64         `json:"rejected"`
	TotalElapsed       time.Duration `json:"total_elapsed"`
	TotalMemoryDelta   int64         `json:"total_memory_delta"`
	MemoryUsagePercent float64       `json:"memory_usage_percent"`
	ViolationCount     int64         `json:"violation_count"`
	CancelReason       string        `json:"cancel_reason,omitempty"`
}

// OperationStats summarizes one operation name.
//
// Duration summaries are in nanoseconds and memory summaries in bytes.
// FailureRate excludes cancelled operations from both numerator and
// denominator. OverBudgetShare is the share of retained samples whose
// duration exceeded the advice budget fraction of the duration budget.
type OperationStats struct {
	Name            string        `json:"name"`
	Count           int64         `json:"count"`
	Failures        int64         `json:"failures"`
	Cancellations   int64         `json:"cancellations"`
	Violations      int64         `json:"violations"`
	FailureRate     float64       `json:"failure_rate"`
	Duration        stats.Summary `json:"duration_ns"`
	Memory          stats.Summary `json:"memory_bytes"`
	DurationBudget  time.Duration `json:"duration_budget"`
	OverBudgetShare float64       `json:"over_budget_share"`
}

// PerformanceReport is an immutable aggregation over a session or a
// rolling window.
type PerformanceReport struct {
	Scope              string           `json:"scope"`
	SessionID          string           `json:"session_id,omitempty"`
	Policy             string           `json:"policy"`
	GeneratedAt        time.Time        `json:"generated_at"`
	StartedAt          time.Time        `json:"started_at"`
	Elapsed            time.Duration    `json:"elapsed"`
	OperationCount     int64            `json:"operation_count"`
	Succeeded          int64            `json:"succeeded"`
	Failed             int64            `json:"failed"`
	Cancelled          int64            `json:"cancelled"`
	FailedAttempts     int64            `json:"failed_attempts"`
	Rejected           int64            `json:"rejected"`
	TotalOperationTime time.Duration    `json:"total_operation_time"`
	TotalMemoryDelta   int64            `json:"total_memory_delta"`
	MemoryUsagePercent float64          `json:"memory_usage_percent"`
	PeakDepth          int32            `json:"peak_depth"`
	PeakConcurrent     int32            `json:"peak_concurrent"`
	Violations         []Violation      `json:"violations,omitempty"`
	ViolationCount     int64            `json:"violation_count"`
	DroppedViolations  int64            `json:"dropped_violations"`
	Warnings           []string         `json:"warnings"`
	Recommendations    []string         `json:"recommendations"`
	Operations         []OperationStats `json:"operations"`
	CancelReason       string           `json:"cancel_reason,omitempty"`
}

// Operation returns the stats for name, if present.
func (r *PerformanceReport) Operation(name string) (OperationStats, bool) {
	for _, op := range r.Operations {
		if op.Name == name {
			return op, true
		}
	}
	return OperationStats{}, false
}

// -----------------------------------------------------------------------------
// Bucket
// -----------------------------------------------------------------------------

// Bucket accumulates bounded statistics for one operation name.
//
// Counters are exact over the bucket's lifetime; duration and memory
// distributions cover the most recent Capacity samples.
//
// Thread Safety: Safe for concurrent use.
type Bucket struct {
	name          string
	durations     *stats.Ring
	memory        *stats.Ring
	count         atomic.Int64
	failures      atomic.Int64
	cancellations atomic.Int64
	violations    atomic.Int64
	budget        atomic.Int64
}

// NewBucket creates a bucket retaining capacity samples.
func NewBucket(name string, capacity int) *Bucket {
	return &Bucket{
		name:      name,
		durations: stats.NewRing(capacity),
		memory:    stats.NewRing(capacity),
	}
}

// Add folds rec into the bucket.
func (b *Bucket) Add(rec OperationRecord) {
	b.count.Add(1)
	switch rec.Outcome {
	case OutcomeFailed:
		b.failures.Add(1)
	case OutcomeCancelled:
		b.cancellations.Add(1)
	}
	b.violations.Add(int64(len(rec.Violations)))
	if rec.DurationBudget > 0 {
		b.budget.Store(int64(rec.DurationBudget))
	}
	b.durations.Add(float64(rec.Elapsed))
	b.memory.Add(float64(rec.MemoryDelta))
}

// Stats summarizes the bucket. budgetFraction selects the share of the
// duration budget used for OverBudgetShare.
func (b *Bucket) Stats(budgetFraction float64) OperationStats {
	durations := b.durations.Values()
	count := b.count.Load()
	failures := b.failures.Load()
	cancellations := b.cancellations.Load()
	budget := time.Duration(b.budget.Load())

	st := OperationStats{
		Name:           b.name,
		Count:          count,
		Failures:       failures,
		Cancellations:  cancellations,
		Violations:     b.violations.Load(),
		Duration:       stats.Summarize(durations),
		Memory:         stats.Summarize(b.memory.Values()),
		DurationBudget: budget,
	}
	if completed := count - cancellations; completed > 0 {
		st.FailureRate = float64(failures) / float64(completed)
	}
	if budget > 0 {
		st.OverBudgetShare = stats.FractionAbove(durations, float64(budget)*budgetFraction)
	}
	return st
}

// -----------------------------------------------------------------------------
// Advice
// -----------------------------------------------------------------------------

// Advice tunes recommendation thresholds.
type Advice struct {
	// BudgetFraction is the share of a budget considered "close to the limit".
	BudgetFraction float64

	// BreachShare is the share of calls that must exceed BudgetFraction
	// before a recommendation is made.
	BreachShare float64

	// FailureRate is the failure rate that triggers a recommendation.
	FailureRate float64

	// MinSamples is the smallest sample count worth advising on.
	MinSamples int
}

// DefaultAdvice returns the default recommendation thresholds.
func DefaultAdvice() Advice {
	return Advice{
		BudgetFraction: 0.8,
		BreachShare:    0.3,
		FailureRate:    0.1,
		MinSamples:     5,
	}
}

// Recommendations derives actionable advice from operation statistics.
//
// Description:
//
//	Compares each operation's distribution to the policy budgets. The
//	output is deterministic for a given input: operations are visited in
//	name order and each contributes at most one message per rule.
//
// Inputs:
//   - ops: Per-operation statistics.
//   - p: Policy the operations ran under. Must not be nil.
//   - a: Thresholds. Zero fields fall back to DefaultAdvice.
//
// Outputs:
//   - []string: Recommendations, possibly empty. Never nil.
func Recommendations(ops []OperationStats, p *policy.Policy, a Advice) []string {
	def := DefaultAdvice()
	if a.BudgetFraction <= 0 {
		a.BudgetFraction = def.BudgetFraction
	}
	if a.BreachShare <= 0 {
		a.BreachShare = def.BreachShare
	}
	if a.FailureRate <= 0 {
		a.FailureRate = def.FailureRate
	}
	if a.MinSamples <= 0 {
		a.MinSamples = def.MinSamples
	}

	sorted := append([]OperationStats(nil), ops...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	out := make([]string, 0)
	for _, op := range sorted {
		if op.Duration.Count < a.MinSamples {
			continue
		}

		budget := op.DurationBudget
		if budget <= 0 {
			budget = p.MaxOperationDuration
		}
		if op.OverBudgetShare >= a.BreachShare {
			out = append(out, fmt.Sprintf(
				"operation %q exceeds %.0f%% of its %v budget in %.0f%% of calls; split the work, cache results, or raise max_operation_duration",
				op.Name, a.BudgetFraction*100, budget, op.OverBudgetShare*100))
		} else if time.Duration(op.Duration.P99) > budget {
			out = append(out, fmt.Sprintf(
				"operation %q has a p99 of %v over its %v budget; investigate tail latency",
				op.Name, time.Duration(op.Duration.P99), budget))
		}

		if limit := float64(p.MaxAllocationBytes) * a.BudgetFraction; op.Memory.P90 > limit {
			out = append(out, fmt.Sprintf(
				"operation %q allocates %.0f bytes at p90, above %.0f%% of max_allocation_bytes (%d); reuse buffers or pool allocations",
				op.Name, op.Memory.P90, a.BudgetFraction*100, p.MaxAllocationBytes))
		}

		if op.FailureRate >= a.FailureRate {
			out = append(out, fmt.Sprintf(
				"operation %q fails in %.0f%% of completed calls; validate its inputs with preconditions",
				op.Name, op.FailureRate*100))
		}
	}
	return out
}
