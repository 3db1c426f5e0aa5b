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
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/guardrail/services/guardrail/policy"
	"github.com/AleutianAI/guardrail/services/guardrail/precondition"
	"github.com/AleutianAI/guardrail/services/guardrail/stats"
)

// preconditionSuffix names the self-hosted validation step in violations.
const preconditionSuffix = "/preconditions"

// -----------------------------------------------------------------------------
// Options
// -----------------------------------------------------------------------------

// Option configures a Session.
type Option func(*sessionConfig)

type sessionConfig struct {
	id             string
	logger         *slog.Logger
	sinks          []Sink
	observers      []Observer
	probe          MemoryProbe
	bucketCapacity int
	advice         Advice
}

// WithLogger sets the session logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *sessionConfig) { c.logger = l }
}

// WithSinks adds violation sinks.
func WithSinks(sinks ...Sink) Option {
	return func(c *sessionConfig) { c.sinks = append(c.sinks, sinks...) }
}

// WithObservers adds operation and session observers.
func WithObservers(obs ...Observer) Option {
	return func(c *sessionConfig) { c.observers = append(c.observers, obs...) }
}

// WithMemoryProbe overrides the automatic memory counter. Default: RuntimeProbe.
func WithMemoryProbe(p MemoryProbe) Option {
	return func(c *sessionConfig) { c.probe = p }
}

// WithSessionID overrides the generated session ID.
func WithSessionID(id string) Option {
	return func(c *sessionConfig) { c.id = id }
}

// WithBucketCapacity sets the per-operation sample window. Default: stats.DefaultCapacity.
func WithBucketCapacity(n int) Option {
	return func(c *sessionConfig) { c.bucketCapacity = n }
}

// WithAdvice overrides the recommendation thresholds used in the final report.
func WithAdvice(a Advice) Option {
	return func(c *sessionConfig) { c.advice = a }
}

// -----------------------------------------------------------------------------
// Session
// -----------------------------------------------------------------------------

// Session owns the aggregate state of one bounded evaluation pass.
//
// Description:
//
//	A Session is created by Begin at the start of a pass and issues an
//	Operation Handle for every unit of guarded work through Enter. All
//	shared counters are atomics, so Enter and Release never take a lock
//	on the success path. Snapshot may be called from any goroutine at
//	any time. Finish ends the pass and returns the final report.
//
//	Recursion depth is tracked per call chain: an Enter whose context
//	carries a live handle of the same session is a nested operation one
//	level deeper than that handle. Nested operations run inside their
//	parent's concurrency slot; only root operations are subject to
//	admission control.
//
// Thread Safety: Safe for concurrent use.
type Session struct {
	id             string
	policy         *policy.Policy
	logger         *slog.Logger
	events         *dispatcher
	probe          MemoryProbe
	advice         Advice
	bucketCapacity int

	ctx        context.Context
	cancelCtx  context.CancelCauseFunc
	stopParent func() bool
	done       chan struct{}

	started         time.Time
	finishedElapsed atomic.Int64
	state           atomic.Int32
	cancelReason    atomic.Pointer[string]

	// occupancy packs handles in flight (low 32 bits) with handles
	// entered (high 32 bits) so both are read in one atomic step.
	occupancy atomic.Uint64
	peakDepth atomic.Int32
	slots     *admission
	admitted  atomic.Int64

	operationCount atomic.Int64
	succeeded      atomic.Int64
	failed         atomic.Int64
	cancelled      atomic.Int64
	failedAttempts atomic.Int64
	rejected       atomic.Int64
	totalElapsed   atomic.Int64
	trackedMemory  atomic.Int64
	probedMemory   atomic.Int64
	memoryBaseline int64

	violations         *violationLog
	memoryWarned       atomic.Bool
	memoryBreached     atomic.Bool
	evaluationBreached atomic.Bool

	warnMu   sync.Mutex
	warnings []string

	buckets sync.Map // string -> *Bucket

	finishOnce sync.Once
	report     atomic.Pointer[PerformanceReport]
}

// Begin starts a session governed by p.
//
// Description:
//
//	The session starts Active with zeroed counters. Cancelling ctx
//	cancels the session.
//
// Inputs:
//   - ctx: Parent context. Must not be nil.
//   - p: Policy. Must not be nil and must validate.
//   - opts: Optional configuration.
//
// Outputs:
//   - *Session: The active session.
//   - error: ErrNilContext, or a *GuardrailError of KindConfigurationInvalid.
//
// Example:
//
//	s, err := guard.Begin(ctx, policy.Performance(), guard.WithObservers(mon))
//	if err != nil {
//	    return fmt.Errorf("begin pass: %w", err)
//	}
//	defer s.Finish()
func Begin(ctx context.Context, p *policy.Policy, opts ...Option) (*Session, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if p == nil {
		return nil, &GuardrailError{Kind: KindConfigurationInvalid, Cause: errors.New("policy must not be nil")}
	}
	if err := p.Validate(); err != nil {
		return nil, &GuardrailError{Kind: KindConfigurationInvalid, Cause: err}
	}

	cfg := sessionConfig{
		probe:          RuntimeProbe{},
		bucketCapacity: stats.DefaultCapacity,
		advice:         DefaultAdvice(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.id == "" {
		cfg.id = uuid.NewString()
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.probe == nil {
		cfg.probe = NoopProbe{}
	}

	logger := cfg.logger.With(
		slog.String("component", "guardrail_session"),
		slog.String("session_id", cfg.id),
	)

	s := &Session{
		id:             cfg.id,
		policy:         p,
		logger:         logger,
		events:         &dispatcher{sinks: cfg.sinks, observers: cfg.observers, logger: logger},
		probe:          cfg.probe,
		advice:         cfg.advice,
		bucketCapacity: cfg.bucketCapacity,
		done:           make(chan struct{}),
		started:        time.Now(),
		slots:          newAdmission(p.MaxConcurrentOperations),
		violations:     newViolationLog(p.MaxViolationLog),
		memoryBaseline: cfg.probe.Bytes(),
	}
	s.ctx, s.cancelCtx = context.WithCancelCause(context.WithoutCancel(ctx))
	s.stopParent = context.AfterFunc(ctx, func() {
		s.Cancel(fmt.Sprintf("parent context done: %v", context.Cause(ctx)))
	})

	logger.Debug("session started",
		slog.String("policy", p.Name),
		slog.String("on_violation", p.OnViolation.String()),
		slog.String("admission_mode", p.AdmissionMode.String()),
	)
	return s, nil
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// Policy returns the policy the session was started with.
func (s *Session) Policy() *policy.Policy { return s.policy }

// Context returns a context that is cancelled when the session is
// cancelled or finished. Its values are those of the context given to Begin.
func (s *Session) Context() context.Context { return s.ctx }

// Done returns a channel closed when the session finishes.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the session's lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// IsCancelled reports whether the cancellation flag is set. Finished
// sessions that were cancelled before finishing also report true.
func (s *Session) IsCancelled() bool { return s.cancelReason.Load() != nil }

// CancelReason returns the reason given to Cancel, or "".
func (s *Session) CancelReason() string {
	if r := s.cancelReason.Load(); r != nil {
		return *r
	}
	return ""
}

// Elapsed returns the session's running time, frozen at Finish.
func (s *Session) Elapsed() time.Duration {
	if s.State() == StateFinished {
		return time.Duration(s.finishedElapsed.Load())
	}
	return time.Since(s.started)
}

// Violations returns the retained violations. The slice must not be modified.
func (s *Session) Violations() []Violation { return s.violations.snapshot() }

// -----------------------------------------------------------------------------
// Enter
// -----------------------------------------------------------------------------

// Enter admits one unit of guarded work and returns its handle.
//
// Description:
//
//	Enter is the sole entry point for guarded work. In order it:
//	  1. refuses finished (SessionFinished) and cancelling (Cancelled) sessions;
//	  2. runs preconditions, if supplied, without touching depth or
//	     concurrency counters (PreconditionFailed);
//	  3. checks the call chain depth against MaxRecursionDepth (RecursionExceeded);
//	  4. checks MaxOperationsPerEvaluation (OperationCountExceeded);
//	  5. for root operations, takes a concurrency slot, failing fast or
//	     waiting up to QueueTimeout per AdmissionMode (ConcurrencyExceeded);
//	  6. marks the handle in flight, captures the start time and memory baseline.
//
//	The caller must call Release on the returned handle exactly once on
//	every exit path, typically with defer. Pass h.Context() to nested
//	Enter calls so they are counted one level deeper.
//
// Inputs:
//   - ctx: Caller context. Must not be nil.
//   - name: Operation name used for statistics and violations.
//   - opts: WithPreconditions to validate inputs first.
//
// Outputs:
//   - *Handle: A live handle, or nil on error.
//   - error: A *GuardrailError describing why admission failed.
//
// Thread Safety: Safe for concurrent use.
func (s *Session) Enter(ctx context.Context, name string, opts ...CallOption) (*Handle, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	cfg := newCallConfig(opts)

	switch s.State() {
	case StateFinished:
		return nil, &GuardrailError{Kind: KindSessionFinished, Operation: name, SessionID: s.id}
	case StateCancelling:
		return nil, s.cancelledError(name, nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, s.cancelledError(name, context.Cause(ctx))
	}

	if len(cfg.constraints) > 0 {
		if err := s.checkPreconditions(ctx, name, cfg); err != nil {
			return nil, err
		}
	}

	parent := HandleFromContext(ctx)
	if parent != nil && (parent.session != s || parent.Outcome() != OutcomePending) {
		parent = nil
	}
	depth := int32(1)
	if parent != nil {
		depth = parent.depth + 1
	}
	if depth > s.policy.MaxRecursionDepth {
		return nil, s.reject(ctx, KindRecursionExceeded, name, int64(depth), int64(s.policy.MaxRecursionDepth), nil)
	}

	if err := s.countOperation(ctx, name); err != nil {
		return nil, err
	}

	root := parent == nil
	if root {
		if err := s.admit(ctx, name); err != nil {
			s.admitted.Add(-1)
			return nil, err
		}
	}

	raisePeak(&s.peakDepth, depth)

	h := newHandle(ctx, s, name, parent, depth, root)
	if s.policy.DetailedLogging {
		s.logger.Debug("operation entered",
			slog.String("operation", name),
			slog.Int("depth", int(depth)),
			slog.Bool("root", root),
		)
	}
	return h, nil
}

// checkPreconditions runs the validator as a guarded step of its own: its
// duration is held to the operation budget and a panicking rule is
// contained and reported as a precondition failure.
func (s *Session) checkPreconditions(ctx context.Context, name string, cfg callConfig) error {
	start := time.Now()
	var res precondition.Result
	panicErr := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = newPanicError(r)
			}
		}()
		res = precondition.Validate(cfg.constraints, cfg.inputs)
		return nil
	}()
	elapsed := time.Since(start)

	if elapsed > s.policy.MaxOperationDuration {
		s.record(ctx, Violation{
			Type:      KindDurationExceeded,
			Operation: name + preconditionSuffix,
			Measured:  int64(elapsed),
			Threshold: int64(s.policy.MaxOperationDuration),
			Timestamp: time.Now(),
			SessionID: s.id,
			Detail:    "precondition validation",
		})
	}

	if panicErr == nil && res.OK {
		return nil
	}

	s.failedAttempts.Add(1)
	cause := panicErr
	if cause == nil {
		cause = res.Err()
	}
	v := Violation{
		Type:      KindPreconditionFailed,
		Operation: name,
		Measured:  int64(len(res.Violations)),
		Timestamp: time.Now(),
		SessionID: s.id,
		Detail:    truncate(cause.Error(), 256),
	}
	s.record(ctx, v)
	return v.Err(cause)
}

// countOperation reserves one unit of the per-session operation budget.
func (s *Session) countOperation(ctx context.Context, name string) error {
	limit := s.policy.MaxOperationsPerEvaluation
	for {
		cur := s.admitted.Load()
		if limit > 0 && cur >= limit {
			return s.reject(ctx, KindOperationCountExceeded, name, cur+1, limit, nil)
		}
		if s.admitted.CompareAndSwap(cur, cur+1) {
			return nil
		}
	}
}

// admit takes a concurrency slot according to the admission mode.
func (s *Session) admit(ctx context.Context, name string) error {
	if s.slots.tryAcquire() {
		return nil
	}

	limit := int64(s.policy.MaxConcurrentOperations)
	if s.policy.AdmissionMode != policy.AdmissionQueue {
		return s.reject(ctx, KindConcurrencyExceeded, name, int64(s.slots.active.Load())+1, limit, nil)
	}

	err := s.slots.acquire(ctx, s.policy.QueueTimeout, s.ctx.Done())
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errAdmissionTimeout):
		return s.reject(ctx, KindConcurrencyExceeded, name, int64(s.slots.active.Load())+1, limit, err)
	case errors.Is(err, ErrCancelled):
		return s.cancelledError(name, nil)
	default:
		return s.cancelledError(name, err)
	}
}

// reject records an admission violation and applies the abort action.
func (s *Session) reject(ctx context.Context, kind Kind, name string, measured, threshold int64, cause error) error {
	s.rejected.Add(1)
	v := Violation{
		Type:      kind,
		Operation: name,
		Measured:  measured,
		Threshold: threshold,
		Timestamp: time.Now(),
		SessionID: s.id,
	}
	s.record(ctx, v)
	if s.policy.OnViolation == policy.ActionAbort {
		s.Cancel("aborted after " + v.String())
	}
	return v.Err(cause)
}

func (s *Session) cancelledError(name string, cause error) error {
	if cause == nil {
		cause = context.Cause(s.ctx)
	}
	return &GuardrailError{Kind: KindCancelled, Operation: name, SessionID: s.id, Cause: cause}
}

// -----------------------------------------------------------------------------
// Release bookkeeping
// -----------------------------------------------------------------------------

// release finalizes h. It runs exactly once per handle, on whichever path
// the caller leaves the guarded region.
func (s *Session) release(h *Handle, actErr error) error {
	elapsed := time.Since(h.start)
	tracked := h.tracked.Load()
	memory := tracked
	sample := s.probe.Bytes()
	if h.exclusive() {
		if probed := sample - h.baseline; probed > 0 {
			memory += probed
		}
	}
	if h.parent != nil {
		h.parent.subtree.Add(h.subtree.Load() + 1)
	}

	s.occupancy.Add(^uint64(0))
	if h.root {
		s.slots.release()
	}
	s.operationCount.Add(1)
	s.totalElapsed.Add(int64(elapsed))
	s.trackedMemory.Add(tracked)
	s.probedMemory.Store(max(sample-s.memoryBaseline, 0))
	total := s.memoryUsage()

	ctx := h.parentCtx
	p := s.policy
	now := time.Now()

	var breaches []Violation
	if elapsed > p.MaxOperationDuration {
		breaches = append(breaches, Violation{
			Type: KindDurationExceeded, Operation: h.name,
			Measured: int64(elapsed), Threshold: int64(p.MaxOperationDuration),
			Timestamp: now, SessionID: s.id,
		})
	}
	if memory > p.MaxAllocationBytes {
		breaches = append(breaches, Violation{
			Type: KindMemoryExceeded, Operation: h.name,
			Measured: memory, Threshold: p.MaxAllocationBytes,
			Timestamp: now, SessionID: s.id,
		})
	}
	breaches = append(breaches, s.checkAggregates(total)...)

	for _, v := range breaches {
		s.record(ctx, v)
	}

	outcome := classify(actErr)
	result := actErr
	if len(breaches) > 0 {
		switch p.OnViolation {
		case policy.ActionThrow:
			result = breaches[0].Err(actErr)
			if outcome == OutcomeSuccess {
				outcome = OutcomeFailed
			}
		case policy.ActionAbort:
			s.Cancel("aborted after " + breaches[0].String())
		}
	}

	h.elapsed.Store(int64(elapsed))
	h.memory.Store(memory)
	h.outcome.Store(int32(outcome))
	switch outcome {
	case OutcomeSuccess:
		s.succeeded.Add(1)
	case OutcomeFailed:
		s.failed.Add(1)
	case OutcomeCancelled:
		s.cancelled.Add(1)
	}

	rec := OperationRecord{
		SessionID:        s.id,
		Name:             h.name,
		Depth:            h.depth,
		Started:          h.start,
		Elapsed:          elapsed,
		MemoryDelta:      memory,
		Outcome:          outcome,
		DurationBudget:   p.MaxOperationDuration,
		AllocationBudget: p.MaxAllocationBytes,
	}
	for _, v := range breaches {
		if v.Operation == h.name {
			rec.Violations = append(rec.Violations, v.Type)
		}
	}
	s.bucket(h.name).Add(rec)
	h.finish()

	if p.DetailedLogging {
		s.logger.Debug("operation released",
			slog.String("operation", h.name),
			slog.String("outcome", outcome.String()),
			slog.Duration("elapsed", elapsed),
			slog.Int64("memory_delta", memory),
			slog.Int("violations", len(breaches)),
		)
	}
	s.events.observeOperation(rec)

	return result
}

// memoryUsage is the session's memory: every tracked allocation plus the
// growth of the probed gauge since Begin, as of the latest release.
func (s *Session) memoryUsage() int64 {
	return s.trackedMemory.Load() + s.probedMemory.Load()
}

// inFlight returns the number of handles entered but not yet released.
func (s *Session) inFlight() int32 {
	return int32(uint32(s.occupancy.Load()))
}

// checkAggregates evaluates session-wide budgets after a release. Each
// aggregate breach is reported once per session.
func (s *Session) checkAggregates(totalMemory int64) []Violation {
	p := s.policy
	var out []Violation

	if totalMemory >= p.WarningBytes() && s.memoryWarned.CompareAndSwap(false, true) {
		s.addWarning(fmt.Sprintf("session memory reached %.0f%% of max_memory_bytes (%d of %d bytes)",
			percent(totalMemory, p.MaxMemoryBytes), totalMemory, p.MaxMemoryBytes))
	}
	if totalMemory > p.CriticalBytes() && s.memoryBreached.CompareAndSwap(false, true) {
		out = append(out, Violation{
			Type: KindMemoryExceeded, Operation: SessionOperation,
			Measured: totalMemory, Threshold: p.CriticalBytes(),
			Timestamp: time.Now(), SessionID: s.id,
			Detail: "aggregate session memory",
		})
	}
	if v, ok := s.checkEvaluationDuration(); ok {
		out = append(out, v)
	}
	return out
}

// checkEvaluationDuration reports the session-wide duration breach once.
func (s *Session) checkEvaluationDuration() (Violation, bool) {
	budget := s.policy.MaxEvaluationDuration
	if budget <= 0 {
		return Violation{}, false
	}
	elapsed := s.Elapsed()
	if elapsed <= budget || !s.evaluationBreached.CompareAndSwap(false, true) {
		return Violation{}, false
	}
	s.addWarning(fmt.Sprintf("session ran %v, over its %v evaluation budget", elapsed.Round(time.Microsecond), budget))
	return Violation{
		Type: KindDurationExceeded, Operation: SessionOperation,
		Measured: int64(elapsed), Threshold: int64(budget),
		Timestamp: time.Now(), SessionID: s.id,
		Detail: "evaluation duration",
	}, true
}

// record appends v to the log and emits it to sinks.
func (s *Session) record(ctx context.Context, v Violation) {
	s.violations.append(v)
	s.logger.Debug("guardrail violation",
		slog.String("type", v.Type.String()),
		slog.String("operation", v.Operation),
		slog.Int64("measured", v.Measured),
		slog.Int64("threshold", v.Threshold),
	)
	s.events.emit(ctx, v)
}

// recordFault records an unhandled fault raised by the action of h.
func (s *Session) recordFault(h *Handle, err error) *GuardrailError {
	v := Violation{
		Type:      KindUnhandledFault,
		Operation: h.name,
		Timestamp: time.Now(),
		SessionID: s.id,
		Detail:    truncate(err.Error(), 256),
	}
	s.record(h.parentCtx, v)

	attrs := []any{
		slog.String("operation", h.name),
		slog.String("error", err.Error()),
	}
	var pe *PanicError
	if errors.As(err, &pe) {
		attrs = append(attrs, slog.String("stack", string(pe.Stack)))
	}
	s.logger.Error("unhandled fault in guarded operation", attrs...)

	return v.Err(err)
}

func (s *Session) bucket(name string) *Bucket {
	if b, ok := s.buckets.Load(name); ok {
		return b.(*Bucket)
	}
	b, _ := s.buckets.LoadOrStore(name, NewBucket(name, s.bucketCapacity))
	return b.(*Bucket)
}

func (s *Session) addWarning(msg string) {
	s.warnMu.Lock()
	s.warnings = append(s.warnings, msg)
	s.warnMu.Unlock()
	s.logger.Warn("guardrail warning", slog.String("warning", msg))
}

// -----------------------------------------------------------------------------
// Cancel, Snapshot, Finish
// -----------------------------------------------------------------------------

// Cancel sets the cancellation flag and moves the session to Cancelling.
//
// Description:
//
//	In-flight handles are not stopped; their actions observe the flag
//	at their next Checkpoint or through their context. New Enter calls
//	fail with KindCancelled. Cancel is idempotent and returns false if
//	the session was not Active.
func (s *Session) Cancel(reason string) bool {
	if !s.state.CompareAndSwap(int32(StateActive), int32(StateCancelling)) {
		return false
	}
	s.cancelReason.Store(&reason)
	s.cancelCtx(fmt.Errorf("%w: %s", ErrCancelled, reason))
	s.logger.Warn("session cancelling", slog.String("reason", reason))
	return true
}

// Snapshot returns the current aggregates without locking or mutating state.
func (s *Session) Snapshot() MetricsSnapshot {
	total := s.memoryUsage()
	return MetricsSnapshot{
		SessionID:          s.id,
		Policy:             s.policy.Name,
		State:              s.State(),
		Elapsed:            s.Elapsed(),
		InFlight:           s.inFlight(),
		PeakDepth:          s.peakDepth.Load(),
		ActiveConcurrent:   s.slots.active.Load(),
		PeakConcurrent:     s.slots.peak.Load(),
		OperationCount:     s.operationCount.Load(),
		Succeeded:          s.succeeded.Load(),
		Failed:             s.failed.Load(),
		Cancelled:          s.cancelled.Load(),
		FailedAttempts:     s.failedAttempts.Load(),
		Rejected:           s.rejected.Load(),
		TotalElapsed:       time.Duration(s.totalElapsed.Load()),
		TotalMemoryDelta:   total,
		MemoryUsagePercent: percent(total, s.policy.MaxMemoryBytes),
		ViolationCount:     s.violations.total.Load(),
		CancelReason:       s.CancelReason(),
	}
}

// Finish ends the session and returns its final report.
//
// Description:
//
//	Stops the session clock, checks the evaluation budget one last time,
//	moves to Finished and builds the report. Later Enter calls fail with
//	KindSessionFinished. Finish is idempotent; every call returns the
//	same report.
func (s *Session) Finish() *PerformanceReport {
	s.finishOnce.Do(func() {
		s.finishedElapsed.Store(int64(time.Since(s.started)))
		s.state.Store(int32(StateFinished))

		if v, ok := s.checkEvaluationDuration(); ok {
			s.record(s.ctx, v)
		}

		report := s.buildReport()
		s.report.Store(report)

		s.stopParent()
		s.cancelCtx(ErrSessionFinished)
		close(s.done)

		s.logger.Debug("session finished",
			slog.Duration("elapsed", report.Elapsed),
			slog.Int64("operations", report.OperationCount),
			slog.Int64("violations", report.ViolationCount),
		)
		s.events.observeSession(report)
	})
	return s.report.Load()
}

// Report returns the final report, or nil before Finish.
func (s *Session) Report() *PerformanceReport { return s.report.Load() }

func (s *Session) buildReport() *PerformanceReport {
	snap := s.Snapshot()

	var ops []OperationStats
	s.buckets.Range(func(_, v any) bool {
		ops = append(ops, v.(*Bucket).Stats(s.advice.BudgetFraction))
		return true
	})
	sort.Slice(ops, func(i, j int) bool { return ops[i].Name < ops[j].Name })

	s.warnMu.Lock()
	warnings := append([]string(nil), s.warnings...)
	s.warnMu.Unlock()
	if dropped := s.violations.dropped.Load(); dropped > 0 {
		warnings = append(warnings, fmt.Sprintf("%d violations were dropped after the log reached %d entries",
			dropped, s.policy.MaxViolationLog))
	}
	if snap.Rejected > 0 {
		warnings = append(warnings, fmt.Sprintf("%d operations were refused admission", snap.Rejected))
	}
	if snap.CancelReason != "" {
		warnings = append(warnings, "session cancelled: "+snap.CancelReason)
	}
	if warnings == nil {
		warnings = []string{}
	}

	return &PerformanceReport{
		Scope:              ScopeSession,
		SessionID:          s.id,
		Policy:             s.policy.Name,
		GeneratedAt:        time.Now(),
		StartedAt:          s.started,
		Elapsed:            snap.Elapsed,
		OperationCount:     snap.OperationCount,
		Succeeded:          snap.Succeeded,
		Failed:             snap.Failed,
		Cancelled:          snap.Cancelled,
		FailedAttempts:     snap.FailedAttempts,
		Rejected:           snap.Rejected,
		TotalOperationTime: snap.TotalElapsed,
		TotalMemoryDelta:   snap.TotalMemoryDelta,
		MemoryUsagePercent: snap.MemoryUsagePercent,
		PeakDepth:          snap.PeakDepth,
		PeakConcurrent:     snap.PeakConcurrent,
		Violations:         s.violations.snapshot(),
		ViolationCount:     snap.ViolationCount,
		DroppedViolations:  s.violations.dropped.Load(),
		Warnings:           warnings,
		Recommendations:    Recommendations(ops, s.policy, s.advice),
		Operations:         ops,
		CancelReason:       snap.CancelReason,
	}
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return OutcomeCancelled
	default:
		return OutcomeFailed
	}
}

func percent(v, of int64) float64 {
	if of <= 0 {
		return 0
	}
	return float64(v) / float64(of) * 100
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
