// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package evaluator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/guardrail/services/guardrail/guard"
	"github.com/AleutianAI/guardrail/services/guardrail/policy"
	"github.com/AleutianAI/guardrail/services/guardrail/precondition"
)

var (
	tracer = otel.Tracer("github.com/AleutianAI/guardrail/evaluator")
	meter  = otel.Meter("github.com/AleutianAI/guardrail/evaluator")
)

// -----------------------------------------------------------------------------
// Options
// -----------------------------------------------------------------------------

// Options configures an Evaluator.
type Options struct {
	// Policy returns the policy for each new pass. Nil uses policy.Default.
	// Passing a policy.Store's Load method applies hot reloads at the next
	// pass boundary.
	Policy func() *policy.Policy

	// Logger for pass and node logs. Nil uses slog.Default.
	Logger *slog.Logger

	// Sinks receive every violation of every pass.
	Sinks []guard.Sink

	// Observers receive every operation record and pass report.
	Observers []guard.Observer

	// Probe measures memory. Nil uses guard.RuntimeProbe.
	Probe guard.MemoryProbe

	// OnSession is called with each pass's session right after it begins,
	// e.g. to register it for live snapshots.
	OnSession func(*guard.Session)
}

// -----------------------------------------------------------------------------
// Results
// -----------------------------------------------------------------------------

// PassResult is the outcome of one evaluation pass.
type PassResult struct {
	// PassID is also the session ID of the pass.
	PassID string

	// Input is the pass input handed to every node.
	Input any

	// Outputs holds the output of every node that produced one in this
	// pass, including outputs reused from a prior pass.
	Outputs map[string]any

	// Errors holds the error of every node that failed. Skipped nodes
	// appear here wrapping ErrDependencyFailed or ErrPassCancelled.
	Errors map[string]error

	// Evaluated lists nodes run in this pass, sorted.
	Evaluated []string

	// Reused lists nodes whose prior output was carried over, sorted.
	Reused []string

	// Skipped lists nodes not run because of upstream failure or
	// cancellation, sorted.
	Skipped []string

	// Report is the finished session's performance report.
	Report *guard.PerformanceReport

	// Duration is the wall-clock duration of the pass.
	Duration time.Duration
}

// Succeeded reports whether every node produced an output.
func (r *PassResult) Succeeded() bool {
	return len(r.Errors) == 0
}

// Err returns all node errors joined in node-name order, or nil.
func (r *PassResult) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	names := make([]string, 0, len(r.Errors))
	for n := range r.Errors {
		names = append(names, n)
	}
	sort.Strings(names)
	errs := make([]error, 0, len(names))
	for _, n := range names {
		errs = append(errs, &NodeError{Node: n, Err: r.Errors[n]})
	}
	return errors.Join(errs...)
}

// -----------------------------------------------------------------------------
// Evaluator
// -----------------------------------------------------------------------------

// Evaluator runs graphs one guarded pass at a time.
//
// Description:
//
//	Every pass begins a fresh guard.Session under the current policy.
//	Each dependency level is evaluated in parallel on an errgroup bounded
//	by MaxConcurrentOperations, and every node runs through
//	guard.Execute with its own preconditions. A node whose dependency
//	failed is skipped. When the session is cancelled, remaining nodes are
//	skipped and the pass finishes early.
//
// Thread Safety:
//
//	Evaluator is safe for concurrent use. Concurrent passes get separate
//	sessions.
type Evaluator struct {
	opts   Options
	logger *slog.Logger

	metricsOnce  sync.Once
	passLatency  metric.Float64Histogram
	passCount    metric.Int64Counter
	nodeFailures metric.Int64Counter
}

// New creates an evaluator.
//
// Inputs:
//
//	opts - Optional configuration. Nil uses defaults.
func New(opts *Options) *Evaluator {
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.Policy == nil {
		o.Policy = policy.Default
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Probe == nil {
		o.Probe = guard.RuntimeProbe{}
	}
	return &Evaluator{
		opts:   o,
		logger: o.Logger.With(slog.String("component", "guardrail_evaluator")),
	}
}

func (e *Evaluator) initMetrics() {
	e.metricsOnce.Do(func() {
		var err error
		e.passLatency, err = meter.Float64Histogram("guardrail.pass.duration",
			metric.WithDescription("Evaluation pass duration"),
			metric.WithUnit("s"),
		)
		if err != nil {
			e.logger.Warn("failed to create pass latency histogram", slog.String("error", err.Error()))
		}
		e.passCount, err = meter.Int64Counter("guardrail.passes",
			metric.WithDescription("Evaluation passes by result"),
		)
		if err != nil {
			e.logger.Warn("failed to create pass counter", slog.String("error", err.Error()))
		}
		e.nodeFailures, err = meter.Int64Counter("guardrail.node.failures",
			metric.WithDescription("Failed or skipped nodes"),
		)
		if err != nil {
			e.logger.Warn("failed to create node failure counter", slog.String("error", err.Error()))
		}
	})
}

// Evaluate runs every node of g.
//
// Inputs:
//
//	ctx - Context for cancellation. Cancelling it cancels the pass session.
//	g - The graph to evaluate.
//	input - Value handed to every node under InputKey.
//
// Outputs:
//
//	*PassResult - Outputs, per-node errors and the session report. Node
//	              failures are reported here, not as the returned error.
//	error - Non-nil only if the pass could not start.
func (e *Evaluator) Evaluate(ctx context.Context, g *Graph, input any) (*PassResult, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if g == nil {
		return nil, ErrNilGraph
	}
	dirty := make(map[string]bool, g.Len())
	for _, n := range g.names {
		dirty[n] = true
	}
	return e.run(ctx, g, input, dirty, nil)
}

// EvaluateIncremental re-evaluates the changed nodes and everything
// downstream of them, reusing prior outputs for the rest.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	g - The graph prior was produced from.
//	changed - Names of nodes whose inputs or parameters changed.
//	prior - A previous pass result. Nil evaluates everything.
//
// Outputs:
//
//	*PassResult - Reused nodes are listed in Reused. Nodes without a
//	              usable prior output are evaluated as well.
//	error - A *NodeError wrapping ErrNodeNotFound for an unknown changed
//	        node, or a start failure.
func (e *Evaluator) EvaluateIncremental(ctx context.Context, g *Graph, changed []string, prior *PassResult) (*PassResult, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if g == nil {
		return nil, ErrNilGraph
	}
	if prior == nil {
		return e.Evaluate(ctx, g, nil)
	}

	dirty, err := g.Descendants(changed...)
	if err != nil {
		return nil, err
	}
	for _, level := range g.levels {
		for _, n := range level {
			if dirty[n] {
				continue
			}
			if _, ok := prior.Outputs[n]; !ok {
				dirty[n] = true
				continue
			}
			for _, dep := range g.deps[n] {
				if dirty[dep] {
					dirty[n] = true
					break
				}
			}
		}
	}
	return e.run(ctx, g, prior.Input, dirty, prior.Outputs)
}

type nodeOutcome struct {
	name   string
	output any
	err    error
}

func (e *Evaluator) run(ctx context.Context, g *Graph, input any, dirty map[string]bool, prior map[string]any) (*PassResult, error) {
	e.initMetrics()

	passID := uuid.NewString()
	ctx, span := tracer.Start(ctx, "guardrail.Pass",
		trace.WithAttributes(
			attribute.String("guardrail.graph", g.name),
			attribute.String("guardrail.pass_id", passID),
			attribute.Int("guardrail.node_count", g.Len()),
			attribute.Int("guardrail.dirty_count", len(dirty)),
		),
	)
	defer span.End()

	p := e.opts.Policy()
	session, err := guard.Begin(ctx, p,
		guard.WithSessionID(passID),
		guard.WithLogger(e.opts.Logger),
		guard.WithMemoryProbe(e.opts.Probe),
		guard.WithSinks(e.opts.Sinks...),
		guard.WithObservers(e.opts.Observers...),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "begin session")
		return nil, fmt.Errorf("begin pass: %w", err)
	}
	if e.opts.OnSession != nil {
		e.opts.OnSession(session)
	}

	start := time.Now()
	e.logger.Debug("pass started",
		slog.String("graph", g.name),
		slog.String("pass_id", passID),
		slog.Int("dirty", len(dirty)),
	)

	res := &PassResult{
		PassID:  passID,
		Input:   input,
		Outputs: make(map[string]any, g.Len()),
		Errors:  make(map[string]error),
	}

	limit := int(p.MaxConcurrentOperations)
	for _, level := range g.levels {
		var ready []string
		for _, name := range level {
			switch {
			case session.IsCancelled():
				res.skip(name, fmt.Errorf("%w: %s", ErrPassCancelled, session.CancelReason()))
			case !dirty[name]:
				res.Outputs[name] = prior[name]
				res.Reused = append(res.Reused, name)
			case res.blocked(g.deps[name]):
				res.skip(name, ErrDependencyFailed)
			default:
				ready = append(ready, name)
			}
		}
		if len(ready) == 0 {
			continue
		}
		for _, o := range e.evaluateLevel(ctx, session, g, ready, res, limit) {
			res.Evaluated = append(res.Evaluated, o.name)
			if o.err != nil {
				res.Errors[o.name] = o.err
				continue
			}
			res.Outputs[o.name] = o.output
		}
	}

	res.Report = session.Finish()
	res.Duration = time.Since(start)
	sort.Strings(res.Evaluated)
	sort.Strings(res.Reused)
	sort.Strings(res.Skipped)

	e.record(ctx, g, res)
	if res.Succeeded() {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, fmt.Sprintf("%d node(s) failed", len(res.Errors)))
	}
	span.SetAttributes(
		attribute.Int("guardrail.evaluated", len(res.Evaluated)),
		attribute.Int("guardrail.reused", len(res.Reused)),
		attribute.Int64("guardrail.violations", res.Report.ViolationCount),
	)
	return res, nil
}

// evaluateLevel runs independent nodes on a bounded errgroup. The group
// only returns an error when the session is cancelled, which stops nodes
// that have not started yet.
func (e *Evaluator) evaluateLevel(ctx context.Context, s *guard.Session, g *Graph, names []string, res *PassResult, limit int) []nodeOutcome {
	eg, egCtx := errgroup.WithContext(ctx)
	if limit > 0 {
		eg.SetLimit(limit)
	}

	out := make([]nodeOutcome, len(names))
	for i, name := range names {
		node := g.nodes[name]
		inputs := res.inputsFor(node)
		eg.Go(func() error {
			output, err := e.evaluateNode(egCtx, s, node, inputs)
			out[i] = nodeOutcome{name: name, output: output, err: err}
			if err != nil && s.IsCancelled() {
				return err
			}
			return nil
		})
	}
	_ = eg.Wait()
	return out
}

func (e *Evaluator) evaluateNode(ctx context.Context, s *guard.Session, node Node, inputs precondition.Inputs) (any, error) {
	ctx, span := tracer.Start(ctx, node.Name(),
		trace.WithAttributes(
			attribute.String("guardrail.node", node.Name()),
			attribute.StringSlice("guardrail.dependencies", node.Dependencies()),
			attribute.String("guardrail.pass_id", s.ID()),
		),
	)
	defer span.End()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPassCancelled, err)
	}

	output, err := guard.Execute(ctx, s, node.Name(),
		func(ctx context.Context, h *guard.Handle) (any, error) {
			return node.Evaluate(ctx, h, inputs)
		},
		guard.WithPreconditions(node.Preconditions(), inputs),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, guard.KindOf(err).String())
		e.logger.Warn("node failed",
			slog.String("node", node.Name()),
			slog.String("pass_id", s.ID()),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return output, nil
}

func (e *Evaluator) record(ctx context.Context, g *Graph, res *PassResult) {
	result := "success"
	if !res.Succeeded() {
		result = "failed"
	}
	if res.Report.CancelReason != "" {
		result = "cancelled"
	}
	attrs := metric.WithAttributes(
		attribute.String("graph", g.name),
		attribute.String("result", result),
	)
	if e.passLatency != nil {
		e.passLatency.Record(ctx, res.Duration.Seconds(), attrs)
	}
	if e.passCount != nil {
		e.passCount.Add(ctx, 1, attrs)
	}
	if e.nodeFailures != nil && len(res.Errors) > 0 {
		e.nodeFailures.Add(ctx, int64(len(res.Errors)),
			metric.WithAttributes(attribute.String("graph", g.name)))
	}

	logFn := e.logger.Debug
	if result != "success" {
		logFn = e.logger.Warn
	}
	logFn("pass completed",
		slog.String("pass_id", res.PassID),
		slog.String("result", result),
		slog.Duration("duration", res.Duration),
		slog.Int("evaluated", len(res.Evaluated)),
		slog.Int("reused", len(res.Reused)),
		slog.Int("failed", len(res.Errors)),
		slog.Int64("violations", res.Report.ViolationCount),
	)
}

// blocked reports whether any dependency failed or was skipped.
func (r *PassResult) blocked(deps []string) bool {
	for _, d := range deps {
		if _, failed := r.Errors[d]; failed {
			return true
		}
	}
	return false
}

func (r *PassResult) skip(name string, err error) {
	r.Errors[name] = err
	r.Skipped = append(r.Skipped, name)
}

func (r *PassResult) inputsFor(node Node) precondition.Inputs {
	deps := node.Dependencies()
	inputs := make(precondition.Inputs, len(deps)+1)
	inputs[InputKey] = r.Input
	for _, d := range deps {
		inputs[d] = r.Outputs[d]
	}
	return inputs
}
