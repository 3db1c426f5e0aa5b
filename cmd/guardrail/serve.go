// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AleutianAI/guardrail/services/guardrail/diagnostics"
	"github.com/AleutianAI/guardrail/services/guardrail/evaluator"
	"github.com/AleutianAI/guardrail/services/guardrail/guard"
	"github.com/AleutianAI/guardrail/services/guardrail/monitor"
	"github.com/AleutianAI/guardrail/services/guardrail/policy"
	"github.com/AleutianAI/guardrail/services/guardrail/telemetry"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// SERVE COMMAND
// =============================================================================

// serveOptions holds the flags of "guardrail serve".
type serveOptions struct {
	preset     string
	policyPath string
	probe      string
	interval   time.Duration
	changed    int
	diag       diagnostics.Config
	telemetry  telemetry.Config
	logRate    float64
	workload   workloadConfig
}

func newServeCmd(root *rootOptions) *cobra.Command {
	opts := &serveOptions{
		workload:  defaultWorkloadConfig(),
		diag:      diagnostics.DefaultConfig(),
		telemetry: telemetry.DefaultConfig(),
	}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the synthetic workload continuously behind the diagnostics server",
		Long: `Evaluates the synthetic graph once per --interval and serves the live
report, session snapshots, Prometheus metrics, and a violation event
stream over HTTP. With --policy, edits to the file are applied at the
next pass; invalid edits are logged and ignored.

InfluxDB export is enabled by GUARDRAIL_INFLUX_URL.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, root.slogger(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.preset, "preset", policy.PresetDefault, "Policy preset")
	f.StringVar(&opts.policyPath, "policy", "", "Policy file to load and watch; overrides --preset")
	f.StringVar(&opts.probe, "probe", "runtime", "Memory probe: runtime, rusage, or none")
	f.DurationVar(&opts.interval, "interval", 100*time.Millisecond, "Delay between passes")
	f.IntVar(&opts.changed, "changed", 0, "Nodes changed per pass after the first; 0 re-evaluates everything")
	f.StringVar(&opts.diag.Addr, "addr", opts.diag.Addr, "Diagnostics listen address")
	f.StringVar(&opts.telemetry.TraceExporter, "trace-exporter", opts.telemetry.TraceExporter, "Trace exporter: otlp, stdout, or none")
	f.StringVar(&opts.telemetry.MetricExporter, "metric-exporter", opts.telemetry.MetricExporter, "Metric exporter: prometheus, stdout, or none")
	f.Float64Var(&opts.logRate, "violation-log-rate", 5, "Violations logged per second before throttling")
	f.IntVar(&opts.workload.Nodes, "nodes", opts.workload.Nodes, "Number of graph nodes")
	f.DurationVar(&opts.workload.Work, "work", opts.workload.Work, "Simulated work per node")
	f.Int64Var(&opts.workload.Alloc, "alloc", opts.workload.Alloc, "Bytes allocated per node")
	f.IntVar(&opts.workload.Nested, "nested", opts.workload.Nested, "Nested operation depth for every fourth node")
	f.IntVar(&opts.workload.FailEvery, "fail-every", 0, "Fail each node on every Nth invocation; 0 disables")
	return cmd
}

// serve wires the telemetry sinks, monitor, and diagnostics server
// around a continuous evaluation loop and blocks until ctx is done.
func serve(ctx context.Context, logger *slog.Logger, opts *serveOptions) error {
	pol, err := resolvePolicy(opts.preset, opts.policyPath)
	if err != nil {
		return err
	}
	probe, err := probeFor(opts.probe)
	if err != nil {
		return err
	}
	graph, err := buildWorkload(opts.workload)
	if err != nil {
		return err
	}

	shutdown, err := telemetry.Init(ctx, opts.telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	store := policy.NewStore(pol)
	if opts.policyPath != "" {
		w, err := policy.NewWatcher(opts.policyPath, store, logger)
		if err != nil {
			return err
		}
		if err := w.Start(ctx); err != nil {
			return err
		}
		defer w.Stop()
	}

	var (
		sinks     []guard.Sink
		observers []guard.Observer
	)

	otelSink, err := telemetry.NewOTelSink(otel.GetTracerProvider(), otel.GetMeterProvider())
	if err != nil {
		return err
	}
	promSink, err := telemetry.NewPrometheusSink(telemetry.DefaultPrometheusConfig())
	if err != nil {
		return err
	}
	defer promSink.Close()
	sinks = append(sinks, otelSink, promSink, telemetry.NewLogSink(logger, opts.logRate, 10))
	observers = append(observers, otelSink, promSink)

	if opts.telemetry.Influx.Enabled() {
		influx, err := telemetry.NewInfluxSink(opts.telemetry.Influx, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := influx.Close(); err != nil {
				logger.Warn("influx sink close failed", slog.String("error", err.Error()))
			}
		}()
		sinks = append(sinks, influx)
		observers = append(observers, influx)
	}

	mon := monitor.New(&monitor.Options{Policy: store.Load, Logger: logger})
	if err := mon.Start(ctx); err != nil {
		return err
	}
	defer mon.Stop()

	registry := diagnostics.NewSessionRegistry()
	hub := diagnostics.NewHub(diagnostics.DefaultClientBuffer, logger)
	sinks = append(sinks, hub)
	observers = append(observers, mon, hub, registry)

	ev := evaluator.New(&evaluator.Options{
		Policy:    store.Load,
		Logger:    logger,
		Sinks:     sinks,
		Observers: observers,
		Probe:     probe,
		OnSession: registry.Add,
	})

	diagCfg := opts.diag
	diagCfg.Logger = logger
	srv := diagnostics.NewServer(diagCfg, mon, registry, hub)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return evaluateLoop(gctx, logger, ev, graph, opts) })

	logger.Info("guardrail serving",
		slog.String("addr", diagCfg.Addr),
		slog.String("policy", pol.Name),
		slog.Int("nodes", graph.Len()))

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// evaluateLoop evaluates graph every opts.interval until ctx is done.
func evaluateLoop(ctx context.Context, logger *slog.Logger, ev *evaluator.Evaluator, graph *evaluator.Graph, opts *serveOptions) error {
	ticker := time.NewTicker(max(opts.interval, time.Millisecond))
	defer ticker.Stop()

	var prior *evaluator.PassResult
	for frame := 0; ; frame++ {
		var (
			pass *evaluator.PassResult
			err  error
		)
		if prior != nil && opts.changed > 0 {
			pass, err = ev.EvaluateIncremental(ctx, graph, changedNodes(graph.Len(), opts.changed, frame), prior)
		} else {
			pass, err = ev.Evaluate(ctx, graph, frame)
		}
		if err != nil {
			return err
		}
		if !pass.Succeeded() {
			logger.Debug("pass completed with failures",
				slog.Int("frame", frame),
				slog.String("pass_id", pass.PassID),
				slog.Int("failed", len(pass.Errors)))
		}
		prior = pass

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
