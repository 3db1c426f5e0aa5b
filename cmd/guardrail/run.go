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
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/AleutianAI/guardrail/pkg/ux"
	"github.com/AleutianAI/guardrail/services/guardrail/evaluator"
	"github.com/AleutianAI/guardrail/services/guardrail/guard"
	"github.com/AleutianAI/guardrail/services/guardrail/monitor"
	"github.com/AleutianAI/guardrail/services/guardrail/policy"
	"github.com/AleutianAI/guardrail/services/guardrail/telemetry"
	"github.com/spf13/cobra"
)

// =============================================================================
// RUN COMMAND
// =============================================================================

// runOptions holds the flags of "guardrail run".
type runOptions struct {
	preset          string
	policyPath      string
	frames          int
	changed         int
	probe           string
	asJSON          bool
	failOnViolation bool
	workload        workloadConfig
}

// frameSummary is the per-pass line of the JSON output.
type frameSummary struct {
	Frame      int           `json:"frame"`
	PassID     string        `json:"pass_id"`
	Duration   time.Duration `json:"duration"`
	Evaluated  int           `json:"evaluated"`
	Reused     int           `json:"reused"`
	Skipped    int           `json:"skipped"`
	Failed     int           `json:"failed"`
	Violations int64         `json:"violations"`
}

// runResult is the JSON document printed by --json.
type runResult struct {
	Policy *policy.Policy           `json:"policy"`
	Frames []frameSummary           `json:"frames"`
	Report *guard.PerformanceReport `json:"report"`
	Status monitor.Status           `json:"monitor"`
}

// violations totals the violations of every pass. Rejected admissions
// never produce operation records, so the rolling report alone would
// undercount them.
func (r *runResult) violations() int64 {
	var n int64
	for _, f := range r.Frames {
		n += f.Violations
	}
	return n
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{workload: defaultWorkloadConfig()}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Evaluate a synthetic node graph for a number of frames",
		Long: `Builds a synthetic dependency graph and evaluates it once per frame
under the selected policy, then prints the aggregated performance report.

With --changed N, frames after the first re-evaluate only N rotating
nodes and their descendants, reusing every other output.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := executeRun(cmd.Context(), root, opts)
			if err != nil {
				return err
			}
			if err := writeRunResult(cmd, opts, res); err != nil {
				return err
			}
			if opts.failOnViolation && res.violations() > 0 {
				return errViolations
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.preset, "preset", policy.PresetDefault, "Policy preset")
	f.StringVar(&opts.policyPath, "policy", "", "Policy file (YAML or JSON); overrides --preset")
	f.IntVar(&opts.frames, "frames", 60, "Number of passes to run")
	f.IntVar(&opts.changed, "changed", 0, "Nodes changed per frame after the first; 0 re-evaluates everything")
	f.StringVar(&opts.probe, "probe", "runtime", "Memory probe: runtime, rusage, or none")
	f.BoolVar(&opts.asJSON, "json", false, "Print the result as JSON")
	f.BoolVar(&opts.failOnViolation, "fail-on-violation", false, "Exit with status 1 if any violation was recorded")
	f.IntVar(&opts.workload.Nodes, "nodes", opts.workload.Nodes, "Number of graph nodes")
	f.DurationVar(&opts.workload.Work, "work", opts.workload.Work, "Simulated work per node")
	f.Int64Var(&opts.workload.Alloc, "alloc", opts.workload.Alloc, "Bytes allocated per node")
	f.IntVar(&opts.workload.Nested, "nested", opts.workload.Nested, "Nested operation depth for every fourth node")
	f.IntVar(&opts.workload.FailEvery, "fail-every", 0, "Fail each node on every Nth invocation; 0 disables")
	return cmd
}

// executeRun evaluates the workload and returns the aggregated result.
func executeRun(ctx context.Context, root *rootOptions, opts *runOptions) (*runResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.frames <= 0 {
		return nil, fmt.Errorf("frames must be positive, got %d", opts.frames)
	}
	logger := root.slogger()

	pol, err := resolvePolicy(opts.preset, opts.policyPath)
	if err != nil {
		return nil, err
	}
	probe, err := probeFor(opts.probe)
	if err != nil {
		return nil, err
	}
	graph, err := buildWorkload(opts.workload)
	if err != nil {
		return nil, err
	}

	mon := monitor.New(&monitor.Options{
		Policy: func() *policy.Policy { return pol },
		Logger: logger,
	})
	if err := mon.Start(ctx); err != nil {
		return nil, err
	}
	defer mon.Stop()

	ev := evaluator.New(&evaluator.Options{
		Policy:    func() *policy.Policy { return pol },
		Logger:    logger,
		Sinks:     []guard.Sink{telemetry.NewLogSink(logger, 10, 20)},
		Observers: []guard.Observer{mon},
		Probe:     probe,
	})

	res := &runResult{Policy: pol, Frames: make([]frameSummary, 0, opts.frames)}
	var prior *evaluator.PassResult
	for frame := 0; frame < opts.frames; frame++ {
		var pass *evaluator.PassResult
		if prior != nil && opts.changed > 0 {
			pass, err = ev.EvaluateIncremental(ctx, graph, changedNodes(graph.Len(), opts.changed, frame), prior)
		} else {
			pass, err = ev.Evaluate(ctx, graph, frame)
		}
		if err != nil {
			return nil, err
		}
		prior = pass

		fs := frameSummary{
			Frame:     frame,
			PassID:    pass.PassID,
			Duration:  pass.Duration,
			Evaluated: len(pass.Evaluated),
			Reused:    len(pass.Reused),
			Skipped:   len(pass.Skipped),
			Failed:    len(pass.Errors) - len(pass.Skipped),
		}
		if pass.Report != nil {
			fs.Violations = pass.Report.ViolationCount
		}
		res.Frames = append(res.Frames, fs)

		if ctx.Err() != nil {
			break
		}
	}

	if err := mon.Flush(ctx); err != nil {
		return nil, err
	}
	res.Report = mon.GetReport()
	res.Status = mon.Status()
	return res, nil
}

// writeRunResult prints the run as JSON or as a rendered report.
func writeRunResult(cmd *cobra.Command, opts *runOptions, res *runResult) error {
	w := cmd.OutOrStdout()
	if opts.asJSON {
		return writeJSON(w, res)
	}

	out := ux.NewPrinter(w, plainOutput(cmd))
	renderReport(out, fmt.Sprintf("%d frames, %d nodes", len(res.Frames), opts.workload.Nodes), res.Report)

	var slowest frameSummary
	var failedFrames int
	for _, f := range res.Frames {
		if f.Duration > slowest.Duration {
			slowest = f
		}
		if f.Failed > 0 || f.Skipped > 0 {
			failedFrames++
		}
	}
	out.KeyValues([][2]string{
		{"slowest_frame", fmt.Sprintf("#%d %s", slowest.Frame, roundDuration(slowest.Duration))},
		{"frames_with_failures", fmt.Sprintf("%d", failedFrames)},
		{"pass_violations", fmt.Sprintf("%d", res.violations())},
		{"budget_per_frame", res.Policy.MaxEvaluationDuration.String()},
	})
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
