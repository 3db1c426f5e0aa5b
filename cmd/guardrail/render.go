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
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/AleutianAI/guardrail/pkg/ux"
	"github.com/AleutianAI/guardrail/services/guardrail/guard"
	"github.com/spf13/cobra"
)

// plainOutput reports whether the command's stdout is not a terminal.
func plainOutput(cmd *cobra.Command) bool {
	if f, ok := cmd.OutOrStdout().(*os.File); ok {
		return !ux.IsTerminal(f)
	}
	return true
}

// renderReport prints a performance report.
//
// Description:
//
//	Prints the totals, a per-operation table sorted by p95 duration, the
//	violation breakdown by kind, warnings, and recommendations.
func renderReport(out *ux.Printer, title string, r *guard.PerformanceReport) {
	if r == nil {
		out.Warning("no report available")
		return
	}

	out.Title(title)
	out.KeyValues([][2]string{
		{"policy", r.Policy},
		{"scope", r.Scope},
		{"elapsed", roundDuration(r.Elapsed).String()},
		{"operations", strconv.FormatInt(r.OperationCount, 10)},
		{"succeeded", strconv.FormatInt(r.Succeeded, 10)},
		{"failed", strconv.FormatInt(r.Failed, 10)},
		{"cancelled", strconv.FormatInt(r.Cancelled, 10)},
		{"rejected", strconv.FormatInt(r.Rejected+r.FailedAttempts, 10)},
		{"peak_depth", strconv.FormatInt(int64(r.PeakDepth), 10)},
		{"peak_concurrent", strconv.FormatInt(int64(r.PeakConcurrent), 10)},
		{"memory", out.ProgressBar(r.MemoryUsagePercent/100, 20) + "  " + formatBytes(r.TotalMemoryDelta)},
	})

	if len(r.Operations) > 0 {
		ops := append([]guard.OperationStats(nil), r.Operations...)
		sort.SliceStable(ops, func(i, j int) bool { return ops[i].Duration.P95 > ops[j].Duration.P95 })
		rows := make([][]string, 0, len(ops))
		for _, op := range ops {
			rows = append(rows, []string{
				op.Name,
				strconv.FormatInt(op.Count, 10),
				fmt.Sprintf("%.1f%%", op.FailureRate*100),
				nanos(op.Duration.P50),
				nanos(op.Duration.P95),
				nanos(op.Duration.Max),
				formatBytes(int64(op.Memory.P95)),
				fmt.Sprintf("%.0f%%", op.OverBudgetShare*100),
			})
		}
		out.Table([]string{"operation", "count", "fail", "p50", "p95", "max", "mem p95", "over budget"}, rows)
	}

	if r.ViolationCount == 0 {
		out.Success("no violations")
	} else {
		out.Warning(fmt.Sprintf("%d violations", r.ViolationCount))
		for _, line := range violationBreakdown(r) {
			out.Bullet(line)
		}
	}
	if r.DroppedViolations > 0 {
		out.Warning(fmt.Sprintf("%d violations dropped from the log", r.DroppedViolations))
	}
	if r.CancelReason != "" {
		out.Error("cancelled: " + r.CancelReason)
	}
	for _, w := range r.Warnings {
		out.Warning(w)
	}
	for _, rec := range r.Recommendations {
		out.Info(rec)
	}
}

// violationBreakdown counts the report's logged violations by kind.
func violationBreakdown(r *guard.PerformanceReport) []string {
	counts := make(map[guard.Kind]int)
	for _, v := range r.Violations {
		counts[v.Type]++
	}
	kinds := make([]guard.Kind, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	out := make([]string, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, fmt.Sprintf("%s: %d", k, counts[k]))
	}
	return out
}

func nanos(v float64) string {
	return roundDuration(time.Duration(v)).String()
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit && n > -unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit || m <= -unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
