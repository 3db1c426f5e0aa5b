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
	"strings"
	"time"

	"github.com/AleutianAI/guardrail/pkg/ux"
	"github.com/AleutianAI/guardrail/services/guardrail/policy"
	"github.com/spf13/cobra"
)

// =============================================================================
// POLICY COMMANDS
// =============================================================================

func newPolicyCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and validate guardrail policies",
	}
	cmd.AddCommand(newPolicyValidateCmd(root), newPolicyShowCmd(root))
	return cmd
}

// newPolicyValidateCmd builds "guardrail policy validate <file>".
//
// The file is loaded exactly as run and serve would load it, including
// environment overrides, so a passing file is one those commands accept.
func newPolicyValidateCmd(_ *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a policy file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := policy.Load(args[0])
			if asJSON {
				result := struct {
					Valid  bool           `json:"valid"`
					Error  string         `json:"error,omitempty"`
					Policy *policy.Policy `json:"policy,omitempty"`
				}{Valid: err == nil, Policy: p}
				if err != nil {
					result.Error = err.Error()
				}
				if encErr := writeJSON(cmd.OutOrStdout(), result); encErr != nil {
					return encErr
				}
				return err
			}

			out := ux.NewPrinter(cmd.OutOrStdout(), plainOutput(cmd))
			if err != nil {
				out.Error(err.Error())
				return err
			}
			out.Success(fmt.Sprintf("%s is valid (policy %q)", args[0], p.Name))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the result as JSON")
	return cmd
}

// newPolicyShowCmd builds "guardrail policy show".
func newPolicyShowCmd(_ *rootOptions) *cobra.Command {
	var (
		preset string
		path   string
		format string
	)
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print a preset or the effective policy",
		Long: "Print a preset or the effective policy after applying a file and\n" +
			"environment overrides. Presets: " + strings.Join(policy.PresetNames(), ", ") + ".",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := resolvePolicy(preset, path)
			if err != nil {
				return err
			}
			switch format {
			case "yaml":
				data, err := policy.Marshal(p)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			case "json":
				return writeJSON(cmd.OutOrStdout(), p)
			case "table":
				renderPolicy(ux.NewPrinter(cmd.OutOrStdout(), plainOutput(cmd)), p)
				return nil
			default:
				return fmt.Errorf("unknown format %q (want yaml, json, or table)", format)
			}
		},
	}
	cmd.Flags().StringVar(&preset, "preset", policy.PresetDefault, "Preset to show")
	cmd.Flags().StringVar(&path, "policy", "", "Policy file to resolve instead of a preset")
	cmd.Flags().StringVarP(&format, "output", "o", "yaml", "Output format: yaml, json, or table")
	return cmd
}

// renderPolicy prints a policy's budgets as key/value pairs.
func renderPolicy(out *ux.Printer, p *policy.Policy) {
	out.Title("Policy " + p.Name)
	out.KeyValues([][2]string{
		{"max_operation_duration", p.MaxOperationDuration.String()},
		{"max_evaluation_duration", p.MaxEvaluationDuration.String()},
		{"max_memory", formatBytes(p.MaxMemoryBytes)},
		{"max_allocation", formatBytes(p.MaxAllocationBytes)},
		{"max_operations", fmt.Sprintf("%d", p.MaxOperationsPerEvaluation)},
		{"max_recursion_depth", fmt.Sprintf("%d", p.MaxRecursionDepth)},
		{"max_concurrent", fmt.Sprintf("%d", p.MaxConcurrentOperations)},
		{"memory_thresholds", fmt.Sprintf("%.0f%% / %.0f%%", p.MemoryWarningThreshold*100, p.MemoryCriticalThreshold*100)},
		{"on_violation", p.OnViolation.String()},
		{"admission", p.AdmissionMode.String()},
		{"queue_timeout", roundDuration(p.QueueTimeout).String()},
	})
}

func roundDuration(d time.Duration) time.Duration {
	if d > time.Millisecond {
		return d.Round(time.Microsecond)
	}
	return d
}
