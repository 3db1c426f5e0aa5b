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
	"errors"
	"log/slog"

	"github.com/AleutianAI/guardrail/pkg/logging"
	"github.com/AleutianAI/guardrail/services/guardrail/guard"
	"github.com/AleutianAI/guardrail/services/guardrail/policy"
	"github.com/spf13/cobra"
)

// =============================================================================
// EXIT CODES
// =============================================================================

const (
	// CLIExitSuccess indicates the command completed.
	CLIExitSuccess = 0

	// CLIExitViolations indicates the run completed but recorded violations
	// and --fail-on-violation was set.
	CLIExitViolations = 1

	// CLIExitError indicates the command could not run.
	CLIExitError = 2
)

// errViolations is returned by run when --fail-on-violation trips.
var errViolations = errors.New("guardrail violations recorded")

func exitCode(err error) int {
	switch {
	case err == nil:
		return CLIExitSuccess
	case errors.Is(err, errViolations):
		return CLIExitViolations
	default:
		return CLIExitError
	}
}

// =============================================================================
// ROOT COMMAND
// =============================================================================

// rootOptions holds flags shared by every subcommand.
type rootOptions struct {
	logLevel string
	logJSON  bool
	logDir   string

	logger *logging.Logger
}

// slogger returns the configured logger, or slog.Default before PersistentPreRunE.
func (o *rootOptions) slogger() *slog.Logger {
	if o.logger == nil {
		return slog.Default()
	}
	return o.logger.Slog()
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "guardrail",
		Short: "Run guarded evaluation workloads and inspect their budgets",
		Long: `guardrail supervises graph evaluations against a policy of time,
memory, recursion, and concurrency budgets, and reports how each
operation performed against them.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level, err := logging.ParseLevel(opts.logLevel)
			if err != nil {
				return err
			}
			logger, err := logging.New(logging.Config{
				Level:   level,
				JSON:    opts.logJSON,
				LogDir:  opts.logDir,
				Service: "guardrail",
				Writer:  cmd.ErrOrStderr(),
			})
			if err != nil {
				return err
			}
			opts.logger = logger
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if opts.logger == nil {
				return nil
			}
			return opts.logger.Close()
		},
	}

	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	root.PersistentFlags().BoolVar(&opts.logJSON, "log-json", false, "Write logs as JSON")
	root.PersistentFlags().StringVar(&opts.logDir, "log-dir", "", "Also write JSON logs to this directory")

	root.AddCommand(
		newRunCmd(opts),
		newServeCmd(opts),
		newPolicyCmd(opts),
	)
	return root
}

// resolvePolicy loads the policy selected by --policy and --preset.
//
// A policy file names its own base preset, so --preset only applies when
// no file is given. GUARDRAIL_* environment overrides apply either way.
func resolvePolicy(preset, path string) (*policy.Policy, error) {
	if path != "" {
		return policy.Load(path)
	}
	base, err := policy.Preset(preset)
	if err != nil {
		return nil, err
	}
	return policy.LoadFromEnv(base)
}

// probeFor maps a --probe flag value to a memory probe.
func probeFor(name string) (guard.MemoryProbe, error) {
	switch name {
	case "", "runtime":
		return guard.RuntimeProbe{}, nil
	case "rusage":
		return guard.NewRusageProbe(), nil
	case "none":
		return guard.NoopProbe{}, nil
	default:
		return nil, errors.New("unknown probe " + name + " (want runtime, rusage, or none)")
	}
}
