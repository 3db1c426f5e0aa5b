// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "GUARDRAIL_"

// fileHeader is decoded first to pick the preset a file builds on.
type fileHeader struct {
	Preset string `yaml:"preset" json:"preset"`
}

// Load builds a policy from a preset, a file and the environment.
//
// Description:
//
//	Priority is environment > file > preset defaults. The preset is
//	chosen by GUARDRAIL_PRESET, then by the file's "preset" key, then
//	falls back to "default". The file may be YAML or JSON; YAML
//	duration strings such as "16ms" are accepted. Fields absent from the
//	file keep their preset values. The result is validated.
//
// Inputs:
//   - path: Policy file path. Empty means presets and environment only.
//
// Outputs:
//   - *Policy: The validated policy.
//   - error: Non-nil if the file cannot be read or parsed, or the result is invalid.
func Load(path string) (*Policy, error) {
	var (
		data   []byte
		header fileHeader
	)

	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read policy file: %w", err)
		}
		if err := decode(data, &header); err != nil {
			return nil, fmt.Errorf("parse policy file %s: %w", path, err)
		}
	}

	presetName := header.Preset
	if v := os.Getenv(EnvPrefix + "PRESET"); v != "" {
		presetName = v
	}
	if presetName == "" {
		presetName = PresetDefault
	}

	base, err := Preset(presetName)
	if err != nil {
		return nil, err
	}
	p := base.Clone()

	if data != nil {
		if err := decode(data, &p); err != nil {
			return nil, fmt.Errorf("parse policy file %s: %w", path, err)
		}
	}

	if err := applyEnv(&p); err != nil {
		return nil, err
	}

	return New(p)
}

// LoadFromEnv applies environment overrides to base and validates the result.
func LoadFromEnv(base *Policy) (*Policy, error) {
	p := base.Clone()
	if err := applyEnv(&p); err != nil {
		return nil, err
	}
	return New(p)
}

// decode tries YAML first and falls back to JSON.
func decode(data []byte, out any) error {
	yamlErr := yaml.Unmarshal(data, out)
	if yamlErr == nil {
		return nil
	}
	if jsonErr := json.Unmarshal(data, out); jsonErr != nil {
		return fmt.Errorf("yaml: %v; json: %v", yamlErr, jsonErr)
	}
	return nil
}

// applyEnv overlays GUARDRAIL_* variables onto p.
//
// Malformed values are reported rather than ignored so that a typo in a
// deployment cannot silently loosen a limit.
func applyEnv(p *Policy) error {
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"MAX_OPERATION_DURATION", &p.MaxOperationDuration},
		{"MAX_EVALUATION_DURATION", &p.MaxEvaluationDuration},
		{"QUEUE_TIMEOUT", &p.QueueTimeout},
	}
	for _, d := range durations {
		if v := os.Getenv(EnvPrefix + d.key); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return envError(d.key, v, err)
			}
			*d.dst = parsed
		}
	}

	int64s := []struct {
		key string
		dst *int64
	}{
		{"MAX_MEMORY_BYTES", &p.MaxMemoryBytes},
		{"MAX_ALLOCATION_BYTES", &p.MaxAllocationBytes},
		{"MAX_OPERATIONS", &p.MaxOperationsPerEvaluation},
	}
	for _, n := range int64s {
		if v := os.Getenv(EnvPrefix + n.key); v != "" {
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return envError(n.key, v, err)
			}
			*n.dst = parsed
		}
	}

	int32s := []struct {
		key string
		dst *int32
	}{
		{"MAX_RECURSION_DEPTH", &p.MaxRecursionDepth},
		{"MAX_CONCURRENT_OPERATIONS", &p.MaxConcurrentOperations},
	}
	for _, n := range int32s {
		if v := os.Getenv(EnvPrefix + n.key); v != "" {
			parsed, err := strconv.ParseInt(v, 10, 32)
			if err != nil {
				return envError(n.key, v, err)
			}
			*n.dst = int32(parsed)
		}
	}

	if v := os.Getenv(EnvPrefix + "MEMORY_WARNING_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return envError("MEMORY_WARNING_THRESHOLD", v, err)
		}
		p.MemoryWarningThreshold = f
	}
	if v := os.Getenv(EnvPrefix + "MEMORY_CRITICAL_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return envError("MEMORY_CRITICAL_THRESHOLD", v, err)
		}
		p.MemoryCriticalThreshold = f
	}
	if v := os.Getenv(EnvPrefix + "ON_VIOLATION"); v != "" {
		a, err := ParseViolationAction(v)
		if err != nil {
			return envError("ON_VIOLATION", v, err)
		}
		p.OnViolation = a
	}
	if v := os.Getenv(EnvPrefix + "ADMISSION_MODE"); v != "" {
		m, err := ParseAdmissionMode(v)
		if err != nil {
			return envError("ADMISSION_MODE", v, err)
		}
		p.AdmissionMode = m
	}
	if v := os.Getenv(EnvPrefix + "MAX_VIOLATION_LOG"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return envError("MAX_VIOLATION_LOG", v, err)
		}
		p.MaxViolationLog = n
	}
	if v := os.Getenv(EnvPrefix + "DETAILED_LOGGING"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return envError("DETAILED_LOGGING", v, err)
		}
		p.DetailedLogging = b
	}

	return nil
}

func envError(key, value string, err error) error {
	return &ConfigError{
		Field:  EnvPrefix + key,
		Reason: fmt.Sprintf("cannot parse %q: %v", value, err),
	}
}

// Marshal renders p as YAML.
func Marshal(p *Policy) ([]byte, error) {
	out, err := yaml.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal policy: %w", err)
	}
	return out, nil
}
