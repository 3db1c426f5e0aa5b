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
	"fmt"
	"sort"
	"time"
)

// Preset names accepted by Preset.
const (
	PresetDefault     = "default"
	PresetPerformance = "performance"
	PresetTesting     = "testing"
	PresetDevelopment = "development"
)

// TargetFrameRate is the frame rate the performance preset budgets for.
const TargetFrameRate = 60

// FrameBudget is the wall-clock time of one frame at TargetFrameRate.
const FrameBudget = time.Second / TargetFrameRate

const (
	kib = int64(1) << 10
	mib = kib << 10
	gib = mib << 10
)

var defaultPolicy = Policy{
	Name:                       PresetDefault,
	MaxOperationDuration:       100 * time.Millisecond,
	MaxEvaluationDuration:      5 * time.Second,
	MaxMemoryBytes:             1 * gib,
	MaxAllocationBytes:         128 * mib,
	MaxOperationsPerEvaluation: 100_000,
	MaxRecursionDepth:          64,
	MaxConcurrentOperations:    32,
	MemoryWarningThreshold:     0.8,
	MemoryCriticalThreshold:    1.0,
	OnViolation:                ActionThrow,
	AdmissionMode:              AdmissionReject,
	QueueTimeout:               50 * time.Millisecond,
	MaxViolationLog:            1024,
}

// Default returns the baseline policy.
//
// The returned value is a fresh copy; every preset is derived from it.
func Default() *Policy {
	p := defaultPolicy
	return &p
}

// Performance returns the real-time preset.
//
// Operations get a quarter of a 60 fps frame and a whole pass gets one
// frame. Admission fails fast and breaches are logged without disturbing
// the frame.
func Performance() *Policy {
	return mustDerive(Default(),
		WithName(PresetPerformance),
		WithMaxOperationDuration(FrameBudget/4),
		WithMaxEvaluationDuration(FrameBudget),
		WithMaxMemoryBytes(512*mib),
		WithMaxAllocationBytes(16*mib),
		WithMaxOperationsPerEvaluation(20_000),
		WithMaxRecursionDepth(32),
		WithMaxConcurrentOperations(16),
		WithOnViolation(ActionLogAndContinue),
		WithAdmissionMode(AdmissionReject),
	)
}

// Testing returns a tight preset that surfaces regressions quickly.
func Testing() *Policy {
	return mustDerive(Default(),
		WithName(PresetTesting),
		WithMaxOperationDuration(10*time.Millisecond),
		WithMaxEvaluationDuration(500*time.Millisecond),
		WithMaxMemoryBytes(64*mib),
		WithMaxAllocationBytes(8*mib),
		WithMaxOperationsPerEvaluation(1_000),
		WithMaxRecursionDepth(10),
		WithMaxConcurrentOperations(4),
		WithMemoryThresholds(0.5, 0.9),
		WithOnViolation(ActionThrow),
		WithMaxViolationLog(256),
	)
}

// Development returns a relaxed preset with detailed logging.
func Development() *Policy {
	return mustDerive(Default(),
		WithName(PresetDevelopment),
		WithMaxOperationDuration(2*time.Second),
		WithMaxEvaluationDuration(time.Minute),
		WithMaxMemoryBytes(4*gib),
		WithMaxAllocationBytes(1*gib),
		WithMaxOperationsPerEvaluation(0),
		WithMaxRecursionDepth(256),
		WithMaxConcurrentOperations(64),
		WithOnViolation(ActionLogAndContinue),
		WithAdmissionMode(AdmissionQueue),
		WithQueueTimeout(time.Second),
		WithMaxViolationLog(4096),
		WithDetailedLogging(true),
	)
}

var presets = map[string]func() *Policy{
	PresetDefault:     Default,
	PresetPerformance: Performance,
	PresetTesting:     Testing,
	PresetDevelopment: Development,
}

// Preset returns the named preset.
//
// Outputs:
//   - *Policy: A fresh copy of the preset.
//   - error: ErrUnknownPreset if name is not recognized.
func Preset(name string) (*Policy, error) {
	fn, ok := presets[normalize(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %v)", ErrUnknownPreset, name, PresetNames())
	}
	return fn(), nil
}

// PresetNames returns the known preset names in sorted order.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func mustDerive(base *Policy, opts ...Option) *Policy {
	p, err := base.With(opts...)
	if err != nil {
		panic(fmt.Sprintf("policy: invalid built-in preset: %v", err))
	}
	return p
}
