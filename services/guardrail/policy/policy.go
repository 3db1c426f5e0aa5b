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
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrConfigurationInvalid is returned when a policy fails validation.
	ErrConfigurationInvalid = errors.New("guardrail configuration invalid")

	// ErrUnknownPreset is returned when a preset name is not recognized.
	ErrUnknownPreset = errors.New("unknown policy preset")

	// ErrUnknownAction is returned when a violation action cannot be parsed.
	ErrUnknownAction = errors.New("unknown violation action")

	// ErrUnknownAdmissionMode is returned when an admission mode cannot be parsed.
	ErrUnknownAdmissionMode = errors.New("unknown admission mode")
)

// ConfigError describes a single invalid policy field.
//
// It unwraps to ErrConfigurationInvalid so callers can match with errors.Is.
type ConfigError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrConfigurationInvalid.Error(), e.Field, e.Reason)
}

// Unwrap returns ErrConfigurationInvalid.
func (e *ConfigError) Unwrap() error {
	return ErrConfigurationInvalid
}

// -----------------------------------------------------------------------------
// Enums
// -----------------------------------------------------------------------------

// ViolationAction selects what happens after a resource threshold is breached.
type ViolationAction int

const (
	// ActionThrow records the violation and returns a guardrail fault to the caller.
	ActionThrow ViolationAction = iota

	// ActionLogAndContinue records the violation and lets the result stand.
	ActionLogAndContinue

	// ActionAbort records the violation and cancels the owning session.
	ActionAbort
)

// String returns the string representation of the action.
func (a ViolationAction) String() string {
	switch a {
	case ActionThrow:
		return "throw"
	case ActionLogAndContinue:
		return "log_and_continue"
	case ActionAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// ParseViolationAction parses the textual form of a ViolationAction.
// Matching is case-insensitive and accepts "-" in place of "_".
func ParseViolationAction(s string) (ViolationAction, error) {
	switch normalize(s) {
	case "throw", "strict":
		return ActionThrow, nil
	case "log_and_continue", "logandcontinue", "lenient", "log":
		return ActionLogAndContinue, nil
	case "abort":
		return ActionAbort, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownAction, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (a ViolationAction) MarshalText() ([]byte, error) {
	if a.String() == "unknown" {
		return nil, fmt.Errorf("%w: %d", ErrUnknownAction, int(a))
	}
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *ViolationAction) UnmarshalText(text []byte) error {
	v, err := ParseViolationAction(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// AdmissionMode selects how Enter behaves when the concurrency limit is reached.
type AdmissionMode int

const (
	// AdmissionReject fails fast with a concurrency violation.
	AdmissionReject AdmissionMode = iota

	// AdmissionQueue waits up to QueueTimeout for a slot to free.
	AdmissionQueue
)

// String returns the string representation of the admission mode.
func (m AdmissionMode) String() string {
	switch m {
	case AdmissionReject:
		return "reject"
	case AdmissionQueue:
		return "queue"
	default:
		return "unknown"
	}
}

// ParseAdmissionMode parses the textual form of an AdmissionMode.
func ParseAdmissionMode(s string) (AdmissionMode, error) {
	switch normalize(s) {
	case "reject":
		return AdmissionReject, nil
	case "queue":
		return AdmissionQueue, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownAdmissionMode, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m AdmissionMode) MarshalText() ([]byte, error) {
	if m.String() == "unknown" {
		return nil, fmt.Errorf("%w: %d", ErrUnknownAdmissionMode, int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *AdmissionMode) UnmarshalText(text []byte) error {
	v, err := ParseAdmissionMode(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

func normalize(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
}

// -----------------------------------------------------------------------------
// Policy
// -----------------------------------------------------------------------------

// Policy holds the thresholds and violation handling for guarded execution.
//
// Description:
//
//	A Policy is plain data. Once returned by New, With or a preset it is
//	treated as immutable and may be shared by reference across any number
//	of concurrent sessions. Derive variants with Clone or With; never
//	mutate a policy that a session is using.
//
//	Zero means "no limit" for MaxEvaluationDuration and
//	MaxOperationsPerEvaluation. All other limits must be positive.
//
// Thread Safety: Immutable after construction; safe for concurrent reads.
type Policy struct {
	// Name identifies the policy in logs and reports (usually the preset name).
	Name string `yaml:"name" json:"name"`

	// MaxOperationDuration is the wall-clock budget of a single guarded operation.
	MaxOperationDuration time.Duration `yaml:"max_operation_duration" json:"max_operation_duration" validate:"gt=0"`

	// MaxEvaluationDuration is the wall-clock budget of a whole session. Zero disables it.
	MaxEvaluationDuration time.Duration `yaml:"max_evaluation_duration" json:"max_evaluation_duration" validate:"gte=0"`

	// MaxMemoryBytes is the aggregate memory budget of a session.
	MaxMemoryBytes int64 `yaml:"max_memory_bytes" json:"max_memory_bytes" validate:"gt=0"`

	// MaxAllocationBytes is the memory budget of a single guarded operation.
	MaxAllocationBytes int64 `yaml:"max_allocation_bytes" json:"max_allocation_bytes" validate:"gt=0"`

	// MaxOperationsPerEvaluation caps admitted operations per session. Zero disables it.
	MaxOperationsPerEvaluation int64 `yaml:"max_operations_per_evaluation" json:"max_operations_per_evaluation" validate:"gte=0"`

	// MaxRecursionDepth caps the nesting depth of a chain of guarded operations.
	MaxRecursionDepth int32 `yaml:"max_recursion_depth" json:"max_recursion_depth" validate:"gt=0"`

	// MaxConcurrentOperations caps concurrently running root operations.
	MaxConcurrentOperations int32 `yaml:"max_concurrent_operations" json:"max_concurrent_operations" validate:"gt=0"`

	// MemoryWarningThreshold is the fraction of MaxMemoryBytes that raises a warning.
	MemoryWarningThreshold float64 `yaml:"memory_warning_threshold" json:"memory_warning_threshold" validate:"ratio"`

	// MemoryCriticalThreshold is the fraction of MaxMemoryBytes treated as a breach.
	// Must be greater than MemoryWarningThreshold.
	MemoryCriticalThreshold float64 `yaml:"memory_critical_threshold" json:"memory_critical_threshold" validate:"gt=0,lte=4"`

	// OnViolation selects the action taken after a resource breach.
	OnViolation ViolationAction `yaml:"on_violation" json:"on_violation"`

	// AdmissionMode selects fail-fast or bounded waiting at the concurrency limit.
	AdmissionMode AdmissionMode `yaml:"admission_mode" json:"admission_mode"`

	// QueueTimeout bounds the wait for a slot in AdmissionQueue mode.
	QueueTimeout time.Duration `yaml:"queue_timeout" json:"queue_timeout" validate:"gte=0"`

	// MaxViolationLog bounds the per-session violation log.
	MaxViolationLog int `yaml:"max_violation_log" json:"max_violation_log" validate:"gt=0,lte=1000000"`

	// DetailedLogging enables per-operation debug logs.
	DetailedLogging bool `yaml:"detailed_logging" json:"detailed_logging"`
}

var policyValidate *validator.Validate

func init() {
	policyValidate = validator.New(validator.WithRequiredStructEnabled())
	_ = policyValidate.RegisterValidation("ratio", func(fl validator.FieldLevel) bool {
		v := fl.Field().Float()
		return v >= 0 && v <= 1
	})
}

// New validates p and returns an immutable copy of it.
//
// Description:
//
//	Construction never clamps values. Any out-of-range field or
//	inconsistent field combination fails with an error wrapping
//	ErrConfigurationInvalid.
//
// Inputs:
//   - p: The policy values.
//
// Outputs:
//   - *Policy: A validated copy of p.
//   - error: Non-nil (wrapping ErrConfigurationInvalid) if p is invalid.
func New(p Policy) (*Policy, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks field bounds and cross-field consistency.
//
// Outputs:
//   - error: A *ConfigError for the first problem found, or nil.
func (p *Policy) Validate() error {
	if p == nil {
		return &ConfigError{Field: "policy", Reason: "must not be nil"}
	}

	if err := policyValidate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ConfigError{
				Field:  fe.Field(),
				Reason: fmt.Sprintf("failed %q rule (value %v)", fe.Tag(), fe.Value()),
			}
		}
		return &ConfigError{Field: "policy", Reason: err.Error()}
	}

	if p.OnViolation.String() == "unknown" {
		return &ConfigError{Field: "OnViolation", Reason: fmt.Sprintf("unknown action %d", int(p.OnViolation))}
	}
	if p.AdmissionMode.String() == "unknown" {
		return &ConfigError{Field: "AdmissionMode", Reason: fmt.Sprintf("unknown mode %d", int(p.AdmissionMode))}
	}

	if p.MemoryWarningThreshold >= p.MemoryCriticalThreshold {
		return &ConfigError{
			Field: "MemoryWarningThreshold",
			Reason: fmt.Sprintf("warning threshold %.2f must be below critical threshold %.2f",
				p.MemoryWarningThreshold, p.MemoryCriticalThreshold),
		}
	}
	if p.MaxEvaluationDuration > 0 && p.MaxOperationDuration > p.MaxEvaluationDuration {
		return &ConfigError{
			Field: "MaxOperationDuration",
			Reason: fmt.Sprintf("operation budget %v exceeds evaluation budget %v",
				p.MaxOperationDuration, p.MaxEvaluationDuration),
		}
	}
	if p.AdmissionMode == AdmissionQueue && p.QueueTimeout <= 0 {
		return &ConfigError{Field: "QueueTimeout", Reason: "queue admission requires a positive timeout"}
	}

	return nil
}

// Clone returns a shallow copy of the policy that may be modified freely.
func (p *Policy) Clone() Policy {
	return *p
}

// With derives a validated policy from p with the given overrides applied.
//
// Example:
//
//	tight, err := policy.Default().With(
//	    policy.WithMaxOperationDuration(10*time.Millisecond),
//	    policy.WithAdmissionMode(policy.AdmissionReject),
//	)
func (p *Policy) With(opts ...Option) (*Policy, error) {
	c := p.Clone()
	for _, opt := range opts {
		opt(&c)
	}
	return New(c)
}

// WarningBytes returns the aggregate memory level that raises a warning.
func (p *Policy) WarningBytes() int64 {
	return int64(float64(p.MaxMemoryBytes) * p.MemoryWarningThreshold)
}

// CriticalBytes returns the aggregate memory level treated as a breach.
func (p *Policy) CriticalBytes() int64 {
	return int64(float64(p.MaxMemoryBytes) * p.MemoryCriticalThreshold)
}

// -----------------------------------------------------------------------------
// Options
// -----------------------------------------------------------------------------

// Option overrides one policy field.
type Option func(*Policy)

// WithName sets the policy name.
func WithName(name string) Option { return func(p *Policy) { p.Name = name } }

// WithMaxOperationDuration sets the per-operation duration budget.
func WithMaxOperationDuration(d time.Duration) Option {
	return func(p *Policy) { p.MaxOperationDuration = d }
}

// WithMaxEvaluationDuration sets the per-session duration budget.
func WithMaxEvaluationDuration(d time.Duration) Option {
	return func(p *Policy) { p.MaxEvaluationDuration = d }
}

// WithMaxMemoryBytes sets the per-session memory budget.
func WithMaxMemoryBytes(n int64) Option { return func(p *Policy) { p.MaxMemoryBytes = n } }

// WithMaxAllocationBytes sets the per-operation memory budget.
func WithMaxAllocationBytes(n int64) Option { return func(p *Policy) { p.MaxAllocationBytes = n } }

// WithMaxOperationsPerEvaluation sets the per-session operation cap.
func WithMaxOperationsPerEvaluation(n int64) Option {
	return func(p *Policy) { p.MaxOperationsPerEvaluation = n }
}

// WithMaxRecursionDepth sets the nesting cap.
func WithMaxRecursionDepth(n int32) Option { return func(p *Policy) { p.MaxRecursionDepth = n } }

// WithMaxConcurrentOperations sets the concurrency cap.
func WithMaxConcurrentOperations(n int32) Option {
	return func(p *Policy) { p.MaxConcurrentOperations = n }
}

// WithMemoryThresholds sets the warning and critical fractions.
func WithMemoryThresholds(warning, critical float64) Option {
	return func(p *Policy) {
		p.MemoryWarningThreshold = warning
		p.MemoryCriticalThreshold = critical
	}
}

// WithOnViolation sets the violation action.
func WithOnViolation(a ViolationAction) Option { return func(p *Policy) { p.OnViolation = a } }

// WithAdmissionMode sets the admission mode.
func WithAdmissionMode(m AdmissionMode) Option { return func(p *Policy) { p.AdmissionMode = m } }

// WithQueueTimeout sets the queue admission wait bound.
func WithQueueTimeout(d time.Duration) Option { return func(p *Policy) { p.QueueTimeout = d } }

// WithMaxViolationLog sets the violation log bound.
func WithMaxViolationLog(n int) Option { return func(p *Policy) { p.MaxViolationLog = n } }

// WithDetailedLogging toggles per-operation debug logs.
func WithDetailedLogging(on bool) Option { return func(p *Policy) { p.DetailedLogging = on } }
