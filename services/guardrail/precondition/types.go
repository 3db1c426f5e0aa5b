// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package precondition

import (
	"errors"
	"fmt"
	"strings"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrValidationFailed is returned by Result.Err when any constraint failed.
	ErrValidationFailed = errors.New("precondition validation failed")

	// ErrUnknownConstraint is returned by FromMap for unrecognized keys.
	ErrUnknownConstraint = errors.New("unknown constraint")

	// ErrInvalidConstraint is returned by FromMap for malformed parameters.
	ErrInvalidConstraint = errors.New("invalid constraint parameter")
)

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Inputs are the named values a guarded operation is about to consume.
type Inputs map[string]any

// Constraint is one validation rule.
//
// Check is handed the full input map so rules such as Required can
// reason about absent keys. Implementations must be deterministic, free
// of side effects and linear in the size of the inputs they inspect.
type Constraint interface {
	Check(name string, inputs Inputs) []Violation
}

// Constraints maps constraint names to rules. The name is reported in
// every violation the rule produces.
type Constraints map[string]Constraint

// Violation describes one failed rule for one input.
type Violation struct {
	// Constraint is the name the rule was registered under.
	Constraint string `json:"constraint"`

	// Input is the input key that failed, or empty for map-level rules.
	Input string `json:"input,omitempty"`

	// Message is a human readable reason.
	Message string `json:"message"`

	// Measured is the observed value for numeric rules.
	Measured float64 `json:"measured,omitempty"`

	// Limit is the configured bound for numeric rules.
	Limit float64 `json:"limit,omitempty"`
}

// String formats the violation for logs.
func (v Violation) String() string {
	if v.Input == "" {
		return fmt.Sprintf("%s: %s", v.Constraint, v.Message)
	}
	return fmt.Sprintf("%s[%s]: %s", v.Constraint, v.Input, v.Message)
}

// Result is the outcome of Validate.
type Result struct {
	OK         bool        `json:"ok"`
	Violations []Violation `json:"violations,omitempty"`
}

// Err returns nil when OK, otherwise a *ValidationError.
func (r Result) Err() error {
	if r.OK {
		return nil
	}
	return &ValidationError{Violations: r.Violations}
}

// ValidationError carries the violations of a failed validation.
type ValidationError struct {
	Violations []Violation
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return fmt.Sprintf("%s: %s", ErrValidationFailed.Error(), strings.Join(parts, "; "))
}

// Unwrap returns ErrValidationFailed.
func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// ConstraintFunc adapts a function to the Constraint interface.
type ConstraintFunc func(name string, inputs Inputs) []Violation

// Check calls f.
func (f ConstraintFunc) Check(name string, inputs Inputs) []Violation {
	return f(name, inputs)
}
