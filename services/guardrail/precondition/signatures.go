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
	"reflect"
	"sort"
	"strings"
)

// SignatureVersion is the current version of the signature table.
const SignatureVersion = "2026.10.01"

// Signature is a forbidden content marker matched case-insensitively.
type Signature struct {
	Name    string
	Pattern string
	Message string
}

// DefaultSignatures returns the built-in forbidden content table.
func DefaultSignatures() []Signature {
	return []Signature{
		// Path traversal
		{Name: "path_traversal", Pattern: "../", Message: "relative parent path segment"},
		{Name: "path_traversal_windows", Pattern: `..\`, Message: "relative parent path segment"},
		// Embedded terminators
		{Name: "null_byte", Pattern: "\x00", Message: "embedded NUL byte"},
		// Script injection
		{Name: "script_tag", Pattern: "<script", Message: "inline script tag"},
		{Name: "javascript_uri", Pattern: "javascript:", Message: "javascript URI"},
		// Query injection
		{Name: "sql_drop", Pattern: "; drop table", Message: "SQL statement chaining"},
		{Name: "sql_union", Pattern: "union select", Message: "SQL union injection"},
		// Shell expansion
		{Name: "shell_subst", Pattern: "$(", Message: "shell command substitution"},
		{Name: "shell_backtick", Pattern: "`", Message: "shell backtick substitution"},
		{Name: "shell_pipe_sh", Pattern: "| sh", Message: "pipe into shell"},
	}
}

type forbiddenRule struct {
	sigs []Signature
}

// Forbidden fails for every textual input containing one of sigs. With
// no arguments DefaultSignatures is used.
//
// Strings, byte slices and fmt.Stringer values are scanned, as are the
// string elements of slices and the string values of maps one level
// deep. Each text is lower-cased once, so cost is linear in the text
// length times the (constant) table size.
func Forbidden(sigs ...Signature) Constraint {
	if len(sigs) == 0 {
		sigs = DefaultSignatures()
	}
	lowered := make([]Signature, len(sigs))
	for i, s := range sigs {
		s.Pattern = strings.ToLower(s.Pattern)
		lowered[i] = s
	}
	return forbiddenRule{sigs: lowered}
}

func (r forbiddenRule) Check(name string, inputs Inputs) []Violation {
	var out []Violation
	for _, key := range sortedKeys(inputs) {
		for _, text := range texts(inputs[key]) {
			lower := strings.ToLower(text)
			for _, sig := range r.sigs {
				if sig.Pattern != "" && strings.Contains(lower, sig.Pattern) {
					out = append(out, Violation{
						Constraint: name,
						Input:      key,
						Message:    "forbidden content " + sig.Name + ": " + sig.Message,
					})
				}
			}
		}
	}
	return out
}

type stringer interface {
	String() string
}

// texts extracts the scannable strings of v.
func texts(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return []string{t}
	case []byte:
		return []string{string(t)}
	case stringer:
		return []string{t.String()}
	}

	rv := reflect.ValueOf(v)
	var out []string
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			if e := rv.Index(i); e.Kind() == reflect.String {
				out = append(out, e.String())
			}
		}
	case reflect.Map:
		iter := rv.MapRange()
		for iter.Next() {
			if e := iter.Value(); e.Kind() == reflect.String {
				out = append(out, e.String())
			} else if e.Kind() == reflect.Interface && e.Elem().Kind() == reflect.String {
				out = append(out, e.Elem().String())
			}
		}
		sort.Strings(out)
	}
	return out
}
