// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package precondition validates the inputs of a guarded operation before
// it runs.
//
// Validation is a pure function of a set of named constraints and a map of
// named inputs. Built-in rules cover presence, nil checks, numeric and size
// bounds, forbidden content signatures and reference cycles. Every rule is
// linear in the size of what it inspects; cycle detection additionally
// carries a traversal budget so pathological inputs fail instead of
// stalling.
//
// # Usage
//
//	constraints := precondition.MustFromMap(map[string]any{
//	    "maxSize":   1_000_000,
//	    "required":  []string{"mesh"},
//	    "forbidden": true,
//	})
//	res := precondition.Validate(constraints, precondition.Inputs{"mesh": mesh})
//	if !res.OK {
//	    return res.Err()
//	}
//
// The guard package runs Validate inside a guarded step of its own, so a
// slow rule is reported like any other slow operation.
package precondition
