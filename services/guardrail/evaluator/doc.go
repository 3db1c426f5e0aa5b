// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package evaluator runs dependency graphs of nodes under guardrails.
//
// Each pass is one guard.Session: nodes run level by level, independent
// nodes in parallel up to the policy's concurrency limit, each inside
// guard.Execute with its declared preconditions. Failures skip
// downstream nodes without stopping unrelated ones, and an aborted
// session stops the pass at the next level boundary.
//
// EvaluateIncremental supports the frame-to-frame case where only a few
// nodes change: it re-runs the changed nodes and their descendants and
// carries every other output forward from the prior pass.
package evaluator
