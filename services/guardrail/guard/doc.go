// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package guard supervises bounded evaluation passes.
//
// An evaluation pass opens a Session with a policy. Every unit of work
// inside the pass is admitted through Session.Enter, which hands back an
// Operation Handle, and finalized with Handle.Release. Between the two
// the session tracks recursion depth, concurrency, duration and memory,
// records violations and applies the policy's violation action.
//
// # Usage
//
//	s, err := guard.Begin(ctx, policy.Performance())
//	if err != nil {
//	    return err
//	}
//	defer s.Finish()
//
//	h, err := s.Enter(ctx, "solve")
//	if err != nil {
//	    return err // admission refused
//	}
//	err = solve(h.Context())
//	return h.Release(err)
//
// Execute wraps the Enter/Release pair, recovers panics and decides
// whether a failure is an expected result or an unhandled fault:
//
//	v, err := guard.Execute(ctx, s, "solve", func(ctx context.Context, h *guard.Handle) (Solution, error) {
//	    return solve(ctx)
//	})
//
// # Nesting
//
// A handle's context carries the handle. Enter calls made with that
// context are nested one level deeper and share the parent's concurrency
// slot. Recursion depth is therefore a property of the call chain, and
// concurrent chains do not add up.
//
// # Cancellation
//
// Cancellation is cooperative. Session.Cancel sets a flag and cancels
// every handle context; actions observe it through Handle.Checkpoint or
// ctx.Done and return early. Handles are never torn down from outside.
package guard
