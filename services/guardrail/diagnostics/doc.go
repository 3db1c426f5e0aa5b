// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package diagnostics serves guardrail state over HTTP.
//
// A Server exposes the monitor's rolling report and session history, live
// session snapshots from a SessionRegistry, Prometheus metrics, and a
// websocket stream of violations fed by a Hub. Attach the hub and registry
// to sessions as sinks and observers:
//
//	s, err := guard.Begin(ctx, pol,
//	    guard.WithSinks(hub),
//	    guard.WithObservers(mon, hub, registry))
//	registry.Add(s)
package diagnostics
