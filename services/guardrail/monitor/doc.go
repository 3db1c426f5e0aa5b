// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package monitor aggregates guarded operations across sessions into a
// rolling performance report.
//
// Register a Monitor as a guard.Observer on every session. The evaluation
// thread only ever performs a non-blocking channel send; aggregation and
// report building happen elsewhere.
//
//	mon := monitor.New(nil)
//	_ = mon.Start(ctx)
//	defer mon.Stop()
//
//	s, _ := guard.Begin(ctx, pol, guard.WithObservers(mon))
//	...
//	report := mon.GetReport()
package monitor
