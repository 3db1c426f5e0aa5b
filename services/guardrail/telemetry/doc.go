// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry exports guardrail activity to external systems.
//
// Init wires the process-wide OpenTelemetry tracer and meter providers.
// The sinks implement guard.Sink and guard.Observer and are attached to a
// session with guard.WithSinks and guard.WithObservers:
//
//   - OTelSink: span events and OpenTelemetry instruments
//   - PrometheusSink: Prometheus collectors on a configurable registry
//   - InfluxSink: batched InfluxDB points
//   - LogSink: rate-limited structured log records
//
// All sinks are non-blocking on the caller's path except OTelSink and
// PrometheusSink, whose work is bounded in-memory bookkeeping.
package telemetry
