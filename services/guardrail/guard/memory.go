// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package guard

import "runtime/metrics"

// MemoryProbe reads a process-wide memory gauge.
//
// Handles read the probe at entry and release. The difference is charged
// to a handle only when no unrelated operation overlapped it, since the
// gauge cannot tell concurrent operations apart. Resources the probe
// cannot see (GPU buffers, mapped files) are reported with
// Handle.TrackResourceAllocation.
type MemoryProbe interface {
	Bytes() int64
}

// heapObjectsMetric is the memory occupied by heap objects, live or not
// yet swept. It rises with allocation and falls after a collection.
const heapObjectsMetric = "/memory/classes/heap/objects:bytes"

// RuntimeProbe reads heap object memory from runtime/metrics.
// It never stops the world.
type RuntimeProbe struct{}

// Bytes returns the bytes currently occupied by heap objects.
func (RuntimeProbe) Bytes() int64 {
	sample := []metrics.Sample{{Name: heapObjectsMetric}}
	metrics.Read(sample)
	if sample[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return int64(sample[0].Value.Uint64())
}

// NoopProbe always reports zero, leaving only explicitly tracked
// allocations in the memory delta.
type NoopProbe struct{}

// Bytes returns zero.
func (NoopProbe) Bytes() int64 { return 0 }
