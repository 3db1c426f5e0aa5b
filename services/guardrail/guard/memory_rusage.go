// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build linux || darwin

package guard

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// RusageProbe reads the process's peak resident set size.
//
// The value only grows, so an operation's delta is how much it raised the
// high-water mark. This captures cgo and other non-heap memory that
// RuntimeProbe cannot see.
type RusageProbe struct{}

// NewRusageProbe returns a probe backed by getrusage(2).
func NewRusageProbe() MemoryProbe {
	return RusageProbe{}
}

// Bytes returns the peak RSS in bytes.
func (RusageProbe) Bytes() int64 {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	// Linux reports kilobytes, Darwin bytes.
	if runtime.GOOS == "darwin" {
		return int64(ru.Maxrss)
	}
	return int64(ru.Maxrss) * 1024
}
