// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command guardrail runs guarded evaluation workloads and serves their
// diagnostics.
//
//	guardrail run --preset performance --nodes 24 --frames 120
//	guardrail serve --policy guardrail.yaml --addr :8090
//	guardrail policy validate guardrail.yaml
//	guardrail policy show --preset testing
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}
