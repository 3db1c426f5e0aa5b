// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// =============================================================================
// Icon.Render Tests
// =============================================================================

func TestIcon_Render(t *testing.T) {
	for _, icon := range []Icon{IconSuccess, IconWarning, IconError, IconPending, IconArrow} {
		if !strings.Contains(icon.Render(), string(icon)) {
			t.Errorf("Render(%q) lost the glyph", icon)
		}
	}
}

// =============================================================================
// Plain Printer Tests
// =============================================================================

func TestPrinter_PlainPrefixes(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, true)

	p.Title("report")
	p.Success("done")
	p.Warning("slow")
	p.Error("failed")
	p.Info("note")
	p.Bullet("item")
	p.Box("box", "content")
	p.WarningBox("careful", "content")

	want := strings.Join([]string{
		"== report ==",
		"OK: done",
		"WARN: slow",
		"ERROR: failed",
		"note",
		"- item",
		"box: content",
		"WARN careful: content",
	}, "\n") + "\n"
	if buf.String() != want {
		t.Errorf("plain output mismatch:\n got: %q\nwant: %q", buf.String(), want)
	}
}

func TestPrinter_PlainTableAndPairs(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, true)

	p.KeyValues([][2]string{{"policy", "default"}, {"ops", "3"}})
	p.Table([]string{"name", "count"}, [][]string{{"blur", "2"}, {"load", "1"}})

	want := "policy=default\nops=3\nname\tcount\nblur\t2\nload\t1\n"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
}

func TestPrinter_PlainProgressBar(t *testing.T) {
	p := NewPrinter(nil, true)
	if got := p.ProgressBar(0.456, 20); got != "46%" {
		t.Errorf("ProgressBar = %q", got)
	}
	if got := p.ProgressBar(3, 20); got != "100%" {
		t.Errorf("ProgressBar clamps high values, got %q", got)
	}
}

// =============================================================================
// Styled Printer Tests
// =============================================================================

func TestPrinter_StyledTableContainsCells(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, false)
	p.Table([]string{"name", "count"}, [][]string{{"blur", "2"}})

	out := buf.String()
	for _, s := range []string{"name", "count", "blur", "2"} {
		if !strings.Contains(out, s) {
			t.Errorf("styled table missing %q:\n%s", s, out)
		}
	}
	if strings.Contains(out, "\t") {
		t.Error("styled table should not be tab-separated")
	}
}

func TestPrinter_StyledProgressBarWidth(t *testing.T) {
	p := NewPrinter(nil, false)
	bar := p.ProgressBar(0.5, 10)
	if strings.Count(bar, "█") != 5 || strings.Count(bar, "░") != 5 {
		t.Errorf("unexpected bar %q", bar)
	}
}

// =============================================================================
// Terminal Detection Tests
// =============================================================================

func TestIsTerminal_RegularFile(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "out"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if IsTerminal(f) {
		t.Error("regular file reported as terminal")
	}
	if !ForFile(f).Plain() {
		t.Error("ForFile should be plain for a regular file")
	}
	if IsTerminal(nil) {
		t.Error("nil file reported as terminal")
	}
}
