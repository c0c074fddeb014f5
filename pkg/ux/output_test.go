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
	"strings"
	"sync"
	"testing"
)

// =============================================================================
// Terminal detection
// =============================================================================

func TestNew_BufferIsPlain(t *testing.T) {
	var buf bytes.Buffer
	if New(&buf).Styled() {
		t.Error("output to a buffer must not be styled")
	}
	if !NewStyled(&buf).Styled() {
		t.Error("NewStyled must always style")
	}
}

func TestIsTerminal_RegularFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "out")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if IsTerminal(f) {
		t.Error("a regular file is not a terminal")
	}
	if New(f).Styled() {
		t.Error("output to a regular file must not be styled")
	}
}

// =============================================================================
// Plain output
// =============================================================================

func TestPlain_Messages(t *testing.T) {
	var buf bytes.Buffer
	o := New(&buf)
	o.Success("loaded")
	o.Failure("failed")
	o.Muted("quiet")

	want := "loaded\nfailed\nquiet\n"
	if buf.String() != want {
		t.Errorf("plain messages = %q, want %q", buf.String(), want)
	}
}

func TestPlain_FieldAlignment(t *testing.T) {
	var buf bytes.Buffer
	o := New(&buf)
	o.Field("locator", "builtin://score_op_v1")
	o.Field("generation", "7")

	want := "locator:     builtin://score_op_v1\ngeneration:  7\n"
	if buf.String() != want {
		t.Errorf("fields = %q, want %q", buf.String(), want)
	}
}

func TestPlain_Box(t *testing.T) {
	var buf bytes.Buffer
	New(&buf).Box("statistics", []string{"total requests:  3", "hot updates:     1"})

	want := "========== statistics ==========\n" +
		"total requests:  3\n" +
		"hot updates:     1\n" +
		"================================\n"
	if buf.String() != want {
		t.Errorf("box = %q, want %q", buf.String(), want)
	}
}

func TestPlain_Table(t *testing.T) {
	var buf bytes.Buffer
	New(&buf).Table(
		[]string{"SEQ", "STATE", "RESULT"},
		[][]string{{"12", "done", "a -> b"}, {"3", "failed", "module_not_found"}},
		nil,
	)

	want := "SEQ  STATE   RESULT\n" +
		"12   done    a -> b\n" +
		"3    failed  module_not_found\n"
	if buf.String() != want {
		t.Errorf("table =\n%s\nwant\n%s", buf.String(), want)
	}
}

// =============================================================================
// Styled output
// =============================================================================

func TestStyled_Icons(t *testing.T) {
	var buf bytes.Buffer
	o := NewStyled(&buf)
	o.Success("swapped")
	o.Failure("rejected")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %q", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], string(IconSuccess)) || !strings.Contains(lines[0], "swapped") {
		t.Errorf("success line = %q", lines[0])
	}
	if !strings.Contains(lines[1], string(IconError)) || !strings.Contains(lines[1], "rejected") {
		t.Errorf("failure line = %q", lines[1])
	}
}

func TestStyled_BoxHasBorder(t *testing.T) {
	var buf bytes.Buffer
	NewStyled(&buf).Box("statistics", []string{"hot updates:     2"})

	out := buf.String()
	for _, want := range []string{"╭", "╰", "statistics", "hot updates:     2"} {
		if !strings.Contains(out, want) {
			t.Errorf("styled box missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "==========") {
		t.Error("styled box must not use plain rules")
	}
}

func TestStyled_TableHighlightsRows(t *testing.T) {
	var buf bytes.Buffer
	var seen []string
	var mu sync.Mutex
	NewStyled(&buf).Table(
		[]string{"SEQ", "STATE"},
		[][]string{{"2", "failed"}, {"1", "done"}},
		func(row []string) string {
			mu.Lock()
			seen = append(seen, row[1])
			mu.Unlock()
			if row[1] == "done" {
				return "success"
			}
			return "failure"
		},
	)

	out := buf.String()
	for _, want := range []string{"╭", "SEQ", "failed", "done"} {
		if !strings.Contains(out, want) {
			t.Errorf("styled table missing %q:\n%s", want, out)
		}
	}
	if len(seen) == 0 {
		t.Error("highlight was never consulted for data rows")
	}
}

// =============================================================================
// Concurrency
// =============================================================================

func TestOutput_ConcurrentWritesStayWhole(t *testing.T) {
	var buf bytes.Buffer
	o := New(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				o.Field("worker", "round")
			}
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 400 {
		t.Fatalf("got %d lines, want 400", len(lines))
	}
	for _, l := range lines {
		if l != "worker:      round" {
			t.Fatalf("interleaved line %q", l)
		}
	}
}
