// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package ansistrip

import "testing"

func TestStripRemovesCSI(t *testing.T) {
	raw := []byte("\x1b[31mred\x1b[0m text")
	got := Strip(raw)
	if got != "red text" {
		t.Fatalf("got %q", got)
	}
	if ContainsEscape(got) {
		t.Fatalf("stripped output still contains ESC: %q", got)
	}
}

func TestStripRemovesOSC(t *testing.T) {
	raw := []byte("\x1b]0;title\x07hello")
	if got := Strip(raw); got != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestStripOSCStringTerminator(t *testing.T) {
	raw := []byte("\x1b]0;title\x1b\\hello")
	if got := Strip(raw); got != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestStripBareCRBecomesLF(t *testing.T) {
	raw := []byte("a\rb")
	if got := Strip(raw); got != "a\nb" {
		t.Fatalf("got %q", got)
	}
}

func TestStripCRLFCollapsesToLF(t *testing.T) {
	raw := []byte("a\r\nb")
	if got := Strip(raw); got != "a\nb" {
		t.Fatalf("got %q", got)
	}
}

func TestStripRemovesBackspace(t *testing.T) {
	raw := []byte("ab\x08c")
	if got := Strip(raw); got != "abc" {
		t.Fatalf("got %q", got)
	}
}

func TestStripKeepsTabAndNewline(t *testing.T) {
	raw := []byte("a\tb\nc")
	if got := Strip(raw); got != "a\tb\nc" {
		t.Fatalf("got %q", got)
	}
}

func TestStripNeverLeavesEscapeByte(t *testing.T) {
	inputs := [][]byte{
		[]byte("\x1b[2J\x1b[H"),
		[]byte("\x1bP+q544e\x1b\\"),
		[]byte("\x1b="),
		{0x9b, '3', '1', 'm'},
	}
	for _, in := range inputs {
		got := Strip(in)
		if ContainsEscape(got) {
			t.Fatalf("input %q: stripped output %q still contains ESC", in, got)
		}
	}
}

func TestStripTerminalQueriesRemovesDeviceAttributes(t *testing.T) {
	data := []byte("before\x1b[c after")
	out := StripTerminalQueries(data)
	if string(out) != "before after" {
		t.Fatalf("got %q", out)
	}
}

func TestStripTerminalQueriesRemovesCursorPositionReport(t *testing.T) {
	data := []byte("x\x1b[6ny")
	out := StripTerminalQueries(data)
	if string(out) != "xy" {
		t.Fatalf("got %q", out)
	}
}

func TestStripTerminalQueriesKeepsColorSequences(t *testing.T) {
	data := []byte("\x1b[31mred\x1b[0m")
	out := StripTerminalQueries(data)
	if string(out) != string(data) {
		t.Fatalf("expected color sequences preserved, got %q", out)
	}
}
