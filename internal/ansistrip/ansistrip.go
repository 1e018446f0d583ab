// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package ansistrip removes terminal escape sequences from raw PTY output.
//
// The stripper is used to build plain-text transcripts, segment logs, and
// narration input from the bytes a child process writes to its PTY master.
package ansistrip

// Strip removes ANSI/VT escape sequences and control characters from s,
// leaving newline and tab intact. Every carriage return becomes LF (a
// CRLF pair collapses to a single LF) so downstream line-splitting sees
// one convention. Backspace (0x08) is dropped outright rather than emulated,
// since the stripped text is for transcripts/narration, not a terminal
// emulator.
//
// Handles: OSC (ESC ] ... BEL|ST), CSI (ESC [ ... final byte), DCS/PM/APC
// (ESC P|^|_ ... ST), 2-byte escapes (ESC + one C1-range byte), the C1 CSI
// single-byte form (0x9b), and C0 control codes other than \n \r \t.
func Strip(raw []byte) string {
	out := make([]byte, 0, len(raw))
	i := 0
	for i < len(raw) {
		b := raw[i]
		switch {
		case b == 0x1b:
			i = skipEscape(raw, i)
		case b == 0x9b:
			i = skipCSITail(raw, i+1)
		case b == 0x08:
			i++
		case b == '\r':
			// Bare CR (not followed by LF) becomes LF; CRLF collapses to LF.
			out = append(out, '\n')
			i++
			if i < len(raw) && raw[i] == '\n' {
				i++
			}
		case b < 0x20 && b != '\n' && b != '\t':
			i++
		default:
			out = append(out, b)
			i++
		}
	}
	return string(out)
}

// skipEscape advances past one ESC-introduced sequence starting at i (where
// raw[i] == 0x1b) and returns the index just past it.
func skipEscape(raw []byte, i int) int {
	i++ // consume ESC
	if i >= len(raw) {
		return i
	}
	switch raw[i] {
	case '[':
		return skipCSITail(raw, i+1)
	case ']':
		return skipStringTerminated(raw, i+1)
	case 'P', '^', '_':
		return skipStringTerminated(raw, i+1)
	default:
		return i + 1
	}
}

// skipCSITail advances past CSI parameter/intermediate bytes and the final
// byte, starting just after "ESC [" (or the 0x9b single-byte CSI).
func skipCSITail(raw []byte, i int) int {
	for i < len(raw) && (raw[i] < 0x40 || raw[i] > 0x7e) {
		i++
	}
	if i < len(raw) {
		i++ // final byte
	}
	return i
}

// skipStringTerminated advances past an OSC/DCS/PM/APC body until BEL or
// ESC \ (ST), starting just after the introducer.
func skipStringTerminated(raw []byte, i int) int {
	for i < len(raw) {
		if raw[i] == 0x07 {
			return i + 1
		}
		if raw[i] == 0x1b && i+1 < len(raw) && raw[i+1] == '\\' {
			return i + 2
		}
		i++
	}
	return i
}

// StripTerminalQueries removes CSI sequences that solicit a response from a
// terminal emulator (device attributes, device status / cursor position
// reports, request-terminal-parameters). These are harmless to a live
// terminal but dangerous to replay verbatim into a reconnect snapshot: a
// client-side emulator (e.g. xterm.js) will answer them by writing the
// response back into the PTY, which the running program then sees as
// unsolicited input. All other CSI sequences (color, cursor movement, ...)
// pass through untouched.
func StripTerminalQueries(data []byte) []byte {
	result := make([]byte, 0, len(data))
	i := 0
	for i < len(data) {
		if i+1 < len(data) && data[i] == 0x1b && data[i+1] == '[' {
			start := i
			j := i + 2
			for j < len(data) && data[j] >= 0x30 && data[j] <= 0x3f {
				j++
			}
			for j < len(data) && data[j] >= 0x20 && data[j] <= 0x2f {
				j++
			}
			if j < len(data) && data[j] >= 0x40 && data[j] <= 0x7e {
				final := data[j]
				params := string(data[i+2 : j])
				if isQuerySequence(final, params) {
					i = j + 1
					continue
				}
			}
			result = append(result, data[start])
			i = start + 1
			continue
		}
		result = append(result, data[i])
		i++
	}
	return result
}

func isQuerySequence(final byte, params string) bool {
	switch final {
	case 'c': // Device Attributes (DA1/DA2/DA3): CSI c, CSI >c, CSI =c, ...
		return true
	case 'n': // Device Status Report / Cursor Position Report
		return params == "5" || params == "6" || params == "?6"
	case 'x': // Request Terminal Parameters (DECREQTPARM)
		return params == "" || params == "0" || params == "1"
	}
	return false
}

// ContainsEscape reports whether raw still has an unstripped ESC byte.
// Exposed for tests that assert the stripper's completeness property.
func ContainsEscape(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == 0x1b {
			return true
		}
	}
	return false
}
