// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package ringbuffer implements the bounded character reservoir used to
// replay PTY scrollback on reconnect (§4.1 of the design). Unlike the
// teacher's fixed-size circular array (internal/pty/hub.go's scrollback
// field), this trims by byte-prefix on a single growable slice so Dump
// always returns a contiguous, order-preserving suffix of everything ever
// pushed, which is what the reconnect-fidelity property requires.
package ringbuffer

import "sync"

// Buffer is a bounded, append-only reservoir over code units (bytes).
// It never evicts whole chunks wholesale except when a chunk is entirely
// beyond the cap; when only the head of the oldest chunk overflows, that
// chunk is prefix-trimmed so Dump never loses a contiguous run of bytes
// mid-chunk.
type Buffer struct {
	mu       sync.Mutex
	maxChars int
	data     []byte
}

// New creates a Buffer capped at maxChars code units. maxChars <= 0 means
// unbounded (used only in tests).
func New(maxChars int) *Buffer {
	return &Buffer{maxChars: maxChars}
}

// Push appends text and, if the total exceeds the cap, trims the oldest
// bytes — a prefix trim, not a whole-chunk drop — so size() <= maxChars
// afterward and Dump() remains a byte-contiguous suffix of everything
// pushed so far.
func (b *Buffer) Push(text []byte) {
	if len(text) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data = append(b.data, text...)
	if b.maxChars > 0 && len(b.data) > b.maxChars {
		overflow := len(b.data) - b.maxChars
		// Copy down rather than reslice-from-offset so the backing array
		// doesn't grow without bound under sustained throughput.
		remaining := len(b.data) - overflow
		copy(b.data, b.data[overflow:])
		b.data = b.data[:remaining]
	}
}

// Dump returns the full current contents as a new string.
func (b *Buffer) Dump() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}

// DumpBytes returns a copy of the full current contents.
func (b *Buffer) DumpBytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// Clear empties the buffer.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = nil
}

// Size returns the number of code units currently stored.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}
