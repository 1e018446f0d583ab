// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package channel

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

type fakeSink struct {
	id string

	mu  sync.Mutex
	msg [][]byte
}

func (f *fakeSink) ID() string { return f.id }

func (f *fakeSink) SendJSON(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msg = append(f.msg, append([]byte(nil), data...))
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msg)
}

func newRunningChannel(t *testing.T) *Channel {
	t.Helper()
	ch := New("provider", "codex", "main", MainRingCap, nil, nil)
	if err := ch.Start("cat", t.TempDir(), nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		ch.RequestStop(ctx)
	})
	return ch
}

func TestOutputHookFiresPerChunk(t *testing.T) {
	var mu sync.Mutex
	var seen []string

	ch := New("provider", "codex", "auth", AuthRingCap, nil, nil)
	ch.SetOutputHook(func(c *Channel, stripped string) {
		mu.Lock()
		seen = append(seen, stripped)
		mu.Unlock()
	})
	if err := ch.Start("cat", t.TempDir(), nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		ch.RequestStop(ctx)
	}()

	if err := ch.WriteInput([]byte("hello world\n")); err != nil {
		t.Fatalf("write input: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("output hook was never invoked")
}

func TestAddSinkReplaysSnapshot(t *testing.T) {
	ch := newRunningChannel(t)
	if err := ch.WriteInput([]byte("ping\n")); err != nil {
		t.Fatalf("write input: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && ch.Snapshot() == "" {
		time.Sleep(20 * time.Millisecond)
	}
	if ch.Snapshot() == "" {
		t.Fatalf("expected ring buffer to have content before adding a sink")
	}

	sink := &fakeSink{id: "client-1"}
	ch.AddSink(sink)
	if sink.count() == 0 {
		t.Fatalf("expected AddSink to replay a snapshot message")
	}
}

func TestBroadcastRemovesDeadSinks(t *testing.T) {
	ch := New("provider", "codex", "main", MainRingCap, nil, nil)
	sink := &failingSink{id: "bad"}
	ch.AddSink(sink)
	ch.Broadcast(map[string]string{"type": "ping"})
	ch.Broadcast(map[string]string{"type": "ping"})

	ch.sinkMu.Lock()
	_, stillThere := ch.sinks[sink.id]
	ch.sinkMu.Unlock()
	if stillThere {
		t.Fatalf("expected a failing sink to be removed after a broadcast")
	}
}

type failingSink struct{ id string }

func (f *failingSink) ID() string              { return f.id }
func (f *failingSink) SendJSON([]byte) error   { return errSend }

var errSend = &sendErr{}

type sendErr struct{}

func (*sendErr) Error() string { return "send failed" }

func TestAddSinkStripsTerminalQueriesFromReplay(t *testing.T) {
	ch := newRunningChannel(t)
	if err := ch.WriteInput([]byte("hi\x1b[6n\n")); err != nil {
		t.Fatalf("write input: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && ch.Snapshot() == "" {
		time.Sleep(20 * time.Millisecond)
	}
	if ch.Snapshot() == "" {
		t.Fatalf("expected ring buffer to have content before adding a sink")
	}

	sink := &fakeSink{id: "client-1"}
	ch.AddSink(sink)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	for _, msg := range sink.msg {
		var decoded struct {
			Type string `json:"type"`
			Data string `json:"data"`
		}
		if err := json.Unmarshal(msg, &decoded); err != nil {
			t.Fatalf("decode replayed message: %v", err)
		}
		if bytesContains([]byte(decoded.Data), []byte("\x1b[6n")) {
			t.Fatalf("expected replayed snapshot to have cursor-position query stripped, got %q", msg)
		}
	}
}

func bytesContains(haystack, needle []byte) bool {
	if len(needle) == 0 {
		return true
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func TestIdleForReportsZeroSinksAfterRemoval(t *testing.T) {
	ch := newRunningChannel(t)

	if _, ok := ch.IdleFor(); !ok {
		t.Fatalf("expected a freshly started channel with no sinks to be idle-eligible")
	}

	sink := &fakeSink{id: "client-1"}
	ch.AddSink(sink)
	if _, ok := ch.IdleFor(); ok {
		t.Fatalf("expected IdleFor to report false while a sink is attached")
	}

	ch.RemoveSink(sink.id)
	d, ok := ch.IdleFor()
	if !ok {
		t.Fatalf("expected IdleFor to report true once the last sink is removed")
	}
	if d < 0 {
		t.Fatalf("expected a non-negative idle duration, got %v", d)
	}
}

func TestIdleForFalseWhenNotRunning(t *testing.T) {
	ch := New("provider", "codex", "main", MainRingCap, nil, nil)
	if _, ok := ch.IdleFor(); ok {
		t.Fatalf("expected a never-started channel to not be idle-eligible")
	}
}

func TestResizeClampsBounds(t *testing.T) {
	ch := New("provider", "codex", "main", MainRingCap, nil, nil)
	ch.Resize(1, 1)
	state := ch.State()
	if state.Cols != 20 || state.Rows != 5 {
		t.Fatalf("expected clamp to minimums, got cols=%d rows=%d", state.Cols, state.Rows)
	}

	ch.Resize(10000, 10000)
	state = ch.State()
	if state.Cols != 400 || state.Rows != 200 {
		t.Fatalf("expected clamp to maximums, got cols=%d rows=%d", state.Cols, state.Rows)
	}
}
