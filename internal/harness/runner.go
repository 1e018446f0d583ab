// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package harness

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/pi5dash/dashboard-api/internal/ansistrip"
	"github.com/pi5dash/dashboard-api/internal/apperr"
	"github.com/pi5dash/dashboard-api/internal/channel"
	"github.com/pi5dash/dashboard-api/internal/id"
	"github.com/pi5dash/dashboard-api/internal/protocol"
	"github.com/pi5dash/dashboard-api/internal/ringbuffer"
)

// capturedOutputCap bounds each of a capture sink's raw/plain accumulators
// (§4.11: "≤ 2 MB each").
const capturedOutputCap = 2 << 20

// captureSink is a channel.Sink that accumulates one command invocation's
// output instead of forwarding it to a WebSocket, used by RunPTYCommand to
// observe a run channel the same way a live client would.
type captureSink struct {
	sinkID string

	mu      sync.Mutex
	raw     *ringbuffer.Buffer
	plain   *ringbuffer.Buffer
	done    chan struct{}
	code    int
	signal  string
	closeOn sync.Once
}

func newCaptureSink(sinkID string) *captureSink {
	return &captureSink{
		sinkID: sinkID,
		raw:    ringbuffer.New(capturedOutputCap),
		plain:  ringbuffer.New(capturedOutputCap),
		done:   make(chan struct{}),
	}
}

func (s *captureSink) ID() string { return s.sinkID }

func (s *captureSink) SendJSON(data []byte) error {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil
	}
	switch env.Type {
	case protocol.TypeOutput:
		var out protocol.Output
		if err := json.Unmarshal(data, &out); err == nil {
			s.mu.Lock()
			s.raw.Push(out.Data)
			s.plain.Push(ansistrip.Strip([]byte(out.Data)))
			s.mu.Unlock()
		}
	case protocol.TypeExit:
		var ex protocol.Exit
		if err := json.Unmarshal(data, &ex); err == nil {
			s.mu.Lock()
			s.code = ex.Code
			s.signal = ex.Signal
			s.mu.Unlock()
			s.closeOn.Do(func() { close(s.done) })
		}
	}
	return nil
}

// CommandResult is a finished subprocess runner's outcome (§4.11).
type CommandResult struct {
	Code   int
	Signal string
	Raw    string
	Plain  string
}

// RunPTYCommand runs command in dir on ch (spawning a fresh child; ch must
// be idle), streaming output through the channel's normal pipeline while
// also capturing it, and blocks until the child exits or ctx is cancelled.
// Registers a cancel function in jobs under a fresh job id for the
// duration of the run. If allowNonZero is false and the child exits
// non-zero, returns CommandExit carrying the trimmed plain output.
func RunPTYCommand(ctx context.Context, jobs *jobTable, ch *channel.Channel, command, dir string, env map[string]string, allowNonZero bool) (CommandResult, error) {
	if err := ctx.Err(); err != nil {
		return CommandResult{}, apperr.New(apperr.Cancelled, "run cancelled before %q", command)
	}

	sink := newCaptureSink("harness-capture-" + id.New())
	ch.AddSink(sink)
	defer ch.RemoveSink(sink.ID())

	jobID := id.New()
	jobs.register(jobID, func() { _ = ch.RequestStop(context.Background()) })
	defer jobs.unregister(jobID)

	if err := ch.Start(command, dir, env); err != nil {
		return CommandResult{}, err
	}

	select {
	case <-sink.done:
	case <-ctx.Done():
		_ = ch.RequestStop(context.Background())
		<-sink.done
		return CommandResult{}, apperr.New(apperr.Cancelled, "run cancelled while executing %q", command)
	}

	sink.mu.Lock()
	result := CommandResult{
		Code:   sink.code,
		Signal: sink.signal,
		Raw:    sink.raw.Dump(),
		Plain:  sink.plain.Dump(),
	}
	sink.mu.Unlock()

	if !allowNonZero && result.Code != 0 {
		return result, apperr.New(apperr.CommandExit, "command %q exited %d: %s", command, result.Code, truncateTail(result.Plain, 2000)).
			WithDetail(result.Plain)
	}
	return result, nil
}

func truncateTail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// shellQuote wraps s for safe inclusion in a `/bin/bash -lc` command line
// (§4.11 shell-escaping utility).
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
