// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package channel implements the PTY Channel: one named (provider|run,
// name) pair tying a single PTY child to a ring buffer, a capped segment
// log, a transcript file, and a set of WebSocket sinks. It is the shared
// primitive both the CLI session service's providers and the harness
// orchestrator's per-run terminals are built from.
//
// Grounded heavily on the teacher's internal/pty/hub.go (the Hub type):
// the register/broadcast/sink-removal shape, the scrollback-on-reconnect
// behavior, and the ANSI-stripping-for-segments split all come from there,
// generalized from a single hardcoded sandbox PTY into a named, reusable
// channel that both subsystems instantiate many of.
package channel

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pi5dash/dashboard-api/internal/ansistrip"
	"github.com/pi5dash/dashboard-api/internal/apperr"
	"github.com/pi5dash/dashboard-api/internal/protocol"
	"github.com/pi5dash/dashboard-api/internal/ptyproc"
	"github.com/pi5dash/dashboard-api/internal/ringbuffer"
)

// Segment caps. Not separately quantified by name in the design beyond
// "len <= MAX_SEGMENTS AND sum(len(text)) <= MAX_SEGMENT_CHARS OR len==1";
// these values are this implementation's concrete choice, sized generously
// above what a single narration extraction window (≤14,000 chars, §4.8)
// would ever need.
const (
	MaxSegments     = 500
	MaxSegmentChars = 100_000
)

// Ring buffer caps per §9: "≈220 000 for main, ≈60 000 for auth".
const (
	MainRingCap = 220_000
	AuthRingCap = 60_000
)

// IdleTimeout is how long a channel may sit with zero attached sinks before
// IdleFor reports it eligible for auto-stop, matching the teacher Hub's own
// IdleTimeout (internal/pty/hub.go).
const IdleTimeout = 600 * time.Second

// Segment is one ANSI-stripped chunk with a monotonic sequence number.
type Segment struct {
	Seq  int64     `json:"seq"`
	Ts   time.Time `json:"ts"`
	Text string    `json:"text"`
}

// Sink is an attached receiver of a channel's broadcast events (typically
// a WebSocket connection's write pump).
type Sink interface {
	ID() string
	SendJSON(data []byte) error
}

// State is the snapshot of a channel's lifecycle fields broadcast to
// clients on every transition.
type State struct {
	Name       string     `json:"name"`
	Running    bool       `json:"running"`
	Stopping   bool       `json:"stopping"`
	Cols       int        `json:"cols"`
	Rows       int        `json:"rows"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	ExitedAt   *time.Time `json:"exitedAt,omitempty"`
	ExitCode   int        `json:"exitCode,omitempty"`
	ExitSignal string     `json:"exitSignal,omitempty"`
	LastError  string     `json:"lastError,omitempty"`
}

// ExitHandler is invoked once, from the channel's own goroutine, the
// instant a child process exits. It is used by the CLI session service to
// trigger an auth-status refresh when the auth subchannel exits.
type ExitHandler func(ch *Channel, code int, signal string)

// OutputHook is invoked with every ANSI-stripped chunk appended to the
// channel, after it has been recorded but before the raw chunk is
// broadcast. Used by the auth subchannel to scan for login URLs/device
// codes (§4.6); nil for channels that don't need it.
type OutputHook func(ch *Channel, stripped string)

// Channel is one named PTY channel belonging to a provider or a harness
// run.
type Channel struct {
	OwnerKind string // "provider" | "run"
	OwnerID   string
	Name      string

	ring       *ringbuffer.Buffer
	transcript *TranscriptWriter
	onExit     ExitHandler
	onOutput   OutputHook

	mu          sync.Mutex
	proc        *ptyproc.Process
	running     bool
	stopping    bool
	cols, rows  int
	startedAt   *time.Time
	exitedAt    *time.Time
	exitCode    int
	exitSignal  string
	lastError   string
	stopWaiters []chan struct{}

	sinkMu    sync.Mutex
	sinks     map[string]Sink
	idleSince *time.Time // set when sinks drains to zero; cleared when one attaches

	segMu    sync.Mutex
	segments []Segment

	outputSeq atomic.Int64
}

// New creates an idle channel with the given ring buffer capacity
// (see MainRingCap / AuthRingCap).
func New(ownerKind, ownerID, name string, ringCap int, transcript *TranscriptWriter, onExit ExitHandler) *Channel {
	return &Channel{
		OwnerKind:  ownerKind,
		OwnerID:    ownerID,
		Name:       name,
		ring:       ringbuffer.New(ringCap),
		transcript: transcript,
		onExit:     onExit,
		sinks:      make(map[string]Sink),
		cols:       80,
		rows:       24,
	}
}

// SetOutputHook installs hook, replacing any previously set one. Not safe
// to call concurrently with output arriving; callers set it once right
// after New.
func (c *Channel) SetOutputHook(hook OutputHook) {
	c.onOutput = hook
}

// IsRunning reports whether a child process is currently attached.
func (c *Channel) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Start spawns command on a PTY of the channel's current size, in dir,
// with extraEnv. Idempotent: if already running, returns the existing
// process without spawning a new one (§4.5 ensure_main semantics rely on
// this for any channel, not just provider mains).
func (c *Channel) Start(command, dir string, extraEnv map[string]string) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	cols, rows := c.cols, c.rows
	c.mu.Unlock()

	proc, err := ptyproc.Spawn(command, uint16(cols), uint16(rows), dir, extraEnv)
	if err != nil {
		c.mu.Lock()
		c.lastError = err.Error()
		c.mu.Unlock()
		if err == ptyproc.ErrUnavailable {
			return apperr.New(apperr.UnavailableDependency, "pty unavailable")
		}
		return apperr.New(apperr.SpawnFailed, "%v", err)
	}

	now := time.Now()
	c.mu.Lock()
	c.proc = proc
	c.running = true
	c.stopping = false
	c.startedAt = &now
	c.exitedAt = nil
	c.exitCode = 0
	c.exitSignal = ""
	c.lastError = ""
	c.mu.Unlock()

	c.sinkMu.Lock()
	c.idleSince = nil
	c.markIdleLocked()
	c.sinkMu.Unlock()

	go c.readLoop(proc)
	return nil
}

// readLoop copies PTY output into the ring buffer, transcript, segment log
// and sinks until the child exits, then runs exit handling exactly once.
func (c *Channel) readLoop(proc *ptyproc.Process) {
	buf := make([]byte, 32*1024)
	for {
		n, err := proc.Read(buf)
		if n > 0 {
			c.handleOutput(append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			break
		}
	}
	<-proc.Done()
	c.handleExit(proc)
}

func (c *Channel) handleOutput(data []byte) {
	c.ring.Push(data)
	if c.transcript != nil {
		c.transcript.Append("out", string(data))
	}
	c.appendSegment(data)
	c.Broadcast(protocol.NewOutput(string(data)))
}

func (c *Channel) appendSegment(raw []byte) {
	stripped := ansistrip.Strip(raw)
	if stripped == "" {
		return
	}
	seq := c.outputSeq.Add(1)
	seg := Segment{Seq: seq, Ts: time.Now(), Text: stripped}

	c.segMu.Lock()
	c.segments = append(c.segments, seg)
	c.trimSegmentsLocked()
	c.segMu.Unlock()

	if c.onOutput != nil {
		c.onOutput(c, stripped)
	}
}

// trimSegmentsLocked enforces "len <= MAX_SEGMENTS AND total chars <=
// MAX_SEGMENT_CHARS, OR len == 1" by dropping from the front.
func (c *Channel) trimSegmentsLocked() {
	total := func() int {
		n := 0
		for _, s := range c.segments {
			n += len(s.Text)
		}
		return n
	}
	for len(c.segments) > 1 && (len(c.segments) > MaxSegments || total() > MaxSegmentChars) {
		c.segments = c.segments[1:]
	}
}

func (c *Channel) handleExit(proc *ptyproc.Process) {
	code, signal := proc.ExitInfo()
	now := time.Now()

	c.mu.Lock()
	c.running = false
	c.stopping = false
	c.proc = nil
	c.exitedAt = &now
	c.exitCode = code
	c.exitSignal = signal
	waiters := c.stopWaiters
	c.stopWaiters = nil
	c.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}

	if c.transcript != nil {
		c.transcript.Append("sys", "process exited")
	}
	c.Broadcast(protocol.NewExit(code, signal))
	if state, err := protocol.NewState(c.State()); err == nil {
		c.Broadcast(state)
	}
	if c.onExit != nil {
		c.onExit(c, code, signal)
	}
}

// WriteInput writes client-originated bytes into the PTY master. Fails
// with SessionNotRunning if the channel is idle.
func (c *Channel) WriteInput(data []byte) error {
	c.mu.Lock()
	proc := c.proc
	running := c.running
	c.mu.Unlock()

	if !running || proc == nil {
		return apperr.New(apperr.SessionNotRunning, "channel %q is not running", c.Name)
	}
	if c.transcript != nil {
		c.transcript.Append("in", string(data))
	}
	_, err := proc.Write(data)
	return err
}

// WriteSilent writes bytes without local echo and without a transcript
// "in" record — used for env injection and other synthetic input.
func (c *Channel) WriteSilent(data []byte) error {
	c.mu.Lock()
	proc := c.proc
	running := c.running
	c.mu.Unlock()
	if !running || proc == nil {
		return apperr.New(apperr.SessionNotRunning, "channel %q is not running", c.Name)
	}
	_, err := proc.WriteSilent(data)
	return err
}

// Resize clamps to [20,400]x[5,200] (§4.4), stores the new size, and
// applies it to the live PTY if running.
func (c *Channel) Resize(cols, rows int) {
	if cols < 20 {
		cols = 20
	} else if cols > 400 {
		cols = 400
	}
	if rows < 5 {
		rows = 5
	} else if rows > 200 {
		rows = 200
	}

	c.mu.Lock()
	c.cols, c.rows = cols, rows
	proc := c.proc
	running := c.running
	c.mu.Unlock()

	if running && proc != nil {
		proc.Resize(uint16(cols), uint16(rows))
	}
}

// RequestStop runs the termination protocol (SIGTERM, then SIGKILL after
// grace) and blocks until the child has exited or ctx is done, whichever
// comes first. A stop waiter is registered before the signal is sent so
// the race between a fast exit and waiter registration cannot drop a
// caller (§5 process termination race note).
func (c *Channel) RequestStop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running || c.proc == nil {
		c.mu.Unlock()
		return nil
	}
	proc := c.proc
	waiter := make(chan struct{})
	c.stopWaiters = append(c.stopWaiters, waiter)
	c.stopping = true
	c.mu.Unlock()

	go proc.Stop()

	select {
	case <-waiter:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddSink registers sink and immediately replays the ring buffer snapshot
// to it if non-empty, matching the WebSocket Hub's attach sequence
// (hello is sent by the caller, which owns the provider/run-level state;
// Channel only owns the snapshot-then-live-output part of that sequence).
// The replayed bytes are run through ansistrip.StripTerminalQueries first,
// so a reconnecting xterm.js client doesn't answer a replayed device-status
// query and feed the response back into the PTY as phantom input.
func (c *Channel) AddSink(sink Sink) {
	if dump := c.ring.Dump(); dump != "" {
		if stripped := ansistrip.StripTerminalQueries([]byte(dump)); len(stripped) > 0 {
			data, err := marshalEvent(protocol.NewSnapshot(string(stripped)))
			if err == nil {
				sink.SendJSON(data)
			}
		}
	}
	c.sinkMu.Lock()
	c.sinks[sink.ID()] = sink
	c.idleSince = nil
	c.sinkMu.Unlock()
}

// RemoveSink detaches a sink by id, starting the idle clock once the last
// sink is gone.
func (c *Channel) RemoveSink(id string) {
	c.sinkMu.Lock()
	delete(c.sinks, id)
	c.markIdleLocked()
	c.sinkMu.Unlock()
}

// Broadcast marshals msg once and sends it to every attached sink,
// swallowing and removing any sink whose send fails — a broken WebSocket
// must never interrupt PTY data flow (§7 policy).
func (c *Channel) Broadcast(msg any) {
	data, err := marshalEvent(msg)
	if err != nil {
		return
	}
	c.sinkMu.Lock()
	dead := make([]string, 0)
	for id, sink := range c.sinks {
		if err := sink.SendJSON(data); err != nil {
			dead = append(dead, id)
		}
	}
	for _, id := range dead {
		delete(c.sinks, id)
	}
	c.markIdleLocked()
	c.sinkMu.Unlock()
}

// markIdleLocked records the moment sinks became empty. Called with sinkMu
// held; a no-op if sinks is non-empty or the clock is already running.
func (c *Channel) markIdleLocked() {
	if len(c.sinks) > 0 || c.idleSince != nil {
		return
	}
	now := time.Now()
	c.idleSince = &now
}

// IdleFor reports how long the channel has had zero attached sinks while a
// child process is still running. ok is false if the channel has an
// attached sink or no child running at all — only a running, sink-less
// channel is a sweep candidate (SPEC_FULL §10 item 1).
func (c *Channel) IdleFor() (time.Duration, bool) {
	c.sinkMu.Lock()
	since := c.idleSince
	hasSinks := len(c.sinks) > 0
	c.sinkMu.Unlock()
	if hasSinks || since == nil || !c.IsRunning() {
		return 0, false
	}
	return time.Since(*since), true
}

func marshalEvent(msg any) ([]byte, error) {
	return json.Marshal(msg)
}

// Snapshot returns the current ring buffer contents.
func (c *Channel) Snapshot() string {
	return c.ring.Dump()
}

// State returns a point-in-time snapshot of the channel's lifecycle
// fields.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Name:       c.Name,
		Running:    c.running,
		Stopping:   c.stopping,
		Cols:       c.cols,
		Rows:       c.rows,
		StartedAt:  c.startedAt,
		ExitedAt:   c.exitedAt,
		ExitCode:   c.exitCode,
		ExitSignal: c.exitSignal,
		LastError:  c.lastError,
	}
}

// OutputSeq returns the current output sequence counter value, used by
// the persona composer to capture seqBefore.
func (c *Channel) OutputSeq() int64 {
	return c.outputSeq.Load()
}

// SegmentsSince returns every retained segment with Seq > afterSeq, in
// order, used by the narrator to extract "output since the last prompt".
func (c *Channel) SegmentsSince(afterSeq int64) []Segment {
	c.segMu.Lock()
	defer c.segMu.Unlock()
	out := make([]Segment, 0, len(c.segments))
	for _, s := range c.segments {
		if s.Seq > afterSeq {
			out = append(out, s)
		}
	}
	return out
}
