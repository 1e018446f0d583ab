// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package harness

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pi5dash/dashboard-api/internal/apperr"
	"github.com/pi5dash/dashboard-api/internal/channel"
	"github.com/pi5dash/dashboard-api/internal/id"
	"github.com/pi5dash/dashboard-api/internal/narrate"
	"github.com/pi5dash/dashboard-api/internal/pathguard"
	"github.com/pi5dash/dashboard-api/internal/persona"
)

// snapshotDebounce is how long the snapshot writer coalesces rapid
// successive state changes before touching disk (SPEC_FULL open-question
// decision: 150ms).
const snapshotDebounce = 150 * time.Millisecond

// Config is the orchestrator's fixed, startup-time configuration.
type Config struct {
	SharedReposRoot  string // allowlisted root for task.repoPath (§5)
	HarnessWorkspace string // worktrees live under <HarnessWorkspace>/worktrees/<runId>
	ArtifactsRoot    string // <dataDir>/harness/artifacts
	RunsRoot         string // <dataDir>/harness/runs
	TranscriptDir    string // <dataDir>/ai-cli/transcripts (shared with providers)
	AudioDir         string
	AudioKeep        int

	CLIBinary string // the non-interactive CLI invoked by parent/subtask stages, e.g. "codex"
	CLIArgs   []string // fixed flags preceding the prompt, e.g. {"exec", "--full-auto"}

	Personas *persona.Registry
	LLM      narrate.LLMClient
	TTS      narrate.TTSClient
	Browser  BrowserDriver
}

// Orchestrator owns the live run set and dispatches each run's pipeline on
// its own goroutine.
type Orchestrator struct {
	cfg Config

	mu   sync.Mutex
	runs map[string]*Run

	sharedRepos *pathguard.Guard
}

// NewOrchestrator builds an Orchestrator, resolving the shared-repos
// allowlist root up front (§5 path policy).
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	guard, err := pathguard.New(cfg.SharedReposRoot)
	if err != nil {
		return nil, err
	}
	if cfg.CLIBinary == "" {
		cfg.CLIBinary = "codex"
	}
	if len(cfg.CLIArgs) == 0 {
		cfg.CLIArgs = []string{"exec", "--full-auto", "--skip-git-repo-check"}
	}
	if cfg.AudioKeep == 0 {
		cfg.AudioKeep = 60
	}
	return &Orchestrator{cfg: cfg, runs: make(map[string]*Run), sharedRepos: guard}, nil
}

// CreateRun validates task, constructs a Run in the "created" state, and
// launches its pipeline goroutine. Returns the run immediately; callers poll
// GetRun or attach a WebSocket to observe progress.
func (o *Orchestrator) CreateRun(task TaskInput) (*Run, error) {
	if task.Title == "" || task.RepoPath == "" || task.Objective == "" {
		return nil, apperr.New(apperr.InvalidInput, "title, repoPath, and objective are required")
	}
	if task.SubtaskCount < 0 || task.SubtaskCount > MaxSubtasks {
		return nil, apperr.New(apperr.InvalidInput, "subtaskCount must be in [0,%d]", MaxSubtasks)
	}

	p, err := o.cfg.Personas.Select(task.PersonaMode, task.PersonaID)
	if err != nil {
		return nil, err
	}

	runID := id.New()
	artifactRoot := filepath.Join(o.cfg.ArtifactsRoot, runID)
	if err := os.MkdirAll(artifactRoot, 0o755); err != nil {
		return nil, err
	}
	artifactGuard, err := pathguard.New(artifactRoot)
	if err != nil {
		return nil, err
	}

	run := newRun(runID, task, p, o.cfg.TranscriptDir, artifactGuard, o.scheduleSnapshot)

	o.mu.Lock()
	o.runs[runID] = run
	o.mu.Unlock()

	go o.execute(run)
	return run, nil
}

// GetRun returns the in-memory run if present, else reads its snapshot from
// disk (§4.14 get_run).
func (o *Orchestrator) GetRun(runID string) (*Run, *RunSnapshot, error) {
	o.mu.Lock()
	run, ok := o.runs[runID]
	o.mu.Unlock()
	if ok {
		return run, nil, nil
	}
	snap, err := o.readSnapshot(runID)
	if err != nil {
		if appErr, ok := apperr.As(err); ok {
			return nil, nil, appErr
		}
		return nil, nil, apperr.New(apperr.UnknownTarget, "unknown run %q", runID)
	}
	return nil, snap, nil
}

// ListRuns merges in-memory runs with on-disk snapshots not currently live,
// sorted by updatedAt (or createdAt) descending, capped at 100 (§4.14).
func (o *Orchestrator) ListRuns() []RunSnapshot {
	o.mu.Lock()
	live := make(map[string]RunSnapshot, len(o.runs))
	out := make([]RunSnapshot, 0, len(o.runs))
	for id, r := range o.runs {
		snap := r.toSnapshot()
		live[id] = snap
		out = append(out, snap)
	}
	o.mu.Unlock()

	entries, err := os.ReadDir(o.cfg.RunsRoot)
	if err == nil {
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			runID := trimJSONSuffix(e.Name())
			if runID == "" {
				continue
			}
			if _, isLive := live[runID]; isLive {
				continue
			}
			if snap, err := o.readSnapshot(runID); err == nil {
				out = append(out, *snap)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].sortKey().After(out[j].sortKey())
	})
	if len(out) > 100 {
		out = out[:100]
	}
	return out
}

// StopRun requests cancellation of a live run.
func (o *Orchestrator) StopRun(runID string) error {
	o.mu.Lock()
	run, ok := o.runs[runID]
	o.mu.Unlock()
	if !ok {
		return apperr.New(apperr.UnknownTarget, "unknown run %q", runID)
	}
	run.RequestCancel()
	return nil
}

// SweepIdleChannels stops any live run's channel that has had zero attached
// sinks for at least channel.IdleTimeout (SPEC_FULL §10 item 1). The
// channel is respawned the next stage that calls channelFor for the same
// name, since Channel.Start is idempotent but re-spawning once stopped.
func (o *Orchestrator) SweepIdleChannels(ctx context.Context) {
	o.mu.Lock()
	runs := make([]*Run, 0, len(o.runs))
	for _, r := range o.runs {
		runs = append(runs, r)
	}
	o.mu.Unlock()

	for _, r := range runs {
		r.mu.Lock()
		channels := make([]*channel.Channel, 0, len(r.Channels))
		for _, ch := range r.Channels {
			channels = append(channels, ch)
		}
		r.mu.Unlock()

		for _, ch := range channels {
			if d, ok := ch.IdleFor(); ok && d >= channel.IdleTimeout {
				_ = ch.RequestStop(ctx)
			}
		}
	}
}

func (o *Orchestrator) execute(run *Run) {
	runPipeline(run, o.cfg)
	o.scheduleSnapshot(run)
}

// scheduleSnapshot writes run's snapshot to disk, debounced per run so a
// burst of rapid stage transitions collapses into one write (SPEC_FULL
// open-question decision, §11).
var snapshotTimers sync.Map // runID -> *time.Timer

func (o *Orchestrator) scheduleSnapshot(run *Run) {
	key := run.ID
	if v, ok := snapshotTimers.Load(key); ok {
		v.(*time.Timer).Stop()
	}
	timer := time.AfterFunc(snapshotDebounce, func() {
		_ = o.writeSnapshot(run)
		snapshotTimers.Delete(key)
	})
	snapshotTimers.Store(key, timer)
}

func (o *Orchestrator) writeSnapshot(run *Run) error {
	snap := run.toSnapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(o.cfg.RunsRoot, 0o755); err != nil {
		return err
	}
	path := filepath.Join(o.cfg.RunsRoot, run.ID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (o *Orchestrator) readSnapshot(runID string) (*RunSnapshot, error) {
	data, err := os.ReadFile(filepath.Join(o.cfg.RunsRoot, runID+".json"))
	if err != nil {
		return nil, err
	}
	var snap RunSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, apperr.New(apperr.InvalidInput, "corrupt run snapshot")
	}
	return &snap, nil
}

func trimJSONSuffix(name string) string {
	const suffix = ".json"
	if len(name) <= len(suffix) || name[len(name)-len(suffix):] != suffix {
		return ""
	}
	return name[:len(name)-len(suffix)]
}

// runContext returns a context.Context that observes run cancellation,
// exported for the pipeline and stage implementations.
func runContext(run *Run) context.Context { return run.Context() }
