// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package harness

import (
	"context"
	"testing"

	"github.com/pi5dash/dashboard-api/internal/persona"
)

func testOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	personas, err := persona.Load(t.TempDir() + "/missing.json")
	if err != nil {
		t.Fatalf("load personas: %v", err)
	}
	cfg := Config{
		SharedReposRoot:  t.TempDir(),
		HarnessWorkspace: t.TempDir(),
		ArtifactsRoot:    t.TempDir(),
		RunsRoot:         t.TempDir(),
		TranscriptDir:    t.TempDir(),
		Personas:         personas,
	}
	o, err := NewOrchestrator(cfg)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	return o
}

func TestCreateRunRejectsMissingFields(t *testing.T) {
	o := testOrchestrator(t)
	cases := []TaskInput{
		{RepoPath: "/repo", Objective: "do it"},
		{Title: "t", Objective: "do it"},
		{Title: "t", RepoPath: "/repo"},
		{Title: "t", RepoPath: "/repo", Objective: "do it", SubtaskCount: MaxSubtasks + 1},
		{Title: "t", RepoPath: "/repo", Objective: "do it", SubtaskCount: -1},
	}
	for i, task := range cases {
		if _, err := o.CreateRun(task); err == nil {
			t.Errorf("case %d: expected a validation error for %+v", i, task)
		}
	}
}

func TestNewOrchestratorAppliesDefaults(t *testing.T) {
	personas, err := persona.Load(t.TempDir() + "/missing.json")
	if err != nil {
		t.Fatalf("load personas: %v", err)
	}
	o, err := NewOrchestrator(Config{SharedReposRoot: t.TempDir(), Personas: personas})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	if o.cfg.CLIBinary != "codex" {
		t.Errorf("got CLIBinary %q, want codex", o.cfg.CLIBinary)
	}
	if len(o.cfg.CLIArgs) == 0 {
		t.Errorf("expected default CLIArgs to be populated")
	}
	if o.cfg.AudioKeep != 60 {
		t.Errorf("got AudioKeep %d, want 60", o.cfg.AudioKeep)
	}
}

func TestGetRunUnknownReturnsError(t *testing.T) {
	o := testOrchestrator(t)
	run, snap, err := o.GetRun("nonexistent")
	if err == nil || run != nil || snap != nil {
		t.Fatalf("expected an error for an unknown run, got run=%v snap=%v err=%v", run, snap, err)
	}
}

func TestGetRunReturnsLiveRunWithoutTouchingDisk(t *testing.T) {
	o := testOrchestrator(t)
	run := newTestRun(t)
	o.runs[run.ID] = run

	got, snap, err := o.GetRun(run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got != run || snap != nil {
		t.Fatalf("expected the live run to be returned, snap nil")
	}
}

func TestGetRunFallsBackToDiskSnapshot(t *testing.T) {
	o := testOrchestrator(t)
	run := newTestRun(t)
	if err := o.writeSnapshot(run); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	got, snap, err := o.GetRun(run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got != nil || snap == nil || snap.ID != run.ID {
		t.Fatalf("expected a snapshot fallback for a non-live run, got run=%v snap=%v", got, snap)
	}
}

func TestStopRunRequestsCancelOnLiveRunOnly(t *testing.T) {
	o := testOrchestrator(t)
	if err := o.StopRun("nonexistent"); err == nil {
		t.Fatalf("expected an error stopping an unknown run")
	}

	run := newTestRun(t)
	o.runs[run.ID] = run
	if err := o.StopRun(run.ID); err != nil {
		t.Fatalf("StopRun: %v", err)
	}
	select {
	case <-run.Context().Done():
	default:
		t.Fatalf("expected the run's context to be cancelled after StopRun")
	}
}

func TestListRunsMergesLiveAndArchivedSortedByRecency(t *testing.T) {
	o := testOrchestrator(t)

	live := newTestRun(t)
	o.runs[live.ID] = live

	archived := newTestRun(t)
	if err := o.writeSnapshot(archived); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	out := o.ListRuns()
	if len(out) != 2 {
		t.Fatalf("got %d runs, want 2", len(out))
	}
	seen := map[string]bool{}
	for _, snap := range out {
		seen[snap.ID] = true
	}
	if !seen[live.ID] || !seen[archived.ID] {
		t.Fatalf("expected both live and archived runs in the list, got %+v", out)
	}
}

func TestSweepIdleChannelsLeavesNeverStartedChannelsAlone(t *testing.T) {
	o := testOrchestrator(t)

	run := newTestRun(t)
	ch := run.channelFor("parent")
	o.runs[run.ID] = run

	// ch has never been started, so IdleFor reports false and the sweep
	// must not touch it.
	o.SweepIdleChannels(context.Background())

	if ch.IsRunning() {
		t.Fatalf("sweep should not have started a never-started channel")
	}
}
