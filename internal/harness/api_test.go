// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pi5dash/dashboard-api/internal/pathguard"
	"github.com/pi5dash/dashboard-api/internal/persona"
)

func newTestRun(t *testing.T) *Run {
	t.Helper()
	artifactRoot := filepath.Join(t.TempDir(), "artifacts")
	if err := os.MkdirAll(artifactRoot, 0o755); err != nil {
		t.Fatalf("mkdir artifacts: %v", err)
	}
	guard, err := pathguard.New(artifactRoot)
	if err != nil {
		t.Fatalf("pathguard.New: %v", err)
	}
	task := TaskInput{Title: "t", RepoPath: "/repo", Objective: "do the thing"}
	p := persona.Persona{ID: "aria", Name: "Aria"}
	return newRun("run-1", task, p, t.TempDir(), guard, nil)
}

func TestToSnapshotExposesUnexportedCapture(t *testing.T) {
	run := newTestRun(t)
	snap := run.ToSnapshot()
	if snap.ID != run.ID {
		t.Fatalf("got id %q, want %q", snap.ID, run.ID)
	}
	if snap.Status != RunCreated {
		t.Fatalf("got status %q, want %q", snap.Status, RunCreated)
	}
}

func TestListArtifactsReturnsACopy(t *testing.T) {
	run := newTestRun(t)
	if _, err := run.WriteArtifact("notes.txt", "plan", []byte("hello")); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	list := run.ListArtifacts()
	if len(list) != 1 {
		t.Fatalf("got %d artifacts, want 1", len(list))
	}
	list[0].Name = "mutated"
	if run.ListArtifacts()[0].Name == "mutated" {
		t.Fatalf("ListArtifacts must return a defensive copy")
	}
}

func TestExistingChannelDoesNotCreate(t *testing.T) {
	run := newTestRun(t)
	if _, ok := run.ExistingChannel("parent"); ok {
		t.Fatalf("expected no channel to exist before channelFor is called")
	}
	run.channelFor("parent")
	ch, ok := run.ExistingChannel("parent")
	if !ok || ch == nil {
		t.Fatalf("expected the channel created by channelFor to be visible")
	}
}

func TestReadArchivedArtifact(t *testing.T) {
	artifactsRoot := t.TempDir()
	runDir := filepath.Join(artifactsRoot, "run-2")
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(runDir, "summary.md"), []byte("# done"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	o := &Orchestrator{cfg: Config{ArtifactsRoot: artifactsRoot}}
	data, err := o.ReadArchivedArtifact("run-2", "summary.md")
	if err != nil {
		t.Fatalf("read archived artifact: %v", err)
	}
	if string(data) != "# done" {
		t.Fatalf("got %q", data)
	}
}
