// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package harness

import (
	"os"
	"testing"
)

func TestWriteSnapshotThenReadSnapshotRoundTrips(t *testing.T) {
	run := newTestRun(t)
	run.SummaryText = "landed the change"
	run.Status = RunCompleted

	o := &Orchestrator{cfg: Config{RunsRoot: t.TempDir()}}
	if err := o.writeSnapshot(run); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	snap, err := o.readSnapshot(run.ID)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if snap.ID != run.ID {
		t.Errorf("got id %q, want %q", snap.ID, run.ID)
	}
	if snap.SummaryText != "landed the change" {
		t.Errorf("got summary %q", snap.SummaryText)
	}
	if snap.Status != RunCompleted {
		t.Errorf("got status %q, want %q", snap.Status, RunCompleted)
	}
}

func TestReadSnapshotRejectsCorruptData(t *testing.T) {
	root := t.TempDir()
	o := &Orchestrator{cfg: Config{RunsRoot: root}}
	run := newTestRun(t)
	if err := o.writeSnapshot(run); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	path := root + "/" + run.ID + ".json"
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("corrupt snapshot file: %v", err)
	}

	if _, err := o.readSnapshot(run.ID); err == nil {
		t.Fatalf("expected an error reading a corrupt snapshot")
	}
}

func TestTrimJSONSuffix(t *testing.T) {
	cases := map[string]string{
		"run-1.json": "run-1",
		"run-1.txt":  "",
		"json":       "",
		"":           "",
	}
	for in, want := range cases {
		if got := trimJSONSuffix(in); got != want {
			t.Errorf("trimJSONSuffix(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSortKeyFallsBackToCreatedAt(t *testing.T) {
	run := newTestRun(t)
	snap := run.toSnapshot()
	snap.UpdatedAt = snap.CreatedAt
	snap.UpdatedAt = snap.UpdatedAt.Add(0)
	if !snap.sortKey().Equal(snap.UpdatedAt) {
		t.Errorf("expected sortKey to prefer UpdatedAt when set")
	}

	var zero RunSnapshot
	zero.CreatedAt = snap.CreatedAt
	if !zero.sortKey().Equal(zero.CreatedAt) {
		t.Errorf("expected sortKey to fall back to CreatedAt when UpdatedAt is zero")
	}
}
