// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package harness

import "testing"

func TestStageFinalizeCommitPushSkipsOnCleanTree(t *testing.T) {
	dir := initTestRepo(t)
	run := newTestRun(t)
	run.Worktrees.Parent = SubtaskWorktree{Name: "parent", Path: dir, Branch: "main"}
	run.FinalBranch = "main"

	done, msg, err := stageFinalizeCommitPush(run, Config{})
	if err != nil {
		t.Fatalf("stageFinalizeCommitPush: %v", err)
	}
	if !done {
		t.Fatalf("expected done=true on a clean tree")
	}
	if msg != "no changes" {
		t.Errorf("got message %q, want %q", msg, "no changes")
	}

	run.mu.Lock()
	push := run.PushResult
	run.mu.Unlock()

	if push == nil {
		t.Fatalf("expected a PushResult to be recorded")
	}
	if !push.OK {
		t.Errorf("expected OK=true on a skipped push")
	}
	if !push.Skipped {
		t.Errorf("expected Skipped=true on a clean working tree")
	}
	if push.Reason != "clean working tree" {
		t.Errorf("got reason %q", push.Reason)
	}
	if push.Branch != "main" {
		t.Errorf("got branch %q, want main", push.Branch)
	}
}
