// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package harness

import (
	"path/filepath"

	"github.com/pi5dash/dashboard-api/internal/channel"
	"github.com/pi5dash/dashboard-api/internal/pathguard"
)

// ToSnapshot exposes toSnapshot to callers outside the package (the HTTP
// layer's get_run/narrate-summary handlers).
func (r *Run) ToSnapshot() RunSnapshot {
	return r.toSnapshot()
}

// ListArtifacts returns a copy of the run's recorded artifacts, in the
// order WriteArtifact appended them.
func (r *Run) ListArtifacts() []ArtifactRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ArtifactRecord(nil), r.Artifacts...)
}

// ExistingChannel returns the run's already-created channel named name
// (e.g. "parent" or a subtask worktree's name), without creating one —
// unlike channelFor, used internally by the pipeline stages, a WebSocket
// attach must never spawn a channel that doesn't exist yet.
func (r *Run) ExistingChannel(name string) (*channel.Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.Channels[name]
	return ch, ok
}

// ReadArchivedArtifact reads an artifact belonging to a run that is no
// longer held in memory, resolving relPath against that run's artifact
// root on disk directly rather than through the in-memory Run's guard.
func (o *Orchestrator) ReadArchivedArtifact(runID, relPath string) ([]byte, error) {
	guard, err := pathguard.New(filepath.Join(o.cfg.ArtifactsRoot, runID))
	if err != nil {
		return nil, err
	}
	return guard.Read(relPath)
}
