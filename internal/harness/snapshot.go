// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package harness

import (
	"time"

	"github.com/pi5dash/dashboard-api/internal/persona"
)

// RunSnapshot is the JSON envelope persisted to
// <harnessRuns>/<runId>.json (§4.12, §4.13, §4.14) and returned verbatim
// from get_run/list_runs for runs no longer held in memory.
type RunSnapshot struct {
	ID string `json:"id"`

	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`

	Status       RunStatus `json:"status"`
	CurrentStage StageName `json:"currentStage,omitempty"`
	Error        string    `json:"error,omitempty"`

	Task    TaskInput      `json:"task"`
	Persona persona.Persona `json:"persona"`

	RepoRoot   string `json:"repoRoot"`
	BaseBranch string `json:"baseBranch"`

	Worktrees WorktreeLayout `json:"worktrees"`

	Stages []Stage `json:"stages"`

	Artifacts []ArtifactRecord `json:"artifacts"`

	SummaryText string `json:"summaryText,omitempty"`

	FinalBranch string      `json:"finalBranch,omitempty"`
	FinalCommit string      `json:"finalCommit,omitempty"`
	PushResult  *PushResult `json:"pushResult,omitempty"`

	SubtaskResults []SubtaskResult         `json:"subtaskResults,omitempty"`
	Verification   []VerificationResult    `json:"verification,omitempty"`
	BrowserResults []BrowserScenarioResult `json:"browserResults,omitempty"`
}

// toSnapshot captures a consistent copy of r's exported state under its
// mutex, the way it would be persisted or returned to an API caller.
func (r *Run) toSnapshot() RunSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	stages := make([]Stage, len(r.Stages))
	for i, s := range r.Stages {
		stages[i] = *s
	}

	return RunSnapshot{
		ID:             r.ID,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		StartedAt:      r.StartedAt,
		FinishedAt:     r.FinishedAt,
		Status:         r.Status,
		CurrentStage:   r.CurrentStage,
		Error:          r.Error,
		Task:           r.Task,
		Persona:        r.Persona,
		RepoRoot:       r.RepoRoot,
		BaseBranch:     r.BaseBranch,
		Worktrees:      r.Worktrees,
		Stages:         stages,
		Artifacts:      append([]ArtifactRecord(nil), r.Artifacts...),
		SummaryText:    r.SummaryText,
		FinalBranch:    r.FinalBranch,
		FinalCommit:    r.FinalCommit,
		PushResult:     r.PushResult,
		SubtaskResults: append([]SubtaskResult(nil), r.SubtaskResults...),
		Verification:   append([]VerificationResult(nil), r.Verification...),
		BrowserResults: append([]BrowserScenarioResult(nil), r.BrowserResults...),
	}
}

// sortKey is the timestamp list_runs sorts by: updatedAt, falling back to
// createdAt for snapshots predating that field (defensive; both are always
// set by toSnapshot in practice).
func (s RunSnapshot) sortKey() time.Time {
	if !s.UpdatedAt.IsZero() {
		return s.UpdatedAt
	}
	return s.CreatedAt
}
