// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package harness implements the Harness Orchestrator (§3.5, §4.9–§4.14): a
// staged pipeline that takes a task description, prepares isolated git
// worktrees, fans a CLI assistant out across parallel subtasks, verifies and
// repairs the result, optionally drives a headless browser against it, and
// commits/pushes the outcome.
//
// Grounded on the teacher's internal/sessions orchestration (no longer
// present in this tree): a fixed, named stage list driven by one goroutine
// per run, with a mutex-guarded struct as the single source of truth for
// status, broadcast on every transition. The stage contracts themselves
// (worktree layout, artifact scaffolding, repair-retry semantics) have no
// teacher analogue and are built directly from the specification.
package harness

import (
	"context"
	"sync"
	"time"

	"github.com/pi5dash/dashboard-api/internal/channel"
	"github.com/pi5dash/dashboard-api/internal/pathguard"
	"github.com/pi5dash/dashboard-api/internal/persona"
)

// StageName identifies one of the fixed pipeline stages, in execution order.
type StageName string

const (
	StageInit               StageName = "init"
	StageWorktreePrepare     StageName = "worktree_prepare"
	StageArtifactScaffold    StageName = "artifact_scaffold"
	StageParentPlan          StageName = "parent_plan"
	StageSubtaskFanout       StageName = "subtask_fanout"
	StageSubtaskCollect      StageName = "subtask_collect"
	StageParentIntegrate     StageName = "parent_integrate"
	StageTestVerify          StageName = "test_verify"
	StageSelfReview          StageName = "self_review"
	StageBrowserValidation   StageName = "browser_validation"
	StageFinalizeCommitPush  StageName = "finalize_commit_push"
)

// StageOrder is the fixed, total order stages execute in (§4.9).
var StageOrder = []StageName{
	StageInit,
	StageWorktreePrepare,
	StageArtifactScaffold,
	StageParentPlan,
	StageSubtaskFanout,
	StageSubtaskCollect,
	StageParentIntegrate,
	StageTestVerify,
	StageSelfReview,
	StageBrowserValidation,
	StageFinalizeCommitPush,
}

// StageStatus is one of a stage's five lifecycle states.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// Stage is one pipeline step's tracked progress.
type Stage struct {
	Name        StageName   `json:"name"`
	Status      StageStatus `json:"status"`
	StartedAt   *time.Time  `json:"startedAt,omitempty"`
	FinishedAt  *time.Time  `json:"finishedAt,omitempty"`
	DurationMs  int64       `json:"durationMs,omitempty"`
	Detail      string      `json:"detail,omitempty"`
}

// RunStatus is the overall lifecycle status of a Run.
type RunStatus string

const (
	RunCreated   RunStatus = "created"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// MaxSubtasks bounds task.subtaskCount (§3.5).
const MaxSubtasks = 3

// BrowserScenario is one scripted browser validation step (§4.10
// browser_validation).
type BrowserScenario struct {
	Name           string   `json:"name"`
	URL            string   `json:"url"`
	TimeoutSeconds int      `json:"timeoutSeconds,omitempty"`
	WaitForSelector string  `json:"waitForSelector,omitempty"`
	WaitForText    string   `json:"waitForText,omitempty"`
	Fill           []FillStep `json:"fill,omitempty"`
	Click          []string `json:"click,omitempty"`
}

// FillStep types text into one form field before a scenario's clicks run.
type FillStep struct {
	Selector string `json:"selector"`
	Value    string `json:"value"`
}

// TaskInput is the immutable task description a run is created from (§3.5,
// §6.2 POST /api/harness/runs body).
type TaskInput struct {
	Title               string            `json:"title"`
	RepoPath            string            `json:"repoPath"`
	Objective           string            `json:"objective"`
	SuccessCriteria     []string          `json:"successCriteria,omitempty"`
	Constraints         []string          `json:"constraints,omitempty"`
	BaseBranch          string            `json:"baseBranch,omitempty"`
	SubtaskCount        int               `json:"subtaskCount"`
	VerificationCommands []string         `json:"verificationCommands,omitempty"`
	BrowserScenarios    []BrowserScenario `json:"browserScenarios,omitempty"`
	SubtaskPrompts      []string          `json:"subtaskPrompts,omitempty"`
	PersonaMode         string            `json:"personaMode,omitempty"`
	PersonaID           string            `json:"personaId,omitempty"`
}

// SubtaskWorktree is one subtask's isolated git worktree.
type SubtaskWorktree struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Branch string `json:"branch"`
}

// WorktreeLayout is the run's full set of prepared worktrees (§4.10
// worktree_prepare).
type WorktreeLayout struct {
	BaseRoot string            `json:"baseRoot"`
	Parent   SubtaskWorktree   `json:"parent"`
	Subtasks []SubtaskWorktree `json:"subtasks"`
}

// SubtaskResult is one subtask_fanout job's outcome (§4.10).
type SubtaskResult struct {
	OK         bool   `json:"ok"`
	Channel    string `json:"channel"`
	Worktree   string `json:"worktree"`
	ArtifactID string `json:"artifactId,omitempty"`
	Error      string `json:"error,omitempty"`
}

// PushResult is the outcome of the finalize_commit_push stage's `git push`.
// Skipped distinguishes "nothing to push, tree was already clean" from a
// real push, which OK alone cannot: both leave OK true (§4.10, §8 Testable
// Property 9).
type PushResult struct {
	OK      bool   `json:"ok"`
	Code    int    `json:"code"`
	Branch  string `json:"branch"`
	Remote  string `json:"remote"`
	Output  string `json:"output,omitempty"`
	Skipped bool   `json:"skipped,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// VerificationResult is one verification command's outcome (§4.10
// test_verify).
type VerificationResult struct {
	Command string `json:"command"`
	OK      bool   `json:"ok"`
	Code    int    `json:"code"`
	Signal  string `json:"signal,omitempty"`
	Output  string `json:"output"`
}

// BrowserScenarioResult is one scenario's outcome (§4.10 browser_validation).
type BrowserScenarioResult struct {
	Name           string   `json:"name"`
	OK             bool     `json:"ok"`
	ScreenshotPath string   `json:"screenshotPath,omitempty"`
	ConsoleErrors  []string `json:"consoleErrors,omitempty"`
	PageErrors     []string `json:"pageErrors,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// jobTable holds cancel functions for in-flight subprocess runners, keyed by
// an opaque job id, cleared in the pipeline's finally block (§4.11).
type jobTable struct {
	mu   sync.Mutex
	jobs map[string]context.CancelFunc
}

func newJobTable() *jobTable {
	return &jobTable{jobs: make(map[string]context.CancelFunc)}
}

func (t *jobTable) register(id string, cancel context.CancelFunc) {
	t.mu.Lock()
	t.jobs[id] = cancel
	t.mu.Unlock()
}

func (t *jobTable) unregister(id string) {
	t.mu.Lock()
	delete(t.jobs, id)
	t.mu.Unlock()
}

func (t *jobTable) cancelAll() {
	t.mu.Lock()
	jobs := t.jobs
	t.jobs = make(map[string]context.CancelFunc)
	t.mu.Unlock()
	for _, cancel := range jobs {
		cancel()
	}
}

// Run is one harness execution (§3.5).
type Run struct {
	ID string

	CreatedAt  time.Time
	UpdatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time

	Status          RunStatus
	cancelRequested bool
	CurrentStage    StageName
	Error           string

	ctx    context.Context
	cancel context.CancelFunc

	Task TaskInput

	Persona persona.Persona

	RepoRoot   string
	BaseBranch string

	Worktrees WorktreeLayout

	Channels map[string]*channel.Channel

	Stages []*Stage

	Artifacts   []ArtifactRecord
	artifactSeq int

	SummaryText string

	FinalBranch string
	FinalCommit string
	PushResult  *PushResult

	SubtaskResults []SubtaskResult
	Verification   []VerificationResult
	BrowserResults []BrowserScenarioResult

	jobs *jobTable
	mu   sync.Mutex

	onChange func(*Run)

	transcriptDir string
	artifacts     *pathguard.Guard
}

// newRun constructs a freshly created run with all stages pending, in order.
func newRun(id string, task TaskInput, p persona.Persona, transcriptDir string, artifacts *pathguard.Guard, onChange func(*Run)) *Run {
	stages := make([]*Stage, 0, len(StageOrder))
	for _, name := range StageOrder {
		stages = append(stages, &Stage{Name: name, Status: StagePending})
	}
	now := time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	return &Run{
		ID:            id,
		CreatedAt:     now,
		UpdatedAt:     now,
		Status:        RunCreated,
		Task:          task,
		Persona:       p,
		Channels:      make(map[string]*channel.Channel),
		Stages:        stages,
		jobs:          newJobTable(),
		onChange:      onChange,
		transcriptDir: transcriptDir,
		artifacts:     artifacts,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Context returns a context cancelled the moment RequestCancel is called,
// used by subprocess runners to unblock a pending wait immediately.
func (r *Run) Context() context.Context { return r.ctx }

// channelFor returns the run's channel named name, creating it on first use.
// Run channels are reusable across stages: each stage that needs to run a
// command in, say, the parent worktree calls channelFor("parent") and gets
// the same *channel.Channel every time, spawning a fresh child each call
// since the previous one has already exited.
func (r *Run) channelFor(name string) *channel.Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.Channels[name]; ok {
		return ch
	}
	ch := channel.New("run", r.ID, name, channel.MainRingCap,
		channel.NewTranscriptWriter(r.transcriptDir, "run", r.ID, name), nil)
	r.Channels[name] = ch
	return ch
}

// RequestCancel sets the cancellation flag checked at every stage boundary
// and cancels the run's context, unblocking any in-flight subprocess wait.
func (r *Run) RequestCancel() {
	r.mu.Lock()
	r.cancelRequested = true
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (r *Run) isCancelRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelRequested
}

func (r *Run) touch() {
	r.mu.Lock()
	r.UpdatedAt = time.Now()
	onChange := r.onChange
	r.mu.Unlock()
	if onChange != nil {
		onChange(r)
	}
}

func (r *Run) stage(name StageName) *Stage {
	for _, s := range r.Stages {
		if s.Name == name {
			return s
		}
	}
	return nil
}

func (r *Run) nextArtifactID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.artifactSeq++
	return formatArtifactID(r.artifactSeq)
}

func formatArtifactID(seq int) string {
	const digits = "0123456789"
	s := make([]byte, 4)
	for i := 3; i >= 0; i-- {
		s[i] = digits[seq%10]
		seq /= 10
	}
	return "a" + string(s)
}
