// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package harness

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pi5dash/dashboard-api/internal/apperr"
	"github.com/pi5dash/dashboard-api/internal/persona"
)

// runPipeline drives run through every stage in StageOrder, transitioning
// the run's overall status as it goes, then writes the final run summary
// (§4.9, §4.13). It is the single goroutine body launched by
// Orchestrator.CreateRun.
func runPipeline(run *Run, cfg Config) {
	now := time.Now()
	run.mu.Lock()
	run.Status = RunRunning
	run.StartedAt = &now
	run.mu.Unlock()
	run.touch()

	var failedStage StageName
	var runErr error

	for _, name := range StageOrder {
		if run.isCancelRequested() {
			recordStageResult(run, name, StageSkipped, "run cancelled")
			continue
		}
		if runErr != nil {
			recordStageResult(run, name, StageSkipped, "earlier stage failed")
			continue
		}

		run.mu.Lock()
		run.CurrentStage = name
		run.mu.Unlock()
		beginStage(run, name)

		skip, detail, err := runStage(run, cfg, name)
		switch {
		case err != nil:
			if apperrVal, ok := apperr.As(err); ok && apperrVal.Kind == apperr.Cancelled {
				finishStage(run, name, StageSkipped, err.Error())
			} else {
				finishStage(run, name, StageFailed, err.Error())
				failedStage = name
				runErr = err
			}
		case skip:
			finishStage(run, name, StageSkipped, detail)
		default:
			finishStage(run, name, StageCompleted, detail)
		}
	}

	run.jobs.cancelAll()

	finished := time.Now()
	run.mu.Lock()
	run.FinishedAt = &finished
	switch {
	case run.isCancelRequested():
		run.Status = RunCancelled
	case runErr != nil:
		run.Status = RunFailed
		run.Error = runErr.Error()
	default:
		run.Status = RunCompleted
	}
	run.mu.Unlock()

	buildRunSummary(run, cfg, failedStage)
	run.touch()
}

func beginStage(run *Run, name StageName) {
	s := run.stage(name)
	now := time.Now()
	run.mu.Lock()
	s.Status = StageRunning
	s.StartedAt = &now
	run.mu.Unlock()
	run.touch()
}

func finishStage(run *Run, name StageName, status StageStatus, detail string) {
	s := run.stage(name)
	now := time.Now()
	run.mu.Lock()
	s.Status = status
	s.FinishedAt = &now
	if s.StartedAt != nil {
		s.DurationMs = now.Sub(*s.StartedAt).Milliseconds()
	}
	s.Detail = detail
	run.mu.Unlock()
	run.touch()
}

// recordStageResult marks a stage that never ran (cascading skip after a
// cancellation or an earlier failure) without a start/finish pair.
func recordStageResult(run *Run, name StageName, status StageStatus, detail string) {
	s := run.stage(name)
	run.mu.Lock()
	s.Status = status
	s.Detail = detail
	run.mu.Unlock()
	run.touch()
}

// runStage dispatches to one stage's contract. skip=true means "no-op due
// to missing input" (§4.9's running -> skipped transition).
func runStage(run *Run, cfg Config, name StageName) (skip bool, detail string, err error) {
	if run.isCancelRequested() {
		return false, "", apperr.New(apperr.Cancelled, "run cancelled before stage %s", name)
	}
	switch name {
	case StageInit:
		return stageInit(run, cfg)
	case StageWorktreePrepare:
		return stageWorktreePrepare(run, cfg)
	case StageArtifactScaffold:
		return stageArtifactScaffold(run, cfg)
	case StageParentPlan:
		return stageParentPlan(run, cfg)
	case StageSubtaskFanout:
		return stageSubtaskFanout(run, cfg)
	case StageSubtaskCollect:
		return stageSubtaskCollect(run, cfg)
	case StageParentIntegrate:
		return stageParentIntegrate(run, cfg)
	case StageTestVerify:
		return stageTestVerify(run, cfg)
	case StageSelfReview:
		return stageSelfReview(run, cfg)
	case StageBrowserValidation:
		return stageBrowserValidation(run, cfg)
	case StageFinalizeCommitPush:
		return stageFinalizeCommitPush(run, cfg)
	default:
		return false, "", fmt.Errorf("unknown stage %q", name)
	}
}

// ---- init ----------------------------------------------------------------

func stageInit(run *Run, cfg Config) (bool, string, error) {
	ctx := run.Context()

	sharedRoot, err := canonicalRoot(cfg.SharedReposRoot)
	if err != nil {
		return false, "", err
	}
	repoResolved, err := containedPath(sharedRoot, run.Task.RepoPath)
	if err != nil {
		return false, "", apperr.New(apperr.PathEscape, "repoPath escapes the shared repositories root")
	}

	topLevel, gerr := gitTopLevel(ctx, repoResolved)
	if gerr != nil {
		return false, "", apperr.New(apperr.InvalidInput, "repoPath is not a git repository: %v", gerr)
	}
	if _, err := containedPath(sharedRoot, topLevel); err != nil {
		return false, "", apperr.New(apperr.PathEscape, "repository top-level escapes the shared repositories root")
	}

	baseBranch := run.Task.BaseBranch
	if baseBranch == "" {
		current, berr := gitCurrentBranch(ctx, topLevel)
		if berr != nil {
			return false, "", berr
		}
		if current == "" {
			baseBranch = "main"
		} else {
			baseBranch = current
		}
	}

	run.mu.Lock()
	run.RepoRoot = topLevel
	run.BaseBranch = baseBranch
	run.mu.Unlock()

	cfgJSON, _ := json.MarshalIndent(map[string]any{
		"runId":      run.ID,
		"title":      run.Task.Title,
		"repoRoot":   topLevel,
		"baseBranch": baseBranch,
		"persona":    run.Persona,
	}, "", "  ")
	if _, err := run.WriteArtifact("metadata/config.json", "resolved run configuration", cfgJSON); err != nil {
		return false, "", err
	}

	return false, fmt.Sprintf("resolved repo %s on base branch %s", topLevel, baseBranch), nil
}

// canonicalRoot resolves root's symlinks once so later containment checks
// compare against a canonical path, the same rule pathguard.New applies.
func canonicalRoot(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

// containedPath resolves path's symlinks and checks it is root or a
// descendant of root (equal-or-has-separator-prefix test, §4.10 init).
func containedPath(root, path string) (string, error) {
	if path == "" {
		return "", apperr.New(apperr.InvalidInput, "repoPath is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return "", apperr.New(apperr.PathEscape, "path escapes root")
	}
	return resolved, nil
}

// ---- worktree_prepare ------------------------------------------------------

func stageWorktreePrepare(run *Run, cfg Config) (bool, string, error) {
	ctx := run.Context()

	dirty, err := gitPorcelainStatus(ctx, run.RepoRoot)
	if err != nil {
		return false, "", err
	}
	if len(dirty) > 0 {
		return false, "", apperr.New(apperr.DirtyRepo, "%s", dirtyCountMessage(dirty))
	}

	finalBranch := fmt.Sprintf("harness/%s/%s-%s",
		time.Now().Format("2006-01-02"),
		truncateSlug(persona.Slugify(run.Task.Title), 40),
		lastSix(run.ID))

	baseRoot := filepath.Join(cfg.HarnessWorkspace, "worktrees", run.ID)
	parentPath := filepath.Join(baseRoot, "parent")
	if err := gitWorktreeAdd(ctx, run.RepoRoot, parentPath, finalBranch, run.BaseBranch); err != nil {
		return false, "", err
	}

	layout := WorktreeLayout{
		BaseRoot: baseRoot,
		Parent:   SubtaskWorktree{Name: "parent", Path: parentPath, Branch: finalBranch},
	}

	for i := 1; i <= run.Task.SubtaskCount; i++ {
		if run.isCancelRequested() {
			return false, "", apperr.New(apperr.Cancelled, "run cancelled during worktree_prepare")
		}
		name := fmt.Sprintf("subtask-%d", i)
		path := filepath.Join(baseRoot, name)
		branch := fmt.Sprintf("%s-sub%d", finalBranch, i)
		if err := gitWorktreeAdd(ctx, run.RepoRoot, path, branch, run.BaseBranch); err != nil {
			return false, "", err
		}
		layout.Subtasks = append(layout.Subtasks, SubtaskWorktree{Name: name, Path: path, Branch: branch})
	}

	run.mu.Lock()
	run.Worktrees = layout
	run.FinalBranch = finalBranch
	run.mu.Unlock()

	return false, fmt.Sprintf("prepared %d worktree(s) on %s", 1+len(layout.Subtasks), finalBranch), nil
}

func truncateSlug(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func lastSix(id string) string {
	if len(id) <= 6 {
		return id
	}
	return id[len(id)-6:]
}

// ---- artifact_scaffold -----------------------------------------------------

func stageArtifactScaffold(run *Run, cfg Config) (bool, string, error) {
	docsDir := filepath.Join(run.Worktrees.Parent.Path, "docs", "harness")
	if err := os.MkdirAll(docsDir, 0o755); err != nil {
		return false, "", err
	}
	if err := os.MkdirAll(filepath.Join(docsDir, "subtasks"), 0o755); err != nil {
		return false, "", err
	}

	files := map[string]string{
		"task-spec.md":         taskSpecDoc(run),
		"AGENTS.md":            agentsDoc(run),
		"run-journal.md":       journalSeed(run),
		"review-checklist.md":  reviewChecklistDoc(run),
		"verification-plan.md": verificationPlanDoc(run),
	}
	for name, content := range files {
		abs := filepath.Join(docsDir, name)
		if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
			return false, "", err
		}
		if _, err := run.WriteArtifact(filepath.Join("docs", name), "scaffolded "+name, []byte(content)); err != nil {
			return false, "", err
		}
	}

	for i := 1; i <= run.Task.SubtaskCount; i++ {
		content := subtaskDoc(run, i)
		rel := filepath.Join("subtasks", fmt.Sprintf("subtask-%d.md", i))
		abs := filepath.Join(docsDir, rel)
		if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
			return false, "", err
		}
		if _, err := run.WriteArtifact(filepath.Join("docs", rel), fmt.Sprintf("subtask %d brief", i), []byte(content)); err != nil {
			return false, "", err
		}
	}

	return false, fmt.Sprintf("scaffolded %d doc(s)", len(files)+run.Task.SubtaskCount), nil
}

func taskSpecDoc(run *Run) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", run.Task.Title)
	fmt.Fprintf(&b, "- Run ID: %s\n", run.ID)
	fmt.Fprintf(&b, "- Repo: %s\n", run.RepoRoot)
	fmt.Fprintf(&b, "- Branch: %s\n\n", run.FinalBranch)
	b.WriteString("## Objective\n\n")
	b.WriteString(run.Task.Objective + "\n\n")
	if len(run.Task.SuccessCriteria) > 0 {
		b.WriteString("## Success Criteria\n\n")
		for _, c := range run.Task.SuccessCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
		b.WriteString("\n")
	}
	if len(run.Task.Constraints) > 0 {
		b.WriteString("## Constraints\n\n")
		for _, c := range run.Task.Constraints {
			fmt.Fprintf(&b, "- %s\n", c)
		}
		b.WriteString("\n")
	}
	if len(run.Task.VerificationCommands) > 0 {
		b.WriteString("## Verification Commands\n\n")
		for _, c := range run.Task.VerificationCommands {
			fmt.Fprintf(&b, "- `%s`\n", c)
		}
		b.WriteString("\n")
	}
	if len(run.Task.BrowserScenarios) > 0 {
		b.WriteString("## Browser Scenarios\n\n")
		for _, s := range run.Task.BrowserScenarios {
			fmt.Fprintf(&b, "- %s: %s\n", s.Name, s.URL)
		}
		b.WriteString("\n")
	}
	b.WriteString("## Persona Style Guide\n\n")
	fmt.Fprintf(&b, "%s — %s\n", run.Persona.Name, run.Persona.Personality)
	return b.String()
}

func agentsDoc(run *Run) string {
	return "# Working in this checkout\n\n" +
		"This worktree was prepared by the harness for run " + run.ID + ".\n" +
		"Read docs/harness/task-spec.md first.\n\n" +
		"- Keep changes scoped to the stated objective and constraints.\n" +
		"- Record progress in docs/harness/run-journal.md as you go.\n" +
		"- Subtask checkouts live as sibling directories; do not touch their branches from here.\n"
}

func journalSeed(run *Run) string {
	return "# Run Journal\n\n" + time.Now().UTC().Format(time.RFC3339) + " — run created, docs scaffolded.\n"
}

func reviewChecklistDoc(run *Run) string {
	return "# Review Checklist\n\n" +
		"- [ ] Objective met\n" +
		"- [ ] Success criteria satisfied\n" +
		"- [ ] Constraints respected\n" +
		"- [ ] No unrelated changes\n" +
		"- [ ] Verification commands pass\n"
}

func verificationPlanDoc(run *Run) string {
	var b strings.Builder
	b.WriteString("# Verification Plan\n\n")
	if len(run.Task.VerificationCommands) == 0 {
		b.WriteString("No verification commands were provided for this run.\n")
		return b.String()
	}
	for _, c := range run.Task.VerificationCommands {
		fmt.Fprintf(&b, "- `%s`\n", c)
	}
	return b.String()
}

func subtaskDoc(run *Run, i int) string {
	prompt := subtaskPrompt(run, i)
	return fmt.Sprintf("# Subtask %d\n\n%s\n", i, prompt)
}

// ---- CLI exec helper --------------------------------------------------------

// runCLIExec runs cfg.CLIBinary with cfg.CLIArgs followed by prompt as the
// final argument, inside dir on channel channelName, and returns its
// ANSI-stripped plain output.
func runCLIExec(run *Run, cfg Config, channelName, dir, prompt string) (string, error) {
	ch := run.channelFor(channelName)
	args := append([]string{}, cfg.CLIArgs...)
	args = append(args, prompt)
	command := cfg.CLIBinary
	for _, a := range args {
		command += " " + shellQuote(a)
	}
	result, err := RunPTYCommand(run.Context(), run.jobs, ch, command, dir, nil, true)
	if err != nil {
		return "", err
	}
	return result.Plain, nil
}

// ---- parent_plan ------------------------------------------------------------

func stageParentPlan(run *Run, cfg Config) (bool, string, error) {
	prompt := fmt.Sprintf(
		"You are working in a prepared git worktree for the task %q.\n"+
			"Objective: %s\n"+
			"Produce a concrete implementation plan, write it to docs/harness/parent-plan.md, "+
			"and append a short entry to docs/harness/run-journal.md describing what you planned.",
		run.Task.Title, run.Task.Objective)

	output, err := runCLIExec(run, cfg, "parent", run.Worktrees.Parent.Path, prompt)
	if err != nil {
		return false, "", err
	}
	if _, werr := run.WriteArtifact("parent/plan-output.txt", "parent planning output", []byte(output)); werr != nil {
		return false, "", werr
	}
	return false, "parent plan recorded", nil
}

// ---- subtask_fanout ---------------------------------------------------------

func subtaskPrompt(run *Run, i int) string {
	if i-1 < len(run.Task.SubtaskPrompts) && run.Task.SubtaskPrompts[i-1] != "" {
		return run.Task.SubtaskPrompts[i-1]
	}
	return fmt.Sprintf(
		"You are subtask %d of %d working toward: %s\n"+
			"Objective: %s\n"+
			"Make the changes assigned to this slice of the work in this worktree only, "+
			"and leave a brief note in docs/harness/run-journal.md.",
		i, run.Task.SubtaskCount, run.Task.Title, run.Task.Objective)
}

func stageSubtaskFanout(run *Run, cfg Config) (bool, string, error) {
	if run.Task.SubtaskCount == 0 {
		return true, "no subtasks requested", nil
	}

	type jobOutcome struct {
		index  int
		result SubtaskResult
	}

	resultsCh := make(chan jobOutcome, run.Task.SubtaskCount)
	for i, wt := range run.Worktrees.Subtasks {
		if run.isCancelRequested() {
			return false, "", apperr.New(apperr.Cancelled, "run cancelled before subtask kickoff")
		}
		go func(idx int, worktree SubtaskWorktree) {
			channelName := worktree.Name
			prompt := subtaskPrompt(run, idx+1)
			output, err := runCLIExec(run, cfg, channelName, worktree.Path, prompt)
			if err != nil {
				resultsCh <- jobOutcome{idx, SubtaskResult{OK: false, Channel: channelName, Worktree: worktree.Path, Error: err.Error()}}
				return
			}
			rec, werr := run.WriteArtifact(filepath.Join("subtasks", worktree.Name+"-output.txt"), "subtask output", []byte(output))
			if werr != nil {
				resultsCh <- jobOutcome{idx, SubtaskResult{OK: false, Channel: channelName, Worktree: worktree.Path, Error: werr.Error()}}
				return
			}
			resultsCh <- jobOutcome{idx, SubtaskResult{OK: true, Channel: channelName, Worktree: worktree.Path, ArtifactID: rec.ID}}
		}(i, wt)
	}

	results := make([]SubtaskResult, run.Task.SubtaskCount)
	var anyFailed bool
	for range run.Worktrees.Subtasks {
		out := <-resultsCh
		results[out.index] = out.result
		if !out.result.OK {
			anyFailed = true
		}
	}

	run.mu.Lock()
	run.SubtaskResults = results
	run.mu.Unlock()

	if anyFailed {
		return false, "", apperr.New(apperr.CommandExit, "one or more subtasks failed")
	}
	return false, fmt.Sprintf("%d subtask(s) completed", len(results)), nil
}

// ---- subtask_collect --------------------------------------------------------

func stageSubtaskCollect(run *Run, cfg Config) (bool, string, error) {
	if run.Task.SubtaskCount == 0 {
		return true, "no subtasks requested", nil
	}
	ctx := run.Context()

	type subStatus struct {
		Name    string   `json:"name"`
		Dirty   []string `json:"dirty"`
		Changed []string `json:"changed"`
	}
	var aggregate []subStatus

	for _, wt := range run.Worktrees.Subtasks {
		if run.isCancelRequested() {
			return false, "", apperr.New(apperr.Cancelled, "run cancelled during subtask_collect")
		}
		dirty, err := gitPorcelainStatus(ctx, wt.Path)
		if err != nil {
			return false, "", err
		}
		changed, err := gitDiffNameOnly(ctx, wt.Path)
		if err != nil {
			return false, "", err
		}
		status := subStatus{Name: wt.Name, Dirty: dirty, Changed: changed}
		aggregate = append(aggregate, status)

		data, _ := json.MarshalIndent(status, "", "  ")
		rel := filepath.Join("docs", "harness", "subtasks", wt.Name+"-status.json")
		abs := filepath.Join(run.Worktrees.Parent.Path, rel)
		if err := os.WriteFile(abs, data, 0o644); err != nil {
			return false, "", err
		}
		if _, err := run.WriteArtifact(rel, wt.Name+" git status", data); err != nil {
			return false, "", err
		}
	}

	aggData, _ := json.MarshalIndent(aggregate, "", "  ")
	if _, err := run.WriteArtifact("subtasks/aggregate-status.json", "aggregate subtask status", aggData); err != nil {
		return false, "", err
	}
	return false, fmt.Sprintf("collected status for %d subtask(s)", len(aggregate)), nil
}

// ---- parent_integrate -------------------------------------------------------

func stageParentIntegrate(run *Run, cfg Config) (bool, string, error) {
	if run.Task.SubtaskCount == 0 {
		return true, "no subtasks requested", nil
	}

	var paths []string
	for _, wt := range run.Worktrees.Subtasks {
		paths = append(paths, wt.Path)
	}
	prompt := fmt.Sprintf(
		"Integrate the work from the following subtask worktrees into this parent worktree:\n%s\n\n"+
			"Review each subtask's changes, merge/apply what belongs in the final result, resolve conflicts, "+
			"and note the integration decisions in docs/harness/run-journal.md.",
		strings.Join(paths, "\n"))

	output, err := runCLIExec(run, cfg, "parent", run.Worktrees.Parent.Path, prompt)
	if err != nil {
		return false, "", err
	}
	if _, werr := run.WriteArtifact("parent/integrate-output.txt", "parent integration output", []byte(output)); werr != nil {
		return false, "", werr
	}
	return false, "subtasks integrated into parent", nil
}

// ---- test_verify ------------------------------------------------------------

func runVerificationCommands(run *Run, cmds []string) ([]VerificationResult, bool) {
	var results []VerificationResult
	allOK := true
	ch := run.channelFor("parent")
	for _, cmd := range cmds {
		if run.isCancelRequested() {
			results = append(results, VerificationResult{Command: cmd, OK: false, Output: "cancelled"})
			allOK = false
			continue
		}
		bashCmd := "/bin/bash -lc " + shellQuote(cmd)
		res, err := RunPTYCommand(run.Context(), run.jobs, ch, bashCmd, run.Worktrees.Parent.Path, nil, true)
		vr := VerificationResult{Command: cmd, Code: res.Code, Signal: res.Signal, Output: truncateTail(res.Plain, 5000), OK: res.Code == 0}
		if err != nil {
			vr.OK = false
			vr.Output = err.Error()
		}
		if !vr.OK {
			allOK = false
		}
		results = append(results, vr)
	}
	return results, allOK
}

func stageTestVerify(run *Run, cfg Config) (bool, string, error) {
	if len(run.Task.VerificationCommands) == 0 {
		return true, "no verification commands", nil
	}

	attempt1, ok := runVerificationCommands(run, run.Task.VerificationCommands)
	data1, _ := json.MarshalIndent(attempt1, "", "  ")
	if _, err := run.WriteArtifact("verify/attempt-1.json", "verification attempt 1", data1); err != nil {
		return false, "", err
	}

	if ok {
		run.mu.Lock()
		run.Verification = attempt1
		run.mu.Unlock()
		return false, fmt.Sprintf("%d/%d verification commands passed", len(attempt1), len(attempt1)), nil
	}

	var failing []string
	for _, r := range attempt1 {
		if !r.OK {
			failing = append(failing, r.Command)
		}
	}

	repairPrompt := fmt.Sprintf(
		"The following verification commands failed:\n%s\n\nInspect the failures and fix the underlying issue in this worktree.",
		strings.Join(failing, "\n"))
	if _, err := runCLIExec(run, cfg, "parent", run.Worktrees.Parent.Path, repairPrompt); err != nil {
		return false, "", err
	}

	attempt2, ok2 := runVerificationCommands(run, failing)
	data2, _ := json.MarshalIndent(attempt2, "", "  ")
	if _, err := run.WriteArtifact("verify/attempt-2.json", "verification attempt 2 (repair)", data2); err != nil {
		return false, "", err
	}

	final := mergeVerificationResults(attempt1, attempt2)
	run.mu.Lock()
	run.Verification = final
	run.mu.Unlock()

	if !ok2 {
		return false, "", apperr.New(apperr.CommandExit, "verification still failing after repair pass")
	}
	return false, fmt.Sprintf("%d/%d verification commands passed after repair", len(final), len(final)), nil
}

func mergeVerificationResults(first, retried []VerificationResult) []VerificationResult {
	byCmd := make(map[string]VerificationResult, len(retried))
	for _, r := range retried {
		byCmd[r.Command] = r
	}
	out := make([]VerificationResult, len(first))
	for i, r := range first {
		if updated, ok := byCmd[r.Command]; ok {
			out[i] = updated
		} else {
			out[i] = r
		}
	}
	return out
}

// ---- self_review ------------------------------------------------------------

func stageSelfReview(run *Run, cfg Config) (bool, string, error) {
	prompt := fmt.Sprintf(
		"Perform a final self-review of the changes in this worktree against the objective: %s\n"+
			"Note any remaining gaps or risks in docs/harness/run-journal.md.",
		run.Task.Objective)
	output, err := runCLIExec(run, cfg, "parent", run.Worktrees.Parent.Path, prompt)
	if err != nil {
		return false, "", err
	}
	if _, werr := run.WriteArtifact("parent/self-review.txt", "self-review output", []byte(output)); werr != nil {
		return false, "", werr
	}
	return false, "self-review recorded", nil
}

// ---- browser_validation -----------------------------------------------------

func runBrowserScenarios(run *Run, cfg Config, scenarios []BrowserScenario, browserDir string) ([]BrowserScenarioResult, bool) {
	var results []BrowserScenarioResult
	allOK := true
	for _, scenario := range scenarios {
		if run.isCancelRequested() {
			results = append(results, BrowserScenarioResult{Name: scenario.Name, Error: "cancelled"})
			allOK = false
			continue
		}
		screenshotPath := filepath.Join(browserDir, "browser-"+scenario.Name+".png")
		result := cfg.Browser.RunScenario(run.Context(), scenario, screenshotPath)
		results = append(results, result)
		if !result.OK {
			allOK = false
		}
	}
	return results, allOK
}

func stageBrowserValidation(run *Run, cfg Config) (bool, string, error) {
	if len(run.Task.BrowserScenarios) == 0 {
		return true, "no browser scenarios", nil
	}
	if cfg.Browser == nil || !cfg.Browser.Detect() {
		return false, "", apperr.New(apperr.UnavailableDependency, "no browser driver available for browser_validation")
	}

	browserDir := filepath.Join(run.ArtifactsGuard().Root(), "browser")
	if err := os.MkdirAll(browserDir, 0o755); err != nil {
		return false, "", err
	}

	attempt1, ok := runBrowserScenarios(run, cfg, run.Task.BrowserScenarios, browserDir)
	data1, _ := json.MarshalIndent(attempt1, "", "  ")
	if _, err := run.WriteArtifact("browser/attempt-1.json", "browser validation attempt 1", data1); err != nil {
		return false, "", err
	}

	if ok {
		run.mu.Lock()
		run.BrowserResults = attempt1
		run.mu.Unlock()
		return false, fmt.Sprintf("%d/%d browser scenarios passed", len(attempt1), len(attempt1)), nil
	}

	var failing []BrowserScenario
	var failingNames []string
	for i, r := range attempt1 {
		if !r.OK {
			failing = append(failing, run.Task.BrowserScenarios[i])
			failingNames = append(failingNames, r.Name)
		}
	}

	repairPrompt := fmt.Sprintf(
		"The following browser validation scenarios failed: %s\nInspect and fix the underlying issue in this worktree.",
		strings.Join(failingNames, ", "))
	if _, err := runCLIExec(run, cfg, "parent", run.Worktrees.Parent.Path, repairPrompt); err != nil {
		return false, "", err
	}

	retry, ok2 := runBrowserScenarios(run, cfg, failing, browserDir)
	data2, _ := json.MarshalIndent(retry, "", "  ")
	if _, err := run.WriteArtifact("browser/attempt-2.json", "browser validation attempt 2 (repair)", data2); err != nil {
		return false, "", err
	}

	final := mergeBrowserResults(attempt1, retry)
	run.mu.Lock()
	run.BrowserResults = final
	run.mu.Unlock()

	if !ok2 {
		return false, "", apperr.New(apperr.CommandExit, "browser validation still failing after repair pass")
	}
	return false, fmt.Sprintf("%d/%d browser scenarios passed after repair", len(final), len(final)), nil
}

func mergeBrowserResults(first, retried []BrowserScenarioResult) []BrowserScenarioResult {
	byName := make(map[string]BrowserScenarioResult, len(retried))
	for _, r := range retried {
		byName[r.Name] = r
	}
	out := make([]BrowserScenarioResult, len(first))
	for i, r := range first {
		if updated, ok := byName[r.Name]; ok {
			out[i] = updated
		} else {
			out[i] = r
		}
	}
	return out
}

// ---- finalize_commit_push --------------------------------------------------

func stageFinalizeCommitPush(run *Run, cfg Config) (bool, string, error) {
	ctx := run.Context()
	dir := run.Worktrees.Parent.Path

	if err := gitAddAll(ctx, dir); err != nil {
		return false, "", err
	}
	dirty, err := gitPorcelainStatus(ctx, dir)
	if err != nil {
		return false, "", err
	}
	if len(dirty) == 0 {
		appendJournal(dir, "finalize_commit_push: no changes to commit, skipping.")
		result := PushResult{
			OK:      true,
			Branch:  run.FinalBranch,
			Skipped: true,
			Reason:  "clean working tree",
		}
		run.mu.Lock()
		run.PushResult = &result
		run.mu.Unlock()
		return true, "no changes", nil
	}

	message := commitMessage(run)
	if _, err := gitCommit(ctx, dir, message); err != nil {
		return false, "", err
	}
	commit, err := gitRevParseHEAD(ctx, dir)
	if err != nil {
		return false, "", err
	}
	run.mu.Lock()
	run.FinalCommit = commit
	run.mu.Unlock()

	pushOut, pushErr := gitPush(ctx, dir, run.FinalBranch)
	result := PushResult{
		Branch: run.FinalBranch,
		Remote: "origin",
		Output: truncateTail(pushOut, 4000),
	}
	if pushErr != nil {
		result.OK = false
		result.Code = 1
	} else {
		result.OK = true
	}
	run.mu.Lock()
	run.PushResult = &result
	run.mu.Unlock()

	if pushErr != nil {
		return false, "", apperr.New(apperr.CommandExit, "git push failed: %s", result.Output)
	}
	return false, fmt.Sprintf("committed %s and pushed to origin/%s", commit, run.FinalBranch), nil
}

func commitMessage(run *Run) string {
	firstLine := "Harness: " + run.Task.Title
	if len(firstLine) > 72 {
		firstLine = firstLine[:72]
	}
	var body strings.Builder
	fmt.Fprintf(&body, "\n\nRun %s\n\nObjective: %s\n\nSource: dashboard harness orchestrator\n", run.ID, run.Task.Objective)
	return firstLine + body.String()
}

func appendJournal(parentDir, line string) {
	path := filepath.Join(parentDir, "docs", "harness", "run-journal.md")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s — %s\n", time.Now().UTC().Format(time.RFC3339), line)
}

// ---- run summary (§4.13) ----------------------------------------------------

func buildRunSummary(run *Run, cfg Config, failedStage StageName) {
	deterministic := deterministicRunSummary(run, failedStage)
	summary := deterministic

	if cfg.LLM != nil {
		prompt := fmt.Sprintf(
			"Rewrite the following harness run summary in at most 180 words, keeping every fact, "+
				"for a developer reading it after the fact:\n\n%s", deterministic)
		if out, err := cfg.LLM.Complete(run.Context(), prompt); err == nil {
			if trimmed := strings.TrimSpace(out); trimmed != "" {
				summary = trimmed
			}
		}
	}

	run.mu.Lock()
	run.SummaryText = summary
	run.mu.Unlock()

	_, _ = run.WriteArtifact("summary/final-summary.txt", "final run summary", []byte(summary))
}

func deterministicRunSummary(run *Run, failedStage StageName) string {
	run.mu.Lock()
	status := run.Status
	completed, total, skipped := 0, len(run.Stages), 0
	for _, s := range run.Stages {
		switch s.Status {
		case StageCompleted:
			completed++
		case StageSkipped:
			skipped++
		}
	}
	verification := run.Verification
	browserResults := run.BrowserResults
	push := run.PushResult
	commit := run.FinalCommit
	branch := run.FinalBranch
	repoRoot := run.RepoRoot
	run.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "Run %s (%s): status=%s\n", run.ID, run.Task.Title, status)
	fmt.Fprintf(&b, "Repo: %s  Branch: %s  Commit: %s\n", repoRoot, branch, orDash(commit))
	if failedStage != "" {
		fmt.Fprintf(&b, "First failed stage: %s\n", failedStage)
	}
	fmt.Fprintf(&b, "Stages: %d/%d completed (skipped %d)\n", completed, total, skipped)
	if len(verification) > 0 {
		okCount := 0
		for _, v := range verification {
			if v.OK {
				okCount++
			}
		}
		fmt.Fprintf(&b, "Verification: %d/%d commands passed\n", okCount, len(verification))
	}
	if len(browserResults) > 0 {
		okCount := 0
		for _, r := range browserResults {
			if r.OK {
				okCount++
			}
		}
		fmt.Fprintf(&b, "Browser scenarios: %d/%d passed\n", okCount, len(browserResults))
	}
	if push != nil {
		if push.Skipped {
			fmt.Fprintf(&b, "Push: skipped (%s), branch=%s\n", push.Reason, push.Branch)
		} else {
			fmt.Fprintf(&b, "Push: ok=%v branch=%s remote=%s\n", push.OK, push.Branch, push.Remote)
		}
	}
	return b.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

