// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package harness

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"

	"github.com/pi5dash/dashboard-api/internal/apperr"
)

// runGit runs `git <args...>` in dir and returns merged stdout+stderr,
// trimmed. Non-zero exit is reported as CommandExit carrying the trimmed
// output so callers get an actionable message without parsing exec.ExitError
// themselves.
func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	out := strings.TrimSpace(buf.String())
	if err != nil {
		if ctx.Err() != nil {
			return out, apperr.New(apperr.Cancelled, "git %s cancelled", strings.Join(args, " "))
		}
		return out, apperr.New(apperr.CommandExit, "git %s: %s", strings.Join(args, " "), out)
	}
	return out, nil
}

// gitTopLevel resolves repoPath's repository root via `git rev-parse
// --show-toplevel` (§4.10 init).
func gitTopLevel(ctx context.Context, repoPath string) (string, error) {
	return runGit(ctx, repoPath, "rev-parse", "--show-toplevel")
}

// gitCurrentBranch returns the checked-out branch name, or "" when detached.
func gitCurrentBranch(ctx context.Context, repoPath string) (string, error) {
	out, err := runGit(ctx, repoPath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	if out == "HEAD" {
		return "", nil
	}
	return out, nil
}

// gitPorcelainStatus returns the `git status --porcelain` lines, one per
// dirty entry, empty when clean.
func gitPorcelainStatus(ctx context.Context, repoPath string) ([]string, error) {
	out, err := runGit(ctx, repoPath, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// gitDiffNameOnly lists files with unstaged changes in repoPath (working
// tree against the index).
func gitDiffNameOnly(ctx context.Context, repoPath string) ([]string, error) {
	out, err := runGit(ctx, repoPath, "diff", "--name-only")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// gitWorktreeAdd creates a new worktree at path on a fresh branch based on
// baseBranch.
func gitWorktreeAdd(ctx context.Context, repoPath, path, branch, baseBranch string) error {
	_, err := runGit(ctx, repoPath, "worktree", "add", "-b", branch, path, baseBranch)
	return err
}

// gitRevParseHEAD resolves the current commit sha in dir.
func gitRevParseHEAD(ctx context.Context, dir string) (string, error) {
	return runGit(ctx, dir, "rev-parse", "HEAD")
}

// gitAddAll stages every change in dir.
func gitAddAll(ctx context.Context, dir string) error {
	_, err := runGit(ctx, dir, "add", "-A")
	return err
}

// gitCommit commits staged changes in dir with message.
func gitCommit(ctx context.Context, dir, message string) (string, error) {
	return runGit(ctx, dir, "commit", "-m", message)
}

// gitPush pushes branch to origin with -u, returning the command's full
// merged output (trimmed to its last 4000 chars by the caller per §4.10).
func gitPush(ctx context.Context, dir, branch string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "push", "-u", "origin", branch)
	cmd.Dir = dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	out := strings.TrimSpace(buf.String())
	return out, err
}

// dirtyCountMessage formats the worktree_prepare dirty-repo failure detail.
func dirtyCountMessage(entries []string) string {
	return "repository has " + strconv.Itoa(len(entries)) + " dirty entries"
}
