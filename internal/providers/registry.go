// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package providers

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/pi5dash/dashboard-api/internal/apperr"
	"github.com/pi5dash/dashboard-api/internal/channel"
)

// ProviderSpec is the static, compile-time declaration of one supervised CLI
// assistant. The three values in DefaultSpecs are the entire provider
// surface the spec names (§3.2): codex, claude, gemini.
type ProviderSpec struct {
	ID        string
	Title     string
	Binary    string
	Workspace string
	MainArgs  ArgsFactory
	Auth      AuthDescriptor
}

// DefaultSpecs returns the fixed three-provider table, rooted under
// workspaceRoot/<id> for each provider's working directory.
func DefaultSpecs(workspaceRoot string) []ProviderSpec {
	return []ProviderSpec{
		{
			ID:        "codex",
			Title:     "Codex",
			Binary:    "codex",
			Workspace: filepath.Join(workspaceRoot, "codex"),
			MainArgs:  func() []string { return nil },
			Auth: AuthDescriptor{
				LoginArgs:   []string{"login"},
				StatusArgs:  []string{"login", "status"},
				LogoutArgs:  []string{"logout"},
				CanStatus:   true,
				CanLogout:   true,
				ParseStatus: parseKeywordStatus,
			},
		},
		{
			ID:        "claude",
			Title:     "Claude Code",
			Binary:    "claude",
			Workspace: filepath.Join(workspaceRoot, "claude"),
			MainArgs:  func() []string { return nil },
			Auth: AuthDescriptor{
				LoginArgs:   []string{"/login"},
				StatusArgs:  []string{"auth", "status", "--json"},
				LogoutArgs:  []string{"/logout"},
				CanStatus:   true,
				CanLogout:   true,
				ParseStatus: parseJSONLoginStatus,
			},
		},
		{
			ID:        "gemini",
			Title:     "Gemini CLI",
			Binary:    "gemini",
			Workspace: filepath.Join(workspaceRoot, "gemini"),
			MainArgs:  func() []string { return nil },
			Auth: AuthDescriptor{
				LoginArgs: []string{},
				CanStatus: false,
				CanLogout: false,
			},
		},
	}
}

// Registry holds the live Provider set, keyed by ID.
type Registry struct {
	byID map[string]*Provider
	ids  []string
}

// NewRegistry constructs every provider in specs, rooted at transcriptDir for
// persisted channel transcripts.
func NewRegistry(specs []ProviderSpec, transcriptDir string) *Registry {
	r := &Registry{byID: make(map[string]*Provider, len(specs))}
	for _, spec := range specs {
		r.byID[spec.ID] = newProvider(spec, transcriptDir)
		r.ids = append(r.ids, spec.ID)
	}
	return r
}

// Get returns the provider for id, or apperr.UnknownTarget if id names none
// of the registry's providers (§4.5).
func (r *Registry) Get(providerID string) (*Provider, error) {
	p, ok := r.byID[providerID]
	if !ok {
		return nil, apperr.New(apperr.UnknownTarget, "unknown provider %q", providerID)
	}
	return p, nil
}

// List returns every provider's current snapshot, in declaration order.
func (r *Registry) List() []Snapshot {
	out := make([]Snapshot, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, r.byID[id].State())
	}
	return out
}

// All returns the live Provider objects in declaration order, for callers
// that need to act on every provider (e.g. idle-timeout sweeps).
func (r *Registry) All() []*Provider {
	out := make([]*Provider, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, r.byID[id])
	}
	return out
}

// SweepIdle stops any provider's main or auth channel that has had zero
// attached sinks for at least channel.IdleTimeout (SPEC_FULL §10 item 1,
// grounded on the teacher Hub's own idle-timeout self-stop). A swept
// channel is respawned the next time EnsureMain/StartAuth is called.
func (r *Registry) SweepIdle(ctx context.Context) {
	for _, p := range r.All() {
		for _, ch := range []*channel.Channel{p.Main, p.Aux} {
			if d, ok := ch.IdleFor(); ok && d >= channel.IdleTimeout {
				_ = ch.RequestStop(ctx)
			}
		}
	}
}

// runCapturedCommand runs name with args in dir, merging stdout+stderr into
// one string, bounded by timeout. Used for the brief, synchronous auth
// status subcommands (§4.5) — never for the long-running main/auth
// channels, which go through ptyproc via channel.Channel instead.
func runCapturedCommand(ctx context.Context, name string, args []string, dir string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = os.Environ()

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", apperr.New(apperr.CommandExit, "status command timed out: %v", ctx.Err())
		}
		return buf.String(), nil // non-zero exit still carries useful status text
	}
	return buf.String(), nil
}
