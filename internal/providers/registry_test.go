// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package providers

import (
	"context"
	"testing"
)

func TestDefaultSpecsCoversTheThreeProviders(t *testing.T) {
	specs := DefaultSpecs(t.TempDir())
	if len(specs) != 3 {
		t.Fatalf("got %d specs, want 3", len(specs))
	}
	ids := map[string]bool{}
	for _, s := range specs {
		ids[s.ID] = true
	}
	for _, want := range []string{"codex", "claude", "gemini"} {
		if !ids[want] {
			t.Errorf("missing provider spec %q", want)
		}
	}
}

func TestNewRegistryGetAndList(t *testing.T) {
	r := NewRegistry(DefaultSpecs(t.TempDir()), t.TempDir())

	p, err := r.Get("codex")
	if err != nil {
		t.Fatalf("Get(codex): %v", err)
	}
	if p.ID != "codex" {
		t.Errorf("got id %q", p.ID)
	}

	if _, err := r.Get("nonexistent"); err == nil {
		t.Fatalf("expected an error for an unknown provider id")
	}

	list := r.List()
	if len(list) != 3 {
		t.Fatalf("got %d snapshots, want 3", len(list))
	}

	all := r.All()
	if len(all) != 3 {
		t.Fatalf("got %d providers, want 3", len(all))
	}
}

func TestSweepIdleLeavesNeverStartedChannelsAlone(t *testing.T) {
	r := NewRegistry(DefaultSpecs(t.TempDir()), t.TempDir())

	// No channel has ever been started, so IdleFor reports false for all of
	// them and the sweep must be a no-op rather than touching channel state.
	r.SweepIdle(context.Background())

	for _, p := range r.All() {
		if p.Main.IsRunning() || p.Aux.IsRunning() {
			t.Fatalf("provider %q: sweep should not have started or affected any channel", p.ID)
		}
	}
}
