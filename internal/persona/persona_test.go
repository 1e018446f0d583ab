// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package persona

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	r, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(r.List()) != len(defaultPersonas) {
		t.Fatalf("expected default personas")
	}
}

func TestSelectSelectedFallsBackToFirst(t *testing.T) {
	r := &Registry{list: append([]Persona{}, defaultPersonas...)}
	p, err := r.Select("selected", "does-not-exist")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if p.ID != defaultPersonas[0].ID {
		t.Fatalf("expected fallback to first persona, got %q", p.ID)
	}
}

func TestSelectSelectedFindsMatch(t *testing.T) {
	r := &Registry{list: append([]Persona{}, defaultPersonas...)}
	want := defaultPersonas[1]
	p, err := r.Select("selected", want.ID)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if p.ID != want.ID {
		t.Fatalf("got %q want %q", p.ID, want.ID)
	}
}

func TestSelectRandomReturnsOneOfTheList(t *testing.T) {
	r := &Registry{list: append([]Persona{}, defaultPersonas...)}
	seen := map[string]bool{}
	for _, p := range r.list {
		seen[p.ID] = true
	}
	for i := 0; i < 20; i++ {
		p, err := r.Select("random", "")
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if !seen[p.ID] {
			t.Fatalf("random persona %q not in list", p.ID)
		}
	}
}

func TestPromptTemplateOmitsEmptyPersonality(t *testing.T) {
	p := Persona{Name: "Aria"}
	out := PromptTemplate(p, "codex", "hi")
	if strings.Contains(out, "Persona profile:") {
		t.Fatalf("expected no persona profile line for empty personality, got:\n%s", out)
	}
	p.Personality = "dry wit"
	out = PromptTemplate(p, "codex", "hi")
	if !strings.Contains(out, "Persona profile: dry wit") {
		t.Fatalf("expected persona profile line, got:\n%s", out)
	}
}

func TestSlugify(t *testing.T) {
	if got := Slugify("Dr. Aria Vance"); got != "dr-aria-vance" {
		t.Fatalf("got %q", got)
	}
}

func TestPreviewTruncates(t *testing.T) {
	if got := Preview("abcdef", 3); got != "abc" {
		t.Fatalf("got %q", got)
	}
	if got := Preview("ab", 3); got != "ab" {
		t.Fatalf("got %q", got)
	}
}
