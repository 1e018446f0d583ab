// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package providers

import (
	"context"
	"testing"
	"time"

	"github.com/pi5dash/dashboard-api/internal/channel"
	"github.com/pi5dash/dashboard-api/internal/persona"
)

func testProvider(t *testing.T) *Provider {
	t.Helper()
	p := &Provider{
		ID:          "codex",
		Title:       "Codex",
		Binary:      "cat",
		Workspace:   t.TempDir(),
		personaPref: PersonaPreference{Mode: "selected"},
	}
	p.Main = channel.New("provider", p.ID, "main", channel.MainRingCap, nil, nil)
	p.Aux = channel.New("provider", p.ID, "auth", channel.AuthRingCap, nil, nil)
	if err := p.Main.Start("cat", p.Workspace, nil); err != nil {
		t.Fatalf("start main: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		p.Main.RequestStop(ctx)
	})
	return p
}

func testPersonas(t *testing.T) *persona.Registry {
	t.Helper()
	r, err := persona.Load(t.TempDir() + "/missing.json")
	if err != nil {
		t.Fatalf("load personas: %v", err)
	}
	return r
}

func TestComposeAndSendRecordsMarker(t *testing.T) {
	p := testProvider(t)
	personas := testPersonas(t)

	marker, err := p.ComposeAndSend(personas, "selected", "aria", "what is the weather")
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if marker.PersonaID != "aria" {
		t.Errorf("got persona %q, want aria", marker.PersonaID)
	}
	if marker.Preview != "what is the weather" {
		t.Errorf("unexpected preview: %q", marker.Preview)
	}
	if p.LastComposer() != marker {
		t.Errorf("LastComposer did not return the recorded marker")
	}
	if p.personaPref.PersonaID != "aria" {
		t.Errorf("persona preference was not updated")
	}
}

func TestComposeAndSendFailsWhenMainNotRunning(t *testing.T) {
	p := &Provider{ID: "codex", Binary: "cat", Workspace: t.TempDir()}
	p.Main = channel.New("provider", p.ID, "main", channel.MainRingCap, nil, nil)
	p.Aux = channel.New("provider", p.ID, "auth", channel.AuthRingCap, nil, nil)

	_, err := p.ComposeAndSend(testPersonas(t), "selected", "aria", "hello")
	if err == nil {
		t.Fatalf("expected an error when main channel is not running")
	}
}

func TestNarrateLastFailsWithoutComposerInteraction(t *testing.T) {
	p := testProvider(t)
	_, err := p.NarrateLast(context.Background(), testPersonas(t), "", "", nil, nil, "", 0)
	if err == nil {
		t.Fatalf("expected NoComposerInteraction error")
	}
}

func TestNarrateLastHonorsExplicitPersonaOverride(t *testing.T) {
	p := testProvider(t)
	personas := testPersonas(t)

	if _, err := p.ComposeAndSend(personas, "selected", "aria", "say hi"); err != nil {
		t.Fatalf("compose: %v", err)
	}

	// Feed the channel's PTY (a "cat" echo) some bytes so a segment is
	// recorded after the composer marker.
	if err := p.Main.WriteInput([]byte("hello from the assistant\n")); err != nil {
		t.Fatalf("write input: %v", err)
	}
	waitForSegments(t, p.Main)

	result, err := p.NarrateLast(context.Background(), personas, "selected", "flint", nil, nil, "", 0)
	if err != nil {
		t.Fatalf("narrate: %v", err)
	}
	if result.SummaryText == "" {
		t.Errorf("expected a non-empty deterministic summary")
	}
}

func waitForSegments(t *testing.T, ch *channel.Channel) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(ch.SegmentsSince(0)) > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for channel output segments")
}
