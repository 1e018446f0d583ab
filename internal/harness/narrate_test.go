// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package harness

import (
	"context"
	"testing"

	"github.com/pi5dash/dashboard-api/internal/persona"
)

func TestNarrateSummaryFailsWithoutSummaryText(t *testing.T) {
	o := testOrchestrator(t)
	_, err := o.NarrateSummary(context.Background(), "run-1", "", persona.Persona{ID: "aria"}, "", "")
	if err == nil {
		t.Fatalf("expected NoCapturedOutput for an empty summary")
	}
}

func TestNarrateSummaryUsesRunPersonaByDefault(t *testing.T) {
	o := testOrchestrator(t)
	runPersona := persona.Persona{ID: "aria", Name: "Aria", VoiceID: "", Personality: "warm"}
	result, err := o.NarrateSummary(context.Background(), "run-1", "the run finished cleanly", runPersona, "", "")
	if err != nil {
		t.Fatalf("NarrateSummary: %v", err)
	}
	if result.SummaryText == "" {
		t.Errorf("expected a non-empty deterministic summary")
	}
	if result.Playlist != nil {
		t.Errorf("expected no playlist without a configured TTS client")
	}
}
