// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package harness

import (
	"context"

	"github.com/pi5dash/dashboard-api/internal/apperr"
	"github.com/pi5dash/dashboard-api/internal/narrate"
	"github.com/pi5dash/dashboard-api/internal/persona"
)

// NarrateSummary implements the narrator's harness path (§4.8, §6.2
// narrate-summary): no extraction step, just hand the run's already-built
// summary text to narrate.Narrate under the resolved persona's voice.
// Persona resolution is explicit override (mode/personaID) first, else the
// run's own persona. Fails NoCapturedOutput if summaryText is empty (the
// run hasn't reached a finalize step yet).
func (o *Orchestrator) NarrateSummary(ctx context.Context, runID, summaryText string, runPersona persona.Persona, mode, personaID string) (narrate.Result, error) {
	if summaryText == "" {
		return narrate.Result{}, apperr.New(apperr.NoCapturedOutput, "run %q has no summary text to narrate yet", runID)
	}

	style := narrate.PersonaStyle{ID: runPersona.ID, Name: runPersona.Name, VoiceID: runPersona.VoiceID, Personality: runPersona.Personality}
	if mode != "" {
		if chosen, err := o.cfg.Personas.Select(mode, personaID); err == nil {
			style = narrate.PersonaStyle{ID: chosen.ID, Name: chosen.Name, VoiceID: chosen.VoiceID, Personality: chosen.Personality}
		}
	}

	result := narrate.Narrate(ctx, summaryText, style, "run-"+runID, o.cfg.LLM, o.cfg.TTS)
	return result, nil
}
