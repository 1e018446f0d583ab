// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package providers

import (
	"context"
	"strings"
	"time"

	"github.com/pi5dash/dashboard-api/internal/apperr"
	"github.com/pi5dash/dashboard-api/internal/narrate"
	"github.com/pi5dash/dashboard-api/internal/persona"
)

// ComposeAndSend implements the persona composer (§3.3, §4.7): resolve a
// persona by mode, render the provider-framed prompt template, write it to
// the provider's main channel, and record a ComposerInteraction marking the
// output sequence at the moment of the write so a later narration call can
// isolate exactly the output that followed.
func (p *Provider) ComposeAndSend(personas *persona.Registry, mode, personaID, userText string) (*ComposerInteraction, error) {
	if !p.Main.IsRunning() {
		return nil, apperr.New(apperr.SessionNotRunning, "provider %q main channel is not running", p.ID)
	}

	chosen, err := personas.Select(mode, personaID)
	if err != nil {
		return nil, err
	}

	prompt := persona.PromptTemplate(chosen, p.ID, userText)
	seqBefore := p.Main.OutputSeq()

	if err := p.Main.WriteInput([]byte(prompt + "\n")); err != nil {
		return nil, err
	}

	marker := &ComposerInteraction{
		ID:           newComposerInteractionID(),
		Ts:           time.Now(),
		SeqBefore:    seqBefore,
		PersonaID:    chosen.ID,
		PersonaName:  chosen.Name,
		PersonaVoice: chosen.VoiceID,
		Mode:         mode,
		Preview:      persona.Preview(userText, 200),
	}
	p.setLastComposer(marker)
	p.setPersonaPreference(PersonaPreference{Mode: mode, PersonaID: chosen.ID})
	p.broadcastState()
	return marker, nil
}

// NarrateLast implements the narrator's provider path (§4.8): gather every
// segment appended to the main channel since the last composer interaction,
// normalize it, and hand it to narrate.Narrate. Persona resolution is
// explicit override (mode/personaID, when mode is non-empty) first, else
// the persona recorded on the composer marker. Fails NoComposerInteraction
// if ComposeAndSend was never called, and NoCapturedOutput if no segments
// were appended since.
func (p *Provider) NarrateLast(ctx context.Context, personas *persona.Registry, mode, personaID string, llm narrate.LLMClient, tts narrate.TTSClient, audioDir string, audioKeep int) (narrate.Result, error) {
	marker := p.LastComposer()
	if marker == nil {
		return narrate.Result{}, apperr.New(apperr.NoComposerInteraction, "provider %q has no composer interaction to narrate", p.ID)
	}

	segments := p.Main.SegmentsSince(marker.SeqBefore)
	if len(segments) == 0 {
		return narrate.Result{}, apperr.New(apperr.NoCapturedOutput, "provider %q has no output captured since the last composer interaction", p.ID)
	}

	var b strings.Builder
	for _, seg := range segments {
		b.WriteString(seg.Text)
	}
	source := narrate.NormalizeExtracted(b.String())

	style := narrate.PersonaStyle{
		ID:      marker.PersonaID,
		Name:    marker.PersonaName,
		VoiceID: marker.PersonaVoice,
	}
	if mode != "" {
		if chosen, err := personas.Select(mode, personaID); err == nil {
			style = narrate.PersonaStyle{ID: chosen.ID, Name: chosen.Name, VoiceID: chosen.VoiceID, Personality: chosen.Personality}
		}
	}

	result := narrate.Narrate(ctx, source, style, p.ID, llm, tts)
	if audioDir != "" && audioKeep > 0 {
		narrate.PruneAudioFiles(audioDir, p.ID, audioKeep)
	}
	return result, nil
}
