// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package narrate implements the narrator's summarization and optional
// text-to-speech steps (§4.8), shared by the CLI session service (which
// extracts source text from a provider's segment log) and the harness
// orchestrator (which narrates a run's already-built summary text). This
// package owns none of that extraction; callers hand it a source string
// and a persona style guide and get back a summary plus an optional audio
// playlist entry.
//
// Grounded on the teacher's internal/mcp/gateway_client.go for the shape of
// a single outbound JSON-over-HTTP call (build request, set timeout,
// decode response, return trimmed text), generalized from an MCP gateway
// call to an LLM completion call.
package narrate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// LLMClient is the single outbound call the narrator needs: prompt in,
// free-form text out. Concrete implementations live in internal/llmclient.
type LLMClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// TTSClient turns summary text into a hosted audio URL for one voice.
// namePrefix becomes the "cli-<prefix>-*" stem used for the persisted file
// name, matching the pattern PruneAudioFiles later sweeps by. Concrete
// implementations live in internal/ttsclient.
type TTSClient interface {
	Synthesize(ctx context.Context, text, voiceID, namePrefix string) (audioURL string, err error)
}

// PersonaStyle is the narrow slice of a persona the narrator needs: a name
// for the bullet-summary prompt and a personality string for style framing.
type PersonaStyle struct {
	ID          string
	Name        string
	VoiceID     string
	Personality string
}

// PlaylistEntry is the one audio result the narrator ever returns.
type PlaylistEntry struct {
	Title string `json:"title"`
	URL   string `json:"url"`
	Type  string `json:"type"`
	Voice string `json:"voice"`
}

// Result is the narrator's output: always a summary, sometimes audio.
type Result struct {
	SummaryText string         `json:"summaryText"`
	Playlist    *PlaylistEntry `json:"playlist,omitempty"`
}

// minAudioChars is the §4.8 threshold below which TTS is skipped even when
// configured.
const minAudioChars = 20

// Narrate produces a Result from sourceText: an LLM-backed summary when llm
// is non-nil, else the deterministic local summary, followed by optional
// audio synthesis when tts is non-nil and the summary clears minAudioChars.
// Narrate does not prune audio files; the provider-narration caller runs
// PruneAudioFiles as a separate step, since only provider narration
// prunes (§4.8).
func Narrate(ctx context.Context, sourceText string, style PersonaStyle, namePrefix string, llm LLMClient, tts TTSClient) Result {
	summary := summarize(ctx, sourceText, style, llm)
	result := Result{SummaryText: summary}

	if tts != nil && style.VoiceID != "" && len(strings.TrimSpace(summary)) >= minAudioChars {
		if url, err := tts.Synthesize(ctx, summary, style.VoiceID, namePrefix); err == nil && url != "" {
			result.Playlist = &PlaylistEntry{
				Title: fmt.Sprintf("%s narration", style.Name),
				URL:   url,
				Type:  "audio/mpeg",
				Voice: style.VoiceID,
			}
		}
	}
	return result
}

func summarize(ctx context.Context, source string, style PersonaStyle, llm LLMClient) string {
	if llm != nil {
		if out, err := llm.Complete(ctx, llmPrompt(source, style)); err == nil {
			if trimmed := strings.TrimSpace(out); trimmed != "" {
				return trimmed
			}
		}
	}
	return DeterministicSummary(source)
}

func llmPrompt(source string, style PersonaStyle) string {
	var b strings.Builder
	b.WriteString("Summarize the following terminal session output as 4 to 8 concise bullet points.\n")
	b.WriteString("Do not invent facts that are not present in the source text.\n")
	if style.Personality != "" {
		fmt.Fprintf(&b, "Write in this persona's voice: %s (%s)\n", style.Name, style.Personality)
	}
	b.WriteString("\nSource text:\n")
	b.WriteString(source)
	return b.String()
}

var decorationLine = regexp.MustCompile(`^[\s$>#%\[\]\(\)\{\}]*$`)

// DeterministicSummary is the no-LLM-key fallback (§4.8): split into lines,
// keep non-decoration lines of length >= 2, bullet them, cap at 8, each
// truncated to 220 chars. If nothing qualifies, emit one bullet from the
// whitespace-collapsed source truncated to 600 chars.
func DeterministicSummary(source string) string {
	lines := strings.Split(source, "\n")
	var bullets []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if len(trimmed) < 2 {
			continue
		}
		if decorationLine.MatchString(trimmed) {
			continue
		}
		bullets = append(bullets, "- "+truncate(trimmed, 220))
		if len(bullets) == 8 {
			break
		}
	}
	if len(bullets) == 0 {
		collapsed := strings.Join(strings.Fields(source), " ")
		return "- " + truncate(collapsed, 600)
	}
	return strings.Join(bullets, "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// NormalizeExtracted implements the narrator's provider-side text prep
// (§4.8): CR -> LF, collapse runs of 3+ LFs to 2, trim, then keep only the
// trailing 14,000 characters.
func NormalizeExtracted(s string) string {
	s = strings.ReplaceAll(s, "\r", "\n")
	for strings.Contains(s, "\n\n\n") {
		s = strings.ReplaceAll(s, "\n\n\n", "\n\n")
	}
	s = strings.TrimSpace(s)
	const maxChars = 14_000
	if len(s) > maxChars {
		s = s[len(s)-maxChars:]
	}
	return s
}

// PruneAudioFiles keeps only the most recent keep files (by modification
// time) in dir matching "cli-<prefix>-*", removing the rest. Stat/remove
// failures on a stale file are swallowed per §7's policy on transient sink
// errors — pruning must never interrupt narration.
func PruneAudioFiles(dir, prefix string, keep int) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	re := regexp.MustCompile(`^cli-` + regexp.QuoteMeta(prefix) + `-.*\.mp3$`)
	type fileInfo struct {
		path    string
		modTime time.Time
	}
	var matches []fileInfo
	for _, e := range entries {
		if e.IsDir() || !re.MatchString(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		matches = append(matches, fileInfo{path: filepath.Join(dir, e.Name()), modTime: info.ModTime()})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].modTime.After(matches[j].modTime) })
	for i := keep; i < len(matches); i++ {
		_ = os.Remove(matches[i].path)
	}
}
