// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package ttsclient implements the narrator's optional text + voice ->
// audio URL call. It targets ElevenLabs, writing the synthesized MPEG
// bytes under <dataDir>/audio/ and returning a server-relative URL the
// dashboard's static file server can serve back — the narrator never
// proxies audio bytes itself.
//
// Grounded on internal/broker/providers.go's declarative provider-spec
// table (the "elevenlabs" entry: base URL, header name/format), adapted
// here from "used to pick an outbound-proxy target" to "used to build one
// client's request directly" since this dashboard has no sandboxed-agent
// secret-hiding proxy to route through.
package ttsclient

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultBaseURL is ElevenLabs' public API host.
const DefaultBaseURL = "https://api.elevenlabs.io"

// Client synthesizes text to speech and persists the result under dir.
type Client struct {
	apiKey     string
	baseURL    string
	dir        string
	urlPrefix  string
	httpClient *http.Client
}

// New builds a Client. audioDir is created on first use; urlPrefix is the
// path clients use to fetch files from audioDir (e.g. "/audio").
func New(apiKey, baseURL, audioDir, urlPrefix string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		dir:        audioDir,
		urlPrefix:  urlPrefix,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// Synthesize calls the TTS API for voiceID and text, writes the returned
// MPEG bytes to <dir>/cli-<namePrefix>-<epoch>-<rand>.mp3 (§6.4 persisted
// state layout), and returns the URL clients use to fetch it.
func (c *Client) Synthesize(ctx context.Context, text, voiceID, namePrefix string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/v1/text-to-speech/%s", c.baseURL, voiceID), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("xi-api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Body = io.NopCloser(strings.NewReader(fmt.Sprintf(
		`{"text":%q,"model_id":"eleven_monolingual_v1"}`, text)))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ttsclient: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("ttsclient: api status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return "", err
	}
	if namePrefix == "" {
		namePrefix = sanitizeVoice(voiceID)
	}
	name := fmt.Sprintf("cli-%s-%d-%s.mp3", namePrefix, time.Now().Unix(), randomSuffix())
	path := filepath.Join(c.dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return "", err
	}

	return strings.TrimRight(c.urlPrefix, "/") + "/" + name, nil
}

func sanitizeVoice(voiceID string) string {
	var b strings.Builder
	for _, r := range voiceID {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "voice"
	}
	return b.String()
}

func randomSuffix() string {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
