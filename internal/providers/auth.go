// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package providers

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// parseKeywordStatus implements codex's `login status` convention: plain
// text containing the phrase "not logged in" or "logged in" (checked in
// that order, since the former contains the latter as a substring).
func parseKeywordStatus(output string) (AuthState, string) {
	lower := strings.ToLower(output)
	switch {
	case strings.Contains(lower, "not logged in"):
		return AuthLoggedOut, strings.TrimSpace(output)
	case strings.Contains(lower, "logged in"):
		return AuthLoggedIn, strings.TrimSpace(output)
	default:
		return AuthUnknown, strings.TrimSpace(output)
	}
}

type jsonLoginStatus struct {
	LoggedIn bool   `json:"loggedIn"`
	Email    string `json:"email"`
}

// parseJSONLoginStatus implements claude's `auth status --json` convention:
// a JSON object with a loggedIn bool and optional email. The status command
// may emit warnings to stderr before the JSON line, so this scans for the
// first line that parses rather than requiring output to be JSON-only.
func parseJSONLoginStatus(output string) (AuthState, string) {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line[0] != '{' {
			continue
		}
		var parsed jsonLoginStatus
		if err := json.Unmarshal([]byte(line), &parsed); err != nil {
			continue
		}
		if parsed.LoggedIn {
			if parsed.Email != "" {
				return AuthLoggedIn, fmt.Sprintf("Logged in as %s", parsed.Email)
			}
			return AuthLoggedIn, ""
		}
		return AuthLoggedOut, ""
	}
	return AuthUnknown, strings.TrimSpace(output)
}

// authHintURL matches the first http(s) URL in a chunk of PTY output, used
// to surface device-authorization links a provider prints during login
// (§4.6).
var authHintURL = regexp.MustCompile(`https?://[^\s"'<>]+`)

// authHintCode matches device codes of the shape XXXX-XXXX, optionally
// repeated 2-5 groups, the family used by both OAuth device flows this
// dashboard supervises.
var authHintCode = regexp.MustCompile(`\b[A-Z0-9]{4}(-[A-Z0-9]{4}){1,4}\b`)

// AuthHint is an extracted URL and/or device code, ready to forward to
// clients as a protocol "auth_hint" message (§4.6).
type AuthHint struct {
	URL  string `json:"url,omitempty"`
	Code string `json:"code,omitempty"`
}

// ExtractAuthHint scans text for a login URL and/or device code. Returns
// ok=false when neither is found, so callers can skip broadcasting a hint
// for ordinary output.
func ExtractAuthHint(text string) (AuthHint, bool) {
	var hint AuthHint
	if m := authHintURL.FindString(text); m != "" {
		hint.URL = strings.TrimRight(m, ".,)")
	}
	if m := authHintCode.FindString(text); m != "" {
		hint.Code = m
	}
	return hint, hint.URL != "" || hint.Code != ""
}
