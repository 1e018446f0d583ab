// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func tempPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "keys.env")
}

func TestParseLineForms(t *testing.T) {
	cases := []struct {
		line      string
		wantKey   string
		wantValue string
		wantOK    bool
	}{
		{`FOO=bar`, "FOO", "bar", true},
		{`export FOO=bar`, "FOO", "bar", true},
		{`FOO='bar baz'`, "FOO", "bar baz", true},
		{`FOO="bar\nbaz"`, "FOO", "bar\nbaz", true},
		{`FOO=bar # a comment`, "FOO", "bar", true},
		{`# FOO=bar`, "", "", false},
		{``, "", "", false},
		{`lowercase=bar`, "", "", false},
		{`1INVALID=bar`, "", "", false},
	}
	for _, c := range cases {
		key, value, ok := parseLine(c.line)
		if ok != c.wantOK {
			t.Fatalf("parseLine(%q) ok = %v, want %v", c.line, ok, c.wantOK)
		}
		if !ok {
			continue
		}
		if key != c.wantKey || value != c.wantValue {
			t.Fatalf("parseLine(%q) = (%q, %q), want (%q, %q)", c.line, key, value, c.wantKey, c.wantValue)
		}
	}
}

func TestDoubleQuotedEscapes(t *testing.T) {
	key, value, ok := parseLine(`TOKEN="a\tb\r\n\"c\\d"`)
	if !ok || key != "TOKEN" {
		t.Fatalf("parse failed: %v %v %v", key, value, ok)
	}
	want := "a\tb\r\n\"c\\d"
	if value != want {
		t.Fatalf("got %q want %q", value, want)
	}
}

func TestSetSaveLoadRoundTrip(t *testing.T) {
	path := tempPath(t)
	s := New(path)
	if err := s.Set("API_KEY", "it's a secret"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set("OTHER", "plain"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected mode 0600, got %v", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	v, ok := loaded.Get("API_KEY")
	if !ok || v != "it's a secret" {
		t.Fatalf("round trip mismatch: %q %v", v, ok)
	}
	v2, ok := loaded.Get("OTHER")
	if !ok || v2 != "plain" {
		t.Fatalf("round trip mismatch: %q %v", v2, ok)
	}
}

func TestSetRejectsInvalidKey(t *testing.T) {
	s := New(tempPath(t))
	if err := s.Set("not-valid", "x"); err == nil {
		t.Fatalf("expected error for invalid key")
	}
}

func TestUnsetRemovesKey(t *testing.T) {
	path := tempPath(t)
	s := New(path)
	s.Set("GONE", "x")
	s.Unset("GONE")
	if err := s.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := loaded.Get("GONE"); ok {
		t.Fatalf("expected key to be gone")
	}
}

func TestLoadMissingFileIsEmptyNotError(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if len(s.All()) != 0 {
		t.Fatalf("expected empty store")
	}
}

func TestSaveHeaderMentionsSecrets(t *testing.T) {
	path := tempPath(t)
	s := New(path)
	s.Set("X", "y")
	if err := s.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !contains(string(data), "secrets") {
		t.Fatalf("expected header warning about secrets, got:\n%s", data)
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}
