// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package config

import (
	"os"
	"testing"
	"time"
)

func TestWatchReloadsOnExternalWrite(t *testing.T) {
	path := tempPath(t)
	s := New(path)
	if err := s.Set("INITIAL", "one"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	w, err := loaded.Watch()
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte("ADDED=two\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := loaded.Get("ADDED"); ok {
			if _, stillThere := loaded.Get("INITIAL"); !stillThere {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected the store to reload ADDED after an external write")
}

func TestWatchStopIsIdempotent(t *testing.T) {
	path := tempPath(t)
	s := New(path)
	if err := s.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}
	w, err := s.Watch()
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	w.Stop()
	w.Stop()
}
