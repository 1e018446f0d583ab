// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package apperr

import (
	"net/http"
	"testing"
)

func TestErrorStringIncludesKindAndMessage(t *testing.T) {
	err := New(SpawnFailed, "could not start %s", "codex")
	if got, want := err.Error(), "SpawnFailed: could not start codex"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestErrorStringFallsBackToKindWhenMessageEmpty(t *testing.T) {
	err := &Error{Kind: PathEscape}
	if got, want := err.Error(), "PathEscape"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestWithDetailAttachesAndReturnsSameError(t *testing.T) {
	err := New(DirtyRepo, "dirty")
	got := err.WithDetail(3)
	if got != err {
		t.Fatalf("expected WithDetail to return the same error pointer")
	}
	if err.Detail != 3 {
		t.Errorf("got detail %v, want 3", err.Detail)
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{UnavailableDependency, http.StatusServiceUnavailable},
		{UnknownTarget, http.StatusNotFound},
		{InvalidInput, http.StatusBadRequest},
		{PathEscape, http.StatusBadRequest},
		{NoComposerInteraction, http.StatusBadRequest},
		{NoCapturedOutput, http.StatusBadRequest},
		{UnsupportedAuthMode, http.StatusBadRequest},
		{SessionNotRunning, http.StatusConflict},
		{SpawnFailed, http.StatusInternalServerError},
		{CommandExit, http.StatusInternalServerError},
		{Cancelled, http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := HTTPStatus(c.kind); got != c.want {
			t.Errorf("HTTPStatus(%q) = %d, want %d", c.kind, got, c.want)
		}
	}
}

func TestAsExtractsTypedError(t *testing.T) {
	var err error = New(UnknownTarget, "run %q not found", "run-1")
	e, ok := As(err)
	if !ok || e.Kind != UnknownTarget {
		t.Fatalf("expected As to extract an UnknownTarget error, got %+v ok=%v", e, ok)
	}

	if _, ok := As(http.ErrBodyNotAllowed); ok {
		t.Fatalf("expected As to report false for a non-apperr error")
	}
}
