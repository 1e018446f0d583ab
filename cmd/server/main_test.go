// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pi5dash/dashboard-api/internal/persona"
	"github.com/pi5dash/dashboard-api/internal/providers"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	personas, err := persona.Load(t.TempDir() + "/missing.json")
	if err != nil {
		t.Fatalf("load personas: %v", err)
	}
	return &Server{
		personas:  personas,
		providers: providers.NewRegistry(providers.DefaultSpecs(t.TempDir()), t.TempDir()),
		audioDir:  t.TempDir(),
	}
}

func TestHandleHealthReportsOK(t *testing.T) {
	s := testServer(t)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rr.Code)
	}
	if got := rr.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("got Cache-Control %q, want no-store", got)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Errorf("got body %v", body)
	}
}

func TestHandleListProvidersReturnsAllThree(t *testing.T) {
	s := testServer(t)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/ai-cli/providers", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rr.Code)
	}
	var body struct {
		OK        bool             `json:"ok"`
		Providers []map[string]any `json:"providers"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if !body.OK || len(body.Providers) != 3 {
		t.Fatalf("got %+v", body)
	}
}

func TestHandleListPersonasReturnsFallbackSet(t *testing.T) {
	s := testServer(t)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/ai-cli/personas", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rr.Code)
	}
}

func TestHandleProviderSnapshotUnknownProvider404s(t *testing.T) {
	s := testServer(t)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/ai-cli/session/nonexistent", nil))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("got status %d, want 404", rr.Code)
	}
}
