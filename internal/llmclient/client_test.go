// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package llmclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCompleteReturnsConcatenatedTextBlocks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "secret" {
			t.Errorf("got api key %q, want secret", got)
		}
		if r.URL.Path != "/v1/messages" {
			t.Errorf("got path %q", r.URL.Path)
		}
		w.Write([]byte(`{"content":[{"type":"text","text":"hello "},{"type":"text","text":"world"}]}`))
	}))
	defer srv.Close()

	c := New("secret", srv.URL, "")
	got, err := c.Complete(context.Background(), "say hi")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != "hello world" {
		t.Errorf("got %q, want %q", got, "hello world")
	}
}

func TestCompleteSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()

	c := New("secret", srv.URL, "")
	_, err := c.Complete(context.Background(), "say hi")
	if err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("got err %v, want it to mention rate limited", err)
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	c := New("key", "", "")
	if c.baseURL != DefaultBaseURL {
		t.Errorf("got base url %q, want %q", c.baseURL, DefaultBaseURL)
	}
	if c.model != DefaultModel {
		t.Errorf("got model %q, want %q", c.model, DefaultModel)
	}
}
