// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package id

import "testing"

func TestNewReturnsDistinctUUIDs(t *testing.T) {
	a := New()
	b := New()
	if a == b {
		t.Fatalf("expected two calls to New to produce distinct ids")
	}
	if len(a) != 36 {
		t.Errorf("got length %d, want 36", len(a))
	}
}
