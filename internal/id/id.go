// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package id mints identifiers (runs, composer interactions, WebSocket
// clients, harness jobs) as google/uuid values, the scheme used throughout
// the retrieval pack's sibling services for anything that round-trips
// through JSON.
package id

import "github.com/google/uuid"

// New returns a fresh random (v4) identifier as a lowercase hex string.
func New() string {
	return uuid.NewString()
}
