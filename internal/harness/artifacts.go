// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package harness

import (
	"mime"
	"path/filepath"
	"time"

	"github.com/pi5dash/dashboard-api/internal/pathguard"
)

// ArtifactType classifies an artifact for client rendering hints.
type ArtifactType string

const (
	ArtifactText  ArtifactType = "text"
	ArtifactJSON  ArtifactType = "json"
	ArtifactImage ArtifactType = "image"
	ArtifactFile  ArtifactType = "file"
)

// ArtifactRecord is one entry in a run's artifact list (§4.12).
type ArtifactRecord struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	RelPath     string       `json:"relPath"`
	Type        ArtifactType `json:"type"`
	Mime        string       `json:"mime"`
	Size        *int64       `json:"size,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	Description string       `json:"description,omitempty"`
}

// inferType guesses an ArtifactType from a file suffix, defaulting to
// ArtifactFile (with the extension's registered MIME type, else
// application/octet-stream) for unrecognized extensions.
func inferType(name string) (ArtifactType, string) {
	m := mime.TypeByExtension(filepath.Ext(name))
	switch filepath.Ext(name) {
	case ".json":
		return ArtifactJSON, "application/json"
	case ".png", ".jpg", ".jpeg", ".gif", ".webp":
		if m == "" {
			m = "image/png"
		}
		return ArtifactImage, m
	case ".md", ".txt", ".log":
		if m == "" {
			m = "text/plain; charset=utf-8"
		}
		return ArtifactText, m
	default:
		if m == "" {
			m = "application/octet-stream"
			return ArtifactFile, m
		}
		return ArtifactFile, m
	}
}

// WriteArtifact writes data to relPath under the run's artifact root
// (rejecting escapes with PathEscape via the guard), records and returns
// an ArtifactRecord, and appends it to r.Artifacts.
func (r *Run) WriteArtifact(relPath, description string, data []byte) (ArtifactRecord, error) {
	if err := r.artifacts.Write(relPath, data, 0o644); err != nil {
		return ArtifactRecord{}, err
	}
	typ, m := inferType(relPath)
	size := int64(len(data))
	rec := ArtifactRecord{
		ID:          r.nextArtifactID(),
		Name:        filepath.Base(relPath),
		RelPath:     relPath,
		Type:        typ,
		Mime:        m,
		Size:        &size,
		CreatedAt:   time.Now(),
		Description: description,
	}
	r.mu.Lock()
	r.Artifacts = append(r.Artifacts, rec)
	r.mu.Unlock()
	return rec, nil
}

// ReadArtifact resolves and reads the artifact at relPath, raw bytes.
func (r *Run) ReadArtifact(relPath string) ([]byte, error) {
	return r.artifacts.Read(relPath)
}

// ArtifactByID finds a previously recorded artifact by its a<seq> id.
func (r *Run) ArtifactByID(id string) (ArtifactRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.Artifacts {
		if a.ID == id {
			return a, true
		}
	}
	return ArtifactRecord{}, false
}

// ArtifactsGuard exposes the run's path guard for handlers that need to
// resolve an artifact's absolute path (e.g. to stream raw bytes with the
// correct content type).
func (r *Run) ArtifactsGuard() *pathguard.Guard {
	return r.artifacts
}
