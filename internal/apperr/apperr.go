// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package apperr defines the discriminated error kinds shared by the CLI
// session service and the harness orchestrator, and maps each to an HTTP
// status code. Handlers type-assert to *apperr.Error rather than matching
// on ad-hoc string prefixes, following the teacher's preference for
// explicit, checkable error values over sentinel strings scattered through
// handler code (see cmd/server's "E#####:" prefixed http.Error calls,
// which this replaces with a single typed path).
package apperr

import (
	"fmt"
	"net/http"
)

// Kind is one of the taxonomy entries from the error handling design.
type Kind string

const (
	UnavailableDependency  Kind = "UnavailableDependency"
	UnknownTarget          Kind = "UnknownTarget"
	InvalidInput           Kind = "InvalidInput"
	SessionNotRunning      Kind = "SessionNotRunning"
	SpawnFailed            Kind = "SpawnFailed"
	CommandExit            Kind = "CommandExit"
	PathEscape             Kind = "PathEscape"
	Cancelled              Kind = "Cancelled"
	DirtyRepo              Kind = "DirtyRepo"
	NoComposerInteraction  Kind = "NoComposerInteraction"
	NoCapturedOutput       Kind = "NoCapturedOutput"
	UnsupportedAuthMode    Kind = "UnsupportedAuthMode"
)

// Error carries a Kind, a human-readable message, and optional structured
// detail (e.g. a dirty-file count or an exit code).
type Error struct {
	Kind    Kind
	Message string
	Detail  any
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New builds an *Error for kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithDetail attaches structured detail to an existing error and returns it.
func (e *Error) WithDetail(detail any) *Error {
	e.Detail = detail
	return e
}

// HTTPStatus maps a Kind to the status code the HTTP layer should send.
func HTTPStatus(kind Kind) int {
	switch kind {
	case UnavailableDependency:
		return http.StatusServiceUnavailable
	case UnknownTarget:
		return http.StatusNotFound
	case InvalidInput, PathEscape, NoComposerInteraction, NoCapturedOutput, UnsupportedAuthMode:
		return http.StatusBadRequest
	case SessionNotRunning:
		return http.StatusConflict
	case SpawnFailed:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// As extracts an *Error from err, returning nil, false if err isn't one.
func As(err error) (*Error, bool) {
	e, ok := err.(*Error)
	return e, ok
}
