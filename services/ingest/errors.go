// Copyright (C) 2026 Deepgraph Labs (oss@deepgraph.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ingest

import (
	"errors"
	"fmt"
)

// ErrorKind discriminates the structured error payload carried on step
// failures. The orchestrator's retry policy keys off Retryable, not Kind.
type ErrorKind string

const (
	// KindConfiguration covers malformed pipeline config and unknown step
	// names. Fatal at startup; never retried.
	KindConfiguration ErrorKind = "configuration"

	// KindTransient covers infrastructure faults: graph connection refused,
	// broker timeout, LLM rate limit. Retried per policy.
	KindTransient ErrorKind = "transient_infrastructure"

	// KindPermanentInput covers invalid repo paths and unreadable files.
	KindPermanentInput ErrorKind = "permanent_input"

	// KindToolFailure covers external parser non-zero exits.
	KindToolFailure ErrorKind = "tool_failure"

	// KindPartialData covers per-node summarization failures that did not
	// sink the whole step.
	KindPartialData ErrorKind = "partial_data"

	// KindCancelled marks user-requested cancellation.
	KindCancelled ErrorKind = "cancelled"

	// KindTimeout marks per-operation timeouts. Treated as transient for
	// retry purposes, then surfaced.
	KindTimeout ErrorKind = "timeout"
)

// Error is the structured problem payload attached to failed steps and
// returned on the job status surface.
type Error struct {
	Kind      ErrorKind         `json:"kind"`
	Message   string            `json:"message"`
	Retryable bool              `json:"retryable"`
	Context   map[string]string `json:"context,omitempty"`

	cause error
}

// NewError builds a payload from a raw error, classifying it by kind.
func NewError(kind ErrorKind, err error) *Error {
	retryable := kind == KindTransient || kind == KindTimeout
	return &Error{
		Kind:      kind,
		Message:   err.Error(),
		Retryable: retryable,
		cause:     err,
	}
}

// WithContext attaches a key/value pair and returns the same payload.
func (e *Error) WithContext(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string, 2)
	}
	e.Context[key] = value
	return e
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the original error for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// AsError extracts an *Error from any error chain, synthesizing a transient
// payload when the chain carries no structured one.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var payload *Error
	if errors.As(err, &payload) {
		return payload
	}
	return NewError(KindTransient, err)
}

// Sentinel errors shared across ingest packages.
var (
	// ErrJobExists indicates a duplicate job identifier on Create (Conflict).
	ErrJobExists = errors.New("job already exists")

	// ErrJobNotFound indicates a lookup for an unknown job identifier.
	ErrJobNotFound = errors.New("job not found")

	// ErrCancelled indicates the job's cancellation flag was observed.
	ErrCancelled = errors.New("job cancelled")

	// ErrNilContext is returned when a nil context is provided.
	ErrNilContext = errors.New("context must not be nil")
)
