// Copyright (C) 2026 Deepgraph Labs (oss@deepgraph.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package step defines the contract every pipeline step implements and
// the registry the daemon populates at startup. The orchestrator only
// ever sees steps through this package.
package step

import (
	"context"
	"sync"

	ingest "github.com/deepgraph-ai/deepgraph/services/ingest"
)

// Report is a point-in-time progress snapshot for a running step.
type Report struct {
	Percent float64
	Message string
}

// Step is one unit of pipeline work.
//
// Run executes to completion for a single task and must be idempotent:
// a rerun after a crash converges to the same graph state. Stop requests
// a graceful halt at the next suspension point; Cancel aborts promptly.
// Both may be called from other goroutines while Run is active.
type Step interface {
	// Name is the unique step name referenced by pipeline configuration.
	Name() string

	// Dependencies lists step names that must complete earlier in the
	// pipeline for this step to run.
	Dependencies() []string

	// Run executes the step for one task.
	Run(ctx context.Context, task ingest.Task) error

	// Status returns the current progress snapshot.
	Status() Report

	// Errors lists the non-fatal errors recorded during the current run.
	// They are surfaced on the job record when the step completes.
	Errors() []*ingest.Error

	// Stop requests a graceful halt.
	Stop()

	// Cancel aborts promptly, abandoning in-flight work.
	Cancel()

	// IngestionUpdate streams progress reports while Run is active.
	// Sends are lossy; Status is authoritative.
	IngestionUpdate() <-chan Report
}

// Tracker provides the progress and halt plumbing shared by all step
// implementations. Steps embed it and call Begin at the top of Run.
//
// Thread Safety: safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	percent float64
	message string
	errs    []*ingest.Error
	updates chan Report
	stopCh  chan struct{}
	abortCh chan struct{}
}

// NewTracker returns a tracker ready for a first run.
func NewTracker() *Tracker {
	t := &Tracker{}
	t.Begin()
	return t
}

// Begin resets progress and re-arms the halt channels for a new run.
func (t *Tracker) Begin() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.percent = 0
	t.message = ""
	t.errs = nil
	t.updates = make(chan Report, 16)
	t.stopCh = make(chan struct{})
	t.abortCh = make(chan struct{})
}

// SetProgress records progress and publishes a lossy update. Percent is
// clamped to [0, 100] and never moves backwards.
func (t *Tracker) SetProgress(percent float64, message string) {
	t.mu.Lock()
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if percent > t.percent {
		t.percent = percent
	}
	if message != "" {
		t.message = message
	}
	report := Report{Percent: t.percent, Message: t.message}
	updates := t.updates
	t.mu.Unlock()

	select {
	case updates <- report:
	default: // slow consumer, drop
	}
}

// Status returns the current progress snapshot.
func (t *Tracker) Status() Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Report{Percent: t.percent, Message: t.message}
}

// RecordError keeps a non-fatal error for the job record. Used by steps
// that tolerate partial failure without failing the run.
func (t *Tracker) RecordError(err *ingest.Error) {
	if err == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errs = append(t.errs, err)
}

// Errors returns a copy of the errors recorded since Begin.
func (t *Tracker) Errors() []*ingest.Error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.errs) == 0 {
		return nil
	}
	out := make([]*ingest.Error, len(t.errs))
	copy(out, t.errs)
	return out
}

// IngestionUpdate streams lossy progress reports.
func (t *Tracker) IngestionUpdate() <-chan Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.updates
}

// Stop requests a graceful halt. Idempotent.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.stopCh:
	default:
		close(t.stopCh)
	}
}

// Cancel aborts promptly. Implies Stop. Idempotent.
func (t *Tracker) Cancel() {
	t.Stop()
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.abortCh:
	default:
		close(t.abortCh)
	}
}

// Stopping is closed once Stop has been requested.
func (t *Tracker) Stopping() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopCh
}

// Aborting is closed once Cancel has been requested.
func (t *Tracker) Aborting() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.abortCh
}

// Halted reports whether a stop or cancel has been requested. Steps call
// this at suspension points.
func (t *Tracker) Halted() bool {
	select {
	case <-t.Stopping():
		return true
	default:
		return false
	}
}
