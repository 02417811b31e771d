// Copyright (C) 2026 Deepgraph Labs (oss@deepgraph.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ingest holds the shared data model for the ingestion engine:
// jobs, step states, pipeline descriptors, progress events, and the
// structured error payload exchanged between steps and the orchestrator.
//
// All mutable per-job state lives in the Job State Store; the types here
// are plain serializable records with no process-wide state.
package ingest

import (
	"time"
)

// StepStatus is the lifecycle state of a single pipeline step within a job.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepCancelled StepStatus = "cancelled"
	StepSkipped   StepStatus = "skipped"
)

// Terminal reports whether the status admits no further transitions.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepCancelled, StepSkipped:
		return true
	}
	return false
}

// ValidTransition reports whether a step may move from one status to another.
//
// Description:
//
//	Steps transition along pending → running → {completed, failed,
//	cancelled, skipped}. The single backward transition, running → pending,
//	is reserved for crash-resume when a worker lease expires.
func ValidTransition(from, to StepStatus) bool {
	if from == to {
		return false
	}
	switch from {
	case StepPending:
		return to == StepRunning || to == StepSkipped || to == StepCancelled
	case StepRunning:
		return to == StepCompleted || to == StepFailed || to == StepCancelled ||
			to == StepPending // crash-resume only
	default:
		return false
	}
}

// JobState is the aggregate state of a job, derived from its step states.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// StepState is the durable per-step record inside a Job.
//
// LastError is the failure that decided a terminal failed state. Errors
// holds tolerated non-fatal errors recorded by a step that still
// completed, e.g. per-unit summarization failures under the threshold.
type StepState struct {
	Name      string     `json:"name"`
	State     StepStatus `json:"state"`
	Percent   float64    `json:"percent"`
	Attempt   int        `json:"attempt"`
	LastError *Error     `json:"last_error,omitempty"`
	Errors    []*Error   `json:"errors,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Job is one invocation of the full pipeline over one repository.
//
// The step list is an immutable snapshot taken at creation; only the
// per-step state fields mutate afterwards. Version is the compare-and-swap
// counter owned by the Job State Store and increases monotonically.
type Job struct {
	ID              string            `json:"id"`
	RepoPath        string            `json:"repo_path"`
	Options         map[string]string `json:"options,omitempty"`
	Steps           []StepState       `json:"steps"`
	State           JobState          `json:"state"`
	CancelRequested bool              `json:"cancel_requested"`
	Version         int64             `json:"version"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// NewJob creates a pending job with a step snapshot taken from descriptors.
func NewJob(id, repoPath string, descriptors []StepDescriptor, options map[string]string) *Job {
	now := time.Now().UTC()
	steps := make([]StepState, len(descriptors))
	for i, d := range descriptors {
		steps[i] = StepState{Name: d.Name, State: StepPending}
	}
	return &Job{
		ID:        id,
		RepoPath:  repoPath,
		Options:   options,
		Steps:     steps,
		State:     JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Step returns a pointer to the named step state, or nil if absent.
func (j *Job) Step(name string) *StepState {
	for i := range j.Steps {
		if j.Steps[i].Name == name {
			return &j.Steps[i]
		}
	}
	return nil
}

// Recompute derives the aggregate job state from the step states.
//
// Description:
//
//	failed iff any step is failed; completed iff all steps completed;
//	cancelled iff cancellation was requested and no step is still running;
//	running if any step is running or some work remains after a start.
func (j *Job) Recompute() {
	anyRunning, anyFailed, anyStarted := false, false, false
	allCompleted := true
	for i := range j.Steps {
		switch j.Steps[i].State {
		case StepRunning:
			anyRunning = true
			anyStarted = true
			allCompleted = false
		case StepFailed:
			anyFailed = true
			allCompleted = false
		case StepCompleted:
			anyStarted = true
		case StepCancelled:
			anyStarted = true
			allCompleted = false
		default:
			allCompleted = false
		}
	}

	switch {
	case anyFailed:
		j.State = JobFailed
	case j.CancelRequested && !anyRunning:
		j.State = JobCancelled
	case allCompleted && len(j.Steps) > 0:
		j.State = JobCompleted
	case anyRunning || anyStarted:
		j.State = JobRunning
	default:
		j.State = JobPending
	}
}

// LastCompletedIndex returns the index of the last step in declared order
// whose state is completed, or -1 if none. Used by crash-resume to decide
// where to restart a job.
func (j *Job) LastCompletedIndex() int {
	last := -1
	for i := range j.Steps {
		if j.Steps[i].State == StepCompleted {
			last = i
		} else {
			break
		}
	}
	return last
}

// StepDescriptor is a configuration-declared pipeline entry. Loaded at
// startup and immutable afterwards.
type StepDescriptor struct {
	Name           string         `json:"name" yaml:"name" validate:"required"`
	Concurrency    int            `json:"concurrency" yaml:"concurrency" validate:"gte=0"`
	Retries        int            `json:"retries" yaml:"retries" validate:"gte=0"`
	BackoffSeconds int            `json:"backoff_seconds" yaml:"backoff_seconds" validate:"gte=0"`
	Options        map[string]any `json:"options,omitempty" yaml:"options"`
}

// ProgressEvent is one entry on a job's progress channel.
type ProgressEvent struct {
	Step      string    `json:"step"`
	Percent   float64   `json:"percent"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Task is one step-invocation message on the broker queue.
type Task struct {
	JobID    string         `json:"job_id"`
	StepName string         `json:"step_name"`
	RepoPath string         `json:"repo_path"`
	Options  map[string]any `json:"options,omitempty"`
}
