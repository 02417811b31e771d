// Copyright (C) 2026 Deepgraph Labs (oss@deepgraph.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ingest

import (
	"errors"
	"testing"
)

func TestValidTransition(t *testing.T) {
	cases := []struct {
		from, to StepStatus
		want     bool
	}{
		{StepPending, StepRunning, true},
		{StepPending, StepSkipped, true},
		{StepPending, StepCancelled, true},
		{StepPending, StepCompleted, false},
		{StepRunning, StepCompleted, true},
		{StepRunning, StepFailed, true},
		{StepRunning, StepCancelled, true},
		{StepRunning, StepPending, true}, // crash-resume
		{StepCompleted, StepRunning, false},
		{StepFailed, StepPending, false},
		{StepCancelled, StepRunning, false},
		{StepRunning, StepRunning, false},
	}
	for _, tc := range cases {
		if got := ValidTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("ValidTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []StepStatus{StepCompleted, StepFailed, StepCancelled, StepSkipped} {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false", s)
		}
	}
	for _, s := range []StepStatus{StepPending, StepRunning} {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true", s)
		}
	}
}

func newJob(states ...StepStatus) *Job {
	descriptors := make([]StepDescriptor, len(states))
	for i := range states {
		descriptors[i] = StepDescriptor{Name: string(rune('a' + i))}
	}
	job := NewJob("j", "/repo", descriptors, nil)
	for i, s := range states {
		job.Steps[i].State = s
	}
	return job
}

func TestRecompute(t *testing.T) {
	cases := []struct {
		name   string
		job    *Job
		cancel bool
		want   JobState
	}{
		{"all pending", newJob(StepPending, StepPending), false, JobPending},
		{"one running", newJob(StepCompleted, StepRunning), false, JobRunning},
		{"all completed", newJob(StepCompleted, StepCompleted), false, JobCompleted},
		{"any failed wins", newJob(StepCompleted, StepFailed, StepRunning), false, JobFailed},
		{"cancelled when flagged and quiet", newJob(StepCompleted, StepCancelled), true, JobCancelled},
		{"still running under cancel flag", newJob(StepCompleted, StepRunning), true, JobRunning},
		{"partial progress", newJob(StepCompleted, StepPending), false, JobRunning},
	}
	for _, tc := range cases {
		tc.job.CancelRequested = tc.cancel
		tc.job.Recompute()
		if tc.job.State != tc.want {
			t.Errorf("%s: state = %q, want %q", tc.name, tc.job.State, tc.want)
		}
	}
}

func TestLastCompletedIndex(t *testing.T) {
	cases := []struct {
		job  *Job
		want int
	}{
		{newJob(StepPending, StepPending), -1},
		{newJob(StepCompleted, StepPending), 0},
		{newJob(StepCompleted, StepCompleted, StepRunning), 1},
		// A gap stops the prefix scan.
		{newJob(StepCompleted, StepFailed, StepCompleted), 0},
	}
	for i, tc := range cases {
		if got := tc.job.LastCompletedIndex(); got != tc.want {
			t.Errorf("case %d: LastCompletedIndex = %d, want %d", i, got, tc.want)
		}
	}
}

func TestErrorRetryableByKind(t *testing.T) {
	base := errors.New("boom")
	cases := []struct {
		kind ErrorKind
		want bool
	}{
		{KindConfiguration, false},
		{KindTransient, true},
		{KindPermanentInput, false},
		{KindToolFailure, false},
		{KindPartialData, false},
		{KindCancelled, false},
		{KindTimeout, true},
	}
	for _, tc := range cases {
		if got := NewError(tc.kind, base).Retryable; got != tc.want {
			t.Errorf("NewError(%s).Retryable = %v, want %v", tc.kind, got, tc.want)
		}
	}
}

func TestErrorUnwrapAndContext(t *testing.T) {
	base := errors.New("root cause")
	payload := NewError(KindToolFailure, base).WithContext("exit_code", "2")

	if !errors.Is(payload, base) {
		t.Error("payload does not unwrap to the cause")
	}
	if payload.Context["exit_code"] != "2" {
		t.Errorf("context = %v", payload.Context)
	}

	wrapped := errors.Join(errors.New("outer"), payload)
	if got := AsError(wrapped); got != payload {
		t.Error("AsError did not find the structured payload in the chain")
	}

	synthesized := AsError(base)
	if synthesized.Kind != KindTransient || !synthesized.Retryable {
		t.Errorf("AsError synthesized %+v, want transient retryable", synthesized)
	}
	if AsError(nil) != nil {
		t.Error("AsError(nil) != nil")
	}
}
