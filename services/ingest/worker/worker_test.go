// Copyright (C) 2026 Deepgraph Labs (oss@deepgraph.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	ingest "github.com/deepgraph-ai/deepgraph/services/ingest"
	"github.com/deepgraph-ai/deepgraph/services/ingest/jobstore"
	"github.com/deepgraph-ai/deepgraph/services/ingest/step"
)

type fakeStep struct {
	*step.Tracker
	name string

	mu   sync.Mutex
	runs int
	fn   func(ctx context.Context, attempt int) error
}

func newFakeStep(name string, fn func(ctx context.Context, attempt int) error) *fakeStep {
	return &fakeStep{Tracker: step.NewTracker(), name: name, fn: fn}
}

func (f *fakeStep) Name() string           { return f.name }
func (f *fakeStep) Dependencies() []string { return nil }

func (f *fakeStep) Run(ctx context.Context, _ ingest.Task) error {
	f.Begin()
	f.mu.Lock()
	f.runs++
	attempt := f.runs
	f.mu.Unlock()
	return f.fn(ctx, attempt)
}

func (f *fakeStep) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStore(t *testing.T) *jobstore.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := jobstore.NewWithClient(client, jobstore.Config{
		LeaseTTL: time.Second,
		Logger:   discardLogger(),
	})
	t.Cleanup(func() { store.Close() })
	return store
}

func newWorker(t *testing.T, store *jobstore.Store, impl step.Step, descriptor ingest.StepDescriptor) *Worker {
	t.Helper()
	w, err := New(Config{
		Steps:            []step.Step{impl},
		Descriptors:      map[string]ingest.StepDescriptor{impl.Name(): descriptor},
		PollWait:         100 * time.Millisecond,
		ProgressInterval: 50 * time.Millisecond,
		CancelGrace:      5 * time.Second,
		Store:            store,
		Logger:           discardLogger(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return w
}

func createJob(t *testing.T, store *jobstore.Store, id string) {
	t.Helper()
	job := ingest.NewJob(id, "/repos/demo", []ingest.StepDescriptor{{Name: "unit"}}, nil)
	if err := store.Create(context.Background(), job); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
}

func TestExecuteCompletesStep(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	impl := newFakeStep("unit", func(context.Context, int) error { return nil })
	w := newWorker(t, store, impl, ingest.StepDescriptor{Name: "unit"})
	createJob(t, store, "j1")

	w.execute(ctx, ingest.Task{JobID: "j1", StepName: "unit", RepoPath: "/repos/demo"})

	job, err := store.Get(ctx, "j1")
	if err != nil {
		t.Fatal(err)
	}
	st := job.Step("unit")
	if st.State != ingest.StepCompleted {
		t.Errorf("step state = %s, want completed", st.State)
	}
	if st.Percent != 100 {
		t.Errorf("percent = %v, want 100", st.Percent)
	}
	if st.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", st.Attempt)
	}
	if st.EndedAt == nil {
		t.Error("ended_at not set")
	}
	if job.State != ingest.JobCompleted {
		t.Errorf("job state = %s, want completed", job.State)
	}
}

func TestExecuteFailureNotRetried(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	impl := newFakeStep("unit", func(context.Context, int) error {
		return ingest.NewError(ingest.KindPermanentInput, errors.New("repo path is not a directory"))
	})
	w := newWorker(t, store, impl, ingest.StepDescriptor{Name: "unit", Retries: 3})
	createJob(t, store, "j1")

	w.execute(ctx, ingest.Task{JobID: "j1", StepName: "unit"})

	if impl.runCount() != 1 {
		t.Errorf("runs = %d, want 1 for a non-retryable failure", impl.runCount())
	}
	job, _ := store.Get(ctx, "j1")
	st := job.Step("unit")
	if st.State != ingest.StepFailed {
		t.Fatalf("step state = %s, want failed", st.State)
	}
	if st.LastError == nil || st.LastError.Kind != ingest.KindPermanentInput {
		t.Errorf("last error = %+v, want permanent_input", st.LastError)
	}
	if job.State != ingest.JobFailed {
		t.Errorf("job state = %s, want failed", job.State)
	}
}

func TestExecuteRetriesTransient(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	impl := newFakeStep("unit", func(_ context.Context, attempt int) error {
		if attempt == 1 {
			return ingest.NewError(ingest.KindTransient, errors.New("graph connection refused"))
		}
		return nil
	})
	w := newWorker(t, store, impl, ingest.StepDescriptor{Name: "unit", Retries: 1, BackoffSeconds: 1})
	createJob(t, store, "j1")

	start := time.Now()
	w.execute(ctx, ingest.Task{JobID: "j1", StepName: "unit"})

	if impl.runCount() != 2 {
		t.Fatalf("runs = %d, want 2", impl.runCount())
	}
	if elapsed := time.Since(start); elapsed < 500*time.Millisecond {
		t.Errorf("retry fired after %v, expected a backoff delay", elapsed)
	}
	job, _ := store.Get(ctx, "j1")
	st := job.Step("unit")
	if st.State != ingest.StepCompleted {
		t.Errorf("step state = %s, want completed after retry", st.State)
	}
	if st.Attempt != 2 {
		t.Errorf("attempt = %d, want 2", st.Attempt)
	}
	if st.LastError != nil {
		t.Errorf("terminal success kept last error %+v", st.LastError)
	}
}

func TestExecuteRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	impl := newFakeStep("unit", func(context.Context, int) error {
		return ingest.NewError(ingest.KindTransient, errors.New("broker timeout"))
	})
	w := newWorker(t, store, impl, ingest.StepDescriptor{Name: "unit", Retries: 1, BackoffSeconds: 1})
	createJob(t, store, "j1")

	w.execute(ctx, ingest.Task{JobID: "j1", StepName: "unit"})

	if impl.runCount() != 2 {
		t.Fatalf("runs = %d, want 2", impl.runCount())
	}
	job, _ := store.Get(ctx, "j1")
	st := job.Step("unit")
	if st.State != ingest.StepFailed {
		t.Fatalf("step state = %s, want failed", st.State)
	}
	if st.LastError == nil || !st.LastError.Retryable {
		t.Errorf("last error = %+v, want the retryable transient payload", st.LastError)
	}
}

func TestExecutePublishesStateTransitions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := newStore(t)
	impl := newFakeStep("unit", func(context.Context, int) error { return nil })
	w := newWorker(t, store, impl, ingest.StepDescriptor{Name: "unit"})
	createJob(t, store, "j1")

	events, err := store.Subscribe(ctx, "j1")
	if err != nil {
		t.Fatal(err)
	}

	w.execute(ctx, ingest.Task{JobID: "j1", StepName: "unit"})

	var got []ingest.ProgressEvent
	deadline := time.After(3 * time.Second)
	for {
		select {
		case event := <-events:
			got = append(got, event)
		case <-deadline:
			t.Fatalf("terminal event never arrived; events = %+v", got)
		}
		if len(got) > 0 && got[len(got)-1].Message == string(ingest.StepCompleted) {
			break
		}
	}

	first := got[0]
	if first.Message != string(ingest.StepRunning) || first.Percent != 0 {
		t.Errorf("first event = %+v, want the running transition", first)
	}
	last := got[len(got)-1]
	if last.Percent != 100 {
		t.Errorf("terminal event = %+v, want 100%%", last)
	}
}

func TestExecuteKeepsToleratedErrorsOnCompletion(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	impl := newFakeStep("unit", nil)
	impl.fn = func(context.Context, int) error {
		impl.RecordError(ingest.NewError(ingest.KindPartialData,
			errors.New("unit Function:f0: injected failure")))
		return nil
	}
	w := newWorker(t, store, impl, ingest.StepDescriptor{Name: "unit"})
	createJob(t, store, "j1")

	w.execute(ctx, ingest.Task{JobID: "j1", StepName: "unit"})

	job, err := store.Get(ctx, "j1")
	if err != nil {
		t.Fatal(err)
	}
	st := job.Step("unit")
	if st.State != ingest.StepCompleted {
		t.Fatalf("step state = %s, want completed despite tolerated errors", st.State)
	}
	if st.LastError != nil {
		t.Errorf("tolerated errors set last error: %+v", st.LastError)
	}
	if len(st.Errors) != 1 || st.Errors[0].Kind != ingest.KindPartialData {
		t.Errorf("errors = %+v, want one partial_data entry", st.Errors)
	}
}

func TestExecuteCancelRequestedBeforeRun(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	impl := newFakeStep("unit", func(context.Context, int) error { return nil })
	w := newWorker(t, store, impl, ingest.StepDescriptor{Name: "unit"})
	createJob(t, store, "j1")
	if err := store.RequestCancel(ctx, "j1"); err != nil {
		t.Fatal(err)
	}

	w.execute(ctx, ingest.Task{JobID: "j1", StepName: "unit"})

	if impl.runCount() != 0 {
		t.Errorf("runs = %d, want 0 for a pre-cancelled job", impl.runCount())
	}
	job, _ := store.Get(ctx, "j1")
	if job.Step("unit").State != ingest.StepCancelled {
		t.Errorf("step state = %s, want cancelled", job.Step("unit").State)
	}
	if job.State != ingest.JobCancelled {
		t.Errorf("job state = %s, want cancelled", job.State)
	}
}

func TestExecuteSkipsStaleTask(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	impl := newFakeStep("unit", func(context.Context, int) error { return nil })
	w := newWorker(t, store, impl, ingest.StepDescriptor{Name: "unit"})
	createJob(t, store, "j1")
	if _, err := store.Update(ctx, "j1", func(job *ingest.Job) error {
		job.Step("unit").State = ingest.StepCompleted
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	w.execute(ctx, ingest.Task{JobID: "j1", StepName: "unit"})

	if impl.runCount() != 0 {
		t.Errorf("runs = %d, want 0 for a stale task", impl.runCount())
	}
	job, _ := store.Get(ctx, "j1")
	if st := job.Step("unit"); st.State != ingest.StepCompleted || st.Attempt != 0 {
		t.Errorf("stale task mutated step: %+v", st)
	}
}

func TestHeartbeatObservesCancellation(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	impl := newFakeStep("unit", nil)
	impl.fn = func(ctx context.Context, _ int) error {
		select {
		case <-impl.Stopping():
			return ingest.ErrCancelled
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return errors.New("stop never requested")
		}
	}
	w := newWorker(t, store, impl, ingest.StepDescriptor{Name: "unit"})
	createJob(t, store, "j1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.execute(ctx, ingest.Task{JobID: "j1", StepName: "unit"})
	}()

	// Let the step start, then flip the flag the heartbeat watches.
	time.Sleep(100 * time.Millisecond)
	if err := store.RequestCancel(ctx, "j1"); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("execute did not return after cancellation")
	}

	job, _ := store.Get(ctx, "j1")
	if job.Step("unit").State != ingest.StepCancelled {
		t.Errorf("step state = %s, want cancelled", job.Step("unit").State)
	}
	if job.State != ingest.JobCancelled {
		t.Errorf("job state = %s, want cancelled", job.State)
	}
}

func TestRunDequeuesAndExecutes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := newStore(t)
	impl := newFakeStep("unit", func(context.Context, int) error { return nil })
	w := newWorker(t, store, impl, ingest.StepDescriptor{Name: "unit"})
	createJob(t, store, "j1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	if err := store.Enqueue(ctx, ingest.Task{JobID: "j1", StepName: "unit"}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, err := store.Get(ctx, "j1")
		if err != nil {
			t.Fatal(err)
		}
		if job.Step("unit").State == ingest.StepCompleted {
			cancel()
			<-done
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("enqueued task never completed")
}

func TestBackoffBounds(t *testing.T) {
	base := 2 * time.Second
	for attempt := 1; attempt <= 6; attempt++ {
		expected := base * time.Duration(1<<(attempt-1))
		if expected > time.Minute {
			expected = time.Minute
		}
		for i := 0; i < 20; i++ {
			d := backoff(base, attempt)
			lo := time.Duration(float64(expected) * 0.75)
			hi := time.Duration(float64(expected) * 1.25)
			if d < lo || d > hi {
				t.Fatalf("backoff(%v, %d) = %v outside [%v, %v]", base, attempt, d, lo, hi)
			}
		}
	}
}

func TestNewValidation(t *testing.T) {
	store := newStore(t)
	if _, err := New(Config{Store: store}); err == nil {
		t.Error("New accepted a worker with no steps")
	}
	if _, err := New(Config{Steps: []step.Step{newFakeStep("unit", nil)}}); err == nil {
		t.Error("New accepted a worker with no store")
	}
}
