// Copyright (C) 2026 Deepgraph Labs (oss@deepgraph.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package jobstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	ingest "github.com/deepgraph-ai/deepgraph/services/ingest"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewWithClient(client, Config{LeaseTTL: 500 * time.Millisecond}), mr
}

func testJob(id string) *ingest.Job {
	return ingest.NewJob(id, "/repos/demo", []ingest.StepDescriptor{
		{Name: "filesystem"},
		{Name: "ast"},
		{Name: "summarize"},
	}, nil)
}

func TestCreateAndGet(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	job := testJob("job-1")
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ID != "job-1" || got.RepoPath != "/repos/demo" {
		t.Errorf("got job %+v", got)
	}
	if got.Version != 1 {
		t.Errorf("new job version = %d, want 1", got.Version)
	}
	if len(got.Steps) != 3 {
		t.Errorf("got %d steps, want 3", len(got.Steps))
	}
}

func TestCreateDuplicate(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, testJob("job-1")); err != nil {
		t.Fatalf("first Create failed: %v", err)
	}
	err := store.Create(ctx, testJob("job-1"))
	if !errors.Is(err, ingest.ErrJobExists) {
		t.Errorf("duplicate Create error = %v, want ErrJobExists", err)
	}
}

func TestGetMissing(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Get(context.Background(), "nope")
	if !errors.Is(err, ingest.ErrJobNotFound) {
		t.Errorf("Get missing error = %v, want ErrJobNotFound", err)
	}
}

func TestUpdateBumpsVersionAndRecomputes(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	if err := store.Create(ctx, testJob("job-1")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	updated, err := store.Update(ctx, "job-1", func(job *ingest.Job) error {
		for i := range job.Steps {
			job.Steps[i].State = ingest.StepCompleted
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("version = %d, want 2", updated.Version)
	}
	if updated.State != ingest.JobCompleted {
		t.Errorf("aggregate state = %q, want completed", updated.State)
	}
}

func TestUpdateMissing(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Update(context.Background(), "nope", func(*ingest.Job) error { return nil })
	if !errors.Is(err, ingest.ErrJobNotFound) {
		t.Errorf("Update missing error = %v, want ErrJobNotFound", err)
	}
}

func TestUpdatePropagatesFnError(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	if err := store.Create(ctx, testJob("job-1")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	sentinel := errors.New("transition rejected")
	_, err := store.Update(ctx, "job-1", func(*ingest.Job) error { return sentinel })
	if !errors.Is(err, sentinel) {
		t.Errorf("Update error = %v, want sentinel", err)
	}

	got, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Version != 1 {
		t.Errorf("version after rejected update = %d, want 1", got.Version)
	}
}

func TestRequestCancel(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	if err := store.Create(ctx, testJob("job-1")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.RequestCancel(ctx, "job-1"); err != nil {
		t.Fatalf("RequestCancel failed: %v", err)
	}
	got, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.CancelRequested {
		t.Error("CancelRequested not set")
	}
}

func TestListFilterAndPagination(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		job := testJob(id)
		if err := store.Create(ctx, job); err != nil {
			t.Fatalf("Create %s failed: %v", id, err)
		}
	}
	if _, err := store.Update(ctx, "b", func(job *ingest.Job) error {
		for i := range job.Steps {
			job.Steps[i].State = ingest.StepCompleted
		}
		return nil
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	all, err := store.List(ctx, ListFilter{}, 0, 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("List returned %d jobs, want 3", len(all))
	}

	completed, err := store.List(ctx, ListFilter{States: []ingest.JobState{ingest.JobCompleted}}, 0, 10)
	if err != nil {
		t.Fatalf("filtered List failed: %v", err)
	}
	if len(completed) != 1 || completed[0].ID != "b" {
		t.Errorf("filtered List = %+v, want [b]", completed)
	}

	page, err := store.List(ctx, ListFilter{}, 1, 1)
	if err != nil {
		t.Fatalf("paged List failed: %v", err)
	}
	if len(page) != 1 {
		t.Errorf("paged List returned %d jobs, want 1", len(page))
	}
}

func TestQueueRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	task := ingest.Task{JobID: "job-1", StepName: "filesystem", RepoPath: "/repos/demo"}
	if err := store.Enqueue(ctx, task); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	got, err := store.Dequeue(ctx, []string{"filesystem", "ast"}, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if got == nil {
		t.Fatal("Dequeue returned nil task")
	}
	if got.JobID != "job-1" || got.StepName != "filesystem" {
		t.Errorf("dequeued task = %+v", got)
	}
}

func TestDequeueEmptyTimesOut(t *testing.T) {
	store, _ := newTestStore(t)
	got, err := store.Dequeue(context.Background(), []string{"filesystem"}, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if got != nil {
		t.Errorf("Dequeue on empty queue = %+v, want nil", got)
	}
}

func TestLeaseLifecycle(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	ok, err := store.AcquireLease(ctx, "job-1", "ast", "worker-a")
	if err != nil || !ok {
		t.Fatalf("AcquireLease = %v, %v; want true, nil", ok, err)
	}

	ok, err = store.AcquireLease(ctx, "job-1", "ast", "worker-b")
	if err != nil {
		t.Fatalf("second AcquireLease failed: %v", err)
	}
	if ok {
		t.Error("second AcquireLease succeeded while lease held")
	}

	if err := store.RenewLease(ctx, "job-1", "ast", "worker-a"); err != nil {
		t.Errorf("RenewLease failed: %v", err)
	}
	if err := store.RenewLease(ctx, "job-1", "ast", "worker-b"); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("RenewLease by non-owner = %v, want ErrLeaseLost", err)
	}

	held, err := store.LeaseHeld(ctx, "job-1", "ast")
	if err != nil || !held {
		t.Fatalf("LeaseHeld = %v, %v; want true, nil", held, err)
	}

	// Expiry frees the lease for the next worker.
	mr.FastForward(time.Second)
	held, err = store.LeaseHeld(ctx, "job-1", "ast")
	if err != nil {
		t.Fatalf("LeaseHeld after expiry failed: %v", err)
	}
	if held {
		t.Error("lease still held after TTL expiry")
	}
	if err := store.RenewLease(ctx, "job-1", "ast", "worker-a"); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("RenewLease after expiry = %v, want ErrLeaseLost", err)
	}

	ok, err = store.AcquireLease(ctx, "job-1", "ast", "worker-b")
	if err != nil || !ok {
		t.Fatalf("AcquireLease after expiry = %v, %v; want true, nil", ok, err)
	}
	if err := store.ReleaseLease(ctx, "job-1", "ast", "worker-b"); err != nil {
		t.Errorf("ReleaseLease failed: %v", err)
	}
}

func TestProgressPublishSubscribe(t *testing.T) {
	store, _ := newTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events := []ingest.ProgressEvent{
		{Step: "filesystem", Percent: 10, Message: "scanning"},
		{Step: "filesystem", Percent: 100, Message: "done"},
		{Step: "ast", Percent: 40},
	}
	for _, e := range events {
		if err := store.Publish(ctx, "job-1", e); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	ch, err := store.Subscribe(ctx, "job-1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	for i, want := range events {
		select {
		case got := <-ch:
			if got.Step != want.Step || got.Percent != want.Percent || got.Message != want.Message {
				t.Errorf("event %d = %+v, want %+v", i, got, want)
			}
			if got.Timestamp.IsZero() {
				t.Errorf("event %d has zero timestamp", i)
			}
		case <-ctx.Done():
			t.Fatal("timed out waiting for replayed event")
		}
	}
}
