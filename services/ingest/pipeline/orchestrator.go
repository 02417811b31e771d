// Copyright (C) 2026 Deepgraph Labs (oss@deepgraph.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package pipeline drives jobs through their configured step sequence.
//
// The orchestrator owns job creation, step dispatch, cancellation, and
// crash-resume. It never executes step logic itself: steps run in
// workers, claimed through broker queues and leases. The supervision
// loop polls active job records, enqueues the next runnable step when
// its predecessor completes, and detects orphaned running steps by their
// expired leases.
//
// Duplicate dispatch is harmless by construction: workers take a lease
// and refuse tasks whose step is no longer pending, so the loop can err
// on the side of re-enqueueing.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	ingest "github.com/deepgraph-ai/deepgraph/services/ingest"
	"github.com/deepgraph-ai/deepgraph/services/ingest/jobstore"
	"github.com/deepgraph-ai/deepgraph/services/ingest/step"
	"github.com/deepgraph-ai/deepgraph/services/ingest/telemetry"
)

var tracer = otel.Tracer("deepgraph.pipeline")

// Config configures the orchestrator.
type Config struct {
	// Descriptors is the configured pipeline, in execution order.
	Descriptors []ingest.StepDescriptor

	// PollInterval paces the supervision loop. Capped at 1s.
	PollInterval time.Duration

	Store    *jobstore.Store
	Registry *step.Registry
	Logger   *slog.Logger
	Metrics  *telemetry.Metrics
}

func (c *Config) applyDefaults() {
	if c.PollInterval == 0 || c.PollInterval > time.Second {
		c.PollInterval = time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Orchestrator creates jobs and supervises their progression.
//
// Thread Safety: safe for concurrent use.
type Orchestrator struct {
	config Config
	logger *slog.Logger

	mu         sync.Mutex
	dispatched map[string]string // job id -> "step#attempt" last enqueued
}

// New validates the configured pipeline against the registry and builds
// the orchestrator. An unknown step or out-of-order dependency is a
// configuration error and fatal here, before any job is accepted.
func New(config Config) (*Orchestrator, error) {
	config.applyDefaults()
	if config.Store == nil {
		return nil, errors.New("orchestrator requires a job store")
	}
	if config.Registry == nil {
		return nil, errors.New("orchestrator requires a step registry")
	}
	if len(config.Descriptors) == 0 {
		return nil, ingest.NewError(ingest.KindConfiguration,
			errors.New("pipeline has no steps configured"))
	}

	names := make([]string, len(config.Descriptors))
	for i, d := range config.Descriptors {
		names[i] = d.Name
	}
	if _, err := config.Registry.Resolve(names); err != nil {
		return nil, err
	}

	return &Orchestrator{
		config:     config,
		logger:     config.Logger.With(slog.String("component", "orchestrator")),
		dispatched: make(map[string]string),
	}, nil
}

// Submit creates a job for a repository and dispatches its first step.
//
// Description:
//
//	An empty id gets a generated UUID. The repository path must exist
//	and be a directory; anything else is a permanent input error. A
//	duplicate id surfaces ingest.ErrJobExists for the caller to map to
//	Conflict.
func (o *Orchestrator) Submit(ctx context.Context, id, repoPath string, options map[string]string) (*ingest.Job, error) {
	ctx, span := tracer.Start(ctx, "pipeline.Submit")
	defer span.End()

	if id == "" {
		id = uuid.NewString()
	}
	span.SetAttributes(attribute.String("job_id", id))

	info, err := os.Stat(repoPath)
	if err != nil {
		return nil, ingest.NewError(ingest.KindPermanentInput,
			fmt.Errorf("repository path %q: %w", repoPath, err))
	}
	if !info.IsDir() {
		return nil, ingest.NewError(ingest.KindPermanentInput,
			fmt.Errorf("repository path %q is not a directory", repoPath))
	}

	job := ingest.NewJob(id, repoPath, o.config.Descriptors, options)
	if err := o.config.Store.Create(ctx, job); err != nil {
		return nil, err
	}
	if o.config.Metrics != nil {
		o.config.Metrics.JobsTotal.Add(ctx, 1,
			metric.WithAttributes(attribute.String("outcome", "submitted")))
	}

	if err := o.dispatch(ctx, job, 0); err != nil {
		o.logger.Error("initial dispatch failed, supervision will retry",
			slog.String("job_id", id), slog.String("error", err.Error()))
	}
	return job, nil
}

// Cancel flags a job for cancellation. Running steps are stopped by
// their workers; pending steps are marked cancelled by the supervision
// loop. Cancelling a terminal job is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	job, err := o.config.Store.Get(ctx, id)
	if err != nil {
		return err
	}
	switch job.State {
	case ingest.JobCompleted, ingest.JobFailed, ingest.JobCancelled:
		return nil
	}
	o.logger.Info("cancellation requested", slog.String("job_id", id))
	return o.config.Store.RequestCancel(ctx, id)
}

// Run executes the supervision loop until the context is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.tick(ctx)
		}
	}
}

func (o *Orchestrator) tick(ctx context.Context) {
	jobs, err := o.config.Store.List(ctx, jobstore.ListFilter{
		States: []ingest.JobState{ingest.JobPending, ingest.JobRunning},
	}, 0, 1000)
	if err != nil {
		o.logger.Warn("supervision list failed", slog.String("error", err.Error()))
		return
	}
	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		if err := o.advance(ctx, job); err != nil {
			o.logger.Warn("supervision advance failed",
				slog.String("job_id", job.ID), slog.String("error", err.Error()))
		}
	}
}

// advance moves one job forward by at most one decision.
func (o *Orchestrator) advance(ctx context.Context, job *ingest.Job) error {
	if job.CancelRequested {
		return o.cancelPendingSteps(ctx, job)
	}

	for i := range job.Steps {
		st := &job.Steps[i]
		switch st.State {
		case ingest.StepCompleted, ingest.StepSkipped:
			continue

		case ingest.StepFailed, ingest.StepCancelled:
			// Terminal for the job; Recompute on the last update
			// already settled the aggregate state.
			o.forget(job.ID)
			return nil

		case ingest.StepRunning:
			held, err := o.config.Store.LeaseHeld(ctx, job.ID, st.Name)
			if err != nil {
				return err
			}
			if held {
				return nil // worker alive, nothing to do
			}
			o.logger.Warn("orphaned running step detected",
				slog.String("job_id", job.ID), slog.String("step", st.Name))
			return o.Resume(ctx, job.ID)

		case ingest.StepPending:
			return o.dispatch(ctx, job, i)
		}
	}

	o.forget(job.ID)
	return nil
}

// dispatch enqueues the step at index unless this exact attempt was
// already enqueued by this process.
func (o *Orchestrator) dispatch(ctx context.Context, job *ingest.Job, index int) error {
	st := job.Steps[index]
	marker := fmt.Sprintf("%s#%d", st.Name, st.Attempt)

	o.mu.Lock()
	if o.dispatched[job.ID] == marker {
		o.mu.Unlock()
		return nil
	}
	o.dispatched[job.ID] = marker
	o.mu.Unlock()

	descriptor := o.config.Descriptors[index]
	task := ingest.Task{
		JobID:    job.ID,
		StepName: st.Name,
		RepoPath: job.RepoPath,
		Options:  taskOptions(descriptor, job),
	}
	if err := o.config.Store.Enqueue(ctx, task); err != nil {
		o.forget(job.ID)
		return err
	}
	o.logger.Info("step dispatched",
		slog.String("job_id", job.ID), slog.String("step", st.Name))
	return nil
}

// taskOptions merges job-level options over the step descriptor's.
// Job options arrive as strings; "true"/"false" are coerced so steps
// reading boolean flags see them as such.
func taskOptions(descriptor ingest.StepDescriptor, job *ingest.Job) map[string]any {
	if len(job.Options) == 0 {
		return descriptor.Options
	}
	options := make(map[string]any, len(descriptor.Options)+len(job.Options))
	for k, v := range descriptor.Options {
		options[k] = v
	}
	for k, v := range job.Options {
		switch v {
		case "true":
			options[k] = true
		case "false":
			options[k] = false
		default:
			options[k] = v
		}
	}
	return options
}

// cancelPendingSteps marks every still-pending step cancelled. Running
// steps are left to their workers, which observe the flag and stop.
func (o *Orchestrator) cancelPendingSteps(ctx context.Context, job *ingest.Job) error {
	anyPending := false
	for i := range job.Steps {
		if job.Steps[i].State == ingest.StepPending {
			anyPending = true
			break
		}
	}
	if !anyPending {
		return nil
	}
	_, err := o.config.Store.Update(ctx, job.ID, func(j *ingest.Job) error {
		now := time.Now().UTC()
		for i := range j.Steps {
			if j.Steps[i].State == ingest.StepPending {
				j.Steps[i].State = ingest.StepCancelled
				j.Steps[i].EndedAt = &now
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	o.forget(job.ID)
	return nil
}

// Resume re-queues a job after a crash.
//
// Description:
//
//	Any running step whose lease expired is reset to pending; the job
//	then restarts at its first non-terminal step. Steps are idempotent,
//	so rerunning a step that partially completed converges to the same
//	graph state. Called by the supervision loop on orphaned steps and by
//	the daemon at startup for every non-terminal job.
func (o *Orchestrator) Resume(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "pipeline.Resume",
		trace.WithAttributes(attribute.String("job_id", id)))
	defer span.End()

	job, err := o.config.Store.Get(ctx, id)
	if err != nil {
		return err
	}
	switch job.State {
	case ingest.JobCompleted, ingest.JobFailed, ingest.JobCancelled:
		return nil
	}

	job, err = o.config.Store.Update(ctx, id, func(j *ingest.Job) error {
		for i := range j.Steps {
			st := &j.Steps[i]
			if st.State != ingest.StepRunning {
				continue
			}
			held, herr := o.config.Store.LeaseHeld(ctx, id, st.Name)
			if herr != nil {
				return herr
			}
			if held {
				continue
			}
			st.State = ingest.StepPending
			st.Percent = 0
			st.StartedAt = nil
		}
		return nil
	})
	if err != nil {
		return err
	}

	o.forget(id)
	for i := range job.Steps {
		st := job.Steps[i]
		if st.State == ingest.StepCompleted || st.State == ingest.StepSkipped {
			continue
		}
		if st.State == ingest.StepPending {
			o.logger.Info("resuming job",
				slog.String("job_id", id), slog.String("step", st.Name))
			return o.dispatch(ctx, job, i)
		}
		return nil
	}
	return nil
}

// ResumeAll adopts every non-terminal job, used at daemon startup.
func (o *Orchestrator) ResumeAll(ctx context.Context) error {
	jobs, err := o.config.Store.List(ctx, jobstore.ListFilter{
		States: []ingest.JobState{ingest.JobPending, ingest.JobRunning},
	}, 0, 1000)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if err := o.Resume(ctx, job.ID); err != nil {
			o.logger.Error("resume failed",
				slog.String("job_id", job.ID), slog.String("error", err.Error()))
		}
	}
	return nil
}

func (o *Orchestrator) forget(jobID string) {
	o.mu.Lock()
	delete(o.dispatched, jobID)
	o.mu.Unlock()
}
