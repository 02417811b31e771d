// Copyright (C) 2026 Deepgraph Labs (oss@deepgraph.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package worker runs pipeline steps dequeued from the broker.
//
// Workers are stateless between tasks: all durable state lives in the
// job store and the graph. A worker claims a task by taking the step
// lease, keeps the lease alive with heartbeats while the step runs,
// mirrors step progress into the job record, and records the outcome.
// A crashed worker simply lets its lease expire; the orchestrator's
// resume path re-queues the step.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
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

var tracer = otel.Tracer("deepgraph.worker")

// Config configures a worker.
type Config struct {
	// ID identifies this worker as a lease owner. Defaults to a UUID.
	ID string

	// Steps are the step implementations this worker serves.
	Steps []step.Step

	// Descriptors supplies per-step retry policy, keyed by step name.
	Descriptors map[string]ingest.StepDescriptor

	// PollWait bounds each blocking dequeue.
	PollWait time.Duration

	// ProgressInterval is how often running-step progress is mirrored
	// into the job record and published. At most 2s.
	ProgressInterval time.Duration

	// CancelGrace is how long a stopped step may keep running before it
	// is aborted.
	CancelGrace time.Duration

	Store   *jobstore.Store
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

func (c *Config) applyDefaults() {
	if c.ID == "" {
		c.ID = "worker-" + uuid.NewString()
	}
	if c.PollWait == 0 {
		c.PollWait = 2 * time.Second
	}
	if c.ProgressInterval == 0 || c.ProgressInterval > 2*time.Second {
		c.ProgressInterval = 2 * time.Second
	}
	if c.CancelGrace == 0 {
		c.CancelGrace = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Worker consumes step tasks from the broker and executes them.
type Worker struct {
	config Config
	steps  map[string]step.Step
	names  []string
	logger *slog.Logger
}

// New builds a worker from configuration.
func New(config Config) (*Worker, error) {
	config.applyDefaults()
	if config.Store == nil {
		return nil, errors.New("worker requires a job store")
	}
	if len(config.Steps) == 0 {
		return nil, errors.New("worker requires at least one step")
	}

	steps := make(map[string]step.Step, len(config.Steps))
	names := make([]string, 0, len(config.Steps))
	for _, s := range config.Steps {
		steps[s.Name()] = s
		names = append(names, s.Name())
	}
	return &Worker{
		config: config,
		steps:  steps,
		names:  names,
		logger: config.Logger.With(slog.String("component", "worker"), slog.String("worker_id", config.ID)),
	}, nil
}

// Run polls the step queues until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", slog.Any("steps", w.names))
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		task, err := w.config.Store.Dequeue(ctx, w.names, w.config.PollWait)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warn("dequeue failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		if task == nil {
			continue
		}
		w.execute(ctx, *task)
	}
}

// execute runs the full lifecycle for one task: lease, transition to
// running, heartbeat, step attempts with backoff, terminal transition.
func (w *Worker) execute(ctx context.Context, task ingest.Task) {
	logger := w.logger.With(slog.String("job_id", task.JobID), slog.String("step", task.StepName))

	impl, ok := w.steps[task.StepName]
	if !ok {
		logger.Error("dequeued task for unserved step")
		return
	}

	ctx, span := tracer.Start(ctx, "worker.execute",
		trace.WithAttributes(
			attribute.String("job_id", task.JobID),
			attribute.String("step", task.StepName),
		))
	defer span.End()

	acquired, err := w.config.Store.AcquireLease(ctx, task.JobID, task.StepName, w.config.ID)
	if err != nil {
		logger.Error("lease acquisition failed", slog.String("error", err.Error()))
		return
	}
	if !acquired {
		logger.Debug("lease held elsewhere, skipping task")
		return
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.config.Store.ReleaseLease(releaseCtx, task.JobID, task.StepName, w.config.ID); err != nil {
			logger.Warn("lease release failed", slog.String("error", err.Error()))
		}
	}()

	job, err := w.transitionToRunning(ctx, task)
	if err != nil {
		if !errors.Is(err, errStaleTask) {
			logger.Error("running transition failed", slog.String("error", err.Error()))
		}
		return
	}
	w.publishState(ctx, task, ingest.StepRunning, logger)
	if job.CancelRequested {
		w.finishCancelled(ctx, task, logger)
		return
	}

	descriptor := w.config.Descriptors[task.StepName]
	start := time.Now()
	runErr := w.runWithRetry(ctx, impl, task, descriptor, logger)
	w.recordStepDuration(ctx, task.StepName, time.Since(start), runErr)

	switch {
	case runErr == nil:
		w.finishCompleted(ctx, task, impl.Errors(), logger)
	case errors.Is(runErr, ingest.ErrCancelled) || errors.Is(runErr, context.Canceled):
		w.finishCancelled(ctx, task, logger)
	default:
		w.finishFailed(ctx, task, runErr, logger)
	}
}

// errStaleTask marks a dequeued task whose step is no longer pending,
// e.g. a duplicate enqueue after resume.
var errStaleTask = errors.New("task is stale")

func (w *Worker) transitionToRunning(ctx context.Context, task ingest.Task) (*ingest.Job, error) {
	return w.config.Store.Update(ctx, task.JobID, func(job *ingest.Job) error {
		st := job.Step(task.StepName)
		if st == nil {
			return fmt.Errorf("job has no step %q", task.StepName)
		}
		if st.State != ingest.StepPending {
			return fmt.Errorf("%w: step %s is %s", errStaleTask, task.StepName, st.State)
		}
		now := time.Now().UTC()
		st.State = ingest.StepRunning
		st.Attempt++
		st.Percent = 0
		st.StartedAt = &now
		st.EndedAt = nil
		return nil
	})
}

// runWithRetry executes the step, retrying retryable failures with
// exponential backoff per the descriptor. Retries stay inside the single
// running period; only the attempt counter and last error are persisted
// between tries.
func (w *Worker) runWithRetry(ctx context.Context, impl step.Step, task ingest.Task, descriptor ingest.StepDescriptor, logger *slog.Logger) error {
	backoffBase := time.Duration(descriptor.BackoffSeconds) * time.Second
	if backoffBase == 0 {
		backoffBase = 2 * time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= descriptor.Retries+1; attempt++ {
		if attempt > 1 {
			delay := backoff(backoffBase, attempt-1)
			logger.Warn("retrying step",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("error", lastErr.Error()))
			if w.config.Metrics != nil {
				w.config.Metrics.StepRetriesTotal.Add(ctx, 1,
					metric.WithAttributes(attribute.String("step", task.StepName)))
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			if _, err := w.config.Store.Update(ctx, task.JobID, func(job *ingest.Job) error {
				st := job.Step(task.StepName)
				if st != nil {
					st.Attempt++
					st.LastError = ingest.AsError(lastErr)
				}
				return nil
			}); err != nil {
				logger.Warn("attempt bookkeeping failed", slog.String("error", err.Error()))
			}
		}

		err := w.runOnce(ctx, impl, task, logger)
		if err == nil {
			return nil
		}
		if errors.Is(err, ingest.ErrCancelled) || errors.Is(err, context.Canceled) {
			return err
		}
		if payload := ingest.AsError(err); !payload.Retryable {
			return err
		}
		lastErr = err
	}
	return lastErr
}

// runOnce runs a single attempt with the lease heartbeat and progress
// mirror active for its duration.
func (w *Worker) runOnce(ctx context.Context, impl step.Step, task ingest.Task, logger *slog.Logger) error {
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	hbDone := make(chan struct{})
	go w.heartbeat(runCtx, impl, task, cancelRun, hbDone, logger)

	err := impl.Run(runCtx, task)

	cancelRun()
	<-hbDone
	return err
}

// heartbeat renews the lease, mirrors progress into the job record, and
// reacts to the job's cancellation flag while a step attempt runs.
func (w *Worker) heartbeat(ctx context.Context, impl step.Step, task ingest.Task, abortRun context.CancelFunc, done chan<- struct{}, logger *slog.Logger) {
	defer close(done)

	renewEvery := w.config.Store.LeaseTTL() / 3
	if renewEvery < 100*time.Millisecond {
		renewEvery = 100 * time.Millisecond
	}
	renew := time.NewTicker(renewEvery)
	defer renew.Stop()
	progress := time.NewTicker(w.config.ProgressInterval)
	defer progress.Stop()

	var stopIssued bool
	var stopDeadline time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case <-renew.C:
			if err := w.config.Store.RenewLease(ctx, task.JobID, task.StepName, w.config.ID); err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Error("lease renewal failed, aborting step", slog.String("error", err.Error()))
				impl.Cancel()
				abortRun()
				return
			}

		case <-progress.C:
			status := impl.Status()
			job, err := w.mirrorProgress(ctx, task, status)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("progress mirror failed", slog.String("error", err.Error()))
				continue
			}

			if job.CancelRequested && !stopIssued {
				logger.Info("cancellation observed, stopping step")
				impl.Stop()
				stopIssued = true
				stopDeadline = time.Now().Add(w.config.CancelGrace)
			}
			if stopIssued && time.Now().After(stopDeadline) {
				logger.Warn("cancel grace elapsed, aborting step")
				impl.Cancel()
				abortRun()
				return
			}
		}
	}
}

// publishState emits the progress event for a state transition. The
// terminal transitions publish from finish; this covers running.
func (w *Worker) publishState(ctx context.Context, task ingest.Task, state ingest.StepStatus, logger *slog.Logger) {
	event := ingest.ProgressEvent{Step: task.StepName, Message: string(state)}
	if err := w.config.Store.Publish(ctx, task.JobID, event); err != nil {
		logger.Debug("transition progress publish failed", slog.String("error", err.Error()))
	}
}

// mirrorProgress writes the step's percent into the job record and
// publishes a progress event.
func (w *Worker) mirrorProgress(ctx context.Context, task ingest.Task, status step.Report) (*ingest.Job, error) {
	job, err := w.config.Store.Update(ctx, task.JobID, func(job *ingest.Job) error {
		if st := job.Step(task.StepName); st != nil && status.Percent > st.Percent {
			st.Percent = status.Percent
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	publishErr := w.config.Store.Publish(ctx, task.JobID, ingest.ProgressEvent{
		Step:    task.StepName,
		Percent: status.Percent,
		Message: status.Message,
	})
	if publishErr != nil {
		w.logger.Debug("progress publish failed", slog.String("error", publishErr.Error()))
	}
	return job, nil
}

func (w *Worker) finishCompleted(ctx context.Context, task ingest.Task, tolerated []*ingest.Error, logger *slog.Logger) {
	w.finish(ctx, task, ingest.StepCompleted, nil, tolerated, logger)
	logger.Info("step completed", slog.Int("tolerated_errors", len(tolerated)))
}

func (w *Worker) finishFailed(ctx context.Context, task ingest.Task, runErr error, logger *slog.Logger) {
	w.finish(ctx, task, ingest.StepFailed, ingest.AsError(runErr), nil, logger)
	logger.Error("step failed", slog.String("error", runErr.Error()))
}

func (w *Worker) finishCancelled(ctx context.Context, task ingest.Task, logger *slog.Logger) {
	w.finish(ctx, task, ingest.StepCancelled, nil, nil, logger)
	logger.Info("step cancelled")
}

// finish writes the terminal step state. Uses a background-derived
// context so a cancelled run can still record its outcome.
func (w *Worker) finish(ctx context.Context, task ingest.Task, state ingest.StepStatus, payload *ingest.Error, tolerated []*ingest.Error, logger *slog.Logger) {
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	_, err := w.config.Store.Update(finishCtx, task.JobID, func(job *ingest.Job) error {
		st := job.Step(task.StepName)
		if st == nil {
			return fmt.Errorf("job has no step %q", task.StepName)
		}
		now := time.Now().UTC()
		st.State = state
		st.EndedAt = &now
		st.LastError = payload
		st.Errors = tolerated
		if state == ingest.StepCompleted {
			st.Percent = 100
		}
		return nil
	})
	if err != nil {
		logger.Error("terminal transition failed", slog.String("error", err.Error()))
		return
	}

	event := ingest.ProgressEvent{Step: task.StepName, Message: string(state)}
	if state == ingest.StepCompleted {
		event.Percent = 100
	}
	if err := w.config.Store.Publish(finishCtx, task.JobID, event); err != nil {
		logger.Debug("terminal progress publish failed", slog.String("error", err.Error()))
	}
}

func (w *Worker) recordStepDuration(ctx context.Context, stepName string, elapsed time.Duration, runErr error) {
	if w.config.Metrics == nil {
		return
	}
	outcome := "completed"
	if runErr != nil {
		outcome = "failed"
	}
	w.config.Metrics.StepDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(
			attribute.String("step", stepName),
			attribute.String("outcome", outcome),
		))
}

// backoff computes base * 2^(attempt-1) with ±25% jitter, capped at 60s.
func backoff(base time.Duration, attempt int) time.Duration {
	d := base * time.Duration(1<<(attempt-1))
	if d > time.Minute {
		d = time.Minute
	}
	jitter := (rand.Float64()*0.5 - 0.25) * float64(d)
	return d + time.Duration(jitter)
}
