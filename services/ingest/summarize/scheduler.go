// Copyright (C) 2026 Deepgraph Labs (oss@deepgraph.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package summarize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/semaphore"

	ingest "github.com/deepgraph-ai/deepgraph/services/ingest"
	"github.com/deepgraph-ai/deepgraph/services/ingest/telemetry"
)

// SchedulerConfig tunes one summarization run.
type SchedulerConfig struct {
	// Concurrency caps in-flight unit summarizations across the whole
	// DAG, not per level.
	Concurrency int64

	// FailureThreshold is the number of unit failures tolerated before
	// the step as a whole fails.
	FailureThreshold int

	// Force regenerates summaries even when source hashes match.
	Force bool

	// Halted is polled before each unit is started. Typically the step
	// tracker's Halted.
	Halted func() bool

	// Progress receives (completed, total) after every unit completion.
	Progress func(done, total int)

	// RecordError receives the payload for each failed unit. Typically
	// the step tracker's RecordError, which surfaces tolerated failures
	// on the job record when the step still completes.
	RecordError func(*ingest.Error)

	Checkpoint *Checkpoint
	Metrics    *telemetry.Metrics
	Logger     *slog.Logger
}

func (c *SchedulerConfig) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.Halted == nil {
		c.Halted = func() bool { return false }
	}
	if c.Progress == nil {
		c.Progress = func(int, int) {}
	}
	if c.RecordError == nil {
		c.RecordError = func(*ingest.Error) {}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Scheduler executes a unit DAG bottom-up with bounded parallelism.
type Scheduler struct {
	generator *Generator
	config    SchedulerConfig
	logger    *slog.Logger
}

// NewScheduler builds a scheduler around a generator.
func NewScheduler(generator *Generator, config SchedulerConfig) *Scheduler {
	config.applyDefaults()
	return &Scheduler{
		generator: generator,
		config:    config,
		logger:    config.Logger.With(slog.String("component", "summarize_scheduler")),
	}
}

// unitResult is one finished unit coming back from a worker goroutine.
type unitResult struct {
	id      int
	state   UnitState
	summary string
	reused  bool
	err     error
}

// Run summarizes every unit of the DAG.
//
// Description:
//
//	Maintains a ready set of units whose predecessors are all terminal.
//	Ready units are dispatched under a weighted semaphore capping
//	in-flight LLM work at Concurrency. A unit whose predecessor failed
//	still runs, with a placeholder note standing in for the missing
//	summary. Cancellation is checked before each dispatch and on every
//	completion; in-flight units drain before Run returns. Completed
//	units are checkpointed so a rerun resumes where this one stopped.
//
// Outputs:
//
//	error - ingest.ErrCancelled on halt; a partial-data payload when
//	        failures exceed the threshold; nil otherwise.
func (s *Scheduler) Run(ctx context.Context, jobID string, dag *DAG) error {
	total := len(dag.Units)
	if total == 0 {
		s.config.Progress(0, 0)
		return nil
	}

	states := make([]UnitState, total)
	summaries := make([]string, total)
	pendingPreds := make([]int, total)
	for i, u := range dag.Units {
		states[i] = UnitPending
		pendingPreds[i] = len(u.Preds)
	}

	completed := s.restoreCheckpoint(jobID, dag, states, summaries, pendingPreds)

	var ready []int
	for i, u := range dag.Units {
		if states[i] == UnitPending && pendingPreds[u.ID] == 0 {
			ready = append(ready, i)
		}
	}

	sem := semaphore.NewWeighted(s.config.Concurrency)
	results := make(chan unitResult, total)
	inFlight := 0
	halted := false

	dispatch := func(id int) error {
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		states[id] = UnitRunning
		inFlight++
		if s.config.Metrics != nil {
			s.config.Metrics.SummaryInFlight.Add(ctx, 1)
		}
		unit := dag.Units[id]
		preds := s.predecessorSummaries(dag, unit, states, summaries)
		go func() {
			summary, reused, err := s.generator.Summarize(ctx, unit, preds, s.config.Force)
			res := unitResult{id: id, summary: summary, reused: reused, err: err}
			if err != nil {
				res.state = UnitFailed
			} else {
				res.state = UnitSummarized
			}
			results <- res
		}()
		return nil
	}

	failures := 0
	for completed < total {
		// Dispatch everything ready, unless halting.
		for len(ready) > 0 && !halted {
			if s.config.Halted() || ctx.Err() != nil {
				halted = true
				break
			}
			id := ready[len(ready)-1]
			ready = ready[:len(ready)-1]
			if err := dispatch(id); err != nil {
				halted = true
				break
			}
		}

		if inFlight == 0 {
			break // halted, or nothing runnable remains
		}

		res := <-results
		sem.Release(1)
		inFlight--
		if s.config.Metrics != nil {
			s.config.Metrics.SummaryInFlight.Add(ctx, -1)
		}

		states[res.id] = res.state
		summaries[res.id] = res.summary
		completed++
		s.config.Progress(completed, total)

		unit := dag.Units[res.id]
		if res.err != nil {
			failures++
			s.config.RecordError(ingest.NewError(ingest.KindPartialData,
				fmt.Errorf("unit %s: %w", unit.Describe(), res.err)))
			s.logger.Warn("unit summarization failed",
				slog.String("unit", unit.Describe()),
				slog.String("error", res.err.Error()))
		} else {
			if s.config.Metrics != nil {
				s.config.Metrics.SummaryNodesTotal.Add(ctx, 1)
			}
			s.logger.Debug("unit summarized",
				slog.String("unit", unit.Describe()),
				slog.Bool("reused", res.reused))
		}
		s.checkpointUnit(jobID, unit, res)

		for _, succ := range unit.Succs {
			pendingPreds[succ]--
			if pendingPreds[succ] == 0 && states[succ] == UnitPending {
				ready = append(ready, succ)
			}
		}

		if s.config.Halted() || ctx.Err() != nil {
			halted = true
		}
	}

	if halted {
		s.markSkipped(jobID, dag, states)
		return ingest.ErrCancelled
	}
	if failures > s.config.FailureThreshold {
		return ingest.NewError(ingest.KindPartialData,
			fmt.Errorf("%d of %d units failed (threshold %d)",
				failures, total, s.config.FailureThreshold))
	}
	return nil
}

// predecessorSummaries collects the context summaries for a unit. Failed
// or skipped predecessors contribute the placeholder note.
func (s *Scheduler) predecessorSummaries(dag *DAG, unit *Unit, states []UnitState, summaries []string) []string {
	out := make([]string, 0, len(unit.Preds))
	for _, p := range unit.Preds {
		switch states[p] {
		case UnitSummarized:
			if summaries[p] != "" {
				out = append(out, summaries[p])
			}
		case UnitFailed, UnitSkipped:
			out = append(out, placeholderNote)
		}
	}
	return out
}

// restoreCheckpoint applies prior progress: units already summarized
// with an unchanged source hash are settled without work. Returns the
// number of settled units.
func (s *Scheduler) restoreCheckpoint(jobID string, dag *DAG, states []UnitState, summaries []string, pendingPreds []int) int {
	if s.config.Checkpoint == nil || s.config.Force {
		return 0
	}
	entries, err := s.config.Checkpoint.Load(jobID)
	if err != nil {
		s.logger.Warn("checkpoint load failed, starting fresh", slog.String("error", err.Error()))
		return 0
	}
	if len(entries) == 0 {
		return 0
	}

	completed := 0
	for i, u := range dag.Units {
		entry, ok := entries[u.Key()]
		if !ok || entry.State != UnitSummarized || entry.SourceHash != u.Hash() {
			continue
		}
		states[i] = UnitSummarized
		summaries[i] = entry.Summary
		completed++
		for _, succ := range u.Succs {
			pendingPreds[succ]--
		}
	}
	if completed > 0 {
		s.logger.Info("resumed from checkpoint",
			slog.String("job_id", jobID), slog.Int("units", completed))
	}
	return completed
}

func (s *Scheduler) checkpointUnit(jobID string, unit *Unit, res unitResult) {
	if s.config.Checkpoint == nil {
		return
	}
	entry := CheckpointEntry{State: res.state, SourceHash: unit.Hash(), Summary: res.summary}
	if err := s.config.Checkpoint.Put(jobID, unit.Key(), entry); err != nil {
		s.logger.Warn("checkpoint write failed",
			slog.String("unit", unit.Key()), slog.String("error", err.Error()))
	}
}

// markSkipped checkpoints still-pending units as skipped after a halt.
func (s *Scheduler) markSkipped(jobID string, dag *DAG, states []UnitState) {
	if s.config.Checkpoint == nil {
		return
	}
	for i, u := range dag.Units {
		if states[i] != UnitPending {
			continue
		}
		entry := CheckpointEntry{State: UnitSkipped, SourceHash: u.Hash()}
		if err := s.config.Checkpoint.Put(jobID, u.Key(), entry); err != nil &&
			!errors.Is(err, context.Canceled) {
			s.logger.Debug("skip checkpoint write failed", slog.String("error", err.Error()))
		}
	}
}
