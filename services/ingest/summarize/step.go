// Copyright (C) 2026 Deepgraph Labs (oss@deepgraph.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package summarize

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	ingest "github.com/deepgraph-ai/deepgraph/services/ingest"
	"github.com/deepgraph-ai/deepgraph/services/ingest/llm"
	"github.com/deepgraph-ai/deepgraph/services/ingest/step"
	"github.com/deepgraph-ai/deepgraph/services/ingest/telemetry"
)

var tracer = otel.Tracer("deepgraph.summarize")

// StepName is the registry name of the summarizer step.
const StepName = "summarize"

// StepConfig configures the summarizer step.
type StepConfig struct {
	Graph   Graph
	Gateway llm.Gateway

	// Concurrency caps in-flight LLM summarizations. Default 5.
	Concurrency int64

	// FailureThreshold tolerated unit failures before the step fails.
	FailureThreshold int

	// TokenBudget caps prompt content per unit.
	TokenBudget int

	Checkpoint *Checkpoint
	Logger     *slog.Logger
	Metrics    *telemetry.Metrics
}

// Step runs dependency-ordered summarization over one repository.
type Step struct {
	*step.Tracker
	config    StepConfig
	generator *Generator
	logger    *slog.Logger
}

// NewStep builds the summarizer step.
func NewStep(config StepConfig) *Step {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Step{
		Tracker:   step.NewTracker(),
		config:    config,
		generator: NewGenerator(config.Graph, config.Gateway, config.TokenBudget, config.Logger),
		logger:    config.Logger.With(slog.String("component", "summarize")),
	}
}

func (s *Step) Name() string { return StepName }

func (s *Step) Dependencies() []string { return []string{"ast"} }

// Run builds the dependency DAG for the repository and summarizes it
// bottom-up. An empty repository completes immediately. On success the
// job's checkpoint is cleared; on halt or failure it is kept so the
// rerun resumes.
func (s *Step) Run(ctx context.Context, task ingest.Task) error {
	s.Begin()
	ctx, span := tracer.Start(ctx, "summarize.Run",
		trace.WithAttributes(attribute.String("job_id", task.JobID)))
	defer span.End()

	dag, err := BuildDAG(ctx, s.config.Graph, task.RepoPath)
	if err != nil {
		return ingest.NewError(ingest.KindTransient,
			fmt.Errorf("build summary dag: %w", err))
	}
	if len(dag.Units) == 0 {
		s.logger.Info("nothing to summarize", slog.String("repo", task.RepoPath))
		s.SetProgress(100, "empty repository")
		return nil
	}
	s.logger.Info("summarization started",
		slog.String("job_id", task.JobID), slog.Int("units", len(dag.Units)))

	scheduler := NewScheduler(s.generator, SchedulerConfig{
		Concurrency:      s.concurrency(task),
		FailureThreshold: s.config.FailureThreshold,
		Force:            forceOption(task),
		Halted:           s.Halted,
		Progress: func(done, total int) {
			if total == 0 {
				return
			}
			s.SetProgress(float64(done)/float64(total)*100,
				fmt.Sprintf("%d/%d summarized", done, total))
		},
		RecordError: s.RecordError,
		Checkpoint:  s.config.Checkpoint,
		Metrics:     s.config.Metrics,
		Logger:      s.config.Logger,
	})

	if err := scheduler.Run(ctx, task.JobID, dag); err != nil {
		return err
	}

	if s.config.Checkpoint != nil {
		if cerr := s.config.Checkpoint.Clear(task.JobID); cerr != nil {
			s.logger.Warn("checkpoint clear failed", slog.String("error", cerr.Error()))
		}
	}
	s.SetProgress(100, "summarization complete")
	return nil
}

func (s *Step) concurrency(task ingest.Task) int64 {
	if raw, ok := task.Options["concurrency"]; ok {
		switch v := raw.(type) {
		case int:
			return int64(v)
		case float64:
			return int64(v)
		}
	}
	return s.config.Concurrency
}

// forceOption reads the per-task "force" flag that regenerates summaries
// regardless of matching source hashes.
func forceOption(task ingest.Task) bool {
	v, ok := task.Options["force"]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}
