// Copyright (C) 2026 Deepgraph Labs (oss@deepgraph.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/deepgraph-ai/deepgraph/pkg/logging"
	ingest "github.com/deepgraph-ai/deepgraph/services/ingest"
	"github.com/deepgraph-ai/deepgraph/services/ingest/config"
	"github.com/deepgraph-ai/deepgraph/services/ingest/jobstore"
)

// openStore connects to the job state store the daemon uses. The CLI
// verbs are thin store clients; the daemon's supervision loop picks up
// submitted jobs on its next tick.
func openStore(ctx context.Context) (*jobstore.Store, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	quiet := logging.New(logging.Config{Quiet: true})
	store, err := jobstore.New(ctx, jobstore.Config{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		Retention: time.Duration(cfg.Redis.RetentionHours) * time.Hour,
		LeaseTTL:  time.Duration(cfg.Redis.LeaseSecs) * time.Second,
		Logger:    quiet.Slog(),
	})
	if err != nil {
		return nil, nil, err
	}
	return store, cfg, nil
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, cfg, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	repoPath, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	info, err := os.Stat(repoPath)
	if err != nil {
		return fmt.Errorf("repository path %q: %w", repoPath, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("repository path %q is not a directory", repoPath)
	}

	id := ingestJobID
	if id == "" {
		id = uuid.NewString()
	}
	options := map[string]string{}
	if ingestForce {
		options["force"] = "true"
	}

	job := ingest.NewJob(id, repoPath, cfg.Steps, options)
	if err := store.Create(ctx, job); err != nil {
		return err
	}
	fmt.Println(job.ID)

	if !ingestFollow {
		return nil
	}
	return followJob(ctx, store, job.ID)
}

// followJob streams progress events to stdout until the job reaches a
// terminal state.
func followJob(ctx context.Context, store *jobstore.Store, jobID string) error {
	events, err := store.Subscribe(ctx, jobID)
	if err != nil {
		return err
	}

	poll := time.NewTicker(2 * time.Second)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return nil
			}
			fmt.Printf("%-12s %6.1f%%  %s\n", event.Step, event.Percent, event.Message)
		case <-poll.C:
			job, err := store.Get(ctx, jobID)
			if err != nil {
				return err
			}
			switch job.State {
			case ingest.JobCompleted, ingest.JobFailed, ingest.JobCancelled:
				fmt.Printf("job %s %s\n", job.ID, job.State)
				if job.State == ingest.JobFailed {
					printFailure(job)
				}
				return nil
			}
		}
	}
}

func printFailure(job *ingest.Job) {
	for _, st := range job.Steps {
		if st.LastError != nil {
			fmt.Printf("  step %s: [%s] %s\n", st.Name, st.LastError.Kind, st.LastError.Message)
		}
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, _, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	if len(args) == 1 {
		job, err := store.Get(ctx, args[0])
		if err != nil {
			return err
		}
		return printJob(job)
	}

	filter := jobstore.ListFilter{}
	if statusState != "" {
		filter.States = []ingest.JobState{ingest.JobState(statusState)}
	}
	jobs, err := store.List(ctx, filter, 0, 50)
	if err != nil {
		return err
	}
	if statusJSON {
		return json.NewEncoder(os.Stdout).Encode(jobs)
	}
	for _, job := range jobs {
		fmt.Printf("%-36s  %-9s  %s\n", job.ID, job.State, job.RepoPath)
	}
	return nil
}

func printJob(job *ingest.Job) error {
	if statusJSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(job)
	}
	fmt.Printf("job:   %s\n", job.ID)
	fmt.Printf("repo:  %s\n", job.RepoPath)
	fmt.Printf("state: %s\n", job.State)
	for _, st := range job.Steps {
		line := fmt.Sprintf("  %-12s %-9s %5.1f%%", st.Name, st.State, st.Percent)
		if st.Attempt > 1 {
			line += fmt.Sprintf("  (attempt %d)", st.Attempt)
		}
		fmt.Println(line)
		if st.LastError != nil {
			fmt.Printf("    [%s] %s\n", st.LastError.Kind, st.LastError.Message)
		}
		for _, e := range st.Errors {
			fmt.Printf("    tolerated [%s] %s\n", e.Kind, e.Message)
		}
	}
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, _, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.RequestCancel(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("cancellation requested for job %s\n", args[0])
	return nil
}
