// Copyright (C) 2026 Deepgraph Labs (oss@deepgraph.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command deepgraphd runs the Deepgraph ingestion engine.
//
// The daemon mode (serve) hosts the orchestrator, embedded workers, and
// the admin listener (health + Prometheus metrics). The remaining verbs
// are thin clients of the shared job state store: they submit, inspect,
// and cancel jobs against the same Redis the daemon uses.
//
// # Usage
//
//	# Start the daemon
//	deepgraphd serve --config /etc/deepgraph/deepgraph.yaml
//
//	# Submit a repository and follow progress
//	deepgraphd ingest /srv/repos/myproject --follow
//
//	# Inspect and cancel
//	deepgraphd status <job-id>
//	deepgraphd cancel <job-id>
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configPath string

	// ingest flags
	ingestJobID  string
	ingestFollow bool
	ingestForce  bool

	// status flags
	statusJSON  bool
	statusState string

	rootCmd = &cobra.Command{
		Use:   "deepgraphd",
		Short: "Deepgraph repository-to-knowledge-graph ingestion engine",
		Long: `Deepgraph ingests source repositories into a property graph:
filesystem structure, parsed code entities, LLM-generated summaries,
and linked documentation.`,
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator daemon with embedded workers",
		RunE:  runServe,
	}

	ingestCmd = &cobra.Command{
		Use:   "ingest [repo-path]",
		Short: "Submit a repository for ingestion",
		Args:  cobra.ExactArgs(1),
		RunE:  runIngest,
	}

	statusCmd = &cobra.Command{
		Use:   "status [job-id]",
		Short: "Show one job, or list recent jobs when no id is given",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runStatus,
	}

	cancelCmd = &cobra.Command{
		Use:   "cancel [job-id]",
		Short: "Request cooperative cancellation of a job",
		Args:  cobra.ExactArgs(1),
		RunE:  runCancel,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c",
		defaultConfigPath(), "Path to the deepgraph configuration file")

	ingestCmd.Flags().StringVar(&ingestJobID, "id", "",
		"Client-supplied job identifier (duplicate ids are rejected)")
	ingestCmd.Flags().BoolVar(&ingestFollow, "follow", false,
		"Stream progress events until the job finishes")
	ingestCmd.Flags().BoolVar(&ingestForce, "force", false,
		"Regenerate summaries even when source hashes match")

	statusCmd.Flags().BoolVar(&statusJSON, "json", false,
		"Output as JSON for scripting")
	statusCmd.Flags().StringVar(&statusState, "state", "",
		"Filter the listing by aggregate state (pending/running/completed/failed/cancelled)")

	rootCmd.AddCommand(serveCmd, ingestCmd, statusCmd, cancelCmd)
}

func defaultConfigPath() string {
	if env := os.Getenv("DEEPGRAPH_CONFIG"); env != "" {
		return env
	}
	return "deepgraph.yaml"
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
