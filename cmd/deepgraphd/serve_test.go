// Copyright (C) 2026 Deepgraph Labs (oss@deepgraph.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"testing"

	"github.com/deepgraph-ai/deepgraph/services/ingest/config"
)

const tunedPipelineYAML = `
graph:
  uri: neo4j://graph:7687
  embedding_dimension: 1536
llm:
  models:
    chat: gpt-4o-mini
    embedding: text-embedding-3-small
redis:
  addr: redis:6379
steps:
  - name: filesystem
  - name: ast
  - name: summarize
    concurrency: 3
    options:
      failure_threshold: 2
      token_budget: 1000
`

func TestSummarizerSettingsFromPipeline(t *testing.T) {
	cfg, err := config.Parse([]byte(tunedPipelineYAML))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	concurrency, failureThreshold, tokenBudget := summarizerSettings(cfg)
	if concurrency != 3 {
		t.Errorf("concurrency = %d, want 3 from the pipeline entry", concurrency)
	}
	if failureThreshold != 2 {
		t.Errorf("failure threshold = %d, want 2", failureThreshold)
	}
	if tokenBudget != 1000 {
		t.Errorf("token budget = %d, want 1000", tokenBudget)
	}
}

func TestSummarizerSettingsUndeclared(t *testing.T) {
	cfg, err := config.Parse([]byte(`
graph:
  uri: neo4j://graph:7687
  embedding_dimension: 1536
llm:
  models:
    chat: gpt-4o-mini
    embedding: text-embedding-3-small
redis:
  addr: redis:6379
steps:
  - name: filesystem
  - name: summarize
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	concurrency, failureThreshold, tokenBudget := summarizerSettings(cfg)
	if concurrency != 0 || failureThreshold != 0 || tokenBudget != 0 {
		t.Errorf("settings = (%d, %d, %d), want zeros so the step defaults apply",
			concurrency, failureThreshold, tokenBudget)
	}
}
