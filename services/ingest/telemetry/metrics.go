// Copyright (C) 2026 Deepgraph Labs (oss@deepgraph.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package telemetry declares the OpenTelemetry metrics shared by the
// ingestion engine. All metrics use the "ingest_" prefix.
package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Metrics contains pre-defined metrics for the ingestion engine.
//
// Thread Safety: safe for concurrent use after creation.
type Metrics struct {
	// --- Graph store ---

	// GraphQueriesTotal counts graph queries by mode and status.
	GraphQueriesTotal metric.Int64Counter

	// GraphQueryDuration records graph query duration in seconds.
	GraphQueryDuration metric.Float64Histogram

	// GraphConnectRetries counts connection attempts beyond the first,
	// including fallback-host candidates.
	GraphConnectRetries metric.Int64Counter

	// --- LLM gateway ---

	// LLMCallsTotal counts LLM calls by model and role.
	LLMCallsTotal metric.Int64Counter

	// LLMRetriesTotal counts rate-limit retries by model and role.
	LLMRetriesTotal metric.Int64Counter

	// LLMFailuresTotal counts calls that exhausted their retry budget.
	LLMFailuresTotal metric.Int64Counter

	// LLMCallDuration records LLM call duration in seconds.
	LLMCallDuration metric.Float64Histogram

	// --- Jobs and steps ---

	// JobsTotal counts job terminal states.
	JobsTotal metric.Int64Counter

	// StepDuration records step duration in seconds by step name and status.
	StepDuration metric.Float64Histogram

	// StepRetriesTotal counts step retry attempts.
	StepRetriesTotal metric.Int64Counter

	// --- Summarizer ---

	// SummaryNodesTotal counts summarized nodes by outcome.
	SummaryNodesTotal metric.Int64Counter

	// SummaryInFlight tracks concurrently running summary generations.
	SummaryInFlight metric.Int64UpDownCounter
}

// NewMetrics registers all ingestion metrics on the global meter provider.
//
// Outputs:
//
//	*Metrics - All instruments registered. Never nil on success.
//	error - Non-nil if any instrument registration fails.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("deepgraph.ingest")
	m := &Metrics{}
	var err error

	if m.GraphQueriesTotal, err = meter.Int64Counter("ingest_graph_queries_total",
		metric.WithDescription("Graph queries by mode and status")); err != nil {
		return nil, fmt.Errorf("register graph queries counter: %w", err)
	}
	if m.GraphQueryDuration, err = meter.Float64Histogram("ingest_graph_query_duration_seconds",
		metric.WithDescription("Graph query duration"), metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("register graph query histogram: %w", err)
	}
	if m.GraphConnectRetries, err = meter.Int64Counter("ingest_graph_connect_retries_total",
		metric.WithDescription("Graph connection retries including fallback candidates")); err != nil {
		return nil, fmt.Errorf("register graph connect retries: %w", err)
	}
	if m.LLMCallsTotal, err = meter.Int64Counter("ingest_llm_calls_total",
		metric.WithDescription("LLM calls by model and role")); err != nil {
		return nil, fmt.Errorf("register llm calls counter: %w", err)
	}
	if m.LLMRetriesTotal, err = meter.Int64Counter("ingest_llm_retries_total",
		metric.WithDescription("LLM rate-limit retries")); err != nil {
		return nil, fmt.Errorf("register llm retries counter: %w", err)
	}
	if m.LLMFailuresTotal, err = meter.Int64Counter("ingest_llm_failures_total",
		metric.WithDescription("LLM calls that exhausted retries")); err != nil {
		return nil, fmt.Errorf("register llm failures counter: %w", err)
	}
	if m.LLMCallDuration, err = meter.Float64Histogram("ingest_llm_call_duration_seconds",
		metric.WithDescription("LLM call duration"), metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("register llm duration histogram: %w", err)
	}
	if m.JobsTotal, err = meter.Int64Counter("ingest_jobs_total",
		metric.WithDescription("Jobs reaching a terminal state")); err != nil {
		return nil, fmt.Errorf("register jobs counter: %w", err)
	}
	if m.StepDuration, err = meter.Float64Histogram("ingest_step_duration_seconds",
		metric.WithDescription("Step duration by name and status"), metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("register step duration histogram: %w", err)
	}
	if m.StepRetriesTotal, err = meter.Int64Counter("ingest_step_retries_total",
		metric.WithDescription("Step retry attempts")); err != nil {
		return nil, fmt.Errorf("register step retries counter: %w", err)
	}
	if m.SummaryNodesTotal, err = meter.Int64Counter("ingest_summary_nodes_total",
		metric.WithDescription("Summarized nodes by outcome")); err != nil {
		return nil, fmt.Errorf("register summary nodes counter: %w", err)
	}
	if m.SummaryInFlight, err = meter.Int64UpDownCounter("ingest_summary_in_flight",
		metric.WithDescription("Concurrently running summary generations")); err != nil {
		return nil, fmt.Errorf("register summary in-flight counter: %w", err)
	}

	return m, nil
}
