// Copyright (C) 2026 Deepgraph Labs (oss@deepgraph.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"golang.org/x/sync/errgroup"

	"github.com/deepgraph-ai/deepgraph/pkg/logging"
	ingest "github.com/deepgraph-ai/deepgraph/services/ingest"
	"github.com/deepgraph-ai/deepgraph/services/ingest/astparse"
	"github.com/deepgraph-ai/deepgraph/services/ingest/config"
	"github.com/deepgraph-ai/deepgraph/services/ingest/docstep"
	"github.com/deepgraph-ai/deepgraph/services/ingest/fswalk"
	"github.com/deepgraph-ai/deepgraph/services/ingest/graphstore"
	"github.com/deepgraph-ai/deepgraph/services/ingest/jobstore"
	"github.com/deepgraph-ai/deepgraph/services/ingest/llm"
	"github.com/deepgraph-ai/deepgraph/services/ingest/pipeline"
	"github.com/deepgraph-ai/deepgraph/services/ingest/step"
	"github.com/deepgraph-ai/deepgraph/services/ingest/summarize"
	"github.com/deepgraph-ai/deepgraph/services/ingest/telemetry"
	"github.com/deepgraph-ai/deepgraph/services/ingest/worker"
)

// defaultParserCommand is the parser argv used when the ast step declares
// no command of its own. {repo} and {graph} are expanded per task.
var defaultParserCommand = []string{
	"deepgraph-astparse", "--repo", "{repo}", "--graph", "{graph}",
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Log.Level),
		LogDir:  cfg.Log.Dir,
		JSON:    cfg.Log.JSON,
		Service: "deepgraphd",
	})
	defer log.Close()
	logger := log.Slog()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Metrics: otel instruments exported through the Prometheus registry
	// and served on the admin listener.
	exporter, err := otelprom.New()
	if err != nil {
		return fmt.Errorf("create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(resource.NewSchemaless(
			attribute.String("service.name", "deepgraphd"),
		)),
	)
	otel.SetMeterProvider(provider)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("meter provider shutdown failed", slog.String("error", err.Error()))
		}
	}()
	metrics, err := telemetry.NewMetrics()
	if err != nil {
		return err
	}

	graph, err := graphstore.New(ctx, graphstore.Options{
		URI:            cfg.Graph.URI,
		Username:       cfg.Graph.Username,
		Password:       cfg.Graph.Password,
		FallbackHosts:  cfg.Graph.FallbackHosts,
		PoolSize:       cfg.Graph.PoolSize,
		ConnectTimeout: cfg.Graph.ConnectionTimeout(),
		RetryBudget:    cfg.Graph.TransactionRetries,
		EmbeddingDim:   cfg.Graph.EmbeddingDimension,
		Logger:         logger,
		Metrics:        metrics,
	})
	if err != nil {
		return err
	}
	defer graph.Close(context.Background())
	if err := graph.InitializeSchema(ctx); err != nil {
		return err
	}

	gateway, err := llm.NewOpenAIGateway(llm.GatewayConfig{
		Endpoint: cfg.LLM.Endpoint,
		APIKey:   cfg.LLM.APIKey(),
		Models: llm.ModelMap{
			Chat:      cfg.LLM.Models.Chat,
			Reasoning: cfg.LLM.Models.Reasoning,
			Embedding: cfg.LLM.Models.Embedding,
		},
		MaxRetries:     cfg.LLM.MaxRetries,
		BackoffBase:    time.Duration(cfg.LLM.BackoffBaseMS) * time.Millisecond,
		RequestsPerSec: cfg.LLM.RequestsPerSec,
		CallTimeout:    time.Duration(cfg.LLM.TimeoutSecs) * time.Second,
		Logger:         logger,
		Metrics:        metrics,
	})
	if err != nil {
		return err
	}

	store, err := jobstore.New(ctx, jobstore.Config{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		Retention: time.Duration(cfg.Redis.RetentionHours) * time.Hour,
		LeaseTTL:  time.Duration(cfg.Redis.LeaseSecs) * time.Second,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	checkpoint, err := summarize.OpenCheckpoint(cfg.CheckpointDir, logger)
	if err != nil {
		return err
	}
	defer checkpoint.Close()

	registry, steps, err := buildSteps(cfg, graph, gateway, checkpoint, metrics, logger)
	if err != nil {
		return err
	}

	orchestrator, err := pipeline.New(pipeline.Config{
		Descriptors: cfg.Steps,
		Store:       store,
		Registry:    registry,
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		return err
	}

	descriptors := make(map[string]ingest.StepDescriptor, len(cfg.Steps))
	for _, d := range cfg.Steps {
		descriptors[d.Name] = d
	}
	wk, err := worker.New(worker.Config{
		Steps:       steps,
		Descriptors: descriptors,
		CancelGrace: cfg.CancelGrace(),
		Store:       store,
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		return err
	}

	// Adopt jobs orphaned by a previous process before accepting new work.
	if err := orchestrator.ResumeAll(ctx); err != nil {
		logger.Warn("startup resume failed", slog.String("error", err.Error()))
	}

	configStore := config.NewStore(configPath, cfg, logger)
	admin := adminServer(cfg.AdminAddr)

	logger.Info("deepgraphd started",
		slog.String("admin_addr", cfg.AdminAddr),
		slog.Int("pipeline_steps", len(cfg.Steps)))

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return orchestrator.Run(groupCtx) })
	group.Go(func() error { return wk.Run(groupCtx) })
	group.Go(func() error { return configStore.Watch(groupCtx) })
	group.Go(func() error {
		if err := admin.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return admin.Shutdown(shutdownCtx)
	})

	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info("deepgraphd stopped")
		return nil
	}
	return err
}

// buildSteps constructs and registers every pipeline step implementation.
func buildSteps(cfg *config.Config, graph *graphstore.Adapter, gateway llm.Gateway,
	checkpoint *summarize.Checkpoint, metrics *telemetry.Metrics, logger *slog.Logger,
) (*step.Registry, []step.Step, error) {
	astStep, err := astparse.New(astparse.Config{
		Command:  parserCommand(cfg),
		GraphURI: cfg.Graph.URI,
		Timeout:  cfg.StepTimeout(),
		Logger:   logger,
	})
	if err != nil {
		return nil, nil, err
	}

	concurrency, failureThreshold, tokenBudget := summarizerSettings(cfg)
	steps := []step.Step{
		fswalk.New(fswalk.Config{Graph: graph, Logger: logger}),
		astStep,
		summarize.NewStep(summarize.StepConfig{
			Graph:            graph,
			Gateway:          gateway,
			Concurrency:      concurrency,
			FailureThreshold: failureThreshold,
			TokenBudget:      tokenBudget,
			Checkpoint:       checkpoint,
			Logger:           logger,
			Metrics:          metrics,
		}),
		docstep.New(docstep.Config{Graph: graph, Gateway: gateway, Logger: logger}),
	}

	registry := step.NewRegistry()
	for _, s := range steps {
		if err := registry.Register(s); err != nil {
			return nil, nil, err
		}
	}
	return registry, steps, nil
}

// summarizerSettings extracts the summarizer's tuning from its pipeline
// entry. The concurrency field bounds the step's internal LLM fan-out;
// the other steps run a single unit of work per task, so their entries
// carry no inner concurrency. Zero values defer to the step's defaults.
func summarizerSettings(cfg *config.Config) (concurrency int64, failureThreshold, tokenBudget int) {
	for _, d := range cfg.Steps {
		if d.Name != summarize.StepName {
			continue
		}
		concurrency = int64(d.Concurrency)
		if v, ok := d.Options["failure_threshold"].(int); ok {
			failureThreshold = v
		}
		if v, ok := d.Options["token_budget"].(int); ok {
			tokenBudget = v
		}
	}
	return concurrency, failureThreshold, tokenBudget
}

// parserCommand reads the ast step's command option, falling back to the
// default parser argv.
func parserCommand(cfg *config.Config) []string {
	for _, d := range cfg.Steps {
		if d.Name != astparse.StepName {
			continue
		}
		raw, ok := d.Options["command"]
		if !ok {
			break
		}
		list, ok := raw.([]any)
		if !ok {
			break
		}
		argv := make([]string, 0, len(list))
		for _, e := range list {
			s, ok := e.(string)
			if !ok {
				return defaultParserCommand
			}
			argv = append(argv, s)
		}
		if len(argv) > 0 {
			return argv
		}
	}
	return defaultParserCommand
}

// adminServer serves liveness and Prometheus metrics.
func adminServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
