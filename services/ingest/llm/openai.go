// Copyright (C) 2026 Deepgraph Labs (oss@deepgraph.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/deepgraph-ai/deepgraph/services/ingest/telemetry"
)

var tracer = otel.Tracer("deepgraph.llm")

// ModelMap binds logical roles to concrete model names.
type ModelMap struct {
	Chat      string
	Reasoning string
	Embedding string
}

// Model returns the concrete model for a role. An unset reasoning model
// falls back to the chat model.
func (m ModelMap) Model(role Role) string {
	switch role {
	case RoleReasoning:
		if m.Reasoning != "" {
			return m.Reasoning
		}
		return m.Chat
	case RoleEmbedding:
		return m.Embedding
	default:
		return m.Chat
	}
}

// GatewayConfig configures the OpenAI-compatible gateway.
type GatewayConfig struct {
	// Endpoint is the base URL; empty uses the vendor default. Any
	// OpenAI-compatible server (vLLM, Ollama's compat layer) works.
	Endpoint string
	APIKey   string
	Models   ModelMap

	// MaxRetries caps rate-limit and transient retries per call.
	MaxRetries int

	// BackoffBase is the first retry delay; doubles per attempt with
	// ±25% jitter when the server advises no delay.
	BackoffBase time.Duration

	// RequestsPerSec enables client-side pacing when > 0. This is where
	// summarizer backpressure against the provider is enforced.
	RequestsPerSec int

	// CallTimeout bounds each individual provider call.
	CallTimeout time.Duration

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

func (c *GatewayConfig) applyDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = 120 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// OpenAIGateway implements Gateway over the go-openai client.
//
// Thread Safety: safe for concurrent use.
type OpenAIGateway struct {
	client  *openai.Client
	config  GatewayConfig
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewOpenAIGateway builds a gateway from configuration.
func NewOpenAIGateway(config GatewayConfig) (*OpenAIGateway, error) {
	config.applyDefaults()
	if config.APIKey == "" {
		return nil, fmt.Errorf("%w: api key not configured", ErrAuth)
	}
	if config.Models.Chat == "" || config.Models.Embedding == "" {
		return nil, errors.New("llm model map requires chat and embedding models")
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.Endpoint != "" {
		clientConfig.BaseURL = config.Endpoint
	}

	var limiter *rate.Limiter
	if config.RequestsPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSec), config.RequestsPerSec)
	}

	return &OpenAIGateway{
		client:  openai.NewClientWithConfig(clientConfig),
		config:  config,
		limiter: limiter,
		logger:  config.Logger.With(slog.String("component", "llm_gateway")),
	}, nil
}

// Complete generates text from a single prompt via the chat endpoint.
func (g *OpenAIGateway) Complete(ctx context.Context, prompt string, role Role, opts *CallOptions) (string, error) {
	return g.Chat(ctx, []Message{{Role: "user", Content: prompt}}, role, opts)
}

// Chat generates the assistant turn for a conversation.
func (g *OpenAIGateway) Chat(ctx context.Context, messages []Message, role Role, opts *CallOptions) (string, error) {
	model := g.config.Models.Model(role)
	ctx, span := tracer.Start(ctx, "llm.Chat")
	defer span.End()
	span.SetAttributes(
		attribute.String("model", model),
		attribute.String("role", string(role)),
	)

	req := openai.ChatCompletionRequest{Model: model}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	// Reasoning models reject sampling controls.
	if opts != nil && role != RoleReasoning {
		if opts.Temperature != nil {
			req.Temperature = *opts.Temperature
		}
		if opts.MaxTokens != nil {
			req.MaxCompletionTokens = *opts.MaxTokens
		}
		if opts.TopP != nil {
			req.TopP = *opts.TopP
		}
		if len(opts.Stop) > 0 {
			req.Stop = opts.Stop
		}
	}

	var content string
	err := g.call(ctx, model, role, func(callCtx context.Context) error {
		resp, cerr := g.client.CreateChatCompletion(callCtx, req)
		if cerr != nil {
			return cerr
		}
		if len(resp.Choices) == 0 {
			return ErrEmptyResponse
		}
		content = resp.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		return "", err
	}
	return content, nil
}

// Embed returns one embedding vector per input text.
func (g *OpenAIGateway) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	model := g.config.Models.Model(RoleEmbedding)
	ctx, span := tracer.Start(ctx, "llm.Embed")
	defer span.End()
	span.SetAttributes(
		attribute.String("model", model),
		attribute.Int("texts", len(texts)),
	)

	var vectors [][]float32
	err := g.call(ctx, model, RoleEmbedding, func(callCtx context.Context) error {
		resp, cerr := g.client.CreateEmbeddings(callCtx, openai.EmbeddingRequest{
			Input: texts,
			Model: openai.EmbeddingModel(model),
		})
		if cerr != nil {
			return cerr
		}
		if len(resp.Data) != len(texts) {
			return fmt.Errorf("%w: got %d embeddings for %d texts",
				ErrEmptyResponse, len(resp.Data), len(texts))
		}
		vectors = make([][]float32, len(resp.Data))
		for i, d := range resp.Data {
			vectors[i] = d.Embedding
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vectors, nil
}

// call runs one provider operation with pacing, timeout, retry, and
// metrics. Rate limits and 5xx responses are retried with exponential
// backoff and jitter; authentication and malformed-request errors
// surface immediately.
func (g *OpenAIGateway) call(ctx context.Context, model string, role Role, fn func(context.Context) error) error {
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("role", string(role)),
	)
	start := time.Now()
	defer func() {
		if g.config.Metrics != nil {
			g.config.Metrics.LLMCallDuration.Record(ctx, time.Since(start).Seconds(), attrs)
		}
	}()
	if g.config.Metrics != nil {
		g.config.Metrics.LLMCallsTotal.Add(ctx, 1, attrs)
	}

	var lastErr error
	for attempt := 0; attempt <= g.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := g.retryDelay(lastErr, attempt)
			g.logger.Warn("llm retry",
				slog.String("model", model),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("error", lastErr.Error()))
			if g.config.Metrics != nil {
				g.config.Metrics.LLMRetriesTotal.Add(ctx, 1, attrs)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, g.config.CallTimeout)
		err := fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}

		classified := classify(err)
		if !retryableLLM(classified) {
			return classified
		}
		lastErr = classified
	}

	if g.config.Metrics != nil {
		g.config.Metrics.LLMFailuresTotal.Add(ctx, 1, attrs)
	}
	if errors.Is(lastErr, ErrRateLimited) {
		return lastErr
	}
	return fmt.Errorf("llm call failed after %d attempts: %w", g.config.MaxRetries+1, lastErr)
}

// retryDelay prefers the server-advised delay, falling back to
// exponential backoff with ±25% jitter.
func (g *OpenAIGateway) retryDelay(err error, attempt int) time.Duration {
	if advised := advisedDelay(err); advised > 0 {
		return advised
	}
	base := g.config.BackoffBase * time.Duration(1<<(attempt-1))
	if base > 30*time.Second {
		base = 30 * time.Second
	}
	jitter := (rand.Float64()*0.5 - 0.25) * float64(base)
	return base + time.Duration(jitter)
}
