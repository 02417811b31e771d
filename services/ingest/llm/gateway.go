// Copyright (C) 2026 Deepgraph Labs (oss@deepgraph.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm is the sole point of contact with the external model
// service. It provides a unified Complete/Chat/Embed surface over an
// OpenAI-compatible provider with rate-limit retry, client-side pacing,
// and per-model metrics. Its internal retry is the only retry against
// the provider; callers never retry LLM errors themselves.
package llm

import (
	"context"
	"errors"
)

// Role is the logical model role a caller requests. The gateway maps
// roles to concrete model names via configuration.
type Role string

const (
	RoleChat      Role = "chat"
	RoleReasoning Role = "reasoning"
	RoleEmbedding Role = "embedding"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"` // "system", "user", or "assistant"
	Content string `json:"content"`
}

// CallOptions tunes a completion or chat call. Reasoning-role calls
// ignore Temperature and MaxTokens entirely.
type CallOptions struct {
	Temperature *float32
	MaxTokens   *int
	TopP        *float32
	Stop        []string
}

// Gateway is the unified LLM surface. All methods take a context and are
// safe for concurrent use.
type Gateway interface {
	// Complete generates text from a single prompt.
	Complete(ctx context.Context, prompt string, role Role, opts *CallOptions) (string, error)

	// Chat generates the assistant turn for a conversation.
	Chat(ctx context.Context, messages []Message, role Role, opts *CallOptions) (string, error)

	// Embed returns one embedding vector per input text.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Gateway error taxonomy. ErrRateLimited surfaces only after the retry
// budget is exhausted; the others surface immediately.
var (
	// ErrRateLimited indicates the provider's rate limit outlasted the
	// retry budget.
	ErrRateLimited = errors.New("llm rate limited")

	// ErrAuth indicates authentication failed (bad or missing key).
	ErrAuth = errors.New("llm authentication failed")

	// ErrBadRequest indicates a malformed request (oversized prompt,
	// unknown model).
	ErrBadRequest = errors.New("llm bad request")

	// ErrEmptyResponse indicates the provider returned no choices.
	ErrEmptyResponse = errors.New("llm returned empty response")
)
