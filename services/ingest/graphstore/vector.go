// Copyright (C) 2026 Deepgraph Labs (oss@deepgraph.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package graphstore

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Vector search modes cached after the first probe.
const (
	vectorModeUnprobed = 0
	vectorModeNative   = 1
	vectorModeFallback = 2
)

// ScoredNode is one semantic search hit.
type ScoredNode struct {
	// Node holds the node's properties keyed by name.
	Node Row
	// Score is the cosine similarity to the query vector, in [-1, 1].
	Score float64
}

// SemanticSearch returns up to limit nodes of the label ordered by
// descending cosine similarity to the query embedding.
//
// Description:
//
//	Uses the server's native vector index when available. The first call
//	that sees the native procedure error as unavailable switches the
//	adapter permanently to the in-process fallback: fetch all candidate
//	vectors for the label, compute cosine similarity locally, sort, and
//	apply the limit.
func (a *Adapter) SemanticSearch(ctx context.Context, embedding []float32, label Label, limit int) ([]ScoredNode, error) {
	if !nodeLabels[label] {
		return nil, fmt.Errorf("%w: unknown label %q", ErrQuery, label)
	}
	if limit <= 0 {
		limit = 10
	}

	ctx, span := tracer.Start(ctx, "graphstore.SemanticSearch",
		trace.WithAttributes(
			attribute.String("label", string(label)),
			attribute.Int("limit", limit),
		))
	defer span.End()

	if a.getVectorMode() != vectorModeFallback {
		hits, err := a.nativeSearch(ctx, embedding, label, limit)
		if err == nil {
			a.setVectorMode(vectorModeNative)
			return hits, nil
		}
		if !isVectorUnsupported(err) {
			return nil, Classify(err)
		}
		a.logger.Warn("native vector search unsupported, caching in-process fallback",
			slog.String("label", string(label)))
		a.setVectorMode(vectorModeFallback)
	}

	return a.fallbackSearch(ctx, embedding, label, limit)
}

func (a *Adapter) getVectorMode() int {
	a.vectorMu.Lock()
	defer a.vectorMu.Unlock()
	return a.vectorMode
}

func (a *Adapter) setVectorMode(mode int) {
	a.vectorMu.Lock()
	defer a.vectorMu.Unlock()
	a.vectorMode = mode
}

func (a *Adapter) nativeSearch(ctx context.Context, embedding []float32, label Label, limit int) ([]ScoredNode, error) {
	query := "CALL db.index.vector.queryNodes($index, $k, $embedding) " +
		"YIELD node, score RETURN node {.*} AS node, score"
	rows, err := a.ExecuteWithRetry(ctx, query, map[string]any{
		"index":     vectorIndexName(label),
		"k":         limit,
		"embedding": toFloat64s(embedding),
	}, ModeRead, 0)
	if err != nil {
		return nil, err
	}

	hits := make([]ScoredNode, 0, len(rows))
	for _, row := range rows {
		node, _ := row["node"].(map[string]any)
		score, _ := row["score"].(float64)
		hits = append(hits, ScoredNode{Node: Row(node), Score: score})
	}
	return hits, nil
}

func (a *Adapter) fallbackSearch(ctx context.Context, embedding []float32, label Label, limit int) ([]ScoredNode, error) {
	query := fmt.Sprintf(
		"MATCH (n:%s) WHERE n.embedding IS NOT NULL RETURN n {.*} AS node", label)
	rows, err := a.Execute(ctx, query, nil, ModeRead)
	if err != nil {
		return nil, err
	}

	queryVec := toFloat64s(embedding)
	hits := make([]ScoredNode, 0, len(rows))
	for _, row := range rows {
		node, _ := row["node"].(map[string]any)
		stored := toVector(node["embedding"])
		if len(stored) == 0 {
			continue
		}
		hits = append(hits, ScoredNode{
			Node:  Row(node),
			Score: CosineSimilarity(queryVec, stored),
		})
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// CosineSimilarity computes the cosine similarity of two vectors.
// Mismatched lengths or zero vectors score 0.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func toFloat64s(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}

// toVector coerces a stored embedding property (a driver-decoded list)
// into a float64 slice.
func toVector(v any) []float64 {
	switch vec := v.(type) {
	case []float64:
		return vec
	case []any:
		out := make([]float64, 0, len(vec))
		for _, e := range vec {
			switch f := e.(type) {
			case float64:
				out = append(out, f)
			case float32:
				out = append(out, float64(f))
			case int64:
				out = append(out, float64(f))
			default:
				return nil
			}
		}
		return out
	default:
		return nil
	}
}
