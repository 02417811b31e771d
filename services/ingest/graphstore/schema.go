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
	"strings"
)

// vectorIndexedLabels are the labels carrying embedding vectors.
var vectorIndexedLabels = []Label{LabelSummary, LabelDocumentation}

// vectorIndexName returns the index name for a label's embedding property.
func vectorIndexName(label Label) string {
	return strings.ToLower(string(label)) + "_embedding"
}

// InitializeSchema creates uniqueness constraints and vector indexes.
//
// Description:
//
//	Idempotent: every statement uses IF NOT EXISTS. One uniqueness
//	constraint per label's identifying property, plus a cosine vector
//	index on Summary.embedding and Documentation.embedding with the
//	configured dimension. A server without vector index support degrades
//	gracefully: the adapter's semantic search falls back to in-process
//	cosine ranking, so only constraint failures are fatal.
//
// Outputs:
//
//	error - ErrSchema if constraint creation fails.
func (a *Adapter) InitializeSchema(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "graphstore.InitializeSchema")
	defer span.End()

	for label := range nodeLabels {
		query := fmt.Sprintf(
			"CREATE CONSTRAINT %s_%s_unique IF NOT EXISTS FOR (n:%s) REQUIRE n.%s IS UNIQUE",
			strings.ToLower(string(label)), IdentityProperty(label),
			label, IdentityProperty(label))
		if _, err := a.Execute(ctx, query, nil, ModeWrite); err != nil {
			return fmt.Errorf("%w: constraint for %s: %v", ErrSchema, label, err)
		}
	}

	if a.opts.EmbeddingDim > 0 {
		for _, label := range vectorIndexedLabels {
			query := fmt.Sprintf(
				"CREATE VECTOR INDEX %s IF NOT EXISTS FOR (n:%s) ON (n.embedding) "+
					"OPTIONS {indexConfig: {`vector.dimensions`: %d, `vector.similarity_function`: 'cosine'}}",
				vectorIndexName(label), label, a.opts.EmbeddingDim)
			if _, err := a.Execute(ctx, query, nil, ModeWrite); err != nil {
				// Older servers lack vector indexes entirely; semantic
				// search handles that with the in-process fallback.
				a.logger.Warn("vector index unavailable, semantic search will use in-process ranking",
					slog.String("label", string(label)),
					slog.String("error", err.Error()))
				a.setVectorMode(vectorModeFallback)
				break
			}
		}
	}

	a.logger.Info("graph schema initialized",
		slog.Int("labels", len(nodeLabels)),
		slog.Int("embedding_dim", a.opts.EmbeddingDim))
	return nil
}
