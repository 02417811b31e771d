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
	"os"
	"strings"

	ingest "github.com/deepgraph-ai/deepgraph/services/ingest"
	"github.com/deepgraph-ai/deepgraph/services/ingest/graphstore"
	"github.com/deepgraph-ai/deepgraph/services/ingest/llm"
)

// Graph is the adapter subset the summarizer needs. Satisfied by
// *graphstore.Adapter.
type Graph interface {
	Execute(ctx context.Context, query string, params map[string]any, mode graphstore.AccessMode) ([]graphstore.Row, error)
	ExecuteBatch(ctx context.Context, statements []graphstore.Statement) error
}

// placeholderNote stands in for a predecessor whose summary failed.
const placeholderNote = "(summary unavailable for a dependency)"

// Generator produces and persists one summary per unit.
type Generator struct {
	graph   Graph
	gateway llm.Gateway

	// tokenBudget caps prompt content, approximated at four bytes per
	// token.
	tokenBudget int
	logger      *slog.Logger
}

// NewGenerator builds a generator. A zero token budget defaults to 3000.
func NewGenerator(graph Graph, gateway llm.Gateway, tokenBudget int, logger *slog.Logger) *Generator {
	if tokenBudget <= 0 {
		tokenBudget = 3000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		graph:       graph,
		gateway:     gateway,
		tokenBudget: tokenBudget,
		logger:      logger.With(slog.String("component", "summarize_generator")),
	}
}

// Summarize generates, embeds, and persists the summary for one unit.
//
// Description:
//
//	When force is false and a Summary node already exists whose
//	source_hash matches the unit's current hash, the stored text is
//	reused without an LLM call. Otherwise the unit's content is
//	extracted under the token budget, the chat model produces the
//	summary with predecessor summaries as context, the embedding model
//	vectorizes it, and the Summary node plus its SUMMARIZED_BY edges are
//	merged in a single transaction.
//
// Outputs:
//
//	string - The summary text.
//	bool - True when an existing summary was reused.
//	error - LLM or graph failure.
func (g *Generator) Summarize(ctx context.Context, unit *Unit, predSummaries []string, force bool) (string, bool, error) {
	key := unit.Key()
	hash := unit.Hash()

	if !force {
		if text, ok, err := g.existing(ctx, key, hash); err != nil {
			return "", false, err
		} else if ok {
			g.logger.Debug("summary reused", slog.String("unit", key))
			return text, true, nil
		}
	}

	content := g.extract(unit)
	prompt := buildPrompt(unit, content, predSummaries)

	summary, err := g.gateway.Chat(ctx, []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: prompt},
	}, llm.RoleChat, nil)
	if err != nil {
		return "", false, fmt.Errorf("summarize %s: %w", key, err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return "", false, fmt.Errorf("summarize %s: %w", key, llm.ErrEmptyResponse)
	}

	vectors, err := g.gateway.Embed(ctx, []string{summary})
	if err != nil {
		return "", false, fmt.Errorf("embed summary for %s: %w", key, err)
	}

	if err := g.persist(ctx, unit, key, hash, summary, vectors[0]); err != nil {
		return "", false, err
	}
	return summary, false, nil
}

// existing checks for a stored summary with a matching source hash.
func (g *Generator) existing(ctx context.Context, key, hash string) (string, bool, error) {
	rows, err := g.graph.Execute(ctx,
		"MATCH (s:Summary {target_key: $key}) RETURN s.source_hash AS hash, s.text AS text",
		map[string]any{"key": key}, graphstore.ModeRead)
	if err != nil {
		return "", false, ingest.NewError(ingest.KindTransient,
			fmt.Errorf("lookup summary %s: %w", key, err))
	}
	if len(rows) == 0 {
		return "", false, nil
	}
	stored, _ := rows[0]["hash"].(string)
	text, _ := rows[0]["text"].(string)
	if stored != "" && stored == hash && text != "" {
		return text, true, nil
	}
	return "", false, nil
}

// extract gathers unit content under the token budget, reading file
// bytes where the entity maps to a file.
func (g *Generator) extract(unit *Unit) string {
	budget := g.tokenBudget * 4
	perEntity := budget / len(unit.Entities)

	var b strings.Builder
	for _, e := range unit.Entities {
		b.WriteString(fmt.Sprintf("### %s %s\n", e.Label, displayName(e)))
		path := e.FilePath
		if path == "" && e.Label == graphstore.LabelFile {
			path = e.Identity
		}
		if path != "" {
			if data, err := os.ReadFile(path); err == nil {
				b.WriteString(truncateAtBoundary(string(data), perEntity))
				b.WriteByte('\n')
			}
		}
	}
	return b.String()
}

func displayName(e Entity) string {
	if e.Name != "" {
		return e.Name
	}
	return e.Identity
}

// truncateAtBoundary trims content to maxBytes, cutting at the last
// full line rather than mid-token.
func truncateAtBoundary(content string, maxBytes int) string {
	if len(content) <= maxBytes {
		return content
	}
	cut := content[:maxBytes]
	if i := strings.LastIndexByte(cut, '\n'); i > 0 {
		cut = cut[:i]
	}
	return cut + "\n… (truncated)"
}

const systemPrompt = "You are a precise technical writer producing short summaries " +
	"of source code entities for a code knowledge graph. Describe purpose and " +
	"key behavior in at most one paragraph. Do not speculate."

// promptIntros per entity kind.
var promptIntros = map[graphstore.Label]string{
	graphstore.LabelRepository: "Summarize this repository as a whole, based on the summaries of its contents.",
	graphstore.LabelDirectory:  "Summarize the role of this directory within the repository.",
	graphstore.LabelFile:       "Summarize what this source file provides.",
	graphstore.LabelModule:     "Summarize the purpose of this module.",
	graphstore.LabelClass:      "Summarize this class: its responsibility and key methods.",
	graphstore.LabelFunction:   "Summarize this function: what it computes and any side effects.",
}

func buildPrompt(unit *Unit, content string, predSummaries []string) string {
	primary := unit.Entities[0].Label
	intro, ok := promptIntros[primary]
	if !ok {
		intro = "Summarize this code entity."
	}

	var b strings.Builder
	if len(unit.Entities) > 1 {
		b.WriteString("The following entities form a dependency cycle and must be described together.\n")
	}
	b.WriteString(intro)
	b.WriteString("\n\n")
	if len(predSummaries) > 0 {
		b.WriteString("Summaries of entities it depends on:\n")
		for _, s := range predSummaries {
			b.WriteString("- ")
			b.WriteString(s)
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	if content != "" {
		b.WriteString("Content:\n")
		b.WriteString(content)
	}
	return b.String()
}

// persist merges the Summary node and its SUMMARIZED_BY edges in one
// transaction.
func (g *Generator) persist(ctx context.Context, unit *Unit, key, hash, summary string, embedding []float32) error {
	node, err := graphstore.MergeNode(graphstore.LabelSummary, key, map[string]any{
		"text":         summary,
		"source_hash":  hash,
		"embedding":    embedding,
		"target_label": string(unit.Entities[0].Label),
	})
	if err != nil {
		return err
	}
	statements := []graphstore.Statement{node}
	for _, e := range unit.Entities {
		edge, eerr := graphstore.MergeEdge(graphstore.RelSummarizedBy,
			e.Label, e.Identity, graphstore.LabelSummary, key)
		if eerr != nil {
			return eerr
		}
		statements = append(statements, edge)
	}
	if err := g.graph.ExecuteBatch(ctx, statements); err != nil {
		return ingest.NewError(ingest.KindTransient,
			fmt.Errorf("persist summary %s: %w", key, err))
	}
	return nil
}
