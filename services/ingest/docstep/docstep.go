// Copyright (C) 2026 Deepgraph Labs (oss@deepgraph.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package docstep ingests human-written documentation. Discovered
// documents become Documentation nodes with embedded text, and the code
// entities a document mentions are linked to it with DOCUMENTED_BY
// edges. Reference extraction is heuristic: file paths that resolve
// inside the repository, dotted qualified names, and inline code spans.
// Links are best effort; a mention of a symbol the parser never
// recorded simply produces no edge.
package docstep

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel"

	ingest "github.com/deepgraph-ai/deepgraph/services/ingest"
	"github.com/deepgraph-ai/deepgraph/services/ingest/graphstore"
	"github.com/deepgraph-ai/deepgraph/services/ingest/llm"
	"github.com/deepgraph-ai/deepgraph/services/ingest/step"
)

var tracer = otel.Tracer("deepgraph.docstep")

// StepName is the registry name of the documentation step.
const StepName = "docs"

// docExtensions and docNames drive discovery.
var (
	docExtensions = map[string]bool{".md": true, ".rst": true, ".adoc": true, ".txt": true}
	docNames      = map[string]bool{"readme": true, "changelog": true, "contributing": true, "architecture": true}
)

// Reference extraction patterns.
var (
	codeSpanPattern = regexp.MustCompile("`([^`\n]+)`")
	// qualifiedPattern matches dotted identifiers like pkg.Func or
	// module.Class.method.
	qualifiedPattern = regexp.MustCompile(`\b[A-Za-z_][\w]*(?:\.[A-Za-z_][\w]*)+\b`)
	// pathPattern matches path-looking tokens; candidates are verified
	// against the repository tree before linking.
	pathPattern = regexp.MustCompile(`[\w.-]+(?:/[\w.-]+)+`)
)

// Graph is the adapter subset the step needs.
type Graph interface {
	Execute(ctx context.Context, query string, params map[string]any, mode graphstore.AccessMode) ([]graphstore.Row, error)
	ExecuteBatch(ctx context.Context, statements []graphstore.Statement) error
}

// Config configures the documentation step.
type Config struct {
	Graph   Graph
	Gateway llm.Gateway

	// MaxDocBytes caps how much of a document is stored and embedded.
	MaxDocBytes int

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.MaxDocBytes == 0 {
		c.MaxDocBytes = 64 << 10
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Step ingests repository documentation.
type Step struct {
	*step.Tracker
	config Config
	logger *slog.Logger
}

// New builds the step.
func New(config Config) *Step {
	config.applyDefaults()
	return &Step{
		Tracker: step.NewTracker(),
		config:  config,
		logger:  config.Logger.With(slog.String("component", "docstep")),
	}
}

func (s *Step) Name() string { return StepName }

func (s *Step) Dependencies() []string { return []string{"filesystem", "ast"} }

// Run discovers and ingests every documentation file in the repository.
func (s *Step) Run(ctx context.Context, task ingest.Task) error {
	s.Begin()
	ctx, span := tracer.Start(ctx, "docstep.Run")
	defer span.End()

	root, err := filepath.Abs(task.RepoPath)
	if err != nil {
		return ingest.NewError(ingest.KindPermanentInput,
			fmt.Errorf("resolve repository path: %w", err))
	}

	docs, err := discover(root)
	if err != nil {
		return ingest.NewError(ingest.KindPermanentInput, fmt.Errorf("discover docs: %w", err))
	}
	s.logger.Info("documentation discovered",
		slog.String("repo", root), slog.Int("documents", len(docs)))
	if len(docs) == 0 {
		s.SetProgress(100, "no documentation found")
		return nil
	}

	for i, path := range docs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.Halted() {
			return ingest.ErrCancelled
		}
		if err := s.ingestDoc(ctx, root, path); err != nil {
			return err
		}
		s.SetProgress(float64(i+1)/float64(len(docs))*100, filepath.Base(path))
	}

	s.SetProgress(100, "documentation complete")
	return nil
}

// discover walks the repository collecting documentation files by
// extension or well-known name.
func discover(root string) ([]string, error) {
	var docs []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, werr error) error {
		if werr != nil {
			return nil
		}
		if d.IsDir() {
			if name := d.Name(); name == ".git" || name == "node_modules" || name == "vendor" {
				return filepath.SkipDir
			}
			return nil
		}
		if isDoc(d.Name()) {
			docs = append(docs, path)
		}
		return nil
	})
	return docs, err
}

func isDoc(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	base := strings.ToLower(strings.TrimSuffix(name, filepath.Ext(name)))
	if docNames[base] {
		return true
	}
	// Bare .txt files are too noisy to ingest wholesale.
	return docExtensions[ext] && ext != ".txt"
}

// ingestDoc merges one Documentation node, its embedding, and its
// DOCUMENTED_BY links.
func (s *Step) ingestDoc(ctx context.Context, root, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		s.logger.Warn("unreadable document skipped",
			slog.String("path", path), slog.String("error", err.Error()))
		return nil
	}
	text := string(data)
	if len(text) > s.config.MaxDocBytes {
		text = text[:s.config.MaxDocBytes]
	}

	vectors, err := s.config.Gateway.Embed(ctx, []string{text})
	if err != nil {
		return fmt.Errorf("embed document %s: %w", path, err)
	}

	node, err := graphstore.MergeNode(graphstore.LabelDocumentation, path, map[string]any{
		"title":     docTitle(path, text),
		"text":      text,
		"embedding": vectors[0],
	})
	if err != nil {
		return err
	}
	statements := []graphstore.Statement{node}

	refs := ExtractReferences(root, filepath.Dir(path), text)
	for _, file := range refs.Files {
		edge, eerr := graphstore.MergeEdge(graphstore.RelDocumentedBy,
			graphstore.LabelFile, file, graphstore.LabelDocumentation, path)
		if eerr != nil {
			return eerr
		}
		statements = append(statements, edge)
	}
	for _, symbol := range refs.Symbols {
		for _, label := range []graphstore.Label{
			graphstore.LabelModule, graphstore.LabelClass, graphstore.LabelFunction,
		} {
			edge, eerr := graphstore.MergeEdge(graphstore.RelDocumentedBy,
				label, symbol, graphstore.LabelDocumentation, path)
			if eerr != nil {
				return eerr
			}
			statements = append(statements, edge)
		}
	}

	if err := s.config.Graph.ExecuteBatch(ctx, statements); err != nil {
		return ingest.NewError(ingest.KindTransient,
			fmt.Errorf("persist document %s: %w", path, err))
	}
	return nil
}

// docTitle takes the first markdown heading, falling back to the file
// name.
func docTitle(path, text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") {
			return strings.TrimSpace(strings.TrimLeft(line, "#"))
		}
	}
	return filepath.Base(path)
}

// References are the code entities a document mentions.
type References struct {
	// Files are absolute paths verified to exist in the repository.
	Files []string
	// Symbols are dotted qualified-name candidates.
	Symbols []string
}

// ExtractReferences pulls file and symbol references out of document
// text.
//
// Description:
//
//	Path-looking tokens are resolved against both the document's own
//	directory and the repository root; only tokens naming an existing
//	file are kept. Dotted identifiers, in prose or inside code spans,
//	become symbol candidates. Linking is left to the graph: a candidate
//	that matches no entity produces no edge.
func ExtractReferences(root, docDir, text string) References {
	refs := References{}
	seenFile := map[string]bool{}
	seenSymbol := map[string]bool{}

	for _, token := range pathPattern.FindAllString(text, -1) {
		for _, base := range []string{docDir, root} {
			candidate := filepath.Join(base, token)
			if !strings.HasPrefix(candidate, root) {
				continue
			}
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() && !seenFile[candidate] {
				seenFile[candidate] = true
				refs.Files = append(refs.Files, candidate)
				break
			}
		}
	}

	symbolSources := []string{text}
	for _, m := range codeSpanPattern.FindAllStringSubmatch(text, -1) {
		symbolSources = append(symbolSources, m[1])
	}
	for _, src := range symbolSources {
		for _, symbol := range qualifiedPattern.FindAllString(src, -1) {
			if strings.Contains(symbol, "/") || seenSymbol[symbol] {
				continue
			}
			// Skip tokens that are really file names.
			if docExtensions[strings.ToLower(filepath.Ext(symbol))] {
				continue
			}
			seenSymbol[symbol] = true
			refs.Symbols = append(refs.Symbols, symbol)
		}
	}
	return refs
}
