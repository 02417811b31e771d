// Copyright (C) 2026 Deepgraph Labs (oss@deepgraph.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package fswalk is the filesystem ingestion step. It mirrors a
// repository's directory tree into the graph as Repository, Directory,
// and File nodes joined by CONTAINS edges, then links File nodes to the
// code entities defined in them. The walk is idempotent: every node
// merges by path, and entries that vanished since the last run are
// removed by a walk-marker sweep.
package fswalk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	ingest "github.com/deepgraph-ai/deepgraph/services/ingest"
	"github.com/deepgraph-ai/deepgraph/services/ingest/graphstore"
	"github.com/deepgraph-ai/deepgraph/services/ingest/step"
)

var tracer = otel.Tracer("deepgraph.fswalk")

// StepName is the registry name of the filesystem step.
const StepName = "filesystem"

// Graph is the adapter subset the step needs. Satisfied by
// *graphstore.Adapter.
type Graph interface {
	Execute(ctx context.Context, query string, params map[string]any, mode graphstore.AccessMode) ([]graphstore.Row, error)
	ExecuteBatch(ctx context.Context, statements []graphstore.Statement) error
}

// Config configures the filesystem step.
type Config struct {
	Graph Graph

	// IgnoreGlobs are path-segment patterns excluded from the walk,
	// merged with the per-task "ignore" option.
	IgnoreGlobs []string

	// BatchSize bounds statements per graph transaction.
	BatchSize int

	// MaxHashBytes caps content hashing; larger files get no hash.
	MaxHashBytes int64

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if len(c.IgnoreGlobs) == 0 {
		c.IgnoreGlobs = []string{".git", "node_modules", "vendor", "__pycache__", ".venv", "dist", "target"}
	}
	if c.BatchSize == 0 {
		c.BatchSize = 200
	}
	if c.MaxHashBytes == 0 {
		c.MaxHashBytes = 8 << 20
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Step implements the filesystem walk.
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
		logger:  config.Logger.With(slog.String("component", "fswalk")),
	}
}

func (s *Step) Name() string { return StepName }

func (s *Step) Dependencies() []string { return nil }

// Run walks the repository and merges its tree into the graph.
//
// Description:
//
//	Phase 1 counts entries for progress accounting. Phase 2 merges the
//	Repository node, then every directory and file with its CONTAINS
//	edge, batched. Phase 3 links File nodes to code entities defined in
//	them and sweeps nodes the walk did not touch. Each merged node is
//	stamped with this run's walk marker; the sweep deletes tree nodes
//	under the repository carrying an older marker.
func (s *Step) Run(ctx context.Context, task ingest.Task) error {
	s.Begin()
	ctx, span := tracer.Start(ctx, "fswalk.Run")
	defer span.End()

	root, err := filepath.Abs(task.RepoPath)
	if err != nil {
		return ingest.NewError(ingest.KindPermanentInput,
			fmt.Errorf("resolve repository path: %w", err))
	}
	if info, serr := os.Stat(root); serr != nil || !info.IsDir() {
		return ingest.NewError(ingest.KindPermanentInput,
			fmt.Errorf("repository path %q is not a readable directory", root))
	}

	ignore := append([]string(nil), s.config.IgnoreGlobs...)
	ignore = append(ignore, taskIgnoreGlobs(task)...)

	total, err := s.countEntries(root, ignore)
	if err != nil {
		return ingest.NewError(ingest.KindPermanentInput, fmt.Errorf("pre-scan: %w", err))
	}
	s.logger.Info("walk started", slog.String("repo", root), slog.Int("entries", total))

	walkID := uuid.NewString()
	if err := s.mergeRepository(ctx, root, walkID); err != nil {
		return err
	}
	if err := s.walk(ctx, root, ignore, walkID, total); err != nil {
		return err
	}
	if err := s.linkDefinitions(ctx, root); err != nil {
		return err
	}
	if err := s.sweepStale(ctx, root, walkID); err != nil {
		return err
	}

	s.SetProgress(100, "walk complete")
	return nil
}

// taskIgnoreGlobs reads the per-task "ignore" option, a list of
// patterns.
func taskIgnoreGlobs(task ingest.Task) []string {
	raw, ok := task.Options["ignore"]
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	globs := make([]string, 0, len(list))
	for _, e := range list {
		if s, ok := e.(string); ok {
			globs = append(globs, s)
		}
	}
	return globs
}

func ignored(name string, globs []string) bool {
	for _, g := range globs {
		if ok, _ := filepath.Match(g, name); ok {
			return true
		}
	}
	return false
}

// countEntries walks once without touching the graph, for the progress
// denominator.
func (s *Step) countEntries(root string, ignore []string) (int, error) {
	total := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		if ignored(d.Name(), ignore) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		total++
		return nil
	})
	return total, err
}

func (s *Step) mergeRepository(ctx context.Context, root, walkID string) error {
	stmt, err := graphstore.MergeNode(graphstore.LabelRepository, root, map[string]any{
		"name":      filepath.Base(root),
		"last_walk": walkID,
	})
	if err != nil {
		return err
	}
	if err := s.config.Graph.ExecuteBatch(ctx, []graphstore.Statement{stmt}); err != nil {
		return ingest.NewError(ingest.KindTransient, fmt.Errorf("merge repository: %w", err))
	}
	return nil
}

func (s *Step) walk(ctx context.Context, root string, ignore []string, walkID string, total int) error {
	var batch []graphstore.Statement
	processed := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.config.Graph.ExecuteBatch(ctx, batch); err != nil {
			return ingest.NewError(ingest.KindTransient, fmt.Errorf("merge batch: %w", err))
		}
		batch = batch[:0]
		return nil
	}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, werr error) error {
		if werr != nil {
			s.logger.Warn("walk entry skipped", slog.String("path", path), slog.String("error", werr.Error()))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if path == root {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.Halted() {
			return ingest.ErrCancelled
		}
		if ignored(d.Name(), ignore) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		stmts, merr := s.entryStatements(root, path, d, walkID)
		if merr != nil {
			s.logger.Warn("entry not ingested", slog.String("path", path), slog.String("error", merr.Error()))
			return nil
		}
		batch = append(batch, stmts...)

		processed++
		if total > 0 {
			s.SetProgress(float64(processed)/float64(total)*95, filepath.Base(path))
		}
		if len(batch) >= s.config.BatchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	return flush()
}

// entryStatements builds the node merge and CONTAINS edge for one walk
// entry.
func (s *Step) entryStatements(root, path string, d fs.DirEntry, walkID string) ([]graphstore.Statement, error) {
	parentLabel := graphstore.LabelDirectory
	parent := filepath.Dir(path)
	if parent == root {
		parentLabel = graphstore.LabelRepository
	}

	var node graphstore.Statement
	var err error
	if d.IsDir() {
		node, err = graphstore.MergeNode(graphstore.LabelDirectory, path, map[string]any{
			"name":      d.Name(),
			"last_walk": walkID,
		})
	} else {
		var props map[string]any
		props, err = s.fileProps(path, d, walkID)
		if err != nil {
			return nil, err
		}
		node, err = graphstore.MergeNode(graphstore.LabelFile, path, props)
	}
	if err != nil {
		return nil, err
	}

	childLabel := graphstore.LabelFile
	if d.IsDir() {
		childLabel = graphstore.LabelDirectory
	}
	edge, err := graphstore.MergeEdge(graphstore.RelContains, parentLabel, parent, childLabel, path)
	if err != nil {
		return nil, err
	}
	return []graphstore.Statement{node, edge}, nil
}

func (s *Step) fileProps(path string, d fs.DirEntry, walkID string) (map[string]any, error) {
	info, err := d.Info()
	if err != nil {
		return nil, err
	}
	ext := strings.ToLower(filepath.Ext(path))
	props := map[string]any{
		"name":         d.Name(),
		"size":         info.Size(),
		"extension":    ext,
		"content_type": contentType(ext),
		"mtime":        info.ModTime().UTC().UnixMilli(),
		"last_walk":    walkID,
	}
	if info.Size() <= s.config.MaxHashBytes {
		if hash, herr := hashFile(path); herr == nil {
			props["content_hash"] = hash
		}
	}
	return props, nil
}

// contentType is a cheap extension-based heuristic; unknown extensions
// are recorded as binary.
func contentType(ext string) string {
	switch ext {
	case ".go", ".py", ".js", ".ts", ".java", ".rb", ".rs", ".c", ".h", ".cpp", ".hpp", ".cs":
		return "text/x-source"
	case ".md", ".rst", ".txt":
		return "text/plain"
	case ".json", ".yaml", ".yml", ".toml", ".xml":
		return "text/x-config"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// linkDefinitions merges DEFINES edges from File nodes to the code
// entities whose file_path matches. Entities appear once the parser step
// has run, so on a first ingest this is a no-op and the re-run after
// parsing completes the links.
func (s *Step) linkDefinitions(ctx context.Context, root string) error {
	for _, label := range []graphstore.Label{
		graphstore.LabelModule, graphstore.LabelClass, graphstore.LabelFunction,
	} {
		query := fmt.Sprintf(
			"MATCH (e:%s) WHERE e.file_path STARTS WITH $root "+
				"MATCH (f:File {path: e.file_path}) MERGE (f)-[:%s]->(e)",
			label, graphstore.RelDefines)
		if _, err := s.config.Graph.Execute(ctx, query, map[string]any{"root": root}, graphstore.ModeWrite); err != nil {
			return ingest.NewError(ingest.KindTransient, fmt.Errorf("link definitions for %s: %w", label, err))
		}
	}
	return nil
}

// sweepStale removes tree nodes under the repository whose walk marker
// was not refreshed by this run, detaching their edges with them.
func (s *Step) sweepStale(ctx context.Context, root, walkID string) error {
	query := "MATCH (r:Repository {path: $root})-[:CONTAINS*]->(n) " +
		"WHERE (n:Directory OR n:File) AND n.last_walk <> $walk " +
		"DETACH DELETE n"
	if _, err := s.config.Graph.Execute(ctx, query, map[string]any{
		"root": root,
		"walk": walkID,
	}, graphstore.ModeWrite); err != nil {
		return ingest.NewError(ingest.KindTransient, fmt.Errorf("sweep stale entries: %w", err))
	}
	return nil
}
