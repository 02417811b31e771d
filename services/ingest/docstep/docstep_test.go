// Copyright (C) 2026 Deepgraph Labs (oss@deepgraph.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package docstep

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	ingest "github.com/deepgraph-ai/deepgraph/services/ingest"
	"github.com/deepgraph-ai/deepgraph/services/ingest/graphstore"
	"github.com/deepgraph-ai/deepgraph/services/ingest/llm"
)

type fakeGraph struct {
	mu         sync.Mutex
	statements []graphstore.Statement
}

func (g *fakeGraph) Execute(context.Context, string, map[string]any, graphstore.AccessMode) ([]graphstore.Row, error) {
	return nil, nil
}

func (g *fakeGraph) ExecuteBatch(_ context.Context, statements []graphstore.Statement) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statements = append(g.statements, statements...)
	return nil
}

type fakeEmbedder struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeEmbedder) Complete(context.Context, string, llm.Role, *llm.CallOptions) (string, error) {
	return "", nil
}

func (f *fakeEmbedder) Chat(context.Context, []llm.Message, llm.Role, *llm.CallOptions) (string, error) {
	return "", nil
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, texts...)
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.5, 0.5}
	}
	return out, nil
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "README.md"), "# Demo")
	writeFile(t, filepath.Join(root, "docs", "design.rst"), "design")
	writeFile(t, filepath.Join(root, "CHANGELOG.txt"), "v1")
	writeFile(t, filepath.Join(root, "notes.txt"), "scratch")
	writeFile(t, filepath.Join(root, "main.go"), "package main")
	writeFile(t, filepath.Join(root, ".git", "description.md"), "x")

	docs, err := discover(root)
	if err != nil {
		t.Fatalf("discover failed: %v", err)
	}
	got := map[string]bool{}
	for _, d := range docs {
		got[filepath.Base(d)] = true
	}
	for _, want := range []string{"README.md", "design.rst", "CHANGELOG.txt"} {
		if !got[want] {
			t.Errorf("%s not discovered (got %v)", want, docs)
		}
	}
	if got["notes.txt"] || got["main.go"] || got["description.md"] {
		t.Errorf("non-doc discovered: %v", docs)
	}
}

func TestExtractReferences(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "pkg", "server.go"), "package pkg")

	text := "See `pkg/server.go` for the entry point.\n" +
		"The `server.Listen` function binds the port; config.Store.Watch reloads.\n" +
		"Unrelated: https://example.com/some/page\n"
	refs := ExtractReferences(root, root, text)

	if len(refs.Files) != 1 || refs.Files[0] != filepath.Join(root, "pkg", "server.go") {
		t.Errorf("Files = %v, want the resolved server.go", refs.Files)
	}

	wantSymbols := map[string]bool{"server.Listen": true, "config.Store.Watch": true}
	for _, s := range refs.Symbols {
		delete(wantSymbols, s)
	}
	if len(wantSymbols) != 0 {
		t.Errorf("missing symbols %v in %v", wantSymbols, refs.Symbols)
	}
	for _, s := range refs.Symbols {
		if strings.Contains(s, "example.com/some") {
			t.Errorf("URL path leaked into symbols: %s", s)
		}
	}
}

func TestRunIngestsDocumentation(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "main.go"), "package main")
	writeFile(t, filepath.Join(root, "README.md"),
		"# Demo Project\n\nStart with `main.go` and the `demo.Run` function.\n")

	graph := &fakeGraph{}
	embedder := &fakeEmbedder{}
	s := New(Config{Graph: graph, Gateway: embedder})

	err := s.Run(context.Background(), ingest.Task{JobID: "j", RepoPath: root})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var docMerge *graphstore.Statement
	edgeCount := 0
	for i := range graph.statements {
		stmt := &graph.statements[i]
		if strings.Contains(stmt.Query, "MERGE (n:Documentation") {
			docMerge = stmt
		}
		if strings.Contains(stmt.Query, ":DOCUMENTED_BY]") {
			edgeCount++
		}
	}
	if docMerge == nil {
		t.Fatal("no Documentation node merged")
	}
	props, _ := docMerge.Params["props"].(map[string]any)
	if props["title"] != "Demo Project" {
		t.Errorf("title = %v, want heading", props["title"])
	}
	if _, ok := props["embedding"].([]float32); !ok {
		t.Error("documentation embedding missing")
	}
	if edgeCount == 0 {
		t.Error("no DOCUMENTED_BY edges merged")
	}

	if len(embedder.texts) != 1 || !strings.Contains(embedder.texts[0], "Demo Project") {
		t.Errorf("embedded texts = %v", embedder.texts)
	}
}

func TestRunNoDocsCompletes(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "main.go"), "package main")

	s := New(Config{Graph: &fakeGraph{}, Gateway: &fakeEmbedder{}})
	if err := s.Run(context.Background(), ingest.Task{RepoPath: root}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if s.Status().Percent != 100 {
		t.Errorf("percent = %v, want 100", s.Status().Percent)
	}
}
