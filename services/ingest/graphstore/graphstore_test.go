// Copyright (C) 2026 Deepgraph Labs (oss@deepgraph.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package graphstore

import (
	"context"
	"errors"
	"math"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

func TestMergeNode(t *testing.T) {
	stmt, err := MergeNode(LabelFile, "/repo/main.go", map[string]any{"size": 42})
	if err != nil {
		t.Fatalf("MergeNode failed: %v", err)
	}
	if !strings.Contains(stmt.Query, "MERGE (n:File {path: $identity})") {
		t.Errorf("query = %q", stmt.Query)
	}
	if !strings.Contains(stmt.Query, "ON CREATE SET n.created_at") ||
		!strings.Contains(stmt.Query, "ON MATCH SET n.updated_at") {
		t.Errorf("timestamps missing from query %q", stmt.Query)
	}
	if stmt.Params["identity"] != "/repo/main.go" {
		t.Errorf("identity param = %v", stmt.Params["identity"])
	}
	props, _ := stmt.Params["props"].(map[string]any)
	if props["size"] != 42 {
		t.Errorf("props = %v", props)
	}

	if _, err := MergeNode(Label("Widget"), "x", nil); !errors.Is(err, ErrQuery) {
		t.Errorf("unknown label error = %v, want ErrQuery", err)
	}
}

func TestMergeNodeIdentityProperties(t *testing.T) {
	cases := []struct {
		label Label
		want  string
	}{
		{LabelRepository, "path"},
		{LabelDirectory, "path"},
		{LabelFile, "path"},
		{LabelDocumentation, "path"},
		{LabelModule, "qualified_name"},
		{LabelClass, "qualified_name"},
		{LabelFunction, "qualified_name"},
		{LabelSummary, "target_key"},
	}
	for _, tc := range cases {
		if got := IdentityProperty(tc.label); got != tc.want {
			t.Errorf("IdentityProperty(%s) = %q, want %q", tc.label, got, tc.want)
		}
	}
}

func TestMergeEdge(t *testing.T) {
	stmt, err := MergeEdge(RelContains, LabelDirectory, "/repo/pkg", LabelFile, "/repo/pkg/a.go")
	if err != nil {
		t.Fatalf("MergeEdge failed: %v", err)
	}
	wantFragments := []string{
		"MATCH (a:Directory {path: $from})",
		"MATCH (b:File {path: $to})",
		"MERGE (a)-[:CONTAINS]->(b)",
	}
	for _, f := range wantFragments {
		if !strings.Contains(stmt.Query, f) {
			t.Errorf("query %q missing %q", stmt.Query, f)
		}
	}

	if _, err := MergeEdge("EXPLODES", LabelFile, "a", LabelFile, "b"); !errors.Is(err, ErrQuery) {
		t.Errorf("unknown rel type error = %v, want ErrQuery", err)
	}
	if _, err := MergeEdge(RelCalls, Label("Widget"), "a", LabelFunction, "b"); !errors.Is(err, ErrQuery) {
		t.Errorf("unknown endpoint label error = %v, want ErrQuery", err)
	}
}

func TestDeleteEdge(t *testing.T) {
	stmt, err := DeleteEdge(RelContains, LabelDirectory, "/repo", LabelFile, "/repo/a.go")
	if err != nil {
		t.Fatalf("DeleteEdge failed: %v", err)
	}
	if !strings.Contains(stmt.Query, "[r:CONTAINS]") || !strings.Contains(stmt.Query, "DELETE r") {
		t.Errorf("query = %q", stmt.Query)
	}
}

type fakeNetError struct{}

func (fakeNetError) Error() string   { return "dial tcp: connection refused" }
func (fakeNetError) Timeout() bool   { return true }
func (fakeNetError) Temporary() bool { return true }

var _ net.Error = fakeNetError{}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"nil", nil, nil},
		{"transient code", &neo4j.Neo4jError{Code: "Neo.TransientError.Transaction.Terminated"}, ErrTransaction},
		{"deadlock", &neo4j.Neo4jError{Code: "Neo.ClientError.Transaction.DeadlockDetected"}, ErrTransaction},
		{"not a leader", &neo4j.Neo4jError{Code: "Neo.ClientError.Cluster.NotALeader"}, ErrTransaction},
		{"database unavailable", &neo4j.Neo4jError{Code: "Neo.DatabaseError.General.DatabaseUnavailable"}, ErrConnection},
		{"syntax error", &neo4j.Neo4jError{Code: "Neo.ClientError.Statement.SyntaxError"}, ErrQuery},
		{"constraint violation", &neo4j.Neo4jError{Code: "Neo.ClientError.Schema.ConstraintValidationFailed"}, ErrQuery},
		{"usage error", &neo4j.UsageError{Message: "bad session config"}, ErrQuery},
		{"net error", fakeNetError{}, ErrConnection},
		{"plain error", errors.New("something odd"), ErrQuery},
	}
	for _, tc := range cases {
		got := Classify(tc.err)
		if tc.want == nil {
			if got != nil {
				t.Errorf("%s: Classify = %v, want nil", tc.name, got)
			}
			continue
		}
		if !errors.Is(got, tc.want) {
			t.Errorf("%s: Classify = %v, want %v", tc.name, got, tc.want)
		}
	}

	if got := Classify(context.Canceled); !errors.Is(got, context.Canceled) {
		t.Errorf("cancellation reclassified as %v", got)
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(Classify(&neo4j.Neo4jError{Code: "Neo.TransientError.General.TransactionMemoryLimit"})) {
		t.Error("transient error not retryable")
	}
	if !Retryable(Classify(fakeNetError{})) {
		t.Error("connection error not retryable")
	}
	if Retryable(Classify(&neo4j.Neo4jError{Code: "Neo.ClientError.Statement.SyntaxError"})) {
		t.Error("query error reported retryable")
	}
}

func TestIsVectorUnsupported(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&neo4j.Neo4jError{Code: "Neo.ClientError.Procedure.ProcedureNotFound"}, true},
		{&neo4j.Neo4jError{Code: "Neo.ClientError.Statement.SyntaxError"}, false},
		{errors.New("There is no procedure with the name `db.index.vector.queryNodes`"), true},
		{errors.New("db.index.vector.queryNodes: Unknown procedure"), true},
		{errors.New("some unrelated failure"), false},
		{nil, false},
	}
	for i, tc := range cases {
		if got := isVectorUnsupported(tc.err); got != tc.want {
			t.Errorf("case %d: isVectorUnsupported(%v) = %v, want %v", i, tc.err, got, tc.want)
		}
	}
}

// referenceCosine is the textbook formula, kept independent of the
// production implementation.
func referenceCosine(a, b []float64) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func TestCosineSimilarity(t *testing.T) {
	vectors := [][]float64{
		{1, 0, 0},
		{0.5, 0.5, 0.7071},
		{-1, 2, -3},
		{0.001, 100, 3.14},
	}
	for i, a := range vectors {
		for j, b := range vectors {
			got := CosineSimilarity(a, b)
			want := referenceCosine(a, b)
			if math.Abs(got-want) > 1e-9 {
				t.Errorf("CosineSimilarity(v%d, v%d) = %v, want %v", i, j, got, want)
			}
		}
	}

	if got := CosineSimilarity([]float64{1, 0}, []float64{1, 0, 0}); got != 0 {
		t.Errorf("mismatched lengths = %v, want 0", got)
	}
	if got := CosineSimilarity([]float64{0, 0}, []float64{1, 1}); got != 0 {
		t.Errorf("zero vector = %v, want 0", got)
	}
	if got := CosineSimilarity(nil, nil); got != 0 {
		t.Errorf("empty vectors = %v, want 0", got)
	}
	if got := CosineSimilarity([]float64{1, 2}, []float64{1, 2}); math.Abs(got-1) > 1e-9 {
		t.Errorf("self similarity = %v, want 1", got)
	}
}

func TestToVector(t *testing.T) {
	if got := toVector([]float64{1, 2}); len(got) != 2 || got[1] != 2 {
		t.Errorf("float64 slice = %v", got)
	}
	got := toVector([]any{float64(1), float32(2), int64(3)})
	if len(got) != 3 || got[2] != 3 {
		t.Errorf("mixed list = %v", got)
	}
	if toVector([]any{"not a number"}) != nil {
		t.Error("non-numeric list did not reject")
	}
	if toVector("scalar") != nil {
		t.Error("scalar did not reject")
	}
}

func TestCandidates(t *testing.T) {
	a := &Adapter{opts: Options{
		URI:           "neo4j://graph:7687",
		FallbackHosts: []string{"localhost", "10.0.0.5:7688", "graph"},
	}}
	got := a.candidates()
	want := []string{
		"neo4j://graph:7687",
		"neo4j://localhost:7687",
		"neo4j://10.0.0.5:7688",
	}
	if len(got) != len(want) {
		t.Fatalf("candidates = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("candidates[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestHasPort(t *testing.T) {
	cases := []struct {
		host string
		want bool
	}{
		{"localhost", false},
		{"localhost:7687", true},
		{"[::1]", false},
		{"[::1]:7687", true},
	}
	for _, tc := range cases {
		if got := hasPort(tc.host); got != tc.want {
			t.Errorf("hasPort(%q) = %v, want %v", tc.host, got, tc.want)
		}
	}
}

func TestBackoffBounds(t *testing.T) {
	for attempt := 1; attempt <= 8; attempt++ {
		base := 250 * time.Millisecond * time.Duration(1<<(attempt-1))
		if base > 5*time.Second {
			base = 5 * time.Second
		}
		for i := 0; i < 20; i++ {
			d := backoff(attempt)
			lo := time.Duration(float64(base) * 0.75)
			hi := time.Duration(float64(base) * 1.25)
			if d < lo || d > hi {
				t.Fatalf("backoff(%d) = %v outside [%v, %v]", attempt, d, lo, hi)
			}
		}
	}
}

func TestVectorIndexName(t *testing.T) {
	if got := vectorIndexName(LabelSummary); got != "summary_embedding" {
		t.Errorf("vectorIndexName = %q", got)
	}
	if got := vectorIndexName(LabelDocumentation); got != "documentation_embedding" {
		t.Errorf("vectorIndexName = %q", got)
	}
}

func TestAsInt64(t *testing.T) {
	cases := []struct {
		rows []Row
		want int64
	}{
		{nil, 0},
		{[]Row{{"c": int64(7)}}, 7},
		{[]Row{{"c": 7}}, 7},
		{[]Row{{"c": float64(7)}}, 7},
		{[]Row{{"c": "seven"}}, 0},
	}
	for i, tc := range cases {
		if got := asInt64(tc.rows, "c"); got != tc.want {
			t.Errorf("case %d: asInt64 = %d, want %d", i, got, tc.want)
		}
	}
}
