// Copyright (C) 2026 Deepgraph Labs (oss@deepgraph.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package summarize generates natural-language summaries for every code
// entity in an ingested repository, bottom-up: an entity is summarized
// only after everything it depends on has been, so each prompt can carry
// its prerequisites' summaries as context. Dependency cycles (mutual
// calls, inheritance loops) are collapsed into single units that are
// summarized together.
package summarize

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/deepgraph-ai/deepgraph/services/ingest/graphstore"
)

// Entity is one graph node participating in summarization.
type Entity struct {
	Label    graphstore.Label
	Identity string
	Name     string
	FilePath string
	// ContentHash is the sha256 recorded at ingest; empty when unknown.
	ContentHash string
}

// Key is the stable identifier "Label:identity", also used as the
// Summary node's target_key.
func (e Entity) Key() string {
	return string(e.Label) + ":" + e.Identity
}

// Unit is one schedulable summarization unit: a single entity, or a
// strongly connected component collapsed into one.
type Unit struct {
	ID       int
	Entities []Entity
	// Preds and Succs are unit IDs. Every predecessor must be
	// summarized before this unit becomes ready.
	Preds []int
	Succs []int
}

// Key returns the unit's target key: the sole entity's key, or the
// lexicographically first member's key for a collapsed component.
func (u *Unit) Key() string {
	return u.Entities[0].Key()
}

// Hash combines the member content hashes into the unit's source hash,
// which drives at-most-once regeneration.
func (u *Unit) Hash() string {
	h := sha256.New()
	for _, e := range u.Entities {
		h.Write([]byte(e.Key()))
		h.Write([]byte{0})
		h.Write([]byte(e.ContentHash))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// DAG is the collapsed dependency graph over summarization units.
type DAG struct {
	Units []*Unit
	// Root is the index of the unit holding the Repository entity.
	Root int
}

// entityLabels participate in summarization, in fetch order.
var entityLabels = []graphstore.Label{
	graphstore.LabelRepository, graphstore.LabelDirectory, graphstore.LabelFile,
	graphstore.LabelModule, graphstore.LabelClass, graphstore.LabelFunction,
}

// BuildDAG queries the repository's entities and dependency edges and
// returns the collapsed unit graph.
//
// Description:
//
//	Edge direction means "must be summarized first": containment points
//	child to parent, calls point callee to caller, inheritance points
//	base to derived. Strongly connected components are collapsed with
//	Tarjan's algorithm. Every sink unit is then pointed at the unique
//	Repository unit so the repository summary is generated last, over
//	everything else.
func BuildDAG(ctx context.Context, graph Graph, repoPath string) (*DAG, error) {
	entities, err := fetchEntities(ctx, graph, repoPath)
	if err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return &DAG{Root: -1}, nil
	}

	index := make(map[string]int, len(entities))
	for i, e := range entities {
		index[e.Key()] = i
	}

	adj, err := fetchEdges(ctx, graph, repoPath, index)
	if err != nil {
		return nil, err
	}

	components := tarjanSCC(len(entities), adj)
	return collapse(entities, adj, components)
}

func fetchEntities(ctx context.Context, graph Graph, repoPath string) ([]Entity, error) {
	var entities []Entity
	for _, label := range entityLabels {
		idProp := graphstore.IdentityProperty(label)
		query := fmt.Sprintf(
			"MATCH (n:%s) WHERE n.%s = $repo OR n.%s STARTS WITH $prefix OR n.file_path STARTS WITH $prefix "+
				"RETURN n.%s AS identity, n.name AS name, n.file_path AS file_path, n.content_hash AS hash",
			label, idProp, idProp, idProp)
		rows, err := graph.Execute(ctx, query, map[string]any{
			"repo":   repoPath,
			"prefix": repoPath + "/",
		}, graphstore.ModeRead)
		if err != nil {
			return nil, fmt.Errorf("fetch %s entities: %w", label, err)
		}
		for _, row := range rows {
			identity, _ := row["identity"].(string)
			if identity == "" {
				continue
			}
			e := Entity{Label: label, Identity: identity}
			e.Name, _ = row["name"].(string)
			e.FilePath, _ = row["file_path"].(string)
			e.ContentHash, _ = row["hash"].(string)
			if e.FilePath == "" && (label == graphstore.LabelFile) {
				e.FilePath = identity
			}
			entities = append(entities, e)
		}
	}
	return entities, nil
}

// edgeSpec maps a graph relationship to prerequisite direction.
type edgeSpec struct {
	rel string
	// reversed means the graph edge (a)-[rel]->(b) implies b must be
	// summarized before a.
	reversed bool
}

// CONTAINS parent->child: child first, so reversed. CALLS caller->callee:
// callee first, reversed. INHERITS_FROM derived->base: base first,
// reversed. IMPLEMENTS impl->interface: interface first, reversed.
var edgeSpecs = []edgeSpec{
	{graphstore.RelContains, true},
	{graphstore.RelCalls, true},
	{graphstore.RelInheritsFrom, true},
	{graphstore.RelImplements, true},
}

// fetchEdges returns adjacency lists in prerequisite -> dependent
// direction over entity indexes.
func fetchEdges(ctx context.Context, graph Graph, repoPath string, index map[string]int) ([][]int, error) {
	adj := make([][]int, len(index))
	seen := make(map[[2]int]bool)

	add := func(from, to int) {
		if from == to || seen[[2]int{from, to}] {
			return
		}
		seen[[2]int{from, to}] = true
		adj[from] = append(adj[from], to)
	}

	for _, spec := range edgeSpecs {
		query := fmt.Sprintf(
			"MATCH (a)-[:%s]->(b) "+
				"WHERE (a.path = $repo OR a.path STARTS WITH $prefix OR a.file_path STARTS WITH $prefix) "+
				"RETURN labels(a) AS from_labels, coalesce(a.path, a.qualified_name) AS from_id, "+
				"labels(b) AS to_labels, coalesce(b.path, b.qualified_name) AS to_id",
			spec.rel)
		rows, err := graph.Execute(ctx, query, map[string]any{
			"repo":   repoPath,
			"prefix": repoPath + "/",
		}, graphstore.ModeRead)
		if err != nil {
			return nil, fmt.Errorf("fetch %s edges: %w", spec.rel, err)
		}
		for _, row := range rows {
			fromKey := rowKey(row, "from_labels", "from_id")
			toKey := rowKey(row, "to_labels", "to_id")
			from, okFrom := index[fromKey]
			to, okTo := index[toKey]
			if !okFrom || !okTo {
				continue
			}
			if spec.reversed {
				add(to, from)
			} else {
				add(from, to)
			}
		}
	}
	return adj, nil
}

func rowKey(row graphstore.Row, labelsField, idField string) string {
	id, _ := row[idField].(string)
	raw, _ := row[labelsField].([]any)
	for _, l := range raw {
		name, _ := l.(string)
		if _, known := entityLabelSet[graphstore.Label(name)]; known {
			return name + ":" + id
		}
	}
	return ""
}

var entityLabelSet = func() map[graphstore.Label]struct{} {
	m := make(map[graphstore.Label]struct{}, len(entityLabels))
	for _, l := range entityLabels {
		m[l] = struct{}{}
	}
	return m
}()

// tarjanSCC returns the strongly connected components of the graph,
// as a component id per vertex.
func tarjanSCC(n int, adj [][]int) []int {
	const unvisited = -1
	indexes := make([]int, n)
	lowlink := make([]int, n)
	onStack := make([]bool, n)
	component := make([]int, n)
	for i := range indexes {
		indexes[i] = unvisited
		component[i] = unvisited
	}

	var stack []int
	counter := 0
	components := 0

	var strongconnect func(v int)
	strongconnect = func(v int) {
		indexes[v] = counter
		lowlink[v] = counter
		counter++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range adj[v] {
			if indexes[w] == unvisited {
				strongconnect(w)
				if lowlink[w] < lowlink[v] {
					lowlink[v] = lowlink[w]
				}
			} else if onStack[w] {
				if indexes[w] < lowlink[v] {
					lowlink[v] = indexes[w]
				}
			}
		}

		if lowlink[v] == indexes[v] {
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				component[w] = components
				if w == v {
					break
				}
			}
			components++
		}
	}

	for v := 0; v < n; v++ {
		if indexes[v] == unvisited {
			strongconnect(v)
		}
	}
	return component
}

// collapse folds entities into per-component units and derives unit
// edges, then anchors every sink at the Repository unit.
func collapse(entities []Entity, adj [][]int, component []int) (*DAG, error) {
	count := 0
	for _, c := range component {
		if c+1 > count {
			count = c + 1
		}
	}

	units := make([]*Unit, count)
	for i := range units {
		units[i] = &Unit{ID: i}
	}
	for v, e := range entities {
		u := units[component[v]]
		u.Entities = append(u.Entities, e)
	}
	for _, u := range units {
		sort.Slice(u.Entities, func(i, j int) bool {
			return u.Entities[i].Key() < u.Entities[j].Key()
		})
	}

	edgeSeen := make(map[[2]int]bool)
	for v := range adj {
		for _, w := range adj[v] {
			from, to := component[v], component[w]
			if from == to || edgeSeen[[2]int{from, to}] {
				continue
			}
			edgeSeen[[2]int{from, to}] = true
			units[from].Succs = append(units[from].Succs, to)
			units[to].Preds = append(units[to].Preds, from)
		}
	}

	root := -1
	for _, u := range units {
		for _, e := range u.Entities {
			if e.Label == graphstore.LabelRepository {
				if root != -1 && root != u.ID {
					return nil, fmt.Errorf("multiple repository nodes in scope: units %d and %d", root, u.ID)
				}
				root = u.ID
			}
		}
	}
	if root == -1 {
		return nil, fmt.Errorf("no repository node found in scope")
	}

	// Anchor sinks so the repository is the unique top.
	for _, u := range units {
		if u.ID == root || len(u.Succs) > 0 {
			continue
		}
		if edgeSeen[[2]int{u.ID, root}] {
			continue
		}
		edgeSeen[[2]int{u.ID, root}] = true
		u.Succs = append(u.Succs, root)
		units[root].Preds = append(units[root].Preds, u.ID)
	}

	return &DAG{Units: units, Root: root}, nil
}

// Describe renders a short human-readable form for logs.
func (u *Unit) Describe() string {
	if len(u.Entities) == 1 {
		return u.Entities[0].Key()
	}
	keys := make([]string, len(u.Entities))
	for i, e := range u.Entities {
		keys[i] = e.Key()
	}
	return "scc{" + strings.Join(keys, ", ") + "}"
}
