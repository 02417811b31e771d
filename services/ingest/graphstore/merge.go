// Copyright (C) 2026 Deepgraph Labs (oss@deepgraph.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package graphstore

import (
	"fmt"
	"time"
)

// Label is a graph node label. Every label has one identifying property,
// unique per the schema constraints.
type Label string

const (
	LabelRepository    Label = "Repository"
	LabelDirectory     Label = "Directory"
	LabelFile          Label = "File"
	LabelModule        Label = "Module"
	LabelClass         Label = "Class"
	LabelFunction      Label = "Function"
	LabelSummary       Label = "Summary"
	LabelDocumentation Label = "Documentation"
)

// Relationship types between graph nodes.
const (
	RelContains     = "CONTAINS"
	RelImports      = "IMPORTS"
	RelCalls        = "CALLS"
	RelInheritsFrom = "INHERITS_FROM"
	RelDocumentedBy = "DOCUMENTED_BY"
	RelSummarizedBy = "SUMMARIZED_BY"
	RelImplements   = "IMPLEMENTS"
	RelDefines      = "DEFINES"
)

var nodeLabels = map[Label]bool{
	LabelRepository: true, LabelDirectory: true, LabelFile: true,
	LabelModule: true, LabelClass: true, LabelFunction: true,
	LabelSummary: true, LabelDocumentation: true,
}

var relTypes = map[string]bool{
	RelContains: true, RelImports: true, RelCalls: true,
	RelInheritsFrom: true, RelDocumentedBy: true, RelSummarizedBy: true,
	RelImplements: true, RelDefines: true,
}

// IdentityProperty returns the identifying property name for a label.
func IdentityProperty(label Label) string {
	switch label {
	case LabelRepository, LabelDirectory, LabelFile, LabelDocumentation:
		return "path"
	case LabelModule, LabelClass, LabelFunction:
		return "qualified_name"
	case LabelSummary:
		return "target_key"
	default:
		return "path"
	}
}

// MergeNode builds an idempotent merge-by-identity statement.
//
// Description:
//
//	MERGE on the identifying property; created_at is set once on create,
//	updated_at on every subsequent match. Non-identifying properties are
//	augmented, never replaced wholesale, so re-running a step converges to
//	the same graph state. Labels cannot be parameterized in Cypher, so the
//	label is validated against the closed set before interpolation.
//
// Inputs:
//
//	label - Node label. Must be one of the declared labels.
//	identity - Value for the identifying property.
//	props - Non-identifying properties to set. May be nil.
//
// Outputs:
//
//	Statement - Parameterized MERGE statement.
//	error - Non-nil for an unknown label.
func MergeNode(label Label, identity string, props map[string]any) (Statement, error) {
	if !nodeLabels[label] {
		return Statement{}, fmt.Errorf("%w: unknown label %q", ErrQuery, label)
	}
	if props == nil {
		props = map[string]any{}
	}
	query := fmt.Sprintf(
		"MERGE (n:%s {%s: $identity}) "+
			"ON CREATE SET n.created_at = $now "+
			"ON MATCH SET n.updated_at = $now "+
			"SET n += $props",
		label, IdentityProperty(label))
	return Statement{
		Query: query,
		Params: map[string]any{
			"identity": identity,
			"props":    props,
			"now":      time.Now().UTC().UnixMilli(),
		},
	}, nil
}

// MergeEdge builds an idempotent relationship merge between two nodes
// addressed by identity. Missing endpoints produce no edge (MATCH yields
// zero rows) rather than dangling nodes.
func MergeEdge(relType string, fromLabel Label, fromIdentity string, toLabel Label, toIdentity string) (Statement, error) {
	if !relTypes[relType] {
		return Statement{}, fmt.Errorf("%w: unknown relationship type %q", ErrQuery, relType)
	}
	if !nodeLabels[fromLabel] || !nodeLabels[toLabel] {
		return Statement{}, fmt.Errorf("%w: unknown endpoint label", ErrQuery)
	}
	query := fmt.Sprintf(
		"MATCH (a:%s {%s: $from}) MATCH (b:%s {%s: $to}) MERGE (a)-[:%s]->(b)",
		fromLabel, IdentityProperty(fromLabel),
		toLabel, IdentityProperty(toLabel),
		relType)
	return Statement{
		Query:  query,
		Params: map[string]any{"from": fromIdentity, "to": toIdentity},
	}, nil
}

// DeleteEdge builds a statement removing a relationship between two nodes.
// Used by steps cleaning up stale containment after a re-run.
func DeleteEdge(relType string, fromLabel Label, fromIdentity string, toLabel Label, toIdentity string) (Statement, error) {
	if !relTypes[relType] {
		return Statement{}, fmt.Errorf("%w: unknown relationship type %q", ErrQuery, relType)
	}
	if !nodeLabels[fromLabel] || !nodeLabels[toLabel] {
		return Statement{}, fmt.Errorf("%w: unknown endpoint label", ErrQuery)
	}
	query := fmt.Sprintf(
		"MATCH (a:%s {%s: $from})-[r:%s]->(b:%s {%s: $to}) DELETE r",
		fromLabel, IdentityProperty(fromLabel),
		relType,
		toLabel, IdentityProperty(toLabel))
	return Statement{
		Query:  query,
		Params: map[string]any{"from": fromIdentity, "to": toIdentity},
	}, nil
}
