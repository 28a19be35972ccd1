// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package graph defines the Code Knowledge Graph data model and the Store
// abstraction over a property-graph backend.
//
// Every node carries a composite ID of the form
//
//	{project_id}:{file_path}[:{symbol_name}[:{start_line}]]
//
// Composite IDs are deterministic and stable across re-parses, which makes
// every write an idempotent upsert.
package graph

import (
	"fmt"
	"strings"
)

// NodeKind tags a graph node.
type NodeKind string

const (
	KindProject       NodeKind = "Project"
	KindFile          NodeKind = "File"
	KindModule        NodeKind = "Module"
	KindClass         NodeKind = "Class"
	KindFunction      NodeKind = "Function"
	KindVariable      NodeKind = "Variable"
	KindDecorator     NodeKind = "Decorator"
	KindExceptionType NodeKind = "ExceptionType"
)

// EdgeKind tags a directed graph edge.
type EdgeKind string

const (
	EdgeBelongsTo         EdgeKind = "BELONGS_TO"
	EdgeDefinedIn         EdgeKind = "DEFINED_IN"
	EdgeHasParameter      EdgeKind = "HAS_PARAMETER"
	EdgeDeclaresVariable  EdgeKind = "DECLARES_VARIABLE"
	EdgeDeclaresAttribute EdgeKind = "DECLARES_ATTRIBUTE"
	EdgeCalls             EdgeKind = "CALLS"
	EdgeInheritsFrom      EdgeKind = "INHERITS_FROM"
	EdgeUsesVariable      EdgeKind = "USES_VARIABLE"
	EdgeModifiesVariable  EdgeKind = "MODIFIES_VARIABLE"
	EdgeCreatesObject     EdgeKind = "CREATES_OBJECT"
	EdgeRaisesException   EdgeKind = "RAISES_EXCEPTION"
	EdgeHandlesException  EdgeKind = "HANDLES_EXCEPTION"
	EdgeDecoratedBy       EdgeKind = "DECORATED_BY"
)

// Node is a typed property-graph node ready for upsert.
type Node struct {
	Kind  NodeKind
	ID    string
	Props map[string]any
}

// Edge is a directed relationship between two nodes, referenced by composite ID.
type Edge struct {
	Kind  EdgeKind
	SrcID string
	DstID string
	Props map[string]any
}

// Batch groups writes that must commit or fail atomically. FilesReset lists
// file paths whose previously defined symbols are deleted before the batch's
// nodes and edges are applied, so a re-parse fully replaces a file's subgraph.
type Batch struct {
	ProjectID  string
	FilesReset []string
	Nodes      []Node
	Edges      []Edge
}

// Empty reports whether the batch carries no work.
func (b *Batch) Empty() bool {
	return len(b.FilesReset) == 0 && len(b.Nodes) == 0 && len(b.Edges) == 0
}

// ProjectID builds the composite ID of a Project node.
func ProjectID(projectID string) string {
	return projectID
}

// FileID builds the composite ID of a File or Module node.
func FileID(projectID, filePath string) string {
	return projectID + ":" + filePath
}

// SymbolID builds the composite ID of a named symbol defined in a file.
// Line-qualified IDs distinguish same-named symbols in one file (overloads,
// nested redefinitions).
func SymbolID(projectID, filePath, symbol string, startLine int) string {
	if startLine <= 0 {
		return projectID + ":" + filePath + ":" + symbol
	}
	return fmt.Sprintf("%s:%s:%s:%d", projectID, filePath, symbol, startLine)
}

// SplitID decomposes a composite ID into project, file path, and the optional
// symbol remainder. It is tolerant of symbols containing no colons; file paths
// never contain colons by construction (paths are slash-normalized, relative).
func SplitID(id string) (projectID, filePath, rest string) {
	parts := strings.SplitN(id, ":", 3)
	switch len(parts) {
	case 1:
		return parts[0], "", ""
	case 2:
		return parts[0], parts[1], ""
	default:
		return parts[0], parts[1], parts[2]
	}
}

// Severity-independent scope types for Variable nodes.
const (
	ScopeParameter      = "parameter"
	ScopeLocalVariable  = "local_variable"
	ScopeGlobalVariable = "global_variable"
	ScopeClassAttribute = "class_attribute"
)
