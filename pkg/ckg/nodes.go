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

package ckg

import (
	"path"
	"strings"
	"time"

	"github.com/kraklabs/ckg/pkg/graph"
	"github.com/kraklabs/ckg/pkg/parser"
)

// pendingRef is an unresolved edge contribution waiting for the resolution
// pass. The source node is already concrete; the target is a bare name plus
// a kind hint.
type pendingRef struct {
	SrcID        string
	SrcFile      string
	FromFunction string
	FromClass    string
	Kind         string // parser.Ref* constant
	Target       string
	Hint         string
	Line         int
}

// contribution is everything one parsed file adds to the graph: concrete
// nodes and edges, pending refs for pass two, and the variable index used to
// resolve USES/MODIFIES edges within the file.
type contribution struct {
	Path     string
	Nodes    []graph.Node
	Edges    []graph.Edge
	Refs     []pendingRef
	VarIDs   map[string]string // scopeType|scopeName|name → composite ID
	Entities int
}

func varKey(scopeType, scopeName, name string) string {
	return scopeType + "|" + scopeName + "|" + name
}

// moduleName derives the logical namespace from a path: dirs and the stem
// joined by dots (app/services/auth.py → app.services.auth).
func moduleName(filePath string) string {
	trimmed := strings.TrimSuffix(filePath, path.Ext(filePath))
	return strings.ReplaceAll(trimmed, "/", ".")
}

// fileContribution maps a ParsedFile onto graph nodes, concrete edges, and
// pending refs. File and Project ordering requirements are satisfied by the
// batch step order, not here.
func fileContribution(projectID string, pf *parser.ParsedFile, now time.Time) contribution {
	fileID := graph.FileID(projectID, pf.Path)
	c := contribution{
		Path:   pf.Path,
		VarIDs: make(map[string]string),
	}

	fileProps := map[string]any{
		"path":         pf.Path,
		"project_id":   projectID,
		"language":     pf.Language,
		"size_bytes":   pf.Size,
		"content_hash": pf.ContentHash,
		"updated_at":   now.UTC().Format(time.RFC3339),
	}
	if len(pf.Imports) > 0 {
		fileProps["imports"] = pf.Imports
	}
	if len(pf.Errors) > 0 {
		fileProps["errors"] = pf.Errors
	}
	c.Nodes = append(c.Nodes, graph.Node{Kind: graph.KindFile, ID: fileID, Props: fileProps})
	c.Edges = append(c.Edges, graph.Edge{Kind: graph.EdgeBelongsTo, SrcID: fileID, DstID: projectID})

	mod := moduleName(pf.Path)
	modID := graph.SymbolID(projectID, pf.Path, mod, 0)
	c.Nodes = append(c.Nodes, graph.Node{Kind: graph.KindModule, ID: modID, Props: map[string]any{
		"name": mod,
		"path": pf.Path,
	}})
	c.Edges = append(c.Edges,
		graph.Edge{Kind: graph.EdgeDefinedIn, SrcID: modID, DstID: fileID},
		graph.Edge{Kind: graph.EdgeBelongsTo, SrcID: modID, DstID: projectID},
	)

	// Imported modules get project-scoped nodes so the namespace layer covers
	// dependencies the project only references. A later parse of a file
	// defining the same name contributes its own path-scoped Module node.
	for _, imp := range pf.Imports {
		impID := graph.SymbolID(projectID, "imports", imp, 0)
		c.Nodes = append(c.Nodes, graph.Node{Kind: graph.KindModule, ID: impID, Props: map[string]any{
			"name": imp,
			"path": "",
		}})
		c.Edges = append(c.Edges, graph.Edge{Kind: graph.EdgeBelongsTo, SrcID: impID, DstID: projectID})
	}

	classIDs := make(map[string]string, len(pf.Classes))
	funcIDs := make(map[string]string, len(pf.Functions))

	addSymbolEdges := func(id string) {
		c.Edges = append(c.Edges,
			graph.Edge{Kind: graph.EdgeDefinedIn, SrcID: id, DstID: fileID},
			graph.Edge{Kind: graph.EdgeBelongsTo, SrcID: id, DstID: projectID},
		)
	}

	addDecorators := func(srcID string, decorators []string) {
		for _, d := range decorators {
			if d == "" {
				continue
			}
			decoID := graph.SymbolID(projectID, "decorators", d, 0)
			c.Nodes = append(c.Nodes, graph.Node{Kind: graph.KindDecorator, ID: decoID, Props: map[string]any{
				"name": d,
			}})
			c.Edges = append(c.Edges,
				graph.Edge{Kind: graph.EdgeDecoratedBy, SrcID: srcID, DstID: decoID},
				graph.Edge{Kind: graph.EdgeBelongsTo, SrcID: decoID, DstID: projectID},
			)
		}
	}

	for _, cls := range pf.Classes {
		id := graph.SymbolID(projectID, pf.Path, cls.Name, cls.StartLine)
		classIDs[cls.Name] = id
		c.Nodes = append(c.Nodes, graph.Node{Kind: graph.KindClass, ID: id, Props: map[string]any{
			"name":        cls.Name,
			"file_path":   pf.Path,
			"start_line":  cls.StartLine,
			"end_line":    cls.EndLine,
			"placeholder": false,
		}})
		addSymbolEdges(id)
		addDecorators(id, cls.Decorators)
	}

	for _, fn := range pf.Functions {
		id := graph.SymbolID(projectID, pf.Path, fn.Name, fn.StartLine)
		funcIDs[fn.ClassName+"|"+fn.Name] = id
		c.Nodes = append(c.Nodes, graph.Node{Kind: graph.KindFunction, ID: id, Props: map[string]any{
			"name":           fn.Name,
			"signature":      fn.Signature,
			"parameters_str": fn.ParametersStr,
			"file_path":      pf.Path,
			"start_line":     fn.StartLine,
			"end_line":       fn.EndLine,
			"is_method":      fn.IsMethod,
			"class_name":     fn.ClassName,
		}})
		addSymbolEdges(id)
		addDecorators(id, fn.Decorators)
	}

	for _, v := range pf.Variables {
		symbol := v.Name
		if v.ScopeName != "" {
			symbol = v.ScopeName + "." + v.Name
		}
		id := graph.SymbolID(projectID, pf.Path, symbol, v.Line)
		c.VarIDs[varKey(v.ScopeType, v.ScopeName, v.Name)] = id
		c.Nodes = append(c.Nodes, graph.Node{Kind: graph.KindVariable, ID: id, Props: map[string]any{
			"name":       v.Name,
			"file_path":  pf.Path,
			"start_line": v.Line,
			"scope_type": v.ScopeType,
			"scope_name": v.ScopeName,
		}})
		addSymbolEdges(id)

		switch v.ScopeType {
		case graph.ScopeParameter:
			if owner, ok := ownerFunction(funcIDs, v.ScopeName); ok {
				c.Edges = append(c.Edges, graph.Edge{Kind: graph.EdgeHasParameter, SrcID: owner, DstID: id})
			}
		case graph.ScopeLocalVariable:
			if owner, ok := ownerFunction(funcIDs, v.ScopeName); ok {
				c.Edges = append(c.Edges, graph.Edge{Kind: graph.EdgeDeclaresVariable, SrcID: owner, DstID: id})
			}
		case graph.ScopeClassAttribute:
			if owner, ok := classIDs[v.ScopeName]; ok {
				c.Edges = append(c.Edges, graph.Edge{Kind: graph.EdgeDeclaresAttribute, SrcID: owner, DstID: id})
			}
		}
	}

	for _, ref := range pf.Refs {
		srcID := fileID
		if ref.FromFunction != "" {
			if id, ok := funcIDs[ref.FromClass+"|"+ref.FromFunction]; ok {
				srcID = id
			} else if id, ok := funcIDs["|"+ref.FromFunction]; ok {
				srcID = id
			}
		} else if ref.FromClass != "" {
			if id, ok := classIDs[ref.FromClass]; ok {
				srcID = id
			}
		}
		c.Refs = append(c.Refs, pendingRef{
			SrcID:        srcID,
			SrcFile:      pf.Path,
			FromFunction: ref.FromFunction,
			FromClass:    ref.FromClass,
			Kind:         ref.Kind,
			Target:       ref.Target,
			Hint:         ref.Hint,
			Line:         ref.Line,
		})
	}

	c.Entities = len(c.Nodes) + len(c.Edges)
	return c
}

func ownerFunction(funcIDs map[string]string, name string) (string, bool) {
	for key, id := range funcIDs {
		if strings.HasSuffix(key, "|"+name) {
			return id, true
		}
	}
	return "", false
}
