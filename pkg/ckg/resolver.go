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
	"sort"

	"github.com/kraklabs/ckg/pkg/graph"
	"github.com/kraklabs/ckg/pkg/parser"
)

// symbolEntry locates one named symbol in the project.
type symbolEntry struct {
	id       string
	filePath string
	isMethod bool
}

// symbolIndex is the per-project symbol table the resolution pass runs
// against. Entries come from the current parse set plus the symbols already
// in the graph from files outside the parse set.
type symbolIndex struct {
	classes   map[string][]symbolEntry
	functions map[string][]symbolEntry
}

func newSymbolIndex() *symbolIndex {
	return &symbolIndex{
		classes:   make(map[string][]symbolEntry),
		functions: make(map[string][]symbolEntry),
	}
}

func (ix *symbolIndex) addClass(name, id, filePath string) {
	ix.classes[name] = append(ix.classes[name], symbolEntry{id: id, filePath: filePath})
}

func (ix *symbolIndex) addFunction(name, id, filePath string, isMethod bool) {
	ix.functions[name] = append(ix.functions[name], symbolEntry{id: id, filePath: filePath, isMethod: isMethod})
}

// addParsed indexes every class and function of a parsed file.
func (ix *symbolIndex) addParsed(projectID string, pf *parser.ParsedFile) {
	for _, cls := range pf.Classes {
		ix.addClass(cls.Name, graph.SymbolID(projectID, pf.Path, cls.Name, cls.StartLine), pf.Path)
	}
	for _, fn := range pf.Functions {
		ix.addFunction(fn.Name, graph.SymbolID(projectID, pf.Path, fn.Name, fn.StartLine), pf.Path, fn.IsMethod)
	}
}

// addGraphRows indexes project_symbols query rows, skipping files the current
// parse set covers (their fresh entries win).
func (ix *symbolIndex) addGraphRows(rows []map[string]any, skipFiles map[string]struct{}) {
	for _, row := range rows {
		name, _ := row["name"].(string)
		id, _ := row["composite_id"].(string)
		filePath, _ := row["file_path"].(string)
		if name == "" || id == "" {
			continue
		}
		if _, skip := skipFiles[filePath]; skip {
			continue
		}
		switch row["kind"] {
		case string(graph.KindClass):
			ix.addClass(name, id, filePath)
		case string(graph.KindFunction):
			isMethod, _ := row["is_method"].(bool)
			ix.addFunction(name, id, filePath, isMethod)
		}
	}
}

// lookup picks the target for a named reference. Same-file definitions win;
// ties break on file path so resolution is deterministic across runs.
func pick(entries []symbolEntry, preferFile string) (symbolEntry, bool) {
	if len(entries) == 0 {
		return symbolEntry{}, false
	}
	sorted := append([]symbolEntry{}, entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].id < sorted[j].id })
	for _, e := range sorted {
		if e.filePath == preferFile {
			return e, true
		}
	}
	return sorted[0], true
}

func (ix *symbolIndex) lookupClass(name, preferFile string) (symbolEntry, bool) {
	return pick(ix.classes[name], preferFile)
}

func (ix *symbolIndex) lookupFunction(name, preferFile string) (symbolEntry, bool) {
	return pick(ix.functions[name], preferFile)
}

// resolution is the output of pass two: concrete edges, support nodes
// (placeholders and exception types), and counters.
type resolution struct {
	Nodes        []graph.Node
	Edges        []graph.Edge
	Unresolved   int
	Placeholders int
}

// resolve turns pending refs into concrete edges against the symbol index.
//
// Unresolved calls and creations are dropped and counted: an edge to a symbol
// the project does not define carries no analytical value. Inheritance is the
// exception: the class hierarchy must stay connected, so a miss creates a
// placeholder Class that a later parse of the real definition supersedes.
func resolve(projectID string, refs []pendingRef, ix *symbolIndex, varIDs map[string]map[string]string) resolution {
	var res resolution
	placeholderSeen := make(map[string]struct{})
	exceptionSeen := make(map[string]struct{})

	for _, ref := range refs {
		switch ref.Kind {
		case parser.RefCall:
			if target, ok := ix.lookupFunction(ref.Target, ref.SrcFile); ok {
				res.Edges = append(res.Edges, graph.Edge{
					Kind: graph.EdgeCalls, SrcID: ref.SrcID, DstID: target.id,
					Props: map[string]any{"call_site_line": ref.Line, "type": callType(target)},
				})
				continue
			}
			res.Unresolved++

		case parser.RefCreates:
			if target, ok := ix.lookupClass(ref.Target, ref.SrcFile); ok {
				res.Edges = append(res.Edges, graph.Edge{
					Kind: graph.EdgeCreatesObject, SrcID: ref.SrcID, DstID: target.id,
					Props: map[string]any{"creation_line": ref.Line},
				})
				continue
			}
			// Uppercase-initial call heuristic can mistake factories for
			// constructors; fall back to a plain call edge.
			if target, ok := ix.lookupFunction(ref.Target, ref.SrcFile); ok {
				res.Edges = append(res.Edges, graph.Edge{
					Kind: graph.EdgeCalls, SrcID: ref.SrcID, DstID: target.id,
					Props: map[string]any{"call_site_line": ref.Line, "type": callType(target)},
				})
				continue
			}
			res.Unresolved++

		case parser.RefInherits:
			if target, ok := ix.lookupClass(ref.Target, ref.SrcFile); ok {
				res.Edges = append(res.Edges, graph.Edge{
					Kind: graph.EdgeInheritsFrom, SrcID: ref.SrcID, DstID: target.id,
				})
				continue
			}
			phID := graph.SymbolID(projectID, "unresolved", ref.Target, 0)
			if _, dup := placeholderSeen[phID]; !dup {
				placeholderSeen[phID] = struct{}{}
				res.Placeholders++
				res.Nodes = append(res.Nodes, graph.Node{Kind: graph.KindClass, ID: phID, Props: map[string]any{
					"name":        ref.Target,
					"file_path":   "",
					"placeholder": true,
				}})
				res.Edges = append(res.Edges, graph.Edge{Kind: graph.EdgeBelongsTo, SrcID: phID, DstID: projectID})
			}
			res.Edges = append(res.Edges, graph.Edge{Kind: graph.EdgeInheritsFrom, SrcID: ref.SrcID, DstID: phID})

		case parser.RefRaises, parser.RefHandles:
			excID := graph.SymbolID(projectID, "exceptions", ref.Target, 0)
			if _, dup := exceptionSeen[excID]; !dup {
				exceptionSeen[excID] = struct{}{}
				_, defined := ix.lookupClass(ref.Target, ref.SrcFile)
				res.Nodes = append(res.Nodes, graph.Node{Kind: graph.KindExceptionType, ID: excID, Props: map[string]any{
					"name":            ref.Target,
					"project_defined": defined,
				}})
				res.Edges = append(res.Edges, graph.Edge{Kind: graph.EdgeBelongsTo, SrcID: excID, DstID: projectID})
			}
			kind := graph.EdgeRaisesException
			if ref.Kind == parser.RefHandles {
				kind = graph.EdgeHandlesException
			}
			res.Edges = append(res.Edges, graph.Edge{Kind: kind, SrcID: ref.SrcID, DstID: excID})

		case parser.RefUses, parser.RefModifies:
			id, ok := resolveVariable(varIDs[ref.SrcFile], ref)
			if !ok {
				res.Unresolved++
				continue
			}
			if ref.Kind == parser.RefUses {
				res.Edges = append(res.Edges, graph.Edge{
					Kind: graph.EdgeUsesVariable, SrcID: ref.SrcID, DstID: id,
					Props: map[string]any{"usage_line": ref.Line},
				})
			} else {
				res.Edges = append(res.Edges, graph.Edge{
					Kind: graph.EdgeModifiesVariable, SrcID: ref.SrcID, DstID: id,
					Props: map[string]any{"modification_line": ref.Line, "modification_type": "assignment"},
				})
			}
		}
	}
	return res
}

func callType(target symbolEntry) string {
	if target.isMethod {
		return "method"
	}
	return "function"
}

// resolveVariable finds the variable node a USES/MODIFIES ref points at,
// trying the enclosing function's scopes, then class attributes, then module
// globals. Variable refs never cross files.
func resolveVariable(fileVars map[string]string, ref pendingRef) (string, bool) {
	if fileVars == nil {
		return "", false
	}
	for _, key := range []string{
		varKey(graph.ScopeParameter, ref.FromFunction, ref.Target),
		varKey(graph.ScopeLocalVariable, ref.FromFunction, ref.Target),
		varKey(graph.ScopeClassAttribute, ref.FromClass, ref.Target),
		varKey(graph.ScopeGlobalVariable, "", ref.Target),
	} {
		if id, ok := fileVars[key]; ok {
			return id, true
		}
	}
	return "", false
}
