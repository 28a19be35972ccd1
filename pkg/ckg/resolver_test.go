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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/ckg/pkg/graph"
	"github.com/kraklabs/ckg/pkg/parser"
)

func TestLookupPrefersSameFile(t *testing.T) {
	ix := newSymbolIndex()
	ix.addFunction("helper", "p:a.py:helper:3", "a.py", false)
	ix.addFunction("helper", "p:b.py:helper:7", "b.py", false)

	entry, ok := ix.lookupFunction("helper", "b.py")
	require.True(t, ok)
	assert.Equal(t, "p:b.py:helper:7", entry.id)

	// No same-file candidate: smallest ID wins, deterministically.
	entry, ok = ix.lookupFunction("helper", "c.py")
	require.True(t, ok)
	assert.Equal(t, "p:a.py:helper:3", entry.id)
}

func TestResolveCallAndMethodType(t *testing.T) {
	ix := newSymbolIndex()
	ix.addFunction("run", "p:svc.py:run:10", "svc.py", true)

	res := resolve("p", []pendingRef{{
		SrcID: "p:main.py:main:1", SrcFile: "main.py",
		Kind: parser.RefCall, Target: "run", Hint: "function", Line: 4,
	}}, ix, nil)

	require.Len(t, res.Edges, 1)
	assert.Equal(t, graph.EdgeCalls, res.Edges[0].Kind)
	assert.Equal(t, "p:svc.py:run:10", res.Edges[0].DstID)
	assert.Equal(t, 4, res.Edges[0].Props["call_site_line"])
	assert.Equal(t, "method", res.Edges[0].Props["type"])
}

func TestGraphRowsResolveWithMethodType(t *testing.T) {
	// Symbols outside the parse set arrive as project_symbols rows; a call
	// resolved against them must still carry the method/function distinction.
	ix := newSymbolIndex()
	ix.addGraphRows([]map[string]any{
		{"name": "save", "kind": "Function", "composite_id": "p:db.py:save:12",
			"file_path": "db.py", "is_method": true},
		{"name": "Repo", "kind": "Class", "composite_id": "p:db.py:Repo:5",
			"file_path": "db.py"},
	}, map[string]struct{}{})

	res := resolve("p", []pendingRef{{
		SrcID: "p:app.py:sync:2", SrcFile: "app.py",
		Kind: parser.RefCall, Target: "save", Hint: "function", Line: 8,
	}}, ix, nil)

	require.Len(t, res.Edges, 1)
	assert.Equal(t, "p:db.py:save:12", res.Edges[0].DstID)
	assert.Equal(t, "method", res.Edges[0].Props["type"])
}

func TestResolveCreatesFallsBackToCall(t *testing.T) {
	// Uppercase factory function, no class of that name.
	ix := newSymbolIndex()
	ix.addFunction("Build", "p:f.py:Build:2", "f.py", false)

	res := resolve("p", []pendingRef{{
		SrcID: "p:m.py:go:1", SrcFile: "m.py",
		Kind: parser.RefCreates, Target: "Build", Hint: "class", Line: 9,
	}}, ix, nil)

	require.Len(t, res.Edges, 1)
	assert.Equal(t, graph.EdgeCalls, res.Edges[0].Kind)
	assert.Zero(t, res.Unresolved)
}

func TestResolveInheritanceMissCreatesOnePlaceholder(t *testing.T) {
	refs := []pendingRef{
		{SrcID: "p:a.py:A:1", SrcFile: "a.py", Kind: parser.RefInherits, Target: "External", Hint: "class"},
		{SrcID: "p:b.py:B:1", SrcFile: "b.py", Kind: parser.RefInherits, Target: "External", Hint: "class"},
	}
	res := resolve("p", refs, newSymbolIndex(), nil)

	assert.Equal(t, 1, res.Placeholders)
	require.Len(t, res.Nodes, 1)
	assert.Equal(t, graph.KindClass, res.Nodes[0].Kind)
	assert.Equal(t, true, res.Nodes[0].Props["placeholder"])

	inherits := 0
	for _, e := range res.Edges {
		if e.Kind == graph.EdgeInheritsFrom {
			inherits++
			assert.Equal(t, res.Nodes[0].ID, e.DstID)
		}
	}
	assert.Equal(t, 2, inherits)
}

func TestResolveExceptionEdges(t *testing.T) {
	ix := newSymbolIndex()
	ix.addClass("AppError", "p:err.py:AppError:1", "err.py")

	res := resolve("p", []pendingRef{
		{SrcID: "p:m.py:f:1", SrcFile: "m.py", Kind: parser.RefRaises, Target: "AppError", Hint: "exception"},
		{SrcID: "p:m.py:g:9", SrcFile: "m.py", Kind: parser.RefHandles, Target: "ValueError", Hint: "exception"},
	}, ix, nil)

	require.Len(t, res.Nodes, 2)
	byName := map[string]graph.Node{}
	for _, n := range res.Nodes {
		byName[n.Props["name"].(string)] = n
		assert.Equal(t, graph.KindExceptionType, n.Kind)
	}
	assert.Equal(t, true, byName["AppError"].Props["project_defined"])
	assert.Equal(t, false, byName["ValueError"].Props["project_defined"])

	kinds := map[graph.EdgeKind]int{}
	for _, e := range res.Edges {
		kinds[e.Kind]++
	}
	assert.Equal(t, 1, kinds[graph.EdgeRaisesException])
	assert.Equal(t, 1, kinds[graph.EdgeHandlesException])
}

func TestResolveVariableRefs(t *testing.T) {
	varIDs := map[string]map[string]string{
		"m.py": {
			varKey(graph.ScopeLocalVariable, "f", "total"): "p:m.py:f.total:3",
			varKey(graph.ScopeGlobalVariable, "", "LIMIT"): "p:m.py:LIMIT:1",
		},
	}
	res := resolve("p", []pendingRef{
		{SrcID: "p:m.py:f:2", SrcFile: "m.py", FromFunction: "f", Kind: parser.RefModifies, Target: "total", Line: 5},
		{SrcID: "p:m.py:f:2", SrcFile: "m.py", FromFunction: "f", Kind: parser.RefUses, Target: "LIMIT", Line: 6},
		{SrcID: "p:m.py:f:2", SrcFile: "m.py", FromFunction: "f", Kind: parser.RefUses, Target: "unknown", Line: 7},
	}, newSymbolIndex(), varIDs)

	require.Len(t, res.Edges, 2)
	assert.Equal(t, graph.EdgeModifiesVariable, res.Edges[0].Kind)
	assert.Equal(t, "p:m.py:f.total:3", res.Edges[0].DstID)
	assert.Equal(t, "assignment", res.Edges[0].Props["modification_type"])
	assert.Equal(t, graph.EdgeUsesVariable, res.Edges[1].Kind)
	assert.Equal(t, 6, res.Edges[1].Props["usage_line"])
	assert.Equal(t, 1, res.Unresolved)
}

func TestModuleName(t *testing.T) {
	assert.Equal(t, "app.services.auth", moduleName("app/services/auth.py"))
	assert.Equal(t, "index", moduleName("index.ts"))
}
