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

package query

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/ckg/pkg/graph"
)

// seedStore builds a small two-file project by hand: Service with two
// methods, a free helper, a call edge and an inheritance edge.
func seedStore(t *testing.T) *graph.Memory {
	t.Helper()
	m := graph.NewMemory(nil)
	ctx := context.Background()

	upsertNode := func(kind graph.NodeKind, id string, props map[string]any) {
		require.NoError(t, m.UpsertNode(ctx, graph.Node{Kind: kind, ID: id, Props: props}))
	}
	upsertEdge := func(kind graph.EdgeKind, src, dst string, props map[string]any) {
		require.NoError(t, m.UpsertEdge(ctx, graph.Edge{Kind: kind, SrcID: src, DstID: dst, Props: props}))
	}

	upsertNode(graph.KindProject, "p", map[string]any{"graph_id": "p", "name": "demo"})
	upsertNode(graph.KindFile, "p:app/svc.py", map[string]any{"path": "app/svc.py", "content_hash": "h1"})
	upsertNode(graph.KindFile, "p:lib/base.py", map[string]any{"path": "lib/base.py", "content_hash": "h2"})

	upsertNode(graph.KindClass, "p:lib/base.py:Base:1", map[string]any{
		"name": "Base", "file_path": "lib/base.py", "start_line": 1, "placeholder": false})
	upsertNode(graph.KindClass, "p:app/svc.py:Service:1", map[string]any{
		"name": "Service", "file_path": "app/svc.py", "start_line": 1, "placeholder": false})

	functions := []struct {
		id, name, file, class string
	}{
		{"p:app/svc.py:run:2", "run", "app/svc.py", "Service"},
		{"p:app/svc.py:stop:6", "stop", "app/svc.py", "Service"},
		{"p:lib/base.py:helper:4", "helper", "lib/base.py", ""},
	}
	for _, fn := range functions {
		upsertNode(graph.KindFunction, fn.id, map[string]any{
			"name": fn.name, "file_path": fn.file, "class_name": fn.class, "is_method": fn.class != ""})
		upsertEdge(graph.EdgeDefinedIn, fn.id, "p:"+fn.file, nil)
		upsertEdge(graph.EdgeBelongsTo, fn.id, "p", nil)
	}
	for _, id := range []string{"p:lib/base.py:Base:1", "p:app/svc.py:Service:1"} {
		upsertEdge(graph.EdgeBelongsTo, id, "p", nil)
	}
	upsertEdge(graph.EdgeDefinedIn, "p:lib/base.py:Base:1", "p:lib/base.py", nil)
	upsertEdge(graph.EdgeDefinedIn, "p:app/svc.py:Service:1", "p:app/svc.py", nil)

	upsertEdge(graph.EdgeCalls, "p:app/svc.py:run:2", "p:lib/base.py:helper:4",
		map[string]any{"call_site_line": 3, "type": "function"})
	upsertEdge(graph.EdgeInheritsFrom, "p:app/svc.py:Service:1", "p:lib/base.py:Base:1", nil)

	return m
}

func TestProjectOverviewShape(t *testing.T) {
	api := New(seedStore(t))

	o, err := api.ProjectOverview(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, 2, o.TotalFiles)
	assert.Equal(t, 2, o.TotalClasses)
	assert.Equal(t, 3, o.TotalFunctionsMethods)
	assert.InDelta(t, 1.5, o.AverageFunctionsPerFile, 1e-9)
	assert.Equal(t, []string{"app", "lib"}, o.MainModules)
	require.NotEmpty(t, o.TopCalledFunctions)
	assert.Equal(t, "helper", o.TopCalledFunctions[0].Name)
	assert.True(t, o.Meaningful())
}

func TestOverviewMeaningfulChecks(t *testing.T) {
	empty := &Overview{}
	assert.False(t, empty.Meaningful())

	filesButNoSignal := &Overview{TotalFiles: 4}
	assert.False(t, filesButNoSignal.Meaningful())

	ok := &Overview{TotalFiles: 4, MainModules: []string{"app"}}
	assert.True(t, ok.Meaningful())
}

func TestFunctionCallRelationships(t *testing.T) {
	api := New(seedStore(t))

	calls, err := api.FunctionCallRelationships(context.Background(), "p", "", Page{})
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "run", calls[0].Caller)
	assert.Equal(t, "helper", calls[0].Callee)
	assert.Equal(t, 3, calls[0].CallSiteLine)

	filtered, err := api.FunctionCallRelationships(context.Background(), "p", "stop", Page{})
	require.NoError(t, err)
	assert.Empty(t, filtered)
}

func TestClassInheritance(t *testing.T) {
	api := New(seedStore(t))

	rows, err := api.ClassInheritance(context.Background(), "p", "Service", Page{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Base", rows[0].Superclass)
	assert.False(t, rows[0].Placeholder)
}

func TestLargeClassesThreshold(t *testing.T) {
	api := New(seedStore(t))

	rows, err := api.LargeClasses(context.Background(), "p", 2, Page{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Service", rows[0].ClassName)
	assert.Equal(t, 2, rows[0].MethodCount)

	none, err := api.LargeClasses(context.Background(), "p", 0, Page{}) // default 20
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSearchAndPagination(t *testing.T) {
	api := New(seedStore(t))

	hits, err := api.Search(context.Background(), "p", "r", []string{"Function"}, Page{})
	require.NoError(t, err)
	// run and helper both contain "r".
	assert.Len(t, hits, 2)

	paged, err := api.Search(context.Background(), "p", "r", []string{"Function"}, Page{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, paged, 1)
}

func TestImpactOfChanges(t *testing.T) {
	api := New(seedStore(t))

	impact, err := api.ImpactOfChanges(context.Background(), "p", []string{"lib/base.py"})
	require.NoError(t, err)
	assert.Equal(t, 2, impact.AffectedFunctionCount) // run calls in, Service inherits in
	assert.Contains(t, impact.FilesToUpdate, "app/svc.py")
}
