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
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/ckg/pkg/graph"
	"github.com/kraklabs/ckg/pkg/parser"
)

const fileAlpha = `class Alpha(Gamma):
    def a_one(self):
        return 1

    def a_two(self):
        return 2


def alpha_top():
    return beta_top()
`

const fileBeta = `class Beta:
    def b_one(self):
        return 1

    def b_two(self):
        return 2


def beta_top():
    return 2
`

const fileGamma = `class Gamma:
    def g_one(self):
        return 1

    def g_two(self):
        return 2


def gamma_top():
    return 3
`

func testBuilder(store graph.Store) *Builder {
	return NewBuilder(store, parser.NewDefaultRegistry(), Options{
		BatchFiles:  2,
		Concurrency: 2,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func seedTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"alpha.py": fileAlpha,
		"beta.py":  fileBeta,
		"gamma.py": fileGamma,
	})
	return root
}

func overview(t *testing.T, store graph.Store, projectID string) map[string]any {
	t.Helper()
	rows, err := store.RunSummaryQuery(context.Background(), graph.QueryProjectOverview,
		map[string]any{"project_id": projectID})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	return rows[0]
}

func TestFullBuildHappyPath(t *testing.T) {
	store := graph.NewMemory(nil)
	root := seedTree(t)

	stats, err := testBuilder(store).Build(context.Background(), "proj", "demo", root)
	require.NoError(t, err)

	assert.Equal(t, 3, stats.FilesProcessed)
	assert.Zero(t, stats.FilesWithErrors)
	assert.Zero(t, stats.PlaceholdersCreated)

	row := overview(t, store, "proj")
	assert.Equal(t, 3, row["total_files"])
	assert.Equal(t, 3, row["total_classes"])
	assert.Equal(t, 9, row["total_functions_methods"])
	assert.InDelta(t, 3.0, row["average_functions_per_file"], 1e-9)
}

func TestFullBuildResolvesCrossFile(t *testing.T) {
	store := graph.NewMemory(nil)
	root := seedTree(t)

	_, err := testBuilder(store).Build(context.Background(), "proj", "demo", root)
	require.NoError(t, err)

	rows, err := store.RunSummaryQuery(context.Background(), graph.QueryFunctionCalls,
		map[string]any{"project_id": "proj", "function_name": "beta_top"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "alpha_top", rows[0]["caller"])
	assert.Equal(t, "beta.py", rows[0]["callee_file"])

	rows, err = store.RunSummaryQuery(context.Background(), graph.QueryClassInheritance,
		map[string]any{"project_id": "proj", "class_name": "Alpha"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Gamma", rows[0]["superclass"])
	assert.Equal(t, false, rows[0]["placeholder"])
}

func TestIncrementalOneFileChanged(t *testing.T) {
	store := graph.NewMemory(nil)
	root := seedTree(t)
	b := testBuilder(store)

	_, err := b.Build(context.Background(), "proj", "demo", root)
	require.NoError(t, err)

	hashesBefore := fileHashes(t, store, "proj")

	writeTree(t, root, map[string]string{"beta.py": fileBeta + "\n\ndef beta_extra():\n    return 4\n"})

	stats, err := b.Update(context.Background(), "proj", "demo", root)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Modified)
	assert.Zero(t, stats.Added)
	assert.Zero(t, stats.Deleted)
	assert.Equal(t, 2, stats.Unchanged)
	// alpha.py calls into beta.py, so it re-resolves.
	assert.Equal(t, 1, stats.AffectedUnchanged)

	hashesAfter := fileHashes(t, store, "proj")
	assert.Equal(t, hashesBefore["alpha.py"], hashesAfter["alpha.py"])
	assert.Equal(t, hashesBefore["gamma.py"], hashesAfter["gamma.py"])
	assert.NotEqual(t, hashesBefore["beta.py"], hashesAfter["beta.py"])

	row := overview(t, store, "proj")
	assert.Equal(t, 10, row["total_functions_methods"])
}

func TestIncrementalFileDeleted(t *testing.T) {
	store := graph.NewMemory(nil)
	root := seedTree(t)
	b := testBuilder(store)

	_, err := b.Build(context.Background(), "proj", "demo", root)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(root, "gamma.py")))

	stats, err := b.Update(context.Background(), "proj", "demo", root)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Deleted)
	assert.Equal(t, 1, stats.PlaceholdersCreated)

	row := overview(t, store, "proj")
	assert.Equal(t, 2, row["total_files"])

	// Alpha's superclass edge now targets a placeholder.
	rows, err := store.RunSummaryQuery(context.Background(), graph.QueryClassInheritance,
		map[string]any{"project_id": "proj", "class_name": "Alpha"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Gamma", rows[0]["superclass"])
	assert.Equal(t, true, rows[0]["placeholder"])

	// No Gamma symbols survive.
	rows, err = store.RunSummaryQuery(context.Background(), graph.QuerySearch,
		map[string]any{"project_id": "proj", "term": "gamma_top"})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestIncrementalAddedBaseReplacesPlaceholder(t *testing.T) {
	store := graph.NewMemory(nil)
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"sub.py": "class Sub(Base):\n    pass\n",
	})
	b := testBuilder(store)

	stats, err := b.Build(context.Background(), "proj", "demo", root)
	require.NoError(t, err)
	require.Equal(t, 1, stats.PlaceholdersCreated)

	// The file defining the missing base arrives later. Nothing points at
	// sub.py, so the update reparses base.py alone; the placeholder must
	// still be superseded and Sub's edge re-pointed at the real class.
	writeTree(t, root, map[string]string{
		"base.py": "class Base:\n    def ping(self):\n        return 1\n",
	})
	_, err = b.Update(context.Background(), "proj", "demo", root)
	require.NoError(t, err)

	rows, err := store.RunSummaryQuery(context.Background(), graph.QueryClassInheritance,
		map[string]any{"project_id": "proj", "class_name": "Sub"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Base", rows[0]["superclass"])
	assert.Equal(t, false, rows[0]["placeholder"])

	phRows, err := store.RunSummaryQuery(context.Background(), graph.QueryPlaceholderStats,
		map[string]any{"project_id": "proj"})
	require.NoError(t, err)
	require.Len(t, phRows, 1)
	assert.Equal(t, 0, phRows[0]["placeholders"])
	assert.Equal(t, 2, phRows[0]["total_classes"])
}

func TestIncrementalNoChangesIsNoOp(t *testing.T) {
	store := graph.NewMemory(nil)
	root := seedTree(t)
	b := testBuilder(store)

	_, err := b.Build(context.Background(), "proj", "demo", root)
	require.NoError(t, err)
	before := store.Stats()

	stats, err := b.Update(context.Background(), "proj", "demo", root)
	require.NoError(t, err)
	assert.Zero(t, stats.Added)
	assert.Zero(t, stats.Modified)
	assert.Zero(t, stats.Deleted)
	assert.Equal(t, 3, stats.Unchanged)
	assert.Equal(t, before, store.Stats())
}

func TestBuildDeleteBuildRoundTrip(t *testing.T) {
	store := graph.NewMemory(nil)
	root := seedTree(t)
	b := testBuilder(store)

	_, err := b.Build(context.Background(), "proj", "demo", root)
	require.NoError(t, err)
	callsBefore, err := store.RunSummaryQuery(context.Background(), graph.QueryFunctionCalls,
		map[string]any{"project_id": "proj"})
	require.NoError(t, err)
	statsBefore := store.Stats()

	for _, path := range []string{"alpha.py", "beta.py", "gamma.py"} {
		require.NoError(t, store.DeleteFileCascade(context.Background(), "proj", path))
	}

	_, err = b.Build(context.Background(), "proj", "demo", root)
	require.NoError(t, err)
	callsAfter, err := store.RunSummaryQuery(context.Background(), graph.QueryFunctionCalls,
		map[string]any{"project_id": "proj"})
	require.NoError(t, err)

	assert.Equal(t, callsBefore, callsAfter)
	assert.Equal(t, statsBefore, store.Stats())
}

func TestBuildHoldsProjectLease(t *testing.T) {
	store := graph.NewMemory(nil)
	root := seedTree(t)

	require.NoError(t, store.AcquireLease(context.Background(), "proj", "someone-else"))
	_, err := testBuilder(store).Build(context.Background(), "proj", "demo", root)
	assert.ErrorIs(t, err, graph.ErrLeaseHeld)
}

func TestBuildCancellationStopsBetweenBatches(t *testing.T) {
	mem := graph.NewMemory(nil)
	ctx, cancel := context.WithCancel(context.Background())
	store := &cancelAfter{Store: mem, cancel: cancel, after: 2}

	root := t.TempDir()
	files := map[string]string{}
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		files[name+".py"] = "def " + name + "_fn():\n    return 1\n"
	}
	writeTree(t, root, files)

	b := NewBuilder(store, parser.NewDefaultRegistry(), Options{
		BatchFiles:  1,
		Concurrency: 1,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	_, err := b.Build(ctx, "proj", "demo", root)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	// Committed batches stay committed; nothing half-applied.
	rows, err := mem.RunSummaryQuery(context.Background(), graph.QueryFileHashes,
		map[string]any{"project_id": "proj"})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(rows), 2)
}

func TestUnresolvedCallsDroppedAndCounted(t *testing.T) {
	store := graph.NewMemory(nil)
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"lone.py": "def lone():\n    return missing_helper()\n",
	})

	stats, err := testBuilder(store).Build(context.Background(), "proj", "demo", root)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.UnresolvedRefs)
	assert.Zero(t, stats.PlaceholdersCreated)

	rows, err := store.RunSummaryQuery(context.Background(), graph.QueryFunctionCalls,
		map[string]any{"project_id": "proj"})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestImportsCreateModuleNodes(t *testing.T) {
	store := graph.NewMemory(nil)
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"app.py": "import requests\nfrom app import helpers\n\ndef run():\n    return 1\n",
	})

	_, err := testBuilder(store).Build(context.Background(), "proj", "demo", root)
	require.NoError(t, err)

	rows, err := store.RunSummaryQuery(context.Background(), graph.QuerySearch,
		map[string]any{"project_id": "proj", "term": "requests", "kinds": []string{"Module"}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "requests", rows[0]["name"])
}

func TestOversizeFileGetsErrorAnnotation(t *testing.T) {
	store := graph.NewMemory(nil)
	root := t.TempDir()
	writeTree(t, root, map[string]string{"big.py": string(make([]byte, 128))})

	registry := parser.NewDefaultRegistry()
	registry.SetMaxFileSize(64)
	b := NewBuilder(store, registry, Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	stats, err := b.Build(context.Background(), "proj", "demo", root)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FilesProcessed)
	assert.Equal(t, 1, stats.FilesWithErrors)

	row := overview(t, store, "proj")
	assert.Equal(t, 1, row["total_files"])
	assert.Equal(t, 0, row["total_functions_methods"])
}

func TestValidateFlagsPlaceholderExcess(t *testing.T) {
	store := graph.NewMemory(nil)
	root := t.TempDir()
	// One real class, two unknown bases: placeholders dominate.
	writeTree(t, root, map[string]string{
		"a.py": "class A(External, OtherExternal):\n    pass\n",
	})
	b := testBuilder(store)

	stats, err := b.Build(context.Background(), "proj", "demo", root)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.PlaceholdersCreated)

	report, err := b.Validate(context.Background(), "proj")
	require.ErrorIs(t, err, ErrValidationFailed)
	assert.Equal(t, 2, report.Placeholders)
	assert.Equal(t, 3, report.TotalClasses)
	assert.InDelta(t, 2.0/3.0, report.PlaceholderFraction, 1e-9)
}

func fileHashes(t *testing.T, store graph.Store, projectID string) map[string]string {
	t.Helper()
	rows, err := store.RunSummaryQuery(context.Background(), graph.QueryFileHashes,
		map[string]any{"project_id": projectID})
	require.NoError(t, err)
	out := make(map[string]string, len(rows))
	for _, row := range rows {
		out[row["path"].(string)] = row["content_hash"].(string)
	}
	return out
}

// cancelAfter trips the cancel func once `after` batches have been applied.
type cancelAfter struct {
	graph.Store
	cancel  context.CancelFunc
	after   int
	applied int
}

func (c *cancelAfter) ApplyBatch(ctx context.Context, b *graph.Batch) error {
	if err := c.Store.ApplyBatch(ctx, b); err != nil {
		return err
	}
	c.applied++
	if c.applied == c.after {
		c.cancel()
	}
	return nil
}
