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

package prompt

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/ckg/pkg/graph"
	"github.com/kraklabs/ckg/pkg/query"
)

func TestForKind(t *testing.T) {
	assert.Equal(t, TemplatePRScan, ForKind("pr_scan", ""))
	assert.Equal(t, TemplatePRScan, ForKind("pr_scan", "security"))
	assert.Equal(t, TemplateSecurity, ForKind("full_scan", "security"))
	assert.Equal(t, TemplateFullScan, ForKind("full_scan", ""))
	assert.Equal(t, TemplateFullScan, ForKind("full_scan", "unknown"))
}

func TestPlaceholderNames(t *testing.T) {
	names := placeholderNames("Hello {a}, meet {b} and {a} again. Not {a b} or {\n}.")
	assert.Equal(t, []string{"a", "b"}, names)
}

func fullScanVars() map[string]any {
	return map[string]any{
		"project_name":                "demo",
		"project_language":            "python",
		"main_branch":                 "main",
		"project_custom_notes":        "(none)",
		"output_language":             "English",
		"ckg_summary":                 "{}",
		"total_files":                 3,
		"total_classes":               2,
		"total_functions_methods":     9,
		"average_functions_per_file":  "3.00",
		"important_files_preview":     "--- a.py ---",
		"directory_listing_top_level": "app/",
		"format_instructions":         FormatInstructions,
	}
}

func TestRenderFullScan(t *testing.T) {
	out, err := Render(TemplateFullScan, fullScanVars())
	require.NoError(t, err)
	assert.Contains(t, out, "Project: demo (language: python, branch: main)")
	assert.Contains(t, out, "Respond in English.")
	assert.Contains(t, out, `"findings"`)
	assert.NotContains(t, out, "{project_name}")
}

func TestRenderAllTemplates(t *testing.T) {
	vars := fullScanVars()
	vars["pr_title"] = "Fix parser"
	vars["pr_description"] = "desc"
	vars["pr_author"] = "dev"
	vars["head_branch"] = "feature"
	vars["base_branch"] = "main"
	vars["pr_diff_content"] = "diff"
	vars["formatted_changed_files_with_content"] = "=== a.py ==="

	for _, tmpl := range Templates() {
		out, err := Render(tmpl, vars)
		require.NoError(t, err, "template %s", tmpl)
		assert.NotContains(t, out, "{project_name}", "template %s", tmpl)
		assert.Contains(t, out, "demo", "template %s", tmpl)
	}
}

func TestRenderUnknownTemplate(t *testing.T) {
	_, err := Render(Template("nope"), nil)
	assert.Error(t, err)
}

func seededAPI(t *testing.T) *query.API {
	t.Helper()
	m := graph.NewMemory(nil)
	ctx := context.Background()
	require.NoError(t, m.UpsertNode(ctx, graph.Node{Kind: graph.KindProject, ID: "p", Props: map[string]any{"graph_id": "p"}}))
	require.NoError(t, m.UpsertNode(ctx, graph.Node{Kind: graph.KindFile, ID: "p:app/main.py", Props: map[string]any{"path": "app/main.py"}}))
	require.NoError(t, m.UpsertNode(ctx, graph.Node{Kind: graph.KindFunction, ID: "p:app/main.py:main:1", Props: map[string]any{
		"name": "main", "file_path": "app/main.py"}}))
	require.NoError(t, m.UpsertEdge(ctx, graph.Edge{Kind: graph.EdgeDefinedIn, SrcID: "p:app/main.py:main:1", DstID: "p:app/main.py"}))
	return query.New(m)
}

func TestFullScanContext(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "app"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "app", "main.py"), []byte("def main():\n    return 1\n"), 0o644))

	b := NewContextBuilder(seededAPI(t))
	out, err := b.FullScan(context.Background(), ProjectInput{
		ProjectID:   "p",
		ProjectName: "demo",
		Root:        root,
	})
	require.NoError(t, err)
	assert.True(t, out.Meaningful)
	assert.Equal(t, "demo", out.Variables["project_name"])
	assert.Equal(t, "python", out.Variables["project_language"])
	assert.Equal(t, 1, out.Variables["total_files"])
	assert.Contains(t, out.Variables["important_files_preview"], "app/main.py")
	assert.Contains(t, out.Variables["directory_listing_top_level"], "app/")

	// Every full-scan template must render from this variable set.
	_, err = Render(TemplateFullScan, out.Variables)
	require.NoError(t, err)
}

func TestEmptyGraphSkipsLLM(t *testing.T) {
	b := NewContextBuilder(query.New(graph.NewMemory(nil)))
	out, err := b.FullScan(context.Background(), ProjectInput{
		ProjectID:   "empty",
		ProjectName: "empty",
		Root:        t.TempDir(),
	})
	require.NoError(t, err)
	assert.False(t, out.Meaningful)
	assert.Contains(t, out.Synthetic, "no analyzable source")
}

func TestPRScanContext(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.py"), []byte("x = 1\n"), 0o644))

	b := NewContextBuilder(seededAPI(t))
	out, err := b.PRScan(context.Background(), ProjectInput{
		ProjectID:   "p",
		ProjectName: "demo",
		Root:        root,
	}, PRInput{
		Title:        "Fix",
		Author:       "dev",
		HeadBranch:   "feature",
		BaseBranch:   "main",
		Diff:         "--- a.py\n+++ a.py\n",
		ChangedFiles: []string{"a.py", "gone.py"},
	})
	require.NoError(t, err)
	assert.True(t, out.Meaningful)
	assert.Contains(t, out.Variables["formatted_changed_files_with_content"], "=== a.py ===")
	assert.Contains(t, out.Variables["formatted_changed_files_with_content"], "(file removed)")

	_, err = Render(TemplatePRScan, out.Variables)
	require.NoError(t, err)
}
