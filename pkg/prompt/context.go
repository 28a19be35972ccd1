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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kraklabs/ckg/pkg/query"
)

// Preview bounds: how many files and how many bytes per file go into the
// prompt verbatim.
const (
	DefaultPreviewFiles = 5
	DefaultPreviewBytes = 2048
)

// ContextBuilder assembles the variable set a template needs from the graph
// overview and the working tree.
type ContextBuilder struct {
	api          *query.API
	previewFiles int
	previewBytes int
}

// NewContextBuilder creates a builder over the query API.
func NewContextBuilder(api *query.API) *ContextBuilder {
	return &ContextBuilder{
		api:          api,
		previewFiles: DefaultPreviewFiles,
		previewBytes: DefaultPreviewBytes,
	}
}

// SetPreviewLimits overrides the preview bounds; zero keeps the current value.
func (b *ContextBuilder) SetPreviewLimits(files, bytes int) {
	if files > 0 {
		b.previewFiles = files
	}
	if bytes > 0 {
		b.previewBytes = bytes
	}
}

// ProjectInput is the job-level metadata every scan shares.
type ProjectInput struct {
	ProjectID      string
	ProjectName    string
	MainBranch     string
	Notes          string
	OutputLanguage string
	Root           string // working tree, for previews and listings
}

// PRInput is the extra variable set a PR scan carries.
type PRInput struct {
	Title        string
	Description  string
	Author       string
	HeadBranch   string
	BaseBranch   string
	Diff         string
	ChangedFiles []string
}

// Context is the assembled variable set. When Meaningful is false the graph
// had no analyzable signal: no LLM call should be made, and Synthetic holds
// the project summary to persist instead.
type Context struct {
	Variables  map[string]any
	Meaningful bool
	Synthetic  string
}

// FullScan assembles the variable set for a whole-project analysis.
func (b *ContextBuilder) FullScan(ctx context.Context, in ProjectInput) (*Context, error) {
	overview, err := b.api.ProjectOverview(ctx, in.ProjectID)
	if err != nil {
		return nil, err
	}
	vars, err := b.commonVariables(in, overview)
	if err != nil {
		return nil, err
	}
	if !overview.Meaningful() {
		return &Context{
			Variables:  vars,
			Meaningful: false,
			Synthetic:  syntheticSummary(in.ProjectName, overview),
		}, nil
	}
	return &Context{Variables: vars, Meaningful: true}, nil
}

// PRScan assembles the variable set for a pull-request analysis.
func (b *ContextBuilder) PRScan(ctx context.Context, in ProjectInput, pr PRInput) (*Context, error) {
	out, err := b.FullScan(ctx, in)
	if err != nil {
		return nil, err
	}
	out.Variables["pr_title"] = pr.Title
	out.Variables["pr_description"] = orDefault(pr.Description, "(no description)")
	out.Variables["pr_author"] = pr.Author
	out.Variables["head_branch"] = pr.HeadBranch
	out.Variables["base_branch"] = pr.BaseBranch
	out.Variables["pr_diff_content"] = pr.Diff
	out.Variables["formatted_changed_files_with_content"] = b.formatChangedFiles(in.Root, pr.ChangedFiles)

	// A PR against an empty graph is still analyzable from its diff.
	if !out.Meaningful && strings.TrimSpace(pr.Diff) != "" {
		out.Meaningful = true
		out.Synthetic = ""
	}
	return out, nil
}

func (b *ContextBuilder) commonVariables(in ProjectInput, overview *query.Overview) (map[string]any, error) {
	summary, err := json.MarshalIndent(overview, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal overview: %w", err)
	}
	return map[string]any{
		"project_name":               in.ProjectName,
		"project_language":           b.projectLanguage(in.Root),
		"main_branch":                orDefault(in.MainBranch, "main"),
		"project_custom_notes":       orDefault(in.Notes, "(none)"),
		"output_language":            orDefault(in.OutputLanguage, "English"),
		"ckg_summary":                string(summary),
		"total_files":                overview.TotalFiles,
		"total_classes":              overview.TotalClasses,
		"total_functions_methods":    overview.TotalFunctionsMethods,
		"average_functions_per_file": fmt.Sprintf("%.2f", overview.AverageFunctionsPerFile),
		"important_files_preview":    b.importantFilesPreview(in.Root, overview),
		"directory_listing_top_level": directoryListing(in.Root),
		"format_instructions":        FormatInstructions,
	}, nil
}

// importantFilesPreview picks files from the overview's main modules first,
// then fills from the tree walk, previewing the first K bytes of each.
func (b *ContextBuilder) importantFilesPreview(root string, overview *query.Overview) string {
	if root == "" {
		return "(no working tree)"
	}
	var picks []string
	seen := make(map[string]struct{})

	add := func(rel string) {
		if len(picks) >= b.previewFiles {
			return
		}
		if _, dup := seen[rel]; dup {
			return
		}
		seen[rel] = struct{}{}
		picks = append(picks, rel)
	}

	var all []string
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".py", ".js", ".jsx", ".ts", ".tsx", ".mjs", ".cjs":
			rel, relErr := filepath.Rel(root, path)
			if relErr == nil {
				all = append(all, filepath.ToSlash(rel))
			}
		}
		return nil
	})
	sort.Strings(all)

	for _, mod := range overview.MainModules {
		for _, rel := range all {
			if strings.HasPrefix(rel, mod+"/") || rel == mod {
				add(rel)
			}
		}
	}
	for _, rel := range all {
		add(rel)
	}

	if len(picks) == 0 {
		return "(no source files)"
	}
	var sb strings.Builder
	for _, rel := range picks {
		content, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			continue
		}
		if len(content) > b.previewBytes {
			content = content[:b.previewBytes]
		}
		fmt.Fprintf(&sb, "--- %s ---\n%s\n", rel, content)
	}
	return sb.String()
}

func (b *ContextBuilder) formatChangedFiles(root string, paths []string) string {
	if len(paths) == 0 {
		return "(no changed files)"
	}
	var sb strings.Builder
	for _, rel := range paths {
		fmt.Fprintf(&sb, "=== %s ===\n", rel)
		content, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			sb.WriteString("(file removed)\n")
			continue
		}
		if len(content) > b.previewBytes {
			content = content[:b.previewBytes]
		}
		sb.Write(content)
		sb.WriteString("\n")
	}
	return sb.String()
}

// projectLanguage guesses the dominant language from file extensions.
func (b *ContextBuilder) projectLanguage(root string) string {
	if root == "" {
		return "unknown"
	}
	counts := map[string]int{}
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".py":
			counts["python"]++
		case ".js", ".jsx", ".mjs", ".cjs":
			counts["javascript"]++
		case ".ts", ".tsx":
			counts["typescript"]++
		}
		return nil
	})
	best, bestN := "unknown", 0
	for lang, n := range counts {
		if n > bestN || (n == bestN && lang < best) {
			best, bestN = lang, n
		}
	}
	return best
}

func directoryListing(root string) string {
	if root == "" {
		return "(no working tree)"
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return "(unreadable)"
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "\n")
}

// syntheticSummary is the string persisted instead of calling the LLM when
// the graph has no analyzable signal.
func syntheticSummary(projectName string, overview *query.Overview) string {
	if overview.TotalFiles == 0 {
		return fmt.Sprintf("Project %q contains no analyzable source files; no analysis was performed.", projectName)
	}
	return fmt.Sprintf(
		"Project %q has %d files but the knowledge graph produced no module, class, or call-graph signal; analysis was skipped to avoid fabricated results.",
		projectName, overview.TotalFiles)
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
