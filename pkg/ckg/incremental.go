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
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"github.com/kraklabs/ckg/pkg/graph"
	"github.com/kraklabs/ckg/pkg/parser"
)

// Update performs an incremental build: hash-compare the tree against the
// graph, then rebuild only what changed plus the files whose edges point into
// the changed set. A tree with no changes writes nothing.
func (b *Builder) Update(ctx context.Context, projectID, projectName, root string) (*Stats, error) {
	owner := uuid.NewString()
	if err := b.store.AcquireLease(ctx, projectID, owner); err != nil {
		return nil, err
	}
	defer b.store.ReleaseLease(context.WithoutCancel(ctx), projectID, owner)

	if err := b.store.EnsureIndexes(ctx); err != nil {
		return nil, err
	}

	stored, err := b.storedHashes(ctx, projectID)
	if err != nil {
		return nil, err
	}

	paths, err := b.listSupported(root)
	if err != nil {
		return nil, fmt.Errorf("walk tree: %w", err)
	}

	stats := &Stats{}
	current := make(map[string]struct{}, len(paths))
	var reparse []string

	for _, rel := range paths {
		current[rel] = struct{}{}
		src, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			b.logger.Warn("ckg.update.read_failed", "path", rel, "error", err)
			continue
		}
		hash := parser.ContentHash(src)
		prev, known := stored[rel]
		switch {
		case !known:
			stats.Added++
			reparse = append(reparse, rel)
		case prev != hash:
			stats.Modified++
			reparse = append(reparse, rel)
		default:
			stats.Unchanged++
		}
	}

	var deleted []string
	for path := range stored {
		if _, ok := current[path]; !ok {
			deleted = append(deleted, path)
		}
	}
	sort.Strings(deleted)
	stats.Deleted = len(deleted)

	if len(reparse) == 0 && len(deleted) == 0 {
		b.logger.Info("ckg.update.no_changes", "project_id", projectID, "files", stats.Unchanged)
		return stats, nil
	}

	// Files with edges into the changed set must re-resolve: symbol IDs are
	// line-qualified, so a shifted definition invalidates inbound edges.
	invalidated := append(append([]string{}, reparse...), deleted...)
	affected, err := b.dependentFiles(ctx, projectID, invalidated)
	if err != nil {
		return nil, err
	}
	for _, path := range affected {
		if _, exists := current[path]; exists {
			reparse = append(reparse, path)
			stats.AffectedUnchanged++
		}
	}
	sort.Strings(reparse)

	for _, path := range deleted {
		if err := b.store.DeleteFileCascade(ctx, projectID, path); err != nil {
			return nil, fmt.Errorf("delete %s: %w", path, err)
		}
	}

	if err := b.buildPaths(ctx, projectID, projectName, root, reparse, stats); err != nil {
		return nil, err
	}

	report, err := b.Validate(ctx, projectID)
	if err != nil {
		return nil, err
	}

	b.logger.Info("ckg.update.completed",
		"project_id", projectID,
		"added", stats.Added,
		"modified", stats.Modified,
		"deleted", stats.Deleted,
		"affected_unchanged", stats.AffectedUnchanged,
		"placeholders", report.Placeholders,
	)
	return stats, nil
}

func (b *Builder) storedHashes(ctx context.Context, projectID string) (map[string]string, error) {
	rows, err := b.store.RunSummaryQuery(ctx, graph.QueryFileHashes, map[string]any{"project_id": projectID})
	if err != nil {
		return nil, err
	}
	hashes := make(map[string]string, len(rows))
	for _, row := range rows {
		path, _ := row["path"].(string)
		hash, _ := row["content_hash"].(string)
		if path != "" {
			hashes[path] = hash
		}
	}
	return hashes, nil
}

func (b *Builder) dependentFiles(ctx context.Context, projectID string, paths []string) ([]string, error) {
	rows, err := b.store.RunSummaryQuery(ctx, graph.QueryReverseDeps, map[string]any{
		"project_id": projectID,
		"paths":      paths,
	})
	if err != nil {
		return nil, err
	}
	var out []string
	for _, row := range rows {
		if path, _ := row["path"].(string); path != "" {
			out = append(out, path)
		}
	}
	return out, nil
}
