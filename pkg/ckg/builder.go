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

// Package ckg builds and updates the Code Knowledge Graph from a working
// tree. The build is two-pass: pass one parses files and upserts their
// concrete nodes in atomic batches, pass two resolves named references into
// edges against the project symbol index.
package ckg

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kraklabs/ckg/pkg/fetch"
	"github.com/kraklabs/ckg/pkg/graph"
	"github.com/kraklabs/ckg/pkg/parser"
)

// Defaults for batch sizing; a batch flushes at whichever ceiling hits first.
const (
	DefaultBatchFiles    = 50
	DefaultBatchEntities = 10000
)

// Options tunes a Builder. Zero values select the defaults.
type Options struct {
	BatchFiles          int
	BatchEntities       int
	Concurrency         int // parallel file parses, default 2x CPU cores
	PlaceholderFraction float64
	Filter              *fetch.FileFilter
	Logger              *slog.Logger

	// Progress, when set, is called as files land in the graph.
	Progress func(current, total int)
}

// Builder produces or updates a project's graph from a working directory.
type Builder struct {
	store    graph.Store
	registry *parser.Registry
	filter   *fetch.FileFilter
	logger   *slog.Logger
	progress func(current, total int)

	batchFiles          int
	batchEntities       int
	concurrency         int
	placeholderFraction float64
}

// NewBuilder wires a Builder over a graph store and a parser registry.
func NewBuilder(store graph.Store, registry *parser.Registry, opts Options) *Builder {
	if opts.BatchFiles <= 0 {
		opts.BatchFiles = DefaultBatchFiles
	}
	if opts.BatchEntities <= 0 {
		opts.BatchEntities = DefaultBatchEntities
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 2 * runtime.NumCPU()
	}
	if opts.PlaceholderFraction <= 0 {
		opts.PlaceholderFraction = 0.5
	}
	if opts.Filter == nil {
		opts.Filter = fetch.DefaultFilter(0)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Builder{
		store:               store,
		registry:            registry,
		filter:              opts.Filter,
		logger:              opts.Logger,
		progress:            opts.Progress,
		batchFiles:          opts.BatchFiles,
		batchEntities:       opts.BatchEntities,
		concurrency:         opts.Concurrency,
		placeholderFraction: opts.PlaceholderFraction,
	}
}

// Stats reports what a build or update did.
type Stats struct {
	FilesProcessed      int
	FilesWithErrors     int
	EntitiesCreated     int
	EdgesCreated        int
	UnresolvedRefs      int
	PlaceholdersCreated int

	// Incremental classification; zero on full builds.
	Added             int
	Modified          int
	Deleted           int
	Unchanged         int
	AffectedUnchanged int
}

// Build performs a full build of the project graph from root. It holds the
// per-project lease for the duration, so concurrent builds of one project
// serialize.
func (b *Builder) Build(ctx context.Context, projectID, projectName, root string) (*Stats, error) {
	owner := uuid.NewString()
	if err := b.store.AcquireLease(ctx, projectID, owner); err != nil {
		return nil, err
	}
	defer b.store.ReleaseLease(context.WithoutCancel(ctx), projectID, owner)

	if err := b.store.EnsureIndexes(ctx); err != nil {
		return nil, err
	}

	paths, err := b.listSupported(root)
	if err != nil {
		return nil, fmt.Errorf("walk tree: %w", err)
	}

	stats := &Stats{}
	if err := b.buildPaths(ctx, projectID, projectName, root, paths, stats); err != nil {
		return nil, err
	}

	b.logger.Info("ckg.build.completed",
		"project_id", projectID,
		"files", stats.FilesProcessed,
		"entities", stats.EntitiesCreated,
		"edges", stats.EdgesCreated,
		"unresolved", stats.UnresolvedRefs,
		"placeholders", stats.PlaceholdersCreated,
	)
	return stats, nil
}

// listSupported walks the tree and returns the files a registered parser
// claims, relative to root, in walk order.
func (b *Builder) listSupported(root string) ([]string, error) {
	var paths []string
	err := b.filter.Walk(root, func(rel string, size int64) error {
		if b.registry.Supported(rel) {
			paths = append(paths, rel)
		}
		return nil
	})
	return paths, err
}

// parseAll parses the given files with bounded concurrency, preserving input
// order. Unreadable files yield a record with an error note rather than
// aborting the build.
func (b *Builder) parseAll(ctx context.Context, root string, paths []string) ([]*parser.ParsedFile, error) {
	results := make([]*parser.ParsedFile, len(paths))
	sem := make(chan struct{}, b.concurrency)
	var wg sync.WaitGroup

	for i, rel := range paths {
		if err := ctx.Err(); err != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, rel string) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = b.parseOne(root, rel)
		}(i, rel)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (b *Builder) parseOne(root, rel string) *parser.ParsedFile {
	src, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		b.logger.Warn("ckg.parse.read_failed", "path", rel, "error", err)
		return &parser.ParsedFile{Path: rel, Errors: []string{"unreadable: " + err.Error()}}
	}
	pf, err := b.registry.ParseFile(rel, src)
	if err != nil {
		b.logger.Warn("ckg.parse.failed", "path", rel, "error", err)
		return &parser.ParsedFile{
			Path:        rel,
			Size:        int64(len(src)),
			ContentHash: parser.ContentHash(src),
			Errors:      []string{err.Error()},
		}
	}
	return pf
}

// buildPaths runs both passes over the given file set. Shared by full builds
// and incremental updates.
func (b *Builder) buildPaths(ctx context.Context, projectID, projectName, root string, paths []string, stats *Stats) error {
	parsed, err := b.parseAll(ctx, root, paths)
	if err != nil {
		return err
	}

	now := time.Now()
	langCounts := make(map[string]int)
	ix := newSymbolIndex()
	varIDs := make(map[string]map[string]string, len(parsed))
	var refs []pendingRef
	parsedFiles := make(map[string]struct{}, len(parsed))

	projectNode := graph.Node{Kind: graph.KindProject, ID: graph.ProjectID(projectID), Props: map[string]any{
		"graph_id":   projectID,
		"name":       projectName,
		"updated_at": now.UTC().Format(time.RFC3339),
	}}

	batch := &graph.Batch{ProjectID: projectID, Nodes: []graph.Node{projectNode}}
	batchEntities := 0

	flush := func() error {
		if batch.Empty() {
			return nil
		}
		if err := b.applyBatch(ctx, batch); err != nil {
			return err
		}
		batch = &graph.Batch{ProjectID: projectID}
		batchEntities = 0
		return nil
	}

	for _, pf := range parsed {
		if pf == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		parsedFiles[pf.Path] = struct{}{}
		langCounts[pf.Language]++
		ix.addParsed(projectID, pf)

		c := fileContribution(projectID, pf, now)
		varIDs[pf.Path] = c.VarIDs
		refs = append(refs, c.Refs...)

		batch.FilesReset = append(batch.FilesReset, pf.Path)
		batch.Nodes = append(batch.Nodes, c.Nodes...)
		batch.Edges = append(batch.Edges, c.Edges...)
		batchEntities += c.Entities

		stats.FilesProcessed++
		if len(pf.Errors) > 0 {
			stats.FilesWithErrors++
		}
		if b.progress != nil {
			b.progress(stats.FilesProcessed, len(parsed))
		}
		stats.EntitiesCreated += len(c.Nodes)
		stats.EdgesCreated += len(c.Edges)

		if len(batch.FilesReset) >= b.batchFiles || batchEntities >= b.batchEntities {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	// Record the dominant language on the Project node.
	if lang := dominantLanguage(langCounts); lang != "" {
		if err := b.store.UpsertNode(ctx, graph.Node{Kind: graph.KindProject, ID: graph.ProjectID(projectID), Props: map[string]any{
			"language": lang,
		}}); err != nil {
			return err
		}
	}

	// Classes parsed in this pass supersede same-named placeholders left by
	// earlier runs: inbound inheritance edges move to the real definition and
	// the placeholder is deleted.
	replacements := make(map[string]string)
	for name, entries := range ix.classes {
		if target, ok := pick(entries, ""); ok {
			replacements[graph.SymbolID(projectID, "unresolved", name, 0)] = target.id
		}
	}
	if len(replacements) > 0 {
		if err := b.store.ReplacePlaceholders(ctx, projectID, replacements); err != nil {
			return err
		}
	}

	// Pass two: resolution against the full project symbol table, including
	// symbols defined in files outside this parse set.
	rows, err := b.store.RunSummaryQuery(ctx, graph.QueryProjectSymbols, map[string]any{"project_id": projectID})
	if err != nil {
		return err
	}
	ix.addGraphRows(rows, parsedFiles)

	res := resolve(projectID, refs, ix, varIDs)
	stats.UnresolvedRefs += res.Unresolved
	stats.PlaceholdersCreated += res.Placeholders
	stats.EntitiesCreated += len(res.Nodes)
	stats.EdgesCreated += len(res.Edges)

	if len(res.Nodes) > 0 {
		if err := b.applyBatch(ctx, &graph.Batch{ProjectID: projectID, Nodes: res.Nodes}); err != nil {
			return err
		}
	}
	for start := 0; start < len(res.Edges); start += b.batchEntities {
		end := start + b.batchEntities
		if end > len(res.Edges) {
			end = len(res.Edges)
		}
		if err := b.applyBatch(ctx, &graph.Batch{ProjectID: projectID, Edges: res.Edges[start:end]}); err != nil {
			return err
		}
	}
	return nil
}

// applyBatch applies a batch, retrying once on failure before surfacing the
// error to the caller.
func (b *Builder) applyBatch(ctx context.Context, batch *graph.Batch) error {
	err := b.store.ApplyBatch(ctx, batch)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}
	b.logger.Warn("ckg.batch.retry", "project_id", batch.ProjectID, "files", len(batch.FilesReset), "error", err)
	if err := b.store.ApplyBatch(ctx, batch); err != nil {
		return fmt.Errorf("apply batch: %w", err)
	}
	return nil
}

func dominantLanguage(counts map[string]int) string {
	best := ""
	bestCount := 0
	for lang, n := range counts {
		if lang == "" {
			continue
		}
		if n > bestCount || (n == bestCount && lang < best) {
			best = lang
			bestCount = n
		}
	}
	return best
}
