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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/schollz/progressbar/v3"
	flag "github.com/spf13/pflag"

	"github.com/kraklabs/ckg/internal/ui"
	"github.com/kraklabs/ckg/pkg/ckg"
	"github.com/kraklabs/ckg/pkg/config"
	"github.com/kraklabs/ckg/pkg/graph"
	"github.com/kraklabs/ckg/pkg/parser"
	"github.com/kraklabs/ckg/pkg/query"
)

// newScanBar builds the scan progress bar; a nil bar means progress output
// is suppressed.
func newScanBar(globals GlobalFlags, total int) *progressbar.ProgressBar {
	if globals.Quiet || globals.JSON {
		return nil
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription("Building graph"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}

// runScan builds an in-memory graph from a local directory and prints the
// project overview. No queue, request store, or model is involved.
func runScan(args []string, globals GlobalFlags) int {
	flags := flag.NewFlagSet("scan", flag.ExitOnError)
	projectID := flags.String("project", "", "Project ID (default: directory name)")
	minMethods := flags.Int("large-class-methods", 0, "Method threshold for the large-class listing")
	_ = flags.Parse(args)

	root := "."
	if rest := flags.Args(); len(rest) > 0 {
		root = rest[0]
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if *projectID == "" {
		*projectID = filepath.Base(abs)
	}

	cfg := config.Load()
	logger := newLogger(globals)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := parser.NewDefaultRegistry()
	registry.SetMaxFileSize(cfg.MaxFileSize)
	gstore := graph.NewMemory(logger)

	var bar *progressbar.ProgressBar
	builder := ckg.NewBuilder(gstore, registry, ckg.Options{
		BatchFiles:          cfg.BatchSize,
		BatchEntities:       cfg.BatchEntityCeiling,
		Concurrency:         cfg.ParseConcurrency,
		PlaceholderFraction: cfg.PlaceholderFraction,
		Logger:              logger,
		Progress: func(current, total int) {
			if bar == nil {
				bar = newScanBar(globals, total)
			}
			if bar != nil {
				_ = bar.Set(current)
			}
		},
	})

	stats, err := builder.Build(ctx, *projectID, *projectID, abs)
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: build failed: %v\n", err)
		return 1
	}

	api := query.New(gstore)
	overview, err := api.ProjectOverview(ctx, *projectID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: overview: %v\n", err)
		return 1
	}

	if globals.JSON {
		out := map[string]any{
			"project_id": *projectID,
			"stats":      stats,
			"overview":   overview,
		}
		doc, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Println(string(doc))
		return 0
	}

	printScanSummary(ctx, api, *projectID, stats, overview, *minMethods)
	return 0
}

func printScanSummary(ctx context.Context, api *query.API, projectID string, stats *ckg.Stats, overview *query.Overview, minMethods int) {
	ui.Header("Scan Complete")
	fmt.Printf("%s %s\n", ui.Label("Project ID:"), projectID)
	fmt.Printf("Files Processed: %s", ui.CountText(stats.FilesProcessed))
	if stats.FilesWithErrors > 0 {
		fmt.Print(" ")
		_, _ = ui.Yellow.Printf("(%d with parse errors)", stats.FilesWithErrors)
	}
	fmt.Println()
	fmt.Printf("Entities Created: %s\n", ui.CountText(stats.EntitiesCreated))
	fmt.Printf("Edges Created: %s\n", ui.CountText(stats.EdgesCreated))
	if stats.UnresolvedRefs > 0 {
		_, _ = ui.Yellow.Printf("Unresolved References: %d\n", stats.UnresolvedRefs)
	}
	if stats.PlaceholdersCreated > 0 {
		_, _ = ui.Yellow.Printf("Placeholder Classes: %d\n", stats.PlaceholdersCreated)
	}

	ui.SubHeader("Overview:")
	fmt.Printf("  Classes: %s\n", ui.CountText(overview.TotalClasses))
	fmt.Printf("  Functions/Methods: %s\n", ui.CountText(overview.TotalFunctionsMethods))
	fmt.Printf("  Avg Functions per File: %s\n", ui.DimText(fmt.Sprintf("%.2f", overview.AverageFunctionsPerFile)))
	if len(overview.MainModules) > 0 {
		fmt.Printf("  Main Modules: %s\n", ui.DimText(fmt.Sprint(overview.MainModules)))
	}
	for _, c := range overview.TopClassesByMethods {
		fmt.Printf("  Class %s: %s methods\n", c.Name, ui.CountText(c.MethodCount))
	}
	for _, f := range overview.TopCalledFunctions {
		fmt.Printf("  Function %s: %s call sites\n", f.Name, ui.CountText(f.CallCount))
	}

	if large, err := api.LargeClasses(ctx, projectID, minMethods, query.Page{}); err == nil && len(large) > 0 {
		ui.SubHeader("Large Classes:")
		for _, c := range large {
			fmt.Printf("  %s (%s): %s methods\n", c.ClassName, ui.DimText(c.FilePath), ui.CountText(c.MethodCount))
		}
	}
}
