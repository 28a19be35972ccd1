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
	"errors"
	"fmt"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/ckg/internal/ui"
	"github.com/kraklabs/ckg/pkg/config"
	"github.com/kraklabs/ckg/pkg/store"
)

// runStatus shows one request with its findings, or a project's recent
// requests with --project.
func runStatus(args []string, globals GlobalFlags) int {
	flags := flag.NewFlagSet("status", flag.ExitOnError)
	projectID := flags.String("project", "", "List recent requests for this project instead")
	limit := flags.Int("limit", 20, "Max requests to list with --project")
	_ = flags.Parse(args)

	cfg := config.Load()
	logger := newLogger(globals)
	requests, err := store.Open(cfg.SQLitePath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: request store: %v\n", err)
		return 1
	}
	defer requests.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if *projectID != "" {
		return listProjectRequests(ctx, requests, *projectID, *limit, globals)
	}

	rest := flags.Args()
	if len(rest) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: ckg status <job-id> | ckg status --project <id>")
		return 1
	}
	return showRequest(ctx, requests, rest[0], globals)
}

func showRequest(ctx context.Context, requests *store.Store, id string, globals GlobalFlags) int {
	req, err := requests.GetRequest(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		fmt.Fprintf(os.Stderr, "Error: no request with ID %s\n", id)
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	findings, err := requests.FindingsForRequest(ctx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if globals.JSON {
		doc, _ := json.MarshalIndent(map[string]any{
			"request":  req,
			"findings": findings,
		}, "", "  ")
		fmt.Println(string(doc))
		return 0
	}

	ui.Header("Analysis Request")
	fmt.Printf("%s %s\n", ui.Label("Job ID:"), req.ID)
	fmt.Printf("%s %s\n", ui.Label("Kind:"), req.Kind)
	fmt.Printf("%s %s\n", ui.Label("Project:"), req.ProjectID)
	fmt.Printf("%s %s\n", ui.Label("Status:"), ui.StatusText(req.Status))
	if req.ProjectGraphID != "" {
		fmt.Printf("%s %s\n", ui.Label("Graph:"), ui.DimText(req.ProjectGraphID))
	}
	if req.ErrorMessage != "" {
		fmt.Printf("%s ", ui.Label("Error:"))
		_, _ = ui.Red.Println(req.ErrorMessage)
	}
	if req.StartedAt != nil && req.CompletedAt != nil {
		fmt.Printf("%s %s\n", ui.Label("Elapsed:"),
			ui.DimText(req.CompletedAt.Sub(*req.StartedAt).Round(time.Millisecond).String()))
	}

	if len(findings) > 0 {
		ui.SubHeader(fmt.Sprintf("Findings (%d):", len(findings)))
		for _, f := range findings {
			if f.RawLLMContent != "" {
				fmt.Printf("  [%s] %s\n", ui.SeverityText(f.Severity), f.FilePath)
				fmt.Printf("    %s\n", ui.DimText(truncate(f.RawLLMContent, 200)))
				continue
			}
			location := f.FilePath
			if f.LineStart > 0 {
				location = fmt.Sprintf("%s:%d", f.FilePath, f.LineStart)
			}
			fmt.Printf("  [%s] %s %s\n", ui.SeverityText(f.Severity), location, ui.DimText("("+f.Category+")"))
			fmt.Printf("    %s\n", f.Message)
			if f.Suggestion != "" {
				fmt.Printf("    %s %s\n", ui.Label("Suggestion:"), ui.DimText(f.Suggestion))
			}
		}
	}
	return 0
}

func listProjectRequests(ctx context.Context, requests *store.Store, projectID string, limit int, globals GlobalFlags) int {
	reqs, err := requests.RequestsForProject(ctx, projectID, limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if globals.JSON {
		doc, _ := json.MarshalIndent(reqs, "", "  ")
		fmt.Println(string(doc))
		return 0
	}

	ui.Header(fmt.Sprintf("Requests for %s", projectID))
	if len(reqs) == 0 {
		fmt.Println("No requests recorded.")
		return 0
	}
	for _, r := range reqs {
		fmt.Printf("  %s  %-9s  %s  %s\n", r.ID, r.Kind, ui.StatusText(r.Status),
			ui.DimText(r.CreatedAt.Format(time.RFC3339)))
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
