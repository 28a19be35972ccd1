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
	"time"

	"github.com/google/uuid"
	flag "github.com/spf13/pflag"

	"github.com/kraklabs/ckg/internal/ui"
	"github.com/kraklabs/ckg/pkg/config"
	"github.com/kraklabs/ckg/pkg/queue"
)

// runEnqueue publishes one analysis job. The job ID is generated here and
// printed so the caller can poll its status.
func runEnqueue(args []string, globals GlobalFlags) int {
	flags := flag.NewFlagSet("enqueue", flag.ExitOnError)
	var (
		projectID  = flags.String("project", "", "Project ID (required)")
		repoURL    = flags.String("repo", "", "Repository URL (required)")
		branch     = flags.String("branch", "main", "Branch to scan")
		kind       = flags.String("kind", queue.KindFullScan, "Job kind: full_scan or pr_scan")
		baseBranch = flags.String("pr-base", "", "PR base branch (pr_scan)")
		headBranch = flags.String("pr-head", "", "PR head branch (pr_scan)")
		prTitle    = flags.String("pr-title", "", "PR title (pr_scan)")
		prAuthor   = flags.String("pr-author", "", "PR author (pr_scan)")
		analysis   = flags.String("analysis", "", "Analysis type: security, performance, lifecycle, code_review")
		language   = flags.String("output-language", "", "Language for the model's findings")
		notes      = flags.String("notes", "", "Project notes passed to the model")
		provider   = flags.String("llm-provider", "", "Model provider override")
		model      = flags.String("llm-model", "", "Model name override")
	)
	_ = flags.Parse(args)

	if *projectID == "" || *repoURL == "" {
		fmt.Fprintln(os.Stderr, "Error: --project and --repo are required")
		return 1
	}

	job := queue.Job{
		JobID:          uuid.NewString(),
		Kind:           *kind,
		ProjectID:      *projectID,
		RequestedAt:    time.Now().UTC(),
		OutputLanguage: *language,
		ProjectNotes:   *notes,
		AnalysisType:   *analysis,
		RepoRef: queue.RepoRef{
			URL:        *repoURL,
			Branch:     *branch,
			BaseBranch: *baseBranch,
			HeadBranch: *headBranch,
		},
		LLMConfig: queue.LLMConfig{Provider: *provider, Model: *model},
	}
	if *prTitle != "" || *prAuthor != "" {
		job.PR = &queue.PRInfo{Title: *prTitle, Author: *prAuthor}
	}
	if err := job.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	cfg := config.Load()
	logger := newLogger(globals)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	jobs, err := queue.NewJetStream(ctx, cfg.NATSURL, queue.JetStreamOptions{Logger: logger})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: job queue: %v\n", err)
		return 1
	}
	defer jobs.Close()

	if err := jobs.Enqueue(ctx, job); err != nil {
		fmt.Fprintf(os.Stderr, "Error: enqueue: %v\n", err)
		return 1
	}

	if globals.JSON {
		doc, _ := json.MarshalIndent(map[string]string{
			"job_id":     job.JobID,
			"kind":       job.Kind,
			"project_id": job.ProjectID,
		}, "", "  ")
		fmt.Println(string(doc))
		return 0
	}
	_, _ = ui.Green.Println("Job enqueued.")
	fmt.Printf("%s %s\n", ui.Label("Job ID:"), job.JobID)
	fmt.Printf("%s %s\n", ui.Label("Kind:"), job.Kind)
	fmt.Printf("Check progress with: %s\n", ui.DimText("ckg status "+job.JobID))
	return 0
}
