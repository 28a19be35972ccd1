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

package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kraklabs/ckg/pkg/ckg"
	"github.com/kraklabs/ckg/pkg/config"
	"github.com/kraklabs/ckg/pkg/fetch"
	"github.com/kraklabs/ckg/pkg/llm"
	"github.com/kraklabs/ckg/pkg/prompt"
	"github.com/kraklabs/ckg/pkg/queue"
	"github.com/kraklabs/ckg/pkg/store"
)

// ProcessJob runs one job end to end and returns its terminal result,
// "completed" or "failed". The pipeline is idempotent per job ID: a job
// whose record is already terminal is dropped without side effects.
func (w *Worker) ProcessJob(ctx context.Context, job queue.Job) (string, error) {
	if err := job.Validate(); err != nil {
		// Malformed envelope, no usable record key. Drop it.
		w.logger.Error("worker.job.invalid", "job_id", job.JobID, "error", err)
		return "failed", err
	}

	if err := w.store.CreateRequest(ctx, store.AnalysisRequest{
		ID:             job.JobID,
		Kind:           job.Kind,
		ProjectID:      job.ProjectID,
		RepoURL:        job.RepoRef.URL,
		Branch:         job.RepoRef.Branch,
		OutputLanguage: job.OutputLanguage,
		CreatedAt:      job.RequestedAt,
	}); err != nil {
		return "", fmt.Errorf("%w: %v", errNoRecord, err)
	}
	req, err := w.store.GetRequest(ctx, job.JobID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errNoRecord, err)
	}
	if store.IsTerminal(req.Status) {
		w.logger.Info("worker.job.duplicate_terminal",
			"job_id", job.JobID, "status", req.Status)
		return req.Status, nil
	}
	status := req.Status

	start := time.Now()
	w.logger.Info("worker.job.started", "job_id", job.JobID, "kind", job.Kind,
		"project_id", job.ProjectID)

	if status, err = w.advance(ctx, job.JobID, status, store.StatusProcessing); err != nil {
		return "", fmt.Errorf("%w: %v", errNoRecord, err)
	}

	checkout, err := w.fetcher.Fetch(ctx, jobRef(job))
	if err != nil {
		w.fail(ctx, job.JobID, "fetch: "+err.Error())
		return "failed", nil
	}
	defer checkout.Close()

	if status, err = w.advance(ctx, job.JobID, status, store.StatusSourceFetched); err != nil {
		w.fail(ctx, job.JobID, err.Error())
		return "failed", nil
	}
	if status, err = w.advance(ctx, job.JobID, status, store.StatusCKGBuilding); err != nil {
		w.fail(ctx, job.JobID, err.Error())
		return "failed", nil
	}

	pf, err := config.LoadProjectFile(checkout.Dir)
	if err != nil {
		w.logger.Warn("worker.project_file.unreadable", "job_id", job.JobID, "error", err)
		pf = &config.ProjectFile{}
	}
	projectName := pf.Name
	if projectName == "" {
		projectName = job.ProjectID
	}

	if _, err := w.buildGraph(ctx, job, projectName, checkout.Dir); err != nil {
		w.fail(ctx, job.JobID, "ckg build: "+err.Error())
		return "failed", nil
	}
	if err := w.store.SetProjectGraphID(ctx, job.JobID, job.ProjectID); err != nil {
		w.fail(ctx, job.JobID, "record graph id: "+err.Error())
		return "failed", nil
	}
	if _, err := w.builder.Validate(ctx, job.ProjectID); err != nil {
		w.fail(ctx, job.JobID, "graph validation: "+err.Error())
		return "failed", nil
	}

	if status, err = w.advance(ctx, job.JobID, status, store.StatusAnalyzing); err != nil {
		w.fail(ctx, job.JobID, err.Error())
		return "failed", nil
	}

	findings, err := w.analyze(ctx, job, pf, projectName, checkout)
	if err != nil {
		w.fail(ctx, job.JobID, "analysis: "+err.Error())
		return "failed", nil
	}

	if err := w.store.InsertFindings(ctx, job.JobID, findings); err != nil {
		w.fail(ctx, job.JobID, "persist findings: "+err.Error())
		return "failed", nil
	}
	if _, err = w.advance(ctx, job.JobID, status, store.StatusCompleted); err != nil {
		w.fail(ctx, job.JobID, err.Error())
		return "failed", nil
	}

	counts := map[string]int{}
	for _, f := range findings {
		counts[f.Severity]++
		w.metrics.findings.WithLabelValues(f.Severity).Inc()
	}
	w.logger.Info("worker.job.completed", "job_id", job.JobID,
		"findings", len(findings), "by_severity", counts,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return "completed", nil
}

func jobRef(job queue.Job) fetch.Ref {
	kind := fetch.KindFullScan
	if job.Kind == queue.KindPRScan {
		kind = fetch.KindPRScan
	}
	return fetch.Ref{
		URL:        job.RepoRef.URL,
		Kind:       kind,
		Branch:     job.RepoRef.Branch,
		Commit:     job.RepoRef.Commit,
		BaseBranch: job.RepoRef.BaseBranch,
		HeadBranch: job.RepoRef.HeadBranch,
		Username:   job.RepoRef.Username,
		Token:      job.RepoRef.Token,
	}
}

// buildGraph materializes the graph: a full build for full scans, an
// incremental update for PR scans. One retry covers transient store
// failures; cancellation is never retried.
func (w *Worker) buildGraph(ctx context.Context, job queue.Job, projectName, root string) (*ckg.Stats, error) {
	build := w.builder.Build
	if job.Kind == queue.KindPRScan {
		build = w.builder.Update
	}
	stats, err := build(ctx, job.ProjectID, projectName, root)
	if err != nil && ctx.Err() == nil {
		w.logger.Warn("worker.build.retry", "job_id", job.JobID, "error", err)
		stats, err = build(ctx, job.ProjectID, projectName, root)
	}
	return stats, err
}

// analyze assembles the prompt context, invokes the model when the graph has
// meaningful data, and maps the outcome to finding rows. It always returns
// at least one row, so a completed request is never empty.
func (w *Worker) analyze(ctx context.Context, job queue.Job, pf *config.ProjectFile, projectName string, checkout *fetch.Checkout) ([]store.Finding, error) {
	in := prompt.ProjectInput{
		ProjectID:      job.ProjectID,
		ProjectName:    projectName,
		MainBranch:     firstNonEmpty(pf.MainBranch, job.RepoRef.Branch),
		Notes:          firstNonEmpty(job.ProjectNotes, pf.Notes),
		OutputLanguage: job.OutputLanguage,
		Root:           checkout.Dir,
	}

	var pctx *prompt.Context
	var err error
	if job.Kind == queue.KindPRScan {
		pr := prompt.PRInput{
			HeadBranch:   job.RepoRef.HeadBranch,
			BaseBranch:   job.RepoRef.BaseBranch,
			Diff:         checkout.Diff,
			ChangedFiles: checkout.ChangedFiles,
		}
		if job.PR != nil {
			pr.Title = job.PR.Title
			pr.Description = job.PR.Description
			pr.Author = job.PR.Author
		}
		pctx, err = w.contexts.PRScan(ctx, in, pr)
	} else {
		pctx, err = w.contexts.FullScan(ctx, in)
	}
	if err != nil {
		return nil, err
	}

	if !pctx.Meaningful {
		// Nothing to ask the model about; persist the synthetic summary.
		w.logger.Info("worker.analysis.skipped_empty", "job_id", job.JobID)
		return []store.Finding{fallbackFinding(pctx.Synthetic)}, nil
	}

	sel := job.LLMConfig
	if sel.Provider == "" && pf.LLM.Provider != "" {
		sel = queue.LLMConfig{
			Provider:    pf.LLM.Provider,
			Model:       pf.LLM.Model,
			Temperature: pf.LLM.Temperature,
		}
	}
	invoker, err := w.newInvoker(ctx, sel)
	if err != nil {
		return nil, err
	}

	result, err := invoker.Invoke(ctx, prompt.ForKind(job.Kind, job.AnalysisType), pctx.Variables)
	if err != nil {
		return nil, err
	}
	return findingRows(result, checkout.Dir), nil
}

// findingRows maps a model result to persistable rows. Parse or transport
// failure collapses to one raw-content fallback row; coercion warnings ride
// along as Info annotations. Rows that name a real file in the checkout get
// the referenced lines attached as a snippet.
func findingRows(result *llm.Result, root string) []store.Finding {
	if !result.ParsingSucceeded {
		raw := result.RawContent
		if raw == "" {
			raw = "The analysis model could not be reached: " + result.ParsingError
		}
		return []store.Finding{fallbackFinding(raw)}
	}

	var rows []store.Finding
	for _, f := range result.Parsed.Findings {
		rows = append(rows, store.Finding{
			FilePath:    f.FilePath,
			LineStart:   f.LineStart,
			LineEnd:     f.LineEnd,
			Severity:    f.Severity,
			Category:    f.Category,
			Message:     f.Message,
			Suggestion:  f.Suggestion,
			FindingType: f.FindingType,
			CodeSnippet: codeSnippet(root, f.FilePath, f.LineStart, f.LineEnd),
		})
	}
	for _, warn := range result.Warnings {
		rows = append(rows, store.Finding{
			Severity:    llm.SeverityInfo,
			Category:    "Code Quality",
			Message:     warn,
			FindingType: "annotation",
		})
	}
	if len(rows) == 0 {
		// The model parsed cleanly but reported nothing; keep the full reply
		// so the request still has a record.
		return []store.Finding{fallbackFinding(result.RawContent)}
	}
	return rows
}

func fallbackFinding(raw string) store.Finding {
	if strings.TrimSpace(raw) == "" {
		raw = "The analysis produced no content."
	}
	return store.Finding{
		FilePath:      store.RawAnalysisPath,
		Severity:      llm.SeverityInfo,
		RawLLMContent: raw,
	}
}

// snippetMaxLines caps how much source rides along on one finding row.
const snippetMaxLines = 40

// codeSnippet loads the lines a finding points at from the checkout. Paths
// the model invented, paths escaping the checkout, and out-of-range line
// numbers all yield "" rather than an error: the snippet is decoration, not
// part of the finding.
func codeSnippet(root, relPath string, lineStart, lineEnd int) string {
	if root == "" || relPath == "" || lineStart <= 0 {
		return ""
	}
	if !filepath.IsLocal(filepath.FromSlash(relPath)) {
		return ""
	}
	src, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(relPath)))
	if err != nil {
		return ""
	}
	lines := strings.Split(string(src), "\n")
	if lineStart > len(lines) {
		return ""
	}
	if lineEnd < lineStart {
		lineEnd = lineStart
	}
	if lineEnd > len(lines) {
		lineEnd = len(lines)
	}
	if lineEnd-lineStart+1 > snippetMaxLines {
		lineEnd = lineStart + snippetMaxLines - 1
	}
	return strings.Join(lines[lineStart-1:lineEnd], "\n")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
