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

// Package worker consumes analysis jobs and drives them through fetch,
// graph build, context assembly, and model analysis to a terminal request
// record. Every status transition is persisted before the next step's I/O,
// so a redelivered job can see exactly how far its predecessor got.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kraklabs/ckg/pkg/ckg"
	"github.com/kraklabs/ckg/pkg/config"
	"github.com/kraklabs/ckg/pkg/fetch"
	"github.com/kraklabs/ckg/pkg/llm"
	"github.com/kraklabs/ckg/pkg/prompt"
	"github.com/kraklabs/ckg/pkg/queue"
	"github.com/kraklabs/ckg/pkg/store"
)

// Fetcher obtains a working tree for a job.
type Fetcher interface {
	Fetch(ctx context.Context, ref fetch.Ref) (*fetch.Checkout, error)
}

// GraphBuilder materializes and validates a project's graph.
type GraphBuilder interface {
	Build(ctx context.Context, projectID, projectName, root string) (*ckg.Stats, error)
	Update(ctx context.Context, projectID, projectName, root string) (*ckg.Stats, error)
	Validate(ctx context.Context, projectID string) (*ckg.ValidationReport, error)
}

// ContextBuilder assembles the prompt variable set from the graph.
type ContextBuilder interface {
	FullScan(ctx context.Context, in prompt.ProjectInput) (*prompt.Context, error)
	PRScan(ctx context.Context, in prompt.ProjectInput, pr prompt.PRInput) (*prompt.Context, error)
}

// Invoker runs one analysis prompt against a model.
type Invoker interface {
	Invoke(ctx context.Context, tmpl prompt.Template, vars map[string]any) (*llm.Result, error)
}

// InvokerFactory builds the Invoker a job asked for.
type InvokerFactory func(ctx context.Context, sel queue.LLMConfig) (Invoker, error)

// Deps are the worker's collaborators.
type Deps struct {
	Queue      queue.Queue
	Store      *store.Store
	Fetcher    Fetcher
	Builder    GraphBuilder
	Contexts   ContextBuilder
	NewInvoker InvokerFactory

	Config   config.Config
	Logger   *slog.Logger
	Registry prometheus.Registerer
}

// Worker runs the analysis pipeline.
type Worker struct {
	queue      queue.Queue
	store      *store.Store
	fetcher    Fetcher
	builder    GraphBuilder
	contexts   ContextBuilder
	newInvoker InvokerFactory

	cfg     config.Config
	logger  *slog.Logger
	metrics *metrics
}

// New wires a Worker. All collaborators are required except Registry.
func New(deps Deps) (*Worker, error) {
	if deps.Queue == nil || deps.Store == nil || deps.Fetcher == nil ||
		deps.Builder == nil || deps.Contexts == nil || deps.NewInvoker == nil {
		return nil, errors.New("worker: missing dependency")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Worker{
		queue:      deps.Queue,
		store:      deps.Store,
		fetcher:    deps.Fetcher,
		builder:    deps.Builder,
		contexts:   deps.Contexts,
		newInvoker: deps.NewInvoker,
		cfg:        deps.Config,
		logger:     deps.Logger,
		metrics:    newMetrics(deps.Registry),
	}, nil
}

// Run consumes jobs with n parallel consumers until ctx is done.
func (w *Worker) Run(ctx context.Context, n int) error {
	if n <= 0 {
		n = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.consume(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (w *Worker) consume(ctx context.Context) {
	for {
		delivery, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			w.logger.Warn("worker.dequeue.error", "error", err)
			continue
		}
		w.handle(ctx, delivery)
	}
}

// handle runs one delivery to its acknowledgement. Failed jobs are acked,
// never re-enqueued; operators re-enqueue manually to avoid duplicate
// findings. Only infrastructure errors before the request record exists
// yield a Nak.
func (w *Worker) handle(ctx context.Context, delivery *queue.Delivery) {
	job := delivery.Job
	start := time.Now()

	jobCtx := ctx
	var cancel context.CancelFunc
	if w.cfg.AnalysisTimeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, w.cfg.AnalysisTimeout)
		defer cancel()
	}

	result, err := w.ProcessJob(jobCtx, job)
	if err != nil {
		if errors.Is(err, errNoRecord) {
			w.logger.Error("worker.job.record_unavailable", "job_id", job.JobID, "error", err)
			if nakErr := delivery.Nak(); nakErr != nil {
				w.logger.Warn("worker.job.nak_failed", "job_id", job.JobID, "error", nakErr)
			}
			return
		}
		w.logger.Error("worker.job.failed", "job_id", job.JobID, "error", err)
		result = "failed"
	}

	w.metrics.jobs.WithLabelValues(job.Kind, result).Inc()
	w.metrics.duration.Observe(time.Since(start).Seconds())
	if ackErr := delivery.Ack(); ackErr != nil {
		w.logger.Warn("worker.job.ack_failed", "job_id", job.JobID, "error", ackErr)
	}
}

// errNoRecord marks failures before the request record could be written;
// those are the only deliveries worth returning to the queue.
var errNoRecord = errors.New("worker: request record unavailable")

// advance moves the request to next unless a previous run of the same job
// already persisted that rung or further.
func (w *Worker) advance(ctx context.Context, requestID, current, next string) (string, error) {
	if store.Rank(current) >= store.Rank(next) {
		return current, nil
	}
	if err := w.store.Transition(ctx, requestID, next); err != nil {
		return current, fmt.Errorf("transition to %s: %w", next, err)
	}
	return next, nil
}

// fail marks the request failed. Cancellation is recorded with an explicit
// reason; persistence runs outside the canceled context.
func (w *Worker) fail(ctx context.Context, requestID, reason string) {
	if ctx.Err() != nil {
		reason = "canceled"
	}
	persistCtx := context.WithoutCancel(ctx)
	if err := w.store.MarkFailed(persistCtx, requestID, reason); err != nil &&
		!errors.Is(err, store.ErrTerminal) {
		w.logger.Error("worker.fail.persist_error", "request_id", requestID, "error", err)
	}
}
