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
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/kraklabs/ckg/pkg/ckg"
	"github.com/kraklabs/ckg/pkg/config"
	"github.com/kraklabs/ckg/pkg/fetch"
	"github.com/kraklabs/ckg/pkg/graph"
	"github.com/kraklabs/ckg/pkg/llm"
	"github.com/kraklabs/ckg/pkg/parser"
	"github.com/kraklabs/ckg/pkg/prompt"
	"github.com/kraklabs/ckg/pkg/query"
	"github.com/kraklabs/ckg/pkg/queue"
	"github.com/kraklabs/ckg/pkg/store"
	"github.com/kraklabs/ckg/pkg/worker"
)

// newLogger builds the process logger from the verbosity flags.
func newLogger(globals GlobalFlags) *slog.Logger {
	level := slog.LevelInfo
	switch {
	case globals.Quiet:
		level = slog.LevelError
	case globals.Verbose >= 2:
		level = slog.LevelDebug
	case globals.Verbose == 0:
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// runWorker connects every backend and consumes analysis jobs until the
// process receives an interrupt.
func runWorker(args []string, globals GlobalFlags) int {
	flags := flag.NewFlagSet("worker", flag.ExitOnError)
	workers := flags.IntP("workers", "w", 0, "Parallel consumers (default: MAX_ANALYSIS_WORKERS)")
	metricsAddr := flags.String("metrics-addr", "", "Serve /metrics on this address (e.g. :9090)")
	_ = flags.Parse(args)

	cfg := config.Load()
	logger := newLogger(globals)
	if *workers <= 0 {
		*workers = cfg.MaxWorkers
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gstore, err := graph.NewNeo4j(ctx, graph.Neo4jConfig{
		URI:      cfg.Neo4jURI,
		Username: cfg.Neo4jUsername,
		Password: cfg.Neo4jPassword,
		Database: cfg.Neo4jDatabase,
		LeaseTTL: cfg.LeaseTTL,
	}, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: graph store: %v\n", err)
		return 1
	}
	defer gstore.Close(context.Background())

	requests, err := store.Open(cfg.SQLitePath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: request store: %v\n", err)
		return 1
	}
	defer requests.Close()

	jobs, err := queue.NewJetStream(ctx, cfg.NATSURL, queue.JetStreamOptions{Logger: logger})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: job queue: %v\n", err)
		return 1
	}
	defer jobs.Close()

	registry := parser.NewDefaultRegistry()
	registry.SetMaxFileSize(cfg.MaxFileSize)

	builder := ckg.NewBuilder(gstore, registry, ckg.Options{
		BatchFiles:          cfg.BatchSize,
		BatchEntities:       cfg.BatchEntityCeiling,
		Concurrency:         cfg.ParseConcurrency,
		PlaceholderFraction: cfg.PlaceholderFraction,
		Logger:              logger,
	})

	w, err := worker.New(worker.Deps{
		Queue:      jobs,
		Store:      requests,
		Fetcher:    fetch.New(os.TempDir(), logger),
		Builder:    builder,
		Contexts:   prompt.NewContextBuilder(query.New(gstore)),
		NewInvoker: invokerFactory(cfg, logger),
		Config:     cfg,
		Logger:     logger,
		Registry:   prometheus.DefaultRegisterer,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *metricsAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
				logger.Error("worker.metrics.server_failed", "error", err)
			}
		}()
	}

	if !globals.Quiet {
		fmt.Printf("ckg worker started (%d consumers, queue %s)\n", *workers, cfg.NATSURL)
	}
	_ = w.Run(ctx, *workers)
	if !globals.Quiet {
		fmt.Println("ckg worker stopped")
	}
	return 0
}

// invokerFactory selects the model provider a job asked for, falling back
// to the process defaults.
func invokerFactory(cfg config.Config, logger *slog.Logger) worker.InvokerFactory {
	return func(ctx context.Context, sel queue.LLMConfig) (worker.Invoker, error) {
		provider, err := llm.ForConfig(ctx, cfg, llm.ProviderConfig{
			Provider:    sel.Provider,
			Model:       sel.Model,
			APIKey:      sel.APIKey,
			Temperature: sel.Temperature,
		})
		if err != nil {
			return nil, err
		}
		temperature := sel.Temperature
		if temperature <= 0 {
			temperature = cfg.LLMDefaultTemperature
		}
		return llm.NewClient(provider, llm.ClientOptions{
			Temperature: temperature,
			Logger:      logger,
		}), nil
	}
}
