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

// Package main implements the CKG CLI: analysis workers, local scans, and
// job management for the Code Knowledge Graph engine.
//
// Usage:
//
//	ckg worker                    Run analysis workers against the queue
//	ckg scan [dir]                Build a local graph and print its overview
//	ckg enqueue --repo <url> ...  Publish an analysis job
//	ckg status <job-id>           Show a request and its findings
package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/ckg/internal/ui"
)

// Version information (set via ldflags during build)
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// GlobalFlags holds the CLI flags that apply to all commands.
type GlobalFlags struct {
	JSON    bool
	NoColor bool
	Verbose int
	Quiet   bool
}

func main() {
	var (
		showVersion = flag.BoolP("version", "V", false, "Show version and exit")
		jsonOutput  = flag.Bool("json", false, "Output in JSON format (for applicable commands)")
		noColor     = flag.Bool("no-color", false, "Disable color output")
		verbose     = flag.CountP("verbose", "v", "Increase verbosity (-v for info, -vv for debug)")
		quiet       = flag.BoolP("quiet", "q", false, "Suppress non-essential output")
	)

	// Stop parsing at the first non-flag argument so subcommand flags
	// reach the subcommand handlers.
	flag.SetInterspersed(false)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `CKG - Code Knowledge Graph analysis engine

CKG ingests repositories, materializes a typed graph of their files,
classes, functions, and calls, and asks a language model for findings
grounded in that graph.

Usage:
  ckg <command> [options]

Commands:
  worker    Run analysis workers against the job queue
  scan      Build a graph from a local directory and print its overview
  enqueue   Publish an analysis job to the queue
  status    Show an analysis request and its findings

Global Options:
  --json            Output in JSON format (for applicable commands)
  --no-color        Disable color output (respects NO_COLOR env var)
  -v, --verbose     Increase verbosity (-v for info, -vv for debug)
  -q, --quiet       Suppress non-essential output
  -V, --version     Show version and exit

Examples:
  ckg scan .                                  Analyze the current directory
  ckg enqueue --project api --repo https://example.com/api.git
  ckg status 4f7c9a2e
  ckg worker

Environment Variables:
  NEO4J_URI, NEO4J_USERNAME, NEO4J_PASSWORD   Graph store
  NATS_URL                                    Job queue broker
  CKG_SQLITE_PATH                             Request/finding store
  OLLAMA_BASE_URL, OPENAI_API_KEY, ...        Model providers

For detailed command help: ckg <command> --help

`)
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("ckg version %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", date)
		os.Exit(0)
	}

	if *quiet && *verbose > 0 {
		fmt.Fprintf(os.Stderr, "Error: cannot use --quiet and --verbose together\n")
		os.Exit(1)
	}
	// JSON mode suppresses progress output that would corrupt the document.
	if *jsonOutput {
		*quiet = true
	}

	globals := GlobalFlags{
		JSON:    *jsonOutput,
		NoColor: *noColor,
		Verbose: *verbose,
		Quiet:   *quiet,
	}
	ui.InitColors(globals.NoColor)

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}
	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "worker":
		os.Exit(runWorker(cmdArgs, globals))
	case "scan":
		os.Exit(runScan(cmdArgs, globals))
	case "enqueue":
		os.Exit(runEnqueue(cmdArgs, globals))
	case "status":
		os.Exit(runStatus(cmdArgs, globals))
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
}
