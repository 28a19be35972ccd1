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

package graph

import (
	"context"
	"errors"
	"time"
)

// DefaultLeaseTTL bounds how long a crashed holder can block a project:
// AcquireLease treats a lease older than the TTL as abandoned and steals it.
const DefaultLeaseTTL = 30 * time.Minute

// Store is the write/read surface over the property-graph backend. Callers
// never see the backend's query language: reads go through a catalogue of
// named summary queries (see the Query* constants).
type Store interface {
	// EnsureIndexes creates the uniqueness constraints and lookup indexes
	// the read side depends on. Idempotent.
	EnsureIndexes(ctx context.Context) error

	// UpsertNode creates the node or shallow-merges Props onto the existing
	// node with the same kind and composite ID. Array properties are
	// replaced, not appended.
	UpsertNode(ctx context.Context, n Node) error

	// UpsertEdge creates the edge or merges Props onto the existing edge
	// with the same (kind, src, dst) triple.
	UpsertEdge(ctx context.Context, e Edge) error

	// ApplyBatch applies the whole batch in one transaction: per-file symbol
	// resets first, then nodes, then edges. Either everything commits or
	// nothing does.
	ApplyBatch(ctx context.Context, b *Batch) error

	// DeleteFileCascade removes a File node and every node whose DEFINED_IN
	// edge targets it, together with all edges touching the removed nodes.
	// Placeholder nodes left without any inbound edge are removed too.
	DeleteFileCascade(ctx context.Context, projectID, filePath string) error

	// ReplacePlaceholders supersedes placeholder nodes by their real
	// definitions: each map key is a placeholder composite ID, each value the
	// composite ID of the node that now defines the same name. Inbound edges
	// move to the real node and the placeholder is deleted. Keys naming a
	// missing or non-placeholder node, and values naming a missing node, are
	// skipped.
	ReplacePlaceholders(ctx context.Context, projectID string, realByPlaceholder map[string]string) error

	// RunSummaryQuery executes a named read query from the catalogue and
	// returns its rows as property maps. Unknown names yield ErrUnknownQuery.
	RunSummaryQuery(ctx context.Context, name string, params map[string]any) ([]map[string]any, error)

	// AcquireLease takes the per-project build lease. A second acquisition
	// by a different owner fails with ErrLeaseHeld until the lease is
	// released or outlives its TTL, at which point it is stolen.
	AcquireLease(ctx context.Context, projectID, owner string) error

	// ReleaseLease releases a lease held by owner. Releasing a lease that is
	// not held is a no-op.
	ReleaseLease(ctx context.Context, projectID, owner string) error

	Close(ctx context.Context) error
}

// Named queries understood by RunSummaryQuery. Parameters are documented per
// name; every query accepts "limit" and "offset".
const (
	// QueryProjectOverview: params {project_id}. One row with total_files,
	// total_classes, total_functions_methods, average_functions_per_file,
	// main_modules, top_5_largest_classes_by_methods,
	// top_5_most_called_functions.
	QueryProjectOverview = "project_overview"

	// QueryFunctionCalls: params {project_id, function_name?}. Rows with
	// caller, callee, caller_file, callee_file, call_site_line.
	QueryFunctionCalls = "function_call_relationships"

	// QueryClassInheritance: params {project_id, class_name}. Rows with
	// class, superclass, file_path, placeholder.
	QueryClassInheritance = "class_inheritance"

	// QueryCircularCalls: params {project_id, max_depth?}. Rows with cycle
	// (list of function names) and length.
	QueryCircularCalls = "circular_function_calls"

	// QueryLargeClasses: params {project_id, min_methods}. Rows with
	// class_name, file_path, method_count.
	QueryLargeClasses = "large_classes"

	// QuerySearch: params {project_id, term, kinds}. Rows with kind, name,
	// composite_id, file_path, start_line.
	QuerySearch = "search"

	// QueryImpact: params {project_id, paths}. One row with
	// affected_function_count, files_to_update.
	QueryImpact = "impact_of_changes"

	// QueryFileHashes: params {project_id}. Rows with path, content_hash.
	QueryFileHashes = "file_hashes"

	// QueryProjectSymbols: params {project_id}. Rows with name, kind,
	// composite_id, file_path, is_method. Feeds the cross-file resolution
	// index.
	QueryProjectSymbols = "project_symbols"

	// QueryReverseDeps: params {project_id, paths}. Rows with path, the
	// files holding CALLS or INHERITS_FROM edges into symbols defined in the
	// given paths.
	QueryReverseDeps = "reverse_dependencies"

	// QueryPlaceholderStats: params {project_id}. One row with placeholders,
	// total_classes.
	QueryPlaceholderStats = "placeholder_stats"

	// QueryConsistency: params {project_id}. One row with orphan_count and
	// duplicate_id_count, used by post-update validation.
	QueryConsistency = "consistency_check"
)

// Sentinel errors surfaced by Store implementations.
var (
	ErrUnknownQuery = errors.New("graph: unknown summary query")
	ErrLeaseHeld    = errors.New("graph: project lease already held")
	ErrNotFound     = errors.New("graph: node not found")
)
