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
	"errors"
	"fmt"

	"github.com/kraklabs/ckg/pkg/graph"
)

// ErrValidationFailed marks a graph that violates a structural invariant
// after a build or update.
var ErrValidationFailed = errors.New("ckg: graph validation failed")

// ValidationReport summarizes the post-build consistency checks.
type ValidationReport struct {
	OrphanCount         int
	DuplicateIDCount    int
	Placeholders        int
	TotalClasses        int
	PlaceholderFraction float64
}

// Validate runs the consistency checks: no orphan symbols, no duplicate
// composite IDs, and the placeholder share of classes under the configured
// fraction. A violation returns the report alongside ErrValidationFailed.
func (b *Builder) Validate(ctx context.Context, projectID string) (*ValidationReport, error) {
	report := &ValidationReport{}

	rows, err := b.store.RunSummaryQuery(ctx, graph.QueryConsistency, map[string]any{"project_id": projectID})
	if err != nil {
		return nil, err
	}
	if len(rows) > 0 {
		report.OrphanCount = asInt(rows[0]["orphan_count"])
		report.DuplicateIDCount = asInt(rows[0]["duplicate_id_count"])
	}

	rows, err = b.store.RunSummaryQuery(ctx, graph.QueryPlaceholderStats, map[string]any{"project_id": projectID})
	if err != nil {
		return nil, err
	}
	if len(rows) > 0 {
		report.Placeholders = asInt(rows[0]["placeholders"])
		report.TotalClasses = asInt(rows[0]["total_classes"])
	}
	if report.TotalClasses > 0 {
		report.PlaceholderFraction = float64(report.Placeholders) / float64(report.TotalClasses)
	}

	switch {
	case report.OrphanCount > 0:
		return report, fmt.Errorf("%w: %d orphan symbols", ErrValidationFailed, report.OrphanCount)
	case report.DuplicateIDCount > 0:
		return report, fmt.Errorf("%w: %d duplicate composite IDs", ErrValidationFailed, report.DuplicateIDCount)
	case report.PlaceholderFraction > b.placeholderFraction:
		return report, fmt.Errorf("%w: placeholder fraction %.2f exceeds %.2f",
			ErrValidationFailed, report.PlaceholderFraction, b.placeholderFraction)
	}
	return report, nil
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
