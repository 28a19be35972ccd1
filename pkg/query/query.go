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

// Package query is the read-only summary API over the graph store. Every
// operation is a pure function of the graph; the overview shape feeds the
// prompt context verbatim, so its field names are part of the contract.
package query

import (
	"context"

	"github.com/kraklabs/ckg/pkg/graph"
)

// API wraps a graph store with typed summary operations.
type API struct {
	store graph.Store
}

// New creates the query API.
func New(store graph.Store) *API {
	return &API{store: store}
}

// Page bounds a result set. Zero values mean "no bound".
type Page struct {
	Limit  int
	Offset int
}

func (p Page) params(base map[string]any) map[string]any {
	if p.Limit > 0 {
		base["limit"] = p.Limit
	}
	if p.Offset > 0 {
		base["offset"] = p.Offset
	}
	return base
}

// Overview is the project summary. Its JSON field names are consumed by the
// prompt templates and must not change.
type Overview struct {
	TotalFiles              int                 `json:"total_files"`
	TotalClasses            int                 `json:"total_classes"`
	TotalFunctionsMethods   int                 `json:"total_functions_methods"`
	AverageFunctionsPerFile float64             `json:"average_functions_per_file"`
	MainModules             []string            `json:"main_modules"`
	TopClassesByMethods     []ClassMethodCount  `json:"top_5_largest_classes_by_methods"`
	TopCalledFunctions      []FunctionCallCount `json:"top_5_most_called_functions"`
}

// ClassMethodCount ranks one class by method count.
type ClassMethodCount struct {
	Name        string `json:"name"`
	MethodCount int    `json:"method_count"`
}

// FunctionCallCount ranks one function by inbound calls.
type FunctionCallCount struct {
	Name      string `json:"name"`
	CallCount int    `json:"call_count"`
}

// Meaningful reports whether the overview carries enough signal to analyze.
// An empty project, or one where every ranking came back empty, does not.
func (o *Overview) Meaningful() bool {
	if o.TotalFiles == 0 {
		return false
	}
	return len(o.MainModules) > 0 || len(o.TopClassesByMethods) > 0 || len(o.TopCalledFunctions) > 0
}

// ProjectOverview assembles the overview row.
func (a *API) ProjectOverview(ctx context.Context, projectID string) (*Overview, error) {
	rows, err := a.store.RunSummaryQuery(ctx, graph.QueryProjectOverview, map[string]any{
		"project_id": projectID,
	})
	if err != nil {
		return nil, err
	}
	o := &Overview{}
	if len(rows) == 0 {
		return o, nil
	}
	row := rows[0]
	o.TotalFiles = asInt(row["total_files"])
	o.TotalClasses = asInt(row["total_classes"])
	o.TotalFunctionsMethods = asInt(row["total_functions_methods"])
	o.AverageFunctionsPerFile = asFloat(row["average_functions_per_file"])
	o.MainModules = asStrings(row["main_modules"])
	for _, sub := range asRows(row["top_5_largest_classes_by_methods"]) {
		o.TopClassesByMethods = append(o.TopClassesByMethods, ClassMethodCount{
			Name:        asString(sub["name"]),
			MethodCount: asInt(sub["method_count"]),
		})
	}
	for _, sub := range asRows(row["top_5_most_called_functions"]) {
		o.TopCalledFunctions = append(o.TopCalledFunctions, FunctionCallCount{
			Name:      asString(sub["name"]),
			CallCount: asInt(sub["call_count"]),
		})
	}
	return o, nil
}

// CallInfo is one caller→callee relationship.
type CallInfo struct {
	Caller       string `json:"caller"`
	Callee       string `json:"callee"`
	CallerFile   string `json:"caller_file"`
	CalleeFile   string `json:"callee_file"`
	CallSiteLine int    `json:"call_site_line"`
}

// FunctionCallRelationships lists call edges, optionally filtered to those
// touching functionName on either end.
func (a *API) FunctionCallRelationships(ctx context.Context, projectID, functionName string, page Page) ([]CallInfo, error) {
	rows, err := a.store.RunSummaryQuery(ctx, graph.QueryFunctionCalls, page.params(map[string]any{
		"project_id":    projectID,
		"function_name": functionName,
	}))
	if err != nil {
		return nil, err
	}
	out := make([]CallInfo, 0, len(rows))
	for _, row := range rows {
		out = append(out, CallInfo{
			Caller:       asString(row["caller"]),
			Callee:       asString(row["callee"]),
			CallerFile:   asString(row["caller_file"]),
			CalleeFile:   asString(row["callee_file"]),
			CallSiteLine: asInt(row["call_site_line"]),
		})
	}
	return out, nil
}

// InheritanceInfo is one class→superclass relationship.
type InheritanceInfo struct {
	Class       string `json:"class"`
	Superclass  string `json:"superclass"`
	FilePath    string `json:"file_path"`
	Placeholder bool   `json:"placeholder"`
}

// ClassInheritance lists inheritance edges touching className.
func (a *API) ClassInheritance(ctx context.Context, projectID, className string, page Page) ([]InheritanceInfo, error) {
	rows, err := a.store.RunSummaryQuery(ctx, graph.QueryClassInheritance, page.params(map[string]any{
		"project_id": projectID,
		"class_name": className,
	}))
	if err != nil {
		return nil, err
	}
	out := make([]InheritanceInfo, 0, len(rows))
	for _, row := range rows {
		out = append(out, InheritanceInfo{
			Class:       asString(row["class"]),
			Superclass:  asString(row["superclass"]),
			FilePath:    asString(row["file_path"]),
			Placeholder: asBool(row["placeholder"]),
		})
	}
	return out, nil
}

// Cycle is one circular call chain; Functions lists the loop members with
// the starting function repeated at the end.
type Cycle struct {
	Functions []string `json:"cycle"`
	Length    int      `json:"length"`
}

// CircularFunctionCalls finds call cycles up to the store's depth bound.
func (a *API) CircularFunctionCalls(ctx context.Context, projectID string, page Page) ([]Cycle, error) {
	rows, err := a.store.RunSummaryQuery(ctx, graph.QueryCircularCalls, page.params(map[string]any{
		"project_id": projectID,
	}))
	if err != nil {
		return nil, err
	}
	out := make([]Cycle, 0, len(rows))
	for _, row := range rows {
		out = append(out, Cycle{
			Functions: asStrings(row["cycle"]),
			Length:    asInt(row["length"]),
		})
	}
	return out, nil
}

// LargeClass is one class over the method-count threshold.
type LargeClass struct {
	ClassName   string `json:"class_name"`
	FilePath    string `json:"file_path"`
	MethodCount int    `json:"method_count"`
}

// LargeClasses lists classes with at least minMethods methods (default 20).
func (a *API) LargeClasses(ctx context.Context, projectID string, minMethods int, page Page) ([]LargeClass, error) {
	if minMethods <= 0 {
		minMethods = 20
	}
	rows, err := a.store.RunSummaryQuery(ctx, graph.QueryLargeClasses, page.params(map[string]any{
		"project_id":  projectID,
		"min_methods": minMethods,
	}))
	if err != nil {
		return nil, err
	}
	out := make([]LargeClass, 0, len(rows))
	for _, row := range rows {
		out = append(out, LargeClass{
			ClassName:   asString(row["class_name"]),
			FilePath:    asString(row["file_path"]),
			MethodCount: asInt(row["method_count"]),
		})
	}
	return out, nil
}

// SearchHit is one symbol matched by name.
type SearchHit struct {
	Kind        string `json:"kind"`
	Name        string `json:"name"`
	CompositeID string `json:"composite_id"`
	FilePath    string `json:"file_path"`
	StartLine   int    `json:"start_line"`
}

// Search finds symbols whose name contains term, optionally restricted to
// the given node kinds.
func (a *API) Search(ctx context.Context, projectID, term string, kinds []string, page Page) ([]SearchHit, error) {
	rows, err := a.store.RunSummaryQuery(ctx, graph.QuerySearch, page.params(map[string]any{
		"project_id": projectID,
		"term":       term,
		"kinds":      kinds,
	}))
	if err != nil {
		return nil, err
	}
	out := make([]SearchHit, 0, len(rows))
	for _, row := range rows {
		out = append(out, SearchHit{
			Kind:        asString(row["kind"]),
			Name:        asString(row["name"]),
			CompositeID: asString(row["composite_id"]),
			FilePath:    asString(row["file_path"]),
			StartLine:   asInt(row["start_line"]),
		})
	}
	return out, nil
}

// Impact estimates the blast radius of changing the given files.
type Impact struct {
	AffectedFunctionCount int      `json:"affected_function_count"`
	FilesToUpdate         []string `json:"files_to_update"`
}

// ImpactOfChanges reports the functions and files affected by edits to paths.
func (a *API) ImpactOfChanges(ctx context.Context, projectID string, paths []string) (*Impact, error) {
	rows, err := a.store.RunSummaryQuery(ctx, graph.QueryImpact, map[string]any{
		"project_id": projectID,
		"paths":      paths,
	})
	if err != nil {
		return nil, err
	}
	impact := &Impact{}
	if len(rows) > 0 {
		impact.AffectedFunctionCount = asInt(rows[0]["affected_function_count"])
		impact.FilesToUpdate = asStrings(rows[0]["files_to_update"])
	}
	return impact, nil
}
