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
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store. It implements the full query catalogue and
// is the backend used by the test suite; the worker can also run against it
// for local one-shot scans without a graph server.
type Memory struct {
	mu     sync.RWMutex
	logger *slog.Logger

	nodes    map[string]Node     // composite ID → node
	byKind   map[NodeKind]int    // node counts, for stats
	edges    map[string]Edge     // kind|src|dst → edge
	leases   map[string]memLease // project ID → holder
	leaseTTL time.Duration
}

type memLease struct {
	owner      string
	acquiredAt time.Time
}

// NewMemory creates an empty in-memory graph store.
func NewMemory(logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		logger:   logger,
		nodes:    make(map[string]Node),
		byKind:   make(map[NodeKind]int),
		edges:    make(map[string]Edge),
		leases:   make(map[string]memLease),
		leaseTTL: DefaultLeaseTTL,
	}
}

// SetLeaseTTL overrides the stale-lease threshold.
func (m *Memory) SetLeaseTTL(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaseTTL = d
}

func edgeKey(e Edge) string {
	return string(e.Kind) + "|" + e.SrcID + "|" + e.DstID
}

// EnsureIndexes is a no-op: map lookups are the index.
func (m *Memory) EnsureIndexes(ctx context.Context) error { return nil }

// Close is a no-op.
func (m *Memory) Close(ctx context.Context) error { return nil }

// UpsertNode inserts or shallow-merges the node's properties.
func (m *Memory) UpsertNode(ctx context.Context, n Node) error {
	if n.ID == "" || n.Kind == "" {
		return fmt.Errorf("graph: node missing kind or id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertNodeLocked(n)
	return nil
}

func (m *Memory) upsertNodeLocked(n Node) {
	existing, ok := m.nodes[n.ID]
	if !ok {
		props := make(map[string]any, len(n.Props))
		for k, v := range n.Props {
			props[k] = v
		}
		m.nodes[n.ID] = Node{Kind: n.Kind, ID: n.ID, Props: props}
		m.byKind[n.Kind]++
		return
	}
	// Shallow merge; arrays replaced by assignment.
	for k, v := range n.Props {
		existing.Props[k] = v
	}
	m.nodes[n.ID] = existing
}

// UpsertEdge inserts or merges the edge's properties.
func (m *Memory) UpsertEdge(ctx context.Context, e Edge) error {
	if e.Kind == "" || e.SrcID == "" || e.DstID == "" {
		return fmt.Errorf("graph: edge missing kind or endpoint")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertEdgeLocked(e)
	return nil
}

func (m *Memory) upsertEdgeLocked(e Edge) {
	key := edgeKey(e)
	existing, ok := m.edges[key]
	if !ok {
		props := make(map[string]any, len(e.Props))
		for k, v := range e.Props {
			props[k] = v
		}
		m.edges[key] = Edge{Kind: e.Kind, SrcID: e.SrcID, DstID: e.DstID, Props: props}
		return
	}
	for k, v := range e.Props {
		existing.Props[k] = v
	}
	m.edges[key] = existing
}

// ApplyBatch validates then applies the whole batch under one lock. The
// validation-first order means a rejected batch leaves the graph untouched.
func (m *Memory) ApplyBatch(ctx context.Context, b *Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, n := range b.Nodes {
		if n.ID == "" || n.Kind == "" {
			return fmt.Errorf("graph: batch node missing kind or id")
		}
	}
	for _, e := range b.Edges {
		if e.Kind == "" || e.SrcID == "" || e.DstID == "" {
			return fmt.Errorf("graph: batch edge missing kind or endpoint")
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, path := range b.FilesReset {
		m.resetFileSymbolsLocked(b.ProjectID, path)
	}
	for _, n := range b.Nodes {
		m.upsertNodeLocked(n)
	}
	for _, e := range b.Edges {
		m.upsertEdgeLocked(e)
	}
	return nil
}

// resetFileSymbolsLocked removes every node DEFINED_IN the file, with all
// edges touching them. The File node itself survives (a re-parse upserts it).
func (m *Memory) resetFileSymbolsLocked(projectID, filePath string) {
	fileID := FileID(projectID, filePath)
	doomed := make(map[string]struct{})
	for _, e := range m.edges {
		if e.Kind == EdgeDefinedIn && e.DstID == fileID {
			doomed[e.SrcID] = struct{}{}
		}
	}
	m.removeNodesLocked(doomed)
}

func (m *Memory) removeNodesLocked(doomed map[string]struct{}) {
	if len(doomed) == 0 {
		return
	}
	for id := range doomed {
		if n, ok := m.nodes[id]; ok {
			m.byKind[n.Kind]--
			delete(m.nodes, id)
		}
	}
	for key, e := range m.edges {
		if _, gone := doomed[e.SrcID]; gone {
			delete(m.edges, key)
			continue
		}
		if _, gone := doomed[e.DstID]; gone {
			delete(m.edges, key)
		}
	}
}

// DeleteFileCascade removes the File node and all symbols defined in it, then
// sweeps placeholder nodes that lost their last inbound edge.
func (m *Memory) DeleteFileCascade(ctx context.Context, projectID, filePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fileID := FileID(projectID, filePath)
	doomed := map[string]struct{}{fileID: {}}
	for _, e := range m.edges {
		if e.Kind == EdgeDefinedIn && e.DstID == fileID {
			doomed[e.SrcID] = struct{}{}
		}
	}
	m.removeNodesLocked(doomed)
	m.sweepOrphanPlaceholdersLocked(projectID)
	return nil
}

// sweepOrphanPlaceholdersLocked deletes placeholder nodes with no remaining
// inbound edge. Placeholders exist only to satisfy an edge; once the last
// referencing edge is gone they are garbage.
func (m *Memory) sweepOrphanPlaceholdersLocked(projectID string) {
	inbound := make(map[string]int)
	for _, e := range m.edges {
		inbound[e.DstID]++
	}
	doomed := make(map[string]struct{})
	for id, n := range m.nodes {
		if !inProject(id, projectID) {
			continue
		}
		if ph, _ := n.Props["placeholder"].(bool); ph && inbound[id] == 0 {
			doomed[id] = struct{}{}
		}
	}
	m.removeNodesLocked(doomed)
}

// ReplacePlaceholders re-points inbound edges from each placeholder to its
// real counterpart and deletes the placeholder.
func (m *Memory) ReplacePlaceholders(ctx context.Context, projectID string, realByPlaceholder map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for phID, realID := range realByPlaceholder {
		ph, ok := m.nodes[phID]
		if !ok || !isPlaceholder(ph) {
			continue
		}
		if _, ok := m.nodes[realID]; !ok {
			continue
		}
		var inbound []string
		var outbound []string
		for key, e := range m.edges {
			switch {
			case e.DstID == phID:
				inbound = append(inbound, key)
			case e.SrcID == phID:
				outbound = append(outbound, key)
			}
		}
		for _, key := range inbound {
			e := m.edges[key]
			delete(m.edges, key)
			e.DstID = realID
			m.upsertEdgeLocked(e)
		}
		for _, key := range outbound {
			delete(m.edges, key)
		}
		m.byKind[ph.Kind]--
		delete(m.nodes, phID)
		m.logger.Debug("graph.placeholder.replaced", "placeholder", phID, "real", realID)
	}
	return nil
}

// AcquireLease takes the per-project build lease. A lease older than the TTL
// counts as abandoned by a dead holder and is stolen.
func (m *Memory) AcquireLease(ctx context.Context, projectID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.leases[projectID]; ok && l.owner != owner {
		if time.Since(l.acquiredAt) < m.leaseTTL {
			return fmt.Errorf("%w: project %s held by %s", ErrLeaseHeld, projectID, l.owner)
		}
		m.logger.Warn("graph.lease.stolen", "project_id", projectID, "previous_owner", l.owner)
	}
	m.leases[projectID] = memLease{owner: owner, acquiredAt: time.Now()}
	return nil
}

// ReleaseLease releases the lease if held by owner.
func (m *Memory) ReleaseLease(ctx context.Context, projectID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.leases[projectID]; ok && l.owner == owner {
		delete(m.leases, projectID)
	}
	return nil
}

func inProject(id, projectID string) bool {
	return id == projectID || strings.HasPrefix(id, projectID+":")
}

func (m *Memory) projectNodes(projectID string, kinds ...NodeKind) []Node {
	var want map[NodeKind]struct{}
	if len(kinds) > 0 {
		want = make(map[NodeKind]struct{}, len(kinds))
		for _, k := range kinds {
			want[k] = struct{}{}
		}
	}
	var out []Node
	for id, n := range m.nodes {
		if !inProject(id, projectID) {
			continue
		}
		if want != nil {
			if _, ok := want[n.Kind]; !ok {
				continue
			}
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) projectEdges(projectID string, kind EdgeKind) []Edge {
	var out []Edge
	for _, e := range m.edges {
		if e.Kind == kind && inProject(e.SrcID, projectID) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SrcID != out[j].SrcID {
			return out[i].SrcID < out[j].SrcID
		}
		return out[i].DstID < out[j].DstID
	})
	return out
}

func isPlaceholder(n Node) bool {
	ph, _ := n.Props["placeholder"].(bool)
	return ph
}

func paginate(rows []map[string]any, params map[string]any) []map[string]any {
	offset := intParam(params, "offset", 0)
	limit := intParam(params, "limit", 0)
	if offset > len(rows) {
		return nil
	}
	rows = rows[offset:]
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}

func intParam(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

func stringParam(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

func stringsParam(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// RunSummaryQuery dispatches to the catalogue implementation.
func (m *Memory) RunSummaryQuery(ctx context.Context, name string, params map[string]any) ([]map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	projectID := stringParam(params, "project_id")
	switch name {
	case QueryProjectOverview:
		return m.projectOverview(projectID), nil
	case QueryFunctionCalls:
		return paginate(m.functionCalls(projectID, stringParam(params, "function_name")), params), nil
	case QueryClassInheritance:
		return paginate(m.classInheritance(projectID, stringParam(params, "class_name")), params), nil
	case QueryCircularCalls:
		return paginate(m.circularCalls(projectID, intParam(params, "max_depth", 5)), params), nil
	case QueryLargeClasses:
		return paginate(m.largeClasses(projectID, intParam(params, "min_methods", 20)), params), nil
	case QuerySearch:
		return paginate(m.search(projectID, stringParam(params, "term"), stringsParam(params, "kinds")), params), nil
	case QueryImpact:
		return m.impact(projectID, stringsParam(params, "paths")), nil
	case QueryFileHashes:
		return m.fileHashes(projectID), nil
	case QueryProjectSymbols:
		return m.projectSymbols(projectID), nil
	case QueryReverseDeps:
		return m.reverseDeps(projectID, stringsParam(params, "paths")), nil
	case QueryPlaceholderStats:
		return m.placeholderStats(projectID), nil
	case QueryConsistency:
		return m.consistency(projectID), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownQuery, name)
	}
}

func (m *Memory) methodCounts(projectID string) map[string]int {
	// Class composite ID → number of Function nodes claiming it via class_name.
	counts := make(map[string]int)
	for _, n := range m.projectNodes(projectID, KindFunction) {
		className, _ := n.Props["class_name"].(string)
		if className == "" {
			continue
		}
		filePath, _ := n.Props["file_path"].(string)
		for _, c := range m.projectNodes(projectID, KindClass) {
			cName, _ := c.Props["name"].(string)
			cFile, _ := c.Props["file_path"].(string)
			if cName == className && cFile == filePath {
				counts[c.ID]++
				break
			}
		}
	}
	return counts
}

func (m *Memory) projectOverview(projectID string) []map[string]any {
	files := m.projectNodes(projectID, KindFile)
	classes := m.projectNodes(projectID, KindClass)
	functions := m.projectNodes(projectID, KindFunction)

	realClasses := 0
	for _, c := range classes {
		if !isPlaceholder(c) {
			realClasses++
		}
	}
	realFunctions := 0
	for _, f := range functions {
		if !isPlaceholder(f) {
			realFunctions++
		}
	}

	avg := 0.0
	if len(files) > 0 {
		avg = float64(realFunctions) / float64(len(files))
	}

	// Main modules: top-level path segments ranked by file count.
	segCounts := make(map[string]int)
	for _, f := range files {
		path, _ := f.Props["path"].(string)
		seg := path
		if i := strings.IndexByte(path, '/'); i >= 0 {
			seg = path[:i]
		}
		segCounts[seg]++
	}
	modules := make([]string, 0, len(segCounts))
	for seg := range segCounts {
		modules = append(modules, seg)
	}
	sort.Slice(modules, func(i, j int) bool {
		if segCounts[modules[i]] != segCounts[modules[j]] {
			return segCounts[modules[i]] > segCounts[modules[j]]
		}
		return modules[i] < modules[j]
	})
	if len(modules) > 10 {
		modules = modules[:10]
	}

	// Top 5 classes by method count.
	counts := m.methodCounts(projectID)
	type classRow struct {
		name    string
		methods int
	}
	var classRows []classRow
	for _, c := range classes {
		if isPlaceholder(c) {
			continue
		}
		name, _ := c.Props["name"].(string)
		classRows = append(classRows, classRow{name: name, methods: counts[c.ID]})
	}
	sort.Slice(classRows, func(i, j int) bool {
		if classRows[i].methods != classRows[j].methods {
			return classRows[i].methods > classRows[j].methods
		}
		return classRows[i].name < classRows[j].name
	})
	topClasses := make([]map[string]any, 0, 5)
	for i, r := range classRows {
		if i == 5 {
			break
		}
		topClasses = append(topClasses, map[string]any{"name": r.name, "method_count": r.methods})
	}

	// Top 5 most-called functions by inbound CALLS.
	inCalls := make(map[string]int)
	for _, e := range m.projectEdges(projectID, EdgeCalls) {
		inCalls[e.DstID]++
	}
	type fnRow struct {
		name  string
		calls int
	}
	var fnRows []fnRow
	for _, f := range functions {
		if inCalls[f.ID] == 0 {
			continue
		}
		name, _ := f.Props["name"].(string)
		fnRows = append(fnRows, fnRow{name: name, calls: inCalls[f.ID]})
	}
	sort.Slice(fnRows, func(i, j int) bool {
		if fnRows[i].calls != fnRows[j].calls {
			return fnRows[i].calls > fnRows[j].calls
		}
		return fnRows[i].name < fnRows[j].name
	})
	topFns := make([]map[string]any, 0, 5)
	for i, r := range fnRows {
		if i == 5 {
			break
		}
		topFns = append(topFns, map[string]any{"name": r.name, "call_count": r.calls})
	}

	return []map[string]any{{
		"total_files":                       len(files),
		"total_classes":                     realClasses,
		"total_functions_methods":           realFunctions,
		"average_functions_per_file":        avg,
		"main_modules":                      modules,
		"top_5_largest_classes_by_methods":  topClasses,
		"top_5_most_called_functions":       topFns,
	}}
}

func (m *Memory) functionCalls(projectID, functionName string) []map[string]any {
	var rows []map[string]any
	for _, e := range m.projectEdges(projectID, EdgeCalls) {
		caller, okA := m.nodes[e.SrcID]
		callee, okB := m.nodes[e.DstID]
		if !okA || !okB {
			continue
		}
		callerName, _ := caller.Props["name"].(string)
		calleeName, _ := callee.Props["name"].(string)
		if functionName != "" && callerName != functionName && calleeName != functionName {
			continue
		}
		callerFile, _ := caller.Props["file_path"].(string)
		calleeFile, _ := callee.Props["file_path"].(string)
		rows = append(rows, map[string]any{
			"caller":         callerName,
			"callee":         calleeName,
			"caller_file":    callerFile,
			"callee_file":    calleeFile,
			"call_site_line": e.Props["call_site_line"],
		})
	}
	return rows
}

func (m *Memory) classInheritance(projectID, className string) []map[string]any {
	var rows []map[string]any
	for _, e := range m.projectEdges(projectID, EdgeInheritsFrom) {
		sub, okA := m.nodes[e.SrcID]
		super, okB := m.nodes[e.DstID]
		if !okA || !okB {
			continue
		}
		subName, _ := sub.Props["name"].(string)
		superName, _ := super.Props["name"].(string)
		if className != "" && subName != className && superName != className {
			continue
		}
		filePath, _ := sub.Props["file_path"].(string)
		rows = append(rows, map[string]any{
			"class":       subName,
			"superclass":  superName,
			"file_path":   filePath,
			"placeholder": isPlaceholder(super),
		})
	}
	return rows
}

func (m *Memory) circularCalls(projectID string, maxDepth int) []map[string]any {
	adj := make(map[string][]string)
	for _, e := range m.projectEdges(projectID, EdgeCalls) {
		adj[e.SrcID] = append(adj[e.SrcID], e.DstID)
	}
	seen := make(map[string]struct{})
	var rows []map[string]any

	var walk func(start, cur string, path []string)
	walk = func(start, cur string, path []string) {
		if len(path) > maxDepth {
			return
		}
		for _, next := range adj[cur] {
			if next == start {
				cycle := append(append([]string{}, path...), start)
				names := make([]string, 0, len(cycle))
				for _, id := range cycle {
					n := m.nodes[id]
					name, _ := n.Props["name"].(string)
					names = append(names, name)
				}
				key := canonicalCycle(cycle)
				if _, dup := seen[key]; !dup {
					seen[key] = struct{}{}
					rows = append(rows, map[string]any{"cycle": names, "length": len(cycle) - 1})
				}
				continue
			}
			if contains(path, next) {
				continue
			}
			walk(start, next, append(path, next))
		}
	}
	starts := make([]string, 0, len(adj))
	for id := range adj {
		starts = append(starts, id)
	}
	sort.Strings(starts)
	for _, id := range starts {
		walk(id, id, []string{id})
	}
	return rows
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// canonicalCycle rotates the cycle so its smallest member leads, making the
// same loop found from different start nodes compare equal.
func canonicalCycle(cycle []string) string {
	body := cycle[:len(cycle)-1]
	minIdx := 0
	for i, id := range body {
		if id < body[minIdx] {
			minIdx = i
		}
	}
	rotated := append(append([]string{}, body[minIdx:]...), body[:minIdx]...)
	return strings.Join(rotated, "→")
}

func (m *Memory) largeClasses(projectID string, minMethods int) []map[string]any {
	counts := m.methodCounts(projectID)
	var rows []map[string]any
	for _, c := range m.projectNodes(projectID, KindClass) {
		if isPlaceholder(c) || counts[c.ID] < minMethods {
			continue
		}
		name, _ := c.Props["name"].(string)
		filePath, _ := c.Props["file_path"].(string)
		rows = append(rows, map[string]any{
			"class_name":   name,
			"file_path":    filePath,
			"method_count": counts[c.ID],
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i]["method_count"].(int) > rows[j]["method_count"].(int)
	})
	return rows
}

func (m *Memory) search(projectID, term string, kinds []string) []map[string]any {
	want := make(map[NodeKind]struct{})
	for _, k := range kinds {
		want[NodeKind(k)] = struct{}{}
	}
	lower := strings.ToLower(term)
	var rows []map[string]any
	for _, n := range m.projectNodes(projectID) {
		if len(want) > 0 {
			if _, ok := want[n.Kind]; !ok {
				continue
			}
		}
		name, _ := n.Props["name"].(string)
		if name == "" || !strings.Contains(strings.ToLower(name), lower) {
			continue
		}
		rows = append(rows, map[string]any{
			"kind":         string(n.Kind),
			"name":         name,
			"composite_id": n.ID,
			"file_path":    n.Props["file_path"],
			"start_line":   n.Props["start_line"],
		})
	}
	return rows
}

func (m *Memory) impact(projectID string, paths []string) []map[string]any {
	pathSet := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		pathSet[p] = struct{}{}
	}
	targets := make(map[string]struct{})
	for _, f := range m.projectNodes(projectID, KindFunction, KindClass) {
		filePath, _ := f.Props["file_path"].(string)
		if _, ok := pathSet[filePath]; ok {
			targets[f.ID] = struct{}{}
		}
	}
	affected := make(map[string]struct{})
	filesToUpdate := make(map[string]struct{}, len(pathSet))
	for p := range pathSet {
		filesToUpdate[p] = struct{}{}
	}
	for _, e := range m.edges {
		if e.Kind != EdgeCalls && e.Kind != EdgeInheritsFrom {
			continue
		}
		if !inProject(e.SrcID, projectID) {
			continue
		}
		if _, hit := targets[e.DstID]; !hit {
			continue
		}
		affected[e.SrcID] = struct{}{}
		if src, ok := m.nodes[e.SrcID]; ok {
			if fp, _ := src.Props["file_path"].(string); fp != "" {
				filesToUpdate[fp] = struct{}{}
			}
		}
	}
	files := make([]string, 0, len(filesToUpdate))
	for p := range filesToUpdate {
		files = append(files, p)
	}
	sort.Strings(files)
	return []map[string]any{{
		"affected_function_count": len(affected),
		"files_to_update":         files,
	}}
}

func (m *Memory) fileHashes(projectID string) []map[string]any {
	var rows []map[string]any
	for _, f := range m.projectNodes(projectID, KindFile) {
		rows = append(rows, map[string]any{
			"path":         f.Props["path"],
			"content_hash": f.Props["content_hash"],
		})
	}
	return rows
}

func (m *Memory) projectSymbols(projectID string) []map[string]any {
	var rows []map[string]any
	for _, n := range m.projectNodes(projectID, KindClass, KindFunction) {
		if isPlaceholder(n) {
			continue
		}
		isMethod, _ := n.Props["is_method"].(bool)
		rows = append(rows, map[string]any{
			"name":         n.Props["name"],
			"kind":         string(n.Kind),
			"composite_id": n.ID,
			"file_path":    n.Props["file_path"],
			"is_method":    isMethod,
		})
	}
	return rows
}

func (m *Memory) reverseDeps(projectID string, paths []string) []map[string]any {
	pathSet := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		pathSet[p] = struct{}{}
	}
	depFiles := make(map[string]struct{})
	for _, e := range m.edges {
		if e.Kind != EdgeCalls && e.Kind != EdgeInheritsFrom {
			continue
		}
		if !inProject(e.SrcID, projectID) {
			continue
		}
		dst, ok := m.nodes[e.DstID]
		if !ok {
			continue
		}
		dstFile, _ := dst.Props["file_path"].(string)
		if _, hit := pathSet[dstFile]; !hit {
			continue
		}
		src, ok := m.nodes[e.SrcID]
		if !ok {
			continue
		}
		srcFile, _ := src.Props["file_path"].(string)
		if srcFile == "" || srcFile == dstFile {
			continue
		}
		if _, changed := pathSet[srcFile]; changed {
			continue
		}
		depFiles[srcFile] = struct{}{}
	}
	files := make([]string, 0, len(depFiles))
	for p := range depFiles {
		files = append(files, p)
	}
	sort.Strings(files)
	rows := make([]map[string]any, 0, len(files))
	for _, p := range files {
		rows = append(rows, map[string]any{"path": p})
	}
	return rows
}

func (m *Memory) placeholderStats(projectID string) []map[string]any {
	placeholders := 0
	total := 0
	for _, c := range m.projectNodes(projectID, KindClass) {
		total++
		if isPlaceholder(c) {
			placeholders++
		}
	}
	return []map[string]any{{
		"placeholders":  placeholders,
		"total_classes": total,
	}}
}

func (m *Memory) consistency(projectID string) []map[string]any {
	// Orphans: symbol nodes whose DEFINED_IN target file no longer exists,
	// or non-placeholder symbols with no DEFINED_IN at all.
	definedIn := make(map[string]string)
	for _, e := range m.edges {
		if e.Kind == EdgeDefinedIn {
			definedIn[e.SrcID] = e.DstID
		}
	}
	orphans := 0
	for _, n := range m.projectNodes(projectID, KindClass, KindFunction, KindVariable) {
		if isPlaceholder(n) {
			continue
		}
		fileID, ok := definedIn[n.ID]
		if !ok {
			orphans++
			continue
		}
		if _, exists := m.nodes[fileID]; !exists {
			orphans++
		}
	}
	// Composite IDs are map keys, so duplicates cannot exist here; report 0
	// to keep the row shape identical to the server-backed store.
	return []map[string]any{{
		"orphan_count":       orphans,
		"duplicate_id_count": 0,
	}}
}

// Stats returns node counts by kind, for logging after builds.
func (m *Memory) Stats() map[NodeKind]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[NodeKind]int, len(m.byKind))
	for k, v := range m.byKind {
		if v > 0 {
			out[k] = v
		}
	}
	return out
}
