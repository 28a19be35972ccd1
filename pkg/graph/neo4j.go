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
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Neo4jConfig carries bolt connection settings, normally read from the
// NEO4J_* environment variables.
type Neo4jConfig struct {
	URI      string
	Username string
	Password string
	Database string

	// LeaseTTL overrides DefaultLeaseTTL when positive.
	LeaseTTL time.Duration
}

// Neo4j is the server-backed Store. All writes run inside managed write
// transactions; the batch path uses a single transaction per batch.
type Neo4j struct {
	driver   neo4j.DriverWithContext
	database string
	logger   *slog.Logger
	leaseTTL time.Duration
}

// NewNeo4j connects and verifies the bolt endpoint.
func NewNeo4j(ctx context.Context, cfg Neo4jConfig, logger *slog.Logger) (*Neo4j, error) {
	if logger == nil {
		logger = slog.Default()
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("create driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("verify connectivity: %w", err)
	}
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	logger.Info("graph.neo4j.connected", "uri", cfg.URI, "database", cfg.Database)
	return &Neo4j{driver: driver, database: cfg.Database, logger: logger, leaseTTL: ttl}, nil
}

// Close shuts down the driver's connection pool.
func (s *Neo4j) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

func (s *Neo4j) session(ctx context.Context) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.database})
}

// validKind guards label interpolation: Cypher cannot parameterize labels, so
// only kinds from the model's closed enum reach the query string.
func validKind(k NodeKind) error {
	switch k {
	case KindProject, KindFile, KindModule, KindClass, KindFunction,
		KindVariable, KindDecorator, KindExceptionType:
		return nil
	}
	return fmt.Errorf("graph: unknown node kind %q", k)
}

func validEdge(k EdgeKind) error {
	switch k {
	case EdgeBelongsTo, EdgeDefinedIn, EdgeHasParameter, EdgeDeclaresVariable,
		EdgeDeclaresAttribute, EdgeCalls, EdgeInheritsFrom, EdgeUsesVariable,
		EdgeModifiesVariable, EdgeCreatesObject, EdgeRaisesException,
		EdgeHandlesException, EdgeDecoratedBy:
		return nil
	}
	return fmt.Errorf("graph: unknown edge kind %q", k)
}

// EnsureIndexes creates the uniqueness constraints and lookup indexes.
func (s *Neo4j) EnsureIndexes(ctx context.Context) error {
	stmts := []string{
		"CREATE CONSTRAINT project_graph_id IF NOT EXISTS FOR (p:Project) REQUIRE p.graph_id IS UNIQUE",
		"CREATE CONSTRAINT file_composite_id IF NOT EXISTS FOR (f:File) REQUIRE f.composite_id IS UNIQUE",
		"CREATE CONSTRAINT class_composite_id IF NOT EXISTS FOR (c:Class) REQUIRE c.composite_id IS UNIQUE",
		"CREATE CONSTRAINT function_composite_id IF NOT EXISTS FOR (fn:Function) REQUIRE fn.composite_id IS UNIQUE",
		"CREATE CONSTRAINT variable_composite_id IF NOT EXISTS FOR (v:Variable) REQUIRE v.composite_id IS UNIQUE",
		"CREATE INDEX file_project IF NOT EXISTS FOR (f:File) ON (f.project_id)",
		"CREATE INDEX file_hash IF NOT EXISTS FOR (f:File) ON (f.content_hash)",
		"CREATE INDEX file_updated IF NOT EXISTS FOR (f:File) ON (f.updated_at)",
		"CREATE INDEX class_name IF NOT EXISTS FOR (c:Class) ON (c.name)",
		"CREATE INDEX function_name IF NOT EXISTS FOR (fn:Function) ON (fn.name)",
	}
	session := s.session(ctx)
	defer session.Close(ctx)
	for _, stmt := range stmts {
		if _, err := session.Run(ctx, stmt, nil); err != nil {
			return fmt.Errorf("ensure index: %w", err)
		}
	}
	return nil
}

func upsertNodeCypher(n Node) (string, map[string]any, error) {
	if err := validKind(n.Kind); err != nil {
		return "", nil, err
	}
	keyProp := "composite_id"
	if n.Kind == KindProject {
		keyProp = "graph_id"
	}
	// SET n += $props is the shallow merge: scalars and arrays are replaced,
	// untouched properties survive.
	cypher := fmt.Sprintf("MERGE (n:%s {%s: $id}) SET n += $props", n.Kind, keyProp)
	return cypher, map[string]any{"id": n.ID, "props": n.Props}, nil
}

func upsertEdgeCypher(e Edge) (string, map[string]any, error) {
	if err := validEdge(e.Kind); err != nil {
		return "", nil, err
	}
	cypher := fmt.Sprintf(`
MATCH (a {composite_id: $src})
MATCH (b) WHERE b.composite_id = $dst OR b.graph_id = $dst
MERGE (a)-[r:%s]->(b)
SET r += $props`, e.Kind)
	props := e.Props
	if props == nil {
		props = map[string]any{}
	}
	return cypher, map[string]any{"src": e.SrcID, "dst": e.DstID, "props": props}, nil
}

// UpsertNode merges a single node.
func (s *Neo4j) UpsertNode(ctx context.Context, n Node) error {
	cypher, params, err := upsertNodeCypher(n)
	if err != nil {
		return err
	}
	session := s.session(ctx)
	defer session.Close(ctx)
	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, cypher, params)
	})
	return err
}

// UpsertEdge merges a single edge.
func (s *Neo4j) UpsertEdge(ctx context.Context, e Edge) error {
	cypher, params, err := upsertEdgeCypher(e)
	if err != nil {
		return err
	}
	session := s.session(ctx)
	defer session.Close(ctx)
	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, cypher, params)
	})
	return err
}

const resetFileSymbolsCypher = `
MATCH (f:File {composite_id: $file_id})<-[:DEFINED_IN]-(sym)
DETACH DELETE sym`

// ApplyBatch applies file resets, nodes, and edges in one write transaction.
func (s *Neo4j) ApplyBatch(ctx context.Context, b *Batch) error {
	if b.Empty() {
		return nil
	}
	session := s.session(ctx)
	defer session.Close(ctx)
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, path := range b.FilesReset {
			fileID := FileID(b.ProjectID, path)
			if _, err := tx.Run(ctx, resetFileSymbolsCypher, map[string]any{"file_id": fileID}); err != nil {
				return nil, fmt.Errorf("reset file %s: %w", path, err)
			}
		}
		for _, n := range b.Nodes {
			cypher, params, err := upsertNodeCypher(n)
			if err != nil {
				return nil, err
			}
			if _, err := tx.Run(ctx, cypher, params); err != nil {
				return nil, fmt.Errorf("upsert node %s: %w", n.ID, err)
			}
		}
		for _, e := range b.Edges {
			cypher, params, err := upsertEdgeCypher(e)
			if err != nil {
				return nil, err
			}
			if _, err := tx.Run(ctx, cypher, params); err != nil {
				return nil, fmt.Errorf("upsert edge %s-%s->%s: %w", e.SrcID, e.Kind, e.DstID, err)
			}
		}
		return nil, nil
	})
	return err
}

// DeleteFileCascade removes a File, its defined symbols, and placeholder
// nodes left without inbound edges.
func (s *Neo4j) DeleteFileCascade(ctx context.Context, projectID, filePath string) error {
	fileID := FileID(projectID, filePath)
	session := s.session(ctx)
	defer session.Close(ctx)
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, resetFileSymbolsCypher, map[string]any{"file_id": fileID}); err != nil {
			return nil, err
		}
		if _, err := tx.Run(ctx,
			"MATCH (f:File {composite_id: $file_id}) DETACH DELETE f",
			map[string]any{"file_id": fileID}); err != nil {
			return nil, err
		}
		// Sweep placeholders that lost their last inbound edge.
		if _, err := tx.Run(ctx, `
MATCH (p {placeholder: true})
WHERE p.composite_id STARTS WITH $prefix AND NOT ()-->(p)
DETACH DELETE p`, map[string]any{"prefix": projectID + ":"}); err != nil {
			return nil, err
		}
		return nil, nil
	})
	return err
}

// Placeholders only ever receive INHERITS_FROM edges, so re-pointing that
// kind moves every inbound reference.
const repointPlaceholderCypher = `
MATCH (src)-[r:INHERITS_FROM]->(ph {composite_id: $placeholder_id})
WHERE coalesce(ph.placeholder, false)
MATCH (real {composite_id: $real_id})
MERGE (src)-[r2:INHERITS_FROM]->(real)
SET r2 += properties(r)
DELETE r`

// ReplacePlaceholders supersedes placeholders whose names are now defined for
// real, in one write transaction.
func (s *Neo4j) ReplacePlaceholders(ctx context.Context, projectID string, realByPlaceholder map[string]string) error {
	if len(realByPlaceholder) == 0 {
		return nil
	}
	session := s.session(ctx)
	defer session.Close(ctx)
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for phID, realID := range realByPlaceholder {
			params := map[string]any{"placeholder_id": phID, "real_id": realID}
			if _, err := tx.Run(ctx, repointPlaceholderCypher, params); err != nil {
				return nil, fmt.Errorf("repoint placeholder %s: %w", phID, err)
			}
			// The real node must exist or the placeholder stays put.
			if _, err := tx.Run(ctx, `
MATCH (ph {composite_id: $placeholder_id})
WHERE coalesce(ph.placeholder, false)
MATCH (real {composite_id: $real_id})
DETACH DELETE ph`, params); err != nil {
				return nil, fmt.Errorf("delete placeholder %s: %w", phID, err)
			}
		}
		return nil, nil
	})
	return err
}

// AcquireLease takes the per-project build lease via a lease node guarded by
// a uniqueness constraint on the project ID. A lease whose acquired_at is
// older than the TTL belongs to a dead holder and is stolen in the same
// write transaction.
func (s *Neo4j) AcquireLease(ctx context.Context, projectID, owner string) error {
	session := s.session(ctx)
	defer session.Close(ctx)
	result, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MERGE (l:BuildLease {project_id: $project_id})
ON CREATE SET l.owner = $owner, l.acquired_at = datetime()
WITH l, l.owner AS previous_owner,
     (l.owner = $owner OR l.acquired_at <= datetime() - duration({seconds: $ttl_seconds})) AS takeable
FOREACH (_ IN CASE WHEN takeable THEN [1] ELSE [] END |
  SET l.owner = $owner, l.acquired_at = datetime())
RETURN l.owner AS owner, previous_owner`, map[string]any{
			"project_id":  projectID,
			"owner":       owner,
			"ttl_seconds": int64(s.leaseTTL / time.Second),
		})
		if err != nil {
			return nil, err
		}
		record, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		holder, _ := record.Get("owner")
		previous, _ := record.Get("previous_owner")
		if h, _ := holder.(string); h == owner {
			if p, _ := previous.(string); p != "" && p != owner {
				s.logger.Warn("graph.lease.stolen", "project_id", projectID, "previous_owner", p)
			}
		}
		return holder, nil
	})
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if holder, _ := result.(string); holder != owner {
		return fmt.Errorf("%w: project %s held by %s", ErrLeaseHeld, projectID, holder)
	}
	return nil
}

// ReleaseLease deletes the lease node if owned by owner.
func (s *Neo4j) ReleaseLease(ctx context.Context, projectID, owner string) error {
	session := s.session(ctx)
	defer session.Close(ctx)
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx,
			"MATCH (l:BuildLease {project_id: $project_id, owner: $owner}) DELETE l",
			map[string]any{"project_id": projectID, "owner": owner})
	})
	return err
}

// summaryCypher maps every catalogue name to its Cypher text. Reads filter by
// project through the composite-ID prefix, matching the memory store.
var summaryCypher = map[string]string{
	QueryProjectOverview: `
MATCH (f:File {project_id: $project_id})
WITH count(f) AS total_files
OPTIONAL MATCH (c:Class) WHERE c.composite_id STARTS WITH $project_id + ':' AND coalesce(c.placeholder, false) = false
WITH total_files, count(c) AS total_classes
OPTIONAL MATCH (fn:Function) WHERE fn.composite_id STARTS WITH $project_id + ':' AND coalesce(fn.placeholder, false) = false
WITH total_files, total_classes, count(fn) AS total_functions_methods
RETURN total_files, total_classes, total_functions_methods,
       CASE WHEN total_files = 0 THEN 0.0 ELSE toFloat(total_functions_methods) / total_files END AS average_functions_per_file,
       [] AS main_modules, [] AS top_5_largest_classes_by_methods, [] AS top_5_most_called_functions`,

	"overview_main_modules": `
MATCH (f:File {project_id: $project_id})
WITH CASE WHEN f.path CONTAINS '/' THEN split(f.path, '/')[0] ELSE f.path END AS module, count(*) AS files
RETURN module ORDER BY files DESC, module LIMIT 10`,

	"overview_top_classes": `
MATCH (c:Class) WHERE c.composite_id STARTS WITH $project_id + ':' AND coalesce(c.placeholder, false) = false
OPTIONAL MATCH (m:Function {class_name: c.name, file_path: c.file_path})
WHERE m.composite_id STARTS WITH $project_id + ':'
WITH c.name AS name, count(m) AS method_count
RETURN name, method_count ORDER BY method_count DESC, name LIMIT 5`,

	"overview_top_called": `
MATCH (caller:Function)-[:CALLS]->(fn:Function)
WHERE fn.composite_id STARTS WITH $project_id + ':'
WITH fn.name AS name, count(caller) AS call_count
RETURN name, call_count ORDER BY call_count DESC, name LIMIT 5`,

	QueryFunctionCalls: `
MATCH (caller:Function)-[r:CALLS]->(callee:Function)
WHERE caller.composite_id STARTS WITH $project_id + ':'
  AND ($function_name = '' OR caller.name = $function_name OR callee.name = $function_name)
RETURN caller.name AS caller, callee.name AS callee,
       caller.file_path AS caller_file, callee.file_path AS callee_file,
       r.call_site_line AS call_site_line
ORDER BY caller, callee
SKIP $offset LIMIT $limit`,

	QueryClassInheritance: `
MATCH (c:Class)-[:INHERITS_FROM]->(s:Class)
WHERE c.composite_id STARTS WITH $project_id + ':'
  AND ($class_name = '' OR c.name = $class_name OR s.name = $class_name)
RETURN c.name AS class, s.name AS superclass, c.file_path AS file_path,
       coalesce(s.placeholder, false) AS placeholder
ORDER BY class, superclass
SKIP $offset LIMIT $limit`,

	QueryCircularCalls: `
MATCH path = (f:Function)-[:CALLS*1..5]->(f)
WHERE f.composite_id STARTS WITH $project_id + ':'
WITH [n IN nodes(path) | n.name] AS cycle, length(path) AS length
RETURN DISTINCT cycle, length
SKIP $offset LIMIT $limit`,

	QueryLargeClasses: `
MATCH (c:Class)
WHERE c.composite_id STARTS WITH $project_id + ':' AND coalesce(c.placeholder, false) = false
OPTIONAL MATCH (m:Function {class_name: c.name, file_path: c.file_path})
WHERE m.composite_id STARTS WITH $project_id + ':'
WITH c, count(m) AS method_count
WHERE method_count >= $min_methods
RETURN c.name AS class_name, c.file_path AS file_path, method_count
ORDER BY method_count DESC
SKIP $offset LIMIT $limit`,

	QuerySearch: `
MATCH (n)
WHERE n.composite_id STARTS WITH $project_id + ':'
  AND any(k IN labels(n) WHERE k IN $kinds)
  AND toLower(n.name) CONTAINS toLower($term)
RETURN labels(n)[0] AS kind, n.name AS name, n.composite_id AS composite_id,
       n.file_path AS file_path, n.start_line AS start_line
ORDER BY name
SKIP $offset LIMIT $limit`,

	QueryImpact: `
MATCH (src)-[r]->(dst)
WHERE type(r) IN ['CALLS', 'INHERITS_FROM']
  AND src.composite_id STARTS WITH $project_id + ':'
  AND dst.file_path IN $paths
RETURN count(DISTINCT src) AS affected_function_count,
       collect(DISTINCT src.file_path) + $paths AS files_to_update`,

	QueryFileHashes: `
MATCH (f:File {project_id: $project_id})
RETURN f.path AS path, f.content_hash AS content_hash`,

	QueryProjectSymbols: `
MATCH (n)
WHERE (n:Class OR n:Function)
  AND n.composite_id STARTS WITH $project_id + ':'
  AND coalesce(n.placeholder, false) = false
RETURN n.name AS name, labels(n)[0] AS kind, n.composite_id AS composite_id,
       n.file_path AS file_path, coalesce(n.is_method, false) AS is_method`,

	QueryReverseDeps: `
MATCH (src)-[r]->(dst)
WHERE type(r) IN ['CALLS', 'INHERITS_FROM']
  AND src.composite_id STARTS WITH $project_id + ':'
  AND dst.file_path IN $paths
  AND NOT src.file_path IN $paths
  AND src.file_path IS NOT NULL
RETURN DISTINCT src.file_path AS path ORDER BY path`,

	QueryPlaceholderStats: `
MATCH (c:Class) WHERE c.composite_id STARTS WITH $project_id + ':'
RETURN sum(CASE WHEN coalesce(c.placeholder, false) THEN 1 ELSE 0 END) AS placeholders,
       count(c) AS total_classes`,

	QueryConsistency: `
MATCH (n)
WHERE (n:Class OR n:Function OR n:Variable)
  AND n.composite_id STARTS WITH $project_id + ':'
  AND coalesce(n.placeholder, false) = false
  AND NOT (n)-[:DEFINED_IN]->(:File)
WITH count(n) AS orphan_count
OPTIONAL MATCH (d)
WHERE d.composite_id STARTS WITH $project_id + ':'
WITH orphan_count, d.composite_id AS id, count(d) AS copies
WHERE copies > 1
RETURN orphan_count, count(id) AS duplicate_id_count`,
}

// RunSummaryQuery executes a catalogue query. The project_overview name fans
// out to its helper queries and assembles the single summary row.
func (s *Neo4j) RunSummaryQuery(ctx context.Context, name string, params map[string]any) ([]map[string]any, error) {
	if name == QueryProjectOverview {
		return s.projectOverview(ctx, params)
	}
	cypher, ok := summaryCypher[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQuery, name)
	}
	return s.runRead(ctx, cypher, normalizeParams(name, params))
}

// normalizeParams fills optional parameters so Cypher never sees a missing key.
func normalizeParams(name string, params map[string]any) map[string]any {
	out := make(map[string]any, len(params)+4)
	for k, v := range params {
		out[k] = v
	}
	if _, ok := out["limit"]; !ok || intParam(out, "limit", 0) <= 0 {
		out["limit"] = 1000
	}
	if _, ok := out["offset"]; !ok {
		out["offset"] = 0
	}
	switch name {
	case QueryFunctionCalls:
		if _, ok := out["function_name"]; !ok {
			out["function_name"] = ""
		}
	case QueryClassInheritance:
		if _, ok := out["class_name"]; !ok {
			out["class_name"] = ""
		}
	case QueryLargeClasses:
		if _, ok := out["min_methods"]; !ok {
			out["min_methods"] = 20
		}
	case QuerySearch:
		if _, ok := out["kinds"]; !ok {
			out["kinds"] = []string{string(KindClass), string(KindFunction), string(KindVariable)}
		}
	}
	return out
}

func (s *Neo4j) runRead(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	session := s.session(ctx)
	defer session.Close(ctx)
	rows, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]map[string]any, 0, len(records))
		for _, record := range records {
			out = append(out, record.AsMap())
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return rows.([]map[string]any), nil
}

func (s *Neo4j) projectOverview(ctx context.Context, params map[string]any) ([]map[string]any, error) {
	params = normalizeParams(QueryProjectOverview, params)
	base, err := s.runRead(ctx, summaryCypher[QueryProjectOverview], params)
	if err != nil || len(base) == 0 {
		return base, err
	}
	row := base[0]

	modules, err := s.runRead(ctx, summaryCypher["overview_main_modules"], params)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(modules))
	for _, m := range modules {
		if s, ok := m["module"].(string); ok {
			names = append(names, s)
		}
	}
	row["main_modules"] = names

	topClasses, err := s.runRead(ctx, summaryCypher["overview_top_classes"], params)
	if err != nil {
		return nil, err
	}
	row["top_5_largest_classes_by_methods"] = topClasses

	topCalled, err := s.runRead(ctx, summaryCypher["overview_top_called"], params)
	if err != nil {
		return nil, err
	}
	row["top_5_most_called_functions"] = topCalled

	return []map[string]any{row}, nil
}
