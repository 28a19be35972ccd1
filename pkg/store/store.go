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

// Package store persists analysis requests and their findings in SQLite.
// Requests walk a fixed status ladder and freeze once terminal; findings are
// append-only rows tied to a request.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Request statuses, in ladder order.
const (
	StatusPending       = "pending"
	StatusProcessing    = "processing"
	StatusSourceFetched = "source_fetched"
	StatusCKGBuilding   = "ckg_building"
	StatusAnalyzing     = "analyzing"
	StatusCompleted     = "completed"
	StatusFailed        = "failed"
)

// RawAnalysisPath marks the synthetic finding row that carries an unparsed
// model reply.
const RawAnalysisPath = "Raw LLM Analysis"

var (
	// ErrNotFound is returned when a request ID is unknown.
	ErrNotFound = errors.New("store: request not found")
	// ErrTerminal is returned on any write to a completed or failed request.
	ErrTerminal = errors.New("store: request is terminal")
	// ErrBadTransition is returned when a status does not follow the ladder.
	ErrBadTransition = errors.New("store: invalid status transition")
)

// allowedNext is the status ladder. Every non-terminal status may also fail.
var allowedNext = map[string][]string{
	StatusPending:       {StatusProcessing, StatusFailed},
	StatusProcessing:    {StatusSourceFetched, StatusFailed},
	StatusSourceFetched: {StatusCKGBuilding, StatusFailed},
	StatusCKGBuilding:   {StatusAnalyzing, StatusFailed},
	StatusAnalyzing:     {StatusCompleted, StatusFailed},
}

// IsTerminal reports whether a status ends the ladder.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

var statusRank = map[string]int{
	StatusPending:       0,
	StatusProcessing:    1,
	StatusSourceFetched: 2,
	StatusCKGBuilding:   3,
	StatusAnalyzing:     4,
	StatusCompleted:     5,
	StatusFailed:        5,
}

// Rank orders statuses along the ladder. A redelivered job compares ranks to
// skip transitions its previous run already persisted.
func Rank(status string) int { return statusRank[status] }

// AnalysisRequest is one persisted job record. ID is the queue job ID, so a
// redelivered job finds its own record.
type AnalysisRequest struct {
	ID             string
	Kind           string
	ProjectID      string
	RepoURL        string
	Branch         string
	OutputLanguage string
	Status         string
	ProjectGraphID string
	ErrorMessage   string
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// Finding is one persisted analysis observation. RawLLMContent is set only
// on the fallback row that carries an unparseable model reply.
type Finding struct {
	ID            int64
	RequestID     string
	FilePath      string
	LineStart     int
	LineEnd       int
	Severity      string
	Category      string
	Message       string
	Suggestion    string
	FindingType   string
	CodeSnippet   string
	RawLLMContent string
}

// Store wraps the SQLite database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for an ephemeral store.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// The driver serializes access; a single connection avoids table locks
	// from concurrent writers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS analysis_requests (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		project_id TEXT NOT NULL,
		repo_url TEXT NOT NULL,
		branch TEXT NOT NULL DEFAULT '',
		output_language TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		project_graph_id TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_requests_project ON analysis_requests(project_id);
	CREATE INDEX IF NOT EXISTS idx_requests_graph ON analysis_requests(project_graph_id);

	CREATE TABLE IF NOT EXISTS findings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id TEXT NOT NULL REFERENCES analysis_requests(id),
		file_path TEXT NOT NULL,
		line_start INTEGER NOT NULL DEFAULT 0,
		line_end INTEGER NOT NULL DEFAULT 0,
		severity TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		suggestion TEXT NOT NULL DEFAULT '',
		finding_type TEXT NOT NULL DEFAULT '',
		code_snippet TEXT NOT NULL DEFAULT '',
		raw_llm_content TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_findings_request ON findings(request_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// CreateRequest inserts a pending record. Inserting an existing ID is a
// no-op so redelivered jobs do not duplicate their record.
func (s *Store) CreateRequest(ctx context.Context, req AnalysisRequest) error {
	if req.ID == "" {
		return errors.New("store: request id is required")
	}
	created := req.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO analysis_requests
			(id, kind, project_id, repo_url, branch, output_language, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		req.ID, req.Kind, req.ProjectID, req.RepoURL, req.Branch,
		req.OutputLanguage, StatusPending, created)
	if err != nil {
		return fmt.Errorf("create request %s: %w", req.ID, err)
	}
	return nil
}

// GetRequest loads one record.
func (s *Store) GetRequest(ctx context.Context, id string) (*AnalysisRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, project_id, repo_url, branch, output_language,
		       status, project_graph_id, error_message,
		       created_at, started_at, completed_at
		FROM analysis_requests WHERE id = ?`, id)

	var req AnalysisRequest
	var started, completed sql.NullTime
	err := row.Scan(&req.ID, &req.Kind, &req.ProjectID, &req.RepoURL,
		&req.Branch, &req.OutputLanguage, &req.Status, &req.ProjectGraphID,
		&req.ErrorMessage, &req.CreatedAt, &started, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load request %s: %w", id, err)
	}
	if started.Valid {
		req.StartedAt = &started.Time
	}
	if completed.Valid {
		req.CompletedAt = &completed.Time
	}
	return &req, nil
}

// Transition advances a request along the status ladder. Writes to a
// terminal record return ErrTerminal; skipping rungs returns
// ErrBadTransition. Entering processing stamps started_at; entering a
// terminal status stamps completed_at.
func (s *Store) Transition(ctx context.Context, id, next string) error {
	return s.transition(ctx, id, next, "")
}

// MarkFailed fails a request with an explanation.
func (s *Store) MarkFailed(ctx context.Context, id, reason string) error {
	return s.transition(ctx, id, StatusFailed, reason)
}

func (s *Store) transition(ctx context.Context, id, next, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM analysis_requests WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load status of %s: %w", id, err)
	}
	if IsTerminal(current) {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, id, current)
	}
	if !transitionAllowed(current, next) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, current, next)
	}

	now := time.Now().UTC()
	query := `UPDATE analysis_requests SET status = ?, error_message = ?`
	args := []any{next, errMsg}
	if next == StatusProcessing {
		query += `, started_at = ?`
		args = append(args, now)
	}
	if IsTerminal(next) {
		query += `, completed_at = ?`
		args = append(args, now)
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("transition %s to %s: %w", id, next, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	s.logger.Info("store.request.transition", "request_id", id, "from", current, "to", next)
	return nil
}

func transitionAllowed(current, next string) bool {
	for _, allowed := range allowedNext[current] {
		if next == allowed {
			return true
		}
	}
	return false
}

// SetProjectGraphID records which graph snapshot the request was analyzed
// against.
func (s *Store) SetProjectGraphID(ctx context.Context, id, graphID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE analysis_requests SET project_graph_id = ?
		WHERE id = ? AND status NOT IN (?, ?)`,
		graphID, id, StatusCompleted, StatusFailed)
	if err != nil {
		return fmt.Errorf("set graph id on %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, getErr := s.GetRequest(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: %s", ErrTerminal, id)
	}
	return nil
}

// InsertFindings appends findings to a non-terminal request in one
// transaction. Each row must satisfy the raw-content rule: raw_llm_content
// is set exactly on the fallback row (file_path = "Raw LLM Analysis",
// severity = Info) and on no other.
func (s *Store) InsertFindings(ctx context.Context, requestID string, findings []Finding) error {
	for i, f := range findings {
		fallback := f.FilePath == RawAnalysisPath && f.Severity == "Info"
		if fallback != (f.RawLLMContent != "") {
			return fmt.Errorf("store: finding %d violates raw content rule (path=%q severity=%q)",
				i, f.FilePath, f.Severity)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert findings: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM analysis_requests WHERE id = ?`, requestID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load status of %s: %w", requestID, err)
	}
	if IsTerminal(status) {
		return fmt.Errorf("%w: %s", ErrTerminal, requestID)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO findings
			(request_id, file_path, line_start, line_end, severity,
			 category, message, suggestion, finding_type, code_snippet,
			 raw_llm_content)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, f := range findings {
		var raw any
		if f.RawLLMContent != "" {
			raw = f.RawLLMContent
		}
		if _, err := stmt.ExecContext(ctx, requestID, f.FilePath, f.LineStart,
			f.LineEnd, f.Severity, f.Category, f.Message, f.Suggestion,
			f.FindingType, f.CodeSnippet, raw); err != nil {
			return fmt.Errorf("insert finding: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit findings: %w", err)
	}
	return nil
}

// FindingsForRequest lists a request's findings in insertion order.
func (s *Store) FindingsForRequest(ctx context.Context, requestID string) ([]Finding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, file_path, line_start, line_end, severity,
		       category, message, suggestion, finding_type, code_snippet,
		       raw_llm_content
		FROM findings WHERE request_id = ? ORDER BY id`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list findings of %s: %w", requestID, err)
	}
	defer rows.Close()

	var out []Finding
	for rows.Next() {
		var f Finding
		var raw sql.NullString
		if err := rows.Scan(&f.ID, &f.RequestID, &f.FilePath, &f.LineStart,
			&f.LineEnd, &f.Severity, &f.Category, &f.Message, &f.Suggestion,
			&f.FindingType, &f.CodeSnippet, &raw); err != nil {
			return nil, fmt.Errorf("scan finding: %w", err)
		}
		f.RawLLMContent = raw.String
		out = append(out, f)
	}
	return out, rows.Err()
}

// RequestsForProject lists a project's requests, newest first.
func (s *Store) RequestsForProject(ctx context.Context, projectID string, limit int) ([]AnalysisRequest, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, project_id, repo_url, branch, output_language,
		       status, project_graph_id, error_message,
		       created_at, started_at, completed_at
		FROM analysis_requests
		WHERE project_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list requests of %s: %w", projectID, err)
	}
	defer rows.Close()

	var out []AnalysisRequest
	for rows.Next() {
		var req AnalysisRequest
		var started, completed sql.NullTime
		if err := rows.Scan(&req.ID, &req.Kind, &req.ProjectID, &req.RepoURL,
			&req.Branch, &req.OutputLanguage, &req.Status, &req.ProjectGraphID,
			&req.ErrorMessage, &req.CreatedAt, &started, &completed); err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		if started.Valid {
			req.StartedAt = &started.Time
		}
		if completed.Valid {
			req.CompletedAt = &completed.Time
		}
		out = append(out, req)
	}
	return out, rows.Err()
}
