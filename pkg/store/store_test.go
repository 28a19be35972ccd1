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

package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "ckg.db"),
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newRequest(id string) AnalysisRequest {
	return AnalysisRequest{
		ID:        id,
		Kind:      "full_scan",
		ProjectID: "proj-1",
		RepoURL:   "https://example.com/repo.git",
		Branch:    "main",
	}
}

func advanceTo(t *testing.T, s *Store, id, target string) {
	t.Helper()
	ladder := []string{StatusProcessing, StatusSourceFetched, StatusCKGBuilding, StatusAnalyzing, StatusCompleted}
	ctx := context.Background()
	for _, status := range ladder {
		require.NoError(t, s.Transition(ctx, id, status))
		if status == target {
			return
		}
	}
	t.Fatalf("unknown target status %s", target)
}

func TestCreateRequestIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRequest(ctx, newRequest("job-1")))
	require.NoError(t, s.CreateRequest(ctx, newRequest("job-1")))

	req, err := s.GetRequest(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, req.Status)
	assert.Nil(t, req.StartedAt)
}

func TestGetRequestUnknown(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetRequest(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStatusLadder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateRequest(ctx, newRequest("job-1")))

	advanceTo(t, s, "job-1", StatusCompleted)

	req, err := s.GetRequest(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, req.Status)
	require.NotNil(t, req.StartedAt)
	require.NotNil(t, req.CompletedAt)
	assert.False(t, req.CompletedAt.Before(*req.StartedAt))
}

func TestTransitionRejectsSkippedRungs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateRequest(ctx, newRequest("job-1")))

	err := s.Transition(ctx, "job-1", StatusAnalyzing)
	assert.ErrorIs(t, err, ErrBadTransition)
}

func TestTerminalRequestIsFrozen(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateRequest(ctx, newRequest("job-1")))
	advanceTo(t, s, "job-1", StatusCompleted)

	assert.ErrorIs(t, s.Transition(ctx, "job-1", StatusProcessing), ErrTerminal)
	assert.ErrorIs(t, s.MarkFailed(ctx, "job-1", "late failure"), ErrTerminal)
	assert.ErrorIs(t, s.SetProjectGraphID(ctx, "job-1", "g2"), ErrTerminal)
	assert.ErrorIs(t, s.InsertFindings(ctx, "job-1", []Finding{
		{FilePath: "a.py", Severity: "Note"},
	}), ErrTerminal)

	req, err := s.GetRequest(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, req.Status)
}

func TestMarkFailedFromAnyRung(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateRequest(ctx, newRequest("job-1")))
	require.NoError(t, s.Transition(ctx, "job-1", StatusProcessing))
	require.NoError(t, s.Transition(ctx, "job-1", StatusSourceFetched))

	require.NoError(t, s.MarkFailed(ctx, "job-1", "clone failed"))

	req, err := s.GetRequest(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, req.Status)
	assert.Equal(t, "clone failed", req.ErrorMessage)
	require.NotNil(t, req.CompletedAt)
}

func TestInsertAndListFindings(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateRequest(ctx, newRequest("job-1")))
	require.NoError(t, s.Transition(ctx, "job-1", StatusProcessing))

	findings := []Finding{
		{FilePath: "app/a.py", LineStart: 3, LineEnd: 7, Severity: "Warning",
			Category: "Security", Message: "m1", Suggestion: "s1", FindingType: "t1",
			CodeSnippet: "if token == expected:"},
		{FilePath: "app/b.py", LineStart: 1, LineEnd: 1, Severity: "Note",
			Category: "Code Quality", Message: "m2"},
	}
	require.NoError(t, s.InsertFindings(ctx, "job-1", findings))

	got, err := s.FindingsForRequest(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "app/a.py", got[0].FilePath)
	assert.Equal(t, "if token == expected:", got[0].CodeSnippet)
	assert.Empty(t, got[0].RawLLMContent)
	assert.Equal(t, "m2", got[1].Message)
	assert.Empty(t, got[1].CodeSnippet)
}

func TestFallbackFindingCarriesRawContent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateRequest(ctx, newRequest("job-1")))
	require.NoError(t, s.Transition(ctx, "job-1", StatusProcessing))

	require.NoError(t, s.InsertFindings(ctx, "job-1", []Finding{
		{FilePath: RawAnalysisPath, Severity: "Info", RawLLMContent: "full prose reply"},
	}))

	got, err := s.FindingsForRequest(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "full prose reply", got[0].RawLLMContent)
}

func TestRawContentRuleEnforcedBothWays(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateRequest(ctx, newRequest("job-1")))
	require.NoError(t, s.Transition(ctx, "job-1", StatusProcessing))

	// Raw content on a structured finding.
	err := s.InsertFindings(ctx, "job-1", []Finding{
		{FilePath: "app/a.py", Severity: "Warning", RawLLMContent: "leak"},
	})
	assert.Error(t, err)

	// Fallback row without its raw content.
	err = s.InsertFindings(ctx, "job-1", []Finding{
		{FilePath: RawAnalysisPath, Severity: "Info"},
	})
	assert.Error(t, err)

	got, err := s.FindingsForRequest(ctx, "job-1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSetProjectGraphID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateRequest(ctx, newRequest("job-1")))
	require.NoError(t, s.SetProjectGraphID(ctx, "job-1", "proj-1"))

	req, err := s.GetRequest(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "proj-1", req.ProjectGraphID)

	assert.ErrorIs(t, s.SetProjectGraphID(ctx, "nope", "g"), ErrNotFound)
}

func TestRequestsForProject(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"job-1", "job-2", "job-3"} {
		require.NoError(t, s.CreateRequest(ctx, newRequest(id)))
	}
	other := newRequest("job-other")
	other.ProjectID = "proj-2"
	require.NoError(t, s.CreateRequest(ctx, other))

	reqs, err := s.RequestsForProject(ctx, "proj-1", 0)
	require.NoError(t, err)
	require.Len(t, reqs, 3)
	for _, r := range reqs {
		assert.Equal(t, "proj-1", r.ProjectID)
	}

	limited, err := s.RequestsForProject(ctx, "proj-1", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}
