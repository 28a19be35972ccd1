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

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, int64(1048576), cfg.MaxFileSize)
	assert.InDelta(t, 0.1, cfg.LLMDefaultTemperature, 1e-9)
	assert.InDelta(t, 0.5, cfg.PlaceholderFraction, 1e-9)
	assert.Positive(t, cfg.ParseConcurrency)
	assert.Equal(t, "300s", cfg.AnalysisTimeout.String())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CKG_BATCH_SIZE", "7")
	t.Setenv("NEO4J_URI", "bolt://db:7687")
	t.Setenv("ANALYSIS_TIMEOUT", "60")
	t.Setenv("LLM_DEFAULT_TEMPERATURE", "0.7")

	cfg := Load()
	assert.Equal(t, 7, cfg.BatchSize)
	assert.Equal(t, "bolt://db:7687", cfg.Neo4jURI)
	assert.Equal(t, "60s", cfg.AnalysisTimeout.String())
	assert.InDelta(t, 0.7, cfg.LLMDefaultTemperature, 1e-9)
}

func TestLoadEnvInvalidFallsBack(t *testing.T) {
	t.Setenv("CKG_BATCH_SIZE", "not-a-number")
	cfg := Load()
	assert.Equal(t, 50, cfg.BatchSize)
}

func TestProjectFileRoundTrip(t *testing.T) {
	dir := t.TempDir()

	pf := &ProjectFile{
		ProjectID:  "proj-123",
		Name:       "demo",
		Language:   "python",
		MainBranch: "main",
		Notes:      "legacy module pending rewrite",
	}
	pf.LLM.Provider = "ollama"
	pf.LLM.Temperature = 0.2

	require.NoError(t, SaveProjectFile(dir, pf))

	loaded, err := LoadProjectFile(dir)
	require.NoError(t, err)
	assert.Equal(t, pf.ProjectID, loaded.ProjectID)
	assert.Equal(t, "ollama", loaded.LLM.Provider)
	assert.InDelta(t, 0.2, loaded.LLM.Temperature, 1e-9)
}

func TestProjectFileMissingIsZero(t *testing.T) {
	loaded, err := LoadProjectFile(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, loaded.ProjectID)
}
