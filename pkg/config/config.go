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

// Package config loads process configuration from the environment and
// per-project settings from an optional .ckg/project.yaml. Process-wide
// values (graph credentials, default LLM keys) are immutable after Load;
// per-project overrides are passed explicitly and never mutate them.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the process-wide configuration.
type Config struct {
	// Graph store (bolt endpoint).
	Neo4jURI      string
	Neo4jUsername string
	Neo4jPassword string
	Neo4jDatabase string
	LeaseTTL      time.Duration // stale build leases older than this are stolen

	// Queue broker.
	NATSURL string

	// Record store.
	SQLitePath string

	// Build behavior.
	BatchSize           int     // files per graph batch
	BatchEntityCeiling  int     // entities per graph batch
	MaxFileSize         int64   // bytes; larger files are skipped as oversize
	ParseConcurrency    int     // parallel file parsers within a job
	PlaceholderFraction float64 // max placeholder classes / total classes

	// Worker behavior.
	MaxWorkers            int
	MaxConcurrentAnalyses int
	AnalysisTimeout       time.Duration

	// LLM defaults. Per-project overrides arrive on the job envelope.
	LLMDefaultTemperature float64
	OllamaBaseURL         string
	OllamaModel           string
	OpenAIAPIKey          string
	OpenAIModel           string
	GoogleAPIKey          string
	GoogleModel           string
}

// Load reads configuration from the environment, filling defaults for
// anything unset.
func Load() Config {
	return Config{
		Neo4jURI:      envStr("NEO4J_URI", "bolt://localhost:7687"),
		Neo4jUsername: envStr("NEO4J_USERNAME", "neo4j"),
		Neo4jPassword: os.Getenv("NEO4J_PASSWORD"),
		Neo4jDatabase: envStr("NEO4J_DATABASE", "neo4j"),
		LeaseTTL:      time.Duration(envInt("CKG_LEASE_TTL", 1800)) * time.Second,

		NATSURL: envStr("NATS_URL", "nats://localhost:4222"),

		SQLitePath: envStr("CKG_SQLITE_PATH", "ckg.db"),

		BatchSize:           envInt("CKG_BATCH_SIZE", 50),
		BatchEntityCeiling:  envInt("CKG_BATCH_ENTITY_CEILING", 10000),
		MaxFileSize:         int64(envInt("CKG_MAX_FILE_SIZE", 1048576)),
		ParseConcurrency:    envInt("CKG_PARSE_CONCURRENCY", 2*runtime.NumCPU()),
		PlaceholderFraction: envFloat("CKG_PLACEHOLDER_FRACTION", 0.5),

		MaxWorkers:            envInt("MAX_ANALYSIS_WORKERS", 4),
		MaxConcurrentAnalyses: envInt("MAX_CONCURRENT_ANALYSES", 4),
		AnalysisTimeout:       time.Duration(envInt("ANALYSIS_TIMEOUT", 300)) * time.Second,

		LLMDefaultTemperature: envFloat("LLM_DEFAULT_TEMPERATURE", 0.1),
		OllamaBaseURL:         envStr("OLLAMA_BASE_URL", "http://localhost:11434"),
		OllamaModel:           envStr("OLLAMA_MODEL", "qwen2.5-coder:7b"),
		OpenAIAPIKey:          os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:           envStr("OPENAI_MODEL", "gpt-4o-mini"),
		GoogleAPIKey:          os.Getenv("GOOGLE_API_KEY"),
		GoogleModel:           envStr("GOOGLE_MODEL", "gemini-1.5-flash"),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// ProjectFile is the per-project settings file, .ckg/project.yaml in the
// repository root.
type ProjectFile struct {
	ProjectID    string   `yaml:"project_id"`
	Name         string   `yaml:"name"`
	Language     string   `yaml:"language"`
	MainBranch   string   `yaml:"main_branch"`
	Notes        string   `yaml:"notes"`
	ExcludeGlobs []string `yaml:"exclude_globs"`

	LLM struct {
		Provider    string  `yaml:"provider"`
		Model       string  `yaml:"model"`
		Temperature float64 `yaml:"temperature"`
	} `yaml:"llm"`
}

// ProjectFileName is the location of per-project settings, relative to the
// repository root.
const ProjectFileName = ".ckg/project.yaml"

// LoadProjectFile reads .ckg/project.yaml from the repository root. A missing
// file is not an error; the zero value is returned.
func LoadProjectFile(repoRoot string) (*ProjectFile, error) {
	path := filepath.Join(repoRoot, ProjectFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ProjectFile{}, nil
		}
		return nil, fmt.Errorf("read project file: %w", err)
	}
	var pf ProjectFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse project file: %w", err)
	}
	return &pf, nil
}

// SaveProjectFile writes the per-project settings file, creating .ckg/.
func SaveProjectFile(repoRoot string, pf *ProjectFile) error {
	data, err := yaml.Marshal(pf)
	if err != nil {
		return fmt.Errorf("marshal project file: %w", err)
	}
	path := filepath.Join(repoRoot, ProjectFileName)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create project dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write project file: %w", err)
	}
	return nil
}
