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

package llm

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Severity levels a finding may carry.
const (
	SeverityError   = "Error"
	SeverityWarning = "Warning"
	SeverityNote    = "Note"
	SeverityInfo    = "Info"
)

// Known finding categories; anything else coerces to Code Quality.
var knownCategories = []string{"Security", "Performance", "Code Quality", "Architecture", "Lifecycle"}

// Finding is one structured analysis observation.
type Finding struct {
	FilePath    string `json:"file_path"`
	LineStart   int    `json:"line_start"`
	LineEnd     int    `json:"line_end"`
	Severity    string `json:"severity"`
	Category    string `json:"category"`
	Message     string `json:"message"`
	Suggestion  string `json:"suggestion"`
	FindingType string `json:"finding_type"`
}

// Report is the expected reply shape.
type Report struct {
	ProjectSummary string    `json:"project_summary"`
	Findings       []Finding `json:"findings"`
}

// rawReport tolerates the shapes models actually produce: project_summary
// may be an object, findings fields may be missing.
type rawReport struct {
	ProjectSummary json.RawMessage `json:"project_summary"`
	Findings       []Finding       `json:"findings"`
}

// ParseReport extracts and coerces a Report from a model reply. Parsing is
// strict about JSON syntax but permissive about field values: severities and
// categories outside the known sets coerce to defaults, with one warning per
// coercion. The result is a pure function of raw.
func ParseReport(raw string) (*Report, []string, error) {
	doc, err := extractJSON(raw)
	if err != nil {
		return nil, nil, err
	}

	var rr rawReport
	if err := json.Unmarshal([]byte(doc), &rr); err != nil {
		return nil, nil, fmt.Errorf("decode report: %w", err)
	}

	report := &Report{Findings: rr.Findings}
	var warnings []string

	summary, warn := coerceSummary(rr.ProjectSummary)
	report.ProjectSummary = summary
	if warn != "" {
		warnings = append(warnings, warn)
	}

	for i := range report.Findings {
		f := &report.Findings[i]
		if coerced, warn := coerceSeverity(f.Severity); warn != "" {
			warnings = append(warnings, fmt.Sprintf("finding %d: %s", i, warn))
			f.Severity = coerced
		} else {
			f.Severity = coerced
		}
		if coerced, warn := coerceCategory(f.Category); warn != "" {
			warnings = append(warnings, fmt.Sprintf("finding %d: %s", i, warn))
			f.Category = coerced
		} else {
			f.Category = coerced
		}
		if f.LineEnd < f.LineStart {
			f.LineEnd = f.LineStart
		}
	}
	return report, warnings, nil
}

// extractJSON locates the JSON document in a reply: the whole string, a
// fenced code block, or the outermost brace pair.
func extractJSON(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("empty reply")
	}
	if json.Valid([]byte(trimmed)) && strings.HasPrefix(trimmed, "{") {
		return trimmed, nil
	}

	if start := strings.Index(trimmed, "```"); start >= 0 {
		rest := trimmed[start+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			candidate := strings.TrimSpace(rest[:end])
			if json.Valid([]byte(candidate)) && strings.HasPrefix(candidate, "{") {
				return candidate, nil
			}
		}
	}

	first := strings.IndexByte(trimmed, '{')
	last := strings.LastIndexByte(trimmed, '}')
	if first >= 0 && last > first {
		candidate := trimmed[first : last+1]
		if json.Valid([]byte(candidate)) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no JSON object found in reply")
}

func coerceSeverity(s string) (string, string) {
	for _, known := range []string{SeverityError, SeverityWarning, SeverityNote, SeverityInfo} {
		if strings.EqualFold(s, known) {
			return known, ""
		}
	}
	if s == "" {
		return SeverityNote, "missing severity, defaulted to Note"
	}
	return SeverityNote, fmt.Sprintf("unknown severity %q, defaulted to Note", s)
}

func coerceCategory(s string) (string, string) {
	for _, known := range knownCategories {
		if strings.EqualFold(s, known) {
			return known, ""
		}
	}
	if s == "" {
		return "Code Quality", "missing category, defaulted to Code Quality"
	}
	return "Code Quality", fmt.Sprintf("unknown category %q, defaulted to Code Quality", s)
}

// coerceSummary accepts a string summary directly; an object summary is
// flattened into "key: value" lines in key order so the output is stable.
func coerceSummary(raw json.RawMessage) (string, string) {
	if len(raw) == 0 {
		return "", ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, ""
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var parts []string
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s: %v", k, obj[k]))
		}
		return strings.Join(parts, "; "), "project_summary was an object, flattened to string"
	}
	return string(raw), "project_summary had unexpected type"
}
