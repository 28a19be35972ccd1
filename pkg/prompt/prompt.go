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

// Package prompt holds the analysis prompt templates and the context builder
// that assembles their variable sets from the graph and the working tree.
package prompt

import (
	"embed"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/prompts"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// Template identifies one of the shipped prompt templates.
type Template string

const (
	TemplateFullScan    Template = "full_scan"
	TemplatePRScan      Template = "pr_scan"
	TemplateSecurity    Template = "security"
	TemplatePerformance Template = "performance"
	TemplateLifecycle   Template = "lifecycle"
	TemplateCodeReview  Template = "code_review"
)

// Templates lists every shipped template.
func Templates() []Template {
	return []Template{
		TemplateFullScan, TemplatePRScan, TemplateSecurity,
		TemplatePerformance, TemplateLifecycle, TemplateCodeReview,
	}
}

// ForKind maps a job kind and analysis type onto a template. PR scans always
// use the PR template; full scans pick a specialty when one is requested.
func ForKind(jobKind, analysisType string) Template {
	if jobKind == "pr_scan" {
		return TemplatePRScan
	}
	switch analysisType {
	case "security":
		return TemplateSecurity
	case "performance":
		return TemplatePerformance
	case "lifecycle":
		return TemplateLifecycle
	case "code_review":
		return TemplateCodeReview
	default:
		return TemplateFullScan
	}
}

// Render substitutes the variables into the template. Missing variables are
// an error: the context builder is responsible for producing the full set.
func Render(tmpl Template, vars map[string]any) (string, error) {
	raw, err := templateFS.ReadFile("templates/" + string(tmpl) + ".tmpl")
	if err != nil {
		return "", fmt.Errorf("prompt: unknown template %q", tmpl)
	}
	text := string(raw)

	pt := prompts.PromptTemplate{
		Template:       text,
		InputVariables: placeholderNames(text),
		TemplateFormat: prompts.TemplateFormatFString,
	}
	out, err := pt.Format(vars)
	if err != nil {
		return "", fmt.Errorf("prompt: render %s: %w", tmpl, err)
	}
	return out, nil
}

// placeholderNames extracts the {variable} names a template references.
func placeholderNames(text string) []string {
	seen := make(map[string]struct{})
	var names []string
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		end := strings.IndexByte(text[i:], '}')
		if end < 0 {
			break
		}
		name := text[i+1 : i+end]
		i += end
		if name == "" || strings.ContainsAny(name, " \n\t{") {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}

// FormatInstructions is the reply schema appended to every prompt. The LLM
// client parses replies against the same shape.
const FormatInstructions = `Reply with a single JSON object and nothing else:
{
  "project_summary": "<one-paragraph summary of the analysis>",
  "findings": [
    {
      "file_path": "<path relative to the repository root>",
      "line_start": <int>,
      "line_end": <int>,
      "severity": "Error" | "Warning" | "Note" | "Info",
      "category": "Security" | "Performance" | "Code Quality" | "Architecture" | "Lifecycle",
      "message": "<what is wrong>",
      "suggestion": "<how to fix it>",
      "finding_type": "<short machine tag, e.g. god_class, sql_injection>"
    }
  ]
}
An empty findings array is valid when nothing is worth reporting.`
