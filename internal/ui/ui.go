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

// Package ui holds the terminal output helpers shared by the CLI commands:
// color handles, section headers, and small text formatters. Color is
// disabled automatically when stdout is not a terminal.
package ui

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// Shared color handles. Disabled handles print plain text, so call sites
// never need to branch on color support.
var (
	Green  = color.New(color.FgGreen)
	Yellow = color.New(color.FgYellow)
	Red    = color.New(color.FgRed)
	Cyan   = color.New(color.FgCyan)
	Bold   = color.New(color.Bold)
	Dim    = color.New(color.Faint)
)

// InitColors decides whether output gets color: disabled explicitly, by the
// NO_COLOR convention, or when stdout is not a terminal.
func InitColors(noColor bool) {
	if noColor || os.Getenv("NO_COLOR") != "" ||
		(!isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd())) {
		color.NoColor = true
	}
}

// Header prints a bold section header with an underline.
func Header(text string) {
	fmt.Println()
	_, _ = Bold.Println(text)
	_, _ = Bold.Println(strings.Repeat("=", len(text)))
}

// SubHeader prints a secondary section header.
func SubHeader(text string) {
	fmt.Println()
	_, _ = Bold.Println(text)
}

// Label formats a field label.
func Label(text string) string {
	return Bold.Sprint(text)
}

// CountText formats a count for summary lines.
func CountText(n int) string {
	return Cyan.Sprintf("%d", n)
}

// DimText de-emphasizes supplementary detail.
func DimText(text string) string {
	return Dim.Sprint(text)
}

// StatusText colors a request status by its outcome.
func StatusText(status string) string {
	switch status {
	case "completed":
		return Green.Sprint(status)
	case "failed":
		return Red.Sprint(status)
	default:
		return Yellow.Sprint(status)
	}
}

// SeverityText colors a finding severity.
func SeverityText(severity string) string {
	switch severity {
	case "Error":
		return Red.Sprint(severity)
	case "Warning":
		return Yellow.Sprint(severity)
	default:
		return Dim.Sprint(severity)
	}
}
