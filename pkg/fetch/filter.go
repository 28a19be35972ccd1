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

package fetch

import (
	"io/fs"
	"path/filepath"
	"strings"
)

// FileFilter decides which tree entries enter the pipeline. The default sets
// skip dependency trees, build output, VCS metadata, and binary-ish files.
type FileFilter struct {
	IgnoredDirs       map[string]struct{}
	IgnoredExtensions map[string]struct{}
	IgnoredSuffixes   []string
	MaxFileSize       int64 // 0 = unlimited
}

// DefaultFilter returns the standard filter with the given size ceiling.
func DefaultFilter(maxFileSize int64) *FileFilter {
	return &FileFilter{
		IgnoredDirs: setOf(
			".git", ".hg", ".svn",
			"node_modules", "vendor", "bower_components",
			"venv", ".venv", "env", "__pycache__", ".tox", ".mypy_cache",
			"dist", "build", "out", "target", "bin", "obj",
			".idea", ".vscode", ".next", ".nuxt",
			".cache", "coverage", "tmp", ".tmp", ".ckg",
		),
		IgnoredExtensions: setOf(
			".pyc", ".pyo", ".so", ".o", ".a", ".dylib", ".dll", ".exe",
			".zip", ".tar", ".gz", ".bz2", ".xz", ".7z",
			".png", ".jpg", ".jpeg", ".gif", ".ico", ".svg", ".webp",
			".pdf", ".woff", ".woff2", ".ttf", ".eot",
			".lock", ".sum", ".db", ".sqlite",
		),
		IgnoredSuffixes: []string{".min.js", ".min.css", "-lock.json"},
		MaxFileSize:     maxFileSize,
	}
}

func setOf(items ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(items))
	for _, item := range items {
		m[item] = struct{}{}
	}
	return m
}

// SkipDir reports whether a directory (by base name) is excluded.
func (f *FileFilter) SkipDir(name string) bool {
	_, ok := f.IgnoredDirs[name]
	return ok
}

// SkipFile reports whether a file is excluded by extension, suffix, or size.
func (f *FileFilter) SkipFile(path string, size int64) bool {
	lower := strings.ToLower(path)
	if _, ok := f.IgnoredExtensions[filepath.Ext(lower)]; ok {
		return true
	}
	for _, suffix := range f.IgnoredSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	if f.MaxFileSize > 0 && size > f.MaxFileSize {
		return true
	}
	return false
}

// Walk visits every eligible file under root, yielding slash-normalized
// paths relative to root. The size ceiling is NOT applied here: oversize
// files must still surface as File records with an oversize note, so the
// walk reports them and parsing applies the ceiling.
func (f *FileFilter) Walk(root string, visit func(relPath string, size int64) error) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && f.SkipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		lower := strings.ToLower(rel)
		if _, ok := f.IgnoredExtensions[filepath.Ext(lower)]; ok {
			return nil
		}
		for _, suffix := range f.IgnoredSuffixes {
			if strings.HasSuffix(lower, suffix) {
				return nil
			}
		}
		return visit(rel, info.Size())
	})
}
