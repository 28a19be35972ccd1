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

// Package parser turns source files into uniform ParsedFile records using
// Tree-sitter concrete syntax trees.
//
// The registry is open: any Parser implementation can be registered for its
// extensions. Python and JavaScript/TypeScript parsers ship built in. Syntax
// errors are recoverable: a parser returns the partial entity set plus error
// notes, and a file with zero recognizable entities still yields a record.
package parser

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
)

// DefaultMaxFileSize is the input ceiling; larger files are skipped with an
// "oversize" note instead of being parsed.
const DefaultMaxFileSize int64 = 1 << 20

// OversizeNote is the error annotation recorded on oversize files.
const OversizeNote = "oversize"

// Class is a class (or class-like) declaration.
type Class struct {
	Name       string
	StartLine  int
	EndLine    int
	Bases      []string // superclass names, unresolved
	Decorators []string
}

// Function is a function or method declaration.
type Function struct {
	Name          string
	Signature     string
	ParametersStr string
	ClassName     string // non-empty for methods
	IsMethod      bool
	StartLine     int
	EndLine       int
	Decorators    []string
}

// Variable is a declared variable with its lexical scope classification.
type Variable struct {
	Name      string
	Line      int
	ScopeType string // parameter, local_variable, global_variable, class_attribute
	ScopeName string // enclosing function/class name, "" at module level
}

// Ref kinds emitted by parsers. Targets are unresolved names; the builder
// resolves them against the project symbol index.
const (
	RefCall     = "call"
	RefInherits = "inherits"
	RefCreates  = "creates_object"
	RefRaises   = "raises"
	RefHandles  = "handles"
	RefUses     = "uses"
	RefModifies = "modifies"
)

// SymbolRef is a raw edge contribution with an unresolved target.
type SymbolRef struct {
	Kind         string // one of the Ref* constants
	FromFunction string // enclosing function name, "" at module level
	FromClass    string // enclosing class name, "" outside classes
	Target       string // unresolved symbol name
	Hint         string // target kind hint: "function", "class", "exception"
	Line         int
}

// ParsedFile is the node and edge contribution of a single source file.
type ParsedFile struct {
	Path        string
	Language    string
	Size        int64
	ContentHash string

	Classes   []Class
	Functions []Function
	Variables []Variable
	Refs      []SymbolRef

	// Imports are the module names (Python dotted paths, JS/TS import
	// specifiers) the file pulls in, deduplicated in source order.
	Imports []string

	Errors []string
}

// HasSymbols reports whether any entity was extracted.
func (f *ParsedFile) HasSymbols() bool {
	return len(f.Classes) > 0 || len(f.Functions) > 0 || len(f.Variables) > 0
}

// Parser is the per-language contract.
type Parser interface {
	// Parse extracts entities and raw edges from source bytes. Syntax errors
	// are recoverable: partial results plus Errors entries, nil error.
	Parse(path string, src []byte) (*ParsedFile, error)

	// Extensions lists the file extensions this parser claims, with dots
	// (".py", ".ts").
	Extensions() []string

	// Language is the identifier recorded on File nodes.
	Language() string
}

// Registry maps file extensions to parsers.
type Registry struct {
	byExt       map[string]Parser
	maxFileSize int64
}

// NewRegistry creates an empty registry with the default size ceiling.
func NewRegistry() *Registry {
	return &Registry{
		byExt:       make(map[string]Parser),
		maxFileSize: DefaultMaxFileSize,
	}
}

// NewDefaultRegistry returns a registry with the built-in Python and
// JavaScript/TypeScript parsers registered.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewPython())
	r.Register(NewJavaScript())
	return r
}

// SetMaxFileSize overrides the oversize ceiling (bytes). Zero disables it.
func (r *Registry) SetMaxFileSize(n int64) {
	r.maxFileSize = n
}

// Register claims the parser's extensions. Later registrations win, which
// lets callers swap a built-in parser for a custom one.
func (r *Registry) Register(p Parser) {
	for _, ext := range p.Extensions() {
		r.byExt[strings.ToLower(ext)] = p
	}
}

// ForPath returns the parser claiming the path's extension.
func (r *Registry) ForPath(path string) (Parser, bool) {
	p, ok := r.byExt[strings.ToLower(filepath.Ext(path))]
	return p, ok
}

// Supported reports whether any registered parser claims the path.
func (r *Registry) Supported(path string) bool {
	_, ok := r.ForPath(path)
	return ok
}

// ParseFile applies the size ceiling and dispatches to the language parser.
// Oversize input yields a record with the oversize note and zero symbols.
func (r *Registry) ParseFile(path string, src []byte) (*ParsedFile, error) {
	p, ok := r.ForPath(path)
	if !ok {
		return nil, fmt.Errorf("parser: no parser for %s", path)
	}
	if r.maxFileSize > 0 && int64(len(src)) > r.maxFileSize {
		return &ParsedFile{
			Path:        path,
			Language:    p.Language(),
			Size:        int64(len(src)),
			ContentHash: ContentHash(src),
			Errors:      []string{OversizeNote},
		}, nil
	}
	return p.Parse(path, src)
}

// ContentHash is the canonical content hash recorded on File nodes: a file's
// hash changes iff its bytes change.
func ContentHash(src []byte) string {
	sum := sha256.Sum256(src)
	return hex.EncodeToString(sum[:])
}
