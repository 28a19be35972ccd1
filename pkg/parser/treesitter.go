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

package parser

import (
	"context"
	"fmt"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
)

// pool wraps a sync.Pool of Tree-sitter parsers for one grammar. Parser
// instances are not thread-safe, so each Parse checks one out.
type pool struct {
	inner sync.Pool
}

func newPool(lang *sitter.Language) *pool {
	return &pool{inner: sync.Pool{New: func() any {
		p := sitter.NewParser()
		p.SetLanguage(lang)
		return p
	}}}
}

func (p *pool) get() *sitter.Parser {
	return p.inner.Get().(*sitter.Parser)
}

func (p *pool) put(parser *sitter.Parser) {
	p.inner.Put(parser)
}

// parseTree parses src and returns the tree. Callers must Close it.
func (p *pool) parseTree(src []byte) (*sitter.Tree, error) {
	parser := p.get()
	defer p.put(parser)
	tree, err := parser.ParseCtx(context.Background(), nil, src)
	if err != nil {
		return nil, fmt.Errorf("tree-sitter parse: %w", err)
	}
	return tree, nil
}

// nodeText slices the source covered by a node.
func nodeText(n *sitter.Node, src []byte) string {
	if n == nil {
		return ""
	}
	return string(src[n.StartByte():n.EndByte()])
}

// fieldText is nodeText of a named child field.
func fieldText(n *sitter.Node, field string, src []byte) string {
	if n == nil {
		return ""
	}
	return nodeText(n.ChildByFieldName(field), src)
}

func startLine(n *sitter.Node) int {
	return int(n.StartPoint().Row) + 1
}

func endLine(n *sitter.Node) int {
	return int(n.EndPoint().Row) + 1
}

// collectSyntaxErrors walks the tree and records one note per ERROR or
// MISSING region. The partial tree around the errors is still extracted.
func collectSyntaxErrors(root *sitter.Node, limit int) []string {
	if root == nil || !root.HasError() {
		return nil
	}
	var errs []string
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if n == nil || len(errs) >= limit {
			return
		}
		if n.IsError() || n.IsMissing() {
			errs = append(errs, fmt.Sprintf("syntax error at line %d", startLine(n)))
			return
		}
		if !n.HasError() {
			return
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			walk(n.Child(i))
		}
	}
	walk(root)
	if root.HasError() && len(errs) == 0 {
		errs = append(errs, "syntax error")
	}
	return errs
}

// identifier is a bare identifier occurrence.
type identifier struct {
	name string
	line int
}

// identifiersIn collects every bare identifier under n, in document order.
// Attribute/member accesses contribute only their object identifier.
func identifiersIn(n *sitter.Node, src []byte) []identifier {
	var out []identifier
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if n == nil {
			return
		}
		switch n.Type() {
		case "identifier":
			out = append(out, identifier{nodeText(n, src), startLine(n)})
			return
		case "attribute", "member_expression":
			walk(n.ChildByFieldName("object"))
			return
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			walk(n.Child(i))
		}
	}
	walk(n)
	return out
}

// scope is one frame of the lexical scope stack.
type scope struct {
	kind string // "module", "class", "function"
	name string
}

// scopeStack tracks the lexical nesting during extraction. Variables get
// their scope_type from the innermost frame at declaration site.
type scopeStack struct {
	frames []scope
}

func newScopeStack() *scopeStack {
	return &scopeStack{frames: []scope{{kind: "module"}}}
}

func (s *scopeStack) push(kind, name string) {
	s.frames = append(s.frames, scope{kind: kind, name: name})
}

func (s *scopeStack) pop() {
	if len(s.frames) > 1 {
		s.frames = s.frames[:len(s.frames)-1]
	}
}

// top is the innermost frame.
func (s *scopeStack) top() scope {
	return s.frames[len(s.frames)-1]
}

// enclosingFunction is the name of the innermost function frame, "" if none.
func (s *scopeStack) enclosingFunction() string {
	for i := len(s.frames) - 1; i >= 0; i-- {
		if s.frames[i].kind == "function" {
			return s.frames[i].name
		}
	}
	return ""
}

// enclosingClass is the name of the innermost class frame, "" if none.
func (s *scopeStack) enclosingClass() string {
	for i := len(s.frames) - 1; i >= 0; i-- {
		if s.frames[i].kind == "class" {
			return s.frames[i].name
		}
	}
	return ""
}

// variableScopeType classifies a declaration by the innermost frame.
func (s *scopeStack) variableScopeType() string {
	switch s.top().kind {
	case "function":
		return "local_variable"
	case "class":
		return "class_attribute"
	default:
		return "global_variable"
	}
}

// catalogue is a language's extraction patterns keyed by grammar node type.
// A handler returns true to let the generic loop descend into the node's
// children, or false when it handled descent itself (scoped constructs push
// a frame, recurse through the walk continuation, then pop).
type catalogue map[string]func(n *sitter.Node, walk func(*sitter.Node)) bool

// newWalk builds the generic extraction loop over a catalogue. Language
// detail lives entirely in the handlers, which close over the output record
// and the scope stack.
func newWalk(c catalogue) func(*sitter.Node) {
	var walk func(*sitter.Node)
	walk = func(n *sitter.Node) {
		if n == nil {
			return
		}
		if handle, ok := c[n.Type()]; ok {
			if !handle(n, walk) {
				return
			}
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			walk(n.Child(i))
		}
	}
	return walk
}
