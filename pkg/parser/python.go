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
	"fmt"
	"strings"
	"unicode"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// Python parses Python source with the tree-sitter-python grammar.
type Python struct {
	pool *pool
}

// NewPython creates the Python parser.
func NewPython() *Python {
	return &Python{pool: newPool(python.GetLanguage())}
}

// Extensions implements Parser.
func (p *Python) Extensions() []string { return []string{".py"} }

// Language implements Parser.
func (p *Python) Language() string { return "python" }

// Parse extracts classes, functions, methods, variables, and raw edges.
func (p *Python) Parse(path string, src []byte) (*ParsedFile, error) {
	tree, err := p.pool.parseTree(src)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	root := tree.RootNode()
	out := &ParsedFile{
		Path:        path,
		Language:    p.Language(),
		Size:        int64(len(src)),
		ContentHash: ContentHash(src),
		Errors:      collectSyntaxErrors(root, 10),
	}

	scopes := newScopeStack()
	seenVars := make(map[string]struct{})
	seenImports := make(map[string]struct{})
	var pendingDecorators []string

	addImport := func(name string) {
		if name == "" {
			return
		}
		if _, dup := seenImports[name]; dup {
			return
		}
		seenImports[name] = struct{}{}
		out.Imports = append(out.Imports, name)
	}

	addVariable := func(name, scopeType, scopeName string, line int) {
		if name == "" || name == "self" || name == "cls" || name == "_" {
			return
		}
		key := scopeType + "|" + scopeName + "|" + name
		if _, dup := seenVars[key]; dup {
			return
		}
		seenVars[key] = struct{}{}
		out.Variables = append(out.Variables, Variable{
			Name: name, Line: line, ScopeType: scopeType, ScopeName: scopeName,
		})
	}

	varDeclared := func(name string) bool {
		for _, key := range []string{
			"parameter|" + scopes.enclosingFunction() + "|" + name,
			"local_variable|" + scopes.enclosingFunction() + "|" + name,
			"global_variable||" + name,
			"class_attribute|" + scopes.enclosingClass() + "|" + name,
		} {
			if _, ok := seenVars[key]; ok {
				return true
			}
		}
		return false
	}

	addVarRef := func(kind, name string, line int) {
		out.Refs = append(out.Refs, SymbolRef{
			Kind:         kind,
			FromFunction: scopes.enclosingFunction(),
			FromClass:    scopes.enclosingClass(),
			Target:       name,
			Hint:         "variable",
			Line:         line,
		})
	}

	// usesFrom records reads of already-declared variables under n.
	usesFrom := func(n *sitter.Node) {
		if n == nil || scopes.enclosingFunction() == "" {
			return
		}
		for _, id := range identifiersIn(n, src) {
			if varDeclared(id.name) {
				addVarRef(RefUses, id.name, id.line)
			}
		}
	}

	cat := catalogue{
		"import_statement": func(n *sitter.Node, walk func(*sitter.Node)) bool {
			for i := 0; i < int(n.ChildCount()); i++ {
				switch child := n.Child(i); child.Type() {
				case "dotted_name":
					addImport(nodeText(child, src))
				case "aliased_import":
					addImport(fieldText(child, "name", src))
				}
			}
			return false
		},

		"import_from_statement": func(n *sitter.Node, walk func(*sitter.Node)) bool {
			// Bare-relative imports (from . import x) carry no module name.
			mod := strings.TrimLeft(fieldText(n, "module_name", src), ".")
			addImport(mod)
			return false
		},

		"decorated_definition": func(n *sitter.Node, walk func(*sitter.Node)) bool {
			// Collect decorator names for the wrapped definition, then let
			// the walk reach the definition node itself.
			for i := 0; i < int(n.ChildCount()); i++ {
				child := n.Child(i)
				if child.Type() != "decorator" {
					continue
				}
				name := strings.TrimPrefix(nodeText(child, src), "@")
				if i := strings.IndexByte(name, '('); i >= 0 {
					name = name[:i]
				}
				pendingDecorators = append(pendingDecorators, strings.TrimSpace(name))
			}
			return true
		},

		"class_definition": func(n *sitter.Node, walk func(*sitter.Node)) bool {
			name := fieldText(n, "name", src)
			if name == "" {
				return false
			}
			cls := Class{
				Name:       name,
				StartLine:  startLine(n),
				EndLine:    endLine(n),
				Decorators: pendingDecorators,
			}
			pendingDecorators = nil

			if supers := n.ChildByFieldName("superclasses"); supers != nil {
				for i := 0; i < int(supers.ChildCount()); i++ {
					base := pythonBaseName(supers.Child(i), src)
					if base != "" && base != "object" {
						cls.Bases = append(cls.Bases, base)
						out.Refs = append(out.Refs, SymbolRef{
							Kind:      RefInherits,
							FromClass: name,
							Target:    base,
							Hint:      "class",
							Line:      startLine(n),
						})
					}
				}
			}
			out.Classes = append(out.Classes, cls)

			scopes.push("class", name)
			if body := n.ChildByFieldName("body"); body != nil {
				walk(body)
			}
			scopes.pop()
			return false
		},

		"function_definition": func(n *sitter.Node, walk func(*sitter.Node)) bool {
			name := fieldText(n, "name", src)
			if name == "" {
				return false
			}
			params := fieldText(n, "parameters", src)
			signature := fmt.Sprintf("def %s%s", name, params)
			if ret := fieldText(n, "return_type", src); ret != "" {
				signature += " -> " + ret
			}
			className := ""
			if scopes.top().kind == "class" {
				className = scopes.top().name
			}
			out.Functions = append(out.Functions, Function{
				Name:          name,
				Signature:     signature,
				ParametersStr: params,
				ClassName:     className,
				IsMethod:      className != "",
				StartLine:     startLine(n),
				EndLine:       endLine(n),
				Decorators:    pendingDecorators,
			})
			pendingDecorators = nil

			if paramsNode := n.ChildByFieldName("parameters"); paramsNode != nil {
				for _, pv := range pythonParameterNames(paramsNode, src) {
					addVariable(pv.name, "parameter", name, pv.line)
				}
			}

			scopes.push("function", name)
			if body := n.ChildByFieldName("body"); body != nil {
				walk(body)
			}
			scopes.pop()
			return false
		},

		"assignment": func(n *sitter.Node, walk func(*sitter.Node)) bool {
			left := n.ChildByFieldName("left")
			if left == nil {
				return true
			}
			switch left.Type() {
			case "identifier":
				name := nodeText(left, src)
				if varDeclared(name) {
					addVarRef(RefModifies, name, startLine(left))
				}
				addVariable(name, scopes.variableScopeType(), scopes.top().name, startLine(left))
			case "attribute":
				// self.x = ... declares a class attribute.
				obj := fieldText(left, "object", src)
				attr := fieldText(left, "attribute", src)
				if obj == "self" && attr != "" {
					if varDeclared(attr) {
						addVarRef(RefModifies, attr, startLine(left))
					}
					addVariable(attr, "class_attribute", scopes.enclosingClass(), startLine(left))
				}
			case "pattern_list", "tuple_pattern":
				for i := 0; i < int(left.ChildCount()); i++ {
					el := left.Child(i)
					if el.Type() == "identifier" {
						addVariable(nodeText(el, src), scopes.variableScopeType(), scopes.top().name, startLine(el))
					}
				}
			}
			usesFrom(n.ChildByFieldName("right"))
			return true
		},

		"augmented_assignment": func(n *sitter.Node, walk func(*sitter.Node)) bool {
			left := n.ChildByFieldName("left")
			if left != nil && left.Type() == "identifier" {
				if name := nodeText(left, src); varDeclared(name) {
					addVarRef(RefModifies, name, startLine(left))
				}
			}
			usesFrom(n.ChildByFieldName("right"))
			return true
		},

		"return_statement": func(n *sitter.Node, walk func(*sitter.Node)) bool {
			usesFrom(n)
			return true
		},

		"call": func(n *sitter.Node, walk func(*sitter.Node)) bool {
			callee := pythonCalleeName(n.ChildByFieldName("function"), src)
			if callee == "" || pythonBuiltin(callee) {
				return true
			}
			ref := SymbolRef{
				Kind:         RefCall,
				FromFunction: scopes.enclosingFunction(),
				FromClass:    scopes.enclosingClass(),
				Target:       callee,
				Hint:         "function",
				Line:         startLine(n),
			}
			if startsUpper(callee) {
				// Constructor-style call: the resolver will prefer a class
				// and record an object creation.
				ref.Kind = RefCreates
				ref.Hint = "class"
			}
			out.Refs = append(out.Refs, ref)
			return true
		},

		"raise_statement": func(n *sitter.Node, walk func(*sitter.Node)) bool {
			for i := 0; i < int(n.ChildCount()); i++ {
				name := pythonExceptionName(n.Child(i), src)
				if name != "" {
					out.Refs = append(out.Refs, SymbolRef{
						Kind:         RefRaises,
						FromFunction: scopes.enclosingFunction(),
						FromClass:    scopes.enclosingClass(),
						Target:       name,
						Hint:         "exception",
						Line:         startLine(n),
					})
					break
				}
			}
			return true
		},

		"except_clause": func(n *sitter.Node, walk func(*sitter.Node)) bool {
			for i := 0; i < int(n.ChildCount()); i++ {
				child := n.Child(i)
				switch child.Type() {
				case "identifier", "attribute":
					if name := pythonExceptionName(child, src); name != "" {
						out.Refs = append(out.Refs, SymbolRef{
							Kind:         RefHandles,
							FromFunction: scopes.enclosingFunction(),
							FromClass:    scopes.enclosingClass(),
							Target:       name,
							Hint:         "exception",
							Line:         startLine(n),
						})
					}
				case "tuple":
					for j := 0; j < int(child.ChildCount()); j++ {
						if name := pythonExceptionName(child.Child(j), src); name != "" {
							out.Refs = append(out.Refs, SymbolRef{
								Kind:         RefHandles,
								FromFunction: scopes.enclosingFunction(),
								FromClass:    scopes.enclosingClass(),
								Target:       name,
								Hint:         "exception",
								Line:         startLine(n),
							})
						}
					}
				}
			}
			return true
		},
	}

	newWalk(cat)(root)
	return out, nil
}

type paramName struct {
	name string
	line int
}

// pythonParameterNames pulls parameter identifiers out of a parameters node,
// covering plain, typed, defaulted, and splat forms.
func pythonParameterNames(params *sitter.Node, src []byte) []paramName {
	var out []paramName
	for i := 0; i < int(params.ChildCount()); i++ {
		child := params.Child(i)
		switch child.Type() {
		case "identifier":
			out = append(out, paramName{nodeText(child, src), startLine(child)})
		case "typed_parameter", "list_splat_pattern", "dictionary_splat_pattern":
			for j := 0; j < int(child.ChildCount()); j++ {
				if inner := child.Child(j); inner.Type() == "identifier" {
					out = append(out, paramName{nodeText(inner, src), startLine(inner)})
					break
				}
			}
		case "default_parameter", "typed_default_parameter":
			if name := fieldText(child, "name", src); name != "" {
				out = append(out, paramName{name, startLine(child)})
			}
		}
	}
	return out
}

// pythonBaseName extracts a superclass name from an argument_list member.
func pythonBaseName(n *sitter.Node, src []byte) string {
	if n == nil {
		return ""
	}
	switch n.Type() {
	case "identifier":
		return nodeText(n, src)
	case "attribute":
		return fieldText(n, "attribute", src)
	case "subscript":
		// Generic[T] → Generic
		return pythonBaseName(n.ChildByFieldName("value"), src)
	}
	return ""
}

// pythonCalleeName resolves the called name: bare identifiers directly,
// attribute calls by their final attribute (obj.method → method).
func pythonCalleeName(n *sitter.Node, src []byte) string {
	if n == nil {
		return ""
	}
	switch n.Type() {
	case "identifier":
		return nodeText(n, src)
	case "attribute":
		return fieldText(n, "attribute", src)
	}
	return ""
}

func pythonExceptionName(n *sitter.Node, src []byte) string {
	if n == nil {
		return ""
	}
	switch n.Type() {
	case "identifier":
		name := nodeText(n, src)
		if startsUpper(name) {
			return name
		}
	case "attribute":
		name := fieldText(n, "attribute", src)
		if startsUpper(name) {
			return name
		}
	case "call":
		return pythonExceptionName(n.ChildByFieldName("function"), src)
	}
	return ""
}

func startsUpper(s string) bool {
	for _, r := range s {
		return unicode.IsUpper(r)
	}
	return false
}

// pythonBuiltin filters call targets that can never resolve to project
// symbols, keeping the unresolved-edge side table small.
func pythonBuiltin(name string) bool {
	switch name {
	case "print", "len", "range", "str", "int", "float", "list", "dict",
		"set", "tuple", "type", "isinstance", "hasattr", "getattr",
		"setattr", "open", "input", "super", "enumerate", "zip", "map",
		"filter", "sorted", "min", "max", "sum", "abs", "repr", "format",
		"id", "vars", "iter", "next", "bool", "bytes":
		return true
	}
	return false
}
