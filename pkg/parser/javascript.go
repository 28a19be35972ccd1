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
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// JavaScript parses JavaScript and TypeScript source. The two grammars share
// class/function shapes, so one extraction catalogue serves both; the pool is
// chosen by extension.
type JavaScript struct {
	jsPool *pool
	tsPool *pool
}

// NewJavaScript creates the JavaScript/TypeScript parser.
func NewJavaScript() *JavaScript {
	return &JavaScript{
		jsPool: newPool(javascript.GetLanguage()),
		tsPool: newPool(typescript.GetLanguage()),
	}
}

// Extensions implements Parser.
func (p *JavaScript) Extensions() []string {
	return []string{".js", ".jsx", ".mjs", ".cjs", ".ts", ".tsx"}
}

// Language implements Parser.
func (p *JavaScript) Language() string { return "javascript" }

func (p *JavaScript) poolFor(path string) (*pool, string) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ts", ".tsx":
		return p.tsPool, "typescript"
	default:
		return p.jsPool, "javascript"
	}
}

// Parse extracts classes, functions, methods, variables, and raw edges.
func (p *JavaScript) Parse(path string, src []byte) (*ParsedFile, error) {
	langPool, language := p.poolFor(path)
	tree, err := langPool.parseTree(src)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	root := tree.RootNode()
	out := &ParsedFile{
		Path:        path,
		Language:    language,
		Size:        int64(len(src)),
		ContentHash: ContentHash(src),
		Errors:      collectSyntaxErrors(root, 10),
	}

	scopes := newScopeStack()
	seenVars := make(map[string]struct{})
	seenImports := make(map[string]struct{})

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
		if name == "" || name == "_" {
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

	addFunction := func(n *sitter.Node, name string, walk func(*sitter.Node)) {
		params := fieldText(n, "parameters", src)
		className := ""
		if scopes.top().kind == "class" {
			className = scopes.top().name
		}
		out.Functions = append(out.Functions, Function{
			Name:          name,
			Signature:     fmt.Sprintf("%s%s", name, params),
			ParametersStr: params,
			ClassName:     className,
			IsMethod:      className != "",
			StartLine:     startLine(n),
			EndLine:       endLine(n),
		})
		if paramsNode := n.ChildByFieldName("parameters"); paramsNode != nil {
			for _, pv := range jsParameterNames(paramsNode, src) {
				addVariable(pv.name, "parameter", name, pv.line)
			}
		}
		scopes.push("function", name)
		if body := n.ChildByFieldName("body"); body != nil {
			walk(body)
		}
		scopes.pop()
	}

	classHandler := func(n *sitter.Node, walk func(*sitter.Node)) bool {
		name := fieldText(n, "name", src)
		if name == "" {
			return false
		}
		cls := Class{Name: name, StartLine: startLine(n), EndLine: endLine(n)}
		for _, base := range jsHeritageNames(n, src) {
			cls.Bases = append(cls.Bases, base)
			out.Refs = append(out.Refs, SymbolRef{
				Kind:      RefInherits,
				FromClass: name,
				Target:    base,
				Hint:      "class",
				Line:      startLine(n),
			})
		}
		out.Classes = append(out.Classes, cls)

		scopes.push("class", name)
		if body := n.ChildByFieldName("body"); body != nil {
			walk(body)
		}
		scopes.pop()
		return false
	}

	cat := catalogue{
		"import_statement": func(n *sitter.Node, walk func(*sitter.Node)) bool {
			if source := n.ChildByFieldName("source"); source != nil {
				addImport(jsStringValue(source, src))
			}
			return false
		},

		"class_declaration":          classHandler,
		"abstract_class_declaration": classHandler,
		"interface_declaration":      classHandler,

		"function_declaration": func(n *sitter.Node, walk func(*sitter.Node)) bool {
			name := fieldText(n, "name", src)
			if name == "" {
				return false
			}
			addFunction(n, name, walk)
			return false
		},

		"method_definition": func(n *sitter.Node, walk func(*sitter.Node)) bool {
			name := fieldText(n, "name", src)
			if name == "" {
				return false
			}
			addFunction(n, name, walk)
			return false
		},

		"variable_declarator": func(n *sitter.Node, walk func(*sitter.Node)) bool {
			nameNode := n.ChildByFieldName("name")
			if nameNode == nil || nameNode.Type() != "identifier" {
				return true
			}
			name := nodeText(nameNode, src)
			value := n.ChildByFieldName("value")
			if value != nil {
				switch value.Type() {
				case "arrow_function", "function_expression", "function":
					// const f = () => {} declares a function, not a variable.
					addFunction(value, name, walk)
					return false
				}
			}
			addVariable(name, scopes.variableScopeType(), scopes.top().name, startLine(nameNode))
			return true
		},

		"field_definition": func(n *sitter.Node, walk func(*sitter.Node)) bool {
			if name := jsPropertyName(n, src); name != "" {
				addVariable(name, "class_attribute", scopes.enclosingClass(), startLine(n))
			}
			return true
		},

		"public_field_definition": func(n *sitter.Node, walk func(*sitter.Node)) bool {
			if name := jsPropertyName(n, src); name != "" {
				addVariable(name, "class_attribute", scopes.enclosingClass(), startLine(n))
			}
			return true
		},

		"assignment_expression": func(n *sitter.Node, walk func(*sitter.Node)) bool {
			left := n.ChildByFieldName("left")
			if left != nil && left.Type() == "identifier" {
				if name := nodeText(left, src); varDeclared(name) {
					addVarRef(RefModifies, name, startLine(left))
				}
			}
			usesFrom(n.ChildByFieldName("right"))
			return true
		},

		"augmented_assignment_expression": func(n *sitter.Node, walk func(*sitter.Node)) bool {
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

		"call_expression": func(n *sitter.Node, walk func(*sitter.Node)) bool {
			callee := jsCalleeName(n.ChildByFieldName("function"), src)
			if callee == "require" {
				if args := n.ChildByFieldName("arguments"); args != nil {
					for i := 0; i < int(args.ChildCount()); i++ {
						if arg := args.Child(i); arg.Type() == "string" {
							addImport(jsStringValue(arg, src))
							break
						}
					}
				}
				return true
			}
			if callee == "" || jsBuiltin(callee) {
				return true
			}
			out.Refs = append(out.Refs, SymbolRef{
				Kind:         RefCall,
				FromFunction: scopes.enclosingFunction(),
				FromClass:    scopes.enclosingClass(),
				Target:       callee,
				Hint:         "function",
				Line:         startLine(n),
			})
			return true
		},

		"new_expression": func(n *sitter.Node, walk func(*sitter.Node)) bool {
			callee := jsCalleeName(n.ChildByFieldName("constructor"), src)
			if callee == "" || jsBuiltin(callee) {
				return true
			}
			out.Refs = append(out.Refs, SymbolRef{
				Kind:         RefCreates,
				FromFunction: scopes.enclosingFunction(),
				FromClass:    scopes.enclosingClass(),
				Target:       callee,
				Hint:         "class",
				Line:         startLine(n),
			})
			return true
		},

		"throw_statement": func(n *sitter.Node, walk func(*sitter.Node)) bool {
			for i := 0; i < int(n.ChildCount()); i++ {
				child := n.Child(i)
				if child.Type() == "new_expression" {
					if name := jsCalleeName(child.ChildByFieldName("constructor"), src); name != "" {
						out.Refs = append(out.Refs, SymbolRef{
							Kind:         RefRaises,
							FromFunction: scopes.enclosingFunction(),
							FromClass:    scopes.enclosingClass(),
							Target:       name,
							Hint:         "exception",
							Line:         startLine(n),
						})
					}
					break
				}
			}
			return true
		},
	}

	newWalk(cat)(root)
	return out, nil
}

// jsParameterNames pulls parameter identifiers out of a formal_parameters
// node, covering plain, defaulted, and TypeScript-annotated forms.
func jsParameterNames(params *sitter.Node, src []byte) []paramName {
	var out []paramName
	for i := 0; i < int(params.ChildCount()); i++ {
		child := params.Child(i)
		switch child.Type() {
		case "identifier":
			out = append(out, paramName{nodeText(child, src), startLine(child)})
		case "required_parameter", "optional_parameter", "assignment_pattern", "rest_pattern":
			if name := firstIdentifier(child, src); name != "" {
				out = append(out, paramName{name, startLine(child)})
			}
		}
	}
	return out
}

func firstIdentifier(n *sitter.Node, src []byte) string {
	if n == nil {
		return ""
	}
	if n.Type() == "identifier" {
		return nodeText(n, src)
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		if name := firstIdentifier(n.Child(i), src); name != "" {
			return name
		}
	}
	return ""
}

// jsHeritageNames collects superclass and implemented-interface names from a
// class_heritage child (both the JS `extends X` and the TS clause forms).
func jsHeritageNames(classNode *sitter.Node, src []byte) []string {
	var names []string
	for i := 0; i < int(classNode.ChildCount()); i++ {
		child := classNode.Child(i)
		if child.Type() != "class_heritage" && child.Type() != "extends_clause" {
			continue
		}
		var collect func(n *sitter.Node)
		collect = func(n *sitter.Node) {
			switch n.Type() {
			case "identifier", "type_identifier":
				names = append(names, nodeText(n, src))
				return
			case "member_expression":
				if prop := fieldText(n, "property", src); prop != "" {
					names = append(names, prop)
				}
				return
			}
			for j := 0; j < int(n.ChildCount()); j++ {
				collect(n.Child(j))
			}
		}
		collect(child)
	}
	return names
}

// jsStringValue unwraps a string literal node to its content.
func jsStringValue(n *sitter.Node, src []byte) string {
	return strings.Trim(nodeText(n, src), "'\"`")
}

// jsPropertyName pulls the property identifier of a class field definition.
func jsPropertyName(n *sitter.Node, src []byte) string {
	if name := fieldText(n, "name", src); name != "" {
		return name
	}
	if name := fieldText(n, "property", src); name != "" {
		return name
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		if child := n.Child(i); child.Type() == "property_identifier" {
			return nodeText(child, src)
		}
	}
	return ""
}

// jsCalleeName resolves the called name: identifiers directly, member
// expressions by their final property (obj.method → method).
func jsCalleeName(n *sitter.Node, src []byte) string {
	if n == nil {
		return ""
	}
	switch n.Type() {
	case "identifier", "type_identifier":
		return nodeText(n, src)
	case "member_expression":
		return fieldText(n, "property", src)
	}
	return ""
}

// jsBuiltin filters call targets that never resolve to project symbols.
func jsBuiltin(name string) bool {
	switch name {
	case "require", "console", "log", "error", "warn", "parseInt",
		"parseFloat", "setTimeout", "setInterval", "clearTimeout",
		"clearInterval", "JSON", "stringify", "parse", "Promise", "Array",
		"Object", "String", "Number", "Boolean", "Error", "Map", "Set",
		"Date", "RegExp", "fetch", "push", "pop", "shift", "unshift",
		"slice", "splice", "join", "split", "keys", "values", "entries",
		"forEach", "map", "filter", "reduce", "find", "includes", "then",
		"catch", "finally", "resolve", "reject", "toString", "bind":
		return true
	}
	return false
}
