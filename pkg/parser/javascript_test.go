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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const jsSample = `class Animal {
  constructor(name) {
    this.name = name;
  }

  speak() {
    return format(this.name);
  }
}

class Dog extends Animal {
  speak() {
    bark();
    return new Animal("x");
  }
}

function format(s) {
  return s.trim();
}

const bark = () => {
  throw new BarkError("loud");
};

const LIMIT = 10;
`

func TestJavaScriptClassesAndFunctions(t *testing.T) {
	p := NewJavaScript()
	f, err := p.Parse("pets.js", []byte(jsSample))
	require.NoError(t, err)
	assert.Empty(t, f.Errors)
	assert.Equal(t, "javascript", f.Language)

	assert.ElementsMatch(t, []string{"Animal", "Dog"}, classNames(f))
	assert.ElementsMatch(t,
		[]string{"constructor", "speak", "speak", "format", "bark"},
		functionNames(f))

	var dog *Class
	for i := range f.Classes {
		if f.Classes[i].Name == "Dog" {
			dog = &f.Classes[i]
		}
	}
	require.NotNil(t, dog)
	assert.Equal(t, []string{"Animal"}, dog.Bases)
}

func TestJavaScriptMethodOwnership(t *testing.T) {
	p := NewJavaScript()
	f, err := p.Parse("pets.js", []byte(jsSample))
	require.NoError(t, err)

	owners := make(map[string][]string)
	for _, fn := range f.Functions {
		if fn.Name == "speak" {
			owners["speak"] = append(owners["speak"], fn.ClassName)
			assert.True(t, fn.IsMethod)
		}
	}
	assert.ElementsMatch(t, []string{"Animal", "Dog"}, owners["speak"])
}

func TestJavaScriptArrowFunctionIsFunction(t *testing.T) {
	p := NewJavaScript()
	f, err := p.Parse("pets.js", []byte(jsSample))
	require.NoError(t, err)

	assert.Contains(t, functionNames(f), "bark")
	assert.Nil(t, findVariable(f, "bark", "global_variable"),
		"an arrow function binding is a function, not a variable")

	limit := findVariable(f, "LIMIT", "global_variable")
	require.NotNil(t, limit)
}

func TestJavaScriptRefs(t *testing.T) {
	p := NewJavaScript()
	f, err := p.Parse("pets.js", []byte(jsSample))
	require.NoError(t, err)

	assert.True(t, hasRef(f, RefInherits, "Animal"))
	assert.True(t, hasRef(f, RefCall, "format"))
	assert.True(t, hasRef(f, RefCall, "bark"))
	assert.True(t, hasRef(f, RefCreates, "Animal"))
	assert.True(t, hasRef(f, RefRaises, "BarkError"))

	for _, r := range f.Refs {
		if r.Kind == RefCreates && r.Target == "Animal" {
			assert.Equal(t, "speak", r.FromFunction)
			assert.Equal(t, "Dog", r.FromClass)
		}
	}
}

func TestTypeScriptInterfaceAndClass(t *testing.T) {
	src := `interface Shape {
  area(): number;
}

class Circle implements Shape {
  radius: number = 1;

  area(): number {
    return Math.PI * this.radius * this.radius;
  }
}
`
	p := NewJavaScript()
	f, err := p.Parse("shapes.ts", []byte(src))
	require.NoError(t, err)
	assert.Equal(t, "typescript", f.Language)

	assert.Contains(t, classNames(f), "Shape")
	assert.Contains(t, classNames(f), "Circle")

	attr := findVariable(f, "radius", "class_attribute")
	require.NotNil(t, attr)
	assert.Equal(t, "Circle", attr.ScopeName)
}

func TestJavaScriptImports(t *testing.T) {
	src := `import fs from "fs";
import { join } from 'path';
const express = require("express");
import fs from "fs";
`
	p := NewJavaScript()
	f, err := p.Parse("app.js", []byte(src))
	require.NoError(t, err)

	assert.Equal(t, []string{"fs", "path", "express"}, f.Imports)
}

func TestJavaScriptSyntaxErrorIsRecoverable(t *testing.T) {
	src := "function broken( {\n\nclass Ok {\n  m() { return 1; }\n}\n"
	p := NewJavaScript()
	f, err := p.Parse("broken.js", []byte(src))
	require.NoError(t, err)
	assert.NotEmpty(t, f.Errors)
}

func TestJavaScriptParameterVariables(t *testing.T) {
	p := NewJavaScript()
	f, err := p.Parse("pets.js", []byte(jsSample))
	require.NoError(t, err)

	param := findVariable(f, "s", "parameter")
	require.NotNil(t, param)
	assert.Equal(t, "format", param.ScopeName)
}
