package language

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findImports(scan *FileScan, module string) []Import {
	var found []Import
	for _, imp := range scan.Imports {
		if imp.Module == module {
			found = append(found, imp)
		}
	}
	return found
}

func TestJavaScriptScannerImportForms(t *testing.T) {
	resolver := NewResolver([]string{
		"src/app.js",
		"src/util.js",
		"src/components/index.ts",
	})
	s := NewJavaScriptScanner(resolver)

	src := []byte(`
import React from 'react';
import { useState, useEffect as effect } from 'react';
import * as path from 'path';
import './styles.css';
import util from './util';
import comps from './components';
const fs = require('fs');
const lazy = import('./util');
export { helper } from './util';
`)

	scan, err := s.Scan("src/app.js", src)
	require.NoError(t, err)

	react := findImports(scan, "react")
	require.Len(t, react, 3)
	assert.Equal(t, ImportDefault, react[2].Kind)
	assert.Equal(t, "React", react[2].Name)
	assert.Equal(t, Import{Module: "react", Name: "useState", Kind: ImportNamed}, react[0])
	assert.Equal(t, "effect", react[1].Alias)

	ns := findImports(scan, "path")
	require.Len(t, ns, 1)
	assert.Equal(t, "*", ns[0].Name)
	assert.Equal(t, "path", ns[0].Alias)

	side := findImports(scan, "./styles.css")
	require.Len(t, side, 1)
	assert.Equal(t, ImportRelative, side[0].Kind)

	util := findImports(scan, "./util")
	require.Len(t, util, 3)
	for _, imp := range util {
		assert.Equal(t, ImportRelative, imp.Kind)
		assert.Equal(t, "src/util.js", imp.ResolvedPath)
	}

	comps := findImports(scan, "./components")
	require.Len(t, comps, 1)
	assert.Equal(t, "src/components/index.ts", comps[0].ResolvedPath)

	cjs := findImports(scan, "fs")
	require.Len(t, cjs, 1)
	assert.Equal(t, ImportRequire, cjs[0].Kind)
}

func TestJavaScriptScannerMixedDefaultAndNamed(t *testing.T) {
	s := NewJavaScriptScanner(nil)

	scan, err := s.Scan("a.ts", []byte(`import axios, { AxiosError, AxiosResponse } from 'axios';`))
	require.NoError(t, err)

	imps := findImports(scan, "axios")
	require.Len(t, imps, 3)

	names := make([]string, 0, 3)
	for _, imp := range imps {
		names = append(names, imp.Name)
	}
	assert.ElementsMatch(t, []string{"axios", "AxiosError", "AxiosResponse"}, names)
}

func TestJavaScriptScannerClassesFunctionsCalls(t *testing.T) {
	s := NewJavaScriptScanner(nil)

	src := []byte(`
class Widget extends React.Component {
  render() { return draw(this.props); }
}

class Plain {}

function helper(a, b) { return a + b; }
const arrow = (x) => x * 2;
const asyncArrow = async y => y;

logger.info('started');
helper(1, 2);
`)

	scan, err := s.Scan("widget.jsx", src)
	require.NoError(t, err)

	require.Len(t, scan.Classes, 2)
	assert.Equal(t, "Widget", scan.Classes[0].Name)
	assert.Equal(t, []string{"React.Component"}, scan.Classes[0].Parents)
	assert.Empty(t, scan.Classes[1].Parents)

	assert.Contains(t, scan.Functions, Function{Name: "helper"})
	assert.Contains(t, scan.Functions, Function{Name: "arrow"})
	assert.Contains(t, scan.Functions, Function{Name: "asyncArrow"})

	assert.Contains(t, scan.Calls, Call{Name: "info", Kind: CallMethod, Object: "logger"})
	assert.Contains(t, scan.Calls, Call{Name: "helper", Kind: CallFunction})
	assert.NotContains(t, scan.Calls, Call{Name: "if", Kind: CallFunction})
}

func TestGoScannerImportsAndFunctions(t *testing.T) {
	s := NewGoScanner()

	src := []byte(`package main

import "fmt"
import zl "github.com/rs/zerolog"

import (
	"context"
	"net/http"

	mux "github.com/gorilla/mux"
)

func main() {
	fmt.Println("ok")
}

func (s *Server) Start(ctx context.Context) error {
	return nil
}
`)

	scan, err := s.Scan("main.go", src)
	require.NoError(t, err)

	require.Len(t, scan.Imports, 5)
	assert.Equal(t, Import{Module: "fmt", Kind: ImportAbsolute}, scan.Imports[0])
	assert.Equal(t, Import{Module: "github.com/rs/zerolog", Alias: "zl", Kind: ImportAbsolute}, scan.Imports[1])
	assert.Equal(t, Import{Module: "context", Kind: ImportAbsolute}, scan.Imports[2])
	assert.Equal(t, Import{Module: "net/http", Kind: ImportAbsolute}, scan.Imports[3])
	assert.Equal(t, Import{Module: "github.com/gorilla/mux", Alias: "mux", Kind: ImportAbsolute}, scan.Imports[4])

	assert.Contains(t, scan.Functions, Function{Name: "main"})
	assert.Contains(t, scan.Functions, Function{Name: "Start"})
}

func TestRegistryRouting(t *testing.T) {
	r := NewRegistry(nil)

	cases := []struct {
		path string
		lang string
	}{
		{"src/app.py", "python"},
		{"src/APP.PY", "python"},
		{"web/index.tsx", "javascript"},
		{"cmd/main.go", "go"},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			s, ok := r.ForFile(tc.path)
			require.True(t, ok)
			assert.Equal(t, tc.lang, s.Language())
		})
	}

	_, ok := r.ForFile("README.md")
	assert.False(t, ok)

	assert.ElementsMatch(t, []string{"python", "javascript", "go"}, r.Languages())
}
