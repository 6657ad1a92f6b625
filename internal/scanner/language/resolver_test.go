package language

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolvePythonModule(t *testing.T) {
	r := NewResolver([]string{
		"pkg/__init__.py",
		"pkg/core.py",
		"pkg/sub/__init__.py",
		"pkg/sub/deep.py",
		"top.py",
	})

	cases := []struct {
		name     string
		fromFile string
		module   string
		symbol   string
		want     string
	}{
		{"absolute module file", "top.py", "pkg.core", "", "pkg/core.py"},
		{"absolute package init", "top.py", "pkg", "", "pkg/__init__.py"},
		{"from package import submodule", "top.py", "pkg", "core", "pkg/core.py"},
		{"from package import symbol falls back to init", "top.py", "pkg", "Thing", "pkg/__init__.py"},
		{"relative sibling", "pkg/core.py", ".sub", "", "pkg/sub/__init__.py"},
		{"relative from dot import", "pkg/sub/deep.py", ".", "deep", "pkg/sub/deep.py"},
		{"relative parent hop", "pkg/sub/deep.py", "..", "core", "pkg/core.py"},
		{"unresolved external", "top.py", "requests", "", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, r.ResolvePythonModule(tc.fromFile, tc.module, tc.symbol))
		})
	}
}

func TestResolveJSModule(t *testing.T) {
	r := NewResolver([]string{
		"src/app.js",
		"src/lib/util.ts",
		"src/lib/index.js",
		"src/data.json",
	})

	cases := []struct {
		name     string
		fromFile string
		module   string
		want     string
	}{
		{"sibling with extension inference", "src/app.js", "./lib/util", "src/lib/util.ts"},
		{"directory index", "src/app.js", "./lib", "src/lib/index.js"},
		{"explicit extension", "src/lib/util.ts", "../data.json", "src/data.json"},
		{"parent walk", "src/lib/util.ts", "../app", "src/app.js"},
		{"bare specifier stays unresolved", "src/app.js", "react", ""},
		{"missing file", "src/app.js", "./nope", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, r.ResolveJSModule(tc.fromFile, tc.module))
		})
	}
}

func TestResolverNilSafe(t *testing.T) {
	var r *Resolver
	assert.False(t, r.Exists("anything.py"))
	assert.Empty(t, r.ResolvePythonModule("a.py", "mod", ""))
}
