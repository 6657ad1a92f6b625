// Package language extracts imports, calls and class hierarchies from
// source files. Scanners are keyed by file extension; each receives a
// file's bytes and its project-relative path and returns a record set.
package language

import (
	"path/filepath"
	"strings"
)

// ImportKind classifies how a module is brought into scope.
type ImportKind string

const (
	ImportAbsolute   ImportKind = "absolute"
	ImportRelative   ImportKind = "relative"
	ImportFrom       ImportKind = "from"
	ImportRequire    ImportKind = "require"
	ImportDefault    ImportKind = "default"
	ImportNamed      ImportKind = "named"
	ImportSideEffect ImportKind = "side_effect"
)

// Import is one module reference found in a file. ResolvedPath is the
// project-relative path of the target file, empty when the module could
// not be resolved inside the project.
type Import struct {
	Module       string     `json:"module"`
	Name         string     `json:"name,omitempty"`
	Alias        string     `json:"alias,omitempty"`
	Kind         ImportKind `json:"kind"`
	ResolvedPath string     `json:"resolved_path,omitempty"`
}

// CallKind distinguishes bare function calls from method calls.
type CallKind string

const (
	CallFunction CallKind = "function"
	CallMethod   CallKind = "method"
)

// Call is one call site found in a file.
type Call struct {
	Name   string   `json:"name"`
	Kind   CallKind `json:"kind"`
	Object string   `json:"object,omitempty"`
}

// Class is one class declaration with its parent list.
type Class struct {
	Name    string   `json:"name"`
	Parents []string `json:"parents,omitempty"`
}

// Function is one function or method definition. Class is set for
// methods so the assembler can tell definitions apart from calls.
type Function struct {
	Name  string `json:"name"`
	Class string `json:"class,omitempty"`
}

// FileScan is the record set extracted from one file.
type FileScan struct {
	Path      string     `json:"path"`
	Language  string     `json:"language"`
	Imports   []Import   `json:"imports,omitempty"`
	Calls     []Call     `json:"calls,omitempty"`
	Classes   []Class    `json:"classes,omitempty"`
	Functions []Function `json:"functions,omitempty"`
}

// Scanner extracts a FileScan from source bytes.
type Scanner interface {
	Language() string
	Extensions() []string
	Scan(path string, content []byte) (*FileScan, error)
}

// Registry maps file extensions to scanners.
type Registry struct {
	byExt map[string]Scanner
}

// NewRegistry builds a registry with every built-in scanner wired to
// the given resolver.
func NewRegistry(resolver *Resolver) *Registry {
	r := &Registry{byExt: make(map[string]Scanner)}
	r.Register(NewPythonScanner(resolver))
	r.Register(NewJavaScriptScanner(resolver))
	r.Register(NewGoScanner())
	return r
}

// Register adds a scanner for each of its extensions, replacing any
// previous owner of the extension.
func (r *Registry) Register(s Scanner) {
	for _, ext := range s.Extensions() {
		r.byExt[strings.ToLower(ext)] = s
	}
}

// ForFile returns the scanner owning the file's extension.
func (r *Registry) ForFile(path string) (Scanner, bool) {
	s, ok := r.byExt[strings.ToLower(filepath.Ext(path))]
	return s, ok
}

// Languages returns the distinct language names in the registry.
func (r *Registry) Languages() []string {
	seen := make(map[string]bool)
	langs := make([]string, 0)
	for _, s := range r.byExt {
		if !seen[s.Language()] {
			seen[s.Language()] = true
			langs = append(langs, s.Language())
		}
	}
	return langs
}
