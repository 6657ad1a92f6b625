package language

import (
	"path"
	"strings"
)

// Resolver answers "does this project-relative path exist" for module
// resolution. It is built from the discovery output so scanners never
// touch the filesystem themselves.
type Resolver struct {
	files map[string]bool
}

// NewResolver indexes the given project-relative, slash-separated
// paths.
func NewResolver(files []string) *Resolver {
	r := &Resolver{files: make(map[string]bool, len(files))}
	for _, f := range files {
		r.files[path.Clean(f)] = true
	}
	return r
}

// Exists reports whether the project-relative path is a known file.
func (r *Resolver) Exists(rel string) bool {
	if r == nil {
		return false
	}
	return r.files[path.Clean(rel)]
}

// First returns the first candidate that exists, or "".
func (r *Resolver) First(candidates ...string) string {
	for _, c := range candidates {
		if r.Exists(c) {
			return c
		}
	}
	return ""
}

// ResolvePythonModule maps a dotted Python module to a project file.
// Absolute modules resolve from the project root; relative modules
// resolve against the importing file's directory, one leading dot for
// the current package and one more per parent hop. name is the symbol
// (or submodule) named in a from-import, tried as a submodule last.
func (r *Resolver) ResolvePythonModule(fromFile, module, name string) string {
	if strings.HasPrefix(module, ".") {
		dots := 0
		for dots < len(module) && module[dots] == '.' {
			dots++
		}
		base := path.Dir(fromFile)
		for i := 1; i < dots; i++ {
			base = path.Dir(base)
		}
		rest := module[dots:]
		return r.resolveDotted(base, rest, name)
	}
	return r.resolveDotted("", module, name)
}

func (r *Resolver) resolveDotted(base, module, name string) string {
	join := func(parts ...string) string {
		p := path.Join(parts...)
		return strings.TrimPrefix(p, "./")
	}

	var candidates []string
	if module != "" {
		rel := strings.ReplaceAll(module, ".", "/")
		candidates = append(candidates,
			join(base, rel+".py"),
			join(base, rel, "__init__.py"),
		)
		if name != "" && name != "*" {
			candidates = append(candidates,
				join(base, rel, name+".py"),
				join(base, rel, name, "__init__.py"),
			)
		}
	} else if name != "" && name != "*" {
		// from . import name
		candidates = append(candidates,
			join(base, name+".py"),
			join(base, name, "__init__.py"),
		)
	} else {
		candidates = append(candidates, join(base, "__init__.py"))
	}
	return r.First(candidates...)
}

// ResolveJSModule maps a JavaScript/TypeScript module specifier to a
// project file. Only relative specifiers resolve; bare specifiers are
// package imports and stay unresolved.
func (r *Resolver) ResolveJSModule(fromFile, module string) string {
	if !strings.HasPrefix(module, ".") {
		return ""
	}
	base := path.Join(path.Dir(fromFile), module)
	base = strings.TrimPrefix(base, "./")

	if path.Ext(base) != "" && r.Exists(base) {
		return base
	}
	return r.First(
		base+".js",
		base+".jsx",
		base+".ts",
		base+".tsx",
		base+".mjs",
		path.Join(base, "index.js"),
		path.Join(base, "index.jsx"),
		path.Join(base, "index.ts"),
		path.Join(base, "index.tsx"),
	)
}
