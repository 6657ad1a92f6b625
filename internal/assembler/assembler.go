// Package assembler merges language and package scanner output into one
// dependency graph and derives metrics and a visualization payload from it.
// Assembly is single-writer; the produced graph is read-only afterwards.
package assembler

import (
	"github.com/pipewright/pipewright/internal/graph"
	"github.com/pipewright/pipewright/internal/scanner/language"
	"github.com/pipewright/pipewright/internal/scanner/packages"
)

// ProjectRootKey is the virtual node every direct package dependency hangs
// off.
const ProjectRootKey = "package:project"

// Features selects which scanner record kinds become graph material.
type Features struct {
	Imports   bool `json:"imports"`
	Calls     bool `json:"calls"`
	Hierarchy bool `json:"hierarchy"`
	Packages  bool `json:"packages"`
}

// AllFeatures enables everything.
func AllFeatures() Features {
	return Features{Imports: true, Calls: true, Hierarchy: true, Packages: true}
}

// Assemble builds the graph from scanner output. Nil file scans (files that
// were skipped) are ignored. The same input always produces the same graph,
// node and edge insertion order included.
func Assemble(fileScans []*language.FileScan, pkgScans []packages.PackageScan, feats Features) *graph.Graph {
	a := &assembly{
		g:         graph.New(),
		feats:     feats,
		functions: make(map[string]string),
		classes:   make(map[string]string),
	}

	// Definition indices first, so calls and parent classes resolve across
	// files regardless of scan order.
	for _, scan := range fileScans {
		if scan == nil {
			continue
		}
		for _, fn := range scan.Functions {
			if _, ok := a.functions[fn.Name]; !ok {
				a.functions[fn.Name] = scan.Path
			}
		}
		for _, cls := range scan.Classes {
			if _, ok := a.classes[cls.Name]; !ok {
				a.classes[cls.Name] = scan.Path
			}
		}
	}

	for _, scan := range fileScans {
		if scan == nil {
			continue
		}
		a.g.AddNode(graph.Node{
			Key:      fileKey(scan.Path),
			Kind:     graph.NodeFile,
			Language: scan.Language,
			Path:     scan.Path,
		})
	}

	for _, scan := range fileScans {
		if scan == nil {
			continue
		}
		if feats.Imports {
			a.addImports(scan)
		}
		if feats.Calls {
			a.addCalls(scan)
		}
		if feats.Hierarchy {
			a.addClasses(scan)
		}
	}

	if feats.Packages {
		a.addPackages(pkgScans)
	}
	return a.g
}

type assembly struct {
	g     *graph.Graph
	feats Features

	// name → first defining file, in scan order
	functions map[string]string
	classes   map[string]string
}

func (a *assembly) addImports(scan *language.FileScan) {
	src := fileKey(scan.Path)
	for _, imp := range scan.Imports {
		attrs := map[string]any{
			"module":      imp.Module,
			"import_kind": string(imp.Kind),
		}
		if imp.Alias != "" {
			attrs["alias"] = imp.Alias
		}

		if imp.ResolvedPath != "" {
			dst := fileKey(imp.ResolvedPath)
			if !a.g.HasNode(dst) {
				a.g.AddNode(graph.Node{Key: dst, Kind: graph.NodeFile, Path: imp.ResolvedPath})
			}
			a.g.AddEdge(src, dst, graph.EdgeMeta{Kind: graph.EdgeImport, IsDirect: true, Attributes: attrs})
			continue
		}

		// Unresolved modules are external; they share the package keyspace
		// so a manifest-declared dependency and a source import of the same
		// package land on one node.
		if imp.Module == "" {
			continue
		}
		dst := packageKey(imp.Module)
		if !a.g.HasNode(dst) {
			a.g.AddNode(graph.Node{
				Key:        dst,
				Kind:       graph.NodePackage,
				Attributes: map[string]any{"external": true},
			})
		}
		a.g.AddEdge(src, dst, graph.EdgeMeta{Kind: graph.EdgeImport, IsDirect: true, Attributes: attrs})
	}
}

func (a *assembly) addCalls(scan *language.FileScan) {
	src := fileKey(scan.Path)
	for _, call := range scan.Calls {
		defFile, ok := a.functions[call.Name]
		if !ok {
			continue
		}

		fnKey := functionKey(call.Name, defFile)
		if !a.g.HasNode(fnKey) {
			a.g.AddNode(graph.Node{
				Key:        fnKey,
				Kind:       graph.NodeFunction,
				Path:       defFile,
				Attributes: map[string]any{"name": call.Name},
			})
		}

		attrs := map[string]any{"call_kind": string(call.Kind)}
		if call.Object != "" {
			attrs["object"] = call.Object
		}
		a.g.AddEdge(src, fnKey, graph.EdgeMeta{Kind: graph.EdgeFunctionCall, IsDirect: true, Attributes: attrs})
		a.g.AddEdge(fnKey, fileKey(defFile), graph.EdgeMeta{
			Kind:       graph.EdgeCustom,
			IsDirect:   true,
			Attributes: map[string]any{"relationship": "defined_in"},
		})
	}
}

func (a *assembly) addClasses(scan *language.FileScan) {
	for _, cls := range scan.Classes {
		clsKey := classKey(cls.Name, scan.Path)
		a.g.AddNode(graph.Node{
			Key:        clsKey,
			Kind:       graph.NodeClass,
			Path:       scan.Path,
			Attributes: map[string]any{"name": cls.Name},
		})
		a.g.AddEdge(clsKey, fileKey(scan.Path), graph.EdgeMeta{
			Kind:       graph.EdgeCustom,
			IsDirect:   true,
			Attributes: map[string]any{"relationship": "defined_in"},
		})

		for _, parent := range cls.Parents {
			var parentKey string
			if defFile, ok := a.classes[parent]; ok {
				parentKey = classKey(parent, defFile)
				if !a.g.HasNode(parentKey) {
					a.g.AddNode(graph.Node{
						Key:        parentKey,
						Kind:       graph.NodeClass,
						Path:       defFile,
						Attributes: map[string]any{"name": parent},
					})
				}
			} else {
				// Parent declared outside the scanned set.
				parentKey = "class:" + parent
				if !a.g.HasNode(parentKey) {
					a.g.AddNode(graph.Node{
						Key:        parentKey,
						Kind:       graph.NodeClass,
						Attributes: map[string]any{"name": parent, "external": true},
					})
				}
			}
			a.g.AddEdge(clsKey, parentKey, graph.EdgeMeta{Kind: graph.EdgeInheritance, IsDirect: true})
		}
	}
}

func (a *assembly) addPackages(pkgScans []packages.PackageScan) {
	if len(pkgScans) == 0 {
		return
	}

	managers := make([]string, 0, len(pkgScans))
	for _, scan := range pkgScans {
		managers = append(managers, string(scan.Manager))
	}
	a.g.AddNode(graph.Node{
		Key:        ProjectRootKey,
		Kind:       graph.NodePackage,
		Attributes: map[string]any{"managers": managers},
	})

	for _, scan := range pkgScans {
		for _, dep := range scan.Dependencies {
			depKey := packageKey(dep.Name)
			attrs := map[string]any{"manager": string(scan.Manager)}
			if dep.Version != "" {
				attrs["version"] = dep.Version
			}
			if dep.Dev {
				attrs["dev"] = true
			}
			a.g.AddNode(graph.Node{Key: depKey, Kind: graph.NodePackage, Attributes: attrs})

			edgeAttrs := map[string]any{"manager": string(scan.Manager)}
			if dep.Version != "" {
				edgeAttrs["version"] = dep.Version
			}

			src := ProjectRootKey
			if !dep.Direct && dep.Parent != "" {
				src = packageKey(dep.Parent)
				if !a.g.HasNode(src) {
					a.g.AddNode(graph.Node{
						Key:        src,
						Kind:       graph.NodePackage,
						Attributes: map[string]any{"manager": string(scan.Manager)},
					})
				}
			}
			a.g.AddEdge(src, depKey, graph.EdgeMeta{
				Kind:       graph.EdgePackage,
				IsDirect:   dep.Direct,
				Attributes: edgeAttrs,
			})
		}
	}
}

func fileKey(path string) string { return "file:" + path }

func packageKey(name string) string { return "package:" + name }

func functionKey(name, definingFile string) string {
	return "function:" + name + ":" + definingFile
}

func classKey(name, definingFile string) string {
	return "class:" + name + ":" + definingFile
}
