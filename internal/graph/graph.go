// Package graph implements the labelled dependency digraph shared by the
// scanners, the assembler and the build planner.
package graph

import "reflect"

// NodeKind classifies a graph node.
type NodeKind string

const (
	NodeFile      NodeKind = "file"
	NodePackage   NodeKind = "package"
	NodeClass     NodeKind = "class"
	NodeFunction  NodeKind = "function"
	NodeComponent NodeKind = "component"
	NodeCustom    NodeKind = "custom"
)

// EdgeKind classifies a dependency edge.
type EdgeKind string

const (
	EdgeImport       EdgeKind = "import"
	EdgeFunctionCall EdgeKind = "function_call"
	EdgeInheritance  EdgeKind = "inheritance"
	EdgePackage      EdgeKind = "package"
	EdgeCustom       EdgeKind = "custom"
)

// Node is the metadata attached to a graph key. Keys are stable strings
// of the form kind:qualifier[:path], e.g. "file:src/app.py" or
// "package:requests".
type Node struct {
	Key        string         `json:"-"`
	Kind       NodeKind       `json:"type"`
	Language   string         `json:"language,omitempty"`
	Path       string         `json:"path,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// EdgeMeta is the metadata attached to a (source, target) pair.
type EdgeMeta struct {
	Kind       EdgeKind       `json:"type"`
	IsDirect   bool           `json:"is_direct"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Edge is a directed dependency: Source depends on Target.
type Edge struct {
	Source   string   `json:"source"`
	Target   string   `json:"target"`
	Metadata EdgeMeta `json:"metadata"`
}

// Graph is a directed graph with node and edge metadata. Forward and
// reverse adjacency are kept consistent by every mutator; insertion
// order of nodes and of per-node edges is preserved so traversals are
// deterministic. Graph is not safe for concurrent mutation; assembly is
// single-writer, reads afterwards may be shared.
type Graph struct {
	nodes    map[string]*Node
	order    []string
	out      map[string]map[string]*EdgeMeta
	in       map[string]map[string]*EdgeMeta
	outOrder map[string][]string
	inOrder  map[string][]string
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		nodes:    make(map[string]*Node),
		out:      make(map[string]map[string]*EdgeMeta),
		in:       make(map[string]map[string]*EdgeMeta),
		outOrder: make(map[string][]string),
		inOrder:  make(map[string][]string),
	}
}

// AddNode inserts or replaces the metadata for key. Edges and the
// node's position in insertion order are preserved on replacement.
// Empty keys are ignored.
func (g *Graph) AddNode(node Node) {
	if node.Key == "" {
		return
	}
	if existing, ok := g.nodes[node.Key]; ok {
		*existing = node
		return
	}
	n := node
	g.nodes[node.Key] = &n
	g.order = append(g.order, node.Key)
	g.out[node.Key] = make(map[string]*EdgeMeta)
	g.in[node.Key] = make(map[string]*EdgeMeta)
}

// AddEdge inserts or replaces the edge from src to dst. Endpoints that
// do not exist yet are created with empty metadata. Edges form a set
// per (src, dst): re-adding replaces the metadata in place.
func (g *Graph) AddEdge(src, dst string, meta EdgeMeta) {
	if src == "" || dst == "" {
		return
	}
	g.ensureNode(src)
	g.ensureNode(dst)

	m := meta
	if _, ok := g.out[src][dst]; ok {
		g.out[src][dst] = &m
		g.in[dst][src] = &m
		return
	}
	g.out[src][dst] = &m
	g.in[dst][src] = &m
	g.outOrder[src] = append(g.outOrder[src], dst)
	g.inOrder[dst] = append(g.inOrder[dst], src)
}

// RemoveNode deletes key and every incident edge from both adjacency
// maps. Unknown keys are a no-op.
func (g *Graph) RemoveNode(key string) {
	if _, ok := g.nodes[key]; !ok {
		return
	}
	for _, dst := range g.outOrder[key] {
		delete(g.in[dst], key)
		g.inOrder[dst] = removeKey(g.inOrder[dst], key)
	}
	for _, src := range g.inOrder[key] {
		delete(g.out[src], key)
		g.outOrder[src] = removeKey(g.outOrder[src], key)
	}
	delete(g.nodes, key)
	delete(g.out, key)
	delete(g.in, key)
	delete(g.outOrder, key)
	delete(g.inOrder, key)
	g.order = removeKey(g.order, key)
}

// RemoveEdge deletes the edge from src to dst if present.
func (g *Graph) RemoveEdge(src, dst string) {
	if _, ok := g.out[src][dst]; !ok {
		return
	}
	delete(g.out[src], dst)
	delete(g.in[dst], src)
	g.outOrder[src] = removeKey(g.outOrder[src], dst)
	g.inOrder[dst] = removeKey(g.inOrder[dst], src)
}

// GetNode returns the node for key. The second return is false when the
// key is absent.
func (g *Graph) GetNode(key string) (Node, bool) {
	n, ok := g.nodes[key]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// GetEdge returns the metadata for the edge src→dst.
func (g *Graph) GetEdge(src, dst string) (EdgeMeta, bool) {
	m, ok := g.out[src][dst]
	if !ok {
		return EdgeMeta{}, false
	}
	return *m, true
}

// HasNode reports whether key is present.
func (g *Graph) HasNode(key string) bool {
	_, ok := g.nodes[key]
	return ok
}

// Dependencies returns the targets of key's outgoing edges in edge
// insertion order. Absent keys yield nil.
func (g *Graph) Dependencies(key string) []string {
	return copyKeys(g.outOrder[key])
}

// Dependents returns the sources of key's incoming edges in edge
// insertion order. Absent keys yield nil.
func (g *Graph) Dependents(key string) []string {
	return copyKeys(g.inOrder[key])
}

// OutDegree returns the number of outgoing edges of key.
func (g *Graph) OutDegree(key string) int {
	return len(g.out[key])
}

// InDegree returns the number of incoming edges of key.
func (g *Graph) InDegree(key string) int {
	return len(g.in[key])
}

// AllNodes returns every node in insertion order.
func (g *Graph) AllNodes() []Node {
	nodes := make([]Node, 0, len(g.order))
	for _, key := range g.order {
		nodes = append(nodes, *g.nodes[key])
	}
	return nodes
}

// Keys returns every node key in insertion order.
func (g *Graph) Keys() []string {
	return copyKeys(g.order)
}

// AllEdges returns every edge, grouped by source node in insertion
// order, then by edge insertion order.
func (g *Graph) AllEdges() []Edge {
	edges := make([]Edge, 0)
	for _, src := range g.order {
		for _, dst := range g.outOrder[src] {
			edges = append(edges, Edge{Source: src, Target: dst, Metadata: *g.out[src][dst]})
		}
	}
	return edges
}

// NodeCount returns the number of nodes.
func (g *Graph) NodeCount() int {
	return len(g.nodes)
}

// EdgeCount returns the number of edges.
func (g *Graph) EdgeCount() int {
	total := 0
	for _, targets := range g.out {
		total += len(targets)
	}
	return total
}

// Merge copies every node and edge of other into g. On key conflicts
// the incoming metadata replaces the existing one.
func (g *Graph) Merge(other *Graph) {
	if other == nil {
		return
	}
	for _, node := range other.AllNodes() {
		g.AddNode(node)
	}
	for _, edge := range other.AllEdges() {
		g.AddEdge(edge.Source, edge.Target, edge.Metadata)
	}
}

// Subgraph returns the subgraph induced by keys: the named nodes plus
// every edge with both endpoints in the set. Unknown keys are skipped.
func (g *Graph) Subgraph(keys []string) *Graph {
	want := make(map[string]bool, len(keys))
	for _, k := range keys {
		if g.HasNode(k) {
			want[k] = true
		}
	}
	sub := New()
	for _, key := range g.order {
		if want[key] {
			sub.AddNode(*g.nodes[key])
		}
	}
	for _, src := range g.order {
		if !want[src] {
			continue
		}
		for _, dst := range g.outOrder[src] {
			if want[dst] {
				sub.AddEdge(src, dst, *g.out[src][dst])
			}
		}
	}
	return sub
}

// Equal reports whether g and other contain the same node set with the
// same metadata and the same edge set with the same metadata. Insertion
// order is not part of equality.
func (g *Graph) Equal(other *Graph) bool {
	if other == nil || len(g.nodes) != len(other.nodes) || g.EdgeCount() != other.EdgeCount() {
		return false
	}
	for key, n := range g.nodes {
		o, ok := other.nodes[key]
		if !ok || !nodesEqual(*n, *o) {
			return false
		}
	}
	for src, targets := range g.out {
		for dst, m := range targets {
			om, ok := other.out[src][dst]
			if !ok || !edgeMetaEqual(*m, *om) {
				return false
			}
		}
	}
	return true
}

func (g *Graph) ensureNode(key string) {
	if _, ok := g.nodes[key]; !ok {
		g.AddNode(Node{Key: key})
	}
}

func removeKey(keys []string, key string) []string {
	for i, k := range keys {
		if k == key {
			return append(keys[:i], keys[i+1:]...)
		}
	}
	return keys
}

func copyKeys(keys []string) []string {
	if keys == nil {
		return nil
	}
	out := make([]string, len(keys))
	copy(out, keys)
	return out
}

func nodesEqual(a, b Node) bool {
	return a.Key == b.Key && a.Kind == b.Kind && a.Language == b.Language &&
		a.Path == b.Path && attrsEqual(a.Attributes, b.Attributes)
}

func edgeMetaEqual(a, b EdgeMeta) bool {
	return a.Kind == b.Kind && a.IsDirect == b.IsDirect && attrsEqual(a.Attributes, b.Attributes)
}

func attrsEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !valueEqual(av, bv) {
			return false
		}
	}
	return true
}

func valueEqual(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		return ok && attrsEqual(av, bv)
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !valueEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(a, b)
	}
}
