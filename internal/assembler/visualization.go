package assembler

import (
	"strings"

	"github.com/pipewright/pipewright/internal/graph"
)

// Grid spacing for the level layout, in abstract canvas units.
const (
	levelSpacingX = 160
	nodeSpacingY  = 80
)

// VisNode is one positioned node of the visualization payload.
type VisNode struct {
	ID         string         `json:"id"`
	Label      string         `json:"label"`
	Kind       graph.NodeKind `json:"kind"`
	X          int            `json:"x"`
	Y          int            `json:"y"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// VisEdge is one edge of the visualization payload.
type VisEdge struct {
	Source     string         `json:"source"`
	Target     string         `json:"target"`
	Kind       graph.EdgeKind `json:"kind"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Visualization is a render-ready projection of the graph: topological
// levels become columns, level members become rows. The layout is a pure
// function of the graph.
type Visualization struct {
	Nodes []VisNode `json:"nodes"`
	Edges []VisEdge `json:"edges"`
}

// Visualize lays the graph out on a level grid. Cyclic remainders land in
// the final column like any other level.
func Visualize(g *graph.Graph) *Visualization {
	vis := &Visualization{
		Nodes: make([]VisNode, 0, g.NodeCount()),
		Edges: make([]VisEdge, 0, g.EdgeCount()),
	}

	levels, _ := g.TopologicalLevels()
	for x, level := range levels {
		for y, key := range level {
			node, _ := g.GetNode(key)
			vis.Nodes = append(vis.Nodes, VisNode{
				ID:         key,
				Label:      labelFor(node),
				Kind:       node.Kind,
				X:          x * levelSpacingX,
				Y:          y * nodeSpacingY,
				Attributes: node.Attributes,
			})
		}
	}

	for _, edge := range g.AllEdges() {
		vis.Edges = append(vis.Edges, VisEdge{
			Source:     edge.Source,
			Target:     edge.Target,
			Kind:       edge.Metadata.Kind,
			Attributes: edge.Metadata.Attributes,
		})
	}
	return vis
}

// labelFor strips the key down to what a human scans for: the path for
// files, the bare name for functions and classes, the package name for
// packages.
func labelFor(node graph.Node) string {
	rest := node.Key
	if i := strings.Index(rest, ":"); i >= 0 {
		rest = rest[i+1:]
	}
	switch node.Kind {
	case graph.NodeFunction, graph.NodeClass:
		if i := strings.Index(rest, ":"); i >= 0 {
			return rest[:i]
		}
	}
	return rest
}
