package graph

import (
	"encoding/json"
	"fmt"
	"sort"
)

// wireGraph is the stable serialized form:
//
//	{ "nodes": { "<key>": {"type","language","path","attributes"} },
//	  "edges": [ {"source","target","metadata":{"type","is_direct","attributes"}} ] }
type wireGraph struct {
	Nodes map[string]wireNode `json:"nodes"`
	Edges []Edge              `json:"edges"`
}

type wireNode struct {
	Kind       NodeKind       `json:"type"`
	Language   string         `json:"language,omitempty"`
	Path       string         `json:"path,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// MarshalJSON encodes the graph in the stable wire format.
func (g *Graph) MarshalJSON() ([]byte, error) {
	wire := wireGraph{
		Nodes: make(map[string]wireNode, len(g.nodes)),
		Edges: g.AllEdges(),
	}
	for key, n := range g.nodes {
		wire.Nodes[key] = wireNode{
			Kind:       n.Kind,
			Language:   n.Language,
			Path:       n.Path,
			Attributes: n.Attributes,
		}
	}
	return json.Marshal(wire)
}

// UnmarshalJSON decodes the stable wire format. Node insertion order is
// reconstructed by sorted key so a decoded graph traverses
// deterministically.
func (g *Graph) UnmarshalJSON(data []byte) error {
	var wire wireGraph
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("decode graph: %w", err)
	}

	*g = *New()

	keys := make([]string, 0, len(wire.Nodes))
	for key := range wire.Nodes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		n := wire.Nodes[key]
		g.AddNode(Node{
			Key:        key,
			Kind:       n.Kind,
			Language:   n.Language,
			Path:       n.Path,
			Attributes: n.Attributes,
		})
	}
	for _, e := range wire.Edges {
		g.AddEdge(e.Source, e.Target, e.Metadata)
	}
	return nil
}

// ToJSON serializes the graph.
func (g *Graph) ToJSON() ([]byte, error) {
	return json.Marshal(g)
}

// FromJSON deserializes a graph produced by ToJSON.
func FromJSON(data []byte) (*Graph, error) {
	g := New()
	if err := json.Unmarshal(data, g); err != nil {
		return nil, err
	}
	return g, nil
}
