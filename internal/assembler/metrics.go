package assembler

import (
	"sort"

	"github.com/pipewright/pipewright/internal/graph"
)

const topConnectedCount = 10

// ConnectedNode is one entry of the top-connected ranking. Degree counts
// incoming plus outgoing edges.
type ConnectedNode struct {
	Key       string `json:"key"`
	Degree    int    `json:"degree"`
	InDegree  int    `json:"in_degree"`
	OutDegree int    `json:"out_degree"`
}

// Metrics is the one-pass summary of an assembled graph.
type Metrics struct {
	NodeCount     int                    `json:"node_count"`
	EdgeCount     int                    `json:"edge_count"`
	NodesByKind   map[graph.NodeKind]int `json:"nodes_by_kind"`
	EdgesByKind   map[graph.EdgeKind]int `json:"edges_by_kind"`
	MaxInDegree   int                    `json:"max_in_degree"`
	MaxOutDegree  int                    `json:"max_out_degree"`
	AverageDegree float64                `json:"average_degree"`
	TopConnected  []ConnectedNode        `json:"top_connected"`
	// Cyclomatic is E - N + 2, kept literal for reproducibility.
	Cyclomatic int        `json:"cyclomatic_complexity"`
	MaxDepth   int        `json:"max_depth"`
	Cycles     [][]string `json:"cycles"`
}

// ComputeMetrics derives the metric bundle from a graph. The ranking of
// top-connected nodes breaks degree ties by key so output is stable.
func ComputeMetrics(g *graph.Graph) *Metrics {
	m := &Metrics{
		NodeCount:   g.NodeCount(),
		EdgeCount:   g.EdgeCount(),
		NodesByKind: make(map[graph.NodeKind]int),
		EdgesByKind: make(map[graph.EdgeKind]int),
		Cycles:      g.FindCycles(),
	}

	connected := make([]ConnectedNode, 0, m.NodeCount)
	for _, node := range g.AllNodes() {
		m.NodesByKind[node.Kind]++

		in := g.InDegree(node.Key)
		out := g.OutDegree(node.Key)
		if in > m.MaxInDegree {
			m.MaxInDegree = in
		}
		if out > m.MaxOutDegree {
			m.MaxOutDegree = out
		}
		connected = append(connected, ConnectedNode{
			Key:       node.Key,
			Degree:    in + out,
			InDegree:  in,
			OutDegree: out,
		})
	}
	for _, edge := range g.AllEdges() {
		m.EdgesByKind[edge.Metadata.Kind]++
	}

	if m.NodeCount > 0 {
		m.AverageDegree = float64(2*m.EdgeCount) / float64(m.NodeCount)
	}
	m.Cyclomatic = m.EdgeCount - m.NodeCount + 2
	m.MaxDepth = g.MaxDepth()

	sort.Slice(connected, func(i, j int) bool {
		if connected[i].Degree != connected[j].Degree {
			return connected[i].Degree > connected[j].Degree
		}
		return connected[i].Key < connected[j].Key
	})
	if len(connected) > topConnectedCount {
		connected = connected[:topConnectedCount]
	}
	m.TopConnected = connected
	return m
}
