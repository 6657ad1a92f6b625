package graph

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildDiamond() *Graph {
	// a → b → d, a → c → d
	g := New()
	g.AddEdge("a", "b", EdgeMeta{Kind: EdgeImport})
	g.AddEdge("a", "c", EdgeMeta{Kind: EdgeImport})
	g.AddEdge("b", "d", EdgeMeta{Kind: EdgeImport})
	g.AddEdge("c", "d", EdgeMeta{Kind: EdgeImport})
	return g
}

func TestTopologicalSort(t *testing.T) {
	g := buildDiamond()

	order, cyclic := g.TopologicalSort()

	assert.False(t, cyclic)
	assert.Len(t, order, 4)

	pos := make(map[string]int)
	for i, key := range order {
		pos[key] = i
	}
	for _, e := range g.AllEdges() {
		assert.Less(t, pos[e.Source], pos[e.Target],
			"edge %s→%s violates topological order", e.Source, e.Target)
	}
}

func TestTopologicalSortCyclic(t *testing.T) {
	g := New()
	g.AddEdge("a", "b", EdgeMeta{Kind: EdgeImport})
	g.AddEdge("b", "c", EdgeMeta{Kind: EdgeImport})
	g.AddEdge("c", "a", EdgeMeta{Kind: EdgeImport})
	g.AddEdge("c", "d", EdgeMeta{Kind: EdgeImport})

	order, cyclic := g.TopologicalSort()

	assert.True(t, cyclic)
	assert.Len(t, order, 4)

	seen := make(map[string]int)
	for _, key := range order {
		seen[key]++
	}
	for _, key := range g.Keys() {
		assert.Equal(t, 1, seen[key], "node %s must appear exactly once", key)
	}
}

func TestTopologicalSortEmpty(t *testing.T) {
	order, cyclic := New().TopologicalSort()
	assert.Empty(t, order)
	assert.False(t, cyclic)
}

func TestTopologicalLevels(t *testing.T) {
	g := buildDiamond()

	levels, cyclic := g.TopologicalLevels()

	require.False(t, cyclic)
	require.Len(t, levels, 3)
	assert.Equal(t, []string{"a"}, levels[0])
	assert.ElementsMatch(t, []string{"b", "c"}, levels[1])
	assert.Equal(t, []string{"d"}, levels[2])
}

func TestTopologicalLevelsCyclic(t *testing.T) {
	g := New()
	g.AddEdge("a", "b", EdgeMeta{Kind: EdgeImport})
	g.AddEdge("b", "a", EdgeMeta{Kind: EdgeImport})
	g.AddNode(Node{Key: "c", Kind: NodeFile})

	levels, cyclic := g.TopologicalLevels()

	assert.True(t, cyclic)
	require.Len(t, levels, 2)
	assert.Equal(t, []string{"c"}, levels[0])
	assert.ElementsMatch(t, []string{"a", "b"}, levels[1])
}

func TestFindCycles(t *testing.T) {
	t.Run("acyclic", func(t *testing.T) {
		assert.Empty(t, buildDiamond().FindCycles())
	})

	t.Run("single cycle", func(t *testing.T) {
		g := New()
		g.AddEdge("a", "b", EdgeMeta{Kind: EdgeImport})
		g.AddEdge("b", "c", EdgeMeta{Kind: EdgeImport})
		g.AddEdge("c", "a", EdgeMeta{Kind: EdgeImport})

		cycles := g.FindCycles()
		require.Len(t, cycles, 1)
		assert.ElementsMatch(t, []string{"a", "b", "c"}, cycles[0])
	})

	t.Run("self loop", func(t *testing.T) {
		g := New()
		g.AddEdge("a", "a", EdgeMeta{Kind: EdgeImport})

		cycles := g.FindCycles()
		require.Len(t, cycles, 1)
		assert.Equal(t, []string{"a"}, cycles[0])
	})

	t.Run("two disjoint cycles", func(t *testing.T) {
		g := New()
		g.AddEdge("a", "b", EdgeMeta{Kind: EdgeImport})
		g.AddEdge("b", "a", EdgeMeta{Kind: EdgeImport})
		g.AddEdge("x", "y", EdgeMeta{Kind: EdgeImport})
		g.AddEdge("y", "x", EdgeMeta{Kind: EdgeImport})

		assert.Len(t, g.FindCycles(), 2)
	})
}

func TestHasCycle(t *testing.T) {
	assert.False(t, buildDiamond().HasCycle())

	g := New()
	g.AddEdge("a", "b", EdgeMeta{Kind: EdgeImport})
	g.AddEdge("b", "a", EdgeMeta{Kind: EdgeImport})
	assert.True(t, g.HasCycle())
}

func TestCriticalPath(t *testing.T) {
	t.Run("chain", func(t *testing.T) {
		g := New()
		g.AddEdge("a", "b", EdgeMeta{Kind: EdgeImport})
		g.AddEdge("b", "c", EdgeMeta{Kind: EdgeImport})
		g.AddEdge("c", "d", EdgeMeta{Kind: EdgeImport})

		assert.Equal(t, []string{"a", "b", "c", "d"}, g.CriticalPath())
		assert.Equal(t, 3, g.MaxDepth())
	})

	t.Run("longest branch wins", func(t *testing.T) {
		g := New()
		g.AddEdge("a", "b", EdgeMeta{Kind: EdgeImport})
		g.AddEdge("a", "c", EdgeMeta{Kind: EdgeImport})
		g.AddEdge("c", "d", EdgeMeta{Kind: EdgeImport})

		assert.Equal(t, []string{"a", "c", "d"}, g.CriticalPath())
	})

	t.Run("tie broken by insertion order", func(t *testing.T) {
		// Two length-2 chains; the first inserted wins.
		g := New()
		g.AddEdge("p", "q", EdgeMeta{Kind: EdgeImport})
		g.AddEdge("x", "y", EdgeMeta{Kind: EdgeImport})

		assert.Equal(t, []string{"p", "q"}, g.CriticalPath())
	})

	t.Run("empty", func(t *testing.T) {
		assert.Empty(t, New().CriticalPath())
		assert.Equal(t, 0, New().MaxDepth())
	})

	t.Run("cyclic stays finite", func(t *testing.T) {
		g := New()
		g.AddEdge("a", "b", EdgeMeta{Kind: EdgeImport})
		g.AddEdge("b", "a", EdgeMeta{Kind: EdgeImport})

		path := g.CriticalPath()
		assert.NotEmpty(t, path)
		assert.LessOrEqual(t, len(path), 2)
	})
}

func TestTransitiveClosures(t *testing.T) {
	g := New()
	g.AddEdge("app", "lib", EdgeMeta{Kind: EdgeImport})
	g.AddEdge("lib", "core", EdgeMeta{Kind: EdgeImport})
	g.AddEdge("tool", "core", EdgeMeta{Kind: EdgeImport})

	assert.ElementsMatch(t, []string{"lib", "core"}, g.TransitiveDependencies("app"))
	assert.ElementsMatch(t, []string{"lib", "app", "tool"}, g.TransitiveDependents("core"))
	assert.Empty(t, g.TransitiveDependencies("core"))
	assert.Nil(t, g.TransitiveDependencies("missing"))
}

func TestConnectedComponents(t *testing.T) {
	g := New()
	g.AddEdge("a", "b", EdgeMeta{Kind: EdgeImport})
	g.AddEdge("c", "b", EdgeMeta{Kind: EdgeImport})
	g.AddEdge("x", "y", EdgeMeta{Kind: EdgeImport})
	g.AddNode(Node{Key: "lone", Kind: NodeFile})

	components := g.ConnectedComponents()

	require.Len(t, components, 3)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, components[0])
	assert.ElementsMatch(t, []string{"x", "y"}, components[1])
	assert.Equal(t, []string{"lone"}, components[2])
}

func buildLayeredGraph(layers, width int) *Graph {
	g := New()
	for l := 0; l < layers-1; l++ {
		for i := 0; i < width; i++ {
			src := fmt.Sprintf("n%d_%d", l, i)
			dst := fmt.Sprintf("n%d_%d", l+1, i)
			g.AddEdge(src, dst, EdgeMeta{Kind: EdgeImport})
			if i > 0 {
				g.AddEdge(src, fmt.Sprintf("n%d_%d", l+1, i-1), EdgeMeta{Kind: EdgeImport})
			}
		}
	}
	return g
}

func BenchmarkTopologicalSort(b *testing.B) {
	g := buildLayeredGraph(50, 20)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		g.TopologicalSort()
	}
}

func BenchmarkFindCycles(b *testing.B) {
	g := buildLayeredGraph(50, 20)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		g.FindCycles()
	}
}

func BenchmarkCriticalPath(b *testing.B) {
	g := buildLayeredGraph(50, 20)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		g.CriticalPath()
	}
}
