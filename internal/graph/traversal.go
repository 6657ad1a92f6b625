package graph

import "strings"

// TopologicalSort returns every node exactly once using Kahn's
// algorithm. For every edge (u, v) outside a cycle, u appears before v.
// When the graph is cyclic the unemitted nodes are appended in
// insertion order and the second return is true.
func (g *Graph) TopologicalSort() ([]string, bool) {
	inDeg := make(map[string]int, len(g.nodes))
	for _, key := range g.order {
		inDeg[key] = len(g.in[key])
	}

	queue := make([]string, 0)
	for _, key := range g.order {
		if inDeg[key] == 0 {
			queue = append(queue, key)
		}
	}

	result := make([]string, 0, len(g.nodes))
	emitted := make(map[string]bool, len(g.nodes))
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		result = append(result, u)
		emitted[u] = true
		for _, v := range g.outOrder[u] {
			inDeg[v]--
			if inDeg[v] == 0 {
				queue = append(queue, v)
			}
		}
	}

	cyclic := len(result) < len(g.order)
	if cyclic {
		for _, key := range g.order {
			if !emitted[key] {
				result = append(result, key)
			}
		}
	}
	return result, cyclic
}

// TopologicalLevels groups nodes into Kahn waves: each level holds the
// nodes whose in-degree drops to zero once prior levels are removed.
// Members of one level are mutually independent. Cyclic remainders form
// a final level in insertion order, flagged by the second return.
func (g *Graph) TopologicalLevels() ([][]string, bool) {
	inDeg := make(map[string]int, len(g.nodes))
	for _, key := range g.order {
		inDeg[key] = len(g.in[key])
	}

	current := make([]string, 0)
	for _, key := range g.order {
		if inDeg[key] == 0 {
			current = append(current, key)
		}
	}

	levels := make([][]string, 0)
	seen := 0
	for len(current) > 0 {
		levels = append(levels, current)
		seen += len(current)
		next := make([]string, 0)
		for _, u := range current {
			for _, v := range g.outOrder[u] {
				inDeg[v]--
				if inDeg[v] == 0 {
					next = append(next, v)
				}
			}
		}
		current = next
	}

	cyclic := seen < len(g.order)
	if cyclic {
		rest := make([]string, 0, len(g.order)-seen)
		for _, key := range g.order {
			if inDeg[key] > 0 {
				rest = append(rest, key)
			}
		}
		levels = append(levels, rest)
	}
	return levels, cyclic
}

// FindCycles returns simple cycles discovered by depth-first search
// with a recursion-stack set. Each cycle is reported once, as the node
// sequence along the back edge.
func (g *Graph) FindCycles() [][]string {
	visited := make(map[string]bool, len(g.nodes))
	onPath := make(map[string]int)
	path := make([]string, 0)
	seen := make(map[string]bool)
	cycles := make([][]string, 0)

	var dfs func(u string)
	dfs = func(u string) {
		visited[u] = true
		onPath[u] = len(path)
		path = append(path, u)

		for _, v := range g.outOrder[u] {
			if start, ok := onPath[v]; ok {
				cycle := make([]string, len(path)-start)
				copy(cycle, path[start:])
				if key := canonicalCycle(cycle); !seen[key] {
					seen[key] = true
					cycles = append(cycles, cycle)
				}
				continue
			}
			if !visited[v] {
				dfs(v)
			}
		}

		path = path[:len(path)-1]
		delete(onPath, u)
	}

	for _, key := range g.order {
		if !visited[key] {
			dfs(key)
		}
	}
	return cycles
}

// HasCycle reports whether the graph contains at least one cycle.
func (g *Graph) HasCycle() bool {
	_, cyclic := g.TopologicalSort()
	return cyclic
}

// CriticalPath returns the longest simple path, found by relaxing edges
// along the topological order. Ties are broken by node insertion order.
// Cyclic graphs yield a best-effort path over the acyclic prefix.
func (g *Graph) CriticalPath() []string {
	if len(g.order) == 0 {
		return []string{}
	}

	pos := make(map[string]int, len(g.order))
	for i, key := range g.order {
		pos[key] = i
	}

	order, _ := g.TopologicalSort()
	dist := make(map[string]int, len(g.order))
	prev := make(map[string]string, len(g.order))

	for _, u := range order {
		for _, v := range g.outOrder[u] {
			nd := dist[u] + 1
			if nd > dist[v] || (nd == dist[v] && betterTie(pos, u, prev[v])) {
				dist[v] = nd
				prev[v] = u
			}
		}
	}

	end := g.order[0]
	for _, key := range g.order {
		if dist[key] > dist[end] {
			end = key
		}
	}

	// The path must stay simple; cyclic graphs can loop the prev links.
	path := []string{end}
	seen := map[string]bool{end: true}
	for {
		p, ok := prev[path[len(path)-1]]
		if !ok || seen[p] {
			break
		}
		seen[p] = true
		path = append(path, p)
	}
	reverse(path)
	return path
}

// MaxDepth returns the length in edges of the critical path.
func (g *Graph) MaxDepth() int {
	path := g.CriticalPath()
	if len(path) == 0 {
		return 0
	}
	return len(path) - 1
}

// TransitiveDependencies returns every node reachable from key along
// outgoing edges, in depth-first discovery order.
func (g *Graph) TransitiveDependencies(key string) []string {
	return g.closure(key, g.outOrder)
}

// TransitiveDependents returns every node that reaches key along
// incoming edges, in depth-first discovery order.
func (g *Graph) TransitiveDependents(key string) []string {
	return g.closure(key, g.inOrder)
}

func (g *Graph) closure(key string, adj map[string][]string) []string {
	if !g.HasNode(key) {
		return nil
	}
	visited := map[string]bool{key: true}
	result := make([]string, 0)

	var walk func(u string)
	walk = func(u string) {
		for _, v := range adj[u] {
			if !visited[v] {
				visited[v] = true
				result = append(result, v)
				walk(v)
			}
		}
	}
	walk(key)
	return result
}

// ConnectedComponents returns the connected components of the
// underlying undirected graph. Components appear in the insertion order
// of their first node; members in breadth-first discovery order.
func (g *Graph) ConnectedComponents() [][]string {
	visited := make(map[string]bool, len(g.nodes))
	components := make([][]string, 0)

	for _, root := range g.order {
		if visited[root] {
			continue
		}
		visited[root] = true
		component := []string{root}
		queue := []string{root}
		for len(queue) > 0 {
			u := queue[0]
			queue = queue[1:]
			for _, v := range g.neighbors(u) {
				if !visited[v] {
					visited[v] = true
					component = append(component, v)
					queue = append(queue, v)
				}
			}
		}
		components = append(components, component)
	}
	return components
}

func (g *Graph) neighbors(key string) []string {
	n := make([]string, 0, len(g.outOrder[key])+len(g.inOrder[key]))
	n = append(n, g.outOrder[key]...)
	n = append(n, g.inOrder[key]...)
	return n
}

// canonicalCycle rotates a cycle so its smallest key leads, giving a
// stable identity regardless of the DFS entry point.
func canonicalCycle(cycle []string) string {
	min := 0
	for i, key := range cycle {
		if key < cycle[min] {
			min = i
		}
	}
	rotated := make([]string, 0, len(cycle))
	rotated = append(rotated, cycle[min:]...)
	rotated = append(rotated, cycle[:min]...)
	return strings.Join(rotated, "\x00")
}

func betterTie(pos map[string]int, candidate, incumbent string) bool {
	if incumbent == "" {
		return true
	}
	return pos[candidate] < pos[incumbent]
}

func reverse(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
