// Package buildplan turns a dependency graph and a change set into a
// rebuild schedule: which nodes are affected, the order they build in,
// and how the work spreads over parallel batches.
package buildplan

import (
	"fmt"
	"time"

	"github.com/pipewright/pipewright/internal/apperrors"
	"github.com/pipewright/pipewright/internal/graph"
	"github.com/pipewright/pipewright/internal/logger"
)

// DefaultMaxParallelJobs bounds one batch when the request does not set
// a cap.
const DefaultMaxParallelJobs = 4

// Request describes one planning run. ChangedPaths holds project file
// paths or full node keys; empty means the whole graph is planned.
type Request struct {
	ChangedPaths    []string `json:"changed_paths,omitempty"`
	MaxParallelJobs int      `json:"max_parallel_jobs,omitempty" validate:"gte=0,lte=64"`
}

// Batch is one slice of a level that runs together. Tasks within a
// batch are mutually independent.
type Batch struct {
	Level int      `json:"level"`
	Tasks []string `json:"tasks"`
}

// Component is one connected component of the underlying undirected
// graph. Components larger than one node can be built independently of
// the rest of the project.
type Component struct {
	Nodes                  []string `json:"nodes"`
	IndependentlyBuildable bool     `json:"independently_buildable"`
}

// Plan is the rebuild schedule for one graph and change set. Estimated
// time counts batches at unit cost.
type Plan struct {
	Affected      []string    `json:"affected"`
	BuildOrder    []string    `json:"build_order"`
	CriticalPath  []string    `json:"critical_path"`
	Levels        [][]string  `json:"levels"`
	Batches       []Batch     `json:"batches"`
	EstimatedTime int         `json:"estimated_time"`
	Components    []Component `json:"components,omitempty"`
	ParallelPaths [][]string  `json:"parallel_paths,omitempty"`
	Warnings      []string    `json:"warnings,omitempty"`
	GeneratedAt   time.Time   `json:"generated_at"`
}

// Planner derives build plans from assembled graphs.
type Planner struct {
	log logger.Logger
}

// NewPlanner creates a planner.
func NewPlanner() *Planner {
	return &Planner{log: logger.New("buildplan")}
}

// Plan computes the rebuild schedule. Changed paths that do not resolve
// to a node are dropped with a warning; an empty graph or an empty
// affected set yields an empty plan.
func (p *Planner) Plan(g *graph.Graph, req Request) (*Plan, error) {
	if g == nil {
		return nil, apperrors.Input("graph_required", "a dependency graph is required")
	}

	maxJobs := req.MaxParallelJobs
	if maxJobs <= 0 {
		maxJobs = DefaultMaxParallelJobs
	}

	plan := &Plan{
		Affected:     []string{},
		BuildOrder:   []string{},
		CriticalPath: []string{},
		Levels:       [][]string{},
		Batches:      []Batch{},
		GeneratedAt:  time.Now().UTC(),
	}
	if g.NodeCount() == 0 {
		return plan, nil
	}

	affected, unknown := affectedSet(g, req.ChangedPaths)
	for _, miss := range unknown {
		plan.Warnings = append(plan.Warnings, fmt.Sprintf("changed path %s is not in the graph", miss))
	}
	plan.Affected = affected
	if len(affected) == 0 {
		return plan, nil
	}

	sub := g.Subgraph(affected)

	order, cyclic := sub.TopologicalSort()
	plan.BuildOrder = order
	if cyclic {
		cycles := sub.FindCycles()
		plan.Warnings = append(plan.Warnings,
			fmt.Sprintf("affected sub-graph contains %d cycle(s); cyclic nodes are scheduled last", len(cycles)))
	}

	plan.CriticalPath = sub.CriticalPath()
	levels, _ := sub.TopologicalLevels()
	plan.Levels = levels
	plan.Batches = batch(levels, maxJobs)
	plan.EstimatedTime = len(plan.Batches)

	for _, comp := range sub.ConnectedComponents() {
		plan.Components = append(plan.Components, Component{
			Nodes:                  comp,
			IndependentlyBuildable: len(comp) > 1,
		})
	}
	plan.ParallelPaths = parallelPaths(sub)

	p.log.Debug("build plan computed",
		logger.Int("affected", len(plan.Affected)),
		logger.Int("levels", len(plan.Levels)),
		logger.Int("batches", len(plan.Batches)),
		logger.Int("warnings", len(plan.Warnings)))
	return plan, nil
}

// affectedSet resolves the change set to node keys and closes over
// their dependents. Rebuilds propagate along reverse edges: whoever
// imports, calls or inherits a changed node is affected. Without a
// change set the whole graph is affected.
func affectedSet(g *graph.Graph, changed []string) (keys, unknown []string) {
	if len(changed) == 0 {
		return g.Keys(), nil
	}

	keys = []string{}
	seen := make(map[string]bool)
	add := func(key string) {
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}

	for _, path := range changed {
		key, ok := resolveKey(g, path)
		if !ok {
			unknown = append(unknown, path)
			continue
		}
		add(key)
		for _, dep := range g.TransitiveDependents(key) {
			add(dep)
		}
	}
	return keys, unknown
}

// resolveKey accepts either a full node key or a bare project file
// path.
func resolveKey(g *graph.Graph, path string) (string, bool) {
	if g.HasNode(path) {
		return path, true
	}
	if key := "file:" + path; g.HasNode(key) {
		return key, true
	}
	return "", false
}

// batch chunks each level into runs of at most size tasks, keeping
// level order.
func batch(levels [][]string, size int) []Batch {
	batches := make([]Batch, 0, len(levels))
	for level, tasks := range levels {
		for start := 0; start < len(tasks); start += size {
			end := start + size
			if end > len(tasks) {
				end = len(tasks)
			}
			batches = append(batches, Batch{Level: level, Tasks: tasks[start:end]})
		}
	}
	return batches
}

// parallelPaths emits one path per dependency of every fan-out node:
// from each dependency, follow first dependencies until a leaf or an
// already-visited node.
func parallelPaths(g *graph.Graph) [][]string {
	var paths [][]string
	for _, key := range g.Keys() {
		deps := g.Dependencies(key)
		if len(deps) < 2 {
			continue
		}
		for _, dep := range deps {
			path := []string{key, dep}
			seen := map[string]bool{key: true, dep: true}
			for {
				next := g.Dependencies(path[len(path)-1])
				if len(next) == 0 || seen[next[0]] {
					break
				}
				seen[next[0]] = true
				path = append(path, next[0])
			}
			paths = append(paths, path)
		}
	}
	return paths
}
