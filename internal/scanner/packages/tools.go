package packages

import (
	"context"
	"encoding/json"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/pipewright/pipewright/internal/apperrors"
	"github.com/pipewright/pipewright/internal/logger"
)

// ToolRunner invokes ecosystem tree tools as subprocesses. Commands are
// killed when their context deadline passes so a wedged tool can never
// hang a scan.
type ToolRunner struct {
	timeout time.Duration
	lookup  func(name string) (string, error)
	execute func(ctx context.Context, dir, name string, args ...string) ([]byte, error)
	log     logger.Logger
}

// NewToolRunner creates a runner with a 60s per-tool budget.
func NewToolRunner() *ToolRunner {
	return &ToolRunner{
		timeout: 60 * time.Second,
		lookup:  exec.LookPath,
		execute: runCommand,
		log:     logger.New("packages"),
	}
}

func runCommand(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.Output()
}

// Resolve returns the transitive dependency closure reported by the
// manager's native tool. Managers without a tree tool, or with the tool
// missing from PATH, return a resource error the caller downgrades to
// direct-only mode.
func (t *ToolRunner) Resolve(ctx context.Context, manager Manager, dir string) ([]Dependency, error) {
	var name string
	var args []string
	var parse func([]byte) []Dependency

	switch manager {
	case ManagerPip:
		name, args, parse = "pipdeptree", []string{"--json-tree"}, parsePipdeptree
	case ManagerNpm, ManagerYarn:
		name, args, parse = "npm", []string{"list", "--json", "--all"}, parseNpmList
	case ManagerMaven:
		name, args, parse = "mvn", []string{"dependency:tree", "-DoutputType=dot", "-q"}, parseMavenDot
	default:
		return nil, apperrors.Resource("no_tree_tool", "manager has no tree tool").
			WithDetail("manager", string(manager))
	}

	if _, err := t.lookup(name); err != nil {
		return nil, apperrors.Resource("tool_not_found", name+" is not installed").WithCause(err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	start := time.Now()
	out, err := t.execute(ctx, dir, name, args...)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, apperrors.Timeout("tool_timeout", name+" exceeded its time budget").WithCause(err)
		}
		// npm list exits non-zero on peer conflicts but still prints the
		// tree; use the output when it parses.
		if deps := parse(out); len(deps) > 0 {
			return deps, nil
		}
		return nil, apperrors.Resource("tool_failed", name+" failed").WithCause(err)
	}
	t.log.Debug("tree tool finished",
		logger.String("tool", name),
		logger.Duration("elapsed", time.Since(start)))

	return parse(out), nil
}

// pipdeptreeNode mirrors one entry of `pipdeptree --json-tree`.
type pipdeptreeNode struct {
	PackageName      string           `json:"package_name"`
	InstalledVersion string           `json:"installed_version"`
	Dependencies     []pipdeptreeNode `json:"dependencies"`
}

func parsePipdeptree(out []byte) []Dependency {
	var roots []pipdeptreeNode
	if err := json.Unmarshal(out, &roots); err != nil {
		return nil
	}

	var deps []Dependency
	seen := make(map[string]bool)

	type item struct {
		node   pipdeptreeNode
		parent string
	}
	stack := make([]item, 0, len(roots))
	for i := len(roots) - 1; i >= 0; i-- {
		stack = append(stack, item{node: roots[i]})
	}
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if it.node.PackageName == "" {
			continue
		}
		key := it.parent + ">" + it.node.PackageName
		if !seen[key] {
			seen[key] = true
			deps = append(deps, Dependency{
				Name:    it.node.PackageName,
				Version: it.node.InstalledVersion,
				Direct:  it.parent == "",
				Parent:  it.parent,
			})
		}
		for i := len(it.node.Dependencies) - 1; i >= 0; i-- {
			stack = append(stack, item{node: it.node.Dependencies[i], parent: it.node.PackageName})
		}
	}
	return deps
}

// npmListNode mirrors one entry of `npm list --json --all`.
type npmListNode struct {
	Version      string                 `json:"version"`
	Dependencies map[string]npmListNode `json:"dependencies"`
}

func parseNpmList(out []byte) []Dependency {
	var root npmListNode
	if err := json.Unmarshal(out, &root); err != nil {
		return nil
	}

	var deps []Dependency
	seen := make(map[string]bool)

	var walk func(node npmListNode, parent string)
	walk = func(node npmListNode, parent string) {
		for name, child := range node.Dependencies {
			key := parent + ">" + name
			if !seen[key] {
				seen[key] = true
				deps = append(deps, Dependency{
					Name:    name,
					Version: child.Version,
					Direct:  parent == "",
					Parent:  parent,
				})
			}
			walk(child, name)
		}
	}
	walk(root, "")
	return deps
}

var mavenDotEdge = regexp.MustCompile(`"([^"]+)"\s*->\s*"([^"]+)"`)

// parseMavenDot reads the DOT digraph emitted by
// `mvn dependency:tree -DoutputType=dot`. Vertex labels look like
// group:artifact:packaging:version[:scope].
func parseMavenDot(out []byte) []Dependency {
	var deps []Dependency
	seen := make(map[string]bool)

	rootSeen := make(map[string]bool)
	for i, m := range mavenDotEdge.FindAllStringSubmatch(string(out), -1) {
		if i == 0 {
			rootSeen[m[1]] = true
		}
		parentName, _ := mavenCoordinate(m[1])
		name, version := mavenCoordinate(m[2])
		if name == "" {
			continue
		}
		if rootSeen[m[1]] {
			parentName = ""
		}
		key := parentName + ">" + name
		if seen[key] {
			continue
		}
		seen[key] = true
		deps = append(deps, Dependency{
			Name:    name,
			Version: version,
			Direct:  parentName == "",
			Parent:  parentName,
		})
	}
	return deps
}

func mavenCoordinate(label string) (string, string) {
	parts := strings.Split(label, ":")
	if len(parts) < 2 {
		return "", ""
	}
	name := parts[0] + ":" + parts[1]
	version := ""
	if len(parts) >= 4 {
		version = parts[3]
	}
	return name, version
}
