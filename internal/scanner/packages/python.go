package packages

import (
	"bufio"
	"bytes"
	"path"
	"regexp"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/pipewright/pipewright/internal/apperrors"
)

var (
	setupInstallRequires = regexp.MustCompile(`(?s)install_requires\s*=\s*\[(.*?)\]`)
	setupQuoted          = regexp.MustCompile(`['"]([^'"]+)['"]`)
)

// parsePipManifest routes the three pip manifest shapes by file name.
func parsePipManifest(manifestPath string, content []byte) ([]Dependency, error) {
	switch base := path.Base(manifestPath); {
	case base == "setup.py":
		return parseSetupPy(content), nil
	case base == "pyproject.toml":
		return parsePyprojectToml(content)
	default:
		return parseRequirementsTxt(content), nil
	}
}

// parseRequirementsTxt reads one requirement per line, ignoring
// comments, pip options and editable installs.
func parseRequirementsTxt(content []byte) []Dependency {
	var deps []Dependency
	scanner := bufio.NewScanner(bytes.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
			continue
		}
		if i := strings.Index(line, "#"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		// Environment markers do not affect the dependency identity.
		if i := strings.Index(line, ";"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		name, version := splitRequirement(line)
		if name == "" {
			continue
		}
		deps = append(deps, Dependency{Name: name, Version: version, Direct: true})
	}
	return deps
}

// splitRequirement separates "name[extras]>=1.0,<2" into name and
// constraint.
func splitRequirement(spec string) (string, string) {
	cut := len(spec)
	for i, r := range spec {
		if strings.ContainsRune("=<>!~ [", r) {
			cut = i
			break
		}
	}
	name := strings.TrimSpace(spec[:cut])
	rest := strings.TrimSpace(spec[cut:])
	if i := strings.Index(rest, "]"); strings.HasPrefix(rest, "[") && i >= 0 {
		rest = strings.TrimSpace(rest[i+1:])
	}
	return name, rest
}

// parseSetupPy extracts the install_requires list. setup.py is
// arbitrary code; the quoted-literal scan covers the declarative form
// virtually every project uses.
func parseSetupPy(content []byte) []Dependency {
	m := setupInstallRequires.FindSubmatch(content)
	if m == nil {
		return nil
	}
	var deps []Dependency
	for _, q := range setupQuoted.FindAllSubmatch(m[1], -1) {
		name, version := splitRequirement(string(q[1]))
		if name != "" {
			deps = append(deps, Dependency{Name: name, Version: version, Direct: true})
		}
	}
	return deps
}

// pyproject covers both PEP 621 [project] and poetry layouts.
type pyproject struct {
	Project struct {
		Dependencies         []string            `toml:"dependencies"`
		OptionalDependencies map[string][]string `toml:"optional-dependencies"`
	} `toml:"project"`
	Tool struct {
		Poetry struct {
			Dependencies    map[string]any `toml:"dependencies"`
			DevDependencies map[string]any `toml:"dev-dependencies"`
			Group           map[string]struct {
				Dependencies map[string]any `toml:"dependencies"`
			} `toml:"group"`
		} `toml:"poetry"`
	} `toml:"tool"`
}

func parsePyprojectToml(content []byte) ([]Dependency, error) {
	var doc pyproject
	if err := toml.Unmarshal(content, &doc); err != nil {
		return nil, apperrors.Input("invalid_manifest", "cannot parse pyproject.toml").WithCause(err)
	}

	var deps []Dependency
	for _, spec := range doc.Project.Dependencies {
		name, version := splitRequirement(spec)
		if name != "" {
			deps = append(deps, Dependency{Name: name, Version: version, Direct: true})
		}
	}
	for _, specs := range doc.Project.OptionalDependencies {
		for _, spec := range specs {
			name, version := splitRequirement(spec)
			if name != "" {
				deps = append(deps, Dependency{Name: name, Version: version, Dev: true, Direct: true})
			}
		}
	}
	deps = append(deps, poetryDeps(doc.Tool.Poetry.Dependencies, false)...)
	deps = append(deps, poetryDeps(doc.Tool.Poetry.DevDependencies, true)...)
	for name, group := range doc.Tool.Poetry.Group {
		deps = append(deps, poetryDeps(group.Dependencies, name == "dev" || name == "test")...)
	}
	return deps, nil
}

func poetryDeps(table map[string]any, dev bool) []Dependency {
	var deps []Dependency
	for name, spec := range table {
		if name == "python" {
			continue
		}
		version := ""
		switch v := spec.(type) {
		case string:
			version = v
		case map[string]any:
			if s, ok := v["version"].(string); ok {
				version = s
			}
		}
		deps = append(deps, Dependency{Name: name, Version: version, Dev: dev, Direct: true})
	}
	return deps
}
