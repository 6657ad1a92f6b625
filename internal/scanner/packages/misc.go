package packages

import (
	"bufio"
	"bytes"
	"regexp"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"golang.org/x/mod/modfile"

	"github.com/pipewright/pipewright/internal/apperrors"
)

// parseGoMod uses the canonical modfile parser. Indirect requirements
// are present in go.mod, so the tree tool step is unnecessary for Go.
func parseGoMod(manifestPath string, content []byte) ([]Dependency, error) {
	f, err := modfile.Parse(manifestPath, content, nil)
	if err != nil {
		return nil, apperrors.Input("invalid_manifest", "cannot parse go.mod").WithCause(err)
	}

	var deps []Dependency
	for _, r := range f.Require {
		deps = append(deps, Dependency{
			Name:    r.Mod.Path,
			Version: r.Mod.Version,
			Direct:  !r.Indirect,
		})
	}
	return deps, nil
}

type cargoToml struct {
	Dependencies    map[string]any `toml:"dependencies"`
	DevDependencies map[string]any `toml:"dev-dependencies"`
}

func parseCargoToml(_ string, content []byte) ([]Dependency, error) {
	var doc cargoToml
	if err := toml.Unmarshal(content, &doc); err != nil {
		return nil, apperrors.Input("invalid_manifest", "cannot parse Cargo.toml").WithCause(err)
	}

	collect := func(table map[string]any, dev bool) []Dependency {
		var deps []Dependency
		for name, spec := range table {
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

	deps := collect(doc.Dependencies, false)
	deps = append(deps, collect(doc.DevDependencies, true)...)
	return deps, nil
}

var gemfileDep = regexp.MustCompile(`^\s*gem\s+['"]([^'"]+)['"](?:\s*,\s*['"]([^'"]+)['"])?`)

func parseGemfile(_ string, content []byte) ([]Dependency, error) {
	var deps []Dependency
	inDevGroup := false
	scanner := bufio.NewScanner(bytes.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		// Track the common `group :development, :test do ... end` block.
		if strings.HasPrefix(trimmed, "group ") && strings.HasSuffix(trimmed, "do") {
			inDevGroup = strings.Contains(trimmed, ":development") || strings.Contains(trimmed, ":test")
			continue
		}
		if trimmed == "end" {
			inDevGroup = false
			continue
		}

		if m := gemfileDep.FindStringSubmatch(line); m != nil {
			deps = append(deps, Dependency{Name: m[1], Version: m[2], Dev: inDevGroup, Direct: true})
		}
	}
	return deps, scanner.Err()
}
