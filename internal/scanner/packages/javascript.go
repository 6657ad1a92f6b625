package packages

import (
	"encoding/json"

	"github.com/pipewright/pipewright/internal/apperrors"
)

type packageJSON struct {
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

func parsePackageJSON(_ string, content []byte) ([]Dependency, error) {
	var doc packageJSON
	if err := json.Unmarshal(content, &doc); err != nil {
		return nil, apperrors.Input("invalid_manifest", "cannot parse package.json").WithCause(err)
	}

	var deps []Dependency
	for name, version := range doc.Dependencies {
		deps = append(deps, Dependency{Name: name, Version: version, Direct: true})
	}
	for name, version := range doc.DevDependencies {
		deps = append(deps, Dependency{Name: name, Version: version, Dev: true, Direct: true})
	}
	return deps, nil
}

type composerJSON struct {
	Require    map[string]string `json:"require"`
	RequireDev map[string]string `json:"require-dev"`
}

func parseComposerJSON(_ string, content []byte) ([]Dependency, error) {
	var doc composerJSON
	if err := json.Unmarshal(content, &doc); err != nil {
		return nil, apperrors.Input("invalid_manifest", "cannot parse composer.json").WithCause(err)
	}

	platform := func(name string) bool {
		// php itself and ext-*/lib-* entries are platform requirements,
		// not packages.
		return name == "php" || len(name) > 4 && (name[:4] == "ext-" || name[:4] == "lib-")
	}

	var deps []Dependency
	for name, version := range doc.Require {
		if platform(name) {
			continue
		}
		deps = append(deps, Dependency{Name: name, Version: version, Direct: true})
	}
	for name, version := range doc.RequireDev {
		if platform(name) {
			continue
		}
		deps = append(deps, Dependency{Name: name, Version: version, Dev: true, Direct: true})
	}
	return deps, nil
}
