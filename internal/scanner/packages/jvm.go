package packages

import (
	"bufio"
	"bytes"
	"encoding/xml"
	"regexp"
	"strings"

	"github.com/pipewright/pipewright/internal/apperrors"
)

type pomProject struct {
	Dependencies struct {
		Dependency []pomDependency `xml:"dependency"`
	} `xml:"dependencies"`
}

type pomDependency struct {
	GroupID    string `xml:"groupId"`
	ArtifactID string `xml:"artifactId"`
	Version    string `xml:"version"`
	Scope      string `xml:"scope"`
}

// parsePomXML reads the declared maven dependencies. Keys use the
// group:artifact form so a maven package node cannot collide with a
// plain npm/pip name.
func parsePomXML(_ string, content []byte) ([]Dependency, error) {
	var doc pomProject
	if err := xml.Unmarshal(content, &doc); err != nil {
		return nil, apperrors.Input("invalid_manifest", "cannot parse pom.xml").WithCause(err)
	}

	var deps []Dependency
	for _, d := range doc.Dependencies.Dependency {
		if d.GroupID == "" || d.ArtifactID == "" {
			continue
		}
		deps = append(deps, Dependency{
			Name:    d.GroupID + ":" + d.ArtifactID,
			Version: d.Version,
			Dev:     d.Scope == "test",
			Direct:  true,
		})
	}
	return deps, nil
}

var gradleDep = regexp.MustCompile(`^\s*(implementation|api|compileOnly|runtimeOnly|testImplementation|testRuntimeOnly|compile|testCompile)\s*[\s(]['"]([^'"]+)['"]`)

// parseGradle scans build.gradle / build.gradle.kts for dependency
// declarations in the coordinate form "group:artifact:version".
func parseGradle(_ string, content []byte) ([]Dependency, error) {
	var deps []Dependency
	scanner := bufio.NewScanner(bytes.NewReader(content))
	for scanner.Scan() {
		m := gradleDep.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		parts := strings.Split(m[2], ":")
		if len(parts) < 2 {
			continue
		}
		version := ""
		if len(parts) > 2 {
			version = parts[2]
		}
		deps = append(deps, Dependency{
			Name:    parts[0] + ":" + parts[1],
			Version: version,
			Dev:     strings.HasPrefix(m[1], "test"),
			Direct:  true,
		})
	}
	return deps, scanner.Err()
}

type csprojFile struct {
	ItemGroups []struct {
		PackageReferences []struct {
			Include string `xml:"Include,attr"`
			Version string `xml:"Version,attr"`
		} `xml:"PackageReference"`
	} `xml:"ItemGroup"`
}

type packagesConfig struct {
	Packages []struct {
		ID      string `xml:"id,attr"`
		Version string `xml:"version,attr"`
	} `xml:"package"`
}

// parseNuget handles both the SDK-style .csproj PackageReference form
// and the legacy packages.config form.
func parseNuget(manifestPath string, content []byte) ([]Dependency, error) {
	if strings.HasSuffix(manifestPath, "packages.config") {
		var doc packagesConfig
		if err := xml.Unmarshal(content, &doc); err != nil {
			return nil, apperrors.Input("invalid_manifest", "cannot parse packages.config").WithCause(err)
		}
		var deps []Dependency
		for _, p := range doc.Packages {
			if p.ID != "" {
				deps = append(deps, Dependency{Name: p.ID, Version: p.Version, Direct: true})
			}
		}
		return deps, nil
	}

	var doc csprojFile
	if err := xml.Unmarshal(content, &doc); err != nil {
		return nil, apperrors.Input("invalid_manifest", "cannot parse csproj").WithCause(err)
	}
	var deps []Dependency
	for _, group := range doc.ItemGroups {
		for _, ref := range group.PackageReferences {
			if ref.Include != "" {
				deps = append(deps, Dependency{Name: ref.Include, Version: ref.Version, Direct: true})
			}
		}
	}
	return deps, nil
}
