// Package packages extracts declared and resolved package dependencies
// from manifest files. Manifest parsing yields direct dependencies;
// the ecosystem's own tree tool, when present, adds the transitive
// closure. Tool absence degrades to direct-only output.
package packages

import (
	"context"
	"os"
	"path"
	"path/filepath"

	"github.com/pipewright/pipewright/internal/logger"
)

// Manager identifies a package ecosystem.
type Manager string

const (
	ManagerPip      Manager = "pip"
	ManagerNpm      Manager = "npm"
	ManagerYarn     Manager = "yarn"
	ManagerMaven    Manager = "maven"
	ManagerGradle   Manager = "gradle"
	ManagerCargo    Manager = "cargo"
	ManagerGo       Manager = "go"
	ManagerBundler  Manager = "bundler"
	ManagerComposer Manager = "composer"
	ManagerNuget    Manager = "nuget"
)

// Dependency is one package requirement. Direct dependencies are
// declared by the project; transitive ones are reported by a tree tool
// with Parent naming the package that pulls them in.
type Dependency struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	Dev     bool   `json:"dev,omitempty"`
	Direct  bool   `json:"direct"`
	Parent  string `json:"parent,omitempty"`
}

// PackageScan is the pre-graph record set for one detected manifest.
type PackageScan struct {
	Manager      Manager      `json:"manager"`
	ManifestPath string       `json:"manifest_path"`
	Dependencies []Dependency `json:"dependencies"`
}

// Detection pairs a manifest file with the manager that owns it.
type Detection struct {
	Manager      Manager
	ManifestPath string
}

// managerGlobs maps base-name patterns to managers, checked in order.
var managerGlobs = []struct {
	pattern string
	manager Manager
}{
	{"requirements*.txt", ManagerPip},
	{"setup.py", ManagerPip},
	{"pyproject.toml", ManagerPip},
	{"package.json", ManagerNpm},
	{"pom.xml", ManagerMaven},
	{"build.gradle*", ManagerGradle},
	{"Cargo.toml", ManagerCargo},
	{"go.mod", ManagerGo},
	{"Gemfile", ManagerBundler},
	{"composer.json", ManagerComposer},
	{"*.csproj", ManagerNuget},
	{"packages.config", ManagerNuget},
}

// Detect matches the discovered project-relative paths against the
// manager filename globs. package.json resolves to yarn when a sibling
// yarn.lock is present.
func Detect(files []string) []Detection {
	haveYarnLock := make(map[string]bool)
	for _, f := range files {
		if path.Base(f) == "yarn.lock" {
			haveYarnLock[path.Dir(f)] = true
		}
	}

	var detections []Detection
	for _, f := range files {
		base := path.Base(f)
		for _, g := range managerGlobs {
			ok, err := path.Match(g.pattern, base)
			if err != nil || !ok {
				continue
			}
			manager := g.manager
			if manager == ManagerNpm && haveYarnLock[path.Dir(f)] {
				manager = ManagerYarn
			}
			detections = append(detections, Detection{Manager: manager, ManifestPath: f})
			break
		}
	}
	return detections
}

// parser turns one manifest's bytes into direct dependencies.
type parser func(path string, content []byte) ([]Dependency, error)

var parsers = map[Manager]parser{
	ManagerPip:      parsePipManifest,
	ManagerNpm:      parsePackageJSON,
	ManagerYarn:     parsePackageJSON,
	ManagerMaven:    parsePomXML,
	ManagerGradle:   parseGradle,
	ManagerCargo:    parseCargoToml,
	ManagerGo:       parseGoMod,
	ManagerBundler:  parseGemfile,
	ManagerComposer: parseComposerJSON,
	ManagerNuget:    parseNuget,
}

// Scanner runs manifest parsing and tree-tool resolution for a project.
type Scanner struct {
	root  string
	tools *ToolRunner
	log   logger.Logger
}

// NewScanner creates a package scanner rooted at the project directory.
func NewScanner(root string, tools *ToolRunner) *Scanner {
	if tools == nil {
		tools = NewToolRunner()
	}
	return &Scanner{root: root, tools: tools, log: logger.New("packages")}
}

// Scan parses every detected manifest and, best effort, resolves the
// transitive closure with the ecosystem's native tool. Per-manifest
// failures are logged and skipped; the batch never aborts.
func (s *Scanner) Scan(ctx context.Context, files []string) []PackageScan {
	var scans []PackageScan
	for _, det := range Detect(files) {
		scan, err := s.scanManifest(ctx, det)
		if err != nil {
			s.log.Warn("manifest scan failed",
				logger.String("manifest", det.ManifestPath),
				logger.String("manager", string(det.Manager)),
				logger.Error(err))
			continue
		}
		scans = append(scans, scan)
	}
	return scans
}

func (s *Scanner) scanManifest(ctx context.Context, det Detection) (PackageScan, error) {
	content, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(det.ManifestPath)))
	if err != nil {
		return PackageScan{}, err
	}

	parse := parsers[det.Manager]
	direct, err := parse(det.ManifestPath, content)
	if err != nil {
		return PackageScan{}, err
	}

	scan := PackageScan{
		Manager:      det.Manager,
		ManifestPath: det.ManifestPath,
		Dependencies: direct,
	}

	dir := filepath.Join(s.root, filepath.FromSlash(path.Dir(det.ManifestPath)))
	transitive, err := s.tools.Resolve(ctx, det.Manager, dir)
	if err != nil {
		// Missing or failing tools leave the direct set intact.
		s.log.Debug("transitive resolution unavailable",
			logger.String("manager", string(det.Manager)),
			logger.Error(err))
		return scan, nil
	}
	scan.Dependencies = mergeTransitive(direct, transitive)
	return scan, nil
}

// mergeTransitive overlays tool-resolved dependencies onto the declared
// set. Resolved versions win for packages declared directly; packages
// the tool reports beyond the declared set join as transitive.
func mergeTransitive(direct, resolved []Dependency) []Dependency {
	byName := make(map[string]int, len(direct))
	merged := make([]Dependency, len(direct))
	copy(merged, direct)
	for i, d := range merged {
		byName[d.Name] = i
	}

	for _, r := range resolved {
		if i, ok := byName[r.Name]; ok {
			if r.Version != "" {
				merged[i].Version = r.Version
			}
			continue
		}
		r.Direct = false
		byName[r.Name] = len(merged)
		merged = append(merged, r)
	}
	return merged
}
