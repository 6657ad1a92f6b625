package packages

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipewright/pipewright/internal/apperrors"
)

func TestDetect(t *testing.T) {
	files := []string{
		"README.md",
		"svc/requirements.txt",
		"svc/requirements-dev.txt",
		"svc/setup.py",
		"web/package.json",
		"web/yarn.lock",
		"admin/package.json",
		"api/pom.xml",
		"worker/build.gradle.kts",
		"agent/Cargo.toml",
		"go.mod",
		"legacy/Gemfile",
		"cms/composer.json",
		"desktop/App.csproj",
		"desktop/packages.config",
		"notes.txt",
	}

	byManifest := make(map[string]Manager)
	for _, d := range Detect(files) {
		byManifest[d.ManifestPath] = d.Manager
	}

	assert.Equal(t, ManagerPip, byManifest["svc/requirements.txt"])
	assert.Equal(t, ManagerPip, byManifest["svc/requirements-dev.txt"])
	assert.Equal(t, ManagerPip, byManifest["svc/setup.py"])
	assert.Equal(t, ManagerMaven, byManifest["api/pom.xml"])
	assert.Equal(t, ManagerGradle, byManifest["worker/build.gradle.kts"])
	assert.Equal(t, ManagerCargo, byManifest["agent/Cargo.toml"])
	assert.Equal(t, ManagerGo, byManifest["go.mod"])
	assert.Equal(t, ManagerBundler, byManifest["legacy/Gemfile"])
	assert.Equal(t, ManagerComposer, byManifest["cms/composer.json"])
	assert.Equal(t, ManagerNuget, byManifest["desktop/App.csproj"])
	assert.Equal(t, ManagerNuget, byManifest["desktop/packages.config"])

	assert.NotContains(t, byManifest, "README.md")
	assert.NotContains(t, byManifest, "notes.txt")
	assert.NotContains(t, byManifest, "web/yarn.lock")
}

func TestDetectYarnLockPromotesNpm(t *testing.T) {
	detections := Detect([]string{
		"web/package.json",
		"web/yarn.lock",
		"admin/package.json",
	})

	byManifest := make(map[string]Manager)
	for _, d := range detections {
		byManifest[d.ManifestPath] = d.Manager
	}

	assert.Equal(t, ManagerYarn, byManifest["web/package.json"])
	assert.Equal(t, ManagerNpm, byManifest["admin/package.json"])
}

func TestParseRequirementsTxt(t *testing.T) {
	content := []byte(`# pinned runtime deps
flask>=2.0
requests[security]>=2.28,<3  # keep below 3 until retries are fixed
uvicorn[standard]
click
-r requirements-dev.txt
-e ./vendored/lib
pydantic==1.10.2 ; python_version < "3.12"

`)

	deps := parseRequirementsTxt(content)
	require.Len(t, deps, 5)

	assert.Equal(t, Dependency{Name: "flask", Version: ">=2.0", Direct: true}, deps[0])
	assert.Equal(t, Dependency{Name: "requests", Version: ">=2.28,<3", Direct: true}, deps[1])
	assert.Equal(t, Dependency{Name: "uvicorn", Direct: true}, deps[2])
	assert.Equal(t, Dependency{Name: "click", Direct: true}, deps[3])
	assert.Equal(t, Dependency{Name: "pydantic", Version: "==1.10.2", Direct: true}, deps[4])
}

func TestSplitRequirement(t *testing.T) {
	tests := []struct {
		spec    string
		name    string
		version string
	}{
		{"flask>=2.0", "flask", ">=2.0"},
		{"requests[security]>=2.28,<3", "requests", ">=2.28,<3"},
		{"uvicorn[standard]", "uvicorn", ""},
		{"django", "django", ""},
		{"numpy ==1.26", "numpy", "==1.26"},
		{"pkg~=1.4", "pkg", "~=1.4"},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			name, version := splitRequirement(tt.spec)
			assert.Equal(t, tt.name, name)
			assert.Equal(t, tt.version, version)
		})
	}
}

func TestParseSetupPy(t *testing.T) {
	content := []byte(`from setuptools import setup

setup(
    name="svc",
    install_requires=[
        "flask>=2.0",
        "sqlalchemy",
    ],
    extras_require={"dev": ["pytest"]},
)
`)

	deps := parseSetupPy(content)
	require.Len(t, deps, 2)
	assert.Equal(t, Dependency{Name: "flask", Version: ">=2.0", Direct: true}, deps[0])
	assert.Equal(t, Dependency{Name: "sqlalchemy", Direct: true}, deps[1])

	assert.Empty(t, parseSetupPy([]byte(`setup(name="svc")`)))
}

func TestParsePyprojectToml(t *testing.T) {
	content := []byte(`[project]
name = "svc"
dependencies = ["fastapi>=0.100", "httpx"]

[project.optional-dependencies]
test = ["pytest>=7"]

[tool.poetry.dependencies]
python = "^3.11"
rich = "^13.0"

[tool.poetry.group.dev.dependencies]
black = "*"
`)

	deps, err := parsePyprojectToml(content)
	require.NoError(t, err)

	assert.Contains(t, deps, Dependency{Name: "fastapi", Version: ">=0.100", Direct: true})
	assert.Contains(t, deps, Dependency{Name: "httpx", Direct: true})
	assert.Contains(t, deps, Dependency{Name: "pytest", Version: ">=7", Dev: true, Direct: true})
	assert.Contains(t, deps, Dependency{Name: "rich", Version: "^13.0", Direct: true})
	assert.Contains(t, deps, Dependency{Name: "black", Version: "*", Dev: true, Direct: true})

	for _, d := range deps {
		assert.NotEqual(t, "python", d.Name)
	}

	_, err = parsePyprojectToml([]byte("][not toml"))
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindInput))
}

func TestParsePackageJSON(t *testing.T) {
	content := []byte(`{
  "name": "web",
  "dependencies": {"react": "^18.2.0", "left-pad": "1.0.0"},
  "devDependencies": {"vitest": "^1.0.0"}
}`)

	deps, err := parsePackageJSON("web/package.json", content)
	require.NoError(t, err)
	require.Len(t, deps, 3)

	assert.Contains(t, deps, Dependency{Name: "react", Version: "^18.2.0", Direct: true})
	assert.Contains(t, deps, Dependency{Name: "left-pad", Version: "1.0.0", Direct: true})
	assert.Contains(t, deps, Dependency{Name: "vitest", Version: "^1.0.0", Dev: true, Direct: true})

	_, err = parsePackageJSON("web/package.json", []byte("{"))
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindInput))
}

func TestParseComposerJSONFiltersPlatform(t *testing.T) {
	content := []byte(`{
  "require": {"php": ">=8.1", "ext-json": "*", "monolog/monolog": "^3.0"},
  "require-dev": {"phpunit/phpunit": "^10.0", "lib-curl": "*"}
}`)

	deps, err := parseComposerJSON("cms/composer.json", content)
	require.NoError(t, err)
	require.Len(t, deps, 2)

	assert.Contains(t, deps, Dependency{Name: "monolog/monolog", Version: "^3.0", Direct: true})
	assert.Contains(t, deps, Dependency{Name: "phpunit/phpunit", Version: "^10.0", Dev: true, Direct: true})
}

func TestParseGoMod(t *testing.T) {
	content := []byte(`module example.com/svc

go 1.21

require (
	github.com/gorilla/mux v1.8.1
	go.uber.org/zap v1.27.0
	golang.org/x/sys v0.15.0 // indirect
)
`)

	deps, err := parseGoMod("go.mod", content)
	require.NoError(t, err)
	require.Len(t, deps, 3)

	assert.Contains(t, deps, Dependency{Name: "github.com/gorilla/mux", Version: "v1.8.1", Direct: true})
	assert.Contains(t, deps, Dependency{Name: "go.uber.org/zap", Version: "v1.27.0", Direct: true})
	assert.Contains(t, deps, Dependency{Name: "golang.org/x/sys", Version: "v0.15.0", Direct: false})

	_, err = parseGoMod("go.mod", []byte("module example.com/svc\n\nrequire (\n"))
	require.Error(t, err)
}

func TestParseCargoToml(t *testing.T) {
	content := []byte(`[package]
name = "agent"

[dependencies]
serde = { version = "1.0", features = ["derive"] }
tokio = "1.35"

[dev-dependencies]
criterion = "0.5"
`)

	deps, err := parseCargoToml("Cargo.toml", content)
	require.NoError(t, err)
	require.Len(t, deps, 3)

	assert.Contains(t, deps, Dependency{Name: "serde", Version: "1.0", Direct: true})
	assert.Contains(t, deps, Dependency{Name: "tokio", Version: "1.35", Direct: true})
	assert.Contains(t, deps, Dependency{Name: "criterion", Version: "0.5", Dev: true, Direct: true})
}

func TestParseGemfile(t *testing.T) {
	content := []byte(`source "https://rubygems.org"

gem "rails", "~> 7.1"
gem "pg"

group :development, :test do
  gem "rspec-rails", "~> 6.0"
end

gem "puma", "~> 6.4"
`)

	deps, err := parseGemfile("Gemfile", content)
	require.NoError(t, err)
	require.Len(t, deps, 4)

	assert.Equal(t, Dependency{Name: "rails", Version: "~> 7.1", Direct: true}, deps[0])
	assert.Equal(t, Dependency{Name: "pg", Direct: true}, deps[1])
	assert.Equal(t, Dependency{Name: "rspec-rails", Version: "~> 6.0", Dev: true, Direct: true}, deps[2])
	assert.Equal(t, Dependency{Name: "puma", Version: "~> 6.4", Direct: true}, deps[3])
}

func TestParsePomXML(t *testing.T) {
	content := []byte(`<?xml version="1.0"?>
<project>
  <dependencies>
    <dependency>
      <groupId>org.springframework</groupId>
      <artifactId>spring-core</artifactId>
      <version>6.1.0</version>
    </dependency>
    <dependency>
      <groupId>junit</groupId>
      <artifactId>junit</artifactId>
      <version>4.13.2</version>
      <scope>test</scope>
    </dependency>
    <dependency>
      <artifactId>orphan</artifactId>
    </dependency>
  </dependencies>
</project>
`)

	deps, err := parsePomXML("pom.xml", content)
	require.NoError(t, err)
	require.Len(t, deps, 2)

	assert.Equal(t, Dependency{Name: "org.springframework:spring-core", Version: "6.1.0", Direct: true}, deps[0])
	assert.Equal(t, Dependency{Name: "junit:junit", Version: "4.13.2", Dev: true, Direct: true}, deps[1])
}

func TestParseGradle(t *testing.T) {
	content := []byte(`plugins { id("java") }

dependencies {
    implementation "com.google.guava:guava:32.1.3-jre"
    api("org.slf4j:slf4j-api:2.0.9")
    testImplementation "org.junit.jupiter:junit-jupiter:5.10.0"
    implementation "notacoordinate"
    implementation project(":shared")
}
`)

	deps, err := parseGradle("build.gradle", content)
	require.NoError(t, err)
	require.Len(t, deps, 3)

	assert.Equal(t, Dependency{Name: "com.google.guava:guava", Version: "32.1.3-jre", Direct: true}, deps[0])
	assert.Equal(t, Dependency{Name: "org.slf4j:slf4j-api", Version: "2.0.9", Direct: true}, deps[1])
	assert.Equal(t, Dependency{Name: "org.junit.jupiter:junit-jupiter", Version: "5.10.0", Dev: true, Direct: true}, deps[2])
}

func TestParseNuget(t *testing.T) {
	t.Run("csproj package references", func(t *testing.T) {
		content := []byte(`<Project Sdk="Microsoft.NET.Sdk">
  <ItemGroup>
    <PackageReference Include="Newtonsoft.Json" Version="13.0.3" />
    <PackageReference Include="Serilog" Version="3.1.1" />
  </ItemGroup>
</Project>
`)
		deps, err := parseNuget("desktop/App.csproj", content)
		require.NoError(t, err)
		require.Len(t, deps, 2)
		assert.Equal(t, Dependency{Name: "Newtonsoft.Json", Version: "13.0.3", Direct: true}, deps[0])
	})

	t.Run("legacy packages.config", func(t *testing.T) {
		content := []byte(`<?xml version="1.0"?>
<packages>
  <package id="NUnit" version="3.14.0" />
</packages>
`)
		deps, err := parseNuget("desktop/packages.config", content)
		require.NoError(t, err)
		require.Len(t, deps, 1)
		assert.Equal(t, Dependency{Name: "NUnit", Version: "3.14.0", Direct: true}, deps[0])
	})
}

func TestMergeTransitive(t *testing.T) {
	direct := []Dependency{
		{Name: "flask", Version: ">=2.0", Direct: true},
		{Name: "requests", Direct: true},
	}
	resolved := []Dependency{
		{Name: "flask", Version: "2.3.3", Direct: true},
		{Name: "requests", Direct: true},
		{Name: "werkzeug", Version: "2.3.7", Parent: "flask"},
		{Name: "urllib3", Version: "2.1.0", Parent: "requests", Direct: true},
	}

	merged := mergeTransitive(direct, resolved)
	require.Len(t, merged, 4)

	assert.Equal(t, Dependency{Name: "flask", Version: "2.3.3", Direct: true}, merged[0])
	assert.Equal(t, Dependency{Name: "requests", Direct: true}, merged[1])
	assert.Equal(t, Dependency{Name: "werkzeug", Version: "2.3.7", Parent: "flask"}, merged[2])

	// Packages beyond the declared set are transitive no matter what the
	// tool claims.
	assert.False(t, merged[3].Direct)
	assert.Equal(t, "requests", merged[3].Parent)
}

func TestParsePipdeptree(t *testing.T) {
	out := []byte(`[
  {
    "package_name": "flask",
    "installed_version": "2.3.3",
    "dependencies": [
      {"package_name": "werkzeug", "installed_version": "2.3.7", "dependencies": []},
      {"package_name": "jinja2", "installed_version": "3.1.2", "dependencies": [
        {"package_name": "markupsafe", "installed_version": "2.1.3", "dependencies": []}
      ]}
    ]
  }
]`)

	deps := parsePipdeptree(out)
	require.Len(t, deps, 4)

	assert.Equal(t, Dependency{Name: "flask", Version: "2.3.3", Direct: true}, deps[0])
	assert.Equal(t, Dependency{Name: "werkzeug", Version: "2.3.7", Parent: "flask"}, deps[1])
	assert.Equal(t, Dependency{Name: "jinja2", Version: "3.1.2", Parent: "flask"}, deps[2])
	assert.Equal(t, Dependency{Name: "markupsafe", Version: "2.1.3", Parent: "jinja2"}, deps[3])

	assert.Nil(t, parsePipdeptree([]byte("not json")))
}

func TestParseNpmList(t *testing.T) {
	out := []byte(`{
  "name": "web",
  "dependencies": {
    "react": {
      "version": "18.2.0",
      "dependencies": {
        "loose-envify": {"version": "1.4.0"}
      }
    }
  }
}`)

	deps := parseNpmList(out)
	require.Len(t, deps, 2)

	assert.Contains(t, deps, Dependency{Name: "react", Version: "18.2.0", Direct: true})
	assert.Contains(t, deps, Dependency{Name: "loose-envify", Version: "1.4.0", Parent: "react"})
}

func TestParseMavenDot(t *testing.T) {
	out := []byte(`digraph "com.acme:api:jar:1.0.0" {
  "com.acme:api:jar:1.0.0" -> "org.springframework:spring-core:jar:6.1.0:compile" ;
  "com.acme:api:jar:1.0.0" -> "com.fasterxml.jackson.core:jackson-databind:jar:2.16.0:compile" ;
  "org.springframework:spring-core:jar:6.1.0:compile" -> "org.springframework:spring-jcl:jar:6.1.0:compile" ;
}`)

	deps := parseMavenDot(out)
	require.Len(t, deps, 3)

	assert.Equal(t, Dependency{Name: "org.springframework:spring-core", Version: "6.1.0", Direct: true}, deps[0])
	assert.Equal(t, Dependency{Name: "com.fasterxml.jackson.core:jackson-databind", Version: "2.16.0", Direct: true}, deps[1])
	assert.Equal(t, Dependency{
		Name:    "org.springframework:spring-jcl",
		Version: "6.1.0",
		Parent:  "org.springframework:spring-core",
	}, deps[2])
}

func TestToolRunnerResolve(t *testing.T) {
	t.Run("manager without tree tool", func(t *testing.T) {
		tools := NewToolRunner()
		_, err := tools.Resolve(context.Background(), ManagerGo, t.TempDir())
		require.Error(t, err)
		assert.True(t, apperrors.IsKind(err, apperrors.KindResource))
		assert.Equal(t, "no_tree_tool", apperrors.CodeOf(err))
	})

	t.Run("tool missing from path", func(t *testing.T) {
		tools := NewToolRunner()
		tools.lookup = func(string) (string, error) { return "", errors.New("not found") }

		_, err := tools.Resolve(context.Background(), ManagerPip, t.TempDir())
		require.Error(t, err)
		assert.Equal(t, "tool_not_found", apperrors.CodeOf(err))
	})

	t.Run("npm tree resolved", func(t *testing.T) {
		tools := NewToolRunner()
		tools.lookup = func(string) (string, error) { return "/usr/bin/npm", nil }
		tools.execute = func(_ context.Context, dir, name string, args ...string) ([]byte, error) {
			assert.Equal(t, "npm", name)
			assert.Equal(t, []string{"list", "--json", "--all"}, args)
			return []byte(`{"dependencies": {"react": {"version": "18.2.0"}}}`), nil
		}

		deps, err := tools.Resolve(context.Background(), ManagerNpm, t.TempDir())
		require.NoError(t, err)
		require.Len(t, deps, 1)
		assert.Equal(t, Dependency{Name: "react", Version: "18.2.0", Direct: true}, deps[0])
	})

	t.Run("npm exits nonzero but prints the tree", func(t *testing.T) {
		tools := NewToolRunner()
		tools.lookup = func(string) (string, error) { return "/usr/bin/npm", nil }
		tools.execute = func(context.Context, string, string, ...string) ([]byte, error) {
			return []byte(`{"dependencies": {"react": {"version": "18.2.0"}}}`), errors.New("peer conflict")
		}

		deps, err := tools.Resolve(context.Background(), ManagerYarn, t.TempDir())
		require.NoError(t, err)
		require.Len(t, deps, 1)
	})

	t.Run("tool failure without output", func(t *testing.T) {
		tools := NewToolRunner()
		tools.lookup = func(string) (string, error) { return "/usr/bin/mvn", nil }
		tools.execute = func(context.Context, string, string, ...string) ([]byte, error) {
			return nil, errors.New("build failure")
		}

		_, err := tools.Resolve(context.Background(), ManagerMaven, t.TempDir())
		require.Error(t, err)
		assert.Equal(t, "tool_failed", apperrors.CodeOf(err))
	})
}

func TestScannerScan(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "svc/requirements.txt", "flask>=2.0\nrequests\n")
	writeFile(t, root, "web/package.json", `{"dependencies": {"react": "^18.2.0"}}`)
	writeFile(t, root, "web/yarn.lock", "")
	writeFile(t, root, "bad/package.json", "{broken")

	tools := NewToolRunner()
	tools.lookup = func(string) (string, error) { return "", errors.New("not installed") }

	s := NewScanner(root, tools)
	scans := s.Scan(context.Background(), []string{
		"svc/requirements.txt",
		"web/package.json",
		"web/yarn.lock",
		"bad/package.json",
		"README.md",
	})

	// The broken manifest is skipped, not fatal.
	require.Len(t, scans, 2)

	byManager := make(map[Manager]PackageScan)
	for _, scan := range scans {
		byManager[scan.Manager] = scan
	}

	pip, ok := byManager[ManagerPip]
	require.True(t, ok)
	assert.Equal(t, "svc/requirements.txt", pip.ManifestPath)
	require.Len(t, pip.Dependencies, 2)
	assert.True(t, pip.Dependencies[0].Direct)

	yarn, ok := byManager[ManagerYarn]
	require.True(t, ok)
	assert.Equal(t, "web/package.json", yarn.ManifestPath)
	require.Len(t, yarn.Dependencies, 1)
	assert.Equal(t, "react", yarn.Dependencies[0].Name)
}

func TestScannerScanResolvesTransitives(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "requirements.txt", "flask>=2.0\n")

	tools := NewToolRunner()
	tools.lookup = func(string) (string, error) { return "/usr/bin/pipdeptree", nil }
	tools.execute = func(context.Context, string, string, ...string) ([]byte, error) {
		return []byte(`[
  {"package_name": "flask", "installed_version": "2.3.3", "dependencies": [
    {"package_name": "werkzeug", "installed_version": "2.3.7", "dependencies": []}
  ]}
]`), nil
	}

	s := NewScanner(root, tools)
	scans := s.Scan(context.Background(), []string{"requirements.txt"})
	require.Len(t, scans, 1)

	deps := scans[0].Dependencies
	require.Len(t, deps, 2)
	assert.Equal(t, Dependency{Name: "flask", Version: "2.3.3", Direct: true}, deps[0])
	assert.Equal(t, Dependency{Name: "werkzeug", Version: "2.3.7", Parent: "flask"}, deps[1])
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}
