package remediation

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pipewright/pipewright/internal/apperrors"
	"github.com/pipewright/pipewright/internal/logger"
	"github.com/pipewright/pipewright/internal/policy"
)

var varToken = regexp.MustCompile(`\$\{([a-zA-Z0-9_]+)\}`)

// Catalog is the ordered set of remediation templates. Matching walks the
// registration order, so more specific templates must register first.
type Catalog struct {
	mu        sync.RWMutex
	order     []string
	templates map[string]*Template
	log       logger.Logger
}

// NewCatalog returns a catalog seeded with the built-in templates.
func NewCatalog() *Catalog {
	c := &Catalog{
		templates: make(map[string]*Template),
		log:       logger.New("remediation-templates"),
	}
	for _, t := range builtinTemplates() {
		c.register(t)
	}
	return c
}

func (c *Catalog) register(t *Template) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.templates[t.ID]; !exists {
		c.order = append(c.order, t.ID)
	}
	c.templates[t.ID] = t
}

// LoadDir reads template documents from dir, appending new templates after
// the built-ins and replacing built-ins with matching ids in place.
func (c *Catalog) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apperrors.Runtime("template_dir_read_failed", "unable to read remediation template directory").WithCause(err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || (!strings.HasSuffix(entry.Name(), ".yaml") && !strings.HasSuffix(entry.Name(), ".yml")) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			c.log.Warn("skipping unreadable template", logger.String("file", name), logger.Error(err))
			continue
		}
		var t Template
		if err := yaml.Unmarshal(data, &t); err != nil || t.ID == "" || len(t.Steps) == 0 {
			c.log.Warn("skipping invalid template", logger.String("file", name))
			continue
		}
		if t.Strategy == "" {
			t.Strategy = StrategyManual
		}
		c.register(&t)
	}
	return nil
}

// Get returns one template by id.
func (c *Catalog) Get(id string) (*Template, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.templates[id]
	if !ok {
		return nil, apperrors.Resource("template_not_found", "no such remediation template").
			WithDetail("template_id", id)
	}
	return t, nil
}

// List returns the templates in registration order.
func (c *Catalog) List() []*Template {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Template, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.templates[id])
	}
	return out
}

// Match returns the first template covering the vulnerability type, or nil.
func (c *Catalog) Match(vulnType string) *Template {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, id := range c.order {
		if t := c.templates[id]; t.Matches(vulnType) {
			return t
		}
	}
	return nil
}

// variablesFor flattens a vulnerability into the substitution values the
// templates understand. String metadata entries participate under their own
// names without overriding the canonical fields.
func variablesFor(v Vulnerability) map[string]string {
	vars := make(map[string]string, 8+len(v.Metadata))
	for key, value := range v.Metadata {
		if s, ok := value.(string); ok && s != "" {
			vars[key] = s
		}
	}
	set := func(key, value string) {
		if value != "" {
			vars[key] = value
		}
	}
	set("vulnerability_id", v.ID)
	set("component", v.Component)
	set("dependency_name", v.Component)
	set("current_version", v.CurrentVersion)
	set("fixed_version", v.FixVersion)
	set("file_path", v.FilePath)
	set("severity", string(v.Severity))
	return vars
}

// instantiate renders the template's steps for one vulnerability. A missing
// required variable aborts with an input error; optional variables left
// unset keep their token so the gap is visible in the rendered step.
func (t *Template) instantiate(v Vulnerability) ([]string, error) {
	vars := variablesFor(v)
	for name, spec := range t.Variables {
		if spec.Required && vars[name] == "" {
			return nil, apperrors.Input("missing_template_variable",
				fmt.Sprintf("template %q requires variable %q", t.ID, name)).
				WithDetail("template_id", t.ID).
				WithDetail("vulnerability_id", v.ID).
				WithDetail("variable", name)
		}
	}

	steps := make([]string, len(t.Steps))
	for i, proto := range t.Steps {
		steps[i] = varToken.ReplaceAllStringFunc(proto, func(token string) string {
			name := token[2 : len(token)-1]
			if value, ok := vars[name]; ok {
				return value
			}
			return token
		})
	}
	return steps, nil
}

// builtinTemplates is the stock recipe set: dependency bumps for the three
// ecosystems the scanner understands, base image bumps, and configuration
// hardening.
func builtinTemplates() []*Template {
	required := TemplateVariable{Type: "string", Required: true}
	optional := TemplateVariable{Type: "string"}

	return []*Template{
		{
			ID:                 "dependency-update-npm",
			Name:               "Update npm dependency",
			TemplateType:       "dependency_update",
			VulnerabilityTypes: []string{"npm", "dependency"},
			Strategy:           StrategyAutomated,
			Variables: map[string]TemplateVariable{
				"dependency_name": required,
				"fixed_version":   required,
				"file_path":       required,
				"current_version": optional,
			},
			Steps: []string{
				"Create remediation branch for ${dependency_name}",
				"Update ${dependency_name} to ${fixed_version} in ${file_path}",
				"Run npm install to refresh the lockfile",
				"Run the project test suite",
				"Open a pull request referencing ${vulnerability_id}",
			},
		},
		{
			ID:                 "dependency-update-pip",
			Name:               "Update Python dependency",
			TemplateType:       "dependency_update",
			VulnerabilityTypes: []string{"pip", "python_dependency"},
			Strategy:           StrategyAutomated,
			Variables: map[string]TemplateVariable{
				"dependency_name": required,
				"fixed_version":   required,
				"file_path":       required,
				"current_version": optional,
			},
			Steps: []string{
				"Create remediation branch for ${dependency_name}",
				"Pin ${dependency_name}==${fixed_version} in ${file_path}",
				"Rebuild the virtual environment and run the test suite",
				"Open a pull request referencing ${vulnerability_id}",
			},
		},
		{
			ID:                 "dependency-update-go",
			Name:               "Update Go module",
			TemplateType:       "dependency_update",
			VulnerabilityTypes: []string{"go", "go_module"},
			Strategy:           StrategyAutomated,
			Variables: map[string]TemplateVariable{
				"dependency_name": required,
				"fixed_version":   required,
			},
			Steps: []string{
				"Create remediation branch for ${dependency_name}",
				"Run go get ${dependency_name}@${fixed_version}",
				"Run go mod tidy and the test suite",
				"Open a pull request referencing ${vulnerability_id}",
			},
		},
		{
			ID:                 "base-image-bump",
			Name:               "Bump container base image",
			TemplateType:       "container_image",
			VulnerabilityTypes: []string{"container_image", "base_image"},
			Strategy:           StrategyAutomated,
			Variables: map[string]TemplateVariable{
				"component":     required,
				"fixed_version": required,
				"file_path":     required,
			},
			Steps: []string{
				"Update the FROM line in ${file_path} to ${component}:${fixed_version}",
				"Rebuild the image and run the container smoke tests",
				"Push the image to the staging registry for scanning",
			},
		},
		{
			ID:                 "config-hardening",
			Name:               "Harden configuration value",
			TemplateType:       "configuration",
			VulnerabilityTypes: []string{"configuration", "misconfiguration"},
			Strategy:           StrategyAssisted,
			Variables: map[string]TemplateVariable{
				"setting_name":      required,
				"recommended_value": required,
				"file_path":         required,
			},
			Steps: []string{
				"Review the current value of ${setting_name} in ${file_path}",
				"Set ${setting_name} to ${recommended_value}",
				"Verify dependent services still start with the hardened value",
			},
		},
	}
}

// SeverityAtLeast reports whether a vulnerability meets the given severity
// floor. Used by callers filtering what to plan for.
func SeverityAtLeast(v Vulnerability, floor policy.Severity) bool {
	return v.Severity.Rank() <= floor.Rank()
}
