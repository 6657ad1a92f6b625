// Package templates holds parameterized policy blueprints. Instantiating a
// template substitutes caller parameters into a ready-to-store policy.
package templates

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/pipewright/pipewright/internal/apperrors"
	"github.com/pipewright/pipewright/internal/logger"
	"github.com/pipewright/pipewright/internal/policy"
)

// Parameter describes one template input.
type Parameter struct {
	Type        string      `yaml:"type" json:"type"`
	Required    bool        `yaml:"required" json:"required"`
	Default     interface{} `yaml:"default,omitempty" json:"default,omitempty"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
}

// Template is a policy blueprint. Rule fields may reference parameters as
// ${name}; a condition value that is exactly one ${name} token keeps the
// parameter's type instead of being stringified.
type Template struct {
	ID           string               `yaml:"id" json:"id"`
	Name         string               `yaml:"name" json:"name"`
	Description  string               `yaml:"description,omitempty" json:"description,omitempty"`
	Kind         policy.Kind          `yaml:"kind" json:"kind"`
	Enforcement  policy.Enforcement   `yaml:"enforcement" json:"enforcement"`
	Environments []string             `yaml:"environments,omitempty" json:"environments,omitempty"`
	Tags         []string             `yaml:"tags,omitempty" json:"tags,omitempty"`
	Parameters   map[string]Parameter `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Rules        []policy.Rule        `yaml:"rules" json:"rules"`
}

var paramToken = regexp.MustCompile(`\$\{([a-zA-Z0-9_]+)\}`)

// Catalog is the set of known templates: the built-ins plus anything loaded
// from the template directory.
type Catalog struct {
	mu        sync.RWMutex
	templates map[string]*Template
	log       logger.Logger
}

// NewCatalog returns a catalog seeded with the built-in templates.
func NewCatalog() *Catalog {
	c := &Catalog{
		templates: make(map[string]*Template),
		log:       logger.New("policy-templates"),
	}
	for _, t := range builtinTemplates() {
		c.templates[t.ID] = t
	}
	return c
}

// LoadDir reads template documents from dir. Documents with ids matching a
// built-in replace it, which is how operators customize the stock catalogue.
func (c *Catalog) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apperrors.Runtime("template_dir_read_failed", "unable to read template directory").WithCause(err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			c.log.Warn("skipping unreadable template", logger.String("file", name), logger.Error(err))
			continue
		}
		var t Template
		if err := yaml.Unmarshal(data, &t); err != nil || t.ID == "" || len(t.Rules) == 0 {
			c.log.Warn("skipping invalid template", logger.String("file", name))
			continue
		}
		c.mu.Lock()
		c.templates[t.ID] = &t
		c.mu.Unlock()
	}
	return nil
}

// Get returns one template by id.
func (c *Catalog) Get(id string) (*Template, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.templates[id]
	if !ok {
		return nil, apperrors.Resource("template_not_found", "no such policy template").
			WithDetail("template_id", id)
	}
	return t, nil
}

// List returns every template sorted by id.
func (c *Catalog) List() []*Template {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Template, 0, len(c.templates))
	for _, t := range c.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Instantiate renders a template into a concrete policy. Missing required
// parameters are input errors; optional parameters fall back to their
// declared defaults.
func (c *Catalog) Instantiate(templateID string, params map[string]interface{}) (*policy.Policy, error) {
	t, err := c.Get(templateID)
	if err != nil {
		return nil, err
	}

	resolved := make(map[string]interface{}, len(t.Parameters))
	for name, spec := range t.Parameters {
		if value, ok := params[name]; ok {
			resolved[name] = value
			continue
		}
		if spec.Required {
			return nil, apperrors.Input("missing_parameter",
				fmt.Sprintf("template %q requires parameter %q", templateID, name)).
				WithDetail("template_id", templateID).WithDetail("parameter", name)
		}
		if spec.Default != nil {
			resolved[name] = spec.Default
		}
	}

	policyID := fmt.Sprintf("%s-%s", t.ID, uuid.New().String()[:8])
	if custom, ok := params["policy_id"].(string); ok && custom != "" {
		policyID = custom
	}

	p := &policy.Policy{
		ID:           policyID,
		Name:         expandString(t.Name, resolved),
		Description:  expandString(t.Description, resolved),
		Kind:         t.Kind,
		Enforcement:  t.Enforcement,
		Status:       policy.StatusActive,
		Environments: append([]string(nil), t.Environments...),
		Tags:         append([]string(nil), t.Tags...),
		TemplateID:   t.ID,
		Rules:        make([]policy.Rule, len(t.Rules)),
	}
	for i, rule := range t.Rules {
		p.Rules[i] = expandRule(rule, resolved)
	}

	policy.Normalize(p)
	if err := policy.Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}

func expandRule(r policy.Rule, params map[string]interface{}) policy.Rule {
	out := r
	out.Name = expandString(r.Name, params)
	out.Description = expandString(r.Description, params)
	out.RemediationSteps = make([]string, len(r.RemediationSteps))
	for i, step := range r.RemediationSteps {
		out.RemediationSteps[i] = expandString(step, params)
	}
	out.Condition = expandCondition(r.Condition, params)
	return out
}

func expandCondition(c policy.Condition, params map[string]interface{}) policy.Condition {
	out := c
	out.Field = expandString(c.Field, params)
	out.Value = expandValue(c.Value, params)
	if len(c.Conditions) > 0 {
		out.Conditions = make([]policy.Condition, len(c.Conditions))
		for i, child := range c.Conditions {
			out.Conditions[i] = expandCondition(child, params)
		}
	}
	return out
}

// expandValue substitutes parameters into a condition value. A string that
// is exactly one token takes the parameter's typed value, so numeric and
// boolean thresholds survive instantiation.
func expandValue(v interface{}, params map[string]interface{}) interface{} {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if m := paramToken.FindStringSubmatch(s); m != nil && m[0] == s {
		if value, ok := params[m[1]]; ok {
			return value
		}
		return s
	}
	return expandString(s, params)
}

func expandString(s string, params map[string]interface{}) string {
	if s == "" || !strings.Contains(s, "${") {
		return s
	}
	return paramToken.ReplaceAllStringFunc(s, func(token string) string {
		name := token[2 : len(token)-1]
		if value, ok := params[name]; ok {
			return fmt.Sprintf("%v", value)
		}
		return token
	})
}

// builtinTemplates is the stock catalogue shipped with the engine.
func builtinTemplates() []*Template {
	return []*Template{
		{
			ID:          "privileged-container",
			Name:        "No privileged containers",
			Description: "Containers must not request privileged mode.",
			Kind:        policy.KindSecurity,
			Enforcement: policy.EnforcementBlocking,
			Tags:        []string{"containers", "baseline"},
			Parameters: map[string]Parameter{
				"severity": {Type: "string", Default: "high", Description: "violation severity"},
			},
			Rules: []policy.Rule{{
				ID:          "no-privileged",
				Name:        "containers must not run privileged",
				Description: "Privileged containers bypass kernel isolation.",
				Severity:    policy.SeverityHigh,
				Condition: policy.Condition{
					Field:    "container.privileged",
					Operator: policy.OpEquals,
					Value:    false,
				},
				RemediationSteps: []string{
					"remove the privileged flag from the container spec",
					"grant the specific capabilities the workload needs instead",
				},
			}},
		},
		{
			ID:          "artifact-signing",
			Name:        "Artifacts signed by ${required_signer}",
			Description: "Deployed artifacts must carry a verified signature.",
			Kind:        policy.KindSecurity,
			Enforcement: policy.EnforcementBlocking,
			Tags:        []string{"supply-chain"},
			Parameters: map[string]Parameter{
				"required_signer": {Type: "string", Required: true, Description: "identity the signature must carry"},
			},
			Rules: []policy.Rule{
				{
					ID:       "artifact-signed",
					Name:     "artifact carries a signature",
					Severity: policy.SeverityCritical,
					Condition: policy.Condition{
						Field:    "artifact.signed",
						Operator: policy.OpEquals,
						Value:    true,
					},
					RemediationSteps: []string{"sign the artifact in the release pipeline"},
				},
				{
					ID:       "artifact-signer",
					Name:     "artifact signed by ${required_signer}",
					Severity: policy.SeverityCritical,
					Condition: policy.Condition{
						Field:    "artifact.signer",
						Operator: policy.OpEquals,
						Value:    "${required_signer}",
					},
					RemediationSteps: []string{"re-sign the artifact with the ${required_signer} identity"},
				},
			},
		},
		{
			ID:          "deployment-window",
			Name:        "Deployments inside the agreed window",
			Description: "Production deployments must land between ${start_hour}:00 and ${end_hour}:00 UTC.",
			Kind:        policy.KindOperational,
			Enforcement: policy.EnforcementWarning,
			Tags:        []string{"change-management"},
			Parameters: map[string]Parameter{
				"start_hour": {Type: "number", Required: true, Description: "window opens, hour of day UTC"},
				"end_hour":   {Type: "number", Required: true, Description: "window closes, hour of day UTC"},
			},
			Rules: []policy.Rule{{
				ID:       "inside-window",
				Name:     "deployment hour within window",
				Severity: policy.SeverityLow,
				Condition: policy.Condition{
					Operator: policy.OpAnd,
					Conditions: []policy.Condition{
						{Field: "deployment.hour", Operator: policy.OpGreaterThan, Value: "${start_hour}"},
						{Field: "deployment.hour", Operator: policy.OpLessThan, Value: "${end_hour}"},
					},
				},
				RemediationSteps: []string{"reschedule the deployment or request a window exception"},
			}},
		},
	}
}
