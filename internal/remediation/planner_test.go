package remediation

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipewright/pipewright/internal/apperrors"
	"github.com/pipewright/pipewright/internal/policy"
	"github.com/pipewright/pipewright/internal/storage"
)

func newTestPlanner(t *testing.T) *Planner {
	t.Helper()
	store, err := storage.NewStore(t.TempDir())
	require.NoError(t, err)
	return NewPlanner(NewCatalog(), store)
}

func npmVulnerability(id string) Vulnerability {
	return Vulnerability{
		ID:             id,
		Type:           "npm",
		Severity:       policy.SeverityHigh,
		Component:      "example-dependency",
		CurrentVersion: "1.0.0",
		FixVersion:     "1.2.3",
		FilePath:       "package.json",
	}
}

func TestCreatePlan(t *testing.T) {
	p := newTestPlanner(t)
	ctx := context.Background()

	plan, err := p.CreatePlan(ctx, Request{
		Repo:            "git.internal/payments",
		SHA:             "deadbeef",
		Vulnerabilities: []Vulnerability{npmVulnerability("CVE-2026-0001")},
	})
	require.NoError(t, err)

	assert.Equal(t, "git.internal/payments@deadbeef", plan.Target)
	assert.Equal(t, PlanPending, plan.Status)
	require.Len(t, plan.Actions, 1)
	assert.Empty(t, plan.Skipped)

	action, err := p.GetAction(ctx, plan.Actions[0])
	require.NoError(t, err)
	assert.Equal(t, "CVE-2026-0001", action.VulnerabilityID)
	assert.Equal(t, StrategyAutomated, action.Strategy)
	assert.Equal(t, SourceTemplate, action.Source)
	assert.Equal(t, "dependency-update-npm", action.TemplateID)
	assert.Equal(t, ActionPending, action.Status)
	assert.False(t, action.UpdatedAt.Before(action.CreatedAt))

	// Variables are substituted into the step prototypes.
	assert.Contains(t, action.Steps[1], "example-dependency")
	assert.Contains(t, action.Steps[1], "1.2.3")
	assert.Contains(t, action.Steps[1], "package.json")
}

func TestCreatePlanDeduplicatesVulnerabilities(t *testing.T) {
	p := newTestPlanner(t)

	plan, err := p.CreatePlan(context.Background(), Request{
		Repo: "repo", SHA: "sha",
		Vulnerabilities: []Vulnerability{
			npmVulnerability("CVE-2026-0001"),
			npmVulnerability("CVE-2026-0001"),
			npmVulnerability("CVE-2026-0002"),
		},
	})
	require.NoError(t, err)
	assert.Len(t, plan.Actions, 2)
}

func TestCreatePlanSkipsMissingRequiredVariable(t *testing.T) {
	p := newTestPlanner(t)

	vuln := npmVulnerability("CVE-2026-0003")
	vuln.FixVersion = "" // fixed_version is required by the template

	plan, err := p.CreatePlan(context.Background(), Request{
		Repo: "repo", SHA: "sha",
		Vulnerabilities: []Vulnerability{vuln, npmVulnerability("CVE-2026-0004")},
	})
	require.NoError(t, err)

	// The broken finding is skipped, the healthy one still plans.
	require.Len(t, plan.Actions, 1)
	require.Len(t, plan.Skipped, 1)
	assert.Equal(t, "CVE-2026-0003", plan.Skipped[0].VulnerabilityID)
	assert.Contains(t, plan.Skipped[0].Reason, "fixed_version")
}

func TestCreatePlanSkipsUnmatchedType(t *testing.T) {
	p := newTestPlanner(t)

	plan, err := p.CreatePlan(context.Background(), Request{
		Repo: "repo", SHA: "sha",
		Vulnerabilities: []Vulnerability{{
			ID:       "FIND-17",
			Type:     "weak-tls-cipher",
			Severity: policy.SeverityMedium,
		}},
	})
	require.NoError(t, err)
	assert.Empty(t, plan.Actions)
	require.Len(t, plan.Skipped, 1)
	assert.Contains(t, plan.Skipped[0].Reason, "weak-tls-cipher")
}

func TestCreatePlanValidation(t *testing.T) {
	p := newTestPlanner(t)
	ctx := context.Background()

	_, err := p.CreatePlan(ctx, Request{SHA: "sha", Vulnerabilities: []Vulnerability{npmVulnerability("x")}})
	assert.True(t, apperrors.IsKind(err, apperrors.KindInput))

	_, err = p.CreatePlan(ctx, Request{Repo: "repo", SHA: "sha"})
	assert.True(t, apperrors.IsKind(err, apperrors.KindInput))
}

func TestCreatePlanPersists(t *testing.T) {
	store, err := storage.NewStore(t.TempDir())
	require.NoError(t, err)
	p := NewPlanner(NewCatalog(), store)
	ctx := context.Background()

	plan, err := p.CreatePlan(ctx, Request{
		Repo: "repo", SHA: "sha",
		Vulnerabilities: []Vulnerability{npmVulnerability("CVE-2026-0001")},
		AutoApply:       true,
	})
	require.NoError(t, err)

	reloaded, err := p.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.Target, reloaded.Target)
	assert.Equal(t, true, reloaded.Metadata["auto_apply"])

	actions, err := p.PlanActions(ctx, reloaded)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, plan.Actions[0], actions[0].ID)

	ids, err := p.ListPlans(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, plan.ID)
}

func TestTemplateMatchOrder(t *testing.T) {
	c := NewCatalog()

	// "dependency" is covered by the npm template first.
	tmpl := c.Match("dependency")
	require.NotNil(t, tmpl)
	assert.Equal(t, "dependency-update-npm", tmpl.ID)

	assert.Equal(t, "dependency-update-go", c.Match("go_module").ID)
	assert.Equal(t, "base-image-bump", c.Match("container_image").ID)
	assert.Equal(t, "config-hardening", c.Match("misconfiguration").ID)
	assert.Nil(t, c.Match("novel-finding-type"))
}

func TestInstantiateKeepsUnknownTokens(t *testing.T) {
	tmpl := &Template{
		ID:    "custom",
		Steps: []string{"apply ${fix} to ${unknown_slot}"},
		Variables: map[string]TemplateVariable{
			"fix": {Type: "string", Required: true},
		},
	}
	steps, err := tmpl.instantiate(Vulnerability{
		ID:       "V-1",
		Metadata: map[string]interface{}{"fix": "the patch"},
	})
	require.NoError(t, err)
	assert.Equal(t, "apply the patch to ${unknown_slot}", steps[0])
}

func TestMetadataDoesNotOverrideCanonicalFields(t *testing.T) {
	vuln := npmVulnerability("CVE-2026-0009")
	vuln.Metadata = map[string]interface{}{
		"dependency_name": "spoofed-name",
		"ticket":          "SEC-1234",
	}

	vars := variablesFor(vuln)
	assert.Equal(t, "example-dependency", vars["dependency_name"])
	assert.Equal(t, "SEC-1234", vars["ticket"])
}

func TestCatalogLoadDir(t *testing.T) {
	dir := t.TempDir()
	doc := `
id: secret-rotation
name: Rotate leaked secret
template_type: secret
vulnerability_types: [leaked_secret]
strategy: assisted
variables:
  secret_name: {type: string, required: true}
steps:
  - Revoke the current value of ${secret_name}
  - Issue a replacement and update the deployment environment
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "secret.yaml"), []byte(doc), 0o644))

	c := NewCatalog()
	require.NoError(t, c.LoadDir(dir))

	tmpl := c.Match("leaked_secret")
	require.NotNil(t, tmpl)
	assert.Equal(t, "secret-rotation", tmpl.ID)
	assert.Equal(t, StrategyAssisted, tmpl.Strategy)

	// Built-ins keep their position ahead of loaded templates.
	assert.Equal(t, "dependency-update-npm", c.List()[0].ID)
}

func TestSeverityAtLeast(t *testing.T) {
	v := npmVulnerability("x")
	assert.True(t, SeverityAtLeast(v, policy.SeverityMedium))
	assert.True(t, SeverityAtLeast(v, policy.SeverityHigh))
	assert.False(t, SeverityAtLeast(v, policy.SeverityCritical))
}
