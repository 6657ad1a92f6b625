package templates

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipewright/pipewright/internal/apperrors"
	"github.com/pipewright/pipewright/internal/policy"
)

func TestBuiltinsRegistered(t *testing.T) {
	c := NewCatalog()

	for _, id := range []string{"privileged-container", "artifact-signing", "deployment-window"} {
		_, err := c.Get(id)
		assert.NoError(t, err, id)
	}
	assert.Len(t, c.List(), 3)
}

func TestInstantiateDefaults(t *testing.T) {
	c := NewCatalog()

	p, err := c.Instantiate("privileged-container", nil)
	require.NoError(t, err)
	assert.Equal(t, policy.KindSecurity, p.Kind)
	assert.Equal(t, policy.EnforcementBlocking, p.Enforcement)
	assert.Equal(t, policy.StatusActive, p.Status)
	assert.Equal(t, "privileged-container", p.TemplateID)
	assert.True(t, len(p.ID) > len("privileged-container"))
	require.Len(t, p.Rules, 1)
	assert.Equal(t, false, p.Rules[0].Condition.Value)
}

func TestInstantiateRequiredParameter(t *testing.T) {
	c := NewCatalog()

	_, err := c.Instantiate("artifact-signing", nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindInput))
	assert.Equal(t, "missing_parameter", apperrors.CodeOf(err))

	p, err := c.Instantiate("artifact-signing", map[string]interface{}{
		"required_signer": "release-bot",
		"policy_id":       "sec-signing-prod",
	})
	require.NoError(t, err)
	assert.Equal(t, "sec-signing-prod", p.ID)
	assert.Equal(t, "Artifacts signed by release-bot", p.Name)
	require.Len(t, p.Rules, 2)
	assert.Equal(t, "release-bot", p.Rules[1].Condition.Value)
	assert.Contains(t, p.Rules[1].RemediationSteps[0], "release-bot")
}

func TestInstantiateKeepsParameterTypes(t *testing.T) {
	c := NewCatalog()

	p, err := c.Instantiate("deployment-window", map[string]interface{}{
		"start_hour": 8,
		"end_hour":   18,
	})
	require.NoError(t, err)

	cond := p.Rules[0].Condition
	require.True(t, cond.IsGroup())
	// Whole-token substitution preserves the numeric type.
	assert.Equal(t, 8, cond.Conditions[0].Value)
	assert.Equal(t, 18, cond.Conditions[1].Value)
	assert.Contains(t, p.Description, "between 8:00 and 18:00")
}

func TestInstantiatedPolicyEvaluates(t *testing.T) {
	c := NewCatalog()
	engine := policy.NewEngine()

	p, err := c.Instantiate("deployment-window", map[string]interface{}{
		"start_hour": 8, "end_hour": 18,
	})
	require.NoError(t, err)

	inWindow := map[string]interface{}{
		"deployment": map[string]interface{}{"hour": 14},
	}
	assert.True(t, engine.Evaluate(p, inWindow).Passed)

	afterHours := map[string]interface{}{
		"deployment": map[string]interface{}{"hour": 23},
	}
	assert.False(t, engine.Evaluate(p, afterHours).Passed)
}

func TestInstantiateUnknownTemplate(t *testing.T) {
	c := NewCatalog()
	_, err := c.Instantiate("no-such-template", nil)
	assert.True(t, apperrors.IsKind(err, apperrors.KindResource))
}

func TestLoadDirAddsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	custom := `
id: branch-protection
name: Protected branches require review
kind: compliance
enforcement: blocking
parameters:
  min_reviews:
    type: number
    default: 2
rules:
  - id: reviews
    name: enough approving reviews
    severity: medium
    condition:
      field: pull_request.approvals
      operator: greater_than
      value: "${min_reviews}"
`
	override := `
id: privileged-container
name: Privileged containers allowed with audit
kind: security
enforcement: audit
rules:
  - id: audit-privileged
    name: record privileged containers
    severity: info
    condition:
      field: container.privileged
      operator: exists
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "branch.yaml"), []byte(custom), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "override.yaml"), []byte(override), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "junk.yaml"), []byte("{{{"), 0o644))

	c := NewCatalog()
	require.NoError(t, c.LoadDir(dir))

	loaded, err := c.Get("branch-protection")
	require.NoError(t, err)
	assert.Equal(t, policy.KindCompliance, loaded.Kind)

	overridden, err := c.Get("privileged-container")
	require.NoError(t, err)
	assert.Equal(t, policy.EnforcementAudit, overridden.Enforcement)
	assert.Len(t, c.List(), 4)
}

func TestLoadDirMissingIsNoop(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.LoadDir(filepath.Join(t.TempDir(), "absent")))
	assert.Len(t, c.List(), 3)
}

func TestExpandStringLeavesUnknownTokens(t *testing.T) {
	out := expandString("deploy ${app} at ${hour}", map[string]interface{}{"app": "web"})
	assert.Equal(t, "deploy web at ${hour}", out)
}
