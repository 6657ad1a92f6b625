package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ".pipewright", cfg.BaseDir)
	assert.Equal(t, 4, cfg.MaxParallelJobs)
	assert.Equal(t, filepath.Join(".pipewright", "policies"), cfg.Policy.Dir)
	assert.Equal(t, filepath.Join(".pipewright", "policies", "archive"), cfg.Policy.ArchiveDir)
	assert.Equal(t, filepath.Join(".pipewright", "policy_templates"), cfg.Policy.TemplateDir)
	assert.Equal(t, filepath.Join(".pipewright", "compliance_reports"), cfg.Policy.ReportDir)
	assert.Equal(t, filepath.Join(".pipewright", "remediation"), cfg.Remediation.DataDir)
	assert.Equal(t, 10*time.Minute, cfg.Remediation.StepTimeoutDuration())
	assert.Equal(t, 30*time.Minute, cfg.Remediation.DatabaseStepTimeoutDuration())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.NotEmpty(t, cfg.Analysis.ExcludePatterns)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipewright.yaml")
	data := `
base_dir: /var/lib/pipewright
max_parallel_jobs: 8
policy:
  dir: /etc/pipewright/policies
remediation:
  step_timeout: 5m
logging:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	m, err := NewManager(path)
	require.NoError(t, err)
	defer m.Stop()

	cfg := m.Get()
	assert.Equal(t, 8, cfg.MaxParallelJobs)
	assert.Equal(t, "/etc/pipewright/policies", cfg.Policy.Dir)
	// Derived defaults follow the explicit policy dir.
	assert.Equal(t, filepath.Join("/etc/pipewright/policies", "archive"), cfg.Policy.ArchiveDir)
	assert.Equal(t, filepath.Join("/var/lib/pipewright", "policy_templates"), cfg.Policy.TemplateDir)
	assert.Equal(t, 5*time.Minute, cfg.Remediation.StepTimeoutDuration())
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	m, err := NewManager(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	defer m.Stop()

	assert.Equal(t, 4, m.Get().MaxParallelJobs)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv(EnvPolicyDir, "/srv/policies")
	t.Setenv(EnvPolicyArchiveDir, "/srv/archive")
	t.Setenv(EnvPolicyTemplateDir, "/srv/templates")
	t.Setenv(EnvReportDir, "/srv/reports")
	t.Setenv(EnvDataDir, "/srv/data")
	t.Setenv(EnvMaxParallelJobs, "2")
	t.Setenv(EnvAutoApprove, "true")

	m, err := NewManager(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	defer m.Stop()

	cfg := m.Get()
	assert.Equal(t, "/srv/policies", cfg.Policy.Dir)
	assert.Equal(t, "/srv/archive", cfg.Policy.ArchiveDir)
	assert.Equal(t, "/srv/templates", cfg.Policy.TemplateDir)
	assert.Equal(t, "/srv/reports", cfg.Policy.ReportDir)
	assert.Equal(t, "/srv/data", cfg.Remediation.DataDir)
	assert.Equal(t, 2, cfg.MaxParallelJobs)
	assert.True(t, cfg.Remediation.AutoApprove)
}

func TestValidationRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"jobs out of range", "max_parallel_jobs: 500"},
		{"bad timeout", "remediation:\n  step_timeout: soon"},
		{"bad level", "logging:\n  level: loud"},
		{"bad port", "server:\n  port: 70000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "pipewright.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o644))

			_, err := NewManager(path)
			assert.Error(t, err)
		})
	}
}

func TestHotReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipewright.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_parallel_jobs: 4\n"), 0o644))

	m, err := NewManager(path)
	require.NoError(t, err)
	defer m.Stop()

	reloaded := make(chan *Config, 1)
	m.OnChange(func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})

	require.NoError(t, os.WriteFile(path, []byte("max_parallel_jobs: 16\n"), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 16, cfg.MaxParallelJobs)
	case <-time.After(3 * time.Second):
		t.Fatal("config change was not observed")
	}
}

func TestServerAddress(t *testing.T) {
	s := ServerSettings{Host: "0.0.0.0", Port: 9090}
	assert.Equal(t, "0.0.0.0:9090", s.Address())
}

func TestTimeoutFallbacks(t *testing.T) {
	var r RemediationSettings
	assert.Equal(t, 10*time.Minute, r.StepTimeoutDuration())
	assert.Equal(t, 30*time.Minute, r.DatabaseStepTimeoutDuration())
}
