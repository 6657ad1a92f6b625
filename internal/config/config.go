package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/pipewright/pipewright/internal/logger"
)

// Environment variables recognised by Load. Explicit values beat the
// config file; the file beats built-in defaults.
const (
	EnvPolicyDir         = "POLICY_DIR"
	EnvPolicyArchiveDir  = "POLICY_ARCHIVE_DIR"
	EnvPolicyTemplateDir = "POLICY_TEMPLATE_DIR"
	EnvReportDir         = "COMPLIANCE_REPORT_DIR"
	EnvDataDir           = "PIPEWRIGHT_DATA_DIR"
	EnvBaseDir           = "PIPEWRIGHT_HOME"
	EnvLogLevel          = "PIPEWRIGHT_LOG_LEVEL"
	EnvLogFormat         = "PIPEWRIGHT_LOG_FORMAT"
	EnvMaxParallelJobs   = "PIPEWRIGHT_MAX_PARALLEL_JOBS"
	EnvAutoApprove       = "PIPEWRIGHT_AUTO_APPROVE"
	EnvServerPort        = "PIPEWRIGHT_SERVER_PORT"
)

// Config is the complete pipewright configuration.
type Config struct {
	// BaseDir roots every directory that is not set explicitly.
	BaseDir string `yaml:"base_dir"`

	// MaxParallelJobs caps parallel file scans, build-plan batch width
	// and concurrent remediation actions.
	MaxParallelJobs int `yaml:"max_parallel_jobs"`

	Analysis    AnalysisSettings    `yaml:"analysis"`
	Policy      PolicySettings      `yaml:"policy"`
	Remediation RemediationSettings `yaml:"remediation"`
	Server      ServerSettings      `yaml:"server"`
	Logging     LoggingSettings     `yaml:"logging"`
}

// AnalysisSettings controls source discovery and scanning.
type AnalysisSettings struct {
	Languages       []string `yaml:"languages,omitempty"`
	IncludePatterns []string `yaml:"include_patterns,omitempty"`
	ExcludePatterns []string `yaml:"exclude_patterns,omitempty"`
	MaxDepth        int      `yaml:"max_depth"`
}

// PolicySettings locates the policy store directories.
type PolicySettings struct {
	Dir         string `yaml:"dir"`
	ArchiveDir  string `yaml:"archive_dir"`
	TemplateDir string `yaml:"template_dir"`
	ReportDir   string `yaml:"report_dir"`
}

// RemediationSettings controls workflow execution.
type RemediationSettings struct {
	DataDir             string `yaml:"data_dir"`
	AutoApprove         bool   `yaml:"auto_approve"`
	StepTimeout         string `yaml:"step_timeout"`
	DatabaseStepTimeout string `yaml:"database_step_timeout"`
}

// StepTimeoutDuration returns the parsed step timeout, falling back to
// ten minutes when unset or unparsable.
func (r RemediationSettings) StepTimeoutDuration() time.Duration {
	if d, err := time.ParseDuration(r.StepTimeout); err == nil && d > 0 {
		return d
	}
	return 10 * time.Minute
}

// DatabaseStepTimeoutDuration returns the parsed timeout for
// database-class rollback steps, falling back to thirty minutes.
func (r RemediationSettings) DatabaseStepTimeoutDuration() time.Duration {
	if d, err := time.ParseDuration(r.DatabaseStepTimeout); err == nil && d > 0 {
		return d
	}
	return 30 * time.Minute
}

// ServerSettings configures the HTTP facade.
type ServerSettings struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

// Address returns host:port for net/http.
func (s ServerSettings) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingSettings configures the structured logger.
type LoggingSettings struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file,omitempty"`
}

// Manager loads configuration from a YAML file and reloads it when the
// file changes on disk.
type Manager struct {
	config     *Config
	configPath string
	mu         sync.RWMutex
	watcher    *fsnotify.Watcher
	callbacks  []func(*Config)
	stopCh     chan struct{}
	stopOnce   sync.Once
	log        logger.Logger
}

// NewManager loads the configuration at configPath and starts watching
// the file for changes. A missing file is not an error; defaults and
// environment overrides apply. Watcher setup failures are logged and
// the manager runs without hot reload.
func NewManager(configPath string) (*Manager, error) {
	m := &Manager{
		configPath: expandPath(configPath),
		callbacks:  []func(*Config){},
		stopCh:     make(chan struct{}),
		log:        logger.New("config"),
	}

	if err := m.Load(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.log.Warn("config watcher unavailable", logger.Error(err))
		return m, nil
	}
	if err := watcher.Add(m.configPath); err != nil {
		watcher.Close()
		return m, nil
	}
	m.watcher = watcher
	go m.watchChanges()

	return m, nil
}

// Load reads (or re-reads) the configuration file, then applies
// environment overrides, defaults and validation.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg := &Config{}
	if _, err := os.Stat(m.configPath); err == nil {
		data, err := os.ReadFile(m.configPath)
		if err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyEnvironmentOverrides(cfg)
	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	m.config = cfg
	return nil
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// OnChange registers a callback invoked after each successful reload.
func (m *Manager) OnChange(callback func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, callback)
}

// Stop shuts down the file watcher.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		if m.watcher != nil {
			m.watcher.Close()
		}
	})
}

func (m *Manager) watchChanges() {
	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			// Editors often replace the file instead of writing in place.
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := m.Load(); err != nil {
				m.log.Error("config reload failed", logger.Error(err))
				continue
			}
			m.log.Info("configuration reloaded", logger.String("path", m.configPath))

			m.mu.RLock()
			cfg := m.config
			callbacks := make([]func(*Config), len(m.callbacks))
			copy(callbacks, m.callbacks)
			m.mu.RUnlock()
			for _, cb := range callbacks {
				cb(cfg)
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.log.Warn("config watcher error", logger.Error(err))

		case <-m.stopCh:
			return
		}
	}
}

// Default returns a configuration with every default applied and no
// file or environment input.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.BaseDir == "" {
		cfg.BaseDir = ".pipewright"
	}
	if cfg.MaxParallelJobs == 0 {
		cfg.MaxParallelJobs = 4
	}
	if len(cfg.Analysis.ExcludePatterns) == 0 {
		cfg.Analysis.ExcludePatterns = []string{
			"**/node_modules/**",
			"**/.git/**",
			"**/__pycache__/**",
			"**/venv/**",
			"**/.venv/**",
			"**/dist/**",
			"**/build/**",
		}
	}
	if cfg.Policy.Dir == "" {
		cfg.Policy.Dir = filepath.Join(cfg.BaseDir, "policies")
	}
	if cfg.Policy.ArchiveDir == "" {
		cfg.Policy.ArchiveDir = filepath.Join(cfg.Policy.Dir, "archive")
	}
	if cfg.Policy.TemplateDir == "" {
		cfg.Policy.TemplateDir = filepath.Join(cfg.BaseDir, "policy_templates")
	}
	if cfg.Policy.ReportDir == "" {
		cfg.Policy.ReportDir = filepath.Join(cfg.BaseDir, "compliance_reports")
	}
	if cfg.Remediation.DataDir == "" {
		cfg.Remediation.DataDir = filepath.Join(cfg.BaseDir, "remediation")
	}
	if cfg.Remediation.StepTimeout == "" {
		cfg.Remediation.StepTimeout = "10m"
	}
	if cfg.Remediation.DatabaseStepTimeout == "" {
		cfg.Remediation.DatabaseStepTimeout = "30m"
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func applyEnvironmentOverrides(cfg *Config) {
	if base := os.Getenv(EnvBaseDir); base != "" {
		cfg.BaseDir = expandPath(base)
	}
	if dir := os.Getenv(EnvPolicyDir); dir != "" {
		cfg.Policy.Dir = expandPath(dir)
	}
	if dir := os.Getenv(EnvPolicyArchiveDir); dir != "" {
		cfg.Policy.ArchiveDir = expandPath(dir)
	}
	if dir := os.Getenv(EnvPolicyTemplateDir); dir != "" {
		cfg.Policy.TemplateDir = expandPath(dir)
	}
	if dir := os.Getenv(EnvReportDir); dir != "" {
		cfg.Policy.ReportDir = expandPath(dir)
	}
	if dir := os.Getenv(EnvDataDir); dir != "" {
		cfg.Remediation.DataDir = expandPath(dir)
	}
	if level := os.Getenv(EnvLogLevel); level != "" {
		cfg.Logging.Level = level
	}
	if format := os.Getenv(EnvLogFormat); format != "" {
		cfg.Logging.Format = format
	}
	if jobs := os.Getenv(EnvMaxParallelJobs); jobs != "" {
		if n, err := strconv.Atoi(jobs); err == nil {
			cfg.MaxParallelJobs = n
		}
	}
	if auto := os.Getenv(EnvAutoApprove); auto != "" {
		cfg.Remediation.AutoApprove = auto == "true" || auto == "1"
	}
	if port := os.Getenv(EnvServerPort); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
}

func validate(cfg *Config) error {
	if cfg.MaxParallelJobs < 1 || cfg.MaxParallelJobs > 64 {
		return fmt.Errorf("max_parallel_jobs must be between 1 and 64, got %d", cfg.MaxParallelJobs)
	}
	if cfg.Analysis.MaxDepth < 0 {
		return fmt.Errorf("analysis.max_depth must not be negative, got %d", cfg.Analysis.MaxDepth)
	}
	if _, err := time.ParseDuration(cfg.Remediation.StepTimeout); err != nil {
		return fmt.Errorf("invalid remediation.step_timeout: %v", err)
	}
	if _, err := time.ParseDuration(cfg.Remediation.DatabaseStepTimeout); err != nil {
		return fmt.Errorf("invalid remediation.database_step_timeout: %v", err)
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	switch cfg.Logging.Level {
	case "trace", "debug", "info", "warn", "error", "fatal":
	default:
		return fmt.Errorf("invalid logging.level: %s", cfg.Logging.Level)
	}
	return nil
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
