// Package remediation plans fixes for reported vulnerabilities. A plan is
// an ordered list of actions materialized from templates; executing a plan
// is the workflow runtime's job.
package remediation

import (
	"time"

	"github.com/pipewright/pipewright/internal/policy"
)

// Strategy describes how much human involvement an action needs.
type Strategy string

const (
	// StrategyAutomated actions run end to end without a human.
	StrategyAutomated Strategy = "automated"
	// StrategyAssisted actions prepare the change and hand off for review.
	StrategyAssisted Strategy = "assisted"
	// StrategyManual actions only document what a human must do.
	StrategyManual Strategy = "manual"
)

// ActionSource records where an action came from.
type ActionSource string

const (
	SourceTemplate ActionSource = "template"
	SourceCustom   ActionSource = "custom"
)

// ActionStatus is the lifecycle state of an action.
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionRunning   ActionStatus = "running"
	ActionCompleted ActionStatus = "completed"
	ActionFailed    ActionStatus = "failed"
)

// PlanStatus is the lifecycle state of a plan.
type PlanStatus string

const (
	PlanPending    PlanStatus = "pending"
	PlanRunning    PlanStatus = "running"
	PlanCompleted  PlanStatus = "completed"
	PlanFailed     PlanStatus = "failed"
	PlanRolledBack PlanStatus = "rolled_back"
)

// Vulnerability is an externally reported finding. Type drives template
// matching; the remaining fields feed template variables.
type Vulnerability struct {
	ID             string                 `json:"id" validate:"required"`
	Type           string                 `json:"type" validate:"required"`
	Severity       policy.Severity        `json:"severity"`
	Component      string                 `json:"component,omitempty"`
	CurrentVersion string                 `json:"current_version,omitempty"`
	FixVersion     string                 `json:"fix_version,omitempty"`
	FilePath       string                 `json:"file_path,omitempty"`
	Description    string                 `json:"description,omitempty"`
	References     []string               `json:"references,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// Action is one materialized fix. Actions are owned by their plan and
// referenced from workflow steps by id.
type Action struct {
	ID              string                 `json:"id"`
	VulnerabilityID string                 `json:"vulnerability_id"`
	Name            string                 `json:"name"`
	Strategy        Strategy               `json:"strategy"`
	Source          ActionSource           `json:"source"`
	TemplateID      string                 `json:"template_id,omitempty"`
	Steps           []string               `json:"steps"`
	Status          ActionStatus           `json:"status"`
	Error           string                 `json:"error,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// Plan groups the actions produced for one remediation request. Actions
// holds ids in execution order; the action documents live in their own
// storage bucket.
type Plan struct {
	ID        string                 `json:"id"`
	Target    string                 `json:"target"`
	Actions   []string               `json:"actions"`
	Status    PlanStatus             `json:"status"`
	Skipped   []SkippedVulnerability `json:"skipped,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// SkippedVulnerability records a finding the planner could not act on.
type SkippedVulnerability struct {
	VulnerabilityID string `json:"vulnerability_id"`
	Reason          string `json:"reason"`
}

// Request asks for a remediation plan against one repository revision.
type Request struct {
	Repo            string                 `json:"repo" validate:"required"`
	SHA             string                 `json:"sha" validate:"required"`
	Vulnerabilities []Vulnerability        `json:"vulnerabilities" validate:"required,min=1,dive"`
	AutoApply       bool                   `json:"auto_apply"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// Target renders the canonical repo@sha target string.
func (r Request) Target() string {
	return r.Repo + "@" + r.SHA
}

// TemplateVariable declares one substitution slot of a template.
type TemplateVariable struct {
	Type     string `yaml:"type" json:"type"`
	Required bool   `yaml:"required" json:"required"`
}

// Template is a reusable fix recipe. Steps are prose prototypes carrying
// ${variable} slots filled from the vulnerability at planning time.
type Template struct {
	ID                 string                      `yaml:"id" json:"id"`
	Name               string                      `yaml:"name" json:"name"`
	TemplateType       string                      `yaml:"template_type" json:"template_type"`
	VulnerabilityTypes []string                    `yaml:"vulnerability_types" json:"vulnerability_types"`
	Steps              []string                    `yaml:"steps" json:"steps"`
	Variables          map[string]TemplateVariable `yaml:"variables,omitempty" json:"variables,omitempty"`
	Strategy           Strategy                    `yaml:"strategy" json:"strategy"`
}

// Matches reports whether the template covers the vulnerability type.
func (t *Template) Matches(vulnType string) bool {
	for _, vt := range t.VulnerabilityTypes {
		if vt == vulnType {
			return true
		}
	}
	return false
}
