// Package policy defines the policy model and the evaluation engine that
// decides whether a pipeline target satisfies the active rule set.
package policy

import (
	"time"
)

// Kind classifies what a policy governs.
type Kind string

const (
	KindSecurity    Kind = "security"
	KindCompliance  Kind = "compliance"
	KindOperational Kind = "operational"
)

// Enforcement controls what a failing policy does to the pipeline.
type Enforcement string

const (
	// EnforcementBlocking fails the gate when the policy fails.
	EnforcementBlocking Enforcement = "blocking"
	// EnforcementWarning surfaces violations without failing the gate.
	EnforcementWarning Enforcement = "warning"
	// EnforcementAudit records violations for reporting only.
	EnforcementAudit Enforcement = "audit"
)

// Status is the lifecycle state of a policy. Only active policies are
// enforced; everything else evaluates as a skipped pass.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusActive     Status = "active"
	StatusInactive   Status = "inactive"
	StatusDeprecated Status = "deprecated"
)

// Severity ranks how serious a rule violation is.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// severityRank orders severities for sorting, highest first.
var severityRank = map[Severity]int{
	SeverityCritical: 0,
	SeverityHigh:     1,
	SeverityMedium:   2,
	SeverityLow:      3,
	SeverityInfo:     4,
}

// Rank returns the sort position of the severity. Unknown severities sort
// after the known ones.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return len(severityRank)
}

// Leaf condition operators.
const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpContains    = "contains"
	OpNotContains = "not_contains"
	OpStartsWith  = "starts_with"
	OpEndsWith    = "ends_with"
	OpGreaterThan = "greater_than"
	OpLessThan    = "less_than"
	OpRegexMatch  = "regex_match"
	OpExists      = "exists"
	OpNotExists   = "not_exists"
)

// Group condition operators.
const (
	OpAnd = "and"
	OpOr  = "or"
)

// Condition is a node in a boolean expression tree. A node is either a
// group (Operator and/or with child Conditions) or a leaf (Field plus a
// comparison Operator and, for most operators, a Value). The same struct
// serves both shapes; Validate enforces that exactly one applies.
type Condition struct {
	Operator   string      `yaml:"operator" json:"operator"`
	Conditions []Condition `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	Field      string      `yaml:"field,omitempty" json:"field,omitempty"`
	Value      interface{} `yaml:"value,omitempty" json:"value,omitempty"`
}

// IsGroup reports whether the condition combines child conditions.
func (c Condition) IsGroup() bool {
	return c.Operator == OpAnd || c.Operator == OpOr
}

// Rule is a named condition with a severity and remediation guidance.
type Rule struct {
	ID               string    `yaml:"id" json:"id"`
	Name             string    `yaml:"name" json:"name"`
	Description      string    `yaml:"description,omitempty" json:"description,omitempty"`
	Severity         Severity  `yaml:"severity" json:"severity"`
	Condition        Condition `yaml:"condition" json:"condition"`
	RemediationSteps []string  `yaml:"remediation_steps,omitempty" json:"remediation_steps,omitempty"`
}

// Policy is a versioned set of rules applied to pipeline targets.
type Policy struct {
	ID             string                 `yaml:"id" json:"id"`
	Name           string                 `yaml:"name" json:"name"`
	Description    string                 `yaml:"description,omitempty" json:"description,omitempty"`
	Kind           Kind                   `yaml:"kind" json:"kind"`
	Enforcement    Enforcement            `yaml:"enforcement" json:"enforcement"`
	Status         Status                 `yaml:"status" json:"status"`
	Version        string                 `yaml:"version" json:"version"`
	Environments   []string               `yaml:"environments,omitempty" json:"environments,omitempty"`
	Tags           []string               `yaml:"tags,omitempty" json:"tags,omitempty"`
	Rules          []Rule                 `yaml:"rules" json:"rules"`
	ParentPolicyID string                 `yaml:"parent_policy_id,omitempty" json:"parent_policy_id,omitempty"`
	TemplateID     string                 `yaml:"template_id,omitempty" json:"template_id,omitempty"`
	Metadata       map[string]interface{} `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	CreatedAt      time.Time              `yaml:"created_at,omitempty" json:"created_at,omitempty"`
	UpdatedAt      time.Time              `yaml:"updated_at,omitempty" json:"updated_at,omitempty"`
}

// Clone returns a deep copy so callers can mutate without aliasing the
// stored policy.
func (p *Policy) Clone() *Policy {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Environments = append([]string(nil), p.Environments...)
	cp.Tags = append([]string(nil), p.Tags...)
	cp.Rules = make([]Rule, len(p.Rules))
	for i, r := range p.Rules {
		cp.Rules[i] = r.clone()
	}
	cp.Metadata = cloneValueMap(p.Metadata)
	return &cp
}

func (r Rule) clone() Rule {
	cp := r
	cp.RemediationSteps = append([]string(nil), r.RemediationSteps...)
	cp.Condition = r.Condition.clone()
	return cp
}

func (c Condition) clone() Condition {
	cp := c
	cp.Value = cloneValue(c.Value)
	if len(c.Conditions) > 0 {
		cp.Conditions = make([]Condition, len(c.Conditions))
		for i, child := range c.Conditions {
			cp.Conditions[i] = child.clone()
		}
	}
	return cp
}

func cloneValueMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return cloneValueMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// Exception exempts specific rules of a policy from enforcement, optionally
// scoped by a condition and an expiry.
type Exception struct {
	ID         string                 `yaml:"id" json:"id"`
	PolicyID   string                 `yaml:"policy_id" json:"policy_id"`
	RuleIDs    []string               `yaml:"rule_ids" json:"rule_ids"`
	Reason     string                 `yaml:"reason,omitempty" json:"reason,omitempty"`
	Approver   string                 `yaml:"approver,omitempty" json:"approver,omitempty"`
	Condition  *Condition             `yaml:"condition,omitempty" json:"condition,omitempty"`
	ApprovedAt time.Time              `yaml:"approved_at,omitempty" json:"approved_at,omitempty"`
	ExpiresAt  *time.Time             `yaml:"expires_at,omitempty" json:"expires_at,omitempty"`
	Metadata   map[string]interface{} `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// Expired reports whether the exception is past its expiry at the given
// instant. Exceptions without an expiry never expire.
func (e Exception) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// Covers reports whether the exception applies to the given rule id.
func (e Exception) Covers(ruleID string) bool {
	for _, id := range e.RuleIDs {
		if id == ruleID {
			return true
		}
	}
	return false
}

// RuleResult records the outcome of one rule within an evaluation.
type RuleResult struct {
	RuleID      string   `json:"rule_id"`
	Name        string   `json:"name"`
	Severity    Severity `json:"severity"`
	Passed      bool     `json:"passed"`
	ExceptionID string   `json:"exception_id,omitempty"`
	Message     string   `json:"message,omitempty"`
}

// Evaluation is the outcome of evaluating a single policy against a target.
type Evaluation struct {
	PolicyID    string       `json:"policy_id"`
	PolicyName  string       `json:"policy_name"`
	Enforcement Enforcement  `json:"enforcement"`
	Passed      bool         `json:"passed"`
	Skipped     bool         `json:"skipped,omitempty"`
	SkipReason  string       `json:"skip_reason,omitempty"`
	Rules       []RuleResult `json:"rules,omitempty"`
	Exceptions  []string     `json:"exceptions,omitempty"`
	EvaluatedAt time.Time    `json:"evaluated_at"`
}

// Violation is a failed, non-excepted rule surfaced to callers.
type Violation struct {
	PolicyID         string                 `json:"policy_id"`
	PolicyName       string                 `json:"policy_name"`
	RuleID           string                 `json:"rule_id"`
	RuleName         string                 `json:"rule_name"`
	Severity         Severity               `json:"severity"`
	Enforcement      Enforcement            `json:"enforcement"`
	Description      string                 `json:"description,omitempty"`
	RemediationSteps []string               `json:"remediation_steps,omitempty"`
	Target           map[string]interface{} `json:"target,omitempty"`
}

// GateResult aggregates a set of policy evaluations into a go/no-go answer.
type GateResult struct {
	Passed      bool          `json:"passed"`
	Blocked     bool          `json:"blocked"`
	Evaluations []*Evaluation `json:"evaluations"`
	Violations  []Violation   `json:"violations,omitempty"`
	EvaluatedAt time.Time     `json:"evaluated_at"`
}
