package policy

import (
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/pipewright/pipewright/internal/apperrors"
)

// maxConditionDepth bounds condition tree recursion for hand-built trees.
const maxConditionDepth = 32

var validOperators = map[string]bool{
	OpEquals:      true,
	OpNotEquals:   true,
	OpContains:    true,
	OpNotContains: true,
	OpStartsWith:  true,
	OpEndsWith:    true,
	OpGreaterThan: true,
	OpLessThan:    true,
	OpRegexMatch:  true,
	OpExists:      true,
	OpNotExists:   true,
}

// Parse decodes a policy document from YAML or JSON, fills lifecycle
// defaults, and validates it. JSON documents parse because YAML is a
// superset.
func Parse(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, apperrors.Input("policy_parse_failed", "policy document is not valid YAML or JSON").WithCause(err)
	}
	Normalize(&p)
	if err := Validate(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Normalize fills lifecycle defaults on a freshly authored policy.
func Normalize(p *Policy) {
	if p.Version == "" {
		p.Version = "1.0.0"
	}
	if p.Status == "" {
		p.Status = StatusActive
	}
	if p.Kind == "" {
		p.Kind = KindOperational
	}
	if p.Enforcement == "" {
		p.Enforcement = EnforcementWarning
	}
}

// Validate checks structural invariants of a policy document.
func Validate(p *Policy) error {
	if p.ID == "" {
		return apperrors.Input("policy_id_required", "policy id is required")
	}
	if p.Name == "" {
		return apperrors.Input("policy_name_required", "policy name is required").WithDetail("policy_id", p.ID)
	}
	switch p.Kind {
	case KindSecurity, KindCompliance, KindOperational:
	default:
		return inputErr(p.ID, "invalid_policy_kind", fmt.Sprintf("unknown policy kind %q", p.Kind))
	}
	switch p.Enforcement {
	case EnforcementBlocking, EnforcementWarning, EnforcementAudit:
	default:
		return inputErr(p.ID, "invalid_enforcement", fmt.Sprintf("unknown enforcement %q", p.Enforcement))
	}
	switch p.Status {
	case StatusDraft, StatusActive, StatusInactive, StatusDeprecated:
	default:
		return inputErr(p.ID, "invalid_policy_status", fmt.Sprintf("unknown status %q", p.Status))
	}
	if len(p.Rules) == 0 {
		return inputErr(p.ID, "policy_rules_required", "policy must define at least one rule")
	}

	seen := make(map[string]bool, len(p.Rules))
	for i := range p.Rules {
		rule := &p.Rules[i]
		if rule.ID == "" {
			return inputErr(p.ID, "rule_id_required", fmt.Sprintf("rule %d has no id", i))
		}
		if seen[rule.ID] {
			return inputErr(p.ID, "duplicate_rule_id", fmt.Sprintf("rule id %q appears more than once", rule.ID))
		}
		seen[rule.ID] = true
		if rule.Severity == "" {
			rule.Severity = SeverityMedium
		}
		if rule.Severity.Rank() == len(severityRank) {
			return inputErr(p.ID, "invalid_severity", fmt.Sprintf("rule %q has unknown severity %q", rule.ID, rule.Severity))
		}
		if err := ValidateCondition(rule.Condition); err != nil {
			return apperrors.Input("invalid_rule_condition", fmt.Sprintf("rule %q: %v", rule.ID, err)).
				WithDetail("policy_id", p.ID).WithDetail("rule_id", rule.ID)
		}
	}
	return nil
}

func inputErr(policyID, code, msg string) error {
	return apperrors.Input(code, msg).WithDetail("policy_id", policyID)
}

// ValidateCondition checks one condition tree: group nodes need children,
// leaves need a field and a known operator, and exists/not_exists must not
// carry a value.
func ValidateCondition(c Condition) error {
	return validateCondition(c, 0)
}

func validateCondition(c Condition, depth int) error {
	if depth > maxConditionDepth {
		return fmt.Errorf("condition tree exceeds depth %d", maxConditionDepth)
	}
	if c.IsGroup() {
		if len(c.Conditions) == 0 {
			return fmt.Errorf("group %q has no child conditions", c.Operator)
		}
		if c.Field != "" || c.Value != nil {
			return fmt.Errorf("group %q must not carry a field or value", c.Operator)
		}
		for _, child := range c.Conditions {
			if err := validateCondition(child, depth+1); err != nil {
				return err
			}
		}
		return nil
	}

	if !validOperators[c.Operator] {
		return fmt.Errorf("unknown operator %q", c.Operator)
	}
	if c.Field == "" {
		return fmt.Errorf("operator %q requires a field", c.Operator)
	}
	if len(c.Conditions) > 0 {
		return fmt.Errorf("leaf operator %q must not have child conditions", c.Operator)
	}
	switch c.Operator {
	case OpExists, OpNotExists:
		if c.Value != nil {
			return fmt.Errorf("operator %q must not carry a value", c.Operator)
		}
	case OpRegexMatch:
		s, ok := c.Value.(string)
		if !ok {
			return fmt.Errorf("operator %q requires a string pattern", c.Operator)
		}
		if _, err := regexp.Compile(s); err != nil {
			return fmt.Errorf("invalid regex pattern %q: %v", s, err)
		}
	default:
		if c.Value == nil {
			return fmt.Errorf("operator %q requires a value", c.Operator)
		}
	}
	return nil
}

// MarshalPolicy renders a policy as YAML for storage.
func MarshalPolicy(p *Policy) ([]byte, error) {
	data, err := yaml.Marshal(p)
	if err != nil {
		return nil, apperrors.Runtime("policy_encode_failed", "unable to encode policy").WithCause(err).
			WithDetail("policy_id", p.ID)
	}
	return data, nil
}
