package policy

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pipewright/pipewright/internal/logger"
)

// Engine evaluates policies against target documents. Evaluation never
// mutates its inputs, so a single engine is safe for concurrent use.
type Engine struct {
	mu         sync.RWMutex
	exceptions map[string][]Exception
	regexCache sync.Map
	log        logger.Logger
}

// NewEngine returns an engine with no registered exceptions.
func NewEngine() *Engine {
	return &Engine{
		exceptions: make(map[string][]Exception),
		log:        logger.New("policy"),
	}
}

// AddException registers an exception for its policy.
func (e *Engine) AddException(ex Exception) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.exceptions[ex.PolicyID] = append(e.exceptions[ex.PolicyID], ex)
}

// SetExceptions replaces all registered exceptions.
func (e *Engine) SetExceptions(list []Exception) {
	grouped := make(map[string][]Exception, len(list))
	for _, ex := range list {
		grouped[ex.PolicyID] = append(grouped[ex.PolicyID], ex)
	}
	e.mu.Lock()
	e.exceptions = grouped
	e.mu.Unlock()
}

// Exceptions returns the exceptions registered for a policy.
func (e *Engine) Exceptions(policyID string) []Exception {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Exception(nil), e.exceptions[policyID]...)
}

// Evaluate runs every rule of one policy against the target. Inactive
// policies and policies not targeting the target's environment are skipped
// and count as passed.
func (e *Engine) Evaluate(p *Policy, target map[string]interface{}) *Evaluation {
	now := time.Now().UTC()
	eval := &Evaluation{
		PolicyID:    p.ID,
		PolicyName:  p.Name,
		Enforcement: p.Enforcement,
		Passed:      true,
		EvaluatedAt: now,
	}

	if p.Status != StatusActive {
		eval.Skipped = true
		eval.SkipReason = fmt.Sprintf("policy status is %s", p.Status)
		return eval
	}
	if !e.appliesToEnvironment(p, target) {
		eval.Skipped = true
		eval.SkipReason = "policy does not target this environment"
		return eval
	}

	exceptions := e.Exceptions(p.ID)
	for _, rule := range p.Rules {
		result := RuleResult{RuleID: rule.ID, Name: rule.Name, Severity: rule.Severity}

		if ex := e.matchException(exceptions, rule.ID, target, now); ex != nil {
			result.Passed = true
			result.ExceptionID = ex.ID
			result.Message = "rule excepted"
			eval.Exceptions = appendUnique(eval.Exceptions, ex.ID)
		} else if e.evalCondition(rule.Condition, target, 0) {
			result.Passed = true
		} else {
			result.Passed = false
			result.Message = rule.Description
			eval.Passed = false
		}
		eval.Rules = append(eval.Rules, result)
	}
	return eval
}

// EvaluateAll evaluates every policy against the target and aggregates the
// result into a gate decision. The gate blocks only when a blocking policy
// failed.
func (e *Engine) EvaluateAll(policies []*Policy, target map[string]interface{}) *GateResult {
	gate := &GateResult{Passed: true, EvaluatedAt: time.Now().UTC()}

	for _, p := range policies {
		eval := e.Evaluate(p, target)
		gate.Evaluations = append(gate.Evaluations, eval)
		if eval.Passed {
			continue
		}
		gate.Passed = false
		if p.Enforcement == EnforcementBlocking {
			gate.Blocked = true
		}
		gate.Violations = append(gate.Violations, violationsFor(p, eval)...)
	}

	sort.SliceStable(gate.Violations, func(i, j int) bool {
		return gate.Violations[i].Severity.Rank() < gate.Violations[j].Severity.Rank()
	})
	return gate
}

func violationsFor(p *Policy, eval *Evaluation) []Violation {
	var out []Violation
	ruleByID := make(map[string]*Rule, len(p.Rules))
	for i := range p.Rules {
		ruleByID[p.Rules[i].ID] = &p.Rules[i]
	}
	for _, res := range eval.Rules {
		if res.Passed {
			continue
		}
		v := Violation{
			PolicyID:    p.ID,
			PolicyName:  p.Name,
			RuleID:      res.RuleID,
			RuleName:    res.Name,
			Severity:    res.Severity,
			Enforcement: p.Enforcement,
		}
		if rule := ruleByID[res.RuleID]; rule != nil {
			v.Description = rule.Description
			v.RemediationSteps = append([]string(nil), rule.RemediationSteps...)
		}
		out = append(out, v)
	}
	return out
}

func (e *Engine) appliesToEnvironment(p *Policy, target map[string]interface{}) bool {
	if len(p.Environments) == 0 {
		return true
	}
	env, _ := resolveField(target, "environment")
	envStr, _ := env.(string)
	for _, candidate := range p.Environments {
		if candidate == "all" || candidate == envStr {
			return true
		}
	}
	return false
}

func (e *Engine) matchException(exceptions []Exception, ruleID string, target map[string]interface{}, now time.Time) *Exception {
	for i := range exceptions {
		ex := &exceptions[i]
		if ex.Expired(now) || !ex.Covers(ruleID) {
			continue
		}
		if ex.Condition != nil && !e.evalCondition(*ex.Condition, target, 0) {
			continue
		}
		return ex
	}
	return nil
}

// evalCondition walks the condition tree. Unknown operators and over-deep
// trees evaluate to false rather than failing the evaluation.
func (e *Engine) evalCondition(c Condition, target map[string]interface{}, depth int) bool {
	if depth > maxConditionDepth {
		e.log.Warn("condition tree exceeds maximum depth, evaluating as false",
			logger.Int("depth", depth))
		return false
	}

	switch c.Operator {
	case OpAnd:
		for _, child := range c.Conditions {
			if !e.evalCondition(child, target, depth+1) {
				return false
			}
		}
		return true
	case OpOr:
		for _, child := range c.Conditions {
			if e.evalCondition(child, target, depth+1) {
				return true
			}
		}
		return false
	}

	value, found := resolveField(target, c.Field)

	switch c.Operator {
	case OpExists:
		return found
	case OpNotExists:
		return !found
	case OpEquals:
		return found && structuralEqual(value, c.Value)
	case OpNotEquals:
		return !found || !structuralEqual(value, c.Value)
	case OpContains:
		return found && contains(value, c.Value)
	case OpNotContains:
		return !found || !contains(value, c.Value)
	case OpStartsWith:
		s, expected, ok := stringPair(value, c.Value, found)
		return ok && strings.HasPrefix(s, expected)
	case OpEndsWith:
		s, expected, ok := stringPair(value, c.Value, found)
		return ok && strings.HasSuffix(s, expected)
	case OpGreaterThan:
		a, b, ok := numericPair(value, c.Value, found)
		return ok && a > b
	case OpLessThan:
		a, b, ok := numericPair(value, c.Value, found)
		return ok && a < b
	case OpRegexMatch:
		return e.regexMatch(value, c.Value, found)
	default:
		e.log.Warn("unknown condition operator, evaluating as false",
			logger.String("operator", c.Operator),
			logger.String("field", c.Field))
		return false
	}
}

// resolveField walks a dot-separated path through nested maps. The second
// return value distinguishes an absent key from a present nil.
func resolveField(target map[string]interface{}, path string) (interface{}, bool) {
	if path == "" {
		return nil, false
	}
	var current interface{} = target
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// structuralEqual compares two values with numeric types normalized, so a
// YAML 90 equals a JSON 90.0.
func structuralEqual(a, b interface{}) bool {
	if an, aok := toFloat(a); aok {
		bn, bok := toFloat(b)
		return bok && an == bn
	}
	switch av := a.(type) {
	case []interface{}:
		bv, ok := b.([]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !structuralEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]interface{}:
		bv, ok := b.(map[string]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, ok := bv[k]
			if !ok || !structuralEqual(v, bvv) {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(a, b)
	}
}

// contains implements substring match for strings and membership for lists.
func contains(value, expected interface{}) bool {
	switch v := value.(type) {
	case string:
		s, ok := expected.(string)
		return ok && strings.Contains(v, s)
	case []interface{}:
		for _, item := range v {
			if structuralEqual(item, expected) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func stringPair(value, expected interface{}, found bool) (string, string, bool) {
	if !found {
		return "", "", false
	}
	s, ok := value.(string)
	if !ok {
		return "", "", false
	}
	e, ok := expected.(string)
	if !ok {
		return "", "", false
	}
	return s, e, true
}

func numericPair(value, expected interface{}, found bool) (float64, float64, bool) {
	if !found {
		return 0, 0, false
	}
	a, ok := toFloat(value)
	if !ok {
		return 0, 0, false
	}
	b, ok := toFloat(expected)
	if !ok {
		return 0, 0, false
	}
	return a, b, true
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// regexMatch anchors the pattern at the start of the value, matching the
// prefix semantics of most policy tooling.
func (e *Engine) regexMatch(value, pattern interface{}, found bool) bool {
	if !found {
		return false
	}
	s, ok := value.(string)
	if !ok {
		return false
	}
	p, ok := pattern.(string)
	if !ok {
		return false
	}

	anchored := "^(?:" + p + ")"
	if cached, ok := e.regexCache.Load(anchored); ok {
		return cached.(*regexp.Regexp).MatchString(s)
	}
	re, err := regexp.Compile(anchored)
	if err != nil {
		e.log.Warn("invalid regex pattern in condition, evaluating as false",
			logger.String("pattern", p),
			logger.Error(err))
		return false
	}
	e.regexCache.Store(anchored, re)
	return re.MatchString(s)
}

func appendUnique(list []string, v string) []string {
	for _, item := range list {
		if item == v {
			return list
		}
	}
	return append(list, v)
}
