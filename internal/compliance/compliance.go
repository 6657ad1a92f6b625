// Package compliance maps policy evaluations onto compliance standards and
// renders persisted reports. Standards are inert data: nothing here
// evaluates a control, it only correlates requirement ids with policy
// outcomes.
package compliance

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/pipewright/pipewright/internal/apperrors"
	"github.com/pipewright/pipewright/internal/logger"
	"github.com/pipewright/pipewright/internal/policy"
	"github.com/pipewright/pipewright/internal/storage"
)

// RequirementStatus is the verdict for one requirement of a standard.
type RequirementStatus string

const (
	StatusCompliant     RequirementStatus = "compliant"
	StatusNonCompliant  RequirementStatus = "non_compliant"
	StatusNotApplicable RequirementStatus = "not_applicable"
	StatusUnknown       RequirementStatus = "unknown"
)

// Requirement is one control of a standard, mapped to the policies that
// implement it. A requirement without policy ids is not automatable and
// reports as not_applicable.
type Requirement struct {
	ID          string   `yaml:"id" json:"id"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	PolicyIDs   []string `yaml:"policy_ids,omitempty" json:"policy_ids,omitempty"`
}

// Standard is a named set of requirements, e.g. an internal hardening
// baseline or an external framework.
type Standard struct {
	ID           string        `yaml:"id" json:"id"`
	Name         string        `yaml:"name" json:"name"`
	Version      string        `yaml:"version,omitempty" json:"version,omitempty"`
	Requirements []Requirement `yaml:"requirements" json:"requirements"`
}

// RequirementResult is the evaluated status of one requirement.
type RequirementResult struct {
	RequirementID  string            `json:"requirement_id"`
	Description    string            `json:"description,omitempty"`
	Status         RequirementStatus `json:"status"`
	FailedPolicies []string          `json:"failed_policies,omitempty"`
}

// StandardResult groups requirement results under their standard.
type StandardResult struct {
	StandardID   string              `json:"standard_id"`
	Name         string              `json:"name"`
	Version      string              `json:"version,omitempty"`
	Requirements []RequirementResult `json:"requirements"`
}

// SeverityCounts tallies violations by severity.
type SeverityCounts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Info     int `json:"info"`
}

// StatusCounts tallies requirements by status.
type StatusCounts struct {
	Compliant     int `json:"compliant"`
	NonCompliant  int `json:"non_compliant"`
	NotApplicable int `json:"not_applicable"`
	Unknown       int `json:"unknown"`
}

// Summary condenses a report for dashboards.
type Summary struct {
	StandardsCount    int            `json:"standards_count"`
	RequirementsCount int            `json:"requirements_count"`
	ViolationsCount   int            `json:"violations_count"`
	StatusCounts      StatusCounts   `json:"status_counts"`
	SeverityCounts    SeverityCounts `json:"severity_counts"`
	ComplianceScore   float64        `json:"compliance_score"`
	OverallStatus     string         `json:"overall_status"`
}

// Report is the persisted compliance document.
type Report struct {
	ID                string                 `json:"id"`
	GeneratedAt       time.Time              `json:"generated_at"`
	Target            map[string]interface{} `json:"target,omitempty"`
	Standards         []StandardResult       `json:"standards"`
	Violations        []policy.Violation     `json:"violations,omitempty"`
	PolicyEvaluations []*policy.Evaluation   `json:"policy_evaluations,omitempty"`
	Summary           Summary                `json:"summary"`
}

// Reporter turns gate results into compliance reports and persists them.
type Reporter struct {
	dir string
	log logger.Logger
}

// NewReporter writes reports under dir.
func NewReporter(dir string) *Reporter {
	return &Reporter{dir: dir, log: logger.New("compliance")}
}

// Generate correlates a gate result with the given standards. Every policy
// evaluation and violation from the gate is carried into the report so the
// document stands alone.
func (r *Reporter) Generate(target map[string]interface{}, standards []Standard, gate *policy.GateResult) *Report {
	report := &Report{
		ID:                uuid.New().String(),
		GeneratedAt:       time.Now().UTC(),
		Target:            target,
		Violations:        gate.Violations,
		PolicyEvaluations: gate.Evaluations,
	}

	evalByPolicy := make(map[string]*policy.Evaluation, len(gate.Evaluations))
	for _, eval := range gate.Evaluations {
		evalByPolicy[eval.PolicyID] = eval
	}

	var counts StatusCounts
	requirements := 0
	for _, std := range standards {
		result := StandardResult{StandardID: std.ID, Name: std.Name, Version: std.Version}
		for _, req := range std.Requirements {
			requirements++
			res := evaluateRequirement(req, evalByPolicy)
			switch res.Status {
			case StatusCompliant:
				counts.Compliant++
			case StatusNonCompliant:
				counts.NonCompliant++
			case StatusNotApplicable:
				counts.NotApplicable++
			default:
				counts.Unknown++
			}
			result.Requirements = append(result.Requirements, res)
		}
		report.Standards = append(report.Standards, result)
	}

	report.Summary = Summary{
		StandardsCount:    len(standards),
		RequirementsCount: requirements,
		ViolationsCount:   len(gate.Violations),
		StatusCounts:      counts,
		SeverityCounts:    countSeverities(gate.Violations),
		ComplianceScore:   score(counts),
		OverallStatus:     overallStatus(counts, len(gate.Violations)),
	}
	return report
}

// evaluateRequirement derives a requirement's status from the policy
// evaluations that back it.
func evaluateRequirement(req Requirement, evals map[string]*policy.Evaluation) RequirementResult {
	res := RequirementResult{
		RequirementID: req.ID,
		Description:   req.Description,
	}
	if len(req.PolicyIDs) == 0 {
		res.Status = StatusNotApplicable
		return res
	}

	evaluated := 0
	for _, policyID := range req.PolicyIDs {
		eval, ok := evals[policyID]
		if !ok {
			continue
		}
		evaluated++
		if !eval.Passed {
			res.FailedPolicies = append(res.FailedPolicies, policyID)
		}
	}

	switch {
	case len(res.FailedPolicies) > 0:
		res.Status = StatusNonCompliant
	case evaluated == len(req.PolicyIDs):
		res.Status = StatusCompliant
	default:
		res.Status = StatusUnknown
	}
	return res
}

// score is the share of automatable requirements that passed, as a
// percentage rounded to two decimals. No decidable requirements scores zero.
func score(counts StatusCounts) float64 {
	decided := counts.Compliant + counts.NonCompliant
	if decided == 0 {
		return 0
	}
	return math.Round(float64(counts.Compliant)/float64(decided)*100*100) / 100
}

func overallStatus(counts StatusCounts, violations int) string {
	switch {
	case counts.NonCompliant > 0 || violations > 0:
		return string(StatusNonCompliant)
	case counts.Compliant > 0:
		return string(StatusCompliant)
	default:
		return string(StatusUnknown)
	}
}

func countSeverities(violations []policy.Violation) SeverityCounts {
	var counts SeverityCounts
	for _, v := range violations {
		switch v.Severity {
		case policy.SeverityCritical:
			counts.Critical++
		case policy.SeverityHigh:
			counts.High++
		case policy.SeverityMedium:
			counts.Medium++
		case policy.SeverityLow:
			counts.Low++
		case policy.SeverityInfo:
			counts.Info++
		}
	}
	return counts
}

// Save persists a report as JSON under the report directory, named by
// timestamp and id so listings sort chronologically.
func (r *Reporter) Save(report *Report) (string, error) {
	data, err := marshalReport(report)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s_%s.json", report.GeneratedAt.Format("20060102T150405Z"), report.ID)
	path := filepath.Join(r.dir, name)
	if err := storage.WriteFileAtomic(path, data, 0o644); err != nil {
		return "", apperrors.Runtime("report_write_failed", "unable to persist compliance report").
			WithCause(err).WithDetail("report_id", report.ID)
	}
	r.log.Info("compliance report written",
		logger.String("report_id", report.ID),
		logger.String("status", report.Summary.OverallStatus),
		logger.Float64("score", report.Summary.ComplianceScore))
	return path, nil
}

// ListReports returns the persisted report files, newest first.
func (r *Reporter) ListReports() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperrors.Runtime("report_list_failed", "unable to list compliance reports").WithCause(err)
	}
	var out []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		out = append(out, filepath.Join(r.dir, entry.Name()))
	}
	sort.Sort(sort.Reverse(sort.StringSlice(out)))
	return out, nil
}

// ParseStandards decodes a YAML document holding one standard or a list of
// standards.
func ParseStandards(data []byte) ([]Standard, error) {
	var list []Standard
	if err := yaml.Unmarshal(data, &list); err == nil && len(list) > 0 {
		return validateStandards(list)
	}

	var single Standard
	if err := yaml.Unmarshal(data, &single); err != nil {
		return nil, apperrors.Input("standard_parse_failed", "standard document is not valid YAML").WithCause(err)
	}
	return validateStandards([]Standard{single})
}

func validateStandards(list []Standard) ([]Standard, error) {
	for _, std := range list {
		if std.ID == "" || std.Name == "" {
			return nil, apperrors.Input("invalid_standard", "standard requires an id and a name")
		}
		for _, req := range std.Requirements {
			if req.ID == "" {
				return nil, apperrors.Input("invalid_standard", "every requirement needs an id").
					WithDetail("standard_id", std.ID)
			}
		}
	}
	return list, nil
}

func marshalReport(report *Report) ([]byte, error) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, apperrors.Runtime("report_encode_failed", "unable to encode compliance report").WithCause(err)
	}
	return data, nil
}
