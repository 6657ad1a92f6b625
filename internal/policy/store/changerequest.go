package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/pipewright/pipewright/internal/apperrors"
	"github.com/pipewright/pipewright/internal/logger"
	"github.com/pipewright/pipewright/internal/policy"
	"github.com/pipewright/pipewright/internal/storage"
)

// ChangeStatus is the lifecycle state of a change request.
type ChangeStatus string

const (
	ChangePending     ChangeStatus = "pending"
	ChangeApproved    ChangeStatus = "approved"
	ChangeRejected    ChangeStatus = "rejected"
	ChangeImplemented ChangeStatus = "implemented"
)

const changeRequestDir = "change_requests"

// RuleChanges describes rule-level edits carried by a change request.
type RuleChanges struct {
	Add    []policy.Rule `yaml:"add,omitempty" json:"add,omitempty"`
	Update []policy.Rule `yaml:"update,omitempty" json:"update,omitempty"`
	Remove []string      `yaml:"remove,omitempty" json:"remove,omitempty"`
}

func (rc RuleChanges) empty() bool {
	return len(rc.Add) == 0 && len(rc.Update) == 0 && len(rc.Remove) == 0
}

// ChangeRequest is a proposed policy edit held for review. Field changes
// replace top-level policy fields; rule changes add, replace, or remove
// rules by id.
type ChangeRequest struct {
	ID            string                 `yaml:"id" json:"id"`
	PolicyID      string                 `yaml:"policy_id" json:"policy_id"`
	Description   string                 `yaml:"description,omitempty" json:"description,omitempty"`
	FieldChanges  map[string]interface{} `yaml:"field_changes,omitempty" json:"field_changes,omitempty"`
	RuleChanges   RuleChanges            `yaml:"rule_changes,omitempty" json:"rule_changes,omitempty"`
	Status        ChangeStatus           `yaml:"status" json:"status"`
	RequestedBy   string                 `yaml:"requested_by" json:"requested_by"`
	DecidedBy     string                 `yaml:"decided_by,omitempty" json:"decided_by,omitempty"`
	DecisionNote  string                 `yaml:"decision_note,omitempty" json:"decision_note,omitempty"`
	CreatedAt     time.Time              `yaml:"created_at" json:"created_at"`
	DecidedAt     *time.Time             `yaml:"decided_at,omitempty" json:"decided_at,omitempty"`
	ImplementedAt *time.Time             `yaml:"implemented_at,omitempty" json:"implemented_at,omitempty"`
}

// mutableFields are the policy fields a change request may replace.
var mutableFields = map[string]bool{
	"name":         true,
	"description":  true,
	"kind":         true,
	"enforcement":  true,
	"status":       true,
	"environments": true,
	"tags":         true,
	"metadata":     true,
}

// CreateChangeRequest records a proposed edit against an existing policy.
func (s *Store) CreateChangeRequest(policyID, requestedBy, description string, fields map[string]interface{}, rules RuleChanges) (*ChangeRequest, error) {
	if _, err := s.Get(policyID); err != nil {
		return nil, err
	}
	if len(fields) == 0 && rules.empty() {
		return nil, apperrors.Input("empty_change_request", "change request proposes no changes").
			WithDetail("policy_id", policyID)
	}
	for field := range fields {
		if !mutableFields[field] {
			return nil, apperrors.Input("immutable_field", fmt.Sprintf("field %q cannot be changed by a change request", field)).
				WithDetail("policy_id", policyID)
		}
	}

	cr := &ChangeRequest{
		ID:           uuid.New().String(),
		PolicyID:     policyID,
		Description:  description,
		FieldChanges: fields,
		RuleChanges:  rules,
		Status:       ChangePending,
		RequestedBy:  requestedBy,
		CreatedAt:    time.Now().UTC(),
	}

	s.crMu.Lock()
	s.changeRequests[cr.ID] = cr
	s.crMu.Unlock()
	if err := s.writeChangeRequest(cr); err != nil {
		return nil, err
	}
	s.log.Info("change request created",
		logger.String("change_request_id", cr.ID),
		logger.String("policy_id", policyID))
	return cr, nil
}

// GetChangeRequest returns one change request by id.
func (s *Store) GetChangeRequest(id string) (*ChangeRequest, error) {
	s.crMu.Lock()
	defer s.crMu.Unlock()
	cr, ok := s.changeRequests[id]
	if !ok {
		return nil, apperrors.Resource("change_request_not_found", "no such change request").
			WithDetail("change_request_id", id)
	}
	cp := *cr
	return &cp, nil
}

// ListChangeRequests returns change requests for a policy, newest first.
// An empty policyID lists all.
func (s *Store) ListChangeRequests(policyID string) []*ChangeRequest {
	s.crMu.Lock()
	defer s.crMu.Unlock()

	var out []*ChangeRequest
	for _, cr := range s.changeRequests {
		if policyID != "" && cr.PolicyID != policyID {
			continue
		}
		cp := *cr
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ApproveChangeRequest moves a pending request to approved.
func (s *Store) ApproveChangeRequest(id, approver string) (*ChangeRequest, error) {
	return s.decideChangeRequest(id, approver, "", ChangeApproved)
}

// RejectChangeRequest moves a pending request to rejected.
func (s *Store) RejectChangeRequest(id, approver, reason string) (*ChangeRequest, error) {
	return s.decideChangeRequest(id, approver, reason, ChangeRejected)
}

func (s *Store) decideChangeRequest(id, decider, note string, status ChangeStatus) (*ChangeRequest, error) {
	s.crMu.Lock()
	defer s.crMu.Unlock()

	cr, ok := s.changeRequests[id]
	if !ok {
		return nil, apperrors.Resource("change_request_not_found", "no such change request").
			WithDetail("change_request_id", id)
	}
	if cr.Status != ChangePending {
		return nil, apperrors.State("change_request_not_pending",
			fmt.Sprintf("change request is %s, only pending requests can be decided", cr.Status)).
			WithDetail("change_request_id", id)
	}

	now := time.Now().UTC()
	cr.Status = status
	cr.DecidedBy = decider
	cr.DecisionNote = note
	cr.DecidedAt = &now
	if err := s.writeChangeRequest(cr); err != nil {
		return nil, err
	}
	cp := *cr
	return &cp, nil
}

// ImplementChangeRequest applies an approved request to its policy. Applies
// are serialized per policy so two requests against the same policy cannot
// interleave their read-modify-write cycles.
func (s *Store) ImplementChangeRequest(id string) (*policy.Policy, error) {
	s.crMu.Lock()
	cr, ok := s.changeRequests[id]
	if !ok {
		s.crMu.Unlock()
		return nil, apperrors.Resource("change_request_not_found", "no such change request").
			WithDetail("change_request_id", id)
	}
	if cr.Status != ChangeApproved {
		status := cr.Status
		s.crMu.Unlock()
		return nil, apperrors.State("change_request_not_approved",
			fmt.Sprintf("change request is %s, only approved requests can be implemented", status)).
			WithDetail("change_request_id", id)
	}
	lock := s.applyLockFor(cr.PolicyID)
	s.crMu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	current, err := s.Get(cr.PolicyID)
	if err != nil {
		return nil, err
	}
	updated, err := applyChanges(current, cr)
	if err != nil {
		return nil, err
	}
	result, err := s.Update(cr.PolicyID, updated)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	s.crMu.Lock()
	cr.Status = ChangeImplemented
	cr.ImplementedAt = &now
	err = s.writeChangeRequest(cr)
	s.crMu.Unlock()
	if err != nil {
		return nil, err
	}

	s.log.Info("change request implemented",
		logger.String("change_request_id", id),
		logger.String("policy_id", cr.PolicyID),
		logger.String("version", result.Version))
	return result, nil
}

// applyLockFor must be called with crMu held.
func (s *Store) applyLockFor(policyID string) *sync.Mutex {
	lock, ok := s.applyLocks[policyID]
	if !ok {
		lock = &sync.Mutex{}
		s.applyLocks[policyID] = lock
	}
	return lock
}

func applyChanges(p *policy.Policy, cr *ChangeRequest) (*policy.Policy, error) {
	out := p.Clone()

	for field, value := range cr.FieldChanges {
		if err := applyFieldChange(out, field, value); err != nil {
			return nil, err
		}
	}

	ruleIndex := make(map[string]int, len(out.Rules))
	for i, r := range out.Rules {
		ruleIndex[r.ID] = i
	}

	for _, r := range cr.RuleChanges.Update {
		i, ok := ruleIndex[r.ID]
		if !ok {
			return nil, apperrors.Input("rule_not_found", fmt.Sprintf("cannot update unknown rule %q", r.ID)).
				WithDetail("policy_id", p.ID)
		}
		out.Rules[i] = r
	}
	for _, ruleID := range cr.RuleChanges.Remove {
		i, ok := ruleIndex[ruleID]
		if !ok {
			return nil, apperrors.Input("rule_not_found", fmt.Sprintf("cannot remove unknown rule %q", ruleID)).
				WithDetail("policy_id", p.ID)
		}
		out.Rules = append(out.Rules[:i], out.Rules[i+1:]...)
		delete(ruleIndex, ruleID)
		for id, j := range ruleIndex {
			if j > i {
				ruleIndex[id] = j - 1
			}
		}
	}
	for _, r := range cr.RuleChanges.Add {
		if _, exists := ruleIndex[r.ID]; exists {
			return nil, apperrors.Input("duplicate_rule_id", fmt.Sprintf("rule %q already exists", r.ID)).
				WithDetail("policy_id", p.ID)
		}
		out.Rules = append(out.Rules, r)
		ruleIndex[r.ID] = len(out.Rules) - 1
	}
	return out, nil
}

func applyFieldChange(p *policy.Policy, field string, value interface{}) error {
	badType := func() error {
		return apperrors.Input("invalid_field_value", fmt.Sprintf("field %q has an incompatible value", field)).
			WithDetail("policy_id", p.ID)
	}

	switch field {
	case "name":
		s, ok := value.(string)
		if !ok {
			return badType()
		}
		p.Name = s
	case "description":
		s, ok := value.(string)
		if !ok {
			return badType()
		}
		p.Description = s
	case "kind":
		s, ok := value.(string)
		if !ok {
			return badType()
		}
		p.Kind = policy.Kind(s)
	case "enforcement":
		s, ok := value.(string)
		if !ok {
			return badType()
		}
		p.Enforcement = policy.Enforcement(s)
	case "status":
		s, ok := value.(string)
		if !ok {
			return badType()
		}
		p.Status = policy.Status(s)
	case "environments":
		list, err := toStringSlice(value)
		if err != nil {
			return badType()
		}
		p.Environments = list
	case "tags":
		list, err := toStringSlice(value)
		if err != nil {
			return badType()
		}
		p.Tags = list
	case "metadata":
		m, ok := value.(map[string]interface{})
		if !ok {
			return badType()
		}
		p.Metadata = m
	default:
		return apperrors.Input("immutable_field", fmt.Sprintf("field %q cannot be changed by a change request", field)).
			WithDetail("policy_id", p.ID)
	}
	return nil
}

func toStringSlice(value interface{}) ([]string, error) {
	switch v := value.(type) {
	case []string:
		return append([]string(nil), v...), nil
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("non-string element")
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("not a list")
	}
}

func (s *Store) writeChangeRequest(cr *ChangeRequest) error {
	data, err := yaml.Marshal(cr)
	if err != nil {
		return apperrors.Runtime("change_request_encode_failed", "unable to encode change request").
			WithCause(err).WithDetail("change_request_id", cr.ID)
	}
	path := filepath.Join(s.dir, changeRequestDir, cr.ID+policyExt)
	if err := storage.WriteFileAtomic(path, data, 0o644); err != nil {
		return apperrors.Runtime("change_request_write_failed", "unable to persist change request").
			WithCause(err).WithDetail("change_request_id", cr.ID)
	}
	return nil
}

func (s *Store) loadChangeRequests() {
	dir := filepath.Join(s.dir, changeRequestDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), policyExt) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		var cr ChangeRequest
		if err := yaml.Unmarshal(data, &cr); err != nil || cr.ID == "" {
			s.log.Warn("skipping unreadable change request", logger.String("file", entry.Name()))
			continue
		}
		s.changeRequests[cr.ID] = &cr
	}
}
