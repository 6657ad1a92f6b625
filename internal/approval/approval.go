// Package approval manages human sign-off requests raised by workflows.
// A request can be born approved when an auto-approve policy matches its
// metadata, which is how low-risk fixes flow without a human in the loop.
package approval

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pipewright/pipewright/internal/apperrors"
	"github.com/pipewright/pipewright/internal/logger"
	"github.com/pipewright/pipewright/internal/metrics"
	"github.com/pipewright/pipewright/internal/policy"
	"github.com/pipewright/pipewright/internal/storage"
)

// Status is the lifecycle state of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// SystemApprover is recorded when the auto-approve policy decides.
const SystemApprover = "system"

// Request is one approval decision point.
type Request struct {
	ID            string                 `json:"id"`
	WorkflowID    string                 `json:"workflow_id"`
	StepID        string                 `json:"step_id"`
	ActionID      string                 `json:"action_id,omitempty"`
	RequiredRoles []string               `json:"required_roles,omitempty"`
	Status        Status                 `json:"status"`
	Approver      string                 `json:"approver,omitempty"`
	Comments      string                 `json:"comments,omitempty"`
	Metadata      map[string]interface{} `json:"metadata"`
	CreatedAt     time.Time              `json:"created_at"`
	DecidedAt     *time.Time             `json:"decided_at,omitempty"`
	ExpiresAt     *time.Time             `json:"expires_at,omitempty"`
}

// AutoApproved reports whether the request was decided by policy rather
// than a person.
func (r *Request) AutoApproved() bool {
	return r.Status == StatusApproved && r.Approver == SystemApprover
}

// CreateInput describes a new approval request.
type CreateInput struct {
	WorkflowID    string
	StepID        string
	ActionID      string
	RequiredRoles []string
	Metadata      map[string]interface{}
	ExpiresIn     time.Duration
	// AutoApprovePolicy, when set, is evaluated against Metadata; a pass
	// creates the request already approved by the system.
	AutoApprovePolicy *policy.Policy
}

// Service creates and decides approval requests.
type Service struct {
	store   *storage.Store
	engine  *policy.Engine
	metrics *metrics.Metrics
	mu      sync.Mutex
	log     logger.Logger
}

// NewService wires the approval service. The metrics handle may be nil in
// tests.
func NewService(store *storage.Store, engine *policy.Engine, m *metrics.Metrics) *Service {
	return &Service{
		store:   store,
		engine:  engine,
		metrics: m,
		log:     logger.New("approval"),
	}
}

// Create registers a new request. Metadata is always present on the stored
// record so policy evaluation has a stable document shape.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Request, error) {
	if in.WorkflowID == "" || in.StepID == "" {
		return nil, apperrors.Input("invalid_approval_request", "workflow id and step id are required")
	}

	now := time.Now().UTC()
	req := &Request{
		ID:            uuid.New().String(),
		WorkflowID:    in.WorkflowID,
		StepID:        in.StepID,
		ActionID:      in.ActionID,
		RequiredRoles: in.RequiredRoles,
		Status:        StatusPending,
		Metadata:      in.Metadata,
		CreatedAt:     now,
	}
	if req.Metadata == nil {
		req.Metadata = make(map[string]interface{})
	}
	if in.ExpiresIn > 0 {
		expiry := now.Add(in.ExpiresIn)
		req.ExpiresAt = &expiry
	}

	if in.AutoApprovePolicy != nil && s.engine != nil {
		eval := s.engine.Evaluate(in.AutoApprovePolicy, req.Metadata)
		if eval.Passed && !eval.Skipped {
			req.Status = StatusApproved
			req.Approver = SystemApprover
			req.Comments = "auto-approved by policy " + in.AutoApprovePolicy.ID
			req.DecidedAt = &now
		}
	}

	if err := s.store.Save(storage.BucketApprovals, req.ID, req); err != nil {
		return nil, err
	}
	s.countDecision(req)
	s.log.Info("approval request created",
		logger.String("approval_id", req.ID),
		logger.String("workflow_id", req.WorkflowID),
		logger.String("status", string(req.Status)))
	return req, nil
}

// Get loads one request, lazily expiring it when its deadline has passed.
func (s *Service) Get(ctx context.Context, id string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(ctx, id)
}

func (s *Service) get(ctx context.Context, id string) (*Request, error) {
	var req Request
	if err := s.store.Load(storage.BucketApprovals, id, &req); err != nil {
		return nil, err
	}
	if req.Status == StatusPending && req.ExpiresAt != nil && time.Now().UTC().After(*req.ExpiresAt) {
		req.Status = StatusExpired
		if err := s.store.Save(storage.BucketApprovals, req.ID, &req); err != nil {
			return nil, err
		}
	}
	return &req, nil
}

// Approve moves a pending request to approved. Deciding a request that is
// not pending is a state error, which is what makes the first decision the
// only one that counts.
func (s *Service) Approve(ctx context.Context, id, approver, comments string) (*Request, error) {
	return s.decide(ctx, id, approver, comments, StatusApproved)
}

// Reject moves a pending request to rejected.
func (s *Service) Reject(ctx context.Context, id, approver, comments string) (*Request, error) {
	return s.decide(ctx, id, approver, comments, StatusRejected)
}

func (s *Service) decide(ctx context.Context, id, approver, comments string, status Status) (*Request, error) {
	if approver == "" {
		return nil, apperrors.Input("approver_required", "an approver identity is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	req, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusPending {
		return nil, apperrors.State("approval_not_pending", "request has already been decided").
			WithDetail("approval_id", id).
			WithDetail("status", string(req.Status))
	}

	now := time.Now().UTC()
	req.Status = status
	req.Approver = approver
	req.Comments = comments
	req.DecidedAt = &now
	if err := s.store.Save(storage.BucketApprovals, req.ID, req); err != nil {
		return nil, err
	}
	s.countDecision(req)
	s.log.Info("approval request decided",
		logger.String("approval_id", req.ID),
		logger.String("status", string(status)),
		logger.String("approver", approver))
	return req, nil
}

// ListPending returns pending requests, oldest first.
func (s *Service) ListPending(ctx context.Context) ([]*Request, error) {
	return s.list(ctx, func(r *Request) bool { return r.Status == StatusPending })
}

// ListByWorkflow returns every request raised by one workflow.
func (s *Service) ListByWorkflow(ctx context.Context, workflowID string) ([]*Request, error) {
	return s.list(ctx, func(r *Request) bool { return r.WorkflowID == workflowID })
}

func (s *Service) list(ctx context.Context, keep func(*Request) bool) ([]*Request, error) {
	ids, err := s.store.List(storage.BucketApprovals)
	if err != nil {
		return nil, err
	}

	var out []*Request
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		req, err := s.get(ctx, id)
		if err != nil {
			return nil, err
		}
		if keep(req) {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Service) countDecision(req *Request) {
	if s.metrics == nil || req.Status == StatusPending {
		return
	}
	s.metrics.Approvals.WithLabelValues(string(req.Status)).Inc()
}

// DefaultAutoApprovePolicy approves automated-strategy fixes below critical
// severity. Deployments that enable auto-approve without supplying their own
// policy get this one.
func DefaultAutoApprovePolicy() *policy.Policy {
	return &policy.Policy{
		ID:          "auto-approve-automated",
		Name:        "Auto-approve automated fixes",
		Description: "Approves fully automated remediations unless the finding is critical.",
		Kind:        policy.KindOperational,
		Enforcement: policy.EnforcementAudit,
		Status:      policy.StatusActive,
		Version:     "1.0.0",
		Rules: []policy.Rule{
			{
				ID:       "automated-below-critical",
				Name:     "Automated strategy, severity below critical",
				Severity: policy.SeverityInfo,
				Condition: policy.Condition{
					Operator: policy.OpAnd,
					Conditions: []policy.Condition{
						{Field: "strategy", Operator: policy.OpEquals, Value: "automated"},
						{Field: "severity", Operator: policy.OpNotEquals, Value: "critical"},
					},
				},
			},
		},
	}
}
