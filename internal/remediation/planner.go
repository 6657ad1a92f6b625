package remediation

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/pipewright/pipewright/internal/apperrors"
	"github.com/pipewright/pipewright/internal/logger"
	"github.com/pipewright/pipewright/internal/storage"
)

// Planner turns vulnerability reports into persisted remediation plans.
type Planner struct {
	catalog *Catalog
	store   *storage.Store
	log     logger.Logger
}

// NewPlanner wires a planner to its template catalog and store.
func NewPlanner(catalog *Catalog, store *storage.Store) *Planner {
	return &Planner{
		catalog: catalog,
		store:   store,
		log:     logger.New("remediation"),
	}
}

// CreatePlan materializes actions for every distinct vulnerability in the
// request. Findings with no matching template or with missing required
// variables are recorded as skipped rather than failing the plan; a request
// where nothing is actionable still yields a (empty) plan.
func (p *Planner) CreatePlan(ctx context.Context, req Request) (*Plan, error) {
	if req.Repo == "" || req.SHA == "" {
		return nil, apperrors.Input("invalid_remediation_request", "repo and sha are required")
	}
	if len(req.Vulnerabilities) == 0 {
		return nil, apperrors.Input("invalid_remediation_request", "at least one vulnerability is required")
	}

	now := time.Now().UTC()
	plan := &Plan{
		ID:        uuid.New().String(),
		Target:    req.Target(),
		Status:    PlanPending,
		Metadata:  req.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.AutoApply {
		if plan.Metadata == nil {
			plan.Metadata = make(map[string]interface{}, 1)
		}
		plan.Metadata["auto_apply"] = true
	}

	seen := make(map[string]bool, len(req.Vulnerabilities))
	var actions []*Action
	for _, vuln := range req.Vulnerabilities {
		if err := ctx.Err(); err != nil {
			return nil, apperrors.Timeout("plan_cancelled", "remediation planning cancelled").WithCause(err)
		}
		if vuln.ID == "" {
			plan.Skipped = append(plan.Skipped, SkippedVulnerability{Reason: "vulnerability has no id"})
			continue
		}
		if seen[vuln.ID] {
			continue
		}
		seen[vuln.ID] = true

		action, reason := p.materialize(vuln)
		if action == nil {
			plan.Skipped = append(plan.Skipped, SkippedVulnerability{VulnerabilityID: vuln.ID, Reason: reason})
			p.log.Warn("vulnerability skipped",
				logger.String("vulnerability_id", vuln.ID),
				logger.String("reason", reason))
			continue
		}
		actions = append(actions, action)
		plan.Actions = append(plan.Actions, action.ID)
	}

	for _, action := range actions {
		if err := p.store.Save(storage.BucketActions, action.ID, action); err != nil {
			return nil, err
		}
	}
	if err := p.store.Save(storage.BucketPlans, plan.ID, plan); err != nil {
		return nil, err
	}

	p.log.Info("remediation plan created",
		logger.String("plan_id", plan.ID),
		logger.String("target", plan.Target),
		logger.Int("actions", len(plan.Actions)),
		logger.Int("skipped", len(plan.Skipped)))
	return plan, nil
}

// materialize builds one action from the first applicable template. The
// returned reason is set when no action could be built.
func (p *Planner) materialize(vuln Vulnerability) (*Action, string) {
	tmpl := p.catalog.Match(vuln.Type)
	if tmpl == nil {
		return nil, "no template matches vulnerability type " + vuln.Type
	}

	steps, err := tmpl.instantiate(vuln)
	if err != nil {
		return nil, err.Error()
	}

	meta := map[string]interface{}{
		"vulnerability_type": vuln.Type,
		"severity":           string(vuln.Severity),
	}
	// The class marker survives into workflow steps, where it selects the
	// long timeout for database work.
	if class, ok := vuln.Metadata["class"]; ok {
		meta["class"] = class
	}

	now := time.Now().UTC()
	return &Action{
		ID:              uuid.New().String(),
		VulnerabilityID: vuln.ID,
		Name:            tmpl.Name + " for " + vuln.ID,
		Strategy:        tmpl.Strategy,
		Source:          SourceTemplate,
		TemplateID:      tmpl.ID,
		Steps:           steps,
		Status:          ActionPending,
		Metadata:        meta,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, ""
}

// GetPlan loads one plan by id.
func (p *Planner) GetPlan(ctx context.Context, id string) (*Plan, error) {
	var plan Plan
	if err := p.store.Load(storage.BucketPlans, id, &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// GetAction loads one action by id.
func (p *Planner) GetAction(ctx context.Context, id string) (*Action, error) {
	var action Action
	if err := p.store.Load(storage.BucketActions, id, &action); err != nil {
		return nil, err
	}
	return &action, nil
}

// PlanActions loads the action documents of a plan in execution order.
func (p *Planner) PlanActions(ctx context.Context, plan *Plan) ([]*Action, error) {
	actions := make([]*Action, 0, len(plan.Actions))
	for _, id := range plan.Actions {
		action, err := p.GetAction(ctx, id)
		if err != nil {
			return nil, err
		}
		actions = append(actions, action)
	}
	return actions, nil
}

// ListPlans returns the ids of every persisted plan.
func (p *Planner) ListPlans(ctx context.Context) ([]string, error) {
	return p.store.List(storage.BucketPlans)
}
