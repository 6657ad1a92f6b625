// Package workflow executes remediation plans as ordered step sequences
// with approval gates, timeouts, and rollback hooks. The persisted workflow
// document is the authority; every transition is written before the runtime
// moves on.
package workflow

import (
	"time"
)

// StepKind classifies what a step does.
type StepKind string

const (
	StepRemediation  StepKind = "remediation"
	StepVerification StepKind = "verification"
	StepApproval     StepKind = "approval"
	StepRollback     StepKind = "rollback"
)

// StepStatus is the lifecycle state of one step.
type StepStatus string

const (
	StepPending          StepStatus = "pending"
	StepRunning          StepStatus = "running"
	StepCompleted        StepStatus = "completed"
	StepFailed           StepStatus = "failed"
	StepWaitingApproval  StepStatus = "waiting_for_approval"
	StepApprovalRejected StepStatus = "approval_rejected"
)

// Status is the lifecycle state of a workflow. Completed, failed and
// rolled_back are terminal.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
)

// Step is one unit of work inside a workflow.
type Step struct {
	ID               string                 `json:"id"`
	Name             string                 `json:"name"`
	Kind             StepKind               `json:"kind"`
	ActionID         string                 `json:"action_id,omitempty"`
	Status           StepStatus             `json:"status"`
	RequiresApproval bool                   `json:"requires_approval,omitempty"`
	ApprovalRoles    []string               `json:"approval_roles,omitempty"`
	ApprovalID       string                 `json:"approval_id,omitempty"`
	Result           map[string]interface{} `json:"result,omitempty"`
	Error            string                 `json:"error,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	StartedAt        *time.Time             `json:"started_at,omitempty"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty"`
}

// NeedsApproval reports whether the step must pass an approval gate before
// its handler runs. Approval-kind steps always gate.
func (s *Step) NeedsApproval() bool {
	return s.RequiresApproval || s.Kind == StepApproval
}

// Workflow is an ordered step sequence generated from a remediation plan.
// CurrentIndex points at the step to execute next and only advances when
// the step at that index completes.
type Workflow struct {
	ID           string    `json:"id"`
	PlanID       string    `json:"plan_id"`
	Target       string    `json:"target,omitempty"`
	Steps        []Step    `json:"steps"`
	CurrentIndex int       `json:"current_index"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Terminal reports whether the workflow reached a final state.
func (w *Workflow) Terminal() bool {
	switch w.Status {
	case StatusCompleted, StatusFailed, StatusRolledBack:
		return true
	}
	return false
}

// CurrentStep returns the step at CurrentIndex, or nil when every step has
// completed.
func (w *Workflow) CurrentStep() *Step {
	if w.CurrentIndex < 0 || w.CurrentIndex >= len(w.Steps) {
		return nil
	}
	return &w.Steps[w.CurrentIndex]
}

// Waiting reports whether the workflow is parked on an approval gate.
func (w *Workflow) Waiting() bool {
	step := w.CurrentStep()
	return step != nil && step.Status == StepWaitingApproval
}

// Gate carries the policy gate verdict that shapes workflow generation.
// It is an input to this package: the policy engine decides, the runtime
// obeys.
type Gate struct {
	RequiresApproval bool     `json:"requires_approval"`
	ApprovalRoles    []string `json:"approval_roles,omitempty"`
}

// StepOutcome is the per-step summary embedded in an execution result.
type StepOutcome struct {
	StepID      string     `json:"step_id"`
	Name        string     `json:"name"`
	Kind        StepKind   `json:"kind"`
	Status      StepStatus `json:"status"`
	Error       string     `json:"error,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ExecutionResult is the terminal record written to the results bucket when
// a workflow finishes. Keyed by workflow id, so a later rollback replaces
// the completed record with the rolled_back one.
type ExecutionResult struct {
	WorkflowID string        `json:"workflow_id"`
	PlanID     string        `json:"plan_id"`
	Status     Status        `json:"status"`
	Steps      []StepOutcome `json:"steps"`
	FinishedAt time.Time     `json:"finished_at"`
}

func resultFor(w *Workflow) *ExecutionResult {
	res := &ExecutionResult{
		WorkflowID: w.ID,
		PlanID:     w.PlanID,
		Status:     w.Status,
		FinishedAt: time.Now().UTC(),
	}
	for _, step := range w.Steps {
		res.Steps = append(res.Steps, StepOutcome{
			StepID:      step.ID,
			Name:        step.Name,
			Kind:        step.Kind,
			Status:      step.Status,
			Error:       step.Error,
			CompletedAt: step.CompletedAt,
		})
	}
	return res
}
