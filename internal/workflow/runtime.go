package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/pipewright/pipewright/internal/apperrors"
	"github.com/pipewright/pipewright/internal/approval"
	"github.com/pipewright/pipewright/internal/logger"
	"github.com/pipewright/pipewright/internal/metrics"
	"github.com/pipewright/pipewright/internal/policy"
	"github.com/pipewright/pipewright/internal/remediation"
	"github.com/pipewright/pipewright/internal/rollback"
	"github.com/pipewright/pipewright/internal/storage"
)

// StepHandler performs the work of one step. The action is the one the step
// references, already loaded, or nil when the step has none. Handlers run
// under a deadline and must respect ctx.
type StepHandler func(ctx context.Context, wf *Workflow, step *Step, action *remediation.Action) (map[string]interface{}, error)

const (
	defaultStepTimeout     = 10 * time.Minute
	defaultDatabaseTimeout = 30 * time.Minute
	defaultMaxParallel     = 4

	// metadataClass marks steps that need the long database timeout.
	metadataClass    = "class"
	classDatabase    = "database"
	metadataSnapshot = "snapshot_id"
	metadataRollback = "rollback_operation_id"
)

// Options tune the runtime. Zero values fall back to defaults.
type Options struct {
	StepTimeout         time.Duration
	DatabaseStepTimeout time.Duration
	MaxParallel         int
	// ApprovalTTL bounds how long a gate stays open. Zero means no expiry.
	ApprovalTTL time.Duration
	// AutoApprove, when set, is evaluated against approval request metadata
	// so low-risk steps pass the gate without a human.
	AutoApprove *policy.Policy
}

// Runtime drives workflows step by step. All transitions are serialized per
// workflow and persisted before control returns, so a crashed process can
// resume from the stored document.
type Runtime struct {
	store     *storage.Store
	approvals *approval.Service
	rollbacks *rollback.Service
	metrics   *metrics.Metrics

	mu       sync.RWMutex
	handlers map[StepKind]StepHandler

	locks sync.Map

	stepTimeout time.Duration
	dbTimeout   time.Duration
	maxParallel int64
	approvalTTL time.Duration
	autoApprove *policy.Policy

	log logger.Logger
}

// NewRuntime wires the runtime with its default step handlers. Handlers can
// be replaced with RegisterHandler before execution starts.
func NewRuntime(store *storage.Store, approvals *approval.Service, rollbacks *rollback.Service, m *metrics.Metrics, opts Options) *Runtime {
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = defaultStepTimeout
	}
	if opts.DatabaseStepTimeout <= 0 {
		opts.DatabaseStepTimeout = defaultDatabaseTimeout
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = defaultMaxParallel
	}

	r := &Runtime{
		store:       store,
		approvals:   approvals,
		rollbacks:   rollbacks,
		metrics:     m,
		handlers:    make(map[StepKind]StepHandler),
		stepTimeout: opts.StepTimeout,
		dbTimeout:   opts.DatabaseStepTimeout,
		maxParallel: int64(opts.MaxParallel),
		approvalTTL: opts.ApprovalTTL,
		autoApprove: opts.AutoApprove,
		log:         logger.New("workflow"),
	}
	r.handlers[StepRemediation] = r.remediationHandler
	r.handlers[StepVerification] = r.verificationHandler
	r.handlers[StepApproval] = r.approvalHandler
	r.handlers[StepRollback] = r.rollbackHandler
	return r
}

// RegisterHandler swaps the handler for a step kind.
func (r *Runtime) RegisterHandler(kind StepKind, h StepHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

func (r *Runtime) handlerFor(kind StepKind) StepHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[kind]
}

// GenerateWorkflow turns a persisted plan into a workflow: a remediation
// step followed by a verification step for every action, in plan order.
// When the gate requires approval, remediation steps carry the gate.
func (r *Runtime) GenerateWorkflow(ctx context.Context, plan *remediation.Plan, gate Gate) (*Workflow, error) {
	if plan == nil || plan.ID == "" {
		return nil, apperrors.Input("invalid_plan", "a persisted plan is required")
	}

	now := time.Now().UTC()
	wf := &Workflow{
		ID:        uuid.New().String(),
		PlanID:    plan.ID,
		Target:    plan.Target,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	for _, actionID := range plan.Actions {
		var action remediation.Action
		if err := r.store.Load(storage.BucketActions, actionID, &action); err != nil {
			return nil, err
		}

		var meta map[string]interface{}
		if class, ok := action.Metadata[metadataClass]; ok {
			meta = map[string]interface{}{metadataClass: class}
		}
		wf.Steps = append(wf.Steps,
			Step{
				ID:               uuid.New().String(),
				Name:             "apply " + action.Name,
				Kind:             StepRemediation,
				ActionID:         action.ID,
				Status:           StepPending,
				RequiresApproval: gate.RequiresApproval,
				ApprovalRoles:    append([]string(nil), gate.ApprovalRoles...),
				Metadata:         meta,
			},
			Step{
				ID:       uuid.New().String(),
				Name:     "verify " + action.Name,
				Kind:     StepVerification,
				ActionID: action.ID,
				Status:   StepPending,
			},
		)
	}
	if len(wf.Steps) == 0 {
		wf.Status = StatusCompleted
	}

	if err := r.save(wf); err != nil {
		return nil, err
	}
	if wf.Terminal() {
		r.recordResult(wf)
		r.syncPlan(wf.PlanID, remediation.PlanCompleted)
	}

	r.log.Info("workflow generated",
		logger.String("workflow_id", wf.ID),
		logger.String("plan_id", plan.ID),
		logger.Int("steps", len(wf.Steps)),
		logger.Bool("requires_approval", gate.RequiresApproval))
	return wf, nil
}

// Get loads a workflow by id.
func (r *Runtime) Get(ctx context.Context, id string) (*Workflow, error) {
	var wf Workflow
	if err := r.store.Load(storage.BucketWorkflows, id, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// List returns every stored workflow, oldest first.
func (r *Runtime) List(ctx context.Context) ([]*Workflow, error) {
	ids, err := r.store.List(storage.BucketWorkflows)
	if err != nil {
		return nil, err
	}
	out := make([]*Workflow, 0, len(ids))
	for _, id := range ids {
		wf, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// GetResult loads the terminal execution record of a finished workflow.
func (r *Runtime) GetResult(ctx context.Context, workflowID string) (*ExecutionResult, error) {
	var res ExecutionResult
	if err := r.store.Load(storage.BucketResults, workflowID, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ExecuteStep runs the step at CurrentIndex. A gated step parks the workflow
// in waiting_for_approval unless the auto-approve policy passes it. Handler
// failures are recorded on the step and fail the workflow; they are an
// outcome, not an error return.
func (r *Runtime) ExecuteStep(ctx context.Context, workflowID string) (*Workflow, error) {
	lock := r.lockFor(workflowID)
	lock.Lock()
	defer lock.Unlock()
	return r.advance(ctx, workflowID)
}

func (r *Runtime) advance(ctx context.Context, workflowID string) (*Workflow, error) {
	wf, err := r.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Terminal() {
		return nil, apperrors.State("workflow_not_runnable", "workflow already reached a terminal state").
			WithDetail("status", string(wf.Status))
	}
	step := wf.CurrentStep()
	if step == nil {
		return nil, apperrors.State("workflow_exhausted", "no step left to execute")
	}
	switch step.Status {
	case StepPending:
	case StepWaitingApproval:
		return nil, apperrors.State("step_waiting_approval", "current step is waiting for approval").
			WithDetail("approval_id", step.ApprovalID)
	default:
		return nil, apperrors.State("step_not_pending", fmt.Sprintf("current step is %s", step.Status))
	}

	now := time.Now().UTC()
	step.Status = StepRunning
	step.StartedAt = &now
	if wf.Status == StatusPending {
		wf.Status = StatusRunning
		r.syncPlan(wf.PlanID, remediation.PlanRunning)
	}
	wf.UpdatedAt = now
	if err := r.save(wf); err != nil {
		return nil, err
	}

	action, err := r.actionFor(step)
	if err != nil {
		return r.failStep(wf, step, nil, err), nil
	}
	if step.Kind == StepRemediation {
		r.markAction(action, remediation.ActionRunning, "")
	}

	if step.NeedsApproval() {
		req, err := r.raiseApproval(ctx, wf, step, action)
		if err != nil {
			return r.failStep(wf, step, action, err), nil
		}
		step.ApprovalID = req.ID
		if req.Status != approval.StatusApproved {
			step.Status = StepWaitingApproval
			wf.UpdatedAt = time.Now().UTC()
			if err := r.save(wf); err != nil {
				return nil, err
			}
			r.log.Info("workflow parked on approval gate",
				logger.String("workflow_id", wf.ID),
				logger.String("step_id", step.ID),
				logger.String("approval_id", req.ID))
			return wf, nil
		}
		r.log.Info("approval gate passed by policy",
			logger.String("workflow_id", wf.ID),
			logger.String("approval_id", req.ID))
	}

	return r.finishRun(ctx, wf, step, action), nil
}

// ExecuteWorkflow runs steps until the workflow reaches a terminal state or
// parks on an approval gate.
func (r *Runtime) ExecuteWorkflow(ctx context.Context, workflowID string) (*Workflow, error) {
	if r.metrics != nil {
		r.metrics.ActiveRuns.Inc()
		defer r.metrics.ActiveRuns.Dec()
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, apperrors.Timeout("workflow_cancelled", "workflow execution cancelled").WithCause(err)
		}
		wf, err := r.ExecuteStep(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		if wf.Terminal() || wf.Waiting() {
			return wf, nil
		}
	}
}

// ExecuteWorkflows runs several workflows with bounded parallelism. One
// workflow failing does not cancel its siblings; the aggregate error names
// the ids that did not complete.
func (r *Runtime) ExecuteWorkflows(ctx context.Context, workflowIDs []string) ([]*Workflow, error) {
	sem := semaphore.NewWeighted(r.maxParallel)

	var (
		mu       sync.Mutex
		finished = make([]*Workflow, 0, len(workflowIDs))
		failed   []string
	)

	var g errgroup.Group
	for _, id := range workflowIDs {
		id := id
		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			wf, err := r.ExecuteWorkflow(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = append(failed, id)
				r.log.Error("workflow execution failed",
					logger.String("workflow_id", id), logger.Error(err))
				return nil
			}
			finished = append(finished, wf)
			if wf.Status == StatusFailed {
				failed = append(failed, id)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return finished, err
	}

	sort.Slice(finished, func(i, j int) bool { return finished[i].ID < finished[j].ID })
	if len(failed) > 0 {
		sort.Strings(failed)
		return finished, apperrors.Runtime("workflows_failed",
			fmt.Sprintf("%d of %d workflows did not complete", len(failed), len(workflowIDs))).
			WithDetail("workflow_ids", failed)
	}
	return finished, nil
}

// HandleApprovalResult resumes a workflow parked on an approval gate. A
// result for a step that is not currently waiting is logged and ignored, so
// stale or duplicate decisions cannot move the workflow twice.
func (r *Runtime) HandleApprovalResult(ctx context.Context, workflowID, stepID string, approved bool, approver, comments string) (*Workflow, error) {
	lock := r.lockFor(workflowID)
	lock.Lock()
	defer lock.Unlock()

	wf, err := r.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	step := wf.CurrentStep()
	if wf.Terminal() || step == nil || step.ID != stepID || step.Status != StepWaitingApproval {
		r.log.Info("ignoring approval result for step that is not waiting",
			logger.String("workflow_id", workflowID),
			logger.String("step_id", stepID))
		return wf, nil
	}

	if !approved {
		now := time.Now().UTC()
		step.Status = StepApprovalRejected
		step.Error = rejectionMessage(approver, comments)
		step.CompletedAt = &now
		if step.ActionID != "" {
			if action, err := r.actionFor(step); err == nil {
				r.markAction(action, remediation.ActionFailed, step.Error)
			}
		}
		wf.Status = StatusFailed
		wf.UpdatedAt = now
		if err := r.save(wf); err != nil {
			return nil, err
		}
		r.recordResult(wf)
		r.syncPlan(wf.PlanID, remediation.PlanFailed)
		r.countStep(step)
		r.log.Info("approval rejected",
			logger.String("workflow_id", wf.ID),
			logger.String("step_id", step.ID),
			logger.String("approver", approver))
		return wf, nil
	}

	action, err := r.actionFor(step)
	if err != nil {
		return r.failStep(wf, step, nil, err), nil
	}
	r.log.Info("approval granted, resuming step",
		logger.String("workflow_id", wf.ID),
		logger.String("step_id", step.ID),
		logger.String("approver", approver))
	return r.finishRun(ctx, wf, step, action), nil
}

// AppendRollbackStep adds a rollback step to a finished workflow and points
// CurrentIndex at it, reopening the workflow. Only completed or failed
// workflows can take one.
func (r *Runtime) AppendRollbackStep(ctx context.Context, workflowID, actionID, snapshotID string, metadata map[string]interface{}) (*Workflow, error) {
	if snapshotID == "" {
		return nil, apperrors.Input("snapshot_required", "a snapshot id is required to roll back")
	}

	lock := r.lockFor(workflowID)
	lock.Lock()
	defer lock.Unlock()

	wf, err := r.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	switch wf.Status {
	case StatusCompleted, StatusFailed:
	default:
		return nil, apperrors.State("workflow_not_finished", "rollback steps attach to completed or failed workflows").
			WithDetail("status", string(wf.Status))
	}

	meta := map[string]interface{}{metadataSnapshot: snapshotID}
	for k, v := range metadata {
		meta[k] = v
	}
	wf.Steps = append(wf.Steps, Step{
		ID:       uuid.New().String(),
		Name:     "roll back " + actionID,
		Kind:     StepRollback,
		ActionID: actionID,
		Status:   StepPending,
		Metadata: meta,
	})
	wf.CurrentIndex = len(wf.Steps) - 1
	wf.Status = StatusRunning
	wf.UpdatedAt = time.Now().UTC()
	if err := r.save(wf); err != nil {
		return nil, err
	}

	r.log.Info("rollback step appended",
		logger.String("workflow_id", wf.ID),
		logger.String("snapshot_id", snapshotID))
	return wf, nil
}

// VerifyRollback verifies a performed rollback operation and, on success,
// flips the owning workflow and its plan to rolled_back.
func (r *Runtime) VerifyRollback(ctx context.Context, operationID string) (*rollback.Operation, error) {
	op, err := r.rollbacks.Verify(ctx, operationID)
	if err != nil {
		return op, err
	}

	lock := r.lockFor(op.WorkflowID)
	lock.Lock()
	defer lock.Unlock()

	wf, err := r.Get(ctx, op.WorkflowID)
	if err != nil {
		r.log.Warn("verified rollback references unknown workflow",
			logger.String("workflow_id", op.WorkflowID), logger.Error(err))
		return op, nil
	}
	wf.Status = StatusRolledBack
	wf.UpdatedAt = time.Now().UTC()
	if err := r.save(wf); err != nil {
		return op, err
	}
	r.recordResult(wf)
	r.syncPlan(wf.PlanID, remediation.PlanRolledBack)

	r.log.Info("workflow rolled back",
		logger.String("workflow_id", wf.ID),
		logger.String("operation_id", op.ID))
	return op, nil
}

func (r *Runtime) finishRun(ctx context.Context, wf *Workflow, step *Step, action *remediation.Action) *Workflow {
	result, err := r.runHandler(ctx, wf, step, action)
	if err != nil {
		return r.failStep(wf, step, action, err)
	}
	return r.completeStep(wf, step, action, result)
}

// runHandler executes the handler in its own goroutine so a deadline or a
// panic cannot take the runtime down with it.
func (r *Runtime) runHandler(ctx context.Context, wf *Workflow, step *Step, action *remediation.Action) (map[string]interface{}, error) {
	handler := r.handlerFor(step.Kind)
	if handler == nil {
		return nil, apperrors.State("no_step_handler", fmt.Sprintf("no handler registered for %s steps", step.Kind))
	}

	timeout := r.timeoutFor(step)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result map[string]interface{}
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: apperrors.Newf(apperrors.KindRuntime, "step_panic", "step handler panicked: %v", rec)}
			}
		}()
		result, err := handler(runCtx, wf, step, action)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-runCtx.Done():
		return nil, apperrors.Timeout("step_timeout", "step did not finish before its deadline").
			WithDetail("timeout", timeout.String()).
			WithCause(runCtx.Err())
	}
}

func (r *Runtime) completeStep(wf *Workflow, step *Step, action *remediation.Action, result map[string]interface{}) *Workflow {
	now := time.Now().UTC()
	step.Status = StepCompleted
	step.Result = result
	step.CompletedAt = &now
	if step.Kind == StepRemediation {
		r.markAction(action, remediation.ActionCompleted, "")
	}

	wf.CurrentIndex++
	if wf.CurrentIndex >= len(wf.Steps) {
		wf.Status = StatusCompleted
	}
	wf.UpdatedAt = now
	if err := r.save(wf); err != nil {
		r.log.Error("persisting workflow after step completion",
			logger.String("workflow_id", wf.ID), logger.Error(err))
	}
	if wf.Terminal() {
		r.recordResult(wf)
		// A finishing rollback step does not complete the plan; only a
		// verified rollback moves it, via VerifyRollback.
		if step.Kind != StepRollback {
			r.syncPlan(wf.PlanID, remediation.PlanCompleted)
		}
	}

	r.countStep(step)
	r.log.Info("step completed",
		logger.String("workflow_id", wf.ID),
		logger.String("step", step.Name),
		logger.String("kind", string(step.Kind)))
	return wf
}

func (r *Runtime) failStep(wf *Workflow, step *Step, action *remediation.Action, cause error) *Workflow {
	now := time.Now().UTC()
	step.Status = StepFailed
	step.Error = cause.Error()
	step.CompletedAt = &now
	if step.ActionID != "" {
		r.markAction(action, remediation.ActionFailed, cause.Error())
	}

	wf.Status = StatusFailed
	wf.UpdatedAt = now
	if err := r.save(wf); err != nil {
		r.log.Error("persisting workflow after step failure",
			logger.String("workflow_id", wf.ID), logger.Error(err))
	}
	r.recordResult(wf)
	r.syncPlan(wf.PlanID, remediation.PlanFailed)

	r.countStep(step)
	r.log.Error("step failed",
		logger.String("workflow_id", wf.ID),
		logger.String("step", step.Name),
		logger.Error(cause))
	return wf
}

func (r *Runtime) raiseApproval(ctx context.Context, wf *Workflow, step *Step, action *remediation.Action) (*approval.Request, error) {
	meta := map[string]interface{}{
		"workflow_id": wf.ID,
		"plan_id":     wf.PlanID,
		"step_kind":   string(step.Kind),
	}
	if wf.Target != "" {
		meta["target"] = wf.Target
	}
	if action != nil {
		meta["action_id"] = action.ID
		meta["action_name"] = action.Name
		meta["strategy"] = string(action.Strategy)
		if sev, ok := action.Metadata["severity"]; ok {
			meta["severity"] = sev
		}
		if vt, ok := action.Metadata["vulnerability_type"]; ok {
			meta["vulnerability_type"] = vt
		}
	}

	return r.approvals.Create(ctx, approval.CreateInput{
		WorkflowID:        wf.ID,
		StepID:            step.ID,
		ActionID:          step.ActionID,
		RequiredRoles:     step.ApprovalRoles,
		Metadata:          meta,
		ExpiresIn:         r.approvalTTL,
		AutoApprovePolicy: r.autoApprove,
	})
}

func (r *Runtime) actionFor(step *Step) (*remediation.Action, error) {
	if step.ActionID == "" {
		return nil, nil
	}
	var action remediation.Action
	if err := r.store.Load(storage.BucketActions, step.ActionID, &action); err != nil {
		return nil, err
	}
	return &action, nil
}

func (r *Runtime) markAction(action *remediation.Action, status remediation.ActionStatus, errMsg string) {
	if action == nil {
		return
	}
	action.Status = status
	action.Error = errMsg
	action.UpdatedAt = time.Now().UTC()
	if err := r.store.Save(storage.BucketActions, action.ID, action); err != nil {
		r.log.Warn("persisting action status",
			logger.String("action_id", action.ID), logger.Error(err))
	}
}

func (r *Runtime) syncPlan(planID string, status remediation.PlanStatus) {
	var plan remediation.Plan
	if err := r.store.Load(storage.BucketPlans, planID, &plan); err != nil {
		r.log.Warn("loading plan for status sync",
			logger.String("plan_id", planID), logger.Error(err))
		return
	}
	if plan.Status == status {
		return
	}
	plan.Status = status
	plan.UpdatedAt = time.Now().UTC()
	if err := r.store.Save(storage.BucketPlans, planID, &plan); err != nil {
		r.log.Warn("persisting plan status",
			logger.String("plan_id", planID), logger.Error(err))
	}
}

func (r *Runtime) recordResult(wf *Workflow) {
	if err := r.store.Save(storage.BucketResults, wf.ID, resultFor(wf)); err != nil {
		r.log.Warn("persisting execution result",
			logger.String("workflow_id", wf.ID), logger.Error(err))
	}
}

func (r *Runtime) countStep(step *Step) {
	if r.metrics == nil {
		return
	}
	r.metrics.WorkflowSteps.WithLabelValues(string(step.Kind), string(step.Status)).Inc()
}

func (r *Runtime) timeoutFor(step *Step) time.Duration {
	if class, ok := step.Metadata[metadataClass].(string); ok && class == classDatabase {
		return r.dbTimeout
	}
	return r.stepTimeout
}

func (r *Runtime) lockFor(workflowID string) *sync.Mutex {
	l, _ := r.locks.LoadOrStore(workflowID, &sync.Mutex{})
	return l.(*sync.Mutex)
}

func (r *Runtime) save(wf *Workflow) error {
	return r.store.Save(storage.BucketWorkflows, wf.ID, wf)
}

func rejectionMessage(approver, comments string) string {
	msg := "approval rejected"
	if approver != "" {
		msg += " by " + approver
	}
	if comments != "" {
		msg += ": " + comments
	}
	return msg
}

// remediationHandler is the default remediation step handler. It walks the
// action's instructions and records them; deployments that actually run
// commands replace it via RegisterHandler.
func (r *Runtime) remediationHandler(ctx context.Context, wf *Workflow, step *Step, action *remediation.Action) (map[string]interface{}, error) {
	if action == nil {
		return nil, apperrors.State("action_required", "remediation step has no action to apply")
	}
	for i, instruction := range action.Steps {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		r.log.Debug("applying remediation instruction",
			logger.String("action_id", action.ID),
			logger.Int("index", i),
			logger.String("instruction", instruction))
	}
	return map[string]interface{}{
		"action_id":      action.ID,
		"steps_executed": len(action.Steps),
		"strategy":       string(action.Strategy),
	}, nil
}

// verificationHandler checks that the action the step references made it to
// completed. It reads the persisted record, not in-memory state.
func (r *Runtime) verificationHandler(ctx context.Context, wf *Workflow, step *Step, action *remediation.Action) (map[string]interface{}, error) {
	if action == nil {
		return nil, apperrors.State("action_required", "verification step has no action to check")
	}
	if action.Status != remediation.ActionCompleted {
		return nil, apperrors.State("action_not_completed",
			fmt.Sprintf("action %s is %s, expected completed", action.ID, action.Status))
	}
	return map[string]interface{}{
		"action_id": action.ID,
		"verified":  true,
	}, nil
}

// approvalHandler runs after the gate passes; the decision itself already
// happened in the approval service.
func (r *Runtime) approvalHandler(ctx context.Context, wf *Workflow, step *Step, action *remediation.Action) (map[string]interface{}, error) {
	return map[string]interface{}{"acknowledged": true}, nil
}

// rollbackHandler restores a snapshot. The step metadata names either an
// existing rollback operation or a snapshot to build one from.
func (r *Runtime) rollbackHandler(ctx context.Context, wf *Workflow, step *Step, action *remediation.Action) (map[string]interface{}, error) {
	opID, _ := step.Metadata[metadataRollback].(string)
	if opID == "" {
		snapshotID, _ := step.Metadata[metadataSnapshot].(string)
		if snapshotID == "" {
			return nil, apperrors.Input("rollback_reference_required",
				"rollback step needs rollback_operation_id or snapshot_id metadata")
		}
		op, err := r.rollbacks.CreateOperation(ctx, wf.ID, step.ActionID, snapshotID, rollback.TypePartial, nil)
		if err != nil {
			return nil, err
		}
		opID = op.ID
	}

	op, err := r.rollbacks.Perform(ctx, opID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"operation_id": op.ID,
		"status":       string(op.Status),
	}, nil
}
