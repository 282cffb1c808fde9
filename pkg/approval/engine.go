package approval

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/lattice-hq/lattice/pkg/bus"
	"github.com/lattice-hq/lattice/pkg/conditions"
	"github.com/lattice-hq/lattice/pkg/contracts"
	"github.com/lattice-hq/lattice/pkg/errs"
	"github.com/lattice-hq/lattice/pkg/reqctx"
)

// TransitionSource resolves the transition an instance gates, so the
// completion message can carry its operation code. Satisfied by the
// lifecycle definition store.
type TransitionSource interface {
	TransitionByID(ctx context.Context, id string) (*contracts.LifecycleTransition, error)
}

// AuditSink stages audit events inside the business transaction.
type AuditSink interface {
	EnqueueTx(ctx context.Context, tx *sql.Tx, tenantID, eventType string, payload map[string]any) error
}

// Engine runs approval instances from materialization to resolution.
type Engine struct {
	templates   *TemplateStore
	store       *Store
	eval        *conditions.Evaluator
	transitions TransitionSource
	audit       AuditSink
	events      *bus.Bus
	logger      *slog.Logger
	clock       func() time.Time
}

// NewEngine wires the approval engine. audit may be nil.
func NewEngine(templates *TemplateStore, store *Store, eval *conditions.Evaluator, transitions TransitionSource, events *bus.Bus, logger *slog.Logger) *Engine {
	return &Engine{
		templates:   templates,
		store:       store,
		eval:        eval,
		transitions: transitions,
		events:      events,
		logger:      logger.With("component", "approval"),
		clock:       time.Now,
	}
}

// WithAudit attaches the audit outbox.
func (e *Engine) WithAudit(a AuditSink) *Engine { e.audit = a; return e }

// WithClock injects a deterministic clock for tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine { e.clock = clock; return e }

// Find returns the most recent instance gating (entity, id, transition).
func (e *Engine) Find(ctx context.Context, tenantID, entityName, entityID, transitionID string) (*contracts.ApprovalInstance, error) {
	return e.store.Find(ctx, tenantID, entityName, entityID, transitionID)
}

// Get loads one instance, scoped to the caller's tenant.
func (e *Engine) Get(ctx context.Context, rc *reqctx.RequestContext, instanceID string) (*contracts.ApprovalInstance, error) {
	in, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if in.TenantID != rc.TenantID {
		return nil, errs.Newf(errs.CodeNotFound, "approval instance %s not found", instanceID)
	}
	return in, nil
}

// Start materializes a new approval instance from a template: stages in
// stageNo order, tasks from the first matching assignment rule per stage,
// one frozen assignment snapshot per task.
func (e *Engine) Start(ctx context.Context, rc *reqctx.RequestContext, entityName, entityID, transitionID, templateID, reason string) (*contracts.ApprovalInstance, error) {
	tpl, err := e.templates.Get(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if !tpl.IsActive {
		return nil, errs.Newf(errs.CodeValidation, "approval template %s is inactive", tpl.Code)
	}
	if len(tpl.Stages) == 0 {
		return nil, errs.Newf(errs.CodeValidation, "approval template %s has no stages", tpl.Code)
	}

	now := e.clock().UTC()
	in := &contracts.ApprovalInstance{
		ID:            uuid.New().String(),
		TenantID:      rc.TenantID,
		EntityName:    entityName,
		EntityID:      entityID,
		TransitionID:  transitionID,
		TemplateID:    templateID,
		Status:        contracts.InstanceOpen,
		ContextReason: reason,
		CreatedAt:     now,
		CreatedBy:     rc.UserID,
	}

	tx, err := e.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("approval: begin start: %w", err)
	}
	defer tx.Rollback()

	if err := e.store.InsertInstance(ctx, tx, in); err != nil {
		return nil, err
	}
	for _, ts := range tpl.Stages {
		stage := &contracts.ApprovalStage{
			ID:         uuid.New().String(),
			InstanceID: in.ID,
			StageNo:    ts.StageNo,
			Mode:       ts.Mode,
			Quorum:     ts.Quorum,
			Status:     contracts.StageOpen,
		}
		if err := e.store.InsertStage(ctx, tx, stage); err != nil {
			return nil, err
		}
		if err := e.materializeTasks(ctx, tx, rc, tpl, stage, now); err != nil {
			return nil, err
		}
	}
	if err := e.store.InsertEvent(ctx, tx, uuid.New().String(), in.ID, "created", rc.UserID,
		map[string]any{"templateId": templateID, "reason": reason}, now); err != nil {
		return nil, err
	}
	if e.audit != nil {
		payload := map[string]any{
			"instanceId": in.ID, "entityName": entityName, "entityId": entityID,
			"transitionId": transitionID, "templateCode": tpl.Code,
		}
		if err := e.audit.EnqueueTx(ctx, tx, rc.TenantID, contracts.EventApprovalCreated, payload); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("approval: commit start: %w", err)
	}

	e.logger.Info("approval instance started",
		"instance", in.ID, "entity", entityName, "entity_id", entityID, "template", tpl.Code)
	return in, nil
}

// materializeTasks resolves the assignment for one stage: template rules
// in priority order, first match wins; the template's default reviewer is
// the fallback, recorded as an escalation.
func (e *Engine) materializeTasks(ctx context.Context, tx *sql.Tx, rc *reqctx.RequestContext, tpl *contracts.ApprovalTemplate, stage *contracts.ApprovalStage, now time.Time) error {
	var matched *contracts.TemplateRule
	for i := range tpl.Rules {
		rule := &tpl.Rules[i]
		if rule.StageNo != stage.StageNo {
			continue
		}
		ok, err := e.eval.EvalAll(rule.Conditions, rc, nil)
		if err != nil {
			e.logger.Warn("assignment rule evaluation failed, skipping",
				"template", tpl.Code, "rule", rule.ID, "error", err)
			continue
		}
		if ok {
			matched = rule
			break
		}
	}

	task := &contracts.ApprovalTask{
		ID:         uuid.New().String(),
		StageID:    stage.ID,
		InstanceID: stage.InstanceID,
		TaskType:   contracts.TaskApprover,
		Status:     contracts.TaskPending,
	}
	snap := &contracts.AssignmentSnapshot{
		TaskID:          task.ID,
		TemplateVersion: tpl.VersionNo,
	}
	switch {
	case matched != nil:
		task.Assignee = matched.AssignTo
		snap.RuleID = matched.ID
		snap.Resolved = map[string]any{
			"role": matched.AssignTo.Role, "group": matched.AssignTo.Group,
			"principal": matched.AssignTo.Principal,
		}
	case tpl.DefaultReviewer != "":
		task.Assignee = contracts.AssignTo{Principal: tpl.DefaultReviewer}
		snap.Resolved = map[string]any{"fallback": "default_reviewer", "principal": tpl.DefaultReviewer}
		if err := e.store.InsertEscalation(ctx, tx, uuid.New().String(), stage.InstanceID,
			stage.StageNo, "no assignment rule matched", tpl.DefaultReviewer, now); err != nil {
			return err
		}
	default:
		return errs.Newf(errs.CodeValidation,
			"stage %d of template %s resolves no assignee and has no default reviewer",
			stage.StageNo, tpl.Code)
	}

	if err := e.store.InsertTask(ctx, tx, task); err != nil {
		return err
	}
	return e.store.InsertSnapshot(ctx, tx, snap)
}

// Decide records an approve/reject on a task, aggregates the stage and
// instance, and publishes the completion message when the instance turns
// terminal.
func (e *Engine) Decide(ctx context.Context, rc *reqctx.RequestContext, taskID string, verb contracts.DecisionVerb, note string) (*contracts.ApprovalInstance, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != contracts.TaskPending {
		return nil, errs.Newf(errs.CodeNotPending, "task %s is %s", taskID, task.Status)
	}
	in, err := e.store.GetInstance(ctx, task.InstanceID)
	if err != nil {
		return nil, err
	}
	if in.Status.IsTerminal() {
		return nil, errs.Newf(errs.CodeNotPending, "approval instance %s is %s", in.ID, in.Status)
	}
	if !matchesAssignee(task.Assignee, rc) && !rc.MetaBool("_assigneeOverride") {
		return nil, errs.Newf(errs.CodeUnauthorized, "task %s is not assigned to %s", taskID, rc.UserID)
	}

	stages, err := e.store.Stages(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	stage := findStage(stages, task.StageID)
	if stage == nil {
		return nil, errs.Newf(errs.CodeNotFound, "stage %s not found", task.StageID)
	}
	if active := activeStage(stages); active == nil || active.ID != stage.ID {
		return nil, errs.Newf(errs.CodeNotPending, "stage %d is not the active stage", stage.StageNo)
	}

	tasks, err := e.store.Tasks(ctx, stage.ID)
	if err != nil {
		return nil, err
	}
	if stage.Mode == contracts.StageSerial {
		if first := firstPendingApprover(tasks); first != nil && first.ID != task.ID {
			return nil, errs.Newf(errs.CodeNotPending, "task %s must be decided first", first.ID)
		}
	}

	now := e.clock().UTC()
	decided := contracts.TaskApproved
	if verb == contracts.DecisionReject {
		decided = contracts.TaskRejected
	}

	// aggregate on an in-memory copy; the CAS on the task row is the
	// concurrency fence for the whole computation
	applyDecision(tasks, task.ID, decided)
	stageStatus, stageOutcome := aggregateStage(stage, tasks)
	instanceStatus := contracts.InstanceOpen
	if stageStatus == contracts.StageCompleted {
		if stageOutcome == contracts.OutcomeRejected {
			instanceStatus = contracts.InstanceRejected
		} else if allPriorCompleted(stages, stage.StageNo) && stage.StageNo == lastStageNo(stages) {
			instanceStatus = contracts.InstanceCompleted
		}
	}

	tx, err := e.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("approval: begin decide: %w", err)
	}
	defer tx.Rollback()

	if err := e.store.DecideTask(ctx, tx, task.ID, decided, rc.UserID, note, now); err != nil {
		return nil, err
	}
	if stageStatus == contracts.StageCompleted {
		if err := e.store.CompleteStage(ctx, tx, stage.ID, stageStatus, stageOutcome); err != nil {
			return nil, err
		}
	}
	if instanceStatus.IsTerminal() {
		if err := e.store.ResolveInstance(ctx, tx, in.ID, instanceStatus, "", now); err != nil {
			return nil, err
		}
		if err := e.store.CancelPendingTasks(ctx, tx, in.ID); err != nil {
			return nil, err
		}
		if err := e.store.CancelOpenStages(ctx, tx, in.ID); err != nil {
			return nil, err
		}
	}
	if err := e.store.InsertEvent(ctx, tx, uuid.New().String(), in.ID, "decided", rc.UserID,
		map[string]any{"taskId": task.ID, "decision": string(verb), "note": note}, now); err != nil {
		return nil, err
	}
	if e.audit != nil {
		payload := map[string]any{
			"instanceId": in.ID, "taskId": task.ID, "decision": string(verb),
			"stageNo": stage.StageNo, "actor": rc.UserID,
		}
		if err := e.audit.EnqueueTx(ctx, tx, rc.TenantID, contracts.EventApprovalDecided, payload); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("approval: commit decide: %w", err)
	}

	in.Status = instanceStatus
	if instanceStatus.IsTerminal() {
		t := now
		in.ResolvedAt = &t
		e.publishCompleted(ctx, in)
	}
	e.logger.Info("approval decision recorded",
		"instance", in.ID, "task", task.ID, "decision", string(verb), "status", string(in.Status))
	return in, nil
}

// Cancel resolves an open instance as canceled with the given reason.
func (e *Engine) Cancel(ctx context.Context, rc *reqctx.RequestContext, instanceID, reason string) error {
	in, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if in.Status.IsTerminal() {
		return errs.Newf(errs.CodeNotPending, "approval instance %s is %s", instanceID, in.Status)
	}
	now := e.clock().UTC()

	tx, err := e.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("approval: begin cancel: %w", err)
	}
	defer tx.Rollback()

	if err := e.store.ResolveInstance(ctx, tx, instanceID, contracts.InstanceCanceled, reason, now); err != nil {
		return err
	}
	if err := e.store.CancelPendingTasks(ctx, tx, instanceID); err != nil {
		return err
	}
	if err := e.store.CancelOpenStages(ctx, tx, instanceID); err != nil {
		return err
	}
	if err := e.store.InsertEvent(ctx, tx, uuid.New().String(), instanceID, "canceled", rc.UserID,
		map[string]any{"reason": reason}, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("approval: commit cancel: %w", err)
	}

	in.Status = contracts.InstanceCanceled
	e.publishCompleted(ctx, in)
	return nil
}

// publishCompleted emits the terminal-status message the lifecycle manager
// consumes. Best-effort: a failure to resolve the operation code only
// degrades the message.
func (e *Engine) publishCompleted(ctx context.Context, in *contracts.ApprovalInstance) {
	msg := contracts.ApprovalCompleted{
		InstanceID:   in.ID,
		TenantID:     in.TenantID,
		EntityName:   in.EntityName,
		EntityID:     in.EntityID,
		TransitionID: in.TransitionID,
		Status:       in.Status,
	}
	if e.transitions != nil {
		if tr, err := e.transitions.TransitionByID(ctx, in.TransitionID); err == nil {
			msg.OperationCode = tr.OperationCode
		} else {
			e.logger.Warn("could not resolve transition for completion message",
				"instance", in.ID, "transition", in.TransitionID, "error", err)
		}
	}
	e.events.Publish(ctx, contracts.EventApprovalCompleted, msg)
}

func matchesAssignee(a contracts.AssignTo, rc *reqctx.RequestContext) bool {
	if a.Principal != "" && a.Principal == rc.UserID {
		return true
	}
	if a.Role != "" && rc.HasRole(a.Role) {
		return true
	}
	if a.Group != "" && rc.Metadata != nil {
		if groups, ok := rc.Metadata["groups"].([]string); ok {
			for _, g := range groups {
				if g == a.Group {
					return true
				}
			}
		}
	}
	return false
}

func findStage(stages []contracts.ApprovalStage, id string) *contracts.ApprovalStage {
	for i := range stages {
		if stages[i].ID == id {
			return &stages[i]
		}
	}
	return nil
}

// activeStage is the lowest-numbered open stage; later stages wait behind
// it.
func activeStage(stages []contracts.ApprovalStage) *contracts.ApprovalStage {
	for i := range stages {
		if stages[i].Status == contracts.StageOpen {
			return &stages[i]
		}
	}
	return nil
}

func firstPendingApprover(tasks []contracts.ApprovalTask) *contracts.ApprovalTask {
	for i := range tasks {
		if tasks[i].TaskType == contracts.TaskApprover && tasks[i].Status == contracts.TaskPending {
			return &tasks[i]
		}
	}
	return nil
}

func applyDecision(tasks []contracts.ApprovalTask, taskID string, status contracts.TaskStatus) {
	for i := range tasks {
		if tasks[i].ID == taskID {
			tasks[i].Status = status
			return
		}
	}
}

// aggregateStage decides whether the stage is done. Serial stages need
// every approver approved and fail on the first reject. Parallel stages
// complete approved at requiredCount and rejected as soon as the remaining
// pending tasks cannot reach it.
func aggregateStage(stage *contracts.ApprovalStage, tasks []contracts.ApprovalTask) (contracts.StageStatus, contracts.StageOutcome) {
	var approved, rejected, pending int
	for _, t := range tasks {
		if t.TaskType != contracts.TaskApprover {
			continue
		}
		switch t.Status {
		case contracts.TaskApproved:
			approved++
		case contracts.TaskRejected:
			rejected++
		case contracts.TaskPending:
			pending++
		}
	}

	if stage.Mode == contracts.StageParallel && stage.Quorum != nil {
		required := requiredCount(stage.Quorum, approved+rejected+pending)
		if approved >= required {
			return contracts.StageCompleted, contracts.OutcomeApproved
		}
		if approved+pending < required {
			return contracts.StageCompleted, contracts.OutcomeRejected
		}
		return contracts.StageOpen, ""
	}

	// serial (and parallel without quorum): unanimous approval
	if rejected > 0 {
		return contracts.StageCompleted, contracts.OutcomeRejected
	}
	if pending == 0 {
		return contracts.StageCompleted, contracts.OutcomeApproved
	}
	return contracts.StageOpen, ""
}

func requiredCount(q *contracts.Quorum, approvers int) int {
	if q.RequiredCount > 0 {
		return q.RequiredCount
	}
	if q.Type == contracts.QuorumPercent {
		return int(math.Ceil(float64(q.Value) / 100 * float64(approvers)))
	}
	return q.Value
}

func allPriorCompleted(stages []contracts.ApprovalStage, stageNo int) bool {
	for _, st := range stages {
		if st.StageNo < stageNo && st.Status != contracts.StageCompleted {
			return false
		}
	}
	return true
}

func lastStageNo(stages []contracts.ApprovalStage) int {
	max := 0
	for _, st := range stages {
		if st.StageNo > max {
			max = st.StageNo
		}
	}
	return max
}
