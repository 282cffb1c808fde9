package lifecycle

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lattice-hq/lattice/pkg/conditions"
	"github.com/lattice-hq/lattice/pkg/contracts"
	"github.com/lattice-hq/lattice/pkg/errs"
	"github.com/lattice-hq/lattice/pkg/policy"
	"github.com/lattice-hq/lattice/pkg/reqctx"
)

// Approvals is the slice of the approval engine the manager needs. Find
// returns (nil, nil) when no instance gates the transition yet.
type Approvals interface {
	Find(ctx context.Context, tenantID, entityName, entityID, transitionID string) (*contracts.ApprovalInstance, error)
	Start(ctx context.Context, rc *reqctx.RequestContext, entityName, entityID, transitionID, templateID, reason string) (*contracts.ApprovalInstance, error)
}

// Timers cancels scheduled timers after a successful transition, honoring
// each snapshot's cancelOnAnyTransition / cancelOnStates settings.
type Timers interface {
	CancelOnTransition(ctx context.Context, rc *reqctx.RequestContext, entityName, entityID, toStateCode string) error
}

// AuditSink stages audit events inside the business transaction.
type AuditSink interface {
	EnqueueTx(ctx context.Context, tx *sql.Tx, tenantID, eventType string, payload map[string]any) error
}

// RecordLoader fetches the current record for gate evaluation. Implemented
// by the Generic Data Service; may be nil (gates then see a nil record).
type RecordLoader interface {
	LoadRecord(ctx context.Context, rc *reqctx.RequestContext, entityName, id string) (map[string]any, error)
}

// ModelProvider supplies the compiled model whose policies back
// requiredOperations gates.
type ModelProvider interface {
	ModelFor(ctx context.Context, entityName string) (*contracts.CompiledModel, error)
}

// Manager is the lifecycle instance manager: creation, gated transitions,
// terminal enforcement.
type Manager struct {
	defs      *DefStore
	instances *InstanceStore
	router    *Router
	policies  *policy.Engine
	eval      *conditions.Evaluator
	models    ModelProvider
	approvals Approvals
	timers    Timers
	audit     AuditSink
	records   RecordLoader
	logger    *slog.Logger
	clock     func() time.Time
}

// NewManager wires the lifecycle manager. approvals, timers, audit, and
// records may be nil; the corresponding behavior degrades (approval gates
// deny, no cancellation, no audit, nil records).
func NewManager(defs *DefStore, instances *InstanceStore, router *Router, policies *policy.Engine, eval *conditions.Evaluator, models ModelProvider, logger *slog.Logger) *Manager {
	return &Manager{
		defs:      defs,
		instances: instances,
		router:    router,
		policies:  policies,
		eval:      eval,
		models:    models,
		logger:    logger.With("component", "lifecycle.manager"),
		clock:     time.Now,
	}
}

// WithApprovals attaches the approval engine.
func (m *Manager) WithApprovals(a Approvals) *Manager { m.approvals = a; return m }

// WithTimers attaches the timer canceler.
func (m *Manager) WithTimers(t Timers) *Manager { m.timers = t; return m }

// WithAudit attaches the audit outbox.
func (m *Manager) WithAudit(a AuditSink) *Manager { m.audit = a; return m }

// WithRecords attaches the record loader.
func (m *Manager) WithRecords(r RecordLoader) *Manager { m.records = r; return m }

// WithClock injects a deterministic clock for tests.
func (m *Manager) WithClock(clock func() time.Time) *Manager { m.clock = clock; return m }

// CreateInstance resolves a lifecycle for a freshly created entity record,
// places it in the initial state, and appends the CREATE event. When
// routing resolves nothing the entity simply carries no lifecycle and
// (nil, nil) is returned.
func (m *Manager) CreateInstance(ctx context.Context, rc *reqctx.RequestContext, entityName, entityID string, record map[string]any) (*contracts.LifecycleInstance, error) {
	lifecycleID, err := m.router.Resolve(ctx, entityName, rc, record)
	if err != nil {
		return nil, err
	}
	if lifecycleID == "" {
		return nil, nil
	}
	initial, err := m.defs.InitialState(ctx, lifecycleID)
	if err != nil {
		return nil, err
	}

	now := m.clock().UTC()
	in := &contracts.LifecycleInstance{
		ID:          uuid.New().String(),
		TenantID:    rc.TenantID,
		EntityName:  entityName,
		EntityID:    entityID,
		LifecycleID: lifecycleID,
		StateID:     initial.ID,
		UpdatedAt:   now,
		UpdatedBy:   rc.UserID,
	}
	ev := &contracts.LifecycleEvent{
		ID:            uuid.New().String(),
		TenantID:      rc.TenantID,
		InstanceID:    in.ID,
		ToStateID:     initial.ID,
		OperationCode: "CREATE",
		Actor:         rc.UserID,
		CorrelationID: rc.RequestID,
		OccurredAt:    now,
	}

	tx, err := m.instances.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: begin create: %w", err)
	}
	defer tx.Rollback()

	if err := m.instances.Upsert(ctx, tx, in); err != nil {
		return nil, err
	}
	if err := m.instances.AppendEvent(ctx, tx, ev); err != nil {
		return nil, err
	}
	if m.audit != nil {
		payload := map[string]any{
			"instanceId": in.ID, "entityName": entityName, "entityId": entityID,
			"lifecycleId": lifecycleID, "stateCode": initial.Code,
		}
		if err := m.audit.EnqueueTx(ctx, tx, rc.TenantID, contracts.EventLifecycleCreated, payload); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("lifecycle: commit create: %w", err)
	}

	m.logger.Info("lifecycle instance created",
		"entity", entityName, "entity_id", entityID, "state", initial.Code)
	return in, nil
}

// GetInstance returns the instance for (tenant, entity, id).
func (m *Manager) GetInstance(ctx context.Context, rc *reqctx.RequestContext, entityName, entityID string) (*contracts.LifecycleInstance, error) {
	return m.instances.Get(ctx, rc.TenantID, entityName, entityID)
}

// EnforceTerminalState fails with Terminal when the record's current state
// admits no mutation. Records without an instance carry no constraint.
func (m *Manager) EnforceTerminalState(ctx context.Context, rc *reqctx.RequestContext, entityName, entityID string) error {
	in, err := m.instances.Get(ctx, rc.TenantID, entityName, entityID)
	if err != nil {
		if errs.Is(err, errs.CodeNotFound) {
			return nil
		}
		return err
	}
	state, err := m.defs.StateByID(ctx, in.StateID)
	if err != nil {
		return err
	}
	if state.IsTerminal {
		return errs.Newf(errs.CodeTerminal, "%s/%s is in terminal state %s", entityName, entityID, state.Code)
	}
	return nil
}

// Transition executes (entity, id, operationCode): gate checks, then an
// atomic state move plus one appended event. On any failure nothing is
// mutated.
func (m *Manager) Transition(ctx context.Context, rc *reqctx.RequestContext, entityName, entityID, operationCode string, payload map[string]any) (*contracts.TransitionResult, error) {
	in, err := m.instances.Get(ctx, rc.TenantID, entityName, entityID)
	if err != nil {
		return nil, err
	}
	current, err := m.defs.StateByID(ctx, in.StateID)
	if err != nil {
		return nil, err
	}
	if current.IsTerminal {
		return nil, errs.Newf(errs.CodeTerminal, "no transition out of terminal state %s", current.Code)
	}
	tr, err := m.defs.FindTransition(ctx, in.LifecycleID, current.ID, operationCode)
	if err != nil {
		return nil, err
	}
	if tr == nil {
		return nil, errs.Newf(errs.CodeNotFound, "no transition %s from state %s", operationCode, current.Code)
	}

	record := m.loadRecord(ctx, rc, entityName, entityID)
	if err := m.checkGates(ctx, rc, in, tr, record, false); err != nil {
		return nil, err
	}

	target, err := m.defs.StateByID(ctx, tr.ToStateID)
	if err != nil {
		return nil, err
	}

	now := m.clock().UTC()
	ev := &contracts.LifecycleEvent{
		ID:            uuid.New().String(),
		TenantID:      rc.TenantID,
		InstanceID:    in.ID,
		FromStateID:   current.ID,
		ToStateID:     target.ID,
		OperationCode: operationCode,
		Actor:         rc.UserID,
		Payload:       payload,
		CorrelationID: rc.RequestID,
		OccurredAt:    now,
	}

	tx, err := m.instances.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: begin transition: %w", err)
	}
	defer tx.Rollback()

	if err := m.instances.MoveState(ctx, tx, in.ID, current.ID, target.ID, rc.UserID, now); err != nil {
		return nil, err
	}
	if err := m.instances.AppendEvent(ctx, tx, ev); err != nil {
		return nil, err
	}
	if m.audit != nil {
		auditPayload := map[string]any{
			"instanceId": in.ID, "entityName": entityName, "entityId": entityID,
			"operationCode": operationCode, "fromState": current.Code, "toState": target.Code,
			"actor": rc.UserID,
		}
		if err := m.audit.EnqueueTx(ctx, tx, rc.TenantID, contracts.EventLifecycleTransition, auditPayload); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("lifecycle: commit transition: %w", err)
	}

	if m.timers != nil {
		// timer cancellation is post-commit; a failure here leaves stale
		// timers whose fire is still guarded by the schedule CAS
		if err := m.timers.CancelOnTransition(ctx, rc, entityName, entityID, target.Code); err != nil {
			m.logger.Warn("timer cancellation after transition failed",
				"entity", entityName, "entity_id", entityID, "error", err)
		}
	}

	m.logger.Info("transition executed", "entity", entityName, "entity_id", entityID,
		"operation", operationCode, "from", current.Code, "to", target.Code)
	return &contracts.TransitionResult{
		InstanceID:    in.ID,
		FromStateCode: current.Code,
		StateCode:     target.Code,
		EventID:       ev.ID,
	}, nil
}

// AvailableTransitions lists every candidate transition from the current
// state with the caller's authorization verdict. Gate probing never starts
// an approval instance.
func (m *Manager) AvailableTransitions(ctx context.Context, rc *reqctx.RequestContext, entityName, entityID string) ([]contracts.AvailableTransition, error) {
	in, err := m.instances.Get(ctx, rc.TenantID, entityName, entityID)
	if err != nil {
		return nil, err
	}
	current, err := m.defs.StateByID(ctx, in.StateID)
	if err != nil {
		return nil, err
	}
	if current.IsTerminal {
		return nil, nil
	}
	trs, err := m.defs.TransitionsFrom(ctx, in.LifecycleID, current.ID)
	if err != nil {
		return nil, err
	}

	record := m.loadRecord(ctx, rc, entityName, entityID)
	out := make([]contracts.AvailableTransition, 0, len(trs))
	for i := range trs {
		tr := &trs[i]
		target, err := m.defs.StateByID(ctx, tr.ToStateID)
		if err != nil {
			return nil, err
		}
		at := contracts.AvailableTransition{
			TransitionID:  tr.ID,
			OperationCode: tr.OperationCode,
			ToStateCode:   target.Code,
			Authorized:    true,
		}
		gates, err := m.defs.GatesFor(ctx, tr.ID)
		if err != nil {
			return nil, err
		}
		for _, g := range gates {
			if g.ApprovalTemplateID != "" {
				at.RequiresApproval = true
			}
		}
		if err := m.checkGates(ctx, rc, in, tr, record, true); err != nil {
			at.Authorized = false
			at.Reason = err.Error()
			if errs.Is(err, errs.CodeApprovalPending) {
				at.RequiresApproval = true
			}
		}
		out = append(out, at)
	}
	return out, nil
}

// HandleApprovalCompleted consumes the bus message emitted when an
// approval instance reaches a terminal status and re-runs the gated
// transition with the bypass marker set, closing the loop without
// re-entrancy.
func (m *Manager) HandleApprovalCompleted(ctx context.Context, msg contracts.ApprovalCompleted) {
	if msg.Status != contracts.InstanceCompleted {
		m.logger.Info("approval ended without completion, transition stays gated",
			"instance", msg.InstanceID, "status", string(msg.Status))
		return
	}
	rc := reqctx.System(msg.TenantID).
		WithMetadata("_approvalBypass", true).
		WithMetadata("_approvalInstanceId", msg.InstanceID)
	if _, err := m.Transition(ctx, rc, msg.EntityName, msg.EntityID, msg.OperationCode, nil); err != nil {
		m.logger.Error("post-approval transition failed",
			"instance", msg.InstanceID, "entity", msg.EntityName,
			"entity_id", msg.EntityID, "operation", msg.OperationCode, "error", err)
	}
}

func (m *Manager) loadRecord(ctx context.Context, rc *reqctx.RequestContext, entityName, entityID string) map[string]any {
	if m.records == nil {
		return nil
	}
	record, err := m.records.LoadRecord(ctx, rc, entityName, entityID)
	if err != nil {
		m.logger.Warn("record load for gate evaluation failed",
			"entity", entityName, "entity_id", entityID, "error", err)
		return nil
	}
	return record
}

// checkGates validates every gate of a transition. probe suppresses side
// effects (no approval instance is started) for availability listing.
func (m *Manager) checkGates(ctx context.Context, rc *reqctx.RequestContext, in *contracts.LifecycleInstance, tr *contracts.LifecycleTransition, record map[string]any, probe bool) error {
	gates, err := m.defs.GatesFor(ctx, tr.ID)
	if err != nil {
		return err
	}
	for _, gate := range gates {
		if len(gate.Conditions) > 0 {
			ok, err := m.eval.EvalAll(gate.Conditions, rc, record)
			if err != nil {
				return errs.Wrap(errs.CodeUnauthorized, "gate condition evaluation failed", err)
			}
			if !ok {
				// gate does not apply to this request
				continue
			}
		}
		if err := m.checkRequiredOperations(ctx, rc, in.EntityName, gate.RequiredOperations, record); err != nil {
			return err
		}
		needsApproval := gate.ApprovalTemplateID != ""
		for _, rule := range gate.ThresholdRules {
			matched, err := m.thresholdMatches(rule, record)
			if err != nil {
				return errs.Wrap(errs.CodeUnauthorized, "threshold evaluation failed", err)
			}
			if !matched {
				continue
			}
			if rule.Action == contracts.ThresholdBlock {
				return errs.Newf(errs.CodeUnauthorized, "transition blocked: %s %s %v", rule.Field, rule.Op, rule.Value)
			}
			needsApproval = true
		}
		if needsApproval {
			if err := m.checkApprovalGate(ctx, rc, in, tr, gate.ApprovalTemplateID, probe); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Manager) checkRequiredOperations(ctx context.Context, rc *reqctx.RequestContext, entityName string, operations []string, record map[string]any) error {
	if len(operations) == 0 {
		return nil
	}
	model, err := m.models.ModelFor(ctx, entityName)
	if err != nil {
		return err
	}
	for _, op := range operations {
		d := m.policies.Authorize(ctx, model, contracts.PolicyAction(op), entityName, rc, record)
		if !d.Allowed() {
			return errs.Newf(errs.CodeUnauthorized, "required operation %s denied: %s", op, d.Reason)
		}
	}
	return nil
}

func (m *Manager) thresholdMatches(rule contracts.ThresholdRule, record map[string]any) (bool, error) {
	left := conditions.Resolve("record."+rule.Field, nil, record)
	return conditions.Compare(rule.Op, left, rule.Value)
}

// checkApprovalGate enforces the approval state machine of one transition:
// absent → start and deny ApprovalPending; open → deny ApprovalPending;
// rejected/canceled → deny with that status; completed → pass. The bypass
// marker set by the post-approval re-run skips the gate entirely.
func (m *Manager) checkApprovalGate(ctx context.Context, rc *reqctx.RequestContext, in *contracts.LifecycleInstance, tr *contracts.LifecycleTransition, templateID string, probe bool) error {
	if rc.MetaBool("_approvalBypass") {
		return nil
	}
	if m.approvals == nil {
		return errs.New(errs.CodeApprovalPending, "approval required but no approval engine is wired")
	}
	existing, err := m.approvals.Find(ctx, rc.TenantID, in.EntityName, in.EntityID, tr.ID)
	if err != nil {
		return err
	}
	if existing == nil {
		if probe {
			return errs.New(errs.CodeApprovalPending, "approval required")
		}
		if templateID == "" {
			return errs.New(errs.CodeApprovalPending, "approval required but the gate names no template")
		}
		if _, err := m.approvals.Start(ctx, rc, in.EntityName, in.EntityID, tr.ID, templateID, "threshold"); err != nil {
			return err
		}
		return errs.New(errs.CodeApprovalPending, "approval initiated")
	}
	switch existing.Status {
	case contracts.InstanceOpen:
		return errs.New(errs.CodeApprovalPending, "approval pending")
	case contracts.InstanceRejected:
		return errs.New(errs.CodeApprovalRejected, "approval rejected")
	case contracts.InstanceCanceled:
		return errs.New(errs.CodeApprovalCanceled, "approval canceled")
	case contracts.InstanceCompleted:
		return nil
	default:
		return errs.Newf(errs.CodeApprovalPending, "approval in unknown status %s", existing.Status)
	}
}
