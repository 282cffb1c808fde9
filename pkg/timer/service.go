package timer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lattice-hq/lattice/pkg/conditions"
	"github.com/lattice-hq/lattice/pkg/contracts"
	"github.com/lattice-hq/lattice/pkg/errs"
	"github.com/lattice-hq/lattice/pkg/jobs"
	"github.com/lattice-hq/lattice/pkg/reqctx"
)

// JobType is the delayed-job type for timer firings.
const JobType = "lifecycle-auto-transition"

// Transitioner is the slice of the lifecycle manager the timer service
// invokes on fire.
type Transitioner interface {
	Transition(ctx context.Context, rc *reqctx.RequestContext, entityName, entityID, operationCode string, payload map[string]any) (*contracts.TransitionResult, error)
	GetInstance(ctx context.Context, rc *reqctx.RequestContext, entityName, entityID string) (*contracts.LifecycleInstance, error)
}

// RecordLoader fetches the current record for firing-condition checks.
// May be nil.
type RecordLoader interface {
	LoadRecord(ctx context.Context, rc *reqctx.RequestContext, entityName, id string) (map[string]any, error)
}

// Service schedules, fires, cancels, and rehydrates lifecycle timers.
type Service struct {
	store     *Store
	queue     jobs.Queue
	lifecycle Transitioner
	records   RecordLoader
	eval      *conditions.Evaluator
	logger    *slog.Logger
	clock     func() time.Time
}

// NewService wires the timer service.
func NewService(store *Store, queue jobs.Queue, lifecycle Transitioner, eval *conditions.Evaluator, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		queue:     queue,
		lifecycle: lifecycle,
		eval:      eval,
		logger:    logger.With("component", "timer"),
		clock:     time.Now,
	}
}

// WithRecords attaches the record loader.
func (s *Service) WithRecords(r RecordLoader) *Service { s.records = r; return s }

// WithClock injects a deterministic clock for tests.
func (s *Service) WithClock(clock func() time.Time) *Service { s.clock = clock; return s }

type jobPayload struct {
	ScheduleID string `json:"scheduleId"`
	TenantID   string `json:"tenantId"`
}

// Schedule creates a timer from a policy: compute fireAt, persist the row
// with a frozen policy snapshot, enqueue the delayed job, record its id.
// A fireAt in the past skips scheduling and returns (nil, nil).
func (s *Service) Schedule(ctx context.Context, rc *reqctx.RequestContext, policyID, entityName, entityID string, triggerData map[string]any) (*contracts.TimerSchedule, error) {
	policy, err := s.store.GetPolicy(ctx, policyID)
	if err != nil {
		return nil, err
	}
	instance, err := s.lifecycle.GetInstance(ctx, rc, entityName, entityID)
	if err != nil {
		return nil, err
	}

	now := s.clock().UTC()
	fireAt, err := s.computeFireAt(policy, triggerData, now)
	if err != nil {
		return nil, err
	}
	if !fireAt.After(now) {
		s.logger.Info("timer fireAt in the past, skipping",
			"policy", policyID, "entity", entityName, "entity_id", entityID)
		return nil, nil
	}

	snapshot := *policy
	sched := &contracts.TimerSchedule{
		ID:             uuid.New().String(),
		TenantID:       rc.TenantID,
		EntityName:     entityName,
		EntityID:       entityID,
		InstanceID:     instance.ID,
		TimerType:      policy.TimerType,
		FireAt:         fireAt,
		PolicySnapshot: &snapshot,
		Status:         contracts.TimerScheduled,
		CreatedAt:      now,
	}
	// row first, then enqueue: if the enqueue fails the row is reconciled
	// by rehydration
	if err := s.store.Insert(ctx, sched); err != nil {
		return nil, err
	}
	jobID, err := s.queue.Enqueue(ctx, JobType,
		jobPayload{ScheduleID: sched.ID, TenantID: rc.TenantID},
		jobs.Options{Delay: fireAt.Sub(now), MaxAttempts: 1})
	if err != nil {
		s.logger.Warn("timer enqueue failed, row left for rehydration",
			"schedule", sched.ID, "error", err)
		return sched, nil
	}
	sched.JobID = jobID
	if err := s.store.SetJobID(ctx, sched.ID, jobID); err != nil {
		return nil, err
	}

	s.logger.Info("timer scheduled", "schedule", sched.ID, "type", string(policy.TimerType),
		"entity", entityName, "entity_id", entityID, "fire_at", fireAt)
	return sched, nil
}

func (s *Service) computeFireAt(policy *contracts.TimerPolicy, triggerData map[string]any, now time.Time) (time.Time, error) {
	switch policy.DelayType {
	case contracts.DelayFixed, contracts.DelaySLA:
		// sla falls back to fixed; business-hour adjustment is an extension
		return now.Add(time.Duration(policy.DelayMs) * time.Millisecond), nil
	case contracts.DelayFieldRelative:
		raw, ok := triggerData[policy.DelayFromField]
		if !ok || raw == nil {
			return time.Time{}, errs.Newf(errs.CodeValidation,
				"timer policy %s needs field %s", policy.ID, policy.DelayFromField)
		}
		base, ok := conditions.AsTime(raw)
		if !ok {
			return time.Time{}, errs.Newf(errs.CodeValidation,
				"field %s is not a date", policy.DelayFromField)
		}
		return base.Add(time.Duration(policy.DelayOffsetMs) * time.Millisecond), nil
	default:
		return time.Time{}, errs.Newf(errs.CodeValidation, "unknown delay type %s", policy.DelayType)
	}
}

// Process is the job handler for fired timers. Idempotent: only the caller
// that wins the scheduled→fired compare-and-set executes the transition.
func (s *Service) Process(ctx context.Context, job *jobs.Job) error {
	var payload jobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("timer: decode job payload: %w", err)
	}
	sched, err := s.store.Get(ctx, payload.ScheduleID)
	if err != nil {
		if errs.Is(err, errs.CodeNotFound) {
			return nil
		}
		return err
	}
	if sched.Status != contracts.TimerScheduled {
		return nil
	}
	won, err := s.store.MarkFired(ctx, sched.ID)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	rc := reqctx.System(sched.TenantID).WithMetadata("_timerExecution", true)

	// the instance may be gone or the snapshot conditions stale; both end
	// the timer silently
	if _, err := s.lifecycle.GetInstance(ctx, rc, sched.EntityName, sched.EntityID); err != nil {
		s.logger.Info("timer target instance gone", "schedule", sched.ID, "error", err)
		return nil
	}
	if len(sched.PolicySnapshot.Conditions) > 0 {
		record := s.loadRecord(ctx, rc, sched.EntityName, sched.EntityID)
		ok, err := s.eval.EvalAll(sched.PolicySnapshot.Conditions, rc, record)
		if err != nil || !ok {
			s.logger.Info("timer conditions no longer hold, skipping",
				"schedule", sched.ID, "error", err)
			return nil
		}
	}

	operation := sched.PolicySnapshot.TargetOperationCode
	if operation == "" {
		operation = "AUTO_TRANSITION"
	}
	if _, err := s.lifecycle.Transition(ctx, rc, sched.EntityName, sched.EntityID, operation, nil); err != nil {
		// the schedule is already fired; the failure surfaces in the audit
		// trail of the transition, not as a job retry
		s.logger.Warn("timer transition failed",
			"schedule", sched.ID, "operation", operation, "error", err)
		return nil
	}
	s.logger.Info("timer fired", "schedule", sched.ID, "operation", operation)
	return nil
}

func (s *Service) loadRecord(ctx context.Context, rc *reqctx.RequestContext, entityName, entityID string) map[string]any {
	if s.records == nil {
		return nil
	}
	record, err := s.records.LoadRecord(ctx, rc, entityName, entityID)
	if err != nil {
		s.logger.Warn("record load for timer conditions failed",
			"entity", entityName, "entity_id", entityID, "error", err)
		return nil
	}
	return record
}

// Cancel marks every scheduled timer for (entity, id) canceled and removes
// the backing queue jobs. The compare-and-set guarantees a canceled timer
// can no longer fire.
func (s *Service) Cancel(ctx context.Context, rc *reqctx.RequestContext, entityName, entityID, reason string) (int, error) {
	scheds, err := s.store.ScheduledFor(ctx, rc.TenantID, entityName, entityID)
	if err != nil {
		return 0, err
	}
	canceled := 0
	for _, sched := range scheds {
		won, err := s.store.MarkCanceled(ctx, sched.ID)
		if err != nil {
			return canceled, err
		}
		if !won {
			continue
		}
		if sched.JobID != "" {
			if err := s.queue.Remove(ctx, sched.JobID); err != nil {
				s.logger.Warn("queue job removal failed, fire stays guarded by status",
					"schedule", sched.ID, "job", sched.JobID, "error", err)
			}
		}
		canceled++
		s.logger.Info("timer canceled", "schedule", sched.ID, "reason", reason)
	}
	return canceled, nil
}

// CancelOnTransition applies each snapshot's cancellation settings after a
// successful transition: cancelOnAnyTransition cancels unconditionally,
// cancelOnStates when the new state is listed.
func (s *Service) CancelOnTransition(ctx context.Context, rc *reqctx.RequestContext, entityName, entityID, toStateCode string) error {
	scheds, err := s.store.ScheduledFor(ctx, rc.TenantID, entityName, entityID)
	if err != nil {
		return err
	}
	for _, sched := range scheds {
		snap := sched.PolicySnapshot
		cancel := snap.CancelOnAnyTransition
		for _, code := range snap.CancelOnStates {
			if code == toStateCode {
				cancel = true
			}
		}
		if !cancel {
			continue
		}
		won, err := s.store.MarkCanceled(ctx, sched.ID)
		if err != nil {
			return err
		}
		if won && sched.JobID != "" {
			if err := s.queue.Remove(ctx, sched.JobID); err != nil {
				s.logger.Warn("queue job removal failed",
					"schedule", sched.ID, "job", sched.JobID, "error", err)
			}
		}
	}
	return nil
}

// Rehydrate re-enqueues future scheduled timers after a restart. Past-due
// rows are left for the regular drain; their jobs fire immediately when
// still queued.
func (s *Service) Rehydrate(ctx context.Context, tenantID string) (int, error) {
	now := s.clock().UTC()
	scheds, err := s.store.ScheduledAfter(ctx, tenantID, now)
	if err != nil {
		return 0, err
	}
	requeued := 0
	for _, sched := range scheds {
		jobID, err := s.queue.Enqueue(ctx, JobType,
			jobPayload{ScheduleID: sched.ID, TenantID: tenantID},
			jobs.Options{Delay: sched.FireAt.Sub(now), MaxAttempts: 1})
		if err != nil {
			s.logger.Warn("rehydrate enqueue failed", "schedule", sched.ID, "error", err)
			continue
		}
		if err := s.store.SetJobID(ctx, sched.ID, jobID); err != nil {
			return requeued, err
		}
		requeued++
	}
	if requeued > 0 {
		s.logger.Info("timers rehydrated", "tenant", tenantID, "count", requeued)
	}
	return requeued, nil
}

// RehydrateAll rehydrates every tenant with scheduled timers.
func (s *Service) RehydrateAll(ctx context.Context) (int, error) {
	tenants, err := s.store.TenantsWithScheduled(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, tenant := range tenants {
		n, err := s.Rehydrate(ctx, tenant)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
