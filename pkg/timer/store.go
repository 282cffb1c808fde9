// Package timer schedules and fires lifecycle auto-transitions through the
// delayed-job queue. Every schedule snapshots its policy at creation; the
// scheduled→fired compare-and-set is the double-fire fence.
package timer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lattice-hq/lattice/pkg/contracts"
	"github.com/lattice-hq/lattice/pkg/errs"
)

// Store persists timer policies and schedules.
type Store struct {
	db *sql.DB
}

// NewStore creates the timer store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const timerSchema = `
CREATE SCHEMA IF NOT EXISTS meta;
CREATE SCHEMA IF NOT EXISTS core;

CREATE TABLE IF NOT EXISTS meta.lifecycle_timer_policy (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	entity_name TEXT NOT NULL,
	policy_json JSONB NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS core.lifecycle_timer_schedule (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	entity_name TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	instance_id TEXT NOT NULL,
	timer_type TEXT NOT NULL,
	fire_at TIMESTAMPTZ NOT NULL,
	job_id TEXT,
	policy_snapshot JSONB NOT NULL,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_timer_schedule_target
	ON core.lifecycle_timer_schedule (tenant_id, entity_name, entity_id, status);

CREATE INDEX IF NOT EXISTS idx_timer_schedule_pending
	ON core.lifecycle_timer_schedule (status, fire_at);
`

// Init creates the timer tables.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, timerSchema)
	return err
}

// GetPolicy loads one active timer policy.
func (s *Store) GetPolicy(ctx context.Context, id string) (*contracts.TimerPolicy, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT policy_json FROM meta.lifecycle_timer_policy
		WHERE id = $1 AND is_active`, id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, errs.Newf(errs.CodeNotFound, "timer policy %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("timer: get policy %s: %w", id, err)
	}
	var p contracts.TimerPolicy
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("timer: decode policy %s: %w", id, err)
	}
	p.ID = id
	return &p, nil
}

// SavePolicy upserts one policy.
func (s *Store) SavePolicy(ctx context.Context, p *contracts.TimerPolicy) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("timer: encode policy: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO meta.lifecycle_timer_policy (id, tenant_id, entity_name, policy_json, is_active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			policy_json = EXCLUDED.policy_json,
			is_active = EXCLUDED.is_active`,
		p.ID, p.TenantID, p.EntityName, body, p.IsActive)
	if err != nil {
		return fmt.Errorf("timer: save policy: %w", err)
	}
	return nil
}

// Insert writes a new schedule row.
func (s *Store) Insert(ctx context.Context, sched *contracts.TimerSchedule) error {
	snapshot, err := json.Marshal(sched.PolicySnapshot)
	if err != nil {
		return fmt.Errorf("timer: encode snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO core.lifecycle_timer_schedule
			(id, tenant_id, entity_name, entity_id, instance_id, timer_type, fire_at, job_id, policy_snapshot, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		sched.ID, sched.TenantID, sched.EntityName, sched.EntityID, sched.InstanceID,
		string(sched.TimerType), sched.FireAt, nullable(sched.JobID), snapshot,
		string(sched.Status), sched.CreatedAt)
	if err != nil {
		return fmt.Errorf("timer: insert schedule: %w", err)
	}
	return nil
}

// Get loads one schedule.
func (s *Store) Get(ctx context.Context, id string) (*contracts.TimerSchedule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, entity_name, entity_id, instance_id, timer_type, fire_at, job_id, policy_snapshot, status, created_at
		FROM core.lifecycle_timer_schedule WHERE id = $1`, id)
	sched, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, errs.Newf(errs.CodeNotFound, "timer schedule %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("timer: get schedule %s: %w", id, err)
	}
	return sched, nil
}

func scanSchedule(row interface{ Scan(...any) error }) (*contracts.TimerSchedule, error) {
	var sched contracts.TimerSchedule
	var timerType, status string
	var jobID sql.NullString
	var snapshot []byte
	err := row.Scan(&sched.ID, &sched.TenantID, &sched.EntityName, &sched.EntityID,
		&sched.InstanceID, &timerType, &sched.FireAt, &jobID, &snapshot, &status, &sched.CreatedAt)
	if err != nil {
		return nil, err
	}
	sched.TimerType = contracts.TimerType(timerType)
	sched.Status = contracts.TimerStatus(status)
	sched.JobID = jobID.String
	sched.PolicySnapshot = &contracts.TimerPolicy{}
	if err := json.Unmarshal(snapshot, sched.PolicySnapshot); err != nil {
		return nil, fmt.Errorf("timer: decode snapshot: %w", err)
	}
	return &sched, nil
}

// SetJobID records the queue job backing a schedule.
func (s *Store) SetJobID(ctx context.Context, id, jobID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE core.lifecycle_timer_schedule SET job_id = $1 WHERE id = $2`, jobID, id)
	if err != nil {
		return fmt.Errorf("timer: set job id: %w", err)
	}
	return nil
}

// MarkFired flips scheduled→fired with a compare-and-set. The bool reports
// whether this caller won; a loser must not execute the transition.
func (s *Store) MarkFired(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE core.lifecycle_timer_schedule SET status = $1
		WHERE id = $2 AND status = $3`,
		string(contracts.TimerFired), id, string(contracts.TimerScheduled))
	if err != nil {
		return false, fmt.Errorf("timer: mark fired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("timer: mark fired rows: %w", err)
	}
	return n > 0, nil
}

// MarkCanceled flips scheduled→canceled with a compare-and-set.
func (s *Store) MarkCanceled(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE core.lifecycle_timer_schedule SET status = $1
		WHERE id = $2 AND status = $3`,
		string(contracts.TimerCanceled), id, string(contracts.TimerScheduled))
	if err != nil {
		return false, fmt.Errorf("timer: mark canceled: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("timer: mark canceled rows: %w", err)
	}
	return n > 0, nil
}

// ScheduledFor returns every scheduled timer targeting (entity, id).
func (s *Store) ScheduledFor(ctx context.Context, tenantID, entityName, entityID string) ([]contracts.TimerSchedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, entity_name, entity_id, instance_id, timer_type, fire_at, job_id, policy_snapshot, status, created_at
		FROM core.lifecycle_timer_schedule
		WHERE tenant_id = $1 AND entity_name = $2 AND entity_id = $3 AND status = $4`,
		tenantID, entityName, entityID, string(contracts.TimerScheduled))
	if err != nil {
		return nil, fmt.Errorf("timer: scheduled for %s/%s: %w", entityName, entityID, err)
	}
	return collectSchedules(rows)
}

// ScheduledAfter returns scheduled timers of a tenant firing after the
// given time, for rehydration.
func (s *Store) ScheduledAfter(ctx context.Context, tenantID string, after time.Time) ([]contracts.TimerSchedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, entity_name, entity_id, instance_id, timer_type, fire_at, job_id, policy_snapshot, status, created_at
		FROM core.lifecycle_timer_schedule
		WHERE tenant_id = $1 AND status = $2 AND fire_at > $3`,
		tenantID, string(contracts.TimerScheduled), after)
	if err != nil {
		return nil, fmt.Errorf("timer: scheduled after: %w", err)
	}
	return collectSchedules(rows)
}

// TenantsWithScheduled lists tenants holding scheduled timers, for boot
// rehydration.
func (s *Store) TenantsWithScheduled(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT tenant_id FROM core.lifecycle_timer_schedule WHERE status = $1`,
		string(contracts.TimerScheduled))
	if err != nil {
		return nil, fmt.Errorf("timer: tenants with scheduled: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func collectSchedules(rows *sql.Rows) ([]contracts.TimerSchedule, error) {
	defer rows.Close()
	var out []contracts.TimerSchedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("timer: scan schedule: %w", err)
		}
		out = append(out, *sched)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
