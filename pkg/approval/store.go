package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lattice-hq/lattice/pkg/contracts"
	"github.com/lattice-hq/lattice/pkg/errs"
)

// Store persists approval instances, stages, tasks, assignment snapshots,
// escalations, and the per-instance event log in the wf schema.
type Store struct {
	db *sql.DB
}

// NewStore creates the instance store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const instanceSchema = `
CREATE SCHEMA IF NOT EXISTS wf;

CREATE TABLE IF NOT EXISTS wf.approval_instance (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	entity_name TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	transition_id TEXT NOT NULL,
	template_id TEXT NOT NULL,
	status TEXT NOT NULL,
	context_reason TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	created_by TEXT NOT NULL,
	resolved_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_approval_instance_target
	ON wf.approval_instance (tenant_id, entity_name, entity_id, transition_id, created_at);

CREATE TABLE IF NOT EXISTS wf.approval_stage (
	id TEXT PRIMARY KEY,
	instance_id TEXT NOT NULL REFERENCES wf.approval_instance(id),
	stage_no INT NOT NULL,
	mode TEXT NOT NULL,
	quorum_json JSONB,
	status TEXT NOT NULL,
	outcome TEXT
);

CREATE INDEX IF NOT EXISTS idx_approval_stage_instance
	ON wf.approval_stage (instance_id, stage_no);

CREATE TABLE IF NOT EXISTS wf.approval_task (
	id TEXT PRIMARY KEY,
	stage_id TEXT NOT NULL REFERENCES wf.approval_stage(id),
	instance_id TEXT NOT NULL REFERENCES wf.approval_instance(id),
	assignee_json JSONB NOT NULL,
	task_type TEXT NOT NULL,
	status TEXT NOT NULL,
	decided_at TIMESTAMPTZ,
	decided_by TEXT,
	note TEXT,
	sort_order INT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_approval_task_stage
	ON wf.approval_task (stage_id, sort_order);

CREATE TABLE IF NOT EXISTS wf.assignment_snapshot (
	task_id TEXT PRIMARY KEY REFERENCES wf.approval_task(id),
	rule_id TEXT,
	template_version INT NOT NULL,
	resolved_json JSONB
);

CREATE TABLE IF NOT EXISTS wf.approval_escalation (
	id TEXT PRIMARY KEY,
	instance_id TEXT NOT NULL REFERENCES wf.approval_instance(id),
	stage_no INT NOT NULL,
	reason TEXT NOT NULL,
	escalated_to TEXT NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS wf.approval_event (
	id TEXT PRIMARY KEY,
	instance_id TEXT NOT NULL REFERENCES wf.approval_instance(id),
	event_type TEXT NOT NULL,
	actor TEXT NOT NULL,
	detail_json JSONB,
	occurred_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_approval_event_instance
	ON wf.approval_event (instance_id, occurred_at);
`

// Init creates the wf tables.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, instanceSchema)
	return err
}

// DB exposes the handle for engine-scoped transactions.
func (s *Store) DB() *sql.DB { return s.db }

func scanInstance(row interface{ Scan(...any) error }) (*contracts.ApprovalInstance, error) {
	var in contracts.ApprovalInstance
	var status string
	var reason sql.NullString
	var resolved sql.NullTime
	err := row.Scan(&in.ID, &in.TenantID, &in.EntityName, &in.EntityID,
		&in.TransitionID, &in.TemplateID, &status, &reason,
		&in.CreatedAt, &in.CreatedBy, &resolved)
	if err != nil {
		return nil, err
	}
	in.Status = fromStored(status, reason.String)
	in.ContextReason = reason.String
	if resolved.Valid {
		in.ResolvedAt = &resolved.Time
	}
	return &in, nil
}

const instanceColumns = `id, tenant_id, entity_name, entity_id, transition_id,
	template_id, status, context_reason, created_at, created_by, resolved_at`

// Find returns the most recent instance gating (entity, id, transition),
// (nil, nil) when none exists.
func (s *Store) Find(ctx context.Context, tenantID, entityName, entityID, transitionID string) (*contracts.ApprovalInstance, error) {
	in, err := scanInstance(s.db.QueryRowContext(ctx, `
		SELECT `+instanceColumns+`
		FROM wf.approval_instance
		WHERE tenant_id = $1 AND entity_name = $2 AND entity_id = $3 AND transition_id = $4
		ORDER BY created_at DESC LIMIT 1`,
		tenantID, entityName, entityID, transitionID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("approval: find instance: %w", err)
	}
	return in, nil
}

// GetInstance loads one instance by id.
func (s *Store) GetInstance(ctx context.Context, id string) (*contracts.ApprovalInstance, error) {
	in, err := scanInstance(s.db.QueryRowContext(ctx, `
		SELECT `+instanceColumns+` FROM wf.approval_instance WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, errs.Newf(errs.CodeNotFound, "approval instance %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("approval: get instance %s: %w", id, err)
	}
	return in, nil
}

// InsertInstance writes a new instance row inside tx.
func (s *Store) InsertInstance(ctx context.Context, tx *sql.Tx, in *contracts.ApprovalInstance) error {
	status, reason := toStored(in.Status, in.ContextReason)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wf.approval_instance
			(id, tenant_id, entity_name, entity_id, transition_id, template_id, status, context_reason, created_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		in.ID, in.TenantID, in.EntityName, in.EntityID, in.TransitionID,
		in.TemplateID, status, nullable(reason), in.CreatedAt, in.CreatedBy)
	if err != nil {
		return fmt.Errorf("approval: insert instance: %w", err)
	}
	return nil
}

// InsertStage writes one materialized stage inside tx.
func (s *Store) InsertStage(ctx context.Context, tx *sql.Tx, st *contracts.ApprovalStage) error {
	var quorum []byte
	if st.Quorum != nil {
		var err error
		if quorum, err = json.Marshal(st.Quorum); err != nil {
			return fmt.Errorf("approval: encode stage quorum: %w", err)
		}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wf.approval_stage (id, instance_id, stage_no, mode, quorum_json, status, outcome)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		st.ID, st.InstanceID, st.StageNo, string(st.Mode), quorum,
		string(st.Status), nullable(string(st.Outcome)))
	if err != nil {
		return fmt.Errorf("approval: insert stage: %w", err)
	}
	return nil
}

// InsertTask writes one task inside tx.
func (s *Store) InsertTask(ctx context.Context, tx *sql.Tx, t *contracts.ApprovalTask) error {
	assignee, err := json.Marshal(t.Assignee)
	if err != nil {
		return fmt.Errorf("approval: encode assignee: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO wf.approval_task
			(id, stage_id, instance_id, assignee_json, task_type, status, sort_order)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.StageID, t.InstanceID, assignee, string(t.TaskType), string(t.Status), t.SortOrder)
	if err != nil {
		return fmt.Errorf("approval: insert task: %w", err)
	}
	return nil
}

// InsertSnapshot freezes how a task's assignment was resolved.
func (s *Store) InsertSnapshot(ctx context.Context, tx *sql.Tx, snap *contracts.AssignmentSnapshot) error {
	var resolved []byte
	if snap.Resolved != nil {
		var err error
		if resolved, err = json.Marshal(snap.Resolved); err != nil {
			return fmt.Errorf("approval: encode snapshot: %w", err)
		}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wf.assignment_snapshot (task_id, rule_id, template_version, resolved_json)
		VALUES ($1, $2, $3, $4)`,
		snap.TaskID, nullable(snap.RuleID), snap.TemplateVersion, resolved)
	if err != nil {
		return fmt.Errorf("approval: insert snapshot: %w", err)
	}
	return nil
}

// InsertEscalation records an assignment fallback or overdue escalation.
func (s *Store) InsertEscalation(ctx context.Context, tx *sql.Tx, id, instanceID string, stageNo int, reason, escalatedTo string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wf.approval_escalation (id, instance_id, stage_no, reason, escalated_to, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		id, instanceID, stageNo, reason, escalatedTo, at)
	if err != nil {
		return fmt.Errorf("approval: insert escalation: %w", err)
	}
	return nil
}

// InsertEvent appends to the per-instance event log inside tx.
func (s *Store) InsertEvent(ctx context.Context, tx *sql.Tx, id, instanceID, eventType, actor string, detail map[string]any, at time.Time) error {
	var body []byte
	if detail != nil {
		var err error
		if body, err = json.Marshal(detail); err != nil {
			return fmt.Errorf("approval: encode event detail: %w", err)
		}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wf.approval_event (id, instance_id, event_type, actor, detail_json, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		id, instanceID, eventType, actor, body, at)
	if err != nil {
		return fmt.Errorf("approval: insert event: %w", err)
	}
	return nil
}

// Stages returns the instance's stages in stageNo order.
func (s *Store) Stages(ctx context.Context, instanceID string) ([]contracts.ApprovalStage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, instance_id, stage_no, mode, quorum_json, status, outcome
		FROM wf.approval_stage
		WHERE instance_id = $1 ORDER BY stage_no`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("approval: stages of %s: %w", instanceID, err)
	}
	defer rows.Close()

	var out []contracts.ApprovalStage
	for rows.Next() {
		var st contracts.ApprovalStage
		var mode, status string
		var outcome sql.NullString
		var quorum []byte
		if err := rows.Scan(&st.ID, &st.InstanceID, &st.StageNo, &mode, &quorum, &status, &outcome); err != nil {
			return nil, fmt.Errorf("approval: scan stage: %w", err)
		}
		st.Mode = contracts.StageMode(mode)
		st.Status = contracts.StageStatus(status)
		st.Outcome = contracts.StageOutcome(outcome.String)
		if len(quorum) > 0 {
			st.Quorum = &contracts.Quorum{}
			if err := json.Unmarshal(quorum, st.Quorum); err != nil {
				return nil, fmt.Errorf("approval: decode stage quorum: %w", err)
			}
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Tasks returns the tasks of one stage in sortOrder.
func (s *Store) Tasks(ctx context.Context, stageID string) ([]contracts.ApprovalTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, stage_id, instance_id, assignee_json, task_type, status, decided_at, decided_by, note, sort_order
		FROM wf.approval_task
		WHERE stage_id = $1 ORDER BY sort_order, id`, stageID)
	if err != nil {
		return nil, fmt.Errorf("approval: tasks of %s: %w", stageID, err)
	}
	defer rows.Close()

	var out []contracts.ApprovalTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// GetTask loads one task.
func (s *Store) GetTask(ctx context.Context, id string) (*contracts.ApprovalTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, stage_id, instance_id, assignee_json, task_type, status, decided_at, decided_by, note, sort_order
		FROM wf.approval_task WHERE id = $1`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, errs.Newf(errs.CodeNotFound, "approval task %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("approval: get task %s: %w", id, err)
	}
	return t, nil
}

func scanTask(row interface{ Scan(...any) error }) (*contracts.ApprovalTask, error) {
	var t contracts.ApprovalTask
	var assignee []byte
	var taskType, status string
	var decidedAt sql.NullTime
	var decidedBy, note sql.NullString
	err := row.Scan(&t.ID, &t.StageID, &t.InstanceID, &assignee, &taskType,
		&status, &decidedAt, &decidedBy, &note, &t.SortOrder)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(assignee, &t.Assignee); err != nil {
		return nil, fmt.Errorf("approval: decode assignee: %w", err)
	}
	t.TaskType = contracts.TaskType(taskType)
	t.Status = contracts.TaskStatus(status)
	if decidedAt.Valid {
		t.DecidedAt = &decidedAt.Time
	}
	t.DecidedBy = decidedBy.String
	t.Note = note.String
	return &t, nil
}

// DecideTask writes a decision with a compare-and-set on pending status;
// a lost race returns NotPending.
func (s *Store) DecideTask(ctx context.Context, tx *sql.Tx, taskID string, status contracts.TaskStatus, decidedBy, note string, at time.Time) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE wf.approval_task
		SET status = $1, decided_at = $2, decided_by = $3, note = $4
		WHERE id = $5 AND status = $6`,
		string(status), at, decidedBy, nullable(note), taskID, string(contracts.TaskPending))
	if err != nil {
		return fmt.Errorf("approval: decide task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("approval: decide task rows: %w", err)
	}
	if n == 0 {
		return errs.Newf(errs.CodeNotPending, "task %s is no longer pending", taskID)
	}
	return nil
}

// CancelPendingTasks flips every pending task of an instance to canceled.
func (s *Store) CancelPendingTasks(ctx context.Context, tx *sql.Tx, instanceID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE wf.approval_task SET status = $1
		WHERE instance_id = $2 AND status = $3`,
		string(contracts.TaskCanceled), instanceID, string(contracts.TaskPending))
	if err != nil {
		return fmt.Errorf("approval: cancel pending tasks: %w", err)
	}
	return nil
}

// CompleteStage records a stage outcome.
func (s *Store) CompleteStage(ctx context.Context, tx *sql.Tx, stageID string, status contracts.StageStatus, outcome contracts.StageOutcome) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE wf.approval_stage SET status = $1, outcome = $2 WHERE id = $3`,
		string(status), nullable(string(outcome)), stageID)
	if err != nil {
		return fmt.Errorf("approval: complete stage: %w", err)
	}
	return nil
}

// CancelOpenStages flips every open stage of an instance to canceled.
func (s *Store) CancelOpenStages(ctx context.Context, tx *sql.Tx, instanceID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE wf.approval_stage SET status = $1
		WHERE instance_id = $2 AND status = $3`,
		string(contracts.StageCanceled), instanceID, string(contracts.StageOpen))
	if err != nil {
		return fmt.Errorf("approval: cancel open stages: %w", err)
	}
	return nil
}

// ResolveInstance moves an open instance to a terminal status with a
// compare-and-set; terminal instances are immutable.
func (s *Store) ResolveInstance(ctx context.Context, tx *sql.Tx, instanceID string, status contracts.InstanceStatus, reason string, at time.Time) error {
	stored, storedReason := toStored(status, reason)
	res, err := tx.ExecContext(ctx, `
		UPDATE wf.approval_instance
		SET status = $1, context_reason = $2, resolved_at = $3
		WHERE id = $4 AND status = $5`,
		stored, nullable(storedReason), at, instanceID, string(contracts.InstanceOpen))
	if err != nil {
		return fmt.Errorf("approval: resolve instance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("approval: resolve instance rows: %w", err)
	}
	if n == 0 {
		return errs.Newf(errs.CodeNotPending, "instance %s is already terminal", instanceID)
	}
	return nil
}
