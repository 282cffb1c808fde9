package lifecycle

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lattice-hq/lattice/pkg/contracts"
	"github.com/lattice-hq/lattice/pkg/errs"
)

// InstanceStore persists lifecycle instances and their append-only event
// log. The state column is only ever changed through a compare-and-set on
// the prior state, which serializes concurrent transitions.
type InstanceStore struct {
	db *sql.DB
}

// NewInstanceStore creates the instance store.
func NewInstanceStore(db *sql.DB) *InstanceStore {
	return &InstanceStore{db: db}
}

const instanceSchema = `
CREATE SCHEMA IF NOT EXISTS core;

CREATE TABLE IF NOT EXISTS core.entity_lifecycle_instance (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	entity_name TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	lifecycle_id TEXT NOT NULL,
	state_id TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	updated_by TEXT NOT NULL,
	UNIQUE (tenant_id, entity_name, entity_id)
);

CREATE TABLE IF NOT EXISTS core.entity_lifecycle_event (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	instance_id TEXT NOT NULL,
	from_state_id TEXT,
	to_state_id TEXT NOT NULL,
	operation_code TEXT NOT NULL,
	actor TEXT NOT NULL,
	payload_json JSONB,
	correlation_id TEXT,
	occurred_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_lifecycle_event_instance
	ON core.entity_lifecycle_event (instance_id, occurred_at);
`

// Init creates the instance tables.
func (s *InstanceStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, instanceSchema)
	return err
}

// DB exposes the underlying handle for transaction scoping by the manager.
func (s *InstanceStore) DB() *sql.DB { return s.db }

// Get returns the instance for (tenant, entity, id), NotFound when absent.
func (s *InstanceStore) Get(ctx context.Context, tenantID, entityName, entityID string) (*contracts.LifecycleInstance, error) {
	var in contracts.LifecycleInstance
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, entity_name, entity_id, lifecycle_id, state_id, updated_at, updated_by
		FROM core.entity_lifecycle_instance
		WHERE tenant_id = $1 AND entity_name = $2 AND entity_id = $3`,
		tenantID, entityName, entityID).
		Scan(&in.ID, &in.TenantID, &in.EntityName, &in.EntityID, &in.LifecycleID,
			&in.StateID, &in.UpdatedAt, &in.UpdatedBy)
	if err == sql.ErrNoRows {
		return nil, errs.Newf(errs.CodeNotFound, "no lifecycle instance for %s/%s", entityName, entityID)
	}
	if err != nil {
		return nil, fmt.Errorf("lifecycle: get instance: %w", err)
	}
	return &in, nil
}

// Upsert inserts the instance or refreshes its state (create path only).
func (s *InstanceStore) Upsert(ctx context.Context, tx *sql.Tx, in *contracts.LifecycleInstance) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO core.entity_lifecycle_instance
			(id, tenant_id, entity_name, entity_id, lifecycle_id, state_id, updated_at, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, entity_name, entity_id) DO UPDATE SET
			lifecycle_id = EXCLUDED.lifecycle_id,
			state_id = EXCLUDED.state_id,
			updated_at = EXCLUDED.updated_at,
			updated_by = EXCLUDED.updated_by`,
		in.ID, in.TenantID, in.EntityName, in.EntityID, in.LifecycleID,
		in.StateID, in.UpdatedAt, in.UpdatedBy)
	if err != nil {
		return fmt.Errorf("lifecycle: upsert instance: %w", err)
	}
	return nil
}

// MoveState updates the instance state with a compare-and-set on the prior
// state. A concurrent transition from the same state loses the race and
// gets StaleState.
func (s *InstanceStore) MoveState(ctx context.Context, tx *sql.Tx, instanceID, fromStateID, toStateID, by string, at time.Time) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE core.entity_lifecycle_instance
		SET state_id = $1, updated_at = $2, updated_by = $3
		WHERE id = $4 AND state_id = $5`,
		toStateID, at, by, instanceID, fromStateID)
	if err != nil {
		return fmt.Errorf("lifecycle: move state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("lifecycle: move state rows: %w", err)
	}
	if n == 0 {
		return errs.Newf(errs.CodeStaleState, "instance %s left state %s concurrently", instanceID, fromStateID)
	}
	return nil
}

// AppendEvent writes one event row inside the transition transaction.
func (s *InstanceStore) AppendEvent(ctx context.Context, tx *sql.Tx, ev *contracts.LifecycleEvent) error {
	var payload []byte
	if ev.Payload != nil {
		var err error
		if payload, err = json.Marshal(ev.Payload); err != nil {
			return fmt.Errorf("lifecycle: encode event payload: %w", err)
		}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO core.entity_lifecycle_event
			(id, tenant_id, instance_id, from_state_id, to_state_id, operation_code, actor, payload_json, correlation_id, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ev.ID, ev.TenantID, ev.InstanceID, nullable(ev.FromStateID), ev.ToStateID,
		ev.OperationCode, ev.Actor, payload, nullable(ev.CorrelationID), ev.OccurredAt)
	if err != nil {
		return fmt.Errorf("lifecycle: append event: %w", err)
	}
	return nil
}

// Events returns the event history of an instance, oldest first.
func (s *InstanceStore) Events(ctx context.Context, instanceID string) ([]contracts.LifecycleEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, instance_id, from_state_id, to_state_id, operation_code, actor, payload_json, correlation_id, occurred_at
		FROM core.entity_lifecycle_event
		WHERE instance_id = $1 ORDER BY occurred_at, id`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: events of %s: %w", instanceID, err)
	}
	defer rows.Close()

	var out []contracts.LifecycleEvent
	for rows.Next() {
		var ev contracts.LifecycleEvent
		var from, corr sql.NullString
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.TenantID, &ev.InstanceID, &from, &ev.ToStateID,
			&ev.OperationCode, &ev.Actor, &payload, &corr, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("lifecycle: scan event: %w", err)
		}
		ev.FromStateID = from.String
		ev.CorrelationID = corr.String
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, fmt.Errorf("lifecycle: decode event payload: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
