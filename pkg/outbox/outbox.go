// Package outbox couples business writes to asynchronous audit
// persistence: rows are staged in the business transaction, drained in
// locked batches, and dead-lettered after exhaustion.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/lattice-hq/lattice/pkg/contracts"
)

// DefaultMaxAttempts before a row dead-letters.
const DefaultMaxAttempts = 5

// Outbox stages audit events in audit.audit_outbox.
type Outbox struct {
	db          *sql.DB
	maxAttempts int
	clock       func() time.Time
}

// New creates the outbox store.
func New(db *sql.DB) *Outbox {
	return &Outbox{db: db, maxAttempts: DefaultMaxAttempts, clock: time.Now}
}

// WithMaxAttempts overrides the per-row attempt budget.
func (o *Outbox) WithMaxAttempts(n int) *Outbox {
	if n > 0 {
		o.maxAttempts = n
	}
	return o
}

// WithClock injects a deterministic clock for tests.
func (o *Outbox) WithClock(clock func() time.Time) *Outbox {
	o.clock = clock
	return o
}

const outboxSchema = `
CREATE SCHEMA IF NOT EXISTS audit;

CREATE TABLE IF NOT EXISTS audit.audit_outbox (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload_json JSONB,
	attempts INT NOT NULL DEFAULT 0,
	max_attempts INT NOT NULL,
	status TEXT NOT NULL,
	last_error TEXT,
	locked_by TEXT,
	locked_until TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_outbox_pickable
	ON audit.audit_outbox (status, locked_until, created_at);
`

// Init creates the outbox table.
func (o *Outbox) Init(ctx context.Context) error {
	_, err := o.db.ExecContext(ctx, outboxSchema)
	return err
}

// EnqueueTx stages one event inside the caller's transaction, so a
// committed business change implies a durable outbox row.
func (o *Outbox) EnqueueTx(ctx context.Context, tx *sql.Tx, tenantID, eventType string, payload map[string]any) error {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("outbox: encode payload: %w", err)
		}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO audit.audit_outbox
			(id, tenant_id, event_type, payload_json, attempts, max_attempts, status, created_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7)`,
		uuid.New().String(), tenantID, eventType, body, o.maxAttempts,
		string(contracts.OutboxPending), o.clock().UTC())
	if err != nil {
		return fmt.Errorf("outbox: enqueue: %w", err)
	}
	return nil
}

// Pick atomically claims up to limit pending or retryable failed rows
// whose lock has expired, stamping lockedBy/lockedUntil. SKIP LOCKED keeps
// concurrent drainers from colliding.
func (o *Outbox) Pick(ctx context.Context, limit int, lockBy string, lockFor time.Duration) ([]contracts.OutboxEntry, error) {
	now := o.clock().UTC()
	rows, err := o.db.QueryContext(ctx, `
		UPDATE audit.audit_outbox
		SET locked_by = $1, locked_until = $2
		WHERE id IN (
			SELECT id FROM audit.audit_outbox
			WHERE status IN ($3, $4)
			  AND (locked_until IS NULL OR locked_until < $5)
			ORDER BY created_at
			LIMIT $6
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, tenant_id, event_type, payload_json, attempts, max_attempts, status, last_error, locked_by, locked_until, created_at`,
		lockBy, now.Add(lockFor),
		string(contracts.OutboxPending), string(contracts.OutboxFailed), now, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: pick: %w", err)
	}
	defer rows.Close()

	var out []contracts.OutboxEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *entry)
	}
	return out, rows.Err()
}

func scanEntry(row interface{ Scan(...any) error }) (*contracts.OutboxEntry, error) {
	var e contracts.OutboxEntry
	var payload []byte
	var status string
	var lastError, lockedBy sql.NullString
	var lockedUntil sql.NullTime
	err := row.Scan(&e.ID, &e.TenantID, &e.EventType, &payload, &e.Attempts,
		&e.MaxAttempts, &status, &lastError, &lockedBy, &lockedUntil, &e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("outbox: scan entry: %w", err)
	}
	e.Status = contracts.OutboxStatus(status)
	e.LastError = lastError.String
	e.LockedBy = lockedBy.String
	if lockedUntil.Valid {
		e.LockedUntil = &lockedUntil.Time
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("outbox: decode payload: %w", err)
		}
	}
	return &e, nil
}

// MarkPersisted finalizes successfully drained rows.
func (o *Outbox) MarkPersisted(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := o.db.ExecContext(ctx, `
		UPDATE audit.audit_outbox
		SET status = $1, locked_by = NULL, locked_until = NULL
		WHERE id = ANY($2)`,
		string(contracts.OutboxPersisted), idArray(ids))
	if err != nil {
		return fmt.Errorf("outbox: mark persisted: %w", err)
	}
	return nil
}

// MarkFailed increments attempts and records the error. The bool reports
// whether the row is now exhausted (attempts reached max) and was flipped
// to dead.
func (o *Outbox) MarkFailed(ctx context.Context, id, lastError string) (bool, error) {
	var attempts, max int
	err := o.db.QueryRowContext(ctx, `
		UPDATE audit.audit_outbox
		SET attempts = attempts + 1,
		    last_error = $1,
		    status = CASE WHEN attempts + 1 >= max_attempts THEN $2 ELSE $3 END,
		    locked_by = NULL, locked_until = NULL
		WHERE id = $4
		RETURNING attempts, max_attempts`,
		lastError, string(contracts.OutboxDead), string(contracts.OutboxFailed), id).
		Scan(&attempts, &max)
	if err != nil {
		return false, fmt.Errorf("outbox: mark failed: %w", err)
	}
	return attempts >= max, nil
}

func idArray(ids []string) any { return pq.Array(ids) }

// Get loads one entry.
func (o *Outbox) Get(ctx context.Context, id string) (*contracts.OutboxEntry, error) {
	entry, err := scanEntry(o.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, event_type, payload_json, attempts, max_attempts, status, last_error, locked_by, locked_until, created_at
		FROM audit.audit_outbox WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	return entry, nil
}
