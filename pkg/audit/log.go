// Package audit persists the append-only audit log into monthly Postgres
// partitions, manages the partition lifecycle, and archives expiring
// partitions to object storage before they are dropped.
package audit

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

// Log writes audit records into audit.audit_log and dead letters into
// audit.audit_dlq.
type Log struct {
	db *sql.DB
}

// NewLog creates the audit log store.
func NewLog(db *sql.DB) *Log {
	return &Log{db: db}
}

const auditSchema = `
CREATE SCHEMA IF NOT EXISTS audit;
CREATE SCHEMA IF NOT EXISTS core;

CREATE TABLE IF NOT EXISTS audit.audit_log (
	id UUID NOT NULL,
	tenant_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload_json JSONB,
	source_entry_id TEXT NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (id, occurred_at)
) PARTITION BY RANGE (occurred_at);

CREATE TABLE IF NOT EXISTS audit.audit_dlq (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload_json JSONB,
	attempts INT NOT NULL,
	last_error TEXT,
	dead_at TIMESTAMPTZ NOT NULL
);

CREATE OR REPLACE FUNCTION core.create_audit_partition_for_month(d DATE)
RETURNS TEXT AS $$
DECLARE
	part TEXT := 'workflow_event_log_' || to_char(d, 'YYYY_MM');
	lo DATE := date_trunc('month', d);
	hi DATE := lo + INTERVAL '1 month';
BEGIN
	EXECUTE format(
		'CREATE TABLE IF NOT EXISTS audit.%I PARTITION OF audit.audit_log FOR VALUES FROM (%L) TO (%L)',
		part, lo, hi);
	EXECUTE format(
		'CREATE INDEX IF NOT EXISTS %I ON audit.%I (tenant_id, occurred_at)',
		'idx_' || part || '_tenant_time', part);
	RETURN part;
END;
$$ LANGUAGE plpgsql;

CREATE OR REPLACE FUNCTION core.drop_audit_partition(y INT, m INT)
RETURNS BOOLEAN AS $$
DECLARE
	part TEXT := format('workflow_event_log_%s_%s', y, lpad(m::TEXT, 2, '0'));
BEGIN
	IF to_regclass('audit.' || part) IS NULL THEN
		RETURN FALSE;
	END IF;
	EXECUTE format('DROP TABLE audit.%I', part);
	RETURN TRUE;
END;
$$ LANGUAGE plpgsql;

CREATE OR REPLACE FUNCTION core.check_audit_partition_indexes(part TEXT)
RETURNS INT AS $$
DECLARE
	n INT;
BEGIN
	SELECT count(*) INTO n FROM pg_indexes
	WHERE schemaname = 'audit' AND tablename = part;
	RETURN n;
END;
$$ LANGUAGE plpgsql;
`

// Init creates the audit schema, the partition helper functions, and the
// partitions covering this month and the next.
func (l *Log) Init(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, auditSchema); err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, d := range []time.Time{now, now.AddDate(0, 1, 0)} {
		if _, err := l.CreatePartition(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

// Insert writes one audit record. A fresh UUID is minted per attempt; the
// source entry id carries the de-dup lineage.
func (l *Log) Insert(ctx context.Context, rec *contracts.AuditRecord) error {
	var payload []byte
	if rec.Payload != nil {
		var err error
		if payload, err = json.Marshal(rec.Payload); err != nil {
			return fmt.Errorf("audit: encode payload: %w", err)
		}
	}
	id := rec.ID
	if id == "" {
		id = uuid.New().String()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO audit.audit_log (id, tenant_id, event_type, payload_json, source_entry_id, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		id, rec.TenantID, rec.EventType, payload, rec.SourceEntryID, rec.OccurredAt)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// InsertDead moves an exhausted outbox entry into the DLQ for operators.
func (l *Log) InsertDead(ctx context.Context, entry *contracts.OutboxEntry, deadAt time.Time) error {
	var payload []byte
	if entry.Payload != nil {
		var err error
		if payload, err = json.Marshal(entry.Payload); err != nil {
			return fmt.Errorf("audit: encode dlq payload: %w", err)
		}
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO audit.audit_dlq (id, tenant_id, event_type, payload_json, attempts, last_error, dead_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		entry.ID, entry.TenantID, entry.EventType, payload, entry.Attempts, entry.LastError, deadAt)
	if err != nil {
		return fmt.Errorf("audit: insert dlq: %w", err)
	}
	return nil
}

// PartitionName renders the month partition name for a date.
func PartitionName(d time.Time) string {
	return fmt.Sprintf("workflow_event_log_%04d_%02d", d.Year(), int(d.Month()))
}

// CreatePartition ensures the month partition for d exists.
func (l *Log) CreatePartition(ctx context.Context, d time.Time) (string, error) {
	var part string
	err := l.db.QueryRowContext(ctx,
		`SELECT core.create_audit_partition_for_month($1)`, d.Format("2006-01-02")).Scan(&part)
	if err != nil {
		return "", fmt.Errorf("audit: create partition for %s: %w", d.Format("2006-01"), err)
	}
	return part, nil
}

// DropPartition drops the (year, month) partition. The bool reports
// whether a partition existed.
func (l *Log) DropPartition(ctx context.Context, year, month int) (bool, error) {
	var dropped bool
	err := l.db.QueryRowContext(ctx,
		`SELECT core.drop_audit_partition($1, $2)`, year, month).Scan(&dropped)
	if err != nil {
		return false, fmt.Errorf("audit: drop partition %d-%02d: %w", year, month, err)
	}
	return dropped, nil
}

// PartitionExists reports whether the month partition is present.
func (l *Log) PartitionExists(ctx context.Context, part string) (bool, error) {
	var reg sql.NullString
	err := l.db.QueryRowContext(ctx, `SELECT to_regclass($1)`, "audit."+part).Scan(&reg)
	if err != nil {
		return false, fmt.Errorf("audit: check partition %s: %w", part, err)
	}
	return reg.Valid, nil
}

// PartitionIndexCount counts the indexes present on a partition, for drift
// detection.
func (l *Log) PartitionIndexCount(ctx context.Context, part string) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		`SELECT core.check_audit_partition_indexes($1)`, part).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("audit: check indexes of %s: %w", part, err)
	}
	return n, nil
}

// PartitionRows streams every row of a partition for archiving.
func (l *Log) PartitionRows(ctx context.Context, part string) ([]contracts.AuditRecord, error) {
	rows, err := l.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, tenant_id, event_type, payload_json, source_entry_id, occurred_at
		FROM audit.%s ORDER BY occurred_at, id`, pq.QuoteIdentifier(part)))
	if err != nil {
		return nil, fmt.Errorf("audit: read partition %s: %w", part, err)
	}
	defer rows.Close()

	var out []contracts.AuditRecord
	for rows.Next() {
		var rec contracts.AuditRecord
		var payload []byte
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.EventType, &payload, &rec.SourceEntryID, &rec.OccurredAt); err != nil {
			return nil, fmt.Errorf("audit: scan partition row: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &rec.Payload); err != nil {
				return nil, fmt.Errorf("audit: decode partition payload: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Vacuum runs VACUUM ANALYZE on the audit log after partition drops.
func (l *Log) Vacuum(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, `VACUUM ANALYZE audit.audit_log`); err != nil {
		return fmt.Errorf("audit: vacuum: %w", err)
	}
	return nil
}
