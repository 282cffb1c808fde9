package policy

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// PostgresDecisionLog appends decisions to core.permission_decision_log.
type PostgresDecisionLog struct {
	db *sql.DB
}

// NewPostgresDecisionLog creates the log on the given database.
func NewPostgresDecisionLog(db *sql.DB) *PostgresDecisionLog {
	return &PostgresDecisionLog{db: db}
}

const decisionLogSchema = `
CREATE SCHEMA IF NOT EXISTS core;

CREATE TABLE IF NOT EXISTS core.permission_decision_log (
	id UUID PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL,
	actor TEXT NOT NULL,
	resource TEXT NOT NULL,
	operation TEXT NOT NULL,
	effect TEXT NOT NULL,
	matched_rule_id TEXT,
	reason TEXT,
	correlation_id TEXT
);

CREATE INDEX IF NOT EXISTS idx_decision_log_tenant_time
	ON core.permission_decision_log (tenant_id, occurred_at);
`

// Init creates the decision log table.
func (l *PostgresDecisionLog) Init(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, decisionLogSchema)
	return err
}

func (l *PostgresDecisionLog) Append(ctx context.Context, entry *LogEntry) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO core.permission_decision_log
			(id, tenant_id, occurred_at, actor, resource, operation, effect, matched_rule_id, reason, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		uuid.New().String(), entry.TenantID, entry.OccurredAt, entry.Actor,
		entry.Resource, entry.Operation, entry.Effect, entry.MatchedRuleID,
		entry.Reason, entry.CorrelationID)
	if err != nil {
		return fmt.Errorf("policy: append decision: %w", err)
	}
	return nil
}
