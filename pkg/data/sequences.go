package data

import (
	"context"
	"database/sql"
	"fmt"
)

// Sequences hands out named per-tenant monotonic counters, used for fields
// with a sequence default.
type Sequences struct {
	db *sql.DB
}

// NewSequences creates the sequence store.
func NewSequences(db *sql.DB) *Sequences {
	return &Sequences{db: db}
}

const sequenceSchema = `
CREATE SCHEMA IF NOT EXISTS meta;

CREATE TABLE IF NOT EXISTS meta.numbering_sequence (
	tenant_id TEXT NOT NULL,
	name TEXT NOT NULL,
	current_value BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (tenant_id, name)
);
`

// Init creates the sequence table.
func (s *Sequences) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sequenceSchema)
	return err
}

// Next returns the next value of (tenant, name), creating the counter at 1
// on first use. The upsert-increment is atomic.
func (s *Sequences) Next(ctx context.Context, tx *sql.Tx, tenantID, name string) (int64, error) {
	var v int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO meta.numbering_sequence (tenant_id, name, current_value)
		VALUES ($1, $2, 1)
		ON CONFLICT (tenant_id, name) DO UPDATE
			SET current_value = meta.numbering_sequence.current_value + 1
		RETURNING current_value`, tenantID, name).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("data: next sequence %s: %w", name, err)
	}
	return v, nil
}
