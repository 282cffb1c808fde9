// Package overlay stores ordered, additive schema modifications layered
// onto a base version at compile time. Overlays never modify published
// base versions in place.
package overlay

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lattice-hq/lattice/pkg/contracts"
	"github.com/lattice-hq/lattice/pkg/errs"
)

// Store persists overlays and their changes.
type Store struct {
	db *sql.DB
}

// NewStore creates an overlay store on the given database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const overlaySchema = `
CREATE SCHEMA IF NOT EXISTS meta;

CREATE TABLE IF NOT EXISTS meta.overlay (
	id UUID PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS meta.overlay_change (
	id UUID PRIMARY KEY,
	overlay_id UUID NOT NULL REFERENCES meta.overlay(id),
	kind TEXT NOT NULL,
	target_name TEXT NOT NULL,
	payload JSONB,
	sort_order INT NOT NULL,
	conflict_mode TEXT NOT NULL DEFAULT 'fail'
);

CREATE INDEX IF NOT EXISTS idx_overlay_change_overlay
	ON meta.overlay_change (overlay_id, sort_order);
`

// Init creates the overlay tables.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, overlaySchema)
	return err
}

// Save upserts a draft overlay and rewrites its change list. Published and
// archived overlays are immutable.
func (s *Store) Save(ctx context.Context, o *contracts.Overlay) error {
	if o.Name == "" || o.TenantID == "" {
		return errs.New(errs.CodeValidation, "overlay requires name and tenant")
	}
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.Status == "" {
		o.Status = contracts.OverlayDraft
	}

	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM meta.overlay WHERE id = $1`, o.ID).Scan(&status)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("overlay: lookup: %w", err)
	}
	if err == nil && status != string(contracts.OverlayDraft) {
		return errs.Newf(errs.CodeValidation, "overlay %s is %s and immutable", o.ID, status)
	}

	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("overlay: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO meta.overlay (id, tenant_id, name, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (id) DO UPDATE SET name = $3, updated_at = $5`,
		o.ID, o.TenantID, o.Name, contracts.OverlayDraft, now); err != nil {
		return fmt.Errorf("overlay: upsert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM meta.overlay_change WHERE overlay_id = $1`, o.ID); err != nil {
		return fmt.Errorf("overlay: clear changes: %w", err)
	}
	for i := range o.Changes {
		c := &o.Changes[i]
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		if c.ConflictMode == "" {
			c.ConflictMode = contracts.ConflictFail
		}
		payloadJSON, err := json.Marshal(c.Payload)
		if err != nil {
			return fmt.Errorf("overlay: marshal change payload: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO meta.overlay_change (id, overlay_id, kind, target_name, payload, sort_order, conflict_mode)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			c.ID, o.ID, c.Kind, c.TargetName, payloadJSON, c.SortOrder, c.ConflictMode); err != nil {
			return fmt.Errorf("overlay: insert change: %w", err)
		}
	}
	return tx.Commit()
}

// Get loads one overlay with changes ordered by sort order.
func (s *Store) Get(ctx context.Context, id string) (*contracts.Overlay, error) {
	var o contracts.Overlay
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, status, created_at, updated_at
		FROM meta.overlay WHERE id = $1`, id).
		Scan(&o.ID, &o.TenantID, &o.Name, &o.Status, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errs.Newf(errs.CodeNotFound, "overlay %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("overlay: load: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, target_name, payload, sort_order, conflict_mode
		FROM meta.overlay_change WHERE overlay_id = $1 ORDER BY sort_order`, id)
	if err != nil {
		return nil, fmt.Errorf("overlay: load changes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			c           contracts.OverlayChange
			payloadJSON []byte
		)
		if err := rows.Scan(&c.ID, &c.Kind, &c.TargetName, &payloadJSON, &c.SortOrder, &c.ConflictMode); err != nil {
			return nil, err
		}
		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &c.Payload); err != nil {
				return nil, fmt.Errorf("overlay: corrupt change payload %s: %w", c.ID, err)
			}
		}
		o.Changes = append(o.Changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &o, nil
}

// GetPublishedSet loads the overlays of an overlay set, in set order. Every
// id must exist and be published.
func (s *Store) GetPublishedSet(ctx context.Context, set contracts.OverlaySet) ([]*contracts.Overlay, error) {
	out := make([]*contracts.Overlay, 0, len(set))
	for _, id := range set {
		o, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if o.Status != contracts.OverlayPublished {
			return nil, errs.Newf(errs.CodeValidation, "overlay %s is not published", id)
		}
		out = append(out, o)
	}
	return out, nil
}

// SetStatus moves an overlay to published or archived.
func (s *Store) SetStatus(ctx context.Context, id string, status contracts.OverlayStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE meta.overlay SET status = $1, updated_at = $2 WHERE id = $3`,
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("overlay: set status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.Newf(errs.CodeNotFound, "overlay %s not found", id)
	}
	return nil
}

// ListByTenant returns a tenant's overlays without their change lists.
func (s *Store) ListByTenant(ctx context.Context, tenantID string) ([]*contracts.Overlay, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, name, status, created_at, updated_at
		FROM meta.overlay WHERE tenant_id = $1 ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("overlay: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Overlay
	for rows.Next() {
		var o contracts.Overlay
		if err := rows.Scan(&o.ID, &o.TenantID, &o.Name, &o.Status, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}
