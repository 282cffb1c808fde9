// Package schema implements the versioned schema registry. Published
// versions are immutable; publication persists an artifact binding the
// version to its compiled hash and applied overlay set.
package schema

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

// Registry stores entity schemas with SQL persistence.
type Registry struct {
	db *sql.DB
}

// NewRegistry creates a registry on the given database.
func NewRegistry(db *sql.DB) *Registry {
	return &Registry{db: db}
}

const registrySchema = `
CREATE SCHEMA IF NOT EXISTS meta;

CREATE TABLE IF NOT EXISTS meta.entity (
	name TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS meta.entity_version (
	entity_name TEXT NOT NULL,
	version INT NOT NULL,
	status TEXT NOT NULL,
	definition_json JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (entity_name, version)
);

CREATE TABLE IF NOT EXISTS meta.publish_artifact (
	id UUID PRIMARY KEY,
	entity_name TEXT NOT NULL,
	version INT NOT NULL,
	compiled_hash TEXT NOT NULL,
	diagnostics_summary TEXT,
	applied_overlay_set JSONB,
	published_at TIMESTAMPTZ NOT NULL,
	published_by TEXT NOT NULL,
	UNIQUE (entity_name, version)
);
`

// Init creates the registry tables.
func (r *Registry) Init(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, registrySchema)
	return err
}

// SaveDraft upserts a draft version. Published versions are frozen and
// cannot be overwritten.
func (r *Registry) SaveDraft(ctx context.Context, def *contracts.SchemaDefinition) error {
	if def == nil || def.EntityName == "" {
		return errs.New(errs.CodeValidation, "schema definition requires an entity name")
	}
	if def.Version <= 0 {
		return errs.New(errs.CodeValidation, "schema version must be positive")
	}

	var status string
	err := r.db.QueryRowContext(ctx,
		`SELECT status FROM meta.entity_version WHERE entity_name = $1 AND version = $2`,
		def.EntityName, def.Version).Scan(&status)
	switch {
	case err == sql.ErrNoRows:
		// first save of this version
	case err != nil:
		return fmt.Errorf("schema: lookup version: %w", err)
	case status == string(contracts.SchemaPublished):
		return errs.Newf(errs.CodeValidation, "version %d of %q is published and immutable", def.Version, def.EntityName)
	}

	defJSON, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("schema: marshal definition: %w", err)
	}
	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("schema: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO meta.entity (name, created_at) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`,
		def.EntityName, now); err != nil {
		return fmt.Errorf("schema: upsert entity: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO meta.entity_version (entity_name, version, status, definition_json, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (entity_name, version) DO UPDATE
		SET definition_json = $4, updated_at = $5`,
		def.EntityName, def.Version, contracts.SchemaDraft, defJSON, now); err != nil {
		return fmt.Errorf("schema: upsert version: %w", err)
	}
	return tx.Commit()
}

// Get loads one version of an entity schema.
func (r *Registry) Get(ctx context.Context, entityName string, version int) (*contracts.SchemaDefinition, error) {
	var defJSON []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT definition_json FROM meta.entity_version WHERE entity_name = $1 AND version = $2`,
		entityName, version).Scan(&defJSON)
	if err == sql.ErrNoRows {
		return nil, errs.Newf(errs.CodeNotFound, "schema %q version %d not found", entityName, version)
	}
	if err != nil {
		return nil, fmt.Errorf("schema: load version: %w", err)
	}
	var def contracts.SchemaDefinition
	if err := json.Unmarshal(defJSON, &def); err != nil {
		return nil, fmt.Errorf("schema: corrupt definition for %s v%d: %w", entityName, version, err)
	}
	return &def, nil
}

// GetLatestPublished loads the highest published version of an entity.
func (r *Registry) GetLatestPublished(ctx context.Context, entityName string) (*contracts.SchemaDefinition, error) {
	var defJSON []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT definition_json FROM meta.entity_version
		WHERE entity_name = $1 AND status = $2
		ORDER BY version DESC LIMIT 1`,
		entityName, contracts.SchemaPublished).Scan(&defJSON)
	if err == sql.ErrNoRows {
		return nil, errs.Newf(errs.CodeNotFound, "no published version of %q", entityName)
	}
	if err != nil {
		return nil, fmt.Errorf("schema: load latest: %w", err)
	}
	var def contracts.SchemaDefinition
	if err := json.Unmarshal(defJSON, &def); err != nil {
		return nil, fmt.Errorf("schema: corrupt definition for %s: %w", entityName, err)
	}
	return &def, nil
}

// ListEntities returns all registered entity names.
func (r *Registry) ListEntities(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT name FROM meta.entity ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("schema: list entities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// Publish freezes a version and records the publish artifact. Re-publishing
// the same (entity, version) is rejected.
func (r *Registry) Publish(ctx context.Context, artifact *contracts.PublishArtifact) (*contracts.PublishArtifact, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM meta.publish_artifact WHERE entity_name = $1 AND version = $2)`,
		artifact.EntityName, artifact.Version).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("schema: check artifact: %w", err)
	}
	if exists {
		return nil, errs.Newf(errs.CodeValidation, "version %d of %q is already published", artifact.Version, artifact.EntityName)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("schema: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE meta.entity_version SET status = $1, updated_at = $2
		WHERE entity_name = $3 AND version = $4`,
		contracts.SchemaPublished, time.Now().UTC(), artifact.EntityName, artifact.Version)
	if err != nil {
		return nil, fmt.Errorf("schema: publish version: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, errs.Newf(errs.CodeNotFound, "schema %q version %d not found", artifact.EntityName, artifact.Version)
	}

	out := *artifact
	if out.ID == "" {
		out.ID = uuid.New().String()
	}
	if out.PublishedAt.IsZero() {
		out.PublishedAt = time.Now().UTC()
	}
	overlayJSON, err := json.Marshal(out.AppliedOverlaySet)
	if err != nil {
		return nil, fmt.Errorf("schema: marshal overlay set: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO meta.publish_artifact
			(id, entity_name, version, compiled_hash, diagnostics_summary, applied_overlay_set, published_at, published_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		out.ID, out.EntityName, out.Version, out.CompiledHash,
		out.DiagnosticsSummary, overlayJSON, out.PublishedAt, out.PublishedBy); err != nil {
		return nil, fmt.Errorf("schema: insert artifact: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("schema: commit publish: %w", err)
	}
	return &out, nil
}

// GetArtifact loads the publish artifact for (entity, version).
func (r *Registry) GetArtifact(ctx context.Context, entityName string, version int) (*contracts.PublishArtifact, error) {
	var (
		out         contracts.PublishArtifact
		overlayJSON []byte
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, entity_name, version, compiled_hash, COALESCE(diagnostics_summary, ''),
		       applied_overlay_set, published_at, published_by
		FROM meta.publish_artifact WHERE entity_name = $1 AND version = $2`,
		entityName, version).Scan(&out.ID, &out.EntityName, &out.Version, &out.CompiledHash,
		&out.DiagnosticsSummary, &overlayJSON, &out.PublishedAt, &out.PublishedBy)
	if err == sql.ErrNoRows {
		return nil, errs.Newf(errs.CodeNotFound, "no publish artifact for %q version %d", entityName, version)
	}
	if err != nil {
		return nil, fmt.Errorf("schema: load artifact: %w", err)
	}
	if len(overlayJSON) > 0 {
		if err := json.Unmarshal(overlayJSON, &out.AppliedOverlaySet); err != nil {
			return nil, fmt.Errorf("schema: corrupt overlay set: %w", err)
		}
	}
	return &out, nil
}
