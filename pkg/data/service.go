// Package data implements the generic data service: metadata-driven CRUD
// over compiled models with policy enforcement, field-level filtering,
// optimistic locking, soft delete with referential cascade, effective
// dating, and transactional audit staging. Every SQL identifier comes from
// the compiled IR; request input only ever reaches the database as bind
// arguments.
package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lattice-hq/lattice/pkg/contracts"
	"github.com/lattice-hq/lattice/pkg/errs"
	"github.com/lattice-hq/lattice/pkg/policy"
	"github.com/lattice-hq/lattice/pkg/reqctx"
	"github.com/lattice-hq/lattice/pkg/validation"
)

// ModelSource resolves compiled models. Satisfied by the compiler's
// published-model registry.
type ModelSource interface {
	ModelFor(ctx context.Context, entityName string) (*contracts.CompiledModel, error)
	AllModels(ctx context.Context) ([]*contracts.CompiledModel, error)
}

// Lifecycle is the slice of the lifecycle manager the data service uses.
type Lifecycle interface {
	CreateInstance(ctx context.Context, rc *reqctx.RequestContext, entityName, entityID string, record map[string]any) (*contracts.LifecycleInstance, error)
	EnforceTerminalState(ctx context.Context, rc *reqctx.RequestContext, entityName, entityID string) error
	Transition(ctx context.Context, rc *reqctx.RequestContext, entityName, entityID, operationCode string, payload map[string]any) (*contracts.TransitionResult, error)
}

// AuditSink stages audit events inside the data transaction.
type AuditSink interface {
	EnqueueTx(ctx context.Context, tx *sql.Tx, tenantID, eventType string, payload map[string]any) error
}

// QueryResult is a page of records plus the unpaged total.
type QueryResult struct {
	Records  []map[string]any `json:"records"`
	Total    int              `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"pageSize"`
}

// BulkError reports a skipped item of a bulk operation.
type BulkError struct {
	Index  int                         `json:"index"`
	Errors []contracts.ValidationError `json:"errors"`
}

// BulkResult aggregates a bulk create: created records in input order,
// skipped items with their findings.
type BulkResult struct {
	Created []map[string]any `json:"created"`
	Skipped []BulkError      `json:"skipped,omitempty"`
}

// Service is the generic data service.
type Service struct {
	db        *sql.DB
	models    ModelSource
	policies  *policy.Engine
	sequences *Sequences
	validator *validation.Engine
	lifecycle Lifecycle
	audit     AuditSink
	logger    *slog.Logger
	clock     func() time.Time
}

// NewService creates the data service. Validator, lifecycle, and audit are
// attached afterwards via the With setters so the service can itself serve
// as the validator's reference lookup.
func NewService(db *sql.DB, models ModelSource, policies *policy.Engine, sequences *Sequences, logger *slog.Logger) *Service {
	return &Service{
		db:        db,
		models:    models,
		policies:  policies,
		sequences: sequences,
		logger:    logger.With("component", "data"),
		clock:     time.Now,
	}
}

// WithValidator attaches the validation engine.
func (s *Service) WithValidator(v *validation.Engine) *Service { s.validator = v; return s }

// WithLifecycle attaches the lifecycle manager.
func (s *Service) WithLifecycle(l Lifecycle) *Service { s.lifecycle = l; return s }

// WithAudit attaches the transactional audit sink.
func (s *Service) WithAudit(a AuditSink) *Service { s.audit = a; return s }

// WithClock injects a deterministic clock for tests.
func (s *Service) WithClock(clock func() time.Time) *Service { s.clock = clock; return s }

// Create inserts a record. Unauthorized fields are silently stripped from
// the input, defaults and system fields applied, validation run, and the
// insert staged together with its audit event in one transaction. The
// lifecycle instance is created after commit.
func (s *Service) Create(ctx context.Context, rc *reqctx.RequestContext, entityName string, input map[string]any) (map[string]any, error) {
	model, err := s.models.ModelFor(ctx, entityName)
	if err != nil {
		return nil, err
	}
	if err := s.policies.Enforce(ctx, model, contracts.ActionCreate, entityName, rc, input); err != nil {
		return nil, err
	}

	record := s.filterWrite(ctx, model, contracts.ActionCreate, rc, input, nil)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("data: begin create: %w", err)
	}
	defer tx.Rollback()

	if err := s.applyDefaults(ctx, tx, model, rc.TenantID, record); err != nil {
		return nil, err
	}
	s.stampCreate(model, rc, record)

	if err := s.runValidation(ctx, model, record, contracts.TriggerCreate, rc, nil); err != nil {
		return nil, err
	}

	stmt, args, err := encodeInsert(model, record)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		return nil, fmt.Errorf("data: insert %s: %w", entityName, err)
	}
	if err := s.enqueue(ctx, tx, rc.TenantID, contracts.EventEntityCreated, map[string]any{
		"entity": entityName,
		"id":     record["id"],
		"actor":  rc.UserID,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("data: commit create: %w", err)
	}

	if s.lifecycle != nil {
		id, _ := record["id"].(string)
		if _, err := s.lifecycle.CreateInstance(ctx, rc, entityName, id, record); err != nil {
			s.logger.Error("lifecycle instance creation failed after create",
				"entity", entityName, "id", id, "error", err)
		}
	}
	return record, nil
}

// Get loads one record by id, applying the caller's read field filter.
func (s *Service) Get(ctx context.Context, rc *reqctx.RequestContext, entityName, id string) (map[string]any, error) {
	model, err := s.models.ModelFor(ctx, entityName)
	if err != nil {
		return nil, err
	}
	record, err := s.fetch(ctx, model, rc.TenantID, id, false)
	if err != nil {
		return nil, err
	}
	if err := s.policies.Enforce(ctx, model, contracts.ActionRead, entityName, rc, record); err != nil {
		return nil, err
	}
	return s.filterRead(ctx, model, rc, record), nil
}

// Query runs a validated, paged query and returns the filtered page plus
// the total match count.
func (s *Service) Query(ctx context.Context, rc *reqctx.RequestContext, entityName string, q *Query) (*QueryResult, error) {
	model, err := s.models.ModelFor(ctx, entityName)
	if err != nil {
		return nil, err
	}
	if err := s.policies.Enforce(ctx, model, contracts.ActionRead, entityName, rc, nil); err != nil {
		return nil, err
	}
	if q == nil {
		q = &Query{}
	}
	if err := ValidateQuery(model, q); err != nil {
		return nil, err
	}

	stmt, args := selectQuery(model, q, rc.TenantID)
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("data: query %s: %w", entityName, err)
	}
	defer rows.Close()

	var records []map[string]any
	for rows.Next() {
		rec, err := scanRecord(model, rows)
		if err != nil {
			return nil, err
		}
		records = append(records, s.filterRead(ctx, model, rc, rec))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("data: query %s: %w", entityName, err)
	}

	countStmt, countArgs := countQuery(model, q, rc.TenantID)
	var total int
	if err := s.db.QueryRowContext(ctx, countStmt, countArgs...).Scan(&total); err != nil {
		return nil, fmt.Errorf("data: count %s: %w", entityName, err)
	}
	return &QueryResult{Records: records, Total: total, Page: q.Page, PageSize: q.PageSize}, nil
}

// Update applies a partial update under optimistic locking. The input must
// carry _version matching the stored version; a mismatch, or losing the
// race at write time, yields a version conflict.
func (s *Service) Update(ctx context.Context, rc *reqctx.RequestContext, entityName, id string, input map[string]any) (map[string]any, error) {
	model, err := s.models.ModelFor(ctx, entityName)
	if err != nil {
		return nil, err
	}

	existing, err := s.fetch(ctx, model, rc.TenantID, id, false)
	if err != nil {
		return nil, err
	}
	if err := s.policies.Enforce(ctx, model, contracts.ActionUpdate, entityName, rc, existing); err != nil {
		return nil, err
	}
	if s.lifecycle != nil {
		if err := s.lifecycle.EnforceTerminalState(ctx, rc, entityName, id); err != nil {
			return nil, err
		}
	}

	version, err := requestedVersion(input)
	if err != nil {
		return nil, err
	}
	current := asInt64(existing["version"])
	if version != current {
		return nil, errs.Newf(errs.CodeVersionConflict,
			"version conflict on %s/%s: have %d, got %d", entityName, id, current, version).
			WithDetail("currentVersion", current)
	}

	changes := s.filterWrite(ctx, model, contracts.ActionUpdate, rc, input, existing)
	if len(changes) == 0 {
		return s.filterRead(ctx, model, rc, existing), nil
	}

	merged := make(map[string]any, len(existing)+len(changes))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range changes {
		merged[k] = v
	}
	if err := s.runValidation(ctx, model, merged, contracts.TriggerUpdate, rc, existing); err != nil {
		return nil, err
	}

	now := s.clock().UTC()
	changes["updated_at"] = now
	changes["updated_by"] = rc.UserID

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("data: begin update: %w", err)
	}
	defer tx.Rollback()

	stmt, args, err := encodeUpdate(model, changes, id, rc.TenantID, version)
	if err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("data: update %s: %w", entityName, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, errs.Newf(errs.CodeVersionConflict,
			"version conflict on %s/%s: concurrent update", entityName, id)
	}
	if err := s.enqueue(ctx, tx, rc.TenantID, contracts.EventEntityUpdated, map[string]any{
		"entity": entityName,
		"id":     id,
		"actor":  rc.UserID,
		"fields": changedFields(changes),
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("data: commit update: %w", err)
	}

	merged["version"] = current + 1
	merged["updated_at"] = now
	merged["updated_by"] = rc.UserID
	return s.filterRead(ctx, model, rc, merged), nil
}

// Delete soft-deletes a record and walks its inbound references: RESTRICT
// references block the whole delete, CASCADE references are soft-deleted
// recursively, SET_NULL references are cleared.
func (s *Service) Delete(ctx context.Context, rc *reqctx.RequestContext, entityName, id string) error {
	model, err := s.models.ModelFor(ctx, entityName)
	if err != nil {
		return err
	}
	existing, err := s.fetch(ctx, model, rc.TenantID, id, false)
	if err != nil {
		return err
	}
	if err := s.policies.Enforce(ctx, model, contracts.ActionDelete, entityName, rc, existing); err != nil {
		return err
	}
	if s.lifecycle != nil {
		if err := s.lifecycle.EnforceTerminalState(ctx, rc, entityName, id); err != nil {
			return err
		}
	}

	plan, err := s.planCascade(ctx, rc.TenantID, entityName, id)
	if err != nil {
		return err
	}

	now := s.clock().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("data: begin delete: %w", err)
	}
	defer tx.Rollback()

	if err := s.applyCascade(ctx, tx, rc, plan, now); err != nil {
		return err
	}
	if err := s.enqueue(ctx, tx, rc.TenantID, contracts.EventEntityDeleted, map[string]any{
		"entity":    entityName,
		"id":        id,
		"actor":     rc.UserID,
		"cascaded":  len(plan.deletes) - 1,
		"nullified": len(plan.nullify),
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("data: commit delete: %w", err)
	}
	return nil
}

// Restore clears the soft-delete marker on a deleted record.
func (s *Service) Restore(ctx context.Context, rc *reqctx.RequestContext, entityName, id string) (map[string]any, error) {
	model, err := s.models.ModelFor(ctx, entityName)
	if err != nil {
		return nil, err
	}
	record, err := s.fetch(ctx, model, rc.TenantID, id, true)
	if err != nil {
		return nil, err
	}
	if record["deleted_at"] == nil {
		return nil, errs.Newf(errs.CodeValidation, "%s/%s is not deleted", entityName, id)
	}
	if err := s.policies.Enforce(ctx, model, contracts.ActionUpdate, entityName, rc, record); err != nil {
		return nil, err
	}

	now := s.clock().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("data: begin restore: %w", err)
	}
	defer tx.Rollback()

	stmt := fmt.Sprintf(
		"UPDATE %s SET deleted_at = NULL, deleted_by = NULL, updated_at = $1, updated_by = $2, version = version + 1 WHERE id = $3 AND tenant_id = $4 AND deleted_at IS NOT NULL",
		model.TableName)
	res, err := tx.ExecContext(ctx, stmt, now, rc.UserID, id, rc.TenantID)
	if err != nil {
		return nil, fmt.Errorf("data: restore %s: %w", entityName, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, errs.Newf(errs.CodeNotFound, "%s/%s not found", entityName, id)
	}
	if err := s.enqueue(ctx, tx, rc.TenantID, contracts.EventEntityRestored, map[string]any{
		"entity": entityName,
		"id":     id,
		"actor":  rc.UserID,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("data: commit restore: %w", err)
	}

	record["deleted_at"] = nil
	record["deleted_by"] = nil
	record["updated_at"] = now
	record["updated_by"] = rc.UserID
	record["version"] = asInt64(record["version"]) + 1
	return s.filterRead(ctx, model, rc, record), nil
}

// BulkCreate inserts many records in one transaction. Items that fail
// validation are skipped with their findings; a database failure rolls the
// whole batch back.
func (s *Service) BulkCreate(ctx context.Context, rc *reqctx.RequestContext, entityName string, inputs []map[string]any) (*BulkResult, error) {
	model, err := s.models.ModelFor(ctx, entityName)
	if err != nil {
		return nil, err
	}
	if err := s.policies.Enforce(ctx, model, contracts.ActionCreate, entityName, rc, nil); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("data: begin bulk create: %w", err)
	}
	defer tx.Rollback()

	out := &BulkResult{}
	for i, input := range inputs {
		record := s.filterWrite(ctx, model, contracts.ActionCreate, rc, input, nil)
		if err := s.applyDefaults(ctx, tx, model, rc.TenantID, record); err != nil {
			return nil, err
		}
		s.stampCreate(model, rc, record)

		result, err := s.validator.Validate(ctx, model, record, contracts.TriggerCreate, contracts.PhaseBeforePersist, rc, nil)
		if err != nil {
			return nil, err
		}
		if !result.Valid {
			out.Skipped = append(out.Skipped, BulkError{Index: i, Errors: result.Errors})
			continue
		}

		stmt, args, err := encodeInsert(model, record)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return nil, fmt.Errorf("data: bulk insert %s item %d: %w", entityName, i, err)
		}
		out.Created = append(out.Created, record)
	}
	if len(out.Created) > 0 {
		if err := s.enqueue(ctx, tx, rc.TenantID, contracts.EventEntityCreated, map[string]any{
			"entity": entityName,
			"actor":  rc.UserID,
			"bulk":   true,
			"count":  len(out.Created),
		}); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("data: commit bulk create: %w", err)
	}

	if s.lifecycle != nil {
		for _, record := range out.Created {
			id, _ := record["id"].(string)
			if _, err := s.lifecycle.CreateInstance(ctx, rc, entityName, id, record); err != nil {
				s.logger.Error("lifecycle instance creation failed after bulk create",
					"entity", entityName, "id", id, "error", err)
			}
		}
	}
	return out, nil
}

// Transition delegates a lifecycle operation on a record.
func (s *Service) Transition(ctx context.Context, rc *reqctx.RequestContext, entityName, id, operationCode string, payload map[string]any) (*contracts.TransitionResult, error) {
	if s.lifecycle == nil {
		return nil, errs.Newf(errs.CodeInternal, "lifecycle runtime not configured")
	}
	model, err := s.models.ModelFor(ctx, entityName)
	if err != nil {
		return nil, err
	}
	if _, err := s.fetch(ctx, model, rc.TenantID, id, false); err != nil {
		return nil, err
	}
	return s.lifecycle.Transition(ctx, rc, entityName, id, operationCode, payload)
}

// LoadRecord serves the lifecycle and timer runtimes with full, unfiltered
// records for gate and condition evaluation.
func (s *Service) LoadRecord(ctx context.Context, rc *reqctx.RequestContext, entityName, id string) (map[string]any, error) {
	model, err := s.models.ModelFor(ctx, entityName)
	if err != nil {
		return nil, err
	}
	return s.fetch(ctx, model, rc.TenantID, id, false)
}

// Exists implements the validator's referential lookup.
func (s *Service) Exists(ctx context.Context, tenantID, entityName, id string) (bool, error) {
	model, err := s.models.ModelFor(ctx, entityName)
	if err != nil {
		return false, err
	}
	var n int
	stmt := fmt.Sprintf("SELECT count(*) FROM %s WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL", model.TableName)
	if err := s.db.QueryRowContext(ctx, stmt, id, tenantID).Scan(&n); err != nil {
		return false, fmt.Errorf("data: exists %s: %w", entityName, err)
	}
	return n > 0, nil
}

// IsUnique implements the validator's uniqueness lookup.
func (s *Service) IsUnique(ctx context.Context, tenantID, entityName, field string, value any, scope map[string]any, excludeID string) (bool, error) {
	model, err := s.models.ModelFor(ctx, entityName)
	if err != nil {
		return false, err
	}
	f := model.Field(field)
	if f == nil {
		return false, errs.Newf(errs.CodeValidation, "unknown field %q on %s", field, entityName)
	}

	var sb strings.Builder
	args := []any{tenantID, value}
	fmt.Fprintf(&sb, "SELECT count(*) FROM %s WHERE tenant_id = $1 AND %s = $2 AND deleted_at IS NULL",
		model.TableName, f.ColumnName)
	for name, v := range scope {
		sf := model.Field(name)
		if sf == nil {
			return false, errs.Newf(errs.CodeValidation, "unknown scope field %q on %s", name, entityName)
		}
		args = append(args, v)
		fmt.Fprintf(&sb, " AND %s = $%d", sf.ColumnName, len(args))
	}
	if excludeID != "" {
		args = append(args, excludeID)
		fmt.Fprintf(&sb, " AND id <> $%d", len(args))
	}

	var n int
	if err := s.db.QueryRowContext(ctx, sb.String(), args...).Scan(&n); err != nil {
		return false, fmt.Errorf("data: unique check %s.%s: %w", entityName, field, err)
	}
	return n == 0, nil
}

// fetch loads one raw record. includeDeleted also returns soft-deleted rows.
func (s *Service) fetch(ctx context.Context, model *contracts.CompiledModel, tenantID, id string, includeDeleted bool) (map[string]any, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s WHERE id = $1 AND tenant_id = $2", model.SelectClause, model.TableName)
	if !includeDeleted {
		sb.WriteString(" AND deleted_at IS NULL")
	}
	rows, err := s.db.QueryContext(ctx, sb.String(), id, tenantID)
	if err != nil {
		return nil, fmt.Errorf("data: fetch %s: %w", model.EntityName, err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("data: fetch %s: %w", model.EntityName, err)
		}
		return nil, errs.Newf(errs.CodeNotFound, "%s/%s not found", model.EntityName, id)
	}
	return scanRecord(model, rows)
}

// filterWrite strips system fields and fields the caller may not write.
// Stripping is silent; the write proceeds with what remains.
func (s *Service) filterWrite(ctx context.Context, model *contracts.CompiledModel, action contracts.PolicyAction, rc *reqctx.RequestContext, input, existing map[string]any) map[string]any {
	fs := s.policies.AllowedFields(ctx, model, action, model.EntityName, rc, existing)
	out := make(map[string]any, len(input))
	for name, v := range input {
		if strings.HasPrefix(name, "_") || isSystemField(name) {
			continue
		}
		if model.Field(name) == nil {
			continue
		}
		if !fs.Empty() && !fs.Allows(name) {
			continue
		}
		out[name] = v
	}
	return out
}

// filterRead strips fields the caller may not see. System fields always
// pass so callers keep ids, timestamps, and versions.
func (s *Service) filterRead(ctx context.Context, model *contracts.CompiledModel, rc *reqctx.RequestContext, record map[string]any) map[string]any {
	fs := s.policies.AllowedFields(ctx, model, contracts.ActionRead, model.EntityName, rc, record)
	if fs.Empty() || fs.All {
		return record
	}
	out := make(map[string]any, len(record))
	for name, v := range record {
		if isSystemField(name) || fs.Allows(name) {
			out[name] = v
		}
	}
	return out
}

// applyDefaults fills absent fields from their compiled defaults. A default
// of the form {"$sequence": name} draws the next per-tenant counter value.
func (s *Service) applyDefaults(ctx context.Context, tx *sql.Tx, model *contracts.CompiledModel, tenantID string, record map[string]any) error {
	for _, f := range model.Fields {
		if f.Default == nil || isSystemField(f.APIName) {
			continue
		}
		if _, present := record[f.APIName]; present {
			continue
		}
		if seq, ok := sequenceDefault(f.Default); ok {
			v, err := s.sequences.Next(ctx, tx, tenantID, seq)
			if err != nil {
				return err
			}
			record[f.APIName] = v
			continue
		}
		record[f.APIName] = f.Default
	}
	return nil
}

func sequenceDefault(d any) (string, bool) {
	m, ok := d.(map[string]any)
	if !ok {
		return "", false
	}
	name, ok := m["$sequence"].(string)
	return name, ok && name != ""
}

// stampCreate sets the system fields of a new record.
func (s *Service) stampCreate(model *contracts.CompiledModel, rc *reqctx.RequestContext, record map[string]any) {
	now := s.clock().UTC()
	record["id"] = uuid.New().String()
	record["tenant_id"] = rc.TenantID
	record["realm_id"] = rc.RealmID
	record["created_at"] = now
	record["created_by"] = rc.UserID
	record["updated_at"] = now
	record["updated_by"] = rc.UserID
	record["version"] = int64(1)
	if model.FeatureBool("effectiveDating") {
		if _, ok := record["effective_from"]; !ok {
			record["effective_from"] = now
		}
	}
}

func (s *Service) runValidation(ctx context.Context, model *contracts.CompiledModel, record map[string]any, trigger contracts.RuleTrigger, rc *reqctx.RequestContext, existing map[string]any) error {
	if s.validator == nil {
		return nil
	}
	result, err := s.validator.Validate(ctx, model, record, trigger, contracts.PhaseBeforePersist, rc, existing)
	if err != nil {
		return err
	}
	if !result.Valid {
		return errs.Newf(errs.CodeValidation, "validation failed for %s", model.EntityName).
			WithDetail("errors", result.Errors).
			WithDetail("warnings", result.Warnings)
	}
	return nil
}

func (s *Service) enqueue(ctx context.Context, tx *sql.Tx, tenantID, eventType string, payload map[string]any) error {
	if s.audit == nil {
		return nil
	}
	return s.audit.EnqueueTx(ctx, tx, tenantID, eventType, payload)
}

// requestedVersion reads the mandatory _version field of an update.
func requestedVersion(input map[string]any) (int64, error) {
	raw, ok := input["_version"]
	if !ok {
		return 0, errs.Newf(errs.CodeValidation, "_version is required for updates")
	}
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, errs.Newf(errs.CodeValidation, "_version must be an integer")
		}
		return n, nil
	default:
		return 0, errs.Newf(errs.CodeValidation, "_version must be an integer")
	}
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func changedFields(changes map[string]any) []string {
	out := make([]string, 0, len(changes))
	for k := range changes {
		if k == "updated_at" || k == "updated_by" {
			continue
		}
		out = append(out, k)
	}
	return out
}

var systemFieldNames = func() map[string]bool {
	m := make(map[string]bool, len(contracts.SystemFields))
	for _, f := range contracts.SystemFields {
		m[f.Name] = true
	}
	return m
}()

func isSystemField(name string) bool { return systemFieldNames[name] }
