package data

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lattice-hq/lattice/pkg/contracts"
	"github.com/lattice-hq/lattice/pkg/errs"
	"github.com/lattice-hq/lattice/pkg/reqctx"
)

// maxCascadeDepth bounds the reference walk of a delete.
const maxCascadeDepth = 10

// deleteTarget is one record the cascade will soft-delete, root first.
type deleteTarget struct {
	model *contracts.CompiledModel
	id    string
}

// nullifyTarget clears a reference column on rows pointing at a deleted id.
type nullifyTarget struct {
	model  *contracts.CompiledModel
	column string
	refID  string
}

type cascadePlan struct {
	deletes []deleteTarget
	nullify []nullifyTarget
}

// inboundRef is a reference field of some entity pointing at a target
// entity, with its referential action.
type inboundRef struct {
	model *contracts.CompiledModel
	field *contracts.CompiledField
}

// planCascade walks inbound references of (entity, id) breadth-unbounded
// but depth-limited, producing the ordered delete and nullify lists. Any
// active RESTRICT referrer anywhere in the walk aborts the whole delete.
func (s *Service) planCascade(ctx context.Context, tenantID, entityName, id string) (*cascadePlan, error) {
	models, err := s.models.AllModels(ctx)
	if err != nil {
		return nil, err
	}

	inbound := make(map[string][]inboundRef)
	byName := make(map[string]*contracts.CompiledModel, len(models))
	for _, m := range models {
		byName[m.EntityName] = m
		for i := range m.Fields {
			f := &m.Fields[i]
			if f.Type != contracts.FieldReference || f.ReferenceTo == "" {
				continue
			}
			inbound[f.ReferenceTo] = append(inbound[f.ReferenceTo], inboundRef{model: m, field: f})
		}
	}

	root, ok := byName[entityName]
	if !ok {
		return nil, errs.Newf(errs.CodeNotFound, "unknown entity %q", entityName)
	}

	plan := &cascadePlan{}
	visited := make(map[string]bool)
	var violations []map[string]any

	var walk func(model *contracts.CompiledModel, recordID string, depth int) error
	walk = func(model *contracts.CompiledModel, recordID string, depth int) error {
		key := model.EntityName + "/" + recordID
		if visited[key] {
			return nil
		}
		visited[key] = true
		if depth > maxCascadeDepth {
			return errs.Newf(errs.CodeValidation,
				"delete cascade from %s/%s exceeds depth %d", entityName, id, maxCascadeDepth)
		}
		plan.deletes = append(plan.deletes, deleteTarget{model: model, id: recordID})

		for _, ref := range inbound[model.EntityName] {
			switch ref.field.OnDelete {
			case contracts.OnDeleteRestrict, contracts.OnDeleteNone:
				n, err := s.countReferrers(ctx, tenantID, ref, recordID)
				if err != nil {
					return err
				}
				if n > 0 {
					violations = append(violations, map[string]any{
						"entity": ref.model.EntityName,
						"field":  ref.field.APIName,
						"count":  n,
					})
				}
			case contracts.OnDeleteSetNull:
				plan.nullify = append(plan.nullify, nullifyTarget{
					model:  ref.model,
					column: ref.field.ColumnName,
					refID:  recordID,
				})
			case contracts.OnDeleteCascade:
				ids, err := s.referrerIDs(ctx, tenantID, ref, recordID)
				if err != nil {
					return err
				}
				for _, childID := range ids {
					if err := walk(ref.model, childID, depth+1); err != nil {
						return err
					}
				}
			}
		}
		return nil
	}

	if err := walk(root, id, 0); err != nil {
		return nil, err
	}
	if len(violations) > 0 {
		return nil, errs.Newf(errs.CodeRestrictViolation,
			"cannot delete %s/%s: restricted by active references", entityName, id).
			WithDetail("references", violations)
	}
	return plan, nil
}

// applyCascade executes a planned cascade inside the delete transaction.
func (s *Service) applyCascade(ctx context.Context, tx *sql.Tx, rc *reqctx.RequestContext, plan *cascadePlan, now time.Time) error {
	for _, t := range plan.deletes {
		stmt := fmt.Sprintf(
			"UPDATE %s SET deleted_at = $1, deleted_by = $2, version = version + 1 WHERE id = $3 AND tenant_id = $4 AND deleted_at IS NULL",
			t.model.TableName)
		if _, err := tx.ExecContext(ctx, stmt, now, rc.UserID, t.id, rc.TenantID); err != nil {
			return fmt.Errorf("data: cascade delete %s/%s: %w", t.model.EntityName, t.id, err)
		}
	}
	for _, t := range plan.nullify {
		stmt := fmt.Sprintf(
			"UPDATE %s SET %s = NULL, updated_at = $1, updated_by = $2 WHERE %s = $3 AND tenant_id = $4 AND deleted_at IS NULL",
			t.model.TableName, t.column, t.column)
		if _, err := tx.ExecContext(ctx, stmt, now, rc.UserID, t.refID, rc.TenantID); err != nil {
			return fmt.Errorf("data: cascade nullify %s.%s: %w", t.model.EntityName, t.column, err)
		}
	}
	return nil
}

func (s *Service) countReferrers(ctx context.Context, tenantID string, ref inboundRef, targetID string) (int, error) {
	stmt := fmt.Sprintf("SELECT count(*) FROM %s WHERE %s = $1 AND tenant_id = $2 AND deleted_at IS NULL",
		ref.model.TableName, ref.field.ColumnName)
	var n int
	if err := s.db.QueryRowContext(ctx, stmt, targetID, tenantID).Scan(&n); err != nil {
		return 0, fmt.Errorf("data: count referrers %s.%s: %w", ref.model.EntityName, ref.field.APIName, err)
	}
	return n, nil
}

func (s *Service) referrerIDs(ctx context.Context, tenantID string, ref inboundRef, targetID string) ([]string, error) {
	stmt := fmt.Sprintf("SELECT id FROM %s WHERE %s = $1 AND tenant_id = $2 AND deleted_at IS NULL",
		ref.model.TableName, ref.field.ColumnName)
	rows, err := s.db.QueryContext(ctx, stmt, targetID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("data: referrer ids %s.%s: %w", ref.model.EntityName, ref.field.APIName, err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
