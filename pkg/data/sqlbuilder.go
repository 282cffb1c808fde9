package data

import (
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/lattice-hq/lattice/pkg/contracts"
)

// selectQuery renders a full SELECT for a validated query. Every
// identifier comes from the compiled model; caller input only ever lands
// in the args slice.
func selectQuery(model *contracts.CompiledModel, q *Query, tenantID string) (string, []any) {
	var sb strings.Builder
	args := []any{tenantID}

	sb.WriteString("SELECT ")
	sb.WriteString(model.SelectClause)
	sb.WriteString(" FROM ")
	sb.WriteString(model.TableName)
	sb.WriteString(" WHERE tenant_id = $1")

	appendFilters(&sb, &args, model, q)

	if len(q.Sort) > 0 {
		sb.WriteString(" ORDER BY ")
		for i, sf := range q.Sort {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(model.Field(sf.Field).ColumnName)
			if sf.Desc {
				sb.WriteString(" DESC")
			}
		}
	} else {
		sb.WriteString(" ORDER BY created_at DESC")
	}

	args = append(args, q.PageSize, q.Page*q.PageSize)
	fmt.Fprintf(&sb, " LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	return sb.String(), args
}

// countQuery renders the total-count companion of selectQuery.
func countQuery(model *contracts.CompiledModel, q *Query, tenantID string) (string, []any) {
	var sb strings.Builder
	args := []any{tenantID}

	sb.WriteString("SELECT count(*) FROM ")
	sb.WriteString(model.TableName)
	sb.WriteString(" WHERE tenant_id = $1")
	appendFilters(&sb, &args, model, q)
	return sb.String(), args
}

func appendFilters(sb *strings.Builder, args *[]any, model *contracts.CompiledModel, q *Query) {
	if !q.IncludeDeleted {
		sb.WriteString(" AND deleted_at IS NULL")
	}
	if model.FeatureBool("effectiveDating") {
		asOf := time.Now().UTC()
		if q.AsOf != nil {
			asOf = *q.AsOf
		}
		*args = append(*args, asOf)
		n := len(*args)
		fmt.Fprintf(sb, " AND effective_from <= $%d AND (effective_to IS NULL OR effective_to > $%d)", n, n)
	}
	for _, f := range q.Filters {
		col := model.Field(f.Field).ColumnName
		switch f.Op {
		case contracts.OpIsNull:
			fmt.Fprintf(sb, " AND %s IS NULL", col)
		case contracts.OpIn, contracts.OpNotIn:
			*args = append(*args, pq.Array(toStringSlice(f.Value)))
			not := ""
			if f.Op == contracts.OpNotIn {
				not = "NOT "
			}
			fmt.Fprintf(sb, " AND %s%s = ANY($%d)", not, col, len(*args))
		case contracts.OpBetween:
			bounds := f.Value.([]any)
			*args = append(*args, bounds[0], bounds[1])
			fmt.Fprintf(sb, " AND %s BETWEEN $%d AND $%d", col, len(*args)-1, len(*args))
		case contracts.OpContains:
			*args = append(*args, "%"+fmt.Sprint(f.Value)+"%")
			fmt.Fprintf(sb, " AND %s ILIKE $%d", col, len(*args))
		case contracts.OpStartsWith:
			*args = append(*args, fmt.Sprint(f.Value)+"%")
			fmt.Fprintf(sb, " AND %s ILIKE $%d", col, len(*args))
		case contracts.OpEndsWith:
			*args = append(*args, "%"+fmt.Sprint(f.Value))
			fmt.Fprintf(sb, " AND %s ILIKE $%d", col, len(*args))
		default:
			*args = append(*args, f.Value)
			fmt.Fprintf(sb, " AND %s %s $%d", col, sqlOp(f.Op), len(*args))
		}
	}
}

func sqlOp(op contracts.Operator) string {
	switch op {
	case contracts.OpEq:
		return "="
	case contracts.OpNe:
		return "<>"
	case contracts.OpGt:
		return ">"
	case contracts.OpGte:
		return ">="
	case contracts.OpLt:
		return "<"
	default:
		return "<="
	}
}

func toStringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			out = append(out, fmt.Sprint(e))
		}
		return out
	default:
		return []string{fmt.Sprint(v)}
	}
}

// insertStatement renders an INSERT over the model's columns present in
// values, in field declaration order.
func insertStatement(model *contracts.CompiledModel, values map[string]any) (string, []any) {
	var cols []string
	var args []any
	for _, f := range model.Fields {
		v, ok := values[f.APIName]
		if !ok {
			continue
		}
		cols = append(cols, f.ColumnName)
		args = append(args, v)
	}
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		model.TableName, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	return stmt, args
}

// updateStatement renders an optimistic-locked UPDATE of the given fields.
// The WHERE arm pins (id, tenant, version, not deleted).
func updateStatement(model *contracts.CompiledModel, values map[string]any, id, tenantID string, version int64) (string, []any) {
	var sets []string
	var args []any
	for _, f := range model.Fields {
		v, ok := values[f.APIName]
		if !ok {
			continue
		}
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", f.ColumnName, len(args)))
	}
	sets = append(sets, "version = version + 1")
	args = append(args, id, tenantID, version)
	stmt := fmt.Sprintf(
		"UPDATE %s SET %s WHERE id = $%d AND tenant_id = $%d AND version = $%d AND deleted_at IS NULL",
		model.TableName, strings.Join(sets, ", "), len(args)-2, len(args)-1, len(args))
	return stmt, args
}
