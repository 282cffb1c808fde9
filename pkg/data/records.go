package data

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lattice-hq/lattice/pkg/contracts"
)

// encodeInsert renders an INSERT with database-ready argument values.
func encodeInsert(model *contracts.CompiledModel, record map[string]any) (string, []any, error) {
	values, err := encodeValues(model, record)
	if err != nil {
		return "", nil, err
	}
	stmt, args := insertStatement(model, values)
	return stmt, args, nil
}

// encodeUpdate renders the optimistic-locked UPDATE with database-ready
// argument values.
func encodeUpdate(model *contracts.CompiledModel, changes map[string]any, id, tenantID string, version int64) (string, []any, error) {
	values, err := encodeValues(model, changes)
	if err != nil {
		return "", nil, err
	}
	stmt, args := updateStatement(model, values, id, tenantID, version)
	return stmt, args, nil
}

// encodeValues converts field values to their driver representation:
// json fields marshal to JSONB text, everything else passes through.
func encodeValues(model *contracts.CompiledModel, record map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(record))
	for name, v := range record {
		f := model.Field(name)
		if f == nil {
			continue
		}
		if f.Type == contracts.FieldJSON && v != nil {
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("data: marshal %s.%s: %w", model.EntityName, name, err)
			}
			out[name] = raw
			continue
		}
		out[name] = v
	}
	return out, nil
}

// scanRecord reads the current row into an API-shaped map. Columns are
// mapped back to API names through the IR; json columns are decoded.
func scanRecord(model *contracts.CompiledModel, rows *sql.Rows) (map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("data: scan %s: %w", model.EntityName, err)
	}
	raw := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("data: scan %s: %w", model.EntityName, err)
	}

	byColumn := make(map[string]*contracts.CompiledField, len(model.Fields))
	for i := range model.Fields {
		f := &model.Fields[i]
		byColumn[f.ColumnName] = f
		if f.SelectAs != "" {
			byColumn[f.SelectAs] = f
		}
	}

	record := make(map[string]any, len(cols))
	for i, col := range cols {
		f := byColumn[col]
		name := col
		if f != nil {
			name = f.APIName
		}
		record[name] = decodeValue(f, raw[i])
	}
	return record, nil
}

func decodeValue(f *contracts.CompiledField, v any) any {
	if v == nil {
		return nil
	}
	switch val := v.(type) {
	case []byte:
		if f != nil && f.Type == contracts.FieldJSON {
			var decoded any
			if err := json.Unmarshal(val, &decoded); err == nil {
				return decoded
			}
		}
		return string(val)
	case time.Time:
		return val.UTC()
	default:
		return v
	}
}
