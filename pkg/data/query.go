package data

import (
	"time"

	"github.com/lattice-hq/lattice/pkg/contracts"
	"github.com/lattice-hq/lattice/pkg/errs"
)

// Query limits. Requests beyond them are rejected, not clamped.
const (
	MaxFilters    = 20
	MaxPageSize   = 200
	MaxSortFields = 5

	DefaultPageSize = 50
)

// Filter is one query predicate over a field.
type Filter struct {
	Field string             `json:"field"`
	Op    contracts.Operator `json:"op"`
	Value any                `json:"value,omitempty"`
}

// SortField orders results by one field.
type SortField struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc,omitempty"`
}

// Query is a validated read request.
type Query struct {
	Filters        []Filter    `json:"filters,omitempty"`
	Sort           []SortField `json:"sort,omitempty"`
	Page           int         `json:"page,omitempty"`
	PageSize       int         `json:"pageSize,omitempty"`
	IncludeDeleted bool        `json:"includeDeleted,omitempty"`
	AsOf           *time.Time  `json:"asOf,omitempty"`
}

// operatorsByType is the per-field-type operator allowlist.
var operatorsByType = map[contracts.FieldType][]contracts.Operator{
	contracts.FieldString: {contracts.OpEq, contracts.OpNe, contracts.OpIn, contracts.OpNotIn,
		contracts.OpContains, contracts.OpStartsWith, contracts.OpEndsWith},
	contracts.FieldNumber: {contracts.OpEq, contracts.OpNe, contracts.OpIn, contracts.OpNotIn,
		contracts.OpGt, contracts.OpGte, contracts.OpLt, contracts.OpLte, contracts.OpBetween},
	contracts.FieldBoolean: {contracts.OpEq, contracts.OpNe},
	contracts.FieldDate: {contracts.OpEq, contracts.OpNe,
		contracts.OpGt, contracts.OpGte, contracts.OpLt, contracts.OpLte, contracts.OpBetween},
	contracts.FieldDateTime: {contracts.OpEq, contracts.OpNe,
		contracts.OpGt, contracts.OpGte, contracts.OpLt, contracts.OpLte, contracts.OpBetween},
	contracts.FieldReference: {contracts.OpEq, contracts.OpNe, contracts.OpIn, contracts.OpNotIn},
	contracts.FieldEnum:      {contracts.OpEq, contracts.OpNe, contracts.OpIn, contracts.OpNotIn},
	contracts.FieldUUID:      {contracts.OpEq, contracts.OpNe, contracts.OpIn, contracts.OpNotIn},
	contracts.FieldJSON:      {contracts.OpIsNull},
}

// ValidateQuery checks limits, field existence, operator allowance per
// field type, and value shape. Field and column names are taken from the
// IR alone; nothing from the query reaches SQL as an identifier.
func ValidateQuery(model *contracts.CompiledModel, q *Query) error {
	if len(q.Filters) > MaxFilters {
		return errs.Newf(errs.CodeValidation, "too many filters: %d > %d", len(q.Filters), MaxFilters)
	}
	if len(q.Sort) > MaxSortFields {
		return errs.Newf(errs.CodeValidation, "too many sort fields: %d > %d", len(q.Sort), MaxSortFields)
	}
	if q.PageSize > MaxPageSize {
		return errs.Newf(errs.CodeValidation, "page size %d exceeds %d", q.PageSize, MaxPageSize)
	}
	if q.PageSize <= 0 {
		q.PageSize = DefaultPageSize
	}
	if q.Page < 0 {
		q.Page = 0
	}

	for i := range q.Filters {
		f := &q.Filters[i]
		field := model.Field(f.Field)
		if field == nil {
			return errs.Newf(errs.CodeValidation, "unknown filter field %q", f.Field)
		}
		if !operatorAllowed(field.Type, f.Op) {
			return errs.Newf(errs.CodeValidation,
				"operator %s not allowed on %s field %q", f.Op, field.Type, f.Field)
		}
		if err := checkValueShape(field, f); err != nil {
			return err
		}
	}
	for _, sf := range q.Sort {
		if model.Field(sf.Field) == nil {
			return errs.Newf(errs.CodeValidation, "unknown sort field %q", sf.Field)
		}
	}
	return nil
}

func operatorAllowed(t contracts.FieldType, op contracts.Operator) bool {
	for _, allowed := range operatorsByType[t] {
		if allowed == op {
			return true
		}
	}
	return false
}

func checkValueShape(field *contracts.CompiledField, f *Filter) error {
	switch f.Op {
	case contracts.OpIsNull:
		return nil
	case contracts.OpIn, contracts.OpNotIn:
		if _, ok := f.Value.([]any); !ok {
			if _, ok := f.Value.([]string); !ok {
				return errs.Newf(errs.CodeValidation, "%s on %q needs a list value", f.Op, f.Field)
			}
		}
		return nil
	case contracts.OpBetween:
		list, ok := f.Value.([]any)
		if !ok || len(list) != 2 {
			return errs.Newf(errs.CodeValidation, "between on %q needs [lo, hi]", f.Field)
		}
		return nil
	}

	switch field.Type {
	case contracts.FieldNumber:
		switch f.Value.(type) {
		case int, int32, int64, float32, float64:
		default:
			return errs.Newf(errs.CodeValidation, "filter on number field %q needs a numeric value", f.Field)
		}
	case contracts.FieldBoolean:
		if _, ok := f.Value.(bool); !ok {
			return errs.Newf(errs.CodeValidation, "filter on boolean field %q needs a boolean value", f.Field)
		}
	case contracts.FieldString, contracts.FieldEnum, contracts.FieldUUID,
		contracts.FieldReference, contracts.FieldDate, contracts.FieldDateTime:
		if _, ok := f.Value.(string); !ok {
			if _, ok := f.Value.(time.Time); !ok {
				return errs.Newf(errs.CodeValidation, "filter on %s field %q needs a string value", field.Type, f.Field)
			}
		}
	}
	return nil
}
