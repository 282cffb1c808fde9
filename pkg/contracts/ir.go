package contracts

import (
	"fmt"
	"time"
)

// Severity of a compiler diagnostic. ERROR blocks caching and publication.
type Severity string

const (
	SevError Severity = "ERROR"
	SevWarn  Severity = "WARN"
	SevInfo  Severity = "INFO"
)

// Diagnostic is one compiler finding.
type Diagnostic struct {
	Severity Severity `json:"severity"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Path     string   `json:"path,omitempty"`
}

// Diagnostics is an ordered diagnostic list.
type Diagnostics []Diagnostic

// HasErrors reports whether any diagnostic is ERROR severity.
func (d Diagnostics) HasErrors() bool {
	for _, diag := range d {
		if diag.Severity == SevError {
			return true
		}
	}
	return false
}

// Summary renders a compact "2 error(s), 1 warning(s)" style summary.
func (d Diagnostics) Summary() string {
	var e, w, i int
	for _, diag := range d {
		switch diag.Severity {
		case SevError:
			e++
		case SevWarn:
			w++
		default:
			i++
		}
	}
	return fmt.Sprintf("%d error(s), %d warning(s), %d info(s)", e, w, i)
}

// CompiledField is a field after compilation: naming resolved to columns,
// constraints normalized.
type CompiledField struct {
	APIName     string    `json:"apiName"`
	ColumnName  string    `json:"columnName"`
	SelectAs    string    `json:"selectAs"`
	Type        FieldType `json:"type"`
	Required    bool      `json:"required,omitempty"`
	ReferenceTo string    `json:"referenceTo,omitempty"`
	OnDelete    OnDelete  `json:"onDelete,omitempty"`
	EnumValues  []string  `json:"enumValues,omitempty"`
	MinLength   *int      `json:"minLength,omitempty"`
	MaxLength   *int      `json:"maxLength,omitempty"`
	Min         *float64  `json:"min,omitempty"`
	Max         *float64  `json:"max,omitempty"`
	Pattern     string    `json:"pattern,omitempty"`
	Default     any       `json:"default,omitempty"`
	JSONSchema  map[string]any `json:"jsonSchema,omitempty"`
	Indexed     bool      `json:"indexed,omitempty"`
	Unique      bool      `json:"unique,omitempty"`
}

// CompiledPolicy is a policy after compilation; the predicate itself is
// rebuilt from Conditions by the policy engine, keeping the IR serializable.
type CompiledPolicy struct {
	Name       string       `json:"name"`
	Effect     PolicyEffect `json:"effect"`
	Action     PolicyAction `json:"action"`
	Resource   string       `json:"resource"`
	Conditions []Condition  `json:"conditions,omitempty"`
	Fields     []string     `json:"fields,omitempty"`
	Priority   int          `json:"priority"`
}

// IndexSpec names a single-column index emitted for the DDL emitter.
type IndexSpec struct {
	Column string `json:"column"`
	Unique bool   `json:"unique,omitempty"`
}

// CompiledModel is the immutable IR produced by the compiler. It is
// content-addressed: InputHash identifies the canonical compilation input,
// OutputHash the canonical IR itself (hash fields excluded).
type CompiledModel struct {
	EntityName   string           `json:"entityName"`
	Version      int              `json:"version"`
	TableName    string           `json:"tableName"`
	Fields       []CompiledField  `json:"fields"`
	Policies     []CompiledPolicy `json:"policies,omitempty"`
	SelectClause string           `json:"selectClause"`
	FromClause   string           `json:"fromClause"`
	TenantFilter string           `json:"tenantFilter"`
	Indexes      []IndexSpec      `json:"indexes,omitempty"`
	Metadata     map[string]any   `json:"metadata,omitempty"`
	OverlaySet   OverlaySet       `json:"overlaySet,omitempty"`
	CompiledAt   time.Time        `json:"compiledAt"`
	CompiledBy   string           `json:"compiledBy"`
	InputHash    string           `json:"inputHash"`
	OutputHash   string           `json:"outputHash"`
	Diagnostics  Diagnostics      `json:"diagnostics,omitempty"`
}

// Field looks up a compiled field by API name, nil when absent.
func (m *CompiledModel) Field(apiName string) *CompiledField {
	for i := range m.Fields {
		if m.Fields[i].APIName == apiName {
			return &m.Fields[i]
		}
	}
	return nil
}

// FeatureBool reads a boolean feature flag from IR metadata.
func (m *CompiledModel) FeatureBool(key string) bool {
	if m.Metadata == nil {
		return false
	}
	v, ok := m.Metadata[key].(bool)
	return ok && v
}

// CompilationResult is returned when compilation fails validation; the
// caller must never persist anything from a failed result.
type CompilationResult struct {
	Success     bool           `json:"success"`
	Model       *CompiledModel `json:"model,omitempty"`
	Diagnostics Diagnostics    `json:"diagnostics"`
}
