// Package contracts holds the shared domain types exchanged between the
// schema compiler, the policy engine, and the workflow runtime. Types here
// are plain data; behavior lives in the owning packages.
package contracts

import "time"

// FieldType enumerates the supported field types.
type FieldType string

const (
	FieldString    FieldType = "string"
	FieldNumber    FieldType = "number"
	FieldBoolean   FieldType = "boolean"
	FieldDate      FieldType = "date"
	FieldDateTime  FieldType = "datetime"
	FieldReference FieldType = "reference"
	FieldEnum      FieldType = "enum"
	FieldJSON      FieldType = "json"
	FieldUUID      FieldType = "uuid"
)

// KnownFieldTypes is the closed set accepted by the compiler.
var KnownFieldTypes = map[FieldType]bool{
	FieldString: true, FieldNumber: true, FieldBoolean: true,
	FieldDate: true, FieldDateTime: true, FieldReference: true,
	FieldEnum: true, FieldJSON: true, FieldUUID: true,
}

// OnDelete is the referential action attached to a reference field.
type OnDelete string

const (
	OnDeleteCascade  OnDelete = "CASCADE"
	OnDeleteSetNull  OnDelete = "SET_NULL"
	OnDeleteRestrict OnDelete = "RESTRICT"
	OnDeleteNone     OnDelete = ""
)

// FieldDef is a declarative field definition in a schema version.
type FieldDef struct {
	Name        string    `json:"name"`
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
	// JSONSchema optionally constrains json-typed fields (draft 2020-12).
	JSONSchema map[string]any `json:"jsonSchema,omitempty"`
	Indexed    bool           `json:"indexed,omitempty"`
	Unique     bool           `json:"unique,omitempty"`
}

// PolicyEffect is allow or deny.
type PolicyEffect string

const (
	EffectAllow PolicyEffect = "allow"
	EffectDeny  PolicyEffect = "deny"
)

// PolicyAction is the operation a policy speaks to. "*" matches everything.
type PolicyAction string

const (
	ActionCreate PolicyAction = "create"
	ActionRead   PolicyAction = "read"
	ActionUpdate PolicyAction = "update"
	ActionDelete PolicyAction = "delete"
	ActionAny    PolicyAction = "*"
)

// KnownPolicyActions is the closed set accepted by the compiler.
var KnownPolicyActions = map[PolicyAction]bool{
	ActionCreate: true, ActionRead: true, ActionUpdate: true,
	ActionDelete: true, ActionAny: true,
}

// PolicyDef is a declarative policy in a schema version. Conditions are
// AND-joined; Fields limits the policy to a field subset ("*" = all).
type PolicyDef struct {
	Name       string       `json:"name"`
	Effect     PolicyEffect `json:"effect"`
	Action     PolicyAction `json:"action"`
	Resource   string       `json:"resource"`
	Conditions []Condition  `json:"conditions,omitempty"`
	Fields     []string     `json:"fields,omitempty"`
	Priority   int          `json:"priority,omitempty"`
}

// SchemaDefinition is one published, immutable version of an entity schema.
type SchemaDefinition struct {
	EntityName string         `json:"entityName"`
	Version    int            `json:"version"`
	Fields     []FieldDef     `json:"fields"`
	Policies   []PolicyDef    `json:"policies,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// SystemFields are required on every entity; compilation fails with ERROR
// diagnostics when any is missing or mistyped.
var SystemFields = []FieldDef{
	{Name: "id", Type: FieldUUID, Required: true},
	{Name: "tenant_id", Type: FieldUUID, Required: true},
	{Name: "realm_id", Type: FieldString, Required: true},
	{Name: "created_at", Type: FieldDateTime},
	{Name: "created_by", Type: FieldString},
	{Name: "updated_at", Type: FieldDateTime},
	{Name: "updated_by", Type: FieldString},
	{Name: "deleted_at", Type: FieldDateTime},
	{Name: "deleted_by", Type: FieldString},
	{Name: "version", Type: FieldNumber},
}

// SchemaStatus tracks an entity version through draft and publication.
type SchemaStatus string

const (
	SchemaDraft     SchemaStatus = "draft"
	SchemaPublished SchemaStatus = "published"
)

// PublishArtifact records a successful publication of (entity, version).
// Re-publishing the same pair is rejected.
type PublishArtifact struct {
	ID                 string    `json:"id"`
	EntityName         string    `json:"entityName"`
	Version            int       `json:"version"`
	CompiledHash       string    `json:"compiledHash"`
	DiagnosticsSummary string    `json:"diagnosticsSummary,omitempty"`
	AppliedOverlaySet  []string  `json:"appliedOverlaySet,omitempty"`
	PublishedAt        time.Time `json:"publishedAt"`
	PublishedBy        string    `json:"publishedBy"`
}
