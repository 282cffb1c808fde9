package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-hq/lattice/pkg/contracts"
)

func diagnosticCodes(diags contracts.Diagnostics) []string {
	var out []string
	for _, d := range diags {
		out = append(out, d.Code)
	}
	return out
}

func TestValidateSchemaClean(t *testing.T) {
	diags := validateSchema(orderSchema())
	assert.False(t, diags.HasErrors(), "diagnostics: %v", diags)
}

func TestValidateSchemaFieldErrors(t *testing.T) {
	min, max := 10, 5
	lo, hi := 100.0, 1.0
	def := orderSchema()
	def.Fields = append(def.Fields,
		contracts.FieldDef{Name: "9bad", Type: contracts.FieldString},
		contracts.FieldDef{Name: "shape", Type: contracts.FieldType("polygon")},
		contracts.FieldDef{Name: "ref", Type: contracts.FieldReference},
		contracts.FieldDef{Name: "choices", Type: contracts.FieldEnum},
		contracts.FieldDef{Name: "code", Type: contracts.FieldString, MinLength: &min, MaxLength: &max},
		contracts.FieldDef{Name: "amount", Type: contracts.FieldNumber, Min: &lo, Max: &hi},
		contracts.FieldDef{Name: "sku", Type: contracts.FieldString, Pattern: "("},
		contracts.FieldDef{Name: "sku", Type: contracts.FieldString},
	)

	codes := diagnosticCodes(validateSchema(def))
	for _, want := range []string{
		"BAD_FIELD_NAME", "UNKNOWN_TYPE", "MISSING_REFERENCE_TARGET", "EMPTY_ENUM",
		"BAD_LENGTH_BOUNDS", "BAD_RANGE_BOUNDS", "BAD_PATTERN", "DUPLICATE_FIELD",
	} {
		assert.Contains(t, codes, want)
	}
}

func TestValidateSchemaSystemFields(t *testing.T) {
	def := orderSchema()
	// drop tenant_id, mistype version
	var fields []contracts.FieldDef
	for _, f := range def.Fields {
		switch f.Name {
		case "tenant_id":
			continue
		case "version":
			f.Type = contracts.FieldString
		}
		fields = append(fields, f)
	}
	def.Fields = fields

	codes := diagnosticCodes(validateSchema(def))
	assert.Contains(t, codes, "MISSING_SYSTEM_FIELD")
	assert.Contains(t, codes, "MISTYPED_SYSTEM_FIELD")
}

func TestValidateSchemaPolicyErrors(t *testing.T) {
	def := orderSchema()
	def.Policies = append(def.Policies,
		contracts.PolicyDef{Effect: contracts.EffectAllow, Action: contracts.ActionRead, Resource: "salesOrder"},
		contracts.PolicyDef{Name: "bad-effect", Effect: contracts.PolicyEffect("maybe"), Action: contracts.ActionRead},
		contracts.PolicyDef{Name: "bad-action", Effect: contracts.EffectAllow, Action: contracts.PolicyAction("browse")},
		contracts.PolicyDef{Name: "ghost-field", Effect: contracts.EffectAllow, Action: contracts.ActionRead, Fields: []string{"notAField"}},
		contracts.PolicyDef{Name: "admin-all", Effect: contracts.EffectAllow, Action: contracts.ActionAny},
	)

	diags := validateSchema(def)
	codes := diagnosticCodes(diags)
	assert.Contains(t, codes, "UNNAMED_POLICY")
	assert.Contains(t, codes, "BAD_EFFECT")
	assert.Contains(t, codes, "BAD_ACTION")
	assert.Contains(t, codes, "UNKNOWN_POLICY_FIELD")

	// duplicate names warn, not error
	for _, d := range diags {
		if d.Code == "DUPLICATE_POLICY" {
			assert.Equal(t, contracts.SevWarn, d.Severity)
		}
	}
	assert.Contains(t, codes, "DUPLICATE_POLICY")
}

func TestDiagnosticsSummary(t *testing.T) {
	diags := contracts.Diagnostics{
		{Severity: contracts.SevError},
		{Severity: contracts.SevError},
		{Severity: contracts.SevWarn},
		{Severity: contracts.SevInfo},
	}
	assert.Equal(t, "2 error(s), 1 warning(s), 1 info(s)", diags.Summary())
	assert.True(t, diags.HasErrors())
	assert.False(t, contracts.Diagnostics{{Severity: contracts.SevWarn}}.HasErrors())
}

func TestApplyOverlaysAddField(t *testing.T) {
	base := orderSchema()
	overlays := []*contracts.Overlay{{
		ID: "ov-1",
		Changes: []contracts.OverlayChange{{
			ID: "c-1", Kind: contracts.ChangeAddField, TargetName: "priority",
			Payload: map[string]any{"type": "string"},
		}},
	}}

	modified, diags := applyOverlays(base, overlays)
	require.False(t, diags.HasErrors())
	assert.Equal(t, len(base.Fields)+1, len(modified.Fields))

	// base untouched
	for _, f := range base.Fields {
		assert.NotEqual(t, "priority", f.Name)
	}
}

func TestApplyOverlaysAddFieldConflictFail(t *testing.T) {
	base := orderSchema()
	overlays := []*contracts.Overlay{{
		ID: "ov-1",
		Changes: []contracts.OverlayChange{{
			ID: "c-1", Kind: contracts.ChangeAddField, TargetName: "orderNumber",
			Payload:      map[string]any{"type": "string"},
			ConflictMode: contracts.ConflictFail,
		}},
	}}

	_, diags := applyOverlays(base, overlays)
	require.True(t, diags.HasErrors())
	assert.Equal(t, "OVERLAY_CONFLICT", diags[0].Code)
}

func TestApplyOverlaysModifyFieldMerge(t *testing.T) {
	base := orderSchema()
	overlays := []*contracts.Overlay{{
		ID: "ov-1",
		Changes: []contracts.OverlayChange{{
			ID: "c-1", Kind: contracts.ChangeModifyField, TargetName: "totalAmount",
			Payload: map[string]any{"required": true},
		}},
	}}

	modified, diags := applyOverlays(base, overlays)
	require.False(t, diags.HasErrors())
	var found *contracts.FieldDef
	for i := range modified.Fields {
		if modified.Fields[i].Name == "totalAmount" {
			found = &modified.Fields[i]
		}
	}
	require.NotNil(t, found)
	assert.True(t, found.Required, "merge sets the payload key")
	assert.Equal(t, contracts.FieldNumber, found.Type, "merge leaves other keys alone")
}

func TestApplyOverlaysRemoveField(t *testing.T) {
	base := orderSchema()
	overlays := []*contracts.Overlay{{
		ID: "ov-1",
		Changes: []contracts.OverlayChange{{
			ID: "c-1", Kind: contracts.ChangeRemoveField, TargetName: "totalAmount",
		}},
	}}

	modified, diags := applyOverlays(base, overlays)
	require.False(t, diags.HasErrors())
	for _, f := range modified.Fields {
		assert.NotEqual(t, "totalAmount", f.Name)
	}

	// removing an absent field is a no-op unless fail mode
	overlays[0].Changes[0].TargetName = "neverExisted"
	_, diags = applyOverlays(base, overlays)
	assert.False(t, diags.HasErrors())

	overlays[0].Changes[0].ConflictMode = contracts.ConflictFail
	_, diags = applyOverlays(base, overlays)
	assert.True(t, diags.HasErrors())
}

func TestApplyOverlaysTweakPolicy(t *testing.T) {
	base := orderSchema()
	overlays := []*contracts.Overlay{{
		ID: "ov-1",
		Changes: []contracts.OverlayChange{{
			ID: "c-1", Kind: contracts.ChangeTweakPolicy, TargetName: "admin-all",
			Payload: map[string]any{"priority": 42},
		}},
	}}

	modified, diags := applyOverlays(base, overlays)
	require.False(t, diags.HasErrors())
	assert.Equal(t, 42, modified.Policies[0].Priority)
}

func TestApplyOverlaysUnknownKind(t *testing.T) {
	base := orderSchema()
	overlays := []*contracts.Overlay{{
		ID: "ov-1",
		Changes: []contracts.OverlayChange{{
			ID: "c-1", Kind: contracts.ChangeKind("rename_entity"), TargetName: "x",
		}},
	}}

	_, diags := applyOverlays(base, overlays)
	assert.True(t, diags.HasErrors())
}
