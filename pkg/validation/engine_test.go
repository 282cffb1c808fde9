package validation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-hq/lattice/pkg/conditions"
	"github.com/lattice-hq/lattice/pkg/contracts"
	"github.com/lattice-hq/lattice/pkg/kvcache"
	"github.com/lattice-hq/lattice/pkg/reqctx"
)

type memLookup struct {
	existing map[string]bool // entity/id
	taken    map[string]bool // entity/field/value
	err      error
}

func (m *memLookup) Exists(_ context.Context, _, entityName, id string) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	return m.existing[entityName+"/"+id], nil
}

func (m *memLookup) IsUnique(_ context.Context, _, entityName, field string, value any, _ map[string]any, _ string) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	return !m.taken[entityName+"/"+field+"/"+value.(string)], nil
}

type memRules struct {
	rules []contracts.ValidationRule
	loads int
}

func (m *memRules) Load(context.Context, string, int) ([]contracts.ValidationRule, error) {
	m.loads++
	return m.rules, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, lookup Lookup, source RuleSource, l2 kvcache.KV) *Engine {
	t.Helper()
	eval, err := conditions.NewEvaluator()
	require.NoError(t, err)
	e, err := NewEngine(eval, lookup, source, l2, testLogger())
	require.NoError(t, err)
	return e
}

func testModel() *contracts.CompiledModel {
	min := 0.0
	maxLen := 10
	return &contracts.CompiledModel{
		EntityName: "invoice",
		Version:    1,
		Fields: []contracts.CompiledField{
			{APIName: "id", Type: contracts.FieldUUID},
			{APIName: "number", Type: contracts.FieldString, Required: true, MaxLength: &maxLen, Unique: true},
			{APIName: "amount", Type: contracts.FieldNumber, Min: &min},
			{APIName: "status", Type: contracts.FieldEnum, EnumValues: []string{"draft", "posted"}},
			{APIName: "customerId", Type: contracts.FieldReference, ReferenceTo: "customer"},
		},
	}
}

func rcTenant() *reqctx.RequestContext {
	return &reqctx.RequestContext{UserID: "u-1", TenantID: "t-1"}
}

func TestDeriveRulesSkipsSystemFields(t *testing.T) {
	model := &contracts.CompiledModel{
		EntityName: "x",
		Fields: []contracts.CompiledField{
			{APIName: "tenant_id", Type: contracts.FieldUUID, Required: true},
			{APIName: "version", Type: contracts.FieldNumber},
		},
	}
	assert.Empty(t, DeriveRules(model))
}

func TestValidateCreatePasses(t *testing.T) {
	lookup := &memLookup{existing: map[string]bool{"customer/c-1": true}}
	e := newTestEngine(t, lookup, nil, nil)

	result, err := e.Validate(context.Background(), testModel(), map[string]any{
		"number":     "INV-1",
		"amount":     10.0,
		"status":     "draft",
		"customerId": "c-1",
	}, contracts.TriggerCreate, contracts.PhaseBeforePersist, rcTenant(), nil)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Empty(t, result.Errors)
}

func TestValidateCollectsAllErrors(t *testing.T) {
	lookup := &memLookup{existing: map[string]bool{}}
	e := newTestEngine(t, lookup, nil, nil)

	result, err := e.Validate(context.Background(), testModel(), map[string]any{
		"amount":     -5.0,
		"status":     "archived",
		"customerId": "c-missing",
	}, contracts.TriggerCreate, contracts.PhaseBeforePersist, rcTenant(), nil)
	require.NoError(t, err)
	assert.False(t, result.Valid)

	fields := map[string]bool{}
	for _, f := range result.Errors {
		fields[f.FieldPath] = true
	}
	assert.True(t, fields["number"], "missing required")
	assert.True(t, fields["amount"], "below min")
	assert.True(t, fields["status"], "not in enum")
	assert.True(t, fields["customerId"], "missing reference")
}

func TestLookupFailureDegradesToWarning(t *testing.T) {
	lookup := &memLookup{err: errors.New("db down")}
	e := newTestEngine(t, lookup, nil, nil)

	result, err := e.Validate(context.Background(), testModel(), map[string]any{
		"number":     "INV-1",
		"customerId": "c-1",
	}, contracts.TriggerCreate, contracts.PhaseBeforePersist, rcTenant(), nil)
	require.NoError(t, err)
	assert.True(t, result.Valid, "infrastructure failure must not block the write")
	assert.NotEmpty(t, result.Warnings)
}

func TestUniqueExcludesSelfOnUpdate(t *testing.T) {
	calls := 0
	lookup := &checkedLookup{onUnique: func(excludeID string) {
		calls++
		assert.Equal(t, "inv-1", excludeID)
	}}
	e := newTestEngine(t, lookup, nil, nil)

	_, err := e.Validate(context.Background(), testModel(), map[string]any{
		"number": "INV-1",
	}, contracts.TriggerUpdate, contracts.PhaseBeforePersist, rcTenant(),
		map[string]any{"id": "inv-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

type checkedLookup struct {
	onUnique func(excludeID string)
}

func (c *checkedLookup) Exists(context.Context, string, string, string) (bool, error) {
	return true, nil
}

func (c *checkedLookup) IsUnique(_ context.Context, _, _, _ string, _ any, _ map[string]any, excludeID string) (bool, error) {
	if c.onUnique != nil {
		c.onUnique(excludeID)
	}
	return true, nil
}

func TestGraphCaching(t *testing.T) {
	source := &memRules{}
	l2 := kvcache.NewMemory()
	e := newTestEngine(t, nil, source, l2)
	model := testModel()

	g1, err := e.GraphFor(context.Background(), model)
	require.NoError(t, err)
	assert.NotEmpty(t, g1.GraphHash)
	assert.Equal(t, 1, source.loads)

	// L1 hit
	g2, err := e.GraphFor(context.Background(), model)
	require.NoError(t, err)
	assert.Same(t, g1, g2)
	assert.Equal(t, 1, source.loads)

	// cold L1, warm L2
	e2 := newTestEngine(t, nil, source, l2)
	g3, err := e2.GraphFor(context.Background(), model)
	require.NoError(t, err)
	assert.Equal(t, g1.GraphHash, g3.GraphHash)
	assert.Equal(t, 1, source.loads, "L2 hit must not reload custom rules")

	// invalidation forces a rebuild
	e2.Invalidate(context.Background(), model.EntityName, model.Version)
	_, err = e2.GraphFor(context.Background(), model)
	require.NoError(t, err)
	assert.Equal(t, 2, source.loads)
}

func TestCustomRulesAppendAfterDerived(t *testing.T) {
	source := &memRules{rules: []contracts.ValidationRule{{
		ID: "custom.number.regex", Kind: contracts.RuleRegex, FieldPath: "number",
		Severity: contracts.RuleError, Phase: contracts.PhaseBeforePersist,
		Params: map[string]any{"pattern": `^INV-\d+$`},
	}}}
	e := newTestEngine(t, nil, source, nil)

	graph, err := e.GraphFor(context.Background(), testModel())
	require.NoError(t, err)
	assert.Equal(t, "custom.number.regex", graph.Rules[len(graph.Rules)-1].ID)
}
