package compiler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-hq/lattice/pkg/contracts"
	"github.com/lattice-hq/lattice/pkg/reqctx"
)

type memSchemas struct {
	defs map[string]*contracts.SchemaDefinition
}

func (m *memSchemas) Get(_ context.Context, entityName string, version int) (*contracts.SchemaDefinition, error) {
	return m.defs[entityName], nil
}

type memOverlays struct {
	overlays []*contracts.Overlay
}

func (m *memOverlays) GetPublishedSet(_ context.Context, set contracts.OverlaySet) ([]*contracts.Overlay, error) {
	return m.overlays, nil
}

type memCache struct {
	models map[string]*contracts.CompiledModel
	puts   int
}

func (c *memCache) key(entity string, version int, overlayHash string) string {
	return fmt.Sprintf("%s:%d:%s", entity, version, overlayHash)
}

func (c *memCache) Get(_ context.Context, entityName string, version int, overlayHash string) (*contracts.CompiledModel, bool) {
	m, ok := c.models[c.key(entityName, version, overlayHash)]
	return m, ok
}

func (c *memCache) Put(_ context.Context, model *contracts.CompiledModel, overlayHash string) error {
	if c.models == nil {
		c.models = make(map[string]*contracts.CompiledModel)
	}
	c.models[c.key(model.EntityName, model.Version, overlayHash)] = model
	c.puts++
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// orderSchema returns a valid entity definition carrying the mandatory
// system fields plus a couple of business fields.
func orderSchema() *contracts.SchemaDefinition {
	fields := append([]contracts.FieldDef{}, contracts.SystemFields...)
	maxLen := 64
	fields = append(fields,
		contracts.FieldDef{Name: "orderNumber", Type: contracts.FieldString, Required: true, MaxLength: &maxLen, Unique: true},
		contracts.FieldDef{Name: "totalAmount", Type: contracts.FieldNumber},
		contracts.FieldDef{Name: "customerId", Type: contracts.FieldReference, ReferenceTo: "customer", OnDelete: contracts.OnDeleteRestrict, Indexed: true},
	)
	return &contracts.SchemaDefinition{
		EntityName: "salesOrder",
		Version:    1,
		Fields:     fields,
		Policies: []contracts.PolicyDef{
			{Name: "admin-all", Effect: contracts.EffectAllow, Action: contracts.ActionAny, Resource: "salesOrder"},
		},
	}
}

func newTestService(def *contracts.SchemaDefinition, overlays []*contracts.Overlay, cache Cache) *Service {
	return New(
		&memSchemas{defs: map[string]*contracts.SchemaDefinition{def.EntityName: def}},
		&memOverlays{overlays: overlays},
		cache,
		testLogger(),
	).WithClock(func() time.Time { return time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC) })
}

func TestCompileSuccess(t *testing.T) {
	svc := newTestService(orderSchema(), nil, nil)
	rc := &reqctx.RequestContext{UserID: "u-1", TenantID: "t-1"}

	result, err := svc.Compile(context.Background(), rc, "salesOrder", 1, nil)
	require.NoError(t, err)
	require.True(t, result.Success)
	model := result.Model

	assert.Equal(t, "ent_sales_order", model.TableName)
	assert.Equal(t, model.TableName, model.FromClause)
	assert.Equal(t, "tenant_id = $1", model.TenantFilter)
	assert.Equal(t, "u-1", model.CompiledBy)
	assert.NotEmpty(t, model.InputHash)
	assert.NotEmpty(t, model.OutputHash)

	f := model.Field("orderNumber")
	require.NotNil(t, f)
	assert.Equal(t, "order_number", f.ColumnName)
	assert.Equal(t, "order_number as orderNumber", f.SelectAs)
	assert.Contains(t, model.SelectClause, "order_number as orderNumber")

	// indexed and unique fields emit index specs
	var cols []string
	for _, idx := range model.Indexes {
		cols = append(cols, idx.Column)
	}
	assert.Contains(t, cols, "order_number")
	assert.Contains(t, cols, "customer_id")
}

func TestCompileDeterministicHashes(t *testing.T) {
	svc := newTestService(orderSchema(), nil, nil)
	rc := &reqctx.RequestContext{UserID: "u-1"}

	first, err := svc.Compile(context.Background(), rc, "salesOrder", 1, nil)
	require.NoError(t, err)
	second, err := svc.Compile(context.Background(), rc, "salesOrder", 1, nil)
	require.NoError(t, err)

	assert.Equal(t, first.Model.InputHash, second.Model.InputHash)
	assert.Equal(t, first.Model.OutputHash, second.Model.OutputHash)
}

func TestCompileValidationFailure(t *testing.T) {
	def := orderSchema()
	def.Fields = append(def.Fields, contracts.FieldDef{Name: "shape", Type: contracts.FieldType("polygon")})
	svc := newTestService(def, nil, &memCache{})

	result, err := svc.Compile(context.Background(), nil, "salesOrder", 1, nil)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Nil(t, result.Model)
	assert.True(t, result.Diagnostics.HasErrors())
}

func TestCompileCachedUsesCache(t *testing.T) {
	cache := &memCache{}
	svc := newTestService(orderSchema(), nil, cache)
	rc := &reqctx.RequestContext{UserID: "u-1"}

	first, err := svc.CompileCached(context.Background(), rc, "salesOrder", 1, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, cache.puts)

	second, err := svc.CompileCached(context.Background(), rc, "salesOrder", 1, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, cache.puts, "second compile must come from the cache")
	assert.Same(t, first, second)
}

func TestCompileFailedResultNeverCached(t *testing.T) {
	def := orderSchema()
	def.Fields = def.Fields[:2] // drop most system fields
	cache := &memCache{}
	svc := newTestService(def, nil, cache)

	result, err := svc.Compile(context.Background(), nil, "salesOrder", 1, nil)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Zero(t, cache.puts)
}

func TestCompileWithOverlay(t *testing.T) {
	overlay := &contracts.Overlay{
		ID:     "ov-1",
		Status: contracts.OverlayPublished,
		Changes: []contracts.OverlayChange{{
			ID:         "c-1",
			Kind:       contracts.ChangeAddField,
			TargetName: "priority",
			Payload:    map[string]any{"type": "enum", "enumValues": []any{"low", "high"}},
		}},
	}
	svc := newTestService(orderSchema(), []*contracts.Overlay{overlay}, nil)

	result, err := svc.Compile(context.Background(), nil, "salesOrder", 1, contracts.OverlaySet{"ov-1"})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.NotNil(t, result.Model.Field("priority"))
	assert.Equal(t, contracts.OverlaySet{"ov-1"}, result.Model.OverlaySet)
}

func TestOverlaySetChangesInputHash(t *testing.T) {
	overlay := &contracts.Overlay{
		ID:     "ov-1",
		Status: contracts.OverlayPublished,
		Changes: []contracts.OverlayChange{{
			ID: "c-1", Kind: contracts.ChangeAddField, TargetName: "priority",
			Payload: map[string]any{"type": "string"},
		}},
	}
	svc := newTestService(orderSchema(), []*contracts.Overlay{overlay}, nil)

	plain, err := svc.Compile(context.Background(), nil, "salesOrder", 1, nil)
	require.NoError(t, err)
	overlaid, err := svc.Compile(context.Background(), nil, "salesOrder", 1, contracts.OverlaySet{"ov-1"})
	require.NoError(t, err)

	assert.NotEqual(t, plain.Model.InputHash, overlaid.Model.InputHash)
	assert.NotEqual(t, plain.Model.OutputHash, overlaid.Model.OutputHash)
}

func TestOverlaySetHash(t *testing.T) {
	assert.Equal(t, "none", OverlaySetHash(nil))
	assert.Equal(t, "none", OverlaySetHash(contracts.OverlaySet{}))

	h1 := OverlaySetHash(contracts.OverlaySet{"a", "b"})
	h2 := OverlaySetHash(contracts.OverlaySet{"b", "a"})
	assert.NotEqual(t, h1, h2, "overlay order is significant")
	assert.Equal(t, h1, OverlaySetHash(contracts.OverlaySet{"a", "b"}))
}

func TestSnakeCase(t *testing.T) {
	cases := map[string]string{
		"orderNumber":   "order_number",
		"TotalAmount":   "total_amount",
		"already_snake": "already_snake",
		"id":            "id",
		"customerID":    "customer_id",
		"a":             "a",
	}
	for in, want := range cases {
		assert.Equal(t, want, SnakeCase(in), in)
	}
}

func TestTableName(t *testing.T) {
	assert.Equal(t, "ent_sales_order", TableName("salesOrder"))
	assert.Equal(t, "ent_customer", TableName("customer"))
}
