package policy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-hq/lattice/pkg/canonical"
	"github.com/lattice-hq/lattice/pkg/conditions"
	"github.com/lattice-hq/lattice/pkg/contracts"
	"github.com/lattice-hq/lattice/pkg/errs"
	"github.com/lattice-hq/lattice/pkg/reqctx"
)

type memLog struct {
	entries []*LogEntry
}

func (m *memLog) Append(_ context.Context, entry *LogEntry) error {
	m.entries = append(m.entries, entry)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, log DecisionLog) *Engine {
	t.Helper()
	eval, err := conditions.NewEvaluator()
	require.NoError(t, err)
	return NewEngine(eval, log, testLogger())
}

// modelWith hashes the policy set into OutputHash so that models with
// different policies never collide in the engine's rule-set cache.
func modelWith(policies ...contracts.CompiledPolicy) *contracts.CompiledModel {
	return &contracts.CompiledModel{
		EntityName: "order",
		Version:    1,
		Policies:   policies,
		OutputHash: canonical.HashBytes([]byte(fmt.Sprintf("%+v", policies))),
	}
}

func adminAllow(action contracts.PolicyAction) contracts.CompiledPolicy {
	return contracts.CompiledPolicy{
		Name:     "admin-" + string(action),
		Effect:   contracts.EffectAllow,
		Action:   action,
		Resource: "order",
		Conditions: []contracts.Condition{
			{Field: "ctx.roles", Op: contracts.OpIn, Value: []any{"admin"}},
		},
	}
}

func TestAuthorizeDefaultDeny(t *testing.T) {
	e := newTestEngine(t, nil)
	rc := &reqctx.RequestContext{UserID: "u-1", Roles: []string{"viewer"}}

	d := e.Authorize(context.Background(), modelWith(), contracts.ActionRead, "order", rc, nil)
	assert.False(t, d.Allowed())
	assert.Equal(t, "no matching allow", d.Reason)
}

func TestAuthorizeAllowByRole(t *testing.T) {
	e := newTestEngine(t, nil)
	model := modelWith(adminAllow(contracts.ActionRead))

	admin := &reqctx.RequestContext{UserID: "u-1", Roles: []string{"admin"}}
	d := e.Authorize(context.Background(), model, contracts.ActionRead, "order", admin, nil)
	assert.True(t, d.Allowed())
	assert.Equal(t, "admin-read", d.MatchedRule)

	viewer := &reqctx.RequestContext{UserID: "u-2", Roles: []string{"viewer"}}
	d = e.Authorize(context.Background(), model, contracts.ActionRead, "order", viewer, nil)
	assert.False(t, d.Allowed())
}

func TestDenyWinsOverAllow(t *testing.T) {
	e := newTestEngine(t, nil)
	model := modelWith(
		adminAllow(contracts.ActionUpdate),
		contracts.CompiledPolicy{
			Name:     "freeze-posted",
			Effect:   contracts.EffectDeny,
			Action:   contracts.ActionUpdate,
			Resource: "order",
			Priority: -1, // deny wins even at lower priority
			Conditions: []contracts.Condition{
				{Field: "record.status", Op: contracts.OpEq, Value: "posted"},
			},
		},
	)
	rc := &reqctx.RequestContext{UserID: "u-1", Roles: []string{"admin"}}

	d := e.Authorize(context.Background(), model, contracts.ActionUpdate, "order", rc,
		map[string]any{"status": "posted"})
	assert.False(t, d.Allowed())
	assert.Equal(t, "freeze-posted", d.MatchedRule)

	d = e.Authorize(context.Background(), model, contracts.ActionUpdate, "order", rc,
		map[string]any{"status": "draft"})
	assert.True(t, d.Allowed())
}

func TestEvaluationErrorDenies(t *testing.T) {
	e := newTestEngine(t, nil)
	model := modelWith(contracts.CompiledPolicy{
		Name:     "broken",
		Effect:   contracts.EffectAllow,
		Action:   contracts.ActionRead,
		Resource: "order",
		Conditions: []contracts.Condition{
			{Field: "record.amount", Op: contracts.OpGt, Value: "not-a-number"},
		},
	})
	rc := &reqctx.RequestContext{UserID: "u-1"}

	d := e.Authorize(context.Background(), model, contracts.ActionRead, "order", rc,
		map[string]any{"amount": 5})
	assert.False(t, d.Allowed())
	assert.Contains(t, d.Reason, "evaluation failed")
}

func TestActionWildcard(t *testing.T) {
	e := newTestEngine(t, nil)
	model := modelWith(contracts.CompiledPolicy{
		Name:     "owner-any",
		Effect:   contracts.EffectAllow,
		Action:   contracts.ActionAny,
		Resource: "order",
	})
	rc := &reqctx.RequestContext{UserID: "u-1"}

	for _, action := range []contracts.PolicyAction{
		contracts.ActionCreate, contracts.ActionRead, contracts.ActionUpdate, contracts.ActionDelete,
	} {
		d := e.Authorize(context.Background(), model, action, "order", rc, nil)
		assert.True(t, d.Allowed(), string(action))
	}
}

func TestEnforce(t *testing.T) {
	e := newTestEngine(t, nil)
	rc := &reqctx.RequestContext{UserID: "u-1"}

	err := e.Enforce(context.Background(), modelWith(), contracts.ActionDelete, "order", rc, nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CodeUnauthorized))

	err = e.Enforce(context.Background(), modelWith(contracts.CompiledPolicy{
		Name: "open", Effect: contracts.EffectAllow, Action: contracts.ActionAny, Resource: "order",
	}), contracts.ActionDelete, "order", rc, nil)
	assert.NoError(t, err)
}

func TestAllowedFields(t *testing.T) {
	e := newTestEngine(t, nil)
	rc := &reqctx.RequestContext{UserID: "u-1", Roles: []string{"clerk", "auditor"}}
	model := modelWith(
		contracts.CompiledPolicy{
			Name: "clerk-subset", Effect: contracts.EffectAllow,
			Action: contracts.ActionRead, Resource: "order",
			Fields: []string{"status", "total"},
			Conditions: []contracts.Condition{
				{Field: "ctx.roles", Op: contracts.OpIn, Value: []any{"clerk"}},
			},
		},
		contracts.CompiledPolicy{
			Name: "auditor-extra", Effect: contracts.EffectAllow,
			Action: contracts.ActionRead, Resource: "order",
			Fields: []string{"auditTrail"},
			Conditions: []contracts.Condition{
				{Field: "ctx.roles", Op: contracts.OpIn, Value: []any{"auditor"}},
			},
		},
	)

	fs := e.AllowedFields(context.Background(), model, contracts.ActionRead, "order", rc, nil)
	assert.False(t, fs.All)
	assert.True(t, fs.Allows("status"))
	assert.True(t, fs.Allows("total"))
	assert.True(t, fs.Allows("auditTrail"), "allow subsets union")
	assert.False(t, fs.Allows("cost"))
}

func TestAllowedFieldsStar(t *testing.T) {
	e := newTestEngine(t, nil)
	rc := &reqctx.RequestContext{UserID: "u-1"}
	model := modelWith(contracts.CompiledPolicy{
		Name: "all", Effect: contracts.EffectAllow,
		Action: contracts.ActionRead, Resource: "order", Fields: []string{"*"},
	})

	fs := e.AllowedFields(context.Background(), model, contracts.ActionRead, "order", rc, nil)
	assert.True(t, fs.All)
	assert.True(t, fs.Allows("anything"))
}

func TestAllowedFieldsDenyEmpties(t *testing.T) {
	e := newTestEngine(t, nil)
	rc := &reqctx.RequestContext{UserID: "u-1"}
	model := modelWith(
		contracts.CompiledPolicy{
			Name: "all", Effect: contracts.EffectAllow,
			Action: contracts.ActionRead, Resource: "order", Fields: []string{"*"},
		},
		contracts.CompiledPolicy{
			Name: "lockout", Effect: contracts.EffectDeny,
			Action: contracts.ActionRead, Resource: "order", Priority: 10,
		},
	)

	fs := e.AllowedFields(context.Background(), model, contracts.ActionRead, "order", rc, nil)
	assert.True(t, fs.Empty())
	assert.False(t, fs.Allows("status"))
}

func TestDecisionLogRecordsEveryCall(t *testing.T) {
	log := &memLog{}
	e := newTestEngine(t, log)
	rc := &reqctx.RequestContext{UserID: "u-1", TenantID: "t-1", RequestID: "req-1"}

	e.Authorize(context.Background(), modelWith(), contracts.ActionRead, "order", rc, nil)

	require.Len(t, log.entries, 1)
	entry := log.entries[0]
	assert.Equal(t, "t-1", entry.TenantID)
	assert.Equal(t, "u-1", entry.Actor)
	assert.Equal(t, "order", entry.Resource)
	assert.Equal(t, "read", entry.Operation)
	assert.Equal(t, EffectDeny, entry.Effect)
	assert.Equal(t, "req-1", entry.CorrelationID)
}

func TestRuleSetOrdering(t *testing.T) {
	rs := NewRuleSet([]contracts.CompiledPolicy{
		{Name: "low-allow", Effect: contracts.EffectAllow, Action: contracts.ActionRead, Resource: "r", Priority: 1},
		{Name: "tie-deny", Effect: contracts.EffectDeny, Action: contracts.ActionRead, Resource: "r", Priority: 5},
		{Name: "tie-allow", Effect: contracts.EffectAllow, Action: contracts.ActionRead, Resource: "r", Priority: 5},
		{Name: "other-resource", Effect: contracts.EffectAllow, Action: contracts.ActionRead, Resource: "x", Priority: 99},
	})

	got := rs.Candidates(contracts.ActionRead, "r")
	require.Len(t, got, 3)
	assert.Equal(t, "tie-deny", got[0].Name, "deny before allow at equal priority")
	assert.Equal(t, "tie-allow", got[1].Name)
	assert.Equal(t, "low-allow", got[2].Name)

	assert.Equal(t, 4, rs.Len())
	assert.NotNil(t, rs.Lookup("tie-deny"))
	assert.Nil(t, rs.Lookup("absent"))
}

func TestRuleSetCacheDistinguishesPolicySets(t *testing.T) {
	e := newTestEngine(t, nil)

	empty := e.RuleSetFor(modelWith())
	open := e.RuleSetFor(modelWith(contracts.CompiledPolicy{
		Name: "open", Effect: contracts.EffectAllow, Action: contracts.ActionAny, Resource: "order",
	}))
	assert.NotSame(t, empty, open, "distinct policy sets never share a cached rule set")
	assert.Equal(t, 0, empty.Len())
	assert.Equal(t, 1, open.Len())
}

func TestRuleSetCachedByOutputHash(t *testing.T) {
	e := newTestEngine(t, nil)
	model := modelWith(adminAllow(contracts.ActionRead))

	first := e.RuleSetFor(model)
	second := e.RuleSetFor(model)
	assert.Same(t, first, second)

	recompiled := modelWith(adminAllow(contracts.ActionRead))
	recompiled.OutputHash = "sha256:other"
	assert.NotSame(t, first, e.RuleSetFor(recompiled))
}
