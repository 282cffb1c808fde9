// Package validation compiles and executes per-entity validation rule
// graphs. Graphs are derived from the compiled IR plus any custom rules,
// cached L1+L2 keyed by (entity, version), and executed in declaration
// order at the beforePersist and beforeTransition phases.
package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/lattice-hq/lattice/pkg/canonical"
	"github.com/lattice-hq/lattice/pkg/conditions"
	"github.com/lattice-hq/lattice/pkg/contracts"
	"github.com/lattice-hq/lattice/pkg/kvcache"
	"github.com/lattice-hq/lattice/pkg/reqctx"
)

// Lookup answers the store-backed questions of referential and unique
// rules. Implemented by the Generic Data Service.
type Lookup interface {
	// Exists reports whether (entity, id) exists in the tenant, ignoring
	// soft-deleted rows. The bool is meaningless when err != nil.
	Exists(ctx context.Context, tenantID, entityName, id string) (bool, error)
	// IsUnique reports whether no other active row shares the value within
	// the optional scope. excludeID skips the record being updated.
	IsUnique(ctx context.Context, tenantID, entityName, field string, value any, scope map[string]any, excludeID string) (bool, error)
}

// RuleSource supplies custom rules beyond those derived from the IR. May
// be nil.
type RuleSource interface {
	Load(ctx context.Context, entityName string, version int) ([]contracts.ValidationRule, error)
}

// Engine executes validation rule graphs.
type Engine struct {
	eval   *conditions.Evaluator
	lookup Lookup
	source RuleSource
	l1     *lru.Cache[string, *contracts.RuleGraph]
	l2     kvcache.KV
	ttl    time.Duration
	logger *slog.Logger
}

// NewEngine creates a validation engine. lookup, source, and l2 may each
// be nil (referential/unique rules then warn, no custom rules, L1 only).
func NewEngine(eval *conditions.Evaluator, lookup Lookup, source RuleSource, l2 kvcache.KV, logger *slog.Logger) (*Engine, error) {
	l1, err := lru.New[string, *contracts.RuleGraph](256)
	if err != nil {
		return nil, fmt.Errorf("validation: l1: %w", err)
	}
	return &Engine{
		eval:   eval,
		lookup: lookup,
		source: source,
		l1:     l1,
		l2:     l2,
		ttl:    time.Hour,
		logger: logger.With("component", "validation"),
	}, nil
}

func graphKey(entityName string, version int) string {
	return fmt.Sprintf("vr:%s:%d", entityName, version)
}

// GraphFor returns the compiled rule graph for a model, building and
// caching it on miss. L2 failures degrade to rebuild.
func (e *Engine) GraphFor(ctx context.Context, model *contracts.CompiledModel) (*contracts.RuleGraph, error) {
	key := graphKey(model.EntityName, model.Version)
	if g, ok := e.l1.Get(key); ok {
		return g, nil
	}
	if e.l2 != nil {
		if body, err := e.l2.Get(ctx, key); err == nil {
			var g contracts.RuleGraph
			if err := json.Unmarshal(body, &g); err == nil {
				e.l1.Add(key, &g)
				return &g, nil
			}
			_ = e.l2.Del(ctx, key)
		}
	}

	rules := DeriveRules(model)
	if e.source != nil {
		custom, err := e.source.Load(ctx, model.EntityName, model.Version)
		if err != nil {
			return nil, fmt.Errorf("validation: load custom rules: %w", err)
		}
		rules = append(rules, custom...)
	}
	graph := &contracts.RuleGraph{
		EntityName: model.EntityName,
		Version:    model.Version,
		Rules:      rules,
	}
	if h, err := canonical.Hash(graph.Rules); err == nil {
		graph.GraphHash = h
	}

	e.l1.Add(key, graph)
	if e.l2 != nil {
		if body, err := json.Marshal(graph); err == nil {
			if err := e.l2.SetEx(ctx, key, body, e.ttl); err != nil {
				e.logger.Warn("rule graph l2 write failed", "key", key, "error", err)
			}
		}
	}
	return graph, nil
}

// Invalidate drops the cached graph for (entity, version).
func (e *Engine) Invalidate(ctx context.Context, entityName string, version int) {
	key := graphKey(entityName, version)
	e.l1.Remove(key)
	if e.l2 != nil {
		_ = e.l2.Del(ctx, key)
	}
}

// Validate runs the graph for the model against data. existing is the
// stored record on update/transition, nil on create.
func (e *Engine) Validate(ctx context.Context, model *contracts.CompiledModel, data map[string]any, trigger contracts.RuleTrigger, phase contracts.RulePhase, rc *reqctx.RequestContext, existing map[string]any) (*contracts.ValidationResult, error) {
	graph, err := e.GraphFor(ctx, model)
	if err != nil {
		return nil, err
	}
	return e.Execute(ctx, graph.Rules, data, trigger, phase, rc, existing), nil
}

// Execute runs rules in declaration order, filtering by trigger and phase,
// and accumulates findings by severity.
func (e *Engine) Execute(ctx context.Context, rules []contracts.ValidationRule, data map[string]any, trigger contracts.RuleTrigger, phase contracts.RulePhase, rc *reqctx.RequestContext, existing map[string]any) *contracts.ValidationResult {
	run := &runContext{
		engine:   e,
		ctx:      ctx,
		data:     data,
		trigger:  trigger,
		rc:       rc,
		existing: existing,
	}
	result := &contracts.ValidationResult{Valid: true}
	for _, rule := range rules {
		if rule.Phase != phase || !rule.AppliesTo(trigger) {
			continue
		}
		for _, finding := range run.execute(rule) {
			if finding.Severity == contracts.RuleError {
				result.Errors = append(result.Errors, finding)
			} else {
				result.Warnings = append(result.Warnings, finding)
			}
		}
	}
	result.Valid = len(result.Errors) == 0
	return result
}
