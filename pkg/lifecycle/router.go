package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/lattice-hq/lattice/pkg/canonical"
	"github.com/lattice-hq/lattice/pkg/conditions"
	"github.com/lattice-hq/lattice/pkg/contracts"
	"github.com/lattice-hq/lattice/pkg/reqctx"
)

// Router resolves (entity, context, record) to a lifecycle id via
// priority-ordered conditional rules. Compiled routes are cached in
// process and persisted content-addressed by their hash.
type Router struct {
	defs   *DefStore
	eval   *conditions.Evaluator
	cache  *lru.Cache[string, *contracts.CompiledRoute]
	logger *slog.Logger
	clock  func() time.Time
}

// NewRouter creates a route compiler.
func NewRouter(defs *DefStore, eval *conditions.Evaluator, logger *slog.Logger) (*Router, error) {
	cache, err := lru.New[string, *contracts.CompiledRoute](256)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: route cache: %w", err)
	}
	return &Router{
		defs:   defs,
		eval:   eval,
		cache:  cache,
		logger: logger.With("component", "lifecycle.router"),
		clock:  time.Now,
	}, nil
}

// WithClock injects a deterministic clock for tests.
func (r *Router) WithClock(clock func() time.Time) *Router {
	r.clock = clock
	return r
}

// CompileRoutes loads, orders, and persists the route table of an entity.
// Rules sort priority ascending (lower wins); the first rule carrying no
// conditions becomes the default.
func (r *Router) CompileRoutes(ctx context.Context, entityName string) (*contracts.CompiledRoute, error) {
	rules, err := r.defs.RouteRules(ctx, entityName)
	if err != nil {
		return nil, err
	}
	route := &contracts.CompiledRoute{
		EntityName: entityName,
		Rules:      rules,
		CompiledAt: r.clock().UTC(),
	}
	for _, rule := range rules {
		if len(rule.Conditions) == 0 {
			route.DefaultID = rule.LifecycleID
			break
		}
	}
	hash, err := canonical.Hash(rules)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: hash routes: %w", err)
	}
	route.CompiledHash = hash

	if err := r.defs.SaveCompiledRoute(ctx, route); err != nil {
		return nil, err
	}
	r.cache.Add(entityName, route)
	return route, nil
}

// Invalidate drops the in-process route for an entity; the next resolve
// recompiles.
func (r *Router) Invalidate(entityName string) {
	r.cache.Remove(entityName)
}

// Resolve returns the lifecycle id for (entity, ctx, record): the first
// rule whose conditions all match, else the default, else "". Rule
// evaluation errors skip the rule.
func (r *Router) Resolve(ctx context.Context, entityName string, rc *reqctx.RequestContext, record map[string]any) (string, error) {
	route, ok := r.cache.Get(entityName)
	if !ok {
		var err error
		if route, err = r.CompileRoutes(ctx, entityName); err != nil {
			return "", err
		}
	}
	for _, rule := range route.Rules {
		if len(rule.Conditions) == 0 {
			continue
		}
		matched, err := r.eval.EvalAll(rule.Conditions, rc, record)
		if err != nil {
			r.logger.Warn("route rule evaluation failed, skipping",
				"entity", entityName, "rule", rule.ID, "error", err)
			continue
		}
		if matched {
			return rule.LifecycleID, nil
		}
	}
	return route.DefaultID, nil
}
