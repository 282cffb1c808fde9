// Package policy implements the policy decision engine: indexed rule sets
// compiled from the IR, deny-wins evaluation with priority ordering,
// field-allow set computation, and a best-effort decision log. Evaluation
// is fail-closed: any error during predicate evaluation denies.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lattice-hq/lattice/pkg/conditions"
	"github.com/lattice-hq/lattice/pkg/contracts"
	"github.com/lattice-hq/lattice/pkg/errs"
	"github.com/lattice-hq/lattice/pkg/reqctx"
)

// Effect of a decision.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Decision is the outcome of one authorize call.
type Decision struct {
	Effect      Effect `json:"effect"`
	MatchedRule string `json:"matchedRule,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Allowed reports whether the decision permits the operation.
func (d Decision) Allowed() bool { return d.Effect == EffectAllow }

// FieldSet is the field-allow result: every field, an explicit subset, or
// nothing.
type FieldSet struct {
	All    bool
	Fields map[string]bool
}

// Allows reports whether a field may be read or written.
func (fs FieldSet) Allows(field string) bool {
	return fs.All || fs.Fields[field]
}

// Empty reports whether no field is allowed.
func (fs FieldSet) Empty() bool { return !fs.All && len(fs.Fields) == 0 }

// DecisionLog receives every decision. Implementations must be best-effort:
// callers ignore append failures.
type DecisionLog interface {
	Append(ctx context.Context, entry *LogEntry) error
}

// LogEntry is one decision log row.
type LogEntry struct {
	TenantID      string    `json:"tenantId"`
	OccurredAt    time.Time `json:"occurredAt"`
	Actor         string    `json:"actor"`
	Resource      string    `json:"resource"`
	Operation     string    `json:"operation"`
	Effect        Effect    `json:"effect"`
	MatchedRuleID string    `json:"matchedRuleId,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

// Request is one item of a batch authorization.
type Request struct {
	Action   contracts.PolicyAction
	Resource string
	Policies []contracts.CompiledPolicy
	Record   map[string]any
}

// Engine evaluates policy decisions. Rule sets are compiled at most once
// per policy-set identity and cached.
type Engine struct {
	eval   *conditions.Evaluator
	log    DecisionLog
	logger *slog.Logger
	clock  func() time.Time

	mu       sync.RWMutex
	compiled map[string]*RuleSet
}

// NewEngine creates a policy engine. log may be nil.
func NewEngine(eval *conditions.Evaluator, log DecisionLog, logger *slog.Logger) *Engine {
	return &Engine{
		eval:     eval,
		log:      log,
		logger:   logger.With("component", "policy"),
		clock:    time.Now,
		compiled: make(map[string]*RuleSet),
	}
}

// RuleSetFor compiles (or returns the cached) rule set for a model. The
// model's outputHash is the cache identity, so republished schemas compile
// fresh automatically.
func (e *Engine) RuleSetFor(model *contracts.CompiledModel) *RuleSet {
	key := model.OutputHash
	if key == "" {
		return NewRuleSet(model.Policies)
	}
	e.mu.RLock()
	rs, ok := e.compiled[key]
	e.mu.RUnlock()
	if ok {
		return rs
	}
	rs = NewRuleSet(model.Policies)
	e.mu.Lock()
	e.compiled[key] = rs
	e.mu.Unlock()
	return rs
}

// Authorize decides (action, resource) for the caller. Deny rules are
// evaluated first; any match denies regardless of allow priorities. With no
// matching rule the decision is deny. Any evaluation error denies.
func (e *Engine) Authorize(ctx context.Context, model *contracts.CompiledModel, action contracts.PolicyAction, resource string, rc *reqctx.RequestContext, record map[string]any) Decision {
	decision := e.decide(e.RuleSetFor(model), action, resource, rc, record)
	e.append(ctx, rc, resource, action, decision)
	return decision
}

func (e *Engine) decide(rs *RuleSet, action contracts.PolicyAction, resource string, rc *reqctx.RequestContext, record map[string]any) Decision {
	candidates := rs.Candidates(action, resource)

	// deny wins: all deny rules first
	for _, p := range candidates {
		if p.Effect != contracts.EffectDeny {
			continue
		}
		ok, err := e.eval.EvalAll(p.Conditions, rc, record)
		if err != nil {
			return Decision{Effect: EffectDeny, MatchedRule: p.Name,
				Reason: fmt.Sprintf("evaluation failed: %v", err)}
		}
		if ok {
			return Decision{Effect: EffectDeny, MatchedRule: p.Name, Reason: "denied by policy"}
		}
	}

	// allow rules in descending priority; first match wins
	for _, p := range candidates {
		if p.Effect != contracts.EffectAllow {
			continue
		}
		ok, err := e.eval.EvalAll(p.Conditions, rc, record)
		if err != nil {
			return Decision{Effect: EffectDeny, MatchedRule: p.Name,
				Reason: fmt.Sprintf("evaluation failed: %v", err)}
		}
		if ok {
			return Decision{Effect: EffectAllow, MatchedRule: p.Name}
		}
	}

	return Decision{Effect: EffectDeny, Reason: "no matching allow"}
}

// Enforce authorizes and converts a deny into an Unauthorized error.
func (e *Engine) Enforce(ctx context.Context, model *contracts.CompiledModel, action contracts.PolicyAction, resource string, rc *reqctx.RequestContext, record map[string]any) error {
	d := e.Authorize(ctx, model, action, resource, rc, record)
	if d.Allowed() {
		return nil
	}
	return errs.Newf(errs.CodeUnauthorized, "%s %s denied: %s", action, resource, d.Reason).
		WithDetail("matchedRule", d.MatchedRule)
}

// AllowedFields computes the field-allow set for (action, resource). A
// matching deny yields the empty set regardless of its field subset; allow
// rules union their subsets, and "*" grants everything.
func (e *Engine) AllowedFields(ctx context.Context, model *contracts.CompiledModel, action contracts.PolicyAction, resource string, rc *reqctx.RequestContext, record map[string]any) FieldSet {
	rs := e.RuleSetFor(model)
	out := FieldSet{Fields: make(map[string]bool)}

	for _, p := range rs.Candidates(action, resource) {
		ok, err := e.eval.EvalAll(p.Conditions, rc, record)
		if err != nil || (!ok) {
			if err != nil && p.Effect == contracts.EffectDeny {
				// fail secure on deny-rule errors
				return FieldSet{}
			}
			continue
		}
		if p.Effect == contracts.EffectDeny {
			return FieldSet{}
		}
		if len(p.Fields) == 0 {
			continue
		}
		for _, f := range p.Fields {
			if f == "*" {
				out.All = true
			} else {
				out.Fields[f] = true
			}
		}
	}
	return out
}

// AuthorizeMany evaluates a batch, compiling each distinct resource's
// policies at most once per call.
func (e *Engine) AuthorizeMany(ctx context.Context, rc *reqctx.RequestContext, reqs []Request) []Decision {
	sets := make(map[string]*RuleSet)
	out := make([]Decision, len(reqs))
	for i, req := range reqs {
		rs, ok := sets[req.Resource]
		if !ok {
			rs = NewRuleSet(req.Policies)
			sets[req.Resource] = rs
		}
		out[i] = e.decide(rs, req.Action, req.Resource, rc, req.Record)
		e.append(ctx, rc, req.Resource, req.Action, out[i])
	}
	return out
}

func (e *Engine) append(ctx context.Context, rc *reqctx.RequestContext, resource string, action contracts.PolicyAction, d Decision) {
	if e.log == nil {
		return
	}
	entry := &LogEntry{
		OccurredAt:    e.clock().UTC(),
		Resource:      resource,
		Operation:     string(action),
		Effect:        d.Effect,
		MatchedRuleID: d.MatchedRule,
		Reason:        d.Reason,
	}
	if rc != nil {
		entry.TenantID = rc.TenantID
		entry.Actor = rc.UserID
		entry.CorrelationID = rc.RequestID
	}
	// log failures must never flip the decision
	if err := e.log.Append(ctx, entry); err != nil {
		e.logger.Warn("decision log append failed", "resource", resource, "error", err)
	}
}
