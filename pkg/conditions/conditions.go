// Package conditions evaluates the tagged condition tuples shared by
// policies, lifecycle routes, transition gates, timers, and validation
// rules. Simple conditions compare a context or record path against a
// target with a closed operator set; complex conditions carry a CEL
// expression compiled once and cached.
package conditions

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"

	"github.com/lattice-hq/lattice/pkg/contracts"
	"github.com/lattice-hq/lattice/pkg/reqctx"
)

// Evaluator evaluates conditions. Safe for concurrent use; compiled CEL
// programs are cached by source.
type Evaluator struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewEvaluator builds the CEL environment with the standard variables
// `ctx` and `record`.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.VariableDecls(
			decls.NewVariable("ctx", types.NewMapType(types.StringType, types.DynType)),
			decls.NewVariable("record", types.NewMapType(types.StringType, types.DynType)),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("conditions: cel env: %w", err)
	}
	return &Evaluator{env: env, programs: make(map[string]cel.Program)}, nil
}

// EvalAll evaluates an AND-joined condition list. An empty list is true.
func (e *Evaluator) EvalAll(conds []contracts.Condition, rc *reqctx.RequestContext, record map[string]any) (bool, error) {
	for _, c := range conds {
		ok, err := e.Eval(c, rc, record)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Eval evaluates one condition.
func (e *Evaluator) Eval(cond contracts.Condition, rc *reqctx.RequestContext, record map[string]any) (bool, error) {
	if cond.Expr != "" {
		return e.evalExpr(cond.Expr, rc, record)
	}
	left := Resolve(cond.Field, rc, record)
	return Compare(cond.Op, left, cond.Value)
}

func (e *Evaluator) evalExpr(expr string, rc *reqctx.RequestContext, record map[string]any) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{
		"ctx":    ContextValues(rc),
		"record": record,
	})
	if err != nil {
		return false, fmt.Errorf("conditions: cel eval: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("conditions: expression %q is not boolean", expr)
	}
	return b, nil
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("conditions: cel compile: %w", issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("conditions: cel program: %w", err)
	}

	e.mu.Lock()
	e.programs[expr] = prg
	e.mu.Unlock()
	return prg, nil
}

// ContextValues exposes the request context as a flat lookup map; metadata
// keys are merged in without shadowing the fixed names.
func ContextValues(rc *reqctx.RequestContext) map[string]any {
	if rc == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(rc.Metadata)+6)
	for k, v := range rc.Metadata {
		out[k] = v
	}
	out["userId"] = rc.UserID
	out["tenantId"] = rc.TenantID
	out["realmId"] = rc.RealmID
	out["roles"] = toAnySlice(rc.Roles)
	out["orgKey"] = rc.OrgKey
	out["requestId"] = rc.RequestID
	return out
}

// Resolve reads a field path. "ctx.<name>" reads the request context,
// "record.<name>" the supplied record; bare paths read the context.
func Resolve(field string, rc *reqctx.RequestContext, record map[string]any) any {
	switch {
	case strings.HasPrefix(field, "record."):
		return lookup(record, strings.TrimPrefix(field, "record."))
	case strings.HasPrefix(field, "ctx."):
		return lookup(ContextValues(rc), strings.TrimPrefix(field, "ctx."))
	default:
		return lookup(ContextValues(rc), field)
	}
}

func lookup(m map[string]any, path string) any {
	if m == nil {
		return nil
	}
	parts := strings.Split(path, ".")
	var cur any = m
	for _, p := range parts {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = obj[p]
	}
	return cur
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
