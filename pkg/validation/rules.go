package validation

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/lattice-hq/lattice/pkg/canonical"
	"github.com/lattice-hq/lattice/pkg/conditions"
	"github.com/lattice-hq/lattice/pkg/contracts"
	"github.com/lattice-hq/lattice/pkg/reqctx"
)

// runContext carries one validation pass over one record.
type runContext struct {
	engine   *Engine
	ctx      context.Context
	data     map[string]any
	trigger  contracts.RuleTrigger
	rc       *reqctx.RequestContext
	existing map[string]any
}

// execute runs one rule and returns its findings. A rule that cannot run
// (bad pattern, bad params) fails at its own severity rather than passing
// silently.
func (r *runContext) execute(rule contracts.ValidationRule) []contracts.ValidationError {
	value, present := valueAt(r.data, rule.FieldPath)

	switch rule.Kind {
	case contracts.RuleRequired:
		return r.required(rule, value, present)
	case contracts.RuleMinMax:
		return r.minMax(rule, value, present)
	case contracts.RuleLength:
		return r.length(rule, value, present)
	case contracts.RuleRegex:
		return r.regex(rule, value, present)
	case contracts.RuleEnum:
		return r.enum(rule, value, present)
	case contracts.RuleCrossField:
		return r.crossField(rule, value)
	case contracts.RuleConditional:
		return r.conditional(rule)
	case contracts.RuleDateRange:
		return r.dateRange(rule, value, present)
	case contracts.RuleReferential:
		return r.referential(rule, value, present)
	case contracts.RuleUnique:
		return r.unique(rule, value, present)
	case contracts.RuleJSONSchema:
		return r.jsonSchema(rule, value, present)
	default:
		return r.fail(rule, fmt.Sprintf("unknown rule kind %q", rule.Kind))
	}
}

func (r *runContext) fail(rule contracts.ValidationRule, fallback string) []contracts.ValidationError {
	msg := rule.Message
	if msg == "" {
		msg = fallback
	}
	msg = strings.ReplaceAll(msg, "{field}", rule.FieldPath)
	return []contracts.ValidationError{{
		RuleID:    rule.ID,
		FieldPath: rule.FieldPath,
		Severity:  rule.Severity,
		Message:   msg,
	}}
}

// required fails on a missing key, explicit null, or empty string.
func (r *runContext) required(rule contracts.ValidationRule, value any, present bool) []contracts.ValidationError {
	if !present || value == nil {
		return r.fail(rule, fmt.Sprintf("%s is required", rule.FieldPath))
	}
	if s, ok := value.(string); ok && s == "" {
		return r.fail(rule, fmt.Sprintf("%s is required", rule.FieldPath))
	}
	return nil
}

// minMax skips null values (required is a separate rule); a value that is
// not numeric, or is NaN, is itself a failure.
func (r *runContext) minMax(rule contracts.ValidationRule, value any, present bool) []contracts.ValidationError {
	if !present || value == nil {
		return nil
	}
	n, ok := asNumber(value)
	if !ok || math.IsNaN(n) {
		return r.fail(rule, fmt.Sprintf("%s is not a number", rule.FieldPath))
	}
	if min, ok := paramNumber(rule.Params, "min"); ok && n < min {
		return r.fail(rule, fmt.Sprintf("%s must be >= %v", rule.FieldPath, min))
	}
	if max, ok := paramNumber(rule.Params, "max"); ok && n > max {
		return r.fail(rule, fmt.Sprintf("%s must be <= %v", rule.FieldPath, max))
	}
	return nil
}

// length measures the string rendering of the value.
func (r *runContext) length(rule contracts.ValidationRule, value any, present bool) []contracts.ValidationError {
	if !present || value == nil {
		return nil
	}
	n := len([]rune(stringOf(value)))
	if min, ok := paramNumber(rule.Params, "minLength"); ok && n < int(min) {
		return r.fail(rule, fmt.Sprintf("%s must be at least %d characters", rule.FieldPath, int(min)))
	}
	if max, ok := paramNumber(rule.Params, "maxLength"); ok && n > int(max) {
		return r.fail(rule, fmt.Sprintf("%s must be at most %d characters", rule.FieldPath, int(max)))
	}
	return nil
}

func (r *runContext) regex(rule contracts.ValidationRule, value any, present bool) []contracts.ValidationError {
	if !present || value == nil {
		return nil
	}
	pattern, _ := rule.Params["pattern"].(string)
	re, err := regexp.Compile(pattern)
	if err != nil {
		// a broken pattern is the rule author's bug, surfaced as a finding
		return r.fail(rule, fmt.Sprintf("%s has invalid pattern %q", rule.FieldPath, pattern))
	}
	if !re.MatchString(stringOf(value)) {
		return r.fail(rule, fmt.Sprintf("%s does not match required format", rule.FieldPath))
	}
	return nil
}

func (r *runContext) enum(rule contracts.ValidationRule, value any, present bool) []contracts.ValidationError {
	if !present || value == nil {
		return nil
	}
	allowed := paramStrings(rule.Params, "values")
	got := stringOf(value)
	for _, v := range allowed {
		if v == got {
			return nil
		}
	}
	return r.fail(rule, fmt.Sprintf("%s must be one of %s", rule.FieldPath, strings.Join(allowed, ", ")))
}

// crossField compares the field against another field of the same record
// using a condition operator.
func (r *runContext) crossField(rule contracts.ValidationRule, value any) []contracts.ValidationError {
	otherPath, _ := rule.Params["compareField"].(string)
	op := contracts.Operator(stringOf(rule.Params["op"]))
	other, _ := valueAt(r.data, otherPath)
	ok, err := conditions.Compare(op, value, other)
	if err != nil {
		return r.fail(rule, fmt.Sprintf("%s comparison failed: %v", rule.FieldPath, err))
	}
	if !ok {
		return r.fail(rule, fmt.Sprintf("%s must be %s %s", rule.FieldPath, op, otherPath))
	}
	return nil
}

// conditional runs the nested then-rules when the when-group holds. Nested
// findings inherit the parent severity when the parent is stricter.
func (r *runContext) conditional(rule contracts.ValidationRule) []contracts.ValidationError {
	ok, err := r.engine.eval.EvalAll(rule.When.All, r.rc, r.data)
	if err != nil {
		return r.fail(rule, fmt.Sprintf("condition for %s failed: %v", rule.FieldPath, err))
	}
	if !ok {
		return nil
	}
	var out []contracts.ValidationError
	for _, nested := range rule.Then {
		if !nested.AppliesTo(r.trigger) {
			continue
		}
		for _, f := range r.execute(nested) {
			if rule.Severity == contracts.RuleError {
				f.Severity = contracts.RuleError
			}
			out = append(out, f)
		}
	}
	return out
}

// dateRange checks field-relative bounds strictly and absolute bounds
// inclusively.
func (r *runContext) dateRange(rule contracts.ValidationRule, value any, present bool) []contracts.ValidationError {
	if !present || value == nil {
		return nil
	}
	t, ok := conditions.AsTime(value)
	if !ok {
		return r.fail(rule, fmt.Sprintf("%s is not a date", rule.FieldPath))
	}
	if path, pok := rule.Params["afterField"].(string); pok && path != "" {
		if other, exists := valueAt(r.data, path); exists && other != nil {
			if ot, tok := conditions.AsTime(other); tok && !t.After(ot) {
				return r.fail(rule, fmt.Sprintf("%s must be after %s", rule.FieldPath, path))
			}
		}
	}
	if path, pok := rule.Params["beforeField"].(string); pok && path != "" {
		if other, exists := valueAt(r.data, path); exists && other != nil {
			if ot, tok := conditions.AsTime(other); tok && !t.Before(ot) {
				return r.fail(rule, fmt.Sprintf("%s must be before %s", rule.FieldPath, path))
			}
		}
	}
	if raw, pok := rule.Params["minDate"]; pok {
		if ot, tok := conditions.AsTime(raw); tok && t.Before(ot) {
			return r.fail(rule, fmt.Sprintf("%s must be on or after %s", rule.FieldPath, stringOf(raw)))
		}
	}
	if raw, pok := rule.Params["maxDate"]; pok {
		if ot, tok := conditions.AsTime(raw); tok && t.After(ot) {
			return r.fail(rule, fmt.Sprintf("%s must be on or before %s", rule.FieldPath, stringOf(raw)))
		}
	}
	return nil
}

// referential verifies the target record exists in the same tenant and is
// not soft-deleted. A lookup infrastructure failure degrades to a warning;
// a missing target fails at the rule severity.
func (r *runContext) referential(rule contracts.ValidationRule, value any, present bool) []contracts.ValidationError {
	if !present || value == nil || r.rc == nil {
		return nil
	}
	target, _ := rule.Params["targetEntity"].(string)
	if target == "" || r.engine.lookup == nil {
		return r.warn(rule, fmt.Sprintf("%s reference could not be verified", rule.FieldPath))
	}
	exists, err := r.engine.lookup.Exists(r.ctx, r.rc.TenantID, target, stringOf(value))
	if err != nil {
		return r.warn(rule, fmt.Sprintf("%s reference could not be verified: %v", rule.FieldPath, err))
	}
	if !exists {
		return r.fail(rule, fmt.Sprintf("%s references a missing %s", rule.FieldPath, target))
	}
	return nil
}

// unique checks no other active row in the tenant shares the value within
// the scope fields. On update the record itself is excluded by id.
func (r *runContext) unique(rule contracts.ValidationRule, value any, present bool) []contracts.ValidationError {
	if !present || value == nil || r.rc == nil {
		return nil
	}
	entity, _ := rule.Params["entity"].(string)
	if entity == "" || r.engine.lookup == nil {
		return r.warn(rule, fmt.Sprintf("%s uniqueness could not be verified", rule.FieldPath))
	}
	scope := map[string]any{}
	for _, f := range paramStrings(rule.Params, "scopeFields") {
		if v, ok := valueAt(r.data, f); ok {
			scope[f] = v
		}
	}
	excludeID := ""
	if r.trigger != contracts.TriggerCreate && r.existing != nil {
		excludeID = stringOf(r.existing["id"])
	}
	unique, err := r.engine.lookup.IsUnique(r.ctx, r.rc.TenantID, entity, rule.FieldPath, value, scope, excludeID)
	if err != nil {
		return r.warn(rule, fmt.Sprintf("%s uniqueness could not be verified: %v", rule.FieldPath, err))
	}
	if !unique {
		return r.fail(rule, fmt.Sprintf("%s must be unique", rule.FieldPath))
	}
	return nil
}

func (r *runContext) jsonSchema(rule contracts.ValidationRule, value any, present bool) []contracts.ValidationError {
	if !present || value == nil {
		return nil
	}
	raw, ok := rule.Params["schema"].(map[string]any)
	if !ok {
		return r.fail(rule, fmt.Sprintf("%s has no schema to validate against", rule.FieldPath))
	}
	schema, err := compileJSONSchema(raw)
	if err != nil {
		return r.fail(rule, fmt.Sprintf("%s schema is invalid: %v", rule.FieldPath, err))
	}
	if err := schema.Validate(value); err != nil {
		return r.fail(rule, fmt.Sprintf("%s: %v", rule.FieldPath, err))
	}
	return nil
}

func (r *runContext) warn(rule contracts.ValidationRule, msg string) []contracts.ValidationError {
	out := r.fail(rule, msg)
	for i := range out {
		out[i].Severity = contracts.RuleWarning
	}
	return out
}

// compileJSONSchema compiles a draft 2020-12 schema from its map form. The
// compiled schema is not cached here; graphs are cached whole upstream and
// json fields are rare enough that recompilation is acceptable.
func compileJSONSchema(raw map[string]any) (*jsonschema.Schema, error) {
	body, err := canonical.Marshal(raw)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource("inline.json", strings.NewReader(string(body))); err != nil {
		return nil, err
	}
	return c.Compile("inline.json")
}

// valueAt resolves a dotted path against nested maps. The bool reports
// whether the final key was present at all (distinct from a null value).
func valueAt(data map[string]any, path string) (any, bool) {
	if data == nil || path == "" {
		return nil, false
	}
	cur := any(data)
	parts := strings.Split(path, ".")
	for i, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, exists := m[part]
		if !exists {
			return nil, false
		}
		if i == len(parts)-1 {
			return v, true
		}
		cur = v
	}
	return nil, false
}

// asNumber extends conditions.AsNumber with numeric strings, which arrive
// from JSON clients that quote numbers.
func asNumber(v any) (float64, bool) {
	if n, ok := conditions.AsNumber(v); ok {
		return n, true
	}
	if s, ok := v.(string); ok {
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

func paramNumber(params map[string]any, key string) (float64, bool) {
	v, ok := params[key]
	if !ok {
		return 0, false
	}
	return asNumber(v)
}

func paramStrings(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			out = append(out, stringOf(e))
		}
		return out
	default:
		return nil
	}
}

func stringOf(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
