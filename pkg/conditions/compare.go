package conditions

import (
	"fmt"
	"strings"
	"time"

	"github.com/lattice-hq/lattice/pkg/contracts"
)

// Compare applies one operator. Unknown operators error so callers can
// fail secure.
func Compare(op contracts.Operator, left, right any) (bool, error) {
	switch op {
	case contracts.OpEq:
		return looseEqual(left, right), nil
	case contracts.OpNe:
		return !looseEqual(left, right), nil
	case contracts.OpIn:
		return memberOf(left, right), nil
	case contracts.OpNotIn:
		return !memberOf(left, right), nil
	case contracts.OpGt, contracts.OpGte, contracts.OpLt, contracts.OpLte:
		return ordered(op, left, right)
	case contracts.OpContains:
		return containsValue(left, right), nil
	case contracts.OpStartsWith:
		return strings.HasPrefix(asString(left), asString(right)), nil
	case contracts.OpEndsWith:
		return strings.HasSuffix(asString(left), asString(right)), nil
	case contracts.OpBetween:
		return between(left, right)
	default:
		return false, fmt.Errorf("conditions: unknown operator %q", op)
	}
}

func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, aok := AsNumber(a); aok {
		if fb, bok := AsNumber(b); bok {
			return fa == fb
		}
	}
	return asString(a) == asString(b)
}

// memberOf implements in/not_in. When the left value is itself an array
// (e.g. roles), the condition matches if any element is in the target list.
func memberOf(left, right any) bool {
	targets := asSlice(right)
	if targets == nil {
		return false
	}
	for _, l := range leftValues(left) {
		for _, t := range targets {
			if looseEqual(l, t) {
				return true
			}
		}
	}
	return false
}

func leftValues(left any) []any {
	if s := asSlice(left); s != nil {
		return s
	}
	return []any{left}
}

func ordered(op contracts.Operator, left, right any) (bool, error) {
	if lt, lok := AsTime(left); lok {
		if rt, rok := AsTime(right); rok {
			return orderedCmp(op, compareTimes(lt, rt)), nil
		}
	}
	lf, lok := AsNumber(left)
	rf, rok := AsNumber(right)
	if !lok || !rok {
		return false, fmt.Errorf("conditions: %s needs comparable values, got %T and %T", op, left, right)
	}
	switch {
	case lf < rf:
		return orderedCmp(op, -1), nil
	case lf > rf:
		return orderedCmp(op, 1), nil
	default:
		return orderedCmp(op, 0), nil
	}
}

func orderedCmp(op contracts.Operator, cmp int) bool {
	switch op {
	case contracts.OpGt:
		return cmp > 0
	case contracts.OpGte:
		return cmp >= 0
	case contracts.OpLt:
		return cmp < 0
	default:
		return cmp <= 0
	}
}

func compareTimes(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	default:
		return 0
	}
}

func containsValue(left, right any) bool {
	if s := asSlice(left); s != nil {
		for _, v := range s {
			if looseEqual(v, right) {
				return true
			}
		}
		return false
	}
	return strings.Contains(asString(left), asString(right))
}

// between expects right to be a two-element [lo, hi] list, inclusive.
func between(left, right any) (bool, error) {
	bounds := asSlice(right)
	if len(bounds) != 2 {
		return false, fmt.Errorf("conditions: between needs [lo, hi], got %v", right)
	}
	lo, err := Compare(contracts.OpGte, left, bounds[0])
	if err != nil {
		return false, err
	}
	hi, err := Compare(contracts.OpLte, left, bounds[1])
	if err != nil {
		return false, err
	}
	return lo && hi, nil
}

// AsNumber coerces numeric types (including json.Number-style strings is
// deliberately excluded; strings are not numbers).
func AsNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// AsTime coerces time.Time values and RFC 3339 / date-only strings.
func AsTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts, true
		}
		if ts, err := time.Parse("2006-01-02", t); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

func asString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func asSlice(v any) []any {
	switch s := v.(type) {
	case []any:
		return s
	case []string:
		return toAnySlice(s)
	default:
		return nil
	}
}
