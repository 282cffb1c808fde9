package contracts

// Operator is the closed set of comparison operators usable in policy,
// route, gate, and validation conditions.
type Operator string

const (
	OpEq         Operator = "eq"
	OpNe         Operator = "ne"
	OpIn         Operator = "in"
	OpNotIn      Operator = "not_in"
	OpGt         Operator = "gt"
	OpGte        Operator = "gte"
	OpLt         Operator = "lt"
	OpLte        Operator = "lte"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "starts_with"
	OpEndsWith   Operator = "ends_with"
	OpBetween    Operator = "between"
	// OpIsNull is accepted only in data queries, not in conditions.
	OpIsNull Operator = "is_null"
)

// Condition compares one value against a target. Field paths prefixed
// "ctx." read the request context, "record." the supplied record; bare
// paths read the context. Alternatively Expr holds a CEL expression that
// must evaluate to bool; when Expr is set Field/Op/Value are ignored.
type Condition struct {
	Field string   `json:"field,omitempty"`
	Op    Operator `json:"op,omitempty"`
	Value any      `json:"value,omitempty"`
	Expr  string   `json:"expr,omitempty"`
}

// ConditionGroup is an AND-joined list of conditions.
type ConditionGroup struct {
	All []Condition `json:"all,omitempty"`
}

// Empty reports whether the group has no conditions.
func (g ConditionGroup) Empty() bool { return len(g.All) == 0 }
