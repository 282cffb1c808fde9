package contracts

// RuleKind enumerates the typed validation rule kinds.
type RuleKind string

const (
	RuleRequired    RuleKind = "required"
	RuleMinMax      RuleKind = "min_max"
	RuleLength      RuleKind = "length"
	RuleRegex       RuleKind = "regex"
	RuleEnum        RuleKind = "enum"
	RuleCrossField  RuleKind = "cross_field"
	RuleConditional RuleKind = "conditional"
	RuleDateRange   RuleKind = "date_range"
	RuleReferential RuleKind = "referential"
	RuleUnique      RuleKind = "unique"
	RuleJSONSchema  RuleKind = "json_schema"
)

// RuleSeverity of a validation finding.
type RuleSeverity string

const (
	RuleError   RuleSeverity = "error"
	RuleWarning RuleSeverity = "warning"
)

// RulePhase selects when a rule runs.
type RulePhase string

const (
	PhaseBeforePersist    RulePhase = "beforePersist"
	PhaseBeforeTransition RulePhase = "beforeTransition"
)

// RuleTrigger is the operation that caused validation.
type RuleTrigger string

const (
	TriggerCreate     RuleTrigger = "create"
	TriggerUpdate     RuleTrigger = "update"
	TriggerTransition RuleTrigger = "transition"
	TriggerAll        RuleTrigger = "all"
)

// ValidationRule is one rule in a per-entity flat ordered rule graph.
// Params carries kind-specific settings (min/max, pattern, compareField,
// afterField, targetEntity, scopeFields, when/then, ...).
type ValidationRule struct {
	ID        string         `json:"id"`
	Kind      RuleKind       `json:"kind"`
	FieldPath string         `json:"fieldPath"`
	Severity  RuleSeverity   `json:"severity"`
	Phase     RulePhase      `json:"phase"`
	AppliesOn []RuleTrigger  `json:"appliesOn,omitempty"`
	Message   string         `json:"message,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	When      ConditionGroup `json:"when,omitempty"`
	Then      []ValidationRule `json:"then,omitempty"`
}

// AppliesTo reports whether the rule fires for the given trigger.
func (r ValidationRule) AppliesTo(trigger RuleTrigger) bool {
	if len(r.AppliesOn) == 0 {
		return true
	}
	for _, t := range r.AppliesOn {
		if t == TriggerAll || t == trigger {
			return true
		}
	}
	return false
}

// ValidationError is one failed rule.
type ValidationError struct {
	RuleID    string       `json:"ruleId"`
	FieldPath string       `json:"fieldPath"`
	Severity  RuleSeverity `json:"severity"`
	Message   string       `json:"message"`
}

// ValidationResult aggregates findings by severity. Valid means no
// error-severity findings; warnings do not block.
type ValidationResult struct {
	Valid    bool              `json:"valid"`
	Errors   []ValidationError `json:"errors,omitempty"`
	Warnings []ValidationError `json:"warnings,omitempty"`
}

// RuleGraph is the compiled, cacheable rule list for one entity version.
type RuleGraph struct {
	EntityName string           `json:"entityName"`
	Version    int              `json:"version"`
	Rules      []ValidationRule `json:"rules"`
	GraphHash  string           `json:"graphHash,omitempty"`
}
