package validation

import (
	"fmt"

	"github.com/lattice-hq/lattice/pkg/contracts"
)

// DeriveRules builds the IR-implied portion of an entity's rule graph from
// its compiled field constraints. Derived rules run at beforePersist with
// error severity; custom rules from the rule source append after them.
func DeriveRules(model *contracts.CompiledModel) []contracts.ValidationRule {
	var rules []contracts.ValidationRule
	add := func(kind contracts.RuleKind, field string, params map[string]any) {
		rules = append(rules, contracts.ValidationRule{
			ID:        fmt.Sprintf("%s.%s.%s", model.EntityName, field, kind),
			Kind:      kind,
			FieldPath: field,
			Severity:  contracts.RuleError,
			Phase:     contracts.PhaseBeforePersist,
			Params:    params,
		})
	}

	for _, f := range model.Fields {
		if isSystemField(f.APIName) {
			continue
		}
		if f.Required {
			add(contracts.RuleRequired, f.APIName, nil)
		}
		if f.Min != nil || f.Max != nil {
			params := map[string]any{}
			if f.Min != nil {
				params["min"] = *f.Min
			}
			if f.Max != nil {
				params["max"] = *f.Max
			}
			add(contracts.RuleMinMax, f.APIName, params)
		}
		if f.MinLength != nil || f.MaxLength != nil {
			params := map[string]any{}
			if f.MinLength != nil {
				params["minLength"] = *f.MinLength
			}
			if f.MaxLength != nil {
				params["maxLength"] = *f.MaxLength
			}
			add(contracts.RuleLength, f.APIName, params)
		}
		if f.Pattern != "" {
			add(contracts.RuleRegex, f.APIName, map[string]any{"pattern": f.Pattern})
		}
		if f.Type == contracts.FieldEnum && len(f.EnumValues) > 0 {
			add(contracts.RuleEnum, f.APIName, map[string]any{"values": f.EnumValues})
		}
		if f.Type == contracts.FieldReference && f.ReferenceTo != "" {
			add(contracts.RuleReferential, f.APIName, map[string]any{"targetEntity": f.ReferenceTo})
		}
		if f.Unique {
			add(contracts.RuleUnique, f.APIName, map[string]any{"entity": model.EntityName})
		}
		if f.Type == contracts.FieldJSON && f.JSONSchema != nil {
			add(contracts.RuleJSONSchema, f.APIName, map[string]any{"schema": f.JSONSchema})
		}
	}
	return rules
}

func isSystemField(name string) bool {
	for _, sf := range contracts.SystemFields {
		if sf.Name == name {
			return true
		}
	}
	return false
}
