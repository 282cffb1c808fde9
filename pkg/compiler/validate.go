package compiler

import (
	"fmt"
	"regexp"

	"github.com/lattice-hq/lattice/pkg/contracts"
)

var fieldNameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// validateSchema checks the overlay-modified schema and returns diagnostics.
// Any ERROR blocks compilation, caching, and publication.
func validateSchema(s *contracts.SchemaDefinition) contracts.Diagnostics {
	var diags contracts.Diagnostics
	add := func(sev contracts.Severity, code, path, format string, args ...any) {
		diags = append(diags, contracts.Diagnostic{
			Severity: sev, Code: code, Path: path,
			Message: fmt.Sprintf(format, args...),
		})
	}

	fieldsByName := make(map[string]*contracts.FieldDef, len(s.Fields))
	for i := range s.Fields {
		f := &s.Fields[i]

		if _, dup := fieldsByName[f.Name]; dup {
			add(contracts.SevError, "DUPLICATE_FIELD", f.Name, "duplicate field name %q", f.Name)
			continue
		}
		fieldsByName[f.Name] = f

		if !fieldNameRe.MatchString(f.Name) {
			add(contracts.SevError, "BAD_FIELD_NAME", f.Name, "field name %q is not a valid identifier", f.Name)
		}
		if !contracts.KnownFieldTypes[f.Type] {
			add(contracts.SevError, "UNKNOWN_TYPE", f.Name, "field %q has unknown type %q", f.Name, f.Type)
			continue
		}
		if f.Type == contracts.FieldReference && f.ReferenceTo == "" {
			add(contracts.SevError, "MISSING_REFERENCE_TARGET", f.Name, "reference field %q requires referenceTo", f.Name)
		}
		if f.Type == contracts.FieldEnum && len(f.EnumValues) == 0 {
			add(contracts.SevError, "EMPTY_ENUM", f.Name, "enum field %q requires non-empty values", f.Name)
		}
		if f.MinLength != nil && f.MaxLength != nil && *f.MinLength > *f.MaxLength {
			add(contracts.SevError, "BAD_LENGTH_BOUNDS", f.Name, "field %q has minLength > maxLength", f.Name)
		}
		if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
			add(contracts.SevError, "BAD_RANGE_BOUNDS", f.Name, "field %q has min > max", f.Name)
		}
		if f.Pattern != "" {
			if _, err := regexp.Compile(f.Pattern); err != nil {
				add(contracts.SevError, "BAD_PATTERN", f.Name, "field %q pattern does not compile: %v", f.Name, err)
			}
		}
	}

	// system-field invariant: present and correctly typed on every entity
	for _, sys := range contracts.SystemFields {
		got, ok := fieldsByName[sys.Name]
		if !ok {
			add(contracts.SevError, "MISSING_SYSTEM_FIELD", sys.Name, "system field %q is missing", sys.Name)
			continue
		}
		if got.Type != sys.Type {
			add(contracts.SevError, "MISTYPED_SYSTEM_FIELD", sys.Name,
				"system field %q must be %s, got %s", sys.Name, sys.Type, got.Type)
		}
	}

	policyNames := make(map[string]bool, len(s.Policies))
	for i := range s.Policies {
		p := &s.Policies[i]
		path := fmt.Sprintf("policies[%d]", i)
		if p.Name == "" {
			add(contracts.SevError, "UNNAMED_POLICY", path, "policy has no name")
		} else {
			if policyNames[p.Name] {
				add(contracts.SevWarn, "DUPLICATE_POLICY", p.Name, "duplicate policy name %q", p.Name)
			}
			policyNames[p.Name] = true
			path = p.Name
		}
		if p.Effect != contracts.EffectAllow && p.Effect != contracts.EffectDeny {
			add(contracts.SevError, "BAD_EFFECT", path, "policy %q has invalid effect %q", p.Name, p.Effect)
		}
		if !contracts.KnownPolicyActions[p.Action] {
			add(contracts.SevError, "BAD_ACTION", path, "policy %q has invalid action %q", p.Name, p.Action)
		}
		for _, fname := range p.Fields {
			if fname == "*" {
				continue
			}
			if _, ok := fieldsByName[fname]; !ok {
				add(contracts.SevError, "UNKNOWN_POLICY_FIELD", path,
					"policy %q references unknown field %q", p.Name, fname)
			}
		}
	}

	return diags
}
