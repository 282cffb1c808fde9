package compiler

import (
	"encoding/json"
	"fmt"

	"github.com/lattice-hq/lattice/pkg/contracts"
)

// applyOverlays layers overlay changes, in set order and sort order, onto a
// deep copy of the base schema. A conflict-mode "fail" collision aborts the
// application with an ERROR diagnostic; the base is never touched.
func applyOverlays(base *contracts.SchemaDefinition, overlays []*contracts.Overlay) (*contracts.SchemaDefinition, contracts.Diagnostics) {
	work := deepCopySchema(base)
	var diags contracts.Diagnostics

	for _, o := range overlays {
		for _, change := range o.Changes {
			if err := applyChange(work, change); err != nil {
				diags = append(diags, contracts.Diagnostic{
					Severity: contracts.SevError,
					Code:     "OVERLAY_CONFLICT",
					Message:  fmt.Sprintf("overlay %s change %s: %v", o.ID, change.ID, err),
					Path:     change.TargetName,
				})
				return work, diags
			}
		}
	}
	return work, diags
}

func applyChange(s *contracts.SchemaDefinition, change contracts.OverlayChange) error {
	switch change.Kind {
	case contracts.ChangeAddField:
		return applyAddField(s, change)
	case contracts.ChangeModifyField:
		return applyModifyField(s, change)
	case contracts.ChangeRemoveField:
		return applyRemoveField(s, change)
	case contracts.ChangeTweakPolicy:
		return applyTweakPolicy(s, change)
	default:
		return fmt.Errorf("unknown change kind %q", change.Kind)
	}
}

func applyAddField(s *contracts.SchemaDefinition, change contracts.OverlayChange) error {
	idx := fieldIndex(s, change.TargetName)
	if idx < 0 {
		f, err := decodeField(change.TargetName, change.Payload)
		if err != nil {
			return err
		}
		s.Fields = append(s.Fields, *f)
		return nil
	}
	switch change.ConflictMode {
	case contracts.ConflictFail:
		return fmt.Errorf("field %q already exists", change.TargetName)
	case contracts.ConflictOverwrite:
		f, err := decodeField(change.TargetName, change.Payload)
		if err != nil {
			return err
		}
		s.Fields[idx] = *f
		return nil
	default: // merge
		return mergeInto(&s.Fields[idx], change.Payload)
	}
}

func applyModifyField(s *contracts.SchemaDefinition, change contracts.OverlayChange) error {
	idx := fieldIndex(s, change.TargetName)
	if idx < 0 {
		if change.ConflictMode == contracts.ConflictFail {
			return fmt.Errorf("field %q not found", change.TargetName)
		}
		// overwrite/merge create the field when absent
		f, err := decodeField(change.TargetName, change.Payload)
		if err != nil {
			return err
		}
		s.Fields = append(s.Fields, *f)
		return nil
	}
	if change.ConflictMode == contracts.ConflictOverwrite {
		f, err := decodeField(change.TargetName, change.Payload)
		if err != nil {
			return err
		}
		s.Fields[idx] = *f
		return nil
	}
	return mergeInto(&s.Fields[idx], change.Payload)
}

func applyRemoveField(s *contracts.SchemaDefinition, change contracts.OverlayChange) error {
	idx := fieldIndex(s, change.TargetName)
	if idx < 0 {
		if change.ConflictMode == contracts.ConflictFail {
			return fmt.Errorf("field %q not found", change.TargetName)
		}
		return nil
	}
	s.Fields = append(s.Fields[:idx], s.Fields[idx+1:]...)
	return nil
}

func applyTweakPolicy(s *contracts.SchemaDefinition, change contracts.OverlayChange) error {
	idx := policyIndex(s, change.TargetName)
	if idx < 0 {
		if change.ConflictMode == contracts.ConflictFail {
			return fmt.Errorf("policy %q not found", change.TargetName)
		}
		p, err := decodePolicy(change.TargetName, change.Payload)
		if err != nil {
			return err
		}
		s.Policies = append(s.Policies, *p)
		return nil
	}
	if change.ConflictMode == contracts.ConflictOverwrite {
		p, err := decodePolicy(change.TargetName, change.Payload)
		if err != nil {
			return err
		}
		s.Policies[idx] = *p
		return nil
	}
	return mergeInto(&s.Policies[idx], change.Payload)
}

func fieldIndex(s *contracts.SchemaDefinition, name string) int {
	for i := range s.Fields {
		if s.Fields[i].Name == name {
			return i
		}
	}
	return -1
}

func policyIndex(s *contracts.SchemaDefinition, name string) int {
	for i := range s.Policies {
		if s.Policies[i].Name == name {
			return i
		}
	}
	return -1
}

func decodeField(name string, payload map[string]any) (*contracts.FieldDef, error) {
	var f contracts.FieldDef
	if err := decodePayload(payload, &f); err != nil {
		return nil, fmt.Errorf("bad field payload for %q: %w", name, err)
	}
	if f.Name == "" {
		f.Name = name
	}
	return &f, nil
}

func decodePolicy(name string, payload map[string]any) (*contracts.PolicyDef, error) {
	var p contracts.PolicyDef
	if err := decodePayload(payload, &p); err != nil {
		return nil, fmt.Errorf("bad policy payload for %q: %w", name, err)
	}
	if p.Name == "" {
		p.Name = name
	}
	return &p, nil
}

func decodePayload(payload map[string]any, out any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// mergeInto merges payload keys over the existing value's JSON form,
// leaving keys absent from the payload untouched.
func mergeInto(existing any, payload map[string]any) error {
	b, err := json.Marshal(existing)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	for k, v := range payload {
		m[k] = v
	}
	merged, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(merged, existing)
}

func deepCopySchema(s *contracts.SchemaDefinition) *contracts.SchemaDefinition {
	b, _ := json.Marshal(s)
	var cp contracts.SchemaDefinition
	_ = json.Unmarshal(b, &cp)
	return &cp
}
