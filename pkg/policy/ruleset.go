package policy

import (
	"sort"

	"github.com/lattice-hq/lattice/pkg/contracts"
)

// RuleSet is an indexed, priority-ordered compiled policy set for one
// resource scope. Construction sorts once; evaluation walks candidates
// without further allocation.
type RuleSet struct {
	byResource map[string][]*contracts.CompiledPolicy
	byAction   map[contracts.PolicyAction][]*contracts.CompiledPolicy
	byName     map[string]*contracts.CompiledPolicy
	ordered    []*contracts.CompiledPolicy
}

// NewRuleSet indexes policies. Ordering is priority descending; ties put
// deny before allow so the fail-secure rule is checked first.
func NewRuleSet(policies []contracts.CompiledPolicy) *RuleSet {
	rs := &RuleSet{
		byResource: make(map[string][]*contracts.CompiledPolicy),
		byAction:   make(map[contracts.PolicyAction][]*contracts.CompiledPolicy),
		byName:     make(map[string]*contracts.CompiledPolicy),
	}
	rs.ordered = make([]*contracts.CompiledPolicy, 0, len(policies))
	for i := range policies {
		p := &policies[i]
		rs.ordered = append(rs.ordered, p)
		rs.byResource[p.Resource] = append(rs.byResource[p.Resource], p)
		rs.byAction[p.Action] = append(rs.byAction[p.Action], p)
		rs.byName[p.Name] = p
	}
	sort.SliceStable(rs.ordered, func(i, j int) bool {
		a, b := rs.ordered[i], rs.ordered[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.Effect == contracts.EffectDeny && b.Effect == contracts.EffectAllow
	})
	return rs
}

// Candidates returns the rules speaking to (action, resource) in evaluation
// order: action matches the requested action or "*", resource matches
// exactly.
func (rs *RuleSet) Candidates(action contracts.PolicyAction, resource string) []*contracts.CompiledPolicy {
	var out []*contracts.CompiledPolicy
	for _, p := range rs.ordered {
		if p.Resource != resource {
			continue
		}
		if p.Action != action && p.Action != contracts.ActionAny {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Lookup returns a policy by name, nil when absent.
func (rs *RuleSet) Lookup(name string) *contracts.CompiledPolicy {
	return rs.byName[name]
}

// Len returns the number of indexed policies.
func (rs *RuleSet) Len() int { return len(rs.ordered) }
