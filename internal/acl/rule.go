package acl

import (
	"sort"

	"github.com/riftproxy/socksentry/internal/codec"
)

// Rule is a compiled, priority-ordered ACL rule. An empty Destinations
// or Ports list matches nothing; "*" must be used explicitly to match
// everything.
type Rule struct {
	Action       Action
	Destinations []DestMatcher
	Ports        []PortMatcher
	Protocols    Protocol
	Priority     uint32
	Description  string
}

// Matches requires protocol overlap and at least one matching entry in
// both the destination and port lists (OR within each list, AND across
// the two lists).
func (r Rule) Matches(addr codec.Address, port uint16, proto Protocol) bool {
	if !r.Protocols.Overlaps(proto) {
		return false
	}
	destOK := false
	for _, d := range r.Destinations {
		if d.Match(addr) {
			destOK = true
			break
		}
	}
	if !destOK {
		return false
	}
	for _, p := range r.Ports {
		if p.Match(port) {
			return true
		}
	}
	return false
}

// sortRules orders Block before Allow, then by priority descending,
// matching the compile-time pre-sort so merging user+group rule lists
// at evaluation time is near-linear.
func sortRules(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Action != rules[j].Action {
			return rules[i].Action == ActionBlock
		}
		return rules[i].Priority > rules[j].Priority
	})
}

// mergeSorted merges two already-sorted rule lists preserving the same
// total order, without re-sorting from scratch.
func mergeSorted(a, b []Rule) []Rule {
	out := make([]Rule, 0, len(a)+len(b))
	i, j := 0, 0
	less := func(x, y Rule) bool {
		if x.Action != y.Action {
			return x.Action == ActionBlock
		}
		return x.Priority > y.Priority
	}
	for i < len(a) && j < len(b) {
		if less(a[i], b[j]) {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}
