// Package stratify computes stratum assignment for a normalized
// program, per spec.md §4.3 and the "Cyclic data" design note in
// spec.md §9: build a dependency graph, find its condensation (SCCs),
// reject any SCC a negated or aggregated edge touches, and emit strata
// in reverse topological order.
package stratify

import (
	"fmt"

	"github.com/stratadb/stratadb/errs"
	"github.com/stratadb/stratadb/ir"
)

// Stratum is one evaluation layer: a set of rule-group names that can
// be evaluated together via semi-naive iteration, with no negation or
// aggregation edge reaching back into the same stratum.
type Stratum struct {
	Names []string
}

// Stratify partitions prog's rule groups into strata. Strata are
// returned in dependency order: stratum 0 depends on nothing produced
// by later strata, and every rule group in stratum k references only
// groups in strata <= k (with negated/aggregated references strictly
// to earlier strata).
func Stratify(prog *ir.Program) ([]Stratum, error) {
	graph := prog.DependencyGraph()
	comps := tarjanSCC(graph)

	// comps is already in reverse-topological order (components that
	// depend on nothing else come first in our SCC emission). Reject
	// any component containing a non-positive edge between two of its
	// own members.
	nodeComp := make(map[string]int, len(graph))
	for ci, comp := range comps {
		for _, n := range comp {
			nodeComp[n] = ci
		}
	}
	for ci, comp := range comps {
		members := make(map[string]bool, len(comp))
		for _, n := range comp {
			members[n] = true
		}
		for _, n := range comp {
			for target, kind := range graph[n] {
				if !members[target] {
					continue
				}
				if kind != ir.EdgePositive {
					return nil, errs.Semantics.New(fmt.Sprintf(
						"negation/aggregation through recursion: %q", n))
				}
			}
		}
		_ = ci
	}

	strata := make([]Stratum, len(comps))
	for i, comp := range comps {
		strata[i] = Stratum{Names: comp}
	}
	return strata, nil
}

// tarjanSCC computes strongly connected components of graph and
// returns them ordered so that a component earlier in the result
// depends on nothing in a component later in the result — i.e.
// reverse topological order of the condensation, matching spec.md
// §4.3's "Strata are emitted in reverse topological order" (read as:
// leaf dependencies evaluate first).
func tarjanSCC(graph map[string]map[string]ir.EdgeKind) [][]string {
	index := 0
	indices := make(map[string]int)
	lowlink := make(map[string]int)
	onStack := make(map[string]bool)
	var stack []string
	var order [][]string

	var strongConnect func(v string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for w := range graph[v] {
			if _, ok := indices[w]; !ok {
				if _, known := graph[w]; !known {
					// Reference to a base relation never defined as a
					// rule group; treat as having no further edges.
					graph[w] = map[string]ir.EdgeKind{}
				}
				strongConnect(w)
				if lowlink[w] < lowlink[v] {
					lowlink[v] = lowlink[w]
				}
			} else if onStack[w] {
				if indices[w] < lowlink[v] {
					lowlink[v] = indices[w]
				}
			}
		}

		if lowlink[v] == indices[v] {
			var comp []string
			for {
				n := len(stack) - 1
				w := stack[n]
				stack = stack[:n]
				onStack[w] = false
				comp = append(comp, w)
				if w == v {
					break
				}
			}
			order = append(order, comp)
		}
	}

	// Deterministic traversal order for reproducible stratification
	// across runs with the same program text.
	var names []string
	for n := range graph {
		names = append(names, n)
	}
	sortStrings(names)
	for _, n := range names {
		if _, ok := indices[n]; !ok {
			strongConnect(n)
		}
	}

	// Tarjan emits components in reverse-topological order relative to
	// the *edge direction we walked* (rule -> referenced rule), which
	// already means a component is discovered only after all the
	// components it depends on, i.e. dependencies come first. That
	// matches spec.md's requirement directly.
	return order
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// ExemptClosure computes the set of rule-group names exempt from
// magic-sets rewriting in stratum and every stratum downstream of it,
// per spec.md §4.4 ("Aggregation exemption") and
// original_source/src/query/magic.rs's get_downstream_rules: once a
// stratum contains an aggregate-headed rule, every rule group
// reachable from it (including transitively, across later strata)
// must also be treated as exempt, since magic-sets rewriting one of
// its callers would require binding propagation through an
// aggregate boundary.
func ExemptClosure(prog *ir.Program, graph map[string]map[string]ir.EdgeKind, seed map[string]bool) map[string]bool {
	exempt := make(map[string]bool, len(seed))
	for k := range seed {
		exempt[k] = true
	}
	// Forward walk: mark exempt everything an exempt rule
	// (transitively) references. get_downstream_rules walks forward from the exempt rule
	// through bodies, so we mirror that: start from exempt seeds and
	// follow the same forward edges that define "downstream" in the
	// Rust source (a rule's downstream set is what its body
	// references).
	var visit func(n string)
	visited := make(map[string]bool)
	visit = func(n string) {
		if visited[n] {
			return
		}
		visited[n] = true
		exempt[n] = true
		for target := range graph[n] {
			visit(target)
		}
	}
	for k := range seed {
		visit(k)
	}
	return exempt
}
