// Package ir implements the Program IR described in spec.md §3 ("Program
// IR (normal form)") and §4.2 (normalization), plus the Magic IR shape
// consumed by package magic. Atoms are a tagged union dispatched by
// AtomKind rather than an interface hierarchy, per spec.md §9.
package ir

import "github.com/stratadb/stratadb/expr"

// AtomKind tags the variant held by an Atom.
type AtomKind uint8

const (
	// AtomRuleApply invokes another rule group (or a stored relation,
	// indistinguishable at this layer) with the given argument
	// bindings.
	AtomRuleApply AtomKind = iota
	// AtomNegatedRuleApply is the same, but the match must fail for
	// the containing tuple to survive (realized as an anti-join).
	AtomNegatedRuleApply
	// AtomPredicate evaluates a boolean expression; a non-true (or
	// dropped, non-strict) result excludes the tuple.
	AtomPredicate
	// AtomUnification binds a variable to the value of an expression
	// (variable ≡ expression).
	AtomUnification
	// AtomInList binds ListVar to each element of a list-valued
	// expression in turn; this is what `x in [1,2,3]` desugars to
	// when used as a generator rather than a membership test.
	AtomInList
	// AtomTokenizedView queries an FTS or LSH index at evaluation
	// time, producing virtual tuples whose extra column is the bound
	// score/distance (spec.md §4.7).
	AtomTokenizedView
)

// Atom is one body element of a Rule.
type Atom struct {
	Kind AtomKind

	// AtomRuleApply / AtomNegatedRuleApply / AtomTokenizedView
	Relation string
	Args     []string // variable name bound to (or producing) each argument position

	// AtomPredicate
	Pred expr.Expr

	// AtomUnification
	UnifyVar  string
	UnifyExpr expr.Expr

	// AtomInList
	ListVar  string
	ListExpr expr.Expr

	// AtomTokenizedView: extra query parameters (e.g. query vector,
	// query text, k) keyed by parameter name.
	TokenParams map[string]expr.Expr
}

// AggrSlot is a per-head aggregator slot, one per head argument
// position. A Rule with no aggregation has a nil slot in every
// position.
type AggrSlot struct {
	Func string // "count","sum","mean","min","max","and","or","list"
	Arg  expr.Expr
}

// IsMeet reports whether this aggregator's domain forms a meet
// semilattice (min, max, and, or), permitting incremental update under
// set union per spec.md §4.5 point 4.
func (a *AggrSlot) IsMeet() bool {
	switch a.Func {
	case "min", "max", "and", "or":
		return true
	}
	return false
}

// Rule is one clause of a rule group: head bindings, optional
// aggregator slot per head position, body atoms, and a validity
// annotation (threaded through unchanged by every pipeline stage but
// otherwise opaque to this package — spec.md does not define its
// external representation beyond "validity").
type Rule struct {
	Head     []string
	Aggr     []*AggrSlot
	Body     []Atom
	Validity int64
}

// HasAggregate reports whether any head position carries an
// aggregator.
func (r *Rule) HasAggregate() bool {
	for _, a := range r.Aggr {
		if a != nil {
			return true
		}
	}
	return false
}

// FixedRuleArg is one argument passed to a FixedRule application: the
// name of a relation (stored or rule-derived) supplying input rows.
type FixedRuleArg struct {
	Relation string
	Bindings []string
}

// FixedRuleApply invokes a cataloged fixed rule (spec.md §9 "Fixed
// rules as capability") with its relation arguments and an option map.
// Fixed rules are passed through the magic-sets rewriter unchanged,
// with every argument position marked Muggle.
type FixedRuleApply struct {
	Name    string
	Inputs  []FixedRuleArg
	Head    []string
	Options map[string]expr.Expr
}

// RuleGroup is either a list of Rules sharing one head name, or a
// single FixedRule application.
type RuleGroup struct {
	Rules     []Rule
	FixedRule *FixedRuleApply
}

func (g RuleGroup) IsFixedRule() bool { return g.FixedRule != nil }

// Program is a normal-form IR program: a set of named rule groups plus
// the designated entry symbol ("?").
type Program struct {
	Groups map[string]*RuleGroup
	Entry  string
}

const EntrySymbol = "?"

// EdgeKind classifies a dependency-graph edge between rule groups, used
// by the stratifier (spec.md §4.3, §9).
type EdgeKind uint8

const (
	EdgePositive EdgeKind = iota
	EdgeNegated
	EdgeAggregated
)

// DependencyGraph returns, for every rule group name in p, the set of
// rule groups it references and how (spec.md §9: "node → adjacency
// list of edges {target, kind}").
func (p *Program) DependencyGraph() map[string]map[string]EdgeKind {
	graph := make(map[string]map[string]EdgeKind, len(p.Groups))
	for name, group := range p.Groups {
		edges := make(map[string]EdgeKind)
		if group.IsFixedRule() {
			for _, in := range group.FixedRule.Inputs {
				addEdge(edges, in.Relation, EdgePositive)
			}
			graph[name] = edges
			continue
		}
		for _, rule := range group.Rules {
			aggr := rule.HasAggregate()
			for _, atom := range rule.Body {
				switch atom.Kind {
				case AtomRuleApply:
					kind := EdgePositive
					if aggr {
						kind = EdgeAggregated
					}
					addEdge(edges, atom.Relation, kind)
				case AtomNegatedRuleApply:
					addEdge(edges, atom.Relation, EdgeNegated)
				}
			}
		}
		graph[name] = edges
	}
	return graph
}

func addEdge(edges map[string]EdgeKind, target string, kind EdgeKind) {
	if existing, ok := edges[target]; ok {
		// A positive+negated (or +aggregated) reference to the same
		// target is recorded as the more restrictive kind so the
		// stratifier never under-reports a cycle hazard.
		if existing == EdgePositive {
			edges[target] = kind
		}
		return
	}
	edges[target] = kind
}
