// Package magic implements the Magic-Sets rewriter of spec.md §4.4:
// adornment of rule applications by their call-time binding pattern,
// followed by a Sideways-Information-Passing (SIP) rewrite that
// threads only the minimal binding frame into each callee.
//
// The two-phase structure (adorn, then rewrite) and the exact
// supplementary-atom bookkeeping follow
// original_source/src/query/magic.rs's `adorn` / `magic_rewrite_ruleset`
// functions, per SPEC_FULL.md §5.9.
package magic

import (
	"sort"
	"strconv"
	"strings"

	"github.com/stratadb/stratadb/expr"
	"github.com/stratadb/stratadb/ir"
)

// SymbolKind tags one of the four magic-produced symbol families of
// spec.md §3: Muggle, Magic, Input, Sup.
type SymbolKind uint8

const (
	SymMuggle SymbolKind = iota
	SymMagic
	SymInput
	SymSup
)

// Symbol identifies one entry of a MagicProgram.
type Symbol struct {
	Kind       SymbolKind
	Name       string // original rule/relation name
	Adornment  []bool // bit vector: which argument positions are bound
	RuleIdx    int    // SymSup only
	SupIdx     int    // SymSup only
}

func (s Symbol) HasBoundAdornment() bool {
	for _, b := range s.Adornment {
		if b {
			return true
		}
	}
	return false
}

func (s Symbol) adornmentKey() string {
	var sb strings.Builder
	for _, b := range s.Adornment {
		if b {
			sb.WriteByte('b')
		} else {
			sb.WriteByte('f')
		}
	}
	return sb.String()
}

// Key returns a string uniquely identifying s, suitable as a
// MagicProgram map key.
func (s Symbol) Key() string {
	switch s.Kind {
	case SymMuggle:
		return "Muggle(" + s.Name + ")"
	case SymMagic:
		return "Magic(" + s.Name + "," + s.adornmentKey() + ")"
	case SymInput:
		return "Input(" + s.Name + "," + s.adornmentKey() + ")"
	case SymSup:
		return "Sup(" + s.Name + "," + s.adornmentKey() + "," + strconv.Itoa(s.RuleIdx) + "," + strconv.Itoa(s.SupIdx) + ")"
	}
	return "?"
}

// Atom mirrors ir.Atom but a rule-application references a fully
// resolved magic Symbol (carrying the callee's adornment) instead of
// a bare relation name.
type Atom struct {
	Kind ir.AtomKind

	Symbol Symbol   // AtomRuleApply / AtomNegatedRuleApply
	Args   []string // AtomRuleApply / AtomNegatedRuleApply / AtomTokenizedView

	Relation    string // AtomTokenizedView: index name, not rule-adorned
	TokenParams map[string]expr.Expr

	Pred expr.Expr

	UnifyVar  string
	UnifyExpr expr.Expr

	ListVar  string
	ListExpr expr.Expr
}

type Rule struct {
	Head     []string
	Aggr     []*ir.AggrSlot
	Body     []Atom
	Validity int64
}

type RuleGroup struct {
	Rules     []Rule
	FixedRule *ir.FixedRuleApply
}

// Program is the output of one stratum's magic-sets rewrite: a set of
// named (by Symbol.Key()) rule groups covering Muggle, Magic, Input,
// and Sup symbols.
type Program struct {
	Groups  map[string]*RuleGroup
	Symbols map[string]Symbol // Key() -> Symbol, for evaluator dispatch
}

func newProgram() *Program {
	return &Program{Groups: map[string]*RuleGroup{}, Symbols: map[string]Symbol{}}
}

func (p *Program) append(sym Symbol, rule Rule) {
	key := sym.Key()
	p.Symbols[key] = sym
	g, ok := p.Groups[key]
	if !ok {
		g = &RuleGroup{}
		p.Groups[key] = g
	}
	g.Rules = append(g.Rules, rule)
}

func allFree(n int) []bool { return make([]bool, n) }

// request is one pending (name, adornment) pair to adorn, queued
// breadth-first so that every reachable specialization is visited
// exactly once.
type request struct {
	name      string
	adornment []bool
	muggle    bool
}

// Rewrite runs the full two-phase magic-sets rewrite for one stratum:
// prog is the normal-form IR restricted to this stratum's rule groups
// (plus any lower-stratum groups it may reference, which the
// evaluator resolves directly against already-computed relations),
// entry is the query's entry symbol name (normally ir.EntrySymbol),
// entryArity is its head arity, and exempt is the aggregation-exempt
// set computed by stratify.ExemptClosure for this stratum (spec.md
// §4.4's "Aggregation exemption").
func Rewrite(prog *ir.Program, entry string, entryArity int, exempt map[string]bool) *Program {
	adorned := adorn(prog, entry, entryArity, exempt)
	return sipRewrite(adorned)
}

// adorn is phase one: breadth-first adornment of every reachable
// (name, binding pattern), producing an intermediate program whose
// rule-application atoms reference a fully adorned callee Symbol, per
// spec.md §4.4 "Adornment".
func adorn(prog *ir.Program, entry string, entryArity int, exempt map[string]bool) *Program {
	out := newProgram()
	visited := map[string]bool{}
	queue := []request{{name: entry, adornment: allFree(entryArity), muggle: exempt[entry]}}

	for len(queue) > 0 {
		req := queue[0]
		queue = queue[1:]

		sym := symbolFor(req)
		key := sym.Key()
		if visited[key] {
			continue
		}
		visited[key] = true

		group, ok := prog.Groups[req.name]
		if !ok {
			// Base relation or similarity index: no rule group to
			// adorn: the evaluator resolves it directly against
			// storage.
			continue
		}

		if group.IsFixedRule() {
			out.Groups[key] = &RuleGroup{FixedRule: group.FixedRule}
			out.Symbols[key] = sym
			for _, in := range group.FixedRule.Inputs {
				queue = append(queue, request{name: in.Relation, adornment: allFree(len(in.Bindings)), muggle: true})
			}
			continue
		}

		useMuggle := req.muggle || exempt[req.name]
		for _, r := range group.Rules {
			bound := map[string]bool{}
			for i, b := range req.adornment {
				if b && i < len(r.Head) {
					bound[r.Head[i]] = true
				}
			}
			var body []Atom
			for _, atom := range r.Body {
				switch atom.Kind {
				case ir.AtomRuleApply, ir.AtomNegatedRuleApply:
					beta := computeAdornment(atom.Args, bound)
					childMuggle := useMuggle || exempt[atom.Relation]
					childSym := Symbol{Kind: symKind(childMuggle), Name: atom.Relation, Adornment: beta}
					body = append(body, Atom{Kind: atom.Kind, Symbol: childSym, Args: append([]string(nil), atom.Args...)})
					queue = append(queue, request{name: atom.Relation, adornment: beta, muggle: childMuggle})
					if atom.Kind == ir.AtomRuleApply {
						for _, a := range atom.Args {
							bound[a] = true
						}
					}
				case ir.AtomTokenizedView:
					body = append(body, Atom{Kind: atom.Kind, Relation: atom.Relation, Args: append([]string(nil), atom.Args...), TokenParams: atom.TokenParams})
					for _, a := range atom.Args {
						bound[a] = true
					}
				case ir.AtomPredicate:
					body = append(body, Atom{Kind: atom.Kind, Pred: atom.Pred})
				case ir.AtomUnification:
					body = append(body, Atom{Kind: atom.Kind, UnifyVar: atom.UnifyVar, UnifyExpr: atom.UnifyExpr})
					bound[atom.UnifyVar] = true
				case ir.AtomInList:
					body = append(body, Atom{Kind: atom.Kind, ListVar: atom.ListVar, ListExpr: atom.ListExpr})
					bound[atom.ListVar] = true
				}
			}
			out.append(sym, Rule{Head: r.Head, Aggr: r.Aggr, Body: body, Validity: r.Validity})
		}
	}
	return out
}

func symKind(muggle bool) SymbolKind {
	if muggle {
		return SymMuggle
	}
	return SymMagic
}

func symbolFor(req request) Symbol {
	return Symbol{Kind: symKind(req.muggle), Name: req.name, Adornment: req.adornment}
}

func computeAdornment(args []string, bound map[string]bool) []bool {
	beta := make([]bool, len(args))
	for i, a := range args {
		beta[i] = bound[a]
	}
	return beta
}

// sipRewrite is phase two: for every adorned rule group, thread
// Sideways Information Passing per spec.md §4.4 and
// original_source/src/query/magic.rs's magic_rewrite_ruleset.
func sipRewrite(adorned *Program) *Program {
	out := newProgram()

	// Stable iteration order so repeated rewrites of the same program
	// produce byte-identical Sup/Input numbering.
	keys := make([]string, 0, len(adorned.Groups))
	for k := range adorned.Groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		group := adorned.Groups[key]
		sym := adorned.Symbols[key]
		if group.FixedRule != nil {
			out.Groups[key] = &RuleGroup{FixedRule: group.FixedRule}
			out.Symbols[key] = sym
			continue
		}
		ruleHasBoundArgs := sym.HasBoundAdornment()
		for ruleIdx, rule := range group.Rules {
			supIdx := 0
			nextSup := func() Symbol {
				s := Symbol{Kind: SymSup, Name: sym.Name, Adornment: sym.Adornment, RuleIdx: ruleIdx, SupIdx: supIdx}
				supIdx++
				return s
			}

			var collected []Atom
			seen := map[string]bool{}

			if ruleHasBoundArgs {
				supSym := nextSup()
				var supArgs []string
				for i, b := range sym.Adornment {
					if b {
						supArgs = append(supArgs, rule.Head[i])
					}
				}
				inputSym := Symbol{Kind: SymInput, Name: sym.Name, Adornment: sym.Adornment}
				out.append(supSym, Rule{
					Head: supArgs,
					Aggr: make([]*ir.AggrSlot, len(supArgs)),
					Body: []Atom{{Kind: ir.AtomRuleApply, Symbol: inputSym, Args: supArgs}},
					Validity: rule.Validity,
				})
				for _, a := range supArgs {
					seen[a] = true
				}
				collected = append(collected, Atom{Kind: ir.AtomRuleApply, Symbol: supSym, Args: supArgs})
			}

			for _, atom := range rule.Body {
				switch atom.Kind {
				case ir.AtomPredicate, ir.AtomNegatedRuleApply:
					collected = append(collected, atom)
				case ir.AtomTokenizedView:
					for _, a := range atom.Args {
						seen[a] = true
					}
					collected = append(collected, atom)
				case ir.AtomUnification:
					seen[atom.UnifyVar] = true
					collected = append(collected, atom)
				case ir.AtomInList:
					seen[atom.ListVar] = true
					collected = append(collected, atom)
				case ir.AtomRuleApply:
					if atom.Symbol.HasBoundAdornment() {
						supSym := nextSup()
						args := sortedKeys(seen)
						out.append(supSym, Rule{
							Head: args,
							Aggr: make([]*ir.AggrSlot, len(args)),
							Body: append([]Atom(nil), collected...),
							Validity: rule.Validity,
						})
						supApp := Atom{Kind: ir.AtomRuleApply, Symbol: supSym, Args: args}
						collected = []Atom{supApp}

						var inputArgs []string
						for i, b := range atom.Symbol.Adornment {
							if b {
								inputArgs = append(inputArgs, atom.Args[i])
							}
						}
						inputSym := Symbol{Kind: SymInput, Name: atom.Symbol.Name, Adornment: atom.Symbol.Adornment}
						out.append(inputSym, Rule{
							Head: inputArgs,
							Aggr: make([]*ir.AggrSlot, len(inputArgs)),
							Body: []Atom{supApp},
							Validity: rule.Validity,
						})
					}
					for _, a := range atom.Args {
						seen[a] = true
					}
					collected = append(collected, atom)
				}
			}

			out.append(sym, Rule{Head: rule.Head, Aggr: rule.Aggr, Body: collected, Validity: rule.Validity})
		}
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
