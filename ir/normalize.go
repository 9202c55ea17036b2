package ir

import (
	"fmt"

	"github.com/stratadb/stratadb/errs"
	"github.com/stratadb/stratadb/expr"
)

// freshGen produces distinct fresh variable names, scoped to one rule,
// per spec.md §4.2 point 3 ("canonicalises underscore `_` as a
// *distinct* fresh variable per occurrence").
type freshGen struct{ n int }

func (f *freshGen) next(prefix string) string {
	f.n++
	return fmt.Sprintf("%s$%d", prefix, f.n)
}

// Normalize transforms a SurfaceProgram into normal-form IR, per
// spec.md §4.2:
//  1. Desugars `in`/range expressions into unifications over list atoms.
//  2. Replaces nested expressions in atoms with fresh variables and a
//     companion Unification atom.
//  3. Canonicalises underscore `_` as a distinct fresh variable per
//     occurrence; rejects anonymous bindings with no binding site.
//  4. Rejects rules where the same variable appears twice in a
//     fixed-rule input's argument positions.
func Normalize(sp *SurfaceProgram) (*Program, error) {
	prog := &Program{Groups: make(map[string]*RuleGroup, len(sp.Groups)), Entry: sp.Entry}
	for name, sg := range sp.Groups {
		g, err := normalizeGroup(sg)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", name, err)
		}
		prog.Groups[name] = g
	}
	return prog, nil
}

func normalizeGroup(sg *SurfaceRuleGroup) (*RuleGroup, error) {
	if sg.FixedRule != nil {
		if err := checkFixedRuleArgs(sg.FixedRule); err != nil {
			return nil, err
		}
		return &RuleGroup{FixedRule: sg.FixedRule}, nil
	}
	rules := make([]Rule, 0, len(sg.Rules))
	for i, sr := range sg.Rules {
		r, err := normalizeRule(sr)
		if err != nil {
			return nil, fmt.Errorf("clause %d: %w", i, err)
		}
		rules = append(rules, r)
	}
	return &RuleGroup{Rules: rules}, nil
}

// checkFixedRuleArgs rejects a fixed-rule call where the same variable
// occupies two argument positions of one input, e.g. PageRank(r[a,a]),
// per spec.md §4.2 point 4.
func checkFixedRuleArgs(f *FixedRuleApply) error {
	for _, in := range f.Inputs {
		seen := make(map[string]bool, len(in.Bindings))
		for _, v := range in.Bindings {
			if v == AnonymousName {
				continue
			}
			if seen[v] {
				return errs.Semantics.New(fmt.Sprintf(
					"variable %q appears twice in fixed-rule input %q", v, in.Relation))
			}
			seen[v] = true
		}
	}
	return nil
}

func normalizeRule(sr SurfaceRule) (Rule, error) {
	fg := &freshGen{}
	var body []Atom

	head := make([]string, len(sr.Head))
	var headExtra []Atom
	for i, he := range sr.Head {
		if isAnonymous(he) {
			return Rule{}, errs.Semantics.New("anonymous variable has no binding site")
		}
		v, extra, err := flatten(he, fg)
		if err != nil {
			return Rule{}, err
		}
		headExtra = append(headExtra, extra...)
		head[i] = v
	}

	for _, sa := range sr.Body {
		atoms, err := normalizeAtom(sa, fg)
		if err != nil {
			return Rule{}, err
		}
		body = append(body, atoms...)
	}
	// Head expressions read variables bound by the body, so their
	// companion unifications come after every body atom.
	body = append(body, headExtra...)

	return Rule{Head: head, Aggr: sr.Aggr, Body: body, Validity: sr.Validity}, nil
}

func isAnonymous(e expr.Expr) bool {
	return e.Kind() == expr.KindBinding && e.VarName() == AnonymousName
}

// flatten replaces a nested expression in an argument position with a
// fresh variable plus a companion Unification atom (spec.md §4.2
// point 2). A bare (non-anonymous) variable reference is returned
// as-is with no extra atom. Anonymous references are renamed to a
// fresh, unique discard variable — legal in an argument position,
// unlike head or unification-LHS position.
func flatten(e expr.Expr, fg *freshGen) (string, []Atom, error) {
	if e.Kind() == expr.KindBinding {
		pos, has := e.TuplePos()
		if !has {
			if e.VarName() == AnonymousName {
				return fg.next("_"), nil, nil
			}
			return e.VarName(), nil, nil
		}
		// Binding-at-position still needs flattening into a fresh var
		// bound by a unification extracting that position.
		fresh := fg.next("t")
		return fresh, []Atom{{
			Kind:      AtomUnification,
			UnifyVar:  fresh,
			UnifyExpr: expr.BindingAt(e.VarName(), pos),
		}}, nil
	}
	renamed, err := canonicalizeAnon(e, fg)
	if err != nil {
		return "", nil, err
	}
	fresh := fg.next("t")
	return fresh, []Atom{{Kind: AtomUnification, UnifyVar: fresh, UnifyExpr: renamed}}, nil
}

// canonicalizeAnon rewrites every anonymous Binding inside e to a
// distinct fresh variable, per spec.md §4.2 point 3.
func canonicalizeAnon(e expr.Expr, fg *freshGen) (expr.Expr, error) {
	switch e.Kind() {
	case expr.KindConst:
		return e, nil
	case expr.KindBinding:
		if e.VarName() == AnonymousName {
			pos, has := e.TuplePos()
			if has {
				return expr.BindingAt(fg.next("_"), pos), nil
			}
			return expr.Binding(fg.next("_")), nil
		}
		return e, nil
	case expr.KindApply:
		args := make([]expr.Expr, len(e.Args()))
		for i, a := range e.Args() {
			ra, err := canonicalizeAnon(a, fg)
			if err != nil {
				return expr.Expr{}, err
			}
			args[i] = ra
		}
		return expr.Apply(e.Op(), args...), nil
	}
	return e, nil
}

func normalizeAtom(sa SurfaceAtom, fg *freshGen) ([]Atom, error) {
	switch sa.Kind {
	case SurfaceRuleApply, SurfaceNegatedRuleApply, SurfaceTokenizedView:
		var extra []Atom
		args := make([]string, len(sa.Args))
		for i, ae := range sa.Args {
			v, ex, err := flatten(ae, fg)
			if err != nil {
				return nil, err
			}
			extra = append(extra, ex...)
			args[i] = v
		}
		kind := AtomRuleApply
		if sa.Kind == SurfaceNegatedRuleApply {
			kind = AtomNegatedRuleApply
		} else if sa.Kind == SurfaceTokenizedView {
			kind = AtomTokenizedView
		}
		params := make(map[string]expr.Expr, len(sa.TokenParams))
		for k, pe := range sa.TokenParams {
			renamed, err := canonicalizeAnon(pe, fg)
			if err != nil {
				return nil, err
			}
			params[k] = renamed
		}
		extra = append(extra, Atom{Kind: kind, Relation: sa.Relation, Args: args, TokenParams: params})
		return extra, nil

	case SurfacePredicate:
		if isAnonymous(sa.Pred) {
			return nil, errs.Semantics.New("anonymous variable has no binding site")
		}
		renamed, err := canonicalizeAnon(sa.Pred, fg)
		if err != nil {
			return nil, err
		}
		return []Atom{{Kind: AtomPredicate, Pred: renamed}}, nil

	case SurfaceUnification:
		if sa.UnifyVar == AnonymousName {
			return nil, errs.Semantics.New("anonymous variable has no binding site")
		}
		renamed, err := canonicalizeAnon(sa.UnifyExpr, fg)
		if err != nil {
			return nil, err
		}
		return []Atom{{Kind: AtomUnification, UnifyVar: sa.UnifyVar, UnifyExpr: renamed}}, nil

	case SurfaceInList:
		if sa.ListVar == AnonymousName {
			return nil, errs.Semantics.New("anonymous variable has no binding site")
		}
		// Desugar: a non-trivial list expression (e.g. a range
		// application) is first bound to a fresh variable via
		// Unification, then AtomInList iterates that variable's list.
		if sa.ListExpr.Kind() == expr.KindConst || (sa.ListExpr.Kind() == expr.KindBinding && !isAnonymous(sa.ListExpr)) {
			return []Atom{{Kind: AtomInList, ListVar: sa.ListVar, ListExpr: sa.ListExpr}}, nil
		}
		renamed, err := canonicalizeAnon(sa.ListExpr, fg)
		if err != nil {
			return nil, err
		}
		fresh := fg.next("l")
		return []Atom{
			{Kind: AtomUnification, UnifyVar: fresh, UnifyExpr: renamed},
			{Kind: AtomInList, ListVar: sa.ListVar, ListExpr: expr.Binding(fresh)},
		}, nil
	}
	return nil, errs.Internal.New("unknown surface atom kind")
}
