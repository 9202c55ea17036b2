package eval

import (
	"github.com/stratadb/stratadb/errs"
	"github.com/stratadb/stratadb/expr"
	"github.com/stratadb/stratadb/ir"
	"github.com/stratadb/stratadb/magic"
	"github.com/stratadb/stratadb/value"
)

// frame is one partial variable binding produced while evaluating a
// rule body left to right.
type frame map[string]value.Value

func (f frame) clone() frame {
	out := make(frame, len(f)+1)
	for k, v := range f {
		out[k] = v
	}
	return out
}

// evalRuleSemiNaive evaluates one rule under the delta-rule
// substitution of spec.md §4.5 point 3: for every positive
// rule-application atom whose target is itself under iteration in
// this stratum (a "recursive" reference), produce one variant of the
// body per such atom with that atom restricted to its delta and every
// other recursive atom restricted to its (stable) total, then union
// the results. A rule with no recursive references is evaluated once
// against totals only.
func (e *Evaluator) evalRuleSemiNaive(states map[string]*relState, rule magic.Rule) ([]value.Tuple, error) {
	rows, err := e.rawFrames(states, rule.Body)
	if err != nil {
		return nil, err
	}
	return projectHead(rows, rule.Head), nil
}

// rawFrames returns every surviving frame for rule.Body, unioned over
// the semi-naive delta-substitution variants, without projecting to a
// head.
func (e *Evaluator) rawFrames(states map[string]*relState, body []magic.Atom) ([]frame, error) {
	var recurIdx []int
	for i, atom := range body {
		if atom.Kind == ir.AtomRuleApply {
			if _, ok := states[atom.Symbol.Key()]; ok {
				recurIdx = append(recurIdx, i)
			}
		}
	}

	if len(recurIdx) == 0 {
		return e.evalBody(states, body, -1)
	}

	var out []frame
	for _, i := range recurIdx {
		rows, err := e.evalBody(states, body, i)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

// evalBody runs the nested-loop join over body left to right.
// deltaAtom, if >= 0, names the single body-atom index that must be
// read from its target's delta; every other recursive rule-application
// atom in the body is read from its target's accumulated total instead.
//
// A positive atom is joined by a nested loop that tries every
// candidate tuple against every frame; no hash index over the
// candidates is built, for deltas or totals alike. A negated atom
// probes a fingerprint set of its candidates. There is no sort-merge
// path: Store.Scan already materializes its result in memory before
// the join runs (see DESIGN.md).
func (e *Evaluator) evalBody(states map[string]*relState, body []magic.Atom, deltaAtom int) ([]frame, error) {
	frames := []frame{{}}

	for i, atom := range body {
		if err := e.checkPoison(); err != nil {
			return nil, err
		}
		var err error
		frames, err = e.stepAtom(states, atom, i == deltaAtom, frames)
		if err != nil {
			return nil, err
		}
		if len(frames) == 0 {
			return nil, nil
		}
	}
	return frames, nil
}

func (e *Evaluator) stepAtom(states map[string]*relState, atom magic.Atom, useDelta bool, frames []frame) ([]frame, error) {
	switch atom.Kind {
	case ir.AtomRuleApply:
		candidates, err := e.candidatesFor(states, atom.Symbol, useDelta)
		if err != nil {
			return nil, err
		}
		return joinCandidates(frames, atom.Args, candidates), nil

	case ir.AtomNegatedRuleApply:
		candidates, err := e.candidatesFor(states, atom.Symbol, false)
		if err != nil {
			return nil, err
		}
		index := make(map[uint64]bool, len(candidates))
		for _, t := range candidates {
			index[value.FingerprintTuple(t)] = true
		}
		var out []frame
		for _, f := range frames {
			key := make(value.Tuple, len(atom.Args))
			bound := true
			for i, a := range atom.Args {
				v, ok := f[a]
				if !ok {
					bound = false
					break
				}
				key[i] = v
			}
			if !bound {
				return nil, errs.Semantics.New("negated atom has an unbound argument: " + atom.Symbol.Name)
			}
			if !index[value.FingerprintTuple(key)] {
				out = append(out, f)
			}
		}
		return out, nil

	case ir.AtomTokenizedView:
		var out []frame
		for _, f := range frames {
			params := make(map[string]value.Value, len(atom.TokenParams))
			for k, ex := range atom.TokenParams {
				v, err := expr.Eval(ex, expr.Bindings(f), true)
				if err != nil {
					return nil, err
				}
				params[k] = v
			}
			hits, err := e.Store.SimilarityQuery(atom.Relation, params)
			if err != nil {
				return nil, err
			}
			for _, h := range hits {
				row := append(append(value.Tuple(nil), h.Tuple...), value.Float(h.Score))
				nf, ok := unifyRow(f, atom.Args, row)
				if ok {
					out = append(out, nf)
				}
			}
		}
		return out, nil

	case ir.AtomPredicate:
		var out []frame
		for _, f := range frames {
			ok, err := expr.EvalFilter(atom.Pred, expr.Bindings(f), false)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, f)
			}
		}
		return out, nil

	case ir.AtomUnification:
		var out []frame
		for _, f := range frames {
			v, err := expr.Eval(atom.UnifyExpr, expr.Bindings(f), false)
			if err != nil {
				if _, dropped := err.(*expr.Dropped); dropped {
					continue
				}
				return nil, err
			}
			if existing, ok := f[atom.UnifyVar]; ok {
				if value.Compare(existing, v) != 0 {
					continue
				}
				out = append(out, f)
				continue
			}
			nf := f.clone()
			nf[atom.UnifyVar] = v
			out = append(out, nf)
		}
		return out, nil

	case ir.AtomInList:
		var out []frame
		for _, f := range frames {
			v, err := expr.Eval(atom.ListExpr, expr.Bindings(f), false)
			if err != nil {
				if _, dropped := err.(*expr.Dropped); dropped {
					continue
				}
				return nil, err
			}
			if v.Kind() != value.KindList {
				return nil, errs.Runtime.New("`in` generator requires a list")
			}
			for _, elem := range v.ListElems() {
				if existing, ok := f[atom.ListVar]; ok {
					if value.Compare(existing, elem) != 0 {
						continue
					}
					out = append(out, f)
					continue
				}
				nf := f.clone()
				nf[atom.ListVar] = elem
				out = append(out, nf)
			}
		}
		return out, nil
	}
	return frames, nil
}

func (e *Evaluator) candidatesFor(states map[string]*relState, sym magic.Symbol, useDelta bool) ([]value.Tuple, error) {
	if st, ok := states[sym.Key()]; ok {
		if useDelta {
			return st.delta, nil
		}
		return st.total, nil
	}
	return e.Store.Scan(sym.Name)
}

// joinCandidates performs the nested-loop join: every candidate of
// matching arity is unified against every frame; candidates are not
// bucketed by bound values.
func joinCandidates(frames []frame, args []string, candidates []value.Tuple) []frame {
	var out []frame
	for _, f := range frames {
		for _, t := range candidates {
			if len(t) != len(args) {
				continue
			}
			nf, ok := unifyRow(f, args, t)
			if ok {
				out = append(out, nf)
			}
		}
	}
	return out
}

func unifyRow(f frame, args []string, row value.Tuple) (frame, bool) {
	nf := f.clone()
	for i, a := range args {
		if existing, ok := nf[a]; ok {
			if value.Compare(existing, row[i]) != 0 {
				return nil, false
			}
			continue
		}
		nf[a] = row[i]
	}
	return nf, true
}

func projectHead(frames []frame, head []string) []value.Tuple {
	out := make([]value.Tuple, 0, len(frames))
	for _, f := range frames {
		t := make(value.Tuple, len(head))
		for i, v := range head {
			t[i] = f[v]
		}
		out = append(out, t)
	}
	return out
}
