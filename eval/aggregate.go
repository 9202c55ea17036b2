package eval

import (
	"github.com/stratadb/stratadb/errs"
	"github.com/stratadb/stratadb/expr"
	"github.com/stratadb/stratadb/ir"
	"github.com/stratadb/stratadb/magic"
	"github.com/stratadb/stratadb/value"
)

// evalAggregatedSymbol recomputes every rule of an aggregated rule
// group from scratch against the current totals of its dependencies
// (spec.md §4.5 point 4), groups the resulting frames by the
// non-aggregated head positions, reduces each group through its
// aggregator(s), and replaces the symbol's total wholesale. A rule
// whose head carries no plain (non-aggregated) grouping column is a
// global aggregate: it always yields exactly one row, even over zero
// input, using the per-function empty-input identity of spec.md §4.5
// point 4 (count/sum -> 0, min/max/mean -> Null, list -> []).
//
// Aggregated symbols give up incremental delta tracking in exchange
// for correctness under retraction-free monotone growth: as
// dependencies gain facts across iterations, the aggregate is simply
// recomputed, and relState.replace reports whether the result set
// actually changed so the fixpoint loop can detect convergence.
func (e *Evaluator) evalAggregatedSymbol(states map[string]*relState, key string, group *magic.RuleGroup) (bool, error) {
	var allRows []value.Tuple
	for _, rule := range group.Rules {
		rows, err := e.aggregateRule(states, rule)
		if err != nil {
			return false, err
		}
		allRows = append(allRows, rows...)
	}
	return states[key].replace(allRows), nil
}

func (e *Evaluator) aggregateRule(states map[string]*relState, rule magic.Rule) ([]value.Tuple, error) {
	frames, err := e.evalBody(states, rule.Body, -1)
	if err != nil {
		return nil, err
	}

	groupCols := make([]int, 0, len(rule.Head))
	for i, slot := range rule.Aggr {
		if slot == nil {
			groupCols = append(groupCols, i)
		}
	}

	type bucket struct {
		key  value.Tuple
		args [][]value.Value // per aggregated head position, the multiset of witnessed Arg values
	}
	buckets := map[uint64]*bucket{}
	var order []uint64

	addFrame := func(f frame) {
		key := make(value.Tuple, len(groupCols))
		for i, col := range groupCols {
			key[i] = f[rule.Head[col]]
		}
		fp := value.FingerprintTuple(key)
		b, ok := buckets[fp]
		if !ok {
			b = &bucket{key: key, args: make([][]value.Value, len(rule.Aggr))}
			buckets[fp] = b
			order = append(order, fp)
		}
		for i, slot := range rule.Aggr {
			if slot == nil {
				continue
			}
			v, err := expr.Eval(slot.Arg, expr.Bindings(f), false)
			if err != nil {
				continue // predicate-style drop: this frame contributes nothing to this slot
			}
			b.args[i] = append(b.args[i], v)
		}
	}

	for _, f := range frames {
		addFrame(f)
	}

	if len(groupCols) == len(rule.Head) {
		// No aggregator slots at all: plain (unaggregated) rule routed
		// here by mistake would be a caller bug, not a data condition.
		return nil, errs.Internal.New("aggregateRule called on a rule with no aggregator slots")
	}

	if len(groupCols) == 0 && len(order) == 0 {
		// Global aggregate over zero witnessing frames: still emit the
		// single identity row.
		row, err := reduceBucket(rule.Aggr, nil)
		if err != nil {
			return nil, err
		}
		return []value.Tuple{row}, nil
	}

	out := make([]value.Tuple, 0, len(order))
	for _, fp := range order {
		b := buckets[fp]
		row, err := reduceBucket(rule.Aggr, b.args)
		if err != nil {
			return nil, err
		}
		// Splice the group-by columns back into their declared head
		// positions; reduceBucket only fills the aggregated positions.
		gi := 0
		for i, slot := range rule.Aggr {
			if slot == nil {
				row[i] = b.key[gi]
				gi++
			}
		}
		out = append(out, row)
	}
	return out, nil
}

// reduceBucket computes one output tuple from the per-position
// witnessed-value multisets. Positions with a nil slot are left as
// Null placeholders for the caller to fill with the group key.
func reduceBucket(slots []*ir.AggrSlot, args [][]value.Value) (value.Tuple, error) {
	row := make(value.Tuple, len(slots))
	for i, slot := range slots {
		if slot == nil {
			continue
		}
		var vs []value.Value
		if args != nil {
			vs = args[i]
		}
		v, err := applyAggregator(slot.Func, vs)
		if err != nil {
			return nil, err
		}
		row[i] = v
	}
	return row, nil
}

func applyAggregator(fn string, vs []value.Value) (value.Value, error) {
	switch fn {
	case "count":
		return value.Int(int64(len(vs))), nil
	case "sum":
		var s float64
		allInt := true
		for _, v := range vs {
			s += v.AsFloat64()
			if v.Kind() != value.KindInt {
				allInt = false
			}
		}
		if allInt {
			return value.Int(int64(s)), nil
		}
		return value.Float(s), nil
	case "mean":
		if len(vs) == 0 {
			return value.Null(), nil
		}
		var s float64
		for _, v := range vs {
			s += v.AsFloat64()
		}
		return value.Float(s / float64(len(vs))), nil
	case "min":
		if len(vs) == 0 {
			return value.Null(), nil
		}
		m := vs[0]
		for _, v := range vs[1:] {
			if value.Compare(v, m) < 0 {
				m = v
			}
		}
		return m, nil
	case "max":
		if len(vs) == 0 {
			return value.Null(), nil
		}
		m := vs[0]
		for _, v := range vs[1:] {
			if value.Compare(v, m) > 0 {
				m = v
			}
		}
		return m, nil
	case "and":
		for _, v := range vs {
			if v.Kind() == value.KindBool && !v.Bool() {
				return value.Bool(false), nil
			}
		}
		return value.Bool(true), nil
	case "or":
		for _, v := range vs {
			if v.Kind() == value.KindBool && v.Bool() {
				return value.Bool(true), nil
			}
		}
		return value.Bool(false), nil
	case "list":
		return value.List(append([]value.Value(nil), vs...)), nil
	}
	return value.Null(), errs.Semantics.New("unknown aggregator: " + fn)
}
