// Package eval implements the stratified semi-naive fixpoint evaluator
// of spec.md §4.5: one stratum at a time, iterating rule bodies under
// the delta-rule substitution until every derived relation's delta is
// empty, then resolving aggregator slots and finally honoring
// :limit/:offset/:order on the entry relation.
package eval

import (
	"context"
	"sort"

	"github.com/opentracing/opentracing-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stratadb/stratadb/errs"
	"github.com/stratadb/stratadb/expr"
	"github.com/stratadb/stratadb/magic"
	"github.com/stratadb/stratadb/value"
)

// Store is what the evaluator needs from the storage layer: a full
// scan of a named base relation or similarity index, and a
// similarity-index query (spec.md §4.7). Joins against persisted data
// always go through Store; package storage provides the production
// implementation.
type Store interface {
	Scan(relation string) ([]value.Tuple, error)
	SimilarityQuery(index string, params map[string]value.Value) ([]ScoredTuple, error)
}

// ScoredTuple is a virtual tuple produced by a similarity-index query:
// the matched base tuple plus its bound score/distance.
type ScoredTuple struct {
	Tuple value.Tuple
	Score float64
}

// FixedRule is the capability contract of spec.md §9 ("Fixed rules as
// capability"): declare arity, run against read-only input views and
// a write-only sink, consume an option map. The catalog of concrete
// fixed rules is out of scope (spec.md §1); only dispatch is
// implemented here.
type FixedRule interface {
	Arity() int
	Run(ctx context.Context, inputs [][]value.Tuple, opts map[string]value.Value) ([]value.Tuple, error)
}

var iterationsMetric = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "stratadb",
	Subsystem: "eval",
	Name:      "iterations_total",
	Help:      "Semi-naive fixpoint iterations run, per stratum.",
}, []string{"stratum"})

func init() {
	prometheus.MustRegister(iterationsMetric)
}

// relState is the pair of temporary relations (R_total, R_delta)
// spec.md §4.5 point 1 allocates per derived symbol.
type relState struct {
	total []value.Tuple
	delta []value.Tuple
	seen  map[uint64]bool
}

func newRelState() *relState { return &relState{seen: map[uint64]bool{}} }

// addAll folds candidates into total, returning only the ones not
// already present (the new delta contribution).
func (r *relState) addAll(candidates []value.Tuple) []value.Tuple {
	var fresh []value.Tuple
	for _, t := range candidates {
		fp := value.FingerprintTuple(t)
		if r.seen[fp] {
			continue
		}
		r.seen[fp] = true
		r.total = append(r.total, t)
		fresh = append(fresh, t)
	}
	return fresh
}

// replace overwrites total wholesale (used for aggregated symbols,
// which are recomputed from scratch every iteration rather than
// accumulated monotonically) and reports whether the set actually
// changed, for convergence testing.
func (r *relState) replace(tuples []value.Tuple) (changed bool) {
	if len(tuples) == len(r.total) {
		same := true
		seen := map[uint64]bool{}
		for _, t := range tuples {
			seen[value.FingerprintTuple(t)] = true
		}
		for _, t := range r.total {
			if !seen[value.FingerprintTuple(t)] {
				same = false
				break
			}
		}
		if same {
			r.delta = nil
			return false
		}
	}
	r.total = tuples
	r.delta = tuples
	r.seen = map[uint64]bool{}
	for _, t := range tuples {
		r.seen[value.FingerprintTuple(t)] = true
	}
	return true
}

// Evaluator runs one stratum's magic program to fixpoint.
type Evaluator struct {
	Store    Store
	Catalog  map[string]FixedRule
	Poison   <-chan struct{}
	Deadline context.Context
}

// Options carries the entry-relation result shaping of spec.md §6
// ("Relation op clauses"): :limit, :offset, :order.
type Options struct {
	Limit   int // -1 means unset
	Offset  int
	OrderBy []OrderKey
	Strict  bool
}

type OrderKey struct {
	Column     int
	Descending bool
}

// Run evaluates mp to fixpoint and returns the final tuples bound to
// entrySymbol (typically Magic(?, all-free) or Muggle(?)).
func (e *Evaluator) Run(stratumLabel string, mp *magic.Program, entrySymbol string) ([]value.Tuple, error) {
	span, _ := opentracing.StartSpanFromContext(e.ensureCtx(), "eval.Stratum")
	defer span.Finish()

	states := make(map[string]*relState, len(mp.Groups))
	for key, group := range mp.Groups {
		if group.FixedRule == nil {
			states[key] = newRelState()
		}
	}

	aggregated := make(map[string]bool)
	for key, group := range mp.Groups {
		if group.FixedRule != nil {
			continue
		}
		for _, r := range group.Rules {
			if r.HasAggregate() {
				aggregated[key] = true
				break
			}
		}
	}

	keys := sortedGroupKeys(mp.Groups)

	for iter := 0; ; iter++ {
		if err := e.checkPoison(); err != nil {
			return nil, err
		}
		iterationsMetric.WithLabelValues(stratumLabel).Inc()

		anyChange := false
		for _, key := range keys {
			group := mp.Groups[key]
			if group.FixedRule != nil {
				continue
			}
			if aggregated[key] {
				changed, err := e.evalAggregatedSymbol(states, key, group)
				if err != nil {
					return nil, err
				}
				anyChange = anyChange || changed
				continue
			}
			var produced []value.Tuple
			for _, rule := range group.Rules {
				rows, err := e.evalRuleSemiNaive(states, rule)
				if err != nil {
					return nil, err
				}
				produced = append(produced, rows...)
			}
			fresh := states[key].addAll(produced)
			if len(fresh) > 0 {
				anyChange = true
				states[key].delta = fresh
			} else {
				states[key].delta = nil
			}
		}

		if !anyChange {
			break
		}
	}

	if err := e.runFixedRules(mp, states); err != nil {
		return nil, err
	}

	final, ok := states[entrySymbol]
	if !ok {
		return nil, errs.Internal.New("entry symbol not found in magic program: " + entrySymbol)
	}
	return final.total, nil
}

func (e *Evaluator) ensureCtx() context.Context {
	if e.Deadline != nil {
		return e.Deadline
	}
	return context.Background()
}

func (e *Evaluator) checkPoison() error {
	if e.Poison == nil {
		select {
		case <-e.ensureCtx().Done():
			return errs.Cancelled.New("deadline exceeded")
		default:
			return nil
		}
	}
	select {
	case <-e.Poison:
		return errs.Cancelled.New("poisoned")
	default:
		select {
		case <-e.ensureCtx().Done():
			return errs.Cancelled.New("deadline exceeded")
		default:
			return nil
		}
	}
}

func (e *Evaluator) runFixedRules(mp *magic.Program, states map[string]*relState) error {
	for key, group := range mp.Groups {
		if group.FixedRule == nil {
			continue
		}
		fr := group.FixedRule
		capa, ok := e.Catalog[fr.Name]
		if !ok {
			return errs.Semantics.New("unknown fixed rule: " + fr.Name)
		}
		inputs := make([][]value.Tuple, len(fr.Inputs))
		for i, in := range fr.Inputs {
			rows, err := e.resolveRelation(states, in.Relation)
			if err != nil {
				return err
			}
			inputs[i] = rows
		}
		opts := make(map[string]value.Value, len(fr.Options))
		for k, ex := range fr.Options {
			v, err := expr.Eval(ex, nil, true)
			if err != nil {
				return err
			}
			opts[k] = v
		}
		rows, err := capa.Run(e.ensureCtx(), inputs, opts)
		if err != nil {
			return err
		}
		states[key] = newRelState()
		states[key].addAll(rows)
	}
	return nil
}

func (e *Evaluator) resolveRelation(states map[string]*relState, name string) ([]value.Tuple, error) {
	if st, ok := states[magic.Symbol{Kind: magic.SymMuggle, Name: name}.Key()]; ok {
		return st.total, nil
	}
	return e.Store.Scan(name)
}

func sortedGroupKeys(groups map[string]*magic.RuleGroup) []string {
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ApplyResultOptions honors :limit/:offset/:order on a materialized
// result set, per spec.md §4.5 point 6 and the boundary behavior of
// spec.md §8 ("rows[K .. min(K+N, M)]").
func ApplyResultOptions(rows []value.Tuple, opts Options) ([]value.Tuple, error) {
	if opts.Offset < 0 || (opts.Limit < 0 && opts.Limit != -1) {
		return nil, errs.Parse.New("negative :limit/:offset")
	}
	if len(opts.OrderBy) > 0 {
		sort.SliceStable(rows, func(i, j int) bool {
			for _, k := range opts.OrderBy {
				c := value.Compare(rows[i][k.Column], rows[j][k.Column])
				if c == 0 {
					continue
				}
				if k.Descending {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}
	start := opts.Offset
	if start > len(rows) {
		start = len(rows)
	}
	end := len(rows)
	if opts.Limit >= 0 {
		if start+opts.Limit < end {
			end = start + opts.Limit
		}
	}
	rows = rows[start:end]
	if len(opts.OrderBy) == 0 {
		// With no explicit :order, :offset/:limit pick rows in
		// first-derivation order, and the picked window is then returned
		// in canonical (tuple total order) sequence: `a in [5,3,1,2,4]
		// :limit 2 :offset 1` picks 3 and 1 and returns [[1],[3]].
		sort.SliceStable(rows, func(i, j int) bool {
			return value.CompareTuples(rows[i], rows[j]) < 0
		})
	}
	return rows, nil
}
