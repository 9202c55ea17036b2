package stratadb

import (
	"context"
	"strings"

	"github.com/stratadb/stratadb/errs"
	"github.com/stratadb/stratadb/eval"
	"github.com/stratadb/stratadb/ir"
	"github.com/stratadb/stratadb/magic"
	"github.com/stratadb/stratadb/stratify"
	"github.com/stratadb/stratadb/value"
)

// layeredStore overlays a stratum's materialized-but-not-yet-persisted
// derived relations on top of the real storage.Store (or any other
// eval.Store), so a later stratum's rule bodies can Scan a name an
// earlier stratum computed without that intermediate result ever being
// written to the backend.
type layeredStore struct {
	base    eval.Store
	derived map[string][]value.Tuple
}

func (l *layeredStore) Scan(relation string) ([]value.Tuple, error) {
	if rows, ok := l.derived[relation]; ok {
		return rows, nil
	}
	return l.base.Scan(relation)
}

func (l *layeredStore) SimilarityQuery(index string, params map[string]value.Value) ([]eval.ScoredTuple, error) {
	return l.base.SimilarityQuery(index, params)
}

// runProgram evaluates prog's entryName relation to completion,
// stratum by stratum: stratify.Stratify orders rule groups into
// dependency layers (spec.md §4.3), and every layer except the one
// containing entryName is fully materialized (no magic-sets
// specialization — see DESIGN.md) so later layers can Scan it like a
// base relation. Only the final layer is magic-sets rewritten against
// entryName's actual call-time adornment (here always all-free, since
// RunQuery always asks for the complete answer set before applying
// :limit/:offset/:order).
func runProgram(ctx context.Context, poison <-chan struct{}, base eval.Store, catalog map[string]eval.FixedRule, prog *ir.Program, entryName string) ([]value.Tuple, error) {
	strata, err := stratify.Stratify(prog)
	if err != nil {
		return nil, err
	}

	graph := prog.DependencyGraph()
	exemptGlobal := stratify.ExemptClosure(prog, graph, aggregateSeeds(prog))

	ls := &layeredStore{base: base, derived: map[string][]value.Tuple{}}
	ev := &eval.Evaluator{Store: ls, Catalog: catalog, Poison: poison, Deadline: ctx}

	var finalRows []value.Tuple
	var foundEntry bool

	for _, stratum := range strata {
		sub := restrictProgram(prog, stratum.Names)
		isFinal := containsName(stratum.Names, entryName)

		if isFinal {
			foundEntry = true
			arity := headArity(prog, entryName)
			mp := magic.Rewrite(sub, entryName, arity, exemptGlobal)
			entryMuggle := exemptGlobal[entryName]
			sym := magic.Symbol{Kind: muggleOrMagic(entryMuggle), Name: entryName, Adornment: allFree(arity)}
			rows, err := ev.Run(strings.Join(stratum.Names, ","), mp, sym.Key())
			if err != nil {
				return nil, err
			}
			finalRows = rows
			continue
		}

		exempt := unionNames(exemptGlobal, stratum.Names)
		for _, name := range stratum.Names {
			if _, ok := prog.Groups[name]; !ok {
				// Base relation pulled into the dependency graph by a
				// rule body, never a rule group itself — stratify
				// assigns it a singleton stratum with nothing to
				// materialize. layeredStore.Scan already falls
				// through to base.Scan for it.
				continue
			}
			arity := headArity(prog, name)
			mp := magic.Rewrite(sub, name, arity, exempt)
			sym := magic.Symbol{Kind: magic.SymMuggle, Name: name, Adornment: allFree(arity)}
			rows, err := ev.Run(name, mp, sym.Key())
			if err != nil {
				return nil, err
			}
			ls.derived[name] = rows
		}
	}

	if !foundEntry {
		return nil, errs.Internal.New("entry relation not found in any stratum: " + entryName)
	}
	return finalRows, nil
}

func muggleOrMagic(muggle bool) magic.SymbolKind {
	if muggle {
		return magic.SymMuggle
	}
	return magic.SymMagic
}

func aggregateSeeds(prog *ir.Program) map[string]bool {
	seeds := map[string]bool{}
	for name, group := range prog.Groups {
		if group.IsFixedRule() {
			continue
		}
		for _, r := range group.Rules {
			if r.HasAggregate() {
				seeds[name] = true
				break
			}
		}
	}
	return seeds
}

func headArity(prog *ir.Program, name string) int {
	group, ok := prog.Groups[name]
	if !ok || group.IsFixedRule() || len(group.Rules) == 0 {
		return 0
	}
	return len(group.Rules[0].Head)
}

func restrictProgram(prog *ir.Program, names []string) *ir.Program {
	out := &ir.Program{Entry: prog.Entry, Groups: map[string]*ir.RuleGroup{}}
	for _, n := range names {
		if g, ok := prog.Groups[n]; ok {
			out.Groups[n] = g
		}
	}
	return out
}

func containsName(names []string, target string) bool {
	for _, n := range names {
		if n == target {
			return true
		}
	}
	return false
}

func unionNames(base map[string]bool, extra []string) map[string]bool {
	out := make(map[string]bool, len(base)+len(extra))
	for k := range base {
		out[k] = true
	}
	for _, n := range extra {
		out[n] = true
	}
	return out
}

func allFree(n int) []bool { return make([]bool, n) }
