package eval

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stratadb/stratadb/expr"
	"github.com/stratadb/stratadb/ir"
	"github.com/stratadb/stratadb/magic"
	"github.com/stratadb/stratadb/value"
)

type fakeStore struct {
	relations map[string][]value.Tuple
}

func (s *fakeStore) Scan(name string) ([]value.Tuple, error) { return s.relations[name], nil }
func (s *fakeStore) SimilarityQuery(string, map[string]value.Value) ([]ScoredTuple, error) {
	return nil, nil
}

func muggle(name string) magic.Symbol { return magic.Symbol{Kind: magic.SymMuggle, Name: name} }

func TestEvaluatorJoinAndRecursion(t *testing.T) {
	store := &fakeStore{relations: map[string][]value.Tuple{
		"parent": {
			{value.String("abe"), value.String("bob")},
			{value.String("bob"), value.String("carl")},
			{value.String("carl"), value.String("dana")},
		},
	}}

	ancSym := muggle("anc")
	mp := &magic.Program{Groups: map[string]*magic.RuleGroup{
		ancSym.Key(): {Rules: []magic.Rule{
			{
				Head: []string{"x", "y"},
				Body: []magic.Atom{{Kind: ir.AtomRuleApply, Symbol: muggle("parent"), Args: []string{"x", "y"}}},
			},
			{
				Head: []string{"x", "z"},
				Body: []magic.Atom{
					{Kind: ir.AtomRuleApply, Symbol: muggle("parent"), Args: []string{"x", "y"}},
					{Kind: ir.AtomRuleApply, Symbol: ancSym, Args: []string{"y", "z"}},
				},
			},
		}},
	}}

	ev := &Evaluator{Store: store}
	rows, err := ev.Run("s0", mp, ancSym.Key())
	require.NoError(t, err)
	require.Len(t, rows, 6) // 3 direct + carl/dana-transitively... abe->bob,bob->carl,carl->dana,abe->carl,bob->dana,abe->dana

	seen := map[string]bool{}
	for _, r := range rows {
		seen[r[0].String()+">"+r[1].String()] = true
	}
	require.True(t, seen["abe>dana"], "expected transitive abe>dana among %v", rows)
}

func TestEvaluatorNegationAntiJoin(t *testing.T) {
	store := &fakeStore{relations: map[string][]value.Tuple{
		"facts":    {{value.Int(1)}, {value.Int(2)}, {value.Int(3)}},
		"excluded": {{value.Int(2)}},
	}}
	sym := muggle("kept")
	mp := &magic.Program{Groups: map[string]*magic.RuleGroup{
		sym.Key(): {Rules: []magic.Rule{{
			Head: []string{"x"},
			Body: []magic.Atom{
				{Kind: ir.AtomRuleApply, Symbol: muggle("facts"), Args: []string{"x"}},
				{Kind: ir.AtomNegatedRuleApply, Symbol: muggle("excluded"), Args: []string{"x"}},
			},
		}}},
	}}

	ev := &Evaluator{Store: store}
	rows, err := ev.Run("s0", mp, sym.Key())
	require.NoError(t, err)

	var got []int64
	for _, r := range rows {
		got = append(got, r[0].Int())
	}
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	require.Equal(t, []int64{1, 3}, got)
}

func TestEvaluatorGlobalAggregateEmptyIdentity(t *testing.T) {
	store := &fakeStore{relations: map[string][]value.Tuple{"facts": {}}}
	sym := muggle("total")
	mp := &magic.Program{Groups: map[string]*magic.RuleGroup{
		sym.Key(): {Rules: []magic.Rule{{
			Head: []string{"s"},
			Aggr: []*ir.AggrSlot{{Func: "sum", Arg: expr.Binding("a")}},
			Body: []magic.Atom{{Kind: ir.AtomRuleApply, Symbol: muggle("facts"), Args: []string{"a"}}},
		}}},
	}}

	ev := &Evaluator{Store: store}
	rows, err := ev.Run("s0", mp, sym.Key())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, int64(0), rows[0][0].Int())
}

func TestApplyResultOptionsLimitOffset(t *testing.T) {
	rows := []value.Tuple{{value.Int(1)}, {value.Int(2)}, {value.Int(3)}, {value.Int(4)}}
	out, err := ApplyResultOptions(rows, Options{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, int64(2), out[0][0].Int())
	require.Equal(t, int64(3), out[1][0].Int())
}
