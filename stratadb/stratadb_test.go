package stratadb

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stratadb/stratadb/expr"
	"github.com/stratadb/stratadb/ir"
	"github.com/stratadb/stratadb/storage"
	"github.com/stratadb/stratadb/value"
)

func stringSchema(names ...string) value.Schema {
	cols := make([]value.Column, len(names))
	for i, n := range names {
		cols[i] = value.Column{Name: n, Type: value.ColumnType(value.KindString), Key: true}
	}
	return value.Schema{Columns: cols}
}

// grandparentProgram builds the transitive-closure program of spec.md
// §8 scenario 3: anc(x,y) <- parent(x,y); anc(x,z) <- parent(x,y), anc(y,z).
func grandparentProgram() *ir.Program {
	return &ir.Program{
		Entry: "anc",
		Groups: map[string]*ir.RuleGroup{
			"anc": {Rules: []ir.Rule{
				{
					Head: []string{"x", "y"},
					Body: []ir.Atom{{Kind: ir.AtomRuleApply, Relation: "parent", Args: []string{"x", "y"}}},
				},
				{
					Head: []string{"x", "z"},
					Body: []ir.Atom{
						{Kind: ir.AtomRuleApply, Relation: "parent", Args: []string{"x", "y"}},
						{Kind: ir.AtomRuleApply, Relation: "anc", Args: []string{"y", "z"}},
					},
				},
			}},
		},
	}
}

func TestRunQueryTransitiveClosure(t *testing.T) {
	eng, err := Open(DefaultOptions())
	require.NoError(t, err)
	defer eng.Close()

	require.NoError(t, eng.Store.CreateRelation(&storage.Relation{Name: "parent", Schema: stringSchema("a", "b")}))
	require.NoError(t, eng.Store.Put("parent", []value.Tuple{
		{value.String("abe"), value.String("bob")},
		{value.String("bob"), value.String("carl")},
		{value.String("carl"), value.String("dana")},
	}))

	script := &Script{Program: grandparentProgram(), Entry: "anc"}
	result, err := eng.RunQuery(context.Background(), script)
	require.NoError(t, err)
	require.Len(t, result.Rows, 6)

	seen := map[string]bool{}
	for _, r := range result.Rows {
		seen[r[0].String()+">"+r[1].String()] = true
	}
	require.True(t, seen["abe>dana"], "expected transitive abe>dana among %v", result.Rows)
}

func TestRunQueryAppliesLimitOffsetInCanonicalOrder(t *testing.T) {
	eng, err := Open(DefaultOptions())
	require.NoError(t, err)
	defer eng.Close()

	require.NoError(t, eng.Store.CreateRelation(&storage.Relation{Name: "nums", Schema: value.Schema{Columns: []value.Column{
		{Name: "n", Type: value.ColumnType(value.KindInt), Key: true},
	}}}))
	require.NoError(t, eng.Store.Put("nums", []value.Tuple{
		{value.Int(5)}, {value.Int(3)}, {value.Int(1)}, {value.Int(2)}, {value.Int(4)},
	}))

	prog := &ir.Program{
		Entry: "a",
		Groups: map[string]*ir.RuleGroup{
			"a": {Rules: []ir.Rule{{
				Head: []string{"n"},
				Body: []ir.Atom{{Kind: ir.AtomRuleApply, Relation: "nums", Args: []string{"n"}}},
			}}},
		},
	}
	script := &Script{Program: prog, Entry: "a", Clauses: []Clause{
		{Kind: ClauseLimit, Limit: 2},
		{Kind: ClauseOffset, Offset: 1},
	}}
	result, err := eng.RunQuery(context.Background(), script)
	require.NoError(t, err)
	require.Len(t, result.Rows, 2)
	require.Equal(t, int64(2), result.Rows[0][0].Int())
	require.Equal(t, int64(3), result.Rows[1][0].Int())
}

func TestRunSystemCommandRelationsAndColumns(t *testing.T) {
	eng, err := Open(DefaultOptions())
	require.NoError(t, err)
	defer eng.Close()

	require.NoError(t, eng.Store.CreateRelation(&storage.Relation{Name: "widgets", Schema: stringSchema("id")}))

	res, err := eng.RunSystemCommand(context.Background(), SystemCommand{Kind: SystemRelations})
	require.NoError(t, err)
	names := make([]string, len(res.Rows))
	for i, r := range res.Rows {
		names[i] = r[0].String()
	}
	sort.Strings(names)
	require.Equal(t, []string{"widgets"}, names)

	res, err = eng.RunSystemCommand(context.Background(), SystemCommand{Kind: SystemColumns, Relation: "widgets"})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	require.Equal(t, "id", res.Rows[0][0].String())
}

// TestRunQueryJoinWithFilter is spec.md §8 scenario 2: two base
// relations joined through an intermediate rule group, then filtered
// by a literal-bound column and a numeric range on the other.
func TestRunQueryJoinWithFilter(t *testing.T) {
	eng, err := Open(DefaultOptions())
	require.NoError(t, err)
	defer eng.Close()

	require.NoError(t, eng.Store.CreateRelation(&storage.Relation{Name: "airport", Schema: stringSchema("code")}))
	require.NoError(t, eng.Store.Put("airport", []value.Tuple{
		{value.String("a")}, {value.String("b")}, {value.String("c")},
	}))

	require.NoError(t, eng.Store.CreateRelation(&storage.Relation{Name: "route", Schema: value.Schema{Columns: []value.Column{
		{Name: "fr", Type: value.ColumnType(value.KindString), Key: true},
		{Name: "to", Type: value.ColumnType(value.KindString), Key: true},
		{Name: "dist", Type: value.ColumnType(value.KindFloat)},
	}}}))
	require.NoError(t, eng.Store.Put("route", []value.Tuple{
		{value.String("a"), value.String("b"), value.Float(1.1)},
		{value.String("a"), value.String("c"), value.Float(0.5)},
		{value.String("b"), value.String("c"), value.Float(9.1)},
	}))

	prog := &ir.Program{
		Entry: "result",
		Groups: map[string]*ir.RuleGroup{
			"r": {Rules: []ir.Rule{{
				Head: []string{"code", "dist"},
				Body: []ir.Atom{
					{Kind: ir.AtomRuleApply, Relation: "airport", Args: []string{"code"}},
					{Kind: ir.AtomRuleApply, Relation: "route", Args: []string{"code", "to", "dist"}},
				},
			}}},
			"result": {Rules: []ir.Rule{{
				Head: []string{"dist"},
				Body: []ir.Atom{
					{Kind: ir.AtomRuleApply, Relation: "r", Args: []string{"code", "dist"}},
					{Kind: ir.AtomPredicate, Pred: expr.Apply(expr.OpEq, expr.Binding("code"), expr.Const(value.String("a")))},
					{Kind: ir.AtomPredicate, Pred: expr.Apply(expr.OpGt, expr.Binding("dist"), expr.Const(value.Float(0.5)))},
					{Kind: ir.AtomPredicate, Pred: expr.Apply(expr.OpLe, expr.Binding("dist"), expr.Const(value.Float(1.1)))},
				},
			}}},
		},
	}

	script := &Script{Program: prog, Entry: "result"}
	result, err := eng.RunQuery(context.Background(), script)
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	require.InDelta(t, 1.1, result.Rows[0][0].Float(), 1e-9)
}

// TestRunQueryLayeredAggregation is spec.md §8 scenario 4: a relation
// aggregated from two independent rules (one over a derived relation,
// one over a literal list), re-aggregated by the entry query.
func TestRunQueryLayeredAggregation(t *testing.T) {
	eng, err := Open(DefaultOptions())
	require.NoError(t, err)
	defer eng.Close()

	listOf := func(xs ...int64) value.Value {
		vs := make([]value.Value, len(xs))
		for i, x := range xs {
			vs[i] = value.Int(x)
		}
		return value.List(vs)
	}

	prog := &ir.Program{
		Entry: "out",
		Groups: map[string]*ir.RuleGroup{
			"y": {Rules: []ir.Rule{{
				Head: []string{"a"},
				Body: []ir.Atom{{Kind: ir.AtomInList, ListVar: "a", ListExpr: expr.Const(listOf(1, 2, 3))}},
			}}},
			"x": {Rules: []ir.Rule{
				{
					Head: []string{"a"},
					Aggr: []*ir.AggrSlot{{Func: "sum", Arg: expr.Binding("a")}},
					Body: []ir.Atom{{Kind: ir.AtomRuleApply, Relation: "y", Args: []string{"a"}}},
				},
				{
					Head: []string{"a"},
					Aggr: []*ir.AggrSlot{{Func: "sum", Arg: expr.Binding("a")}},
					Body: []ir.Atom{{Kind: ir.AtomInList, ListVar: "a", ListExpr: expr.Const(listOf(4, 5, 6))}},
				},
			}},
			"out": {Rules: []ir.Rule{{
				Head: []string{"a"},
				Aggr: []*ir.AggrSlot{{Func: "sum", Arg: expr.Binding("a")}},
				Body: []ir.Atom{{Kind: ir.AtomRuleApply, Relation: "x", Args: []string{"a"}}},
			}}},
		},
	}

	script := &Script{Program: prog, Entry: "out"}
	result, err := eng.RunQuery(context.Background(), script)
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	require.Equal(t, int64(21), result.Rows[0][0].Int())
}
