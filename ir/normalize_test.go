package ir

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stratadb/stratadb/expr"
	"github.com/stratadb/stratadb/value"
)

func TestNormalizeFlattensNestedExprAndDesugarsInList(t *testing.T) {
	sp := &SurfaceProgram{
		Entry: EntrySymbol,
		Groups: map[string]*SurfaceRuleGroup{
			EntrySymbol: {Rules: []SurfaceRule{{
				Head: []expr.Expr{expr.Binding("x")},
				Body: []SurfaceAtom{
					{Kind: SurfaceInList, ListVar: "a", ListExpr: expr.Const(value.List([]value.Value{value.Int(1), value.Int(2), value.Int(3)}))},
					{Kind: SurfaceUnification, UnifyVar: "x", UnifyExpr: expr.Apply(expr.OpAdd, expr.Binding("a"), expr.Const(value.Int(1)))},
				},
			}}},
		},
	}
	prog, err := Normalize(sp)
	require.NoError(t, err)
	group := prog.Groups[EntrySymbol]
	require.Len(t, group.Rules, 1)
	rule := group.Rules[0]
	require.Equal(t, []string{"x"}, rule.Head)
	require.Len(t, rule.Body, 2)
	require.Equal(t, AtomInList, rule.Body[0].Kind)
	require.Equal(t, AtomUnification, rule.Body[1].Kind)
}

func TestNormalizeRejectsAnonymousHead(t *testing.T) {
	sp := &SurfaceProgram{
		Entry: EntrySymbol,
		Groups: map[string]*SurfaceRuleGroup{
			EntrySymbol: {Rules: []SurfaceRule{{
				Head: []expr.Expr{expr.Binding(AnonymousName)},
				Body: nil,
			}}},
		},
	}
	_, err := Normalize(sp)
	require.Error(t, err)
}

func TestNormalizeRejectsAnonymousUnificationLHS(t *testing.T) {
	sp := &SurfaceProgram{
		Entry: EntrySymbol,
		Groups: map[string]*SurfaceRuleGroup{
			EntrySymbol: {Rules: []SurfaceRule{{
				Head: []expr.Expr{expr.Binding("x")},
				Body: []SurfaceAtom{
					{Kind: SurfaceUnification, UnifyVar: AnonymousName, UnifyExpr: expr.Const(value.Int(1))},
				},
			}}},
		},
	}
	_, err := Normalize(sp)
	require.Error(t, err)
}

func TestCheckFixedRuleArgsRejectsRepeatedVariable(t *testing.T) {
	f := &FixedRuleApply{
		Name:   "PageRank",
		Inputs: []FixedRuleArg{{Relation: "r", Bindings: []string{"a", "a"}}},
		Head:   []string{"node", "score"},
	}
	err := checkFixedRuleArgs(f)
	require.Error(t, err)
}
