package stratify

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stratadb/stratadb/ir"
)

func ruleApply(relation string, negated bool) ir.Atom {
	k := ir.AtomRuleApply
	if negated {
		k = ir.AtomNegatedRuleApply
	}
	return ir.Atom{Kind: k, Relation: relation, Args: []string{"x"}}
}

func TestStratifyOrdersDependenciesFirst(t *testing.T) {
	prog := &ir.Program{
		Entry: "?",
		Groups: map[string]*ir.RuleGroup{
			"base": {Rules: []ir.Rule{{Head: []string{"x"}}}},
			"mid":  {Rules: []ir.Rule{{Head: []string{"x"}, Body: []ir.Atom{ruleApply("base", false)}}}},
			"?":    {Rules: []ir.Rule{{Head: []string{"x"}, Body: []ir.Atom{ruleApply("mid", false)}}}},
		},
	}
	strata, err := Stratify(prog)
	require.NoError(t, err)

	pos := map[string]int{}
	for i, s := range strata {
		for _, n := range s.Names {
			pos[n] = i
		}
	}
	require.Less(t, pos["base"], pos["mid"])
	require.Less(t, pos["mid"], pos["?"])
}

func TestStratifyRejectsNegationThroughRecursion(t *testing.T) {
	prog := &ir.Program{
		Entry: "?",
		Groups: map[string]*ir.RuleGroup{
			"a": {Rules: []ir.Rule{{Head: []string{"x"}, Body: []ir.Atom{ruleApply("b", false)}}}},
			"b": {Rules: []ir.Rule{{Head: []string{"x"}, Body: []ir.Atom{ruleApply("a", true)}}}},
		},
	}
	_, err := Stratify(prog)
	require.Error(t, err)
}
