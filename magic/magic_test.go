package magic

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stratadb/stratadb/expr"
	"github.com/stratadb/stratadb/ir"
	"github.com/stratadb/stratadb/value"
)

func constString(s string) expr.Expr { return expr.Const(value.String(s)) }

// Builds: ?[w] := gp[w, 'abraham']; gp[g,gp] := parent[g,p], parent[p,gp]
// (spec.md §8 scenario 3), and checks the rewrite produces at least
// one Input and one Sup relation threading the bound second argument
// of gp into its body.
func TestRewriteProducesInputAndSup(t *testing.T) {
	prog := &ir.Program{
		Entry: "?",
		Groups: map[string]*ir.RuleGroup{
			"?": {Rules: []ir.Rule{{
				Head: []string{"w"},
				Body: []ir.Atom{
					{Kind: ir.AtomUnification, UnifyVar: "anc", UnifyExpr: constString("abraham")},
					{Kind: ir.AtomRuleApply, Relation: "gp", Args: []string{"w", "anc"}},
				},
			}}},
			"gp": {Rules: []ir.Rule{{
				Head: []string{"g", "gp"},
				Body: []ir.Atom{
					{Kind: ir.AtomRuleApply, Relation: "parent", Args: []string{"g", "p"}},
					{Kind: ir.AtomRuleApply, Relation: "parent", Args: []string{"p", "gp"}},
				},
			}}},
		},
	}

	out := Rewrite(prog, "?", 1, map[string]bool{})

	foundInput, foundSup := false, false
	for key := range out.Groups {
		if len(key) >= 5 && key[:5] == "Input" {
			foundInput = true
		}
		if len(key) >= 3 && key[:3] == "Sup" {
			foundSup = true
		}
	}
	require.True(t, foundInput, "expected an Input(...) relation in %v", keysOf(out.Groups))
	require.True(t, foundSup, "expected a Sup(...) relation in %v", keysOf(out.Groups))
}

func keysOf(m map[string]*RuleGroup) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
