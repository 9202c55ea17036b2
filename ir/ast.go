package ir

import "github.com/stratadb/stratadb/expr"

// The surface AST types below are the input to Normalize. The surface
// parser and grammar are out of scope (spec.md §1); these types are
// the contract the (external) parser is expected to produce — the
// same shape as the normal-form IR, except atom arguments may be
// arbitrary expressions rather than bare variable names, and the
// anonymous variable `_` has not yet been made distinct per
// occurrence.
type SurfaceAtomKind uint8

const (
	SurfaceRuleApply SurfaceAtomKind = iota
	SurfaceNegatedRuleApply
	SurfacePredicate
	SurfaceUnification
	SurfaceInList
	SurfaceTokenizedView
)

// SurfaceAtom mirrors Atom but allows Args to be full expressions
// (including bare variable references, constants, or nested
// applications) rather than already-flattened variable names.
type SurfaceAtom struct {
	Kind     SurfaceAtomKind
	Relation string
	Args     []expr.Expr

	Pred expr.Expr

	UnifyVar  string
	UnifyExpr expr.Expr

	ListVar  string
	ListExpr expr.Expr

	TokenParams map[string]expr.Expr
}

// SurfaceRule mirrors Rule with SurfaceAtom bodies and a head made of
// expressions (so `?[a+1] := ...` can be flattened and the anonymous
// `_` in head position can be rejected at normalization time rather
// than assumed away).
type SurfaceRule struct {
	Head     []expr.Expr
	Aggr     []*AggrSlot
	Body     []SurfaceAtom
	Validity int64
}

type SurfaceRuleGroup struct {
	Rules     []SurfaceRule
	FixedRule *FixedRuleApply // fixed-rule shape is already flat; passed through
}

type SurfaceProgram struct {
	Groups map[string]*SurfaceRuleGroup
	Entry  string
}

// AnonymousName is the underscore placeholder in surface source;
// Normalize replaces every occurrence with a distinct fresh variable
// (spec.md §4.2 point 3).
const AnonymousName = "_"
