// Package expr implements the typed expression tree described in
// spec.md §4.1: a fixed operator catalog, bottom-up constant folding,
// and total evaluation where predicate failures signal a silent drop
// rather than aborting the statement.
package expr

import (
	"github.com/stratadb/stratadb/value"
)

// Expr is the expression tree. Exactly one of the three constructors
// below produces a given node; Kind dispatches on the tag rather than
// using an interface-per-variant hierarchy (spec.md §9's "avoid
// inheritance" guidance for atom kinds applies equally here).
type Kind uint8

const (
	KindConst Kind = iota
	KindBinding
	KindApply
)

type Expr struct {
	kind Kind

	// KindConst
	val value.Value

	// KindBinding
	varName   string
	tuplePos  int
	hasTuplePos bool

	// KindApply
	op   *Op
	args []Expr
}

func Const(v value.Value) Expr { return Expr{kind: KindConst, val: v} }

// Binding references a named variable. If tuplePos is set, it
// references a fixed position within the variable's bound list/vector
// value rather than the whole binding.
func Binding(name string) Expr { return Expr{kind: KindBinding, varName: name} }

func BindingAt(name string, pos int) Expr {
	return Expr{kind: KindBinding, varName: name, tuplePos: pos, hasTuplePos: true}
}

func Apply(op *Op, args ...Expr) Expr {
	return Expr{kind: KindApply, op: op, args: args}
}

func (e Expr) Kind() Kind { return e.kind }
func (e Expr) ConstValue() value.Value { return e.val }
func (e Expr) VarName() string { return e.varName }
func (e Expr) TuplePos() (int, bool) { return e.tuplePos, e.hasTuplePos }
func (e Expr) Op() *Op { return e.op }
func (e Expr) Args() []Expr { return e.args }

// Vars appends every distinct variable name referenced by e (including
// nested sub-expressions) to out, in left-to-right encounter order.
func (e Expr) Vars(out []string, seen map[string]bool) []string {
	switch e.kind {
	case KindBinding:
		if !seen[e.varName] {
			seen[e.varName] = true
			out = append(out, e.varName)
		}
	case KindApply:
		for _, a := range e.args {
			out = a.Vars(out, seen)
		}
	}
	return out
}
