package expr

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stratadb/stratadb/value"
)

func TestEvalArithmetic(t *testing.T) {
	e := Apply(OpAdd, Const(value.Int(2)), Const(value.Int(3)))
	v, err := Eval(e, nil, true)
	require.NoError(t, err)
	require.Equal(t, value.Int(5), v)
}

func TestShortCircuitAnd(t *testing.T) {
	// Second arg would divide by zero; AND must short-circuit on false.
	div := Apply(OpDiv, Const(value.Int(1)), Const(value.Int(0)))
	eq := Apply(OpEq, div, div) // would error if evaluated
	e := Apply(OpAnd, Const(value.Bool(false)), eq)
	v, err := Eval(e, nil, true)
	require.NoError(t, err)
	require.Equal(t, value.Bool(false), v)
}

func TestPredicateDropNonStrict(t *testing.T) {
	e := Apply(OpDiv, Const(value.Int(1)), Const(value.Int(0)))
	gt := Apply(OpGt, e, Const(value.Int(0)))
	survives, err := EvalFilter(gt, nil, false)
	require.NoError(t, err)
	require.False(t, survives)
}

func TestPredicateStrictPropagates(t *testing.T) {
	e := Apply(OpDiv, Const(value.Int(1)), Const(value.Int(0)))
	_, err := Eval(e, nil, true)
	require.Error(t, err)
}

func TestConstantFolding(t *testing.T) {
	e := Apply(OpAdd, Const(value.Int(2)), Apply(OpMul, Const(value.Int(3)), Const(value.Int(4))))
	folded := Fold(e)
	require.Equal(t, KindConst, folded.Kind())
	require.Equal(t, value.Int(14), folded.ConstValue())
}

func TestBindingAtTuplePosition(t *testing.T) {
	b := Bindings{"v": value.List([]value.Value{value.Int(10), value.Int(20)})}
	v, err := Eval(BindingAt("v", 1), b, true)
	require.NoError(t, err)
	require.Equal(t, value.Int(20), v)
}
