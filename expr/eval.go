package expr

import (
	"github.com/stratadb/stratadb/value"
)

// Bindings resolves a variable name to its currently bound Value during
// evaluation of one tuple frame.
type Bindings map[string]value.Value

// Dropped is returned by Eval when a predicate's operator could not
// compute on its operands and strict mode was not requested: per
// spec.md §4.1, this signals the caller to silently drop the
// containing tuple rather than abort the statement.
type Dropped struct{ Cause error }

func (d *Dropped) Error() string { return "dropped: " + d.Cause.Error() }
func (d *Dropped) Unwrap() error { return d.Cause }

// Eval evaluates e against bindings. When strict is true, an operator
// error is returned as-is (aborting the statement per spec.md §7);
// when false, it is wrapped in *Dropped so filter callers can catch it
// and silently exclude the tuple, preserving Datalog's "false on
// undefined" convention.
func Eval(e Expr, b Bindings, strict bool) (value.Value, error) {
	switch e.Kind() {
	case KindConst:
		return e.ConstValue(), nil
	case KindBinding:
		v, ok := b[e.VarName()]
		if !ok {
			return value.Null(), nil
		}
		if pos, has := e.TuplePos(); has {
			if v.Kind() != value.KindList || pos >= len(v.ListElems()) {
				return value.Null(), nil
			}
			return v.ListElems()[pos], nil
		}
		return v, nil
	case KindApply:
		args := make([]value.Value, len(e.Args()))
		for i, a := range e.Args() {
			v, err := Eval(a, b, strict)
			if err != nil {
				return value.Null(), err
			}
			args[i] = v
			// AND/OR short-circuit: stop at the first deciding operand.
			if (e.Op() == OpAnd || e.Op() == OpOr) && v.Kind() == value.KindBool && v.Bool() == (e.Op() == OpOr) {
				return v, nil
			}
		}
		v, err := e.Op().Eval(args)
		if err != nil {
			if strict {
				return value.Null(), err
			}
			return value.Null(), &Dropped{Cause: err}
		}
		return v, nil
	}
	return value.Null(), nil
}

// EvalFilter evaluates a boolean-producing expression for use as a
// filter predicate. A *Dropped error or a non-true result both mean
// "the tuple does not survive"; only a non-Dropped error is surfaced
// to the caller (a genuine, non-predicate failure).
func EvalFilter(e Expr, b Bindings, strict bool) (survives bool, err error) {
	v, err := Eval(e, b, strict)
	if err != nil {
		var d *Dropped
		if ok := asDropped(err, &d); ok {
			return false, nil
		}
		return false, err
	}
	return v.Kind() == value.KindBool && v.Bool(), nil
}

func asDropped(err error, d **Dropped) bool {
	if dd, ok := err.(*Dropped); ok {
		*d = dd
		return true
	}
	return false
}

// Fold performs bottom-up constant folding: any Apply node whose
// arguments are all Const after recursively folding its children is
// replaced by a Const holding the evaluated result. Folding runs before
// evaluation planning, per spec.md §4.1; a fold-time error is not
// fatal — the original (unfolded) node is kept so the error can
// surface naturally at evaluation time with the tuple that caused it.
func Fold(e Expr) Expr {
	if e.Kind() != KindApply {
		return e
	}
	folded := make([]Expr, len(e.Args()))
	allConst := true
	for i, a := range e.Args() {
		fa := Fold(a)
		folded[i] = fa
		if fa.Kind() != KindConst {
			allConst = false
		}
	}
	e = Apply(e.Op(), folded...)
	if !allConst {
		return e
	}
	args := make([]value.Value, len(folded))
	for i, a := range folded {
		args[i] = a.ConstValue()
	}
	v, err := e.Op().Eval(args)
	if err != nil {
		return e
	}
	return Const(v)
}
