package expr

import (
	"math"
	"strings"

	"github.com/spf13/cast"
	"github.com/stratadb/stratadb/errs"
	"github.com/stratadb/stratadb/value"
)

// Op is one entry in the fixed operator catalog of spec.md §4.1: every
// operator declares its minimum arity, whether it accepts more
// arguments than that minimum (Variadic), and its evaluation function.
type Op struct {
	Name     string
	MinArity int
	Variadic bool
	Eval     func(args []value.Value) (value.Value, error)
}

func typeErr(op string, args []value.Value) error {
	kinds := make([]string, len(args))
	for i, a := range args {
		kinds[i] = kindName(a.Kind())
	}
	return errs.Type.New(op, strings.Join(kinds, ","))
}

func kindName(k value.Kind) string {
	switch k {
	case value.KindNull:
		return "Null"
	case value.KindBool:
		return "Bool"
	case value.KindInt:
		return "Int"
	case value.KindFloat:
		return "Float"
	case value.KindString:
		return "String"
	case value.KindBytes:
		return "Bytes"
	case value.KindUUID:
		return "UUID"
	case value.KindTimestamp:
		return "Timestamp"
	case value.KindList:
		return "List"
	case value.KindVector:
		return "Vector"
	}
	return "?"
}

func numeric2(name string, args []value.Value, f func(a, b float64) float64, asFloat bool) (value.Value, error) {
	if len(args) != 2 || !args[0].IsNumeric() || !args[1].IsNumeric() {
		return value.Null(), typeErr(name, args)
	}
	r := f(args[0].AsFloat64(), args[1].AsFloat64())
	if !asFloat && args[0].Kind() == value.KindInt && args[1].Kind() == value.KindInt && r == math.Trunc(r) {
		return value.Int(int64(r)), nil
	}
	return value.Float(r), nil
}

// Fixed catalog. Arithmetic, comparison, logical, list, string, vector
// distance/normalization, and range operators, per spec.md §4.1.
var (
	OpAdd = &Op{Name: "+", MinArity: 2, Eval: func(a []value.Value) (value.Value, error) {
		return numeric2("+", a, func(x, y float64) float64 { return x + y }, false)
	}}
	OpSub = &Op{Name: "-", MinArity: 2, Eval: func(a []value.Value) (value.Value, error) {
		return numeric2("-", a, func(x, y float64) float64 { return x - y }, false)
	}}
	OpMul = &Op{Name: "*", MinArity: 2, Eval: func(a []value.Value) (value.Value, error) {
		return numeric2("*", a, func(x, y float64) float64 { return x * y }, false)
	}}
	OpDiv = &Op{Name: "/", MinArity: 2, Eval: func(a []value.Value) (value.Value, error) {
		if len(a) != 2 || !a[0].IsNumeric() || !a[1].IsNumeric() {
			return value.Null(), typeErr("/", a)
		}
		if a[1].AsFloat64() == 0 {
			return value.Null(), errs.Runtime.New("division by zero")
		}
		return numeric2("/", a, func(x, y float64) float64 { return x / y }, true)
	}}
	OpMod = &Op{Name: "%", MinArity: 2, Eval: func(a []value.Value) (value.Value, error) {
		if len(a) != 2 || a[0].Kind() != value.KindInt || a[1].Kind() != value.KindInt {
			return value.Null(), typeErr("%", a)
		}
		if a[1].Int() == 0 {
			return value.Null(), errs.Runtime.New("modulo by zero")
		}
		return value.Int(a[0].Int() % a[1].Int()), nil
	}}
	OpNeg = &Op{Name: "neg", MinArity: 1, Eval: func(a []value.Value) (value.Value, error) {
		if len(a) != 1 || !a[0].IsNumeric() {
			return value.Null(), typeErr("neg", a)
		}
		if a[0].Kind() == value.KindInt {
			return value.Int(-a[0].Int()), nil
		}
		return value.Float(-a[0].Float()), nil
	}}

	OpEq = &Op{Name: "==", MinArity: 2, Eval: cmpOp("==", func(c int) bool { return c == 0 })}
	OpNe = &Op{Name: "!=", MinArity: 2, Eval: cmpOp("!=", func(c int) bool { return c != 0 })}
	OpLt = &Op{Name: "<", MinArity: 2, Eval: cmpOp("<", func(c int) bool { return c < 0 })}
	OpLe = &Op{Name: "<=", MinArity: 2, Eval: cmpOp("<=", func(c int) bool { return c <= 0 })}
	OpGt = &Op{Name: ">", MinArity: 2, Eval: cmpOp(">", func(c int) bool { return c > 0 })}
	OpGe = &Op{Name: ">=", MinArity: 2, Eval: cmpOp(">=", func(c int) bool { return c >= 0 })}

	OpAnd = &Op{Name: "and", MinArity: 2, Variadic: true, Eval: logicalOp("and", true)}
	OpOr  = &Op{Name: "or", MinArity: 2, Variadic: true, Eval: logicalOp("or", false)}
	OpNot = &Op{Name: "not", MinArity: 1, Eval: func(a []value.Value) (value.Value, error) {
		if len(a) != 1 || a[0].Kind() != value.KindBool {
			return value.Null(), typeErr("not", a)
		}
		return value.Bool(!a[0].Bool()), nil
	}}

	OpListGet = &Op{Name: "list_get", MinArity: 2, Eval: func(a []value.Value) (value.Value, error) {
		if len(a) != 2 || a[0].Kind() != value.KindList || a[1].Kind() != value.KindInt {
			return value.Null(), typeErr("list_get", a)
		}
		idx := a[1].Int()
		elems := a[0].ListElems()
		if idx < 0 || idx >= int64(len(elems)) {
			return value.Null(), errs.Runtime.New("list index out of range")
		}
		return elems[idx], nil
	}}
	OpListLen = &Op{Name: "list_len", MinArity: 1, Eval: func(a []value.Value) (value.Value, error) {
		if len(a) != 1 || a[0].Kind() != value.KindList {
			return value.Null(), typeErr("list_len", a)
		}
		return value.Int(int64(len(a[0].ListElems()))), nil
	}}
	OpIn = &Op{Name: "in", MinArity: 2, Eval: func(a []value.Value) (value.Value, error) {
		if len(a) != 2 || a[1].Kind() != value.KindList {
			return value.Null(), typeErr("in", a)
		}
		for _, e := range a[1].ListElems() {
			if value.Equal(a[0], e) {
				return value.Bool(true), nil
			}
		}
		return value.Bool(false), nil
	}}

	OpConcat = &Op{Name: "concat", MinArity: 2, Variadic: true, Eval: func(a []value.Value) (value.Value, error) {
		var sb strings.Builder
		for _, v := range a {
			if v.Kind() != value.KindString {
				return value.Null(), typeErr("concat", a)
			}
			sb.WriteString(v.String())
		}
		return value.String(sb.String()), nil
	}}

	OpCastInt = &Op{Name: "int", MinArity: 1, Eval: func(a []value.Value) (value.Value, error) {
		if len(a) != 1 {
			return value.Null(), typeErr("int", a)
		}
		i, err := castToInt64(a[0])
		if err != nil {
			return value.Null(), errs.Runtime.New(err.Error())
		}
		return value.Int(i), nil
	}}
	OpCastFloat = &Op{Name: "float", MinArity: 1, Eval: func(a []value.Value) (value.Value, error) {
		if len(a) != 1 {
			return value.Null(), typeErr("float", a)
		}
		f, err := castToFloat64(a[0])
		if err != nil {
			return value.Null(), errs.Runtime.New(err.Error())
		}
		return value.Float(f), nil
	}}

	// Vector distance/normalization ops.
	OpVecL2      = &Op{Name: "vec_l2", MinArity: 2, Eval: vectorDistance("vec_l2", l2Distance)}
	OpVecCosine  = &Op{Name: "vec_cosine", MinArity: 2, Eval: vectorDistance("vec_cosine", cosineDistance)}
	OpVecInner   = &Op{Name: "vec_inner", MinArity: 2, Eval: vectorDistance("vec_inner", innerProduct)}
	OpVecNormalize = &Op{Name: "vec_normalize", MinArity: 1, Eval: func(a []value.Value) (value.Value, error) {
		if len(a) != 1 || a[0].Kind() != value.KindVector {
			return value.Null(), typeErr("vec_normalize", a)
		}
		data := a[0].VectorData()
		var norm float64
		for _, x := range data {
			norm += x * x
		}
		norm = math.Sqrt(norm)
		if norm == 0 {
			return value.Null(), errs.Runtime.New("cannot normalize zero vector")
		}
		out := make([]float64, len(data))
		for i, x := range data {
			out[i] = x / norm
		}
		return value.Vector(a[0].VectorElemType(), out), nil
	}}

	// Range: produces a List of consecutive Ints [start, stop).
	OpRange = &Op{Name: "range", MinArity: 2, Variadic: true, Eval: func(a []value.Value) (value.Value, error) {
		if len(a) < 2 || len(a) > 3 {
			return value.Null(), typeErr("range", a)
		}
		for _, v := range a {
			if v.Kind() != value.KindInt {
				return value.Null(), typeErr("range", a)
			}
		}
		start, stop := a[0].Int(), a[1].Int()
		step := int64(1)
		if len(a) == 3 {
			step = a[2].Int()
		}
		if step == 0 {
			return value.Null(), errs.Runtime.New("range step cannot be zero")
		}
		var out []value.Value
		if step > 0 {
			for i := start; i < stop; i += step {
				out = append(out, value.Int(i))
			}
		} else {
			for i := start; i > stop; i += step {
				out = append(out, value.Int(i))
			}
		}
		return value.List(out), nil
	}}
)

func cmpOp(name string, pred func(c int) bool) func([]value.Value) (value.Value, error) {
	return func(a []value.Value) (value.Value, error) {
		if len(a) != 2 {
			return value.Null(), typeErr(name, a)
		}
		return value.Bool(pred(value.Compare(a[0], a[1]))), nil
	}
}

func logicalOp(name string, identity bool) func([]value.Value) (value.Value, error) {
	return func(a []value.Value) (value.Value, error) {
		if len(a) < 2 {
			return value.Null(), typeErr(name, a)
		}
		result := identity
		for _, v := range a {
			if v.Kind() != value.KindBool {
				return value.Null(), typeErr(name, a)
			}
			if identity {
				result = result && v.Bool()
				if !result {
					return value.Bool(false), nil // short-circuit AND
				}
			} else {
				result = result || v.Bool()
				if result {
					return value.Bool(true), nil // short-circuit OR
				}
			}
		}
		return value.Bool(result), nil
	}
}

func vectorDistance(name string, f func(a, b []float64) float64) func([]value.Value) (value.Value, error) {
	return func(a []value.Value) (value.Value, error) {
		if len(a) != 2 || a[0].Kind() != value.KindVector || a[1].Kind() != value.KindVector {
			return value.Null(), typeErr(name, a)
		}
		x, y := a[0].VectorData(), a[1].VectorData()
		if len(x) != len(y) {
			return value.Null(), errs.Runtime.New("vector dimension mismatch")
		}
		return value.Float(f(x, y)), nil
	}
}

func l2Distance(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

func cosineDistance(a, b []float64) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

func innerProduct(a, b []float64) float64 {
	var dot float64
	for i := range a {
		dot += a[i] * b[i]
	}
	return -dot
}

func castToInt64(v value.Value) (int64, error) {
	switch v.Kind() {
	case value.KindInt:
		return v.Int(), nil
	case value.KindFloat:
		return cast.ToInt64E(v.Float())
	case value.KindString:
		return cast.ToInt64E(v.String())
	case value.KindBool:
		return cast.ToInt64E(v.Bool())
	}
	return 0, errs.Runtime.New("cannot cast to int")
}

func castToFloat64(v value.Value) (float64, error) {
	switch v.Kind() {
	case value.KindInt:
		return float64(v.Int()), nil
	case value.KindFloat:
		return v.Float(), nil
	case value.KindString:
		return cast.ToFloat64E(v.String())
	}
	return 0, errs.Runtime.New("cannot cast to float")
}

// Catalog maps operator names to their Op, for the surface-AST-to-expr
// translation (out of scope here). Nothing in this module reads it;
// ir.Normalize works on already-built expr.Expr trees.
var Catalog = map[string]*Op{
	"+": OpAdd, "-": OpSub, "*": OpMul, "/": OpDiv, "%": OpMod, "neg": OpNeg,
	"==": OpEq, "!=": OpNe, "<": OpLt, "<=": OpLe, ">": OpGt, ">=": OpGe,
	"and": OpAnd, "or": OpOr, "not": OpNot,
	"list_get": OpListGet, "list_len": OpListLen, "in": OpIn,
	"concat": OpConcat, "int": OpCastInt, "float": OpCastFloat,
	"vec_l2": OpVecL2, "vec_cosine": OpVecCosine, "vec_inner": OpVecInner,
	"vec_normalize": OpVecNormalize, "range": OpRange,
}
