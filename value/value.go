// Package value implements the tagged-union Value type shared by every
// layer of stratadb: expressions, tuples, relation schemas, and index
// keys all traffic in Value.
package value

import (
	"bytes"
	"fmt"
	"hash"
	"math"
	"time"

	"github.com/cespare/xxhash"
	uuid "github.com/satori/go.uuid"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindUUID
	KindTimestamp
	KindList
	KindVector
)

// VectorElem is the declared element type of a Vector value.
type VectorElem uint8

const (
	VectorF32 VectorElem = iota
	VectorF64
)

// Value is a tagged union over the data model described in spec.md §3.
// Only the fields relevant to Kind are meaningful; the zero Value is
// Null.
type Value struct {
	kind  Kind
	b     bool
	i     int64
	f     float64
	s     string
	bs    []byte
	u     uuid.UUID
	ts    time.Time
	list  []Value
	vec   []float64
	velem VectorElem
	vdim  int
}

func Null() Value                { return Value{kind: KindNull} }
func Bool(b bool) Value          { return Value{kind: KindBool, b: b} }
func Int(i int64) Value          { return Value{kind: KindInt, i: i} }
func Float(f float64) Value      { return Value{kind: KindFloat, f: f} }
func String(s string) Value      { return Value{kind: KindString, s: s} }
func Bytes(b []byte) Value       { return Value{kind: KindBytes, bs: append([]byte(nil), b...)} }
func UUID(u uuid.UUID) Value     { return Value{kind: KindUUID, u: u} }
func Timestamp(t time.Time) Value { return Value{kind: KindTimestamp, ts: t.UTC()} }
func List(vs []Value) Value      { return Value{kind: KindList, list: vs} }

// Vector constructs a fixed-dimension numeric vector value. elem
// declares whether the vector is stored/compared as F32 or F64. No
// dimension is checked here or by Schema.CheckTuple (which checks only
// the Kind); an HNSW index rejects a vector whose dimension differs
// from the index's declared one.
func Vector(elem VectorElem, data []float64) Value {
	return Value{kind: KindVector, velem: elem, vdim: len(data), vec: append([]float64(nil), data...)}
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) Bool() bool            { return v.b }
func (v Value) Int() int64            { return v.i }
func (v Value) Float() float64        { return v.f }
func (v Value) String() string        { return v.s }
func (v Value) Bytes() []byte         { return v.bs }
func (v Value) AsUUID() uuid.UUID     { return v.u }
func (v Value) Time() time.Time       { return v.ts }
func (v Value) ListElems() []Value    { return v.list }
func (v Value) VectorData() []float64 { return v.vec }
func (v Value) VectorElemType() VectorElem { return v.velem }
func (v Value) VectorDim() int        { return v.vdim }

// AsFloat64 returns the numeric value of an Int or Float Value,
// widening an Int. It panics if v is not numeric; callers must check
// Kind first (the expr package only calls this after a type check).
func (v Value) AsFloat64() float64 {
	switch v.kind {
	case KindInt:
		return float64(v.i)
	case KindFloat:
		return v.f
	default:
		panic("value: AsFloat64 on non-numeric Value")
	}
}

func (v Value) IsNumeric() bool { return v.kind == KindInt || v.kind == KindFloat }

// String formatting for diagnostics; never used for persisted encoding.
func (v Value) GoString() string {
	switch v.kind {
	case KindNull:
		return "Null"
	case KindBool:
		return fmt.Sprintf("Bool(%v)", v.b)
	case KindInt:
		return fmt.Sprintf("Int(%d)", v.i)
	case KindFloat:
		return fmt.Sprintf("Float(%v)", v.f)
	case KindString:
		return fmt.Sprintf("String(%q)", v.s)
	case KindBytes:
		return fmt.Sprintf("Bytes(%x)", v.bs)
	case KindUUID:
		return fmt.Sprintf("UUID(%s)", v.u.String())
	case KindTimestamp:
		return fmt.Sprintf("Timestamp(%s)", v.ts.Format(time.RFC3339Nano))
	case KindList:
		return fmt.Sprintf("List(%v)", v.list)
	case KindVector:
		return fmt.Sprintf("Vector(%v)", v.vec)
	}
	return "?"
}

// Compare implements the total order of spec.md §3: Null < Bool < Num
// (Int and Float compared numerically, Int < Float at equality
// tie-break) < String < Bytes < List (lexicographic) < Vector (lex).
func Compare(a, b Value) int {
	if a.kind != b.kind && !(a.IsNumeric() && b.IsNumeric()) {
		return int(rank(a.kind)) - int(rank(b.kind))
	}
	switch a.kind {
	case KindNull:
		return 0
	case KindBool:
		if a.b == b.b {
			return 0
		}
		if !a.b {
			return -1
		}
		return 1
	case KindInt, KindFloat:
		return compareNumeric(a, b)
	case KindString:
		return bytes.Compare([]byte(a.s), []byte(b.s))
	case KindBytes:
		return bytes.Compare(a.bs, b.bs)
	case KindUUID:
		return bytes.Compare(a.u.Bytes(), b.u.Bytes())
	case KindTimestamp:
		if a.ts.Before(b.ts) {
			return -1
		} else if a.ts.After(b.ts) {
			return 1
		}
		return 0
	case KindList:
		return compareLex(a.list, b.list)
	case KindVector:
		return compareFloatsLex(a.vec, b.vec)
	}
	return 0
}

// rank orders Kinds for cross-kind comparison; numeric kinds share a
// rank since they compare against each other numerically.
func rank(k Kind) int {
	switch k {
	case KindNull:
		return 0
	case KindBool:
		return 1
	case KindInt, KindFloat:
		return 2
	case KindString:
		return 3
	case KindBytes:
		return 4
	case KindUUID:
		return 5
	case KindTimestamp:
		return 6
	case KindList:
		return 7
	case KindVector:
		return 8
	}
	return 99
}

func compareNumeric(a, b Value) int {
	af, bf := a.AsFloat64(), b.AsFloat64()
	// NaN treated as equal to itself so vectors/floats can key indexes.
	aNaN, bNaN := isNaN(a), isNaN(b)
	if aNaN && bNaN {
		return 0
	}
	if aNaN {
		return 1
	}
	if bNaN {
		return -1
	}
	if af < bf {
		return -1
	}
	if af > bf {
		return 1
	}
	// Equal numerically: Int < Float at tie-break.
	if a.kind == b.kind {
		return 0
	}
	if a.kind == KindInt {
		return -1
	}
	return 1
}

func isNaN(v Value) bool {
	return v.kind == KindFloat && math.IsNaN(v.f)
}

func compareLex(a, b []Value) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	return len(a) - len(b)
}

func compareFloatsLex(a, b []float64) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		an, bn := isFloatNaN(a[i]), isFloatNaN(b[i])
		if an && bn {
			continue
		}
		if an {
			return 1
		}
		if bn {
			return -1
		}
		if a[i] < b[i] {
			return -1
		}
		if a[i] > b[i] {
			return 1
		}
	}
	return len(a) - len(b)
}

func isFloatNaN(f float64) bool { return math.IsNaN(f) }

// Equal reports whether a and b compare equal under Compare, honoring
// the NaN-equals-NaN convention.
func Equal(a, b Value) bool { return Compare(a, b) == 0 }

// Fingerprint returns a 64-bit hash of v stable across process runs,
// used for delta-relation membership tests during semi-naive iteration
// and as HNSW graph node identifiers. It folds NaN floats to a single
// representative bit pattern so Fingerprint agrees with Equal/Compare.
func Fingerprint(v Value) uint64 {
	h := xxhash.New()
	writeFingerprint(h, v)
	return h.Sum64()
}

func writeFingerprint(h hash.Hash64, v Value) {
	h.Write([]byte{byte(v.kind)})
	switch v.kind {
	case KindNull:
	case KindBool:
		if v.b {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
	case KindInt:
		var buf [8]byte
		putU64(buf[:], uint64(v.i))
		h.Write(buf[:])
	case KindFloat:
		f := v.f
		if math.IsNaN(f) {
			f = math.NaN() // canonical bit pattern
		}
		var buf [8]byte
		putU64(buf[:], math.Float64bits(f))
		h.Write(buf[:])
	case KindString:
		h.Write([]byte(v.s))
	case KindBytes:
		h.Write(v.bs)
	case KindUUID:
		h.Write(v.u.Bytes())
	case KindTimestamp:
		var buf [8]byte
		putU64(buf[:], uint64(v.ts.UnixNano()))
		h.Write(buf[:])
	case KindList:
		for _, e := range v.list {
			writeFingerprint(h, e)
		}
	case KindVector:
		for _, f := range v.vec {
			var buf [8]byte
			putU64(buf[:], math.Float64bits(f))
			h.Write(buf[:])
		}
	}
}

func putU64(buf []byte, x uint64) {
	for i := 0; i < 8; i++ {
		buf[i] = byte(x >> (8 * uint(i)))
	}
}
