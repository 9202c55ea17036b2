package value

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTotalOrder(t *testing.T) {
	ordered := []Value{
		Null(),
		Bool(false),
		Bool(true),
		Int(1),
		Int(2),
		Float(2.5),
		String("a"),
		String("b"),
		Bytes([]byte{0x01}),
		List([]Value{Int(1)}),
		Vector(VectorF64, []float64{1, 2}),
	}
	for i := 0; i < len(ordered)-1; i++ {
		require.Negativef(t, Compare(ordered[i], ordered[i+1]), "expected %#v < %#v", ordered[i], ordered[i+1])
	}
}

func TestIntFloatTieBreak(t *testing.T) {
	require.Negative(t, Compare(Int(2), Float(2.0)))
	require.Positive(t, Compare(Float(2.0), Int(2)))
}

func TestNaNEqualsSelf(t *testing.T) {
	nan := Float(math.NaN())
	require.True(t, Equal(nan, nan))
	require.Equal(t, Fingerprint(nan), Fingerprint(Float(math.NaN())))
}

func TestFingerprintStable(t *testing.T) {
	a := List([]Value{Int(1), String("x")})
	b := List([]Value{Int(1), String("x")})
	require.Equal(t, Fingerprint(a), Fingerprint(b))
}
