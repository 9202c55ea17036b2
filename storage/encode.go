package storage

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
	"github.com/stratadb/stratadb/value"
)

// EncodeTuple serializes t as the concatenation of its self-delimiting
// encoded values; no element count is written, so DecodeTuple is told
// the arity. It is used for both the key portion (via relationKey) and
// the value portion (via Store.putRow) of a stored row.
func EncodeTuple(t value.Tuple) []byte {
	var buf []byte
	for _, v := range t {
		buf = append(buf, encodeValue(v)...)
	}
	return buf
}

// DecodeTuple decodes exactly arity values from buf.
func DecodeTuple(buf []byte, arity int) (value.Tuple, error) {
	out := make(value.Tuple, arity)
	rest := buf
	for i := 0; i < arity; i++ {
		v, n, err := decodeValue(rest)
		if err != nil {
			return nil, errors.Wrapf(err, "storage: decoding tuple position %d", i)
		}
		out[i] = v
		rest = rest[n:]
	}
	return out, nil
}

func encodeValue(v value.Value) []byte {
	var buf []byte
	buf = append(buf, byte(v.Kind()))
	switch v.Kind() {
	case value.KindNull:
	case value.KindBool:
		if v.Bool() {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case value.KindInt:
		buf = append(buf, put64(uint64(v.Int()))...)
	case value.KindFloat:
		buf = append(buf, put64(floatBits(v.Float()))...)
	case value.KindString:
		buf = append(buf, lenPrefixed([]byte(v.String()))...)
	case value.KindBytes:
		buf = append(buf, lenPrefixed(v.Bytes())...)
	case value.KindUUID:
		u := v.AsUUID()
		buf = append(buf, u.Bytes()...)
	case value.KindTimestamp:
		buf = append(buf, put64(uint64(v.Time().UnixNano()))...)
	case value.KindList:
		elems := v.ListElems()
		buf = append(buf, put32(uint32(len(elems)))...)
		for _, e := range elems {
			buf = append(buf, encodeValue(e)...)
		}
	case value.KindVector:
		buf = append(buf, byte(v.VectorElemType()))
		data := v.VectorData()
		buf = append(buf, put32(uint32(len(data)))...)
		for _, f := range data {
			buf = append(buf, put64(floatBits(f))...)
		}
	}
	return buf
}

func decodeValue(buf []byte) (value.Value, int, error) {
	if len(buf) < 1 {
		return value.Value{}, 0, errors.New("storage: truncated value tag")
	}
	kind := value.Kind(buf[0])
	n := 1
	switch kind {
	case value.KindNull:
		return value.Null(), n, nil
	case value.KindBool:
		if len(buf) < n+1 {
			return value.Value{}, 0, errors.New("storage: truncated bool")
		}
		b := buf[n] != 0
		return value.Bool(b), n + 1, nil
	case value.KindInt:
		x, err := get64(buf[n:])
		if err != nil {
			return value.Value{}, 0, err
		}
		return value.Int(int64(x)), n + 8, nil
	case value.KindFloat:
		x, err := get64(buf[n:])
		if err != nil {
			return value.Value{}, 0, err
		}
		return value.Float(unFloatBits(x)), n + 8, nil
	case value.KindString:
		s, adv, err := getLenPrefixed(buf[n:])
		if err != nil {
			return value.Value{}, 0, err
		}
		return value.String(string(s)), n + adv, nil
	case value.KindBytes:
		b, adv, err := getLenPrefixed(buf[n:])
		if err != nil {
			return value.Value{}, 0, err
		}
		return value.Bytes(b), n + adv, nil
	case value.KindUUID:
		if len(buf) < n+16 {
			return value.Value{}, 0, errors.New("storage: truncated uuid")
		}
		u, err := uuid.FromBytes(buf[n : n+16])
		if err != nil {
			return value.Value{}, 0, errors.Wrap(err, "storage: decoding uuid")
		}
		return value.UUID(u), n + 16, nil
	case value.KindTimestamp:
		x, err := get64(buf[n:])
		if err != nil {
			return value.Value{}, 0, err
		}
		return value.Timestamp(time.Unix(0, int64(x)).UTC()), n + 8, nil
	case value.KindList:
		count, err := get32(buf[n:])
		if err != nil {
			return value.Value{}, 0, err
		}
		n += 4
		elems := make([]value.Value, count)
		for i := range elems {
			v, adv, err := decodeValue(buf[n:])
			if err != nil {
				return value.Value{}, 0, err
			}
			elems[i] = v
			n += adv
		}
		return value.List(elems), n, nil
	case value.KindVector:
		if len(buf) < n+1 {
			return value.Value{}, 0, errors.New("storage: truncated vector element tag")
		}
		elem := value.VectorElem(buf[n])
		n++
		count, err := get32(buf[n:])
		if err != nil {
			return value.Value{}, 0, err
		}
		n += 4
		data := make([]float64, count)
		for i := range data {
			x, err := get64(buf[n:])
			if err != nil {
				return value.Value{}, 0, err
			}
			data[i] = unFloatBits(x)
			n += 8
		}
		return value.Vector(elem, data), n, nil
	}
	return value.Value{}, 0, errors.Errorf("storage: unknown value tag %d", kind)
}

func put64(x uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, x)
	return buf
}

func get64(buf []byte) (uint64, error) {
	if len(buf) < 8 {
		return 0, errors.New("storage: truncated 64-bit field")
	}
	return binary.BigEndian.Uint64(buf[:8]), nil
}

func put32(x uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, x)
	return buf
}

func get32(buf []byte) (uint32, error) {
	if len(buf) < 4 {
		return 0, errors.New("storage: truncated 32-bit field")
	}
	return binary.BigEndian.Uint32(buf[:4]), nil
}

func lenPrefixed(b []byte) []byte {
	return append(put32(uint32(len(b))), b...)
}

func getLenPrefixed(buf []byte) ([]byte, int, error) {
	n, err := get32(buf)
	if err != nil {
		return nil, 0, err
	}
	if uint32(len(buf)) < 4+n {
		return nil, 0, errors.New("storage: truncated length-prefixed field")
	}
	return buf[4 : 4+n], int(4 + n), nil
}

func floatBits(f float64) uint64    { return math.Float64bits(f) }
func unFloatBits(x uint64) float64  { return math.Float64frombits(x) }
