package interval

import (
	"encoding/binary"
	"math"
	"strconv"

	"github.com/cockroachdb/errors"
)

// Kind tags the type of a state value on disk.
type Kind byte

const (
	KindNull Kind = iota
	KindInt
	KindLong
	KindDouble
	KindString
)

// MaxStringLen is the longest string value that can be stored.
const MaxStringLen = math.MaxUint16

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInt:
		return "int"
	case KindLong:
		return "long"
	case KindDouble:
		return "double"
	case KindString:
		return "string"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value is the state an attribute holds over an interval.
type Value struct {
	kind Kind
	num  int64
	f    float64
	s    string
}

func Null() Value               { return Value{kind: KindNull} }
func Int(v int32) Value         { return Value{kind: KindInt, num: int64(v)} }
func Long(v int64) Value        { return Value{kind: KindLong, num: v} }
func Double(v float64) Value    { return Value{kind: KindDouble, f: v} }
func String(v string) Value     { return Value{kind: KindString, s: v} }
func (v Value) Kind() Kind      { return v.kind }
func (v Value) IsNull() bool    { return v.kind == KindNull }
func (v Value) Int() int32      { return int32(v.num) }
func (v Value) Long() int64     { return v.num }
func (v Value) Double() float64 { return v.f }
func (v Value) Str() string     { return v.s }

// Equal reports whether both values have the same kind and payload.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindInt, KindLong:
		return v.num == o.num
	case KindDouble:
		return math.Float64bits(v.f) == math.Float64bits(o.f)
	case KindString:
		return v.s == o.s
	}
	return true
}

func (v Value) String() string {
	switch v.kind {
	case KindInt, KindLong:
		return strconv.FormatInt(v.num, 10)
	case KindDouble:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return strconv.Quote(v.s)
	}
	return "nullValue"
}

// encodedSize is the tag byte plus the payload.
func (v Value) encodedSize() int {
	switch v.kind {
	case KindInt:
		return 1 + 4
	case KindLong, KindDouble:
		return 1 + 8
	case KindString:
		return 1 + 2 + len(v.s)
	}
	return 1
}

func (v Value) put(b []byte) int {
	b[0] = byte(v.kind)
	switch v.kind {
	case KindInt:
		binary.LittleEndian.PutUint32(b[1:], uint32(int32(v.num)))
	case KindLong:
		binary.LittleEndian.PutUint64(b[1:], uint64(v.num))
	case KindDouble:
		binary.LittleEndian.PutUint64(b[1:], math.Float64bits(v.f))
	case KindString:
		binary.LittleEndian.PutUint16(b[1:], uint16(len(v.s)))
		copy(b[3:], v.s)
	}
	return v.encodedSize()
}

func getValue(b []byte) (Value, int, error) {
	if len(b) < 1 {
		return Value{}, 0, errors.Wrap(ErrCorrupt, "missing value tag")
	}
	k := Kind(b[0])
	need := func(n int) error {
		if len(b) < 1+n {
			return errors.Wrapf(ErrCorrupt, "%s value needs %d bytes, have %d", k, n, len(b)-1)
		}
		return nil
	}
	switch k {
	case KindNull:
		return Null(), 1, nil
	case KindInt:
		if err := need(4); err != nil {
			return Value{}, 0, err
		}
		return Int(int32(binary.LittleEndian.Uint32(b[1:]))), 5, nil
	case KindLong:
		if err := need(8); err != nil {
			return Value{}, 0, err
		}
		return Long(int64(binary.LittleEndian.Uint64(b[1:]))), 9, nil
	case KindDouble:
		if err := need(8); err != nil {
			return Value{}, 0, err
		}
		return Double(math.Float64frombits(binary.LittleEndian.Uint64(b[1:]))), 9, nil
	case KindString:
		if err := need(2); err != nil {
			return Value{}, 0, err
		}
		n := int(binary.LittleEndian.Uint16(b[1:]))
		if err := need(2 + n); err != nil {
			return Value{}, 0, err
		}
		return String(string(b[3 : 3+n])), 3 + n, nil
	}
	return Value{}, 0, errors.Wrapf(ErrCorrupt, "unknown value kind %d", k)
}
