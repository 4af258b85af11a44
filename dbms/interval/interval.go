// Package interval defines the record stored by every history backend: the
// value of one attribute over a closed time span.
//
// On-disk layout of an interval (little-endian):
//
//	[0-7]    start time
//	[8-15]   end time
//	[16-19]  attribute (quark)
//	[20]     value kind
//	[21+]    value payload (int32, int64, float64 bits, or uint16 len + bytes)
package interval

import (
	"cmp"
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/errors"
)

const fixedSize = 8 + 8 + 4

var (
	ErrInvalid = errors.New("interval: invalid interval")
	ErrCorrupt = errors.New("interval: corrupt encoding")
)

// Interval is immutable once handed to a backend.
type Interval struct {
	Start     int64
	End       int64
	Attribute int32
	Value     Value
}

func New(start, end int64, attr int32, v Value) Interval {
	return Interval{Start: start, End: end, Attribute: attr, Value: v}
}

// Validate rejects intervals that cannot be stored.
func (iv Interval) Validate() error {
	if iv.End < iv.Start {
		return errors.Wrapf(ErrInvalid, "end %d before start %d", iv.End, iv.Start)
	}
	if iv.Value.kind > KindString {
		return errors.Wrapf(ErrInvalid, "unknown value kind %d", iv.Value.kind)
	}
	if iv.Value.kind == KindString && len(iv.Value.s) > MaxStringLen {
		return errors.Wrapf(ErrInvalid, "string value of %d bytes exceeds %d", len(iv.Value.s), MaxStringLen)
	}
	return nil
}

// SizeOnDisk is the number of bytes Encode writes.
func (iv Interval) SizeOnDisk() int {
	return fixedSize + iv.Value.encodedSize()
}

// Contains reports whether t falls inside [Start, End].
func (iv Interval) Contains(t int64) bool {
	return iv.Start <= t && t <= iv.End
}

// Equal compares all fields, including the value payload.
func (iv Interval) Equal(o Interval) bool {
	return iv.Start == o.Start && iv.End == o.End && iv.Attribute == o.Attribute && iv.Value.Equal(o.Value)
}

func (iv Interval) String() string {
	return fmt.Sprintf("[%d, %d] attr=%d value=%s", iv.Start, iv.End, iv.Attribute, iv.Value)
}

// Compare orders intervals by end time, then start time, then attribute.
// This is the order intervals are kept in inside a node.
func Compare(a, b Interval) int {
	if c := cmp.Compare(a.End, b.End); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Start, b.Start); c != 0 {
		return c
	}
	return cmp.Compare(a.Attribute, b.Attribute)
}

// Encode writes iv at the front of b and returns the bytes written.
// b must hold at least SizeOnDisk bytes.
func (iv Interval) Encode(b []byte) int {
	binary.LittleEndian.PutUint64(b[0:8], uint64(iv.Start))
	binary.LittleEndian.PutUint64(b[8:16], uint64(iv.End))
	binary.LittleEndian.PutUint32(b[16:20], uint32(iv.Attribute))
	return fixedSize + iv.Value.put(b[fixedSize:])
}

// Decode reads one interval from the front of b.
func Decode(b []byte) (Interval, int, error) {
	if len(b) < fixedSize {
		return Interval{}, 0, errors.Wrapf(ErrCorrupt, "need %d bytes, have %d", fixedSize, len(b))
	}
	iv := Interval{
		Start:     int64(binary.LittleEndian.Uint64(b[0:8])),
		End:       int64(binary.LittleEndian.Uint64(b[8:16])),
		Attribute: int32(binary.LittleEndian.Uint32(b[16:20])),
	}
	v, n, err := getValue(b[fixedSize:])
	if err != nil {
		return Interval{}, 0, err
	}
	iv.Value = v
	return iv, fixedSize + n, nil
}
