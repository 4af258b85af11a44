// Package condition provides the range predicates that drive history queries
// over time and over attribute ids. A Range is either a contiguous span or a
// sparse sorted set of discrete values.
package condition

import (
	"cmp"
	"fmt"
	"math"
	"slices"
)

// Range is a predicate over an ordered domain.
type Range[T cmp.Ordered] interface {
	// Min and Max bound the values the range accepts.
	Min() T
	Max() T
	// Test reports whether v satisfies the range.
	Test(v T) bool
	// Intersects reports whether some accepted value lies in [lo, hi].
	Intersects(lo, hi T) bool
	// Sub restricts the range to [lo, hi]. ok is false if nothing remains.
	Sub(lo, hi T) (r Range[T], ok bool)
}

// ─── Continuous ──────────────────────────────────────────────────────────────

type continuous[T cmp.Ordered] struct {
	lo, hi T
}

// Continuous accepts every value in [a, b]. The bounds may be given in any order.
func Continuous[T cmp.Ordered](a, b T) Range[T] {
	if b < a {
		a, b = b, a
	}
	return continuous[T]{lo: a, hi: b}
}

// Singleton accepts v only.
func Singleton[T cmp.Ordered](v T) Range[T] { return continuous[T]{lo: v, hi: v} }

// AllTimes accepts every timestamp.
func AllTimes() Range[int64] { return Continuous[int64](math.MinInt64, math.MaxInt64) }

// AllAttributes accepts every attribute id.
func AllAttributes() Range[int32] { return Continuous[int32](0, math.MaxInt32) }

func (c continuous[T]) Min() T        { return c.lo }
func (c continuous[T]) Max() T        { return c.hi }
func (c continuous[T]) Test(v T) bool { return c.lo <= v && v <= c.hi }
func (c continuous[T]) Intersects(lo, hi T) bool {
	return lo <= c.hi && c.lo <= hi && lo <= hi
}

func (c continuous[T]) Sub(lo, hi T) (Range[T], bool) {
	nlo, nhi := max(c.lo, lo), min(c.hi, hi)
	if nhi < nlo {
		return nil, false
	}
	return continuous[T]{lo: nlo, hi: nhi}, true
}

func (c continuous[T]) String() string { return fmt.Sprintf("[%v, %v]", c.lo, c.hi) }

// ─── Discrete ────────────────────────────────────────────────────────────────

type discrete[T cmp.Ordered] struct {
	values []T // sorted, unique
}

// Discrete accepts exactly the given values. An empty set accepts nothing.
func Discrete[T cmp.Ordered](values ...T) Range[T] {
	vs := slices.Clone(values)
	slices.Sort(vs)
	return discrete[T]{values: slices.Compact(vs)}
}

func (d discrete[T]) Min() T {
	var zero T
	if len(d.values) == 0 {
		return zero
	}
	return d.values[0]
}

func (d discrete[T]) Max() T {
	var zero T
	if len(d.values) == 0 {
		return zero
	}
	return d.values[len(d.values)-1]
}

func (d discrete[T]) Test(v T) bool {
	_, found := slices.BinarySearch(d.values, v)
	return found
}

func (d discrete[T]) Intersects(lo, hi T) bool {
	i, _ := slices.BinarySearch(d.values, lo)
	return i < len(d.values) && d.values[i] <= hi
}

func (d discrete[T]) Sub(lo, hi T) (Range[T], bool) {
	i, _ := slices.BinarySearch(d.values, lo)
	j := i
	for j < len(d.values) && d.values[j] <= hi {
		j++
	}
	if i == j {
		return nil, false
	}
	return discrete[T]{values: d.values[i:j:j]}, true
}

// Values returns the accepted values in ascending order.
func (d discrete[T]) Values() []T { return slices.Clone(d.values) }

func (d discrete[T]) String() string { return fmt.Sprintf("%v", d.values) }
