package index

import (
	"github.com/statehistory/htbench/dbms/condition"
	"github.com/statehistory/htbench/dbms/interval"
)

// Backend is the common interface for all interval stores.
type Backend interface {
	Insert(iv interval.Interval) error
	// QueryAt returns the interval of attr that covers t.
	QueryAt(t int64, attr int32) (interval.Interval, bool, error)
	// Query2D iterates the intervals intersecting times whose attribute is in attrs.
	Query2D(times condition.Range[int64], attrs condition.Range[int32], reverse bool) (Iterator, error)
	// QueryFullState returns every interval covering t, ordered by attribute.
	QueryFullState(t int64) ([]interval.Interval, error)
	// Finish marks the end of the input at end.
	Finish(end int64) error
	Close() error
}

// Iterator allows scanning over the results of a range query.
type Iterator interface {
	Next() bool
	Interval() interval.Interval
	Error() error
	Close() error
}

// Collect drains it and closes it.
func Collect(it Iterator) ([]interval.Interval, error) {
	var out []interval.Interval
	for it.Next() {
		out = append(out, it.Interval())
	}
	err := it.Error()
	if cerr := it.Close(); err == nil {
		err = cerr
	}
	return out, err
}

// SliceIterator iterates over a precomputed result.
type SliceIterator struct {
	items []interval.Interval
	pos   int
}

func NewSliceIterator(items []interval.Interval) *SliceIterator {
	return &SliceIterator{items: items, pos: -1}
}

func (it *SliceIterator) Next() bool {
	if it.pos+1 >= len(it.items) {
		return false
	}
	it.pos++
	return true
}

func (it *SliceIterator) Interval() interval.Interval { return it.items[it.pos] }
func (it *SliceIterator) Error() error                { return nil }
func (it *SliceIterator) Close() error                { return nil }
