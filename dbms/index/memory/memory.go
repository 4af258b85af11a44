// Package memory keeps every interval in an in-memory ordered set sorted by
// end time. It is the reference backend the disk structures are checked and
// benchmarked against.
package memory

import (
	"cmp"
	"math"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/btree"

	"github.com/statehistory/htbench/dbms/condition"
	"github.com/statehistory/htbench/dbms/index"
	"github.com/statehistory/htbench/dbms/interval"
)

var (
	ErrTimeRange = errors.New("memory: time out of range")
	ErrFinished  = errors.New("memory: backend is finished")
)

var _ index.Backend = (*Backend)(nil)

type item struct {
	iv  interval.Interval
	seq uint64 // insertion order, breaks ties between equal intervals
}

func less(a, b item) bool {
	if c := interval.Compare(a.iv, b.iv); c != 0 {
		return c < 0
	}
	return a.seq < b.seq
}

type Backend struct {
	mu       sync.RWMutex
	set      *btree.BTreeG[item]
	start    int64
	end      int64
	next     uint64
	finished bool
}

func New(start int64) *Backend {
	return &Backend{
		set:   btree.NewG[item](32, less),
		start: start,
		end:   start,
	}
}

func (b *Backend) Insert(iv interval.Interval) error {
	if err := iv.Validate(); err != nil {
		return err
	}
	if iv.Start < b.start {
		return errors.Wrapf(ErrTimeRange, "interval start %d before start %d", iv.Start, b.start)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finished {
		return ErrFinished
	}
	b.set.ReplaceOrInsert(item{iv: iv, seq: b.next})
	b.next++
	b.end = max(b.end, iv.End)
	return nil
}

func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.set.Len()
}

// ascendFrom visits, in end order, every interval ending at or after t.
func (b *Backend) ascendFrom(t int64, fn func(iv interval.Interval) bool) {
	pivot := item{iv: interval.Interval{End: t, Start: math.MinInt64, Attribute: math.MinInt32}}
	b.set.AscendGreaterOrEqual(pivot, func(it item) bool { return fn(it.iv) })
}

func (b *Backend) checkTime(t int64) error {
	if t < b.start || t > b.end {
		return errors.Wrapf(ErrTimeRange, "time %d outside [%d, %d]", t, b.start, b.end)
	}
	return nil
}

func (b *Backend) QueryAt(t int64, attr int32) (interval.Interval, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkTime(t); err != nil {
		return interval.Interval{}, false, err
	}
	var (
		found interval.Interval
		ok    bool
	)
	b.ascendFrom(t, func(iv interval.Interval) bool {
		if iv.Attribute == attr && iv.Start <= t {
			found, ok = iv, true
			return false
		}
		return true
	})
	return found, ok, nil
}

func (b *Backend) QueryFullState(t int64) ([]interval.Interval, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkTime(t); err != nil {
		return nil, err
	}
	var out []interval.Interval
	b.ascendFrom(t, func(iv interval.Interval) bool {
		if iv.Start <= t {
			out = append(out, iv)
		}
		return true
	})
	slices.SortFunc(out, func(x, y interval.Interval) int {
		if c := cmp.Compare(x.Attribute, y.Attribute); c != 0 {
			return c
		}
		return interval.Compare(x, y)
	})
	return out, nil
}

// Query2D collects the matches up front; results are in end order, or
// reversed.
func (b *Backend) Query2D(times condition.Range[int64], attrs condition.Range[int32], reverse bool) (index.Iterator, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []interval.Interval
	b.ascendFrom(times.Min(), func(iv interval.Interval) bool {
		if attrs.Test(iv.Attribute) && times.Intersects(iv.Start, iv.End) {
			out = append(out, iv)
		}
		return true
	})
	if reverse {
		slices.Reverse(out)
	}
	return index.NewSliceIterator(out), nil
}

func (b *Backend) Finish(end int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finished {
		return ErrFinished
	}
	if end < b.end {
		return errors.Wrapf(ErrTimeRange, "finish at %d before latest end %d", end, b.end)
	}
	b.end = end
	b.finished = true
	return nil
}

func (b *Backend) Close() error { return nil }
