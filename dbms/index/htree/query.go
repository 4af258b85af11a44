package htree

import (
	"cmp"
	"slices"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/statehistory/htbench/dbms/condition"
	"github.com/statehistory/htbench/dbms/index"
	"github.com/statehistory/htbench/dbms/interval"
	"github.com/statehistory/htbench/dbms/metrics"
)

func (t *Tree) checkTime(ts int64) error {
	t.mu.RLock()
	end := t.treeEnd
	t.mu.RUnlock()
	if ts < t.cfg.TreeStart || ts > end {
		return errors.Wrapf(ErrTimeRange, "time %d outside [%d, %d]", ts, t.cfg.TreeStart, end)
	}
	return nil
}

// QueryAt returns the interval of attr covering ts.
func (t *Tree) QueryAt(ts int64, attr int32) (interval.Interval, bool, error) {
	defer t.observe(metrics.QueryPoint, time.Now())
	if err := t.checkTime(ts); err != nil {
		return interval.Interval{}, false, err
	}
	if attr < 0 {
		return interval.Interval{}, false, errors.Wrapf(ErrAttributeRange, "attribute %d", attr)
	}
	stack := []int32{t.RootSequence()}
	for len(stack) > 0 {
		seq := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n, err := t.ReadNode(seq)
		if err != nil {
			return interval.Interval{}, false, err
		}
		if iv, ok := n.IntervalAt(ts, attr); ok {
			return iv, true, nil
		}
		children, err := n.SelectNextChildrenAt(ts, attr)
		if err != nil {
			return interval.Interval{}, false, err
		}
		stack = append(stack, children...)
	}
	return interval.Interval{}, false, nil
}

// QueryFullState returns, ordered by attribute, every interval covering ts.
func (t *Tree) QueryFullState(ts int64) ([]interval.Interval, error) {
	defer t.observe(metrics.QueryFullState, time.Now())
	if err := t.checkTime(ts); err != nil {
		return nil, err
	}
	var out []interval.Interval
	stack := []int32{t.RootSequence()}
	for len(stack) > 0 {
		seq := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n, err := t.ReadNode(seq)
		if err != nil {
			return nil, err
		}
		out = n.AppendIntervalsAt(out, ts)
		children, err := n.SelectNextChildren(ts)
		if err != nil {
			return nil, err
		}
		stack = append(stack, children...)
	}
	slices.SortFunc(out, func(a, b interval.Interval) int {
		if c := cmp.Compare(a.Attribute, b.Attribute); c != 0 {
			return c
		}
		return interval.Compare(a, b)
	})
	return out, nil
}

// Query2D returns an iterator over the intervals intersecting times whose
// attribute satisfies attrs. Nodes are visited depth first and read lazily,
// so stopping early avoids reading the rest of the file. reverse visits the
// latest children first.
func (t *Tree) Query2D(times condition.Range[int64], attrs condition.Range[int32], reverse bool) (index.Iterator, error) {
	if times == nil || attrs == nil {
		return nil, errors.AssertionFailedf("htree: nil query condition")
	}
	it := &Iterator{t: t, attrs: attrs, reverse: reverse, began: time.Now()}
	t.mu.RLock()
	root := t.branch[0]
	t.mu.RUnlock()
	if sub, ok := times.Sub(root.Start(), root.End()); ok {
		it.times = sub
		it.stack = []int32{root.Seq()}
	}
	return it, nil
}

// Iterator walks the tree with an explicit stack of pending nodes.
type Iterator struct {
	t       *Tree
	times   condition.Range[int64]
	attrs   condition.Range[int32]
	reverse bool
	stack   []int32
	buf     []interval.Interval
	cur     interval.Interval
	err     error
	began   time.Time
	done    bool
}

func (it *Iterator) Next() bool {
	for len(it.buf) == 0 {
		if it.err != nil || it.done || len(it.stack) == 0 {
			it.finish()
			return false
		}
		seq := it.stack[len(it.stack)-1]
		it.stack = it.stack[:len(it.stack)-1]
		n, err := it.t.ReadNode(seq)
		if err != nil {
			it.err = err
			continue
		}
		it.stack = n.QueueNextChildren2D(it.attrs, it.times, it.stack, it.reverse)
		it.buf = n.AppendMatching(it.buf[:0], it.times, it.attrs, it.reverse)
	}
	it.cur = it.buf[0]
	it.buf = it.buf[1:]
	return true
}

func (it *Iterator) Interval() interval.Interval { return it.cur }
func (it *Iterator) Error() error                { return it.err }

func (it *Iterator) Close() error {
	it.finish()
	it.stack = nil
	it.buf = nil
	return nil
}

func (it *Iterator) finish() {
	if it.done {
		return
	}
	it.done = true
	it.t.observe(metrics.QueryRange, it.began)
}

func (t *Tree) observe(kind string, began time.Time) {
	t.m.QueryDuration.WithLabelValues(kind).Observe(time.Since(began).Seconds())
}
