package htnode

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/statehistory/htbench/dbms/condition"
	"github.com/statehistory/htbench/dbms/interval"
)

// Node is either a core node (has children) or a leaf. Both kinds hold
// intervals. A node is mutable while open and immutable once closed.
type Node struct {
	cfg   Config
	kind  Kind
	seq   int32
	start int64

	mu        sync.RWMutex
	parent    int32
	end       int64
	closed    bool
	intervals []interval.Interval
	used      int
	core      *coreSection // nil for leaves

	// Attribute bounds of the subtree, fixed when the node closes.
	minAttr, maxAttr int32
}

// New creates an open node.
func New(cfg Config, kind Kind, seq, parent int32, start int64) *Node {
	n := &Node{
		cfg:    cfg,
		kind:   kind,
		seq:    seq,
		parent: parent,
		start:  start,
		end:    start,
	}
	if kind == KindCore {
		n.core = newCoreSection(cfg.MaxChildren)
	}
	return n
}

func (n *Node) Kind() Kind     { return n.kind }
func (n *Node) IsCore() bool   { return n.kind == KindCore }
func (n *Node) Seq() int32     { return n.seq }
func (n *Node) Start() int64   { return n.start }
func (n *Node) Config() Config { return n.cfg }

func (n *Node) Parent() int32 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.parent
}

// SetParent is used when the root gets a new root on top of it.
func (n *Node) SetParent(seq int32) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return errors.Mark(errors.AssertionFailedf("node %d: set parent on closed node", n.seq), ErrNodeClosed)
	}
	n.parent = seq
	return nil
}

// End returns the node end, or OpenEnd while the node is open.
func (n *Node) End() int64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.closed {
		return OpenEnd
	}
	return n.end
}

func (n *Node) IsClosed() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.closed
}

func (n *Node) FreeSpace() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.cfg.Capacity(n.kind) - n.used
}

// Usage is the percentage of the interval section in use.
func (n *Node) Usage() float64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	c := n.cfg.Capacity(n.kind)
	if c <= 0 {
		return 100
	}
	return 100 * float64(n.used) / float64(c)
}

func (n *Node) IntervalCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.intervals)
}

// Intervals returns a copy of the stored intervals in (end, start) order.
func (n *Node) Intervals() []interval.Interval {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return slices.Clone(n.intervals)
}

// Add stores iv. It fails with ErrNodeFull if iv does not fit; the caller is
// expected to split first.
func (n *Node) Add(iv interval.Interval) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return errors.Mark(errors.AssertionFailedf("node %d: add to closed node", n.seq), ErrNodeClosed)
	}
	size := iv.SizeOnDisk()
	if free := n.cfg.Capacity(n.kind) - n.used; size > free {
		return errors.Wrapf(ErrNodeFull, "node %d: interval needs %d bytes, %d free", n.seq, size, free)
	}
	i, _ := slices.BinarySearchFunc(n.intervals, iv, interval.Compare)
	n.intervals = slices.Insert(n.intervals, i, iv)
	n.used += size
	return nil
}

// Close fixes the node end. A node closes exactly once.
func (n *Node) Close(end int64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return errors.Mark(errors.AssertionFailedf("node %d: closed twice", n.seq), ErrNodeClosed)
	}
	if end < n.start {
		return errors.Wrapf(ErrTimeRange, "node %d: end %d before start %d", n.seq, end, n.start)
	}
	if k := len(n.intervals); k > 0 && n.intervals[k-1].End > end {
		return errors.Wrapf(ErrTimeRange, "node %d: end %d before last interval end %d",
			n.seq, end, n.intervals[k-1].End)
	}
	n.end = end
	n.closed = true
	n.minAttr, n.maxAttr = n.attrBoundsLocked()
	return nil
}

// MinQuark and MaxQuark bound the attributes of this node and its subtree.
// An empty subtree has MinQuark > MaxQuark.
func (n *Node) MinQuark() int32 {
	lo, _ := n.AttrBounds()
	return lo
}

func (n *Node) MaxQuark() int32 {
	_, hi := n.AttrBounds()
	return hi
}

func (n *Node) AttrBounds() (lo, hi int32) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return n.minAttr, n.maxAttr
	}
	return n.attrBoundsLocked()
}

func (n *Node) attrBoundsLocked() (int32, int32) {
	lo, hi := int32(math.MaxInt32), int32(math.MinInt32)
	for _, iv := range n.intervals {
		lo = min(lo, iv.Attribute)
		hi = max(hi, iv.Attribute)
	}
	if c := n.core; c != nil {
		for i := 0; i < c.count; i++ {
			if c.mins[i] > c.maxs[i] {
				continue
			}
			lo = min(lo, c.mins[i])
			hi = max(hi, c.maxs[i])
		}
	}
	return lo, hi
}

// firstEndingAtOrAfter is the index of the first interval with End >= t.
func (n *Node) firstEndingAtOrAfter(t int64) int {
	return sort.Search(len(n.intervals), func(i int) bool { return n.intervals[i].End >= t })
}

// IntervalAt returns the interval of attr covering t, if this node holds it.
func (n *Node) IntervalAt(t int64, attr int32) (interval.Interval, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, iv := range n.intervals[n.firstEndingAtOrAfter(t):] {
		if iv.Attribute == attr && iv.Start <= t {
			return iv, true
		}
	}
	return interval.Interval{}, false
}

// AppendIntervalsAt appends every interval covering t.
func (n *Node) AppendIntervalsAt(dst []interval.Interval, t int64) []interval.Interval {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, iv := range n.intervals[n.firstEndingAtOrAfter(t):] {
		if iv.Start <= t {
			dst = append(dst, iv)
		}
	}
	return dst
}

// AppendMatching appends the intervals that intersect times and whose
// attribute satisfies attrs. With reverse set they are appended latest first.
func (n *Node) AppendMatching(dst []interval.Interval, times condition.Range[int64], attrs condition.Range[int32], reverse bool) []interval.Interval {
	n.mu.RLock()
	defer n.mu.RUnlock()
	from := len(dst)
	for _, iv := range n.intervals[n.firstEndingAtOrAfter(times.Min()):] {
		if iv.Start > times.Max() || !attrs.Test(iv.Attribute) {
			continue
		}
		if times.Intersects(iv.Start, iv.End) {
			dst = append(dst, iv)
		}
	}
	if reverse {
		slices.Reverse(dst[from:])
	}
	return dst
}

func (n *Node) String() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	end := "..."
	if n.closed {
		end = fmt.Sprint(n.end)
	}
	s := fmt.Sprintf("%s #%d parent=%d [%d, %s] intervals=%d free=%d",
		n.kind, n.seq, n.parent, n.start, end, len(n.intervals), n.cfg.Capacity(n.kind)-n.used)
	if n.core != nil {
		s += fmt.Sprintf(" children=%v", n.core.children[:n.core.count])
	}
	return s
}
