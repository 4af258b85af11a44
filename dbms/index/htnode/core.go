package htnode

import (
	"math"

	"github.com/cockroachdb/errors"

	"github.com/statehistory/htbench/dbms/condition"
)

// coreSection holds one slot per child, in creation order.
type coreSection struct {
	count    int
	children []int32
	starts   []int64
	ends     []int64
	mins     []int32
	maxs     []int32
}

func newCoreSection(maxChildren int) *coreSection {
	return &coreSection{
		children: make([]int32, maxChildren),
		starts:   make([]int64, maxChildren),
		ends:     make([]int64, maxChildren),
		mins:     make([]int32, maxChildren),
		maxs:     make([]int32, maxChildren),
	}
}

// ChildSlot is the bounding box a core node keeps for one child.
type ChildSlot struct {
	Seq     int32
	Start   int64
	End     int64
	MinAttr int32
	MaxAttr int32
}

func (c *coreSection) slot(i int) ChildSlot {
	return ChildSlot{Seq: c.children[i], Start: c.starts[i], End: c.ends[i], MinAttr: c.mins[i], MaxAttr: c.maxs[i]}
}

func (n *Node) notCore(op string) error {
	return errors.Mark(errors.AssertionFailedf("node %d: %s on %s node", n.seq, op, n.kind), ErrNotCore)
}

func (n *Node) ChildCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.core == nil {
		return 0
	}
	return n.core.count
}

// Children returns a snapshot of the child slots.
func (n *Node) Children() []ChildSlot {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.core == nil {
		return nil
	}
	out := make([]ChildSlot, n.core.count)
	for i := range out {
		out[i] = n.core.slot(i)
	}
	return out
}

// LatestChild is the sequence number of the most recently linked child.
func (n *Node) LatestChild() (int32, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.core == nil {
		return 0, n.notCore("latest child")
	}
	if n.core.count == 0 {
		return 0, errors.Wrapf(ErrCorrupt, "core node %d has no children", n.seq)
	}
	return n.core.children[n.core.count-1], nil
}

// LinkNewChild appends child. Its end and attribute bounds stay open until
// CloseChild is called for it.
func (n *Node) LinkNewChild(child *Node) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := n.core
	if c == nil {
		return n.notCore("link child")
	}
	if n.closed {
		return errors.Mark(errors.AssertionFailedf("node %d: link child to closed node", n.seq), ErrNodeClosed)
	}
	if c.count >= len(c.children) {
		return errors.Mark(
			errors.AssertionFailedf("node %d: cannot link child %d, already %d children", n.seq, child.Seq(), c.count),
			ErrTooManyChildren)
	}
	i := c.count
	c.children[i] = child.Seq()
	c.starts[i] = child.Start()
	c.ends[i] = OpenEnd
	c.mins[i] = math.MinInt32
	c.maxs[i] = math.MaxInt32
	c.count++
	return nil
}

// CloseChild records the final bounding box of a child that just closed.
func (n *Node) CloseChild(child *Node) error {
	if !child.IsClosed() {
		return errors.AssertionFailedf("node %d: child %d is still open", n.seq, child.Seq())
	}
	end := child.End()
	lo, hi := child.AttrBounds()

	n.mu.Lock()
	defer n.mu.Unlock()
	c := n.core
	if c == nil {
		return n.notCore("close child")
	}
	if n.closed {
		return errors.Mark(errors.AssertionFailedf("node %d: close child on closed node", n.seq), ErrNodeClosed)
	}
	for i := c.count - 1; i >= 0; i-- {
		if c.children[i] == child.Seq() {
			c.ends[i] = end
			c.mins[i] = lo
			c.maxs[i] = hi
			return nil
		}
	}
	return errors.Mark(
		errors.AssertionFailedf("node %d: child %d not found", n.seq, child.Seq()),
		ErrChildNotFound)
}

func (n *Node) checkTime(t int64) error {
	end := n.end
	if !n.closed {
		end = OpenEnd
	}
	if t < n.start || t > end {
		return errors.Wrapf(ErrTimeRange, "node %d: time %d outside [%d, %d]", n.seq, t, n.start, end)
	}
	return nil
}

// SelectNextChildren returns the children whose time range contains t.
func (n *Node) SelectNextChildren(t int64) ([]int32, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if err := n.checkTime(t); err != nil {
		return nil, err
	}
	if n.core == nil {
		return nil, nil
	}
	var out []int32
	c := n.core
	for i := 0; i < c.count; i++ {
		if c.starts[i] <= t && t <= c.ends[i] {
			out = append(out, c.children[i])
		}
	}
	return out, nil
}

// SelectNextChildrenAt is SelectNextChildren further restricted to children
// whose attribute bounds contain attr.
func (n *Node) SelectNextChildrenAt(t int64, attr int32) ([]int32, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if err := n.checkTime(t); err != nil {
		return nil, err
	}
	if n.core == nil {
		return nil, nil
	}
	var out []int32
	c := n.core
	for i := 0; i < c.count; i++ {
		if c.starts[i] <= t && t <= c.ends[i] && c.mins[i] <= attr && attr <= c.maxs[i] {
			out = append(out, c.children[i])
		}
	}
	return out, nil
}

// QueueNextChildren2D pushes onto queue every child whose time range
// intersects times and whose attribute bounds intersect attrs. Popping from
// the end of queue yields children in creation order, or latest first when
// reverse is set.
func (n *Node) QueueNextChildren2D(attrs condition.Range[int32], times condition.Range[int64], queue []int32, reverse bool) []int32 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	c := n.core
	if c == nil {
		return queue
	}
	match := func(i int) bool {
		return times.Intersects(c.starts[i], c.ends[i]) && attrs.Intersects(c.mins[i], c.maxs[i])
	}
	if reverse {
		for i := 0; i < c.count; i++ {
			if match(i) {
				queue = append(queue, c.children[i])
			}
		}
		return queue
	}
	for i := c.count - 1; i >= 0; i-- {
		if match(i) {
			queue = append(queue, c.children[i])
		}
	}
	return queue
}
