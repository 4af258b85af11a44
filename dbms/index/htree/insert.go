package htree

import (
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/statehistory/htbench/dbms/index/htnode"
	"github.com/statehistory/htbench/dbms/interval"
)

// Insert adds iv to the tree. Intervals should arrive roughly in start
// order; one that starts before the open leaf is stored in the first
// ancestor that admits it.
func (t *Tree) Insert(iv interval.Interval) error {
	if err := iv.Validate(); err != nil {
		return err
	}
	if iv.Attribute < 0 {
		return errors.Wrapf(ErrAttributeRange, "attribute %d", iv.Attribute)
	}
	if iv.Start < t.cfg.TreeStart {
		return errors.Wrapf(ErrTimeRange, "interval start %d before tree start %d", iv.Start, t.cfg.TreeStart)
	}
	if size, capacity := iv.SizeOnDisk(), t.nodeCfg.Capacity(htnode.KindLeaf); size > capacity {
		return errors.Wrapf(ErrIntervalTooLarge, "%d bytes, a leaf holds %d", size, capacity)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return ErrTreeClosed
	}
	if err := t.tryInsertAtNode(iv, len(t.branch)-1); err != nil {
		return err
	}
	t.m.IntervalsInserted.Inc()
	return nil
}

// tryInsertAtNode walks up the branch from index until a node has room and
// starts early enough for iv. A full node is split first.
func (t *Tree) tryInsertAtNode(iv interval.Interval, index int) error {
	for {
		n := t.branch[index]
		switch {
		case iv.SizeOnDisk() > n.FreeSpace():
			if err := t.addSiblingNode(index, iv.Start); err != nil {
				return err
			}
			index = len(t.branch) - 1
		case iv.Start < n.Start():
			if index == 0 {
				return errors.AssertionFailedf("htree: interval start %d before root start %d", iv.Start, n.Start())
			}
			index--
		default:
			if err := n.Add(iv); err != nil {
				return err
			}
			t.treeEnd = max(t.treeEnd, iv.End)
			return nil
		}
	}
}

// addSiblingNode closes the branch below the lowest ancestor of index that
// can take one more child starting at newStart, and rebuilds it from there.
func (t *Tree) addSiblingNode(index int, newStart int64) error {
	for ; index > 0; index-- {
		parent := t.branch[index-1]
		if parent.ChildCount() < t.cfg.MaxChildren && parent.Start() <= newStart {
			break
		}
	}
	if index == 0 {
		return t.addNewRootNode(newStart)
	}

	splitTime := t.treeEnd
	if err := t.closeBranch(index, splitTime); err != nil {
		return err
	}
	for i := index; i < len(t.branch); i++ {
		prev := t.branch[i-1]
		n := t.newNode(t.branch[i].Kind(), prev.Seq(), newStart)
		if err := prev.LinkNewChild(n); err != nil {
			return err
		}
		t.branch[i] = n
	}
	t.m.LeafSplits.Inc()
	t.log.Debug("added sibling branch",
		zap.Int("level", index),
		zap.Int64("splitTime", splitTime),
		zap.Int64("newStart", newStart),
		zap.Int32("leaf", t.branch[len(t.branch)-1].Seq()))
	return nil
}

// addNewRootNode puts a new root above the current one and starts a fresh
// branch one level deeper than before.
func (t *Tree) addNewRootNode(newStart int64) error {
	splitTime := t.treeEnd
	oldRoot := t.branch[0]
	depth := len(t.branch)

	root := t.newNode(htnode.KindCore, htnode.NoParent, t.cfg.TreeStart)
	if err := oldRoot.SetParent(root.Seq()); err != nil {
		return err
	}
	if err := t.closeBranch(0, splitTime); err != nil {
		return err
	}
	if err := root.LinkNewChild(oldRoot); err != nil {
		return err
	}
	if err := root.CloseChild(oldRoot); err != nil {
		return err
	}

	branch := make([]*htnode.Node, 0, depth+1)
	branch = append(branch, root)
	for i := 1; i <= depth; i++ {
		kind := htnode.KindCore
		if i == depth {
			kind = htnode.KindLeaf
		}
		prev := branch[i-1]
		n := t.newNode(kind, prev.Seq(), newStart)
		if err := prev.LinkNewChild(n); err != nil {
			return err
		}
		branch = append(branch, n)
	}
	t.branch = branch
	t.m.RootPromotions.Inc()
	t.log.Debug("added new root",
		zap.Int32("root", root.Seq()),
		zap.Int("depth", len(branch)),
		zap.Int64("splitTime", splitTime))
	return nil
}

// closeBranch closes and persists the branch from the leaf up to index,
// updating each parent's bounding box for the closed child.
func (t *Tree) closeBranch(index int, end int64) error {
	for i := len(t.branch) - 1; i >= index; i-- {
		n := t.branch[i]
		if err := n.Close(end); err != nil {
			return err
		}
		if err := t.writeNode(n); err != nil {
			return err
		}
		if i > 0 {
			if err := t.branch[i-1].CloseChild(n); err != nil {
				return err
			}
		}
	}
	return nil
}

// CloseTree closes every resident node at end and writes the file header.
// The tree only accepts queries afterwards.
func (t *Tree) CloseTree(end int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return ErrTreeClosed
	}
	if end < t.treeEnd {
		return errors.Wrapf(ErrTimeRange, "close at %d before latest interval end %d", end, t.treeEnd)
	}
	t.treeEnd = end
	if err := t.closeBranch(0, end); err != nil {
		return err
	}
	if err := t.writeHeader(); err != nil {
		return err
	}
	if err := t.pg.Sync(); err != nil {
		return err
	}
	t.finished = true
	t.log.Info("closed history tree",
		zap.Int64("end", end),
		zap.Int32("nodes", t.nodeCount),
		zap.Int("depth", len(t.branch)))
	return nil
}

// Finish closes the tree at end. It satisfies index.Backend.
func (t *Tree) Finish(end int64) error {
	return t.CloseTree(end)
}
