package htnode

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"

	"github.com/statehistory/htbench/dbms/interval"
)

var le = binary.LittleEndian

// Encode serializes the node into a block of exactly BlockSize bytes.
func (n *Node) Encode() []byte {
	n.mu.RLock()
	defer n.mu.RUnlock()

	b := make([]byte, n.cfg.BlockSize)
	b[offKind] = byte(n.kind)
	le.PutUint32(b[offSeq:], uint32(n.seq))
	le.PutUint32(b[offParent:], uint32(n.parent))
	le.PutUint64(b[offStart:], uint64(n.start))
	end := n.end
	if !n.closed {
		end = OpenEnd
	}
	le.PutUint64(b[offEnd:], uint64(end))
	le.PutUint32(b[offCount:], uint32(len(n.intervals)))
	le.PutUint32(b[offFree:], uint32(n.cfg.Capacity(n.kind)-n.used))

	off := CommonHeaderSize
	if c := n.core; c != nil {
		m := len(c.children)
		le.PutUint32(b[off:], uint32(c.count))
		off += 4
		for i := 0; i < m; i++ {
			le.PutUint32(b[off+4*i:], uint32(c.children[i]))
		}
		off += 4 * m
		for i := 0; i < m; i++ {
			le.PutUint64(b[off+8*i:], uint64(c.starts[i]))
		}
		off += 8 * m
		for i := 0; i < m; i++ {
			le.PutUint64(b[off+8*i:], uint64(c.ends[i]))
		}
		off += 8 * m
		for i := 0; i < m; i++ {
			le.PutUint32(b[off+4*i:], uint32(c.mins[i]))
		}
		off += 4 * m
		for i := 0; i < m; i++ {
			le.PutUint32(b[off+4*i:], uint32(c.maxs[i]))
		}
		off += 4 * m
	}

	for _, iv := range n.intervals {
		off += iv.Encode(b[off:])
	}
	return b
}

// Decode rebuilds a node from its block. Nodes read from disk are closed.
func Decode(cfg Config, b []byte) (*Node, error) {
	if len(b) != cfg.BlockSize {
		return nil, errors.Wrapf(ErrCorrupt, "block of %d bytes, want %d", len(b), cfg.BlockSize)
	}
	kind := Kind(b[offKind])
	if kind != KindCore && kind != KindLeaf {
		return nil, errors.Wrapf(ErrCorrupt, "unknown node kind %d", b[offKind])
	}
	n := New(cfg, kind, int32(le.Uint32(b[offSeq:])), int32(le.Uint32(b[offParent:])), int64(le.Uint64(b[offStart:])))
	n.end = int64(le.Uint64(b[offEnd:]))
	count := int(le.Uint32(b[offCount:]))
	free := int(int32(le.Uint32(b[offFree:])))

	off := CommonHeaderSize
	if c := n.core; c != nil {
		m := cfg.MaxChildren
		c.count = int(le.Uint32(b[off:]))
		if c.count < 0 || c.count > m {
			return nil, errors.Wrapf(ErrCorrupt, "node %d: %d children, max %d", n.seq, c.count, m)
		}
		off += 4
		for i := 0; i < m; i++ {
			c.children[i] = int32(le.Uint32(b[off+4*i:]))
		}
		off += 4 * m
		for i := 0; i < m; i++ {
			c.starts[i] = int64(le.Uint64(b[off+8*i:]))
		}
		off += 8 * m
		for i := 0; i < m; i++ {
			c.ends[i] = int64(le.Uint64(b[off+8*i:]))
		}
		off += 8 * m
		for i := 0; i < m; i++ {
			c.mins[i] = int32(le.Uint32(b[off+4*i:]))
		}
		off += 4 * m
		for i := 0; i < m; i++ {
			c.maxs[i] = int32(le.Uint32(b[off+4*i:]))
		}
		off += 4 * m
	}

	if count < 0 || count > cfg.BlockSize {
		return nil, errors.Wrapf(ErrCorrupt, "node %d: bad interval count %d", n.seq, count)
	}
	n.intervals = make([]interval.Interval, 0, count)
	for i := 0; i < count; i++ {
		iv, sz, err := interval.Decode(b[off:])
		if err != nil {
			return nil, errors.Wrapf(errors.Mark(err, ErrCorrupt), "node %d: interval %d", n.seq, i)
		}
		n.intervals = append(n.intervals, iv)
		n.used += sz
		off += sz
	}
	if want := cfg.Capacity(kind) - n.used; free != want {
		return nil, errors.Wrapf(ErrCorrupt, "node %d: free space marker %d, intervals leave %d", n.seq, free, want)
	}

	n.closed = true
	n.minAttr, n.maxAttr = n.attrBoundsLocked()
	return n, nil
}
