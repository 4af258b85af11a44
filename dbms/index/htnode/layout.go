// Package htnode implements the fixed-size node of the history tree.
//
// Every node occupies exactly one block of Config.BlockSize bytes:
//
//	[0]      1 byte   node kind (KindCore / KindLeaf)
//	[1-4]    4 bytes  sequence number
//	[5-8]    4 bytes  parent sequence number (NoParent for the root)
//	[9-16]   8 bytes  node start
//	[17-24]  8 bytes  node end
//	[25-28]  4 bytes  interval count
//	[29-32]  4 bytes  free bytes left in the interval section
//	[33+]    core nodes only: child count, then five arrays of MaxChildren
//	         slots each: child seq, child start, child end, child min
//	         attribute, child max attribute
//	         ...intervals, sorted by (end, start)...
//	         zero padding up to BlockSize
//
// All integers are little-endian.
package htnode

import (
	"math"

	"github.com/cockroachdb/errors"
)

// Kind tags the two node variants.
type Kind byte

const (
	KindCore Kind = 1
	KindLeaf Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindCore:
		return "CORE"
	case KindLeaf:
		return "LEAF"
	}
	return "UNKNOWN"
}

const (
	offKind   = 0
	offSeq    = 1
	offParent = 5
	offStart  = 9
	offEnd    = 17
	offCount  = 25
	offFree   = 29

	// CommonHeaderSize is the header shared by both node kinds.
	CommonHeaderSize = 33

	// childSlotSize is seq + start + end + min attr + max attr.
	childSlotSize = 4 + 8 + 8 + 4 + 4
)

const (
	// NoParent is the parent sequence number of the root.
	NoParent int32 = -1
	// OpenEnd is reported as the end of a node that is still open.
	OpenEnd int64 = math.MaxInt64
)

var (
	ErrNodeFull        = errors.New("htnode: not enough free space")
	ErrNodeClosed      = errors.New("htnode: node is closed")
	ErrTooManyChildren = errors.New("htnode: node already has max children")
	ErrChildNotFound   = errors.New("htnode: child not linked to this node")
	ErrNotCore         = errors.New("htnode: not a core node")
	ErrTimeRange       = errors.New("htnode: time outside node range")
	ErrCorrupt         = errors.New("htnode: corrupt block")
)

// Config fixes the geometry shared by every node of a tree.
type Config struct {
	BlockSize   int
	MaxChildren int
}

// HeaderSize is the size of every header of a node of kind k.
func (c Config) HeaderSize(k Kind) int {
	if k == KindCore {
		return CommonHeaderSize + 4 + c.MaxChildren*childSlotSize
	}
	return CommonHeaderSize
}

// Capacity is the size of the interval section of a node of kind k.
func (c Config) Capacity(k Kind) int {
	return c.BlockSize - c.HeaderSize(k)
}

func (c Config) Validate() error {
	if c.MaxChildren < 2 {
		return errors.Newf("htnode: max children %d, need at least 2", c.MaxChildren)
	}
	if c.Capacity(KindCore) < 0 {
		return errors.Newf("htnode: block size %d cannot hold a core header of %d bytes",
			c.BlockSize, c.HeaderSize(KindCore))
	}
	return nil
}
