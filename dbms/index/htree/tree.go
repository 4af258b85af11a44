// Package htree implements the interval history tree: an append-only,
// disk-backed tree of fixed-size nodes storing intervals for point and
// time × attribute range queries.
//
// Header layout (little-endian, padded to pager.HeaderSize):
//
//	[0-3]    magic number (Magic)
//	[4-7]    file format version (FileVersion)
//	[8-11]   provider version
//	[12-15]  block size
//	[16-19]  max children
//	[20-23]  node count
//	[24-27]  root sequence number
//	[28-35]  tree start time
//
// Only the path from the root to the open leaf (the latest branch) lives in
// memory and may change; every other node is closed and read from the file
// on demand.
package htree

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/statehistory/htbench/dbms/index/htnode"
	"github.com/statehistory/htbench/dbms/metrics"
	"github.com/statehistory/htbench/dbms/pager"
)

const (
	Magic       int32 = 0x05FFA900
	FileVersion int32 = 7

	// IgnoreProviderVersion skips the provider version check on Open.
	IgnoreProviderVersion int32 = -42

	DefaultBlockSize   = 64 * 1024
	DefaultMaxChildren = 50
)

const (
	hdrMagic       = 0
	hdrFileVersion = 4
	hdrProvider    = 8
	hdrBlockSize   = 12
	hdrMaxChildren = 16
	hdrNodeCount   = 20
	hdrRootSeq     = 24
	hdrStartTime   = 28
	hdrSize        = 36
)

var (
	ErrTimeRange        = errors.New("htree: time out of range")
	ErrAttributeRange   = errors.New("htree: attribute out of range")
	ErrIntervalTooLarge = errors.New("htree: interval larger than a node")
	ErrTreeClosed       = errors.New("htree: tree is closed for writing")
	ErrBadMagic         = errors.New("htree: not a history tree file")
	ErrVersionMismatch  = errors.New("htree: file version mismatch")
	ErrProviderMismatch = errors.New("htree: provider version mismatch")
	ErrCorrupt          = errors.New("htree: corrupt history file")
)

// Config describes a tree to create.
type Config struct {
	BlockSize       int
	MaxChildren     int
	ProviderVersion int32
	TreeStart       int64
	// NodeCacheSize is the number of closed nodes cached in memory.
	NodeCacheSize int
}

func DefaultConfig() Config {
	return Config{
		BlockSize:     DefaultBlockSize,
		MaxChildren:   DefaultMaxChildren,
		NodeCacheSize: pager.DefaultCacheSize,
	}
}

func (c Config) nodeConfig() htnode.Config {
	return htnode.Config{BlockSize: c.BlockSize, MaxChildren: c.MaxChildren}
}

// Validate checks that a node of each kind fits the block size.
func (c Config) Validate() error {
	if err := c.nodeConfig().Validate(); err != nil {
		return err
	}
	if c.BlockSize < htnode.CommonHeaderSize+minIntervalSize {
		return errors.Newf("htree: block size %d cannot hold one interval", c.BlockSize)
	}
	return nil
}

// smallest interval on disk: times, attribute and a null value tag
const minIntervalSize = 8 + 8 + 4 + 1

type Option func(*Tree)

func WithLogger(l *zap.Logger) Option {
	return func(t *Tree) { t.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tree) { t.m = m }
}

// Tree is safe for one writer and any number of concurrent readers.
type Tree struct {
	cfg     Config
	nodeCfg htnode.Config
	pg      *pager.Pager
	log     *zap.Logger
	m       *metrics.Metrics

	mu        sync.RWMutex
	branch    []*htnode.Node
	nodeCount int32
	treeEnd   int64
	finished  bool
}

func newTree(cfg Config, opts []Option) *Tree {
	t := &Tree{cfg: cfg, nodeCfg: cfg.nodeConfig()}
	for _, o := range opts {
		o(t)
	}
	if t.log == nil {
		t.log = zap.NewNop()
	}
	if t.m == nil {
		t.m = metrics.New(nil)
	}
	return t
}

// Create starts a new history file at path, truncating any existing file.
// The tree begins with a single empty leaf as its root.
func Create(fs afero.Fs, path string, cfg Config, opts ...Option) (*Tree, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := newTree(cfg, opts)
	pg, err := pager.Create(fs, path, pager.Options{
		BlockSize: cfg.BlockSize,
		CacheSize: cfg.NodeCacheSize,
		Logger:    t.log,
		Metrics:   t.m,
	})
	if err != nil {
		return nil, err
	}
	t.pg = pg
	t.treeEnd = cfg.TreeStart
	t.branch = []*htnode.Node{t.newNode(htnode.KindLeaf, htnode.NoParent, cfg.TreeStart)}
	t.log.Info("created history tree",
		zap.String("path", path),
		zap.Int("blockSize", cfg.BlockSize),
		zap.Int("maxChildren", cfg.MaxChildren),
		zap.Int64("start", cfg.TreeStart))
	return t, nil
}

// Open reopens a finished history file for reading. expectedProviderVersion
// must match the stored one unless it is IgnoreProviderVersion. Any mismatch
// is fatal: the file has to be rebuilt.
func Open(fs afero.Fs, path string, expectedProviderVersion int32, opts ...Option) (*Tree, error) {
	hdr, err := pager.PeekHeader(fs, path)
	if err != nil {
		return nil, errors.Mark(err, ErrCorrupt)
	}
	le := binary.LittleEndian
	if m := int32(le.Uint32(hdr[hdrMagic:])); m != Magic {
		return nil, errors.Wrapf(ErrBadMagic, "magic %#x", m)
	}
	if v := int32(le.Uint32(hdr[hdrFileVersion:])); v != FileVersion {
		return nil, errors.Wrapf(ErrVersionMismatch, "file version %d, want %d", v, FileVersion)
	}
	provider := int32(le.Uint32(hdr[hdrProvider:]))
	if expectedProviderVersion != IgnoreProviderVersion && provider != expectedProviderVersion {
		return nil, errors.Wrapf(ErrProviderMismatch, "provider version %d, want %d", provider, expectedProviderVersion)
	}
	cfg := Config{
		BlockSize:       int(int32(le.Uint32(hdr[hdrBlockSize:]))),
		MaxChildren:     int(int32(le.Uint32(hdr[hdrMaxChildren:]))),
		ProviderVersion: provider,
		TreeStart:       int64(le.Uint64(hdr[hdrStartTime:])),
		NodeCacheSize:   pager.DefaultCacheSize,
	}
	nodeCount := int32(le.Uint32(hdr[hdrNodeCount:]))
	rootSeq := int32(le.Uint32(hdr[hdrRootSeq:]))
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(errors.Mark(err, ErrCorrupt), "htree: header")
	}
	if nodeCount <= 0 || rootSeq < 0 || rootSeq >= nodeCount {
		return nil, errors.Wrapf(ErrCorrupt, "root %d with %d nodes", rootSeq, nodeCount)
	}

	t := newTree(cfg, opts)
	t.nodeCount = nodeCount
	t.finished = true
	t.pg, err = pager.Open(fs, path, pager.Options{
		BlockSize: cfg.BlockSize,
		CacheSize: cfg.NodeCacheSize,
		ReadOnly:  true,
		Logger:    t.log,
		Metrics:   t.m,
	})
	if err != nil {
		return nil, err
	}
	if err := t.loadBranch(rootSeq); err != nil {
		_ = t.pg.Close()
		return nil, err
	}
	t.log.Info("opened history tree",
		zap.String("path", path),
		zap.Int32("nodes", nodeCount),
		zap.Int("depth", len(t.branch)),
		zap.Int64("start", cfg.TreeStart),
		zap.Int64("end", t.treeEnd))
	return t, nil
}

// loadBranch follows the latest child of every node from the root down.
func (t *Tree) loadBranch(rootSeq int32) error {
	size, err := t.pg.Size()
	if err != nil {
		return err
	}
	if want := t.pg.Offset(t.nodeCount); size < want {
		return errors.Wrapf(ErrCorrupt, "file is %d bytes, %d nodes need %d", size, t.nodeCount, want)
	}
	root, err := t.readDisk(rootSeq)
	if err != nil {
		return err
	}
	if root.Start() != t.cfg.TreeStart {
		return errors.Wrapf(ErrCorrupt, "header start %d, root node start %d", t.cfg.TreeStart, root.Start())
	}
	t.branch = []*htnode.Node{root}
	t.treeEnd = root.End()
	for n := root; n.IsCore(); {
		next, err := n.LatestChild()
		if err != nil {
			return errors.Mark(err, ErrCorrupt)
		}
		if n, err = t.readDisk(next); err != nil {
			return err
		}
		t.branch = append(t.branch, n)
		if len(t.branch) > int(t.nodeCount) {
			return errors.Wrap(ErrCorrupt, "cycle in latest branch")
		}
	}
	return nil
}

func (t *Tree) writeHeader() error {
	hdr := make([]byte, hdrSize)
	le := binary.LittleEndian
	le.PutUint32(hdr[hdrMagic:], uint32(Magic))
	le.PutUint32(hdr[hdrFileVersion:], uint32(FileVersion))
	le.PutUint32(hdr[hdrProvider:], uint32(t.cfg.ProviderVersion))
	le.PutUint32(hdr[hdrBlockSize:], uint32(t.cfg.BlockSize))
	le.PutUint32(hdr[hdrMaxChildren:], uint32(t.cfg.MaxChildren))
	le.PutUint32(hdr[hdrNodeCount:], uint32(t.nodeCount))
	le.PutUint32(hdr[hdrRootSeq:], uint32(t.branch[0].Seq()))
	le.PutUint64(hdr[hdrStartTime:], uint64(t.cfg.TreeStart))
	return t.pg.WriteHeader(hdr)
}

// Close releases the history file. A tree being written must be finished
// with CloseTree first or the file cannot be reopened.
func (t *Tree) Close() error {
	t.mu.RLock()
	finished := t.finished
	t.mu.RUnlock()
	if !finished {
		t.log.Warn("closing unfinished history tree", zap.String("path", t.pg.Path()))
	}
	return t.pg.Close()
}

// ─── Introspection ───────────────────────────────────────────────────────────

func (t *Tree) Config() Config   { return t.cfg }
func (t *Tree) TreeStart() int64 { return t.cfg.TreeStart }
func (t *Tree) Path() string     { return t.pg.Path() }

// TreeEnd is the latest end time seen so far.
func (t *Tree) TreeEnd() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.treeEnd
}

func (t *Tree) NodeCount() int32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nodeCount
}

// Depth is the number of nodes from the root to a leaf.
func (t *Tree) Depth() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.branch)
}

func (t *Tree) RootSequence() int32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.branch[0].Seq()
}

// LatestBranch returns the resident nodes from the root to the open leaf.
func (t *Tree) LatestBranch() []*htnode.Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*htnode.Node, len(t.branch))
	copy(out, t.branch)
	return out
}

func (t *Tree) IsFinished() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.finished
}

func (t *Tree) FileSize() (int64, error) {
	return t.pg.Size()
}

func (t *Tree) String() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var sb strings.Builder
	fmt.Fprintf(&sb, "history tree %s\n", t.pg.Path())
	fmt.Fprintf(&sb, "  block size:   %d\n", t.cfg.BlockSize)
	fmt.Fprintf(&sb, "  max children: %d\n", t.cfg.MaxChildren)
	fmt.Fprintf(&sb, "  provider:     %d\n", t.cfg.ProviderVersion)
	fmt.Fprintf(&sb, "  time range:   [%d, %d]\n", t.cfg.TreeStart, t.treeEnd)
	fmt.Fprintf(&sb, "  node count:   %d\n", t.nodeCount)
	fmt.Fprintf(&sb, "  depth:        %d\n", len(t.branch))
	fmt.Fprintf(&sb, "  root:         %d\n", t.branch[0].Seq())
	fmt.Fprintf(&sb, "  latest leaf:  %d\n", t.branch[len(t.branch)-1].Seq())
	if size, err := t.pg.Size(); err == nil {
		fmt.Fprintf(&sb, "  file size:    %d\n", size)
	}
	return sb.String()
}

// ─── Node access ─────────────────────────────────────────────────────────────

// newNode allocates the next sequence number. Callers hold t.mu.
func (t *Tree) newNode(kind htnode.Kind, parent int32, start int64) *htnode.Node {
	n := htnode.New(t.nodeCfg, kind, t.nodeCount, parent, start)
	t.nodeCount++
	return n
}

// ReadNode returns node seq from the latest branch, or from the file.
func (t *Tree) ReadNode(seq int32) (*htnode.Node, error) {
	t.mu.RLock()
	for _, n := range t.branch {
		if n.Seq() == seq {
			t.mu.RUnlock()
			t.m.NodeReads.WithLabelValues(metrics.SourceBranch).Inc()
			return n, nil
		}
	}
	count := t.nodeCount
	t.mu.RUnlock()
	if seq < 0 || seq >= count {
		return nil, errors.AssertionFailedf("htree: node %d out of range [0, %d)", seq, count)
	}
	return t.readDisk(seq)
}

func (t *Tree) readDisk(seq int32) (*htnode.Node, error) {
	b, err := t.pg.Read(seq)
	if err != nil {
		return nil, errors.Mark(err, ErrCorrupt)
	}
	n, err := htnode.Decode(t.nodeCfg, b)
	if err != nil {
		return nil, errors.Wrapf(errors.Mark(err, ErrCorrupt), "htree: node %d", seq)
	}
	if n.Seq() != seq {
		return nil, errors.Wrapf(ErrCorrupt, "block %d holds node %d", seq, n.Seq())
	}
	return n, nil
}

func (t *Tree) writeNode(n *htnode.Node) error {
	if err := t.pg.Write(n.Seq(), n.Encode()); err != nil {
		return err
	}
	t.m.NodesWritten.Inc()
	return nil
}

// ─── Trailer ─────────────────────────────────────────────────────────────────

// WriteTrailer stores b after the node section of a finished tree.
func (t *Tree) WriteTrailer(b []byte) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.finished {
		return errors.Wrap(ErrTreeClosed, "htree: trailer requires a finished tree")
	}
	return t.pg.WriteTrailer(t.nodeCount, b)
}

// Trailer returns the bytes stored by WriteTrailer, or nil.
func (t *Tree) Trailer() ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pg.ReadTrailer(t.nodeCount)
}
