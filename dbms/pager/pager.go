// Package pager stores fixed-size node blocks in a single history file.
//
// File layout:
//
//	[0, HeaderSize)                       file header, owned by the caller
//	HeaderSize + seq*blockSize            block of node seq
//	HeaderSize + nodeCount*blockSize      optional trailer: uint32 length + bytes
//
// All file access goes through one mutex; the file handle is a serialized
// resource shared by the writer and every reader.
package pager

import (
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/statehistory/htbench/dbms/metrics"
)

// HeaderSize is the space reserved at the front of the file for the header.
const HeaderSize = 4096

const DefaultCacheSize = 256

var ErrShortRead = errors.New("pager: short read")

type Options struct {
	BlockSize int
	// CacheSize is the number of closed blocks kept in memory. Zero uses
	// DefaultCacheSize, a negative value disables the cache.
	CacheSize int
	// ReadOnly opens an existing file without write access.
	ReadOnly bool
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// Pager manages a file of fixed-size blocks and caches recently read ones.
type Pager struct {
	mu        sync.Mutex
	file      afero.File
	path      string
	blockSize int
	readOnly  bool
	cache     *lru.Cache[int32, []byte]
	log       *zap.Logger
	m         *metrics.Metrics
}

// Create truncates (or creates) path and reserves the header region.
func Create(fs afero.Fs, path string, opts Options) (*Pager, error) {
	if opts.ReadOnly {
		return nil, errors.New("pager: cannot create a read-only file")
	}
	f, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "pager: create %s", path)
	}
	p, err := newPager(f, path, opts)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := p.WriteHeader(make([]byte, HeaderSize)); err != nil {
		_ = f.Close()
		return nil, err
	}
	p.log.Debug("created history file", zap.String("path", path), zap.Int("blockSize", p.blockSize))
	return p, nil
}

// Open opens an existing history file.
func Open(fs afero.Fs, path string, opts Options) (*Pager, error) {
	flag := os.O_RDWR
	if opts.ReadOnly {
		flag = os.O_RDONLY
	}
	f, err := fs.OpenFile(path, flag, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "pager: open %s", path)
	}
	p, err := newPager(f, path, opts)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	p.log.Debug("opened history file", zap.String("path", path), zap.Bool("readOnly", opts.ReadOnly))
	return p, nil
}

// PeekHeader reads the header region of path without keeping the file open.
func PeekHeader(fs afero.Fs, path string) ([]byte, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "pager: open %s", path)
	}
	defer f.Close()
	hdr := make([]byte, HeaderSize)
	if err := readFull(f, hdr, 0); err != nil {
		return nil, errors.Wrap(err, "pager: read header")
	}
	return hdr, nil
}

func newPager(f afero.File, path string, opts Options) (*Pager, error) {
	if opts.BlockSize <= 0 {
		return nil, errors.Newf("pager: invalid block size %d", opts.BlockSize)
	}
	p := &Pager{
		file:      f,
		path:      path,
		blockSize: opts.BlockSize,
		readOnly:  opts.ReadOnly,
		log:       opts.Logger,
		m:         opts.Metrics,
	}
	if p.log == nil {
		p.log = zap.NewNop()
	}
	if p.m == nil {
		p.m = metrics.New(nil)
	}
	size := opts.CacheSize
	if size == 0 {
		size = DefaultCacheSize
	}
	if size > 0 {
		c, err := lru.New[int32, []byte](size)
		if err != nil {
			return nil, errors.Wrap(err, "pager: cache")
		}
		p.cache = c
	}
	return p, nil
}

func (p *Pager) BlockSize() int { return p.blockSize }
func (p *Pager) Path() string   { return p.path }

// Offset is the file position of block seq.
func (p *Pager) Offset(seq int32) int64 {
	return HeaderSize + int64(seq)*int64(p.blockSize)
}

// Read returns block seq from cache or disk. The caller must not modify it.
func (p *Pager) Read(seq int32) ([]byte, error) {
	if seq < 0 {
		return nil, errors.Newf("pager: negative block %d", seq)
	}
	if p.cache != nil {
		if b, ok := p.cache.Get(seq); ok {
			p.m.NodeReads.WithLabelValues(metrics.SourceCache).Inc()
			return b, nil
		}
	}
	b := make([]byte, p.blockSize)
	p.mu.Lock()
	err := readFull(p.file, b, p.Offset(seq))
	p.mu.Unlock()
	if err != nil {
		return nil, errors.Wrapf(err, "pager: read block %d", seq)
	}
	p.m.NodeReads.WithLabelValues(metrics.SourceDisk).Inc()
	if p.cache != nil {
		p.cache.Add(seq, b)
	}
	return b, nil
}

// Write persists block seq. Blocks are written once, when their node closes.
func (p *Pager) Write(seq int32, b []byte) error {
	if len(b) != p.blockSize {
		return errors.AssertionFailedf("pager: block %d is %d bytes, want %d", seq, len(b), p.blockSize)
	}
	p.mu.Lock()
	_, err := p.file.WriteAt(b, p.Offset(seq))
	p.mu.Unlock()
	if err != nil {
		return errors.Wrapf(err, "pager: write block %d", seq)
	}
	if p.cache != nil {
		p.cache.Add(seq, b)
	}
	return nil
}

func (p *Pager) ReadHeader() ([]byte, error) {
	hdr := make([]byte, HeaderSize)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := readFull(p.file, hdr, 0); err != nil {
		return nil, errors.Wrap(err, "pager: read header")
	}
	return hdr, nil
}

func (p *Pager) WriteHeader(hdr []byte) error {
	if len(hdr) > HeaderSize {
		return errors.AssertionFailedf("pager: header of %d bytes exceeds %d", len(hdr), HeaderSize)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.file.WriteAt(hdr, 0); err != nil {
		return errors.Wrap(err, "pager: write header")
	}
	return nil
}

// WriteTrailer stores b after the last of nodeCount blocks.
func (p *Pager) WriteTrailer(nodeCount int32, b []byte) error {
	buf := make([]byte, 4+len(b))
	binary.LittleEndian.PutUint32(buf, uint32(len(b)))
	copy(buf[4:], b)
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.file.WriteAt(buf, p.Offset(nodeCount)); err != nil {
		return errors.Wrap(err, "pager: write trailer")
	}
	return nil
}

// ReadTrailer returns the trailer after nodeCount blocks, or nil if the file
// has none.
func (p *Pager) ReadTrailer(nodeCount int32) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	off := p.Offset(nodeCount)
	var lenBuf [4]byte
	if err := readFull(p.file, lenBuf[:], off); err != nil {
		if errors.Is(err, ErrShortRead) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "pager: read trailer")
	}
	b := make([]byte, binary.LittleEndian.Uint32(lenBuf[:]))
	if err := readFull(p.file, b, off+4); err != nil {
		return nil, errors.Wrap(err, "pager: read trailer")
	}
	return b, nil
}

// Size returns the current file size in bytes.
func (p *Pager) Size() (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, err := p.file.Stat()
	if err != nil {
		return 0, errors.Wrap(err, "pager: stat")
	}
	return info.Size(), nil
}

func (p *Pager) Sync() error {
	if p.readOnly {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return errors.Wrap(p.file.Sync(), "pager: sync")
}

// Close flushes and closes the underlying file.
func (p *Pager) Close() error {
	if err := p.Sync(); err != nil {
		_ = p.file.Close()
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return errors.Wrap(p.file.Close(), "pager: close")
}

// --- internal helpers ---

func readFull(r io.ReaderAt, b []byte, off int64) error {
	n, err := r.ReadAt(b, off)
	if n == len(b) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return errors.Wrapf(ErrShortRead, "got %d of %d bytes at offset %d", n, len(b), off)
	}
	return err
}
