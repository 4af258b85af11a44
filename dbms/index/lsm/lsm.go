// Package lsm wraps Pebble (CockroachDB's LSM storage engine) behind the
// common Backend interface so it can be benchmarked alongside the history
// tree.
//
// Every interval is one key:
//
//	attribute uint32 | end int64 | start int64 | seq uint64
//
// all big-endian with the sign bit of the times flipped, so that keys sort by
// attribute and then by end time. The value is the encoded interval. A single
// metadata key above every attribute prefix records the time bounds.
package lsm

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"go.uber.org/zap"

	"github.com/statehistory/htbench/dbms/condition"
	"github.com/statehistory/htbench/dbms/index"
	"github.com/statehistory/htbench/dbms/interval"
)

var (
	ErrTimeRange = errors.New("lsm: time out of range")
	ErrFinished  = errors.New("lsm: store is finished")
	ErrCorrupt   = errors.New("lsm: corrupt key")
)

const (
	keySize  = 28
	metaSize = 25
)

// Attributes are non-negative, so the first key byte is at most 0x7f.
var metaKey = []byte{0xff, 'm', 'e', 't', 'a'}

var _ index.Backend = (*LSM)(nil)

type Option func(*options)

type options struct {
	fs    vfs.FS
	start int64
	log   *zap.Logger
}

// WithFS runs Pebble on fs instead of the OS filesystem.
func WithFS(fs vfs.FS) Option { return func(o *options) { o.fs = fs } }

// WithStart sets the earliest accepted time of a new store.
func WithStart(t int64) Option { return func(o *options) { o.start = t } }

func WithLogger(l *zap.Logger) Option { return func(o *options) { o.log = l } }

type LSM struct {
	db  *pebble.DB
	log *zap.Logger

	mu       sync.RWMutex
	start    int64
	end      int64
	next     uint64
	finished bool
}

// Open opens (or creates) a Pebble database at the given directory path.
func Open(dir string, opts ...Option) (*LSM, error) {
	o := options{log: zap.NewNop()}
	for _, fn := range opts {
		fn(&o)
	}
	popts := &pebble.Options{
		// Use a 16 MB memtable
		MemTableSize: 16 << 20,
		// Keep 4 memtables so one can be flushed while the others are active.
		MemTableStopWritesThreshold: 4,
		// L0 compaction trigger.
		L0CompactionThreshold: 4,
		L0StopWritesThreshold: 12,
		FS:                    o.fs,
	}

	db, err := pebble.Open(dir, popts)
	if err != nil {
		return nil, errors.Wrapf(err, "lsm: open %s", dir)
	}
	l := &LSM{db: db, log: o.log, start: o.start, end: o.start}
	if err := l.loadMeta(); err != nil {
		_ = db.Close()
		return nil, err
	}
	l.log.Debug("opened lsm store",
		zap.String("dir", dir),
		zap.Int64("start", l.start),
		zap.Int64("end", l.end),
		zap.Bool("finished", l.finished))
	return l, nil
}

func (l *LSM) loadMeta() error {
	val, closer, err := l.db.Get(metaKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "lsm: read metadata")
	}
	defer closer.Close()
	if len(val) != metaSize {
		return errors.Wrapf(ErrCorrupt, "metadata is %d bytes", len(val))
	}
	l.start = int64(binary.BigEndian.Uint64(val[0:]))
	l.end = int64(binary.BigEndian.Uint64(val[8:]))
	l.next = binary.BigEndian.Uint64(val[16:])
	l.finished = val[24] == 1
	return nil
}

// writeMeta must be called with l.mu held.
func (l *LSM) writeMeta() error {
	b := make([]byte, metaSize)
	binary.BigEndian.PutUint64(b[0:], uint64(l.start))
	binary.BigEndian.PutUint64(b[8:], uint64(l.end))
	binary.BigEndian.PutUint64(b[16:], l.next)
	if l.finished {
		b[24] = 1
	}
	return l.db.Set(metaKey, b, pebble.Sync)
}

// Close records the time bounds and shuts down Pebble, flushing any
// in-memory state.
func (l *LSM) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writeMeta(); err != nil {
		_ = l.db.Close()
		return errors.Wrap(err, "lsm: write metadata")
	}
	return l.db.Close()
}

func (l *LSM) Insert(iv interval.Interval) error {
	if err := iv.Validate(); err != nil {
		return err
	}
	if iv.Attribute < 0 {
		return errors.Newf("lsm: negative attribute %d", iv.Attribute)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.finished {
		return ErrFinished
	}
	if iv.Start < l.start {
		return errors.Wrapf(ErrTimeRange, "interval start %d before start %d", iv.Start, l.start)
	}
	val := make([]byte, iv.SizeOnDisk())
	iv.Encode(val)
	if err := l.db.Set(encodeKey(iv.Attribute, iv.End, iv.Start, l.next), val, pebble.NoSync); err != nil {
		return errors.Wrap(err, "lsm: insert")
	}
	l.next++
	l.end = max(l.end, iv.End)
	return nil
}

// Finish flushes the memtable and marks the store read-only.
func (l *LSM) Finish(end int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.finished {
		return ErrFinished
	}
	if end < l.end {
		return errors.Wrapf(ErrTimeRange, "finish at %d before latest end %d", end, l.end)
	}
	l.end = end
	l.finished = true
	if err := l.writeMeta(); err != nil {
		return errors.Wrap(err, "lsm: write metadata")
	}
	return errors.Wrap(l.db.Flush(), "lsm: flush")
}

func (l *LSM) bounds() (int64, int64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.start, l.end
}

func (l *LSM) checkTime(t int64) error {
	start, end := l.bounds()
	if t < start || t > end {
		return errors.Wrapf(ErrTimeRange, "time %d outside [%d, %d]", t, start, end)
	}
	return nil
}

func (l *LSM) QueryAt(t int64, attr int32) (interval.Interval, bool, error) {
	if err := l.checkTime(t); err != nil {
		return interval.Interval{}, false, err
	}
	it, err := l.Query2D(condition.Singleton(t), condition.Singleton(attr), false)
	if err != nil {
		return interval.Interval{}, false, err
	}
	defer it.Close()
	if it.Next() {
		return it.Interval(), true, nil
	}
	return interval.Interval{}, false, it.Error()
}

// QueryFullState returns every interval covering t. Keys are ordered by
// attribute, so the result needs no sorting.
func (l *LSM) QueryFullState(t int64) ([]interval.Interval, error) {
	if err := l.checkTime(t); err != nil {
		return nil, err
	}
	it, err := l.Query2D(condition.Singleton(t), condition.AllAttributes(), false)
	if err != nil {
		return nil, err
	}
	return index.Collect(it)
}

// Query2D scans the attribute prefixes in attrs, seeking past intervals that
// end before the time range. Forward results are ordered by attribute and
// then by end time; a reverse query is materialized and flipped.
func (l *LSM) Query2D(times condition.Range[int64], attrs condition.Range[int32], reverse bool) (index.Iterator, error) {
	lo := max(attrs.Min(), 0)
	hi := attrs.Max()
	if hi < lo {
		return index.NewSliceIterator(nil), nil
	}
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: encodeKey(lo, math.MinInt64, math.MinInt64, 0),
		UpperBound: attrUpperBound(hi),
	})
	if err != nil {
		return nil, errors.Wrap(err, "lsm: range")
	}
	it := &rangeIterator{iter: iter, times: times, attrs: attrs}
	it.valid = iter.SeekGE(encodeKey(lo, times.Min(), math.MinInt64, 0))
	if !reverse {
		return it, nil
	}
	all, err := index.Collect(it)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	return index.NewSliceIterator(all), nil
}

// ─── Key encoding ─────────────────────────────────────────────────────────────

// encodeKey flips the sign bit of the times so that big-endian byte order
// matches signed order.
func encodeKey(attr int32, end, start int64, seq uint64) []byte {
	b := make([]byte, keySize)
	binary.BigEndian.PutUint32(b[0:], uint32(attr))
	binary.BigEndian.PutUint64(b[4:], uint64(end)^(1<<63))
	binary.BigEndian.PutUint64(b[12:], uint64(start)^(1<<63))
	binary.BigEndian.PutUint64(b[20:], seq)
	return b
}

func decodeKey(b []byte) (attr int32, end, start int64, err error) {
	if len(b) != keySize {
		return 0, 0, 0, errors.Wrapf(ErrCorrupt, "key length %d", len(b))
	}
	attr = int32(binary.BigEndian.Uint32(b[0:]))
	end = int64(binary.BigEndian.Uint64(b[4:]) ^ (1 << 63))
	start = int64(binary.BigEndian.Uint64(b[12:]) ^ (1 << 63))
	return attr, end, start, nil
}

// attrUpperBound is the exclusive bound past every key of attr.
func attrUpperBound(attr int32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(attr)+1)
	return b
}

// ─── Range Iterator ───────────────────────────────────────────────────────────

type rangeIterator struct {
	iter   *pebble.Iterator
	times  condition.Range[int64]
	attrs  condition.Range[int32]
	valid  bool
	cur    interval.Interval
	err    error
	closed bool
}

func (it *rangeIterator) Next() bool {
	if it.closed || it.err != nil {
		return false
	}
	for it.valid {
		attr, end, start, err := decodeKey(it.iter.Key())
		if err != nil {
			it.err = err
			return false
		}
		switch {
		case !it.attrs.Test(attr):
			if attr == math.MaxInt32 {
				it.valid = false
				continue
			}
			it.valid = it.iter.SeekGE(encodeKey(attr+1, it.times.Min(), math.MinInt64, 0))
		case end < it.times.Min():
			it.valid = it.iter.SeekGE(encodeKey(attr, it.times.Min(), math.MinInt64, 0))
		case !it.times.Intersects(start, end):
			it.valid = it.iter.Next()
		default:
			// Decode copies out of Pebble's buffer, which Next reuses.
			iv, _, err := interval.Decode(it.iter.Value())
			if err != nil {
				it.err = errors.Wrap(err, "lsm: decode value")
				return false
			}
			it.cur = iv
			it.valid = it.iter.Next()
			return true
		}
	}
	if err := it.iter.Error(); err != nil {
		it.err = err
	}
	return false
}

func (it *rangeIterator) Interval() interval.Interval { return it.cur }
func (it *rangeIterator) Error() error                { return it.err }

func (it *rangeIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	return it.iter.Close()
}
