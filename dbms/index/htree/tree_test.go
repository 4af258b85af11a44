package htree

import (
	"bytes"
	"encoding/binary"
	"os"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statehistory/htbench/dbms/condition"
	"github.com/statehistory/htbench/dbms/index"
	"github.com/statehistory/htbench/dbms/index/htnode"
	"github.com/statehistory/htbench/dbms/interval"
	"github.com/statehistory/htbench/dbms/metrics"
)

const testPath = "test.ht"

// twoPerLeaf fits exactly two int64-valued intervals in a leaf.
var twoPerLeaf = Config{BlockSize: 100, MaxChildren: 2}

func newTestTree(t *testing.T, cfg Config, opts ...Option) (*Tree, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	tr, err := Create(fs, testPath, cfg, opts...)
	require.NoError(t, err)
	return tr, fs
}

func iv(start, end int64, attr int32) interval.Interval {
	return interval.New(start, end, attr, interval.Long(start*10+int64(attr)))
}

func query(t *testing.T, tr *Tree, times condition.Range[int64], attrs condition.Range[int32]) []interval.Interval {
	t.Helper()
	it, err := tr.Query2D(times, attrs, false)
	require.NoError(t, err)
	got, err := index.Collect(it)
	require.NoError(t, err)
	sortIntervals(got)
	return got
}

func TestTwoIntervalsPerLeafScenario(t *testing.T) {
	tr, _ := newTestTree(t, twoPerLeaf)
	defer tr.Close()

	a, b, c := iv(0, 10, 1), iv(0, 5, 2), iv(11, 20, 1)
	require.NoError(t, tr.Insert(a))
	require.NoError(t, tr.Insert(b))
	assert.Equal(t, int32(1), tr.NodeCount())

	require.NoError(t, tr.Insert(c))
	assert.Equal(t, int32(3), tr.NodeCount(), "split adds a root and one leaf")
	assert.Equal(t, 2, tr.Depth())
	assert.Equal(t, int64(20), tr.TreeEnd())

	assert.Equal(t, []interval.Interval{b, a, c},
		query(t, tr, condition.Continuous[int64](0, 20), condition.Discrete[int32](1, 2)))
	assert.Equal(t, []interval.Interval{c},
		query(t, tr, condition.Continuous[int64](12, 15), condition.Discrete[int32](1)))
	assert.Equal(t, []interval.Interval{b},
		query(t, tr, condition.Continuous[int64](0, 4), condition.Discrete[int32](2)))
}

func TestNodeSequenceNumbers(t *testing.T) {
	tr, _ := newTestTree(t, twoPerLeaf)
	defer tr.Close()

	for i := int64(0); i < 5; i++ {
		require.NoError(t, tr.Insert(iv(i*10, i*10+5, 0)))
	}
	require.NoError(t, tr.CloseTree(tr.TreeEnd()))

	assert.Equal(t, int32(6), tr.NodeCount())
	assert.Equal(t, int32(3), tr.RootSequence())

	expectChildren := func(seq int32, kind htnode.Kind, parent int32, children ...int32) {
		t.Helper()
		n, err := tr.ReadNode(seq)
		require.NoError(t, err)
		assert.Equal(t, kind, n.Kind(), "node %d", seq)
		assert.Equal(t, parent, n.Parent(), "parent of node %d", seq)
		var got []int32
		for _, c := range n.Children() {
			got = append(got, c.Seq)
		}
		assert.Equal(t, children, got, "children of node %d", seq)
	}
	expectChildren(3, htnode.KindCore, htnode.NoParent, 1, 4)
	expectChildren(1, htnode.KindCore, 3, 0, 2)
	expectChildren(4, htnode.KindCore, 3, 5)
	expectChildren(0, htnode.KindLeaf, 1)
	expectChildren(2, htnode.KindLeaf, 1)
	expectChildren(5, htnode.KindLeaf, 4)

	var seqs []int32
	for _, n := range tr.LatestBranch() {
		seqs = append(seqs, n.Seq())
	}
	assert.Equal(t, []int32{3, 4, 5}, seqs)
}

func TestDepthGrowth(t *testing.T) {
	// three intervals per leaf, three children per core node
	tr, _ := newTestTree(t, Config{BlockSize: 128, MaxChildren: 3})
	defer tr.Close()

	type shape struct {
		nodes int32
		depth int
	}
	seen := []shape{{tr.NodeCount(), tr.Depth()}}
	for i := int64(0); len(seen) < 4; i++ {
		require.NoError(t, tr.Insert(iv(i, i, 0)))
		if tr.NodeCount() != seen[len(seen)-1].nodes {
			seen = append(seen, shape{tr.NodeCount(), tr.Depth()})
		}
	}
	assert.Equal(t, []shape{{1, 1}, {3, 2}, {4, 2}, {7, 3}}, seen)
}

func TestSplitKeepsIntervals(t *testing.T) {
	tr, _ := newTestTree(t, twoPerLeaf)
	defer tr.Close()

	var all []interval.Interval
	for i := int64(0); i < 40; i++ {
		before := query(t, tr, condition.AllTimes(), condition.AllAttributes())
		require.Len(t, before, len(all))

		x := iv(i*3, i*3+2, int32(i%3))
		require.NoError(t, tr.Insert(x))
		all = append(all, x)
	}
	sortIntervals(all)
	assert.Equal(t, all, query(t, tr, condition.AllTimes(), condition.AllAttributes()))
}

func TestEarlyIntervalGoesToAncestor(t *testing.T) {
	tr, _ := newTestTree(t, Config{BlockSize: 256, MaxChildren: 4})
	defer tr.Close()

	// Fill the first leaf so the next insert starts a leaf at 100.
	for i := int64(0); i < 7; i++ {
		require.NoError(t, tr.Insert(iv(i, i+1, 1)))
	}
	require.Equal(t, int32(1), tr.NodeCount())
	require.NoError(t, tr.Insert(iv(100, 110, 1)))
	require.Equal(t, 2, tr.Depth())

	early := iv(50, 120, 2)
	require.NoError(t, tr.Insert(early))
	branch := tr.LatestBranch()
	assert.Equal(t, 1, branch[0].IntervalCount(), "stored in the root")
	assert.Equal(t, 1, branch[1].IntervalCount())

	got, ok, err := tr.QueryAt(60, 2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, early, got)
}

func TestInsertErrors(t *testing.T) {
	tr, _ := newTestTree(t, Config{BlockSize: 100, MaxChildren: 2, TreeStart: 10})
	defer tr.Close()

	err := tr.Insert(iv(5, 20, 0))
	assert.True(t, errors.Is(err, ErrTimeRange))

	err = tr.Insert(iv(10, 20, -1))
	assert.True(t, errors.Is(err, ErrAttributeRange))

	err = tr.Insert(iv(20, 10, 0))
	assert.True(t, errors.Is(err, interval.ErrInvalid))

	err = tr.Insert(interval.New(10, 20, 0, interval.String(strings.Repeat("x", 100))))
	assert.True(t, errors.Is(err, ErrIntervalTooLarge))

	require.NoError(t, tr.Insert(iv(10, 30, 0)))
	err = tr.CloseTree(29)
	assert.True(t, errors.Is(err, ErrTimeRange))

	require.NoError(t, tr.CloseTree(30))
	assert.True(t, errors.Is(tr.Insert(iv(31, 40, 0)), ErrTreeClosed))
	assert.True(t, errors.Is(tr.CloseTree(50), ErrTreeClosed))
}

func TestNegativeTimes(t *testing.T) {
	tr, _ := newTestTree(t, Config{BlockSize: 100, MaxChildren: 2, TreeStart: -100})
	defer tr.Close()

	var all []interval.Interval
	for i := int64(-100); i < -10; i += 10 {
		x := iv(i, i+9, 0)
		require.NoError(t, tr.Insert(x))
		all = append(all, x)
	}
	require.NoError(t, tr.CloseTree(-11))

	got, ok, err := tr.QueryAt(-55, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, iv(-60, -51, 0), got)
	assert.Equal(t, all, query(t, tr, condition.AllTimes(), condition.AllAttributes()))
}

func TestQueryOutOfRange(t *testing.T) {
	tr, _ := newTestTree(t, twoPerLeaf)
	defer tr.Close()
	require.NoError(t, tr.Insert(iv(0, 10, 0)))

	_, _, err := tr.QueryAt(11, 0)
	assert.True(t, errors.Is(err, ErrTimeRange))
	_, _, err = tr.QueryAt(-1, 0)
	assert.True(t, errors.Is(err, ErrTimeRange))
	_, _, err = tr.QueryAt(5, -3)
	assert.True(t, errors.Is(err, ErrAttributeRange))
	_, err = tr.QueryFullState(12)
	assert.True(t, errors.Is(err, ErrTimeRange))

	_, ok, err := tr.QueryAt(5, 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func buildClosed(t *testing.T, cfg Config, ivs []interval.Interval) afero.Fs {
	t.Helper()
	tr, fs := newTestTree(t, cfg)
	for _, x := range ivs {
		require.NoError(t, tr.Insert(x))
	}
	require.NoError(t, tr.CloseTree(tr.TreeEnd()))
	require.NoError(t, tr.Close())
	return fs
}

func TestReopen(t *testing.T) {
	cfg := Config{BlockSize: 256, MaxChildren: 3, ProviderVersion: 5, TreeStart: 1}
	var ivs []interval.Interval
	for i := int64(1); i < 200; i++ {
		ivs = append(ivs, iv(i, i+int64(i%7), int32(i%5)))
	}

	tr, fs := newTestTree(t, cfg)
	for _, x := range ivs {
		require.NoError(t, tr.Insert(x))
	}
	require.NoError(t, tr.CloseTree(tr.TreeEnd()))
	wantRoot, wantCount, wantEnd, wantDepth := tr.RootSequence(), tr.NodeCount(), tr.TreeEnd(), tr.Depth()
	wantAll := query(t, tr, condition.AllTimes(), condition.AllAttributes())
	require.NoError(t, tr.Close())

	re, err := Open(fs, testPath, 5)
	require.NoError(t, err)
	defer re.Close()

	assert.Equal(t, wantRoot, re.RootSequence())
	assert.Equal(t, wantCount, re.NodeCount())
	assert.Equal(t, int64(1), re.TreeStart())
	assert.Equal(t, wantEnd, re.TreeEnd())
	assert.Equal(t, wantDepth, re.Depth())
	assert.True(t, re.IsFinished())
	assert.Equal(t, wantAll, query(t, re, condition.AllTimes(), condition.AllAttributes()))

	size, err := re.FileSize()
	require.NoError(t, err)
	assert.Equal(t, int64(4096+int(wantCount)*256), size)

	assert.True(t, errors.Is(re.Insert(iv(300, 301, 0)), ErrTreeClosed))
}

func patchHeader(t *testing.T, fs afero.Fs, off int, v uint32) {
	t.Helper()
	f, err := fs.OpenFile(testPath, os.O_RDWR, 0)
	require.NoError(t, err)
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_, err = f.WriteAt(b[:], int64(off))
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestReopenMismatch(t *testing.T) {
	ivs := []interval.Interval{iv(0, 10, 1), iv(0, 5, 2), iv(11, 20, 1)}
	cfg := twoPerLeaf
	cfg.ProviderVersion = 3

	tests := []struct {
		name     string
		off      int
		value    uint32
		provider int32
		want     error
	}{
		{"provider", -1, 0, 4, ErrProviderMismatch},
		{"magic", hdrMagic, 0xCAFEBABE, 3, ErrBadMagic},
		{"version", hdrFileVersion, 6, 3, ErrVersionMismatch},
		{"start time", hdrStartTime, 99, 3, ErrCorrupt},
		{"node count", hdrNodeCount, 50, 3, ErrCorrupt},
		{"root", hdrRootSeq, 7, 3, ErrCorrupt},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fs := buildClosed(t, cfg, ivs)
			if tc.off >= 0 {
				patchHeader(t, fs, tc.off, tc.value)
			}
			_, err := Open(fs, testPath, tc.provider)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}

	t.Run("ignore provider", func(t *testing.T) {
		fs := buildClosed(t, cfg, ivs)
		tr, err := Open(fs, testPath, IgnoreProviderVersion)
		require.NoError(t, err)
		defer tr.Close()
		assert.Equal(t, int32(3), tr.Config().ProviderVersion)
	})

	t.Run("not a history file", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		require.NoError(t, afero.WriteFile(fs, testPath, []byte("hello"), 0o644))
		_, err := Open(fs, testPath, 0)
		assert.True(t, errors.Is(err, ErrCorrupt))
	})
}

func TestTrailer(t *testing.T) {
	tr, fs := newTestTree(t, twoPerLeaf)
	require.NoError(t, tr.Insert(iv(0, 1, 0)))
	assert.True(t, errors.Is(tr.WriteTrailer([]byte("x")), ErrTreeClosed))
	require.NoError(t, tr.CloseTree(5))
	require.NoError(t, tr.WriteTrailer([]byte("attribute tree")))
	require.NoError(t, tr.Close())

	re, err := Open(fs, testPath, 0)
	require.NoError(t, err)
	defer re.Close()
	b, err := re.Trailer()
	require.NoError(t, err)
	assert.Equal(t, "attribute tree", string(b))
}

func TestMetrics(t *testing.T) {
	m := metrics.New(nil)
	tr, _ := newTestTree(t, twoPerLeaf, WithMetrics(m))
	defer tr.Close()
	for i := int64(0); i < 5; i++ {
		require.NoError(t, tr.Insert(iv(i*10, i*10+5, 0)))
	}
	assert.Equal(t, 5.0, testutil.ToFloat64(m.IntervalsInserted))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RootPromotions))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.LeafSplits))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.NodesWritten))
}

func TestDiagnostics(t *testing.T) {
	tr, _ := newTestTree(t, twoPerLeaf)
	defer tr.Close()
	for i := int64(0); i < 5; i++ {
		require.NoError(t, tr.Insert(iv(i*10, i*10+5, int32(i))))
	}

	var dot bytes.Buffer
	require.NoError(t, tr.ExportDOT(&dot))
	s := dot.String()
	assert.True(t, strings.HasPrefix(s, "digraph HistoryTree {"))
	assert.Contains(t, s, "node3:c0 -> node1;")
	assert.Contains(t, s, "node1:c1 -> node2;")
	assert.Contains(t, s, "NODE 5 (LEAF)")

	var dump bytes.Buffer
	require.NoError(t, tr.DebugPrint(&dump, true))
	out := dump.String()
	assert.Contains(t, out, "node count:   6")
	assert.Contains(t, out, "CORE #3")
	assert.Contains(t, out, "[40, 45] attr=4")
}
