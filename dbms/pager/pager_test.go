package pager

import (
	"bytes"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statehistory/htbench/dbms/metrics"
)

func block(size int, fill byte) []byte {
	return bytes.Repeat([]byte{fill}, size)
}

func TestBlocksRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	p, err := Create(fs, "test.ht", Options{BlockSize: 128})
	require.NoError(t, err)

	require.NoError(t, p.Write(0, block(128, 'a')))
	require.NoError(t, p.Write(2, block(128, 'c')))
	require.NoError(t, p.Write(1, block(128, 'b')))

	assert.Equal(t, int64(HeaderSize+128), p.Offset(1))

	size, err := p.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(HeaderSize+3*128), size)
	require.NoError(t, p.Close())

	p, err = Open(fs, "test.ht", Options{BlockSize: 128, ReadOnly: true, CacheSize: -1})
	require.NoError(t, err)
	defer p.Close()
	for seq, fill := range []byte{'a', 'b', 'c'} {
		b, err := p.Read(int32(seq))
		require.NoError(t, err)
		assert.Equal(t, block(128, fill), b)
	}
}

func TestWrongBlockLength(t *testing.T) {
	p, err := Create(afero.NewMemMapFs(), "x", Options{BlockSize: 64})
	require.NoError(t, err)
	defer p.Close()
	err = p.Write(0, make([]byte, 63))
	require.Error(t, err)
	assert.True(t, errors.HasAssertionFailure(err))
}

func TestReadPastEnd(t *testing.T) {
	p, err := Create(afero.NewMemMapFs(), "x", Options{BlockSize: 64})
	require.NoError(t, err)
	defer p.Close()
	require.NoError(t, p.Write(0, block(64, 1)))

	_, err = p.Read(1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrShortRead))
}

func TestCacheServesReads(t *testing.T) {
	fs := afero.NewMemMapFs()
	m := metrics.New(nil)
	p, err := Create(fs, "x", Options{BlockSize: 64, CacheSize: 1, Metrics: m})
	require.NoError(t, err)
	require.NoError(t, p.Write(0, block(64, 1)))
	require.NoError(t, p.Write(1, block(64, 2)))

	// Block 0 was evicted by block 1.
	_, err = p.Read(1)
	require.NoError(t, err)
	_, err = p.Read(0)
	require.NoError(t, err)
	_, err = p.Read(0)
	require.NoError(t, err)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.NodeReads.WithLabelValues(metrics.SourceCache)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NodeReads.WithLabelValues(metrics.SourceDisk)))
	require.NoError(t, p.Close())
}

func TestHeaderAndTrailer(t *testing.T) {
	fs := afero.NewMemMapFs()
	p, err := Create(fs, "x", Options{BlockSize: 32})
	require.NoError(t, err)

	require.NoError(t, p.Write(0, block(32, 9)))
	hdr := []byte{1, 2, 3, 4}
	require.NoError(t, p.WriteHeader(hdr))

	trailer, err := p.ReadTrailer(1)
	require.NoError(t, err)
	assert.Nil(t, trailer)

	require.NoError(t, p.WriteTrailer(1, []byte("attributes")))
	require.NoError(t, p.Close())

	peek, err := PeekHeader(fs, "x")
	require.NoError(t, err)
	assert.Len(t, peek, HeaderSize)
	assert.Equal(t, hdr, peek[:4])

	p, err = Open(fs, "x", Options{BlockSize: 32, ReadOnly: true})
	require.NoError(t, err)
	defer p.Close()
	trailer, err = p.ReadTrailer(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("attributes"), trailer)
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(afero.NewMemMapFs(), "missing", Options{BlockSize: 32})
	require.Error(t, err)
	_, err = PeekHeader(afero.NewMemMapFs(), "missing")
	require.Error(t, err)
}
