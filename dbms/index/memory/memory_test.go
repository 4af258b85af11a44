package memory

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statehistory/htbench/dbms/condition"
	"github.com/statehistory/htbench/dbms/index"
	"github.com/statehistory/htbench/dbms/interval"
)

func fill(t *testing.T) *Backend {
	t.Helper()
	b := New(0)
	for _, iv := range []interval.Interval{
		interval.New(0, 10, 1, interval.Int(1)),
		interval.New(0, 5, 2, interval.Int(2)),
		interval.New(11, 20, 1, interval.Int(3)),
		interval.New(6, 20, 2, interval.Int(4)),
		interval.New(6, 20, 2, interval.Int(4)),
	} {
		require.NoError(t, b.Insert(iv))
	}
	return b
}

func TestQueryAt(t *testing.T) {
	b := fill(t)
	assert.Equal(t, 5, b.Len(), "duplicates are kept")

	iv, ok, err := b.QueryAt(12, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int32(3), iv.Value.Int())

	_, ok, err = b.QueryAt(12, 7)
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = b.QueryAt(21, 1)
	assert.True(t, errors.Is(err, ErrTimeRange))
}

func TestQuery2D(t *testing.T) {
	b := fill(t)

	it, err := b.Query2D(condition.Continuous[int64](12, 15), condition.Singleton[int32](1), false)
	require.NoError(t, err)
	got, err := index.Collect(it)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(11), got[0].Start)

	it, err = b.Query2D(condition.AllTimes(), condition.AllAttributes(), true)
	require.NoError(t, err)
	got, err = index.Collect(it)
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, int64(20), got[0].End)
	assert.Equal(t, int64(5), got[4].End)
}

func TestFullStateAndFinish(t *testing.T) {
	b := fill(t)
	state, err := b.QueryFullState(8)
	require.NoError(t, err)
	require.Len(t, state, 3)
	assert.Equal(t, int32(1), state[0].Attribute)
	assert.Equal(t, int32(2), state[1].Attribute)

	assert.True(t, errors.Is(b.Finish(19), ErrTimeRange))
	require.NoError(t, b.Finish(25))
	assert.True(t, errors.Is(b.Insert(interval.New(21, 22, 0, interval.Null())), ErrFinished))
	assert.True(t, errors.Is(b.Insert(interval.New(-1, 22, 0, interval.Null())), ErrTimeRange))

	_, ok, err := b.QueryAt(25, 1)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, b.Close())
}
