package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContinuous(t *testing.T) {
	r := Continuous[int64](20, 10)
	assert.Equal(t, int64(10), r.Min())
	assert.Equal(t, int64(20), r.Max())

	tests := []struct {
		lo, hi int64
		want   bool
	}{
		{0, 9, false},
		{0, 10, true},
		{12, 15, true},
		{20, 30, true},
		{21, 30, false},
		{0, 100, true},
		{15, 14, false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, r.Intersects(tc.lo, tc.hi), "[%d, %d]", tc.lo, tc.hi)
	}

	assert.True(t, r.Test(10))
	assert.True(t, r.Test(20))
	assert.False(t, r.Test(21))
}

func TestContinuousSub(t *testing.T) {
	r := Continuous[int32](10, 20)

	sub, ok := r.Sub(15, 30)
	require.True(t, ok)
	assert.Equal(t, int32(15), sub.Min())
	assert.Equal(t, int32(20), sub.Max())

	_, ok = r.Sub(21, 30)
	assert.False(t, ok)
}

func TestDiscrete(t *testing.T) {
	r := Discrete[int32](7, 3, 3, 12)
	assert.Equal(t, int32(3), r.Min())
	assert.Equal(t, int32(12), r.Max())
	assert.Equal(t, []int32{3, 7, 12}, r.(interface{ Values() []int32 }).Values())

	assert.True(t, r.Test(7))
	assert.False(t, r.Test(8))

	assert.True(t, r.Intersects(4, 7))
	assert.False(t, r.Intersects(4, 6))
	assert.False(t, r.Intersects(13, 100))
	assert.True(t, r.Intersects(0, 3))

	sub, ok := r.Sub(4, 12)
	require.True(t, ok)
	assert.Equal(t, int32(7), sub.Min())
	assert.Equal(t, int32(12), sub.Max())
	assert.False(t, sub.Test(3))

	_, ok = r.Sub(8, 11)
	assert.False(t, ok)
}

func TestDiscreteEmpty(t *testing.T) {
	r := Discrete[int64]()
	assert.False(t, r.Test(0))
	assert.False(t, r.Intersects(-100, 100))
	_, ok := r.Sub(-100, 100)
	assert.False(t, ok)
}

func TestAll(t *testing.T) {
	assert.True(t, AllTimes().Intersects(-1<<62, -1<<62))
	assert.True(t, AllAttributes().Test(0))
	assert.False(t, AllAttributes().Test(-1))
	assert.True(t, Singleton[int64](5).Intersects(0, 5))
	assert.False(t, Singleton[int64](5).Intersects(6, 9))
}
