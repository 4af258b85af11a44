package interval

import (
	"math"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	cases := []struct {
		name string
		iv   Interval
		size int
	}{
		{"null", New(0, 10, 1, Null()), 21},
		{"int", New(-5, 5, 2, Int(-42)), 25},
		{"long", New(100, 200, 3, Long(math.MaxInt64)), 29},
		{"double", New(7, 7, 4, Double(3.25)), 29},
		{"string", New(1, 2, 5, String("running")), 30},
		{"empty string", New(1, 2, 6, String("")), 23},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.size, tc.iv.SizeOnDisk())

			buf := make([]byte, tc.iv.SizeOnDisk()+8)
			n := tc.iv.Encode(buf)
			require.Equal(t, tc.size, n)

			got, m, err := Decode(buf[:n])
			require.NoError(t, err)
			assert.Equal(t, n, m)
			assert.True(t, tc.iv.Equal(got), "got %s want %s", got, tc.iv)
		})
	}
}

func TestDecodeTruncated(t *testing.T) {
	iv := New(0, 1, 0, String("abcdef"))
	buf := make([]byte, iv.SizeOnDisk())
	iv.Encode(buf)

	for _, cut := range []int{0, 10, 20, 22, len(buf) - 1} {
		_, _, err := Decode(buf[:cut])
		require.Error(t, err, "cut at %d", cut)
		assert.True(t, errors.Is(err, ErrCorrupt))
	}

	buf[20] = 99
	_, _, err := Decode(buf)
	assert.True(t, errors.Is(err, ErrCorrupt))
}

func TestValidate(t *testing.T) {
	require.NoError(t, New(3, 3, 0, Null()).Validate())

	err := New(4, 3, 0, Null()).Validate()
	assert.True(t, errors.Is(err, ErrInvalid))

	err = New(0, 3, 0, String(strings.Repeat("x", MaxStringLen+1))).Validate()
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestCompare(t *testing.T) {
	a := New(0, 10, 1, Null())
	b := New(5, 10, 0, Null())
	c := New(0, 11, 0, Null())

	assert.Negative(t, Compare(a, b))
	assert.Negative(t, Compare(b, c))
	assert.Positive(t, Compare(c, a))
	assert.Zero(t, Compare(a, a))
	assert.Negative(t, Compare(New(0, 10, 1, Null()), New(0, 10, 2, Null())))
}

func TestValueEqual(t *testing.T) {
	assert.True(t, Long(5).Equal(Long(5)))
	assert.False(t, Long(5).Equal(Int(5)))
	assert.False(t, String("a").Equal(String("b")))
	assert.True(t, Null().Equal(Null()))
	assert.Equal(t, `"on"`, String("on").String())
	assert.Equal(t, "nullValue", Null().String())
	assert.Equal(t, "long", KindLong.String())
}
