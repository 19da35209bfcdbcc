package money

import (
	"testing"

	"github.com/metergate/metergate/pkg/faults"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRejectsMalformedInput(t *testing.T) {
	for _, input := range []string{"", "abc", "1.2.3", "1e", "--1"} {
		_, err := Parse(input)
		require.Error(t, err, "input %q", input)
		assert.Equal(t, faults.CodeBadUserInput, faults.CodeOf(err))
	}
}

func TestParseKeepsExactDecimalValue(t *testing.T) {
	m, err := Parse("0.0001")
	require.NoError(t, err)
	assert.Equal(t, "0.0001", m.String())

	sum := Zero()
	for i := 0; i < 10; i++ {
		sum = sum.Add(MustParse("0.1"))
	}
	// Binary floats would drift here; decimals must not.
	assert.Equal(t, "1", sum.String())
}

func TestArithmetic(t *testing.T) {
	assert.Equal(t, "-1", MustParse("1").Sub(MustParse("2")).String())
	assert.Equal(t, "0.05", MustParse("0.01").MulInt(5).String())
	assert.Equal(t, "100", MustParse("1").Div(MustParse("0.01")).String())
	assert.True(t, MustParse("2").GTE(MustParse("2")))
	assert.True(t, MustParse("-0.5").IsNegative())
}

func TestFloorInt64RoundsTowardNegativeInfinity(t *testing.T) {
	assert.Equal(t, int64(1), MustParse("1.99").FloorInt64())
	assert.Equal(t, int64(-2), MustParse("-1.01").FloorInt64())
	assert.Equal(t, int64(0), MustParse("0.9999").FloorInt64())
}
