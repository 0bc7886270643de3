package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestQuantize_RoundingModes(t *testing.T) {
	tests := []struct {
		name   string
		places int32
		mode   RoundingMode
		in     string
		want   string
	}{
		{"half up tie", 2, RoundHalfUp, "1.005", "1.01"},
		{"half up below tie", 2, RoundHalfUp, "1.0049", "1.00"},
		{"half up negative tie", 2, RoundHalfUp, "-1.005", "-1.01"},
		{"half even tie down", 2, RoundHalfEven, "1.025", "1.02"},
		{"half even tie up", 2, RoundHalfEven, "1.035", "1.04"},
		{"down truncates", 2, RoundDown, "1.019", "1.01"},
		{"six places", 6, RoundHalfUp, "0.0000005", "0.000001"},
		{"zero places", 0, RoundHalfUp, "2.5", "3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := MustQuantizer(tt.places, tt.mode)
			assert.Equal(t, tt.want, q.Format(d(tt.in)))
		})
	}
}

func TestPercent(t *testing.T) {
	q := MustQuantizer(2, RoundHalfUp)

	assert.Equal(t, "120.00", q.Format(q.Percent(d("1000.00"), d("12"))))
	assert.Equal(t, "40.00", q.Format(q.Percent(d("1000.00"), d("4"))))
	// 33.33 * 3.5% = 1.16655 -> 1.17
	assert.Equal(t, "1.17", q.Format(q.Percent(d("33.33"), d("3.5"))))
	// 0.10 * 5% = 0.005 -> tie rounds up
	assert.Equal(t, "0.01", q.Format(q.Percent(d("0.10"), d("5"))))
}

func TestParse(t *testing.T) {
	q := MustQuantizer(2, RoundHalfUp)

	v, err := q.Parse("")
	require.NoError(t, err)
	assert.True(t, v.IsZero())

	v, err = q.Parse(" 16.004 ")
	require.NoError(t, err)
	assert.Equal(t, "16.00", q.Format(v))

	_, err = q.Parse("12abc")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = q.ParsePositive("0")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = q.ParsePositive("-3")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestNewQuantizer_Validation(t *testing.T) {
	_, err := NewQuantizer(-1, RoundHalfUp)
	assert.Error(t, err)

	_, err = NewQuantizer(MaxPlaces+1, RoundHalfUp)
	assert.Error(t, err, "amounts are stored at six places")

	_, err = NewQuantizer(2, "ceiling")
	assert.ErrorIs(t, err, ErrInvalidRounding)

	q, err := NewQuantizer(6, "")
	require.NoError(t, err)
	assert.Equal(t, RoundHalfUp, q.Mode())
	assert.Equal(t, int32(6), q.Places())
}

func TestParseRoundingMode(t *testing.T) {
	m, err := ParseRoundingMode("HALF_EVEN")
	require.NoError(t, err)
	assert.Equal(t, RoundHalfEven, m)

	m, err = ParseRoundingMode("")
	require.NoError(t, err)
	assert.Equal(t, RoundHalfUp, m)

	_, err = ParseRoundingMode("up")
	assert.Error(t, err)
}

func TestFitsPlaces(t *testing.T) {
	assert.True(t, FitsPlaces(decimal.RequireFromString("12.3456"), 4))
	assert.True(t, FitsPlaces(decimal.RequireFromString("12.30000"), 4))
	assert.True(t, FitsPlaces(decimal.NewFromInt(7), 0))
	assert.False(t, FitsPlaces(decimal.RequireFromString("12.34565"), 4))
	assert.False(t, FitsPlaces(decimal.RequireFromString("-0.00004"), 4))
}
