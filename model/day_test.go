package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDay(t *testing.T) {
	for _, tc := range []struct {
		in       string
		expected Day
		err      bool
	}{
		{"20130101", Day{2013, 1, 1}, false},
		{"2013-12-31", Day{2013, 12, 31}, false},
		{"20240229", Day{2024, 2, 29}, false},
		{"20230229", Day{}, true},
		{"20131301", Day{}, true},
		{"2013011", Day{}, true},
		{"", Day{}, true},
		{"20130101T12", Day{}, true},
	} {
		t.Run(tc.in, func(t *testing.T) {
			d, err := ParseDay(tc.in)
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, d)
		})
	}
}

func TestDayArithmetic(t *testing.T) {
	d := NewDay(2013, time.January, 7)
	assert.Equal(t, time.Monday, d.Weekday())
	assert.Equal(t, "20130107", d.String())
	assert.Equal(t, "2013-01-07", d.ISO())

	assert.Equal(t, Day{2013, 1, 6}, d.Yesterday())
	assert.Equal(t, Day{2013, 1, 8}, d.Tomorrow())
	assert.Equal(t, time.Sunday, d.Yesterday().Weekday())

	// Month, year and leap day boundaries
	assert.Equal(t, Day{2012, 12, 31}, NewDay(2013, time.January, 1).Yesterday())
	assert.Equal(t, Day{2024, 2, 29}, NewDay(2024, time.February, 28).Tomorrow())
	assert.Equal(t, Day{2024, 3, 1}, NewDay(2024, time.February, 29).Tomorrow())
	assert.Equal(t, Day{2014, 1, 7}, d.Shifted(365))

	assert.Equal(t, 1, d.Tomorrow().DaysSince(d))
	assert.Equal(t, -1, d.Yesterday().DaysSince(d))
	assert.Equal(t, 365, d.Shifted(365).DaysSince(d))

	assert.True(t, d.Tomorrow().After(d))
	assert.True(t, d.Yesterday().Before(d))
	assert.False(t, d.Before(d))
	assert.False(t, d.After(d))
}

func TestDayTimeAcrossDST(t *testing.T) {
	tz, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// DST began 2023-03-12. Midnight is noon minus 12h, which is
	// 23:00 the previous evening in wall clock terms.
	d := NewDay(2023, time.March, 12)
	noon := d.Time(tz).Add(12 * time.Hour)
	assert.Equal(t, 12, noon.Hour())

	regular := NewDay(2023, time.March, 13).Time(tz)
	assert.Equal(t, 0, regular.Hour())
	assert.Equal(t, Day{2023, 3, 13}, DayOf(regular))
}

func TestDayText(t *testing.T) {
	d := Day{2013, 5, 17}
	b, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "20130517", string(b))

	var back Day
	require.NoError(t, back.UnmarshalText(b))
	assert.Equal(t, d, back)

	assert.ErrorIs(t, back.UnmarshalText([]byte("nope")), ErrInvalidDay("nope"))
}
