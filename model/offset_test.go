package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOffset(t *testing.T) {
	for _, tc := range []struct {
		in       string
		expected int
		err      bool
	}{
		{"000000", 0, false},
		{"235959", 86399, false},
		{"241000", 87000, false},
		{"23:50:00", 85800, false},
		{"24:10:00", 87000, false},
		{"24:10:00.000", 87000, false},
		{"7:05:09", 25509, false},
		{"99:59:59", 99*3600 + 59*60 + 59, false},
		{"12:60:00", 0, true},
		{"12:00:60", 0, true},
		{"12:00", 0, true},
		{"ab:00:00", 0, true},
		{"12:00:00.x", 0, true},
		{"1200", 0, true},
		{"", 0, true},
	} {
		t.Run(tc.in, func(t *testing.T) {
			s, err := ParseOffset(tc.in)
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, s)
		})
	}
}

func TestFormatOffset(t *testing.T) {
	assert.Equal(t, "000000", FormatOffset(0))
	assert.Equal(t, "241000", FormatOffset(87000))
	assert.Equal(t, "24:10:00", FormatClock(87000))

	s, err := ParseOffset(FormatOffset(93784))
	require.NoError(t, err)
	assert.Equal(t, 93784, s)
}

func TestStopTimeOffsets(t *testing.T) {
	st := &StopTime{Arrival: "235000", Departure: "241000"}
	a, d, err := st.Offsets()
	require.NoError(t, err)
	assert.Equal(t, 85800, a)
	assert.Equal(t, 87000, d)
	assert.Equal(t, int64(87000), int64(st.DepartureTime().Seconds()))

	st.Departure = "2410"
	_, _, err = st.Offsets()
	assert.Error(t, err)
}

func TestValidateStopTimes(t *testing.T) {
	ok := []*StopTime{
		{StopSequence: 1, Arrival: "100000", Departure: "100000", ShapeDist: 0, HasShapeDist: true},
		{StopSequence: 2, Arrival: "100500", Departure: "100600"},
		{StopSequence: 5, Arrival: "101000", Departure: "101000", ShapeDist: 3, HasShapeDist: true},
	}
	assert.NoError(t, ValidateStopTimes("t", ok))

	for _, tc := range []struct {
		name      string
		stopTimes []*StopTime
	}{
		{"sequence", []*StopTime{
			{StopSequence: 2, Arrival: "100000", Departure: "100000"},
			{StopSequence: 2, Arrival: "100500", Departure: "100500"},
		}},
		{"dwell", []*StopTime{
			{StopSequence: 1, Arrival: "100500", Departure: "100000"},
		}},
		{"time", []*StopTime{
			{StopSequence: 1, Arrival: "100000", Departure: "100500"},
			{StopSequence: 2, Arrival: "100400", Departure: "100600"},
		}},
		{"distance", []*StopTime{
			{StopSequence: 1, Arrival: "100000", Departure: "100000", ShapeDist: 5, HasShapeDist: true},
			{StopSequence: 2, Arrival: "100500", Departure: "100500", ShapeDist: 4, HasShapeDist: true},
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateStopTimes("t", tc.stopTimes)
			require.Error(t, err)
			assert.True(t, IsDataIntegrity(err))
		})
	}

	// Malformed times are errors, but not integrity errors.
	err := ValidateStopTimes("t", []*StopTime{{StopSequence: 1, Arrival: "xx", Departure: "100000"}})
	require.Error(t, err)
	assert.False(t, IsDataIntegrity(err))
}
