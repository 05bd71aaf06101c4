package model

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var dayParseRegex = regexp.MustCompile(`^([0-9]{4})[-/.]?([0-9]{2})[-/.]?([0-9]{2})$`)

type ErrInvalidDay string

func (e ErrInvalidDay) Error() string {
	return fmt.Sprintf("invalid day: %q", string(e))
}

// A calendar date, without time of day or location. Days are plain
// values: comparable with ==, usable as map keys and never mutated.
type Day struct {
	Y    uint16
	M, D uint8
}

func NewDay(y int, m time.Month, d int) Day {
	return DayOf(time.Date(y, m, d, 12, 0, 0, 0, time.UTC))
}

// The date of t in t's own location.
func DayOf(t time.Time) Day {
	return Day{uint16(t.Year()), uint8(t.Month()), uint8(t.Day())}
}

// Parses "YYYYMMDD", as used throughout GTFS, or "YYYY-MM-DD".
func ParseDay(s string) (Day, error) {
	var d Day
	err := d.UnmarshalText([]byte(s))
	return d, err
}

func (d Day) IsValid() bool {
	return d.M >= 1 && d.M <= 12 && d.D >= 1 && d.D <= daysInMonth(d.Y, d.M)
}

// GTFS formatted date, "YYYYMMDD".
func (d Day) String() string {
	return fmt.Sprintf("%04d%02d%02d", d.Y, d.M, d.D)
}

func (d Day) ISO() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Y, d.M, d.D)
}

func (d Day) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Day) UnmarshalText(text []byte) error {
	s := string(text)
	m := dayParseRegex.FindStringSubmatch(s)
	if m == nil {
		return ErrInvalidDay(s)
	}

	year, err := strconv.ParseUint(m[1], 10, 16)
	if err != nil {
		return ErrInvalidDay(s)
	}
	month, err := strconv.ParseUint(m[2], 10, 8)
	if err != nil {
		return ErrInvalidDay(s)
	}
	day, err := strconv.ParseUint(m[3], 10, 8)
	if err != nil {
		return ErrInvalidDay(s)
	}

	parsed := Day{uint16(year), uint8(month), uint8(day)}
	if !parsed.IsValid() {
		return ErrInvalidDay(s)
	}
	*d = parsed
	return nil
}

// Midnight at the start of the day in loc.
//
// Like GTFS stop times, the result is "noon minus 12h", so that on
// DST transition days offsets still line up with the schedule.
func (d Day) Time(loc *time.Location) time.Time {
	noon := time.Date(int(d.Y), time.Month(d.M), int(d.D), 12, 0, 0, 0, loc)
	return noon.Add(-12 * time.Hour)
}

func (d Day) noonUTC() time.Time {
	return time.Date(int(d.Y), time.Month(d.M), int(d.D), 12, 0, 0, 0, time.UTC)
}

func (d Day) Weekday() time.Weekday {
	return d.noonUTC().Weekday()
}

func (d Day) Shifted(delta int) Day {
	return DayOf(d.noonUTC().AddDate(0, 0, delta))
}

func (d Day) Yesterday() Day {
	return d.Shifted(-1)
}

func (d Day) Tomorrow() Day {
	return d.Shifted(1)
}

// Number of days from o to d. Negative if d is before o.
func (d Day) DaysSince(o Day) int {
	return int(d.noonUTC().Sub(o.noonUTC()).Hours() / 24)
}

func (d Day) After(o Day) bool {
	return d.Y > o.Y || (d.Y == o.Y && d.M > o.M) || (d.Y == o.Y && d.M == o.M && d.D > o.D)
}

func (d Day) Before(o Day) bool {
	return d.Y < o.Y || (d.Y == o.Y && d.M < o.M) || (d.Y == o.Y && d.M == o.M && d.D < o.D)
}

func isLeap(y uint16) bool {
	return y%4 == 0 && (y%100 != 0 || y%400 == 0)
}

func daysInMonth(y uint16, m uint8) uint8 {
	switch m {
	case 1, 3, 5, 7, 8, 10, 12:
		return 31
	case 4, 6, 9, 11:
		return 30
	case 2:
		if isLeap(y) {
			return 29
		}
		return 28
	}
	return 0
}
