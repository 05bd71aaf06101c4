package model

import (
	"fmt"
	"strconv"
	"strings"
)

const SecondsPerDay = 24 * 60 * 60

// Parses a stop time offset into seconds since midnight of the
// service day. Accepts the normalized "HHMMSS" form as well as
// "H:MM:SS" and "HH:MM:SS.fff" as found in stop_times.txt. Hours may
// exceed 23. Fractional seconds are truncated.
func ParseOffset(s string) (int, error) {
	var hms [3]string
	if strings.Contains(s, ":") {
		split := strings.Split(s, ":")
		if len(split) != 3 {
			return 0, fmt.Errorf("found %d parts in '%s'", len(split), s)
		}
		hms = [3]string{split[0], split[1], split[2]}
		if i := strings.IndexByte(hms[2], '.'); i >= 0 {
			if _, err := strconv.Atoi(hms[2][i+1:]); err != nil {
				return 0, fmt.Errorf("invalid fraction in '%s'", s)
			}
			hms[2] = hms[2][:i]
		}
	} else {
		if len(s) != 6 {
			return 0, fmt.Errorf("malformed offset '%s'", s)
		}
		hms = [3]string{s[0:2], s[2:4], s[4:6]}
	}

	var v [3]int
	for i, str := range hms {
		j, err := strconv.Atoi(strings.TrimSpace(str))
		if err != nil {
			return 0, fmt.Errorf("non-integer in '%s' pos %d", s, i)
		}
		v[i] = j
	}

	if v[0] < 0 || v[0] > 99 {
		return 0, fmt.Errorf("invalid hour in '%s'", s)
	}
	if v[1] < 0 || v[1] > 59 {
		return 0, fmt.Errorf("invalid minute in '%s'", s)
	}
	if v[2] < 0 || v[2] > 59 {
		return 0, fmt.Errorf("invalid second in '%s'", s)
	}

	return v[0]*3600 + v[1]*60 + v[2], nil
}

// Formats seconds since midnight as "HHMMSS".
func FormatOffset(seconds int) string {
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	return fmt.Sprintf("%02d%02d%02d", h, m, s)
}

// Formats seconds since midnight as "HH:MM:SS", for humans.
func FormatClock(seconds int) string {
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
