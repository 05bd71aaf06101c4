package parse

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"

	"tidbyt.dev/gtfstrace/model"
	"tidbyt.dev/gtfstrace/storage"
)

const (
	locationTypeGenericNode  = 3
	locationTypeBoardingArea = 4
)

type StopCSV struct {
	ID            string  `csv:"stop_id"`
	Code          string  `csv:"stop_code"`
	Name          string  `csv:"stop_name"`
	Lat           string  `csv:"stop_lat"`
	Lon           string  `csv:"stop_lon"`
	LocationType  int8    `csv:"location_type"`
	ParentStation string  `csv:"parent_station"`
}

// Parses an optional coordinate. Zero is a valid coordinate; only a
// blank value is missing.
func parseCoordinate(s string, limit float64) (float64, bool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid coordinate '%s'", s)
	}
	if v < -limit || v > limit {
		return 0, false, fmt.Errorf("coordinate '%s' out of range", s)
	}
	return v, true, nil
}

func ParseStops(writer storage.FeedWriter, data io.Reader) (map[string]bool, error) {
	stopCsv := []*StopCSV{}
	if err := gocsv.Unmarshal(data, &stopCsv); err != nil {
		return nil, fmt.Errorf("unmarshaling stops csv: %w", err)
	}

	stopIDs := map[string]bool{}
	parentRef := map[string]string{}
	for _, st := range stopCsv {
		if st.ID == "" {
			return nil, fmt.Errorf("empty stop_id")
		}
		if stopIDs[st.ID] {
			return nil, fmt.Errorf("repeated stop_id '%s'", st.ID)
		}
		stopIDs[st.ID] = true

		lat, hasLat, err := parseCoordinate(st.Lat, 90)
		if err != nil {
			return nil, fmt.Errorf("stop_lat for stop_id '%s': %w", st.ID, err)
		}
		lon, hasLon, err := parseCoordinate(st.Lon, 180)
		if err != nil {
			return nil, fmt.Errorf("stop_lon for stop_id '%s': %w", st.ID, err)
		}

		// Generic nodes and boarding areas may lack name and
		// coordinates. Everything else needs both.
		if st.LocationType != locationTypeGenericNode && st.LocationType != locationTypeBoardingArea {
			if st.Name == "" {
				return nil, fmt.Errorf("empty stop_name for stop_id '%s'", st.ID)
			}
			if !hasLat || !hasLon {
				return nil, fmt.Errorf("empty stop_lat or stop_lon for stop_id '%s'", st.ID)
			}
		}

		if st.ParentStation != "" {
			parentRef[st.ID] = st.ParentStation
		}

		err = writer.WriteStop(&model.Stop{
			ID:            st.ID,
			Code:          st.Code,
			Name:          st.Name,
			Lat:           lat,
			Lon:           lon,
			ParentStation: st.ParentStation,
		})
		if err != nil {
			return nil, fmt.Errorf("writing stop '%s': %w", st.ID, err)
		}
	}

	// verify stops referenced by parent_station exist
	for stopID, parentID := range parentRef {
		if !stopIDs[parentID] {
			return nil, fmt.Errorf("stop '%s' references unknown parent_station '%s'", stopID, parentID)
		}
	}

	return stopIDs, nil
}
