package parse

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"

	"tidbyt.dev/gtfstrace/model"
	"tidbyt.dev/gtfstrace/storage"
)

type StopTimeCSV struct {
	TripID            string `csv:"trip_id"`
	StopID            string `csv:"stop_id"`
	StopSequence      uint32 `csv:"stop_sequence"`
	ArrivalTime       string `csv:"arrival_time"`
	DepartureTime     string `csv:"departure_time"`
	PickupType        string `csv:"pickup_type"`
	DropOffType       string `csv:"drop_off_type"`
	ShapeDistTraveled string `csv:"shape_dist_traveled"`
}

// Normalizes an arrival or departure time to "HHMMSS".
func parseStopTimeTime(s string) (string, error) {
	seconds, err := model.ParseOffset(strings.TrimSpace(s))
	if err != nil {
		return "", err
	}
	return model.FormatOffset(seconds), nil
}

func parseBoardingType(s string) (model.BoardingType, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return model.BoardingRegular, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < int(model.BoardingRegular) || v > int(model.BoardingCoordinateWithDriver) {
		return 0, fmt.Errorf("invalid value '%s'", s)
	}
	return model.BoardingType(v), nil
}

// Parses an optional non-negative distance. The bool is false for
// blank values.
func parseDistance(s string) (float64, bool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid distance '%s'", s)
	}
	if v < 0 {
		return 0, false, fmt.Errorf("negative distance '%s'", s)
	}
	return v, true, nil
}

// Returns max arrival and departure times seen, as "HHMMSS".
//
// Ordering of a trip's stop times isn't validated here. That happens
// per trip when the trip is resolved, so that a single broken trip
// doesn't take the feed down with it.
func ParseStopTimes(
	writer storage.FeedWriter,
	data io.Reader,
	trips map[string]bool,
	stops map[string]bool,
) (string, string, error) {

	stopSeq := map[string]map[uint32]bool{}

	maxArrival := "000000"
	maxDeparture := "000000"

	i := -1
	err := gocsv.UnmarshalToCallbackWithError(data, func(st *StopTimeCSV) error {
		i += 1
		if !trips[st.TripID] {
			return fmt.Errorf("unknown trip_id: '%s' (row %d)", st.TripID, i+1)
		}
		if st.StopID == "" {
			return fmt.Errorf("missing stop_id (row %d)", i+1)
		}
		if !stops[st.StopID] {
			return fmt.Errorf("unknown stop_id: '%s' (row %d)", st.StopID, i+1)
		}

		if stopSeq[st.TripID] == nil {
			stopSeq[st.TripID] = map[uint32]bool{}
		}
		if stopSeq[st.TripID][st.StopSequence] {
			return fmt.Errorf("duplicate stop_sequence %d for trip_id '%s'", st.StopSequence, st.TripID)
		}
		stopSeq[st.TripID][st.StopSequence] = true

		arrivalTime, err := parseStopTimeTime(st.ArrivalTime)
		if err != nil {
			return errors.Wrapf(err, "parsing arrival_time (row %d)", i+1)
		}

		departureTime, err := parseStopTimeTime(st.DepartureTime)
		if err != nil {
			return errors.Wrapf(err, "parsing departure_time (row %d)", i+1)
		}

		pickup, err := parseBoardingType(st.PickupType)
		if err != nil {
			return errors.Wrapf(err, "parsing pickup_type (row %d)", i+1)
		}
		dropOff, err := parseBoardingType(st.DropOffType)
		if err != nil {
			return errors.Wrapf(err, "parsing drop_off_type (row %d)", i+1)
		}

		dist, hasDist, err := parseDistance(st.ShapeDistTraveled)
		if err != nil {
			return errors.Wrapf(err, "parsing shape_dist_traveled (row %d)", i+1)
		}

		if arrivalTime > maxArrival {
			maxArrival = arrivalTime
		}
		if departureTime > maxDeparture {
			maxDeparture = departureTime
		}

		err = writer.WriteStopTime(&model.StopTime{
			TripID:       st.TripID,
			StopID:       st.StopID,
			StopSequence: st.StopSequence,
			Arrival:      arrivalTime,
			Departure:    departureTime,
			ShapeDist:    dist,
			HasShapeDist: hasDist,
			PickupType:   pickup,
			DropOffType:  dropOff,
		})
		if err != nil {
			return errors.Wrapf(err, "writing stop_time (row %d)", i+1)
		}

		return nil
	})

	if err != nil {
		return "", "", errors.Wrap(err, "unmarshaling stop_times csv")
	}

	return maxArrival, maxDeparture, nil
}
