package model

import (
	"errors"
	"fmt"
)

// Data violating an invariant the schedule relies on, e.g. both an
// Added and a Removed exception for the same service and date, or
// stop times running backwards. Fatal for the affected trip only.
type DataIntegrityError struct {
	TripID    string
	ServiceID string
	Reason    string
}

func (e *DataIntegrityError) Error() string {
	switch {
	case e.TripID != "" && e.ServiceID != "":
		return fmt.Sprintf("data integrity: trip %s (service %s): %s", e.TripID, e.ServiceID, e.Reason)
	case e.TripID != "":
		return fmt.Sprintf("data integrity: trip %s: %s", e.TripID, e.Reason)
	case e.ServiceID != "":
		return fmt.Sprintf("data integrity: service %s: %s", e.ServiceID, e.Reason)
	}
	return fmt.Sprintf("data integrity: %s", e.Reason)
}

func IsDataIntegrity(err error) bool {
	var die *DataIntegrityError
	return errors.As(err, &die)
}

// Checks that stop_sequence is strictly increasing and that offsets
// and shape distances never decrease. stopTimes must be ordered by
// stop_sequence.
func ValidateStopTimes(tripID string, stopTimes []*StopTime) error {
	prevDeparture := -1
	prevDist := -1.0
	for i, st := range stopTimes {
		if i > 0 && st.StopSequence <= stopTimes[i-1].StopSequence {
			return &DataIntegrityError{
				TripID: tripID,
				Reason: fmt.Sprintf("stop_sequence %d follows %d", st.StopSequence, stopTimes[i-1].StopSequence),
			}
		}

		arrival, departure, err := st.Offsets()
		if err != nil {
			return fmt.Errorf("trip %s stop_sequence %d: %w", tripID, st.StopSequence, err)
		}
		if departure < arrival {
			return &DataIntegrityError{
				TripID: tripID,
				Reason: fmt.Sprintf("departure before arrival at stop_sequence %d", st.StopSequence),
			}
		}
		if arrival < prevDeparture {
			return &DataIntegrityError{
				TripID: tripID,
				Reason: fmt.Sprintf("arrival at stop_sequence %d precedes previous departure", st.StopSequence),
			}
		}
		prevDeparture = departure

		if st.HasShapeDist {
			if st.ShapeDist < prevDist {
				return &DataIntegrityError{
					TripID: tripID,
					Reason: fmt.Sprintf("shape_dist_traveled decreases at stop_sequence %d", st.StopSequence),
				}
			}
			prevDist = st.ShapeDist
		}
	}
	return nil
}
