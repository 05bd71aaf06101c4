// Package boundary attributes trips to the service day they started
// on, which for trips running past midnight is not necessarily the
// calendar day being asked about.
package boundary

import (
	"errors"
	"fmt"
	"sync"

	"tidbyt.dev/gtfstrace/calendar"
	"tidbyt.dev/gtfstrace/model"
	"tidbyt.dev/gtfstrace/storage"
)

// The part of a trip the attribution depends on.
type span struct {
	serviceID string

	// First departure and last arrival, in seconds since the
	// service day's midnight.
	first int
	last  int
}

func (s span) crossesMidnight() bool {
	return s.first < model.SecondsPerDay && s.last >= model.SecondsPerDay
}

func (s span) afterMidnight() bool {
	return s.first >= model.SecondsPerDay
}

type Resolver struct {
	reader   storage.FeedReader
	calendar *calendar.Resolver

	mutex sync.Mutex
	spans map[string]span
}

func NewResolver(reader storage.FeedReader, cal *calendar.Resolver) *Resolver {
	return &Resolver{
		reader:   reader,
		calendar: cal,
		spans:    map[string]span{},
	}
}

func (r *Resolver) span(tripID string) (span, error) {
	r.mutex.Lock()
	s, found := r.spans[tripID]
	r.mutex.Unlock()
	if found {
		return s, nil
	}

	trip, err := r.reader.Trip(tripID)
	if err != nil {
		return span{}, fmt.Errorf("getting trip: %w", err)
	}

	visits, err := r.reader.TripStopVisits(tripID)
	if err != nil {
		return span{}, fmt.Errorf("getting stop times: %w", err)
	}
	if len(visits) == 0 {
		return span{}, &model.DataIntegrityError{
			TripID:    tripID,
			ServiceID: trip.ServiceID,
			Reason:    "no stop times",
		}
	}

	stopTimes := make([]*model.StopTime, 0, len(visits))
	for _, v := range visits {
		stopTimes = append(stopTimes, v.StopTime)
	}
	err = model.ValidateStopTimes(tripID, stopTimes)
	if err != nil {
		return span{}, err
	}

	_, first, _ := stopTimes[0].Offsets()
	last, _, _ := stopTimes[len(stopTimes)-1].Offsets()
	s = span{serviceID: trip.ServiceID, first: first, last: last}

	if s.first >= model.SecondsPerDay && s.last < model.SecondsPerDay {
		return span{}, &model.DataIntegrityError{
			TripID:    tripID,
			ServiceID: trip.ServiceID,
			Reason:    "departs after midnight but arrives before it",
		}
	}

	r.mutex.Lock()
	r.spans[tripID] = s
	r.mutex.Unlock()

	return s, nil
}

// Service day candidates for a trip observed on day, in
// chronological order.
func (s span) candidates(day model.Day) []model.Day {
	switch {
	case s.afterMidnight():
		return []model.Day{day.Yesterday()}
	case s.crossesMidnight():
		return []model.Day{day.Yesterday(), day}
	}
	return []model.Day{day}
}

// Attributes the trip, as observed on day, to the service day it
// started on.
//
// A trip entirely before midnight can only have started on day. A
// trip with its first departure past midnight started yesterday. A
// trip crossing midnight may have started yesterday (and be running
// into day) or on day (and be running into tomorrow). Each candidate
// is kept if the trip's service is scheduled on it. When both are,
// the attribution is Ambiguous.
func (r *Resolver) Attribute(tripID string, day model.Day) (model.Attribution, error) {
	s, err := r.span(tripID)
	if err != nil {
		return model.Attribution{}, err
	}

	kept := []model.Day{}
	for _, candidate := range s.candidates(day) {
		scheduled, err := r.calendar.Scheduled(s.serviceID, candidate)
		if err != nil {
			return model.Attribution{}, withTrip(err, tripID)
		}
		if scheduled {
			kept = append(kept, candidate)
		}
	}

	switch len(kept) {
	case 0:
		return model.NoAttribution(), nil
	case 1:
		return model.Resolved(kept[0]), nil
	}
	return model.Ambiguous(kept...), nil
}

// The day the trip ends on, given its start attribution.
func (r *Resolver) AttributeEnd(tripID string, start model.Attribution) (model.Attribution, error) {
	s, err := r.span(tripID)
	if err != nil {
		return model.Attribution{}, err
	}
	if s.last >= model.SecondsPerDay {
		return start.Shifted(s.last / model.SecondsPerDay), nil
	}
	return start, nil
}

// First departure and last arrival of the trip.
func (r *Resolver) Window(tripID string) (int, int, error) {
	s, err := r.span(tripID)
	if err != nil {
		return 0, 0, err
	}
	return s.first, s.last, nil
}

func (r *Resolver) ServiceID(tripID string) (string, error) {
	s, err := r.span(tripID)
	if err != nil {
		return "", err
	}
	return s.serviceID, nil
}

// Fills in the trip of integrity errors raised for its service.
func withTrip(err error, tripID string) error {
	var die *model.DataIntegrityError
	if errors.As(err, &die) && die.TripID == "" {
		return &model.DataIntegrityError{
			TripID:    tripID,
			ServiceID: die.ServiceID,
			Reason:    die.Reason,
		}
	}
	return err
}
