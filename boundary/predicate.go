package boundary

import (
	"tidbyt.dev/gtfstrace/calendar"
	"tidbyt.dev/gtfstrace/model"
)

// Decides whether a trip runs as experienced on a day, combining
// midnight attribution with calendar exceptions.
type Predicate struct {
	calendar *calendar.Resolver
	boundary *Resolver
}

func NewPredicate(cal *calendar.Resolver, b *Resolver) *Predicate {
	return &Predicate{calendar: cal, boundary: b}
}

// A trip with no attribution doesn't run. An ambiguous trip is
// assumed to run. Otherwise the weekly pattern on the attributed
// start day decides, with a Removed exception on that exact date
// turning it off and an Added one turning it on.
func (p *Predicate) RunsOn(tripID string, day model.Day) (bool, error) {
	attribution, err := p.boundary.Attribute(tripID, day)
	if err != nil {
		return false, err
	}
	return p.runs(tripID, attribution)
}

func (p *Predicate) runs(tripID string, attribution model.Attribution) (bool, error) {
	switch attribution.Kind {
	case model.AttributionNone:
		return false, nil
	case model.AttributionAmbiguous:
		return true, nil
	}

	serviceID, err := p.boundary.ServiceID(tripID)
	if err != nil {
		return false, err
	}

	runs, err := p.calendar.Runs(serviceID, attribution.Day)
	if err != nil {
		return false, withTrip(err, tripID)
	}
	return runs, nil
}

// Start days, among the attribution's candidates, whose instance of
// the trip actually runs. An instance cancelled by a Removed exception
// is left out even when the attribution is ambiguous.
func (p *Predicate) Instances(tripID string, attribution model.Attribution) ([]model.Day, error) {
	if attribution.Kind == model.AttributionNone {
		return nil, nil
	}

	serviceID, err := p.boundary.ServiceID(tripID)
	if err != nil {
		return nil, err
	}

	starts := []model.Day{}
	for _, start := range attribution.Candidates {
		runs, err := p.calendar.Runs(serviceID, start)
		if err != nil {
			return nil, withTrip(err, tripID)
		}
		if runs {
			starts = append(starts, start)
		}
	}
	return starts, nil
}

// The full running record of the trip on day.
func (p *Predicate) Record(tripID string, day model.Day) (model.TripRunningRecord, error) {
	start, err := p.boundary.Attribute(tripID, day)
	if err != nil {
		return model.TripRunningRecord{}, err
	}

	end, err := p.boundary.AttributeEnd(tripID, start)
	if err != nil {
		return model.TripRunningRecord{}, err
	}

	runs, err := p.runs(tripID, start)
	if err != nil {
		return model.TripRunningRecord{}, err
	}

	return model.TripRunningRecord{
		Runs:  runs,
		Start: start,
		End:   end,
	}, nil
}

// Whether any trip of the service could run on day. Trips of
// services for which this is false have no attribution on day,
// whatever their stop times.
func (p *Predicate) ServiceCandidate(serviceID string, day model.Day) (bool, error) {
	for _, d := range []model.Day{day.Yesterday(), day} {
		scheduled, err := p.calendar.Scheduled(serviceID, d)
		if err != nil {
			return false, err
		}
		if scheduled {
			return true, nil
		}
	}
	return false, nil
}
