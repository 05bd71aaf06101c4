package model

import (
	"fmt"
	"strings"
)

type AttributionKind int

const (
	// The trip's schedule touches neither the day nor its
	// neighbours.
	AttributionNone AttributionKind = iota

	// Exactly one day is consistent with the schedule.
	AttributionResolved

	// More than one day is consistent with the schedule and
	// nothing in the data tells them apart.
	AttributionAmbiguous
)

func (k AttributionKind) String() string {
	switch k {
	case AttributionNone:
		return "none"
	case AttributionResolved:
		return "resolved"
	case AttributionAmbiguous:
		return "ambiguous"
	}
	return "unknown"
}

// Outcome of attributing a trip to a calendar day. Day is only set
// for resolved attributions. Candidates holds every consistent day in
// chronological order, for resolved as well as ambiguous outcomes.
type Attribution struct {
	Kind       AttributionKind
	Day        Day
	Candidates []Day
}

func NoAttribution() Attribution {
	return Attribution{Kind: AttributionNone}
}

func Resolved(d Day) Attribution {
	return Attribution{Kind: AttributionResolved, Day: d, Candidates: []Day{d}}
}

func Ambiguous(candidates ...Day) Attribution {
	return Attribution{Kind: AttributionAmbiguous, Candidates: candidates}
}

func (a Attribution) IsNone() bool      { return a.Kind == AttributionNone }
func (a Attribution) IsResolved() bool  { return a.Kind == AttributionResolved }
func (a Attribution) IsAmbiguous() bool { return a.Kind == AttributionAmbiguous }

// Shifts every day of the attribution.
func (a Attribution) Shifted(delta int) Attribution {
	out := Attribution{Kind: a.Kind}
	if a.Kind == AttributionResolved {
		out.Day = a.Day.Shifted(delta)
	}
	for _, c := range a.Candidates {
		out.Candidates = append(out.Candidates, c.Shifted(delta))
	}
	return out
}

func (a Attribution) String() string {
	switch a.Kind {
	case AttributionResolved:
		return a.Day.String()
	case AttributionAmbiguous:
		days := make([]string, 0, len(a.Candidates))
		for _, c := range a.Candidates {
			days = append(days, c.String())
		}
		return fmt.Sprintf("ambiguous(%s)", strings.Join(days, ","))
	}
	return "none"
}

type TripRunningRecord struct {
	Runs  bool
	Start Attribution
	End   Attribution
}
