package interpolate

import (
	"fmt"
	"sort"

	"tidbyt.dev/gtfstrace/geometry"
	"tidbyt.dev/gtfstrace/model"
)

// A stop visit along a planned trip. Loop routes visit the same stop
// more than once; every visit gets its own entry.
type Visit struct {
	StopID      string
	Sequence    uint32
	Arrival     int
	Departure   int
	Distance    float64
	Point       geometry.Point
	PickupType  model.BoardingType
	DropOffType model.BoardingType
}

// A trip prepared for position queries: stops are placed along the
// line and the line is cut once into one piece per hop.
type Plan struct {
	Trip     *model.Trip
	Route    *model.Route
	AgencyID string

	// Set when the line is the trip's shape. Trips without a shape
	// run along the polyline through their stops.
	ShapeID string

	// Shape length per unit of shape_dist_traveled, after the
	// agency multiplier. Zero if stops were snapped to the line.
	Scale float64

	Visits []Visit

	line     *geometry.Polyline
	segments []*geometry.Polyline
}

func newPlan(line *geometry.Polyline, visits []Visit) (*Plan, error) {
	breakpoints := make([]float64, len(visits))
	for i := range visits {
		breakpoints[i] = visits[i].Distance
		visits[i].Point = line.PointAtDistance(visits[i].Distance)
	}

	segments, err := line.Subdivide(breakpoints)
	if err != nil {
		return nil, fmt.Errorf("cutting line: %w", err)
	}

	return &Plan{
		Visits:   visits,
		line:     line,
		segments: segments,
	}, nil
}

// First arrival, in seconds since midnight of the service day.
func (p *Plan) Start() int {
	return p.Visits[0].Arrival
}

// Last departure, in seconds since midnight of the service day.
func (p *Plan) End() int {
	return p.Visits[len(p.Visits)-1].Departure
}

func (p *Plan) Duration() int {
	return p.End() - p.Start()
}

// Length of the line in meters.
func (p *Plan) Length() float64 {
	return p.line.Length()
}

// Average speed over the whole trip, dwell times included.
func (p *Plan) SpeedKmh() float64 {
	if p.Duration() <= 0 {
		return 0
	}
	return p.Length() / 1000 / (float64(p.Duration()) / 3600)
}

func (p *Plan) StopPoint(i int) geometry.Point {
	return p.Visits[i].Point
}

// Index of the visit the vehicle is at or most recently departed at
// second. False outside the trip's window.
func (p *Plan) VisitAt(second int) (int, bool) {
	if second < p.Start() || second > p.End() {
		return 0, false
	}

	i := sort.Search(len(p.Visits), func(i int) bool {
		return p.Visits[i].Departure >= second
	})
	if p.Visits[i].Arrival <= second {
		return i, true
	}
	return i - 1, true
}

// Position at second, where second is relative to midnight of the
// service day. False outside the trip's window.
func (p *Plan) PositionAt(second int) (geometry.Point, bool) {
	if second < p.Start() || second > p.End() {
		return geometry.Point{}, false
	}

	// The first visit not yet departed from. Since second is
	// within the window, there is one.
	i := sort.Search(len(p.Visits), func(i int) bool {
		return p.Visits[i].Departure >= second
	})

	// Dwelling
	if p.Visits[i].Arrival <= second {
		return p.Visits[i].Point, true
	}

	// Between visit i-1 and i
	from, to := p.Visits[i-1], p.Visits[i]
	fraction := 0.0
	if travel := to.Arrival - from.Departure; travel > 0 {
		fraction = float64(second-from.Departure) / float64(travel)
	}
	return p.segments[i-1].PointAtFraction(fraction), true
}
