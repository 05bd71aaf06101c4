// Package interpolate places vehicles along their route at arbitrary
// instants, interpolating between scheduled stop times.
package interpolate

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tidbyt.dev/gtfstrace/boundary"
	"tidbyt.dev/gtfstrace/geometry"
	"tidbyt.dev/gtfstrace/logging"
	"tidbyt.dev/gtfstrace/model"
	"tidbyt.dev/gtfstrace/storage"
)

// Factors applied to shape_dist_traveled before comparing it with
// the shape's length, per agency. Zero values mean 1.
type Multipliers struct {
	Default  float64
	ByAgency map[string]float64
}

func (m Multipliers) For(agencyID string) float64 {
	if v, found := m.ByAgency[agencyID]; found && v > 0 {
		return v
	}
	if m.Default > 0 {
		return m.Default
	}
	return 1
}

type Config struct {
	Multipliers Multipliers
	Logger      *slog.Logger
}

type Interpolator struct {
	reader    storage.FeedReader
	boundary  *boundary.Resolver
	predicate *boundary.Predicate
	config    Config
	logger    *slog.Logger

	mutex      sync.Mutex
	shapes     map[string]*geometry.Polyline
	degenerate map[string]bool
	agencyID   string
}

func New(
	reader storage.FeedReader,
	b *boundary.Resolver,
	p *boundary.Predicate,
	config Config,
) *Interpolator {
	return &Interpolator{
		reader:     reader,
		boundary:   b,
		predicate:  p,
		config:     config,
		logger:     logging.OrDiscard(config.Logger),
		shapes:     map[string]*geometry.Polyline{},
		degenerate: map[string]bool{},
	}
}

func (i *Interpolator) shape(shapeID string) (*geometry.Polyline, error) {
	i.mutex.Lock()
	line, found := i.shapes[shapeID]
	i.mutex.Unlock()
	if found {
		return line, nil
	}

	points, err := i.reader.ShapePoints(shapeID)
	if err != nil {
		return nil, fmt.Errorf("getting shape %s: %w", shapeID, err)
	}

	coords := make([]geometry.Point, 0, len(points))
	for _, p := range points {
		coords = append(coords, geometry.Point{Lat: p.Lat, Lon: p.Lon})
	}

	line, err = geometry.NewPolyline(coords)
	if err != nil {
		return nil, fmt.Errorf("shape %s: %w", shapeID, err)
	}

	i.mutex.Lock()
	i.shapes[shapeID] = line
	i.mutex.Unlock()

	return line, nil
}

// Routes may leave agency_id blank when the feed has a single
// agency.
func (i *Interpolator) agency(route *model.Route) (string, error) {
	if route.AgencyID != "" {
		return route.AgencyID, nil
	}

	i.mutex.Lock()
	defer i.mutex.Unlock()
	if i.agencyID != "" {
		return i.agencyID, nil
	}

	agencies, err := i.reader.Agencies()
	if err != nil {
		return "", fmt.Errorf("getting agencies: %w", err)
	}
	if len(agencies) == 1 {
		i.agencyID = agencies[0].ID
	}
	return i.agencyID, nil
}

// Loads and prepares a trip for position queries.
func (i *Interpolator) Plan(tripID string) (*Plan, error) {
	trip, err := i.reader.Trip(tripID)
	if err != nil {
		return nil, fmt.Errorf("getting trip: %w", err)
	}

	route, err := i.reader.Route(trip.RouteID)
	if err != nil {
		return nil, fmt.Errorf("getting route of trip %s: %w", tripID, err)
	}

	agencyID, err := i.agency(route)
	if err != nil {
		return nil, err
	}

	stopVisits, err := i.reader.TripStopVisits(tripID)
	if err != nil {
		return nil, fmt.Errorf("getting stop times: %w", err)
	}
	if len(stopVisits) < 2 {
		return nil, fmt.Errorf("trip %s has %d stop(s): %w", tripID, len(stopVisits), geometry.ErrDegenerateGeometry)
	}

	stopTimes := make([]*model.StopTime, 0, len(stopVisits))
	for _, v := range stopVisits {
		stopTimes = append(stopTimes, v.StopTime)
	}
	err = model.ValidateStopTimes(tripID, stopTimes)
	if err != nil {
		return nil, err
	}

	visits := make([]Visit, 0, len(stopVisits))
	for _, v := range stopVisits {
		arrival, departure, _ := v.StopTime.Offsets()
		visits = append(visits, Visit{
			StopID:      v.Stop.ID,
			Sequence:    v.StopTime.StopSequence,
			Arrival:     arrival,
			Departure:   departure,
			Point:       geometry.Point{Lat: v.Stop.Lat, Lon: v.Stop.Lon},
			PickupType:  v.StopTime.PickupType,
			DropOffType: v.StopTime.DropOffType,
		})
	}

	var line *geometry.Polyline
	scale := 0.0

	if trip.ShapeID == "" {
		line, err = alongStops(visits)
		if err != nil {
			return nil, fmt.Errorf("trip %s: %w", tripID, err)
		}
	} else {
		line, err = i.shape(trip.ShapeID)
		if err != nil {
			return nil, err
		}
		scale = placeByDistance(line, stopTimes, visits, i.config.Multipliers.For(agencyID))
		if scale == 0 {
			snap(line, visits)
		}
	}

	plan, err := newPlan(line, visits)
	if err != nil {
		return nil, fmt.Errorf("trip %s: %w", tripID, err)
	}
	plan.Trip = trip
	plan.Route = route
	plan.AgencyID = agencyID
	plan.ShapeID = trip.ShapeID
	plan.Scale = scale

	return plan, nil
}

// The line through the trip's stops, with every stop at its own
// vertex.
func alongStops(visits []Visit) (*geometry.Polyline, error) {
	points := make([]geometry.Point, 0, len(visits))
	for _, v := range visits {
		points = append(points, v.Point)
	}
	line, err := geometry.NewPolyline(points)
	if err != nil {
		return nil, err
	}

	distance := 0.0
	for j := range visits {
		if j > 0 {
			distance += geometry.Haversine(visits[j-1].Point, visits[j].Point)
		}
		visits[j].Distance = distance
	}
	return line, nil
}

// Places stops along the line using shape_dist_traveled, scaled so
// that the last known distance lands on the end of the line. Stops
// without a distance take the next known one. Returns the scale, or
// 0 if the trip carries no usable distances.
func placeByDistance(line *geometry.Polyline, stopTimes []*model.StopTime, visits []Visit, multiplier float64) float64 {
	nominal := 0.0
	for _, st := range stopTimes {
		if st.HasShapeDist {
			nominal = st.ShapeDist
		}
	}
	if nominal <= 0 {
		return 0
	}

	scale := line.Length() / (nominal * multiplier)

	next := line.Length()
	for j := len(stopTimes) - 1; j >= 0; j-- {
		if stopTimes[j].HasShapeDist {
			next = min(stopTimes[j].ShapeDist*multiplier*scale, line.Length())
		}
		visits[j].Distance = next
	}

	return scale
}

// Snaps every stop to the closest point of the line, never behind
// the previous stop.
func snap(line *geometry.Polyline, visits []Visit) {
	floor := 0.0
	for j := range visits {
		floor = line.ProjectFrom(visits[j].Point, floor)
		visits[j].Distance = floor
	}
}

// Logs degenerate geometry the first time it's seen for the trip's
// shape, or for the trip itself if it has no shape.
func (i *Interpolator) LogDegenerate(tripID string, err error) {
	shapeID := ""
	if trip, tripErr := i.reader.Trip(tripID); tripErr == nil {
		shapeID = trip.ShapeID
	}

	key := "shape:" + shapeID
	if shapeID == "" {
		key = "trip:" + tripID
	}

	i.mutex.Lock()
	seen := i.degenerate[key]
	i.degenerate[key] = true
	i.mutex.Unlock()

	if !seen {
		i.logger.Warn("degenerate geometry",
			slog.String("trip_id", tripID),
			slog.String("shape_id", shapeID),
			slog.String("error", err.Error()))
	}
}

// Position of the vehicle serving the trip, at timeOfDay after
// midnight of day. False if the trip doesn't run on day or isn't
// under way at that instant.
//
// Ambiguous trips are tried against each candidate start day in
// order, skipping cancelled instances. The first one with the trip
// under way wins.
func (i *Interpolator) PositionAt(tripID string, day model.Day, timeOfDay time.Duration) (geometry.Point, bool, error) {
	runs, err := i.predicate.RunsOn(tripID, day)
	if err != nil {
		return geometry.Point{}, false, err
	}
	if !runs {
		return geometry.Point{}, false, nil
	}

	attribution, err := i.boundary.Attribute(tripID, day)
	if err != nil {
		return geometry.Point{}, false, err
	}

	starts, err := i.predicate.Instances(tripID, attribution)
	if err != nil {
		return geometry.Point{}, false, err
	}
	if len(starts) == 0 {
		return geometry.Point{}, false, nil
	}

	plan, err := i.Plan(tripID)
	if errors.Is(err, geometry.ErrDegenerateGeometry) {
		i.LogDegenerate(tripID, err)
		return geometry.Point{}, false, nil
	}
	if err != nil {
		return geometry.Point{}, false, err
	}

	for _, start := range starts {
		second := int(timeOfDay/time.Second) + day.DaysSince(start)*model.SecondsPerDay
		if p, ok := plan.PositionAt(second); ok {
			return p, true, nil
		}
	}

	return geometry.Point{}, false, nil
}
