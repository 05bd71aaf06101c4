// Package trace computes per-interval position traces for trips and
// persists them, reusing stored traces across trips that share a
// shape and duration.
package trace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tidbyt.dev/gtfstrace/boundary"
	"tidbyt.dev/gtfstrace/geometry"
	"tidbyt.dev/gtfstrace/interpolate"
	"tidbyt.dev/gtfstrace/logging"
	"tidbyt.dev/gtfstrace/metrics"
	"tidbyt.dev/gtfstrace/model"
	"tidbyt.dev/gtfstrace/storage"
)

type Outcome int

const (
	// A trace was already stored for the trip.
	OutcomeExisting Outcome = iota

	// The trip doesn't run on the requested day.
	OutcomeNotRunning

	// Samples were copied from a trip with the same shape and
	// duration.
	OutcomeReused

	OutcomeInterpolated

	// The trip's geometry is degenerate. Nothing was written.
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeExisting:
		return "existing"
	case OutcomeNotRunning:
		return "not_running"
	case OutcomeReused:
		return "reused"
	case OutcomeInterpolated:
		return "interpolated"
	case OutcomeSkipped:
		return "skipped"
	}
	return "unknown"
}

// Receives every trace once it's been written.
type Publisher interface {
	Publish(ctx context.Context, trace *model.Trace) error
}

type Config struct {
	Logger    *slog.Logger
	Publisher Publisher
	Metrics   *metrics.Collector

	// Clock for ComputedAt. Defaults to time.Now.
	Now func() time.Time
}

type Cache struct {
	store        storage.TraceStore
	boundary     *boundary.Resolver
	predicate    *boundary.Predicate
	interpolator *interpolate.Interpolator
	config       Config
	logger       *slog.Logger

	// Serializes writers. Existence is checked again under it.
	writeMu sync.Mutex
}

func New(
	store storage.TraceStore,
	b *boundary.Resolver,
	p *boundary.Predicate,
	i *interpolate.Interpolator,
	config Config,
) *Cache {
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Cache{
		store:        store,
		boundary:     b,
		predicate:    p,
		interpolator: i,
		config:       config,
		logger:       logging.OrDiscard(config.Logger),
	}
}

// Makes sure a trace sampled every interval is stored for the trip,
// if it runs on day.
//
// Integrity errors in the trip's data are returned as is, for the
// caller to log and move on.
func (c *Cache) EnsureComputed(ctx context.Context, tripID string, day model.Day, interval time.Duration) (Outcome, error) {
	if interval < time.Second {
		return 0, fmt.Errorf("sample interval %s is below one second", interval)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	began := time.Now()
	outcome, err := c.ensure(ctx, tripID, day, int(interval/time.Second))
	if err != nil {
		return 0, err
	}
	c.config.Metrics.ObserveOutcome(outcome.String(), time.Since(began))
	return outcome, nil
}

func (c *Cache) exists(tripID string) (bool, error) {
	_, err := c.store.TraceHeader(tripID)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("getting trace of %s: %w", tripID, err)
}

func (c *Cache) ensure(ctx context.Context, tripID string, day model.Day, step int) (Outcome, error) {
	exists, err := c.exists(tripID)
	if err != nil {
		return 0, err
	}
	if exists {
		return OutcomeExisting, nil
	}

	runs, err := c.predicate.RunsOn(tripID, day)
	if err != nil {
		return 0, err
	}
	if !runs {
		return OutcomeNotRunning, nil
	}

	attribution, err := c.boundary.Attribute(tripID, day)
	if err != nil {
		return 0, err
	}
	starts, err := c.predicate.Instances(tripID, attribution)
	if err != nil {
		return 0, err
	}
	if len(starts) == 0 {
		return OutcomeNotRunning, nil
	}
	serviceDay := starts[0]
	for _, start := range starts {
		if start == day {
			serviceDay = day
		}
	}

	plan, err := c.interpolator.Plan(tripID)
	if errors.Is(err, geometry.ErrDegenerateGeometry) {
		c.interpolator.LogDegenerate(tripID, err)
		c.config.Metrics.ObserveSkip("degenerate")
		return OutcomeSkipped, nil
	}
	if err != nil {
		return 0, err
	}

	trace, err := c.reuse(plan, step)
	if err != nil {
		return 0, err
	}
	if trace == nil {
		trace = interpolated(plan, step)
	}
	trace.Header.ServiceDay = serviceDay.String()
	trace.Header.ComputedAt = c.config.Now().UTC()

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	written, err := c.write(trace)
	if err != nil {
		return 0, err
	}
	if !written {
		return OutcomeExisting, nil
	}

	c.logger.Debug("trace stored",
		slog.String("trip_id", tripID),
		slog.String("source", string(trace.Header.Source)),
		slog.String("service_day", trace.Header.ServiceDay),
		slog.Int("samples", len(trace.Samples)))

	if c.config.Publisher != nil {
		if err := c.config.Publisher.Publish(ctx, trace); err != nil {
			logging.LogError(c.logger, "publishing trace", err, slog.String("trip_id", tripID))
		}
	}

	if trace.Header.Source == model.TraceReused {
		return OutcomeReused, nil
	}
	return OutcomeInterpolated, nil
}

// Writes the trace unless another writer got there first.
func (c *Cache) write(trace *model.Trace) (bool, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	exists, err := c.exists(trace.Header.TripID)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	err = c.store.WriteTrace(trace)
	if err != nil {
		return false, fmt.Errorf("writing trace of %s: %w", trace.Header.TripID, err)
	}
	c.config.Metrics.AddSamples(len(trace.Samples))
	return true, nil
}

// Copies the samples of a stored trace with the plan's shape and
// duration, sampled every step seconds, shifted onto the plan's
// window. Nil if there is none.
func (c *Cache) reuse(plan *interpolate.Plan, step int) (*model.Trace, error) {
	if plan.ShapeID == "" {
		return nil, nil
	}

	source, err := c.store.FindTrace(plan.ShapeID, plan.Duration(), step)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding trace for shape %s: %w", plan.ShapeID, err)
	}

	samples, err := c.store.TraceSamples(source.TripID)
	if err != nil {
		return nil, fmt.Errorf("getting samples of %s: %w", source.TripID, err)
	}
	if len(samples) == 0 {
		return nil, nil
	}

	shift := plan.Start() - source.Start
	trace := newTrace(plan, step, model.TraceReused)
	trace.Header.SourceTripID = source.TripID
	for _, s := range samples {
		second := s.Second + shift
		trace.Samples = append(trace.Samples, sample(plan, second, geometry.Point{Lat: s.Lat, Lon: s.Lon}))
	}
	return trace, nil
}

// Samples the plan every step seconds from its start, and at its
// end.
func interpolated(plan *interpolate.Plan, step int) *model.Trace {
	trace := newTrace(plan, step, model.TraceInterpolated)

	for second := plan.Start(); ; second += step {
		if second > plan.End() {
			second = plan.End()
		}
		point, _ := plan.PositionAt(second)
		trace.Samples = append(trace.Samples, sample(plan, second, point))
		if second == plan.End() {
			break
		}
	}
	return trace
}

func newTrace(plan *interpolate.Plan, step int, source model.TraceSource) *model.Trace {
	return &model.Trace{
		Header: model.TraceHeader{
			TripID:   plan.Trip.ID,
			ShapeID:  plan.ShapeID,
			Start:    plan.Start(),
			End:      plan.End(),
			Duration: plan.Duration(),
			Interval: step,
			Source:   source,
		},
	}
}

// A sample carrying the plan's own attributes. Boarding texts are
// those of the visit the vehicle is at, or last departed from.
func sample(plan *interpolate.Plan, second int, point geometry.Point) model.PositionSample {
	s := model.PositionSample{
		TripID:   plan.Trip.ID,
		Second:   second,
		Lat:      point.Lat,
		Lon:      point.Lon,
		Mode:     plan.Route.Type.String(),
		AgencyID: plan.AgencyID,
		RouteID:  plan.Route.ID,
		ShapeID:  plan.ShapeID,
	}
	if i, ok := plan.VisitAt(second); ok {
		s.PickupText = plan.Visits[i].PickupType.String()
		s.DropOffText = plan.Visits[i].DropOffType.String()
	}
	return s
}

func (c *Cache) Samples(tripID string) ([]model.PositionSample, error) {
	samples, err := c.store.TraceSamples(tripID)
	if err != nil {
		return nil, fmt.Errorf("getting samples of %s: %w", tripID, err)
	}
	return samples, nil
}

// Samples of every stored trace at exactly second.
func (c *Cache) ActiveAt(second int) ([]model.PositionSample, error) {
	samples, err := c.store.ActiveAt(second)
	if err != nil {
		return nil, fmt.Errorf("getting samples at %d: %w", second, err)
	}
	return samples, nil
}

func (c *Cache) Headers() ([]*model.TraceHeader, error) {
	headers, err := c.store.TraceHeaders()
	if err != nil {
		return nil, fmt.Errorf("listing traces: %w", err)
	}
	return headers, nil
}
