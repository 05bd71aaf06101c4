package gtfstrace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"tidbyt.dev/gtfstrace/boundary"
	"tidbyt.dev/gtfstrace/calendar"
	"tidbyt.dev/gtfstrace/geometry"
	"tidbyt.dev/gtfstrace/interpolate"
	"tidbyt.dev/gtfstrace/logging"
	"tidbyt.dev/gtfstrace/metrics"
	"tidbyt.dev/gtfstrace/model"
	"tidbyt.dev/gtfstrace/storage"
	"tidbyt.dev/gtfstrace/trace"
)

type ScheduleConfig struct {
	Logger      *slog.Logger
	Multipliers interpolate.Multipliers
	Publisher   trace.Publisher
	Metrics     *metrics.Collector

	// Clock for trace timestamps. Defaults to time.Now.
	Now func() time.Time
}

// A loaded static feed, answering when its trips run and where their
// vehicles are.
type Schedule struct {
	Metadata *storage.FeedMetadata
	Reader   storage.FeedReader
	Traces   storage.TraceStore

	calendar     *calendar.Resolver
	boundary     *boundary.Resolver
	predicate    *boundary.Predicate
	interpolator *interpolate.Interpolator
	cache        *trace.Cache
	logger       *slog.Logger
}

func NewSchedule(
	reader storage.FeedReader,
	traces storage.TraceStore,
	metadata *storage.FeedMetadata,
	config ScheduleConfig,
) *Schedule {
	logger := logging.OrDiscard(config.Logger)

	cal := calendar.NewResolver(reader)
	b := boundary.NewResolver(reader, cal)
	p := boundary.NewPredicate(cal, b)
	i := interpolate.New(reader, b, p, interpolate.Config{
		Multipliers: config.Multipliers,
		Logger:      logger,
	})
	c := trace.New(traces, b, p, i, trace.Config{
		Logger:    logger,
		Publisher: config.Publisher,
		Metrics:   config.Metrics,
		Now:       config.Now,
	})

	return &Schedule{
		Metadata:     metadata,
		Reader:       reader,
		Traces:       traces,
		calendar:     cal,
		boundary:     b,
		predicate:    p,
		interpolator: i,
		cache:        c,
		logger:       logger,
	}
}

// Timezone of the feed's agencies.
func (s *Schedule) Location() (*time.Location, error) {
	location, err := time.LoadLocation(s.Metadata.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone: %w", err)
	}
	return location, nil
}

// Whether the trip runs on day, accounting for trips that start the
// day before and run past midnight.
func (s *Schedule) RunsOn(tripID string, day model.Day) (bool, error) {
	return s.predicate.RunsOn(tripID, day)
}

// The day the trip, as observed on day, started on.
func (s *Schedule) AttributedStartDay(tripID string, day model.Day) (model.Attribution, error) {
	return s.boundary.Attribute(tripID, day)
}

// Services running on day, exceptions applied. Unlike RunsOn this
// knows nothing of trips running past midnight.
func (s *Schedule) ActiveServices(day model.Day) ([]string, error) {
	return s.calendar.ActiveServices(day)
}

func (s *Schedule) Record(tripID string, day model.Day) (model.TripRunningRecord, error) {
	return s.predicate.Record(tripID, day)
}

// Where the vehicle serving the trip is at timeOfDay past midnight
// of day. False if it isn't under way then.
func (s *Schedule) PositionAt(tripID string, day model.Day, timeOfDay time.Duration) (geometry.Point, bool, error) {
	return s.interpolator.PositionAt(tripID, day, timeOfDay)
}

func (s *Schedule) EnsureComputed(ctx context.Context, tripID string, day model.Day, interval time.Duration) (trace.Outcome, error) {
	return s.cache.EnsureComputed(ctx, tripID, day, interval)
}

// Time from the trip's first departure to its last arrival.
func (s *Schedule) TripDuration(tripID string) (time.Duration, error) {
	first, last, err := s.boundary.Window(tripID)
	if err != nil {
		return 0, err
	}
	return time.Duration(last-first) * time.Second, nil
}

// Average speed in km/h along the trip's line, dwell times
// included.
func (s *Schedule) TripSpeed(tripID string) (float64, error) {
	plan, err := s.interpolator.Plan(tripID)
	if err != nil {
		return 0, err
	}
	return plan.SpeedKmh(), nil
}

func (s *Schedule) Samples(tripID string) ([]model.PositionSample, error) {
	return s.cache.Samples(tripID)
}

// Stored samples at exactly second, i.e. the vehicles known to be
// under way then.
func (s *Schedule) ActiveAt(second int) ([]model.PositionSample, error) {
	return s.cache.ActiveAt(second)
}

func (s *Schedule) TraceHeaders() ([]*model.TraceHeader, error) {
	return s.cache.Headers()
}

// Every service ID mentioned in calendar.txt or calendar_dates.txt,
// sorted.
func (s *Schedule) services() ([]string, error) {
	seen := map[string]bool{}

	calendars, err := s.Reader.Calendars()
	if err != nil {
		return nil, fmt.Errorf("getting calendars: %w", err)
	}
	for _, c := range calendars {
		seen[c.ServiceID] = true
	}

	calendarDates, err := s.Reader.CalendarDates()
	if err != nil {
		return nil, fmt.Errorf("getting calendar dates: %w", err)
	}
	for _, cd := range calendarDates {
		seen[cd.ServiceID] = true
	}

	services := make([]string, 0, len(seen))
	for id := range seen {
		services = append(services, id)
	}
	sort.Strings(services)
	return services, nil
}

// Trips that may run on day, ordered by trip ID: those of services
// scheduled on day or the day before. Services with conflicting
// exceptions are included, so that callers get to see the error.
func (s *Schedule) CandidateTrips(day model.Day) ([]*model.Trip, error) {
	services, err := s.services()
	if err != nil {
		return nil, err
	}

	candidates := []string{}
	for _, serviceID := range services {
		ok, err := s.predicate.ServiceCandidate(serviceID, day)
		if err != nil && !model.IsDataIntegrity(err) {
			return nil, err
		}
		if ok || err != nil {
			candidates = append(candidates, serviceID)
		}
	}
	if len(candidates) == 0 {
		return []*model.Trip{}, nil
	}

	trips, err := s.Reader.TripsForServices(candidates)
	if err != nil {
		return nil, fmt.Errorf("getting trips: %w", err)
	}
	return trips, nil
}

// Trips running on day, ordered by trip ID. Trips with broken data
// are logged and left out.
func (s *Schedule) TripsOn(day model.Day) ([]*model.Trip, error) {
	candidates, err := s.CandidateTrips(day)
	if err != nil {
		return nil, err
	}

	trips := []*model.Trip{}
	for _, trip := range candidates {
		runs, err := s.RunsOn(trip.ID, day)
		if err != nil {
			var die *model.DataIntegrityError
			if errors.As(err, &die) {
				logging.LogError(s.logger, "skipping trip", err, slog.String("trip_id", trip.ID))
				continue
			}
			return nil, err
		}
		if runs {
			trips = append(trips, trip)
		}
	}
	return trips, nil
}
