package trace_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidbyt.dev/gtfstrace/boundary"
	"tidbyt.dev/gtfstrace/calendar"
	"tidbyt.dev/gtfstrace/interpolate"
	"tidbyt.dev/gtfstrace/metrics"
	"tidbyt.dev/gtfstrace/model"
	"tidbyt.dev/gtfstrace/testutil"
	"tidbyt.dev/gtfstrace/trace"
)

var degree = 6371000 * math.Pi / 180

func lat(m float64) string {
	return fmt.Sprintf("%.9f", m/degree)
}

// 2013-01-07 is a Monday.
var (
	mon = model.NewDay(2013, 1, 7)
	tue = model.NewDay(2013, 1, 8)
	sat = model.NewDay(2013, 1, 12)
)

var computedAt = time.Date(2013, 1, 7, 4, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mutex  sync.Mutex
	traces []*model.Trace
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, trace *model.Trace) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.traces = append(p.traces, trace)
	return p.err
}

func buildCache(t *testing.T, backend string, config trace.Config) *trace.Cache {
	feed := testutil.BuildFeed(t, backend, map[string][]string{
		"agency.txt": {
			"agency_id,agency_timezone,agency_name,agency_url",
			"ag,UTC,Agency,http://example.com",
		},
		"calendar.txt": {
			"service_id,start_date,end_date,monday,tuesday,wednesday,thursday,friday,saturday,sunday",
			"mf,20130101,20131231,1,1,1,1,1,0,0",
		},
		"routes.txt": {
			"route_id,agency_id,route_short_name,route_type",
			"bus,ag,B,3",
			"tram,ag,T,0",
		},
		"shapes.txt": {
			"shape_id,shape_pt_lat,shape_pt_lon,shape_pt_sequence",
			"line,0,0,1",
			"line," + lat(1000) + ",0,2",
			"line," + lat(2000) + ",0,3",
			"dot,0,0,1",
		},
		"stops.txt": {
			"stop_id,stop_name,stop_lat,stop_lon",
			"a,A,0,0",
			"b,B," + lat(1000) + ",0",
			"c,C," + lat(2000) + ",0",
		},
		"trips.txt": {
			"route_id,service_id,trip_id,shape_id",
			"bus,mf,first,line",
			"tram,mf,second,line",
			"bus,mf,longer,line",
			"bus,mf,cross,line",
			"bus,mf,noshape,",
			"bus,mf,dot,dot",
			"bus,mf,bad,line",
		},
		"stop_times.txt": {
			"trip_id,arrival_time,departure_time,stop_id,stop_sequence,shape_dist_traveled,pickup_type,drop_off_type",
			"first,10:00:00,10:00:00,a,1,0,0,1",
			"first,10:04:00,10:05:00,b,2,1000,0,0",
			"first,10:10:00,10:10:00,c,3,2000,1,0",
			"second,11:00:00,11:00:00,a,1,0,0,1",
			"second,11:04:00,11:05:00,b,2,1000,0,0",
			"second,11:10:00,11:10:00,c,3,2000,1,0",
			"longer,12:00:00,12:00:00,a,1,0,0,0",
			"longer,12:15:00,12:15:00,c,2,2000,0,0",
			"cross,23:50:00,23:50:00,a,1,0,0,0",
			"cross,24:10:00,24:10:00,c,2,2000,0,0",
			"noshape,10:00:00,10:00:00,a,1,,0,0",
			"noshape,10:10:00,10:10:00,c,2,,0,0",
			"dot,10:00:00,10:00:00,a,1,,0,0",
			"dot,10:10:00,10:10:00,c,2,,0,0",
			"bad,10:00:00,10:00:00,a,1,0,0,0",
			"bad,09:00:00,09:00:00,c,2,2000,0,0",
		},
	})

	if config.Now == nil {
		config.Now = func() time.Time { return computedAt }
	}

	cal := calendar.NewResolver(feed.Reader)
	b := boundary.NewResolver(feed.Reader, cal)
	p := boundary.NewPredicate(cal, b)
	i := interpolate.New(feed.Reader, b, p, interpolate.Config{})
	return trace.New(feed.Traces, b, p, i, config)
}

func meters(s model.PositionSample) float64 {
	return s.Lat * degree
}

func TestEnsureComputedInterpolates(t *testing.T) {
	for _, backend := range testutil.Backends() {
		t.Run(backend, func(t *testing.T) {
			cache := buildCache(t, backend, trace.Config{})

			outcome, err := cache.EnsureComputed(context.Background(), "first", mon, 150*time.Second)
			require.NoError(t, err)
			assert.Equal(t, trace.OutcomeInterpolated, outcome)

			samples, err := cache.Samples("first")
			require.NoError(t, err)
			require.Equal(t, 5, len(samples))

			// The last sample lands on the end of the window,
			// whatever the interval.
			for i, tc := range []struct {
				Second int
				Meters float64
			}{
				{36000, 0},
				{36150, 625},
				{36300, 1000},
				{36450, 1500},
				{36600, 2000},
			} {
				assert.Equal(t, tc.Second, samples[i].Second, "sample %d", i)
				assert.InDelta(t, tc.Meters, meters(samples[i]), 0.01, "sample %d", i)
				assert.Equal(t, "first", samples[i].TripID)
				assert.Equal(t, "Bus", samples[i].Mode)
				assert.Equal(t, "ag", samples[i].AgencyID)
				assert.Equal(t, "bus", samples[i].RouteID)
				assert.Equal(t, "line", samples[i].ShapeID)
			}

			assert.Equal(t, "Regularly scheduled", samples[0].PickupText)
			assert.Equal(t, "Not available", samples[0].DropOffText)
			assert.Equal(t, "Not available", samples[4].PickupText)

			headers, err := cache.Headers()
			require.NoError(t, err)
			require.Equal(t, 1, len(headers))
			assert.Equal(t, model.TraceHeader{
				TripID:     "first",
				ShapeID:    "line",
				ServiceDay: "20130107",
				Start:      36000,
				End:        36600,
				Duration:   600,
				Interval:   150,
				Source:     model.TraceInterpolated,
				ComputedAt: computedAt,
			}, *headers[0])
		})
	}
}

func TestEnsureComputedIsIdempotent(t *testing.T) {
	for _, backend := range testutil.Backends() {
		t.Run(backend, func(t *testing.T) {
			cache := buildCache(t, backend, trace.Config{})
			ctx := context.Background()

			outcome, err := cache.EnsureComputed(ctx, "first", mon, time.Minute)
			require.NoError(t, err)
			assert.Equal(t, trace.OutcomeInterpolated, outcome)

			before, err := cache.Samples("first")
			require.NoError(t, err)

			outcome, err = cache.EnsureComputed(ctx, "first", mon, time.Minute)
			require.NoError(t, err)
			assert.Equal(t, trace.OutcomeExisting, outcome)

			// A different day or interval still finds the trace
			outcome, err = cache.EnsureComputed(ctx, "first", tue, 10*time.Second)
			require.NoError(t, err)
			assert.Equal(t, trace.OutcomeExisting, outcome)

			after, err := cache.Samples("first")
			require.NoError(t, err)
			assert.Equal(t, before, after)
		})
	}
}

func TestEnsureComputedNotRunning(t *testing.T) {
	cache := buildCache(t, "memory", trace.Config{})

	outcome, err := cache.EnsureComputed(context.Background(), "first", sat, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, trace.OutcomeNotRunning, outcome)

	headers, err := cache.Headers()
	require.NoError(t, err)
	assert.Equal(t, 0, len(headers))
}

func TestEnsureComputedReuses(t *testing.T) {
	for _, backend := range testutil.Backends() {
		t.Run(backend, func(t *testing.T) {
			cache := buildCache(t, backend, trace.Config{})
			ctx := context.Background()

			outcome, err := cache.EnsureComputed(ctx, "first", mon, 150*time.Second)
			require.NoError(t, err)
			assert.Equal(t, trace.OutcomeInterpolated, outcome)

			// Same shape, same duration, an hour later
			outcome, err = cache.EnsureComputed(ctx, "second", mon, 150*time.Second)
			require.NoError(t, err)
			assert.Equal(t, trace.OutcomeReused, outcome)

			first, err := cache.Samples("first")
			require.NoError(t, err)
			second, err := cache.Samples("second")
			require.NoError(t, err)
			require.Equal(t, len(first), len(second))

			for i := range first {
				assert.Equal(t, first[i].Second+3600, second[i].Second)
				assert.Equal(t, first[i].Lat, second[i].Lat)
				assert.Equal(t, first[i].Lon, second[i].Lon)

				// Attributes are the new trip's own
				assert.Equal(t, "second", second[i].TripID)
				assert.Equal(t, "tram", second[i].RouteID)
				assert.Equal(t, "Tram", second[i].Mode)
			}

			headers, err := cache.Headers()
			require.NoError(t, err)
			require.Equal(t, 2, len(headers))
			assert.Equal(t, "second", headers[1].TripID)
			assert.Equal(t, model.TraceReused, headers[1].Source)
			assert.Equal(t, "first", headers[1].SourceTripID)
			assert.Equal(t, 39600, headers[1].Start)
			assert.Equal(t, 150, headers[1].Interval)

			// Same shape, different duration: computed afresh
			outcome, err = cache.EnsureComputed(ctx, "longer", mon, 150*time.Second)
			require.NoError(t, err)
			assert.Equal(t, trace.OutcomeInterpolated, outcome)

			// No shape, never reused
			outcome, err = cache.EnsureComputed(ctx, "noshape", mon, 150*time.Second)
			require.NoError(t, err)
			assert.Equal(t, trace.OutcomeInterpolated, outcome)
		})
	}
}

// A trace sampled at another interval is no template: the new trip
// gets its own samples at the interval asked for.
func TestEnsureComputedReuseNeedsSameInterval(t *testing.T) {
	for _, backend := range testutil.Backends() {
		t.Run(backend, func(t *testing.T) {
			cache := buildCache(t, backend, trace.Config{})
			ctx := context.Background()

			outcome, err := cache.EnsureComputed(ctx, "first", mon, time.Minute)
			require.NoError(t, err)
			assert.Equal(t, trace.OutcomeInterpolated, outcome)

			outcome, err = cache.EnsureComputed(ctx, "second", mon, time.Second)
			require.NoError(t, err)
			assert.Equal(t, trace.OutcomeInterpolated, outcome)

			first, err := cache.Samples("first")
			require.NoError(t, err)
			assert.Equal(t, 11, len(first))

			second, err := cache.Samples("second")
			require.NoError(t, err)
			assert.Equal(t, 601, len(second))

			headers, err := cache.Headers()
			require.NoError(t, err)
			require.Equal(t, 2, len(headers))
			assert.Equal(t, 60, headers[0].Interval)
			assert.Equal(t, 1, headers[1].Interval)
			assert.Equal(t, model.TraceInterpolated, headers[1].Source)
		})
	}
}

func TestEnsureComputedServiceDay(t *testing.T) {
	for _, tc := range []struct {
		Day        model.Day
		ServiceDay string
		Msg        string
	}{
		{mon, "20130107", "monday's own trip"},
		{tue, "20130108", "ambiguous, tuesday is a candidate"},
		{sat, "20130111", "friday's trip running into saturday"},
	} {
		cache := buildCache(t, "memory", trace.Config{})

		outcome, err := cache.EnsureComputed(context.Background(), "cross", tc.Day, time.Minute)
		require.NoError(t, err, tc.Msg)
		assert.Equal(t, trace.OutcomeInterpolated, outcome, tc.Msg)

		headers, err := cache.Headers()
		require.NoError(t, err)
		require.Equal(t, 1, len(headers), tc.Msg)
		assert.Equal(t, tc.ServiceDay, headers[0].ServiceDay, tc.Msg)
		assert.Equal(t, 85800, headers[0].Start, tc.Msg)
		assert.Equal(t, 87000, headers[0].End, tc.Msg)
	}
}

func TestEnsureComputedSkipsAndFails(t *testing.T) {
	m := metrics.NewCollector()
	cache := buildCache(t, "memory", trace.Config{Metrics: m})
	ctx := context.Background()

	outcome, err := cache.EnsureComputed(ctx, "dot", mon, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, trace.OutcomeSkipped, outcome)
	assert.Equal(t, 1.0, promtest.ToFloat64(m.Skipped.WithLabelValues("degenerate")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.Outcomes.WithLabelValues("skipped")))

	_, err = cache.EnsureComputed(ctx, "bad", mon, time.Minute)
	assert.True(t, model.IsDataIntegrity(err))

	_, err = cache.EnsureComputed(ctx, "first", mon, 500*time.Millisecond)
	assert.Error(t, err)

	_, err = cache.EnsureComputed(ctx, "unknown", mon, time.Minute)
	assert.Error(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = cache.EnsureComputed(cancelled, "first", mon, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)

	headers, err := cache.Headers()
	require.NoError(t, err)
	assert.Equal(t, 0, len(headers))
}

func TestEnsureComputedPublishes(t *testing.T) {
	m := metrics.NewCollector()
	pub := &recordingPublisher{err: errors.New("sink down")}
	cache := buildCache(t, "memory", trace.Config{Publisher: pub, Metrics: m})
	ctx := context.Background()

	// Publish failures are logged, not returned
	outcome, err := cache.EnsureComputed(ctx, "first", mon, 150*time.Second)
	require.NoError(t, err)
	assert.Equal(t, trace.OutcomeInterpolated, outcome)

	outcome, err = cache.EnsureComputed(ctx, "first", mon, 150*time.Second)
	require.NoError(t, err)
	assert.Equal(t, trace.OutcomeExisting, outcome)

	outcome, err = cache.EnsureComputed(ctx, "first", sat, 150*time.Second)
	require.NoError(t, err)
	assert.Equal(t, trace.OutcomeExisting, outcome)

	require.Equal(t, 1, len(pub.traces))
	assert.Equal(t, "first", pub.traces[0].Header.TripID)
	assert.Equal(t, 5, len(pub.traces[0].Samples))

	assert.Equal(t, 5.0, promtest.ToFloat64(m.SamplesWritten))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.Outcomes.WithLabelValues("interpolated")))
	assert.Equal(t, 2.0, promtest.ToFloat64(m.Outcomes.WithLabelValues("existing")))
}

func TestEnsureComputedConcurrently(t *testing.T) {
	for _, backend := range testutil.Backends() {
		t.Run(backend, func(t *testing.T) {
			cache := buildCache(t, backend, trace.Config{})

			outcomes := make([]trace.Outcome, 8)
			errs := make([]error, 8)
			wg := sync.WaitGroup{}
			for i := range outcomes {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					outcomes[i], errs[i] = cache.EnsureComputed(context.Background(), "first", mon, time.Minute)
				}(i)
			}
			wg.Wait()

			computed := 0
			for i := range outcomes {
				require.NoError(t, errs[i])
				if outcomes[i] == trace.OutcomeInterpolated {
					computed++
				} else {
					assert.Equal(t, trace.OutcomeExisting, outcomes[i])
				}
			}
			assert.Equal(t, 1, computed)

			samples, err := cache.Samples("first")
			require.NoError(t, err)
			assert.Equal(t, 11, len(samples))
		})
	}
}

func TestActiveAt(t *testing.T) {
	cache := buildCache(t, "memory", trace.Config{})
	ctx := context.Background()

	for _, trip := range []string{"first", "noshape"} {
		_, err := cache.EnsureComputed(ctx, trip, mon, 150*time.Second)
		require.NoError(t, err)
	}

	active, err := cache.ActiveAt(36150)
	require.NoError(t, err)
	require.Equal(t, 2, len(active))
	assert.Equal(t, "first", active[0].TripID)
	assert.Equal(t, "noshape", active[1].TripID)

	active, err = cache.ActiveAt(36151)
	require.NoError(t, err)
	assert.Equal(t, 0, len(active))
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "existing", trace.OutcomeExisting.String())
	assert.Equal(t, "not_running", trace.OutcomeNotRunning.String())
	assert.Equal(t, "reused", trace.OutcomeReused.String())
	assert.Equal(t, "interpolated", trace.OutcomeInterpolated.String())
	assert.Equal(t, "skipped", trace.OutcomeSkipped.String())
	assert.Equal(t, "unknown", trace.Outcome(42).String())
}
