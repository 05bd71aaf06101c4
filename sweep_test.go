package gtfstrace_test

import (
	"context"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidbyt.dev/gtfstrace"
	"tidbyt.dev/gtfstrace/metrics"
	"tidbyt.dev/gtfstrace/model"
	"tidbyt.dev/gtfstrace/testutil"
	"tidbyt.dev/gtfstrace/trace"
)

func sampleCounts(t *testing.T, s *gtfstrace.Schedule) map[string]int {
	headers, err := s.TraceHeaders()
	require.NoError(t, err)

	counts := map[string]int{}
	for _, h := range headers {
		samples, err := s.Samples(h.TripID)
		require.NoError(t, err)
		counts[h.TripID] = len(samples)
	}
	return counts
}

func TestSweep(t *testing.T) {
	for _, backend := range testutil.Backends() {
		t.Run(backend, func(t *testing.T) {
			s := testutil.BuildSchedule(t, backend, scheduleFiles())
			m := metrics.NewCollector()

			// A single worker keeps reuse deterministic: cross
			// is computed before morning.
			sweeper := &gtfstrace.Sweeper{
				Schedule: s,
				Workers:  1,
				Interval: time.Minute,
				Metrics:  m,
			}

			result, err := sweeper.Run(context.Background(), mon)
			require.NoError(t, err)

			assert.NotEmpty(t, result.RunID)
			assert.Equal(t, 5, result.Total)
			assert.Equal(t, 5, result.NextIndex)
			assert.False(t, result.Stopped)
			assert.Equal(t, 1, result.Failed)
			assert.Equal(t, map[trace.Outcome]int{
				trace.OutcomeInterpolated: 2,
				trace.OutcomeReused:       1,
				trace.OutcomeNotRunning:   1,
			}, result.Outcomes)

			assert.Equal(t, map[string]int{
				"cross":   21,
				"dated":   11,
				"morning": 21,
			}, sampleCounts(t, s))

			assert.Equal(t, 1.0, promtest.ToFloat64(m.Skipped.WithLabelValues("integrity")))
			assert.Equal(t, 5.0, promtest.ToFloat64(m.SweepNextIndex))
		})
	}
}

func TestSweepResume(t *testing.T) {
	for _, backend := range testutil.Backends() {
		t.Run(backend, func(t *testing.T) {
			s := testutil.BuildSchedule(t, backend, scheduleFiles())
			ctx := context.Background()

			// Past the deadline, nothing is taken on
			now := time.Date(2013, 1, 7, 22, 0, 0, 0, time.UTC)
			sweeper := &gtfstrace.Sweeper{
				Schedule:   s,
				Workers:    2,
				Interval:   time.Minute,
				StartIndex: 2,
				StopAt:     now.Add(-time.Hour),
				Now:        func() time.Time { return now },
			}
			result, err := sweeper.Run(ctx, mon)
			require.NoError(t, err)
			assert.True(t, result.Stopped)
			assert.Equal(t, 2, result.NextIndex)
			assert.Equal(t, 0, len(sampleCounts(t, s)))

			// Resuming from index 2 covers dated, late and morning
			sweeper.StopAt = time.Time{}
			result, err = sweeper.Run(ctx, mon)
			require.NoError(t, err)
			assert.False(t, result.Stopped)
			assert.Equal(t, 5, result.NextIndex)
			assert.Equal(t, map[string]int{
				"dated":   11,
				"morning": 21,
			}, sampleCounts(t, s))

			// A full sweep picks up the rest without duplicating
			// anything.
			sweeper.StartIndex = 0
			result, err = sweeper.Run(ctx, mon)
			require.NoError(t, err)
			assert.Equal(t, 5, result.NextIndex)
			assert.Equal(t, 2, result.Outcomes[trace.OutcomeExisting])
			assert.Equal(t, 1, result.Outcomes[trace.OutcomeReused])
			assert.Equal(t, map[string]int{
				"cross":   21,
				"dated":   11,
				"morning": 21,
			}, sampleCounts(t, s))

			// Out of range start indexes are clamped
			sweeper.StartIndex = 17
			result, err = sweeper.Run(ctx, mon)
			require.NoError(t, err)
			assert.Equal(t, 5, result.NextIndex)
			assert.Equal(t, 0, len(result.Outcomes))
		})
	}
}

func TestSweepCancelled(t *testing.T) {
	s := testutil.BuildSchedule(t, "memory", scheduleFiles())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sweeper := &gtfstrace.Sweeper{Schedule: s, Interval: time.Minute}
	result, err := sweeper.Run(ctx, mon)
	require.NoError(t, err)
	assert.True(t, result.Stopped)
	assert.Equal(t, 0, result.NextIndex)
	assert.Equal(t, 0, len(sampleCounts(t, s)))
}

func TestSweepConcurrent(t *testing.T) {
	s := testutil.BuildSchedule(t, "sqlite", scheduleFiles())

	sweeper := &gtfstrace.Sweeper{Schedule: s, Workers: 8, Interval: time.Minute}
	result, err := sweeper.Run(context.Background(), sat)
	require.NoError(t, err)
	assert.Equal(t, 4, result.NextIndex)
	assert.Equal(t, 0, result.Failed)

	// Reuse depends on scheduling, but every running trip gets
	// exactly one trace.
	computed := result.Outcomes[trace.OutcomeInterpolated] + result.Outcomes[trace.OutcomeReused]
	assert.Equal(t, 3, computed)
	assert.Equal(t, 1, result.Outcomes[trace.OutcomeNotRunning])

	counts := sampleCounts(t, s)
	assert.Equal(t, 21, counts["cross"])
	assert.Equal(t, 31, counts["late"])
	assert.Equal(t, 21, counts["weekend"])

	headers, err := s.TraceHeaders()
	require.NoError(t, err)
	for _, h := range headers {
		if h.TripID == "cross" || h.TripID == "late" {
			assert.Equal(t, model.NewDay(2013, 1, 11).String(), h.ServiceDay)
		}
	}
}
