package gtfstrace

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"tidbyt.dev/gtfstrace/logging"
	"tidbyt.dev/gtfstrace/metrics"
	"tidbyt.dev/gtfstrace/model"
	"tidbyt.dev/gtfstrace/publisher"
	"tidbyt.dev/gtfstrace/trace"
)

const (
	DefaultSweepWorkers  = 4
	DefaultSweepInterval = time.Second
)

// Computes traces for every trip that may run on a day. Sweeps can
// be stopped and later resumed from the index they report.
type Sweeper struct {
	Schedule *Schedule

	Workers  int
	Interval time.Duration

	// Index into the day's trips, ordered by trip ID, to start
	// from.
	StartIndex int

	// No new trips are taken on once this has passed. Zero means
	// no limit.
	StopAt time.Time

	Logger  *slog.Logger
	Metrics *metrics.Collector

	// Defaults to time.Now.
	Now func() time.Time
}

type SweepResult struct {
	RunID string
	Total int

	// Index to resume from. Equal to Total when every trip was
	// processed.
	NextIndex int

	Outcomes map[trace.Outcome]int

	// Trips skipped due to broken data.
	Failed int

	// Set when the sweep ended early due to StopAt or
	// cancellation.
	Stopped bool
}

// Processes the day's trips. Per-trip data problems are logged and
// counted; any other error aborts the sweep. In-flight trips are
// always completed.
func (s *Sweeper) Run(ctx context.Context, day model.Day) (*SweepResult, error) {
	workers := s.Workers
	if workers <= 0 {
		workers = DefaultSweepWorkers
	}
	interval := s.Interval
	if interval == 0 {
		interval = DefaultSweepInterval
	}
	now := s.Now
	if now == nil {
		now = time.Now
	}

	runID := uuid.NewString()
	logger := logging.OrDiscard(s.Logger).With(
		slog.String("run_id", runID),
		slog.String("day", day.String()))
	ctx = publisher.WithRunID(logging.WithLogger(ctx, logger), runID)

	trips, err := s.Schedule.CandidateTrips(day)
	if err != nil {
		return nil, fmt.Errorf("listing trips: %w", err)
	}

	result := &SweepResult{
		RunID:    runID,
		Total:    len(trips),
		Outcomes: map[trace.Outcome]int{},
	}

	start := min(max(s.StartIndex, 0), len(trips))
	s.Metrics.SweepStarted(len(trips), start)
	logger.Info("sweep started",
		slog.Int("trips", len(trips)),
		slog.Int("start_index", start),
		slog.Int("workers", workers))

	began := now()
	done := make([]bool, len(trips))
	var mutex sync.Mutex
	processed := start

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i := start; i < len(trips); i++ {
		if gctx.Err() != nil || (!s.StopAt.IsZero() && !now().Before(s.StopAt)) {
			result.Stopped = true
			break
		}

		index := i
		trip := trips[i]
		g.Go(func() error {
			// Started trips run to completion
			outcome, err := s.Schedule.EnsureComputed(context.WithoutCancel(gctx), trip.ID, day, interval)

			mutex.Lock()
			defer mutex.Unlock()

			if err != nil {
				if !model.IsDataIntegrity(err) {
					return fmt.Errorf("trip %s: %w", trip.ID, err)
				}
				logging.LogError(logger, "skipping trip", err, slog.String("trip_id", trip.ID))
				s.Metrics.ObserveSkip("integrity")
				result.Failed++
			} else {
				result.Outcomes[outcome]++
			}

			done[index] = true
			processed++
			s.Metrics.SweepProgress(processed, index+1)
			return nil
		})
	}

	err = g.Wait()

	result.NextIndex = len(trips)
	for j := start; j < len(trips); j++ {
		if !done[j] {
			result.NextIndex = j
			break
		}
	}
	s.Metrics.SweepProgress(processed, result.NextIndex)

	if err != nil {
		logging.LogError(logger, "sweep aborted", err, slog.Int("next_index", result.NextIndex))
		return result, err
	}
	if ctx.Err() != nil {
		result.Stopped = true
	}

	logging.LogOperation(logger, "sweep finished",
		slog.Int("next_index", result.NextIndex),
		slog.Int("interpolated", result.Outcomes[trace.OutcomeInterpolated]),
		slog.Int("reused", result.Outcomes[trace.OutcomeReused]),
		slog.Int("existing", result.Outcomes[trace.OutcomeExisting]),
		slog.Int("not_running", result.Outcomes[trace.OutcomeNotRunning]),
		slog.Int("skipped", result.Outcomes[trace.OutcomeSkipped]),
		slog.Int("failed", result.Failed),
		slog.Bool("stopped", result.Stopped),
		slog.Duration("duration", now().Sub(began)))

	return result, nil
}
