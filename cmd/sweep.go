package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"tidbyt.dev/gtfstrace"
	"tidbyt.dev/gtfstrace/config"
	"tidbyt.dev/gtfstrace/logging"
	"tidbyt.dev/gtfstrace/publisher"
	"tidbyt.dev/gtfstrace/trace"
)

var ensureCmd = &cobra.Command{
	Use:   "ensure <trip_id> [day]",
	Short: "Computes and stores a trip's trace unless already present",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  ensure,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep [day]",
	Short: "Computes traces for every trip running on a day",
	Args:  cobra.RangeArgs(0, 1),
	RunE:  sweep,
}

var (
	startIndex     int
	workers        int
	sampleInterval time.Duration
	stopAt         string
)

func init() {
	sweepCmd.Flags().IntVarP(&startIndex, "start-index", "s", 0, "Index into the day's trips to resume from")
	sweepCmd.Flags().IntVarP(&workers, "workers", "w", 0, "Trips computed concurrently (overrides WORKERS)")
	sweepCmd.Flags().StringVarP(&stopAt, "stop-at", "", "", "Take on no new trips past this HH:MM local time (overrides STOP_AT)")
	for _, c := range []*cobra.Command{ensureCmd, sweepCmd} {
		c.Flags().DurationVarP(&sampleInterval, "interval", "i", 0, "Time between samples (overrides SAMPLE_INTERVAL)")
	}
	rootCmd.AddCommand(ensureCmd)
	rootCmd.AddCommand(sweepCmd)
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	if cmd.Flags().Changed("workers") {
		if workers <= 0 {
			return fmt.Errorf("workers must be > 0")
		}
		cfg.Workers = workers
	}
	if cmd.Flags().Changed("interval") {
		if sampleInterval < time.Second {
			return fmt.Errorf("interval must be at least 1s")
		}
		cfg.SampleInterval = sampleInterval
	}
	if cmd.Flags().Changed("stop-at") {
		clock, err := config.ParseClock(stopAt)
		if err != nil {
			return err
		}
		cfg.StopAt = clock
	}
	return nil
}

// The configured trace publisher, or nil if none.
func (e *env) publisher() (trace.Publisher, func(), error) {
	if e.Config.NATSURL == "" {
		return nil, func() {}, nil
	}
	p, err := publisher.NewNATSPublisher(e.Config.NATSURL, e.Config.NATSSubjectPrefix, e.Logger, e.Metrics)
	if err != nil {
		return nil, nil, err
	}
	return p, p.Close, nil
}

func ensure(cmd *cobra.Command, args []string) error {
	e, err := setup()
	if err != nil {
		return err
	}
	defer e.Close()

	if err := applyFlags(cmd, e.Config); err != nil {
		return err
	}

	pub, closePub, err := e.publisher()
	if err != nil {
		return err
	}
	defer closePub()

	schedule, err := e.loadSchedule(cmd.Context(), pub)
	if err != nil {
		return err
	}

	day, err := parseDay(schedule, args, 1)
	if err != nil {
		return err
	}

	outcome, err := schedule.EnsureComputed(cmd.Context(), args[0], day, e.Config.SampleInterval)
	if err != nil {
		return err
	}

	fmt.Printf("%s %s %s\n", args[0], day, outcome)
	return nil
}

func sweep(cmd *cobra.Command, args []string) error {
	e, err := setup()
	if err != nil {
		return err
	}
	defer e.Close()

	if err := applyFlags(cmd, e.Config); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if e.Config.MetricsAddr != "" {
		go func() {
			if err := e.Metrics.Serve(ctx, e.Config.MetricsAddr, e.Logger); err != nil {
				logging.LogError(e.Logger, "metrics server failed", err, slog.String("addr", e.Config.MetricsAddr))
			}
		}()
	}

	pub, closePub, err := e.publisher()
	if err != nil {
		return err
	}
	defer closePub()

	schedule, err := e.loadSchedule(ctx, pub)
	if err != nil {
		return err
	}

	day, err := parseDay(schedule, args, 0)
	if err != nil {
		return err
	}

	sweeper := &gtfstrace.Sweeper{
		Schedule:   schedule,
		Workers:    e.Config.Workers,
		Interval:   e.Config.SampleInterval,
		StartIndex: startIndex,
		StopAt:     config.Deadline(time.Now(), e.Config.StopAt),
		Logger:     e.Logger,
		Metrics:    e.Metrics,
	}

	result, err := sweeper.Run(ctx, day)
	if err != nil {
		if result != nil {
			fmt.Printf("aborted, resume with --start-index %d\n", result.NextIndex)
		}
		return err
	}

	fmt.Printf("run %s: %d/%d trips, %d failed\n", result.RunID, result.NextIndex, result.Total, result.Failed)
	for _, outcome := range []trace.Outcome{
		trace.OutcomeInterpolated,
		trace.OutcomeReused,
		trace.OutcomeExisting,
		trace.OutcomeNotRunning,
		trace.OutcomeSkipped,
	} {
		fmt.Printf("  %s: %d\n", outcome, result.Outcomes[outcome])
	}
	if result.Stopped {
		fmt.Printf("stopped, resume with --start-index %d\n", result.NextIndex)
	}

	return nil
}
