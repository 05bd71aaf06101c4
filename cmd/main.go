package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tidbyt.dev/gtfstrace"
	"tidbyt.dev/gtfstrace/config"
	"tidbyt.dev/gtfstrace/logging"
	"tidbyt.dev/gtfstrace/metrics"
	"tidbyt.dev/gtfstrace/model"
	"tidbyt.dev/gtfstrace/storage"
	"tidbyt.dev/gtfstrace/trace"
)

var rootCmd = &cobra.Command{
	Use:          "gtfstrace",
	Short:        "GTFS trip position tool",
	Long:         "Imports static GTFS feeds, resolves which trips run on a day and computes where their vehicles are",
	SilenceUsage: true,
}

var (
	feedURL  string
	feedHash string
	envFiles []string
	headers  []string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&feedURL, "url", "u", "", "GTFS Static URL or local path")
	rootCmd.PersistentFlags().StringVarP(&feedHash, "hash", "", "", "Use the imported feed with this hash instead of the active one")
	rootCmd.PersistentFlags().StringSliceVarP(&envFiles, "env-file", "", []string{".env"}, "Files to load environment from")
	rootCmd.PersistentFlags().StringSliceVarP(
		&headers,
		"header",
		"",
		[]string{},
		"GTFS HTTP header",
	)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func parseHeaders(headers []string) (map[string]string, error) {
	parsed := map[string]string{}
	for _, header := range headers {
		parts := strings.SplitN(header, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("'%s' is not on form <key>:<value>", header)
		}
		parsed[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return parsed, nil
}

// Everything a command needs: configuration, a logger and storage.
type env struct {
	Config  *config.Config
	Logger  *slog.Logger
	Storage storage.Storage
	Manager *gtfstrace.Manager
	Metrics *metrics.Collector
}

func setup() (*env, error) {
	cfg, err := config.Load(envFiles...)
	if err != nil {
		return nil, err
	}

	logger := logging.NewStructuredLogger(os.Stderr, cfg.LogLevel)

	s, err := openStorage(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	manager := gtfstrace.NewManager(s)
	manager.FeedTimeout = cfg.FeedTimeout
	manager.FeedMaxSize = cfg.FeedMaxSize
	manager.Logger = logger

	return &env{
		Config:  cfg,
		Logger:  logger,
		Storage: s,
		Manager: manager,
		Metrics: metrics.NewCollector(),
	}, nil
}

func (e *env) Close() {
	if closer, ok := e.Storage.(interface{ Close() error }); ok {
		logging.SafeCloseWithLogging(closer, e.Logger, "closing storage")
	}
}

func openStorage(cfg *config.Config) (storage.Storage, error) {
	switch cfg.DBDriver {
	case config.DriverMemory:
		return storage.NewMemoryStorage(), nil
	case config.DriverSQLite:
		return storage.NewSQLiteStorage(storage.SQLiteConfig{
			OnDisk:    true,
			Directory: cfg.DBPath,
			Driver:    storage.SQLiteDriverCgo,
		})
	case config.DriverSQLitePure:
		return storage.NewSQLiteStorage(storage.SQLiteConfig{
			OnDisk:    true,
			Directory: cfg.DBPath,
			Driver:    storage.SQLiteDriverPure,
		})
	case config.DriverPostgres:
		return storage.NewPSQLStorage(cfg.DatabaseURL, false)
	case config.DriverPGX:
		return storage.NewPGXStorage(cfg.DatabaseURL, false)
	}
	return nil, fmt.Errorf("unknown database driver '%s'", cfg.DBDriver)
}

func (e *env) scheduleConfig(publisher trace.Publisher) gtfstrace.ScheduleConfig {
	return gtfstrace.ScheduleConfig{
		Logger:      e.Logger,
		Multipliers: e.Config.Multipliers,
		Publisher:   publisher,
		Metrics:     e.Metrics,
	}
}

// Opens the requested schedule. Feeds not yet in storage are imported
// first.
func (e *env) loadSchedule(ctx context.Context, publisher trace.Publisher) (*gtfstrace.Schedule, error) {
	if feedHash != "" {
		return e.Manager.LoadHash(feedHash, e.scheduleConfig(publisher))
	}

	if feedURL == "" {
		return nil, fmt.Errorf("static URL is required")
	}

	schedule, err := e.Manager.Load(feedURL, time.Now(), e.scheduleConfig(publisher))
	if err == nil {
		return schedule, nil
	}
	if !errors.Is(err, gtfstrace.ErrNoActiveFeed) {
		return nil, err
	}

	h, err := parseHeaders(headers)
	if err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}
	if _, _, err := e.Manager.Import(ctx, feedURL, h); err != nil {
		return nil, err
	}

	return e.Manager.Load(feedURL, time.Now(), e.scheduleConfig(publisher))
}

// Parses a service day, defaulting to today in the feed's timezone.
func parseDay(schedule *gtfstrace.Schedule, args []string, index int) (model.Day, error) {
	if len(args) > index {
		day, err := model.ParseDay(args[index])
		if err != nil {
			return model.Day{}, fmt.Errorf("invalid day: %w", err)
		}
		return day, nil
	}

	loc, err := schedule.Location()
	if err != nil {
		return model.Day{}, err
	}
	return model.DayOf(time.Now().In(loc)), nil
}
