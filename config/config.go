// Package config loads settings for the command line tool from the
// environment, after reading a .env file if there is one.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"tidbyt.dev/gtfstrace/interpolate"
	"tidbyt.dev/gtfstrace/logging"
	"tidbyt.dev/gtfstrace/publisher"
)

const (
	DriverMemory     = "memory"
	DriverSQLite     = "sqlite"
	DriverSQLitePure = "sqlite-pure"
	DriverPostgres   = "postgres"
	DriverPGX        = "pgx"

	DefaultDBPath         = "."
	DefaultSampleInterval = time.Second
	DefaultWorkers        = 4
	DefaultFeedTimeout    = 60 * time.Second
	DefaultFeedMaxSize    = 800 << 20 // 800 MB
)

type Config struct {
	DBDriver    string
	DBPath      string
	DatabaseURL string

	SampleInterval time.Duration
	Multipliers    interpolate.Multipliers
	Workers        int

	// Time of day, local to the machine, after which a sweep
	// stops taking on trips. Zero disables.
	StopAt time.Duration

	NATSURL           string
	NATSSubjectPrefix string
	MetricsAddr       string
	LogLevel          slog.Level

	FeedTimeout time.Duration
	FeedMaxSize int
}

// Reads .env (if present) and the environment. Unset variables take
// their defaults.
func Load(files ...string) (*Config, error) {
	err := godotenv.Load(files...)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading env file: %w", err)
	}

	cfg := &Config{
		DBDriver:          getenvDefault("DB_DRIVER", DriverSQLite),
		DBPath:            getenvDefault("DB_PATH", DefaultDBPath),
		DatabaseURL:       firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN")),
		NATSURL:           os.Getenv("NATS_URL"),
		NATSSubjectPrefix: getenvDefault("NATS_SUBJECT_PREFIX", publisher.DefaultSubjectPrefix),
		MetricsAddr:       os.Getenv("METRICS_ADDR"),
	}

	switch cfg.DBDriver {
	case DriverMemory, DriverSQLite, DriverSQLitePure:
	case DriverPostgres, DriverPGX:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL must be set for DB_DRIVER=%s", cfg.DBDriver)
		}
	default:
		return nil, fmt.Errorf("invalid DB_DRIVER: %q", cfg.DBDriver)
	}

	cfg.SampleInterval, err = durationVar("SAMPLE_INTERVAL", DefaultSampleInterval)
	if err != nil {
		return nil, err
	}
	if cfg.SampleInterval < time.Second {
		return nil, fmt.Errorf("invalid SAMPLE_INTERVAL: %s is below one second", cfg.SampleInterval)
	}

	cfg.FeedTimeout, err = durationVar("FEED_TIMEOUT", DefaultFeedTimeout)
	if err != nil {
		return nil, err
	}

	cfg.Workers, err = positiveIntVar("WORKERS", DefaultWorkers)
	if err != nil {
		return nil, err
	}

	cfg.FeedMaxSize, err = positiveIntVar("FEED_MAX_SIZE", DefaultFeedMaxSize)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DISTANCE_MULTIPLIER"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return nil, fmt.Errorf("invalid DISTANCE_MULTIPLIER: %q", v)
		}
		cfg.Multipliers.Default = f
	}

	if v := os.Getenv("AGENCY_MULTIPLIERS"); v != "" {
		cfg.Multipliers.ByAgency, err = ParseAgencyMultipliers(v)
		if err != nil {
			return nil, err
		}
	}

	if v := os.Getenv("STOP_AT"); v != "" {
		cfg.StopAt, err = ParseClock(v)
		if err != nil {
			return nil, fmt.Errorf("invalid STOP_AT: %w", err)
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel, err = logging.ParseLevel(v)
		if err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Parses "agency=factor" pairs separated by commas.
func ParseAgencyMultipliers(s string) (map[string]float64, error) {
	multipliers := map[string]float64{}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		agency, factor, found := strings.Cut(pair, "=")
		if !found || strings.TrimSpace(agency) == "" {
			return nil, fmt.Errorf("invalid AGENCY_MULTIPLIERS entry: %q", pair)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(factor), 64)
		if err != nil || f <= 0 {
			return nil, fmt.Errorf("invalid AGENCY_MULTIPLIERS factor for %s: %q", agency, factor)
		}
		multipliers[strings.TrimSpace(agency)] = f
	}
	return multipliers, nil
}

// Parses "HH:MM" or "HH:MM:SS" into an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	layout := "15:04"
	if strings.Count(s, ":") == 2 {
		layout = "15:04:05"
	}
	t, err := time.Parse(layout, strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parsing clock time %q: %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second, nil
}

// The instant at clock on now's date, in now's location. Zero for a
// zero clock.
func Deadline(now time.Time, clock time.Duration) time.Time {
	if clock == 0 {
		return time.Time{}
	}
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return midnight.Add(clock)
}

func durationVar(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// Plain numbers are seconds
		sec, intErr := strconv.Atoi(v)
		if intErr != nil {
			return 0, fmt.Errorf("invalid %s: %q", key, v)
		}
		d = time.Duration(sec) * time.Second
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return d, nil
}

func positiveIntVar(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
