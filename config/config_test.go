package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidbyt.dev/gtfstrace/config"
)

var vars = []string{
	"DB_DRIVER", "DB_PATH", "DATABASE_URL", "PG_DSN", "SAMPLE_INTERVAL",
	"DISTANCE_MULTIPLIER", "AGENCY_MULTIPLIERS", "WORKERS", "STOP_AT",
	"NATS_URL", "NATS_SUBJECT_PREFIX", "METRICS_ADDR", "LOG_LEVEL",
	"FEED_TIMEOUT", "FEED_MAX_SIZE",
}

// Blanks every variable Load reads. t.Setenv restores them after the
// test.
func clearEnv(t *testing.T) {
	for _, v := range vars {
		t.Setenv(v, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, config.DriverSQLite, cfg.DBDriver)
	assert.Equal(t, ".", cfg.DBPath)
	assert.Equal(t, time.Second, cfg.SampleInterval)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 1.0, cfg.Multipliers.For("any"))
	assert.Equal(t, time.Duration(0), cfg.StopAt)
	assert.Equal(t, "", cfg.NATSURL)
	assert.Equal(t, "gtfstrace.traces", cfg.NATSSubjectPrefix)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, 60*time.Second, cfg.FeedTimeout)
	assert.Equal(t, 800<<20, cfg.FeedMaxSize)
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("DB_DRIVER", "pgx")
	t.Setenv("PG_DSN", "postgres://localhost/gtfs")
	t.Setenv("SAMPLE_INTERVAL", "30")
	t.Setenv("DISTANCE_MULTIPLIER", "10")
	t.Setenv("AGENCY_MULTIPLIERS", "metlink=1000, nzbus=1")
	t.Setenv("WORKERS", "16")
	t.Setenv("STOP_AT", "21:30")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("FEED_TIMEOUT", "2m")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/gtfs", cfg.DatabaseURL)
	assert.Equal(t, 30*time.Second, cfg.SampleInterval)
	assert.Equal(t, 10.0, cfg.Multipliers.For("other"))
	assert.Equal(t, 1000.0, cfg.Multipliers.For("metlink"))
	assert.Equal(t, 1.0, cfg.Multipliers.For("nzbus"))
	assert.Equal(t, 16, cfg.Workers)
	assert.Equal(t, 21*time.Hour+30*time.Minute, cfg.StopAt)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, 2*time.Minute, cfg.FeedTimeout)
}

func TestLoadEnvFile(t *testing.T) {
	clearEnv(t)

	// Variables set, even to "", take precedence over the file
	os.Unsetenv("WORKERS")
	os.Unsetenv("DB_DRIVER")

	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("WORKERS=7\nDB_DRIVER=memory\n"), 0644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Workers)
	assert.Equal(t, config.DriverMemory, cfg.DBDriver)
}

func TestLoadInvalid(t *testing.T) {
	for _, tc := range []struct {
		Key   string
		Value string
	}{
		{"DB_DRIVER", "oracle"},
		{"DB_DRIVER", "postgres"}, // no DATABASE_URL
		{"SAMPLE_INTERVAL", "500ms"},
		{"SAMPLE_INTERVAL", "often"},
		{"DISTANCE_MULTIPLIER", "-1"},
		{"AGENCY_MULTIPLIERS", "metlink"},
		{"AGENCY_MULTIPLIERS", "metlink=zero"},
		{"WORKERS", "0"},
		{"STOP_AT", "25:00"},
		{"LOG_LEVEL", "chatty"},
		{"FEED_MAX_SIZE", "big"},
	} {
		t.Run(tc.Key+"="+tc.Value, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tc.Key, tc.Value)
			_, err := config.Load()
			assert.Error(t, err)
		})
	}
}

func TestParseClock(t *testing.T) {
	d, err := config.ParseClock("21:30")
	require.NoError(t, err)
	assert.Equal(t, 21*time.Hour+30*time.Minute, d)

	d, err = config.ParseClock("06:05:09")
	require.NoError(t, err)
	assert.Equal(t, 6*time.Hour+5*time.Minute+9*time.Second, d)

	_, err = config.ParseClock("6pm")
	assert.Error(t, err)
}

func TestDeadline(t *testing.T) {
	now := time.Date(2013, 12, 7, 14, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2013, 12, 7, 21, 30, 0, 0, time.UTC), config.Deadline(now, 21*time.Hour+30*time.Minute))
	assert.True(t, config.Deadline(now, 0).IsZero())
}
