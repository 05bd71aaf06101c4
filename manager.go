package gtfstrace

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"tidbyt.dev/gtfstrace/downloader"
	"tidbyt.dev/gtfstrace/logging"
	"tidbyt.dev/gtfstrace/model"
	"tidbyt.dev/gtfstrace/parse"
	"tidbyt.dev/gtfstrace/storage"
)

const (
	DefaultFeedTimeout = 60 * time.Second
	DefaultFeedMaxSize = 800 << 20 // 800 MB
)

var ErrNoActiveFeed = errors.New("no active feed found")

// Manager imports static GTFS feeds into storage and opens them as
// Schedules.
type Manager struct {
	FeedTimeout time.Duration
	FeedMaxSize int
	Downloader  downloader.Downloader
	Logger      *slog.Logger

	storage storage.Storage
}

func NewManager(s storage.Storage) *Manager {
	return &Manager{
		FeedTimeout: DefaultFeedTimeout,
		FeedMaxSize: DefaultFeedMaxSize,
		Downloader:  downloader.NewMemoryDownloader(),
		storage:     s,
	}
}

// Fetches the feed at url (or a local path) and stores it, keyed by
// the hash of its content. Importing content already in storage
// parses nothing. If it was stored for a different URL, a metadata
// record for this URL is added.
//
// Returns the feed's metadata, and whether the content was new.
func (m *Manager) Import(ctx context.Context, url string, headers map[string]string) (*storage.FeedMetadata, bool, error) {
	logger := logging.OrDiscard(m.Logger)
	began := time.Now()

	body, err := m.Downloader.Get(ctx, url, headers, downloader.GetOptions{
		Cache:   false,
		Timeout: m.FeedTimeout,
		MaxSize: m.FeedMaxSize,
	})
	if err != nil {
		return nil, false, fmt.Errorf("downloading feed at %s: %w", url, err)
	}
	hash := fmt.Sprintf("%x", sha256.Sum256(body))

	// The data we just downloaded may already exist in storage.
	feeds, err := m.storage.ListFeeds(storage.ListFeedsFilter{Hash: hash})
	if err != nil {
		return nil, false, fmt.Errorf("listing feeds: %w", err)
	}
	if len(feeds) > 0 {
		for _, feed := range feeds {
			if feed.URL == url {
				logger.Info("feed unchanged", slog.String("url", url), slog.String("hash", hash))
				return feed, false, nil
			}
		}

		// In storage, but for a different URL
		metadata := *feeds[0]
		metadata.URL = url
		metadata.RetrievedAt = time.Now().UTC()
		err = m.storage.WriteFeedMetadata(&metadata)
		if err != nil {
			return nil, false, fmt.Errorf("writing metadata: %w", err)
		}
		return &metadata, false, nil
	}

	writer, err := m.storage.GetWriter(hash)
	if err != nil {
		return nil, false, fmt.Errorf("getting writer: %w", err)
	}

	metadata, err := parse.ParseStatic(writer, body)
	if err != nil {
		logging.SafeCloseWithLogging(writer, logger, "feed writer")
		return nil, false, fmt.Errorf("parsing: %w", err)
	}
	err = writer.Close()
	if err != nil {
		return nil, false, fmt.Errorf("closing writer: %w", err)
	}

	metadata.Hash = hash
	metadata.URL = url
	metadata.RetrievedAt = time.Now().UTC()

	err = m.storage.WriteFeedMetadata(metadata)
	if err != nil {
		return nil, false, fmt.Errorf("writing metadata: %w", err)
	}

	logging.LogOperation(logger, "feed imported",
		slog.String("url", url),
		slog.String("hash", hash),
		slog.String("calendar_start", metadata.CalendarStartDate),
		slog.String("calendar_end", metadata.CalendarEndDate),
		slog.Duration("duration", time.Since(began)))

	return metadata, true, nil
}

// Opens the most recently retrieved feed for url that is active at
// the given time. ErrNoActiveFeed if there is none.
func (m *Manager) Load(url string, when time.Time, config ScheduleConfig) (*Schedule, error) {
	feeds, err := m.storage.ListFeeds(storage.ListFeedsFilter{URL: url})
	if err != nil {
		return nil, fmt.Errorf("listing feeds: %w", err)
	}

	metadata, err := mostRecentActive(feeds, when)
	if err != nil {
		return nil, err
	}
	return m.Open(metadata, config)
}

// Opens the feed with the given hash.
func (m *Manager) LoadHash(hash string, config ScheduleConfig) (*Schedule, error) {
	feeds, err := m.storage.ListFeeds(storage.ListFeedsFilter{Hash: hash})
	if err != nil {
		return nil, fmt.Errorf("listing feeds: %w", err)
	}
	if len(feeds) == 0 {
		return nil, fmt.Errorf("feed %s: %w", hash, storage.ErrNotFound)
	}
	return m.Open(feeds[0], config)
}

func (m *Manager) Open(metadata *storage.FeedMetadata, config ScheduleConfig) (*Schedule, error) {
	reader, err := m.storage.GetReader(metadata.Hash)
	if err != nil {
		return nil, fmt.Errorf("getting reader: %w", err)
	}

	traces, err := m.storage.GetTraceStore(metadata.Hash)
	if err != nil {
		return nil, fmt.Errorf("getting trace store: %w", err)
	}

	if config.Logger == nil {
		config.Logger = m.Logger
	}
	return NewSchedule(reader, traces, metadata, config), nil
}

// Selects the most recently retrieved feed that is also active at
// the given time.
func mostRecentActive(feeds []*storage.FeedMetadata, when time.Time) (*storage.FeedMetadata, error) {
	sort.Slice(feeds, func(i, j int) bool {
		return feeds[i].RetrievedAt.Before(feeds[j].RetrievedAt)
	})

	for i := len(feeds) - 1; i >= 0; i-- {
		ok, err := feedActive(feeds[i], when)
		if err != nil {
			return nil, fmt.Errorf("checking if feed is active: %w", err)
		}
		if ok {
			return feeds[i], nil
		}
	}

	return nil, ErrNoActiveFeed
}

func feedActive(feed *storage.FeedMetadata, now time.Time) (bool, error) {
	feedTz, err := time.LoadLocation(feed.Timezone)
	if err != nil {
		return false, fmt.Errorf("loading timezone: %w", err)
	}

	today := model.DayOf(now.In(feedTz)).String()

	if feed.CalendarStartDate > today {
		return false, nil
	}
	if feed.CalendarEndDate < today {
		return false, nil
	}

	return true, nil
}
