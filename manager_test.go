package gtfstrace_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidbyt.dev/gtfstrace"
	"tidbyt.dev/gtfstrace/model"
	"tidbyt.dev/gtfstrace/storage"
	"tidbyt.dev/gtfstrace/testutil"
)

type MockGTFSServer struct {
	Feeds    map[string][]byte
	Requests []string
	Server   *httptest.Server
}

func (m *MockGTFSServer) handler(w http.ResponseWriter, r *http.Request) {
	m.Requests = append(m.Requests, r.URL.Path)
	if feed, found := m.Feeds[r.URL.Path]; found {
		w.Write(feed)
	} else {
		w.WriteHeader(http.StatusNotFound)
	}
}

func managerFixture() *MockGTFSServer {
	m := &MockGTFSServer{
		Feeds:    map[string][]byte{},
		Requests: []string{},
	}

	m.Server = httptest.NewServer(http.HandlerFunc(m.handler))

	return m
}

func validFeed() map[string][]string {
	return map[string][]string{
		"agency.txt": {
			"agency_timezone,agency_name,agency_url",
			"America/Los_Angeles,Fake Agency,http://agency/index.html",
		},
		"routes.txt": {
			"route_id,route_short_name,route_type",
			"r,R,3",
		},
		"calendar.txt": {
			"service_id,monday,start_date,end_date",
			"mondays,1,20190101,20190301",
		},
		"calendar_dates.txt": {
			"service_id,date,exception_type",
			"mondays,20190302,1",
		},
		"trips.txt": {
			"route_id,service_id,trip_id",
			"r,mondays,t",
		},
		"stops.txt": {
			"stop_id,stop_name,stop_lat,stop_lon",
			"s,S,12,34",
			"s2,S2,12.01,34",
		},
		"stop_times.txt": {
			"trip_id,arrival_time,departure_time,stop_id,stop_sequence",
			"t,12:00:00,12:00:00,s,1",
			"t,12:10:00,12:10:00,s2,2",
		},
	}
}

func stopIDs(t *testing.T, s *gtfstrace.Schedule) []string {
	stops, err := s.Reader.Stops()
	require.NoError(t, err)
	ids := []string{}
	for _, stop := range stops {
		ids = append(ids, stop.ID)
	}
	return ids
}

func TestManagerImportAndLoad(t *testing.T) {
	server := managerFixture()
	defer server.Server.Close()

	server.Feeds["/static.zip"] = testutil.BuildZip(t, validFeed())
	url := server.Server.URL + "/static.zip"

	s := storage.NewMemoryStorage()
	m := gtfstrace.NewManager(s)

	metadata, isNew, err := m.Import(context.Background(), url, nil)
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, url, metadata.URL)
	assert.Equal(t, 64, len(metadata.Hash))
	assert.Equal(t, "America/Los_Angeles", metadata.Timezone)

	when := time.Date(2019, 2, 1, 0, 0, 0, 0, time.UTC)
	schedule, err := m.Load(url, when, gtfstrace.ScheduleConfig{})
	require.NoError(t, err)
	assert.Equal(t, []string{"s", "s2"}, stopIDs(t, schedule))

	// The loaded schedule is fully functional
	runs, err := schedule.RunsOn("t", mondayIn2019)
	require.NoError(t, err)
	assert.True(t, runs)

	// Importing identical content is a no-op
	metadata2, isNew, err := m.Import(context.Background(), url, nil)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, metadata.Hash, metadata2.Hash)
	assert.Equal(t, []string{"/static.zip", "/static.zip"}, server.Requests)

	feeds, err := s.ListFeeds(storage.ListFeedsFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, len(feeds))

	// Same content at another URL gets its own metadata, but
	// shares the parsed data.
	server.Feeds["/mirror.zip"] = server.Feeds["/static.zip"]
	mirror := server.Server.URL + "/mirror.zip"
	metadata3, isNew, err := m.Import(context.Background(), mirror, nil)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, metadata.Hash, metadata3.Hash)

	feeds, err = s.ListFeeds(storage.ListFeedsFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, len(feeds))

	schedule, err = m.Load(mirror, when, gtfstrace.ScheduleConfig{})
	require.NoError(t, err)
	assert.Equal(t, []string{"s", "s2"}, stopIDs(t, schedule))

	schedule, err = m.LoadHash(metadata.Hash, gtfstrace.ScheduleConfig{})
	require.NoError(t, err)
	assert.Equal(t, metadata.Hash, schedule.Metadata.Hash)

	_, err = m.LoadHash("nope", gtfstrace.ScheduleConfig{})
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

var mondayIn2019 = model.NewDay(2019, time.February, 4)

func TestManagerMultipleVersions(t *testing.T) {
	server := managerFixture()
	defer server.Server.Close()

	files := validFeed()
	feed1Zip := testutil.BuildZip(t, files)
	files["stops.txt"] = []string{
		"stop_id,stop_name,stop_lat,stop_lon",
		"s3,S3,12,34",
		"s4,S4,12.01,34",
	}
	files["stop_times.txt"] = []string{
		"trip_id,arrival_time,departure_time,stop_id,stop_sequence",
		"t,12:00:00,12:00:00,s3,1",
		"t,12:10:00,12:10:00,s4,2",
	}
	feed2Zip := testutil.BuildZip(t, files)

	url := server.Server.URL + "/static.zip"
	when := time.Date(2019, 2, 1, 0, 0, 0, 0, time.UTC)
	s := storage.NewMemoryStorage()
	m := gtfstrace.NewManager(s)

	server.Feeds["/static.zip"] = feed1Zip
	_, isNew, err := m.Import(context.Background(), url, nil)
	require.NoError(t, err)
	assert.True(t, isNew)

	server.Feeds["/static.zip"] = feed2Zip
	_, isNew, err = m.Import(context.Background(), url, nil)
	require.NoError(t, err)
	assert.True(t, isNew)

	// The most recently retrieved version is served
	schedule, err := m.Load(url, when, gtfstrace.ScheduleConfig{})
	require.NoError(t, err)
	assert.Equal(t, []string{"s3", "s4"}, stopIDs(t, schedule))

	// Outside the calendar, nothing is active
	_, err = m.Load(url, time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), gtfstrace.ScheduleConfig{})
	assert.True(t, errors.Is(err, gtfstrace.ErrNoActiveFeed))

	// Unknown URL
	_, err = m.Load(server.Server.URL+"/other.zip", when, gtfstrace.ScheduleConfig{})
	assert.True(t, errors.Is(err, gtfstrace.ErrNoActiveFeed))
}

func TestManagerBrokenData(t *testing.T) {
	server := managerFixture()
	defer server.Server.Close()

	server.Feeds["/static.zip"] = testutil.BuildZip(t, map[string][]string{"parse": {"fail"}})
	url := server.Server.URL + "/static.zip"

	s, err := storage.NewSQLiteStorage()
	require.NoError(t, err)
	m := gtfstrace.NewManager(s)

	_, _, err = m.Import(context.Background(), url, nil)
	require.Error(t, err)

	_, _, err = m.Import(context.Background(), server.Server.URL+"/missing.zip", nil)
	require.Error(t, err)

	feeds, err := s.ListFeeds(storage.ListFeedsFilter{})
	require.NoError(t, err)
	assert.Equal(t, 0, len(feeds))

	// Valid data gets loaded
	server.Feeds["/static.zip"] = testutil.BuildZip(t, validFeed())
	_, isNew, err := m.Import(context.Background(), url, nil)
	require.NoError(t, err)
	assert.True(t, isNew)
}

func TestManagerImportLocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed.zip")
	require.NoError(t, os.WriteFile(path, testutil.BuildZip(t, validFeed()), 0644))

	m := gtfstrace.NewManager(storage.NewMemoryStorage())
	metadata, isNew, err := m.Import(context.Background(), path, nil)
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, path, metadata.URL)

	m.FeedMaxSize = 10
	_, _, err = m.Import(context.Background(), path, nil)
	assert.Error(t, err)
}

// Whether a feed is active is decided in the agency's timezone.
func TestManagerRespectTimezones(t *testing.T) {
	server := managerFixture()
	defer server.Server.Close()

	server.Feeds["/static.zip"] = testutil.BuildZip(t, validFeed())
	url := server.Server.URL + "/static.zip"

	m := gtfstrace.NewManager(storage.NewMemoryStorage())
	_, _, err := m.Import(context.Background(), url, nil)
	require.NoError(t, err)

	// 2019-03-03 05:00 UTC is still March 2nd in Los Angeles
	_, err = m.Load(url, time.Date(2019, 3, 3, 5, 0, 0, 0, time.UTC), gtfstrace.ScheduleConfig{})
	assert.NoError(t, err)

	// While 09:00 UTC is March 3rd there too
	_, err = m.Load(url, time.Date(2019, 3, 3, 9, 0, 0, 0, time.UTC), gtfstrace.ScheduleConfig{})
	assert.True(t, errors.Is(err, gtfstrace.ErrNoActiveFeed))
}
