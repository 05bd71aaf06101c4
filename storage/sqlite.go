package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"tidbyt.dev/gtfstrace/model"
)

const (
	// cgo driver, github.com/mattn/go-sqlite3
	SQLiteDriverCgo = "sqlite3"

	// pure Go driver, modernc.org/sqlite
	SQLiteDriverPure = "sqlite"
)

type SQLiteConfig struct {
	OnDisk    bool
	Directory string

	// Database/sql driver name. Defaults to SQLiteDriverCgo.
	Driver string
}

type SQLiteStorage struct {
	SQLiteConfig

	feedDB *sql.DB

	mutex sync.Mutex
	feeds map[string]*sql.DB
}

type SQLiteFeedWriter struct {
	db *sql.DB

	stopTimeInsertQuery *sql.Stmt
	stopTimeInsertTx    *sql.Tx

	shapeInsertQuery *sql.Stmt
	shapeInsertTx    *sql.Tx
}

type SQLiteFeedReader struct {
	db *sql.DB
}

type SQLiteTraceStore struct {
	db *sql.DB
}

var sqliteFeedTables = []struct {
	name  string
	query string
}{
	{"agency", `
CREATE TABLE agency (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    url TEXT NOT NULL,
    timezone TEXT NOT NULL
);`},
	{"stops", `
CREATE TABLE stops (
    id TEXT PRIMARY KEY,
    code TEXT,
    name TEXT NOT NULL,
    lat REAL NOT NULL,
    lon REAL NOT NULL,
    parent_station TEXT
);`},
	{"routes", `
CREATE TABLE routes (
    id TEXT PRIMARY KEY,
    agency_id TEXT,
    short_name TEXT,
    long_name TEXT,
    type INTEGER NOT NULL
);`},
	{"trips", `
CREATE TABLE trips (
    id TEXT PRIMARY KEY,
    route_id TEXT NOT NULL,
    service_id TEXT NOT NULL,
    shape_id TEXT NOT NULL,
    headsign TEXT,
    direction_id INTEGER
);
CREATE INDEX trips_service_id ON trips (service_id);
CREATE INDEX trips_shape_id ON trips (shape_id);
`},
	{"stop_times", `
CREATE TABLE stop_times (
    trip_id TEXT NOT NULL,
    stop_id TEXT NOT NULL,
    stop_sequence INTEGER NOT NULL,
    arrival_time TEXT NOT NULL,
    departure_time TEXT NOT NULL,
    shape_dist_traveled REAL,
    pickup_type INTEGER NOT NULL,
    drop_off_type INTEGER NOT NULL
);
CREATE INDEX stop_times_trip_id ON stop_times (trip_id, stop_sequence);
`},
	{"calendar", `
CREATE TABLE calendar (
    service_id TEXT PRIMARY KEY,
    start_date TEXT NOT NULL,
    end_date TEXT NOT NULL,
    monday integer NOT NULL,
    tuesday integer NOT NULL,
    wednesday integer NOT NULL,
    thursday integer NOT NULL,
    friday integer NOT NULL,
    saturday integer NOT NULL,
    sunday integer NOT NULL
);`},
	{"calendar_dates", `
CREATE TABLE calendar_dates (
    service_id TEXT NOT NULL,
    date TEXT NOT NULL,
    exception_type INTEGER NOT NULL
);
CREATE INDEX calendar_dates_service_id ON calendar_dates (service_id, date);
`},
	{"shapes", `
CREATE TABLE shapes (
    shape_id TEXT NOT NULL,
    lat REAL NOT NULL,
    lon REAL NOT NULL,
    sequence INTEGER NOT NULL,
    dist_traveled REAL
);
CREATE INDEX shapes_shape_id ON shapes (shape_id, sequence);
`},
}

const sqliteTraceTables = `
CREATE TABLE IF NOT EXISTS traces (
    trip_id TEXT PRIMARY KEY,
    shape_id TEXT NOT NULL,
    service_day TEXT NOT NULL,
    start_second INTEGER NOT NULL,
    end_second INTEGER NOT NULL,
    duration INTEGER NOT NULL,
    sample_interval INTEGER NOT NULL,
    source TEXT NOT NULL,
    source_trip_id TEXT NOT NULL,
    computed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS traces_shape_duration ON traces (shape_id, duration, sample_interval);

CREATE TABLE IF NOT EXISTS intervals (
    trip_id TEXT NOT NULL,
    second INTEGER NOT NULL,
    lat REAL NOT NULL,
    lon REAL NOT NULL,
    mode TEXT NOT NULL,
    pickup_text TEXT NOT NULL,
    dropoff_text TEXT NOT NULL,
    agency_id TEXT NOT NULL,
    route_id TEXT NOT NULL,
    shape_id TEXT NOT NULL,
PRIMARY KEY (trip_id, second)
);
CREATE INDEX IF NOT EXISTS intervals_second ON intervals (second);
`

func NewSQLiteStorage(cfg ...SQLiteConfig) (*SQLiteStorage, error) {
	config := SQLiteConfig{Driver: SQLiteDriverCgo}
	if len(cfg) > 0 {
		config.OnDisk = cfg[0].OnDisk
		config.Directory = cfg[0].Directory
		if cfg[0].Driver != "" {
			config.Driver = cfg[0].Driver
		}
	}
	if config.Driver != SQLiteDriverCgo && config.Driver != SQLiteDriverPure {
		return nil, fmt.Errorf("unsupported sqlite driver '%s'", config.Driver)
	}

	sourceName := ":memory:"
	if config.OnDisk {
		sourceName = config.Directory + "/gtfstrace.db"
	}

	db, err := openSQLite(config.Driver, sourceName)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
CREATE TABLE IF NOT EXISTS feed (
    hash TEXT,
    url TEXT NOT NULL,
    retrieved_at INTEGER NOT NULL,
    calendar_start TEXT NOT NULL,
    calendar_end TEXT NOT NULL,
    timezone TEXT NOT NULL,
    max_arrival TEXT NOT NULL,
    max_departure TEXT NOT NULL,
PRIMARY KEY (hash, url)
);`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating feed table: %w", err)
	}

	return &SQLiteStorage{
		SQLiteConfig: config,
		feedDB:       db,
		feeds:        map[string]*sql.DB{},
	}, nil
}

// A single connection per database. In-memory databases are private
// to their connection, and SQLite only supports one writer anyway.
func openSQLite(driver string, sourceName string) (*sql.DB, error) {
	db, err := sql.Open(driver, sourceName)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if sourceName != ":memory:" {
		for _, pragma := range []string{
			"PRAGMA journal_mode = WAL",
			"PRAGMA synchronous = NORMAL",
			"PRAGMA busy_timeout = 5000",
		} {
			if _, err := db.Exec(pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("setting %s: %w", pragma, err)
			}
		}
	}

	return db, nil
}

func (s *SQLiteStorage) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var errs []error
	for id, db := range s.feeds {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing feed %s: %w", id, err))
		}
	}
	s.feeds = map[string]*sql.DB{}
	if err := s.feedDB.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing feed index: %w", err))
	}
	return errors.Join(errs...)
}

func (s *SQLiteStorage) ListFeeds(filter ListFeedsFilter) ([]*FeedMetadata, error) {
	query := `
SELECT
    hash,
    url,
    retrieved_at,
    calendar_start,
    calendar_end,
    timezone,
    max_arrival,
    max_departure
FROM feed`

	conditions := []string{}
	params := []interface{}{}
	if filter.URL != "" {
		conditions = append(conditions, "url = ?")
		params = append(params, filter.URL)
	}
	if filter.Hash != "" {
		conditions = append(conditions, "hash = ?")
		params = append(params, filter.Hash)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY retrieved_at DESC"

	rows, err := s.feedDB.Query(query, params...)
	if err != nil {
		return nil, fmt.Errorf("listing feeds: %w", err)
	}
	defer rows.Close()

	feeds := []*FeedMetadata{}
	for rows.Next() {
		var feed FeedMetadata
		var retrievedAt int64
		err := rows.Scan(
			&feed.Hash,
			&feed.URL,
			&retrievedAt,
			&feed.CalendarStartDate,
			&feed.CalendarEndDate,
			&feed.Timezone,
			&feed.MaxArrival,
			&feed.MaxDeparture,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning feed: %w", err)
		}
		feed.RetrievedAt = time.UnixMilli(retrievedAt).UTC()
		feeds = append(feeds, &feed)
	}

	return feeds, rows.Err()
}

func (s *SQLiteStorage) WriteFeedMetadata(feed *FeedMetadata) error {
	_, err := s.feedDB.Exec(`
INSERT OR REPLACE INTO feed (
    hash,
    url,
    retrieved_at,
    calendar_start,
    calendar_end,
    timezone,
    max_arrival,
    max_departure
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		feed.Hash,
		feed.URL,
		feed.RetrievedAt.UnixMilli(),
		feed.CalendarStartDate,
		feed.CalendarEndDate,
		feed.Timezone,
		feed.MaxArrival,
		feed.MaxDeparture,
	)
	if err != nil {
		return fmt.Errorf("writing feed metadata: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) DeleteFeedMetadata(url string, hash string) error {
	_, err := s.feedDB.Exec(`DELETE FROM feed WHERE url = ? AND hash = ?`, url, hash)
	if err != nil {
		return fmt.Errorf("deleting feed metadata: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) feedSource(feedID string) string {
	if s.OnDisk {
		return s.Directory + "/" + feedID + ".db"
	}
	return ":memory:"
}

// Returns the open database of an existing feed.
func (s *SQLiteStorage) feed(feedID string) (*sql.DB, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if db, found := s.feeds[feedID]; found {
		return db, nil
	}

	if !s.OnDisk {
		return nil, fmt.Errorf("feed %s: %w", feedID, ErrNotFound)
	}

	sourceName := s.feedSource(feedID)
	if _, err := os.Stat(sourceName); os.IsNotExist(err) {
		return nil, fmt.Errorf("feed %s at %s: %w", feedID, sourceName, ErrNotFound)
	}

	db, err := openSQLite(s.Driver, sourceName)
	if err != nil {
		return nil, err
	}
	s.feeds[feedID] = db

	return db, nil
}

func (s *SQLiteStorage) GetReader(feedID string) (FeedReader, error) {
	db, err := s.feed(feedID)
	if err != nil {
		return nil, err
	}
	return &SQLiteFeedReader{db: db}, nil
}

func (s *SQLiteStorage) GetTraceStore(feedID string) (TraceStore, error) {
	db, err := s.feed(feedID)
	if err != nil {
		return nil, err
	}
	_, err = db.Exec(sqliteTraceTables)
	if err != nil {
		return nil, fmt.Errorf("creating trace tables: %w", err)
	}
	return &SQLiteTraceStore{db: db}, nil
}

func (s *SQLiteStorage) GetWriter(feedID string) (FeedWriter, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if db, found := s.feeds[feedID]; found {
		db.Close()
		delete(s.feeds, feedID)
	}

	sourceName := s.feedSource(feedID)
	if s.OnDisk {
		for _, suffix := range []string{"", "-wal", "-shm"} {
			if _, err := os.Stat(sourceName + suffix); err == nil {
				err := os.Remove(sourceName + suffix)
				if err != nil {
					return nil, fmt.Errorf("removing existing database: %w", err)
				}
			}
		}
	}

	db, err := openSQLite(s.Driver, sourceName)
	if err != nil {
		return nil, err
	}

	for _, table := range sqliteFeedTables {
		_, err = db.Exec(table.query)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("creating %s table: %w", table.name, err)
		}
	}
	_, err = db.Exec(sqliteTraceTables)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating trace tables: %w", err)
	}

	s.feeds[feedID] = db

	return &SQLiteFeedWriter{
		db: db,
	}, nil
}

func (f *SQLiteFeedWriter) WriteAgency(a *model.Agency) error {
	_, err := f.db.Exec(`
INSERT INTO agency (id, name, url, timezone)
VALUES (?, ?, ?, ?)`,
		a.ID,
		a.Name,
		a.URL,
		a.Timezone,
	)
	if err != nil {
		return fmt.Errorf("inserting agency: %w", err)
	}
	return nil
}

func (f *SQLiteFeedWriter) WriteStop(stop *model.Stop) error {
	_, err := f.db.Exec(`
INSERT INTO stops (id, code, name, lat, lon, parent_station)
VALUES (?, ?, ?, ?, ?, ?)`,
		stop.ID,
		stop.Code,
		stop.Name,
		stop.Lat,
		stop.Lon,
		stop.ParentStation,
	)
	if err != nil {
		return fmt.Errorf("inserting stop: %w", err)
	}
	return nil
}

func (f *SQLiteFeedWriter) WriteRoute(route *model.Route) error {
	_, err := f.db.Exec(`
INSERT INTO routes (id, agency_id, short_name, long_name, type)
VALUES (?, ?, ?, ?, ?)`,
		route.ID,
		route.AgencyID,
		route.ShortName,
		route.LongName,
		route.Type,
	)
	if err != nil {
		return fmt.Errorf("inserting route: %w", err)
	}
	return nil
}

func (f *SQLiteFeedWriter) BeginTrips() error {
	return nil
}

func (f *SQLiteFeedWriter) WriteTrip(trip *model.Trip) error {
	_, err := f.db.Exec(`
INSERT INTO trips (id, route_id, service_id, shape_id, headsign, direction_id)
VALUES (?, ?, ?, ?, ?, ?)`,
		trip.ID,
		trip.RouteID,
		trip.ServiceID,
		trip.ShapeID,
		trip.Headsign,
		trip.DirectionID,
	)
	if err != nil {
		return fmt.Errorf("inserting trip: %w", err)
	}
	return nil
}

func (f *SQLiteFeedWriter) EndTrips() error {
	return nil
}

func (f *SQLiteFeedWriter) BeginStopTimes() error {
	// transaction with prepared statement.
	var err error
	f.stopTimeInsertTx, err = f.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning stop_time insert transaction: %w", err)
	}

	f.stopTimeInsertQuery, err = f.stopTimeInsertTx.Prepare(`
INSERT INTO stop_times (trip_id, stop_id, stop_sequence, arrival_time, departure_time, shape_dist_traveled, pickup_type, drop_off_type)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		f.stopTimeInsertTx.Rollback()
		f.stopTimeInsertTx = nil
		return fmt.Errorf("preparing stop_time insert: %w", err)
	}

	return nil
}

func (f *SQLiteFeedWriter) WriteStopTime(stopTime *model.StopTime) error {
	_, err := f.stopTimeInsertQuery.Exec(
		stopTime.TripID,
		stopTime.StopID,
		stopTime.StopSequence,
		stopTime.Arrival,
		stopTime.Departure,
		sql.NullFloat64{Float64: stopTime.ShapeDist, Valid: stopTime.HasShapeDist},
		stopTime.PickupType,
		stopTime.DropOffType,
	)
	if err != nil {
		f.stopTimeInsertQuery.Close()
		f.stopTimeInsertTx.Rollback()
		f.stopTimeInsertTx = nil
		f.stopTimeInsertQuery = nil
		return fmt.Errorf("inserting stop_time: %w", err)
	}

	return nil
}

func (f *SQLiteFeedWriter) EndStopTimes() error {
	// commit transaction and clean up
	f.stopTimeInsertQuery.Close()
	err := f.stopTimeInsertTx.Commit()
	if err != nil {
		return fmt.Errorf("committing stop_time insert transaction: %w", err)
	}
	f.stopTimeInsertTx = nil
	f.stopTimeInsertQuery = nil

	return nil
}

func (f *SQLiteFeedWriter) BeginShapes() error {
	var err error
	f.shapeInsertTx, err = f.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning shape insert transaction: %w", err)
	}

	f.shapeInsertQuery, err = f.shapeInsertTx.Prepare(`
INSERT INTO shapes (shape_id, lat, lon, sequence, dist_traveled)
VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		f.shapeInsertTx.Rollback()
		f.shapeInsertTx = nil
		return fmt.Errorf("preparing shape insert: %w", err)
	}

	return nil
}

func (f *SQLiteFeedWriter) WriteShapePoint(point *model.ShapePoint) error {
	_, err := f.shapeInsertQuery.Exec(
		point.ShapeID,
		point.Lat,
		point.Lon,
		point.Sequence,
		sql.NullFloat64{Float64: point.Dist, Valid: point.HasDist},
	)
	if err != nil {
		f.shapeInsertQuery.Close()
		f.shapeInsertTx.Rollback()
		f.shapeInsertTx = nil
		f.shapeInsertQuery = nil
		return fmt.Errorf("inserting shape point: %w", err)
	}
	return nil
}

func (f *SQLiteFeedWriter) EndShapes() error {
	f.shapeInsertQuery.Close()
	err := f.shapeInsertTx.Commit()
	if err != nil {
		return fmt.Errorf("committing shape insert transaction: %w", err)
	}
	f.shapeInsertTx = nil
	f.shapeInsertQuery = nil
	return nil
}

func (f *SQLiteFeedWriter) WriteCalendar(cal *model.Calendar) error {
	var days [7]int
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		if cal.RunsOnWeekday(wd) {
			days[wd] = 1
		}
	}

	_, err := f.db.Exec(`
INSERT INTO calendar (service_id, start_date, end_date, monday, tuesday, wednesday, thursday, friday, saturday, sunday)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cal.ServiceID,
		cal.StartDate,
		cal.EndDate,
		days[time.Monday],
		days[time.Tuesday],
		days[time.Wednesday],
		days[time.Thursday],
		days[time.Friday],
		days[time.Saturday],
		days[time.Sunday],
	)
	if err != nil {
		return fmt.Errorf("inserting calendar: %w", err)
	}

	return nil
}

func (f *SQLiteFeedWriter) WriteCalendarDate(cd *model.CalendarDate) error {
	_, err := f.db.Exec(`
INSERT INTO calendar_dates (service_id, date, exception_type)
VALUES (?, ?, ?)`,
		cd.ServiceID,
		cd.Date,
		cd.ExceptionType,
	)
	if err != nil {
		return fmt.Errorf("inserting calendar date: %w", err)
	}

	return nil
}

func (f *SQLiteFeedWriter) Close() error {
	_, err := f.db.Exec(`ANALYZE;`)
	if err != nil {
		return fmt.Errorf("analyzing database: %w", err)
	}

	return nil
}

// Every query below binds its values. The weekday column of the
// calendar table is selected with a CASE on a bound weekday number.
func (f *SQLiteFeedReader) ActiveServices(date string) ([]string, error) {
	parsedDate, err := time.Parse("20060102", date)
	if err != nil {
		return nil, fmt.Errorf("invalid date: %s", date)
	}

	rows, err := f.db.Query(`
WITH
Exceptions AS (
	SELECT service_id, exception_type
	FROM calendar_dates
	WHERE date = ?
),
Regular AS (
	SELECT service_id
	FROM calendar
	WHERE CASE ?
	          WHEN 0 THEN sunday
	          WHEN 1 THEN monday
	          WHEN 2 THEN tuesday
	          WHEN 3 THEN wednesday
	          WHEN 4 THEN thursday
	          WHEN 5 THEN friday
	          WHEN 6 THEN saturday
	      END = 1 AND
	      start_date <= ? AND
	      end_date >= ?
)
SELECT service_id
FROM Regular
WHERE service_id NOT IN (
	SELECT service_id FROM Exceptions WHERE exception_type = 2
)
UNION
SELECT service_id
FROM Exceptions
WHERE exception_type = 1
ORDER BY service_id
`, date, int(parsedDate.Weekday()), date, date)
	if err != nil {
		return nil, fmt.Errorf("querying for active services: %w", err)
	}
	defer rows.Close()

	activeServices := []string{}
	for rows.Next() {
		var serviceID string
		err = rows.Scan(&serviceID)
		if err != nil {
			return nil, fmt.Errorf("scanning active services: %w", err)
		}
		activeServices = append(activeServices, serviceID)
	}

	return activeServices, rows.Err()
}

func (f *SQLiteFeedReader) Agencies() ([]*model.Agency, error) {
	return queryAgencies(f.db, `SELECT id, name, url, timezone FROM agency ORDER BY id`)
}

func (f *SQLiteFeedReader) Agency(id string) (*model.Agency, error) {
	agencies, err := queryAgencies(f.db, `SELECT id, name, url, timezone FROM agency WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(agencies) == 0 {
		return nil, fmt.Errorf("agency %s: %w", id, ErrNotFound)
	}
	return agencies[0], nil
}

func (f *SQLiteFeedReader) Stops() ([]*model.Stop, error) {
	return queryStops(f.db, `SELECT id, code, name, lat, lon, parent_station FROM stops ORDER BY id`)
}

func (f *SQLiteFeedReader) Stop(id string) (*model.Stop, error) {
	stops, err := queryStops(f.db, `SELECT id, code, name, lat, lon, parent_station FROM stops WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(stops) == 0 {
		return nil, fmt.Errorf("stop %s: %w", id, ErrNotFound)
	}
	return stops[0], nil
}

func (f *SQLiteFeedReader) Routes() ([]*model.Route, error) {
	return queryRoutes(f.db, `SELECT id, agency_id, short_name, long_name, type FROM routes ORDER BY id`)
}

func (f *SQLiteFeedReader) Route(id string) (*model.Route, error) {
	routes, err := queryRoutes(f.db, `SELECT id, agency_id, short_name, long_name, type FROM routes WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(routes) == 0 {
		return nil, fmt.Errorf("route %s: %w", id, ErrNotFound)
	}
	return routes[0], nil
}

func (f *SQLiteFeedReader) Trips() ([]*model.Trip, error) {
	return queryTrips(f.db, `
SELECT id, route_id, service_id, shape_id, headsign, direction_id
FROM trips ORDER BY id`)
}

func (f *SQLiteFeedReader) Trip(id string) (*model.Trip, error) {
	trips, err := queryTrips(f.db, `
SELECT id, route_id, service_id, shape_id, headsign, direction_id
FROM trips WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(trips) == 0 {
		return nil, fmt.Errorf("trip %s: %w", id, ErrNotFound)
	}
	return trips[0], nil
}

func (f *SQLiteFeedReader) TripsForServices(serviceIDs []string) ([]*model.Trip, error) {
	if len(serviceIDs) == 0 {
		return []*model.Trip{}, nil
	}
	placeholders := make([]string, len(serviceIDs))
	params := make([]interface{}, len(serviceIDs))
	for i, id := range serviceIDs {
		placeholders[i] = "?"
		params[i] = id
	}
	return queryTrips(f.db, `
SELECT id, route_id, service_id, shape_id, headsign, direction_id
FROM trips
WHERE service_id IN (`+strings.Join(placeholders, ", ")+`)
ORDER BY id`, params...)
}

func (f *SQLiteFeedReader) StopTimes() ([]*model.StopTime, error) {
	return queryStopTimes(f.db, `
SELECT trip_id, stop_id, stop_sequence, arrival_time, departure_time, shape_dist_traveled, pickup_type, drop_off_type
FROM stop_times
ORDER BY trip_id, stop_sequence`)
}

func (f *SQLiteFeedReader) TripStopVisits(tripID string) ([]*model.StopVisit, error) {
	return queryStopVisits(f.db, `
SELECT
    st.trip_id,
    st.stop_id,
    st.stop_sequence,
    st.arrival_time,
    st.departure_time,
    st.shape_dist_traveled,
    st.pickup_type,
    st.drop_off_type,
    s.id,
    s.code,
    s.name,
    s.lat,
    s.lon,
    s.parent_station
FROM stop_times st
INNER JOIN stops s ON st.stop_id = s.id
WHERE st.trip_id = ?
ORDER BY st.stop_sequence`, tripID)
}

func (f *SQLiteFeedReader) Calendars() ([]*model.Calendar, error) {
	return queryCalendars(f.db, `
SELECT service_id, start_date, end_date, monday, tuesday, wednesday, thursday, friday, saturday, sunday
FROM calendar ORDER BY service_id`)
}

func (f *SQLiteFeedReader) Calendar(serviceID string) (*model.Calendar, error) {
	calendars, err := queryCalendars(f.db, `
SELECT service_id, start_date, end_date, monday, tuesday, wednesday, thursday, friday, saturday, sunday
FROM calendar WHERE service_id = ?`, serviceID)
	if err != nil {
		return nil, err
	}
	if len(calendars) == 0 {
		return nil, fmt.Errorf("calendar for service %s: %w", serviceID, ErrNotFound)
	}
	return calendars[0], nil
}

func (f *SQLiteFeedReader) CalendarDates() ([]*model.CalendarDate, error) {
	return queryCalendarDates(f.db, `
SELECT service_id, date, exception_type
FROM calendar_dates ORDER BY service_id, date`)
}

func (f *SQLiteFeedReader) CalendarDatesForService(serviceID string) ([]*model.CalendarDate, error) {
	return queryCalendarDates(f.db, `
SELECT service_id, date, exception_type
FROM calendar_dates WHERE service_id = ? ORDER BY date`, serviceID)
}

func (f *SQLiteFeedReader) ShapePoints(shapeID string) ([]*model.ShapePoint, error) {
	return queryShapePoints(f.db, `
SELECT shape_id, lat, lon, sequence, dist_traveled
FROM shapes WHERE shape_id = ? ORDER BY sequence`, shapeID)
}

func (t *SQLiteTraceStore) TraceHeader(tripID string) (*model.TraceHeader, error) {
	headers, err := queryTraceHeaders(t.db, sqliteTraceHeaderSelect+` WHERE trip_id = ?`, tripID)
	if err != nil {
		return nil, err
	}
	if len(headers) == 0 {
		return nil, fmt.Errorf("trace for trip %s: %w", tripID, ErrNotFound)
	}
	return headers[0], nil
}

func (t *SQLiteTraceStore) FindTrace(shapeID string, duration int, interval int) (*model.TraceHeader, error) {
	headers, err := queryTraceHeaders(
		t.db,
		sqliteTraceHeaderSelect+` WHERE shape_id = ? AND duration = ? AND sample_interval = ? ORDER BY trip_id LIMIT 1`,
		shapeID, duration, interval,
	)
	if err != nil {
		return nil, err
	}
	if len(headers) == 0 {
		return nil, fmt.Errorf("trace for shape %s duration %d interval %d: %w", shapeID, duration, interval, ErrNotFound)
	}
	return headers[0], nil
}

func (t *SQLiteTraceStore) TraceHeaders() ([]*model.TraceHeader, error) {
	return queryTraceHeaders(t.db, sqliteTraceHeaderSelect+` ORDER BY trip_id`)
}

func (t *SQLiteTraceStore) TraceSamples(tripID string) ([]model.PositionSample, error) {
	return querySamples(t.db, `
SELECT trip_id, second, lat, lon, mode, pickup_text, dropoff_text, agency_id, route_id, shape_id
FROM intervals WHERE trip_id = ? ORDER BY second`, tripID)
}

func (t *SQLiteTraceStore) ActiveAt(second int) ([]model.PositionSample, error) {
	return querySamples(t.db, `
SELECT trip_id, second, lat, lon, mode, pickup_text, dropoff_text, agency_id, route_id, shape_id
FROM intervals WHERE second = ? ORDER BY trip_id`, second)
}

func (t *SQLiteTraceStore) WriteTrace(trace *model.Trace) error {
	tx, err := t.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning trace transaction: %w", err)
	}
	defer tx.Rollback()

	h := trace.Header
	if _, err := tx.Exec(`DELETE FROM intervals WHERE trip_id = ?`, h.TripID); err != nil {
		return fmt.Errorf("deleting intervals: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM traces WHERE trip_id = ?`, h.TripID); err != nil {
		return fmt.Errorf("deleting trace: %w", err)
	}

	_, err = tx.Exec(`
INSERT INTO traces (trip_id, shape_id, service_day, start_second, end_second, duration, sample_interval, source, source_trip_id, computed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.TripID,
		h.ShapeID,
		h.ServiceDay,
		h.Start,
		h.End,
		h.Duration,
		h.Interval,
		string(h.Source),
		h.SourceTripID,
		h.ComputedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("inserting trace: %w", err)
	}

	stmt, err := tx.Prepare(`
INSERT INTO intervals (trip_id, second, lat, lon, mode, pickup_text, dropoff_text, agency_id, route_id, shape_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing interval insert: %w", err)
	}
	defer stmt.Close()

	for _, s := range trace.Samples {
		_, err = stmt.Exec(
			s.TripID,
			s.Second,
			s.Lat,
			s.Lon,
			s.Mode,
			s.PickupText,
			s.DropOffText,
			s.AgencyID,
			s.RouteID,
			s.ShapeID,
		)
		if err != nil {
			return fmt.Errorf("inserting interval: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing trace: %w", err)
	}
	return nil
}

func (t *SQLiteTraceStore) DeleteTrace(tripID string) error {
	tx, err := t.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning trace transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM intervals WHERE trip_id = ?`, tripID); err != nil {
		return fmt.Errorf("deleting intervals: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM traces WHERE trip_id = ?`, tripID); err != nil {
		return fmt.Errorf("deleting trace: %w", err)
	}
	return tx.Commit()
}

const sqliteTraceHeaderSelect = `
SELECT trip_id, shape_id, service_day, start_second, end_second, duration, sample_interval, source, source_trip_id, computed_at
FROM traces`
