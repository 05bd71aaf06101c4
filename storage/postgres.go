package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"tidbyt.dev/gtfstrace/model"
)

const (
	PSQLTripBatchSize     = 10000
	PSQLStopTimeBatchSize = 5000
	PSQLShapeBatchSize    = 10000

	// Rows per multi-row INSERT when COPY isn't available.
	psqlInsertChunk = 500
)

const (
	// github.com/lib/pq, bulk loads use COPY
	PSQLDriverPQ = "postgres"

	// github.com/jackc/pgx/v5/stdlib, bulk loads use batched INSERTs
	PSQLDriverPGX = "pgx"
)

type PSQLStorage struct {
	db     *sql.DB
	driver string
}

type PSQLFeedWriter struct {
	id          string
	db          *sql.DB
	driver      string
	tripBuf     []*model.Trip
	stopTimeBuf []*model.StopTime
	shapeBuf    []*model.ShapePoint
}

type PSQLFeedReader struct {
	id string
	db *sql.DB
}

type PSQLTraceStore struct {
	id string
	db *sql.DB
}

var psqlFeedTables = []struct {
	name  string
	query string
}{
	{"agency", `
CREATE TABLE IF NOT EXISTS agency (
    hash TEXT NOT NULL,
    id TEXT NOT NULL,
    name TEXT NOT NULL,
    url TEXT NOT NULL,
    timezone TEXT NOT NULL,
    PRIMARY KEY(hash, id)
);`},
	{"stops", `
CREATE TABLE IF NOT EXISTS stops (
    hash TEXT NOT NULL,
    id TEXT NOT NULL,
    code TEXT NOT NULL,
    name TEXT NOT NULL,
    lat DOUBLE PRECISION NOT NULL,
    lon DOUBLE PRECISION NOT NULL,
    parent_station TEXT NOT NULL,
    PRIMARY KEY(hash, id)
);`},
	{"routes", `
CREATE TABLE IF NOT EXISTS routes (
    hash TEXT NOT NULL,
    id TEXT NOT NULL,
    agency_id TEXT NOT NULL,
    short_name TEXT NOT NULL,
    long_name TEXT NOT NULL,
    type INTEGER NOT NULL,
    PRIMARY KEY(hash, id)
);`},
	{"trips", `
CREATE TABLE IF NOT EXISTS trips (
    hash TEXT NOT NULL,
    id TEXT NOT NULL,
    route_id TEXT NOT NULL,
    service_id TEXT NOT NULL,
    shape_id TEXT NOT NULL,
    headsign TEXT NOT NULL,
    direction_id INTEGER NOT NULL,
    PRIMARY KEY(hash, id)
);
CREATE INDEX IF NOT EXISTS trips_service_id ON trips (hash, service_id);
`},
	{"stop_times", `
CREATE TABLE IF NOT EXISTS stop_times (
    hash TEXT NOT NULL,
    trip_id TEXT NOT NULL,
    stop_id TEXT NOT NULL,
    stop_sequence INTEGER NOT NULL,
    arrival_time TEXT NOT NULL,
    departure_time TEXT NOT NULL,
    shape_dist_traveled DOUBLE PRECISION,
    pickup_type INTEGER NOT NULL,
    drop_off_type INTEGER NOT NULL,
    PRIMARY KEY(hash, trip_id, stop_sequence)
);`},
	{"calendar", `
CREATE TABLE IF NOT EXISTS calendar (
    hash TEXT NOT NULL,
    service_id TEXT NOT NULL,
    start_date TEXT NOT NULL,
    end_date TEXT NOT NULL,
    monday INTEGER NOT NULL,
    tuesday INTEGER NOT NULL,
    wednesday INTEGER NOT NULL,
    thursday INTEGER NOT NULL,
    friday INTEGER NOT NULL,
    saturday INTEGER NOT NULL,
    sunday INTEGER NOT NULL,
    PRIMARY KEY(hash, service_id)
);`},
	{"calendar_dates", `
CREATE TABLE IF NOT EXISTS calendar_dates (
    hash TEXT NOT NULL,
    service_id TEXT NOT NULL,
    date TEXT NOT NULL,
    exception_type INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS calendar_dates_service_id ON calendar_dates (hash, service_id, date);
`},
	{"shapes", `
CREATE TABLE IF NOT EXISTS shapes (
    hash TEXT NOT NULL,
    shape_id TEXT NOT NULL,
    lat DOUBLE PRECISION NOT NULL,
    lon DOUBLE PRECISION NOT NULL,
    sequence INTEGER NOT NULL,
    dist_traveled DOUBLE PRECISION,
    PRIMARY KEY(hash, shape_id, sequence)
);`},
	{"traces", `
CREATE TABLE IF NOT EXISTS traces (
    hash TEXT NOT NULL,
    trip_id TEXT NOT NULL,
    shape_id TEXT NOT NULL,
    service_day TEXT NOT NULL,
    start_second INTEGER NOT NULL,
    end_second INTEGER NOT NULL,
    duration INTEGER NOT NULL,
    sample_interval INTEGER NOT NULL,
    source TEXT NOT NULL,
    source_trip_id TEXT NOT NULL,
    computed_at BIGINT NOT NULL,
    PRIMARY KEY(hash, trip_id)
);
CREATE INDEX IF NOT EXISTS traces_shape_duration ON traces (hash, shape_id, duration, sample_interval);
`},
	{"intervals", `
CREATE TABLE IF NOT EXISTS intervals (
    hash TEXT NOT NULL,
    trip_id TEXT NOT NULL,
    second INTEGER NOT NULL,
    lat DOUBLE PRECISION NOT NULL,
    lon DOUBLE PRECISION NOT NULL,
    mode TEXT NOT NULL,
    pickup_text TEXT NOT NULL,
    dropoff_text TEXT NOT NULL,
    agency_id TEXT NOT NULL,
    route_id TEXT NOT NULL,
    shape_id TEXT NOT NULL,
    PRIMARY KEY(hash, trip_id, second)
);
CREATE INDEX IF NOT EXISTS intervals_second ON intervals (hash, second);
`},
}

// Creates a new Postgres Storage using the provided connection
// string and the lib/pq driver.
//
// If clearDB is true, the database will be cleared on startup. You
// probably only want this for testing.
func NewPSQLStorage(connStr string, clearDB bool) (*PSQLStorage, error) {
	return newPSQLStorage(PSQLDriverPQ, connStr, clearDB)
}

// Like NewPSQLStorage, but connects through pgx.
func NewPGXStorage(connStr string, clearDB bool) (*PSQLStorage, error) {
	return newPSQLStorage(PSQLDriverPGX, connStr, clearDB)
}

func newPSQLStorage(driver string, connStr string, clearDB bool) (*PSQLStorage, error) {
	db, err := sql.Open(driver, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	err = db.Ping()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	if clearDB {
		drops := []string{"DROP TABLE IF EXISTS feed;"}
		for _, table := range psqlFeedTables {
			drops = append(drops, "DROP TABLE IF EXISTS "+table.name+";")
		}
		_, err = db.Exec(strings.Join(drops, "\n"))
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("clearing db: %w", err)
		}
	}

	_, err = db.Exec(`
CREATE TABLE IF NOT EXISTS feed (
    hash TEXT,
    url TEXT NOT NULL,
    retrieved_at TIMESTAMPTZ NOT NULL,
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

	for _, table := range psqlFeedTables {
		_, err := db.Exec(table.query)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("creating %s table: %w", table.name, err)
		}
	}

	return &PSQLStorage{
		db:     db,
		driver: driver,
	}, nil
}

func (s *PSQLStorage) Close() error {
	err := s.db.Close()
	if err != nil {
		return fmt.Errorf("failed to close db: %w", err)
	}
	return nil
}

func (s *PSQLStorage) ListFeeds(filter ListFeedsFilter) ([]*FeedMetadata, error) {
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
	paramCount := 1

	if filter.URL != "" {
		conditions = append(conditions, fmt.Sprintf("url = $%d", paramCount))
		params = append(params, filter.URL)
		paramCount++
	}
	if filter.Hash != "" {
		conditions = append(conditions, fmt.Sprintf("hash = $%d", paramCount))
		params = append(params, filter.Hash)
		paramCount++
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY retrieved_at DESC"

	rows, err := s.db.Query(query, params...)
	if err != nil {
		return nil, fmt.Errorf("listing feeds: %w", err)
	}
	defer rows.Close()

	feeds := []*FeedMetadata{}
	for rows.Next() {
		var feed FeedMetadata
		err := rows.Scan(
			&feed.Hash,
			&feed.URL,
			&feed.RetrievedAt,
			&feed.CalendarStartDate,
			&feed.CalendarEndDate,
			&feed.Timezone,
			&feed.MaxArrival,
			&feed.MaxDeparture,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning feed: %w", err)
		}
		feed.RetrievedAt = feed.RetrievedAt.UTC()
		feeds = append(feeds, &feed)
	}

	return feeds, rows.Err()
}

func (s *PSQLStorage) WriteFeedMetadata(feed *FeedMetadata) error {
	_, err := s.db.Exec(`
INSERT INTO feed (
    hash,
    url,
    retrieved_at,
    calendar_start,
    calendar_end,
    timezone,
    max_arrival,
    max_departure
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (hash, url) DO UPDATE SET
    retrieved_at = $3,
    calendar_start = $4,
    calendar_end = $5,
    timezone = $6,
    max_arrival = $7,
    max_departure = $8`,
		feed.Hash,
		feed.URL,
		feed.RetrievedAt,
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

func (s *PSQLStorage) DeleteFeedMetadata(url string, hash string) error {
	_, err := s.db.Exec(`DELETE FROM feed WHERE url = $1 AND hash = $2`, url, hash)
	if err != nil {
		return fmt.Errorf("deleting feed metadata: %w", err)
	}
	return nil
}

func (s *PSQLStorage) GetReader(hash string) (FeedReader, error) {
	return &PSQLFeedReader{
		id: hash,
		db: s.db,
	}, nil
}

func (s *PSQLStorage) GetTraceStore(hash string) (TraceStore, error) {
	return &PSQLTraceStore{
		id: hash,
		db: s.db,
	}, nil
}

func (s *PSQLStorage) GetWriter(hash string) (FeedWriter, error) {
	// In case feed already exists, delete all records
	for _, table := range psqlFeedTables {
		_, err := s.db.Exec(`DELETE FROM `+table.name+` WHERE hash = $1`, hash)
		if err != nil {
			return nil, fmt.Errorf("deleting %s records: %w", table.name, err)
		}
	}

	return &PSQLFeedWriter{
		id:     hash,
		db:     s.db,
		driver: s.driver,
	}, nil
}

// Loads rows into table within a single transaction. With lib/pq
// this is a COPY. pgx's database/sql adapter has no COPY support, so
// rows go out as multi-row INSERTs through prepared statements.
func (w *PSQLFeedWriter) bulkInsert(table string, columns []string, rows [][]interface{}) error {
	tx, err := w.db.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if w.driver == PSQLDriverPQ {
		stmt, err := tx.Prepare(pq.CopyIn(table, columns...))
		if err != nil {
			return fmt.Errorf("preparing statement: %w", err)
		}
		defer stmt.Close()

		for _, row := range rows {
			_, err = stmt.Exec(row...)
			if err != nil {
				return fmt.Errorf("COPY %s: %w", table, err)
			}
		}

		_, err = stmt.Exec()
		if err != nil {
			return fmt.Errorf("executing statement: %w", err)
		}
	} else {
		for start := 0; start < len(rows); start += psqlInsertChunk {
			end := start + psqlInsertChunk
			if end > len(rows) {
				end = len(rows)
			}
			chunk := rows[start:end]

			values := make([]string, len(chunk))
			params := make([]interface{}, 0, len(chunk)*len(columns))
			for i, row := range chunk {
				placeholders := make([]string, len(columns))
				for j := range columns {
					placeholders[j] = fmt.Sprintf("$%d", i*len(columns)+j+1)
				}
				values[i] = "(" + strings.Join(placeholders, ", ") + ")"
				params = append(params, row...)
			}

			_, err = tx.Exec(
				"INSERT INTO "+table+" ("+strings.Join(columns, ", ")+") VALUES "+strings.Join(values, ", "),
				params...,
			)
			if err != nil {
				return fmt.Errorf("inserting %s: %w", table, err)
			}
		}
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("committing: %w", err)
	}

	return nil
}

func (w *PSQLFeedWriter) WriteAgency(a *model.Agency) error {
	_, err := w.db.Exec(`
INSERT INTO agency (hash, id, name, url, timezone)
VALUES ($1, $2, $3, $4, $5)`,
		w.id,
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

func (w *PSQLFeedWriter) WriteStop(stop *model.Stop) error {
	_, err := w.db.Exec(`
INSERT INTO stops (hash, id, code, name, lat, lon, parent_station)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		w.id,
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

func (w *PSQLFeedWriter) WriteRoute(route *model.Route) error {
	_, err := w.db.Exec(`
INSERT INTO routes (hash, id, agency_id, short_name, long_name, type)
VALUES ($1, $2, $3, $4, $5, $6)`,
		w.id,
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

func (w *PSQLFeedWriter) BeginTrips() error {
	return nil
}

func (w *PSQLFeedWriter) WriteTrip(trip *model.Trip) error {
	w.tripBuf = append(w.tripBuf, trip)

	if len(w.tripBuf) >= PSQLTripBatchSize {
		err := w.flushTrips()
		if err != nil {
			return fmt.Errorf("flushing trips: %w", err)
		}
	}

	return nil
}

func (w *PSQLFeedWriter) EndTrips() error {
	if len(w.tripBuf) > 0 {
		err := w.flushTrips()
		if err != nil {
			return fmt.Errorf("flushing trips: %w", err)
		}
	}
	return nil
}

func (w *PSQLFeedWriter) flushTrips() error {
	rows := make([][]interface{}, len(w.tripBuf))
	for i, trip := range w.tripBuf {
		rows[i] = []interface{}{
			w.id, trip.ID, trip.RouteID, trip.ServiceID, trip.ShapeID, trip.Headsign, trip.DirectionID,
		}
	}

	err := w.bulkInsert(
		"trips",
		[]string{"hash", "id", "route_id", "service_id", "shape_id", "headsign", "direction_id"},
		rows,
	)
	if err != nil {
		return err
	}

	w.tripBuf = nil
	return nil
}

func (w *PSQLFeedWriter) WriteCalendar(cal *model.Calendar) error {
	var days [7]int
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		if cal.RunsOnWeekday(wd) {
			days[wd] = 1
		}
	}

	_, err := w.db.Exec(`
INSERT INTO calendar (hash, service_id, start_date, end_date, monday, tuesday, wednesday, thursday, friday, saturday, sunday)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		w.id,
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

func (w *PSQLFeedWriter) WriteCalendarDate(cd *model.CalendarDate) error {
	_, err := w.db.Exec(`
INSERT INTO calendar_dates (hash, service_id, date, exception_type)
VALUES ($1, $2, $3, $4)`,
		w.id,
		cd.ServiceID,
		cd.Date,
		cd.ExceptionType,
	)
	if err != nil {
		return fmt.Errorf("inserting calendar date: %w", err)
	}

	return nil
}

func (w *PSQLFeedWriter) BeginStopTimes() error {
	return nil
}

func (w *PSQLFeedWriter) WriteStopTime(stopTime *model.StopTime) error {
	w.stopTimeBuf = append(w.stopTimeBuf, stopTime)

	if len(w.stopTimeBuf) >= PSQLStopTimeBatchSize {
		err := w.flushStopTimes()
		if err != nil {
			return fmt.Errorf("flushing stop_times: %w", err)
		}
	}

	return nil
}

func (w *PSQLFeedWriter) EndStopTimes() error {
	if len(w.stopTimeBuf) > 0 {
		err := w.flushStopTimes()
		if err != nil {
			return fmt.Errorf("flushing stop_times: %w", err)
		}
	}
	return nil
}

func (w *PSQLFeedWriter) flushStopTimes() error {
	rows := make([][]interface{}, len(w.stopTimeBuf))
	for i, st := range w.stopTimeBuf {
		rows[i] = []interface{}{
			w.id,
			st.TripID,
			st.StopID,
			int64(st.StopSequence),
			st.Arrival,
			st.Departure,
			sql.NullFloat64{Float64: st.ShapeDist, Valid: st.HasShapeDist},
			int64(st.PickupType),
			int64(st.DropOffType),
		}
	}

	err := w.bulkInsert(
		"stop_times",
		[]string{
			"hash", "trip_id", "stop_id", "stop_sequence", "arrival_time", "departure_time",
			"shape_dist_traveled", "pickup_type", "drop_off_type",
		},
		rows,
	)
	if err != nil {
		return err
	}

	w.stopTimeBuf = nil
	return nil
}

func (w *PSQLFeedWriter) BeginShapes() error {
	return nil
}

func (w *PSQLFeedWriter) WriteShapePoint(point *model.ShapePoint) error {
	w.shapeBuf = append(w.shapeBuf, point)

	if len(w.shapeBuf) >= PSQLShapeBatchSize {
		err := w.flushShapes()
		if err != nil {
			return fmt.Errorf("flushing shapes: %w", err)
		}
	}
	return nil
}

func (w *PSQLFeedWriter) EndShapes() error {
	if len(w.shapeBuf) > 0 {
		err := w.flushShapes()
		if err != nil {
			return fmt.Errorf("flushing shapes: %w", err)
		}
	}
	return nil
}

func (w *PSQLFeedWriter) flushShapes() error {
	rows := make([][]interface{}, len(w.shapeBuf))
	for i, p := range w.shapeBuf {
		rows[i] = []interface{}{
			w.id,
			p.ShapeID,
			p.Lat,
			p.Lon,
			int64(p.Sequence),
			sql.NullFloat64{Float64: p.Dist, Valid: p.HasDist},
		}
	}

	err := w.bulkInsert(
		"shapes",
		[]string{"hash", "shape_id", "lat", "lon", "sequence", "dist_traveled"},
		rows,
	)
	if err != nil {
		return err
	}

	w.shapeBuf = nil
	return nil
}

func (s *PSQLFeedWriter) Close() error {
	_, err := s.db.Exec(`ANALYZE`)
	if err != nil {
		return fmt.Errorf("analyzing: %w", err)
	}
	return nil
}

func (r *PSQLFeedReader) Agencies() ([]*model.Agency, error) {
	return queryAgencies(r.db, `
SELECT id, name, url, timezone
FROM agency
WHERE hash = $1
ORDER BY id`, r.id)
}

func (r *PSQLFeedReader) Agency(id string) (*model.Agency, error) {
	agencies, err := queryAgencies(r.db, `
SELECT id, name, url, timezone
FROM agency
WHERE hash = $1 AND id = $2`, r.id, id)
	if err != nil {
		return nil, err
	}
	if len(agencies) == 0 {
		return nil, fmt.Errorf("agency %s: %w", id, ErrNotFound)
	}
	return agencies[0], nil
}

func (r *PSQLFeedReader) Stops() ([]*model.Stop, error) {
	return queryStops(r.db, `
SELECT id, code, name, lat, lon, parent_station
FROM stops
WHERE hash = $1
ORDER BY id`, r.id)
}

func (r *PSQLFeedReader) Stop(id string) (*model.Stop, error) {
	stops, err := queryStops(r.db, `
SELECT id, code, name, lat, lon, parent_station
FROM stops
WHERE hash = $1 AND id = $2`, r.id, id)
	if err != nil {
		return nil, err
	}
	if len(stops) == 0 {
		return nil, fmt.Errorf("stop %s: %w", id, ErrNotFound)
	}
	return stops[0], nil
}

func (r *PSQLFeedReader) Routes() ([]*model.Route, error) {
	return queryRoutes(r.db, `
SELECT id, agency_id, short_name, long_name, type
FROM routes
WHERE hash = $1
ORDER BY id`, r.id)
}

func (r *PSQLFeedReader) Route(id string) (*model.Route, error) {
	routes, err := queryRoutes(r.db, `
SELECT id, agency_id, short_name, long_name, type
FROM routes
WHERE hash = $1 AND id = $2`, r.id, id)
	if err != nil {
		return nil, err
	}
	if len(routes) == 0 {
		return nil, fmt.Errorf("route %s: %w", id, ErrNotFound)
	}
	return routes[0], nil
}

func (r *PSQLFeedReader) Trips() ([]*model.Trip, error) {
	return queryTrips(r.db, `
SELECT id, route_id, service_id, shape_id, headsign, direction_id
FROM trips
WHERE hash = $1
ORDER BY id`, r.id)
}

func (r *PSQLFeedReader) Trip(id string) (*model.Trip, error) {
	trips, err := queryTrips(r.db, `
SELECT id, route_id, service_id, shape_id, headsign, direction_id
FROM trips
WHERE hash = $1 AND id = $2`, r.id, id)
	if err != nil {
		return nil, err
	}
	if len(trips) == 0 {
		return nil, fmt.Errorf("trip %s: %w", id, ErrNotFound)
	}
	return trips[0], nil
}

func (r *PSQLFeedReader) TripsForServices(serviceIDs []string) ([]*model.Trip, error) {
	if len(serviceIDs) == 0 {
		return []*model.Trip{}, nil
	}
	return queryTrips(r.db, `
SELECT id, route_id, service_id, shape_id, headsign, direction_id
FROM trips
WHERE hash = $1 AND service_id = ANY($2)
ORDER BY id`, r.id, pq.Array(serviceIDs))
}

func (r *PSQLFeedReader) StopTimes() ([]*model.StopTime, error) {
	return queryStopTimes(r.db, `
SELECT trip_id, stop_id, stop_sequence, arrival_time, departure_time, shape_dist_traveled, pickup_type, drop_off_type
FROM stop_times
WHERE hash = $1
ORDER BY trip_id, stop_sequence`, r.id)
}

func (r *PSQLFeedReader) TripStopVisits(tripID string) ([]*model.StopVisit, error) {
	return queryStopVisits(r.db, `
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
INNER JOIN stops s ON st.stop_id = s.id AND s.hash = $1
WHERE st.hash = $1 AND st.trip_id = $2
ORDER BY st.stop_sequence`, r.id, tripID)
}

func (r *PSQLFeedReader) Calendars() ([]*model.Calendar, error) {
	return queryCalendars(r.db, `
SELECT service_id, start_date, end_date, monday, tuesday, wednesday, thursday, friday, saturday, sunday
FROM calendar
WHERE hash = $1
ORDER BY service_id`, r.id)
}

func (r *PSQLFeedReader) Calendar(serviceID string) (*model.Calendar, error) {
	calendars, err := queryCalendars(r.db, `
SELECT service_id, start_date, end_date, monday, tuesday, wednesday, thursday, friday, saturday, sunday
FROM calendar
WHERE hash = $1 AND service_id = $2`, r.id, serviceID)
	if err != nil {
		return nil, err
	}
	if len(calendars) == 0 {
		return nil, fmt.Errorf("calendar for service %s: %w", serviceID, ErrNotFound)
	}
	return calendars[0], nil
}

func (r *PSQLFeedReader) CalendarDates() ([]*model.CalendarDate, error) {
	return queryCalendarDates(r.db, `
SELECT service_id, date, exception_type
FROM calendar_dates
WHERE hash = $1
ORDER BY service_id, date`, r.id)
}

func (r *PSQLFeedReader) CalendarDatesForService(serviceID string) ([]*model.CalendarDate, error) {
	return queryCalendarDates(r.db, `
SELECT service_id, date, exception_type
FROM calendar_dates
WHERE hash = $1 AND service_id = $2
ORDER BY date`, r.id, serviceID)
}

func (r *PSQLFeedReader) ShapePoints(shapeID string) ([]*model.ShapePoint, error) {
	return queryShapePoints(r.db, `
SELECT shape_id, lat, lon, sequence, dist_traveled
FROM shapes
WHERE hash = $1 AND shape_id = $2
ORDER BY sequence`, r.id, shapeID)
}

func (r *PSQLFeedReader) ActiveServices(date string) ([]string, error) {
	parsedDate, err := time.Parse("20060102", date)
	if err != nil {
		return nil, fmt.Errorf("invalid date: %s", date)
	}

	rows, err := r.db.Query(`
WITH
Exceptions AS (
    SELECT service_id, exception_type
    FROM calendar_dates
    WHERE hash = $1 AND date = $2
),
Regular AS (
    SELECT service_id
    FROM calendar
    WHERE hash = $1 AND
          CASE $3::integer
              WHEN 0 THEN sunday
              WHEN 1 THEN monday
              WHEN 2 THEN tuesday
              WHEN 3 THEN wednesday
              WHEN 4 THEN thursday
              WHEN 5 THEN friday
              WHEN 6 THEN saturday
          END = 1 AND
          start_date <= $2 AND
          end_date >= $2
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
ORDER BY service_id`, r.id, date, int(parsedDate.Weekday()))
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

const psqlTraceHeaderSelect = `
SELECT trip_id, shape_id, service_day, start_second, end_second, duration, sample_interval, source, source_trip_id, computed_at
FROM traces`

func (t *PSQLTraceStore) TraceHeader(tripID string) (*model.TraceHeader, error) {
	headers, err := queryTraceHeaders(t.db, psqlTraceHeaderSelect+`
WHERE hash = $1 AND trip_id = $2`, t.id, tripID)
	if err != nil {
		return nil, err
	}
	if len(headers) == 0 {
		return nil, fmt.Errorf("trace for trip %s: %w", tripID, ErrNotFound)
	}
	return headers[0], nil
}

func (t *PSQLTraceStore) FindTrace(shapeID string, duration int, interval int) (*model.TraceHeader, error) {
	headers, err := queryTraceHeaders(t.db, psqlTraceHeaderSelect+`
WHERE hash = $1 AND shape_id = $2 AND duration = $3 AND sample_interval = $4
ORDER BY trip_id
LIMIT 1`, t.id, shapeID, duration, interval)
	if err != nil {
		return nil, err
	}
	if len(headers) == 0 {
		return nil, fmt.Errorf("trace for shape %s duration %d interval %d: %w", shapeID, duration, interval, ErrNotFound)
	}
	return headers[0], nil
}

func (t *PSQLTraceStore) TraceHeaders() ([]*model.TraceHeader, error) {
	return queryTraceHeaders(t.db, psqlTraceHeaderSelect+`
WHERE hash = $1
ORDER BY trip_id`, t.id)
}

func (t *PSQLTraceStore) TraceSamples(tripID string) ([]model.PositionSample, error) {
	return querySamples(t.db, `
SELECT trip_id, second, lat, lon, mode, pickup_text, dropoff_text, agency_id, route_id, shape_id
FROM intervals
WHERE hash = $1 AND trip_id = $2
ORDER BY second`, t.id, tripID)
}

func (t *PSQLTraceStore) ActiveAt(second int) ([]model.PositionSample, error) {
	return querySamples(t.db, `
SELECT trip_id, second, lat, lon, mode, pickup_text, dropoff_text, agency_id, route_id, shape_id
FROM intervals
WHERE hash = $1 AND second = $2
ORDER BY trip_id`, t.id, second)
}

func (t *PSQLTraceStore) WriteTrace(trace *model.Trace) error {
	tx, err := t.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning trace transaction: %w", err)
	}
	defer tx.Rollback()

	h := trace.Header
	_, err = tx.Exec(`DELETE FROM intervals WHERE hash = $1 AND trip_id = $2`, t.id, h.TripID)
	if err != nil {
		return fmt.Errorf("deleting intervals: %w", err)
	}
	_, err = tx.Exec(`DELETE FROM traces WHERE hash = $1 AND trip_id = $2`, t.id, h.TripID)
	if err != nil {
		return fmt.Errorf("deleting trace: %w", err)
	}

	_, err = tx.Exec(`
INSERT INTO traces (hash, trip_id, shape_id, service_day, start_second, end_second, duration, sample_interval, source, source_trip_id, computed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.id,
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
INSERT INTO intervals (hash, trip_id, second, lat, lon, mode, pickup_text, dropoff_text, agency_id, route_id, shape_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`)
	if err != nil {
		return fmt.Errorf("preparing interval insert: %w", err)
	}
	defer stmt.Close()

	for _, s := range trace.Samples {
		_, err = stmt.Exec(
			t.id,
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

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("committing trace: %w", err)
	}
	return nil
}

func (t *PSQLTraceStore) DeleteTrace(tripID string) error {
	tx, err := t.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning trace transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`DELETE FROM intervals WHERE hash = $1 AND trip_id = $2`, t.id, tripID)
	if err != nil {
		return fmt.Errorf("deleting intervals: %w", err)
	}
	_, err = tx.Exec(`DELETE FROM traces WHERE hash = $1 AND trip_id = $2`, t.id, tripID)
	if err != nil {
		return fmt.Errorf("deleting trace: %w", err)
	}
	return tx.Commit()
}
