package storage

import (
	"errors"
	"time"

	"tidbyt.dev/gtfstrace/model"
)

var ErrNotFound = errors.New("not found")

type Storage interface {
	// Retrieves all feed metadata records matching the given
	// filter, most recently retrieved first.
	ListFeeds(filter ListFeedsFilter) ([]*FeedMetadata, error)

	// Writes a FeedMetadata record. If a record with the same URL
	// and hash exists, it is updated.
	WriteFeedMetadata(metadata *FeedMetadata) error

	DeleteFeedMetadata(url string, hash string) error

	// Gets a reader for the feed with the given hash.
	GetReader(feed string) (FeedReader, error)

	// Gets a writer for the feed with the given hash. Any data
	// previously written for the feed is discarded.
	GetWriter(feed string) (FeedWriter, error)

	// Gets the trace store holding computed position samples for
	// the feed with the given hash.
	GetTraceStore(feed string) (TraceStore, error)
}

type ListFeedsFilter struct {
	// If set, only include feeds with the given URL.
	URL string

	// If set, only include feeds with the given hash.
	Hash string
}

// Metadata for a loaded static GTFS feed. The parsed data can be
// accessed via FeedReader.
type FeedMetadata struct {
	URL               string
	Hash              string
	RetrievedAt       time.Time
	Timezone          string
	CalendarStartDate string
	CalendarEndDate   string
	MaxArrival        string
	MaxDeparture      string
}

// Writes GTFS records for a single feed.
//
// As stop_times.txt and shapes.txt tend to be very large, the
// Begin/End pairs are called around all calls to WriteStopTime() and
// WriteShapePoint(), allowing transactions/batching/whathaveyou.
type FeedWriter interface {
	WriteAgency(agency *model.Agency) error
	WriteStop(stop *model.Stop) error
	WriteRoute(route *model.Route) error
	WriteTrip(trip *model.Trip) error
	BeginTrips() error
	EndTrips() error
	WriteCalendar(cal *model.Calendar) error
	WriteCalendarDate(caldate *model.CalendarDate) error
	WriteStopTime(stopTime *model.StopTime) error
	BeginStopTimes() error
	EndStopTimes() error
	WriteShapePoint(point *model.ShapePoint) error
	BeginShapes() error
	EndShapes() error
	Close() error
}

// Read-only access to the GTFS tables of a feed. Single record
// lookups return ErrNotFound (wrapped) for unknown IDs.
type FeedReader interface {
	Agencies() ([]*model.Agency, error)
	Stops() ([]*model.Stop, error)
	Routes() ([]*model.Route, error)
	Trips() ([]*model.Trip, error)
	StopTimes() ([]*model.StopTime, error)
	Calendars() ([]*model.Calendar, error)
	CalendarDates() ([]*model.CalendarDate, error)

	Agency(id string) (*model.Agency, error)
	Stop(id string) (*model.Stop, error)
	Route(id string) (*model.Route, error)
	Trip(id string) (*model.Trip, error)

	// The calendar record for a service. Services defined only
	// through calendar_dates have none, in which case ErrNotFound
	// is returned.
	Calendar(serviceID string) (*model.Calendar, error)

	// All calendar_dates records for a service, ordered by date.
	CalendarDatesForService(serviceID string) ([]*model.CalendarDate, error)

	// Stop times of a trip joined with their stops, ordered by
	// stop_sequence.
	TripStopVisits(tripID string) ([]*model.StopVisit, error)

	// Points of a shape ordered by shape_pt_sequence.
	ShapePoints(shapeID string) ([]*model.ShapePoint, error)

	// Services IDs for all services active on the given
	// date. Date is given as YYYYMMDD.
	ActiveServices(date string) ([]string, error)

	// Trips of the given services, ordered by trip ID.
	TripsForServices(serviceIDs []string) ([]*model.Trip, error)
}

// Persisted position traces. Each trace is written as a whole: a
// reader sees either no rows for a trip or all of them.
type TraceStore interface {
	// Header of the trace stored for the trip, or ErrNotFound.
	TraceHeader(tripID string) (*model.TraceHeader, error)

	// Header of any trace with the given shape, duration and
	// sampling interval, or ErrNotFound. Used to reuse traces across
	// trips.
	FindTrace(shapeID string, duration int, interval int) (*model.TraceHeader, error)

	// All headers, ordered by trip ID.
	TraceHeaders() ([]*model.TraceHeader, error)

	// Samples of a trip's trace ordered by second.
	TraceSamples(tripID string) ([]model.PositionSample, error)

	// Samples at exactly the given second, ordered by trip ID.
	ActiveAt(second int) ([]model.PositionSample, error)

	// Replaces any trace for trace.Header.TripID, atomically.
	WriteTrace(trace *model.Trace) error

	DeleteTrace(tripID string) error
}
