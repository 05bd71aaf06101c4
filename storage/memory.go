package storage

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"tidbyt.dev/gtfstrace/model"
)

// In memory implementation of Storage below

type memoryMetadataKey struct {
	URL  string
	Hash string
}

type MemoryStorage struct {
	mutex    sync.RWMutex
	Feeds    map[string]*MemoryStorageFeed
	Metadata map[memoryMetadataKey]*FeedMetadata
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		Feeds:    map[string]*MemoryStorageFeed{},
		Metadata: map[memoryMetadataKey]*FeedMetadata{},
	}
}

func (s *MemoryStorage) ListFeeds(filter ListFeedsFilter) ([]*FeedMetadata, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	feeds := []*FeedMetadata{}
	for _, metadata := range s.Metadata {
		if filter.URL != "" && metadata.URL != filter.URL {
			continue
		}
		if filter.Hash != "" && metadata.Hash != filter.Hash {
			continue
		}
		feeds = append(feeds, metadata)
	}
	sort.Slice(feeds, func(i, j int) bool {
		return feeds[i].RetrievedAt.After(feeds[j].RetrievedAt)
	})
	return feeds, nil
}

func (s *MemoryStorage) WriteFeedMetadata(feed *FeedMetadata) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.Metadata[memoryMetadataKey{feed.URL, feed.Hash}] = feed
	return nil
}

func (s *MemoryStorage) DeleteFeedMetadata(url string, hash string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	key := memoryMetadataKey{url, hash}
	if _, found := s.Metadata[key]; !found {
		return fmt.Errorf("feed %s %s: %w", url, hash, ErrNotFound)
	}
	delete(s.Metadata, key)
	return nil
}

func (s *MemoryStorage) feed(feedID string) (*MemoryStorageFeed, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	f, ok := s.Feeds[feedID]
	if !ok {
		return nil, fmt.Errorf("feed %s: %w", feedID, ErrNotFound)
	}
	return f, nil
}

func (s *MemoryStorage) GetReader(feedID string) (FeedReader, error) {
	return s.feed(feedID)
}

func (s *MemoryStorage) GetTraceStore(feedID string) (TraceStore, error) {
	f, err := s.feed(feedID)
	if err != nil {
		return nil, err
	}
	return f.traces, nil
}

func (s *MemoryStorage) GetWriter(feed string) (FeedWriter, error) {
	f := &MemoryStorageFeed{
		calendar:        map[string]*model.Calendar{},
		calendarDate:    map[string][]*model.CalendarDate{},
		routes:          map[string]*model.Route{},
		agency:          map[string]*model.Agency{},
		stops:           map[string]*model.Stop{},
		trips:           map[string]*model.Trip{},
		stopTimesByTrip: map[string][]*model.StopTime{},
		shapes:          map[string][]*model.ShapePoint{},
		traces:          newMemoryTraceStore(),
	}

	s.mutex.Lock()
	s.Feeds[feed] = f
	s.mutex.Unlock()

	return f, nil
}

// Feed data is written once by a single goroutine and then only
// read, so it carries no lock of its own.
type MemoryStorageFeed struct {
	calendar        map[string]*model.Calendar
	calendarDate    map[string][]*model.CalendarDate
	routes          map[string]*model.Route
	agency          map[string]*model.Agency
	stops           map[string]*model.Stop
	trips           map[string]*model.Trip
	stopTimesByTrip map[string][]*model.StopTime
	shapes          map[string][]*model.ShapePoint
	traces          *MemoryTraceStore
}

func (f *MemoryStorageFeed) WriteAgency(agency *model.Agency) error {
	f.agency[agency.ID] = agency
	return nil
}

func (f *MemoryStorageFeed) WriteStop(stop *model.Stop) error {
	f.stops[stop.ID] = stop
	return nil
}

func (f *MemoryStorageFeed) WriteRoute(route *model.Route) error {
	f.routes[route.ID] = route
	return nil
}

func (f *MemoryStorageFeed) BeginTrips() error {
	return nil
}

func (f *MemoryStorageFeed) WriteTrip(trip *model.Trip) error {
	f.trips[trip.ID] = trip
	return nil
}

func (f *MemoryStorageFeed) EndTrips() error {
	return nil
}

func (f *MemoryStorageFeed) WriteCalendar(cal *model.Calendar) error {
	f.calendar[cal.ServiceID] = cal
	return nil
}

func (f *MemoryStorageFeed) WriteCalendarDate(cd *model.CalendarDate) error {
	f.calendarDate[cd.ServiceID] = append(f.calendarDate[cd.ServiceID], cd)
	return nil
}

func (f *MemoryStorageFeed) BeginStopTimes() error {
	return nil
}

func (f *MemoryStorageFeed) WriteStopTime(stopTime *model.StopTime) error {
	f.stopTimesByTrip[stopTime.TripID] = append(f.stopTimesByTrip[stopTime.TripID], stopTime)
	return nil
}

func (f *MemoryStorageFeed) EndStopTimes() error {
	for _, stopTimes := range f.stopTimesByTrip {
		sort.SliceStable(stopTimes, func(i, j int) bool {
			return stopTimes[i].StopSequence < stopTimes[j].StopSequence
		})
	}
	return nil
}

func (f *MemoryStorageFeed) BeginShapes() error {
	return nil
}

func (f *MemoryStorageFeed) WriteShapePoint(point *model.ShapePoint) error {
	f.shapes[point.ShapeID] = append(f.shapes[point.ShapeID], point)
	return nil
}

func (f *MemoryStorageFeed) EndShapes() error {
	for _, points := range f.shapes {
		sort.SliceStable(points, func(i, j int) bool {
			return points[i].Sequence < points[j].Sequence
		})
	}
	return nil
}

func (f *MemoryStorageFeed) Close() error {
	for _, dates := range f.calendarDate {
		sort.SliceStable(dates, func(i, j int) bool {
			return dates[i].Date < dates[j].Date
		})
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (f *MemoryStorageFeed) Agencies() ([]*model.Agency, error) {
	agencies := []*model.Agency{}
	for _, id := range sortedKeys(f.agency) {
		agencies = append(agencies, f.agency[id])
	}
	return agencies, nil
}

func (f *MemoryStorageFeed) Agency(id string) (*model.Agency, error) {
	a, found := f.agency[id]
	if !found {
		return nil, fmt.Errorf("agency %s: %w", id, ErrNotFound)
	}
	return a, nil
}

func (f *MemoryStorageFeed) Stops() ([]*model.Stop, error) {
	stops := []*model.Stop{}
	for _, id := range sortedKeys(f.stops) {
		stops = append(stops, f.stops[id])
	}
	return stops, nil
}

func (f *MemoryStorageFeed) Stop(id string) (*model.Stop, error) {
	s, found := f.stops[id]
	if !found {
		return nil, fmt.Errorf("stop %s: %w", id, ErrNotFound)
	}
	return s, nil
}

func (f *MemoryStorageFeed) Routes() ([]*model.Route, error) {
	routes := []*model.Route{}
	for _, id := range sortedKeys(f.routes) {
		routes = append(routes, f.routes[id])
	}
	return routes, nil
}

func (f *MemoryStorageFeed) Route(id string) (*model.Route, error) {
	r, found := f.routes[id]
	if !found {
		return nil, fmt.Errorf("route %s: %w", id, ErrNotFound)
	}
	return r, nil
}

func (f *MemoryStorageFeed) Trips() ([]*model.Trip, error) {
	trips := []*model.Trip{}
	for _, id := range sortedKeys(f.trips) {
		trips = append(trips, f.trips[id])
	}
	return trips, nil
}

func (f *MemoryStorageFeed) Trip(id string) (*model.Trip, error) {
	t, found := f.trips[id]
	if !found {
		return nil, fmt.Errorf("trip %s: %w", id, ErrNotFound)
	}
	return t, nil
}

func (f *MemoryStorageFeed) TripsForServices(serviceIDs []string) ([]*model.Trip, error) {
	services := map[string]bool{}
	for _, id := range serviceIDs {
		services[id] = true
	}

	trips := []*model.Trip{}
	for _, id := range sortedKeys(f.trips) {
		if services[f.trips[id].ServiceID] {
			trips = append(trips, f.trips[id])
		}
	}
	return trips, nil
}

func (f *MemoryStorageFeed) StopTimes() ([]*model.StopTime, error) {
	stopTimes := []*model.StopTime{}
	for _, tripID := range sortedKeys(f.stopTimesByTrip) {
		stopTimes = append(stopTimes, f.stopTimesByTrip[tripID]...)
	}
	return stopTimes, nil
}

// Stop times referencing unknown stops are left out, as with the
// SQL backends' inner join.
func (f *MemoryStorageFeed) TripStopVisits(tripID string) ([]*model.StopVisit, error) {
	visits := []*model.StopVisit{}
	for _, st := range f.stopTimesByTrip[tripID] {
		stop, found := f.stops[st.StopID]
		if !found {
			continue
		}
		visits = append(visits, &model.StopVisit{StopTime: st, Stop: stop})
	}
	return visits, nil
}

func (f *MemoryStorageFeed) Calendars() ([]*model.Calendar, error) {
	calendars := []*model.Calendar{}
	for _, id := range sortedKeys(f.calendar) {
		calendars = append(calendars, f.calendar[id])
	}
	return calendars, nil
}

func (f *MemoryStorageFeed) Calendar(serviceID string) (*model.Calendar, error) {
	c, found := f.calendar[serviceID]
	if !found {
		return nil, fmt.Errorf("calendar for service %s: %w", serviceID, ErrNotFound)
	}
	return c, nil
}

func (f *MemoryStorageFeed) CalendarDates() ([]*model.CalendarDate, error) {
	calendarDates := []*model.CalendarDate{}
	for _, serviceID := range sortedKeys(f.calendarDate) {
		calendarDates = append(calendarDates, f.calendarDate[serviceID]...)
	}
	return calendarDates, nil
}

func (f *MemoryStorageFeed) CalendarDatesForService(serviceID string) ([]*model.CalendarDate, error) {
	return append([]*model.CalendarDate{}, f.calendarDate[serviceID]...), nil
}

func (f *MemoryStorageFeed) ShapePoints(shapeID string) ([]*model.ShapePoint, error) {
	return append([]*model.ShapePoint{}, f.shapes[shapeID]...), nil
}

func (f *MemoryStorageFeed) ActiveServices(date string) ([]string, error) {
	parsedDate, err := time.Parse("20060102", date)
	if err != nil {
		return nil, fmt.Errorf("invalid date: %s", date)
	}
	weekday := parsedDate.Weekday()

	active := map[string]bool{}
	for _, cal := range f.calendar {
		if cal.StartDate <= date && cal.EndDate >= date && cal.RunsOnWeekday(weekday) {
			active[cal.ServiceID] = true
		}
	}

	// Removals first, so that an Added exception on the same date
	// wins as it does in the SQL backends' UNION.
	added := map[string]bool{}
	for serviceID, dates := range f.calendarDate {
		for _, cd := range dates {
			if cd.Date != date {
				continue
			}
			switch cd.ExceptionType {
			case model.ExceptionRemoved:
				delete(active, serviceID)
			case model.ExceptionAdded:
				added[serviceID] = true
			}
		}
	}
	for serviceID := range added {
		active[serviceID] = true
	}

	services := []string{}
	for _, id := range sortedKeys(active) {
		services = append(services, id)
	}
	return services, nil
}

type MemoryTraceStore struct {
	mutex   sync.RWMutex
	headers map[string]*model.TraceHeader
	samples map[string][]model.PositionSample
}

func newMemoryTraceStore() *MemoryTraceStore {
	return &MemoryTraceStore{
		headers: map[string]*model.TraceHeader{},
		samples: map[string][]model.PositionSample{},
	}
}

func (t *MemoryTraceStore) TraceHeader(tripID string) (*model.TraceHeader, error) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	h, found := t.headers[tripID]
	if !found {
		return nil, fmt.Errorf("trace for trip %s: %w", tripID, ErrNotFound)
	}
	copied := *h
	return &copied, nil
}

func (t *MemoryTraceStore) FindTrace(shapeID string, duration int, interval int) (*model.TraceHeader, error) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	for _, tripID := range sortedKeys(t.headers) {
		h := t.headers[tripID]
		if h.ShapeID == shapeID && h.Duration == duration && h.Interval == interval {
			copied := *h
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("trace for shape %s duration %d interval %d: %w", shapeID, duration, interval, ErrNotFound)
}

func (t *MemoryTraceStore) TraceHeaders() ([]*model.TraceHeader, error) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	headers := []*model.TraceHeader{}
	for _, tripID := range sortedKeys(t.headers) {
		copied := *t.headers[tripID]
		headers = append(headers, &copied)
	}
	return headers, nil
}

func (t *MemoryTraceStore) TraceSamples(tripID string) ([]model.PositionSample, error) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return append([]model.PositionSample{}, t.samples[tripID]...), nil
}

func (t *MemoryTraceStore) ActiveAt(second int) ([]model.PositionSample, error) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	active := []model.PositionSample{}
	for _, tripID := range sortedKeys(t.samples) {
		samples := t.samples[tripID]
		i := sort.Search(len(samples), func(i int) bool {
			return samples[i].Second >= second
		})
		if i < len(samples) && samples[i].Second == second {
			active = append(active, samples[i])
		}
	}
	return active, nil
}

func (t *MemoryTraceStore) WriteTrace(trace *model.Trace) error {
	samples := append([]model.PositionSample{}, trace.Samples...)
	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].Second < samples[j].Second
	})
	header := trace.Header

	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.headers[header.TripID] = &header
	t.samples[header.TripID] = samples
	return nil
}

func (t *MemoryTraceStore) DeleteTrace(tripID string) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	delete(t.headers, tripID)
	delete(t.samples, tripID)
	return nil
}
