package model

import (
	"time"
)

// Holds all external facing types and constants.

type RouteType int

const (
	RouteTypeTram       RouteType = 0
	RouteTypeSubway     RouteType = 1
	RouteTypeRail       RouteType = 2
	RouteTypeBus        RouteType = 3
	RouteTypeFerry      RouteType = 4
	RouteTypeCable      RouteType = 5
	RouteTypeAerial     RouteType = 6
	RouteTypeFunicular  RouteType = 7
	RouteTypeTrolleybus RouteType = 11
	RouteTypeMonorail   RouteType = 12
)

// Mode name of a route type, as written to trace rows.
func (t RouteType) String() string {
	switch t {
	case RouteTypeTram:
		return "Tram"
	case RouteTypeSubway:
		return "Subway"
	case RouteTypeRail:
		return "Rail"
	case RouteTypeBus:
		return "Bus"
	case RouteTypeFerry:
		return "Ferry"
	case RouteTypeCable:
		return "Cable car"
	case RouteTypeAerial:
		return "Gondola"
	case RouteTypeFunicular:
		return "Funicular"
	case RouteTypeTrolleybus:
		return "Trolleybus"
	case RouteTypeMonorail:
		return "Monorail"
	}
	return "Unknown"
}

type ExceptionType int8

const (
	ExceptionAdded   ExceptionType = 1
	ExceptionRemoved ExceptionType = 2
)

func (e ExceptionType) String() string {
	switch e {
	case ExceptionAdded:
		return "Added"
	case ExceptionRemoved:
		return "Removed"
	}
	return "Unknown"
}

// pickup_type and drop_off_type of stop_times.txt.
type BoardingType int8

const (
	BoardingRegular BoardingType = iota
	BoardingNone
	BoardingPhoneAgency
	BoardingCoordinateWithDriver
)

func (b BoardingType) String() string {
	switch b {
	case BoardingRegular:
		return "Regularly scheduled"
	case BoardingNone:
		return "Not available"
	case BoardingPhoneAgency:
		return "Phone agency"
	case BoardingCoordinateWithDriver:
		return "Coordinate with driver"
	}
	return "Unknown"
}

type Agency struct {
	ID       string
	Name     string
	URL      string
	Timezone string
}

// A weekly running pattern. Weekday is a bitmask with bit
// 1<<time.Weekday set for every day of week the service runs.
type Calendar struct {
	ServiceID string
	StartDate string
	EndDate   string
	Weekday   int8
}

func (c *Calendar) RunsOnWeekday(wd time.Weekday) bool {
	return c.Weekday&(1<<wd) != 0
}

type CalendarDate struct {
	ServiceID     string
	Date          string
	ExceptionType ExceptionType
}

type Stop struct {
	ID            string
	Code          string
	Name          string
	Lat           float64
	Lon           float64
	ParentStation string
}

type Trip struct {
	ID          string
	RouteID     string
	ServiceID   string
	ShapeID     string
	Headsign    string
	DirectionID int8
}

type Route struct {
	ID        string
	AgencyID  string
	ShortName string
	LongName  string
	Type      RouteType
}

// Arrival and Departure are "HHMMSS", where HH may exceed 23 for
// stops served after midnight of the service day.
type StopTime struct {
	TripID       string
	StopID       string
	StopSequence uint32
	Arrival      string
	Departure    string
	ShapeDist    float64
	HasShapeDist bool
	PickupType   BoardingType
	DropOffType  BoardingType
}

func (st *StopTime) ArrivalTime() time.Duration {
	s, _ := ParseOffset(st.Arrival)
	return time.Duration(s) * time.Second
}

func (st *StopTime) DepartureTime() time.Duration {
	s, _ := ParseOffset(st.Departure)
	return time.Duration(s) * time.Second
}

// Arrival and departure as seconds since midnight of the service
// day. Unlike ArrivalTime() and DepartureTime(), malformed values
// are reported.
func (st *StopTime) Offsets() (int, int, error) {
	arrival, err := ParseOffset(st.Arrival)
	if err != nil {
		return 0, 0, err
	}
	departure, err := ParseOffset(st.Departure)
	if err != nil {
		return 0, 0, err
	}
	return arrival, departure, nil
}

type ShapePoint struct {
	ShapeID  string
	Lat      float64
	Lon      float64
	Sequence uint32
	Dist     float64
	HasDist  bool
}

// A stop_time with its stop.
type StopVisit struct {
	StopTime *StopTime
	Stop     *Stop
}

// A single point of a computed trace. Second is seconds since
// midnight of the day the trip was attributed to, and may exceed
// 86399 for trips running past midnight.
type PositionSample struct {
	TripID      string
	Second      int
	Lat         float64
	Lon         float64
	Mode        string
	PickupText  string
	DropOffText string
	AgencyID    string
	RouteID     string
	ShapeID     string
}

// How a trace came to be.
type TraceSource string

const (
	TraceInterpolated TraceSource = "interpolated"
	TraceReused       TraceSource = "reused"
)

// Describes a stored trace. Start and End are the trip's scheduled
// window, Duration is End-Start and Interval the step between
// samples, all in seconds.
type TraceHeader struct {
	TripID       string
	ShapeID      string
	ServiceDay   string
	Start        int
	End          int
	Duration     int
	Interval     int
	Source       TraceSource
	SourceTripID string
	ComputedAt   time.Time
}

type Trace struct {
	Header  TraceHeader
	Samples []PositionSample
}
