package storage

import (
	"database/sql"
	"fmt"
	"time"

	"tidbyt.dev/gtfstrace/model"
)

// Row scanning shared by the SQL backends. Queries must select
// columns in the order each helper scans them.

type querier interface {
	Query(query string, args ...interface{}) (*sql.Rows, error)
}

func queryAgencies(db querier, query string, args ...interface{}) ([]*model.Agency, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying agencies: %w", err)
	}
	defer rows.Close()

	agencies := []*model.Agency{}
	for rows.Next() {
		a := &model.Agency{}
		err := rows.Scan(&a.ID, &a.Name, &a.URL, &a.Timezone)
		if err != nil {
			return nil, fmt.Errorf("scanning agency: %w", err)
		}
		agencies = append(agencies, a)
	}
	return agencies, rows.Err()
}

func queryStops(db querier, query string, args ...interface{}) ([]*model.Stop, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying stops: %w", err)
	}
	defer rows.Close()

	stops := []*model.Stop{}
	for rows.Next() {
		s := &model.Stop{}
		err := rows.Scan(&s.ID, &s.Code, &s.Name, &s.Lat, &s.Lon, &s.ParentStation)
		if err != nil {
			return nil, fmt.Errorf("scanning stop: %w", err)
		}
		stops = append(stops, s)
	}
	return stops, rows.Err()
}

func queryRoutes(db querier, query string, args ...interface{}) ([]*model.Route, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying routes: %w", err)
	}
	defer rows.Close()

	routes := []*model.Route{}
	for rows.Next() {
		r := &model.Route{}
		err := rows.Scan(&r.ID, &r.AgencyID, &r.ShortName, &r.LongName, &r.Type)
		if err != nil {
			return nil, fmt.Errorf("scanning route: %w", err)
		}
		routes = append(routes, r)
	}
	return routes, rows.Err()
}

func queryTrips(db querier, query string, args ...interface{}) ([]*model.Trip, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying trips: %w", err)
	}
	defer rows.Close()

	trips := []*model.Trip{}
	for rows.Next() {
		t := &model.Trip{}
		err := rows.Scan(&t.ID, &t.RouteID, &t.ServiceID, &t.ShapeID, &t.Headsign, &t.DirectionID)
		if err != nil {
			return nil, fmt.Errorf("scanning trip: %w", err)
		}
		trips = append(trips, t)
	}
	return trips, rows.Err()
}

func scanStopTime(scan func(dest ...interface{}) error, extra ...interface{}) (*model.StopTime, error) {
	st := &model.StopTime{}
	var dist sql.NullFloat64
	dest := []interface{}{
		&st.TripID,
		&st.StopID,
		&st.StopSequence,
		&st.Arrival,
		&st.Departure,
		&dist,
		&st.PickupType,
		&st.DropOffType,
	}
	err := scan(append(dest, extra...)...)
	if err != nil {
		return nil, err
	}
	st.ShapeDist = dist.Float64
	st.HasShapeDist = dist.Valid
	return st, nil
}

func queryStopTimes(db querier, query string, args ...interface{}) ([]*model.StopTime, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying stop times: %w", err)
	}
	defer rows.Close()

	stopTimes := []*model.StopTime{}
	for rows.Next() {
		st, err := scanStopTime(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning stop time: %w", err)
		}
		stopTimes = append(stopTimes, st)
	}
	return stopTimes, rows.Err()
}

func queryStopVisits(db querier, query string, args ...interface{}) ([]*model.StopVisit, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying stop visits: %w", err)
	}
	defer rows.Close()

	visits := []*model.StopVisit{}
	for rows.Next() {
		s := &model.Stop{}
		st, err := scanStopTime(
			rows.Scan,
			&s.ID, &s.Code, &s.Name, &s.Lat, &s.Lon, &s.ParentStation,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning stop visit: %w", err)
		}
		visits = append(visits, &model.StopVisit{StopTime: st, Stop: s})
	}
	return visits, rows.Err()
}

func queryCalendars(db querier, query string, args ...interface{}) ([]*model.Calendar, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying calendars: %w", err)
	}
	defer rows.Close()

	calendars := []*model.Calendar{}
	for rows.Next() {
		c := &model.Calendar{}
		var days [7]bool
		err := rows.Scan(
			&c.ServiceID,
			&c.StartDate,
			&c.EndDate,
			&days[time.Monday],
			&days[time.Tuesday],
			&days[time.Wednesday],
			&days[time.Thursday],
			&days[time.Friday],
			&days[time.Saturday],
			&days[time.Sunday],
		)
		if err != nil {
			return nil, fmt.Errorf("scanning calendar: %w", err)
		}
		for wd, runs := range days {
			if runs {
				c.Weekday |= 1 << wd
			}
		}
		calendars = append(calendars, c)
	}
	return calendars, rows.Err()
}

func queryCalendarDates(db querier, query string, args ...interface{}) ([]*model.CalendarDate, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying calendar dates: %w", err)
	}
	defer rows.Close()

	calendarDates := []*model.CalendarDate{}
	for rows.Next() {
		cd := &model.CalendarDate{}
		err := rows.Scan(&cd.ServiceID, &cd.Date, &cd.ExceptionType)
		if err != nil {
			return nil, fmt.Errorf("scanning calendar date: %w", err)
		}
		calendarDates = append(calendarDates, cd)
	}
	return calendarDates, rows.Err()
}

func queryShapePoints(db querier, query string, args ...interface{}) ([]*model.ShapePoint, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying shapes: %w", err)
	}
	defer rows.Close()

	points := []*model.ShapePoint{}
	for rows.Next() {
		p := &model.ShapePoint{}
		var dist sql.NullFloat64
		err := rows.Scan(&p.ShapeID, &p.Lat, &p.Lon, &p.Sequence, &dist)
		if err != nil {
			return nil, fmt.Errorf("scanning shape point: %w", err)
		}
		p.Dist = dist.Float64
		p.HasDist = dist.Valid
		points = append(points, p)
	}
	return points, rows.Err()
}

// computed_at is stored as unix milliseconds.
func queryTraceHeaders(db querier, query string, args ...interface{}) ([]*model.TraceHeader, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying traces: %w", err)
	}
	defer rows.Close()

	headers := []*model.TraceHeader{}
	for rows.Next() {
		h := &model.TraceHeader{}
		var source string
		var computedAt int64
		err := rows.Scan(
			&h.TripID,
			&h.ShapeID,
			&h.ServiceDay,
			&h.Start,
			&h.End,
			&h.Duration,
			&h.Interval,
			&source,
			&h.SourceTripID,
			&computedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning trace: %w", err)
		}
		h.Source = model.TraceSource(source)
		h.ComputedAt = time.UnixMilli(computedAt).UTC()
		headers = append(headers, h)
	}
	return headers, rows.Err()
}

func querySamples(db querier, query string, args ...interface{}) ([]model.PositionSample, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying intervals: %w", err)
	}
	defer rows.Close()

	samples := []model.PositionSample{}
	for rows.Next() {
		var s model.PositionSample
		err := rows.Scan(
			&s.TripID,
			&s.Second,
			&s.Lat,
			&s.Lon,
			&s.Mode,
			&s.PickupText,
			&s.DropOffText,
			&s.AgencyID,
			&s.RouteID,
			&s.ShapeID,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning interval: %w", err)
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}
