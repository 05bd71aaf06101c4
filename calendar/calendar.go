// Package calendar decides whether a service runs on a given day,
// from its weekly pattern and its calendar_dates exceptions.
package calendar

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"tidbyt.dev/gtfstrace/model"
	"tidbyt.dev/gtfstrace/storage"
)

// True iff day is within [StartDate, EndDate], both inclusive, and
// the calendar runs on day's weekday. Exceptions are not considered.
func RunsByCalendar(cal *model.Calendar, day model.Day) bool {
	if cal == nil {
		return false
	}
	date := day.String()
	if date < cal.StartDate || date > cal.EndDate {
		return false
	}
	return cal.RunsOnWeekday(day.Weekday())
}

type service struct {
	calendar   *model.Calendar
	exceptions map[string]model.ExceptionType
	conflicts  map[string]bool
}

// Resolves services against days. Calendars and exceptions are
// loaded from the reader the first time a service is asked about and
// kept for the lifetime of the Resolver. Safe for concurrent use.
type Resolver struct {
	reader storage.FeedReader

	mutex    sync.Mutex
	services map[string]*service
}

func NewResolver(reader storage.FeedReader) *Resolver {
	return &Resolver{
		reader:   reader,
		services: map[string]*service{},
	}
}

func (r *Resolver) service(serviceID string) (*service, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if s, found := r.services[serviceID]; found {
		return s, nil
	}

	s := &service{
		exceptions: map[string]model.ExceptionType{},
		conflicts:  map[string]bool{},
	}

	cal, err := r.reader.Calendar(serviceID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("getting calendar: %w", err)
	}
	if err == nil {
		s.calendar = cal
	}

	dates, err := r.reader.CalendarDatesForService(serviceID)
	if err != nil {
		return nil, fmt.Errorf("getting calendar dates: %w", err)
	}
	for _, cd := range dates {
		existing, found := s.exceptions[cd.Date]
		if found && existing != cd.ExceptionType {
			s.conflicts[cd.Date] = true
		}
		s.exceptions[cd.Date] = cd.ExceptionType
	}

	r.services[serviceID] = s
	return s, nil
}

// The service's weekly pattern. Services defined only through
// calendar_dates have none, and the returned Calendar is nil.
func (r *Resolver) Calendar(serviceID string) (*model.Calendar, error) {
	s, err := r.service(serviceID)
	if err != nil {
		return nil, err
	}
	return s.calendar, nil
}

func (r *Resolver) RunsByCalendar(serviceID string, day model.Day) (bool, error) {
	s, err := r.service(serviceID)
	if err != nil {
		return false, err
	}
	return RunsByCalendar(s.calendar, day), nil
}

// The exception for exactly the given date, if any. Conflicting
// exceptions for the same date are a *model.DataIntegrityError.
func (r *Resolver) Exception(serviceID string, day model.Day) (model.ExceptionType, bool, error) {
	s, err := r.service(serviceID)
	if err != nil {
		return 0, false, err
	}

	date := day.String()
	if s.conflicts[date] {
		return 0, false, &model.DataIntegrityError{
			ServiceID: serviceID,
			Reason:    fmt.Sprintf("both added and removed on %s", date),
		}
	}

	kind, found := s.exceptions[date]
	return kind, found, nil
}

// True if either the weekly pattern or an Added exception puts the
// service on day. Removals are not applied: a removed day is still
// one the service's schedule is attached to.
func (r *Resolver) Scheduled(serviceID string, day model.Day) (bool, error) {
	runs, err := r.RunsByCalendar(serviceID, day)
	if err != nil {
		return false, err
	}
	if runs {
		return true, nil
	}

	kind, found, err := r.Exception(serviceID, day)
	if err != nil {
		return false, err
	}
	return found && kind == model.ExceptionAdded, nil
}

// Whether the service runs on day once exceptions are applied:
// Removed turns a calendar day off and Added turns any day on.
func (r *Resolver) Runs(serviceID string, day model.Day) (bool, error) {
	runs, err := r.RunsByCalendar(serviceID, day)
	if err != nil {
		return false, err
	}

	kind, found, err := r.Exception(serviceID, day)
	if err != nil {
		return false, err
	}
	if !found {
		return runs, nil
	}

	if runs && kind == model.ExceptionRemoved {
		return false, nil
	}
	if !runs && kind == model.ExceptionAdded {
		return true, nil
	}
	return runs, nil
}

// All services running on day once exceptions are applied, sorted.
// Answered by the store in a single query rather than per service.
// Conflicting exceptions are not detected here; Runs reports them.
func (r *Resolver) ActiveServices(day model.Day) ([]string, error) {
	active, err := r.reader.ActiveServices(day.String())
	if err != nil {
		return nil, fmt.Errorf("getting active services for %s: %w", day, err)
	}
	sort.Strings(active)
	return active, nil
}
