package parse

import (
	"fmt"
	"io"

	"github.com/gocarina/gocsv"

	"tidbyt.dev/gtfstrace/model"
	"tidbyt.dev/gtfstrace/storage"
)

type CalendarDateCSV struct {
	ServiceID     string `csv:"service_id"`
	Date          string `csv:"date"`
	ExceptionType int8   `csv:"exception_type"`
}

// Returns set of all service IDs, min date and max date.
//
// Rows repeating an earlier row exactly are dropped. An Added and a
// Removed exception for the same service and date are both written:
// trips of that service fail with a DataIntegrityError when
// resolved, without rejecting the rest of the feed.
func ParseCalendarDates(
	writer storage.FeedWriter,
	data io.Reader,
) (map[string]bool, string, string, error) {

	calendarDateCsv := []*CalendarDateCSV{}
	if err := gocsv.Unmarshal(data, &calendarDateCsv); err != nil {
		return nil, "", "", fmt.Errorf("unmarshaling calendar_dates csv: %w", err)
	}

	knownService := map[string]bool{}
	seen := map[CalendarDateCSV]bool{}
	var minDate, maxDate string

	for _, cd := range calendarDateCsv {
		if cd.ServiceID == "" {
			return nil, "", "", fmt.Errorf("empty service_id")
		}

		exceptionType := model.ExceptionType(cd.ExceptionType)
		if exceptionType != model.ExceptionAdded && exceptionType != model.ExceptionRemoved {
			return nil, "", "", fmt.Errorf("illegal exception_type: '%d'", cd.ExceptionType)
		}

		day, err := model.ParseDay(cd.Date)
		if err != nil {
			return nil, "", "", fmt.Errorf("parsing date '%s': %w", cd.Date, err)
		}
		date := day.String()

		key := CalendarDateCSV{cd.ServiceID, date, cd.ExceptionType}
		if seen[key] {
			continue
		}
		seen[key] = true
		knownService[cd.ServiceID] = true

		if minDate == "" || date < minDate {
			minDate = date
		}
		if maxDate == "" || date > maxDate {
			maxDate = date
		}

		err = writer.WriteCalendarDate(&model.CalendarDate{
			ServiceID:     cd.ServiceID,
			Date:          date,
			ExceptionType: exceptionType,
		})
		if err != nil {
			return nil, "", "", fmt.Errorf("writing calendar date: %w", err)
		}
	}

	return knownService, minDate, maxDate, nil
}
