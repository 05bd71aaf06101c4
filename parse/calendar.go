package parse

import (
	"fmt"
	"io"
	"time"

	"github.com/gocarina/gocsv"

	"tidbyt.dev/gtfstrace/model"
	"tidbyt.dev/gtfstrace/storage"
)

type CalendarCSV struct {
	ServiceID string `csv:"service_id"`
	StartDate string `csv:"start_date"`
	EndDate   string `csv:"end_date"`
	Monday    int8   `csv:"monday"`
	Tuesday   int8   `csv:"tuesday"`
	Wednesday int8   `csv:"wednesday"`
	Thursday  int8   `csv:"thursday"`
	Friday    int8   `csv:"friday"`
	Saturday  int8   `csv:"saturday"`
	Sunday    int8   `csv:"sunday"`
}

func (c *CalendarCSV) weekdays() (int8, error) {
	var mask int8
	for wd, flag := range map[time.Weekday]int8{
		time.Monday:    c.Monday,
		time.Tuesday:   c.Tuesday,
		time.Wednesday: c.Wednesday,
		time.Thursday:  c.Thursday,
		time.Friday:    c.Friday,
		time.Saturday:  c.Saturday,
		time.Sunday:    c.Sunday,
	} {
		switch flag {
		case 0:
		case 1:
			mask |= 1 << wd
		default:
			return 0, fmt.Errorf("invalid %s value '%d'", wd, flag)
		}
	}
	return mask, nil
}

// Returns set of all service IDs, min date and max date.
func ParseCalendar(writer storage.FeedWriter, data io.Reader) (map[string]bool, string, string, error) {
	calendarCsv := []*CalendarCSV{}
	if err := gocsv.Unmarshal(data, &calendarCsv); err != nil {
		return nil, "", "", fmt.Errorf("unmarshaling csv: %w", err)
	}

	knownServices := map[string]bool{}

	var minDate, maxDate string

	for _, c := range calendarCsv {
		if c.ServiceID == "" {
			return nil, "", "", fmt.Errorf("empty service_id")
		}
		if knownServices[c.ServiceID] {
			return nil, "", "", fmt.Errorf("repeated service_id '%s'", c.ServiceID)
		}
		knownServices[c.ServiceID] = true

		weekday, err := c.weekdays()
		if err != nil {
			return nil, "", "", fmt.Errorf("service_id '%s': %w", c.ServiceID, err)
		}

		start, err := model.ParseDay(c.StartDate)
		if err != nil {
			return nil, "", "", fmt.Errorf("parsing start_date: %w", err)
		}
		end, err := model.ParseDay(c.EndDate)
		if err != nil {
			return nil, "", "", fmt.Errorf("parsing end_date: %w", err)
		}
		if end.Before(start) {
			return nil, "", "", fmt.Errorf("service_id '%s' ends before it starts", c.ServiceID)
		}

		if minDate == "" || start.String() < minDate {
			minDate = start.String()
		}
		if maxDate == "" || end.String() > maxDate {
			maxDate = end.String()
		}

		err = writer.WriteCalendar(&model.Calendar{
			ServiceID: c.ServiceID,
			StartDate: start.String(),
			EndDate:   end.String(),
			Weekday:   weekday,
		})
		if err != nil {
			return nil, "", "", fmt.Errorf("writing calendar: %w", err)
		}
	}

	return knownServices, minDate, maxDate, nil
}
