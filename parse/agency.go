package parse

import (
	"io"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"

	"tidbyt.dev/gtfstrace/model"
	"tidbyt.dev/gtfstrace/storage"
)

type AgencyCSV struct {
	ID       string `csv:"agency_id"`
	Name     string `csv:"agency_name"`
	URL      string `csv:"agency_url"`
	Timezone string `csv:"agency_timezone"`
}

func validateAgency(a *AgencyCSV, seen map[string]bool, count int) error {
	if seen[a.ID] {
		if a.ID == "" {
			return errors.Errorf("agency_id required with %d agencies", count)
		}
		return errors.Errorf("repeated agency_id '%s'", a.ID)
	}
	if a.Name == "" {
		return errors.New("empty agency_name")
	}
	if a.URL == "" {
		return errors.New("empty agency_url")
	}
	if a.Timezone == "" {
		return errors.New("empty agency_timezone")
	}
	return nil
}

// Writes every agency and returns their IDs, along with the feed's
// timezone. All agencies must share one valid timezone, since stop
// times are read on its clock.
func ParseAgency(writer storage.FeedWriter, data io.Reader) (map[string]bool, string, error) {
	rows := []*AgencyCSV{}
	if err := gocsv.Unmarshal(data, &rows); err != nil {
		return nil, "", errors.Wrap(err, "unmarshaling agency csv")
	}
	if len(rows) == 0 {
		return nil, "", errors.New("no agency record found")
	}

	ids := map[string]bool{}
	tz := ""
	for i, a := range rows {
		if err := validateAgency(a, ids, len(rows)); err != nil {
			return nil, "", errors.Wrapf(err, "row %d", i+1)
		}
		ids[a.ID] = true

		if tz == "" {
			if _, err := time.LoadLocation(a.Timezone); err != nil {
				return nil, "", errors.Wrapf(err, "agency_timezone '%s' (row %d)", a.Timezone, i+1)
			}
			tz = a.Timezone
		} else if a.Timezone != tz {
			return nil, "", errors.Errorf("agency_timezone '%s' differs from '%s' (row %d)", a.Timezone, tz, i+1)
		}

		err := writer.WriteAgency(&model.Agency{
			ID:       a.ID,
			Name:     a.Name,
			URL:      a.URL,
			Timezone: tz,
		})
		if err != nil {
			return nil, "", errors.Wrapf(err, "writing agency (row %d)", i+1)
		}
	}

	return ids, tz, nil
}
