package parse

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidbyt.dev/gtfstrace/model"
	"tidbyt.dev/gtfstrace/storage"
)

func TestParseTrips(t *testing.T) {
	for _, tc := range []struct {
		name     string
		content  string
		routes   map[string]bool
		services map[string]bool
		shapes   map[string]bool
		trips    []*model.Trip
		err      bool
	}{
		{
			"minimal",
			`
trip_id,route_id,service_id
t,r,s`,
			map[string]bool{"r": true},
			map[string]bool{"s": true},
			map[string]bool{},
			[]*model.Trip{{ID: "t", RouteID: "r", ServiceID: "s"}},
			false,
		},

		{
			"all fields",
			`
trip_id,route_id,service_id,shape_id,trip_headsign,direction_id
t1,r,s,sh,head,1
t2,r,s,sh,,0`,
			map[string]bool{"r": true},
			map[string]bool{"s": true},
			map[string]bool{"sh": true},
			[]*model.Trip{
				{ID: "t1", RouteID: "r", ServiceID: "s", ShapeID: "sh", Headsign: "head", DirectionID: 1},
				{ID: "t2", RouteID: "r", ServiceID: "s", ShapeID: "sh"},
			},
			false,
		},

		{
			"unknown shape is cleared",
			`
trip_id,route_id,service_id,shape_id
t,r,s,missing`,
			map[string]bool{"r": true},
			map[string]bool{"s": true},
			map[string]bool{"sh": true},
			[]*model.Trip{{ID: "t", RouteID: "r", ServiceID: "s"}},
			false,
		},

		{
			"unknown route",
			`
trip_id,route_id,service_id
t,r2,s`,
			map[string]bool{"r": true},
			map[string]bool{"s": true},
			map[string]bool{},
			nil, true,
		},

		{
			"unknown service",
			`
trip_id,route_id,service_id
t,r,s2`,
			map[string]bool{"r": true},
			map[string]bool{"s": true},
			map[string]bool{},
			nil, true,
		},

		{
			"invalid direction_id",
			`
trip_id,route_id,service_id,direction_id
t,r,s,2`,
			map[string]bool{"r": true},
			map[string]bool{"s": true},
			map[string]bool{},
			nil, true,
		},

		{
			"repeated trip_id",
			`
trip_id,route_id,service_id
t,r,s
t,r,s`,
			map[string]bool{"r": true},
			map[string]bool{"s": true},
			map[string]bool{},
			nil, true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s, err := storage.NewSQLiteStorage()
			require.NoError(t, err)
			writer, err := s.GetWriter("test")
			require.NoError(t, err)

			require.NoError(t, writer.BeginTrips())
			tripIDs, err := ParseTrips(writer, bytes.NewBufferString(tc.content), tc.routes, tc.services, tc.shapes)
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NoError(t, writer.EndTrips())

			reader, err := s.GetReader("test")
			require.NoError(t, err)
			trips, err := reader.Trips()
			require.NoError(t, err)
			assert.Equal(t, tc.trips, trips)
			for _, trip := range trips {
				assert.True(t, tripIDs[trip.ID])
			}
		})
	}
}
