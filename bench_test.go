package gtfstrace_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"tidbyt.dev/gtfstrace"
	"tidbyt.dev/gtfstrace/testutil"
)

// A feed with n trips along a 20 stop, 10 km line, departing every
// 5 minutes from 05:00, the last ones running past midnight.
func benchSchedule(b *testing.B, backend string, n int) *gtfstrace.Schedule {
	shapes := []string{"shape_id,shape_pt_lat,shape_pt_lon,shape_pt_sequence"}
	stops := []string{"stop_id,stop_name,stop_lat,stop_lon"}
	for i := 0; i < 20; i++ {
		shapes = append(shapes, fmt.Sprintf("line,%s,0,%d", lat(float64(i)*500), i+1))
		stops = append(stops, fmt.Sprintf("s%d,S%d,%s,0", i, i, lat(float64(i)*500)))
	}

	trips := []string{"route_id,service_id,trip_id,shape_id"}
	stopTimes := []string{"trip_id,arrival_time,departure_time,stop_id,stop_sequence,shape_dist_traveled"}
	for t := 0; t < n; t++ {
		tripID := fmt.Sprintf("t%05d", t)
		trips = append(trips, fmt.Sprintf("r,mf,%s,line", tripID))
		start := 5*3600 + t*300
		for i := 0; i < 20; i++ {
			offset := start + i*120
			hms := fmt.Sprintf("%02d:%02d:%02d", offset/3600, offset/60%60, offset%60)
			stopTimes = append(stopTimes, fmt.Sprintf("%s,%s,%s,s%d,%d,%d", tripID, hms, hms, i, i+1, i*500))
		}
	}

	return testutil.BuildSchedule(b, backend, map[string][]string{
		"calendar.txt": {
			"service_id,start_date,end_date,monday,tuesday,wednesday,thursday,friday,saturday,sunday",
			"mf,20130101,20131231,1,1,1,1,1,0,0",
		},
		"routes.txt": {
			"route_id,route_short_name,route_type",
			"r,R,3",
		},
		"shapes.txt":     shapes,
		"stops.txt":      stops,
		"trips.txt":      trips,
		"stop_times.txt": stopTimes,
	})
}

func benchRunsOn(b *testing.B, backend string) {
	s := benchSchedule(b, backend, 250)

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_, err := s.RunsOn(fmt.Sprintf("t%05d", i%250), tue)
		if err != nil {
			b.Error(err)
		}
	}
}

func benchPositionAt(b *testing.B, backend string) {
	s := benchSchedule(b, backend, 250)

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_, _, err := s.PositionAt(fmt.Sprintf("t%05d", i%250), mon, 12*time.Hour+time.Duration(i%3600)*time.Second)
		if err != nil {
			b.Error(err)
		}
	}
}

func benchSweep(b *testing.B, backend string) {
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		s := benchSchedule(b, backend, 50)
		b.StartTimer()

		sweeper := &gtfstrace.Sweeper{Schedule: s, Interval: 10 * time.Second}
		_, err := sweeper.Run(context.Background(), mon)
		if err != nil {
			b.Error(err)
		}
	}
}

func BenchmarkSchedule(b *testing.B) {
	for _, test := range []struct {
		Name  string
		Bench func(b *testing.B, storage string)
	}{
		{"RunsOn", benchRunsOn},
		{"PositionAt", benchPositionAt},
		{"Sweep", benchSweep},
	} {
		for _, backend := range testutil.Backends() {
			b.Run(test.Name+"_"+backend, func(b *testing.B) {
				test.Bench(b, backend)
			})
		}
	}
}
