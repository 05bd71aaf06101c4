package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidbyt.dev/gtfstrace/model"
)

type published struct {
	subject string
	data    []byte
}

type fakeConn struct {
	messages []published
	err      error
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	if c.err != nil {
		return c.err
	}
	c.messages = append(c.messages, published{subject, data})
	return nil
}

type countingMetrics struct {
	ok, failed int
}

func (m *countingMetrics) PublishedInc()  { m.ok++ }
func (m *countingMetrics) PublishErrInc() { m.failed++ }

func TestSubjectToken(t *testing.T) {
	for _, tc := range []struct {
		in       string
		expected string
	}{
		{"R1", "R1"},
		{" R 1 ", "R_1"},
		{"a.b", "a_b"},
		{"x>y*z", "x_y_z"},
		{"to/from", "to_from"},
		{"", "_"},
		{"   ", "_"},
	} {
		assert.Equal(t, tc.expected, subjectToken(tc.in), tc.in)
	}
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "gtfstrace.traces.R_1.t_1", newPublisher(&fakeConn{}, "", nil, nil).Subject("R 1", "t.1"))
	assert.Equal(t, "sink.r.t", newPublisher(&fakeConn{}, "sink.", nil, nil).Subject("r", "t"))
}

func TestPublish(t *testing.T) {
	c := &fakeConn{}
	m := &countingMetrics{}
	p := newPublisher(c, "sink", nil, m)

	computedAt := time.Date(2013, 1, 7, 23, 0, 0, 0, time.UTC)
	trace := &model.Trace{
		Header: model.TraceHeader{
			TripID:       "t1",
			ShapeID:      "s",
			ServiceDay:   "20130107",
			Start:        85800,
			End:          86700,
			Duration:     900,
			Source:       model.TraceReused,
			SourceTripID: "t0",
			ComputedAt:   computedAt,
		},
		Samples: []model.PositionSample{
			{TripID: "t1", Second: 85800, Lat: 1, Lon: 2, Mode: "Bus", AgencyID: "a", RouteID: "r", ShapeID: "s", PickupText: "Regularly scheduled"},
			{TripID: "t1", Second: 86700, Lat: 3, Lon: 4, Mode: "Bus", AgencyID: "a", RouteID: "r", ShapeID: "s"},
		},
	}

	ctx := WithRunID(context.Background(), "run-1")
	require.NoError(t, p.Publish(ctx, trace))
	require.Len(t, c.messages, 1)
	assert.Equal(t, "sink.r.t1", c.messages[0].subject)
	assert.Equal(t, 1, m.ok)

	msg := TraceMessage{}
	require.NoError(t, json.Unmarshal(c.messages[0].data, &msg))
	assert.Equal(t, TraceMessage{
		RunID:        "run-1",
		TripID:       "t1",
		RouteID:      "r",
		AgencyID:     "a",
		ShapeID:      "s",
		Mode:         "Bus",
		ServiceDay:   "20130107",
		Start:        85800,
		End:          86700,
		Source:       "reused",
		SourceTripID: "t0",
		ComputedAt:   computedAt,
		Samples: []SampleMessage{
			{Second: 85800, Lat: 1, Lon: 2, PickupText: "Regularly scheduled"},
			{Second: 86700, Lat: 3, Lon: 4},
		},
	}, msg)
}

func TestPublishFailure(t *testing.T) {
	c := &fakeConn{err: errors.New("boom")}
	m := &countingMetrics{}
	p := newPublisher(c, "", nil, m)

	err := p.Publish(context.Background(), &model.Trace{Header: model.TraceHeader{TripID: "t"}})
	assert.Error(t, err)
	assert.Equal(t, 1, m.failed)
	assert.Equal(t, 0, m.ok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Publish(ctx, &model.Trace{}), context.Canceled)
	assert.Equal(t, 1, m.failed)
}
