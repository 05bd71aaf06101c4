// Package publisher forwards newly computed traces to NATS.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"tidbyt.dev/gtfstrace/logging"
	"tidbyt.dev/gtfstrace/model"
)

const DefaultSubjectPrefix = "gtfstrace.traces"

type Metrics interface {
	PublishedInc()
	PublishErrInc()
}

type conn interface {
	Publish(subject string, data []byte) error
}

type runIDKey struct{}

// Tags traces published under ctx with the id of the run computing
// them.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

func runIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

type NATSPublisher struct {
	nc      *nats.Conn
	conn    conn
	prefix  string
	logger  *slog.Logger
	metrics Metrics
}

func NewNATSPublisher(url string, prefix string, logger *slog.Logger, m Metrics) (*NATSPublisher, error) {
	logger = logging.OrDiscard(logger)

	nc, err := nats.Connect(url,
		nats.Name("gtfstrace"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logging.LogError(logger, "nats disconnected", err)
				return
			}
			logger.Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}

	p := newPublisher(nc, prefix, logger, m)
	p.nc = nc
	return p, nil
}

func newPublisher(c conn, prefix string, logger *slog.Logger, m Metrics) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{
		conn:    c,
		prefix:  strings.TrimSuffix(prefix, "."),
		logger:  logging.OrDiscard(logger),
		metrics: m,
	}
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		if err := p.nc.Drain(); err != nil {
			logging.LogError(p.logger, "draining nats connection", err)
		}
		p.nc.Close()
	}
}

type SampleMessage struct {
	Second      int     `json:"second"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	PickupText  string  `json:"pickupText,omitempty"`
	DropOffText string  `json:"dropOffText,omitempty"`
}

type TraceMessage struct {
	RunID        string          `json:"runId,omitempty"`
	TripID       string          `json:"tripId"`
	RouteID      string          `json:"routeId"`
	AgencyID     string          `json:"agencyId"`
	ShapeID      string          `json:"shapeId,omitempty"`
	Mode         string          `json:"mode"`
	ServiceDay   string          `json:"serviceDay"`
	Start        int             `json:"start"`
	End          int             `json:"end"`
	Source       string          `json:"source"`
	SourceTripID string          `json:"sourceTripId,omitempty"`
	ComputedAt   time.Time       `json:"computedAt"`
	Samples      []SampleMessage `json:"samples"`
}

func NewTraceMessage(runID string, trace *model.Trace) TraceMessage {
	h := trace.Header
	msg := TraceMessage{
		RunID:        runID,
		TripID:       h.TripID,
		ShapeID:      h.ShapeID,
		ServiceDay:   h.ServiceDay,
		Start:        h.Start,
		End:          h.End,
		Source:       string(h.Source),
		SourceTripID: h.SourceTripID,
		ComputedAt:   h.ComputedAt,
		Samples:      make([]SampleMessage, 0, len(trace.Samples)),
	}
	if len(trace.Samples) > 0 {
		msg.RouteID = trace.Samples[0].RouteID
		msg.AgencyID = trace.Samples[0].AgencyID
		msg.Mode = trace.Samples[0].Mode
	}
	for _, s := range trace.Samples {
		msg.Samples = append(msg.Samples, SampleMessage{
			Second:      s.Second,
			Lat:         s.Lat,
			Lon:         s.Lon,
			PickupText:  s.PickupText,
			DropOffText: s.DropOffText,
		})
	}
	return msg
}

// Subject a trace is published on: <prefix>.<route>.<trip>.
func (p *NATSPublisher) Subject(routeID, tripID string) string {
	return fmt.Sprintf("%s.%s.%s", p.prefix, subjectToken(routeID), subjectToken(tripID))
}

func (p *NATSPublisher) Publish(ctx context.Context, trace *model.Trace) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := NewTraceMessage(runIDFrom(ctx), trace)
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling trace %s: %w", msg.TripID, err)
	}

	subject := p.Subject(msg.RouteID, msg.TripID)
	p.logger.Debug("publishing trace", slog.String("subject", subject), slog.Int("samples", len(msg.Samples)))

	err = p.conn.Publish(subject, b)
	if p.metrics != nil {
		if err != nil {
			p.metrics.PublishErrInc()
		} else {
			p.metrics.PublishedInc()
		}
	}
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

// NATS tokens can't hold whitespace, wildcards or separators.
func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
