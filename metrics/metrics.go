// Package metrics exposes trace computation counters on a private
// Prometheus registry.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tidbyt.dev/gtfstrace/logging"
)

// All methods are safe to call on a nil *Collector, which records
// nothing.
type Collector struct {
	reg *prometheus.Registry

	Outcomes       *prometheus.CounterVec // outcome label: existing|not_running|reused|interpolated|skipped
	Skipped        *prometheus.CounterVec // reason label: degenerate|integrity
	SamplesWritten prometheus.Counter
	ComputeTime    prometheus.Histogram

	SweepTotal     prometheus.Gauge
	SweepDone      prometheus.Gauge
	SweepNextIndex prometheus.Gauge

	Published   prometheus.Counter
	PublishErrs prometheus.Counter
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gtfstrace_ensure_total",
			Help: "Trace computations by outcome.",
		}, []string{"outcome"}),
		Skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gtfstrace_trips_skipped_total",
			Help: "Trips skipped by reason.",
		}, []string{"reason"}),
		SamplesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gtfstrace_samples_written_total",
			Help: "Position samples written to the trace store.",
		}),
		ComputeTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gtfstrace_compute_duration_seconds",
			Help:    "Time spent computing and storing a single trace.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		SweepTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gtfstrace_sweep_trips",
			Help: "Trips in the current sweep.",
		}),
		SweepDone: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gtfstrace_sweep_trips_done",
			Help: "Trips processed by the current sweep.",
		}),
		SweepNextIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gtfstrace_sweep_next_index",
			Help: "Index a resumed sweep would start at.",
		}),
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gtfstrace_published_total",
			Help: "Traces published downstream.",
		}),
		PublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gtfstrace_publish_errors_total",
			Help: "Failed downstream publishes.",
		}),
	}

	reg.MustRegister(
		c.Outcomes, c.Skipped, c.SamplesWritten, c.ComputeTime,
		c.SweepTotal, c.SweepDone, c.SweepNextIndex,
		c.Published, c.PublishErrs,
	)

	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.reg
}

func (c *Collector) ObserveOutcome(outcome string, took time.Duration) {
	if c == nil {
		return
	}
	c.Outcomes.WithLabelValues(outcome).Inc()
	c.ComputeTime.Observe(took.Seconds())
}

func (c *Collector) ObserveSkip(reason string) {
	if c == nil {
		return
	}
	c.Skipped.WithLabelValues(reason).Inc()
}

func (c *Collector) AddSamples(n int) {
	if c == nil {
		return
	}
	c.SamplesWritten.Add(float64(n))
}

func (c *Collector) SweepStarted(total, startIndex int) {
	if c == nil {
		return
	}
	c.SweepTotal.Set(float64(total))
	c.SweepDone.Set(float64(startIndex))
	c.SweepNextIndex.Set(float64(startIndex))
}

func (c *Collector) SweepProgress(done, nextIndex int) {
	if c == nil {
		return
	}
	c.SweepDone.Set(float64(done))
	c.SweepNextIndex.Set(float64(nextIndex))
}

func (c *Collector) PublishedInc() {
	if c == nil {
		return
	}
	c.Published.Inc()
}

func (c *Collector) PublishErrInc() {
	if c == nil {
		return
	}
	c.PublishErrs.Inc()
}

// Router serving /metrics and /healthz.
func (c *Collector) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	if c != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}))
	}
	return r
}

// Serves Handler() on addr until ctx is done.
func (c *Collector) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           c.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logging.LogOperation(logger, "metrics listening", slog.String("addr", addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
