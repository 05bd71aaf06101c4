package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidbyt.dev/gtfstrace/metrics"
)

func TestCollectorCounts(t *testing.T) {
	c := metrics.NewCollector()

	c.ObserveOutcome("interpolated", 10*time.Millisecond)
	c.ObserveOutcome("interpolated", 20*time.Millisecond)
	c.ObserveOutcome("reused", time.Millisecond)
	c.ObserveSkip("degenerate")
	c.AddSamples(42)
	c.SweepStarted(10, 3)
	c.SweepProgress(5, 4)
	c.PublishedInc()
	c.PublishErrInc()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.Outcomes.WithLabelValues("interpolated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Outcomes.WithLabelValues("reused")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Skipped.WithLabelValues("degenerate")))
	assert.Equal(t, 42.0, testutil.ToFloat64(c.SamplesWritten))
	assert.Equal(t, 10.0, testutil.ToFloat64(c.SweepTotal))
	assert.Equal(t, 5.0, testutil.ToFloat64(c.SweepDone))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.SweepNextIndex))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Published))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.PublishErrs))
}

func TestNilCollector(t *testing.T) {
	var c *metrics.Collector

	assert.NotPanics(t, func() {
		c.ObserveOutcome("existing", time.Second)
		c.ObserveSkip("integrity")
		c.AddSamples(1)
		c.SweepStarted(1, 0)
		c.SweepProgress(1, 1)
		c.PublishedInc()
		c.PublishErrInc()
	})
	assert.Nil(t, c.Registry())
}

func TestHandler(t *testing.T) {
	c := metrics.NewCollector()
	c.AddSamples(7)

	server := httptest.NewServer(c.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	resp, err = http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "gtfstrace_samples_written_total 7")

	resp, err = http.Get(server.URL + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
