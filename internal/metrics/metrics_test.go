package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockedby/tg-relay/internal/events"
)

func TestObserve(t *testing.T) {
	m := New(prometheus.NewRegistry())

	feed := []events.Event{
		{Type: events.PairStarted, Summary: map[string]any{"mode": "staged"}},
		{Type: events.PairStarted},
		{Type: events.PairSkipped},
		{Type: events.UnitFound},
		{Type: events.UnitFound},
		{Type: events.DownloadDone, Bytes: 100},
		{Type: events.DownloadDone, Bytes: 50},
		{Type: events.DownloadFailed},
		{Type: events.GroupStaged},
		{Type: events.GroupStaged},
		{Type: events.UploadDone, Bytes: 150},
		{Type: events.UploadFailed},
		{Type: events.GroupUploaded},
		{Type: events.DestinationSatisfied},
		{Type: events.RateLimited, Wait: 12},
	}
	for _, e := range feed {
		m.Observe(e)
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PairsStarted.WithLabelValues("staged")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PairsStarted.WithLabelValues("unknown")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PairsSkipped))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.UnitsFound))
	assert.Equal(t, 150.0, testutil.ToFloat64(m.DownloadedBytes))
	assert.Equal(t, 150.0, testutil.ToFloat64(m.UploadedBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Failures.WithLabelValues("download")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Failures.WithLabelValues("upload")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StagedPending))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GroupsSent))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Satisfied))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimits))

	m.Observe(events.Event{Type: events.RunComplete, Error: "context canceled"})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("failed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.StagedPending))
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Observe(events.Event{Type: events.UnitFound})

	rec := httptest.NewRecorder()
	promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	for _, name := range []string{"relay_units_found_total", "relay_groups_pending", "relay_rate_limit_wait_seconds"} {
		assert.True(t, strings.Contains(body, name), "missing %s", name)
	}
}
