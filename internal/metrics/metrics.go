// Package metrics exposes transfer progress as Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/blockedby/tg-relay/internal/events"
)

// Metrics holds all Prometheus metrics for the relay.
type Metrics struct {
	// Run metrics
	RunsTotal     *prometheus.CounterVec
	PairsStarted  *prometheus.CounterVec
	PairsSkipped  prometheus.Counter
	UnitsFound    prometheus.Counter
	Satisfied     prometheus.Counter
	GroupsStaged  prometheus.Counter
	GroupsSent    prometheus.Counter
	StagedPending prometheus.Gauge

	// Transfer metrics
	DownloadedBytes prometheus.Counter
	UploadedBytes   prometheus.Counter
	Failures        *prometheus.CounterVec

	// Rate limit metrics
	RateLimits    prometheus.Counter
	RateLimitWait prometheus.Histogram
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_runs_total",
			Help: "Finished runs by outcome",
		}, []string{"outcome"}),
		PairsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_pairs_started_total",
			Help: "Source pairs started by transfer mode",
		}, []string{"mode"}),
		PairsSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_pairs_skipped_total",
			Help: "Source pairs skipped before transfer",
		}),
		UnitsFound: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_units_found_total",
			Help: "Transfer units planned",
		}),
		Satisfied: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_destinations_satisfied_total",
			Help: "Unit and destination pairs delivered",
		}),
		GroupsStaged: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_groups_staged_total",
			Help: "Groups downloaded and queued for upload",
		}),
		GroupsSent: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_groups_uploaded_total",
			Help: "Staged groups uploaded to every destination",
		}),
		StagedPending: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_groups_pending",
			Help: "Staged groups waiting for upload",
		}),
		DownloadedBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_downloaded_bytes_total",
			Help: "Bytes written to the staging area",
		}),
		UploadedBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_uploaded_bytes_total",
			Help: "Bytes re-uploaded to destinations",
		}),
		Failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_failures_total",
			Help: "Failed downloads and uploads",
		}, []string{"stage"}),
		RateLimits: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_rate_limits_total",
			Help: "Flood waits received from the platform",
		}),
		RateLimitWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_rate_limit_wait_seconds",
			Help:    "Wait imposed by flood waits",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900},
		}),
	}
}

// Observe updates the metrics from one pipeline event.
func (m *Metrics) Observe(e events.Event) {
	switch e.Type {
	case events.PairStarted:
		m.PairsStarted.WithLabelValues(pairMode(e)).Inc()
	case events.PairSkipped:
		m.PairsSkipped.Inc()
	case events.UnitFound:
		m.UnitsFound.Inc()
	case events.DownloadDone:
		m.DownloadedBytes.Add(float64(e.Bytes))
	case events.DownloadFailed:
		m.Failures.WithLabelValues("download").Inc()
	case events.GroupStaged:
		m.GroupsStaged.Inc()
		m.StagedPending.Inc()
	case events.UploadDone:
		m.UploadedBytes.Add(float64(e.Bytes))
	case events.UploadFailed:
		m.Failures.WithLabelValues("upload").Inc()
	case events.GroupUploaded:
		m.GroupsSent.Inc()
		m.StagedPending.Dec()
	case events.DestinationSatisfied:
		m.Satisfied.Inc()
	case events.RateLimited:
		m.RateLimits.Inc()
		m.RateLimitWait.Observe(e.Wait)
	case events.RunComplete:
		outcome := "completed"
		if e.Error != "" {
			outcome = "failed"
		}
		m.RunsTotal.WithLabelValues(outcome).Inc()
		m.StagedPending.Set(0)
	}
}

// pairMode reads the transfer mode from a pair.started summary.
func pairMode(e events.Event) string {
	if fields, ok := e.Summary.(map[string]any); ok {
		if mode, ok := fields["mode"].(string); ok && mode != "" {
			return mode
		}
	}
	return "unknown"
}
