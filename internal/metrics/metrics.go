// Package metrics holds the prometheus collectors of the download pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "attachdl"

// Outcome labels.
const (
	OutcomeSucceeded  = "succeeded"
	OutcomeFailed     = "failed"
	OutcomeCancelled  = "cancelled"
	OutcomeOversize   = "oversize"
	OutcomeSuppressed = "suppressed"
	OutcomeAborted    = "aborted"
)

// Downloads groups the collectors. A nil *Downloads is valid and records nothing.
type Downloads struct {
	registry *prometheus.Registry

	Active          prometheus.Gauge
	Pending         prometheus.Gauge
	Attempts        prometheus.Counter
	Outcomes        *prometheus.CounterVec
	Bytes           prometheus.Counter
	Duration        prometheus.Histogram
	IntegrityIssues prometheus.Counter
}

// New registers the collectors on a fresh registry.
func New() *Downloads {
	d := &Downloads{
		registry: prometheus.NewRegistry(),
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_downloads",
			Help: "Downloads currently holding an execution slot.",
		}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pending_downloads",
			Help: "Downloads waiting for an execution slot.",
		}),
		Attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "transfer_attempts_total",
			Help: "Network transfer attempts, retries included.",
		}),
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "download_outcomes_total",
			Help: "Finished downloads by outcome and category.",
		}, []string{"outcome", "category"}),
		Bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "downloaded_bytes_total",
			Help: "Ciphertext bytes received.",
		}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "download_duration_seconds",
			Help:    "Time from activation to completion.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		IntegrityIssues: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "integrity_issues_total",
			Help: "Unexpected persisted pointer states met during transitions.",
		}),
	}
	d.registry.MustRegister(d.Active, d.Pending, d.Attempts, d.Outcomes, d.Bytes, d.Duration, d.IntegrityIssues)
	return d
}

func (d *Downloads) Handler() http.Handler {
	return promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{})
}

func (d *Downloads) Registry() *prometheus.Registry { return d.registry }

func (d *Downloads) SetQueue(active, pending int) {
	if d == nil {
		return
	}
	d.Active.Set(float64(active))
	d.Pending.Set(float64(pending))
}

func (d *Downloads) Attempt() {
	if d == nil {
		return
	}
	d.Attempts.Inc()
}

func (d *Downloads) Outcome(outcome, category string) {
	if d == nil {
		return
	}
	d.Outcomes.WithLabelValues(outcome, category).Inc()
}

func (d *Downloads) AddBytes(n int64) {
	if d == nil || n <= 0 {
		return
	}
	d.Bytes.Add(float64(n))
}

func (d *Downloads) ObserveSeconds(s float64) {
	if d == nil {
		return
	}
	d.Duration.Observe(s)
}

func (d *Downloads) IntegrityIssue() {
	if d == nil {
		return
	}
	d.IntegrityIssues.Inc()
}
