// Package metrics holds the Prometheus collectors of the content key service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "contentkey"

// Metrics groups the service collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	requests       *prometheus.CounterVec
	failures       *prometheus.CounterVec
	licenseLatency prometheus.Histogram
	inFlight       prometheus.Gauge
	renewals       prometheus.Counter
	streamsSaved   prometheus.Counter
	sessions       prometheus.Gauge
}

// New registers the collectors with reg. A nil reg leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Key requests answered, by path and key source.",
		}, []string{"path", "source"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_failures_total",
			Help:      "Key requests that terminated with an error, by error kind.",
		}, []string{"kind", "retry"}),
		licenseLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "license_request_duration_seconds",
			Help:      "Latency of license service round trips.",
			Buckets:   prometheus.DefBuckets,
		}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_in_flight",
			Help:      "Key requests currently being served.",
		}),
		renewals: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "renewals_total",
			Help:      "Renewals that completed.",
		}),
		streamsSaved: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_saved_total",
			Help:      "Streams whose keys were all persisted.",
		}),
		sessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Open key sessions.",
		}),
	}
}

func (m *Metrics) RequestServed(path, source string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(path, source).Inc()
}

func (m *Metrics) RequestFailed(kind string, retry bool) {
	if m == nil {
		return
	}
	r := "false"
	if retry {
		r = "true"
	}
	m.failures.WithLabelValues(kind, r).Inc()
}

func (m *Metrics) ObserveLicense(d time.Duration) {
	if m == nil {
		return
	}
	m.licenseLatency.Observe(d.Seconds())
}

func (m *Metrics) InFlight(delta float64) {
	if m == nil {
		return
	}
	m.inFlight.Add(delta)
}

func (m *Metrics) Renewed() {
	if m == nil {
		return
	}
	m.renewals.Inc()
}

func (m *Metrics) StreamSaved() {
	if m == nil {
		return
	}
	m.streamsSaved.Inc()
}

func (m *Metrics) Sessions(delta float64) {
	if m == nil {
		return
	}
	m.sessions.Add(delta)
}
