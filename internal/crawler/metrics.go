package crawler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the networked stages.
type Metrics struct {
	Registry        *prometheus.Registry
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RequestPhase    *prometheus.HistogramVec
	InFlight        prometheus.Gauge
	ItemsTotal      *prometheus.CounterVec
	MediaTotal      *prometheus.CounterVec
	ErrorsTotal     *prometheus.CounterVec
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalogferry_requests_total",
			Help: "Total HTTP requests issued against the source site.",
		},
		[]string{"stage"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "catalogferry_request_duration_seconds",
			Help:    "HTTP request latency against the source site.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)
	requestPhase := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "catalogferry_request_phase_seconds",
			Help:    "Time spent in each phase of a request: dns, connect, tls, ttfb, download.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage", "phase"},
	)
	inFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "catalogferry_requests_in_flight",
			Help: "Requests currently holding a worker slot.",
		},
	)
	items := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalogferry_items_total",
			Help: "Pages or items reaching a terminal state, by stage and outcome.",
		},
		[]string{"stage", "outcome"},
	)
	media := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalogferry_media_total",
			Help: "Media references handled by the detail stage, by outcome.",
		},
		[]string{"outcome"},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalogferry_errors_total",
			Help: "Total number of fetch errors by type.",
		},
		[]string{"stage", "error_type"},
	)

	registry.MustRegister(requests, requestDuration, requestPhase, inFlight, items, media, errorsTotal)

	return &Metrics{
		Registry:        registry,
		RequestsTotal:   requests,
		RequestDuration: requestDuration,
		RequestPhase:    requestPhase,
		InFlight:        inFlight,
		ItemsTotal:      items,
		MediaTotal:      media,
		ErrorsTotal:     errorsTotal,
	}
}

// ObserveRequest records one completed request.
func (m *Metrics) ObserveRequest(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(stage).Inc()
	m.RequestDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ObservePhases records the trace timings of one response. Phases that did
// not happen, such as DNS on a reused connection, are left out.
func (m *Metrics) ObservePhases(stage string, t HTTPMetrics) {
	if m == nil {
		return
	}
	for _, p := range []struct {
		name string
		d    time.Duration
	}{
		{"dns", t.DNSLookup},
		{"connect", t.TCPConnect},
		{"tls", t.TLSHandshake},
		{"ttfb", t.TTFB},
		{"download", t.DownloadTime},
	} {
		if p.d > 0 {
			m.RequestPhase.WithLabelValues(stage, p.name).Observe(p.d.Seconds())
		}
	}
}

// TrackInFlight increments the in-flight gauge and returns its decrement.
func (m *Metrics) TrackInFlight() func() {
	if m == nil {
		return func() {}
	}
	m.InFlight.Inc()
	return m.InFlight.Dec
}

// IncItem counts a page or item reaching a terminal state.
func (m *Metrics) IncItem(stage, outcome string) {
	if m == nil {
		return
	}
	m.ItemsTotal.WithLabelValues(stage, outcome).Inc()
}

// IncMedia counts a processed or skipped media reference.
func (m *Metrics) IncMedia(outcome string) {
	if m == nil {
		return
	}
	m.MediaTotal.WithLabelValues(outcome).Inc()
}

// IncError increments the errors counter for a classified error.
func (m *Metrics) IncError(stage string, err error) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(stage, ErrorLabel(err)).Inc()
}
