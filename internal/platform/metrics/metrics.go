package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the recorder's Prometheus collectors on a private registry.
// All methods are safe on a nil receiver so components can run without
// metrics (e.g. in tests).
type Metrics struct {
	registry          *prometheus.Registry
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	probesTotal       *prometheus.CounterVec
	probeDuration     *prometheus.HistogramVec
	transitionsTotal  *prometheus.CounterVec
	capturesStarted   *prometheus.CounterVec
	capturesCompleted *prometheus.CounterVec
	activeCaptures    prometheus.Gauge
	remuxFailures     prometheus.Counter
	notifications     *prometheus.CounterVec
	targets           prometheus.Gauge
	liveTargets       prometheus.Gauge
}

// New creates and registers the recorder metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recorder_http_requests_total",
			Help: "Status API requests by route pattern, method and status code",
		}, []string{"route", "method", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "recorder_http_request_duration_seconds",
			Help:    "Status API latency by route pattern",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		probesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recorder_probes_total",
			Help: "Probes by platform and result",
		}, []string{"platform", "result"}),
		probeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "recorder_probe_duration_seconds",
			Help:    "Probe latency by platform",
			Buckets: prometheus.DefBuckets,
		}, []string{"platform"}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recorder_state_transitions_total",
			Help: "Target state transitions by new state",
		}, []string{"state"}),
		capturesStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recorder_captures_started_total",
			Help: "Capture sessions started by strategy",
		}, []string{"strategy"}),
		capturesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recorder_captures_completed_total",
			Help: "Capture sessions completed by outcome",
		}, []string{"outcome"}),
		activeCaptures: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "recorder_active_captures",
			Help: "Capture sessions currently running",
		}),
		remuxFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recorder_remux_failures_total",
			Help: "Remux runs that failed and kept the raw capture",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recorder_notifications_total",
			Help: "Went-live notifications by outcome",
		}, []string{"outcome"}),
		targets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "recorder_targets",
			Help: "Targets in the registry",
		}),
		liveTargets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "recorder_live_targets",
			Help: "Targets currently in the live state",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.probesTotal,
		m.probeDuration,
		m.transitionsTotal,
		m.capturesStarted,
		m.capturesCompleted,
		m.activeCaptures,
		m.remuxFailures,
		m.notifications,
		m.targets,
		m.liveTargets,
	)
	return m
}

// ObserveRequest counts one status API request under its route pattern.
func (m *Metrics) ObserveRequest(route, method string, code int, seconds float64) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(seconds)
}

// ObserveProbe records one probe outcome and its latency in seconds.
func (m *Metrics) ObserveProbe(platform, result string, seconds float64) {
	if m == nil {
		return
	}
	m.probesTotal.WithLabelValues(platform, result).Inc()
	m.probeDuration.WithLabelValues(platform).Observe(seconds)
}

// IncTransition counts a transition into state.
func (m *Metrics) IncTransition(state string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(state).Inc()
}

// CaptureStarted counts a started session and raises the active gauge.
func (m *Metrics) CaptureStarted(strategy string) {
	if m == nil {
		return
	}
	m.capturesStarted.WithLabelValues(strategy).Inc()
	m.activeCaptures.Inc()
}

// CaptureCompleted counts a finished session and lowers the active gauge.
func (m *Metrics) CaptureCompleted(outcome string) {
	if m == nil {
		return
	}
	m.capturesCompleted.WithLabelValues(outcome).Inc()
	m.activeCaptures.Dec()
}

// IncRemuxFailures increments the remux failure counter.
func (m *Metrics) IncRemuxFailures() {
	if m == nil {
		return
	}
	m.remuxFailures.Inc()
}

// IncNotifications counts a notification attempt by outcome ("sent" or "failed").
func (m *Metrics) IncNotifications(outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(outcome).Inc()
}

// SetTargets sets the registry gauges.
func (m *Metrics) SetTargets(total, live int) {
	if m == nil {
		return
	}
	m.targets.Set(float64(total))
	m.liveTargets.Set(float64(live))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
