package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the coordinator.
type Metrics struct {
	// HTTP surface metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Scan lifecycle metrics
	ScansTotal    *prometheus.CounterVec
	ScanDuration  *prometheus.HistogramVec
	ScansRejected *prometheus.CounterVec
	ScansInFlight prometheus.Gauge

	// Liveness keeper metrics
	KeepAliveBeats  prometheus.Counter
	KeepAliveErrors prometheus.Counter

	// Store metrics
	StoreOps    *prometheus.CounterVec
	StoreErrors prometheus.Counter

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec

	registry  *prometheus.Registry
	startTime time.Time
}

// NewMetrics creates a metrics collector on its own registry so repeated
// construction in tests does not collide.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry:  reg,
		startTime: time.Now(),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scand_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scand_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		ScansTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scand_scans_total",
				Help: "Completed scan attempts by terminal classification",
			},
			[]string{"scan_type", "outcome"},
		),
		ScanDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scand_scan_duration_seconds",
				Help:    "Scan attempt duration in seconds",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"scan_type"},
		),
		ScansRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scand_scans_rejected_total",
				Help: "Scan attempts rejected before execution",
			},
			[]string{"reason"},
		),
		ScansInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "scand_scans_in_flight",
				Help: "Scan attempts currently executing (0 or 1)",
			},
		),

		KeepAliveBeats: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "scand_keepalive_beats_total",
				Help: "Heartbeat writes performed by the liveness keeper",
			},
		),
		KeepAliveErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "scand_keepalive_errors_total",
				Help: "Heartbeat writes that failed",
			},
		),

		StoreOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scand_store_ops_total",
				Help: "Shared state store operations",
			},
			[]string{"op"},
		),
		StoreErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "scand_store_errors_total",
				Help: "Shared state store operations that failed",
			},
		),

		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "scand_ws_connections",
				Help: "Active WebSocket observers",
			},
		),
		WSMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scand_ws_messages_total",
				Help: "WebSocket messages by type and direction",
			},
			[]string{"type", "direction"},
		),
	}
}

// Handler returns an HTTP handler exposing this collector's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest records one HTTP surface request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordScan records a terminal scan classification.
func (m *Metrics) RecordScan(scanType, outcome string, duration time.Duration) {
	m.ScansTotal.WithLabelValues(scanType, outcome).Inc()
	m.ScanDuration.WithLabelValues(scanType).Observe(duration.Seconds())
}

// RecordRejection records a pre-execution rejection.
func (m *Metrics) RecordRejection(reason string) {
	m.ScansRejected.WithLabelValues(reason).Inc()
}

// Uptime returns time since metrics creation.
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}
