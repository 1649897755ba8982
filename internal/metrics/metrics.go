// Package metrics exposes Prometheus collectors for the scout service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	queueItemsTotal            *prometheus.CounterVec
	queueClaimsTotal           *prometheus.CounterVec
	queueReportsTotal          *prometheus.CounterVec
	intakeSubmissionsTotal     *prometheus.CounterVec
	monitorChecksTotal         *prometheus.CounterVec
	relayConnections           prometheus.Gauge
	relayBroadcastsTotal       prometheus.Counter
	relayPrunedConnsTotal      prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		queueItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scout_queue_items_total",
				Help: "Total queue items enqueued, labeled by source.",
			},
			[]string{"source"},
		)

		queueClaimsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scout_queue_claims_total",
				Help: "Total queue items handed to claimers, labeled by consumer.",
			},
			[]string{"consumer"},
		)

		queueReportsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scout_queue_reports_total",
				Help: "Total outcome reports, labeled by terminal status and whether the caller still owned the item.",
			},
			[]string{"status", "owned"},
		)

		intakeSubmissionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scout_intake_submissions_total",
				Help: "Total intake submissions processed, labeled by result.",
			},
			[]string{"result"},
		)

		monitorChecksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scout_monitor_checks_total",
				Help: "Total monitor checks performed, labeled by result.",
			},
			[]string{"result"},
		)

		relayConnections = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scout_relay_connections",
				Help: "Number of currently registered relay connections.",
			},
		)

		relayBroadcastsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scout_relay_broadcasts_total",
				Help: "Total messages broadcast through the relay.",
			},
		)

		relayPrunedConnsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scout_relay_pruned_connections_total",
				Help: "Total connections removed after a failed send.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveEnqueue increments the enqueue counter for the given source.
func ObserveEnqueue(source string) {
	if queueItemsTotal == nil {
		return
	}
	if source == "" {
		source = "unknown"
	}
	queueItemsTotal.WithLabelValues(source).Inc()
}

// ObserveClaims adds the claimed batch size for the given consumer.
func ObserveClaims(consumer string, count int) {
	if queueClaimsTotal == nil || count <= 0 {
		return
	}
	queueClaimsTotal.WithLabelValues(consumer).Add(float64(count))
}

// ObserveReport increments the outcome-report counter.
func ObserveReport(status string, owned bool) {
	if queueReportsTotal == nil {
		return
	}
	queueReportsTotal.WithLabelValues(status, strconv.FormatBool(owned)).Inc()
}

// ObserveIntake increments the intake counter for the given result.
func ObserveIntake(result string) {
	if intakeSubmissionsTotal == nil {
		return
	}
	intakeSubmissionsTotal.WithLabelValues(result).Inc()
}

// ObserveMonitorCheck increments the monitor check counter.
func ObserveMonitorCheck(result string) {
	if monitorChecksTotal == nil {
		return
	}
	monitorChecksTotal.WithLabelValues(result).Inc()
}

// IncRelayConnections increments the relay connection gauge.
func IncRelayConnections() {
	if relayConnections != nil {
		relayConnections.Inc()
	}
}

// DecRelayConnections decrements the relay connection gauge.
func DecRelayConnections() {
	if relayConnections != nil {
		relayConnections.Dec()
	}
}

// ObserveBroadcast increments the broadcast counter.
func ObserveBroadcast() {
	if relayBroadcastsTotal != nil {
		relayBroadcastsTotal.Inc()
	}
}

// ObservePrunedConnection increments the pruned-connection counter.
func ObservePrunedConnection() {
	if relayPrunedConnsTotal != nil {
		relayPrunedConnsTotal.Inc()
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
