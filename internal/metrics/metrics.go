// Package metrics provides Prometheus metrics for the vault server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vault_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Store metrics
	storeOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_store_operations_total",
			Help: "Total document store operations by outcome",
		},
		[]string{"op", "outcome"},
	)

	storeOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vault_store_operation_duration_seconds",
			Help:    "Document store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	bytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vault_store_bytes_written_total",
			Help: "Total bytes written to documents",
		},
	)

	treeSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vault_tree_nodes",
			Help: "Number of visible nodes in the whole vault as of the last root read",
		},
	)

	// Event metrics
	observersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vault_observers_active",
			Help: "Number of connected change observers",
		},
	)

	eventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_events_published_total",
			Help: "Total change events published",
		},
		[]string{"type"},
	)

	eventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vault_events_dropped_total",
			Help: "Deliveries dropped because an observer buffer was full",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordStoreOperation records a store operation and its outcome label
// ("ok" or an error kind).
func RecordStoreOperation(op, outcome string, duration time.Duration) {
	storeOperationsTotal.WithLabelValues(op, outcome).Inc()
	storeOperationDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordBytesWritten adds to the written bytes counter.
func RecordBytesWritten(n int64) {
	bytesWritten.Add(float64(n))
}

// SetTreeSize sets the node count of the whole vault.
func SetTreeSize(n int) {
	treeSize.Set(float64(n))
}

// SetObserversActive sets the number of connected observers.
func SetObserversActive(n int) {
	observersActive.Set(float64(n))
}

// RecordEventPublished records a published event.
func RecordEventPublished(eventType string) {
	eventsPublished.WithLabelValues(eventType).Inc()
}

// RecordEventDropped records deliveries dropped for slow observers.
func RecordEventDropped(n int) {
	eventsDropped.Add(float64(n))
}
