// Package metrics exposes process-wide Prometheus counters and histograms
// for HTTP requests, WebSocket connections, and store operations.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apistore_http_requests_total",
			Help: "Total number of HTTP requests by method, route, and status",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "apistore_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds by method and route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	WSConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "apistore_ws_connections_active",
			Help: "Number of currently open WebSocket connections",
		},
	)

	// StoreOperationsTotal is registered and exposed, but no sub-store
	// increments it, so it reports no operations.
	StoreOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apistore_store_operations_total",
			Help: "Total number of store operations by sub-store, operation, and outcome",
		},
		[]string{"store", "operation", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(WSConnectionsActive)
	prometheus.MustRegister(StoreOperationsTotal)
}

// Handler returns the Prometheus scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
