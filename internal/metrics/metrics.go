// Package metrics registers the prometheus/client_golang counters and
// histograms every stage binary updates, and serves them over the standard
// text exposition endpoint.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	EventsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "events_received_total",
		Help: "Events pulled off the ingestion queue, by event type.",
	}, []string{"event_type"})

	EventsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "events_processed_total",
		Help: "Events that completed ingestion successfully, by event type.",
	}, []string{"event_type"})

	EventsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "events_failed_total",
		Help: "Events that failed during ingestion, by event type and reason.",
	}, []string{"event_type", "reason"})

	Deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "deliveries_total",
		Help: "Delivery attempts, by channel and resulting status.",
	}, []string{"channel", "status"})

	DeliveryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "delivery_duration_seconds",
		Help:    "Time spent in a channel transport adapter's Send call.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"channel"})

	// ActiveWebsocketConnections is a best-effort proxy: this pipeline owns
	// no real websocket connections, so the in-app worker increments and
	// decrements it around each broadcast publish.
	ActiveWebsocketConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "active_websocket_connections",
		Help: "Best-effort proxy for in-app broadcast recipients currently believed live.",
	})
)

// Registry returns a fresh registry with every metric above registered.
func Registry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(EventsReceived, EventsProcessed, EventsFailed, Deliveries, DeliveryDuration, ActiveWebsocketConnections)
	return reg
}

// Serve exposes reg at /metrics on addr, blocking until the listener fails.
// Stage binaries run it on its own goroutine; an empty addr disables the
// endpoint entirely.
func Serve(addr string, reg *prometheus.Registry, log *zerolog.Logger) {
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Info().Str("addr", addr).Msg("serving metrics")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("metrics listener failed")
	}
}
