package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pipeline metrics
	PublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "n6_messages_published_total",
			Help: "Messages delivered to the broker",
		},
		[]string{"component"},
	)

	DroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "n6_messages_dropped_total",
			Help: "Messages dropped by the serializer or on fatal publish failure",
		},
		[]string{"component", "reason"},
	)

	ReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "n6_broker_reconnects_total",
			Help: "Broker reconnect attempts",
		},
		[]string{"component"},
	)

	// Aggregator metrics
	AggregatedEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "n6_aggregator_events_total",
			Help: "Events processed by the aggregator",
		},
		[]string{"kind"},
	)

	SuppressedFlushesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "n6_aggregator_suppressed_flushes_total",
			Help: "Suppressed summaries emitted",
		},
	)

	// Enricher metrics
	EnrichmentFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "n6_enrichment_failures_total",
			Help: "Per-subsystem enrichment failures",
		},
		[]string{"subsystem"},
	)

	// Query processor metrics
	QueryWindowsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "n6_eventdb_query_windows_total",
			Help: "Day-step sub-queries issued",
		},
	)
)

// Handler exposes the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
