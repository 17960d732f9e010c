package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RedisErrorRate counts Redis errors by operation type.
	RedisErrorRate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plaza_redis_error_rate_total",
		Help: "Total number of Redis errors by operation type",
	}, []string{"operation"})

	// StoreOperationLatency records document store latency by operation, collection and outcome.
	StoreOperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "plaza_store_operation_latency_seconds",
		Help:    "Document store operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "collection", "outcome"})

	// DatabaseQueryLatency records repair journal query latency by operation and table.
	DatabaseQueryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "plaza_database_query_latency_seconds",
		Help:    "Database query latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "table"})

	// QuarantinedDocuments counts stored documents that failed to decode.
	QuarantinedDocuments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plaza_quarantined_documents_total",
		Help: "Total number of malformed documents skipped during decode",
	}, []string{"collection"})

	// GraphOperations counts follow and unfollow outcomes.
	GraphOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plaza_graph_operations_total",
		Help: "Follow graph mutations by operation and outcome",
	}, []string{"operation", "outcome"})

	// GraphRetries counts retried follow-graph writes by side.
	GraphRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plaza_graph_retries_total",
		Help: "Retried follow graph writes by side",
	}, []string{"side"})

	// RepairTasks counts repair journal transitions by status.
	RepairTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plaza_repair_tasks_total",
		Help: "Repair journal tasks by resulting status",
	}, []string{"status"})

	// FeedQueries records how many store queries a composed feed needed.
	FeedQueries = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "plaza_feed_store_queries",
		Help:    "Number of store queries issued per composed feed page",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
	}, []string{"feed"})

	// EngagementEvents counts emitted engagement events by kind and delivery outcome.
	EngagementEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plaza_engagement_events_total",
		Help: "Engagement events by kind and outcome",
	}, []string{"kind", "outcome"})

	// WebSocketConnectionsTotal is the gauge of total WebSocket connections.
	WebSocketConnectionsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "plaza_websocket_connections_total",
		Help: "Total number of active WebSocket connections",
	})

	// WebSocketBackpressureDrops counts messages dropped due to backpressure by hub and reason.
	WebSocketBackpressureDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plaza_websocket_backpressure_drops_total",
		Help: "Total number of WebSocket messages dropped due to backpressure",
	}, []string{"hub", "reason"})
)

// ObserveStore records the latency of a store call started at start.
func ObserveStore(operation, collection string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	StoreOperationLatency.WithLabelValues(operation, collection, outcome).Observe(time.Since(start).Seconds())
}

// TrackQuery returns a function that records journal query latency when called (e.g. defer).
func TrackQuery(operation, table string) func() {
	start := time.Now()
	return func() {
		DatabaseQueryLatency.WithLabelValues(operation, table).Observe(time.Since(start).Seconds())
	}
}
