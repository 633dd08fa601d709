// Package metrics provides Prometheus metrics for the Sahyog backend (RED + event log + dispatch + allocation).
// Scrapeable at /metrics; runbooks and dashboards can rely on these names.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sahyog"

var (
	// HTTPRequestTotal counts requests by method, path, status (RED: rate).
	HTTPRequestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by method, path, and status.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDurationSeconds is request latency histogram (RED: duration).
	HTTPRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2.5, 10), // 1ms to ~9.3s
		},
		[]string{"method", "path"},
	)

	// DBQueryDurationSeconds times repository queries by operation.
	DBQueryDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds by operation.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"operation"},
	)

	// EventsAppendedTotal counts durable appends by kind.
	EventsAppendedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_appended_total",
			Help:      "Total number of events appended to the event log by kind.",
		},
		[]string{"kind"},
	)

	// EventAppendFailuresTotal counts appends that failed to commit.
	EventAppendFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_append_failures_total",
			Help:      "Total number of event appends that failed with store unavailable.",
		},
	)

	// EventLogHead is the last committed sequence.
	EventLogHead = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_log_head_sequence",
			Help:      "Sequence number of the last committed event.",
		},
	)

	// SubmissionsTotal counts gateway submissions by kind and outcome (stored, duplicate, invalid, unavailable).
	SubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_submissions_total",
			Help:      "Total number of ingestion submissions by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	// WebSocketConnectionsActive is current number of WebSocket clients (capacity planning).
	WebSocketConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_connections_active",
			Help:      "Number of active WebSocket connections.",
		},
	)

	// RoomSubscriptions is the number of (connection, topic) memberships.
	RoomSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "room_subscriptions",
			Help:      "Number of active topic subscriptions across all connections.",
		},
	)

	// DispatchDeliveriesTotal counts events queued to connections.
	DispatchDeliveriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_deliveries_total",
			Help:      "Total number of event deliveries queued to connections.",
		},
	)

	// DispatchDroppedTotal counts events dropped by the backpressure policy.
	DispatchDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_dropped_total",
			Help:      "Total number of events dropped from full connection queues.",
		},
	)

	// DispatchResyncsTotal counts resync markers issued to slow consumers.
	DispatchResyncsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_resyncs_total",
			Help:      "Total number of resync markers issued to connections.",
		},
	)

	// DispatchCursor is the dispatcher's last delivered sequence.
	DispatchCursor = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_cursor_sequence",
			Help:      "Sequence number of the last event processed by the dispatcher.",
		},
	)

	// AssignmentsTotal counts assignment transitions by state.
	AssignmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assignments_total",
			Help:      "Total number of assignment transitions by resulting state.",
		},
		[]string{"state"},
	)

	// OpenIncidents is the number of incidents still waiting for capacity.
	OpenIncidents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_incidents",
			Help:      "Number of incidents whose demand is not fully satisfied.",
		},
	)

	// MatchPassDurationSeconds is the duration of one matching pass.
	MatchPassDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "match_pass_duration_seconds",
			Help:      "Duration of allocation matching passes in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2.5, 10),
		},
	)
)
