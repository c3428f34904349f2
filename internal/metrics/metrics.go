// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Tracker
	TrackerEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rustmap_tracker_events_total",
			Help: "Join/leave events reconciled, by action and outcome",
		},
		[]string{"action", "outcome"}, // outcome: applied, ignored, self_healed
	)

	TrackerStoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rustmap_tracker_store_errors_total",
			Help: "Reconciliation calls that failed with a store error",
		},
		[]string{"action"},
	)

	TrackerClockSkewSessions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rustmap_tracker_clock_skew_sessions_total",
			Help: "Sessions closed with a leave time earlier than the join time",
		},
	)

	// Feed
	FeedConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rustmap_feed_connected",
			Help: "1 while the BattleMetrics WebSocket is connected",
		},
	)

	FeedConnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rustmap_feed_connect_attempts_total",
			Help: "BattleMetrics connection attempts by result",
		},
		[]string{"result"}, // success, failure
	)

	FeedFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rustmap_feed_frames_total",
			Help: "Frames received from the BattleMetrics WebSocket by message type",
		},
		[]string{"type"},
	)

	// Retention
	RetentionDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rustmap_retention_deleted_total",
			Help: "Rows removed by the retention job",
		},
		[]string{"table"},
	)

	// Outbox
	OutboxPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rustmap_outbox_published_total",
			Help: "Outbox events published to Kafka",
		},
	)

	// Live dashboard
	LiveClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rustmap_live_clients",
			Help: "Connected /live WebSocket clients",
		},
	)

	// HTTP
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rustmap_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// RecordTrackerEvent counts a reconciled event.
func RecordTrackerEvent(action, outcome string) {
	TrackerEvents.WithLabelValues(action, outcome).Inc()
}

// RecordTrackerStoreError counts a failed reconciliation.
func RecordTrackerStoreError(action string) {
	TrackerStoreErrors.WithLabelValues(action).Inc()
}

// RecordClockSkew counts a session whose duration was clamped.
func RecordClockSkew() {
	TrackerClockSkewSessions.Inc()
}

// SetFeedConnected flips the feed connection gauge.
func SetFeedConnected(connected bool) {
	if connected {
		FeedConnected.Set(1)
		return
	}
	FeedConnected.Set(0)
}

// RecordFeedConnectAttempt counts a dial attempt.
func RecordFeedConnectAttempt(err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	FeedConnectAttempts.WithLabelValues(result).Inc()
}

// RecordFeedFrame counts an inbound frame by its "t" field. Types the
// tracker does not handle share the "other" label.
func RecordFeedFrame(msgType string) {
	switch msgType {
	case "PLAYER_JOIN", "PLAYER_LEAVE", "invalid":
	default:
		msgType = "other"
	}
	FeedFrames.WithLabelValues(msgType).Inc()
}

// RecordRetentionDeleted adds deleted row counts for a table.
func RecordRetentionDeleted(table string, n int64) {
	if n > 0 {
		RetentionDeleted.WithLabelValues(table).Add(float64(n))
	}
}

// RecordOutboxPublished adds to the published event count.
func RecordOutboxPublished(n int) {
	OutboxPublished.Add(float64(n))
}

// RecordHTTPRequest observes a finished request.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(duration.Seconds())
}
