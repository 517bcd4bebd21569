// Package metrics defines the Prometheus collectors for the notifier.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// File watcher metrics
var (
	// WatchChecksTotal tracks detector checks by outcome (ok/integrity/transient)
	WatchChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watch_checks_total",
			Help: "Total file change checks by outcome",
		},
		[]string{"outcome"},
	)

	// WatchRowsDetected tracks newly appended rows observed by the detector
	WatchRowsDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "watch_rows_detected_total",
			Help: "Total newly appended rows detected",
		},
	)

	// WatchLastRowCount tracks the last observed row count of the watched file
	WatchLastRowCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "watch_last_row_count",
			Help: "Last observed row count of the watched file",
		},
	)

	// WatchCheckDuration tracks detector check latency in seconds
	WatchCheckDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "watch_check_duration_seconds",
			Help:    "File change check duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)
)

// Notification service metrics
var (
	// EventsPublishedTotal tracks published events by kind
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_events_published_total",
			Help: "Total events published by kind",
		},
		[]string{"kind"},
	)

	// NotifierTickDuration tracks tick loop iteration latency in seconds
	NotifierTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "notify_tick_duration_seconds",
			Help:    "Notification tick duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	// NotifierConsecutiveFailures tracks the current consecutive check failure streak
	NotifierConsecutiveFailures = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notify_consecutive_failures",
			Help: "Current consecutive file check failure streak",
		},
	)
)

// Broadcaster metrics
var (
	// BroadcasterConnectedClients tracks currently connected WebSocket clients
	BroadcasterConnectedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "broadcaster_connected_clients",
			Help: "Number of currently connected WebSocket clients",
		},
	)

	// BroadcasterSlowClientsEvicted tracks slow clients evicted due to full buffers
	BroadcasterSlowClientsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broadcaster_slow_clients_evicted_total",
			Help: "Total slow WebSocket clients evicted due to buffer full",
		},
	)

	// BroadcasterRejectedConnections tracks connections rejected at the cap
	BroadcasterRejectedConnections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broadcaster_rejected_connections_total",
			Help: "Total connections rejected because the connection cap was reached",
		},
	)

	// BroadcasterStopTimeoutsTotal tracks stops that exceeded the stop timeout
	BroadcasterStopTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broadcaster_stop_timeouts_total",
			Help: "Broadcaster stops that exceeded timeout",
		},
	)

	// BroadcasterPanicsTotal tracks broadcaster panic recoveries
	BroadcasterPanicsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broadcaster_panics_total",
			Help: "Total broadcaster panic recoveries",
		},
	)
)

// WebSocket connection metrics
var (
	// WebSocketMessageSendDuration tracks per-message send latency in seconds
	WebSocketMessageSendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "websocket_message_send_duration_seconds",
			Help:    "WebSocket message send duration in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		},
	)

	// WebSocketPingFailures tracks failed protocol pings
	WebSocketPingFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_ping_failures_total",
			Help: "Total failed WebSocket pings",
		},
	)
)

// Gateway metrics
var (
	// GatewayLimitedConnections tracks WebSocket connections rejected by a limiter
	GatewayLimitedConnections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_limited_connections_total",
			Help: "Total WebSocket connections rejected by connection limits",
		},
		[]string{"reason"},
	)
)

// Redis mirror metrics
var (
	// MirrorPublishesTotal tracks Redis mirror publishes by status
	MirrorPublishesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirror_publishes_total",
			Help: "Total Redis mirror publishes by status",
		},
		[]string{"status"},
	)

	// MirrorCircuitState tracks the mirror circuit breaker state (0 closed, 1 half-open, 2 open)
	MirrorCircuitState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mirror_circuit_state",
			Help: "Redis mirror circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)
)
