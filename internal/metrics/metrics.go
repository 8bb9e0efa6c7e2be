// Package metrics defines the Prometheus instruments exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Hub metrics
var (
	// HubActiveConnections tracks live connections by connection type.
	HubActiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hub_active_connections",
			Help: "Live WebSocket connections by connection type",
		},
		[]string{"type"},
	)

	// HubAuthenticatedConnections tracks connections that completed auth.
	HubAuthenticatedConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_authenticated_connections",
			Help: "Live WebSocket connections that have authenticated",
		},
	)

	// HubChannelSubscriptions tracks total channel subscription entries.
	HubChannelSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_channel_subscriptions",
			Help: "Total (connection, channel) subscription entries",
		},
	)

	// HubMessagesSent counts delivered messages by audience.
	HubMessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_messages_sent_total",
			Help: "Messages handed to connection writers by audience (all/user/channel/direct)",
		},
		[]string{"audience"},
	)

	// HubSlowClientsEvicted counts connections dropped for a full send buffer.
	HubSlowClientsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_slow_clients_evicted_total",
			Help: "Connections evicted because their send buffer stayed full",
		},
	)

	// HubCommandChannelDepth tracks the hub actor's command backlog.
	HubCommandChannelDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_command_channel_depth",
			Help: "Current depth of the hub command channel",
		},
	)

	// HubStopTimeouts counts forced hub shutdowns.
	HubStopTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_stop_timeouts_total",
			Help: "Hub shutdowns that exceeded the graceful stop timeout",
		},
	)
)

// Protocol metrics
var (
	// InboundFrames counts inbound frames by dispatch result.
	InboundFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "protocol_inbound_frames_total",
			Help: "Inbound WebSocket frames by dispatch result (ok/malformed/unknown/throttled/auth_failed)",
		},
		[]string{"result"},
	)

	// WebSocketPingFailures counts keepalive ping write failures.
	WebSocketPingFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_ping_failures_total",
			Help: "Keepalive pings that failed to write",
		},
	)

	// WebSocketIdleDisconnects counts connections dropped for inactivity.
	WebSocketIdleDisconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_idle_disconnects_total",
			Help: "Connections closed after exceeding the idle timeout",
		},
	)

	// WebSocketMessageSendDuration tracks per-message write latency.
	WebSocketMessageSendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "websocket_message_send_duration_seconds",
			Help:    "WebSocket message send duration in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		},
	)
)

// Relay metrics
var (
	// RelayPublished counts messages published to the broker by scope.
	RelayPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_published_total",
			Help: "Relay messages published outward by scope",
		},
		[]string{"scope"},
	)

	// RelayReceived counts messages consumed from the broker by scope.
	RelayReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_received_total",
			Help: "Relay messages received from the broker by scope",
		},
		[]string{"scope"},
	)

	// RelaySkippedOwnOrigin counts messages dropped because this instance
	// published them.
	RelaySkippedOwnOrigin = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_skipped_own_origin_total",
			Help: "Relay messages ignored because their origin is the local instance",
		},
	)

	// RelayDecodeFailures counts undecodable broker payloads.
	RelayDecodeFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_decode_failures_total",
			Help: "Broker payloads that failed to decode as relay messages",
		},
	)

	// RelayReconnects counts subscriber reconnect attempts.
	RelayReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_reconnects_total",
			Help: "Relay subscriber reconnect attempts",
		},
	)

	// RelayState reports the relay state machine (0=uninitialized,
	// 1=connecting, 2=ready, 3=reconnecting).
	RelayState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_state",
			Help: "Relay state (0=uninitialized, 1=connecting, 2=ready, 3=reconnecting)",
		},
	)
)

// Monitoring adapter metrics
var (
	// MonitorSamples counts load sampling attempts by status.
	MonitorSamples = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "monitor_samples_total",
			Help: "Server-load sampling attempts by status",
		},
		[]string{"status"},
	)
)

// Redis metrics
var (
	// RedisOpsTotal tracks Redis operations by command and status.
	RedisOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_operations_total",
			Help: "Total Redis operations by operation and status",
		},
		[]string{"operation", "status"},
	)

	// RedisOpDuration tracks Redis operation latency in seconds.
	RedisOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Redis operation duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	// RedisConnectionErrors tracks Redis dial failures.
	RedisConnectionErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "redis_connection_errors_total",
			Help: "Total Redis connection errors",
		},
	)

	// CircuitBreakerStateChanges tracks breaker transitions.
	CircuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions by component and new state",
		},
		[]string{"component", "state"},
	)

	// CircuitBreakerState reports the current breaker state
	// (0=closed, 1=half-open, 2=open).
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"component"},
	)
)
