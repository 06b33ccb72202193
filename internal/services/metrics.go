package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all custom Prometheus metrics for the application
type Metrics struct {
	// WebSocket metrics
	WebSocketConnections prometheus.Gauge
	WebSocketMessages    *prometheus.CounterVec

	// Consent metrics
	ConsentSessions prometheus.Gauge
	ConsentToggles  *prometheus.CounterVec
	ConsentOutcomes *prometheus.CounterVec
	ExchangeLatency prometheus.Histogram

	// Training metrics
	TrainingOutcomes  *prometheus.CounterVec
	WatchdogFallbacks prometheus.Counter

	// Connection manager reference for dynamic metrics
	connManager *ConnectionManager
}

var globalMetrics *Metrics

// InitMetrics initializes the Prometheus metrics
func InitMetrics(connManager *ConnectionManager) *Metrics {
	metrics := &Metrics{
		connManager: connManager,

		// WebSocket active connections (gauge - can go up and down)
		WebSocketConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "onairos_websocket_connections_active",
			Help: "Number of active WebSocket connections",
		}),

		// WebSocket messages by type (counter - only goes up)
		WebSocketMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "onairos_websocket_messages_total",
			Help: "Total number of WebSocket messages by type",
		}, []string{"type", "direction"}), // direction: "inbound" or "outbound"

		// Live consent sessions
		ConsentSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "onairos_consent_sessions_active",
			Help: "Number of live data-request sessions",
		}),

		// Grant/revoke toggles
		ConsentToggles: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "onairos_consent_toggles_total",
			Help: "Total number of selection toggles by action",
		}, []string{"action"}), // action: "grant" or "revoke"

		// Session outcomes
		ConsentOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "onairos_consent_outcomes_total",
			Help: "Total number of finished data-request sessions by outcome",
		}, []string{"outcome"}), // outcome: "approved", "rejected", "error"

		// Access exchange latency
		ExchangeLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "onairos_access_exchange_duration_seconds",
			Help:    "API access exchange latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),

		// Training session outcomes
		TrainingOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "onairos_training_sessions_total",
			Help: "Total number of finished training sessions by outcome",
		}, []string{"outcome"}), // outcome: "completed", "fallback", "failed"

		// Watchdog force-completions
		WatchdogFallbacks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "onairos_training_watchdog_fallbacks_total",
			Help: "Total number of training sessions force-completed by the watchdog",
		}),
	}

	// Register a collector that updates WebSocket connections from ConnectionManager
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "onairos_websocket_connections_current",
			Help: "Current number of active WebSocket connections (from connection manager)",
		},
		func() float64 {
			if connManager != nil {
				return float64(connManager.Count())
			}
			return 0
		},
	))

	globalMetrics = metrics
	return metrics
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	return globalMetrics
}

// RecordWebSocketConnect records a new WebSocket connection
func (m *Metrics) RecordWebSocketConnect() {
	m.WebSocketConnections.Inc()
}

// RecordWebSocketDisconnect records a WebSocket disconnection
func (m *Metrics) RecordWebSocketDisconnect() {
	m.WebSocketConnections.Dec()
}

// RecordWebSocketMessage records a WebSocket message
func (m *Metrics) RecordWebSocketMessage(msgType, direction string) {
	m.WebSocketMessages.WithLabelValues(msgType, direction).Inc()
}

// RecordSessionOpened records a new consent session
func (m *Metrics) RecordSessionOpened() {
	m.ConsentSessions.Inc()
}

// RecordSessionClosed records a consent session leaving the registry
func (m *Metrics) RecordSessionClosed() {
	m.ConsentSessions.Dec()
}

// RecordToggle records a selection grant or revoke
func (m *Metrics) RecordToggle(action string) {
	m.ConsentToggles.WithLabelValues(action).Inc()
}

// RecordConsentOutcome records a finished data-request session
func (m *Metrics) RecordConsentOutcome(outcome string) {
	m.ConsentOutcomes.WithLabelValues(outcome).Inc()
}

// RecordExchangeLatency records access exchange latency
func (m *Metrics) RecordExchangeLatency(seconds float64) {
	m.ExchangeLatency.Observe(seconds)
}

// RecordTrainingOutcome records a finished training session
func (m *Metrics) RecordTrainingOutcome(outcome string) {
	m.TrainingOutcomes.WithLabelValues(outcome).Inc()
}

// RecordWatchdogFallback records a watchdog force-completion
func (m *Metrics) RecordWatchdogFallback() {
	m.WatchdogFallbacks.Inc()
}
