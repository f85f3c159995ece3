package util

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	prometheusGaugeState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "peercall_negotiation_state",
			Help: "Current negotiation state (1 for the active state, 0 otherwise)",
		},
		[]string{"state"},
	)

	prometheusCounterConnectAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "peercall_signaling_connect_attempts_total",
			Help: "Number of signaling connection attempts, including refused ones",
		},
	)

	prometheusCounterReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peercall_signaling_reconnects_total",
			Help: "Number of scheduled signaling reconnections by trigger path",
		},
		[]string{"path"},
	)

	prometheusCounterSessions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "peercall_peer_sessions_total",
			Help: "Number of peer sessions created",
		},
	)

	prometheusCounterProtocolErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peercall_protocol_errors_total",
			Help: "Number of session-fatal signaling errors by kind",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(prometheusGaugeState)
	prometheus.MustRegister(prometheusCounterConnectAttempts)
	prometheus.MustRegister(prometheusCounterReconnects)
	prometheus.MustRegister(prometheusCounterSessions)
	prometheus.MustRegister(prometheusCounterProtocolErrors)
}

// MetricsSetState marks state as the only active negotiation state.
func MetricsSetState(prev, next string) {
	if prev != "" {
		prometheusGaugeState.WithLabelValues(prev).Set(0)
	}
	prometheusGaugeState.WithLabelValues(next).Set(1)
}

func MetricsConnectAttempt()           { prometheusCounterConnectAttempts.Inc() }
func MetricsReconnect(path string)     { prometheusCounterReconnects.WithLabelValues(path).Inc() }
func MetricsSessionCreated()           { prometheusCounterSessions.Inc() }
func MetricsProtocolError(kind string) { prometheusCounterProtocolErrors.WithLabelValues(kind).Inc() }

// MetricsHandler serves the default registry in the OpenMetrics format.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(
		prometheus.DefaultGatherer,
		promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		},
	)
}
