// Package metrics provides Prometheus metrics for the session manager.
package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectAttemptsTotal counts broker connect attempts.
	ConnectAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cirrus_connect_attempts_total",
		Help: "The total number of broker connect attempts.",
	})

	// ConnectFailuresTotal counts failed connect attempts by return code.
	ConnectFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cirrus_connect_failures_total",
		Help: "The total number of failed broker connect attempts, by CONNACK return code.",
	},
		[]string{"code"},
	)

	// MessagesPublishedTotal counts outbound telemetry and state messages.
	MessagesPublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cirrus_messages_published_total",
		Help: "The total number of published telemetry and state messages.",
	})

	// MessagesReceivedTotal counts inbound messages from the broker.
	MessagesReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cirrus_messages_received_total",
		Help: "The total number of messages received from the broker.",
	})

	// TokenRegenerationsTotal counts credential regenerations by trigger.
	TokenRegenerationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cirrus_token_regenerations_total",
		Help: "The total number of credential regenerations, by trigger.",
	},
		[]string{"trigger"},
	)

	// SessionState reports the current session state as its numeric value.
	SessionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cirrus_session_state",
		Help: "Current session state (0=idle, 1=connecting, 2=connected, 3=backing_off).",
	})

	// BackoffSeconds reports the current reconnect backoff delay.
	BackoffSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cirrus_backoff_seconds",
		Help: "Current reconnect backoff delay in seconds.",
	})
)

// Serve starts an HTTP server to expose the Prometheus metrics.
func Serve(addr string) {
	http.Handle("/metrics", promhttp.Handler())
	log.Printf("Metrics server listening on %s", addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		logFatalf("Metrics server failed: %v", err)
	}
}

// logFatalf can be replaced by tests to prevent process exit.
var logFatalf = log.Fatalf
