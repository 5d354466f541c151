// Package metrics exposes Prometheus counters for call flow, registration
// recovery and CRM reconciliation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()

	callsPlaced = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dialdesk_calls_placed_total",
		Help: "Outbound calls initiated by agents",
	})
	callsConnected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dialdesk_calls_connected_total",
		Help: "Calls that reached the connected state",
	})
	callsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dialdesk_calls_failed_total",
		Help: "Call cycles that ended without a normal hang-up",
	}, []string{"reason"})
	inboundRings = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dialdesk_inbound_rings_total",
		Help: "Genuine inbound call legs delivered to agents",
	})
	callDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dialdesk_call_duration_seconds",
		Help:    "Talk time of connected calls",
		Buckets: []float64{15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
	})

	reRegistrations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dialdesk_reregistrations_total",
		Help: "Recovery sequences triggered by an unregistered event",
	})

	reconciliationFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dialdesk_reconciliation_fallback_lookups_total",
		Help: "Call completions that resolved their record by provider call id",
	})
	reconciliationErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dialdesk_reconciliation_errors_total",
		Help: "Call completions that could not be persisted to the CRM",
	}, []string{"reason"})

	activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dialdesk_active_sessions",
		Help: "Signed-in agents with a live session coordinator",
	})
	wsClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dialdesk_websocket_clients",
		Help: "Connected dashboard websocket clients",
	})
)

func init() {
	registry.MustRegister(
		callsPlaced,
		callsConnected,
		callsFailed,
		inboundRings,
		callDuration,
		reRegistrations,
		reconciliationFallbacks,
		reconciliationErrors,
		activeSessions,
		wsClients,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the scrape endpoint
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func RecordCallPlaced()    { callsPlaced.Inc() }
func RecordCallConnected() { callsConnected.Inc() }
func RecordInboundRing()   { inboundRings.Inc() }

func RecordCallFailed(reason string) {
	callsFailed.WithLabelValues(reason).Inc()
}

func ObserveCallDuration(seconds int) {
	callDuration.Observe(float64(seconds))
}

func RecordReRegistration() { reRegistrations.Inc() }

func RecordReconciliationFallback() { reconciliationFallbacks.Inc() }

func RecordReconciliationError(reason string) {
	reconciliationErrors.WithLabelValues(reason).Inc()
}

func SetActiveSessions(n int) { activeSessions.Set(float64(n)) }

func WebSocketClientConnected()    { wsClients.Inc() }
func WebSocketClientDisconnected() { wsClients.Dec() }
