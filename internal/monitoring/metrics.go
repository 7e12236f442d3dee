// Package monitoring registers the Prometheus metrics the control plane
// exposes on /metrics.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the control plane.
type Metrics struct {
	// Command pipeline
	IntentsTotal    *prometheus.CounterVec
	IntentDuration  *prometheus.HistogramVec
	AckTimeouts     prometheus.Counter
	PendingConfirms prometheus.Gauge

	// Telemetry and ledger
	TelemetryTotal *prometheus.CounterVec
	LedgerEntries  *prometheus.CounterVec
	LedgerHalted   prometheus.Gauge
	TicketsRaised  *prometheus.CounterVec

	// Sessions and realtime
	DevicesOnline   prometheus.Gauge
	RealtimeClients prometheus.Gauge
	RealtimeDropped prometheus.Counter

	// HTTP
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics on the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		IntentsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campus_intents_total",
				Help: "Control intents processed, by origin and outcome",
			},
			[]string{"origin", "outcome"},
		),
		IntentDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "campus_intent_duration_seconds",
				Help:    "End-to-end intent latency including the ack wait",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5},
			},
			[]string{"origin"},
		),
		AckTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "campus_ack_timeouts_total",
			Help: "Commands that expired waiting for the device state report",
		}),
		PendingConfirms: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "campus_pending_confirmations",
			Help: "Bulk confirmations awaiting a second call",
		}),
		TelemetryTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campus_telemetry_total",
				Help: "Telemetry payloads by ingest outcome",
			},
			[]string{"outcome"},
		),
		LedgerEntries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campus_ledger_entries_total",
				Help: "Ledger rows appended, by confidence grade",
			},
			[]string{"confidence"},
		),
		LedgerHalted: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "campus_ledger_halted_devices",
			Help: "Devices whose ledger lane halted on storage failure",
		}),
		TicketsRaised: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campus_tickets_total",
				Help: "Review tickets raised, by kind",
			},
			[]string{"kind"},
		),
		DevicesOnline: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "campus_devices_online",
			Help: "Devices currently in the online or degraded state",
		}),
		RealtimeClients: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "campus_realtime_clients",
			Help: "Connected WebSocket subscribers",
		}),
		RealtimeDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "campus_realtime_dropped_total",
			Help: "Subscribers disconnected for send-queue overflow",
		}),
		HTTPRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campus_http_requests_total",
				Help: "REST requests by route and status class",
			},
			[]string{"route", "status"},
		),
		HTTPDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "campus_http_request_duration_seconds",
				Help:    "REST handler latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
	}
}
