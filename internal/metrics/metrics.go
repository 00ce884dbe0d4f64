// Package metrics exposes Prometheus metrics for the prism server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsTotal counts accepted TCP connections
	ConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "prism",
			Subsystem: "tcp",
			Name:      "connections_total",
			Help:      "Total number of accepted TCP connections",
		},
	)

	// ConnectionsActive tracks currently open connections
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "prism",
			Subsystem: "tcp",
			Name:      "connections_active",
			Help:      "Current number of open TCP connections",
		},
	)

	// ConnectionsRejected counts connections refused by admission control
	ConnectionsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "prism",
			Subsystem: "tcp",
			Name:      "connections_rejected_total",
			Help:      "Connections refused because the server was at capacity",
		},
	)

	// ConnectionDuration measures connection lifetime in seconds
	ConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "prism",
			Subsystem: "tcp",
			Name:      "connection_duration_seconds",
			Help:      "TCP connection lifetime in seconds",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 30, 60, 300},
		},
	)

	// MessagesTotal counts protocol messages by direction and type
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "prism",
			Subsystem: "protocol",
			Name:      "messages_total",
			Help:      "Protocol messages by direction and type",
		},
		[]string{"direction", "type"},
	)

	// ProcessingDuration measures per-message processing time in seconds
	ProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "prism",
			Subsystem: "protocol",
			Name:      "processing_duration_seconds",
			Help:      "Per-message processing time in seconds",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// ErrorsTotal counts errors by kind
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "prism",
			Subsystem: "server",
			Name:      "errors_total",
			Help:      "Errors by kind",
		},
		[]string{"kind"},
	)

	// RegistrationsTotal counts registration outcomes
	RegistrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "prism",
			Subsystem: "registry",
			Name:      "registrations_total",
			Help:      "Accepted registrations by outcome",
		},
		[]string{"outcome"},
	)

	// HostsOffline counts liveness transitions to offline
	HostsOffline = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "prism",
			Subsystem: "registry",
			Name:      "hosts_offline_total",
			Help:      "Hosts marked offline by the liveness monitor",
		},
	)

	// DNSSyncTotal counts DNS synchronization attempts by result
	DNSSyncTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "prism",
			Subsystem: "dns",
			Name:      "sync_total",
			Help:      "DNS record synchronizations by result",
		},
		[]string{"result"},
	)

	// EmailsTotal counts outbound email sends by provider and result
	EmailsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "prism",
			Subsystem: "email",
			Name:      "sends_total",
			Help:      "Outbound email sends by provider and result",
		},
		[]string{"provider", "result"},
	)

	// SMTPPoolInUse tracks SMTP pool sessions currently checked out
	SMTPPoolInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "prism",
			Subsystem: "smtp_pool",
			Name:      "in_use",
			Help:      "SMTP pool sessions currently checked out",
		},
	)
)
