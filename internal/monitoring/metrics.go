package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	ConnectionsOpened = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_connections_opened_total",
			Help: "Total number of device connections successfully opened",
		},
	)
	ConnectionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_connections_closed_total",
			Help: "Total number of device connections closed by reason",
		},
		[]string{"reason"},
	)
	ReconnectAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_reconnect_attempts_total",
			Help: "Total number of scheduled reconnect attempts",
		},
	)
	MessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_messages_sent_total",
			Help: "Total number of direct sends by outcome",
		},
		[]string{"status"},
	)
	JobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_delivery_jobs_total",
			Help: "Total number of delivery jobs by terminal outcome",
		},
		[]string{"status"},
	)
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_delivery_queue_depth",
			Help: "Current delivery queue depth by job state",
		},
		[]string{"state"},
	)
	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gateway_delivery_job_duration_seconds",
			Help:    "Duration of delivery job processing in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)
	RosterEntriesSynced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_roster_entries_synced_total",
			Help: "Total number of roster entries synced by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)
)

func InitMetrics() {
	collectors := []prometheus.Collector{
		ConnectionsOpened,
		ConnectionsClosed,
		ReconnectAttempts,
		MessagesSent,
		JobsProcessed,
		QueueDepth,
		JobDuration,
		RosterEntriesSynced,
	}
	for _, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			log.Error().Err(err).Msg("Failed to register metric")
		}
	}
}
