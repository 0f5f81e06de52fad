package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "openconnect"
)

var (
	refreshDurationBuckets = []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300}

	// Connection Lifecycle Metrics
	ConnectPhaseTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connect_phase_transitions_total",
		Help:      "Count of connection lifecycle phase transitions.",
	}, []string{"connector_name", "from", "to"})

	ChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connection_checks_total",
		Help:      "Count of connection checks by resulting status.",
	}, []string{"connector_name", "status"})

	WebhooksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_deliveries_total",
		Help:      "Count of inbound webhook deliveries.",
	}, []string{"connector_name", "status"})

	// Refresh Metrics
	RefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "credential_refresh_total",
		Help:      "Count of stale credential refresh attempts.",
	}, []string{"connector_name", "status"})

	RefreshDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "credential_refresh_duration_seconds",
		Help:      "Time taken to refresh one connection's credentials.",
		Buckets:   refreshDurationBuckets,
	}, []string{"connector_name"})

	RefreshLastRunTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "credential_refresh_last_run_timestamp_seconds",
		Help:      "Unix timestamp of the last completed refresh sweep.",
	})

	// Pipeline Metrics
	PipelineOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pipeline_ops_total",
		Help:      "Number of sync operations that passed through a pipeline.",
	}, []string{"connector_name", "type"})

	SyncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_runs_total",
		Help:      "Count of sync executions.",
	}, []string{"connector_name", "status"})

	// Outbox Metrics
	OutboxPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outbox_published_total",
		Help:      "Number of outbox events relayed to subscribers.",
	}, []string{"topic", "status"})
)
