package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectedAgents tracks the number of currently connected agent channels.
	ConnectedAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vfleet_connected_agents",
		Help: "Current number of connected agents",
	})

	// PendingCommands tracks commands awaiting a response, timeout, or disconnect.
	PendingCommands = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vfleet_pending_commands",
		Help: "Current number of in-flight commands",
	})

	// FramesReceived tracks inbound frames by type.
	// type: response, report, unknown, malformed
	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vfleet_frames_received_total",
		Help: "Total inbound frames by type",
	}, []string{"type"})

	// CommandsSent tracks commands written to agent channels by action.
	CommandsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vfleet_commands_sent_total",
		Help: "Total commands sent to agents",
	}, []string{"action"})

	// CommandOutcomes tracks how each command concluded.
	// outcome: delivered, remote_failure, timeout, connection_lost, not_connected
	CommandOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vfleet_command_outcomes_total",
		Help: "Total command outcomes by kind",
	}, []string{"outcome"})

	// CommandRoundtrip tracks send-to-response latency for delivered commands.
	CommandRoundtrip = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vfleet_command_roundtrip_seconds",
		Help:    "Command send-to-response latency",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
	})

	// CacheUpserts tracks hot-cache snapshot writes.
	CacheUpserts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vfleet_telemetry_cache_upserts_total",
		Help: "Total hot-cache snapshot upserts",
	})

	// ColdWrites tracks telemetry reports persisted to the cold store.
	ColdWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vfleet_telemetry_cold_writes_total",
		Help: "Total telemetry reports persisted to the cold store",
	})

	// ColdWriteErrors tracks failed cold-store writes (hot path keeps going).
	ColdWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vfleet_telemetry_cold_write_errors_total",
		Help: "Failed cold-store telemetry writes",
	})

	// RetentionDeleted tracks cold-store rows removed by the retention janitor.
	RetentionDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vfleet_telemetry_retention_deleted_total",
		Help: "Cold-store rows removed by retention",
	})

	// ReconcileRuns tracks reconciliation passes started on (re)connect.
	ReconcileRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vfleet_reconcile_runs_total",
		Help: "Reconciliation passes started",
	})

	// ReconcileCommands tracks per-item reconciliation results.
	// result: converged, remote_failure, transport_failure, forward_pushed, forward_failed
	ReconcileCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vfleet_reconcile_commands_total",
		Help: "Per-item reconciliation command results",
	}, []string{"result"})

	// APIRateLimited tracks API requests rejected by rate limiter.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vfleet_api_rate_limited_total",
		Help: "API requests rejected by rate limiter (storm protection)",
	}, []string{"endpoint"})

	// EventPublishFailures tracks failed event publish attempts (non-blocking).
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vfleet_event_publish_failures_total",
		Help: "Failed event publish attempts (non-blocking, best-effort)",
	}, []string{"event_type"})
)
