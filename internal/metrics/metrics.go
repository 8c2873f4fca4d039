// Package metrics holds the process-wide Prometheus collectors.
//
// Collectors are registered on the default registry at init; /metrics on the
// observability server exposes them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Monitor loop
var (
	// ProbesTotal counts probes by outcome (live, offline, error).
	ProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streambot_probes_total",
			Help: "Stream status probes by outcome",
		},
		[]string{"outcome"},
	)

	// ProbeErrorsTotal counts failed probes by error kind.
	ProbeErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streambot_probe_errors_total",
			Help: "Failed stream status probes by error kind",
		},
		[]string{"kind"},
	)

	ProbeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "streambot_probe_duration_seconds",
			Help:    "Stream status probe latency in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	TicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streambot_ticks_total",
			Help: "Monitor ticks by result (ok, failed)",
		},
		[]string{"result"},
	)

	// GateDecisionsTotal counts notification gate outcomes (fire, cooldown, duplicate, steady).
	GateDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streambot_gate_decisions_total",
			Help: "Notification gate decisions on live probes",
		},
		[]string{"decision"},
	)

	TrackedChannels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "streambot_tracked_channels",
			Help: "Channels in the last tick snapshot",
		},
	)

	LiveChannels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "streambot_live_channels",
			Help: "Channels observed live in the last tick",
		},
	)

	ConsecutiveFailures = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "streambot_consecutive_failures",
			Help: "Current failed-iteration streak",
		},
	)

	// RecoveryActionsTotal counts recovery actions (wait, restart).
	RecoveryActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streambot_recovery_actions_total",
			Help: "Failure recovery actions by kind",
		},
		[]string{"action"},
	)

	SessionInitTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streambot_session_init_total",
			Help: "Probe session initializations by status",
		},
		[]string{"status"},
	)
)

// Notifier
var (
	AnnouncementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streambot_announcements_total",
			Help: "Announcement deliveries by status (sent, failed, dropped)",
		},
		[]string{"status"},
	)

	NotifierQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "streambot_notifier_queue_depth",
			Help: "Announcements waiting for a worker",
		},
	)

	// CircuitBreakerState tracks the delivery breaker (0=closed, 1=half-open, 2=open).
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "streambot_circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"component"},
	)

	CircuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streambot_circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions by component and new state",
		},
		[]string{"component", "state"},
	)
)

// Housekeeping
var (
	LogRotationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streambot_log_rotations_total",
			Help: "Log rotations by status",
		},
		[]string{"status"},
	)

	ConfigReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streambot_config_reloads_total",
			Help: "Config reloads by status (applied, rejected)",
		},
		[]string{"status"},
	)
)
