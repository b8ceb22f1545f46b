// Package metrics provides Prometheus instrumentation for TaskMux.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskmux_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskmux_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Connection metrics.
var (
	AgentSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskmux_agent_sessions",
		Help: "Number of currently connected agent sessions.",
	})

	BridgeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskmux_bridge_connections",
		Help: "Number of currently connected bridge control channels.",
	})

	AuthFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskmux_auth_failures_total",
		Help: "Total number of rejected authentication attempts.",
	})
)

// Task lifecycle metrics.
var (
	TasksDispatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskmux_tasks_dispatched_total",
		Help: "Total number of tasks handed to an agent, by transport.",
	}, []string{"transport"})

	TasksCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskmux_tasks_completed_total",
		Help: "Total number of terminal task resolutions, by status.",
	}, []string{"status"})

	TasksRequeuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskmux_tasks_requeued_total",
		Help: "Total number of tasks returned to the pending queue after an owner disconnect.",
	})

	QueueDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskmux_queue_drops_total",
		Help: "Total number of pending tasks dropped, by reason.",
	}, []string{"reason"})

	LeaseReclaimsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskmux_lease_reclaims_total",
		Help: "Total number of expired reservations reclaimed into the pending queue.",
	})
)

// Queue depth gauges.
var (
	PendingTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskmux_pending_tasks",
		Help: "Number of tasks currently waiting in pending queues.",
	})

	InflightTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskmux_inflight_tasks",
		Help: "Number of tasks with a live result future.",
	})

	ReservedTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskmux_reserved_tasks",
		Help: "Number of tasks currently held under a poll lease.",
	})
)
