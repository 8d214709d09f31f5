// Package metrics defines the prometheus collectors exported by relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every relay collector.
type Metrics struct {
	// TasksSubmitted counts submissions by admission outcome.
	TasksSubmitted *prometheus.CounterVec
	// TasksFinished counts terminal outcomes by agent type.
	TasksFinished *prometheus.CounterVec
	// TaskDuration observes execution time of finished tasks.
	TaskDuration *prometheus.HistogramVec
	// TasksExecuting is the number of tasks currently running.
	TasksExecuting prometheus.Gauge
	// QueueLength is the dispatch queue depth.
	QueueLength prometheus.Gauge
	// ConcurrencyLimit is the current dispatch limit, lowered under memory pressure.
	ConcurrencyLimit prometheus.Gauge

	// CircuitState is 0 closed, 1 half-open, 2 open.
	CircuitState *prometheus.GaugeVec
	// CircuitFailures is the consecutive failure count per agent type.
	CircuitFailures *prometheus.GaugeVec

	// PoolHandles counts handles by status.
	PoolHandles *prometheus.GaugeVec
	// PoolOvercommits counts handles created beyond capacity.
	PoolOvercommits prometheus.Counter
	// PoolEvictions counts evicted handles.
	PoolEvictions prometheus.Counter

	// BackupDeployments counts deployments by backup agent and outcome.
	BackupDeployments *prometheus.CounterVec
	// OversightDecisions counts approval decisions by operation and source.
	OversightDecisions *prometheus.CounterVec
	// ProgressEvents counts stall, timeout and error events.
	ProgressEvents *prometheus.CounterVec
	// DroppedEvents counts progress events dropped because the consumer lagged.
	DroppedEvents prometheus.Counter
	// RunnerCalls counts execution layer calls by result.
	RunnerCalls *prometheus.CounterVec
}

// NewMetrics registers all collectors on reg. A nil reg uses a private,
// unexported registry so callers never have to nil-check.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		TasksSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_tasks_submitted_total",
			Help: "Tasks submitted, by admission status.",
		}, []string{"agent_type", "status"}),

		TasksFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_tasks_finished_total",
			Help: "Tasks reaching a terminal state after execution.",
		}, []string{"agent_type", "status", "backup"}),

		TaskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_task_duration_seconds",
			Help:    "Execution time of finished tasks.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		}, []string{"agent_type", "status"}),

		TasksExecuting: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_tasks_executing",
			Help: "Tasks currently executing.",
		}),

		QueueLength: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_queue_length",
			Help: "Tasks waiting for dispatch.",
		}),

		ConcurrencyLimit: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_concurrency_limit",
			Help: "Current maximum number of concurrently executing tasks.",
		}),

		CircuitState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_circuit_state",
			Help: "Circuit state per agent type (0=closed, 1=half-open, 2=open).",
		}, []string{"agent_type"}),

		CircuitFailures: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_circuit_consecutive_failures",
			Help: "Consecutive failures per agent type.",
		}, []string{"agent_type"}),

		PoolHandles: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_pool_handles",
			Help: "Pooled agent handles by status.",
		}, []string{"status"}),

		PoolOvercommits: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_pool_overcommits_total",
			Help: "Handles created beyond pool capacity.",
		}),

		PoolEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_pool_evictions_total",
			Help: "Handles evicted from the pool.",
		}),

		BackupDeployments: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_backup_deployments_total",
			Help: "Backup deployments by backup agent and outcome.",
		}, []string{"backup_agent", "status"}),

		OversightDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_oversight_decisions_total",
			Help: "Oversight decisions by operation, source and outcome.",
		}, []string{"operation", "decided_by", "approved"}),

		ProgressEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_progress_events_total",
			Help: "Progress monitor events by type.",
		}, []string{"type"}),

		DroppedEvents: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_progress_events_dropped_total",
			Help: "Progress events dropped because the consumer was not keeping up.",
		}),

		RunnerCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_runner_calls_total",
			Help: "Execution layer calls by result.",
		}, []string{"agent_type", "result"}),
	}
}
