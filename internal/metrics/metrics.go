// Package metrics exposes Prometheus instrumentation for the coordination
// plane: queue throughput per store, handler outcomes, lease losses, reaper
// and retention activity.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the coordination plane
type Metrics struct {
	// Dispatch metrics
	TasksClaimed    *prometheus.CounterVec
	TasksHandled    *prometheus.CounterVec
	HandlerDuration *prometheus.HistogramVec
	TasksSettled    *prometheus.CounterVec
	LeasesLost      *prometheus.CounterVec

	// Background loop metrics
	TasksReaped *prometheus.CounterVec
	TasksPurged *prometheus.CounterVec
	QueueDepth  *prometheus.GaugeVec

	// Scheduler metrics
	RunsMaterialized prometheus.Counter

	// Side-effect metrics
	EffectOutcomes *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on the default registry.
func NewMetrics() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith creates metrics registered on reg. Tests pass a fresh registry so
// repeated construction never collides.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TasksClaimed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordination_tasks_claimed_total",
				Help: "Total tasks claimed from durable stores",
			},
			[]string{"store"},
		),

		TasksHandled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordination_tasks_handled_total",
				Help: "Total handler invocations by outcome",
			},
			[]string{"store", "topic", "outcome"}, // outcome: ok, error
		),

		HandlerDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coordination_handler_duration_seconds",
				Help:    "Duration of task handler invocations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"store", "topic"},
		),

		TasksSettled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordination_tasks_settled_total",
				Help: "Total task settlements by verb",
			},
			[]string{"store", "verb"}, // verb: ack, abandon, fail
		),

		LeasesLost: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordination_leases_lost_total",
				Help: "Total dispatcher batches cancelled after losing their claim lease",
			},
			[]string{"store"},
		),

		TasksReaped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordination_tasks_reaped_total",
				Help: "Total expired claims returned to the pending pool",
			},
			[]string{"store"},
		),

		TasksPurged: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordination_tasks_purged_total",
				Help: "Total terminal rows deleted by retention",
			},
			[]string{"store"},
		),

		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "coordination_queue_depth",
				Help: "Pending backlog per store, sampled by the retention loop",
			},
			[]string{"store"},
		),

		RunsMaterialized: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "coordination_job_runs_materialized_total",
				Help: "Total cron job runs materialized from due jobs",
			},
		),

		EffectOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordination_effect_outcomes_total",
				Help: "Total external side-effect executions by outcome",
			},
			[]string{"operation", "outcome"}, // outcome: completed, already_completed, retry, permanent_failure
		),
	}
}

// RecordClaimed records a claimed batch
func (m *Metrics) RecordClaimed(store string, n int) {
	m.TasksClaimed.WithLabelValues(store).Add(float64(n))
}

// RecordHandled records one handler invocation
func (m *Metrics) RecordHandled(store, topic string, ok bool, d time.Duration) {
	outcome := "error"
	if ok {
		outcome = "ok"
	}
	m.TasksHandled.WithLabelValues(store, topic, outcome).Inc()
	m.HandlerDuration.WithLabelValues(store, topic).Observe(d.Seconds())
}

// RecordSettled records a settlement batch
func (m *Metrics) RecordSettled(store, verb string, n int) {
	m.TasksSettled.WithLabelValues(store, verb).Add(float64(n))
}

// RecordLeaseLost records a cancelled batch
func (m *Metrics) RecordLeaseLost(store string) {
	m.LeasesLost.WithLabelValues(store).Inc()
}

// RecordReaped records recovered claims
func (m *Metrics) RecordReaped(store string, n int64) {
	m.TasksReaped.WithLabelValues(store).Add(float64(n))
}

// RecordPurged records retention deletes
func (m *Metrics) RecordPurged(store string, n int64) {
	m.TasksPurged.WithLabelValues(store).Add(float64(n))
}

// RecordQueueDepth records a backlog sample
func (m *Metrics) RecordQueueDepth(store string, n int64) {
	m.QueueDepth.WithLabelValues(store).Set(float64(n))
}

// RecordMaterialized records scheduler materialization
func (m *Metrics) RecordMaterialized(n int) {
	m.RunsMaterialized.Add(float64(n))
}

// RecordEffectOutcome records a side-effect execution result
func (m *Metrics) RecordEffectOutcome(operation, outcome string) {
	m.EffectOutcomes.WithLabelValues(operation, outcome).Inc()
}
