// Package prom holds the manager's Prometheus collectors and small helpers for recording them.
package prom

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// VineNamespace is the namespace of every metric the manager exports.
const VineNamespace = "vine"

const (
	dispatchSubsystem   = "dispatch"
	checkpointSubsystem = "checkpoint"
)

var (
	// TasksSubmitted counts admitted tasks by kind.
	TasksSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: VineNamespace,
		Subsystem: dispatchSubsystem,
		Name:      "tasks_submitted_total",
		Help:      "tasks admitted by the manager",
	}, []string{"kind"})
	// TasksFinished counts tasks reaching a terminal state.
	TasksFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: VineNamespace,
		Subsystem: dispatchSubsystem,
		Name:      "tasks_finished_total",
		Help:      "tasks reaching a terminal state",
	}, []string{"state"})
	// TaskRetries counts failed attempts that were retried, by cause.
	TaskRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: VineNamespace,
		Subsystem: dispatchSubsystem,
		Name:      "task_retries_total",
		Help:      "failed attempts that were retried",
	}, []string{"cause"})
	// Dispatches counts payloads sent to workers, by task kind.
	Dispatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: VineNamespace,
		Subsystem: dispatchSubsystem,
		Name:      "dispatches_total",
		Help:      "task payloads sent to workers",
	}, []string{"kind"})
	// TransfersPlanned counts file transfers sent to workers by source type.
	TransfersPlanned = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: VineNamespace,
		Subsystem: dispatchSubsystem,
		Name:      "transfers_planned_total",
		Help:      "file transfers sent to workers",
	}, []string{"source"})
	// TransfersFinished counts transfer outcomes reported by workers.
	TransfersFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: VineNamespace,
		Subsystem: dispatchSubsystem,
		Name:      "transfers_finished_total",
		Help:      "file transfers reported by workers",
	}, []string{"result"})
	// ConnectedWorkers is the number of live worker sessions.
	ConnectedWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: VineNamespace,
		Subsystem: dispatchSubsystem,
		Name:      "connected_workers",
		Help:      "live worker sessions",
	})
	// ReadyTasks is the length of the ready queue after a pass.
	ReadyTasks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: VineNamespace,
		Subsystem: dispatchSubsystem,
		Name:      "ready_tasks",
		Help:      "tasks waiting for a worker",
	})
	// PassSeconds times one pass of the dispatch loop.
	PassSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: VineNamespace,
		Subsystem: dispatchSubsystem,
		Name:      "pass_seconds",
		Help:      "duration of dispatch loop passes",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
	})
	// Checkpoints counts snapshot writes by result.
	Checkpoints = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: VineNamespace,
		Subsystem: checkpointSubsystem,
		Name:      "writes_total",
		Help:      "snapshots written to the checkpoint store",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(
		TasksSubmitted, TasksFinished, TaskRetries, Dispatches, TransfersPlanned,
		TransfersFinished,
		ConnectedWorkers, ReadyTasks, PassSeconds, Checkpoints,
	)
}

// Time observes the time since it was called when the returned function runs. Use it as
// `defer prom.Time(histogram)()`.
func Time(o prometheus.Observer) func() {
	start := time.Now()
	return func() {
		o.Observe(time.Since(start).Seconds())
	}
}

// ErrCount increments c if *err is non-nil. Use it deferred.
func ErrCount(c prometheus.Counter, err *error) {
	if *err != nil {
		c.Inc()
	}
}
