package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
)

var Module = fx.Module("metrics",
	fx.Provide(Provide),
)

const namespace = "taskcenter"

// Metrics are the scheduling counters exported on /metrics. A nil *Metrics is a no-op.
type Metrics struct {
	ticks         *prometheus.CounterVec
	tickDuration  prometheus.Histogram
	jobsCreated   prometheus.Counter
	jobsDispatch  prometheus.Counter
	jobsDeferred  *prometheus.CounterVec
	jobsFinished  *prometheus.CounterVec
	tasksFinished *prometheus.CounterVec
}

func Provide() (*Metrics, error) {
	return New(prometheus.DefaultRegisterer)
}

func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Scheduling ticks by outcome.",
		}, []string{"outcome"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Wall time of a scheduling tick.",
			Buckets:   prometheus.DefBuckets,
		}),
		jobsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_created_total",
			Help:      "Jobs created by task expansion.",
		}),
		jobsDispatch: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_dispatched_total",
			Help:      "Jobs assigned to an agent and enqueued.",
		}),
		jobsDeferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_deferred_total",
			Help:      "Dispatch attempts left for the next tick, by reason.",
		}, []string{"reason"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs reaching a terminal state.",
		}, []string{"status"}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Tasks reaching a terminal state.",
		}, []string{"status"}),
	}

	for _, c := range []prometheus.Collector{
		m.ticks, m.tickDuration, m.jobsCreated, m.jobsDispatch, m.jobsDeferred, m.jobsFinished, m.tasksFinished,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) Tick(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(outcome).Inc()
	m.tickDuration.Observe(took.Seconds())
}

func (m *Metrics) JobsCreated(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.jobsCreated.Add(float64(n))
}

func (m *Metrics) JobsDispatched(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.jobsDispatch.Add(float64(n))
}

func (m *Metrics) JobsDeferred(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.jobsDeferred.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) JobFinished(status string) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(status).Inc()
}

func (m *Metrics) TaskFinished(status string) {
	if m == nil {
		return
	}
	m.tasksFinished.WithLabelValues(status).Inc()
}
