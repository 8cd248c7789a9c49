// Package metrics exposes Prometheus collectors for job execution.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "jobqueue"

// Metrics holds the collectors recorded by the engine and validator. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	JobsClaimed      prometheus.Counter
	JobsFinished     *prometheus.CounterVec
	JobsRequeued     prometheus.Counter
	JobsExpired      prometheus.Counter
	TasksFinished    *prometheus.CounterVec
	TaskAttempts     prometheus.Counter
	TaskDuration     *prometheus.HistogramVec
	Validations      *prometheus.CounterVec
	ActiveExecutions prometheus.Gauge
}

// New creates the collectors on their own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		JobsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_claimed_total",
			Help:      "Total number of jobs claimed by workers",
		}),
		JobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Total number of jobs that reached a terminal status",
		}, []string{"status"}),
		JobsRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_requeued_total",
			Help:      "Total number of job-level retries scheduled",
		}),
		JobsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_expired_total",
			Help:      "Total number of queued jobs canceled by TTL",
		}),
		TasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Total number of tasks that reached a terminal status",
		}, []string{"status"}),
		TaskAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_attempts_total",
			Help:      "Total number of outbound task calls",
		}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Duration of task attempts in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		Validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_validations_total",
			Help:      "Total number of workflow validations",
		}, []string{"valid"}),
		ActiveExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_executions",
			Help:      "Number of jobs currently executing in this process",
		}),
	}
	reg.MustRegister(m.JobsClaimed, m.JobsFinished, m.JobsRequeued, m.JobsExpired,
		m.TasksFinished, m.TaskAttempts, m.TaskDuration, m.Validations, m.ActiveExecutions)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the collectors in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) JobClaimed() {
	if m != nil {
		m.JobsClaimed.Inc()
	}
}

func (m *Metrics) JobFinished(status string) {
	if m != nil {
		m.JobsFinished.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) JobRequeued() {
	if m != nil {
		m.JobsRequeued.Inc()
	}
}

func (m *Metrics) JobsExpiredAdd(n int) {
	if m != nil {
		m.JobsExpired.Add(float64(n))
	}
}

func (m *Metrics) TaskFinished(status string) {
	if m != nil {
		m.TasksFinished.WithLabelValues(status).Inc()
	}
}

// TaskAttempt records one outbound call and how long it took.
func (m *Metrics) TaskAttempt(outcome string, d time.Duration) {
	if m != nil {
		m.TaskAttempts.Inc()
		m.TaskDuration.WithLabelValues(outcome).Observe(d.Seconds())
	}
}

func (m *Metrics) Validation(valid bool) {
	if m == nil {
		return
	}
	label := "false"
	if valid {
		label = "true"
	}
	m.Validations.WithLabelValues(label).Inc()
}

// ExecutionStarted increments the active gauge and returns its decrement.
func (m *Metrics) ExecutionStarted() func() {
	if m == nil {
		return func() {}
	}
	m.ActiveExecutions.Inc()
	return m.ActiveExecutions.Dec
}
