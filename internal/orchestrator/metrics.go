package orchestrator

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for task orchestration.
type Metrics struct {
	TasksCreated      prometheus.Counter
	Executions        *prometheus.CounterVec
	ExecutionDuration prometheus.Histogram
	Interactions      *prometheus.CounterVec
	ActiveTasks       prometheus.Gauge
}

// NewMetrics registers the orchestrator metrics once per process.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			TasksCreated: promauto.NewCounter(prometheus.CounterOpts{
				Name: "scaffoldd_tasks_created_total",
				Help: "Persistent tasks created",
			}),
			Executions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "scaffoldd_task_executions_total",
					Help: "Task executions by outcome",
				},
				[]string{"outcome"}, // completed, failed, pipeline_error
			),
			ExecutionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "scaffoldd_task_execution_duration_seconds",
				Help:    "Wall time of a task execution pipeline",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			}),
			Interactions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "scaffoldd_interactions_total",
					Help: "Task interactions by kind",
				},
				[]string{"kind"},
			),
			ActiveTasks: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "scaffoldd_active_tasks",
				Help: "Tasks currently in the active status",
			}),
		}
	})
	return globalMetrics
}

func (m *Metrics) taskCreated() {
	if m == nil {
		return
	}
	m.TasksCreated.Inc()
}

func (m *Metrics) execution(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Executions.WithLabelValues(outcome).Inc()
	m.ExecutionDuration.Observe(d.Seconds())
}

func (m *Metrics) interaction(kind string) {
	if m == nil {
		return
	}
	m.Interactions.WithLabelValues(kind).Inc()
}

func (m *Metrics) setActive(n int) {
	if m == nil {
		return
	}
	m.ActiveTasks.Set(float64(n))
}
