package validation

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for validation runs.
type Metrics struct {
	StepAttempts *prometheus.CounterVec
	StepDuration *prometheus.HistogramVec
	Runs         *prometheus.CounterVec
}

// NewMetrics registers the validation metrics once per process.
//
//   - scaffoldd_validation_step_attempts_total{step,outcome}
//   - scaffoldd_validation_step_duration_seconds{step}
//   - scaffoldd_validation_runs_total{result}
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			StepAttempts: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "scaffoldd_validation_step_attempts_total",
					Help: "Validation step attempts by outcome",
				},
				[]string{"step", "outcome"}, // success, failure, timeout
			),
			StepDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "scaffoldd_validation_step_duration_seconds",
					Help:    "Duration of a validation step including retries",
					Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
				},
				[]string{"step"},
			),
			Runs: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "scaffoldd_validation_runs_total",
					Help: "Validation runs by result",
				},
				[]string{"result"},
			),
		}
	})
	return globalMetrics
}

func (m *Metrics) recordAttempt(step, outcome string) {
	if m == nil {
		return
	}
	m.StepAttempts.WithLabelValues(step, outcome).Inc()
}

func (m *Metrics) recordStep(step string, seconds float64) {
	if m == nil {
		return
	}
	m.StepDuration.WithLabelValues(step).Observe(seconds)
}

func (m *Metrics) recordRun(valid bool) {
	if m == nil {
		return
	}
	result := "invalid"
	if valid {
		result = "valid"
	}
	m.Runs.WithLabelValues(result).Inc()
}
