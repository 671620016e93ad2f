package tasks

import (
	"errors"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	taskResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "featurebranch",
			Subsystem: "worker",
			Name:      "tasks_total",
			Help:      "Branch tasks handled, by type and outcome.",
		},
		[]string{"type", "outcome"},
	)
	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "featurebranch",
			Subsystem: "worker",
			Name:      "task_duration_seconds",
			Help:      "Time spent running a branch task, retries included.",
			Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"type"},
	)
)

// RegisterMetrics adds the task collectors to the default registry.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(taskResults, taskDuration)
	})
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, asynq.SkipRetry):
		return "failed"
	default:
		return "retry"
	}
}

func observe(typename string, start time.Time, err error) {
	taskResults.WithLabelValues(typename, outcome(err)).Inc()
	taskDuration.WithLabelValues(typename).Observe(time.Since(start).Seconds())
}
