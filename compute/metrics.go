package compute

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	submitted *prometheus.CounterVec
	rejected  *prometheus.CounterVec
	panics    *prometheus.CounterVec
	local     prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, events chan event) *metrics {
	f := promauto.With(reg)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: `aicpu`,
		Subsystem: `compute`,
		Name:      `event_queue_length`,
		Help:      `Number of events waiting for a core.`,
	}, func() float64 { return float64(len(events)) })
	return &metrics{
		submitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: `aicpu`,
			Subsystem: `compute`,
			Name:      `events_submitted_total`,
			Help:      `Total events accepted by the event queue, by kind.`,
		}, []string{`kind`}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: `aicpu`,
			Subsystem: `compute`,
			Name:      `events_rejected_total`,
			Help:      `Total submissions rejected, by kind.`,
		}, []string{`kind`}),
		panics: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: `aicpu`,
			Subsystem: `compute`,
			Name:      `task_panics_total`,
			Help:      `Total kernel tasks that panicked, by kind.`,
		}, []string{`kind`}),
		local: f.NewCounter(prometheus.CounterOpts{
			Namespace: `aicpu`,
			Subsystem: `compute`,
			Name:      `local_tasks_total`,
			Help:      `Total tasks run on the submitting goroutine, after the event queue rejected them.`,
		}),
	}
}
