package opkernel

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	pending      *prometheus.CounterVec
	driverErrors *prometheus.CounterVec
	transferred  *prometheus.CounterVec
	dropped      prometheus.Counter
	computes     *prometheus.CounterVec
}

// newMetrics registers with reg, unless it is nil.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		pending: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: `aicpu`,
			Subsystem: `opkernel`,
			Name:      `pending_total`,
			Help:      `Total transfers parked waiting on a queue notification.`,
		}, []string{`kind`}),
		driverErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: `aicpu`,
			Subsystem: `opkernel`,
			Name:      `driver_errors_total`,
			Help:      `Total driver failures, by operation.`,
		}, []string{`op`}),
		transferred: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: `aicpu`,
			Subsystem: `opkernel`,
			Name:      `transferred_buffers_total`,
			Help:      `Total buffers moved, by direction.`,
		}, []string{`direction`}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: `aicpu`,
			Subsystem: `opkernel`,
			Name:      `dropped_enqueues_total`,
			Help:      `Total enqueues skipped because the model failed.`,
		}),
		computes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: `aicpu`,
			Subsystem: `opkernel`,
			Name:      `computes_total`,
			Help:      `Total kernel invocations, by kernel and status.`,
		}, []string{`kernel`, `status`}),
	}
}
