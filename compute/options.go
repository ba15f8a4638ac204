package compute

import (
	"time"

	"github.com/joeycumines/logiface"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// DefaultEventQueueDepth is the capacity of the event queue shared by
	// the per-core loops.
	DefaultEventQueueDepth = 1024

	// DefaultSubmitTimeout bounds each event submission, when submitting
	// split kernel events one by one.
	DefaultSubmitTimeout = 10 * time.Millisecond

	// DefaultShutdownTimeout bounds the graceful shutdown of each loop.
	DefaultShutdownTimeout = 5 * time.Second
)

type (
	// Option configures New.
	Option func(c *processConfig)

	processConfig struct {
		logger            *logiface.Logger[logiface.Event]
		registerer        prometheus.Registerer
		cores             []int
		eventQueueDepth   int
		taskQueueCapacity int
		submitTimeout     time.Duration
		shutdownTimeout   time.Duration
		oneByOne          bool
	}
)

// WithLogger configures the logger, which may be nil (disabled).
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return func(c *processConfig) {
		c.logger = logger
	}
}

// WithRegisterer registers the process metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *processConfig) {
		c.registerer = reg
	}
}

// WithEventQueueDepth overrides DefaultEventQueueDepth.
func WithEventQueueDepth(depth int) Option {
	return func(c *processConfig) {
		if depth > 0 {
			c.eventQueueDepth = depth
		}
	}
}

// WithTaskQueueCapacity overrides the capacity of the random kernel task
// queue, which defaults to taskqueue.DefaultCapacity.
func WithTaskQueueCapacity(capacity int) Option {
	return func(c *processConfig) {
		if capacity > 0 {
			c.taskQueueCapacity = capacity
		}
	}
}

// WithSubmitOneByOne enables submitting split kernel events one at a time,
// each waiting up to timeout for queue space (DefaultSubmitTimeout if not
// positive). By default, a batch is submitted without waiting, accepting as
// many events as the queue has space for.
func WithSubmitOneByOne(enabled bool, timeout time.Duration) Option {
	return func(c *processConfig) {
		c.oneByOne = enabled
		if timeout > 0 {
			c.submitTimeout = timeout
		}
	}
}

// WithCoreBinding pins the loop of core index i to CPU cores[i%len(cores)].
// Binding is only supported on linux, and is otherwise ignored.
func WithCoreBinding(cores []int) Option {
	return func(c *processConfig) {
		c.cores = append([]int(nil), cores...)
	}
}

// WithShutdownTimeout overrides DefaultShutdownTimeout, the bound on the
// wait for the core loops to stop, in Close.
func WithShutdownTimeout(d time.Duration) Option {
	return func(c *processConfig) {
		if d > 0 {
			c.shutdownTimeout = d
		}
	}
}
