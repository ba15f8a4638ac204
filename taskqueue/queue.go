package taskqueue

import (
	"fmt"
	"sync"

	"github.com/joeycumines/logiface"
)

// DefaultCapacity is the default maximum number of closures held by a
// BoundedQueue. It matches the depth of the hardware event queue feeding the
// AI-CPU threads, one event per queued closure.
const DefaultCapacity = 1024

type (
	// BoundedQueue is a mutex-guarded FIFO of closures, with a fixed capacity.
	// A full queue rejects Enqueue, which callers treat as backpressure.
	//
	// Instances must be initialized using NewBoundedQueue.
	BoundedQueue struct {
		logger   *logiface.Logger[logiface.Event]
		items    closureList
		capacity int
		mu       sync.Mutex
	}

	// Option configures NewBoundedQueue or NewShardBatchTable.
	Option func(c *queueConfig)

	queueConfig struct {
		logger   *logiface.Logger[logiface.Event]
		capacity int
	}
)

// WithLogger configures the logger, which may be nil (disabled).
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return func(c *queueConfig) {
		c.logger = logger
	}
}

// WithCapacity overrides DefaultCapacity, for NewBoundedQueue. Values <= 0
// are ignored.
func WithCapacity(capacity int) Option {
	return func(c *queueConfig) {
		if capacity > 0 {
			c.capacity = capacity
		}
	}
}

func resolveQueueConfig(options []Option) queueConfig {
	c := queueConfig{capacity: DefaultCapacity}
	for _, o := range options {
		if o != nil {
			o(&c)
		}
	}
	return c
}

// NewBoundedQueue initializes a new, empty BoundedQueue.
func NewBoundedQueue(options ...Option) *BoundedQueue {
	c := resolveQueueConfig(options)
	return &BoundedQueue{
		logger:   c.logger,
		capacity: c.capacity,
	}
}

// Enqueue appends task, returning false without modifying the queue, if the
// queue is at capacity, or task is nil.
func (x *BoundedQueue) Enqueue(task Closure) bool {
	if task == nil {
		return false
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.items.len() >= x.capacity {
		x.logger.Warning().
			Int(`capacity`, x.capacity).
			Log(`task queue full`)
		return false
	}
	x.items.push(task)
	return true
}

// Dequeue removes and returns the oldest closure, or false if empty.
func (x *BoundedQueue) Dequeue() (Closure, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.items.pop()
}

// Len returns the number of queued closures.
func (x *BoundedQueue) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.items.len()
}

// Cap returns the configured capacity.
func (x *BoundedQueue) Cap() int {
	return x.capacity
}

// Clear discards all queued closures, without running them.
func (x *BoundedQueue) Clear() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.items.clear()
}

// DebugString describes the queue's current size, for diagnostics.
func (x *BoundedQueue) DebugString() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return fmt.Sprintf(`task queue: size=%d, capacity=%d`, x.items.len(), x.capacity)
}
