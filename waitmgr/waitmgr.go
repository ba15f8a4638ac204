// Package waitmgr parks streams that are blocked on a hardware queue, and
// wakes them when the driver reports the queue state they were waiting for.
//
// A notification can race ahead of the stream registering to wait. Such
// notifications are latched, and consumed by the next WaitEvent for the same
// key, which then reports that no wait is needed.
package waitmgr

import (
	"fmt"
	"slices"
	"sync"

	"github.com/joeycumines/go-aicpu/hal"
	"github.com/joeycumines/logiface"
)

type (
	// Key identifies the queue state a stream is waiting for.
	Key struct {
		QueueID uint32
		Kind    hal.EventKind
	}

	// ActivateFunc resumes a parked stream. It is called without any lock
	// held, and must not block.
	ActivateFunc func(key Key, streamID uint32)

	// Manager is the table of parked streams and latched notifications, for
	// all keys. Instances must be initialized using New.
	Manager struct {
		logger   *logiface.Logger[logiface.Event]
		activate ActivateFunc
		waiters  map[Key][]uint32
		latched  map[Key]struct{}
		mu       sync.Mutex
	}

	// Option configures New.
	Option func(c *managerConfig)

	managerConfig struct {
		logger *logiface.Logger[logiface.Event]
	}
)

// WithLogger configures the logger, which may be nil (disabled).
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return func(c *managerConfig) {
		c.logger = logger
	}
}

// NotEmpty returns the key for waiting on a queue becoming non-empty.
func NotEmpty(queueID uint32) Key {
	return Key{QueueID: queueID, Kind: hal.EventQueueNotEmpty}
}

// NotFull returns the key for waiting on a queue becoming non-full.
func NotFull(queueID uint32) Key {
	return Key{QueueID: queueID, Kind: hal.EventQueueNotFull}
}

func (k Key) String() string {
	return fmt.Sprintf(`%s:%d`, k.Kind, k.QueueID)
}

// New initializes a Manager. The activate callback is required.
func New(activate ActivateFunc, options ...Option) *Manager {
	if activate == nil {
		panic(`waitmgr: nil activate func`)
	}
	var c managerConfig
	for _, o := range options {
		if o != nil {
			o(&c)
		}
	}
	return &Manager{
		logger:   c.logger,
		activate: activate,
		waiters:  make(map[Key][]uint32),
		latched:  make(map[Key]struct{}),
	}
}

// WaitEvent registers streamID as waiting for key, returning true. If a
// notification for key was latched, it is consumed instead, nothing is
// registered, and false is returned: the caller should retry immediately.
func (x *Manager) WaitEvent(key Key, streamID uint32) (needWait bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if _, ok := x.latched[key]; ok {
		delete(x.latched, key)
		x.logger.Debug().
			Str(`key`, key.String()).
			Uint64(`stream_id`, uint64(streamID)).
			Log(`consumed latched queue event`)
		return false
	}

	if !slices.Contains(x.waiters[key], streamID) {
		x.waiters[key] = append(x.waiters[key], streamID)
	}
	return true
}

// Event delivers a notification for key, activating every stream waiting
// on it, or latching it if there are none. It returns the number of streams
// activated.
func (x *Manager) Event(key Key) int {
	x.mu.Lock()
	streams := x.waiters[key]
	if len(streams) == 0 {
		x.latched[key] = struct{}{}
		x.mu.Unlock()
		return 0
	}
	delete(x.waiters, key)
	x.mu.Unlock()

	for _, streamID := range streams {
		x.activate(key, streamID)
	}
	return len(streams)
}

// ResetEventState discards both the waiters and any latched notification
// for key.
func (x *Manager) ResetEventState(key Key) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.waiters, key)
	delete(x.latched, key)
}

// RemoveStream unregisters streamID from every key, e.g. on model abort.
func (x *Manager) RemoveStream(streamID uint32) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for key, streams := range x.waiters {
		streams = slices.DeleteFunc(streams, func(v uint32) bool { return v == streamID })
		if len(streams) == 0 {
			delete(x.waiters, key)
		} else {
			x.waiters[key] = streams
		}
	}
}

// Waiting returns the streams waiting on key.
func (x *Manager) Waiting(key Key) []uint32 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return slices.Clone(x.waiters[key])
}

// Latched reports whether a notification for key is latched.
func (x *Manager) Latched(key Key) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	_, ok := x.latched[key]
	return ok
}
