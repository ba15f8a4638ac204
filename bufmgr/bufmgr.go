// Package bufmgr ties the lifetime of driver buffers to the model instance
// that dequeued or allocated them.
//
// Every buffer obtained by a model is guarded. The guard is released exactly
// once: when the buffer is enqueued onward (ownership passes to the queue),
// freed, or when the model is torn down.
package bufmgr

import (
	"errors"
	"fmt"
	"sync"

	"github.com/joeycumines/go-aicpu/hal"
	"github.com/joeycumines/logiface"
)

var (
	// ErrNotGuarded is returned by Unguard for buffers without a guard held
	// by the model.
	ErrNotGuarded = errors.New(`bufmgr: buffer not guarded`)

	// ErrEmptySizeList is returned by MallocAndGuardBufList.
	ErrEmptySizeList = errors.New(`bufmgr: empty size list`)
)

type (
	// Manager tracks guarded buffers per model id. Instances must be
	// initialized using New.
	Manager struct {
		acc    hal.MbufAccessor
		logger *logiface.Logger[logiface.Event]
		guards map[uint32]map[hal.Mbuf]int
		mu     sync.Mutex
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

func New(acc hal.MbufAccessor, options ...Option) *Manager {
	if acc == nil {
		panic(`bufmgr: nil accessor`)
	}
	var c managerConfig
	for _, o := range options {
		if o != nil {
			o(&c)
		}
	}
	return &Manager{
		acc:    acc,
		logger: c.logger,
		guards: make(map[uint32]map[hal.Mbuf]int),
	}
}

// Guard takes a reference on buf, on behalf of modelID.
func (x *Manager) Guard(modelID uint32, buf hal.Mbuf) {
	x.mu.Lock()
	defer x.mu.Unlock()
	bufs := x.guards[modelID]
	if bufs == nil {
		bufs = make(map[hal.Mbuf]int)
		x.guards[modelID] = bufs
	}
	bufs[buf]++
}

// Unguard releases one reference on buf, held by modelID.
func (x *Manager) Unguard(modelID uint32, buf hal.Mbuf) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	bufs := x.guards[modelID]
	n, ok := bufs[buf]
	if !ok {
		x.logger.Err().
			Uint64(`model_id`, uint64(modelID)).
			Uint64(`mbuf`, uint64(buf)).
			Log(`unguard of buffer not guarded by model`)
		return fmt.Errorf(`%w: model %d, mbuf %#x`, ErrNotGuarded, modelID, uint64(buf))
	}
	if n <= 1 {
		delete(bufs, buf)
		if len(bufs) == 0 {
			delete(x.guards, modelID)
		}
	} else {
		bufs[buf] = n - 1
	}
	return nil
}

// Free releases the guard held by modelID, then frees buf (and any buffers
// chained to it).
func (x *Manager) Free(modelID uint32, buf hal.Mbuf) error {
	if err := x.Unguard(modelID, buf); err != nil {
		return err
	}
	return x.acc.Free(buf)
}

// MallocAndGuardBufList allocates one buffer per entry of sizes, guarding
// them for modelID. If chained is true, every buffer is appended to the
// first, and only the chain head is returned (and guarded). Nothing remains
// allocated on error.
func (x *Manager) MallocAndGuardBufList(sizes []uint32, modelID uint32, chained bool) ([]hal.Mbuf, error) {
	if len(sizes) == 0 {
		return nil, ErrEmptySizeList
	}

	bufs := make([]hal.Mbuf, 0, len(sizes))
	release := func() {
		if chained && len(bufs) != 0 {
			// frees any appended members too
			_ = x.acc.Free(bufs[0])
			return
		}
		for _, buf := range bufs {
			_ = x.acc.Free(buf)
		}
	}

	for i, size := range sizes {
		buf, err := x.acc.Alloc(uint64(size))
		if err != nil {
			release()
			x.logger.Err().
				Err(err).
				Uint64(`model_id`, uint64(modelID)).
				Int(`index`, i).
				Uint64(`size`, uint64(size)).
				Log(`failed to allocate buffer`)
			return nil, err
		}
		if chained && i != 0 {
			if err := x.acc.ChainAppend(bufs[0], buf); err != nil {
				_ = x.acc.Free(buf)
				release()
				x.logger.Err().
					Err(err).
					Uint64(`model_id`, uint64(modelID)).
					Int(`index`, i).
					Log(`failed to chain buffer`)
				return nil, err
			}
			continue
		}
		bufs = append(bufs, buf)
	}

	for _, buf := range bufs {
		x.Guard(modelID, buf)
	}
	return bufs, nil
}

// Guarded returns the number of distinct buffers guarded by modelID.
func (x *Manager) Guarded(modelID uint32) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.guards[modelID])
}

// IsGuarded reports whether modelID holds a guard on buf.
func (x *Manager) IsGuarded(modelID uint32, buf hal.Mbuf) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	_, ok := x.guards[modelID][buf]
	return ok
}

// Release drops every guard held by modelID, freeing the buffers, for
// model teardown. It returns the number of buffers freed, and the first
// error encountered (after attempting all).
func (x *Manager) Release(modelID uint32) (int, error) {
	x.mu.Lock()
	bufs := x.guards[modelID]
	delete(x.guards, modelID)
	x.mu.Unlock()

	var first error
	for buf := range bufs {
		if err := x.acc.Free(buf); err != nil && first == nil {
			first = err
		}
	}
	if len(bufs) != 0 {
		x.logger.Debug().
			Uint64(`model_id`, uint64(modelID)).
			Int(`count`, len(bufs)).
			Log(`released model buffers`)
	}
	return len(bufs), first
}
