// Package model holds the per-model state shared between the transfer
// kernels of one model instance: the step id, end-of-sequence and null-data
// state, the abnormal return code policy, and the prepare / postpare cursors
// that let a pending kernel resume where it stopped.
//
// Model lifecycle (load, abort, destroy) is owned elsewhere; Manager is only
// the lookup table it populates.
package model

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-aicpu/hal"
)

var (
	// ErrExists is returned by Manager.Add for duplicate model ids.
	ErrExists = errors.New(`model: already exists`)
)

type (
	// Model is the mutable state of one loaded model. Prepare and postpare
	// state is only accessed by the model's own streams, one kernel at a
	// time. Other state is safe for concurrent use.
	//
	// Instances must be initialized using New.
	Model struct {
		onRepeat        func(m *Model) error
		prepare         PrepareData
		postpare        PostpareData
		stepID          atomic.Uint64
		iterations      atomic.Uint64
		retCode         atomic.Int32
		id              uint32
		headNode        bool
		eos             atomic.Bool
		nullData        atomic.Bool
		abnormalEnabled atomic.Bool
		abnormalEnqueue atomic.Bool
		abnormalBreak   atomic.Bool
	}

	// PrepareData is the persisted state of the model prepare kernel.
	PrepareData struct {
		// InputDataPtrs are the data pointers of every dequeued buffer, in
		// dequeue order, flattened across chains.
		InputDataPtrs []uint64
		// InputMbufs are the dequeued chain heads, one per input queue.
		InputMbufs []hal.Mbuf
		// DequeueIndex is the next input queue to dequeue from.
		DequeueIndex uint32
		// LastInputMbufList is the chain dequeued from the first input queue,
		// the source of the outputs' head metadata.
		LastInputMbufList hal.Mbuf
	}

	// PostpareData is the persisted state of the model postpare kernel.
	PostpareData struct {
		// Enqueued are the buffers handed to output queues so far, in this
		// iteration.
		Enqueued []hal.Mbuf
		// EnqueueIndex is the next output queue to enqueue to.
		EnqueueIndex uint32
	}

	// Option configures New.
	Option func(m *Model)
)

// WithHeadNode marks the model as the head of the pipeline, which stamps
// its step id into every buffer it dequeues.
func WithHeadNode(head bool) Option {
	return func(m *Model) {
		m.headNode = head
	}
}

// WithAbnormal configures the abnormal return code policy. If enabled, a
// non-zero return code on a dequeued buffer marks the model failed.
// needEnqueue forwards buffers from a failed model (with the return code)
// rather than dropping them. needBreak stops the model on failure.
func WithAbnormal(enabled, needEnqueue, needBreak bool) Option {
	return func(m *Model) {
		m.abnormalEnabled.Store(enabled)
		m.abnormalEnqueue.Store(needEnqueue)
		m.abnormalBreak.Store(needBreak)
	}
}

// WithRepeatHandler configures the callback for Repeat, which signals the
// end of a graph iteration to the model executor.
func WithRepeatHandler(fn func(m *Model) error) Option {
	return func(m *Model) {
		m.onRepeat = fn
	}
}

// New returns a Model with the given id, which must be unique within its
// Manager.
func New(id uint32, options ...Option) *Model {
	m := &Model{id: id}
	for _, o := range options {
		if o != nil {
			o(m)
		}
	}
	return m
}

// ID returns the model id, as supplied to New.
func (m *Model) ID() uint32 { return m.id }

func (m *Model) HeadNode() bool { return m.headNode }

func (m *Model) StepID() uint64 { return m.stepID.Load() }

func (m *Model) SetStepID(v uint64) { m.stepID.Store(v) }

// MergeStepID raises the tracked step id to v, if v is newer, reporting
// whether it changed.
func (m *Model) MergeStepID(v uint64) bool {
	for {
		cur := m.stepID.Load()
		if v <= cur {
			return false
		}
		if m.stepID.CompareAndSwap(cur, v) {
			return true
		}
	}
}

func (m *Model) EndOfSequence() bool { return m.eos.Load() }

func (m *Model) SetEndOfSequence(eos bool) { m.eos.Store(eos) }

// NullData reports whether the current iteration carries no data, only
// metadata, in which case outputs are forwarded without running the model.
func (m *Model) NullData() bool { return m.nullData.Load() }

func (m *Model) SetNullData(null bool) { m.nullData.Store(null) }

func (m *Model) RetCode() int32 { return m.retCode.Load() }

func (m *Model) SetRetCode(code int32) { m.retCode.Store(code) }

func (m *Model) AbnormalEnabled() bool { return m.abnormalEnabled.Load() }

func (m *Model) AbnormalNeedEnqueue() bool { return m.abnormalEnqueue.Load() }

func (m *Model) AbnormalNeedBreak() bool { return m.abnormalBreak.Load() }

// Failed reports whether the abnormal policy is enabled, and a non-zero
// return code has been recorded.
func (m *Model) Failed() bool {
	return m.AbnormalEnabled() && m.RetCode() != 0
}

func (m *Model) PrepareData() *PrepareData { return &m.prepare }

func (m *Model) PostpareData() *PostpareData { return &m.postpare }

// Iterations returns the number of completed Repeat calls.
func (m *Model) Iterations() uint64 { return m.iterations.Load() }

// Repeat signals that a graph iteration completed, resetting the
// per-iteration state.
func (m *Model) Repeat() error {
	m.iterations.Add(1)
	m.eos.Store(false)
	m.nullData.Store(false)
	if m.onRepeat != nil {
		if err := m.onRepeat(m); err != nil {
			return fmt.Errorf(`model %d: repeat: %w`, m.id, err)
		}
	}
	return nil
}

// Reset clears the persisted prepare state, keeping allocated capacity.
func (x *PrepareData) Reset() {
	x.DequeueIndex = 0
	x.LastInputMbufList = 0
	x.InputDataPtrs = x.InputDataPtrs[:0]
	x.InputMbufs = x.InputMbufs[:0]
}

func (x *PostpareData) Reset() {
	x.EnqueueIndex = 0
	x.Enqueued = x.Enqueued[:0]
}

// Manager maps model ids to loaded models. The zero value is ready to use.
type Manager struct {
	models map[uint32]*Model
	mu     sync.RWMutex
}

// Add registers m, failing with ErrExists if its id is taken.
func (x *Manager) Add(m *Model) error {
	if m == nil {
		return errors.New(`model: nil model`)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.models[m.id]; ok {
		return fmt.Errorf(`%w: %d`, ErrExists, m.id)
	}
	if x.models == nil {
		x.models = make(map[uint32]*Model)
	}
	x.models[m.id] = m
	return nil
}

// Get returns the model with the given id, or nil.
func (x *Manager) Get(id uint32) *Model {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.models[id]
}

// Remove deletes the model, returning it, or nil if it was not present.
func (x *Manager) Remove(id uint32) *Model {
	x.mu.Lock()
	defer x.mu.Unlock()
	m := x.models[id]
	delete(x.models, id)
	return m
}
