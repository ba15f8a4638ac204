// Package hal declares the driver surface the AI-CPU scheduler depends on:
// hardware ring queues, driver-managed buffers (mbufs), device memory, and
// queue state notifications.
//
// Implementations are external. The halsim sub-package provides an
// in-process simulation, for tests and host-side runs.
package hal

import (
	"time"
)

type (
	// Mbuf is an opaque, driver-managed buffer handle. Zero is never a valid
	// handle.
	Mbuf uint64

	// QueuePort models the hardware ring queue primitives. Implementations
	// must be safe for concurrent use.
	QueuePort interface {
		// Dequeue pops the front buffer of the queue, failing with
		// CodeQueueEmpty if there are none.
		Dequeue(deviceID, queueID uint32) (Mbuf, error)

		// Enqueue pushes a buffer onto the queue, failing with CodeQueueFull
		// if the queue is at depth. Ownership of the buffer transfers to the
		// queue on success.
		Enqueue(deviceID, queueID uint32, buf Mbuf) error

		// EnqueueBuff pushes a copy of the described data onto the queue, for
		// consumers expecting descriptors rather than native buffers. It may
		// block for up to timeout, waiting for space.
		EnqueueBuff(deviceID, queueID uint32, vec *BuffIovec, timeout time.Duration) error
	}

	// MbufAccessor models buffer allocation and the metadata / chain
	// accessors. Implementations must be safe for concurrent use.
	MbufAccessor interface {
		// Alloc allocates a buffer with a data region of the given size.
		Alloc(size uint64) (Mbuf, error)

		Free(buf Mbuf) error

		// PrivInfo returns the buffer's private metadata region. Writes to
		// the returned slice are visible to later readers of the buffer.
		PrivInfo(buf Mbuf) ([]byte, error)

		// DataPtr returns the device address of the buffer's data region.
		DataPtr(buf Mbuf) (uint64, error)

		DataLen(buf Mbuf) (uint64, error)

		// ChainNum returns the number of buffers in the chain headed by buf,
		// including buf itself.
		ChainNum(buf Mbuf) (uint32, error)

		// ChainGet returns the buffer at index in the chain headed by buf,
		// where index 0 is buf itself.
		ChainGet(buf Mbuf, index uint32) (Mbuf, error)

		// ChainAppend links buf onto the end of the chain headed by head.
		ChainAppend(head, buf Mbuf) error
	}

	// Memory models the device address space, in which wire parameter
	// blocks and their address lists live. Addresses are little endian.
	Memory interface {
		ReadAt(p []byte, addr uint64) error
		WriteAt(p []byte, addr uint64) error
	}

	// Notifier delivers queue state changes, subscribed to by the scheduler.
	Notifier interface {
		// Notifications returns the channel on which notifications are
		// delivered. It is closed when the driver shuts down.
		Notifications() <-chan Notification
	}

	// Driver is the full driver surface.
	Driver interface {
		QueuePort
		MbufAccessor
		Memory
		Notifier
	}

	// BuffIovec describes data for QueuePort.EnqueueBuff, as an opaque
	// context block (the head metadata) plus scatter-gather data segments.
	BuffIovec struct {
		Context []byte
		Vecs    []Iovec
	}

	// Iovec is one data segment, by device address.
	Iovec struct {
		Base uint64
		Len  uint64
	}

	// Notification reports that a queue transitioned to non-empty, or
	// non-full.
	Notification struct {
		Kind    EventKind
		QueueID uint32
	}

	// EventKind identifies the queue state change of a Notification.
	EventKind uint8
)

const (
	// EventQueueNotEmpty is sent when a buffer is enqueued onto a queue.
	EventQueueNotEmpty EventKind = iota + 1
	// EventQueueNotFull is sent when a buffer is dequeued from a queue.
	EventQueueNotFull
)

func (k EventKind) String() string {
	switch k {
	case EventQueueNotEmpty:
		return `queue_not_empty`
	case EventQueueNotFull:
		return `queue_not_full`
	default:
		return `unknown`
	}
}
