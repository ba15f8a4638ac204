// Package halsim implements hal.Driver in-process, simulating the ring
// queues, mbuf pool, and device memory of an accelerator.
package halsim

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-aicpu/hal"
)

const (
	// DefaultPrivSize is the size of each mbuf's private metadata region.
	DefaultPrivSize = 256
	// DefaultMemorySize is the size of the device memory arena.
	DefaultMemorySize = 4 << 20
	// DefaultNotifyBuffer is the capacity of the notification channel.
	DefaultNotifyBuffer = 1024

	// memoryBase is the device address of the first arena byte.
	memoryBase = 0x10000
)

type (
	// Device is a simulated hal.Driver. Instances must be initialized using
	// New.
	Device struct {
		queues   map[uint32]*ring
		mbufs    map[hal.Mbuf]*mbufRecord
		notify   chan hal.Notification
		fault    func(op Op, queueID uint32) error
		arena    []byte
		privSize int
		next     uint64 // next free arena offset
		handle   hal.Mbuf
		mu       sync.Mutex
		closed   bool
		dropped  atomic.Int64
	}

	// Op identifies a driver operation, for fault injection.
	Op string

	// Option configures New.
	Option func(c *deviceConfig)

	deviceConfig struct {
		fault        func(op Op, queueID uint32) error
		privSize     int
		memorySize   int
		notifyBuffer int
	}

	ring struct {
		items []hal.Mbuf
		depth int
	}

	mbufRecord struct {
		priv  []byte
		chain []hal.Mbuf
		data  uint64
		size  uint64
		// member is set for buffers appended to another's chain
		member bool
	}
)

const (
	OpDequeue     Op = `dequeue`
	OpEnqueue     Op = `enqueue`
	OpEnqueueBuff Op = `enqueue_buff`
	OpAlloc       Op = `alloc`
	OpPrivInfo    Op = `priv_info`
	OpChainNum    Op = `chain_num`
	OpChainGet    Op = `chain_get`
	OpChainAppend Op = `chain_append`
)

var _ hal.Driver = (*Device)(nil)

// WithFault registers a fault injector, consulted before each operation
// (queueID is 0 for non-queue operations). A non-nil result fails the
// operation without side effects.
func WithFault(fn func(op Op, queueID uint32) error) Option {
	return func(c *deviceConfig) {
		c.fault = fn
	}
}

func WithPrivSize(size int) Option {
	return func(c *deviceConfig) {
		if size > 0 {
			c.privSize = size
		}
	}
}

func WithMemorySize(size int) Option {
	return func(c *deviceConfig) {
		if size > 0 {
			c.memorySize = size
		}
	}
}

func WithNotifyBuffer(size int) Option {
	return func(c *deviceConfig) {
		if size > 0 {
			c.notifyBuffer = size
		}
	}
}

func New(options ...Option) *Device {
	c := deviceConfig{
		privSize:     DefaultPrivSize,
		memorySize:   DefaultMemorySize,
		notifyBuffer: DefaultNotifyBuffer,
	}
	for _, o := range options {
		if o != nil {
			o(&c)
		}
	}
	return &Device{
		queues:   make(map[uint32]*ring),
		mbufs:    make(map[hal.Mbuf]*mbufRecord),
		notify:   make(chan hal.Notification, c.notifyBuffer),
		fault:    c.fault,
		arena:    make([]byte, c.memorySize),
		privSize: c.privSize,
	}
}

// CreateQueue creates a queue with the given depth (must be positive).
func (x *Device) CreateQueue(queueID uint32, depth int) error {
	if depth <= 0 {
		return hal.CodeInvalidParam
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.queues[queueID]; ok {
		return fmt.Errorf(`halsim: queue %d: %w`, queueID, hal.CodeInvalidParam)
	}
	x.queues[queueID] = &ring{depth: depth}
	return nil
}

// QueueLen returns the number of buffers in the queue, or -1 if it does not
// exist.
func (x *Device) QueueLen(queueID uint32) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	if q, ok := x.queues[queueID]; ok {
		return len(q.items)
	}
	return -1
}

// Peek returns the buffers in the queue, front first, without dequeuing.
func (x *Device) Peek(queueID uint32) []hal.Mbuf {
	x.mu.Lock()
	defer x.mu.Unlock()
	if q, ok := x.queues[queueID]; ok {
		return append([]hal.Mbuf(nil), q.items...)
	}
	return nil
}

// Live returns the number of allocated (not freed) buffers.
func (x *Device) Live() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.mbufs)
}

// Dropped returns the number of notifications discarded because the
// notification channel was full.
func (x *Device) Dropped() int64 {
	return x.dropped.Load()
}

// Close closes the notification channel. Other operations remain usable.
func (x *Device) Close() {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.closed {
		x.closed = true
		close(x.notify)
	}
}

func (x *Device) Notifications() <-chan hal.Notification {
	return x.notify
}

func (x *Device) Dequeue(_, queueID uint32) (hal.Mbuf, error) {
	if err := x.checkFault(OpDequeue, queueID); err != nil {
		return 0, err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	q, ok := x.queues[queueID]
	if !ok {
		return 0, hal.CodeNotExist
	}
	if len(q.items) == 0 {
		return 0, hal.CodeQueueEmpty
	}
	buf := q.items[0]
	q.items[0] = 0
	q.items = q.items[1:]
	x.notifyLocked(hal.EventQueueNotFull, queueID)
	return buf, nil
}

func (x *Device) Enqueue(_, queueID uint32, buf hal.Mbuf) error {
	if err := x.checkFault(OpEnqueue, queueID); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.enqueueLocked(queueID, buf)
}

func (x *Device) EnqueueBuff(_, queueID uint32, vec *hal.BuffIovec, timeout time.Duration) error {
	if vec == nil {
		return hal.CodeInvalidParam
	}
	if err := x.checkFault(OpEnqueueBuff, queueID); err != nil {
		return err
	}

	deadline := time.Now().Add(timeout)
	for {
		err := x.tryEnqueueBuff(queueID, vec)
		if hal.CodeOf(err) != hal.CodeQueueFull {
			return err
		}
		if !time.Now().Before(deadline) {
			return hal.CodeTimeout
		}
		time.Sleep(time.Millisecond)
	}
}

func (x *Device) tryEnqueueBuff(queueID uint32, vec *hal.BuffIovec) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	q, ok := x.queues[queueID]
	if !ok {
		return hal.CodeNotExist
	}
	if len(q.items) >= q.depth {
		return hal.CodeQueueFull
	}
	if len(vec.Context) > x.privSize {
		return hal.CodeInvalidParam
	}

	var size uint64
	for _, v := range vec.Vecs {
		size += v.Len
	}
	buf, rec, err := x.allocLocked(size)
	if err != nil {
		return err
	}

	copy(rec.priv[x.privSize-len(vec.Context):], vec.Context)
	dst := rec.data
	for _, v := range vec.Vecs {
		src, err := x.slice(v.Base, v.Len)
		if err != nil {
			delete(x.mbufs, buf)
			return err
		}
		d, _ := x.slice(dst, v.Len)
		copy(d, src)
		dst += v.Len
	}

	return x.enqueueLocked(queueID, buf)
}

func (x *Device) enqueueLocked(queueID uint32, buf hal.Mbuf) error {
	q, ok := x.queues[queueID]
	if !ok {
		return hal.CodeNotExist
	}
	if _, ok := x.mbufs[buf]; !ok {
		return hal.CodeInvalidParam
	}
	if len(q.items) >= q.depth {
		return hal.CodeQueueFull
	}
	q.items = append(q.items, buf)
	x.notifyLocked(hal.EventQueueNotEmpty, queueID)
	return nil
}

func (x *Device) notifyLocked(kind hal.EventKind, queueID uint32) {
	if x.closed {
		return
	}
	select {
	case x.notify <- hal.Notification{Kind: kind, QueueID: queueID}:
	default:
		x.dropped.Add(1)
	}
}

func (x *Device) Alloc(size uint64) (hal.Mbuf, error) {
	if err := x.checkFault(OpAlloc, 0); err != nil {
		return 0, err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	buf, _, err := x.allocLocked(size)
	return buf, err
}

func (x *Device) allocLocked(size uint64) (hal.Mbuf, *mbufRecord, error) {
	data, err := x.mallocLocked(size)
	if err != nil {
		return 0, nil, err
	}
	x.handle++
	rec := &mbufRecord{
		priv: make([]byte, x.privSize),
		data: data,
		size: size,
	}
	x.mbufs[x.handle] = rec
	return x.handle, rec, nil
}

// Free releases buf, and every buffer chained to it.
func (x *Device) Free(buf hal.Mbuf) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	rec, ok := x.mbufs[buf]
	if !ok || rec.member {
		return hal.CodeInvalidParam
	}
	for _, m := range rec.chain {
		delete(x.mbufs, m)
	}
	delete(x.mbufs, buf)
	return nil
}

func (x *Device) PrivInfo(buf hal.Mbuf) ([]byte, error) {
	if err := x.checkFault(OpPrivInfo, 0); err != nil {
		return nil, err
	}
	rec, err := x.record(buf)
	if err != nil {
		return nil, err
	}
	return rec.priv, nil
}

func (x *Device) DataPtr(buf hal.Mbuf) (uint64, error) {
	rec, err := x.record(buf)
	if err != nil {
		return 0, err
	}
	return rec.data, nil
}

func (x *Device) DataLen(buf hal.Mbuf) (uint64, error) {
	rec, err := x.record(buf)
	if err != nil {
		return 0, err
	}
	return rec.size, nil
}

func (x *Device) ChainNum(buf hal.Mbuf) (uint32, error) {
	if err := x.checkFault(OpChainNum, 0); err != nil {
		return 0, err
	}
	rec, err := x.record(buf)
	if err != nil {
		return 0, err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	return uint32(1 + len(rec.chain)), nil
}

func (x *Device) ChainGet(buf hal.Mbuf, index uint32) (hal.Mbuf, error) {
	if err := x.checkFault(OpChainGet, 0); err != nil {
		return 0, err
	}
	rec, err := x.record(buf)
	if err != nil {
		return 0, err
	}
	if index == 0 {
		return buf, nil
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if int(index) > len(rec.chain) {
		return 0, hal.CodeInvalidParam
	}
	return rec.chain[index-1], nil
}

func (x *Device) ChainAppend(head, buf hal.Mbuf) error {
	if err := x.checkFault(OpChainAppend, 0); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	h, ok := x.mbufs[head]
	if !ok || h.member {
		return hal.CodeInvalidParam
	}
	m, ok := x.mbufs[buf]
	if !ok || m.member || len(m.chain) != 0 || head == buf {
		return hal.CodeInvalidParam
	}
	m.member = true
	h.chain = append(h.chain, buf)
	return nil
}

// Malloc allocates size bytes of zeroed device memory, 8-byte aligned.
func (x *Device) Malloc(size uint64) (uint64, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.mallocLocked(size)
}

func (x *Device) mallocLocked(size uint64) (uint64, error) {
	offset := (x.next + 7) &^ 7
	// zero sized allocations still get a unique address
	end := offset + max(size, 1)
	if end > uint64(len(x.arena)) {
		return 0, hal.CodeNoMemory
	}
	x.next = end
	return memoryBase + offset, nil
}

func (x *Device) ReadAt(p []byte, addr uint64) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	b, err := x.slice(addr, uint64(len(p)))
	if err != nil {
		return err
	}
	copy(p, b)
	return nil
}

func (x *Device) WriteAt(p []byte, addr uint64) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	b, err := x.slice(addr, uint64(len(p)))
	if err != nil {
		return err
	}
	copy(b, p)
	return nil
}

func (x *Device) slice(addr, n uint64) ([]byte, error) {
	if addr < memoryBase || addr-memoryBase+n > uint64(len(x.arena)) || addr-memoryBase+n < addr-memoryBase {
		return nil, fmt.Errorf(`halsim: address %#x+%d: %w`, addr, n, hal.CodeInvalidParam)
	}
	offset := addr - memoryBase
	return x.arena[offset : offset+n], nil
}

func (x *Device) record(buf hal.Mbuf) (*mbufRecord, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	rec, ok := x.mbufs[buf]
	if !ok {
		return nil, hal.CodeInvalidParam
	}
	return rec, nil
}

func (x *Device) checkFault(op Op, queueID uint32) error {
	if x.fault != nil {
		return x.fault(op, queueID)
	}
	return nil
}
