package opkernel

import (
	"errors"
	"fmt"
	"time"

	"github.com/joeycumines/go-aicpu/bufmgr"
	"github.com/joeycumines/go-aicpu/hal"
	"github.com/joeycumines/go-aicpu/mbuf"
	"github.com/joeycumines/go-aicpu/model"
	"github.com/joeycumines/go-aicpu/waitmgr"
	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultEnqueueBuffTimeout bounds QueuePort.EnqueueBuff calls.
const DefaultEnqueueBuffTimeout = 1000 * time.Millisecond

type (
	// Base moves buffers between hardware queues on behalf of the pipeline
	// kernels, handling queue backpressure and the head metadata protocol.
	// It is safe for concurrent use, by distinct streams.
	//
	// Instances must be initialized using NewBase.
	Base struct {
		driver             Driver
		bufs               *bufmgr.Manager
		models             *model.Manager
		waits              *waitmgr.Manager
		logger             *logiface.Logger[logiface.Event]
		limiter            *catrate.Limiter
		metrics            *metrics
		enqueueBuffTimeout time.Duration
		deviceID           uint32
		nullDataEnabled    bool
	}

	// Driver is the subset of hal.Driver used by Base.
	Driver interface {
		hal.QueuePort
		hal.MbufAccessor
		hal.Memory
	}

	// BaseOption configures NewBase.
	BaseOption func(c *baseConfig)

	baseConfig struct {
		logger             *logiface.Logger[logiface.Event]
		limiter            *catrate.Limiter
		registerer         prometheus.Registerer
		enqueueBuffTimeout time.Duration
		deviceID           uint32
		nullDataEnabled    bool
	}

	// AlignItem is one dequeued buffer of a batch, and its alignment offset.
	AlignItem struct {
		Mbuf   hal.Mbuf
		Offset uint64
	}

	// AlignResult summarizes the aligned timestamps of a batch.
	AlignResult struct {
		// MaxAligned is the largest timestamp-minus-offset of the batch.
		MaxAligned uint64
		// MinAligned is the smallest timestamp-minus-offset of the batch.
		MinAligned uint64
		// MinIndex is the index of the item with the smallest timestamp.
		MinIndex int
	}
)

// WithLogger configures the logger, which may be nil (disabled).
func WithLogger(logger *logiface.Logger[logiface.Event]) BaseOption {
	return func(c *baseConfig) {
		c.logger = logger
	}
}

// WithPendingLogLimiter overrides the rate limiter applied, per queue, to
// pending diagnostics.
func WithPendingLogLimiter(limiter *catrate.Limiter) BaseOption {
	return func(c *baseConfig) {
		c.limiter = limiter
	}
}

// WithRegisterer registers metrics with reg.
func WithRegisterer(reg prometheus.Registerer) BaseOption {
	return func(c *baseConfig) {
		c.registerer = reg
	}
}

// WithDeviceID sets the device id passed to every driver queue call.
func WithDeviceID(id uint32) BaseOption {
	return func(c *baseConfig) {
		c.deviceID = id
	}
}

// WithNullData enables the null-data feature, honoring the null-data flag
// of dequeued buffers.
func WithNullData(enabled bool) BaseOption {
	return func(c *baseConfig) {
		c.nullDataEnabled = enabled
	}
}

// WithEnqueueBuffTimeout overrides DefaultEnqueueBuffTimeout.
func WithEnqueueBuffTimeout(d time.Duration) BaseOption {
	return func(c *baseConfig) {
		if d > 0 {
			c.enqueueBuffTimeout = d
		}
	}
}

// NewBase initializes a Base. All arguments are required.
func NewBase(driver Driver, bufs *bufmgr.Manager, models *model.Manager, waits *waitmgr.Manager, options ...BaseOption) *Base {
	if driver == nil || bufs == nil || models == nil || waits == nil {
		panic(`opkernel: nil dependency`)
	}
	c := baseConfig{enqueueBuffTimeout: DefaultEnqueueBuffTimeout}
	for _, o := range options {
		if o != nil {
			o(&c)
		}
	}
	if c.limiter == nil {
		c.limiter = catrate.NewLimiter(map[time.Duration]int{
			time.Second: 1,
			time.Minute: 10,
		})
	}
	return &Base{
		driver:             driver,
		bufs:               bufs,
		models:             models,
		waits:              waits,
		logger:             c.logger,
		limiter:            c.limiter,
		metrics:            newMetrics(c.registerer),
		enqueueBuffTimeout: c.enqueueBuffTimeout,
		deviceID:           c.deviceID,
		nullDataEnabled:    c.nullDataEnabled,
	}
}

func (x *Base) model(rc RunContext) (*model.Model, error) {
	m := x.models.Get(rc.ModelID)
	if m == nil {
		x.logger.Err().
			Uint64(`model_id`, uint64(rc.ModelID)).
			Uint64(`stream_id`, uint64(rc.StreamID)).
			Log(`cannot get model by id`)
		return nil, paramErrorf(`model %d not found`, rc.ModelID)
	}
	return m, nil
}

// DequeueTask dequeues one buffer (chain) from queueID, guarding it for the
// model of rc.
//
// If the queue is empty and needPending is true, the stream is registered
// to wait for the queue, and an Awaiting progress is returned. If the queue
// is empty and needPending is false, Done is returned with a zero buffer.
func (x *Base) DequeueTask(queueID uint32, rc RunContext, needPending bool) (hal.Mbuf, Progress, error) {
	m, err := x.model(rc)
	if err != nil {
		return 0, NotStarted(), err
	}

	var buf hal.Mbuf
	for {
		buf, err = x.driver.Dequeue(x.deviceID, queueID)
		if err == nil {
			x.bufs.Guard(rc.ModelID, buf)
			break
		}

		if hal.CodeOf(err) != hal.CodeQueueEmpty {
			x.metrics.driverErrors.WithLabelValues(`dequeue`).Inc()
			x.logger.Err().
				Err(err).
				Uint64(`queue_id`, uint64(queueID)).
				Uint64(`model_id`, uint64(rc.ModelID)).
				Log(`failed to dequeue`)
			return 0, NotStarted(), driverError(`dequeue`, err)
		}

		if !needPending {
			return 0, Done(), nil
		}

		key := waitmgr.NotEmpty(queueID)
		if x.waits.WaitEvent(key, rc.StreamID) {
			x.pending(key, rc)
			return 0, Awaiting(key), nil
		}
		// notification raced ahead of registration, retry
	}

	if err := x.afterDequeue(m, buf); err != nil {
		return 0, NotStarted(), err
	}

	x.metrics.transferred.WithLabelValues(`dequeue`).Inc()
	return buf, Done(), nil
}

// afterDequeue merges the head metadata of buf into the model state.
func (x *Base) afterDequeue(m *model.Model, buf hal.Mbuf) error {
	head, priv, err := mbuf.ReadHead(x.driver, buf)
	if err != nil {
		return x.headError(err, buf)
	}

	if m.HeadNode() {
		head.StepID = m.StepID()
		if err := mbuf.EncodeHead(priv, &head); err != nil {
			return x.headError(err, buf)
		}
	} else {
		m.MergeStepID(head.StepID)
	}

	if x.nullDataEnabled && head.NullData() {
		m.SetNullData(true)
	}

	if m.AbnormalEnabled() && head.RetCode != 0 {
		m.SetRetCode(head.RetCode)
		x.logger.Warning().
			Uint64(`model_id`, uint64(m.ID())).
			Int64(`ret_code`, int64(head.RetCode)).
			Log(`dequeued buffer carries abnormal return code`)
	}

	if mbuf.IsEOS(priv) {
		m.SetEndOfSequence(true)
		x.logger.Info().
			Uint64(`model_id`, uint64(m.ID())).
			Uint64(`step_id`, head.StepID).
			Log(`end of sequence`)
	}

	return nil
}

// EnqueueTask enqueues buf onto queueID, releasing the model's guard on it.
// The head metadata of buf is first stamped from the model state.
//
// If the model has failed, and the abnormal policy does not forward buffers,
// the buffer is left guarded, and a Done progress that reports Dropped is
// returned. If the queue is full,
// the stream is registered to wait for the queue, and an Awaiting progress
// is returned.
func (x *Base) EnqueueTask(queueID uint32, buf hal.Mbuf, rc RunContext) (Progress, error) {
	m, err := x.model(rc)
	if err != nil {
		return NotStarted(), err
	}
	if buf == 0 {
		return NotStarted(), paramErrorf(`null mbuf for queue %d`, queueID)
	}

	if m.Failed() && !m.AbnormalNeedEnqueue() {
		x.metrics.dropped.Inc()
		x.logger.Debug().
			Uint64(`model_id`, uint64(rc.ModelID)).
			Uint64(`queue_id`, uint64(queueID)).
			Log(`model failed, skipping enqueue`)
		return dropped(), nil
	}

	if err := x.stampHead(m, buf); err != nil {
		return NotStarted(), err
	}

	for {
		err = x.driver.Enqueue(x.deviceID, queueID, buf)
		if err == nil {
			break
		}

		if hal.CodeOf(err) != hal.CodeQueueFull {
			x.metrics.driverErrors.WithLabelValues(`enqueue`).Inc()
			x.logger.Err().
				Err(err).
				Uint64(`queue_id`, uint64(queueID)).
				Uint64(`model_id`, uint64(rc.ModelID)).
				Log(`failed to enqueue`)
			return NotStarted(), driverError(`enqueue`, err)
		}

		key := waitmgr.NotFull(queueID)
		if x.waits.WaitEvent(key, rc.StreamID) {
			x.pending(key, rc)
			return Awaiting(key), nil
		}
	}

	if err := x.bufs.Unguard(rc.ModelID, buf); err != nil {
		return NotStarted(), fmt.Errorf(`%w: %w`, ErrInner, err)
	}
	x.metrics.transferred.WithLabelValues(`enqueue`).Inc()
	return Done(), nil
}

// stampHead writes the model's return code, end-of-sequence and null-data
// state into the head metadata of buf.
func (x *Base) stampHead(m *model.Model, buf hal.Mbuf) error {
	head, priv, err := mbuf.ReadHead(x.driver, buf)
	if err != nil {
		return x.headError(err, buf)
	}
	if m.AbnormalEnabled() {
		head.RetCode = m.RetCode()
	}
	if m.NullData() {
		head.SetNullData(true)
	}
	if err := mbuf.EncodeHead(priv, &head); err != nil {
		return x.headError(err, buf)
	}
	if m.EndOfSequence() {
		if err := mbuf.SetEOS(priv, true); err != nil {
			return x.headError(err, buf)
		}
	}
	return nil
}

func (x *Base) headError(err error, buf hal.Mbuf) error {
	x.logger.Err().
		Err(err).
		Uint64(`mbuf`, uint64(buf)).
		Log(`failed to access head info`)
	if errors.Is(err, mbuf.ErrPrivTooSmall) {
		return fmt.Errorf(`%w: %w`, ErrInner, err)
	}
	return driverError(`priv info`, err)
}

// AlignTimestamp validates the timestamps of a batch of dequeued buffers,
// and computes their alignment. Each buffer must carry equal start and end
// timestamps, no less than its offset.
func (x *Base) AlignTimestamp(items []AlignItem, rc RunContext) (AlignResult, error) {
	if len(items) == 0 {
		return AlignResult{}, paramErrorf(`empty align batch`)
	}

	var (
		result AlignResult
		minTS  uint64
	)
	for i, item := range items {
		head, _, err := mbuf.ReadHead(x.driver, item.Mbuf)
		if err != nil {
			return AlignResult{}, x.headError(err, item.Mbuf)
		}
		if head.StartTime != head.EndTime {
			x.logger.Err().
				Uint64(`model_id`, uint64(rc.ModelID)).
				Int(`index`, i).
				Uint64(`start`, head.StartTime).
				Uint64(`end`, head.EndTime).
				Log(`align timestamp mismatch`)
			return AlignResult{}, paramErrorf(`item %d: start time %d != end time %d`, i, head.StartTime, head.EndTime)
		}
		ts := head.StartTime
		if ts < item.Offset {
			x.logger.Err().
				Uint64(`model_id`, uint64(rc.ModelID)).
				Int(`index`, i).
				Uint64(`timestamp`, ts).
				Uint64(`offset`, item.Offset).
				Log(`align timestamp below offset`)
			return AlignResult{}, paramErrorf(`item %d: timestamp %d < offset %d`, i, ts, item.Offset)
		}
		aligned := ts - item.Offset
		if i == 0 {
			result = AlignResult{MaxAligned: aligned, MinAligned: aligned}
			minTS = ts
			continue
		}
		result.MaxAligned = max(result.MaxAligned, aligned)
		result.MinAligned = min(result.MinAligned, aligned)
		if ts < minTS {
			minTS = ts
			result.MinIndex = i
		}
	}
	return result, nil
}

// pending records a parked transfer, logging at most at the limiter's rate
// per key.
func (x *Base) pending(key waitmgr.Key, rc RunContext) {
	x.metrics.pending.WithLabelValues(key.Kind.String()).Inc()
	if _, ok := x.limiter.Allow(key); ok {
		x.logger.Info().
			Str(`key`, key.String()).
			Uint64(`model_id`, uint64(rc.ModelID)).
			Uint64(`stream_id`, uint64(rc.StreamID)).
			Log(`stream pending on queue`)
	}
}
