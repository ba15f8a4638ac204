package opkernel

import (
	"fmt"

	"github.com/joeycumines/go-aicpu/hal"
	"github.com/joeycumines/go-aicpu/mbuf"
	"github.com/joeycumines/go-aicpu/waitmgr"
)

// ModelDequeue implements the modelDequeue kernel, dequeuing one mbuf from
// the BufInfo queue into its mbuf slot. It pends while the queue is empty.
func (x *Base) ModelDequeue(task TaskInfo, rc RunContext) (Progress, error) {
	info, err := ReadBufInfo(x.driver, task.ParamBase)
	if err != nil {
		return NotStarted(), err
	}
	buf, progress, err := x.DequeueTask(info.QueueID, rc, true)
	if err != nil || progress.Pending() {
		return progress, err
	}
	if err := hal.WriteU64(x.driver, info.MbufPtr, uint64(buf)); err != nil {
		// not published, so not handed to the model
		_ = x.bufs.Free(rc.ModelID, buf)
		return NotStarted(), driverError(`write mbuf ptr`, err)
	}
	return progress, nil
}

// ModelEnqueue implements the modelEnqueue kernel, enqueuing the mbuf held
// in the BufInfo slot. It pends while the queue is full.
func (x *Base) ModelEnqueue(task TaskInfo, rc RunContext) (Progress, error) {
	info, err := ReadBufInfo(x.driver, task.ParamBase)
	if err != nil {
		return NotStarted(), err
	}
	buf, err := x.readSlot(info)
	if err != nil {
		return NotStarted(), err
	}
	return x.EnqueueTask(info.QueueID, buf, rc)
}

// ModelEnqueueBuff implements the modelEnqueueBuff kernel. Rather than
// moving the mbuf held in the BufInfo slot, it submits its head metadata
// and data region as a descriptor, then frees it.
func (x *Base) ModelEnqueueBuff(task TaskInfo, rc RunContext) (Progress, error) {
	info, err := ReadBufInfo(x.driver, task.ParamBase)
	if err != nil {
		return NotStarted(), err
	}
	m, err := x.model(rc)
	if err != nil {
		return NotStarted(), err
	}
	buf, err := x.readSlot(info)
	if err != nil {
		return NotStarted(), err
	}

	if m.Failed() && !m.AbnormalNeedEnqueue() {
		x.metrics.dropped.Inc()
		if err := x.bufs.Free(rc.ModelID, buf); err != nil {
			return NotStarted(), driverError(`free`, err)
		}
		return Done(), nil
	}

	if err := x.stampHead(m, buf); err != nil {
		return NotStarted(), err
	}
	vec, err := x.buffIovec(buf)
	if err != nil {
		return NotStarted(), err
	}

	for {
		err = x.driver.EnqueueBuff(x.deviceID, info.QueueID, vec, x.enqueueBuffTimeout)
		if err == nil {
			break
		}

		switch hal.CodeOf(err) {
		case hal.CodeQueueFull, hal.CodeTimeout:
		default:
			x.metrics.driverErrors.WithLabelValues(`enqueue_buff`).Inc()
			x.logger.Err().
				Err(err).
				Uint64(`queue_id`, uint64(info.QueueID)).
				Uint64(`model_id`, uint64(rc.ModelID)).
				Log(`failed to enqueue buff`)
			return NotStarted(), driverError(`enqueue buff`, err)
		}

		key := waitmgr.NotFull(info.QueueID)
		if x.waits.WaitEvent(key, rc.StreamID) {
			x.pending(key, rc)
			return Awaiting(key), nil
		}
	}

	// the queue holds a copy
	if err := x.bufs.Free(rc.ModelID, buf); err != nil {
		return NotStarted(), driverError(`free`, err)
	}
	x.metrics.transferred.WithLabelValues(`enqueue_buff`).Inc()
	return Done(), nil
}

// buffIovec describes buf as its head message plus one data segment.
func (x *Base) buffIovec(buf hal.Mbuf) (*hal.BuffIovec, error) {
	priv, err := x.driver.PrivInfo(buf)
	if err != nil {
		return nil, driverError(`priv info`, err)
	}
	head, err := mbuf.HeadRegion(priv)
	if err != nil {
		return nil, fmt.Errorf(`%w: %w`, ErrInner, err)
	}
	ptr, err := x.driver.DataPtr(buf)
	if err != nil {
		return nil, driverError(`data ptr`, err)
	}
	size, err := x.driver.DataLen(buf)
	if err != nil {
		return nil, driverError(`data len`, err)
	}
	return &hal.BuffIovec{
		Context: append([]byte(nil), head...),
		Vecs:    []hal.Iovec{{Base: ptr, Len: size}},
	}, nil
}

func (x *Base) readSlot(info *BufInfo) (hal.Mbuf, error) {
	v, err := hal.ReadU64(x.driver, info.MbufPtr)
	if err != nil {
		return 0, fmt.Errorf(`%w: read mbuf slot: %w`, ErrParameterInvalid, err)
	}
	if v == 0 {
		return 0, paramErrorf(`null mbuf for queue %d`, info.QueueID)
	}
	return hal.Mbuf(v), nil
}
