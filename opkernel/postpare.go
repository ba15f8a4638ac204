package opkernel

import (
	"fmt"
	"slices"

	"github.com/joeycumines/go-aicpu/hal"
	"github.com/joeycumines/go-aicpu/model"
)

// ModelPostpare implements the modelPostpare kernel. It enqueues each
// listed output mbuf onto its output queue, resuming from the model's
// persisted EnqueueIndex, then releases the iteration's input mbufs and
// triggers the model repeat event.
func (x *Base) ModelPostpare(task TaskInfo, rc RunContext) (Progress, error) {
	info, err := ReadPareInfo(x.driver, task.ParamBase)
	if err != nil {
		return NotStarted(), err
	}
	view, err := validatePostpare(x.driver, info)
	if err != nil {
		x.logger.Err().
			Err(err).
			Uint64(`task_id`, uint64(task.TaskID)).
			Log(`invalid postpare info`)
		return NotStarted(), err
	}
	m, err := x.model(rc)
	if err != nil {
		return NotStarted(), err
	}

	pp := m.PostpareData()
	for n := view.outQueueIDs.Len(); pp.EnqueueIndex < n; pp.EnqueueIndex++ {
		progress, err := x.postpareOne(view, pp.EnqueueIndex, m, rc)
		if err != nil {
			pp.Reset()
			return NotStarted(), err
		}
		if progress.Pending() {
			return progress, nil
		}
	}
	err = x.releaseInputs(m, pp.Enqueued)
	pp.Reset()
	if err != nil {
		return NotStarted(), err
	}

	if err := m.Repeat(); err != nil {
		return NotStarted(), fmt.Errorf(`%w: %w`, ErrInner, err)
	}

	x.logger.Debug().
		Uint64(`model_id`, uint64(rc.ModelID)).
		Uint64(`iterations`, m.Iterations()).
		Log(`model postpare done`)

	return Done(), nil
}

func (x *Base) postpareOne(view *postpareView, i uint32, m *model.Model, rc RunContext) (Progress, error) {
	queueID, err := view.outQueueIDs.At(i)
	if err != nil {
		return NotStarted(), listError(`outQueueIdList`, err)
	}
	buf, err := x.readMbufSlot(view.mbufPtrs, i)
	if err != nil {
		return NotStarted(), err
	}

	progress, err := x.EnqueueTask(queueID, buf, rc)
	if err != nil || !progress.IsDone() {
		return progress, err
	}

	pp := m.PostpareData()
	if progress.Dropped() {
		if err := x.bufs.Free(m.ID(), buf); err != nil {
			return NotStarted(), driverError(`free`, err)
		}
		return progress, nil
	}
	pp.Enqueued = append(pp.Enqueued, buf)

	return progress, nil
}

// releaseInputs unguards and frees the input mbuf lists dequeued by the
// iteration's prepare. Inputs forwarded as outputs belong to their output
// queue, and are skipped.
func (x *Base) releaseInputs(m *model.Model, enqueued []hal.Mbuf) error {
	pd := m.PrepareData()
	var first error
	for _, buf := range pd.InputMbufs {
		if slices.Contains(enqueued, buf) {
			continue
		}
		if err := x.bufs.Free(m.ID(), buf); err != nil && first == nil {
			first = err
		}
	}
	pd.Reset()
	if first != nil {
		return driverError(`free input`, first)
	}
	return nil
}

// readMbufSlot reads the mbuf handle stored at the slot address listed at
// index i.
func (x *Base) readMbufSlot(slots hal.U64List, i uint32) (hal.Mbuf, error) {
	slot, err := slots.At(i)
	if err != nil {
		return 0, listError(`mbufPtrList`, err)
	}
	if slot == 0 {
		return 0, paramErrorf(`mbufPtrList[%d] is null`, i)
	}
	v, err := hal.ReadU64(x.driver, slot)
	if err != nil {
		return 0, fmt.Errorf(`%w: read mbuf slot: %w`, ErrParameterInvalid, err)
	}
	if v == 0 {
		return 0, paramErrorf(`null mbuf at mbufPtrList[%d]`, i)
	}
	return hal.Mbuf(v), nil
}
