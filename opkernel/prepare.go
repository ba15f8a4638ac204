package opkernel

import (
	"errors"
	"fmt"

	"github.com/joeycumines/go-aicpu/bufmgr"
	"github.com/joeycumines/go-aicpu/hal"
	"github.com/joeycumines/go-aicpu/mbuf"
	"github.com/joeycumines/go-aicpu/model"
)

// ModelPrepare implements the modelPrepare kernel. It dequeues one mbuf
// list from each input queue, publishes the input data pointers, allocates
// the output buffers (inheriting the head metadata of the first input), and
// publishes the output data pointers and mbuf handles.
//
// Dequeueing resumes from the model's persisted DequeueIndex, so a pending
// invocation continues exactly where it stopped.
func (x *Base) ModelPrepare(task TaskInfo, rc RunContext) (Progress, error) {
	info, err := ReadPareInfo(x.driver, task.ParamBase)
	if err != nil {
		return NotStarted(), err
	}
	view, err := validatePrepare(x.driver, info)
	if err != nil {
		x.logger.Err().
			Err(err).
			Uint64(`task_id`, uint64(task.TaskID)).
			Log(`invalid prepare info`)
		return NotStarted(), err
	}
	m, err := x.model(rc)
	if err != nil {
		return NotStarted(), err
	}

	pd := m.PrepareData()

	progress, err := x.prepareInputs(view, pd, rc)
	if err != nil || progress.Pending() {
		if err != nil {
			pd.Reset()
		}
		return progress, err
	}

	// every input is dequeued, the rest cannot pend
	err = x.prepareOutputs(view, info, pd, m)
	pd.DequeueIndex = 0
	pd.InputDataPtrs = pd.InputDataPtrs[:0]
	if err != nil {
		pd.Reset()
		return NotStarted(), err
	}

	x.logger.Debug().
		Uint64(`model_id`, uint64(rc.ModelID)).
		Int(`inputs`, len(pd.InputMbufs)).
		Uint64(`step_id`, m.StepID()).
		Log(`model prepare done`)

	return Done(), nil
}

func (x *Base) prepareInputs(view *prepareView, pd *model.PrepareData, rc RunContext) (Progress, error) {
	if pd.DequeueIndex == 0 {
		pd.InputDataPtrs = pd.InputDataPtrs[:0]
	}

	for n := view.inQueueIDs.Len(); pd.DequeueIndex < n; pd.DequeueIndex++ {
		queueID, err := view.inQueueIDs.At(pd.DequeueIndex)
		if err != nil {
			return NotStarted(), listError(`inQueueIdList`, err)
		}

		buf, progress, err := x.DequeueTask(queueID, rc, true)
		if err != nil {
			return NotStarted(), err
		}
		if progress.Pending() {
			return progress, nil
		}

		if pd.DequeueIndex == 0 {
			pd.LastInputMbufList = buf
		}
		pd.InputMbufs = append(pd.InputMbufs, buf)

		if pd.InputDataPtrs, err = x.appendDataPtrs(pd.InputDataPtrs, buf); err != nil {
			return NotStarted(), err
		}
	}

	// zero copy, each input address slot receives a collected data pointer
	for i := range view.inputAddrs.Len() {
		index, err := view.inputIndexes.At(i)
		if err != nil {
			return NotStarted(), listError(`inputIndexList`, err)
		}
		if int(index) >= len(pd.InputDataPtrs) {
			return NotStarted(), paramErrorf(`prepare: input index %d out of range %d`, index, len(pd.InputDataPtrs))
		}
		slot, err := view.inputAddrs.At(i)
		if err != nil {
			return NotStarted(), listError(`inputAddrList`, err)
		}
		if err := hal.WriteU64(x.driver, slot, pd.InputDataPtrs[index]); err != nil {
			return NotStarted(), driverError(`write input addr`, err)
		}
	}

	return Done(), nil
}

func (x *Base) prepareOutputs(view *prepareView, info *PareInfo, pd *model.PrepareData, m *model.Model) error {
	sizes, err := view.outDataSizes.Values()
	if err != nil {
		return listError(`outDataSizeList`, err)
	}

	chained := info.OutQueueNum == 1
	bufs, err := x.bufs.MallocAndGuardBufList(sizes, m.ID(), chained)
	if err != nil {
		if errors.Is(err, bufmgr.ErrEmptySizeList) {
			return fmt.Errorf(`%w: %w`, ErrParameterInvalid, err)
		}
		return driverError(`malloc`, err)
	}

	// from here on, failures free the outputs
	release := func() {
		for _, buf := range bufs {
			_ = x.bufs.Free(m.ID(), buf)
		}
	}

	var outputPtrs []uint64
	for _, buf := range bufs {
		if pd.LastInputMbufList != 0 {
			if err := mbuf.CopyPriv(x.driver, pd.LastInputMbufList, buf); err != nil {
				release()
				return driverError(`copy head`, err)
			}
		}
		if chained {
			if outputPtrs, err = x.appendDataPtrs(outputPtrs, buf); err != nil {
				release()
				return err
			}
			continue
		}
		ptr, err := x.driver.DataPtr(buf)
		if err != nil {
			release()
			return driverError(`data ptr`, err)
		}
		outputPtrs = append(outputPtrs, ptr)
	}

	for i := range view.outputAddrs.Len() {
		index, err := view.outputIndexs.At(i)
		if err != nil {
			release()
			return listError(`outputIndexList`, err)
		}
		if index >= info.OutputMbufNum || int(index) >= len(outputPtrs) {
			release()
			return paramErrorf(`prepare: output index %d out of range %d`, index, info.OutputMbufNum)
		}
		slot, err := view.outputAddrs.At(i)
		if err != nil {
			release()
			return listError(`outputAddrList`, err)
		}
		if err := hal.WriteU64(x.driver, slot, outputPtrs[index]); err != nil {
			release()
			return driverError(`write output addr`, err)
		}
	}

	// the handles go into the slots, the list itself is left unchanged
	for i, buf := range bufs {
		slot, err := view.mbufPtrs.At(uint32(i))
		if err != nil {
			release()
			return listError(`mbufPtrList`, err)
		}
		if err := hal.WriteU64(x.driver, slot, uint64(buf)); err != nil {
			release()
			return driverError(`write mbuf ptr`, err)
		}
	}

	return nil
}

// appendDataPtrs appends the data pointer of every element of the chain
// headed by buf.
func (x *Base) appendDataPtrs(ptrs []uint64, buf hal.Mbuf) ([]uint64, error) {
	n, err := x.driver.ChainNum(buf)
	if err != nil {
		return ptrs, driverError(`chain num`, err)
	}
	if n == 0 {
		return ptrs, driverError(`chain num`, fmt.Errorf(`empty chain %#x`, uint64(buf)))
	}
	for i := range n {
		elem, err := x.driver.ChainGet(buf, i)
		if err != nil {
			return ptrs, driverError(`chain get`, err)
		}
		ptr, err := x.driver.DataPtr(elem)
		if err != nil {
			return ptrs, driverError(`data ptr`, err)
		}
		ptrs = append(ptrs, ptr)
	}
	return ptrs, nil
}
