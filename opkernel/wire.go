package opkernel

import (
	"encoding/binary"
	"fmt"

	"github.com/joeycumines/go-aicpu/hal"
)

// MaxSizeNum bounds every count field of a pare info block.
const MaxSizeNum = 128

const (
	// PareInfoSize is the encoded size of PareInfo, which is also the value
	// its Size field must carry.
	PareInfoSize = 88
	// BufInfoSize is the encoded size of BufInfo.
	BufInfoSize = 16
)

type (
	// PareInfo is the parameter block shared by modelPrepare and
	// modelPostpare. Every *List field is a device address of a packed
	// array, of the length given by the corresponding count.
	//
	// MbufPtrList entries are slot addresses, not mbuf handles: prepare
	// stores each output handle in the slot an entry points to, and postpare
	// reads the handle back from the same slot. BufInfo.MbufPtr follows the
	// same convention.
	PareInfo struct {
		Size            uint32
		InputAddrNum    uint32
		InputAddrList   uint64
		InputIndexList  uint64
		OutputAddrNum   uint32
		OutputMbufNum   uint32
		OutputAddrList  uint64
		OutputIndexList uint64
		OutDataSizeList uint64
		InQueueNum      uint32
		OutQueueNum     uint32
		InQueueIDList   uint64
		OutQueueIDList  uint64
		MbufPtrList     uint64
	}

	// BufInfo is the parameter block of the single queue kernels
	// (modelDequeue, modelEnqueue and modelEnqueueBuff). MbufPtr is the
	// device address of a slot holding an mbuf handle.
	BufInfo struct {
		QueueID uint32
		MbufPtr uint64
	}
)

// ReadPareInfo decodes the PareInfo at addr, checking its encoded size.
func ReadPareInfo(mem hal.Memory, addr uint64) (*PareInfo, error) {
	if addr == 0 {
		return nil, paramErrorf(`null pare info`)
	}
	var b [PareInfoSize]byte
	if err := mem.ReadAt(b[:], addr); err != nil {
		return nil, fmt.Errorf(`%w: read pare info: %w`, ErrParameterInvalid, err)
	}
	le := binary.LittleEndian
	x := PareInfo{
		Size:            le.Uint32(b[0:]),
		InputAddrNum:    le.Uint32(b[4:]),
		InputAddrList:   le.Uint64(b[8:]),
		InputIndexList:  le.Uint64(b[16:]),
		OutputAddrNum:   le.Uint32(b[24:]),
		OutputMbufNum:   le.Uint32(b[28:]),
		OutputAddrList:  le.Uint64(b[32:]),
		OutputIndexList: le.Uint64(b[40:]),
		OutDataSizeList: le.Uint64(b[48:]),
		InQueueNum:      le.Uint32(b[56:]),
		OutQueueNum:     le.Uint32(b[60:]),
		InQueueIDList:   le.Uint64(b[64:]),
		OutQueueIDList:  le.Uint64(b[72:]),
		MbufPtrList:     le.Uint64(b[80:]),
	}
	if x.Size != PareInfoSize {
		return nil, paramErrorf(`pare info size %d != %d`, x.Size, PareInfoSize)
	}
	return &x, nil
}

// WritePareInfo encodes x at addr. The Size field is always written as
// PareInfoSize.
func WritePareInfo(mem hal.Memory, addr uint64, x *PareInfo) error {
	var b [PareInfoSize]byte
	le := binary.LittleEndian
	le.PutUint32(b[0:], PareInfoSize)
	le.PutUint32(b[4:], x.InputAddrNum)
	le.PutUint64(b[8:], x.InputAddrList)
	le.PutUint64(b[16:], x.InputIndexList)
	le.PutUint32(b[24:], x.OutputAddrNum)
	le.PutUint32(b[28:], x.OutputMbufNum)
	le.PutUint64(b[32:], x.OutputAddrList)
	le.PutUint64(b[40:], x.OutputIndexList)
	le.PutUint64(b[48:], x.OutDataSizeList)
	le.PutUint32(b[56:], x.InQueueNum)
	le.PutUint32(b[60:], x.OutQueueNum)
	le.PutUint64(b[64:], x.InQueueIDList)
	le.PutUint64(b[72:], x.OutQueueIDList)
	le.PutUint64(b[80:], x.MbufPtrList)
	return mem.WriteAt(b[:], addr)
}

// ReadBufInfo decodes the BufInfo at addr.
func ReadBufInfo(mem hal.Memory, addr uint64) (*BufInfo, error) {
	if addr == 0 {
		return nil, paramErrorf(`null buf info`)
	}
	var b [BufInfoSize]byte
	if err := mem.ReadAt(b[:], addr); err != nil {
		return nil, fmt.Errorf(`%w: read buf info: %w`, ErrParameterInvalid, err)
	}
	x := BufInfo{
		QueueID: binary.LittleEndian.Uint32(b[0:]),
		MbufPtr: binary.LittleEndian.Uint64(b[8:]),
	}
	if x.MbufPtr == 0 {
		return nil, paramErrorf(`null mbuf pointer for queue %d`, x.QueueID)
	}
	return &x, nil
}

// WriteBufInfo encodes x at addr.
func WriteBufInfo(mem hal.Memory, addr uint64, x *BufInfo) error {
	var b [BufInfoSize]byte
	binary.LittleEndian.PutUint32(b[0:], x.QueueID)
	binary.LittleEndian.PutUint64(b[8:], x.MbufPtr)
	return mem.WriteAt(b[:], addr)
}

// prepareView holds the validated list views of a PareInfo, as used by
// modelPrepare.
type prepareView struct {
	inputAddrs   hal.U64List
	inputIndexes hal.U32List
	outputAddrs  hal.U64List
	outputIndexs hal.U32List
	outDataSizes hal.U32List
	inQueueIDs   hal.U32List
	outQueueNum  uint32
	mbufPtrs     hal.U64List
}

// validatePrepare checks every count and pointer of x, building the list
// views. It performs no side effects.
func validatePrepare(mem hal.Memory, x *PareInfo) (*prepareView, error) {
	switch {
	case x.InputAddrNum == 0 || x.OutputAddrNum == 0 || x.OutputMbufNum == 0:
		return nil, paramErrorf(`prepare: zero count: inputAddrNum=%d outputAddrNum=%d outputMbufNum=%d`,
			x.InputAddrNum, x.OutputAddrNum, x.OutputMbufNum)
	case x.InQueueNum == 0 || x.OutQueueNum == 0:
		return nil, paramErrorf(`prepare: zero queue count: inQueueNum=%d outQueueNum=%d`, x.InQueueNum, x.OutQueueNum)
	case x.InputAddrNum > MaxSizeNum || x.OutputAddrNum > MaxSizeNum || x.OutputMbufNum > MaxSizeNum ||
		x.InQueueNum > MaxSizeNum || x.OutQueueNum > MaxSizeNum:
		return nil, paramErrorf(`prepare: count exceeds %d`, MaxSizeNum)
	case x.InputAddrList == 0 || x.InputIndexList == 0 || x.OutputAddrList == 0 || x.OutputIndexList == 0 ||
		x.OutDataSizeList == 0 || x.InQueueIDList == 0 || x.OutQueueIDList == 0 || x.MbufPtrList == 0:
		return nil, paramErrorf(`prepare: null list pointer`)
	case x.InQueueNum > x.InputAddrNum:
		return nil, paramErrorf(`prepare: inQueueNum %d > inputAddrNum %d`, x.InQueueNum, x.InputAddrNum)
	case x.OutQueueNum != 1 && x.OutQueueNum != x.OutputMbufNum:
		return nil, paramErrorf(`prepare: outQueueNum %d is neither 1 nor outputMbufNum %d`, x.OutQueueNum, x.OutputMbufNum)
	}

	var (
		v   prepareView
		err error
	)
	if v.inputAddrs, err = hal.NewU64List(mem, x.InputAddrList, x.InputAddrNum); err != nil {
		return nil, listError(`inputAddrList`, err)
	}
	if v.inputIndexes, err = hal.NewU32List(mem, x.InputIndexList, x.InputAddrNum); err != nil {
		return nil, listError(`inputIndexList`, err)
	}
	if v.outputAddrs, err = hal.NewU64List(mem, x.OutputAddrList, x.OutputAddrNum); err != nil {
		return nil, listError(`outputAddrList`, err)
	}
	if v.outputIndexs, err = hal.NewU32List(mem, x.OutputIndexList, x.OutputAddrNum); err != nil {
		return nil, listError(`outputIndexList`, err)
	}
	if v.outDataSizes, err = hal.NewU32List(mem, x.OutDataSizeList, x.OutputMbufNum); err != nil {
		return nil, listError(`outDataSizeList`, err)
	}
	if v.inQueueIDs, err = hal.NewU32List(mem, x.InQueueIDList, x.InQueueNum); err != nil {
		return nil, listError(`inQueueIdList`, err)
	}
	if v.mbufPtrs, err = hal.NewU64List(mem, x.MbufPtrList, x.OutQueueNum); err != nil {
		return nil, listError(`mbufPtrList`, err)
	}
	v.outQueueNum = x.OutQueueNum

	// every slot address must be usable before anything is dequeued
	for _, list := range [...]struct {
		name string
		l    hal.U64List
	}{{`inputAddrList`, v.inputAddrs}, {`outputAddrList`, v.outputAddrs}, {`mbufPtrList`, v.mbufPtrs}} {
		values, err := list.l.Values()
		if err != nil {
			return nil, listError(list.name, err)
		}
		for i, addr := range values {
			if addr == 0 {
				return nil, paramErrorf(`prepare: %s[%d] is null`, list.name, i)
			}
		}
	}

	return &v, nil
}

// postpareView holds the validated list views of a PareInfo, as used by
// modelPostpare.
type postpareView struct {
	outQueueIDs hal.U32List
	mbufPtrs    hal.U64List
}

func validatePostpare(mem hal.Memory, x *PareInfo) (*postpareView, error) {
	if x.OutQueueNum == 0 || x.OutQueueNum > MaxSizeNum {
		return nil, paramErrorf(`postpare: outQueueNum %d not in [1, %d]`, x.OutQueueNum, MaxSizeNum)
	}
	if x.OutQueueIDList == 0 || x.MbufPtrList == 0 {
		return nil, paramErrorf(`postpare: null list pointer`)
	}
	var (
		v   postpareView
		err error
	)
	if v.outQueueIDs, err = hal.NewU32List(mem, x.OutQueueIDList, x.OutQueueNum); err != nil {
		return nil, listError(`outQueueIdList`, err)
	}
	if v.mbufPtrs, err = hal.NewU64List(mem, x.MbufPtrList, x.OutQueueNum); err != nil {
		return nil, listError(`mbufPtrList`, err)
	}
	return &v, nil
}

func listError(name string, err error) error {
	return fmt.Errorf(`%w: %s: %w`, ErrParameterInvalid, name, err)
}
