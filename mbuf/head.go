// Package mbuf encodes the metadata carried in an mbuf's private region: the
// fixed-layout head message, and the end-of-sequence marker.
//
// Layout of the private region (little endian):
//
//	[0, EOSOffset)            producer specific
//	EOSOffset                 end-of-sequence marker byte (EOSMarker if set)
//	[len-HeadMsgSize, len)    head message
//
// Head message layout, relative to its start:
//
//	 0 u64 transaction id
//	 8 u16 version
//	10 u16 message type
//	12 i32 return code
//	16 u64 start timestamp
//	24 u64 end timestamp
//	32 u32 control flags
//	36 u8  data flag
//	38 u16 worker id
//	40 u64 step id
//	48 u32 data label
//	52 u32 route label
package mbuf

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/joeycumines/go-aicpu/hal"
)

const (
	// HeadMsgSize is the encoded size of HeadMsg.
	HeadMsgSize = 64

	// EOSOffset is the offset of the end-of-sequence marker byte, within
	// the private region.
	EOSOffset = 128

	// EOSMarker is the value of the marker byte for the last buffer of a
	// sequence.
	EOSMarker byte = 0x5A

	// MinPrivSize is the smallest private region able to hold both the
	// marker and the head message.
	MinPrivSize = EOSOffset + 1 + HeadMsgSize

	// DataFlagNullData is set in HeadMsg.DataFlag for buffers that carry
	// no data, only metadata.
	DataFlagNullData uint8 = 1 << 0
)

// ErrPrivTooSmall is returned for private regions smaller than MinPrivSize.
var ErrPrivTooSmall = errors.New(`mbuf: private region too small`)

// HeadMsg is the metadata riding with every buffer between pipeline stages.
type HeadMsg struct {
	TransID    uint64
	StartTime  uint64
	EndTime    uint64
	StepID     uint64
	RetCode    int32
	Flags      uint32
	DataLabel  uint32
	RouteLabel uint32
	Version    uint16
	MsgType    uint16
	WorkerID   uint16
	DataFlag   uint8
}

func (h *HeadMsg) NullData() bool {
	return h.DataFlag&DataFlagNullData != 0
}

func (h *HeadMsg) SetNullData(null bool) {
	if null {
		h.DataFlag |= DataFlagNullData
	} else {
		h.DataFlag &^= DataFlagNullData
	}
}

// MarshalBinary encodes h into HeadMsgSize bytes.
func (h *HeadMsg) MarshalBinary() ([]byte, error) {
	b := make([]byte, HeadMsgSize)
	h.put(b)
	return b, nil
}

// UnmarshalBinary decodes h from exactly HeadMsgSize bytes.
func (h *HeadMsg) UnmarshalBinary(b []byte) error {
	if len(b) != HeadMsgSize {
		return fmt.Errorf(`mbuf: head message length %d`, len(b))
	}
	h.get(b)
	return nil
}

func (h *HeadMsg) put(b []byte) {
	_ = b[HeadMsgSize-1]
	le := binary.LittleEndian
	le.PutUint64(b[0:], h.TransID)
	le.PutUint16(b[8:], h.Version)
	le.PutUint16(b[10:], h.MsgType)
	le.PutUint32(b[12:], uint32(h.RetCode))
	le.PutUint64(b[16:], h.StartTime)
	le.PutUint64(b[24:], h.EndTime)
	le.PutUint32(b[32:], h.Flags)
	b[36] = h.DataFlag
	b[37] = 0
	le.PutUint16(b[38:], h.WorkerID)
	le.PutUint64(b[40:], h.StepID)
	le.PutUint32(b[48:], h.DataLabel)
	le.PutUint32(b[52:], h.RouteLabel)
	clear(b[56:HeadMsgSize])
}

func (h *HeadMsg) get(b []byte) {
	_ = b[HeadMsgSize-1]
	le := binary.LittleEndian
	*h = HeadMsg{
		TransID:    le.Uint64(b[0:]),
		Version:    le.Uint16(b[8:]),
		MsgType:    le.Uint16(b[10:]),
		RetCode:    int32(le.Uint32(b[12:])),
		StartTime:  le.Uint64(b[16:]),
		EndTime:    le.Uint64(b[24:]),
		Flags:      le.Uint32(b[32:]),
		DataFlag:   b[36],
		WorkerID:   le.Uint16(b[38:]),
		StepID:     le.Uint64(b[40:]),
		DataLabel:  le.Uint32(b[48:]),
		RouteLabel: le.Uint32(b[52:]),
	}
}

// HeadRegion returns the head message bytes within priv.
func HeadRegion(priv []byte) ([]byte, error) {
	if len(priv) < MinPrivSize {
		return nil, fmt.Errorf(`%w: %d < %d`, ErrPrivTooSmall, len(priv), MinPrivSize)
	}
	return priv[len(priv)-HeadMsgSize:], nil
}

// DecodeHead reads the head message from priv.
func DecodeHead(priv []byte) (HeadMsg, error) {
	region, err := HeadRegion(priv)
	if err != nil {
		return HeadMsg{}, err
	}
	var h HeadMsg
	h.get(region)
	return h, nil
}

// EncodeHead writes the head message into priv.
func EncodeHead(priv []byte, h *HeadMsg) error {
	region, err := HeadRegion(priv)
	if err != nil {
		return err
	}
	h.put(region)
	return nil
}

func IsEOS(priv []byte) bool {
	return len(priv) >= MinPrivSize && priv[EOSOffset] == EOSMarker
}

func SetEOS(priv []byte, eos bool) error {
	if len(priv) < MinPrivSize {
		return fmt.Errorf(`%w: %d < %d`, ErrPrivTooSmall, len(priv), MinPrivSize)
	}
	if eos {
		priv[EOSOffset] = EOSMarker
	} else {
		priv[EOSOffset] = 0
	}
	return nil
}

// ReadHead reads the head message of buf.
func ReadHead(acc hal.MbufAccessor, buf hal.Mbuf) (HeadMsg, []byte, error) {
	priv, err := acc.PrivInfo(buf)
	if err != nil {
		return HeadMsg{}, nil, err
	}
	h, err := DecodeHead(priv)
	if err != nil {
		return HeadMsg{}, nil, err
	}
	return h, priv, nil
}

// CopyPriv copies the whole private region of src, including the head
// message and marker, into dst.
func CopyPriv(acc hal.MbufAccessor, src, dst hal.Mbuf) error {
	from, err := acc.PrivInfo(src)
	if err != nil {
		return err
	}
	to, err := acc.PrivInfo(dst)
	if err != nil {
		return err
	}
	if len(to) < len(from) {
		return fmt.Errorf(`%w: %d < %d`, ErrPrivTooSmall, len(to), len(from))
	}
	copy(to, from)
	return nil
}
