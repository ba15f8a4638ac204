package mbuf

import (
	"testing"

	"github.com/joeycumines/go-aicpu/hal/halsim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeadMsg_layout(t *testing.T) {
	h := HeadMsg{
		TransID:    0x0102030405060708,
		Version:    1,
		MsgType:    2,
		RetCode:    -3,
		StartTime:  100,
		EndTime:    100,
		Flags:      0xF0,
		DataFlag:   DataFlagNullData,
		WorkerID:   7,
		StepID:     42,
		DataLabel:  5,
		RouteLabel: 6,
	}
	b, err := h.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, HeadMsgSize)
	assert.Equal(t, byte(0x08), b[0])
	assert.Equal(t, byte(0xFD), b[12])
	assert.Equal(t, byte(DataFlagNullData), b[36])
	assert.Equal(t, byte(42), b[40])

	var got HeadMsg
	require.NoError(t, got.UnmarshalBinary(b))
	assert.Equal(t, h, got)
	assert.Error(t, got.UnmarshalBinary(b[:10]))
}

func TestHeadMsg_nullData(t *testing.T) {
	var h HeadMsg
	assert.False(t, h.NullData())
	h.SetNullData(true)
	assert.True(t, h.NullData())
	h.SetNullData(false)
	assert.False(t, h.NullData())
}

func TestPriv_headAndEOS(t *testing.T) {
	priv := make([]byte, MinPrivSize)
	assert.False(t, IsEOS(priv))
	require.NoError(t, SetEOS(priv, true))
	assert.True(t, IsEOS(priv))

	h := HeadMsg{StepID: 9}
	require.NoError(t, EncodeHead(priv, &h))
	got, err := DecodeHead(priv)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), got.StepID)
	assert.True(t, IsEOS(priv), `head must not overlap the marker`)

	require.NoError(t, SetEOS(priv, false))
	assert.False(t, IsEOS(priv))

	small := make([]byte, MinPrivSize-1)
	_, err = DecodeHead(small)
	assert.ErrorIs(t, err, ErrPrivTooSmall)
	assert.ErrorIs(t, SetEOS(small, true), ErrPrivTooSmall)
	assert.False(t, IsEOS(small))
}

func TestCopyPriv(t *testing.T) {
	d := halsim.New()
	src, err := d.Alloc(1)
	require.NoError(t, err)
	dst, err := d.Alloc(1)
	require.NoError(t, err)

	priv, err := d.PrivInfo(src)
	require.NoError(t, err)
	require.NoError(t, EncodeHead(priv, &HeadMsg{TransID: 11, StepID: 3}))
	require.NoError(t, SetEOS(priv, true))

	require.NoError(t, CopyPriv(d, src, dst))
	h, dstPriv, err := ReadHead(d, dst)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), h.TransID)
	assert.Equal(t, uint64(3), h.StepID)
	assert.True(t, IsEOS(dstPriv))
}
