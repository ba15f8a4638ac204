package hal_test

import (
	"testing"

	"github.com/joeycumines/go-aicpu/hal"
	"github.com/joeycumines/go-aicpu/hal/halsim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestU64List(t *testing.T) {
	d := halsim.New()
	base, err := d.Malloc(24)
	require.NoError(t, err)

	_, err = hal.NewU64List(d, 0, 3)
	assert.ErrorIs(t, err, hal.ErrNullAddress)

	l, err := hal.NewU64List(d, base, 3)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), l.Len())
	for i := range uint32(3) {
		require.NoError(t, l.Set(i, uint64(i+1)*100))
	}
	assert.ErrorIs(t, l.Set(3, 1), hal.ErrIndexOutOfRange)
	_, err = l.At(3)
	assert.ErrorIs(t, err, hal.ErrIndexOutOfRange)

	v, err := l.At(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), v)

	all, err := l.Values()
	require.NoError(t, err)
	assert.Equal(t, []uint64{100, 200, 300}, all)
}

func TestU32List(t *testing.T) {
	d := halsim.New()
	base, err := d.Malloc(8)
	require.NoError(t, err)
	l, err := hal.NewU32List(d, base, 2)
	require.NoError(t, err)
	require.NoError(t, l.Set(0, 7))
	require.NoError(t, l.Set(1, 9))
	all, err := l.Values()
	require.NoError(t, err)
	assert.Equal(t, []uint32{7, 9}, all)
	_, err = l.At(2)
	assert.ErrorIs(t, err, hal.ErrIndexOutOfRange)
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, hal.CodeNone, hal.CodeOf(nil))
	assert.Equal(t, hal.CodeQueueFull, hal.CodeOf(hal.CodeQueueFull))
	assert.Equal(t, hal.CodeFailed, hal.CodeOf(assert.AnError))
	assert.Equal(t, `hal: queue empty`, hal.CodeQueueEmpty.Error())
	assert.Equal(t, `hal: code 99`, hal.Code(99).Error())
	assert.Equal(t, `queue_not_full`, hal.EventQueueNotFull.String())
}
