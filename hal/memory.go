package hal

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrNullAddress is returned when constructing a view over address 0.
	ErrNullAddress = errors.New(`hal: null address`)

	// ErrIndexOutOfRange is returned by list views, for indexes beyond their
	// declared length.
	ErrIndexOutOfRange = errors.New(`hal: index out of range`)
)

type (
	// U32List is a bounds-checked view of a little endian uint32 array in
	// device memory.
	U32List struct {
		mem  Memory
		base uint64
		n    uint32
	}

	// U64List is a bounds-checked view of a little endian uint64 array in
	// device memory.
	U64List struct {
		mem  Memory
		base uint64
		n    uint32
	}
)

func ReadU32(mem Memory, addr uint64) (uint32, error) {
	var b [4]byte
	if err := mem.ReadAt(b[:], addr); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func ReadU64(mem Memory, addr uint64) (uint64, error) {
	var b [8]byte
	if err := mem.ReadAt(b[:], addr); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func WriteU32(mem Memory, addr uint64, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return mem.WriteAt(b[:], addr)
}

func WriteU64(mem Memory, addr uint64, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return mem.WriteAt(b[:], addr)
}

// NewU32List returns a view of n uint32 values at base, which must be
// non-zero.
func NewU32List(mem Memory, base uint64, n uint32) (U32List, error) {
	if base == 0 {
		return U32List{}, ErrNullAddress
	}
	return U32List{mem: mem, base: base, n: n}, nil
}

func (x U32List) Len() uint32 { return x.n }

func (x U32List) At(i uint32) (uint32, error) {
	if i >= x.n {
		return 0, fmt.Errorf(`%w: %d >= %d`, ErrIndexOutOfRange, i, x.n)
	}
	return ReadU32(x.mem, x.base+uint64(i)*4)
}

func (x U32List) Set(i uint32, v uint32) error {
	if i >= x.n {
		return fmt.Errorf(`%w: %d >= %d`, ErrIndexOutOfRange, i, x.n)
	}
	return WriteU32(x.mem, x.base+uint64(i)*4, v)
}

// NewU64List returns a view of n uint64 values at base, which must be
// non-zero.
func NewU64List(mem Memory, base uint64, n uint32) (U64List, error) {
	if base == 0 {
		return U64List{}, ErrNullAddress
	}
	return U64List{mem: mem, base: base, n: n}, nil
}

func (x U64List) Len() uint32 { return x.n }

func (x U64List) At(i uint32) (uint64, error) {
	if i >= x.n {
		return 0, fmt.Errorf(`%w: %d >= %d`, ErrIndexOutOfRange, i, x.n)
	}
	return ReadU64(x.mem, x.base+uint64(i)*8)
}

func (x U64List) Set(i uint32, v uint64) error {
	if i >= x.n {
		return fmt.Errorf(`%w: %d >= %d`, ErrIndexOutOfRange, i, x.n)
	}
	return WriteU64(x.mem, x.base+uint64(i)*8, v)
}

// Values reads the whole list.
func (x U64List) Values() ([]uint64, error) {
	b := make([]byte, int(x.n)*8)
	if err := x.mem.ReadAt(b, x.base); err != nil {
		return nil, err
	}
	out := make([]uint64, x.n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint64(b[i*8:])
	}
	return out, nil
}

// Values reads the whole list.
func (x U32List) Values() ([]uint32, error) {
	b := make([]byte, int(x.n)*4)
	if err := x.mem.ReadAt(b, x.base); err != nil {
		return nil, err
	}
	out := make([]uint32, x.n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return out, nil
}
