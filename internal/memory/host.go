package memory

import (
	"errors"
	"fmt"
	"unsafe"
)

// Alignment is the byte alignment of every host buffer, matching the DMA
// alignment accelerator runtimes expect for zero-copy transfers.
const Alignment = 64

var (
	ErrUnaligned = errors.New("host buffer is not aligned")
	ErrFreed     = errors.New("host buffer already freed")
)

// HostBuffer is an aligned, fixed-size host allocation of int32 elements.
type HostBuffer struct {
	data  []int32
	raw   []byte
	unmap func([]byte) error
}

// NewHostBuffer allocates an aligned buffer of elements int32 values, zeroed.
func NewHostBuffer(elements int) (*HostBuffer, error) {
	if elements <= 0 {
		return nil, fmt.Errorf("host buffer of %d elements", elements)
	}
	raw, unmap, err := allocAligned(elements * 4)
	if err != nil {
		return nil, fmt.Errorf("allocate %d byte host buffer: %w", elements*4, err)
	}
	data := unsafe.Slice((*int32)(unsafe.Pointer(&raw[0])), elements) //nolint:gosec // raw is at least Alignment aligned
	if !IsAligned(data) {
		if unmap != nil {
			_ = unmap(raw)
		}
		return nil, ErrUnaligned
	}
	return &HostBuffer{data: data, raw: raw, unmap: unmap}, nil
}

// Int32s returns the buffer contents. The slice is invalid after Free.
func (h *HostBuffer) Int32s() []int32 {
	return h.data
}

// Len returns the number of elements
func (h *HostBuffer) Len() int {
	return len(h.data)
}

// Free returns the memory to the system. Freeing twice returns ErrFreed.
func (h *HostBuffer) Free() error {
	if h.raw == nil {
		return ErrFreed
	}
	raw := h.raw
	h.raw, h.data = nil, nil
	if h.unmap == nil {
		return nil
	}
	return h.unmap(raw)
}

// IsAligned reports whether buf starts on an Alignment boundary.
func IsAligned(buf []int32) bool {
	if len(buf) == 0 {
		return false
	}
	return uintptr(unsafe.Pointer(&buf[0]))%Alignment == 0 //nolint:gosec // address inspection only
}
