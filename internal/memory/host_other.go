//go:build !unix

package memory

import "unsafe"

// allocAligned over-allocates a Go slice and returns its first aligned window.
// The backing array is kept alive by the returned slice.
func allocAligned(size int) ([]byte, func([]byte) error, error) {
	buf := make([]byte, size+Alignment)
	addr := uintptr(unsafe.Pointer(&buf[0])) //nolint:gosec // unsafe is required for memory alignment
	offset := (Alignment - addr&(Alignment-1)) & (Alignment - 1)
	return buf[offset : offset+uintptr(size)], nil, nil
}
