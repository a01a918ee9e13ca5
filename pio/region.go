package pio

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Region is a device write window split into equally sized per-queue
// buffers.
type Region struct {
	mem     []byte
	bufSize int
}

// NewRegion allocates count buffers of bufSize bytes each.
func NewRegion(count, bufSize int) (*Region, error) {
	if count <= 0 || bufSize <= 0 {
		return nil, fmt.Errorf("invalid pio region: %d buffers of %d bytes", count, bufSize)
	}
	mem, err := unix.Mmap(-1, 0, count*bufSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate pio region: %w", err)
	}
	return &Region{mem: mem, bufSize: bufSize}, nil
}

// Count returns the number of buffers.
func (r *Region) Count() int {
	return len(r.mem) / r.bufSize
}

// Buffer returns buffer i and its offset inside the region.
func (r *Region) Buffer(i int) ([]byte, int) {
	off := i * r.bufSize
	return r.mem[off : off+r.bufSize : off+r.bufSize], off
}

// Bytes returns n bytes at offset off of the region, or nil when out of
// range.
func (r *Region) Bytes(off, n int) []byte {
	if off < 0 || n < 0 || off+n > len(r.mem) {
		return nil
	}
	return r.mem[off : off+n]
}

func (r *Region) Close() error {
	if r.mem == nil {
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem = nil
	return err
}
