package dma

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Buffer is a long lived, device mapped memory area.
type Buffer struct {
	Data []byte
	Addr Addr
}

// AllocCoherent allocates size bytes outside of the Go heap and maps them
// with m.
func AllocCoherent(m Mapper, size int) (*Buffer, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("allocate coherent buffer: %w", err)
	}

	addr, err := m.Map(data)
	if err != nil {
		return nil, errors.Join(err, unix.Munmap(data))
	}

	return &Buffer{Data: data, Addr: addr}, nil
}

// Free unmaps the buffer from the device and releases its memory.
func (b *Buffer) Free(m Mapper) error {
	if b.Data == nil {
		return nil
	}
	m.Unmap(b.Addr, len(b.Data))
	err := unix.Munmap(b.Data)
	b.Data = nil
	return err
}
