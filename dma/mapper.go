// Package dma provides the address translation the transmit engine uses to
// make packet memory visible to a device.
package dma

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"unsafe"
)

// Addr is a device visible address.
type Addr uint64

// ErrMappingFailed is returned when memory can not be mapped for the device,
// usually because the mapping budget is exhausted.
var ErrMappingFailed = errors.New("dma mapping failed")

// Mapper maps memory for device access.
type Mapper interface {
	// Map makes b visible to the device and returns its address. It never
	// blocks; running out of mapping resources is reported as
	// ErrMappingFailed.
	Map(b []byte) (Addr, error)
	// Unmap releases a mapping previously returned by Map. addr and length
	// must describe the whole mapping.
	Unmap(addr Addr, length int)
}

// Memory gives a device access to mapped bytes.
type Memory interface {
	// Bytes returns n bytes of mapped memory starting at addr, or nil if the
	// range is not mapped.
	Bytes(addr Addr, n int) []byte
}

type mapping struct {
	buf    []byte
	pinner runtime.Pinner
}

// PinMapper maps Go memory by pinning it and using its virtual address as
// the device address. This is the model used by userspace drivers sharing
// memory with a vhost or AF_XDP style backend.
type PinMapper struct {
	mu       sync.Mutex
	mappings map[Addr]*mapping
	limit    int
}

// NewPinMapper returns a mapper allowing at most limit concurrent mappings.
// A limit of 0 means unlimited.
func NewPinMapper(limit int) *PinMapper {
	return &PinMapper{
		mappings: make(map[Addr]*mapping),
		limit:    limit,
	}
}

func (m *PinMapper) Map(b []byte) (Addr, error) {
	if len(b) == 0 {
		return 0, fmt.Errorf("%w: empty buffer", ErrMappingFailed)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.limit > 0 && len(m.mappings) >= m.limit {
		return 0, fmt.Errorf("%w: %d mappings in use", ErrMappingFailed, len(m.mappings))
	}

	addr := Addr(uintptr(unsafe.Pointer(unsafe.SliceData(b))))
	if _, ok := m.mappings[addr]; ok {
		return 0, fmt.Errorf("%w: address %#x is already mapped", ErrMappingFailed, addr)
	}

	mp := &mapping{buf: b}
	mp.pinner.Pin(unsafe.SliceData(b))
	m.mappings[addr] = mp
	return addr, nil
}

func (m *PinMapper) Unmap(addr Addr, length int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mp, ok := m.mappings[addr]
	if !ok {
		panic(fmt.Sprintf("unmap of unknown address %#x", addr))
	}
	if len(mp.buf) != length {
		panic(fmt.Sprintf("unmap of %#x with length %d, mapping has length %d", addr, length, len(mp.buf)))
	}

	mp.pinner.Unpin()
	delete(m.mappings, addr)
}

// Bytes resolves addr against the current mappings.
func (m *PinMapper) Bytes(addr Addr, n int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	for base, mp := range m.mappings {
		if addr < base || addr >= base+Addr(len(mp.buf)) {
			continue
		}
		off := int(addr - base)
		if off+n > len(mp.buf) {
			return nil
		}
		return mp.buf[off : off+n]
	}
	return nil
}

// InUse returns the number of live mappings.
func (m *PinMapper) InUse() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mappings)
}
