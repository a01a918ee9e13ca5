package test

import (
	"fmt"
	"sync"

	"github.com/slackhq/txpath/dma"
)

// FlakyMapper is a pinning mapper that can be told to fail.
type FlakyMapper struct {
	*dma.PinMapper

	mu        sync.Mutex
	failAfter int
	maps      int
}

func NewFlakyMapper() *FlakyMapper {
	return &FlakyMapper{PinMapper: dma.NewPinMapper(0), failAfter: -1}
}

// FailAfter lets n more maps succeed and fails every map after them. A
// negative n never fails.
func (m *FlakyMapper) FailAfter(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAfter = n
}

// Maps returns the number of successful maps.
func (m *FlakyMapper) Maps() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maps
}

func (m *FlakyMapper) Map(b []byte) (dma.Addr, error) {
	m.mu.Lock()
	if m.failAfter == 0 {
		m.mu.Unlock()
		return 0, fmt.Errorf("%w: injected failure", dma.ErrMappingFailed)
	}
	if m.failAfter > 0 {
		m.failAfter--
	}
	m.mu.Unlock()

	addr, err := m.PinMapper.Map(b)
	if err == nil {
		m.mu.Lock()
		m.maps++
		m.mu.Unlock()
	}
	return addr, err
}
