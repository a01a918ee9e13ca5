package dma

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPinMapper_MapUnmap(t *testing.T) {
	m := NewPinMapper(0)
	b := []byte{1, 2, 3, 4, 5, 6, 7, 8}

	addr, err := m.Map(b)
	require.NoError(t, err)
	assert.NotZero(t, addr)
	assert.Equal(t, 1, m.InUse())

	assert.Equal(t, []byte{3, 4, 5}, m.Bytes(addr+2, 3))
	assert.Nil(t, m.Bytes(addr+6, 4))
	assert.Nil(t, m.Bytes(addr+8, 1))

	_, err = m.Map(b)
	assert.ErrorIs(t, err, ErrMappingFailed)

	m.Unmap(addr, len(b))
	assert.Equal(t, 0, m.InUse())
	assert.Nil(t, m.Bytes(addr, 1))

	assert.Panics(t, func() { m.Unmap(addr, len(b)) })
}

func TestPinMapper_Limit(t *testing.T) {
	m := NewPinMapper(2)
	a, err := m.Map(make([]byte, 16))
	require.NoError(t, err)
	_, err = m.Map(make([]byte, 16))
	require.NoError(t, err)

	_, err = m.Map(make([]byte, 16))
	assert.ErrorIs(t, err, ErrMappingFailed)

	m.Unmap(a, 16)
	_, err = m.Map(make([]byte, 16))
	assert.NoError(t, err)
}

func TestPinMapper_Empty(t *testing.T) {
	m := NewPinMapper(0)
	_, err := m.Map(nil)
	assert.ErrorIs(t, err, ErrMappingFailed)
}

func TestAllocCoherent(t *testing.T) {
	m := NewPinMapper(0)
	buf, err := AllocCoherent(m, 4096)
	require.NoError(t, err)
	assert.Len(t, buf.Data, 4096)

	buf.Data[100] = 0xaa
	assert.Equal(t, []byte{0xaa}, m.Bytes(buf.Addr+100, 1))

	require.NoError(t, buf.Free(m))
	assert.Equal(t, 0, m.InUse())
	assert.NoError(t, buf.Free(m))
}

func TestAllocCoherent_MapFailure(t *testing.T) {
	m := NewPinMapper(1)
	_, err := m.Map(make([]byte, 1))
	require.NoError(t, err)

	_, err = AllocCoherent(m, 4096)
	assert.ErrorIs(t, err, ErrMappingFailed)
}
