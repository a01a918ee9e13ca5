package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestPacket_Lengths(t *testing.T) {
	p := New(nil, []byte{1, 2, 3}, nil, []byte{4, 5})
	assert.Equal(t, 5, p.Len())
	assert.Equal(t, 3, p.HeadLen())
	assert.True(t, p.Fragmented())
	assert.Equal(t, NoQueueMapping, p.QueueMapping)

	p = New(nil, []byte{1, 2, 3}, []byte{})
	assert.False(t, p.Fragmented())
	assert.Equal(t, []byte{1, 2, 3}, p.Linearize())

	p = New(nil)
	assert.Equal(t, 0, p.Len())
	assert.Equal(t, 0, p.HeadLen())
	assert.False(t, p.Fragmented())
	assert.Nil(t, p.Linearize())
}

func TestPacket_Linearize(t *testing.T) {
	p := New(nil, []byte{1, 2}, []byte{3}, []byte{4, 5, 6})
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, p.Linearize())

	short := make([]byte, 4)
	assert.Equal(t, 4, p.CopyTo(short))
	assert.Equal(t, []byte{1, 2, 3, 4}, short)
}

func TestPacket_Segments(t *testing.T) {
	p := New(nil, make([]byte, 40), make([]byte, 250))
	assert.Equal(t, 0, p.Segments())

	p.Hdr.GSOType = unix.VIRTIO_NET_HDR_GSO_TCPV4
	p.Hdr.HdrLen = 40
	p.Hdr.GSOSize = 100
	assert.Equal(t, 3, p.Segments())

	p.GSOSegs = 7
	assert.Equal(t, 7, p.Segments())
}

func TestPacket_Release(t *testing.T) {
	var calls []bool
	p := New(func(_ *Packet, consumed bool) { calls = append(calls, consumed) }, []byte{1})

	assert.False(t, p.Released())
	p.Consume()
	assert.True(t, p.Released())
	assert.Equal(t, []bool{true}, calls)

	assert.Panics(t, func() { p.Drop() })
	assert.Equal(t, []bool{true}, calls)
}

func TestPacket_Derive(t *testing.T) {
	var consumed int
	p := New(func(_ *Packet, c bool) {
		if c {
			consumed++
		}
	}, make([]byte, 10))
	p.More = true
	p.Hash = 42
	p.Priority = 1
	p.QueueMapping = 3
	p.ChecksumPartial = true
	p.Hdr.GSOType = unix.VIRTIO_NET_HDR_GSO_TCPV4

	d := p.Derive([]byte{9})
	assert.Equal(t, [][]byte{{9}}, d.Fragments)
	assert.True(t, d.More)
	assert.EqualValues(t, 42, d.Hash)
	assert.Equal(t, 1, d.Priority)
	assert.Equal(t, 3, d.QueueMapping)
	assert.False(t, d.ChecksumPartial)
	assert.False(t, d.Hdr.IsGSO())

	d.Consume()
	p.Consume()
	assert.Equal(t, 2, consumed)
}

func TestFrame_Return(t *testing.T) {
	var sent []bool
	f := NewFrame([]byte{1, 2, 3}, func(_ *Frame, s bool) { sent = append(sent, s) })
	assert.Equal(t, 3, f.Len())
	f.Return()
	assert.True(t, f.Returned())
	assert.Equal(t, []bool{false}, sent)
	assert.Panics(t, func() { f.Complete() })
}
