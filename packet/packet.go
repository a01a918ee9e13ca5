package packet

import (
	"fmt"

	"github.com/slackhq/txpath/util/virtio"
	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// NoQueueMapping marks a packet that has not been steered to a queue yet.
const NoQueueMapping = -1

// Packet is an outbound IP packet handed to the transmit engine. The engine
// owns it from the moment it is submitted until it calls either Consume or
// Drop, exactly once.
type Packet struct {
	// Fragments hold the packet bytes. Fragments[0] is the linear head and
	// must contain the network header; further entries are paged data.
	Fragments [][]byte

	// Hdr carries the segmentation and checksum offload request.
	Hdr virtio.NetHdr

	// GSOSegs is the number of segments the upper layer computed for a GSO
	// packet. When zero it is derived from Hdr.
	GSOSegs int

	// ChecksumPartial is set when the transport checksum is left to the
	// device. Such packets go to the offload queue of a channel.
	ChecksumPartial bool

	// More is the hint that another packet follows immediately, which lets
	// the engine defer the doorbell.
	More bool

	// Hash is the flow hash used to spread packets across channels.
	Hash uint32

	// Priority selects the traffic class.
	Priority int

	// QueueMapping is the upstream queue index, or NoQueueMapping.
	QueueMapping int

	onRelease func(p *Packet, consumed bool)
	released  atomicbitops.Bool
}

// New returns a packet over the given fragments. onRelease, if not nil, is
// called once the engine is finished with the packet.
func New(onRelease func(p *Packet, consumed bool), fragments ...[]byte) *Packet {
	return &Packet{
		Fragments:    fragments,
		QueueMapping: NoQueueMapping,
		onRelease:    onRelease,
	}
}

// Len returns the total number of bytes in the packet.
func (p *Packet) Len() int {
	n := 0
	for _, f := range p.Fragments {
		n += len(f)
	}
	return n
}

// HeadLen returns the length of the linear head.
func (p *Packet) HeadLen() int {
	if len(p.Fragments) == 0 {
		return 0
	}
	return len(p.Fragments[0])
}

// Fragmented reports whether the packet carries data beyond its linear head.
func (p *Packet) Fragmented() bool {
	for _, f := range p.Fragments[min(1, len(p.Fragments)):] {
		if len(f) > 0 {
			return true
		}
	}
	return false
}

// Segments returns the number of segments requested by the upper layer, 0
// for packets without a segmentation request.
func (p *Packet) Segments() int {
	if !p.Hdr.IsGSO() {
		return 0
	}
	if p.GSOSegs > 0 {
		return p.GSOSegs
	}
	return p.Hdr.Segments(p.Len())
}

// HeaderLen returns the number of header bytes replicated into each segment.
func (p *Packet) HeaderLen() int {
	return int(p.Hdr.HdrLen)
}

// CopyTo copies the packet bytes into dst and returns the number of bytes
// copied.
func (p *Packet) CopyTo(dst []byte) int {
	n := 0
	for _, f := range p.Fragments {
		c := copy(dst[n:], f)
		n += c
		if c < len(f) {
			break
		}
	}
	return n
}

// Linearize returns the packet as a single byte slice. The head is returned
// as is when the packet is not fragmented.
func (p *Packet) Linearize() []byte {
	if !p.Fragmented() {
		if len(p.Fragments) == 0 {
			return nil
		}
		return p.Fragments[0]
	}
	b := make([]byte, p.Len())
	p.CopyTo(b)
	return b
}

// Derive returns a new single-fragment packet carrying b that inherits the
// steering and hint fields of p but no offload request.
func (p *Packet) Derive(b []byte) *Packet {
	return &Packet{
		Fragments:    [][]byte{b},
		More:         p.More,
		Hash:         p.Hash,
		Priority:     p.Priority,
		QueueMapping: p.QueueMapping,
		onRelease:    p.onRelease,
	}
}

// Consume releases the packet after it was transmitted.
func (p *Packet) Consume() {
	p.release(true)
}

// Drop releases the packet without transmitting it.
func (p *Packet) Drop() {
	p.release(false)
}

// Released reports whether Consume or Drop has been called.
func (p *Packet) Released() bool {
	return p.released.Load()
}

func (p *Packet) release(consumed bool) {
	if p.released.Swap(true) {
		panic(fmt.Sprintf("packet released twice (consumed=%v, len=%d)", consumed, p.Len()))
	}
	if p.onRelease != nil {
		p.onRelease(p, consumed)
	}
}
