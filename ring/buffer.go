package ring

import (
	"fmt"

	"github.com/slackhq/txpath/dma"
	"github.com/slackhq/txpath/packet"
)

// Kind tags the content of a [Buffer].
type Kind uint8

const (
	// KindNone marks a free slot.
	KindNone Kind = iota
	// KindMapped is a chunk of DMA mapped packet memory.
	KindMapped
	// KindCopy is a copy of a short packet inside a pre-mapped page.
	KindCopy
	// KindOption is an option descriptor.
	KindOption
	// KindFrame is a mapped accelerated forwarding frame.
	KindFrame
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindMapped:
		return "mapped"
	case KindCopy:
		return "copy"
	case KindOption:
		return "option"
	case KindFrame:
		return "frame"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Buffer is the software state of one ring slot.
type Buffer struct {
	Kind Kind

	// Cont is set when more slots of the same packet follow.
	Cont bool

	// Addr and Len describe the data of mapped, copy and frame slots.
	Addr dma.Addr
	Len  uint32

	// Option is the option word of option slots.
	Option Option

	// UnmapLen is the length of the whole mapping this slot ends. It is only
	// non-zero on the last slot of a mapping, which is the one releasing it.
	UnmapLen uint32
	// DMAOffset is the offset of Addr into the mapping released by this slot.
	DMAOffset uint32

	// Packet is set on the final slot of a packet; that slot owns it.
	Packet *packet.Packet
	// Frame is set on frame slots.
	Frame *packet.Frame
}

// OwnsMapping reports whether releasing the slot releases a DMA mapping.
func (b *Buffer) OwnsMapping() bool {
	return b.UnmapLen != 0
}

// Descriptor returns the device view of the slot.
func (b *Buffer) Descriptor(index uint32) Descriptor {
	return Descriptor{
		Index:  index,
		Addr:   b.Addr,
		Len:    b.Len,
		Cont:   b.Cont,
		Option: b.Option,
	}
}

// release frees everything the slot owns and clears it. completed is false
// when the slot is released without having been sent.
func (b *Buffer) release(m dma.Mapper, completed bool) (pkts, bytes int) {
	if b.Kind == KindNone {
		panic("release of a free ring slot")
	}

	if b.OwnsMapping() {
		m.Unmap(b.Addr-dma.Addr(b.DMAOffset), int(b.UnmapLen))
	}

	switch b.Kind {
	case KindFrame:
		if b.Frame != nil {
			bytes = b.Frame.Len()
			pkts = 1
			if completed {
				b.Frame.Complete()
			} else {
				b.Frame.Return()
			}
		}
	default:
		if b.Packet != nil {
			bytes = b.Packet.Len()
			pkts = 1
			if completed {
				b.Packet.Consume()
			} else {
				b.Packet.Drop()
			}
		}
	}

	*b = Buffer{}
	return pkts, bytes
}
