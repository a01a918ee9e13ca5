package txpath

import (
	"fmt"

	"github.com/slackhq/txpath/dma"
	"github.com/slackhq/txpath/packet"
	"github.com/slackhq/txpath/ring"
)

// copyBreakPages returns the number of pages needed to give every slot of a
// ring its own copy-break slot.
func copyBreakPages(entries, pageSize int) int {
	return (entries<<CopyBreakOrder + pageSize - 1) / pageSize
}

// copyBuffer returns the copy-break slot tied to the insert position of the
// ring and its device address. The backing page is allocated and mapped on
// first use.
func (q *Queue) copyBuffer() ([]byte, dma.Addr, error) {
	e := q.e
	index := q.ring.Insert() & (q.ring.Size() - 1)
	page := index >> (e.pageShift - CopyBreakOrder)
	offset := int((index<<CopyBreakOrder)+netIPAlign) & (e.pageSize - 1)

	buf := q.cbPages[page]
	if buf == nil {
		var err error
		buf, err = dma.AllocCoherent(e.mapper, e.pageSize)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %w", ErrCopyBufferUnavailable, err)
		}
		q.cbPages[page] = buf
	}

	return buf.Data[offset : offset+CopyBreakSize], buf.Addr + dma.Addr(offset), nil
}

// enqueueCopy copies a short fragmented packet into its copy-break slot and
// writes a single descriptor for it.
func (q *Queue) enqueueCopy(pkt *packet.Packet) error {
	dst, addr, err := q.copyBuffer()
	if err != nil {
		return err
	}
	n := pkt.CopyTo(dst)

	b := q.ring.Reserve()
	b.Kind = ring.KindCopy
	b.Addr = addr
	b.Len = uint32(n)
	b.Packet = pkt
	q.ring.Commit()
	return nil
}
