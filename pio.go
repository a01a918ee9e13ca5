package txpath

import (
	"fmt"

	"github.com/slackhq/txpath/packet"
	"github.com/slackhq/txpath/ring"
)

// usePIO reports whether pkt can go through the PIO buffer of q. A packet
// that does not fit the buffer the device attached, once padded to the write
// granularity, takes the copy or DMA path instead.
func (q *Queue) usePIO(pkt *packet.Packet) bool {
	return q.e.opts.pioEnabled && !pkt.More &&
		pkt.Len() <= q.e.opts.pioSize &&
		q.pioWriter != nil && q.pioPadded(pkt.Len()) <= len(q.pioBuf) &&
		q.e.dev.MayTxPIO(q)
}

// pioPadded rounds n up to the PIO write granularity.
func (q *Queue) pioPadded(n int) int {
	gran := q.e.opts.pioGran
	return (n + gran - 1) &^ (gran - 1)
}

// enqueuePIO stores pkt in the PIO buffer, padded to the device write
// granularity, and writes the option descriptor pointing at it.
func (q *Queue) enqueuePIO(pkt *packet.Packet) error {
	if padded := q.pioPadded(pkt.Len()); padded > len(q.pioBuf) {
		return fmt.Errorf("%w: %d bytes padded to %d, buffer holds %d",
			ErrPIOOverflow, pkt.Len(), padded, len(q.pioBuf))
	}

	w := q.pioWriter
	w.Reset(q.pioBuf)
	for _, f := range pkt.Fragments {
		w.Write(f)
	}
	w.Flush()

	b := q.ring.Reserve()
	b.Kind = ring.KindOption
	b.Option = ring.PIOOption(pkt.Len(), q.pioOffset, false)
	b.Packet = pkt
	q.ring.Commit()
	return nil
}
