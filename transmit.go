package txpath

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/txpath/dma"
	"github.com/slackhq/txpath/packet"
	"github.com/slackhq/txpath/ring"
)

// Xmit transmits pkt on the queue picked by [Engine.SelectQueue]. The
// engine owns pkt from here on: it is consumed once the device completed it
// or dropped, also when an error is returned.
//
// The caller should wait for the core queue to run, see
// [CoreQueue.WaitRunning]. Packets sent to a stopped queue are still
// accepted while the ring has room.
func (e *Engine) Xmit(pkt *packet.Packet) error {
	if e.closed.Load() {
		pkt.Drop()
		return ErrClosed
	}

	q := e.queueFor(e.SelectQueue(pkt), pkt)
	q.core.mu.Lock()
	defer q.core.mu.Unlock()
	return q.enqueue(pkt)
}

// TransmitOn transmits pkt on q, bypassing queue selection. Loopback tests
// use it to exercise a specific queue.
func (e *Engine) TransmitOn(q *Queue, pkt *packet.Packet) error {
	if e.closed.Load() {
		pkt.Drop()
		return ErrClosed
	}
	if q.xdp {
		pkt.Drop()
		return fmt.Errorf("%s only accepts frames", q)
	}

	q.core.mu.Lock()
	defer q.core.mu.Unlock()
	return q.enqueue(pkt)
}

// enqueue writes the descriptors of pkt, updates flow control and rings the
// doorbell unless more packets are expected. The core queue lock is held.
func (q *Queue) enqueue(pkt *packet.Packet) error {
	insert := q.ring.Insert()
	more := pkt.More
	length := pkt.Len()

	segments := pkt.Segments()
	if segments == 1 {
		// A single segment does not need segmentation.
		segments = 0
	}

	err := q.place(pkt, segments)
	if errors.Is(err, ErrTSOUnsupported) {
		q.ring.Unwind(insert)
		err = q.tsoFallback(pkt)
		q.stats.tsoFallbacks.Inc(1)
		if err == nil {
			return nil
		}
		err = fmt.Errorf("software segmentation failed: %w", err)
	}
	if err != nil {
		q.fail(pkt, insert, more, err)
		return err
	}

	q.maybeStop()

	if q.core.sent(length, more) {
		// The partner may hold descriptors left behind by an earlier
		// more hint. They would not be pushed until its next packet.
		if p := q.Partner(); p != nil && p.xmitMoreAvailable {
			p.push()
		}
		q.push()
	} else {
		q.xmitMoreAvailable = more
	}

	if segments > 0 {
		q.stats.tsoBursts.Inc(1)
		q.stats.tsoPackets.Inc(int64(segments))
		q.stats.txPackets.Inc(int64(segments))
	} else {
		q.stats.txPackets.Inc(1)
	}
	return nil
}

// place picks the placement path for pkt and writes its descriptors.
func (q *Queue) place(pkt *packet.Packet, segments int) error {
	if pkt.Len() == 0 {
		return ErrEmptyPacket
	}
	if need, free := q.descriptorsNeeded(pkt, segments), int(q.ring.Free()); need > free {
		return fmt.Errorf("%w: %d needed, %d free", ErrRingFull, need, free)
	}

	dataMapped := false
	switch {
	case segments > 0:
		var err error
		dataMapped, err = q.e.tso.HandleTSO(q, pkt)
		if err != nil {
			return err
		}

	case q.usePIO(pkt):
		if err := q.enqueuePIO(pkt); err != nil {
			return err
		}
		q.stats.pioPackets.Inc(1)
		dataMapped = true

	case pkt.Fragmented() && pkt.Len() <= q.e.opts.copyBreak:
		if err := q.enqueueCopy(pkt); err != nil {
			return err
		}
		q.stats.cbPackets.Inc(1)
		dataMapped = true
	}

	if !dataMapped {
		return q.mapData(pkt, segments)
	}
	return nil
}

// descriptorsNeeded returns the most descriptors pkt can take on any path.
func (q *Queue) descriptorsNeeded(pkt *packet.Packet, segments int) int {
	maxChunk := q.e.opts.maxChunk
	n := 0
	for _, f := range pkt.Fragments {
		n += (len(f) + maxChunk - 1) / maxChunk
	}
	if segments > 0 {
		// Option descriptor and split header.
		n += 2
	}
	return max(n, 1)
}

// mapData maps every fragment of pkt and writes one descriptor per chunk of
// at most maxChunk bytes. For segmentation the header in the head gets a
// descriptor of its own. The final descriptor takes ownership of pkt.
func (q *Queue) mapData(pkt *packet.Packet, segments int) error {
	hdrLen := 0
	if segments > 0 {
		hdrLen = pkt.HeaderLen()
	}

	var last *ring.Buffer
	for i, frag := range pkt.Fragments {
		if len(frag) == 0 {
			continue
		}

		base, err := q.e.mapper.Map(frag)
		if err != nil {
			return fmt.Errorf("failed to map fragment %d of %d bytes: %w", i, len(frag), err)
		}

		addr := base
		remaining := len(frag)
		if i == 0 && hdrLen > 0 && hdrLen < remaining {
			q.mapChunk(addr, hdrLen)
			q.stats.tsoLongHeaders.Inc(1)
			addr += dma.Addr(hdrLen)
			remaining -= hdrLen
		}

		for remaining > 0 {
			n := min(remaining, q.e.opts.maxChunk)
			last = q.mapChunk(addr, n)
			addr += dma.Addr(n)
			remaining -= n
		}

		// Only the last chunk of a mapping releases it.
		last.UnmapLen = uint32(len(frag))
		last.DMAOffset = uint32(last.Addr - base)
	}

	last.Cont = false
	last.Packet = pkt
	return nil
}

// mapChunk writes a descriptor for length bytes at addr.
func (q *Queue) mapChunk(addr dma.Addr, length int) *ring.Buffer {
	b := q.ring.Reserve()
	b.Kind = ring.KindMapped
	b.Addr = addr
	b.Len = uint32(length)
	b.Cont = true
	q.ring.Commit()
	return b
}

// fail unwinds everything written for pkt and drops it. Unless more packets
// are expected the doorbell is still rung so earlier packets do not sit in
// the ring of a queue that may go idle.
func (q *Queue) fail(pkt *packet.Packet, insert uint32, more bool, err error) {
	q.ring.Unwind(insert)
	pkt.Drop()
	q.stats.drops.Inc(1)

	if q.e.l.Level >= logrus.DebugLevel {
		q.e.l.WithError(err).
			WithField("queue", q.String()).
			WithField("len", pkt.Len()).
			Debug("Dropped packet")
	}

	if !more {
		if p := q.Partner(); p != nil && p.xmitMoreAvailable {
			p.push()
		}
		q.push()
	}
}
