package txpath

import (
	"fmt"

	"github.com/slackhq/txpath/packet"
	"github.com/slackhq/txpath/ring"
)

// XDPTransmit enqueues prebuilt frames on the accelerated forwarding queue of
// processor cpu, one descriptor per frame. It stops at the first frame that
// does not fit the ring or can not be mapped. Frames that were not enqueued
// are returned to their owner. The doorbell is rung when flush is set and at
// least one frame went in.
//
// The number of enqueued frames is returned. A non-empty batch of which no
// frame could be enqueued fails with [ErrNothingAccepted].
func (e *Engine) XDPTransmit(cpu int, frames []*packet.Frame, flush bool) (int, error) {
	q := e.XDPQueue(cpu)
	if q == nil {
		return 0, fmt.Errorf("%w: cpu %d, %d queues", ErrNoXDPQueue, cpu, len(e.xdpQueues))
	}
	if len(frames) == 0 {
		return 0, nil
	}

	q.xdpMu.Lock()
	defer q.xdpMu.Unlock()

	if e.closed.Load() {
		for _, f := range frames {
			f.Return()
		}
		return 0, ErrClosed
	}

	space := int(q.ring.Size() + q.ring.Read() - q.ring.Insert())

	i := 0
	for ; i < len(frames) && i < space; i++ {
		f := frames[i]
		addr, err := e.mapper.Map(f.Data)
		if err != nil {
			break
		}

		b := q.ring.Reserve()
		b.Kind = ring.KindFrame
		b.Addr = addr
		b.Len = uint32(len(f.Data))
		b.UnmapLen = uint32(len(f.Data))
		b.Frame = f
		q.ring.Commit()
	}
	q.stats.txPackets.Inc(int64(i))

	if flush && i > 0 {
		q.push()
	}

	for _, f := range frames[i:] {
		f.Return()
	}

	if i == 0 {
		return 0, fmt.Errorf("%w: %d frames on %s", ErrNothingAccepted, len(frames), q)
	}
	return i, nil
}
