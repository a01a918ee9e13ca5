package txpath

import (
	"github.com/sirupsen/logrus"
)

// Complete reports that the device has finished with every descriptor of q
// before read. The packets and frames of those descriptors are released in
// ring order and a stopped core queue is restarted once both of its queues
// drained to the wake threshold.
//
// Complete may run concurrently with transmits on q but not with another
// Complete for the same queue.
func (e *Engine) Complete(q *Queue, read uint32) error {
	q.completeMu.Lock()
	pkts, bytes, err := q.ring.Advance(read)
	q.completeMu.Unlock()
	if err != nil {
		e.l.WithError(err).WithField("queue", q.String()).Warn("Ignoring completion")
		return err
	}

	q.stats.completed.Inc(int64(pkts))
	q.stats.completedBytes.Inc(int64(bytes))

	if e.l.Level >= logrus.DebugLevel {
		e.l.WithField("queue", q.String()).
			WithField("read", read).
			WithField("packets", pkts).
			Debug("Completed descriptors")
	}

	if q.xdp {
		return nil
	}

	// The read counter was stored before the stopped flag is read, which
	// pairs with the stop then refresh order in maybeStop.
	if q.core.Stopped() && e.portEnabled.Load() && !e.dev.LoopbackSelftest() {
		fill := q.ring.Fill()
		if p := q.Partner(); p != nil {
			fill = max(fill, p.ring.Fill())
		}
		if fill <= uint32(e.opts.wakeThresh) {
			q.core.wake()
		}
	}
	return nil
}
