package txpath

import "fmt"

// fillLevel returns the fill level of q and its partner, whichever is
// higher, measured against the cached read counters.
func (q *Queue) fillLevel() uint32 {
	fill := q.ring.Insert() - q.oldReadCount
	if p := q.Partner(); p != nil {
		fill = max(fill, p.ring.Insert()-p.oldReadCount)
	}
	return fill
}

// maybeStop stops the core queue once q or its partner reaches the stop
// threshold. The upper layer sees both queues as one, so both have to drain
// before it may send again.
func (q *Queue) maybeStop() {
	thresh := uint32(q.e.opts.stopThresh)

	// The cached read counters make this a pessimistic estimate, which may
	// even exceed the ring size.
	if q.fillLevel() < thresh {
		return
	}

	// Stop first, then look at the live read counters. Completion checks the
	// stopped flag after advancing its counter, so one of the two sides
	// always sees the other's update and the queue can not stay stopped
	// with an empty ring.
	q.core.stop()
	q.oldReadCount = q.ring.Read()
	p := q.Partner()
	if p != nil {
		p.oldReadCount = p.ring.Read()
	}

	fill := q.fillLevel()
	if fill > q.ring.Size() {
		panic(fmt.Sprintf("%s: fill level %d beyond ring size %d", q, fill, q.ring.Size()))
	}
	if fill < thresh && !q.e.dev.LoopbackSelftest() {
		q.core.start()
	}
}
