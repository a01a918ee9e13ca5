package txpath

import (
	"context"
	"fmt"
	"sync"

	"github.com/rcrowley/go-metrics"
	"github.com/slackhq/txpath/dma"
	"github.com/slackhq/txpath/pio"
	"github.com/slackhq/txpath/ring"
	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// QueueType is the type bitmask of a queue inside its channel.
type QueueType uint8

const (
	// TypeOffload queues carry packets with checksum offload.
	TypeOffload QueueType = 1 << iota
	// TypeHighPri queues carry the high priority traffic class.
	TypeHighPri

	// queueTypes is the number of queues per channel.
	queueTypes = 4
)

func (t QueueType) String() string {
	s := "plain"
	if t&TypeOffload != 0 {
		s = "offload"
	}
	if t&TypeHighPri != 0 {
		s += "+highpri"
	}
	return s
}

// CoreQueue is the queue state the upper layer sees. A channel's normal and
// offload queue of one priority share a core queue, which is stopped and
// restarted for both of them.
type CoreQueue struct {
	index int

	// mu serializes transmits to the queues behind this core queue.
	mu      sync.Mutex
	stopped atomicbitops.Bool
	wakeCh  chan struct{}

	stops metrics.Counter
	wakes metrics.Counter
	bytes metrics.Counter
}

func newCoreQueue(index int, r metrics.Registry, prefix string) *CoreQueue {
	name := fmt.Sprintf("%s.core.%d.", prefix, index)
	return &CoreQueue{
		index:  index,
		wakeCh: make(chan struct{}, 1),
		stops:  metrics.GetOrRegisterCounter(name+"stops", r),
		wakes:  metrics.GetOrRegisterCounter(name+"wakes", r),
		bytes:  metrics.GetOrRegisterCounter(name+"bytes", r),
	}
}

// Index returns the upper layer queue index.
func (c *CoreQueue) Index() int {
	return c.index
}

// Stopped reports whether the upper layer should hold off transmitting.
func (c *CoreQueue) Stopped() bool {
	return c.stopped.Load()
}

// WaitRunning blocks until the queue is running or ctx is done.
func (c *CoreQueue) WaitRunning(ctx context.Context) error {
	for c.Stopped() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.wakeCh:
		}
	}
	return nil
}

func (c *CoreQueue) stop() {
	if !c.stopped.Swap(true) {
		c.stops.Inc(1)
	}
}

// start restarts the queue from the transmit path.
func (c *CoreQueue) start() {
	c.stopped.Store(false)
	c.signal()
}

// wake restarts the queue from the completion path.
func (c *CoreQueue) wake() {
	if c.stopped.Swap(false) {
		c.wakes.Inc(1)
	}
	c.signal()
}

func (c *CoreQueue) signal() {
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

// sent accounts a transmitted packet and reports whether the doorbell has to
// be rung now.
func (c *CoreQueue) sent(bytes int, more bool) bool {
	c.bytes.Inc(int64(bytes))
	return !more || c.Stopped()
}

// Queue is one hardware transmit queue.
type Queue struct {
	e       *Engine
	label   int
	channel int
	typ     QueueType
	xdp     bool

	ring *ring.Ring
	core *CoreQueue

	// Producer state. Guarded by the core queue lock, or xdpMu for
	// accelerated forwarding queues.
	oldReadCount      uint32
	xmitMoreAvailable bool
	cbPages           []*dma.Buffer
	pioBuf            []byte
	pioOffset         int
	pioWriter         *pio.Writer
	descs             []ring.Descriptor

	// completeMu serializes completion with reset.
	completeMu sync.Mutex
	xdpMu      sync.Mutex

	initialised bool
	stats       queueStats
}

func newQueue(e *Engine, label, channel int, typ QueueType, xdp bool) (*Queue, error) {
	r, err := ring.New(e.opts.ringSize, e.mapper)
	if err != nil {
		return nil, err
	}

	prefix := e.opts.metricPrefix
	if xdp {
		prefix += ".xdp"
	}

	q := &Queue{
		e:       e,
		label:   label,
		channel: channel,
		typ:     typ,
		xdp:     xdp,
		ring:    r,
		cbPages: make([]*dma.Buffer, copyBreakPages(e.opts.ringSize, e.pageSize)),
		descs:   make([]ring.Descriptor, 0, e.opts.maxDescs),
		stats:   newQueueStats(e.opts.registry, fmt.Sprintf("%s.%d", prefix, label)),
	}
	return q, nil
}

// init readies the queue for transmitting: counters start at zero and the
// device gets a chance to attach its resources.
func (q *Queue) init() {
	q.oldReadCount = 0
	q.xmitMoreAvailable = false
	q.pioBuf = nil
	q.pioWriter = nil
	q.e.dev.InitQueue(q)
	q.initialised = true
}

// Label returns the queue number: channel*4 + type, or the processor index
// for accelerated forwarding queues.
func (q *Queue) Label() int {
	return q.label
}

// Channel returns the channel the queue belongs to.
func (q *Queue) Channel() int {
	return q.channel
}

// Type returns the queue type inside its channel.
func (q *Queue) Type() QueueType {
	return q.typ
}

// IsXDP reports whether this is an accelerated forwarding queue.
func (q *Queue) IsXDP() bool {
	return q.xdp
}

func (q *Queue) String() string {
	if q.xdp {
		return fmt.Sprintf("xdp%d", q.label)
	}
	return fmt.Sprintf("txq%d(ch%d,%s)", q.label, q.channel, q.typ)
}

// Ring returns the descriptor ring.
func (q *Queue) Ring() *ring.Ring {
	return q.ring
}

// Core returns the core queue, nil for accelerated forwarding queues.
func (q *Queue) Core() *CoreQueue {
	return q.core
}

// Partner returns the queue sharing the core queue: the offload twin of a
// plain queue and the other way around.
func (q *Queue) Partner() *Queue {
	if q.xdp {
		return nil
	}
	return q.e.queues[q.label^int(TypeOffload)]
}

// Idle reports whether every descriptor ever written has completed.
func (q *Queue) Idle() bool {
	return q.ring.Idle()
}

// SetPIOBuffer attaches a device write window. offset is the position of
// buf inside the device's PIO address space. A nil buf detaches.
func (q *Queue) SetPIOBuffer(buf []byte, offset int) {
	q.pioBuf = buf
	q.pioOffset = offset
	q.pioWriter = nil
	if buf != nil {
		q.pioWriter = pio.NewWriter(buf, q.e.opts.pioGran)
	}
}

// PIOBuffer returns the attached PIO window and its offset.
func (q *Queue) PIOBuffer() ([]byte, int) {
	return q.pioBuf, q.pioOffset
}

// InsertOption writes an option descriptor. It is meant for
// [SegmentationOffload] implementations and must only be called from one.
func (q *Queue) InsertOption(opt ring.Option) {
	b := q.ring.Reserve()
	b.Kind = ring.KindOption
	b.Option = opt
	b.Cont = true
	q.ring.Commit()
}

// push hands all descriptors written since the last push to the device.
func (q *Queue) push() {
	q.xmitMoreAvailable = false
	if q.ring.Pending() == 0 {
		return
	}
	q.descs = q.ring.Push(q.descs[:0])
	q.stats.pushes.Inc(1)
	q.e.dev.Push(q, q.descs)
}

// reset releases everything the ring still owns and zeroes its counters.
func (q *Queue) reset() int {
	q.completeMu.Lock()
	defer q.completeMu.Unlock()

	n := q.ring.Drain()
	q.oldReadCount = 0
	q.xmitMoreAvailable = false
	return n
}
