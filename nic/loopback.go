// Package nic implements a software device for the transmit engine. It reads
// every pushed descriptor back out of mapped memory and the PIO window,
// reassembles the packets and reports completions from its own goroutine, the
// way a NIC would from its event queue.
package nic

import (
	"errors"
	"fmt"
	"sync"

	"github.com/eapache/queue"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/txpath"
	"github.com/slackhq/txpath/dma"
	"github.com/slackhq/txpath/nic/eventfd"
	"github.com/slackhq/txpath/pio"
	"github.com/slackhq/txpath/ring"
	"github.com/slackhq/txpath/util"
	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// Transmitted is a packet as the device put it on the wire.
type Transmitted struct {
	// Queue is the label of the queue the packet was sent on.
	Queue int
	XDP   bool
	Data  []byte

	// PIO is set when the packet was read from the PIO window.
	PIO bool
	// MSS and Segments are set when the packet came with a TSO option.
	MSS         int
	Segments    int
	Descriptors int
}

// Sink receives transmitted packets on the device goroutine. It must not
// call back into the engine.
type Sink func(Transmitted)

type job struct {
	q     *txpath.Queue
	gen   uint64
	descs []ring.Descriptor
}

type assembly struct {
	Transmitted
}

// Loopback is a software transmit device.
type Loopback struct {
	l      *logrus.Logger
	mem    dma.Memory
	region *pio.Region
	opts   optionValues

	mu        sync.Mutex
	pending   *queue.Queue
	gens      map[*txpath.Queue]uint64
	completer txpath.Completer
	paused    bool

	selftest atomicbitops.Bool
	closed   atomicbitops.Bool

	doorbell *eventfd.EventFD
	epoll    *eventfd.Epoll
	done     chan struct{}

	// partial is only touched by the device goroutine.
	partial map[*txpath.Queue]*assembly

	packets     metrics.Counter
	bytes       metrics.Counter
	doorbells   metrics.Counter
	completions metrics.Counter
	errors      metrics.Counter
}

// NewLoopback creates the device and starts its goroutine. Descriptors
// are resolved to bytes through mem, which must see every mapping made by
// the engine's mapper.
func NewLoopback(l *logrus.Logger, mem dma.Memory, options ...Option) (_ *Loopback, err error) {
	opts := optionDefaults
	opts.apply(options)
	if err := opts.validate(); err != nil {
		return nil, util.NewContextualError("Invalid loopback device options", map[string]any{
			"pio_buffers": opts.pioBuffers,
			"pio_size":    opts.pioSize,
		}, err)
	}
	if opts.registry == nil {
		opts.registry = metrics.NewRegistry()
	}

	lb := &Loopback{
		l:           l,
		mem:         mem,
		opts:        opts,
		pending:     queue.New(),
		gens:        make(map[*txpath.Queue]uint64),
		partial:     make(map[*txpath.Queue]*assembly),
		done:        make(chan struct{}),
		packets:     metrics.GetOrRegisterCounter("nic.packets", opts.registry),
		bytes:       metrics.GetOrRegisterCounter("nic.bytes", opts.registry),
		doorbells:   metrics.GetOrRegisterCounter("nic.doorbells", opts.registry),
		completions: metrics.GetOrRegisterCounter("nic.completions", opts.registry),
		errors:      metrics.GetOrRegisterCounter("nic.errors", opts.registry),
	}

	// Clean up a partially initialized device when something fails.
	defer func() {
		if err != nil {
			_ = lb.release()
		}
	}()

	if opts.pioBuffers > 0 {
		if lb.region, err = pio.NewRegion(opts.pioBuffers, opts.pioSize); err != nil {
			return nil, err
		}
	}
	if lb.doorbell, err = eventfd.New(); err != nil {
		return nil, fmt.Errorf("create doorbell event file descriptor: %w", err)
	}
	if lb.epoll, err = eventfd.NewEpoll(); err != nil {
		return nil, fmt.Errorf("create epoll: %w", err)
	}
	if err = lb.epoll.AddEvent(lb.doorbell.FD()); err != nil {
		return nil, fmt.Errorf("watch doorbell: %w", err)
	}

	go lb.run()
	return lb, nil
}

// Attach sets the receiver of completion reports, normally the engine.
// Pushed descriptors are held until a completer is attached.
func (lb *Loopback) Attach(c txpath.Completer) {
	lb.mu.Lock()
	lb.completer = c
	lb.mu.Unlock()
	lb.kick()
}

// Pause holds back completions until Resume is called. Pushed descriptors
// pile up as they would on a stalled link.
func (lb *Loopback) Pause() {
	lb.mu.Lock()
	lb.paused = true
	lb.mu.Unlock()
}

func (lb *Loopback) Resume() {
	lb.mu.Lock()
	lb.paused = false
	lb.mu.Unlock()
	lb.kick()
}

// SetLoopbackSelftest turns self test mode on or off.
func (lb *Loopback) SetLoopbackSelftest(on bool) {
	lb.selftest.Store(on)
}

func (lb *Loopback) LoopbackSelftest() bool {
	return lb.selftest.Load()
}

// InitQueue drops descriptors still held for q from before the reset and
// attaches its PIO buffer, if it has one.
func (lb *Loopback) InitQueue(q *txpath.Queue) {
	lb.mu.Lock()
	lb.gens[q]++
	lb.mu.Unlock()

	if q.IsXDP() || lb.region == nil || q.Label() >= lb.region.Count() {
		return
	}
	buf, off := lb.region.Buffer(q.Label())
	q.SetPIOBuffer(buf, off)
}

// MayTxPIO allows PIO only while q and its partner have nothing in flight,
// so the window is never overwritten before the device read it.
func (lb *Loopback) MayTxPIO(q *txpath.Queue) bool {
	if buf, _ := q.PIOBuffer(); buf == nil {
		return false
	}
	if !q.Idle() {
		return false
	}
	if p := q.Partner(); p != nil && !p.Idle() {
		return false
	}
	return true
}

func (lb *Loopback) Push(q *txpath.Queue, descs []ring.Descriptor) {
	if lb.closed.Load() {
		return
	}

	lb.mu.Lock()
	lb.pending.Add(job{
		q:     q,
		gen:   lb.gens[q],
		descs: append([]ring.Descriptor(nil), descs...),
	})
	lb.mu.Unlock()

	lb.doorbells.Inc(1)
	lb.kick()
}

func (lb *Loopback) kick() {
	if err := lb.doorbell.Kick(); err != nil {
		lb.l.WithError(err).Error("Failed to ring the loopback doorbell")
	}
}

func (lb *Loopback) run() {
	defer close(lb.done)

	for {
		if _, err := lb.epoll.Block(); err != nil {
			lb.l.WithError(err).Error("Loopback doorbell wait failed")
			return
		}
		if _, err := lb.doorbell.Clear(); err != nil {
			lb.l.WithError(err).Error("Failed to clear the loopback doorbell")
			return
		}
		if lb.closed.Load() {
			return
		}

		for {
			j, c, ok := lb.next()
			if !ok {
				break
			}
			lb.process(j, c)
		}
	}
}

// next returns the oldest pending job that is still current.
func (lb *Loopback) next() (job, txpath.Completer, bool) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	for !lb.paused && lb.completer != nil && lb.pending.Length() > 0 {
		j := lb.pending.Remove().(job)
		if j.gen != lb.gens[j.q] {
			delete(lb.partial, j.q)
			continue
		}
		return j, lb.completer, true
	}
	return job{}, nil, false
}

func (lb *Loopback) process(j job, c txpath.Completer) {
	a := lb.partial[j.q]
	if a == nil {
		a = &assembly{}
		lb.partial[j.q] = a
	}

	for _, d := range j.descs {
		a.Descriptors++
		if d.IsOption() {
			switch d.Option.Type() {
			case ring.OptionTypePIO:
				n, off, _ := d.Option.PIO()
				a.Data = append(a.Data, lb.region.Bytes(off, n)...)
				a.PIO = true
			case ring.OptionTypeTSO:
				a.MSS, a.Segments, _ = d.Option.TSO()
			}
		} else if b := lb.mem.Bytes(d.Addr, int(d.Len)); b != nil {
			a.Data = append(a.Data, b...)
		} else {
			lb.errors.Inc(1)
			lb.l.WithField("descriptor", d.String()).Error("Descriptor points at unmapped memory")
		}

		if !d.Cont {
			lb.deliver(j.q, a)
		}
	}

	// A reset of the queue bumps its generation under lb.mu, so holding it
	// keeps stale descriptors from completing ones pushed after the reset.
	lb.mu.Lock()
	var err error
	if j.gen == lb.gens[j.q] {
		err = c.Complete(j.q, j.descs[len(j.descs)-1].Index+1)
	}
	lb.mu.Unlock()
	if err != nil {
		lb.errors.Inc(1)
		return
	}
	lb.completions.Inc(1)
}

func (lb *Loopback) deliver(q *txpath.Queue, a *assembly) {
	t := a.Transmitted
	t.Queue = q.Label()
	t.XDP = q.IsXDP()
	a.Transmitted = Transmitted{}

	lb.packets.Inc(1)
	lb.bytes.Inc(int64(len(t.Data)))
	if lb.opts.sink != nil {
		lb.opts.sink(t)
	}
}

// Close stops the device goroutine and frees the PIO window. Descriptors
// not completed yet stay with the engine, which releases them on Close.
func (lb *Loopback) Close() error {
	if lb.closed.Swap(true) {
		return nil
	}
	lb.kick()
	<-lb.done
	return lb.release()
}

func (lb *Loopback) release() error {
	var errs []error
	if lb.epoll != nil {
		errs = append(errs, lb.epoll.Close())
	}
	if lb.doorbell != nil {
		errs = append(errs, lb.doorbell.Close())
	}
	if lb.region != nil {
		errs = append(errs, lb.region.Close())
	}
	return errors.Join(errs...)
}
