package txpath

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/txpath/dma"
	"github.com/slackhq/txpath/util"
	"github.com/slackhq/txpath/util/virtio"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// Engine moves packets from the upper layer into the descriptor rings of a
// Device.
type Engine struct {
	l      *logrus.Logger
	dev    Device
	mapper dma.Mapper
	opts   optionValues
	tso    SegmentationOffload

	// queues is indexed by queue label. High priority queues stay nil
	// until a second traffic class is configured.
	queues    []*Queue
	cores     []*CoreQueue
	xdpQueues []*Queue

	tcMu sync.Mutex
	tc   atomic.Pointer[tcState]

	portEnabled atomicbitops.Bool
	closed      atomicbitops.Bool

	pageSize  int
	pageShift int
}

// NewEngine creates the queues of every channel and initialises them. The
// engine starts stopped, see [Engine.Start].
func NewEngine(l *logrus.Logger, dev Device, mapper dma.Mapper, options ...Option) (*Engine, error) {
	opts := optionDefaults
	opts.apply(options)
	if err := opts.validate(); err != nil {
		return nil, util.NewContextualError("Invalid transmit engine options", map[string]any{
			"channels":  opts.channels,
			"ring_size": opts.ringSize,
			"max_descs": opts.maxDescs,
		}, err)
	}
	if opts.registry == nil {
		opts.registry = metrics.NewRegistry()
	}

	e := &Engine{
		l:         l,
		dev:       dev,
		mapper:    mapper,
		opts:      opts,
		tso:       opts.tso,
		queues:    make([]*Queue, opts.channels*queueTypes),
		cores:     make([]*CoreQueue, opts.channels*MaxTC),
		xdpQueues: make([]*Queue, opts.xdpQueues),
		pageSize:  unix.Getpagesize(),
	}
	e.pageShift = bits.TrailingZeros(uint(e.pageSize))
	if e.tso == nil {
		e.tso = NewHardwareTSO(opts.tsoMaxSegs)
	}

	for i := range e.cores {
		e.cores[i] = newCoreQueue(i, opts.registry, opts.metricPrefix)
		e.cores[i].stopped.Store(true)
	}

	for ch := 0; ch < opts.channels; ch++ {
		for _, typ := range []QueueType{0, TypeOffload} {
			q, err := e.provisionQueue(ch, typ)
			if err != nil {
				return nil, err
			}
			e.initCoreTxq(q)
			q.init()
		}
	}

	for cpu := range e.xdpQueues {
		q, err := newQueue(e, cpu, -1, 0, true)
		if err != nil {
			return nil, err
		}
		q.init()
		e.xdpQueues[cpu] = q
	}

	e.tc.Store(newTCState(0, opts.channels))
	if opts.numTC > 0 {
		if err := e.SetupTC(opts.numTC); err != nil {
			return nil, err
		}
	}

	l.WithFields(logrus.Fields{
		"channels":   opts.channels,
		"ringSize":   opts.ringSize,
		"stopThresh": opts.stopThresh,
		"wakeThresh": opts.wakeThresh,
		"copyBreak":  opts.copyBreak,
		"pio":        opts.pioEnabled,
		"xdpQueues":  opts.xdpQueues,
		"features":   e.Features(),
	}).Info("Transmit engine created")

	return e, nil
}

// provisionQueue allocates the queue of a channel if it does not exist yet.
func (e *Engine) provisionQueue(channel int, typ QueueType) (*Queue, error) {
	label := channel*queueTypes + int(typ)
	if q := e.queues[label]; q != nil {
		return q, nil
	}
	q, err := newQueue(e, label, channel, typ, false)
	if err != nil {
		return nil, fmt.Errorf("failed to provision queue %d: %w", label, err)
	}
	e.queues[label] = q
	return q, nil
}

// initCoreTxq links q to its core queue. This must be the inverse of the
// lookup in SelectQueue.
func (e *Engine) initCoreTxq(q *Queue) {
	idx := q.label / queueTypes
	if q.typ&TypeHighPri != 0 {
		idx += e.opts.channels
	}
	q.core = e.cores[idx]
}

// Channels returns the number of channels.
func (e *Engine) Channels() int {
	return e.opts.channels
}

// Queue returns the queue of a channel, or nil if it is not provisioned.
func (e *Engine) Queue(channel int, typ QueueType) *Queue {
	if channel < 0 || channel >= e.opts.channels || typ >= queueTypes {
		return nil
	}
	return e.queues[channel*queueTypes+int(typ)]
}

// Queues returns every provisioned queue, accelerated forwarding queues
// last.
func (e *Engine) Queues() []*Queue {
	e.tcMu.Lock()
	defer e.tcMu.Unlock()

	qs := make([]*Queue, 0, len(e.queues)+len(e.xdpQueues))
	for _, q := range e.queues {
		if q != nil {
			qs = append(qs, q)
		}
	}
	return append(qs, e.xdpQueues...)
}

// CoreQueue returns the core queue with the given upper layer index.
func (e *Engine) CoreQueue(i int) *CoreQueue {
	if i < 0 || i >= len(e.cores) {
		return nil
	}
	return e.cores[i]
}

// XDPQueue returns the accelerated forwarding queue of a processor.
func (e *Engine) XDPQueue(cpu int) *Queue {
	if cpu < 0 || cpu >= len(e.xdpQueues) {
		return nil
	}
	return e.xdpQueues[cpu]
}

// Registry returns the metrics registry holding the queue counters.
func (e *Engine) Registry() metrics.Registry {
	return e.opts.registry
}

// Features returns the offloads the engine accepts. Segmentation requests
// the device can not serve are segmented in software, so every kind is
// accepted.
func (e *Engine) Features() virtio.Feature {
	return virtio.FeatureNetDeviceCsum | virtio.FeatureNetMQ |
		virtio.FeatureNetDeviceTSO4 | virtio.FeatureNetDeviceTSO6 |
		virtio.FeatureNetDeviceECN | virtio.FeatureNetDeviceUSO
}

// Start enables the port and lets the upper layer transmit.
func (e *Engine) Start() {
	e.portEnabled.Store(true)
	for _, c := range e.cores {
		c.start()
	}
}

// Stop disables the port and stops every core queue. Transmits already in
// progress finish before Stop returns.
func (e *Engine) Stop() {
	e.portEnabled.Store(false)
	for _, c := range e.cores {
		c.mu.Lock()
		c.stop()
		c.mu.Unlock()
	}
}

// Reset stops the engine, releases every descriptor still owned by a queue
// as not sent and reinitialises all queues. The engine is restarted if it
// was running.
func (e *Engine) Reset() {
	running := e.portEnabled.Load()
	e.Stop()

	dropped := 0
	for _, q := range e.Queues() {
		unlock := q.lock()
		dropped += q.reset()
		q.init()
		unlock()
	}

	e.l.WithField("dropped", dropped).Warn("Transmit queues reset")

	if running {
		e.Start()
	}
}

// Close stops the engine and frees every queue resource. Packets still in
// the rings are dropped.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	e.Stop()

	var errs []error
	for _, q := range e.Queues() {
		unlock := q.lock()
		q.reset()
		for i, page := range q.cbPages {
			if page != nil {
				errs = append(errs, page.Free(e.mapper))
				q.cbPages[i] = nil
			}
		}
		unlock()
	}
	return errors.Join(errs...)
}

// lock takes the producer lock of q.
func (q *Queue) lock() func() {
	if q.xdp {
		q.xdpMu.Lock()
		return q.xdpMu.Unlock
	}
	q.core.mu.Lock()
	return q.core.mu.Unlock
}
