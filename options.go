package txpath

import (
	"errors"
	"fmt"

	"github.com/rcrowley/go-metrics"
	"github.com/slackhq/txpath/pio"
	"github.com/slackhq/txpath/ring"
)

const (
	// MaxTC is the largest number of traffic classes a channel layout can
	// carry: normal and high priority.
	MaxTC = 2

	// CopyBreakOrder is log2 of the size of a copy-break slot.
	CopyBreakOrder = 7
	// netIPAlign keeps the IP header of copied packets 4-byte aligned
	// behind a 14-byte Ethernet header.
	netIPAlign = 2
	// CopyBreakSize is the largest packet that fits a copy-break slot.
	CopyBreakSize = 1<<CopyBreakOrder - netIPAlign

	// DefaultPIOSize is the per-queue PIO buffer size.
	DefaultPIOSize = 256
)

type optionValues struct {
	channels     int
	ringSize     int
	stopThresh   int
	wakeThresh   int
	maxDescs     int
	copyBreak    int
	pioEnabled   bool
	pioSize      int
	pioGran      int
	maxChunk     int
	tso          SegmentationOffload
	tsoMaxSegs   int
	maxTC        int
	numTC        int
	xdpQueues    int
	registry     metrics.Registry
	metricPrefix string
}

func (o *optionValues) apply(options []Option) {
	for _, option := range options {
		option(o)
	}
	if o.stopThresh == -1 {
		o.stopThresh = o.ringSize - o.maxDescs
	}
	if o.wakeThresh == -1 {
		o.wakeThresh = o.stopThresh / 2
	}
}

func (o *optionValues) validate() error {
	if o.channels <= 0 {
		return fmt.Errorf("channel count %d must be positive", o.channels)
	}
	if err := ring.CheckSize(o.ringSize); err != nil {
		return err
	}
	if o.maxDescs <= 0 || o.maxDescs >= o.ringSize {
		return fmt.Errorf("max descriptors per packet %d must be between 1 and the ring size %d", o.maxDescs, o.ringSize)
	}
	if o.stopThresh <= 0 || o.stopThresh > o.ringSize-o.maxDescs {
		return fmt.Errorf("stop threshold %d must be between 1 and %d", o.stopThresh, o.ringSize-o.maxDescs)
	}
	if o.wakeThresh < 0 || o.wakeThresh > o.stopThresh {
		return fmt.Errorf("wake threshold %d must not exceed the stop threshold %d", o.wakeThresh, o.stopThresh)
	}
	if o.copyBreak < 0 || o.copyBreak > CopyBreakSize {
		return fmt.Errorf("copy break %d must be between 0 and %d", o.copyBreak, CopyBreakSize)
	}
	if o.pioEnabled {
		if o.pioGran <= 0 || o.pioGran&(o.pioGran-1) != 0 {
			return fmt.Errorf("pio granularity %d is not a power of 2", o.pioGran)
		}
		if o.pioSize <= 0 || o.pioSize%o.pioGran != 0 || o.pioSize > ring.MaxPIOByteCnt {
			return fmt.Errorf("pio size %d must be a multiple of %d and at most %d", o.pioSize, o.pioGran, ring.MaxPIOByteCnt)
		}
	}
	if o.maxChunk <= 0 {
		return fmt.Errorf("max descriptor length %d must be positive", o.maxChunk)
	}
	if o.tsoMaxSegs <= 0 || o.tsoMaxSegs > ring.MaxTSOSegments {
		return fmt.Errorf("tso max segments %d must be between 1 and %d", o.tsoMaxSegs, ring.MaxTSOSegments)
	}
	if o.maxTC < 1 || o.maxTC > MaxTC {
		return fmt.Errorf("max traffic classes %d must be between 1 and %d", o.maxTC, MaxTC)
	}
	if o.numTC < 0 || o.numTC > o.maxTC {
		return fmt.Errorf("%w: %d, max is %d", ErrInvalidTrafficClass, o.numTC, o.maxTC)
	}
	if o.xdpQueues < 0 {
		return errors.New("xdp queue count must not be negative")
	}
	return nil
}

var optionDefaults = optionValues{
	channels:     1,
	ringSize:     1024,
	stopThresh:   -1,
	wakeThresh:   -1,
	maxDescs:     64,
	copyBreak:    CopyBreakSize,
	pioEnabled:   true,
	pioSize:      DefaultPIOSize,
	pioGran:      pio.DefaultGranularity,
	maxChunk:     16 * 1024,
	tsoMaxSegs:   100,
	maxTC:        MaxTC,
	metricPrefix: "txq",
}

// Option can be passed to [NewEngine] to influence engine creation.
type Option func(*optionValues)

// WithChannels sets the number of channels. Every channel gets a normal and
// an offload queue plus, once traffic classes are configured, their high
// priority twins.
func WithChannels(n int) Option {
	return func(o *optionValues) { o.channels = n }
}

// WithRingSize sets the number of descriptors of every queue. It must be a
// power of 2.
func WithRingSize(n int) Option {
	return func(o *optionValues) { o.ringSize = n }
}

// WithThresholds sets the fill level at which a queue is stopped and the
// fill level at or below which a completion restarts it. A negative value
// keeps the default: ring size minus max descriptors per packet for stop,
// half of that for wake.
func WithThresholds(stop, wake int) Option {
	return func(o *optionValues) {
		if stop >= 0 {
			o.stopThresh = stop
		}
		if wake >= 0 {
			o.wakeThresh = wake
		}
	}
}

// WithMaxDescriptorsPerPacket sets the worst case number of descriptors a
// single packet uses.
func WithMaxDescriptorsPerPacket(n int) Option {
	return func(o *optionValues) { o.maxDescs = n }
}

// WithCopyBreak sets the length up to which fragmented packets are copied
// into a pre-mapped buffer. 0 disables copying.
func WithCopyBreak(n int) Option {
	return func(o *optionValues) { o.copyBreak = n }
}

// WithPIO enables or disables the PIO path and sets the largest packet sent
// through it and the device write granularity.
func WithPIO(enabled bool, size, granularity int) Option {
	return func(o *optionValues) {
		o.pioEnabled = enabled
		o.pioSize = size
		o.pioGran = granularity
	}
}

// WithMaxChunk sets the most bytes a single descriptor may carry. Longer
// mappings are split.
func WithMaxChunk(n int) Option {
	return func(o *optionValues) { o.maxChunk = n }
}

// WithTSO sets the segmentation offload handler. nil selects
// [HardwareTSO] with the configured segment limit.
func WithTSO(h SegmentationOffload) Option {
	return func(o *optionValues) { o.tso = h }
}

// WithTSOMaxSegments sets the most segments the hardware handler accepts.
func WithTSOMaxSegments(n int) Option {
	return func(o *optionValues) { o.tsoMaxSegs = n }
}

// WithTrafficClasses sets the supported and initially configured number of
// traffic classes.
func WithTrafficClasses(max, num int) Option {
	return func(o *optionValues) {
		o.maxTC = max
		o.numTC = num
	}
}

// WithXDPQueues sets the number of per-processor accelerated forwarding
// queues.
func WithXDPQueues(n int) Option {
	return func(o *optionValues) { o.xdpQueues = n }
}

// WithMetricsRegistry sets the registry queue statistics are kept in.
func WithMetricsRegistry(r metrics.Registry, prefix string) Option {
	return func(o *optionValues) {
		o.registry = r
		o.metricPrefix = prefix
	}
}
