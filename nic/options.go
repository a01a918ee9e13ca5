package nic

import (
	"errors"

	"github.com/rcrowley/go-metrics"
	"github.com/slackhq/txpath/ring"
)

type optionValues struct {
	pioBuffers int
	pioSize    int
	sink       Sink
	registry   metrics.Registry
}

func (o *optionValues) apply(options []Option) {
	for _, option := range options {
		option(o)
	}
}

func (o *optionValues) validate() error {
	if o.pioBuffers < 0 {
		return errors.New("pio buffer count must not be negative")
	}
	if o.pioBuffers > 0 {
		if o.pioSize <= 0 {
			return errors.New("pio buffer size must be positive")
		}
		if (o.pioBuffers-1)*o.pioSize > ring.MaxPIOBufAddr {
			return errors.New("pio buffers exceed the addressable pio window")
		}
	}
	return nil
}

var optionDefaults = optionValues{
	pioBuffers: 0,
	pioSize:    256,
}

// Option can be passed to [NewLoopback] to influence device creation.
type Option func(*optionValues)

// WithPIOBuffers gives the first count queues a PIO buffer of size bytes
// each. The buffers are laid out back to back in one write window, which
// the descriptor format limits to 4 KiB of offsets.
func WithPIOBuffers(count, size int) Option {
	return func(o *optionValues) {
		o.pioBuffers = count
		o.pioSize = size
	}
}

// WithSink sets the function receiving every reassembled packet.
func WithSink(s Sink) Option {
	return func(o *optionValues) { o.sink = s }
}

// WithMetricsRegistry sets the registry the device counters are kept in.
func WithMetricsRegistry(r metrics.Registry) Option {
	return func(o *optionValues) { o.registry = r }
}
