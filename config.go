package txpath

import (
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/txpath/config"
	"github.com/slackhq/txpath/dma"
)

// optionsFromConfig converts the tx.* settings into engine options. Unset
// keys keep the engine defaults.
func optionsFromConfig(c *config.C) []Option {
	d := optionDefaults
	opts := []Option{
		WithChannels(c.GetInt("tx.channels", d.channels)),
		WithRingSize(c.GetInt("tx.ring_size", d.ringSize)),
		WithThresholds(c.GetInt("tx.stop_threshold", -1), c.GetInt("tx.wake_threshold", -1)),
		WithMaxDescriptorsPerPacket(c.GetInt("tx.max_descs_per_packet", d.maxDescs)),
		WithCopyBreak(c.GetInt("tx.copybreak", d.copyBreak)),
		WithPIO(
			c.GetBool("tx.pio.enabled", d.pioEnabled),
			c.GetInt("tx.pio.size", d.pioSize),
			c.GetInt("tx.pio.granularity", d.pioGran),
		),
		WithMaxChunk(c.GetInt("tx.dma.max_chunk", d.maxChunk)),
		WithTSOMaxSegments(c.GetInt("tx.tso.max_segments", d.tsoMaxSegs)),
		WithTrafficClasses(c.GetInt("tx.tc.max", d.maxTC), c.GetInt("tx.tc.num", d.numTC)),
		WithXDPQueues(c.GetInt("tx.xdp.queues", d.xdpQueues)),
	}

	if !c.GetBool("tx.tso.enabled", true) {
		opts = append(opts, WithTSO(softwareTSO{}))
	}
	return opts
}

// NewEngineFromConfig creates an engine from the tx.* settings of c and
// keeps its traffic classes in line with tx.tc.num on reload.
func NewEngineFromConfig(l *logrus.Logger, c *config.C, dev Device, mapper dma.Mapper, r metrics.Registry) (*Engine, error) {
	opts := optionsFromConfig(c)
	if r != nil {
		opts = append(opts, WithMetricsRegistry(r, c.GetString("tx.metrics_prefix", optionDefaults.metricPrefix)))
	}

	e, err := NewEngine(l, dev, mapper, opts...)
	if err != nil {
		return nil, err
	}

	c.RegisterReloadCallback(func(c *config.C) {
		if !c.HasChanged("tx.tc.num") {
			return
		}
		if err := e.SetupTC(c.GetInt("tx.tc.num", 0)); err != nil {
			l.WithError(err).Error("Failed to apply tx.tc.num")
		}
	})

	return e, nil
}
