package txpath

import (
	"fmt"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/txpath/config"
	"github.com/slackhq/txpath/dma"
	"github.com/slackhq/txpath/util"
	"go.yaml.in/yaml/v3"
)

// Main builds a transmit engine for dev from c. The engine is stopped until
// [Control.Start] is called.
func Main(c *config.C, configTest bool, buildVersion string, logger *logrus.Logger, dev Device, mapper dma.Mapper) (*Control, error) {
	l := logger
	l.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}

	// Print the config if in test, the exit comes later
	if configTest {
		b, err := yaml.Marshal(c.Settings)
		if err != nil {
			return nil, err
		}

		// Print the final config
		l.Println(string(b))
	}

	err := configLogger(l, c)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to configure the logger", err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		err := configLogger(l, c)
		if err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
	})

	r := metrics.NewRegistry()
	e, err := NewEngineFromConfig(l, c, dev, mapper, r)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to create the transmit engine", err)
	}

	statsStart, err := startStats(l, c, r, buildVersion, configTest)
	if err != nil {
		_ = e.Close()
		return nil, util.NewContextualError("Failed to start stats emitter", nil, err)
	}

	if configTest {
		if err := e.Close(); err != nil {
			return nil, fmt.Errorf("failed to release the transmit engine: %w", err)
		}
		return nil, nil
	}

	return &Control{
		e:          e,
		l:          l,
		statsStart: statsStart,
	}, nil
}
