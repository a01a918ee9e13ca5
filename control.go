package txpath

import (
	"context"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
)

// Control is the handle returned by Main.
type Control struct {
	e          *Engine
	l          *logrus.Logger
	statsStart func()

	stopOnce sync.Once
}

// Engine returns the transmit engine.
func (c *Control) Engine() *Engine {
	return c.e
}

// Start starts the stats emitter, if one is configured, and opens every
// core queue. It does not block, see [Control.ShutdownBlock].
func (c *Control) Start() {
	if c.statsStart != nil {
		go c.statsStart()
	}
	c.e.Start()
}

// Stop closes the engine, dropping whatever the rings still hold. Later
// calls do nothing.
func (c *Control) Stop() {
	c.stopOnce.Do(func() {
		if err := c.e.Close(); err != nil {
			c.l.WithError(err).Error("Failed to close the transmit engine")
		}
		c.l.Info("Goodbye")
	})
}

// ShutdownBlock blocks until SIGTERM or SIGINT arrives and then stops the
// engine.
func (c *Control) ShutdownBlock() {
	c.ShutdownBlockContext(context.Background())
}

// ShutdownBlockContext is ShutdownBlock that also returns, after stopping
// the engine, once ctx is done.
func (c *Control) ShutdownBlockContext(ctx context.Context) {
	sigCtx, cancel := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	<-sigCtx.Done()
	if ctx.Err() == nil {
		c.l.WithField("cause", context.Cause(sigCtx)).Info("Caught signal, shutting down")
	}
	c.Stop()
}
