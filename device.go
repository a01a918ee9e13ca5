package txpath

import "github.com/slackhq/txpath/ring"

// Device is the hardware side of the engine.
type Device interface {
	// InitQueue is called whenever a queue is (re)initialised, before any
	// descriptor is written to it. Devices attach PIO buffers here.
	InitQueue(q *Queue)

	// Push rings the doorbell for q. descs are the descriptors written since
	// the previous push, in ring order. The device later reports progress
	// through [Engine.Complete]. Push must not block, and descs is only valid
	// until it returns.
	Push(q *Queue, descs []ring.Descriptor)

	// MayTxPIO reports whether q may send a packet through its PIO buffer
	// right now.
	MayTxPIO(q *Queue) bool

	// LoopbackSelftest reports whether the device is running a loopback
	// self test. Stopped queues are not restarted during a self test.
	LoopbackSelftest() bool
}

// Completer receives completion reports from a device.
type Completer interface {
	Complete(q *Queue, read uint32) error
}
