package txpath

import "errors"

var (
	// ErrRingFull is returned when a packet needs more descriptors than the
	// ring has free. Upstream ignored a stopped queue.
	ErrRingFull = errors.New("not enough free descriptors")

	// ErrEmptyPacket is returned for packets without any data.
	ErrEmptyPacket = errors.New("packet is empty")

	// ErrTSOUnsupported is returned by a SegmentationOffload that can not
	// handle a packet. The engine segments such packets in software.
	ErrTSOUnsupported = errors.New("segmentation offload unsupported for packet")

	// ErrPIOOverflow is returned when a packet does not fit the PIO buffer
	// of its queue.
	ErrPIOOverflow = errors.New("packet does not fit the pio buffer")

	// ErrCopyBufferUnavailable is returned when a copy-break page can not be
	// allocated.
	ErrCopyBufferUnavailable = errors.New("copy buffer unavailable")

	// ErrNoXDPQueue is returned when the calling processor has no
	// accelerated forwarding queue.
	ErrNoXDPQueue = errors.New("no accelerated forwarding queue for processor")

	// ErrNothingAccepted is returned when a non-empty batch of frames could
	// not be enqueued at all.
	ErrNothingAccepted = errors.New("no frame accepted")

	// ErrInvalidTrafficClass is returned for an unsupported number of
	// traffic classes.
	ErrInvalidTrafficClass = errors.New("invalid number of traffic classes")

	// ErrClosed is returned after the engine was closed.
	ErrClosed = errors.New("engine closed")
)
