package packet

import "gvisor.dev/gvisor/pkg/atomicbitops"

// Frame is a pre-built frame submitted on the accelerated forwarding path. It
// is transmitted as one contiguous buffer.
type Frame struct {
	Data []byte

	onReturn func(f *Frame, sent bool)
	returned atomicbitops.Bool
}

// NewFrame returns a frame over data. onReturn, if not nil, is called once the
// frame was either sent or rejected.
func NewFrame(data []byte, onReturn func(f *Frame, sent bool)) *Frame {
	return &Frame{Data: data, onReturn: onReturn}
}

func (f *Frame) Len() int {
	return len(f.Data)
}

// Complete hands the frame back after it was sent.
func (f *Frame) Complete() {
	f.ret(true)
}

// Return hands the frame back unsent.
func (f *Frame) Return() {
	f.ret(false)
}

func (f *Frame) Returned() bool {
	return f.returned.Load()
}

func (f *Frame) ret(sent bool) {
	if f.returned.Swap(true) {
		panic("frame returned twice")
	}
	if f.onReturn != nil {
		f.onReturn(f, sent)
	}
}
