// Package pio writes packets straight into a device write window, the
// programmed I/O alternative to DMA for short packets.
package pio

import "fmt"

// DefaultGranularity is the device write granularity, one cache line.
const DefaultGranularity = 64

// Writer copies data into a device window in whole granules. Bytes that do
// not fill a granule are kept in a short copy buffer until the next write
// fills it or Flush pads and writes it.
type Writer struct {
	dst  []byte
	off  int
	gran int
	cb   []byte
	used int
}

// NewWriter returns a writer into dst. granularity must be a power of 2.
func NewWriter(dst []byte, granularity int) *Writer {
	if granularity <= 0 || granularity&(granularity-1) != 0 {
		panic(fmt.Sprintf("pio granularity %d is not a power of 2", granularity))
	}
	return &Writer{
		dst:  dst,
		gran: granularity,
		cb:   make([]byte, granularity),
	}
}

// Reset points the writer at a new window and empties the copy buffer.
func (w *Writer) Reset(dst []byte) {
	w.dst = dst
	w.off = 0
	w.used = 0
}

// Written returns the number of bytes stored in the window so far.
func (w *Writer) Written() int {
	return w.off
}

// Write appends data. The copy buffer is drained first so the window only
// ever sees whole granules.
func (w *Writer) Write(data []byte) {
	if w.used > 0 {
		n := copy(w.cb[w.used:], data)
		w.used += n
		if w.used < w.gran {
			return
		}
		w.store(w.cb)
		w.used = 0
		data = data[n:]
	}

	block := len(data) &^ (w.gran - 1)
	w.store(data[:block])

	if rest := data[block:]; len(rest) > 0 {
		w.used = copy(w.cb, rest)
	}
}

// Flush writes the copy buffer, padded with whatever it held before, as a
// full granule.
func (w *Writer) Flush() {
	if w.used == 0 {
		return
	}
	w.store(w.cb)
	w.used = 0
}

func (w *Writer) store(b []byte) {
	if w.off+len(b) > len(w.dst) {
		panic(fmt.Sprintf("pio write of %d bytes at %d overflows window of %d", len(b), w.off, len(w.dst)))
	}
	w.off += copy(w.dst[w.off:], b)
}

// Copy writes every fragment into dst through a short copy buffer and
// returns the number of bytes stored, which is len of the data rounded up to
// the granularity.
func Copy(dst []byte, granularity int, fragments ...[]byte) int {
	w := NewWriter(dst, granularity)
	for _, f := range fragments {
		w.Write(f)
	}
	w.Flush()
	return w.Written()
}
