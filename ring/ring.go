package ring

import (
	"errors"
	"fmt"

	"github.com/slackhq/txpath/dma"
	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// ErrSpuriousCompletion is returned when the device completes slots that
// were never pushed to it.
var ErrSpuriousCompletion = errors.New("spurious completion")

// Ring is a transmit descriptor ring. Reserve, Commit, Unwind and Push are
// producer operations; Advance is the completion operation. Drain must not
// run concurrently with either side.
type Ring struct {
	size    uint32
	mask    uint32
	buffers []Buffer
	mapper  dma.Mapper

	// insert is only written by the producer.
	insert atomicbitops.Uint32
	// write is only written by the producer when it pushes slots.
	write atomicbitops.Uint32
	// read is only written by the completion path.
	read atomicbitops.Uint32
}

// New creates a ring with the given number of slots. Mappings owned by slots
// are released through m.
func New(size int, m dma.Mapper) (*Ring, error) {
	if err := CheckSize(size); err != nil {
		return nil, err
	}
	return &Ring{
		size:    uint32(size),
		mask:    uint32(size - 1),
		buffers: make([]Buffer, size),
		mapper:  m,
	}, nil
}

// Size returns the number of slots.
func (r *Ring) Size() uint32 {
	return r.size
}

// Insert returns the insert counter.
func (r *Ring) Insert() uint32 {
	return r.insert.Load()
}

// Write returns the counter up to which slots were pushed to the device.
func (r *Ring) Write() uint32 {
	return r.write.Load()
}

// Read returns the consumption counter.
func (r *Ring) Read() uint32 {
	return r.read.Load()
}

// Fill returns the number of slots in use.
func (r *Ring) Fill() uint32 {
	return r.insert.Load() - r.read.Load()
}

// Free returns the number of slots that can be reserved right now.
func (r *Ring) Free() uint32 {
	return r.size - r.Fill()
}

// Pending returns the number of filled slots not pushed yet.
func (r *Ring) Pending() uint32 {
	return r.insert.Load() - r.write.Load()
}

// Idle reports whether the device has completed every slot ever filled.
func (r *Ring) Idle() bool {
	return r.read.Load() == r.insert.Load()
}

// At returns the slot for the given counter value.
func (r *Ring) At(index uint32) *Buffer {
	return &r.buffers[index&r.mask]
}

// Reserve returns the slot at the insert position without taking it. The
// caller fills it and calls Commit.
// Reserving while the ring is full is a logic error and panics.
func (r *Ring) Reserve() *Buffer {
	insert := r.insert.RacyLoad()
	if fill := insert - r.read.Load(); fill >= r.size {
		panic(fmt.Sprintf("ring overrun: %d of %d slots in use (insert %d)", fill, r.size, insert))
	}
	return &r.buffers[insert&r.mask]
}

// Commit takes the slot returned by the last Reserve.
func (r *Ring) Commit() {
	insert := r.insert.RacyLoad()
	if r.buffers[insert&r.mask].Kind == KindNone {
		panic(fmt.Sprintf("commit of an empty slot at %d", insert))
	}
	r.insert.Store(insert + 1)
}

// Unwind releases every slot filled after snapshot, most recent first, and
// moves the insert counter back to snapshot. Owned packets and frames are
// released as not sent.
func (r *Ring) Unwind(snapshot uint32) {
	insert := r.insert.RacyLoad()
	if insert-snapshot > insert-r.write.RacyLoad() {
		panic(fmt.Sprintf("unwind to %d crosses pushed slots (insert %d, write %d)",
			snapshot, insert, r.write.RacyLoad()))
	}

	for insert != snapshot {
		insert--
		r.buffers[insert&r.mask].release(r.mapper, false)
		r.insert.Store(insert)
	}
}

// Push marks every filled slot as handed to the device and appends their
// descriptors to dst.
func (r *Ring) Push(dst []Descriptor) []Descriptor {
	insert := r.insert.RacyLoad()
	for i := r.write.RacyLoad(); i != insert; i++ {
		dst = append(dst, r.buffers[i&r.mask].Descriptor(i))
	}
	r.write.Store(insert)
	return dst
}

// Advance releases the slots in [read, newRead) in order and moves the read
// counter to newRead. It returns the number of packets and bytes completed.
func (r *Ring) Advance(newRead uint32) (pkts, bytes int, err error) {
	read := r.read.RacyLoad()
	write := r.write.Load()
	if newRead-read > write-read {
		return 0, 0, fmt.Errorf("%w: completion up to %d, pushed up to %d, read %d",
			ErrSpuriousCompletion, newRead, write, read)
	}

	for ; read != newRead; read++ {
		p, b := r.buffers[read&r.mask].release(r.mapper, true)
		pkts += p
		bytes += b
	}
	r.read.Store(newRead)
	return pkts, bytes, nil
}

// Drain releases every slot still in use as not sent and zeroes all counters.
// It returns the number of packets and frames released.
func (r *Ring) Drain() int {
	n := 0
	insert := r.insert.Load()
	for read := r.read.Load(); read != insert; read++ {
		p, _ := r.buffers[read&r.mask].release(r.mapper, false)
		n += p
	}
	r.insert.Store(0)
	r.write.Store(0)
	r.read.Store(0)
	return n
}
