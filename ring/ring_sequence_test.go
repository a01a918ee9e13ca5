package ring

import (
	"math/rand/v2"
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/slackhq/txpath/dma"
	"github.com/slackhq/txpath/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// checkCounters asserts the ordering of the three counters and that every
// slot between read and insert still holds its mapping.
func checkCounters(t *testing.T, r *Ring, m *dma.PinMapper, step int) {
	t.Helper()
	insert, write, read := r.Insert(), r.Write(), r.Read()
	require.LessOrEqual(t, insert-read, r.Size(), "step %d: fill beyond ring size", step)
	require.LessOrEqual(t, write-read, insert-read, "step %d: write ahead of insert", step)
	require.Equal(t, insert-read, r.Fill(), "step %d", step)
	require.Equal(t, r.Size()-r.Fill(), r.Free(), "step %d", step)
	require.Equal(t, insert-write, r.Pending(), "step %d", step)
	require.Equal(t, int(r.Fill()), m.InUse(), "step %d: mappings out of step with slots", step)
}

func TestRing_RandomSequence(t *testing.T) {
	for _, size := range []int{1, 2, 16, 256} {
		rng := rand.New(rand.NewPCG(uint64(size), 42))
		m := dma.NewPinMapper(0)
		r, err := New(size, m)
		require.NoError(t, err)

		var rel releases
		created := 0
		for step := range 5000 {
			switch op := rng.IntN(10); {
			case op < 4:
				for n := rng.IntN(int(r.Free()) + 1); n > 0; n-- {
					fill(t, r, m, rel.packet(make([]byte, 1+rng.IntN(64))))
					created++
				}

			case op < 5:
				// Give back part of what was not pushed yet.
				if p := r.Pending(); p > 0 {
					r.Unwind(r.Insert() - uint32(rng.IntN(int(p)+1)))
				}

			case op < 7:
				descs := r.Push(nil)
				assert.EqualValues(t, 0, r.Pending())
				for i, d := range descs {
					assert.Equal(t, r.Write()-uint32(len(descs)-i), d.Index)
				}

			case op < 9:
				outstanding := r.Write() - r.Read()
				newRead := r.Read() + uint32(rng.IntN(int(outstanding)+1))
				pkts, _, err := r.Advance(newRead)
				require.NoError(t, err)
				assert.LessOrEqual(t, pkts, int(outstanding))
				assert.Equal(t, newRead, r.Read())

			default:
				// A completion past the pushed slots changes nothing.
				before := r.Read()
				_, _, err := r.Advance(r.Write() + 1 + uint32(rng.IntN(4)))
				require.ErrorIs(t, err, ErrSpuriousCompletion)
				assert.Equal(t, before, r.Read())
			}

			checkCounters(t, r, m, step)
			require.Equal(t, created, rel.consumed+rel.dropped+int(r.Fill()), "step %d: packet lost or released twice", step)
		}

		drained := r.Drain()
		assert.Equal(t, created, rel.consumed+rel.dropped)
		assert.LessOrEqual(t, drained, created)
		assert.Zero(t, m.InUse())
		assert.True(t, r.Idle())
	}
}

func TestRing_ConcurrentProducerConsumer(t *testing.T) {
	const total = 20000
	m := dma.NewPinMapper(0)
	r, err := New(64, m)
	require.NoError(t, err)

	var consumed, released atomic.Int64
	onRelease := func(_ *packet.Packet, ok bool) {
		released.Add(1)
		if ok {
			consumed.Add(1)
		}
	}

	var g errgroup.Group
	g.Go(func() error {
		for i := range total {
			for r.Free() == 0 {
				runtime.Gosched()
			}

			data := make([]byte, 1+i%128)
			addr, err := m.Map(data)
			if err != nil {
				return err
			}
			b := r.Reserve()
			b.Kind = KindMapped
			b.Addr = addr
			b.Len = uint32(len(data))
			b.UnmapLen = uint32(len(data))
			b.Packet = packet.New(onRelease, data)
			r.Commit()

			if fill := r.Fill(); fill > r.Size() {
				t.Errorf("fill %d beyond ring size %d", fill, r.Size())
			}
			if i%3 == 0 || i == total-1 {
				r.Push(nil)
			}
		}
		return nil
	})

	g.Go(func() error {
		for consumed.Load() < total {
			if _, _, err := r.Advance(r.Write()); err != nil {
				return err
			}
			runtime.Gosched()
		}
		return nil
	})

	require.NoError(t, g.Wait())
	assert.EqualValues(t, total, consumed.Load())
	assert.EqualValues(t, total, released.Load())
	assert.True(t, r.Idle())
	assert.Zero(t, m.InUse())
}
