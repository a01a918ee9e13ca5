package txpath

import (
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/txpath/ring"
	"github.com/slackhq/txpath/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pushRecord struct {
	q     *Queue
	descs []ring.Descriptor
}

// testDevice records doorbells and leaves completion to the test.
type testDevice struct {
	pioSize  int
	noPIO    bool
	selftest bool

	mu     sync.Mutex
	pushes []pushRecord
	inits  map[*Queue]int
}

func (d *testDevice) InitQueue(q *Queue) {
	d.mu.Lock()
	if d.inits == nil {
		d.inits = make(map[*Queue]int)
	}
	d.inits[q]++
	d.mu.Unlock()

	if d.pioSize == 0 || q.IsXDP() {
		return
	}
	q.SetPIOBuffer(make([]byte, d.pioSize), (q.Label()%8)*d.pioSize)
}

func (d *testDevice) Push(q *Queue, descs []ring.Descriptor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pushes = append(d.pushes, pushRecord{q: q, descs: append([]ring.Descriptor(nil), descs...)})
}

func (d *testDevice) MayTxPIO(q *Queue) bool {
	if d.noPIO || !q.Idle() {
		return false
	}
	p := q.Partner()
	return p == nil || p.Idle()
}

func (d *testDevice) LoopbackSelftest() bool {
	return d.selftest
}

// pushed returns every descriptor pushed for q, in push order.
func (d *testDevice) pushed(q *Queue) []ring.Descriptor {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []ring.Descriptor
	for _, p := range d.pushes {
		if p.q == q {
			out = append(out, p.descs...)
		}
	}
	return out
}

// pushOrder returns the queues of all doorbells in order.
func (d *testDevice) pushOrder() []*Queue {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Queue, len(d.pushes))
	for i, p := range d.pushes {
		out[i] = p.q
	}
	return out
}

// newTestEngine returns a started engine with 64 entry rings. Close is
// checked to release every mapping.
func newTestEngine(t *testing.T, dev Device, opts ...Option) (*Engine, *test.FlakyMapper) {
	t.Helper()
	return newTestEngineWithLogger(t, test.NewLogger(), dev, opts...)
}

func newTestEngineWithLogger(t *testing.T, l *logrus.Logger, dev Device, opts ...Option) (*Engine, *test.FlakyMapper) {
	t.Helper()
	m := test.NewFlakyMapper()
	opts = append([]Option{WithRingSize(64), WithMaxDescriptorsPerPacket(8)}, opts...)
	e, err := NewEngine(l, dev, m, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, e.Close())
		assert.Zero(t, m.InUse(), "mappings left after close")
	})
	e.Start()
	return e, m
}

// slots returns the kinds of the ring slots in use.
func slots(q *Queue) []ring.Kind {
	var kinds []ring.Kind
	for i := q.ring.Read(); i != q.ring.Insert(); i++ {
		kinds = append(kinds, q.ring.At(i).Kind)
	}
	return kinds
}

func completeAll(t *testing.T, e *Engine, q *Queue) {
	t.Helper()
	require.NoError(t, e.Complete(q, q.ring.Write()))
}
