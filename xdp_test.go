package txpath

import (
	"testing"

	"github.com/slackhq/txpath/packet"
	"github.com/slackhq/txpath/ring"
	"github.com/slackhq/txpath/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frames(r *test.Recorder, n int) []*packet.Frame {
	out := make([]*packet.Frame, n)
	for i := range out {
		out[i] = r.Frame(make([]byte, 100+i))
	}
	return out
}

func TestXDPTransmit(t *testing.T) {
	dev := &testDevice{}
	e, m := newTestEngine(t, dev, WithXDPQueues(2))
	r := &test.Recorder{}
	q := e.XDPQueue(1)
	require.NotNil(t, q)
	assert.Nil(t, q.Core())

	n, err := e.XDPTransmit(1, frames(r, 3), true)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []ring.Kind{ring.KindFrame, ring.KindFrame, ring.KindFrame}, slots(q))

	descs := dev.pushed(q)
	require.Len(t, descs, 3)
	for i, d := range descs {
		assert.EqualValues(t, 100+i, d.Len)
		assert.False(t, d.Cont)
	}
	assert.EqualValues(t, 3, q.Stats().TxPackets)
	assert.Equal(t, 3, m.InUse())

	completeAll(t, e, q)
	sent, returned := r.Frames()
	assert.Equal(t, 3, sent)
	assert.Zero(t, returned)
	assert.Zero(t, m.InUse())
}

func TestXDPTransmit_NoFlush(t *testing.T) {
	dev := &testDevice{}
	e, _ := newTestEngine(t, dev, WithXDPQueues(1))
	r := &test.Recorder{}
	q := e.XDPQueue(0)

	n, err := e.XDPTransmit(0, frames(r, 2), false)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, dev.pushOrder())
	assert.EqualValues(t, 2, q.ring.Pending())

	n, err = e.XDPTransmit(0, frames(r, 1), true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, dev.pushed(q), 3)
}

func TestXDPTransmit_SpaceLimit(t *testing.T) {
	dev := &testDevice{}
	e, _ := newTestEngine(t, dev, WithXDPQueues(1))
	r := &test.Recorder{}

	n, err := e.XDPTransmit(0, frames(r, 62), true)
	require.NoError(t, err)
	require.Equal(t, 62, n)

	batch := frames(r, 4)
	n, err = e.XDPTransmit(0, batch, true)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, returned := r.Frames()
	assert.Equal(t, 2, returned)
	assert.False(t, batch[1].Returned())
	assert.True(t, batch[2].Returned())
	assert.True(t, batch[3].Returned())

	n, err = e.XDPTransmit(0, frames(r, 1), true)
	assert.ErrorIs(t, err, ErrNothingAccepted)
	assert.Zero(t, n)
	_, returned = r.Frames()
	assert.Equal(t, 3, returned)
}

func TestXDPTransmit_MapFailure(t *testing.T) {
	dev := &testDevice{}
	e, m := newTestEngine(t, dev, WithXDPQueues(1))
	r := &test.Recorder{}
	q := e.XDPQueue(0)

	m.FailAfter(1)
	n, err := e.XDPTransmit(0, frames(r, 3), true)
	m.FailAfter(-1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, dev.pushed(q), 1)

	_, returned := r.Frames()
	assert.Equal(t, 2, returned)
}

func TestXDPTransmit_Errors(t *testing.T) {
	dev := &testDevice{}
	e, _ := newTestEngine(t, dev, WithXDPQueues(1))
	r := &test.Recorder{}

	batch := frames(r, 1)
	_, err := e.XDPTransmit(1, batch, true)
	assert.ErrorIs(t, err, ErrNoXDPQueue)
	assert.False(t, batch[0].Returned(), "the caller keeps frames without a queue")

	_, err = e.XDPTransmit(-1, batch, true)
	assert.ErrorIs(t, err, ErrNoXDPQueue)

	n, err := e.XDPTransmit(0, nil, true)
	assert.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, dev.pushOrder())

	pkt := r.Sized(100)
	assert.Error(t, e.TransmitOn(e.XDPQueue(0), pkt))
	assert.True(t, pkt.Released())

	require.NoError(t, e.Close())
	n, err = e.XDPTransmit(0, batch, true)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Zero(t, n)
	assert.True(t, batch[0].Returned())
}

func TestXDPComplete_LeavesCoreQueues(t *testing.T) {
	dev := &testDevice{}
	e, _ := newTestEngine(t, dev, WithXDPQueues(1), WithThresholds(4, 2))
	r := &test.Recorder{}

	_, err := e.XDPTransmit(0, frames(r, 8), true)
	require.NoError(t, err)
	for _, c := range e.cores {
		assert.False(t, c.Stopped())
	}

	e.Stop()
	completeAll(t, e, e.XDPQueue(0))
	for _, c := range e.cores {
		assert.True(t, c.Stopped())
	}
	sent, _ := r.Frames()
	assert.Equal(t, 8, sent)
}
