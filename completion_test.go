package txpath

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/txpath/packet"
	"github.com/slackhq/txpath/ring"
	"github.com/slackhq/txpath/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComplete_InOrder(t *testing.T) {
	dev := &testDevice{}
	e, m := newTestEngine(t, dev)
	r := &test.Recorder{}
	q := e.Queue(0, 0)

	var pkts []*packet.Packet
	for range 3 {
		// Two descriptors each.
		pkt := r.Sized(300, 300)
		pkts = append(pkts, pkt)
		require.NoError(t, e.TransmitOn(q, pkt))
	}
	require.EqualValues(t, 6, q.ring.Write())

	// Completing half a packet releases its first mapping only.
	require.NoError(t, e.Complete(q, 3))
	consumed, _ := r.Packets()
	assert.Equal(t, 1, consumed)
	assert.Equal(t, 3, m.InUse())

	require.NoError(t, e.Complete(q, 6))
	assert.Equal(t, pkts, r.Released)
	assert.Zero(t, m.InUse())

	s := q.Stats()
	assert.EqualValues(t, 3, s.Completed)
	assert.EqualValues(t, 1800, s.CompletedBytes)
	assert.True(t, q.Idle())
}

func TestComplete_Spurious(t *testing.T) {
	dev := &testDevice{}
	l, hook := test.NewCapturingLogger()
	e, _ := newTestEngineWithLogger(t, l, dev)
	r := &test.Recorder{}
	q := e.Queue(0, 0)

	require.NoError(t, e.TransmitOn(q, r.Sized(300)))
	pkt := r.Sized(300)
	pkt.More = true
	require.NoError(t, e.TransmitOn(q, pkt))

	// The second packet was never pushed.
	require.ErrorIs(t, e.Complete(q, 2), ring.ErrSpuriousCompletion)
	assert.EqualValues(t, 0, q.ring.Read())
	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, "Ignoring completion", entry.Message)
	assert.Equal(t, q.String(), entry.Data["queue"])
	assert.ErrorIs(t, entry.Data[logrus.ErrorKey].(error), ring.ErrSpuriousCompletion)
	consumed, _ := r.Packets()
	assert.Zero(t, consumed)

	require.NoError(t, e.Complete(q, 1))
	consumed, _ = r.Packets()
	assert.Equal(t, 1, consumed)
}

func TestEngine_Reset(t *testing.T) {
	dev := &testDevice{}
	l, hook := test.NewCapturingLogger()
	e, m := newTestEngineWithLogger(t, l, dev, WithThresholds(4, 2))
	r := &test.Recorder{}
	q := e.Queue(0, 0)

	sendN(t, e, q, r, 4)
	require.True(t, q.Core().Stopped())

	e.Reset()
	_, dropped := r.Packets()
	assert.Equal(t, 4, dropped)
	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "Transmit queues reset", entry.Message)
	assert.Equal(t, 4, entry.Data["dropped"])
	assert.Zero(t, m.InUse())
	assert.EqualValues(t, 0, q.ring.Insert())
	assert.EqualValues(t, 0, q.ring.Read())
	assert.False(t, q.Core().Stopped(), "a running engine is restarted")
	assert.Equal(t, 2, dev.inits[q])

	// Completions from before the reset are rejected.
	require.ErrorIs(t, e.Complete(q, 4), ring.ErrSpuriousCompletion)

	sendN(t, e, q, r, 1)
	completeAll(t, e, q)
	consumed, _ := r.Packets()
	assert.Equal(t, 1, consumed)
}
