package txpath

import (
	"context"
	"testing"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/slackhq/txpath/ring"
	"github.com/slackhq/txpath/test"
	"github.com/slackhq/txpath/util"
	"github.com/slackhq/txpath/util/virtio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEngine_InvalidOptions(t *testing.T) {
	tests := []struct {
		name        string
		opts        []Option
		containsErr string
	}{
		{name: "no channels", opts: []Option{WithChannels(0)}, containsErr: "channel count"},
		{name: "ring size", opts: []Option{WithRingSize(100)}, containsErr: "not a power of 2"},
		{name: "descs per packet", opts: []Option{WithMaxDescriptorsPerPacket(1024)}, containsErr: "max descriptors per packet"},
		{name: "stop threshold", opts: []Option{WithThresholds(1020, 10)}, containsErr: "stop threshold"},
		{name: "wake threshold", opts: []Option{WithThresholds(100, 200)}, containsErr: "wake threshold"},
		{name: "copy break", opts: []Option{WithCopyBreak(CopyBreakSize + 1)}, containsErr: "copy break"},
		{name: "pio granularity", opts: []Option{WithPIO(true, 256, 48)}, containsErr: "granularity"},
		{name: "pio size", opts: []Option{WithPIO(true, 100, 64)}, containsErr: "pio size"},
		{name: "max chunk", opts: []Option{WithMaxChunk(0)}, containsErr: "max descriptor length"},
		{name: "tso segments", opts: []Option{WithTSOMaxSegments(0)}, containsErr: "tso max segments"},
		{name: "max traffic classes", opts: []Option{WithTrafficClasses(3, 0)}, containsErr: "max traffic classes"},
		{name: "traffic classes", opts: []Option{WithTrafficClasses(1, 2)}, containsErr: ErrInvalidTrafficClass.Error()},
		{name: "xdp queues", opts: []Option{WithXDPQueues(-1)}, containsErr: "xdp queue count"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := NewEngine(test.NewLogger(), &testDevice{}, test.NewFlakyMapper(), tt.opts...)
			assert.Nil(t, e)
			require.Error(t, err)
			assert.ErrorContains(t, err, tt.containsErr)

			var ce *util.ContextualError
			require.ErrorAs(t, err, &ce)
			assert.Contains(t, ce.Fields, "ring_size")
		})
	}

	// Disabled PIO skips its checks.
	e, err := NewEngine(test.NewLogger(), &testDevice{}, test.NewFlakyMapper(), WithPIO(false, 0, 0))
	require.NoError(t, err)
	require.NoError(t, e.Close())
}

func TestNewEngine_Defaults(t *testing.T) {
	dev := &testDevice{}
	r := metrics.NewRegistry()
	e, err := NewEngine(test.NewLogger(), dev, test.NewFlakyMapper(), WithChannels(2), WithMetricsRegistry(r, "eth0"))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, e.Close()) })

	assert.Equal(t, 2, e.Channels())
	assert.Same(t, r, e.Registry())
	assert.EqualValues(t, 1024, e.Queue(0, 0).Ring().Size())
	assert.Equal(t, 1024-64, e.opts.stopThresh)
	assert.Equal(t, (1024-64)/2, e.opts.wakeThresh)

	for _, q := range e.Queues() {
		assert.Equal(t, 1, dev.inits[q], q.String())
		assert.True(t, q.Core().Stopped(), "engines start stopped")
	}
	assert.NotNil(t, r.Get("eth0.1.tx_packets"))
	assert.NotNil(t, r.Get("eth0.core.0.stops"))

	assert.Nil(t, e.Queue(2, 0))
	assert.Nil(t, e.Queue(-1, 0))
	assert.Nil(t, e.CoreQueue(4))
	assert.Nil(t, e.XDPQueue(0))

	f := e.Features()
	assert.NotZero(t, f&virtio.FeatureNetDeviceTSO4)
	assert.NotZero(t, f&virtio.FeatureNetDeviceUSO)
}

func TestEngine_StartStop(t *testing.T) {
	dev := &testDevice{}
	e, _ := newTestEngine(t, dev)
	c := e.CoreQueue(0)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.WaitRunning(ctx))

	e.Stop()
	assert.True(t, c.Stopped())

	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.WaitRunning(ctx), context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() { done <- c.WaitRunning(context.Background()) }()
	e.Start()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitRunning did not return after Start")
	}
}

func TestEngine_Close(t *testing.T) {
	dev := &testDevice{}
	e, m := newTestEngine(t, dev, WithCopyBreak(CopyBreakSize))
	r := &test.Recorder{}
	q := e.Queue(0, 0)

	require.NoError(t, e.TransmitOn(q, r.Sized(20, 20)))
	pending := r.Sized(300)
	pending.More = true
	require.NoError(t, e.TransmitOn(q, pending))
	assert.Equal(t, []ring.Kind{ring.KindCopy, ring.KindMapped}, slots(q))

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	assert.Zero(t, m.InUse())
	_, dropped := r.Packets()
	assert.Equal(t, 2, dropped)
	assert.True(t, q.Core().Stopped())

	pkt := r.Sized(10)
	assert.ErrorIs(t, e.Xmit(pkt), ErrClosed)
	assert.True(t, pkt.Released())

	pkt = r.Sized(10)
	assert.ErrorIs(t, e.TransmitOn(q, pkt), ErrClosed)
	assert.True(t, pkt.Released())
}

func TestQueue_Labels(t *testing.T) {
	e, _ := newTestEngine(t, &testDevice{}, WithChannels(2), WithTrafficClasses(2, 2), WithXDPQueues(1))

	q := e.Queue(1, TypeHighPri|TypeOffload)
	assert.Equal(t, 7, q.Label())
	assert.Equal(t, 1, q.Channel())
	assert.Equal(t, "txq7(ch1,offload+highpri)", q.String())
	assert.False(t, q.IsXDP())

	x := e.XDPQueue(0)
	assert.Equal(t, "xdp0", x.String())
	assert.True(t, x.IsXDP())
	assert.Nil(t, x.Partner())

	assert.Equal(t, "plain", QueueType(0).String())
	assert.Equal(t, "plain+highpri", TypeHighPri.String())
}
