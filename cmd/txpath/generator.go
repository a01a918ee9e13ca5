package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/txpath"
	"github.com/slackhq/txpath/config"
	"github.com/slackhq/txpath/nic"
	"github.com/slackhq/txpath/packet"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// wireStats counts what the loopback device put on the wire.
type wireStats struct {
	packets metrics.Counter
	bytes   metrics.Counter
	pio     metrics.Counter
	tso     metrics.Counter
	xdp     metrics.Counter
}

func newWireStats() *wireStats {
	return &wireStats{
		packets: metrics.NewCounter(),
		bytes:   metrics.NewCounter(),
		pio:     metrics.NewCounter(),
		tso:     metrics.NewCounter(),
		xdp:     metrics.NewCounter(),
	}
}

func (w *wireStats) record(t nic.Transmitted) {
	w.packets.Inc(1)
	w.bytes.Inc(int64(len(t.Data)))
	if t.PIO {
		w.pio.Inc(1)
	}
	if t.Segments > 0 {
		w.tso.Inc(1)
	}
	if t.XDP {
		w.xdp.Inc(1)
	}
}

func (w *wireStats) log(l *logrus.Logger) {
	l.WithFields(logrus.Fields{
		"packets": w.packets.Count(),
		"bytes":   w.bytes.Count(),
		"pio":     w.pio.Count(),
		"tso":     w.tso.Count(),
		"xdp":     w.xdp.Count(),
	}).Info("Loopback wire totals")
}

type generatorConfig struct {
	flows    int
	packets  int
	payload  int
	gsoSize  int
	udp      bool
	ipv6     bool
	batch    int
	priority int
	xdp      int
	timeout  time.Duration
}

func loadGeneratorConfig(c *config.C) (generatorConfig, error) {
	g := generatorConfig{
		flows:    c.GetInt("generator.flows", 4),
		packets:  c.GetInt("generator.packets", 1000),
		payload:  c.GetInt("generator.payload", 1200),
		gsoSize:  c.GetInt("generator.gso_size", 0),
		ipv6:     c.GetBool("generator.ipv6", false),
		batch:    c.GetInt("generator.batch", 1),
		priority: c.GetInt("generator.priority", 0),
		xdp:      c.GetInt("generator.xdp_frames", 0),
		timeout:  c.GetDuration("generator.drain_timeout", 5*time.Second),
	}

	switch proto := c.GetString("generator.protocol", "tcp"); proto {
	case "tcp":
	case "udp":
		g.udp = true
	default:
		return g, fmt.Errorf("generator.protocol was not understood: %s", proto)
	}

	if g.flows <= 0 || g.packets < 0 || g.payload <= 0 || g.batch <= 0 {
		return g, errors.New("generator.flows, generator.payload and generator.batch must be positive")
	}
	if g.gsoSize < 0 || g.gsoSize > 0xffff {
		return g, fmt.Errorf("generator.gso_size %d is out of range", g.gsoSize)
	}
	return g, nil
}

// runGenerator sends generator.packets packets on each of generator.flows
// flows through e and waits until the device released all of them.
func runGenerator(ctx context.Context, l *logrus.Logger, c *config.C, e *txpath.Engine) error {
	cfg, err := loadGeneratorConfig(c)
	if err != nil {
		return err
	}

	consumed := metrics.NewCounter()
	dropped := metrics.NewCounter()
	onRelease := func(_ *packet.Packet, ok bool) {
		if ok {
			consumed.Inc(1)
		} else {
			dropped.Inc(1)
		}
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for flow := range cfg.flows {
		g.Go(func() error {
			return sendFlow(gctx, e, cfg, flow, onRelease)
		})
	}
	if cfg.xdp > 0 {
		g.Go(func() error {
			return sendFrames(e, cfg)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	total := int64(cfg.flows * cfg.packets)
	deadline := time.After(cfg.timeout)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for consumed.Count()+dropped.Count() < total {
		select {
		case <-deadline:
			return fmt.Errorf("%d of %d packets still in flight after %s",
				total-consumed.Count()-dropped.Count(), total, cfg.timeout)
		case <-tick.C:
		}
	}

	l.WithFields(logrus.Fields{
		"flows":    cfg.flows,
		"consumed": consumed.Count(),
		"dropped":  dropped.Count(),
		"duration": time.Since(start),
	}).Info("Traffic generator finished")

	for _, q := range e.Queues() {
		s := q.Stats()
		if s.TxPackets == 0 && s.Drops == 0 {
			continue
		}
		l.WithField("queue", q.String()).WithField("stats", fmt.Sprintf("%+v", s)).Info("Queue statistics")
	}
	return nil
}

func sendFlow(ctx context.Context, e *txpath.Engine, cfg generatorConfig, flow int, onRelease func(*packet.Packet, bool)) error {
	template, hdrLen, l4Start, err := buildPacket(cfg, flow)
	if err != nil {
		return err
	}

	for i := range cfg.packets {
		b := append([]byte(nil), template...)
		pkt := packet.New(onRelease, b[:hdrLen], b[hdrLen:])
		pkt.Priority = cfg.priority
		pkt.More = (i+1)%cfg.batch != 0 && i != cfg.packets-1
		if cfg.gsoSize > 0 {
			setGSO(pkt, cfg, hdrLen, l4Start)
		}

		core := e.CoreQueue(e.SelectQueue(pkt))
		if err := core.WaitRunning(ctx); err != nil {
			pkt.Drop()
			return err
		}

		err := e.Xmit(pkt)
		if errors.Is(err, txpath.ErrClosed) {
			return err
		}
	}
	return nil
}

func sendFrames(e *txpath.Engine, cfg generatorConfig) error {
	frames := make([]*packet.Frame, cfg.xdp)
	for i := range frames {
		b, _, _, err := buildPacket(generatorConfig{udp: true, ipv6: cfg.ipv6, payload: 64}, i)
		if err != nil {
			return err
		}
		frames[i] = packet.NewFrame(b, nil)
	}

	_, err := e.XDPTransmit(0, frames, true)
	if errors.Is(err, txpath.ErrNoXDPQueue) {
		return nil
	}
	return err
}

func setGSO(pkt *packet.Packet, cfg generatorConfig, hdrLen, l4Start int) {
	pkt.ChecksumPartial = true
	pkt.Hdr.Flags = unix.VIRTIO_NET_HDR_F_NEEDS_CSUM
	pkt.Hdr.HdrLen = uint16(hdrLen)
	pkt.Hdr.GSOSize = uint16(cfg.gsoSize)
	pkt.Hdr.CsumStart = uint16(l4Start)
	switch {
	case cfg.udp:
		pkt.Hdr.GSOType = unix.VIRTIO_NET_HDR_GSO_UDP_L4
		pkt.Hdr.CsumOffset = 6
	case cfg.ipv6:
		pkt.Hdr.GSOType = unix.VIRTIO_NET_HDR_GSO_TCPV6
		pkt.Hdr.CsumOffset = 16
	default:
		pkt.Hdr.GSOType = unix.VIRTIO_NET_HDR_GSO_TCPV4
		pkt.Hdr.CsumOffset = 16
	}
}

// buildPacket serializes the packet of a flow and returns it with the
// length of its headers and the offset of its transport header.
func buildPacket(cfg generatorConfig, flow int) ([]byte, int, int, error) {
	srcPort := layers.TCPPort(10000 + flow)

	var l4 interface {
		gopacket.SerializableLayer
		SetNetworkLayerForChecksum(gopacket.NetworkLayer) error
	}
	proto := layers.IPProtocolTCP
	l4Len := 20
	if cfg.udp {
		proto = layers.IPProtocolUDP
		l4Len = 8
		l4 = &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: 4789}
	} else {
		l4 = &layers.TCP{SrcPort: srcPort, DstPort: 80, Seq: 1, Ack: 1, ACK: true, PSH: true, Window: 65535}
	}

	var ip gopacket.NetworkLayer
	l4Start := 20
	if cfg.ipv6 {
		l4Start = 40
		ip = &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: proto,
			SrcIP:      net.ParseIP("fd00::1"),
			DstIP:      net.ParseIP("fd00::2"),
		}
	} else {
		ip = &layers.IPv4{
			Version:  4,
			TTL:      64,
			Flags:    layers.IPv4DontFragment,
			Protocol: proto,
			SrcIP:    net.IPv4(10, 0, 0, 1),
			DstIP:    net.IPv4(10, 0, 0, 2),
		}
	}
	if err := l4.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, 0, 0, err
	}

	payload := make([]byte, cfg.payload)
	for i := range payload {
		payload[i] = byte(i)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	err := gopacket.SerializeLayers(buf, opts, ip.(gopacket.SerializableLayer), l4, gopacket.Payload(payload))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to build flow %d packet: %w", flow, err)
	}
	return buf.Bytes(), l4Start + l4Len, l4Start, nil
}
