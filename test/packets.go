package test

import (
	"net"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/slackhq/txpath/packet"
	"golang.org/x/sys/unix"
)

// Recorder hands out packets and frames and counts how they were released.
type Recorder struct {
	mu             sync.Mutex
	consumed       int
	dropped        int
	framesSent     int
	framesReturned int
	Released       []*packet.Packet
}

func (r *Recorder) onRelease(p *packet.Packet, consumed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if consumed {
		r.consumed++
	} else {
		r.dropped++
	}
	r.Released = append(r.Released, p)
}

func (r *Recorder) onReturn(_ *packet.Frame, sent bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sent {
		r.framesSent++
	} else {
		r.framesReturned++
	}
}

// Packet returns a packet over fragments whose release is recorded.
func (r *Recorder) Packet(fragments ...[]byte) *packet.Packet {
	return packet.New(r.onRelease, fragments...)
}

// Sized returns a packet of n bytes spread over the given fragment sizes. The
// last fragment gets the remainder.
func (r *Recorder) Sized(sizes ...int) *packet.Packet {
	frags := make([][]byte, len(sizes))
	for i, s := range sizes {
		frags[i] = make([]byte, s)
		for j := range frags[i] {
			frags[i][j] = byte(i + j)
		}
	}
	return r.Packet(frags...)
}

// Frame returns a frame whose return is recorded.
func (r *Recorder) Frame(data []byte) *packet.Frame {
	return packet.NewFrame(data, r.onReturn)
}

// Packets returns how many packets were consumed and dropped.
func (r *Recorder) Packets() (consumed, dropped int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.consumed, r.dropped
}

// Frames returns how many frames were sent and returned unsent.
func (r *Recorder) Frames() (sent, returned int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.framesSent, r.framesReturned
}

// TCPFlags selects the flags of a built TCP packet.
type TCPFlags struct {
	PSH, FIN, CWR bool
}

// BuildTCP serializes an IP/TCP packet with payloadLen bytes of payload.
func BuildTCP(v6 bool, payloadLen int, seq uint32, flags TCPFlags) []byte {
	tcp := &layers.TCP{
		SrcPort: 4242,
		DstPort: 80,
		Seq:     seq,
		Ack:     1,
		ACK:     true,
		PSH:     flags.PSH,
		FIN:     flags.FIN,
		CWR:     flags.CWR,
		Window:  65535,
	}
	return build(v6, layers.IPProtocolTCP, tcp, payloadLen)
}

// BuildUDP serializes an IP/UDP packet with payloadLen bytes of payload.
func BuildUDP(v6 bool, payloadLen int) []byte {
	return build(v6, layers.IPProtocolUDP, &layers.UDP{SrcPort: 4242, DstPort: 4243}, payloadLen)
}

type transport interface {
	gopacket.SerializableLayer
	SetNetworkLayerForChecksum(gopacket.NetworkLayer) error
}

func build(v6 bool, proto layers.IPProtocol, l4 transport, payloadLen int) []byte {
	payload := make([]byte, payloadLen)
	for i := range payload {
		payload[i] = byte(i)
	}

	var ip gopacket.SerializableLayer
	if v6 {
		ip6 := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: proto,
			SrcIP:      net.ParseIP("fd00::1"),
			DstIP:      net.ParseIP("fd00::2"),
		}
		if err := l4.SetNetworkLayerForChecksum(ip6); err != nil {
			panic(err)
		}
		ip = ip6
	} else {
		ip4 := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Id:       100,
			Flags:    layers.IPv4DontFragment,
			Protocol: proto,
			SrcIP:    net.IPv4(10, 0, 0, 1),
			DstIP:    net.IPv4(10, 0, 0, 2),
		}
		if err := l4.SetNetworkLayerForChecksum(ip4); err != nil {
			panic(err)
		}
		ip = ip4
	}

	buf := gopacket.NewSerializeBuffer()
	opt := gopacket.SerializeOptions{
		ComputeChecksums: true,
		FixLengths:       true,
	}
	if err := gopacket.SerializeLayers(buf, opt, ip, l4, gopacket.Payload(payload)); err != nil {
		panic(err)
	}
	return append([]byte(nil), buf.Bytes()...)
}

// GSOPacket returns a segmentation offload packet of payloadLen bytes split
// into mss sized segments. The head fragment holds the headers and the
// payload is carried in a second fragment.
func (r *Recorder) GSOPacket(v6, tcp bool, payloadLen, mss int) *packet.Packet {
	var b []byte
	if tcp {
		b = BuildTCP(v6, payloadLen, 1000, TCPFlags{PSH: true})
	} else {
		b = BuildUDP(v6, payloadLen)
	}

	l4Start := 20
	if v6 {
		l4Start = 40
	}
	hdrLen := l4Start + 8
	if tcp {
		hdrLen = l4Start + 20
	}

	p := r.Packet(b[:hdrLen], b[hdrLen:])
	p.ChecksumPartial = true
	p.Hdr.Flags = unix.VIRTIO_NET_HDR_F_NEEDS_CSUM
	p.Hdr.HdrLen = uint16(hdrLen)
	p.Hdr.GSOSize = uint16(mss)
	p.Hdr.CsumStart = uint16(l4Start)
	switch {
	case !tcp:
		p.Hdr.GSOType = unix.VIRTIO_NET_HDR_GSO_UDP_L4
		p.Hdr.CsumOffset = 6
	case v6:
		p.Hdr.GSOType = unix.VIRTIO_NET_HDR_GSO_TCPV6
		p.Hdr.CsumOffset = 16
	default:
		p.Hdr.GSOType = unix.VIRTIO_NET_HDR_GSO_TCPV4
		p.Hdr.CsumOffset = 16
	}
	return p
}
