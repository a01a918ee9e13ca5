// Package segment splits GSO packets into standalone packets in software.
package segment

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/slackhq/txpath/packet"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
)

// ErrNotSegmentable is returned for packets whose offload metadata does not
// describe a splittable TCP or UDP packet.
var ErrNotSegmentable = errors.New("packet can not be segmented")

const (
	ipv4SrcAddrOffset = 12
	ipv6SrcAddrOffset = 8
	ipv6HeaderLen     = 40

	tcpFlagsOffset = 13
	tcpFlagFIN     = 0x01
	tcpFlagPSH     = 0x08
	tcpFlagCWR     = 0x80

	tcpCsumOffset = 16
	udpCsumOffset = 6
)

// Split returns the segments of pkt as new packets. Each segment replicates
// the headers of pkt, carries at most Hdr.GSOSize bytes of payload and has
// its IP and transport checksums computed. pkt itself is left untouched and
// still owned by the caller.
func Split(pkt *packet.Packet) ([]*packet.Packet, error) {
	hdr := pkt.Hdr
	if !hdr.IsGSO() {
		return nil, fmt.Errorf("%w: no segmentation requested", ErrNotSegmentable)
	}
	if hdr.GSOSize == 0 {
		return nil, fmt.Errorf("%w: segment size is 0", ErrNotSegmentable)
	}

	in := pkt.Linearize()
	l4Start := int(hdr.CsumStart)
	hdrLen := int(hdr.HdrLen)
	if l4Start == 0 || hdrLen <= l4Start || hdrLen > len(in) {
		return nil, fmt.Errorf("%w: header length %d and transport offset %d do not fit a %d byte packet",
			ErrNotSegmentable, hdrLen, l4Start, len(in))
	}

	isV6 := false
	switch in[0] >> 4 {
	case 4:
		if hdr.IsIPv6() {
			return nil, fmt.Errorf("%w: ipv4 packet with ipv6 segmentation", ErrNotSegmentable)
		}
	case 6:
		if hdr.IsTCP() && !hdr.IsIPv6() {
			return nil, fmt.Errorf("%w: ipv6 packet with ipv4 segmentation", ErrNotSegmentable)
		}
		isV6 = true
	default:
		return nil, fmt.Errorf("%w: invalid ip version %d", ErrNotSegmentable, in[0]>>4)
	}

	srcAddrOffset, addrLen := ipv4SrcAddrOffset, 4
	if isV6 {
		srcAddrOffset, addrLen = ipv6SrcAddrOffset, 16
	}
	srcAddr := in[srcAddrOffset : srcAddrOffset+addrLen]
	dstAddr := in[srcAddrOffset+addrLen : srcAddrOffset+2*addrLen]

	isTCP := hdr.IsTCP()
	proto := uint8(unix.IPPROTO_UDP)
	csumAt := l4Start + udpCsumOffset
	if isTCP {
		proto = unix.IPPROTO_TCP
		csumAt = l4Start + tcpCsumOffset
	}
	if csumAt+2 > hdrLen {
		return nil, fmt.Errorf("%w: transport header too short", ErrNotSegmentable)
	}

	var firstSeq uint32
	if isTCP {
		firstSeq = binary.BigEndian.Uint32(in[l4Start+4:])
	}

	gsoSize := int(hdr.GSOSize)
	segs := make([]*packet.Packet, 0, (len(in)-hdrLen+gsoSize-1)/gsoSize)
	for i, dataAt := 0, hdrLen; dataAt < len(in); i, dataAt = i+1, dataAt+gsoSize {
		dataEnd := min(dataAt+gsoSize, len(in))
		last := dataEnd == len(in)
		totalLen := hdrLen + dataEnd - dataAt

		out := make([]byte, totalLen)
		copy(out, in[:hdrLen])
		copy(out[hdrLen:], in[dataAt:dataEnd])

		if isV6 {
			binary.BigEndian.PutUint16(out[4:], uint16(totalLen-ipv6HeaderLen))
		} else {
			// IPv4 needs a fresh ID, total length and header checksum per
			// segment.
			id := binary.BigEndian.Uint16(out[4:])
			binary.BigEndian.PutUint16(out[4:], id+uint16(i))
			binary.BigEndian.PutUint16(out[2:], uint16(totalLen))
			out[10], out[11] = 0, 0
			binary.BigEndian.PutUint16(out[10:], ^checksum.Checksum(out[:l4Start], 0))
		}

		if isTCP {
			binary.BigEndian.PutUint32(out[l4Start+4:], firstSeq+uint32(i*gsoSize))
			if i > 0 {
				out[l4Start+tcpFlagsOffset] &^= tcpFlagCWR
			}
			if !last {
				out[l4Start+tcpFlagsOffset] &^= tcpFlagFIN | tcpFlagPSH
			}
		} else {
			binary.BigEndian.PutUint16(out[l4Start+4:], uint16(totalLen-l4Start))
		}

		out[csumAt], out[csumAt+1] = 0, 0
		xsum := pseudoHeaderChecksum(proto, srcAddr, dstAddr, uint16(totalLen-l4Start))
		csum := ^checksum.Checksum(out[l4Start:], xsum)
		if !isTCP && csum == 0 {
			csum = 0xffff
		}
		binary.BigEndian.PutUint16(out[csumAt:], csum)

		segs = append(segs, pkt.Derive(out))
	}

	return segs, nil
}

func pseudoHeaderChecksum(proto uint8, src, dst []byte, length uint16) uint16 {
	xsum := checksum.Checksum(src, 0)
	xsum = checksum.Checksum(dst, xsum)
	xsum = checksum.Combine(xsum, uint16(proto))
	return checksum.Combine(xsum, length)
}
