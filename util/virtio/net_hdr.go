package virtio

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Workaround to make Go doc links work.
var _ unix.Errno

// NetHdrSize is the number of bytes needed to store a [NetHdr] in memory.
const NetHdrSize = 12

// ErrNetHdrBufferTooSmall is returned when a buffer is too small to fit a
// virtio_net_hdr.
var ErrNetHdrBufferTooSmall = errors.New("the buffer is too small to fit a virtio_net_hdr")

// NetHdr carries the offload metadata of an outbound packet. The layout
// matches virtio_net_hdr so packets handed over by a TUN device with
// IFF_VNET_HDR can be passed through unchanged.
type NetHdr struct {
	// Flags that describe the packet.
	// Possible values are:
	//   - [unix.VIRTIO_NET_HDR_F_NEEDS_CSUM]
	//   - [unix.VIRTIO_NET_HDR_F_DATA_VALID]
	Flags uint8
	// GSOType contains the type of segmentation offload requested.
	// Possible values are:
	//   - [unix.VIRTIO_NET_HDR_GSO_NONE]
	//   - [unix.VIRTIO_NET_HDR_GSO_TCPV4]
	//   - [unix.VIRTIO_NET_HDR_GSO_TCPV6]
	//   - [unix.VIRTIO_NET_HDR_GSO_UDP_L4]
	GSOType uint8
	// HdrLen is the number of bytes from the beginning of the packet to the
	// beginning of the transport payload. These bytes are replicated into
	// every segment.
	HdrLen uint16
	// GSOSize is the payload size of every segment but the last one. In case
	// of TCP, this is the MSS.
	GSOSize uint16
	// CsumStart is the offset of the transport header.
	CsumStart uint16
	// CsumOffset specifies how many bytes after [NetHdr.CsumStart] the 16-bit
	// transport checksum lives.
	CsumOffset uint16
	// NumBuffers is unused for transmitted packets and must be zero.
	NumBuffers uint16
}

// Decode decodes the [NetHdr] from the given byte slice. The slice must contain
// at least [NetHdrSize] bytes.
func (v *NetHdr) Decode(data []byte) error {
	if len(data) < NetHdrSize {
		return ErrNetHdrBufferTooSmall
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(v)), NetHdrSize), data[:NetHdrSize])
	return nil
}

// Encode encodes the [NetHdr] into the given byte slice. The slice must have
// room for at least [NetHdrSize] bytes.
func (v *NetHdr) Encode(data []byte) error {
	if len(data) < NetHdrSize {
		return ErrNetHdrBufferTooSmall
	}
	copy(data[:NetHdrSize], unsafe.Slice((*byte)(unsafe.Pointer(v)), NetHdrSize))
	return nil
}

// IsGSO reports whether the header requests segmentation offload.
func (v *NetHdr) IsGSO() bool {
	return v.GSOType&^unix.VIRTIO_NET_HDR_GSO_ECN != unix.VIRTIO_NET_HDR_GSO_NONE
}

// IsTCP reports whether the requested segmentation is TCP segmentation.
func (v *NetHdr) IsTCP() bool {
	switch v.GSOType &^ unix.VIRTIO_NET_HDR_GSO_ECN {
	case unix.VIRTIO_NET_HDR_GSO_TCPV4, unix.VIRTIO_NET_HDR_GSO_TCPV6:
		return true
	}
	return false
}

// IsIPv6 reports whether the requested segmentation carries IPv6 packets.
// UDP segmentation does not encode the IP version, the caller has to look at
// the packet for that.
func (v *NetHdr) IsIPv6() bool {
	return v.GSOType&^unix.VIRTIO_NET_HDR_GSO_ECN == unix.VIRTIO_NET_HDR_GSO_TCPV6
}

// NeedsCsum reports whether the transport checksum is left for the device.
func (v *NetHdr) NeedsCsum() bool {
	return v.Flags&unix.VIRTIO_NET_HDR_F_NEEDS_CSUM != 0
}

// Segments returns the number of segments a packet of totalLen bytes splits
// into, or 0 if no segmentation was requested.
func (v *NetHdr) Segments(totalLen int) int {
	if !v.IsGSO() || v.GSOSize == 0 {
		return 0
	}
	payload := totalLen - int(v.HdrLen)
	if payload <= 0 {
		return 0
	}
	return (payload + int(v.GSOSize) - 1) / int(v.GSOSize)
}
