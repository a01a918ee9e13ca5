package virtio

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestNetHdr_Size(t *testing.T) {
	assert.EqualValues(t, NetHdrSize, unsafe.Sizeof(NetHdr{}))
}

func TestNetHdr_Encoding(t *testing.T) {
	vnethdr := NetHdr{
		Flags:      unix.VIRTIO_NET_HDR_F_NEEDS_CSUM,
		GSOType:    unix.VIRTIO_NET_HDR_GSO_TCPV4,
		HdrLen:     40,
		GSOSize:    1448,
		CsumStart:  20,
		CsumOffset: 16,
	}

	buf := make([]byte, NetHdrSize)
	require.NoError(t, vnethdr.Encode(buf))

	assert.Equal(t, []byte{
		0x01, 0x01,
		0x28, 0x00,
		0xa8, 0x05,
		0x14, 0x00,
		0x10, 0x00,
		0x00, 0x00,
	}, buf)

	var decoded NetHdr
	require.NoError(t, decoded.Decode(buf))
	assert.Equal(t, vnethdr, decoded)

	assert.ErrorIs(t, decoded.Decode(buf[:4]), ErrNetHdrBufferTooSmall)
}

func TestNetHdr_Segments(t *testing.T) {
	tests := []struct {
		name     string
		hdr      NetHdr
		totalLen int
		want     int
	}{
		{
			name:     "no gso",
			hdr:      NetHdr{GSOType: unix.VIRTIO_NET_HDR_GSO_NONE, GSOSize: 100, HdrLen: 40},
			totalLen: 1000,
			want:     0,
		},
		{
			name:     "exact multiple",
			hdr:      NetHdr{GSOType: unix.VIRTIO_NET_HDR_GSO_TCPV4, GSOSize: 100, HdrLen: 40},
			totalLen: 440,
			want:     4,
		},
		{
			name:     "short tail",
			hdr:      NetHdr{GSOType: unix.VIRTIO_NET_HDR_GSO_TCPV6, GSOSize: 100, HdrLen: 60},
			totalLen: 461,
			want:     5,
		},
		{
			name:     "ecn flag ignored",
			hdr:      NetHdr{GSOType: unix.VIRTIO_NET_HDR_GSO_TCPV4 | unix.VIRTIO_NET_HDR_GSO_ECN, GSOSize: 10, HdrLen: 40},
			totalLen: 60,
			want:     2,
		},
		{
			name:     "header only",
			hdr:      NetHdr{GSOType: unix.VIRTIO_NET_HDR_GSO_UDP_L4, GSOSize: 10, HdrLen: 28},
			totalLen: 28,
			want:     0,
		},
		{
			name:     "zero gso size",
			hdr:      NetHdr{GSOType: unix.VIRTIO_NET_HDR_GSO_UDP_L4, HdrLen: 28},
			totalLen: 200,
			want:     0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.hdr.Segments(tt.totalLen))
		})
	}
}

func TestNetHdr_Kind(t *testing.T) {
	h := NetHdr{GSOType: unix.VIRTIO_NET_HDR_GSO_TCPV6}
	assert.True(t, h.IsGSO())
	assert.True(t, h.IsTCP())
	assert.True(t, h.IsIPv6())

	h = NetHdr{GSOType: unix.VIRTIO_NET_HDR_GSO_UDP_L4, Flags: unix.VIRTIO_NET_HDR_F_NEEDS_CSUM}
	assert.True(t, h.IsGSO())
	assert.False(t, h.IsTCP())
	assert.True(t, h.NeedsCsum())
}

func TestFeature_String(t *testing.T) {
	assert.Equal(t, "none", Feature(0).String())
	f := FeatureNetDeviceCsum | FeatureNetDeviceTSO4 | FeatureNetDeviceTSO6
	assert.Equal(t, "csum,tso4,tso6", f.String())
	assert.True(t, f.Has(FeatureNetDeviceTSO4|FeatureNetDeviceCsum))
	assert.False(t, f.Has(FeatureNetDeviceUSO))
}
