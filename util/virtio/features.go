package virtio

import "strings"

// Feature contains offload feature bits advertised by a transmit engine. The
// bit positions follow the virtio-net device feature bits so they can be
// handed to a virtio backend as they are.
type Feature uint64

// Source: https://docs.oasis-open.org/virtio/virtio/v1.2/csd01/virtio-v1.2-csd01.html#x1-2200003
const (
	// FeatureNetDeviceCsum indicates that the device can handle packets with
	// partial checksum (checksum offload).
	FeatureNetDeviceCsum Feature = 1 << 0

	// FeatureNetDeviceTSO4 indicates that the device segments IPv4 TCP
	// packets.
	FeatureNetDeviceTSO4 Feature = 1 << 11

	// FeatureNetDeviceTSO6 indicates that the device segments IPv6 TCP
	// packets.
	FeatureNetDeviceTSO6 Feature = 1 << 12

	// FeatureNetDeviceECN indicates that the device segments TCP packets
	// with ECN set.
	FeatureNetDeviceECN Feature = 1 << 13

	// FeatureNetMQ indicates multiqueue transmit.
	FeatureNetMQ Feature = 1 << 22

	// FeatureNetDeviceUSO indicates that the device segments UDP packets.
	FeatureNetDeviceUSO Feature = 1 << 56
)

var featureNames = []struct {
	f    Feature
	name string
}{
	{FeatureNetDeviceCsum, "csum"},
	{FeatureNetDeviceTSO4, "tso4"},
	{FeatureNetDeviceTSO6, "tso6"},
	{FeatureNetDeviceECN, "ecn"},
	{FeatureNetMQ, "mq"},
	{FeatureNetDeviceUSO, "uso"},
}

// Has reports whether all bits of o are set in f.
func (f Feature) Has(o Feature) bool {
	return f&o == o
}

func (f Feature) String() string {
	var names []string
	for _, fn := range featureNames {
		if f.Has(fn.f) {
			names = append(names, fn.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}
