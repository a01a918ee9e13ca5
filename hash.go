package txpath

const fnv1aOffset32 uint32 = 2166136261

func hashFNV1a(state uint32, c byte) uint32 {
	const prime32 = 16777619
	return (state ^ uint32(c)) * prime32
}

// FlowHash returns a hash of the addresses and ports of an IP packet head so
// that all packets of a flow land on the same queue. Heads that are not IPv4
// or IPv6 are hashed as a whole.
func FlowHash(head []byte) uint32 {
	h := fnv1aOffset32
	for _, c := range flowKey(head) {
		h = hashFNV1a(h, c)
	}
	return h
}

// flowKey returns the source and destination addresses plus the first four
// transport header bytes, the ports for TCP and UDP.
func flowKey(head []byte) []byte {
	if len(head) == 0 {
		return head
	}

	var addrs, l4 int
	switch head[0] >> 4 {
	case 4:
		ihl := int(head[0]&0x0f) * 4
		if ihl < 20 || len(head) < ihl {
			return head
		}
		addrs, l4 = 12, ihl
	case 6:
		if len(head) < 40 {
			return head
		}
		addrs, l4 = 8, 40
	default:
		return head
	}

	end := min(l4+4, len(head))
	return head[addrs:end]
}
