package txpath

import (
	"errors"
	"fmt"

	"github.com/slackhq/txpath/packet"
	"github.com/slackhq/txpath/ring"
	"github.com/slackhq/txpath/segment"
)

// SegmentationOffload hands a GSO packet to the device's segmentation
// engine. It runs on the producer side of q and may write option
// descriptors through [Queue.InsertOption]. When dataMapped is false the
// engine maps the packet data behind those descriptors.
//
// Returning an error wrapping [ErrTSOUnsupported] makes the engine segment
// the packet in software. Any other error drops the packet.
type SegmentationOffload interface {
	HandleTSO(q *Queue, pkt *packet.Packet) (dataMapped bool, err error)
}

// HardwareTSO describes a packet to the device with a single TSO option
// descriptor and lets the engine map the data.
type HardwareTSO struct {
	maxSegments int
}

// NewHardwareTSO returns a handler accepting TCP packets of at most
// maxSegments segments.
func NewHardwareTSO(maxSegments int) *HardwareTSO {
	return &HardwareTSO{maxSegments: maxSegments}
}

// HandleTSO writes the TSO option descriptor for pkt and leaves the data to
// the engine. UDP segmentation, packets over the segment limit and headers
// that spill out of the head fragment are refused with [ErrTSOUnsupported].
func (h *HardwareTSO) HandleTSO(q *Queue, pkt *packet.Packet) (bool, error) {
	hdr := pkt.Hdr
	if hdr.GSOSize == 0 {
		return false, errors.New("segmentation requested without a segment size")
	}

	if !hdr.IsTCP() {
		return false, fmt.Errorf("%w: gso type %d", ErrTSOUnsupported, hdr.GSOType)
	}

	segs := pkt.Segments()
	if segs > h.maxSegments {
		return false, fmt.Errorf("%w: %d segments, limit is %d", ErrTSOUnsupported, segs, h.maxSegments)
	}

	hdrLen := pkt.HeaderLen()
	if hdrLen == 0 || hdrLen > pkt.HeadLen() {
		return false, fmt.Errorf("%w: %d byte header is not inside the %d byte head",
			ErrTSOUnsupported, hdrLen, pkt.HeadLen())
	}

	q.InsertOption(ring.TSOOption(int(hdr.GSOSize), segs, hdrLen))
	return false, nil
}

// tsoFallback segments pkt in software and transmits every segment on q.
// pkt is consumed once it has been split.
func (q *Queue) tsoFallback(pkt *packet.Packet) error {
	segs, err := segment.Split(pkt)
	if err != nil {
		return err
	}
	pkt.Consume()

	for _, s := range segs {
		// Segment failures are accounted as drops by enqueue and do not
		// affect the remaining segments.
		_ = q.enqueue(s)
	}
	return nil
}

// softwareTSO rejects every packet so that all segmentation happens in
// software. It is used when hardware segmentation is disabled.
type softwareTSO struct{}

func (softwareTSO) HandleTSO(*Queue, *packet.Packet) (bool, error) {
	return false, ErrTSOUnsupported
}
