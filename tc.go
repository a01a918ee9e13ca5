package txpath

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/txpath/packet"
)

// TxqRange is the range of upper layer queue indexes serving a traffic
// class.
type TxqRange struct {
	Offset int
	Count  int
}

type tcState struct {
	numTC   int
	tcToTxq []TxqRange
	realNum int
}

func newTCState(numTC, channels int) *tcState {
	classes := max(numTC, 1)
	s := &tcState{
		numTC:   numTC,
		tcToTxq: make([]TxqRange, classes),
		realNum: classes * channels,
	}
	for tc := range s.tcToTxq {
		s.tcToTxq[tc] = TxqRange{Offset: tc * channels, Count: channels}
	}
	return s
}

// NumTC returns the number of configured traffic classes. 0 means traffic
// classes are not in use.
func (e *Engine) NumTC() int {
	return e.tc.Load().numTC
}

// RealNumTxQueues returns the number of upper layer queues in use.
func (e *Engine) RealNumTxQueues() int {
	return e.tc.Load().realNum
}

// TCToTxq returns the upper layer queues of traffic class tc.
func (e *Engine) TCToTxq(tc int) (TxqRange, bool) {
	s := e.tc.Load()
	if tc < 0 || tc >= len(s.tcToTxq) {
		return TxqRange{}, false
	}
	return s.tcToTxq[tc], true
}

// SetupTC changes the number of traffic classes. Every class gets one upper
// layer queue per channel; class 1 is served by the high priority queues,
// which are provisioned when they are first needed. High priority queues are
// never torn down here since only part of the queues would have to be
// flushed; Close releases them.
func (e *Engine) SetupTC(numTC int) error {
	if numTC < 0 || numTC > e.opts.maxTC {
		return fmt.Errorf("%w: %d, max is %d", ErrInvalidTrafficClass, numTC, e.opts.maxTC)
	}

	e.tcMu.Lock()
	defer e.tcMu.Unlock()

	cur := e.tc.Load()
	if numTC == cur.numTC {
		return nil
	}

	next := newTCState(numTC, e.opts.channels)
	if numTC > cur.numTC {
		for ch := 0; ch < e.opts.channels; ch++ {
			for _, typ := range []QueueType{TypeHighPri, TypeHighPri | TypeOffload} {
				q, err := e.provisionQueue(ch, typ)
				if err != nil {
					return err
				}
				e.initCoreTxq(q)
				if !q.initialised {
					q.init()
				}
			}
		}
	} else {
		// Reduce the number of classes before the number of queues.
		e.tc.Store(&tcState{numTC: numTC, tcToTxq: next.tcToTxq, realNum: cur.realNum})
	}
	e.tc.Store(next)

	e.l.WithFields(logrus.Fields{
		"from":     cur.numTC,
		"to":       numTC,
		"txQueues": next.realNum,
	}).Info("Traffic classes changed")
	return nil
}

// SelectQueue returns the upper layer queue index pkt is sent on. A valid
// QueueMapping is kept, otherwise the flow hash picks a queue of the traffic
// class given by the packet priority.
func (e *Engine) SelectQueue(pkt *packet.Packet) int {
	s := e.tc.Load()
	if pkt.QueueMapping >= 0 && pkt.QueueMapping < s.realNum {
		return pkt.QueueMapping
	}

	tc := 0
	if s.numTC > 0 {
		tc = min(max(pkt.Priority, 0), s.numTC-1)
	}
	r := s.tcToTxq[tc]

	hash := pkt.Hash
	if hash == 0 && len(pkt.Fragments) > 0 {
		hash = FlowHash(pkt.Fragments[0])
	}
	return r.Offset + int(hash%uint32(r.Count))
}

// queueFor maps an upper layer queue index to the hardware queue: the
// offload queue for packets with checksum offload, and the high priority
// queues for indexes past the channel count. The inverse is initCoreTxq.
func (e *Engine) queueFor(index int, pkt *packet.Packet) *Queue {
	var typ QueueType
	if pkt.ChecksumPartial {
		typ = TypeOffload
	}
	if index >= e.opts.channels {
		index -= e.opts.channels
		typ |= TypeHighPri
	}
	return e.queues[index*queueTypes+int(typ)]
}
