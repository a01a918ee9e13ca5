package ring

import (
	"fmt"

	"github.com/slackhq/txpath/dma"
)

// Descriptor is what the device reads for one slot when it is pushed.
type Descriptor struct {
	// Index is the insert counter value of the slot. The device reports
	// completion by handing back Index+1 of the last slot it finished.
	Index uint32
	Addr  dma.Addr
	Len   uint32
	// Cont is set when the next descriptor belongs to the same packet.
	Cont   bool
	Option Option
}

// IsOption reports whether the descriptor carries an option word.
func (d Descriptor) IsOption() bool {
	return d.Option.IsOpt()
}

func (d Descriptor) String() string {
	if d.IsOption() {
		return fmt.Sprintf("#%d %s cont=%v", d.Index, d.Option, d.Cont)
	}
	return fmt.Sprintf("#%d addr=%#x len=%d cont=%v", d.Index, d.Addr, d.Len, d.Cont)
}
