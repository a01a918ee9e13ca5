package ring

import "fmt"

// Option is an option descriptor: a 64-bit word that carries instructions
// for the device instead of a buffer address.
//
//	63     IsOpt, always 1
//	60..62 option type
//
// PIO options:
//
//	59     continuation
//	32..43 byte count
//	0..11  offset of the data inside the device write window
//
// TSO options:
//
//	32..47 segment payload size (MSS)
//	16..31 number of segments
//	0..15  header length
type Option uint64

// OptionType identifies the instruction an [Option] carries.
type OptionType uint8

const (
	OptionTypePIO OptionType = 1
	OptionTypeTSO OptionType = 7
)

func (t OptionType) String() string {
	switch t {
	case OptionTypePIO:
		return "pio"
	case OptionTypeTSO:
		return "tso"
	default:
		return fmt.Sprintf("option(%d)", uint8(t))
	}
}

const (
	optIsOpt     = 1 << 63
	optTypeShift = 60
	optTypeMask  = 0x7

	pioContBit     = 1 << 59
	pioCountShift  = 32
	pioCountMask   = 0xfff
	pioOffsetMask  = 0xfff
	tsoMSSShift    = 32
	tsoSegsShift   = 16
	tsoFieldMask   = 0xffff
	MaxPIOByteCnt  = pioCountMask
	MaxPIOBufAddr  = pioOffsetMask
	MaxTSOSegments = tsoFieldMask
)

// PIOOption returns the option telling the device to send length bytes that
// were already written at offset of its write window.
func PIOOption(length, offset int, cont bool) Option {
	if length < 0 || length > MaxPIOByteCnt {
		panic(fmt.Sprintf("pio byte count %d out of range", length))
	}
	if offset < 0 || offset > MaxPIOBufAddr {
		panic(fmt.Sprintf("pio buffer offset %d out of range", offset))
	}
	o := Option(optIsOpt | uint64(OptionTypePIO)<<optTypeShift |
		uint64(length)<<pioCountShift | uint64(offset))
	if cont {
		o |= pioContBit
	}
	return o
}

// TSOOption returns the option telling the device to segment the following
// packet descriptors.
func TSOOption(mss, segments, headerLen int) Option {
	if mss <= 0 || mss > tsoFieldMask || segments <= 0 || segments > MaxTSOSegments ||
		headerLen < 0 || headerLen > tsoFieldMask {
		panic(fmt.Sprintf("tso option out of range: mss=%d segments=%d header=%d", mss, segments, headerLen))
	}
	return Option(optIsOpt | uint64(OptionTypeTSO)<<optTypeShift |
		uint64(mss)<<tsoMSSShift | uint64(segments)<<tsoSegsShift | uint64(headerLen))
}

func (o Option) IsOpt() bool {
	return o&optIsOpt != 0
}

func (o Option) Type() OptionType {
	return OptionType(uint64(o) >> optTypeShift & optTypeMask)
}

// PIO decodes a PIO option.
func (o Option) PIO() (length, offset int, cont bool) {
	return int(uint64(o) >> pioCountShift & pioCountMask), int(uint64(o) & pioOffsetMask), o&pioContBit != 0
}

// TSO decodes a TSO option.
func (o Option) TSO() (mss, segments, headerLen int) {
	return int(uint64(o) >> tsoMSSShift & tsoFieldMask),
		int(uint64(o) >> tsoSegsShift & tsoFieldMask),
		int(uint64(o) & tsoFieldMask)
}

func (o Option) String() string {
	if !o.IsOpt() {
		return "not-an-option"
	}
	switch o.Type() {
	case OptionTypePIO:
		l, off, cont := o.PIO()
		return fmt.Sprintf("pio len=%d off=%d cont=%v", l, off, cont)
	case OptionTypeTSO:
		mss, segs, hl := o.TSO()
		return fmt.Sprintf("tso mss=%d segs=%d hdr=%d", mss, segs, hl)
	default:
		return o.Type().String()
	}
}
