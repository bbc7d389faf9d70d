package fwimage

import (
	"regexp"
	"strconv"
)

// DefaultSTM32FlashBase is where a raw .bin is loaded if no base
// address is given or can be autodetected.
const DefaultSTM32FlashBase = 0x08000000

// stm32FlashEnd bounds the autodetected address window (spec §4.6):
// `0x08000000 <= a < 0x20000000`.
const stm32FlashEnd = 0x20000000

var addrHintRe = regexp.MustCompile(`_0x([0-9a-fA-F]{8})`)

// DetectBaseAddressFromName extracts a `_0xAAAAAAAA` address hint from
// a filename, returning it only if it falls within the valid STM32
// flash window; otherwise ok is false.
func DetectBaseAddressFromName(name string) (addr uint32, ok bool) {
	m := addrHintRe.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseUint(m[1], 16, 32)
	if err != nil {
		return 0, false
	}
	a := uint32(v)
	if a < DefaultSTM32FlashBase || a >= stm32FlashEnd {
		return 0, false
	}
	return a, true
}

// LoadRawBinary wraps data as a single-segment Image at the given base
// address (DefaultSTM32FlashBase if zero).
func LoadRawBinary(data []byte, baseAddr uint32) (*Image, error) {
	if baseAddr == 0 {
		baseAddr = DefaultSTM32FlashBase
	}
	if len(data) == 0 {
		return nil, ParseError("empty binary image")
	}
	return NewImage([]Segment{{Address: baseAddr, Data: data}})
}
