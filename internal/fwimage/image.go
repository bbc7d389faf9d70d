// Package fwimage implements the common firmware-image representation
// (spec §3.1) and its three loaders: Intel HEX, DfuSe, and raw binary.
// It is grounded on the teacher's common/go/fwbundle package, which
// parses the same formats for the ESP/ESP32 flashers, generalized here
// to the STM32 segment model the DFU and USART flashers share.
package fwimage

import (
	"sort"

	"github.com/cesanta/errors"
)

// Segment is a contiguous run of bytes destined for consecutive flash
// addresses starting at Address.
type Segment struct {
	Address uint32
	Data    []byte
}

func (s Segment) End() uint32 {
	return s.Address + uint32(len(s.Data))
}

// Image is the common, immutable result of every loader: an ordered,
// non-overlapping list of segments plus optional target metadata
// carried over from DfuSe files.
type Image struct {
	Segments   []Segment
	TotalSize  uint64
	TargetName string
	TargetAlt  uint8
	HasTarget  bool
}

// ParseError wraps a reason with a stable "ParseError" prefix so callers
// can distinguish firmware-file problems from transport/USB problems.
func ParseError(format string, args ...interface{}) error {
	return errors.Errorf("ParseError: "+format, args...)
}

// NewImage validates and sorts segs, matching spec §3.1's invariants:
// non-empty data, sorted by address, no overlaps, contiguous within a
// segment (trivially true by construction here).
func NewImage(segs []Segment) (*Image, error) {
	cp := append([]Segment(nil), segs...)
	sort.Slice(cp, func(i, j int) bool { return cp[i].Address < cp[j].Address })

	var total uint64
	for i, s := range cp {
		if len(s.Data) == 0 {
			return nil, ParseError("segment at 0x%x is empty", s.Address)
		}
		if i > 0 && s.Address < cp[i-1].End() {
			return nil, ParseError("segment at 0x%x overlaps previous segment ending at 0x%x", s.Address, cp[i-1].End())
		}
		total += uint64(len(s.Data))
	}
	return &Image{Segments: cp, TotalSize: total}, nil
}
