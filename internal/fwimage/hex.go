// Intel HEX parsing, grounded on the teacher's
// common/go/fwbundle/fw_part_hex.go (ParseHexBundle), generalized from
// that package's ESP-oriented "parts" model to the STM32 Segment/Image
// model this core uses.
package fwimage

import (
	"bufio"
	"bytes"
	"encoding/hex"

	"github.com/cesanta/errors"
)

const (
	hexRecData                  = 0x00
	hexRecEOF                   = 0x01
	hexRecExtendedSegmentAddr   = 0x02
	hexRecStartSegmentAddr      = 0x03
	hexRecExtendedLinearAddr    = 0x04
	hexRecStartLinearAddr       = 0x05
)

// ParseIntelHex parses Intel HEX text into an Image. Every data byte's
// absolute address is computed from the running base set by extended
// segment/linear address records; contiguous bytes are coalesced into
// segments by MergeSegments with a zero gap-fill threshold effect
// (adjacent records always abut exactly, so no filler is introduced
// unless the source file itself has gaps).
func ParseIntelHex(data []byte) (*Image, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	var base uint32
	var raw []Segment
	var curAddr uint32
	var cur []byte
	curValid := false
	eof := false

	flush := func() {
		if curValid && len(cur) > 0 {
			raw = append(raw, Segment{Address: curAddr - uint32(len(cur)), Data: cur})
		}
		cur = nil
		curValid = false
	}

	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if len(line) == 0 {
			continue
		}
		if line[0] != ':' {
			return nil, ParseError("line %d: invalid start of line", lineNo)
		}
		if len(line) < 11 || len(line)%2 != 1 {
			return nil, ParseError("line %d: invalid record length", lineNo)
		}
		body, err := hex.DecodeString(line[1:])
		if err != nil {
			return nil, ParseError("line %d: invalid hex encoding", lineNo)
		}
		if len(body) < 5 {
			return nil, ParseError("line %d: record too short", lineNo)
		}
		byteCount := int(body[0])
		if len(body) != 4+byteCount+1 {
			return nil, ParseError("line %d: length field does not match record size", lineNo)
		}
		checksum := body[len(body)-1]
		var sum byte
		for _, b := range body[:len(body)-1] {
			sum += b
		}
		sum = ^sum + 1
		if sum != checksum {
			return nil, ParseError("line %d: checksum mismatch (want 0x%02x, got 0x%02x)", lineNo, checksum, sum)
		}

		offset := uint16(body[1])<<8 | uint16(body[2])
		recType := body[3]
		payload := body[4 : 4+byteCount]

		switch recType {
		case hexRecData:
			addr := base + uint32(offset)
			if curValid && addr != curAddr {
				flush()
			}
			curValid = true
			cur = append(cur, payload...)
			curAddr = addr + uint32(byteCount)
		case hexRecEOF:
			flush()
			eof = true
		case hexRecExtendedSegmentAddr:
			if byteCount != 2 {
				return nil, ParseError("line %d: invalid extended segment address record", lineNo)
			}
			flush()
			base = uint32(uint16(payload[0])<<8|uint16(payload[1])) << 4
		case hexRecExtendedLinearAddr:
			if byteCount != 2 {
				return nil, ParseError("line %d: invalid extended linear address record", lineNo)
			}
			flush()
			base = uint32(uint16(payload[0])<<8|uint16(payload[1])) << 16
		case hexRecStartLinearAddr, hexRecStartSegmentAddr:
			// Recorded for completeness; unused downstream (spec §4.6).
		default:
			return nil, ParseError("line %d: unsupported record type %d", lineNo, recType)
		}
		if eof {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Annotatef(err, "line %d", lineNo)
	}
	if !eof {
		return nil, ParseError("unexpected end of file, no EOF record")
	}

	merged := MergeSegments(raw)
	return NewImage(merged)
}
