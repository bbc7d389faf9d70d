package msp

import (
	"time"

	"github.com/rubenCodeforges/ardudeck-sub009/internal/crcutil"
)

type state int

const (
	stateIdle state = iota
	stateHeaderM
	stateHeaderDirection
	stateV1Length
	stateV1Command
	stateV1Payload
	stateV1Checksum
	stateV2Flag
	stateV2CommandLo
	stateV2CommandHi
	stateV2LengthLo
	stateV2LengthHi
	stateV2Payload
	stateV2CRC
)

// Stats are monotonically increasing counters describing everything the
// parser has seen since construction (or since the last ResetStats).
type Stats struct {
	PacketsReceived uint64
	PacketsV1       uint64
	PacketsV2       uint64
	Errors          uint64
	BadLength       uint64
	BadChecksum     uint64
}

// Parser is a single-threaded, cooperative MSP v1/v2 frame assembler.
// It never performs I/O and never blocks: Feed consumes as many bytes
// of the given chunk as it can and returns the packets it managed to
// assemble, preserving wire order. Callers drive it with arbitrarily
// sized chunks of bytes received off the wire; resumability across
// chunk boundaries is the whole point.
type Parser struct {
	st    state
	stats Stats

	version   int
	direction Direction
	flag      byte
	command   uint16
	length    int
	payload   []byte
	need      int // bytes still wanted to complete payload/command/length

	// v1-only running checksum components, re-derived from the frame
	// itself at checksum time (kept simple rather than folded
	// incrementally, since the full frame bytes are already buffered).
}

func NewParser() *Parser {
	return &Parser{st: stateIdle}
}

// Reset clears parsing state (mid-frame progress) but not statistics.
func (p *Parser) Reset() {
	p.st = stateIdle
	p.payload = nil
}

// ResetStats zeroes the statistics counters.
func (p *Parser) ResetStats() {
	p.stats = Stats{}
}

func (p *Parser) Stats() Stats {
	return p.stats
}

// Feed consumes buf and returns the packets it completed, in the order
// they were framed. Bytes that do not contribute to a valid frame are
// silently discarded; a frame dropped for an oversized length or a bad
// checksum bumps BadLength or BadChecksum, and an error-direction frame
// bumps Errors but is still returned.
func (p *Parser) Feed(buf []byte) []Packet {
	var out []Packet
	for _, b := range buf {
		if pkt, ok := p.step(b); ok {
			out = append(out, pkt)
		}
	}
	return out
}

func (p *Parser) step(b byte) (Packet, bool) {
	switch p.st {
	case stateIdle:
		if b == '$' {
			p.st = stateHeaderM
		}
		return Packet{}, false

	case stateHeaderM:
		switch b {
		case 'M':
			p.version = 1
			p.st = stateHeaderDirection
		case 'X':
			p.version = 2
			p.st = stateHeaderDirection
		default:
			p.st = stateIdle
		}
		return Packet{}, false

	case stateHeaderDirection:
		switch Direction(b) {
		case DirRequest, DirResponse:
			p.direction = Direction(b)
		case DirError:
			p.direction = DirError
			p.stats.Errors++
		default:
			p.st = stateIdle
			return Packet{}, false
		}
		if p.version == 1 {
			p.st = stateV1Length
		} else {
			p.flag = 0
			p.st = stateV2Flag
		}
		return Packet{}, false

	// --- MSPv1 ---
	case stateV1Length:
		if int(b) > MaxPayloadV1 {
			p.stats.BadLength++
			p.st = stateIdle
			return Packet{}, false
		}
		p.length = int(b)
		p.st = stateV1Command
		return Packet{}, false

	case stateV1Command:
		p.command = uint16(b)
		p.payload = make([]byte, 0, p.length)
		if p.length > 0 {
			p.st = stateV1Payload
		} else {
			p.st = stateV1Checksum
		}
		return Packet{}, false

	case stateV1Payload:
		p.payload = append(p.payload, b)
		if len(p.payload) == p.length {
			p.st = stateV1Checksum
		}
		return Packet{}, false

	case stateV1Checksum:
		p.st = stateIdle
		want := crcutil.XOR8(v1ChecksumInput(p.length, p.command, p.payload))
		if b != want {
			p.stats.BadChecksum++
			return Packet{}, false
		}
		pkt := Packet{
			Version:   1,
			Direction: p.direction,
			Command:   p.command,
			Payload:   p.payload,
			Checksum:  b,
			Timestamp: time.Now(),
		}
		p.stats.PacketsReceived++
		p.stats.PacketsV1++
		return pkt, true

	// --- MSPv2 ---
	case stateV2Flag:
		p.flag = b
		p.st = stateV2CommandLo
		return Packet{}, false

	case stateV2CommandLo:
		p.command = uint16(b)
		p.st = stateV2CommandHi
		return Packet{}, false

	case stateV2CommandHi:
		p.command |= uint16(b) << 8
		p.st = stateV2LengthLo
		return Packet{}, false

	case stateV2LengthLo:
		p.length = int(b)
		p.st = stateV2LengthHi
		return Packet{}, false

	case stateV2LengthHi:
		p.length |= int(b) << 8
		if p.length > MaxPayloadV2 {
			p.stats.BadLength++
			p.st = stateIdle
			return Packet{}, false
		}
		p.payload = make([]byte, 0, p.length)
		if p.length > 0 {
			p.st = stateV2Payload
		} else {
			p.st = stateV2CRC
		}
		return Packet{}, false

	case stateV2Payload:
		p.payload = append(p.payload, b)
		if len(p.payload) == p.length {
			p.st = stateV2CRC
		}
		return Packet{}, false

	case stateV2CRC:
		p.st = stateIdle
		want := crcutil.CRC8DVBS2(v2ChecksumInput(p.flag, p.command, p.length, p.payload))
		if b != want {
			p.stats.BadChecksum++
			return Packet{}, false
		}
		pkt := Packet{
			Version:   2,
			Direction: p.direction,
			Flag:      p.flag,
			Command:   p.command,
			Payload:   p.payload,
			Checksum:  b,
			Timestamp: time.Now(),
		}
		p.stats.PacketsReceived++
		p.stats.PacketsV2++
		return pkt, true

	default:
		p.st = stateIdle
		return Packet{}, false
	}
}

func v1ChecksumInput(length int, command uint16, payload []byte) []byte {
	b := make([]byte, 0, 2+len(payload))
	b = append(b, byte(length), byte(command))
	b = append(b, payload...)
	return b
}

func v2ChecksumInput(flag byte, command uint16, length int, payload []byte) []byte {
	b := make([]byte, 0, 5+len(payload))
	b = append(b, flag, byte(command), byte(command>>8), byte(length), byte(length>>8))
	b = append(b, payload...)
	return b
}
