// Package msp implements the Multiwii Serial Protocol v1/v2 wire codec:
// a resumable byte-level parser, frame serializers, a command registry
// with typed decoders, and the request/response transport built on top
// of them. The framing mirrors the teacher's SLIP codec
// (mos/flash/common/slip.go) in spirit: a small state machine consuming
// arbitrary chunks and yielding whole frames, never blocking on I/O.
package msp

import "time"

// Direction is the third header byte of an MSP frame.
type Direction byte

const (
	DirRequest  Direction = '<'
	DirResponse Direction = '>'
	DirError    Direction = '!'
)

func (d Direction) String() string {
	switch d {
	case DirRequest:
		return "request"
	case DirResponse:
		return "response"
	case DirError:
		return "error"
	default:
		return "unknown"
	}
}

// Packet is one fully framed and checksum-validated MSP message.
type Packet struct {
	Version   int // 1 or 2
	Direction Direction
	Flag      byte // always 0 for v1
	Command   uint16
	Payload   []byte
	Checksum  byte
	Timestamp time.Time
}

const (
	MaxPayloadV1 = 255
	MaxPayloadV2 = 65535
)
