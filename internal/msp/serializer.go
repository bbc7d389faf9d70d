package msp

import (
	"github.com/cesanta/errors"
	"github.com/rubenCodeforges/ardudeck-sub009/internal/crcutil"
)

// SerializeV1 builds a `$M<dir><len><cmd><payload><xor>` frame. Encoding
// is fully deterministic from direction/command/payload.
func SerializeV1(dir Direction, command uint16, payload []byte) ([]byte, error) {
	if command > 0xFF {
		return nil, errors.Errorf("command 0x%x does not fit in a v1 frame", command)
	}
	if len(payload) > MaxPayloadV1 {
		return nil, errors.Errorf("payload of %d bytes exceeds v1 max %d", len(payload), MaxPayloadV1)
	}
	out := make([]byte, 0, 6+len(payload))
	out = append(out, '$', 'M', byte(dir), byte(len(payload)), byte(command))
	out = append(out, payload...)
	out = append(out, crcutil.XOR8(v1ChecksumInput(len(payload), command, payload)))
	return out, nil
}

// SerializeV2 builds a `$X<dir><flag><cmd_lo><cmd_hi><len_lo><len_hi><payload><crc8>` frame.
func SerializeV2(dir Direction, flag byte, command uint16, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadV2 {
		return nil, errors.Errorf("payload of %d bytes exceeds v2 max %d", len(payload), MaxPayloadV2)
	}
	out := make([]byte, 0, 9+len(payload))
	out = append(out, '$', 'X', byte(dir), flag, byte(command), byte(command>>8), byte(len(payload)), byte(len(payload)>>8))
	out = append(out, payload...)
	out = append(out, crcutil.CRC8DVBS2(v2ChecksumInput(flag, command, len(payload), payload)))
	return out, nil
}

// Serialize picks v1 or v2 framing based on version, matching whichever
// version a request or response was decoded with.
func Serialize(version int, dir Direction, flag byte, command uint16, payload []byte) ([]byte, error) {
	switch version {
	case 1:
		return SerializeV1(dir, command, payload)
	case 2:
		return SerializeV2(dir, flag, command, payload)
	default:
		return nil, errors.Errorf("unsupported MSP version %d", version)
	}
}
