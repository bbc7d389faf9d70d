package msp

import "github.com/rubenCodeforges/ardudeck-sub009/internal/bytebuf"

// Well-known MSP command IDs. v1 IDs fit in a byte; v2 IDs (MSP2_*) are
// the 16-bit "extended" command space introduced alongside MSPv2.
const (
	MSPAPIVersion = 1
	MSPFCVariant  = 2
	MSPFCVersion  = 3
	MSPBoardInfo  = 4
	MSPBuildInfo  = 5

	MSPName = 10

	MSPSetRawRC = 200
	MSPSetRawGPS = 201

	MSPStatus    = 101
	MSPRawIMU    = 102
	MSPServo     = 103
	MSPMotor     = 104
	MSPRC        = 105
	MSPRawGPS    = 106
	MSPCompGPS   = 107
	MSPAttitude  = 108
	MSPAltitude  = 109
	MSPAnalog    = 110
	MSPRCTuning  = 111
	MSPBoxNames  = 116
	MSPPIDNames  = 117
	MSPBoxIDs    = 119
	MSPStatusEx  = 150 // iNav extended status
	MSPRXMap     = 64
	MSPBatteryState = 130

	MSP2InavStatus               = 0x2000
	MSP2InavSetRTHAndLandConfig  = 0x2027
	MSP2SensorGPS                = 0x1F03
)

// Decoder turns a response payload into a typed value. Decoders must not
// assume a fixed length beyond MinLength: MSP telemetry messages grow
// optional tail fields across firmware versions, so every optional read
// checks r.Remaining() first.
type Decoder func(r *bytebuf.Reader) (interface{}, error)

// MessageSpec describes one registered command: its name (for logs and
// errors) and the payload length bounds a valid response must satisfy,
// plus its typed decoder, if one is registered.
type MessageSpec struct {
	Name      string
	MinLength int
	MaxLength int
	Decode    Decoder
}

// Registry maps command IDs (scoped by MSP version, since v1 and v2 IDs
// share a numeric range but mean different things) to their MessageSpec.
type Registry struct {
	v1 map[uint16]MessageSpec
	v2 map[uint16]MessageSpec
}

func NewRegistry() *Registry {
	r := &Registry{
		v1: make(map[uint16]MessageSpec),
		v2: make(map[uint16]MessageSpec),
	}
	registerDefaults(r)
	return r
}

func (r *Registry) RegisterV1(cmd uint16, spec MessageSpec) {
	r.v1[cmd] = spec
}

func (r *Registry) RegisterV2(cmd uint16, spec MessageSpec) {
	r.v2[cmd] = spec
}

func (r *Registry) Lookup(version int, cmd uint16) (MessageSpec, bool) {
	if version == 1 {
		s, ok := r.v1[cmd]
		return s, ok
	}
	s, ok := r.v2[cmd]
	return s, ok
}

// DecodePacket looks up the packet's command in the registry and, if a
// decoder is registered and the payload length falls within bounds,
// returns the typed value.
func (r *Registry) DecodePacket(p Packet) (interface{}, bool, error) {
	spec, ok := r.Lookup(p.Version, p.Command)
	if !ok || spec.Decode == nil {
		return nil, false, nil
	}
	if len(p.Payload) < spec.MinLength || (spec.MaxLength > 0 && len(p.Payload) > spec.MaxLength) {
		return nil, true, errShortOrLongPayload(spec, len(p.Payload))
	}
	v, err := spec.Decode(bytebuf.NewReader(p.Payload))
	return v, true, err
}
