package msp

import (
	"github.com/cesanta/errors"
	"github.com/rubenCodeforges/ardudeck-sub009/internal/bytebuf"
)

func errShortOrLongPayload(spec MessageSpec, got int) error {
	return errors.Errorf("%s: payload length %d out of range [%d,%d]", spec.Name, got, spec.MinLength, spec.MaxLength)
}

// Status is the base MSP_STATUS response.
type Status struct {
	CycleTime        uint16
	I2CErrors        uint16
	SensorsActive    uint16
	FlightModeFlags  uint32
	ProfileIndex     uint8
	// Extended (iNav) tail fields, present only if the payload is long
	// enough; per spec open question, the exact per-firmware cutoff is
	// captured by checking r.Remaining() rather than a hard length.
	AverageLoad    uint16
	HasExtended    bool
}

func decodeStatus(r *bytebuf.Reader) (interface{}, error) {
	var s Status
	var err error
	if s.CycleTime, err = r.U16(); err != nil {
		return nil, errors.Trace(err)
	}
	if s.I2CErrors, err = r.U16(); err != nil {
		return nil, errors.Trace(err)
	}
	if s.SensorsActive, err = r.U16(); err != nil {
		return nil, errors.Trace(err)
	}
	if s.FlightModeFlags, err = r.U32(); err != nil {
		return nil, errors.Trace(err)
	}
	if s.ProfileIndex, err = r.U8(); err != nil {
		return nil, errors.Trace(err)
	}
	if r.Remaining() >= 2 {
		if s.AverageLoad, err = r.U16(); err != nil {
			return nil, errors.Trace(err)
		}
		s.HasExtended = true
	}
	return s, nil
}

// RawIMU is the MSP_RAW_IMU response: nine signed 16-bit readings
// (accel x/y/z, gyro x/y/z, mag x/y/z).
type RawIMU struct {
	AccX, AccY, AccZ    int16
	GyroX, GyroY, GyroZ int16
	MagX, MagY, MagZ    int16
}

func decodeRawIMU(r *bytebuf.Reader) (interface{}, error) {
	vals := make([]int16, 9)
	for i := range vals {
		v, err := r.S16()
		if err != nil {
			return nil, errors.Trace(err)
		}
		vals[i] = v
	}
	return RawIMU{
		AccX: vals[0], AccY: vals[1], AccZ: vals[2],
		GyroX: vals[3], GyroY: vals[4], GyroZ: vals[5],
		MagX: vals[6], MagY: vals[7], MagZ: vals[8],
	}, nil
}

// Attitude is the MSP_ATTITUDE response, angles in tenths of a degree.
type Attitude struct {
	Roll, Pitch int16
	Yaw         int16
}

func decodeAttitude(r *bytebuf.Reader) (interface{}, error) {
	var a Attitude
	var err error
	if a.Roll, err = r.S16(); err != nil {
		return nil, errors.Trace(err)
	}
	if a.Pitch, err = r.S16(); err != nil {
		return nil, errors.Trace(err)
	}
	if a.Yaw, err = r.S16(); err != nil {
		return nil, errors.Trace(err)
	}
	return a, nil
}

// Altitude is the MSP_ALTITUDE response: estimated altitude (cm) and
// vertical speed (cm/s).
type Altitude struct {
	EstAltitude int32
	Vario       int16
}

func decodeAltitude(r *bytebuf.Reader) (interface{}, error) {
	var a Altitude
	var err error
	if a.EstAltitude, err = r.S32(); err != nil {
		return nil, errors.Trace(err)
	}
	if r.Remaining() >= 2 {
		if a.Vario, err = r.S16(); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return a, nil
}

// Analog is the MSP_ANALOG response.
type Analog struct {
	VBat          uint8 // deci-volts
	MAhDrawn      uint16
	RSSI          uint16
	Amperage      int16
	VBatLatestMv  uint16 // extended tail, only if present
	HasVBatMv     bool
}

func decodeAnalog(r *bytebuf.Reader) (interface{}, error) {
	var a Analog
	var err error
	if a.VBat, err = r.U8(); err != nil {
		return nil, errors.Trace(err)
	}
	if a.MAhDrawn, err = r.U16(); err != nil {
		return nil, errors.Trace(err)
	}
	if a.RSSI, err = r.U16(); err != nil {
		return nil, errors.Trace(err)
	}
	if a.Amperage, err = r.S16(); err != nil {
		return nil, errors.Trace(err)
	}
	if r.Remaining() >= 2 {
		if a.VBatLatestMv, err = r.U16(); err != nil {
			return nil, errors.Trace(err)
		}
		a.HasVBatMv = true
	}
	return a, nil
}

// RC is the MSP_RC response: one uint16 per active channel. Channel
// count is implied by payload length / 2, matching the registry's
// min-length-only bound.
type RC struct {
	Channels []uint16
}

func decodeRC(r *bytebuf.Reader) (interface{}, error) {
	var rc RC
	for r.Remaining() >= 2 {
		v, err := r.U16()
		if err != nil {
			return nil, errors.Trace(err)
		}
		rc.Channels = append(rc.Channels, v)
	}
	return rc, nil
}

// DefaultRCMap is the default AETR channel order.
var DefaultRCMap = []uint8{0, 1, 2, 3, 4, 5, 6, 7}

// RXMap is the MSP_RX_MAP response (per-board RC channel ordering, AETR
// by default).
type RXMap struct {
	Map []uint8
}

func decodeRXMap(r *bytebuf.Reader) (interface{}, error) {
	var m RXMap
	for r.Remaining() > 0 {
		v, err := r.U8()
		if err != nil {
			return nil, errors.Trace(err)
		}
		m.Map = append(m.Map, v)
	}
	return m, nil
}

// Motor is the MSP_MOTOR response: up to 8 motor output values.
type Motor struct {
	Values []uint16
}

func decodeMotor(r *bytebuf.Reader) (interface{}, error) {
	var m Motor
	for r.Remaining() >= 2 {
		v, err := r.U16()
		if err != nil {
			return nil, errors.Trace(err)
		}
		m.Values = append(m.Values, v)
	}
	return m, nil
}

// Servo is the MSP_SERVO response: up to 8 servo output values.
type Servo struct {
	Values []uint16
}

func decodeServo(r *bytebuf.Reader) (interface{}, error) {
	var s Servo
	for r.Remaining() >= 2 {
		v, err := r.U16()
		if err != nil {
			return nil, errors.Trace(err)
		}
		s.Values = append(s.Values, v)
	}
	return s, nil
}

// RawGPS is the MSP_RAW_GPS response.
type RawGPS struct {
	Fix       uint8
	NumSat    uint8
	Lat       int32 // 1e-7 degrees
	Lon       int32
	Altitude  int16 // meters
	Speed     uint16 // cm/s
	GroundCourse uint16 // 0.1 degree
	HDOP      uint16 // extended tail, firmware-dependent
	HasHDOP   bool
}

func decodeRawGPS(r *bytebuf.Reader) (interface{}, error) {
	var g RawGPS
	var err error
	if g.Fix, err = r.U8(); err != nil {
		return nil, errors.Trace(err)
	}
	if g.NumSat, err = r.U8(); err != nil {
		return nil, errors.Trace(err)
	}
	if g.Lat, err = r.S32(); err != nil {
		return nil, errors.Trace(err)
	}
	if g.Lon, err = r.S32(); err != nil {
		return nil, errors.Trace(err)
	}
	if g.Altitude, err = r.S16(); err != nil {
		return nil, errors.Trace(err)
	}
	if g.Speed, err = r.U16(); err != nil {
		return nil, errors.Trace(err)
	}
	if g.GroundCourse, err = r.U16(); err != nil {
		return nil, errors.Trace(err)
	}
	if r.Remaining() >= 2 {
		if g.HDOP, err = r.U16(); err != nil {
			return nil, errors.Trace(err)
		}
		g.HasHDOP = true
	}
	return g, nil
}

// CompGPS is the MSP_COMP_GPS response: distance/direction to home.
type CompGPS struct {
	DistanceToHome uint16 // meters
	DirectionToHome int16 // degrees
	Update         uint8
}

func decodeCompGPS(r *bytebuf.Reader) (interface{}, error) {
	var c CompGPS
	var err error
	if c.DistanceToHome, err = r.U16(); err != nil {
		return nil, errors.Trace(err)
	}
	if c.DirectionToHome, err = r.S16(); err != nil {
		return nil, errors.Trace(err)
	}
	if c.Update, err = r.U8(); err != nil {
		return nil, errors.Trace(err)
	}
	return c, nil
}

// BatteryState is the extended battery status response.
type BatteryState struct {
	CellCount    uint8
	CapacityMah  uint16
	VoltageDeciV uint8
	MAhDrawn     uint16
	Amperage     int16
	State        uint8
	VoltageMv    uint16
}

func decodeBatteryState(r *bytebuf.Reader) (interface{}, error) {
	var b BatteryState
	var err error
	if b.CellCount, err = r.U8(); err != nil {
		return nil, errors.Trace(err)
	}
	if b.CapacityMah, err = r.U16(); err != nil {
		return nil, errors.Trace(err)
	}
	if b.VoltageDeciV, err = r.U8(); err != nil {
		return nil, errors.Trace(err)
	}
	if b.MAhDrawn, err = r.U16(); err != nil {
		return nil, errors.Trace(err)
	}
	if b.Amperage, err = r.S16(); err != nil {
		return nil, errors.Trace(err)
	}
	if b.State, err = r.U8(); err != nil {
		return nil, errors.Trace(err)
	}
	if r.Remaining() >= 2 {
		if b.VoltageMv, err = r.U16(); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return b, nil
}

// BoxNames is the MSP_BOXNAMES response: a ';'-separated list of names.
type BoxNames struct {
	Names []string
}

func decodeBoxNames(r *bytebuf.Reader) (interface{}, error) {
	s := r.RemainingString()
	var names []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ';' {
			names = append(names, s[start:i])
			start = i + 1
		}
	}
	return BoxNames{Names: names}, nil
}

// BoxIDs is the MSP_BOXIDS response: one ID byte per active mode.
type BoxIDs struct {
	IDs []uint8
}

func decodeBoxIDs(r *bytebuf.Reader) (interface{}, error) {
	var b BoxIDs
	for r.Remaining() > 0 {
		v, err := r.U8()
		if err != nil {
			return nil, errors.Trace(err)
		}
		b.IDs = append(b.IDs, v)
	}
	return b, nil
}

// APIVersion is the MSP_API_VERSION response.
type APIVersion struct {
	MSPProtocolVersion uint8
	APIMajor           uint8
	APIMinor           uint8
}

func decodeAPIVersion(r *bytebuf.Reader) (interface{}, error) {
	var v APIVersion
	var err error
	if v.MSPProtocolVersion, err = r.U8(); err != nil {
		return nil, errors.Trace(err)
	}
	if v.APIMajor, err = r.U8(); err != nil {
		return nil, errors.Trace(err)
	}
	if v.APIMinor, err = r.U8(); err != nil {
		return nil, errors.Trace(err)
	}
	return v, nil
}

// FirmwareVariant is the closed set of known 4-character MSP_FC_VARIANT
// identifiers with an Unknown fallback, per spec §9
// ("string-typed firmware variants -> closed enum with unknown
// fallback").
type FirmwareVariant int

const (
	FirmwareUnknown FirmwareVariant = iota
	FirmwareBetaflight
	FirmwareINav
	FirmwareCleanflight
)

func ParseFirmwareVariant(s string) FirmwareVariant {
	switch s {
	case "BTFL":
		return FirmwareBetaflight
	case "INAV":
		return FirmwareINav
	case "CLFL":
		return FirmwareCleanflight
	default:
		return FirmwareUnknown
	}
}

func (v FirmwareVariant) String() string {
	switch v {
	case FirmwareBetaflight:
		return "BTFL"
	case FirmwareINav:
		return "INAV"
	case FirmwareCleanflight:
		return "CLFL"
	default:
		return "unknown"
	}
}

type FCVariant struct {
	Raw     string
	Variant FirmwareVariant
}

func decodeFCVariant(r *bytebuf.Reader) (interface{}, error) {
	raw, err := r.String(4)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return FCVariant{Raw: raw, Variant: ParseFirmwareVariant(raw)}, nil
}

// FCVersion is the MSP_FC_VERSION response.
type FCVersion struct {
	Major, Minor, Patch uint8
}

func decodeFCVersion(r *bytebuf.Reader) (interface{}, error) {
	var v FCVersion
	var err error
	if v.Major, err = r.U8(); err != nil {
		return nil, errors.Trace(err)
	}
	if v.Minor, err = r.U8(); err != nil {
		return nil, errors.Trace(err)
	}
	if v.Patch, err = r.U8(); err != nil {
		return nil, errors.Trace(err)
	}
	return v, nil
}

// BoardInfo is the MSP_BOARD_INFO response: fixed identifier fields
// followed by length-prefixed tail strings added by later firmwares.
type BoardInfo struct {
	BoardIdentifier  string
	HardwareRevision uint16
	BoardType        uint8
	TargetCapas      uint8
	TargetName       string // length-prefixed, present only on newer firmware
	HasTargetName    bool
	BoardName        string
	HasBoardName     bool
	ManufacturerID   string
	HasManufacturer  bool
}

func decodeBoardInfo(r *bytebuf.Reader) (interface{}, error) {
	var b BoardInfo
	var err error
	if b.BoardIdentifier, err = r.String(4); err != nil {
		return nil, errors.Trace(err)
	}
	if b.HardwareRevision, err = r.U16(); err != nil {
		return nil, errors.Trace(err)
	}
	if r.Remaining() >= 2 {
		if b.BoardType, err = r.U8(); err != nil {
			return nil, errors.Trace(err)
		}
		if b.TargetCapas, err = r.U8(); err != nil {
			return nil, errors.Trace(err)
		}
	}
	if r.Remaining() >= 1 {
		if b.TargetName, err = r.LengthPrefixedString(); err != nil {
			return nil, errors.Trace(err)
		}
		b.HasTargetName = true
	}
	if r.Remaining() >= 1 {
		if b.BoardName, err = r.LengthPrefixedString(); err != nil {
			return nil, errors.Trace(err)
		}
		b.HasBoardName = true
	}
	if r.Remaining() >= 1 {
		if b.ManufacturerID, err = r.LengthPrefixedString(); err != nil {
			return nil, errors.Trace(err)
		}
		b.HasManufacturer = true
	}
	return b, nil
}

// BuildInfo is the MSP_BUILD_INFO response: three fixed-width date/time/
// hash fields.
type BuildInfo struct {
	BuildDate string
	BuildTime string
	GitHash   string
}

func decodeBuildInfo(r *bytebuf.Reader) (interface{}, error) {
	var b BuildInfo
	var err error
	if b.BuildDate, err = r.String(11); err != nil {
		return nil, errors.Trace(err)
	}
	if b.BuildTime, err = r.String(8); err != nil {
		return nil, errors.Trace(err)
	}
	if r.Remaining() >= 7 {
		if b.GitHash, err = r.String(7); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return b, nil
}

// Name is the MSP_NAME response: the craft name, as much of the
// payload as was sent.
type Name struct {
	Name string
}

func decodeName(r *bytebuf.Reader) (interface{}, error) {
	return Name{Name: r.RemainingString()}, nil
}

// EncodeSetRawGPS builds the MSP_SET_RAW_GPS request payload: fix,
// satellite count, lat/lon (1e-7 deg), altitude (m), speed (cm/s).
func EncodeSetRawGPS(fix, numSat uint8, lat, lon int32, altitude int16, speed uint16) []byte {
	w := bytebuf.NewWriter()
	w.U8(fix).U8(numSat).S32(lat).S32(lon).S16(altitude).U16(speed)
	return w.Build()
}

// InavNavConfig is a settable subset of iNav's navigation configuration,
// encoded/decoded for MSP2_INAV_SET_RTH_AND_LAND_CONFIG-style writes.
type InavNavConfig struct {
	RTHAltitudeCm uint16
	LandMinAltCm  uint16
}

func EncodeInavNavConfig(c InavNavConfig) []byte {
	w := bytebuf.NewWriter()
	w.U16(c.RTHAltitudeCm).U16(c.LandMinAltCm)
	return w.Build()
}

func decodeInavNavConfig(r *bytebuf.Reader) (interface{}, error) {
	var c InavNavConfig
	var err error
	if c.RTHAltitudeCm, err = r.U16(); err != nil {
		return nil, errors.Trace(err)
	}
	if c.LandMinAltCm, err = r.U16(); err != nil {
		return nil, errors.Trace(err)
	}
	return c, nil
}

// EncodeSensorGPS builds an MSP2_SENSOR_GPS injection payload, used by
// simulators/companion computers to feed GPS into the firmware.
type SensorGPS struct {
	Instance    uint8
	GPSWeek     uint16
	MsTOW       uint32
	Fix         uint8
	NumSat      uint8
	Lat, Lon    int32
	AltitudeCm  int32
	GroundSpeed uint16
	GroundCourse uint16
}

func EncodeSensorGPS(g SensorGPS) []byte {
	w := bytebuf.NewWriter()
	w.U8(g.Instance).U16(g.GPSWeek).U32(g.MsTOW).U8(g.Fix).U8(g.NumSat).
		S32(g.Lat).S32(g.Lon).S32(g.AltitudeCm).U16(g.GroundSpeed).U16(g.GroundCourse)
	return w.Build()
}

func registerDefaults(r *Registry) {
	r.RegisterV1(MSPAPIVersion, MessageSpec{Name: "MSP_API_VERSION", MinLength: 3, MaxLength: 3, Decode: decodeAPIVersion})
	r.RegisterV1(MSPFCVariant, MessageSpec{Name: "MSP_FC_VARIANT", MinLength: 4, MaxLength: 4, Decode: decodeFCVariant})
	r.RegisterV1(MSPFCVersion, MessageSpec{Name: "MSP_FC_VERSION", MinLength: 3, MaxLength: 3, Decode: decodeFCVersion})
	r.RegisterV1(MSPBoardInfo, MessageSpec{Name: "MSP_BOARD_INFO", MinLength: 6, MaxLength: 0, Decode: decodeBoardInfo})
	r.RegisterV1(MSPBuildInfo, MessageSpec{Name: "MSP_BUILD_INFO", MinLength: 19, MaxLength: 0, Decode: decodeBuildInfo})
	r.RegisterV1(MSPName, MessageSpec{Name: "MSP_NAME", MinLength: 0, MaxLength: 0, Decode: decodeName})

	r.RegisterV1(MSPStatus, MessageSpec{Name: "MSP_STATUS", MinLength: 11, MaxLength: 0, Decode: decodeStatus})
	r.RegisterV1(MSPStatusEx, MessageSpec{Name: "MSP_STATUS_EX", MinLength: 11, MaxLength: 0, Decode: decodeStatus})
	r.RegisterV1(MSPRawIMU, MessageSpec{Name: "MSP_RAW_IMU", MinLength: 18, MaxLength: 18, Decode: decodeRawIMU})
	r.RegisterV1(MSPAttitude, MessageSpec{Name: "MSP_ATTITUDE", MinLength: 6, MaxLength: 6, Decode: decodeAttitude})
	r.RegisterV1(MSPAltitude, MessageSpec{Name: "MSP_ALTITUDE", MinLength: 4, MaxLength: 0, Decode: decodeAltitude})
	r.RegisterV1(MSPAnalog, MessageSpec{Name: "MSP_ANALOG", MinLength: 7, MaxLength: 0, Decode: decodeAnalog})
	r.RegisterV1(MSPRC, MessageSpec{Name: "MSP_RC", MinLength: 0, MaxLength: 0, Decode: decodeRC})
	r.RegisterV1(MSPMotor, MessageSpec{Name: "MSP_MOTOR", MinLength: 0, MaxLength: 0, Decode: decodeMotor})
	r.RegisterV1(MSPServo, MessageSpec{Name: "MSP_SERVO", MinLength: 0, MaxLength: 0, Decode: decodeServo})
	r.RegisterV1(MSPRawGPS, MessageSpec{Name: "MSP_RAW_GPS", MinLength: 16, MaxLength: 0, Decode: decodeRawGPS})
	r.RegisterV1(MSPCompGPS, MessageSpec{Name: "MSP_COMP_GPS", MinLength: 5, MaxLength: 5, Decode: decodeCompGPS})
	r.RegisterV1(MSPBoxNames, MessageSpec{Name: "MSP_BOXNAMES", MinLength: 0, MaxLength: 0, Decode: decodeBoxNames})
	r.RegisterV1(MSPBoxIDs, MessageSpec{Name: "MSP_BOXIDS", MinLength: 0, MaxLength: 0, Decode: decodeBoxIDs})
	r.RegisterV1(MSPRXMap, MessageSpec{Name: "MSP_RX_MAP", MinLength: 0, MaxLength: 0, Decode: decodeRXMap})
	r.RegisterV1(MSPBatteryState, MessageSpec{Name: "MSP_BATTERY_STATE", MinLength: 9, MaxLength: 0, Decode: decodeBatteryState})

	r.RegisterV2(MSP2InavSetRTHAndLandConfig, MessageSpec{Name: "MSP2_INAV_SET_RTH_AND_LAND_CONFIG", MinLength: 4, MaxLength: 4, Decode: decodeInavNavConfig})
}
