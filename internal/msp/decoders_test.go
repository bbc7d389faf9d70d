package msp

import (
	"testing"

	"github.com/rubenCodeforges/ardudeck-sub009/internal/bytebuf"
	"github.com/stretchr/testify/require"
)

func TestDecodeAPIVersion(t *testing.T) {
	r := bytebuf.NewReader([]byte{1, 2, 3})
	v, err := decodeAPIVersion(r)
	require.NoError(t, err)
	require.Equal(t, APIVersion{MSPProtocolVersion: 1, APIMajor: 2, APIMinor: 3}, v)
}

func TestDecodeFCVariantKnownAndUnknown(t *testing.T) {
	v, err := decodeFCVariant(bytebuf.NewReader([]byte("INAV")))
	require.NoError(t, err)
	require.Equal(t, FirmwareINav, v.(FCVariant).Variant)

	v2, err := decodeFCVariant(bytebuf.NewReader([]byte("ZZZZ")))
	require.NoError(t, err)
	require.Equal(t, FirmwareUnknown, v2.(FCVariant).Variant)
}

func TestDecodeBoardInfoWithAndWithoutTail(t *testing.T) {
	// Minimal: just identifier + hw revision.
	short := bytebuf.NewReader([]byte{'S', 'T', '3', '2', 0x01, 0x00})
	v, err := decodeBoardInfo(short)
	require.NoError(t, err)
	bi := v.(BoardInfo)
	require.Equal(t, "ST32", bi.BoardIdentifier)
	require.False(t, bi.HasTargetName)

	// Full: identifier + hw rev + type + capas + 3 length-prefixed strings.
	w := bytebuf.NewWriter()
	w.String("ST32", 4).U16(1).U8(0).U8(0).LengthPrefixedString("OMNIBUSF4").LengthPrefixedString("MATEKF405").LengthPrefixedString("MTKS")
	full := bytebuf.NewReader(w.Build())
	v2, err := decodeBoardInfo(full)
	require.NoError(t, err)
	bi2 := v2.(BoardInfo)
	require.True(t, bi2.HasTargetName)
	require.Equal(t, "OMNIBUSF4", bi2.TargetName)
	require.Equal(t, "MATEKF405", bi2.BoardName)
	require.Equal(t, "MTKS", bi2.ManufacturerID)
}

func TestDecodeBoxNames(t *testing.T) {
	v, err := decodeBoxNames(bytebuf.NewReader([]byte("ARM;ANGLE;HORIZON;")))
	require.NoError(t, err)
	require.Equal(t, []string{"ARM", "ANGLE", "HORIZON"}, v.(BoxNames).Names)
}

func TestRegistryDecodePacketEnforcesLengthBounds(t *testing.T) {
	reg := NewRegistry()
	pkt := Packet{Version: 1, Command: MSPAPIVersion, Payload: []byte{1, 2}} // too short
	_, found, err := reg.DecodePacket(pkt)
	require.True(t, found)
	require.Error(t, err)
}

func TestRegistryUnregisteredCommandNotFound(t *testing.T) {
	reg := NewRegistry()
	pkt := Packet{Version: 1, Command: 9999, Payload: nil}
	_, found, err := reg.DecodePacket(pkt)
	require.False(t, found)
	require.NoError(t, err)
}

func TestEncodeSetRawGPSRoundTrips(t *testing.T) {
	payload := EncodeSetRawGPS(1, 8, 123456789, -987654321, 100, 250)
	r := bytebuf.NewReader(payload)
	fix, _ := r.U8()
	numSat, _ := r.U8()
	lat, _ := r.S32()
	lon, _ := r.S32()
	alt, _ := r.S16()
	speed, _ := r.U16()
	require.EqualValues(t, 1, fix)
	require.EqualValues(t, 8, numSat)
	require.EqualValues(t, 123456789, lat)
	require.EqualValues(t, -987654321, lon)
	require.EqualValues(t, 100, alt)
	require.EqualValues(t, 250, speed)
}
