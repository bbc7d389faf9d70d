package msp

import (
	"testing"

	"github.com/rubenCodeforges/ardudeck-sub009/internal/crcutil"
	"github.com/stretchr/testify/require"
)

func TestSerializeV2MatchesSpecExample(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03}
	frame, err := SerializeV2(DirRequest, 0x00, MSP2SensorGPS, payload)
	require.NoError(t, err)

	want := []byte{'$', 'X', '<', 0x00, 0x03, 0x1F, 0x03, 0x00, 0x01, 0x02, 0x03}
	require.Equal(t, want, frame[:len(want)])

	crcInput := []byte{0x00, 0x03, 0x1F, 0x03, 0x00, 0x01, 0x02, 0x03}
	require.Equal(t, crcutil.CRC8DVBS2(crcInput), frame[len(frame)-1])
}

func TestSerializeV1ChecksumRoundTrips(t *testing.T) {
	frame, err := SerializeV1(DirResponse, 0x79, nil)
	require.NoError(t, err)
	p := NewParser()
	pkts := p.Feed(frame)
	require.Len(t, pkts, 1)
	require.EqualValues(t, 0x79, pkts[0].Command)
}

func TestSerializeV1RejectsOversizedPayload(t *testing.T) {
	_, err := SerializeV1(DirRequest, 1, make([]byte, 256))
	require.Error(t, err)
}

func TestSerializeV1RejectsCommandOutOfRange(t *testing.T) {
	_, err := SerializeV1(DirRequest, 0x100, nil)
	require.Error(t, err)
}

// Property test (spec §8 invariant 4): every v2 frame the serializer
// emits has a CRC byte matching an independently computed CRC-8/DVB-S2.
func TestSerializeV2CRCAlwaysMatches(t *testing.T) {
	payloads := [][]byte{
		nil,
		{0x01},
		make([]byte, 300),
		make([]byte, 65535),
	}
	for _, payload := range payloads {
		frame, err := SerializeV2(DirResponse, 0, 0x2000, payload)
		require.NoError(t, err)
		body := frame[3 : len(frame)-1] // flag..payload, excludes $X< and crc
		require.Equal(t, crcutil.CRC8DVBS2(body), frame[len(frame)-1])
	}
}
