package crcutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestXOR8(t *testing.T) {
	require.EqualValues(t, 0x00, XOR8(nil))
	require.EqualValues(t, 0x05, XOR8([]byte{0x05}))
	require.EqualValues(t, 0x06, XOR8([]byte{0x05, 0x03}))
}

func TestCRC8DVBS2Deterministic(t *testing.T) {
	data := []byte{0x00, 0x03, 0x1F, 0x03, 0x00, 0x01, 0x02, 0x03}
	require.Equal(t, CRC8DVBS2(data), CRC8DVBS2(append([]byte(nil), data...)))
}

func TestCRC8DVBS2DiffersOnCorruption(t *testing.T) {
	data := []byte{0x00, 0x03, 0x1F, 0x03, 0x00, 0x01, 0x02, 0x03}
	base := CRC8DVBS2(data)
	corrupted := append([]byte(nil), data...)
	corrupted[3] ^= 0x01
	require.NotEqual(t, base, CRC8DVBS2(corrupted))
}

func TestCRC8DVBS2IncrementalMatchesWholeBuffer(t *testing.T) {
	data := []byte{0x00, 0x03, 0x1F, 0x03, 0x00, 0x01, 0x02, 0x03}
	whole := CRC8DVBS2(data)

	var incremental byte
	for _, b := range data {
		incremental = UpdateCRC8DVBS2(incremental, []byte{b})
	}
	require.Equal(t, whole, incremental)
}

func TestCRC32KnownVector(t *testing.T) {
	// Standard CRC-32 ("zip" CRC) of ASCII "123456789" is 0xCBF43926.
	got := CRC32([]byte("123456789"))
	require.EqualValues(t, 0xCBF43926, got)
}

func TestCRC32StreamingMatchesSingleShot(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	whole := CRC32(data)

	state := CRC32Init
	for i := 0; i < len(data); i += 7 {
		end := i + 7
		if end > len(data) {
			end = len(data)
		}
		state = UpdateCRC32(state, data[i:end])
	}
	require.Equal(t, whole, FinalizeCRC32(state))
}

func TestCRC32Empty(t *testing.T) {
	require.EqualValues(t, 0, CRC32(nil))
}
