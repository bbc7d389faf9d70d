package fwimage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadRawBinaryDefaultBase(t *testing.T) {
	img, err := LoadRawBinary([]byte{1, 2, 3, 4}, 0)
	require.NoError(t, err)
	require.Len(t, img.Segments, 1)
	require.EqualValues(t, DefaultSTM32FlashBase, img.Segments[0].Address)
	require.Equal(t, []byte{1, 2, 3, 4}, img.Segments[0].Data)
}

func TestLoadRawBinaryExplicitBase(t *testing.T) {
	img, err := LoadRawBinary([]byte{0xAA}, 0x08004000)
	require.NoError(t, err)
	require.EqualValues(t, 0x08004000, img.Segments[0].Address)
}

func TestLoadRawBinaryEmptyRejected(t *testing.T) {
	_, err := LoadRawBinary(nil, 0)
	require.Error(t, err)
}

func TestDetectBaseAddressFromName(t *testing.T) {
	addr, ok := DetectBaseAddressFromName("firmware_0x08004000.bin")
	require.True(t, ok)
	require.EqualValues(t, 0x08004000, addr)
}

func TestDetectBaseAddressFromNameNoHint(t *testing.T) {
	_, ok := DetectBaseAddressFromName("firmware.bin")
	require.False(t, ok)
}

func TestDetectBaseAddressFromNameOutOfRange(t *testing.T) {
	_, ok := DetectBaseAddressFromName("firmware_0x20001000.bin")
	require.False(t, ok)
}

func TestDetectBaseAddressFromNameBelowFlashWindow(t *testing.T) {
	_, ok := DetectBaseAddressFromName("firmware_0x07ffffff.bin")
	require.False(t, ok)
}
