package board

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDetectFiltersPortsWithoutVIDPID(t *testing.T) {
	ports := []PortInfo{
		{Path: "/dev/ttyS0", HasVIDPID: false},
		{Path: "/dev/ttyUSB0", VendorID: 0x0483, ProductID: 0xDF11, HasVIDPID: true},
	}
	got := Detect(ports, nil)
	require.Len(t, got, 1)
	require.Equal(t, "/dev/ttyUSB0", got[0].Port.Path)
}

func TestDetectDedupsCompositeDevice(t *testing.T) {
	ports := []PortInfo{
		{Path: "/dev/ttyACM0", VendorID: 0x0483, ProductID: 0x5740, HasVIDPID: true},
		{Path: "/dev/ttyACM1", VendorID: 0x0483, ProductID: 0x5740, HasVIDPID: true},
	}
	got := Detect(ports, nil)
	require.Len(t, got, 1)
	require.Equal(t, "/dev/ttyACM0", got[0].Port.Path)
}

func TestDetectCatalogHit(t *testing.T) {
	ports := []PortInfo{{VendorID: 0x0483, ProductID: 0xDF11, HasVIDPID: true}}
	got := Detect(ports, nil)
	require.Len(t, got, 1)
	require.Equal(t, "STM32 DFU Bootloader", got[0].Name)
	require.Equal(t, FlasherDFU, got[0].Flasher)
	require.True(t, got[0].InBootloader)
	require.Equal(t, "catalog", got[0].DetectionMethod)
}

func TestDetectArduPilotVID(t *testing.T) {
	ports := []PortInfo{{VendorID: ArduPilotVID, ProductID: 0x5741, HasVIDPID: true}}
	got := Detect(ports, nil)
	require.Len(t, got, 1)
	require.Equal(t, FlasherArduPilot, got[0].Flasher)
	require.Equal(t, "ardupilot-vid", got[0].DetectionMethod)
}

func TestDetectUnidentified(t *testing.T) {
	ports := []PortInfo{{VendorID: 0xFEED, ProductID: 0xBEEF, HasVIDPID: true}}
	got := Detect(ports, nil)
	require.Len(t, got, 1)
	require.Equal(t, "unidentified", got[0].DetectionMethod)
	require.Equal(t, FlasherUnknown, got[0].Flasher)
}

func TestInBootloaderModeByDfuVIDPID(t *testing.T) {
	require.True(t, InBootloaderMode(PortInfo{VendorID: 0x0483, ProductID: 0xDF11, HasVIDPID: true}, nil))
	require.False(t, InBootloaderMode(PortInfo{VendorID: 0x0483, ProductID: 0x5740, HasVIDPID: true}, nil))
}

func TestInBootloaderModeByCatalogFlag(t *testing.T) {
	catalog := map[string]CatalogEntry{
		key(0x1234, 0x5678): {VID: 0x1234, PID: 0x5678, Name: "Custom", InBootloader: true},
	}
	require.True(t, InBootloaderMode(PortInfo{VendorID: 0x1234, ProductID: 0x5678, HasVIDPID: true}, catalog))
}

func TestRefineMCUSkipsKnownMCU(t *testing.T) {
	b := &DetectedBoard{MCU: MCUSTM32F4}
	called := false
	err := RefineMCU(b, func() (uint16, error) {
		called = true
		return 0x0410, nil
	})
	require.NoError(t, err)
	require.False(t, called)
}

func TestRefineMCUQueriesWhenUnknown(t *testing.T) {
	b := &DetectedBoard{MCU: MCUUnknown}
	err := RefineMCU(b, func() (uint16, error) { return 0x0414, nil })
	require.NoError(t, err)
	require.Equal(t, MCUSTM32F1, b.MCU)
	require.Equal(t, "bootloader", b.DetectionMethod)
}
