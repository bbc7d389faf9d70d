// Package board implements flight-controller detection from OS serial
// port listings (spec §4.9): VID/PID lookup against a KNOWN_BOARDS
// catalog, ArduPilot pid.codes classification, composite-device
// dedup, and the bootloader-mode predicate.
//
// Grounded on the teacher's devutil/serial.go for the "enumerate ports,
// pick one" shape, generalized from a single default-port picker into
// a full classification pass over every port, the way spec §4.9
// describes. The per-entry catalog itself follows the teacher's
// KNOWN_BOARDS-style static table pattern seen across mos/flash.
package board

import (
	"strings"
)

// MCUType is a coarse classification of the target microcontroller
// family, used to pick a compatible flasher.
type MCUType int

const (
	MCUUnknown MCUType = iota
	MCUSTM32F1
	MCUSTM32F3
	MCUSTM32F4
	MCUSTM32F7
	MCUSTM32H7
)

func (m MCUType) String() string {
	switch m {
	case MCUSTM32F1:
		return "STM32F1"
	case MCUSTM32F3:
		return "STM32F3"
	case MCUSTM32F4:
		return "STM32F4"
	case MCUSTM32F7:
		return "STM32F7"
	case MCUSTM32H7:
		return "STM32H7"
	default:
		return "unknown"
	}
}

// FlasherKind names which flasher backend a board's preferred path
// requires.
type FlasherKind int

const (
	FlasherUnknown FlasherKind = iota
	FlasherUSART
	FlasherDFU
	FlasherArduPilot
)

func (f FlasherKind) String() string {
	switch f {
	case FlasherUSART:
		return "usart"
	case FlasherDFU:
		return "dfu"
	case FlasherArduPilot:
		return "ardupilot"
	default:
		return "unknown"
	}
}

// ArduPilotVID is pid.codes' open-source USB vendor ID, used by many
// ArduPilot/ChibiOS flight controllers (spec §4.9 step 4).
const ArduPilotVID uint16 = 0x1209

// STM32DfuVID/PID identify the ST bootloader's default USB DFU
// enumeration (spec §4.9: "bootloader-mode predicate").
const (
	STM32DfuVID uint16 = 0x0483
	STM32DfuPID uint16 = 0xDF11
)

// CatalogEntry is one known-board row.
type CatalogEntry struct {
	VID          uint16
	PID          uint16
	Name         string
	MCU          MCUType
	Flasher      FlasherKind
	InBootloader bool
}

// KnownBoards is the built-in catalog of recognized VID:PID pairs.
// Extend at runtime with LoadCatalogOverride.
var KnownBoards = map[string]CatalogEntry{
	key(0x0483, 0xDF11): {VID: 0x0483, PID: 0xDF11, Name: "STM32 DFU Bootloader", MCU: MCUSTM32F4, Flasher: FlasherDFU, InBootloader: true},
	key(0x0483, 0x5740): {VID: 0x0483, PID: 0x5740, Name: "STM32 Virtual COM Port", MCU: MCUSTM32F4, Flasher: FlasherUSART},
	key(0x1EAF, 0x0003): {VID: 0x1EAF, PID: 0x0003, Name: "Maple Mini Bootloader", MCU: MCUSTM32F1, Flasher: FlasherDFU, InBootloader: true},
	key(0x0403, 0x6015): {VID: 0x0403, PID: 0x6015, Name: "FTDI FT231X (generic FC adapter)", MCU: MCUUnknown, Flasher: FlasherUSART},
}

func key(vid, pid uint16) string {
	return strings.ToLower(hex4(vid) + ":" + hex4(pid))
}

func hex4(v uint16) string {
	const digits = "0123456789abcdef"
	return string([]byte{
		digits[(v>>12)&0xF], digits[(v>>8)&0xF], digits[(v>>4)&0xF], digits[v&0xF],
	})
}

// PortInfo is one OS-reported serial port with whatever USB identity
// metadata the platform exposed (spec §4.9 input).
type PortInfo struct {
	Path         string
	VendorID     uint16
	ProductID    uint16
	HasVIDPID    bool
	Manufacturer string
	FriendlyName string
}

// DetectedBoard is the classification result for one port.
type DetectedBoard struct {
	Port            PortInfo
	Name            string
	MCU             MCUType
	Flasher         FlasherKind
	InBootloader    bool
	DetectionMethod string // "catalog", "ardupilot-vid", "unidentified", "bootloader"
}

// Detect runs the full algorithm of spec §4.9 steps 1-5 over ports:
// filters out entries with no VID/PID, deduplicates composite USB
// devices sharing a VID:PID (keeping the first), and classifies each
// survivor via the catalog, then ArduPilot's vendor ID, then as an
// unidentified candidate.
func Detect(ports []PortInfo, catalog map[string]CatalogEntry) []DetectedBoard {
	if catalog == nil {
		catalog = KnownBoards
	}
	seen := map[string]bool{}
	var out []DetectedBoard
	for _, p := range ports {
		if !p.HasVIDPID {
			continue
		}
		k := key(p.VendorID, p.ProductID)
		if seen[k] {
			continue
		}
		seen[k] = true

		if entry, ok := catalog[k]; ok {
			out = append(out, DetectedBoard{
				Port: p, Name: entry.Name, MCU: entry.MCU, Flasher: entry.Flasher,
				InBootloader: entry.InBootloader, DetectionMethod: "catalog",
			})
			continue
		}
		if p.VendorID == ArduPilotVID {
			out = append(out, DetectedBoard{
				Port: p, Name: "ArduPilot ChibiOS board", MCU: MCUUnknown,
				Flasher: FlasherArduPilot, DetectionMethod: "ardupilot-vid",
			})
			continue
		}
		out = append(out, DetectedBoard{
			Port: p, Name: "unidentified", MCU: MCUUnknown,
			Flasher: FlasherUnknown, DetectionMethod: "unidentified",
		})
	}
	return out
}

// InBootloaderMode implements spec §4.9's bootloader-mode predicate:
// true iff the port is the STM32 DFU VID:PID, or the catalog entry
// flags in_bootloader.
func InBootloaderMode(p PortInfo, catalog map[string]CatalogEntry) bool {
	if p.HasVIDPID && p.VendorID == STM32DfuVID && p.ProductID == STM32DfuPID {
		return true
	}
	if catalog == nil {
		catalog = KnownBoards
	}
	if !p.HasVIDPID {
		return false
	}
	entry, ok := catalog[key(p.VendorID, p.ProductID)]
	return ok && entry.InBootloader
}

// RefineMCU applies spec §4.9 step 6: given a board with an unknown
// MCU, query returns the STM32 bootloader's GET_ID product ID so the
// caller can set a more specific MCUType and detection_method
// "bootloader". The probe itself (GET_ID over the USART bootloader) is
// injected as query so this package stays free of transport
// dependencies.
func RefineMCU(board *DetectedBoard, query func() (uint16, error)) error {
	if board.MCU != MCUUnknown {
		return nil
	}
	pid, err := query()
	if err != nil {
		return err
	}
	board.MCU = mcuFromChipID(pid)
	board.DetectionMethod = "bootloader"
	return nil
}

// mcuFromChipID maps an STM32 GET_ID product ID to a coarse family. It
// covers every id in stm32usart's flash-size table plus further F3, F7
// and H7 ids that table does not list.
func mcuFromChipID(pid uint16) MCUType {
	switch pid {
	case 0x0410, 0x0414:
		return MCUSTM32F1
	case 0x0432, 0x0422:
		return MCUSTM32F3
	case 0x0419, 0x0431, 0x0449:
		return MCUSTM32F4
	case 0x0451, 0x0452:
		return MCUSTM32F7
	case 0x0450:
		return MCUSTM32H7
	default:
		return MCUUnknown
	}
}
