// Package dfu implements the USB DFU / DfuSe flashing protocol: the
// standard DFU class requests (DNLOAD/UPLOAD/GETSTATUS/CLRSTATUS) plus
// ST's DfuSe vendor extension (SET_ADDRESS/ERASE_PAGE/READ_UNPROTECT
// over block 0), layered over a minimal USB control-transfer
// capability so the protocol logic can be driven by either a real
// *gousb.Device or a fake in tests.
//
// Grounded on the teacher's mos/flash/common/usb.go for device-open
// conventions (gousb.Context/Device lifetime, VID/PID matching) and
// on the ESP flasher_client.go for the shape of a stateful,
// synchronous flashing client built on top of a narrow transport.
package dfu

import "fmt"

// DFU class-specific request codes (USB DFU 1.1 §3).
const (
	reqDetach    = 0x00
	reqDnload    = 0x01
	reqUpload    = 0x02
	reqGetStatus = 0x03
	reqClrStatus = 0x04
	reqGetState  = 0x05
	reqAbort     = 0x06
)

// Request types targeting the DFU class interface (spec §4.8).
const (
	reqTypeOut = 0x21 // host -> device, class, interface
	reqTypeIn  = 0xA1 // device -> host, class, interface
)

// DfuSe vendor command bytes sent via DNLOAD to wValue=0 (block 0).
const (
	cmdSetAddress    = 0x21
	cmdErasePage     = 0x41
	cmdReadUnprotect = 0x92
)

// State is the device's reported DFU state, from GETSTATUS.
type State uint8

const (
	StateAppIdle State = iota
	StateAppDetach
	StateDfuIdle
	StateDfuDnloadSync
	StateDfuDnbusy
	StateDfuDnloadIdle
	StateDfuManifestSync
	StateDfuManifest
	StateDfuManifestWaitReset
	StateDfuUploadIdle
	StateDfuError
)

func (s State) String() string {
	names := [...]string{
		"appIDLE", "appDETACH", "dfuIDLE", "dfuDNLOAD_SYNC", "dfuDNBUSY",
		"dfuDNLOAD_IDLE", "dfuMANIFEST_SYNC", "dfuMANIFEST",
		"dfuMANIFEST_WAIT_RESET", "dfuUPLOAD_IDLE", "dfuERROR",
	}
	if int(s) < len(names) {
		return names[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Status is the device's reported DFU status, from GETSTATUS.
type Status uint8

const (
	StatusOK Status = iota
	StatusErrTarget
	StatusErrFile
	StatusErrWrite
	StatusErrErase
	StatusErrCheckErased
	StatusErrProg
	StatusErrVerify
	StatusErrAddress
	StatusErrNotDone
	StatusErrFirmware
	StatusErrVendor
	StatusErrUsbr
	StatusErrPor
	StatusErrUnknown
	StatusErrStalledPkt
)

var statusText = [...]string{
	"No error",
	"Device does not support this request",
	"File is not targeted for this device",
	"Device cannot write memory",
	"Erase failed",
	"Memory not erased before write",
	"Program error",
	"Verification failed",
	"Address out of range",
	"Download incomplete",
	"Firmware corrupt",
	"Vendor-specific error",
	"Unexpected USB reset",
	"Unexpected power-on reset",
	"Unknown error",
	"Stalled packet",
}

func (s Status) String() string {
	if int(s) < len(statusText) {
		return statusText[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// DfuError carries the device-reported state/status pair for a failed
// DFU operation (spec §4.8: "DfuError(state, status) carries
// diagnostic context").
type DfuError struct {
	State  State
	Status Status
}

func (e *DfuError) Error() string {
	return fmt.Sprintf("DFU error: state=%s status=%s", e.State, e.Status)
}

// UsbError wraps a low-level control-transfer failure.
type UsbError struct {
	Op  string
	Err error
}

func (e *UsbError) Error() string {
	return fmt.Sprintf("usb error during %s: %v", e.Op, e.Err)
}

func (e *UsbError) Unwrap() error { return e.Err }

// VerifyFailedError carries the byte offset of a post-write verify
// mismatch (spec §4.8).
type VerifyFailedError struct {
	Offset int
}

func (e *VerifyFailedError) Error() string {
	return fmt.Sprintf("verification failed at offset %d", e.Offset)
}
