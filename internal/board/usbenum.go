package board

import (
	"fmt"

	"github.com/cesanta/errors"
	"github.com/google/gousb"
)

// EnumerateUSB lists every USB device currently attached, without
// opening or claiming any of them, producing the VID/PID/manufacturer
// metadata Detect needs (spec §4.9's "OS serial-port list" input, for
// the USB-described subset of it). Composite devices that expose
// multiple serial interfaces still report one VendorID/ProductID pair
// per device node here; per-interface dedup happens in Detect.
func EnumerateUSB() ([]PortInfo, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	var infos []PortInfo
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		infos = append(infos, PortInfo{
			Path:      fmt.Sprintf("usb:%03d:%03d", desc.Bus, desc.Address),
			VendorID:  uint16(desc.Vendor),
			ProductID: uint16(desc.Product),
			HasVIDPID: true,
		})
		return false // never actually open; just inspect the descriptor
	})
	for _, d := range devs {
		d.Close()
	}
	if err != nil {
		return nil, errors.Annotatef(err, "USB enumeration failed")
	}
	return infos, nil
}
