package dfu

import (
	"github.com/cesanta/errors"
	"github.com/golang/glog"
	"github.com/google/gousb"
)

// ctrl is the minimal USB control-transfer capability the DFU state
// machine and DfuSe command set need. *gousb.Device satisfies it,
// which keeps Flasher's logic testable against a fake.
type ctrl interface {
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
}

const (
	stdReqGetDescriptor = 0x06
	descTypeConfig      = 0x02
	descTypeDFUFunc     = 0x21
	defaultTransferSize = 2048
)

// Device owns the libusb context, device handle, and claimed DFU
// interface for one flashing session.
type Device struct {
	usbCtx *gousb.Context
	usbDev *gousb.Device
	cfg    *gousb.Config
	intf   *gousb.Interface
}

// OpenDevice opens the first device matching vid:pid, claims the DFU
// interface at (ifaceNum, alt), and detaches any kernel driver in the
// way (spec §4.8: "releases kernel drivers where applicable").
func OpenDevice(vid, pid gousb.ID, ifaceNum, alt int) (*Device, error) {
	uctx := gousb.NewContext()
	dev, err := uctx.OpenDeviceWithVIDPID(vid, pid)
	if err != nil || dev == nil {
		uctx.Close()
		return nil, errors.Annotatef(err, "failed to open device %s:%s", vid, pid)
	}
	dev.SetAutoDetach(true)

	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		uctx.Close()
		return nil, errors.Annotatef(err, "failed to select configuration")
	}
	intf, err := cfg.Interface(ifaceNum, alt)
	if err != nil {
		cfg.Close()
		dev.Close()
		uctx.Close()
		return nil, errors.Annotatef(err, "failed to claim interface %d alt %d", ifaceNum, alt)
	}
	glog.V(1).Infof("claimed DFU interface %d alt %d on %s:%s", ifaceNum, alt, vid, pid)
	return &Device{usbCtx: uctx, usbDev: dev, cfg: cfg, intf: intf}, nil
}

func (d *Device) Close() {
	if d.intf != nil {
		d.intf.Close()
	}
	if d.cfg != nil {
		d.cfg.Close()
	}
	if d.usbDev != nil {
		d.usbDev.Close()
	}
	if d.usbCtx != nil {
		d.usbCtx.Close()
	}
}

// NewFlasher builds a Flasher bound to this device, reading the DFU
// functional descriptor (if available) to size downloads/uploads.
func (d *Device) NewFlasher() *Flasher {
	transferSize := uint16(defaultTransferSize)
	if raw, err := d.fetchConfigDescriptor(); err == nil {
		if ts, ok := parseFunctionalDescriptorTransferSize(raw); ok {
			transferSize = ts
		}
	} else {
		glog.V(1).Infof("failed to read DFU functional descriptor, using default transfer size: %v", err)
	}
	return NewFlasher(d.usbDev, transferSize)
}

// fetchConfigDescriptor issues a standard GET_DESCRIPTOR(CONFIGURATION)
// control transfer so the functional descriptor embedded in it can be
// located without relying on gousb exposing raw descriptor bytes
// itself.
func (d *Device) fetchConfigDescriptor() ([]byte, error) {
	buf := make([]byte, 4096)
	n, err := d.usbDev.Control(0x80, stdReqGetDescriptor, uint16(descTypeConfig)<<8, 0, buf)
	if err != nil {
		return nil, errors.Annotatef(err, "GET_DESCRIPTOR(CONFIGURATION) failed")
	}
	return buf[:n], nil
}

// parseFunctionalDescriptorTransferSize scans a raw configuration
// descriptor for the DFU functional descriptor (type 0x21, length >= 9)
// and returns its wTransferSize field.
func parseFunctionalDescriptorTransferSize(raw []byte) (uint16, bool) {
	for i := 0; i+1 < len(raw); {
		length := int(raw[i])
		if length < 2 || i+length > len(raw) {
			break
		}
		descType := raw[i+1]
		if descType == descTypeDFUFunc && length >= 9 {
			return uint16(raw[i+5]) | uint16(raw[i+6])<<8, true
		}
		i += length
	}
	return 0, false
}
