// Package serialport wraps github.com/cesanta/go-serial/serial (the
// teacher's exact serial port dependency, see
// common/mgrpc/codec/serial.go) behind the narrow capability interfaces
// the MSP transport and the USART bootloader flasher need: byte-
// transparent I/O plus explicit DTR/RTS control, instead of dynamic
// property access into an underlying port object (spec §9).
package serialport

import (
	"time"

	"github.com/cesanta/errors"
	serial "github.com/cesanta/go-serial/serial"
)

// Parity mirrors the subset of serial.ParityMode this module needs.
type Parity int

const (
	ParityNone Parity = iota
	ParityEven
	ParityOdd
)

// Config describes the line parameters for opening a port. MSP links
// typically run 8-N-1 at a firmware-negotiated baud; the USART
// bootloader requires 8-E-1 at one of a fixed set of bauds (spec §4.7).
type Config struct {
	BaudRate uint
	DataBits uint
	Parity   Parity
	StopBits uint
	// InterCharacterTimeoutMs bounds how long a Read blocks waiting for
	// more bytes once at least one has arrived.
	InterCharacterTimeoutMs uint
}

// SerialControlLines is the explicit capability for manipulating modem
// control lines, used by the AN3155 DTR/RTS reset sequence.
type SerialControlLines interface {
	SetDTR(v bool) error
	SetRTS(v bool) error
}

// Port is the byte-transparent, control-line-capable transport used by
// both the MSP coordinator and the USART flasher.
type Port interface {
	SerialControlLines
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Flush() error
	Close() error
}

type port struct {
	s serial.Serial
}

// Open opens name with the given Config.
func Open(name string, cfg Config) (Port, error) {
	pm := serial.PARITY_NONE
	switch cfg.Parity {
	case ParityEven:
		pm = serial.PARITY_EVEN
	case ParityOdd:
		pm = serial.PARITY_ODD
	}
	oo := serial.OpenOptions{
		PortName:              name,
		BaudRate:              cfg.BaudRate,
		DataBits:              cfg.DataBits,
		ParityMode:            pm,
		StopBits:              cfg.StopBits,
		InterCharacterTimeout: cfg.InterCharacterTimeoutMs,
		MinimumReadSize:       0,
	}
	if oo.DataBits == 0 {
		oo.DataBits = 8
	}
	if oo.StopBits == 0 {
		oo.StopBits = 1
	}
	s, err := serial.Open(oo)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to open %s", name)
	}
	return &port{s: s}, nil
}

func (p *port) Read(b []byte) (int, error)  { return p.s.Read(b) }
func (p *port) Write(b []byte) (int, error) { return p.s.Write(b) }
func (p *port) Flush() error                { return p.s.Flush() }
func (p *port) Close() error                { return p.s.Close() }
func (p *port) SetDTR(v bool) error         { return p.s.SetDTR(v) }
func (p *port) SetRTS(v bool) error         { return p.s.SetRTS(v) }

// SettleReopen sleeps the role-switch settle time the spec requires
// when a port is closed and about to be reopened for a different
// subsystem (MSP <-> bootloader sync), at least 1 second.
func SettleReopen() {
	time.Sleep(1100 * time.Millisecond)
}
