// Package stm32usart drives the AN3155 USART bootloader protocol
// (STM32 system memory bootloader) over a serial port: auto-baud sync
// with DTR/RTS reset sequencing, GET/GET_ID, mass/extended erase,
// chunked WRITE_MEMORY, and GO.
//
// Grounded on the teacher's ESP flasher_client.go for the overall
// shape of a synchronous command/response flasher client (Sync, Write,
// retry-with-backoff) and on stm32/flasher-share.go for the status
// reporting style, generalized to the AN3155 byte protocol instead of
// the ESP SLIP-framed one.
package stm32usart

import (
	"context"
	"fmt"
	"time"

	"github.com/cesanta/errors"

	"github.com/rubenCodeforges/ardudeck-sub009/internal/corelog"
	"github.com/rubenCodeforges/ardudeck-sub009/internal/crcutil"
	"github.com/rubenCodeforges/ardudeck-sub009/internal/fwimage"
	"github.com/rubenCodeforges/ardudeck-sub009/internal/serialport"
)

const (
	cmdGet           = 0x00
	cmdGetID         = 0x02
	cmdWriteMemory   = 0x31
	cmdErase         = 0x43
	cmdExtendedErase = 0x44
	cmdGo            = 0x21

	respACK     byte = 0x79
	respNACK    byte = 0x1F
	syncByte    byte = 0x7F
	writeChunkSize   = 256
)

// Bauds is the fixed sequence of bauds the sync loop steps through.
var Bauds = []uint{115200, 57600, 38400, 19200, 9600}

var (
	ErrTimedOut         = errors.New("timed out")
	ErrRejected         = errors.New("command rejected")
	ErrSyncFailed       = errors.New("sync failed")
	ErrFirmwareTooLarge = errors.New("firmware too large for target flash")
)

// WriteFailedError reports the flash address whose WRITE_MEMORY chunk
// exhausted its retries.
type WriteFailedError struct {
	Address uint32
}

func (e *WriteFailedError) Error() string {
	return fmt.Sprintf("write failed at address 0x%08x", e.Address)
}

// knownChipFlashSizes maps GET_ID product IDs to flash size in bytes,
// used by the optional chip-ID sanity check (spec §4.7).
var knownChipFlashSizes = map[uint16]uint32{
	0x0410: 128 * 1024,  // STM32F101/F103 medium-density
	0x0414: 512 * 1024,  // STM32F101/F103 high-density
	0x0419: 2048 * 1024, // STM32F42x/43x
	0x0431: 256 * 1024,  // STM32F411
	0x0449: 1024 * 1024, // STM32F746/F756
}

// Flasher drives one AN3155 session against a single serial port,
// reopening it at successive bauds as Sync requires.
type Flasher struct {
	portName string
	port     serialport.Port
	baud     uint
}

func NewFlasher(portName string) *Flasher {
	return &Flasher{portName: portName}
}

func (f *Flasher) Close() error {
	if f.port == nil {
		return nil
	}
	return f.port.Close()
}

func (f *Flasher) ensureBaud(baud uint) error {
	if f.port != nil && f.baud == baud {
		return nil
	}
	if f.port != nil {
		f.port.Close()
		serialport.SettleReopen()
	}
	p, err := serialport.Open(f.portName, serialport.Config{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serialport.ParityEven,
		StopBits: 1,
	})
	if err != nil {
		return errors.Annotatef(err, "failed to open %s at %d baud", f.portName, baud)
	}
	f.port = p
	f.baud = baud
	return nil
}

// pulseReset drives the AN3155 reset-into-bootloader sequence: RTS
// high, DTR high for 150 ms, DTR low for 150 ms, then a 750 ms settle.
func (f *Flasher) pulseReset() {
	f.port.SetRTS(true)
	f.port.SetDTR(true)
	time.Sleep(150 * time.Millisecond)
	f.port.SetDTR(false)
	time.Sleep(150 * time.Millisecond)
	time.Sleep(750 * time.Millisecond)
}

func (f *Flasher) readByte(ctx context.Context, timeout time.Duration) (byte, error) {
	buf := make([]byte, 1)
	deadline := time.Now().Add(timeout)
	for {
		select {
		case <-ctx.Done():
			return 0, errors.Trace(ctx.Err())
		default:
		}
		n, err := f.port.Read(buf)
		if err != nil {
			return 0, errors.Trace(err)
		}
		if n > 0 {
			return buf[0], nil
		}
		if time.Now().After(deadline) {
			return 0, errors.Trace(ErrTimedOut)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (f *Flasher) expectACK(ctx context.Context, timeout time.Duration) error {
	b, err := f.readByte(ctx, timeout)
	if err != nil {
		return errors.Trace(err)
	}
	switch b {
	case respACK:
		return nil
	case respNACK:
		return errors.Trace(ErrRejected)
	default:
		return errors.Errorf("unexpected response byte 0x%02x", b)
	}
}

func (f *Flasher) sendByteAndComplement(b byte) error {
	_, err := f.port.Write([]byte{b, ^b})
	return errors.Trace(err)
}

// tryShortcut issues a bare GET and treats an immediate ACK as evidence
// the bootloader is already synced, per spec §4.7's shortcut. The
// trailing response bytes are drained permissively rather than
// strictly validated (spec §9 open question: exact GET payload content
// varies across targets).
func (f *Flasher) tryShortcut(ctx context.Context) bool {
	if err := f.sendByteAndComplement(cmdGet); err != nil {
		return false
	}
	b, err := f.readByte(ctx, 250*time.Millisecond)
	if err != nil || b != respACK {
		return false
	}
	f.drainGetResponse(ctx)
	return true
}

func (f *Flasher) drainGetResponse(ctx context.Context) {
	deadline := time.Now().Add(250 * time.Millisecond)
	buf := make([]byte, 1)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := f.port.Read(buf)
		if err != nil || n == 0 {
			continue
		}
		if buf[0] == respACK {
			return
		}
	}
}

// Sync performs the reset-and-auto-baud handshake described in spec
// §4.7: an optional DTR/RTS pulse, a GET shortcut check, then a
// per-baud sync loop that locks in on the first baud to produce a NACK
// rather than cycling further through Bauds.
func (f *Flasher) Sync(ctx context.Context) error {
	if err := f.ensureBaud(Bauds[0]); err != nil {
		return errors.Trace(err)
	}
	f.pulseReset()

	if f.tryShortcut(ctx) {
		corelog.Reportf("USART bootloader on %s already synced", f.portName)
		return nil
	}

	for _, baud := range Bauds {
		if err := f.ensureBaud(baud); err != nil {
			return errors.Trace(err)
		}
		nackSeen := false
		for attempt := 0; attempt < 4; attempt++ {
			if attempt > 0 && nackSeen {
				time.Sleep(time.Second)
			}
			select {
			case <-ctx.Done():
				return errors.Trace(ctx.Err())
			default:
			}
			if _, err := f.port.Write([]byte{syncByte}); err != nil {
				return errors.Trace(err)
			}
			b, err := f.readByte(ctx, 250*time.Millisecond)
			if err != nil {
				continue
			}
			if b == respACK || b == syncByte {
				corelog.Reportf("synced with USART bootloader at %d baud", baud)
				return nil
			}
			if b == respNACK {
				nackSeen = true
			}
		}
		if nackSeen {
			return errors.Trace(ErrSyncFailed)
		}
	}
	return errors.Trace(ErrSyncFailed)
}

// GetID issues GET_ID and returns the chip's reported product ID.
func (f *Flasher) GetID(ctx context.Context) (uint16, error) {
	if err := f.sendByteAndComplement(cmdGetID); err != nil {
		return 0, err
	}
	if err := f.expectACK(ctx, time.Second); err != nil {
		return 0, errors.Trace(err)
	}
	n, err := f.readByte(ctx, time.Second)
	if err != nil {
		return 0, errors.Trace(err)
	}
	data := make([]byte, int(n)+1)
	for i := range data {
		b, err := f.readByte(ctx, time.Second)
		if err != nil {
			return 0, errors.Trace(err)
		}
		data[i] = b
	}
	if err := f.expectACK(ctx, time.Second); err != nil {
		return 0, errors.Trace(err)
	}
	if len(data) < 2 {
		return 0, errors.Errorf("short GET_ID response")
	}
	return uint16(data[0])<<8 | uint16(data[1]), nil
}

// CheckFirmwareSize performs the optional chip-ID sanity check: if the
// connected chip's product ID is recognized, its advertised flash size
// must be large enough to hold img.
func (f *Flasher) CheckFirmwareSize(ctx context.Context, img *fwimage.Image) error {
	pid, err := f.GetID(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	size, known := knownChipFlashSizes[pid]
	if !known {
		return nil
	}
	if img.TotalSize > uint64(size) {
		return errors.Trace(ErrFirmwareTooLarge)
	}
	return nil
}

// Erase performs a mass erase, falling back to EXTENDED_ERASE if the
// classic ERASE command is rejected.
func (f *Flasher) Erase(ctx context.Context) error {
	if err := f.sendByteAndComplement(cmdErase); err != nil {
		return err
	}
	if err := f.expectACK(ctx, time.Second); err != nil {
		if errors.Cause(err) == ErrRejected {
			return f.extendedErase(ctx)
		}
		return errors.Trace(err)
	}
	if _, err := f.port.Write([]byte{0xFF, 0x00}); err != nil {
		return errors.Trace(err)
	}
	return f.expectACK(ctx, 30*time.Second)
}

func (f *Flasher) extendedErase(ctx context.Context) error {
	if err := f.sendByteAndComplement(cmdExtendedErase); err != nil {
		return err
	}
	if err := f.expectACK(ctx, time.Second); err != nil {
		return errors.Trace(err)
	}
	if _, err := f.port.Write([]byte{0xFF, 0xFF, 0x00}); err != nil {
		return errors.Trace(err)
	}
	return f.expectACK(ctx, 30*time.Second)
}

// WriteImage flashes every segment of img in 256-byte WRITE_MEMORY
// chunks, pacing between chunks per spec §4.7, reporting cumulative
// bytes written via progress (nil is fine if the caller doesn't care).
func (f *Flasher) WriteImage(ctx context.Context, img *fwimage.Image, progress func(written, total uint64)) error {
	var written uint64
	chunks := 0
	for _, seg := range img.Segments {
		for off := 0; off < len(seg.Data); off += writeChunkSize {
			end := off + writeChunkSize
			if end > len(seg.Data) {
				end = len(seg.Data)
			}
			chunk := seg.Data[off:end]
			addr := seg.Address + uint32(off)
			if err := f.writeChunkWithRetry(ctx, addr, chunk); err != nil {
				return err
			}
			written += uint64(len(chunk))
			if progress != nil {
				progress(written, img.TotalSize)
			}
			chunks++
			time.Sleep(25 * time.Millisecond)
			if chunks%64 == 0 {
				time.Sleep(100 * time.Millisecond)
			}
		}
	}
	return nil
}

func (f *Flasher) writeChunkWithRetry(ctx context.Context, addr uint32, data []byte) error {
	const maxRetries = 3
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			f.port.Flush()
			time.Sleep(100 * time.Millisecond)
		}
		if err := f.writeChunk(ctx, addr, data); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	corelog.Reportf("write at 0x%08x failed after %d retries: %v", addr, maxRetries, lastErr)
	return errors.Trace(&WriteFailedError{Address: addr})
}

func (f *Flasher) writeChunk(ctx context.Context, addr uint32, data []byte) error {
	if len(data) == 0 || len(data) > writeChunkSize {
		return errors.Errorf("invalid write chunk size %d", len(data))
	}
	if err := f.sendByteAndComplement(cmdWriteMemory); err != nil {
		return err
	}
	if err := f.expectACK(ctx, time.Second); err != nil {
		return errors.Trace(err)
	}

	addrBlock := []byte{byte(addr >> 24), byte(addr >> 16), byte(addr >> 8), byte(addr)}
	if _, err := f.port.Write(append(addrBlock, crcutil.XOR8(addrBlock))); err != nil {
		return errors.Trace(err)
	}
	if err := f.expectACK(ctx, time.Second); err != nil {
		return errors.Trace(err)
	}

	block := append([]byte{byte(len(data) - 1)}, data...)
	if _, err := f.port.Write(append(block, crcutil.XOR8(block))); err != nil {
		return errors.Trace(err)
	}
	return f.expectACK(ctx, 5*time.Second)
}

// Go jumps to addr (the application reset vector), ending the
// bootloader session.
func (f *Flasher) Go(ctx context.Context, addr uint32) error {
	if err := f.sendByteAndComplement(cmdGo); err != nil {
		return err
	}
	if err := f.expectACK(ctx, time.Second); err != nil {
		return errors.Trace(err)
	}
	addrBlock := []byte{byte(addr >> 24), byte(addr >> 16), byte(addr >> 8), byte(addr)}
	if _, err := f.port.Write(append(addrBlock, crcutil.XOR8(addrBlock))); err != nil {
		return errors.Trace(err)
	}
	return f.expectACK(ctx, time.Second)
}
