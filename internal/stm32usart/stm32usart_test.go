package stm32usart

import (
	"context"
	"testing"

	"github.com/cesanta/errors"
	"github.com/rubenCodeforges/ardudeck-sub009/internal/fwimage"
	"github.com/stretchr/testify/require"
)

type fakePort struct {
	toRead  []byte
	written []byte
	dtr     bool
	rts     bool
	closed  bool
}

func (p *fakePort) Read(b []byte) (int, error) {
	if len(p.toRead) == 0 {
		return 0, nil
	}
	n := copy(b, p.toRead)
	p.toRead = p.toRead[n:]
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.written = append(p.written, b...)
	return len(b), nil
}

func (p *fakePort) Flush() error        { return nil }
func (p *fakePort) Close() error        { p.closed = true; return nil }
func (p *fakePort) SetDTR(v bool) error { p.dtr = v; return nil }
func (p *fakePort) SetRTS(v bool) error { p.rts = v; return nil }

func newTestFlasher(toRead []byte) (*Flasher, *fakePort) {
	p := &fakePort{toRead: toRead}
	return &Flasher{port: p, baud: 115200}, p
}

func TestWriteChunkSuccess(t *testing.T) {
	f, p := newTestFlasher([]byte{respACK, respACK, respACK})
	err := f.writeChunk(context.Background(), 0x08000000, []byte{0x01, 0x02, 0x03})
	require.NoError(t, err)

	// cmd+complement, addr(4)+checksum, len-1+data+checksum
	require.Equal(t, []byte{cmdWriteMemory, ^byte(cmdWriteMemory)}, p.written[0:2])
	addrBlock := p.written[2:7]
	require.Equal(t, []byte{0x08, 0x00, 0x00, 0x00}, addrBlock[0:4])
	dataBlock := p.written[7:]
	require.EqualValues(t, 2, dataBlock[0]) // len-1
	require.Equal(t, []byte{0x01, 0x02, 0x03}, dataBlock[1:4])
}

func TestWriteChunkRejectsOversizedData(t *testing.T) {
	f, _ := newTestFlasher(nil)
	err := f.writeChunk(context.Background(), 0, make([]byte, writeChunkSize+1))
	require.Error(t, err)
}

func TestWriteChunkRejectsEmptyData(t *testing.T) {
	f, _ := newTestFlasher(nil)
	err := f.writeChunk(context.Background(), 0, nil)
	require.Error(t, err)
}

func TestWriteChunkWithRetrySucceedsAfterNACK(t *testing.T) {
	f, _ := newTestFlasher([]byte{respNACK, respACK, respACK, respACK})
	err := f.writeChunkWithRetry(context.Background(), 0x08000000, []byte{0xAA})
	require.NoError(t, err)
}

func TestWriteChunkWithRetryExhausted(t *testing.T) {
	f, _ := newTestFlasher([]byte{respNACK, respNACK, respNACK, respNACK})
	err := f.writeChunkWithRetry(context.Background(), 0x08000010, []byte{0xAA})
	require.Error(t, err)
	wfe, ok := errors.Cause(err).(*WriteFailedError)
	require.True(t, ok)
	require.EqualValues(t, 0x08000010, wfe.Address)
}

func TestEraseMassEraseSucceeds(t *testing.T) {
	f, p := newTestFlasher([]byte{respACK, respACK})
	err := f.Erase(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte{cmdErase, ^byte(cmdErase), 0xFF, 0x00}, p.written)
}

func TestEraseFallsBackToExtendedErase(t *testing.T) {
	f, p := newTestFlasher([]byte{respNACK, respACK, respACK})
	err := f.Erase(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte{cmdErase, ^byte(cmdErase), cmdExtendedErase, ^byte(cmdExtendedErase), 0xFF, 0xFF, 0x00}, p.written)
}

func TestGo(t *testing.T) {
	f, p := newTestFlasher([]byte{respACK, respACK})
	err := f.Go(context.Background(), fwimage.DefaultSTM32FlashBase)
	require.NoError(t, err)
	require.Equal(t, []byte{cmdGo, ^byte(cmdGo), 0x08, 0x00, 0x00, 0x00, 0x08}, p.written)
}

func TestGetID(t *testing.T) {
	f, _ := newTestFlasher([]byte{respACK, 0x01, 0x04, 0x10, respACK})
	pid, err := f.GetID(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 0x0410, pid)
}

func TestCheckFirmwareSizeRejectsOversized(t *testing.T) {
	f, _ := newTestFlasher([]byte{respACK, 0x01, 0x04, 0x10, respACK})
	img, err := fwimage.NewImage([]fwimage.Segment{{Address: 0x08000000, Data: make([]byte, 256*1024)}})
	require.NoError(t, err)
	err = f.CheckFirmwareSize(context.Background(), img)
	require.Error(t, err)
	require.Equal(t, ErrFirmwareTooLarge, errors.Cause(err))
}

func TestCheckFirmwareSizeUnknownChipPassesThrough(t *testing.T) {
	f, _ := newTestFlasher([]byte{respACK, 0x01, 0xFF, 0xFF, respACK})
	img, err := fwimage.NewImage([]fwimage.Segment{{Address: 0x08000000, Data: []byte{1}}})
	require.NoError(t, err)
	require.NoError(t, f.CheckFirmwareSize(context.Background(), img))
}

func TestWriteImageReportsProgress(t *testing.T) {
	// 300 bytes -> a 256-byte and a 44-byte chunk -> two 3-ACK sequences.
	acks := make([]byte, 0)
	for i := 0; i < 6; i++ {
		acks = append(acks, respACK)
	}
	f, _ := newTestFlasher(acks)
	img, err := fwimage.NewImage([]fwimage.Segment{{Address: 0x08000000, Data: make([]byte, 300)}})
	require.NoError(t, err)

	var lastWritten, lastTotal uint64
	err = f.WriteImage(context.Background(), img, func(written, total uint64) {
		lastWritten, lastTotal = written, total
	})
	require.NoError(t, err)
	require.EqualValues(t, 300, lastWritten)
	require.EqualValues(t, 300, lastTotal)
}
