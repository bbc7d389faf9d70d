package dfu

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rubenCodeforges/ardudeck-sub009/internal/fwimage"
)

// fakeCtrl drives a scripted sequence of GETSTATUS responses and
// records every control transfer issued against it, enough to exercise
// Flasher's state-machine polling without real USB hardware.
type fakeCtrl struct {
	statusQueue [][6]byte
	uploadData  []byte
	calls       []fakeCall
}

type fakeCall struct {
	rType, request uint8
	val, idx       uint16
	data           []byte
}

func (c *fakeCtrl) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	call := fakeCall{rType: rType, request: request, val: val, idx: idx}
	if len(data) > 0 && rType == reqTypeOut {
		call.data = append([]byte(nil), data...)
	}
	c.calls = append(c.calls, call)

	switch request {
	case reqGetStatus:
		if len(c.statusQueue) == 0 {
			panic("fakeCtrl: status queue exhausted")
		}
		s := c.statusQueue[0]
		c.statusQueue = c.statusQueue[1:]
		copy(data, s[:])
		return len(s), nil
	case reqClrStatus, reqAbort, reqDnload:
		return len(data), nil
	case reqUpload:
		n := copy(data, c.uploadData)
		c.uploadData = c.uploadData[n:]
		return n, nil
	}
	return 0, nil
}

func idleStatus() [6]byte {
	return [6]byte{byte(StatusOK), 0, 0, 0, byte(StateDfuIdle), 0}
}

func dnloadIdleStatus() [6]byte {
	return [6]byte{byte(StatusOK), 0, 0, 0, byte(StateDfuDnloadIdle), 0}
}

func TestSetAddress(t *testing.T) {
	c := &fakeCtrl{statusQueue: [][6]byte{dnloadIdleStatus()}}
	f := NewFlasher(c, 2048)
	err := f.SetAddress(context.Background(), 0x08000000)
	require.NoError(t, err)

	require.Len(t, c.calls, 2)
	require.Equal(t, reqDnload, c.calls[0].request)
	require.EqualValues(t, blockData0, c.calls[0].val)
	require.Equal(t, []byte{cmdSetAddress, 0x00, 0x00, 0x00, 0x08}, c.calls[0].data)
}

func TestEnsureIdleClearsErrorState(t *testing.T) {
	c := &fakeCtrl{statusQueue: [][6]byte{
		{byte(StatusErrVerify), 0, 0, 0, byte(StateDfuError), 0},
		idleStatus(),
	}}
	f := NewFlasher(c, 2048)
	require.NoError(t, f.ensureIdle(context.Background()))
	require.Equal(t, reqClrStatus, c.calls[1].request)
}

func TestPlanEraseOrdersPages(t *testing.T) {
	layout, err := ParseMemoryLayout("@Internal Flash /0x08000000/04*016Kg")
	require.NoError(t, err)

	c := &fakeCtrl{statusQueue: [][6]byte{dnloadIdleStatus(), dnloadIdleStatus()}}
	f := NewFlasher(c, 2048)
	err = f.PlanErase(context.Background(), layout, 0x1000, 0x5000)
	require.NoError(t, err)

	var erased []byte
	for _, call := range c.calls {
		if call.request == reqDnload && call.val == blockData0 && len(call.data) == 5 && call.data[0] == cmdErasePage {
			erased = append(erased, call.data...)
		}
	}
	require.Len(t, erased, 10) // two ERASE_PAGE commands, 5 bytes each
	require.Equal(t, []byte{
		cmdErasePage, 0x00, 0x00, 0x00, 0x08,
		cmdErasePage, 0x00, 0x40, 0x00, 0x08,
	}, erased)
}

func TestDownloadChunksAndReportsProgress(t *testing.T) {
	c := &fakeCtrl{statusQueue: [][6]byte{idleStatus(), dnloadIdleStatus(), dnloadIdleStatus(), dnloadIdleStatus()}}
	f := NewFlasher(c, 4)
	img, err := fwimage.NewImage([]fwimage.Segment{{Address: 0x08000000, Data: []byte{1, 2, 3, 4, 5, 6, 7}}})
	require.NoError(t, err)

	var lastWritten, lastTotal uint64
	err = f.Download(context.Background(), img, func(written, total uint64) {
		lastWritten, lastTotal = written, total
	})
	require.NoError(t, err)
	require.EqualValues(t, 7, lastWritten)
	require.EqualValues(t, 7, lastTotal)

	var dataBlocks int
	for _, call := range c.calls {
		if call.request == reqDnload && call.val >= blockData2 {
			dataBlocks++
		}
	}
	require.Equal(t, 2, dataBlocks) // ceil(7/4) = 2 chunks
}

func TestUploadStopsOnShortRead(t *testing.T) {
	c := &fakeCtrl{
		statusQueue: [][6]byte{idleStatus(), dnloadIdleStatus()},
		uploadData:  []byte{0xAA, 0xBB, 0xCC},
	}
	f := NewFlasher(c, 4)
	got, err := f.Upload(context.Background(), 0x08000000, 10)
	require.NoError(t, err)
	require.Equal(t, []byte{0xAA, 0xBB, 0xCC}, got)
}

func TestVerifySucceeds(t *testing.T) {
	c := &fakeCtrl{
		statusQueue: [][6]byte{idleStatus(), dnloadIdleStatus()},
		uploadData:  []byte{1, 2, 3},
	}
	f := NewFlasher(c, 16)
	require.NoError(t, f.Verify(context.Background(), 0x08000000, []byte{1, 2, 3}))
}

func TestVerifyDetectsMismatch(t *testing.T) {
	c := &fakeCtrl{
		statusQueue: [][6]byte{idleStatus(), dnloadIdleStatus()},
		uploadData:  []byte{1, 2, 9},
	}
	f := NewFlasher(c, 16)
	err := f.Verify(context.Background(), 0x08000000, []byte{1, 2, 3})
	require.Error(t, err)
	vfe, ok := err.(*VerifyFailedError)
	require.True(t, ok)
	require.Equal(t, 2, vfe.Offset)
}

func TestWaitForStateMapsNonOKStatusToDfuError(t *testing.T) {
	c := &fakeCtrl{statusQueue: [][6]byte{
		{byte(StatusErrErase), 0, 0, 0, byte(StateDfuError), 0},
	}}
	f := NewFlasher(c, 2048)
	_, err := f.waitForState(context.Background(), StateDfuIdle)
	require.Error(t, err)
	dfuErr, ok := err.(*DfuError)
	require.True(t, ok)
	require.Equal(t, StatusErrErase, dfuErr.Status)
	require.Equal(t, StateDfuError, dfuErr.State)
}
