package msp

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/cesanta/errors"
	"github.com/stretchr/testify/require"
)

// loopTransport is an in-memory Transport with a firmware-simulating
// responder goroutine on the other end, used to exercise the
// request/response coordinator without a real serial port.
type loopTransport struct {
	mu     sync.Mutex
	toFW   [][]byte
	fromFW chan []byte
	closed chan struct{}
	once   sync.Once
}

func newLoopTransport() *loopTransport {
	return &loopTransport{fromFW: make(chan []byte, 16), closed: make(chan struct{})}
}

func (l *loopTransport) Write(p []byte) (int, error) {
	cp := append([]byte(nil), p...)
	l.mu.Lock()
	l.toFW = append(l.toFW, cp)
	l.mu.Unlock()
	return len(p), nil
}

func (l *loopTransport) Read(p []byte) (int, error) {
	select {
	case b := <-l.fromFW:
		n := copy(p, b)
		return n, nil
	case <-l.closed:
		return 0, io.EOF
	}
}

func (l *loopTransport) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *loopTransport) popRequest(timeout time.Duration) []byte {
	deadline := time.After(timeout)
	for {
		l.mu.Lock()
		if len(l.toFW) > 0 {
			b := l.toFW[0]
			l.toFW = l.toFW[1:]
			l.mu.Unlock()
			return b
		}
		l.mu.Unlock()
		select {
		case <-time.After(time.Millisecond):
		case <-deadline:
			return nil
		}
	}
}

func (l *loopTransport) reply(frame []byte) {
	l.fromFW <- frame
}

func TestConnectionRequestResponse(t *testing.T) {
	lt := newLoopTransport()
	conn := NewConnection(lt, nil)
	conn.Start()
	defer conn.Close()

	go func() {
		req := lt.popRequest(time.Second)
		require.NotNil(t, req)
		resp, err := SerializeV1(DirResponse, MSPAPIVersion, []byte{1, 2, 3})
		require.NoError(t, err)
		lt.reply(resp)
	}()

	pkt, err := conn.Request(context.Background(), 1, MSPAPIVersion, nil, time.Second)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, pkt.Payload)
}

func TestConnectionRequestTimeout(t *testing.T) {
	lt := newLoopTransport()
	conn := NewConnection(lt, nil)
	conn.Start()
	defer conn.Close()

	_, err := conn.Request(context.Background(), 1, MSPStatus, nil, 30*time.Millisecond)
	require.Error(t, err)
	require.Equal(t, ErrTimedOut, errors.Cause(err))
	require.EqualValues(t, 1, conn.Stats().TimedOut)
}

func TestConnectionLatePacketDroppedAfterTimeout(t *testing.T) {
	lt := newLoopTransport()
	conn := NewConnection(lt, nil)
	conn.Start()
	defer conn.Close()

	_, err := conn.Request(context.Background(), 1, MSPStatus, nil, 20*time.Millisecond)
	require.Error(t, err)

	// A late response for the same command arrives after the timeout:
	// it must be dropped, not misdelivered to a later request.
	resp, _ := SerializeV1(DirResponse, MSPStatus, make([]byte, 11))
	lt.reply(resp)
	time.Sleep(30 * time.Millisecond)
	require.EqualValues(t, 1, conn.Stats().LateDropped)
}

func TestConnectionUnsupportedCommandErrorDirection(t *testing.T) {
	lt := newLoopTransport()
	conn := NewConnection(lt, nil)
	conn.Start()
	defer conn.Close()

	go func() {
		require.NotNil(t, lt.popRequest(time.Second))
		resp, _ := SerializeV1(DirError, MSPSetRawGPS, nil)
		lt.reply(resp)
	}()

	_, err := conn.Request(context.Background(), 1, MSPSetRawGPS, nil, time.Second)
	require.Error(t, err)
	require.Equal(t, ErrUnsupportedCommand, errors.Cause(err))
}

func TestConnectionConfigLockReentrant(t *testing.T) {
	lt := newLoopTransport()
	conn := NewConnection(lt, nil)
	conn.Start()
	defer conn.Close()

	require.False(t, conn.ConfigLocked())
	conn.LockConfig()
	conn.LockConfig()
	require.True(t, conn.ConfigLocked())
	conn.UnlockConfig()
	require.True(t, conn.ConfigLocked())
	conn.UnlockConfig()
	require.False(t, conn.ConfigLocked())
}

func TestConnectionCLIEscapeAndReturn(t *testing.T) {
	lt := newLoopTransport()
	conn := NewConnection(lt, nil)
	conn.Start()
	defer conn.Close()

	lines, err := conn.EnterCLI()
	require.NoError(t, err)
	req := lt.popRequest(time.Second)
	require.Equal(t, []byte{'#'}, req)

	lt.reply([]byte("set nav_rth_altitude = 1500\n"))
	select {
	case l := <-lines:
		require.Equal(t, "set nav_rth_altitude = 1500", l)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for CLI line")
	}

	require.NoError(t, conn.ExitCLI())
	req2 := lt.popRequest(time.Second)
	require.Equal(t, []byte("exit\n"), req2)
}
