package flashlock

import (
	"testing"
	"time"

	"github.com/cesanta/errors"
	"github.com/stretchr/testify/require"
)

func TestAcquireSingleHolder(t *testing.T) {
	l := New()
	require.True(t, l.TryAcquire("usart"))
	require.False(t, l.TryAcquire("dfu"))
	require.Equal(t, "usart", l.Holder())
}

func TestReleaseAllowsReacquire(t *testing.T) {
	l := New()
	require.True(t, l.TryAcquire("usart"))
	l.Release()
	require.False(t, l.Held())
	require.True(t, l.TryAcquire("dfu"))
	require.Equal(t, "dfu", l.Holder())
}

func TestForceReleaseClearsRegardlessOfHolder(t *testing.T) {
	l := New()
	require.True(t, l.TryAcquire("usart"))
	l.ForceRelease()
	require.False(t, l.Held())
}

func TestDurationMonotonicWhileHeld(t *testing.T) {
	l := New()
	require.NoError(t, l.Acquire("usart"))
	d1 := l.Duration()
	time.Sleep(2 * time.Millisecond)
	d2 := l.Duration()
	require.True(t, d2 >= d1)
}

func TestDurationZeroWhenUnheld(t *testing.T) {
	l := New()
	require.Zero(t, l.Duration())
}

func TestAcquireReturnsErrBusy(t *testing.T) {
	l := New()
	require.NoError(t, l.Acquire("usart"))
	err := l.Acquire("dfu")
	require.Error(t, err)
	require.Equal(t, ErrBusy, errors.Cause(err))
}
