package progress

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	events []Event
}

func (s *recordingSink) Emit(ev Event) { s.events = append(s.events, ev) }

func TestTrackerAcceptsNonDecreasingProgress(t *testing.T) {
	rec := &recordingSink{}
	tr := NewTracker(rec)
	require.NoError(t, tr.Emit(Event{State: StatePreparing, Progress: 0}))
	require.NoError(t, tr.Emit(Event{State: StatePreparing, Progress: 50}))
	require.NoError(t, tr.Emit(Event{State: StateDownloading, Progress: 0}))
	require.Len(t, rec.events, 3)
}

func TestTrackerRejectsRegressingStateOrder(t *testing.T) {
	tr := NewTracker(nil)
	require.NoError(t, tr.Emit(Event{State: StateFlashing, Progress: 0}))
	err := tr.Emit(Event{State: StatePreparing, Progress: 0})
	require.Error(t, err)
}

func TestTrackerRejectsRegressingProgressWithinState(t *testing.T) {
	tr := NewTracker(nil)
	require.NoError(t, tr.Emit(Event{State: StateFlashing, Progress: 80}))
	err := tr.Emit(Event{State: StateFlashing, Progress: 10})
	require.Error(t, err)
}

func TestByteProgress(t *testing.T) {
	require.Equal(t, 50, ByteProgress(50, 100))
	require.Equal(t, 0, ByteProgress(0, 0))
	require.Equal(t, 100, ByteProgress(100, 100))
}

func TestStateString(t *testing.T) {
	require.Equal(t, "entering-bootloader", StateEnteringBootloader.String())
	require.Equal(t, "complete", StateComplete.String())
}
