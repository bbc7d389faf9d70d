// Package progress defines the typed progress-event protocol flashers
// emit upward (spec §6.7) and a plain-text stderr renderer for it.
//
// Grounded on spec §9's "event-emitter progress becomes a typed
// channel" redesign note and on the teacher's mos/flash/esp/flasher's
// use of common.Reportf to print flash progress lines; generalized
// here into a typed Event plus a Sink interface so the CLI and any
// future UI shell can each supply their own renderer.
package progress

import (
	"fmt"
	"os"

	"github.com/cesanta/errors"
)

// State is one stage of a flash operation, in the declared order spec
// §6.7 requires events to appear in.
type State int

const (
	StatePreparing State = iota
	StateEnteringBootloader
	StateDownloading
	StateErasing
	StateFlashing
	StateVerifying
	StateRebooting
	StateComplete
)

func (s State) String() string {
	names := [...]string{
		"preparing", "entering-bootloader", "downloading", "erasing",
		"flashing", "verifying", "rebooting", "complete",
	}
	if int(s) < len(names) {
		return names[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Event is one point-in-time progress report.
type Event struct {
	State        State
	Progress     int // 0..100
	Message      string
	BytesWritten uint64
	TotalBytes   uint64
	HasBytes     bool
}

// Sink receives progress events. Implementations must not block
// indefinitely; the flasher's forward progress depends on Emit
// returning promptly.
type Sink interface {
	Emit(Event)
}

// Tracker enforces the ordering invariant of spec §8 item 10 (states
// appear in declared order; progress is non-decreasing within a
// state) and forwards valid events to an underlying Sink.
type Tracker struct {
	sink      Sink
	lastState State
	lastPct   int
	started   bool
}

// NewTracker wraps sink with ordering validation.
func NewTracker(sink Sink) *Tracker {
	return &Tracker{sink: sink}
}

// ErrOutOfOrder is returned when a caller reports a state earlier than
// one already reported, or a lower progress value within the same
// state.
var ErrOutOfOrder = errors.New("progress event out of order")

// Emit validates ev against the invariant and forwards it, returning
// ErrOutOfOrder if the caller violated the ordering contract.
func (t *Tracker) Emit(ev Event) error {
	if t.started {
		if ev.State < t.lastState {
			return errors.Trace(ErrOutOfOrder)
		}
		if ev.State == t.lastState && ev.Progress < t.lastPct {
			return errors.Trace(ErrOutOfOrder)
		}
	}
	t.started = true
	t.lastState = ev.State
	t.lastPct = ev.Progress
	if t.sink != nil {
		t.sink.Emit(ev)
	}
	return nil
}

// StderrSink renders events as single human-readable lines to stderr,
// matching the teacher's plain progress-line style rather than
// structured logging (spec.md's Non-goals exclude a UI shell, but a
// CLI frontend still needs to see something).
type StderrSink struct {
	out func(string)
}

// NewStderrSink returns a StderrSink writing to os.Stderr.
func NewStderrSink() *StderrSink {
	return &StderrSink{out: func(line string) { fmt.Fprintln(os.Stderr, line) }}
}

func (s *StderrSink) Emit(ev Event) {
	line := fmt.Sprintf("[%s] %3d%%  %s", ev.State, ev.Progress, ev.Message)
	if ev.HasBytes {
		line += fmt.Sprintf("  (%d/%d bytes)", ev.BytesWritten, ev.TotalBytes)
	}
	s.out(line)
}

// ByteProgress computes the 0..100 percentage for a byte counter pair,
// matching spec §4.11's floor(downloaded / total * 100) rule. total==0
// yields 0 rather than dividing by zero.
func ByteProgress(done, total uint64) int {
	if total == 0 {
		return 0
	}
	return int(done * 100 / total)
}
