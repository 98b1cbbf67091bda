package agent

import (
	"time"

	"github.com/rodgers-pac-lab/octopilot/internal/audiosink"
	"github.com/rodgers-pac-lab/octopilot/internal/events"
	"github.com/rodgers-pac-lab/octopilot/internal/wire"
)

// startSoundReporter drains the sink's non-silent-frame notifications for
// the lifetime of the loop, turning each into a `sound` wire message
// (spec.md section 6, section 9: only non-silent frames are reported).
// A nil notifications channel (as in tests that don't wire a real sink)
// leaves the reporter permanently idle.
func (l *Loop) startSoundReporter() {
	l.soundReporterStop = make(chan struct{})
	l.soundReporterDone = make(chan struct{})

	go func() {
		defer close(l.soundReporterDone)
		if l.notifications == nil {
			<-l.soundReporterStop
			return
		}
		for {
			select {
			case <-l.soundReporterStop:
				return
			case note, ok := <-l.notifications:
				if !ok {
					return
				}
				l.reportSound(note)
			}
		}
	}()
}

func (l *Loop) stopSoundReporter() {
	if l.soundReporterStop == nil {
		return
	}
	close(l.soundReporterStop)
	<-l.soundReporterDone
	l.soundReporterStop = nil
	l.soundReporterDone = nil
}

func (l *Loop) reportSound(note audiosink.Notification) {
	trial := l.trialNumber.Load()

	if l.eventLog != nil {
		if err := l.eventLog.Append(events.Event{
			Kind:      events.KindSound,
			Agent:     l.name,
			Trial:     trialPtr(trial),
			Timestamp: note.Time,
		}); err != nil {
			l.logger.Error("failed to append sound event", "err", err)
		}
	}

	// frames_since_cycle_start is not tracked independently of the
	// running frame counter (the generator doesn't expose cycle-relative
	// position across the sink boundary), so frame_index stands in for
	// both fields.
	msg := wire.New("sound").
		With("trial_number", wire.Int(trial)).
		With("data_left", wire.Float(note.LeftRMS)).
		With("data_right", wire.Float(note.RightRMS)).
		With("last_frame_time", wire.Int(note.FrameIndex)).
		With("frames_since_cycle_start", wire.Int(note.FrameIndex)).
		With("data_hash", wire.Int(note.DataHash)).
		With("dt", wire.Str(note.Time.Format(time.RFC3339Nano)))
	if err := l.dealer.Send(wire.Encode(msg)); err != nil {
		l.logger.Error("failed to send sound", "err", err, "kind", "transport")
	}
}
