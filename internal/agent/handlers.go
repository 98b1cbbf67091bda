package agent

import (
	"time"

	"github.com/rodgers-pac-lab/octopilot/internal/audiogen"
	"github.com/rodgers-pac-lab/octopilot/internal/events"
	"github.com/rodgers-pac-lab/octopilot/internal/gpioport"
	"github.com/rodgers-pac-lab/octopilot/internal/wire"
)

// handleMessage decodes and dispatches one inbound dispatcher message
// (spec.md 4.E message handler table).
func (l *Loop) handleMessage(raw string) {
	msg, err := wire.Decode(raw)
	if err != nil {
		l.logger.Error("dropping malformed message", "err", err, "kind", "protocol")
		return
	}

	switch msg.Command {
	case "start":
		l.handleStart()
	case "set_trial_parameters":
		l.handleSetTrialParameters(msg)
	case "stop":
		l.handleStop()
	case "exit":
		l.handleExit()
	case "are_you_alive":
		l.handleAreYouAlive()
	default:
		l.logger.Error("unrecognized command", "command", msg.Command, "kind", "protocol")
	}
}

func (l *Loop) handleStart() {
	l.left.AddPokeInHandler(l.onPokeIn(l.leftPortName))
	l.left.AddRewardHandler(l.onReward(l.leftPortName))
	l.right.AddPokeInHandler(l.onPokeIn(l.rightPortName))
	l.right.AddRewardHandler(l.onReward(l.rightPortName))

	l.sessionRunning.Store(true)
	l.trialNumber.Store(-1)
	l.lastAliveRequest.Store(time.Now().UnixNano())
	l.startHeartbeatMonitor()

	l.logger.Info("session started")
}

func (l *Loop) handleSetTrialParameters(msg wire.Message) {
	if !l.sessionRunning.Load() {
		l.logger.Error("set_trial_parameters received while session not running", "kind", "state-violation")
		return
	}

	trialNumber, _ := msg.GetInt("trial_number")
	leftReward, _ := msg.GetBool("left_reward")
	rightReward, _ := msg.GetBool("right_reward")

	if leftReward {
		l.left.Arm()
	} else {
		l.left.Disarm()
	}
	if rightReward {
		l.right.Arm()
	} else {
		l.right.Disarm()
	}

	left := sideParamsFromMessage(msg, "left")
	right := sideParamsFromMessage(msg, "right")
	l.gen.SetAudioParameters(left, right)

	l.sink.EmptyQueue(emptyQueueRetainTail)
	l.trialNumber.Store(trialNumber)
}

func (l *Loop) handleStop() {
	l.doStop()
	l.logger.Info("session stopped")
}

// doStop implements the body shared by `stop` and the critical-shutdown
// path in Run.
func (l *Loop) doStop() {
	l.left.RemoveAllHandlers()
	l.right.RemoveAllHandlers()
	l.stopHeartbeatMonitor()

	l.gen.SetAudioParameters(nil, nil)
	l.sink.EmptyQueue(emptyQueueRetainTail)

	l.sessionRunning.Store(false)
	l.shutdown.Store(true)
}

func (l *Loop) handleExit() {
	l.doStop()
	l.stopSoundReporter()

	if err := l.dealer.Close(); err != nil {
		l.logger.Error("error closing transport", "err", err, "kind", "transport")
	}
	if err := l.sink.Stop(); err != nil {
		l.logger.Error("error stopping audio backend", "err", err, "kind", "backend")
	}
	if err := l.left.Close(); err != nil {
		l.logger.Error("error releasing left GPIO", "err", err, "kind", "backend")
	}
	if err := l.right.Close(); err != nil {
		l.logger.Error("error releasing right GPIO", "err", err, "kind", "backend")
	}

	l.exitRequested.Store(true)
}

func (l *Loop) handleAreYouAlive() {
	l.lastAliveRequest.Store(time.Now().UnixNano())
	if err := l.dealer.Send(wire.Encode(wire.New("alive"))); err != nil {
		l.logger.Error("failed to reply alive", "err", err, "kind", "transport")
	}
}

// onPokeIn builds the poke-in handler for portName: emit a poke event
// locally and over the wire (spec.md 4.D step 2, 4.E sound/poke
// reporting).
func (l *Loop) onPokeIn(portName string) gpioport.PokeHandler {
	return func(port string, ts time.Time) {
		trial := l.trialNumber.Load()

		if l.eventLog != nil {
			if err := l.eventLog.Append(events.Event{
				Kind:      events.KindPoke,
				Agent:     l.name,
				Port:      port,
				Trial:     trialPtr(trial),
				Timestamp: ts,
			}); err != nil {
				l.logger.Error("failed to append poke event", "err", err)
			}
		}

		msg := wire.New("poke").
			With("trial_number", wire.Int(trial)).
			With("port_name", wire.Str(port)).
			With("poke_time", wire.Str(ts.Format(time.RFC3339Nano)))
		if err := l.dealer.Send(wire.Encode(msg)); err != nil {
			l.logger.Error("failed to send poke", "err", err, "kind", "transport")
		}
	}
}

// onReward builds the reward handler for portName.
func (l *Loop) onReward(portName string) gpioport.RewardHandler {
	return func(port string, ts time.Time) {
		trial := l.trialNumber.Load()

		if l.eventLog != nil {
			if err := l.eventLog.Append(events.Event{
				Kind:      events.KindReward,
				Agent:     l.name,
				Port:      port,
				Trial:     trialPtr(trial),
				Timestamp: ts,
			}); err != nil {
				l.logger.Error("failed to append reward event", "err", err)
			}
		}

		msg := wire.New("reward").
			With("trial_number", wire.Int(trial)).
			With("port_name", wire.Str(port)).
			With("poke_time", wire.Str(ts.Format(time.RFC3339Nano)))
		if err := l.dealer.Send(wire.Encode(msg)); err != nil {
			l.logger.Error("failed to send reward", "err", err, "kind", "transport")
		}
	}
}

func trialPtr(trial int64) *int {
	if trial < 0 {
		return nil
	}
	v := int(trial)
	return &v
}

// sideParamsFromMessage extracts a side's target stream from a
// set_trial_parameters message (spec.md 4.E scopes the agent's handler
// to target-only fields per side: a port plays target or distracter,
// never both, so the agent never reads the distracter_* fields even
// though they exist on the wire for other consumers).
func sideParamsFromMessage(msg wire.Message, sidePrefix string) *audiogen.SideParams {
	rate, ok := msg.GetFloat(sidePrefix + "_target_rate")
	if !ok {
		return nil
	}
	s := &audiogen.Stream{RateHz: rate}
	if v, ok := msg.GetFloat("target_temporal_log_std"); ok {
		s.TemporalLogStd = v
	}
	if v, ok := msg.GetFloat("target_center_freq"); ok {
		s.CenterFreq = v
	}
	if v, ok := msg.GetFloat("target_log_amplitude"); ok {
		s.LogAmplitude = v
	}
	return &audiogen.SideParams{Target: s}
}
